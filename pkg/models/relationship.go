package models

import (
	"time"
)

// RelationshipClass groups relationship kinds by the entity kinds they join.
type RelationshipClass string

const (
	RelationshipClassPersonAnimal    RelationshipClass = "person_animal"
	RelationshipClassPersonLocation  RelationshipClass = "person_location"
	RelationshipClassAnimalLocation  RelationshipClass = "animal_location"
	RelationshipClassPersonPerson    RelationshipClass = "person_person"
)

// RelationshipKind is the semantic label on an edge between two entities.
type RelationshipKind string

const (
	RelationshipKindOwner     RelationshipKind = "owner"
	RelationshipKindCaretaker RelationshipKind = "caretaker"
	RelationshipKindFosterer  RelationshipKind = "fosterer"
	RelationshipKindTrapper   RelationshipKind = "trapper"
	RelationshipKindResident  RelationshipKind = "resident"
	RelationshipKindFoundAt   RelationshipKind = "found_at"
	RelationshipKindHousehold RelationshipKind = "household_member"
)

// Class returns the relationship class a kind belongs to.
func (k RelationshipKind) Class() RelationshipClass {
	switch k {
	case RelationshipKindOwner, RelationshipKindCaretaker, RelationshipKindFosterer, RelationshipKindTrapper:
		return RelationshipClassPersonAnimal
	case RelationshipKindResident:
		return RelationshipClassPersonLocation
	case RelationshipKindFoundAt:
		return RelationshipClassAnimalLocation
	case RelationshipKindHousehold:
		return RelationshipClassPersonPerson
	}
	return ""
}

// EvidenceType describes how a relationship claim was observed.
type EvidenceType string

const (
	EvidenceTypeDirect   EvidenceType = "direct"   // stated in the source record
	EvidenceTypeDerived  EvidenceType = "derived"  // computed (shared address, co-occurrence)
	EvidenceTypeImported EvidenceType = "imported" // bulk loaded from another system

	// EvidenceTypeSharedPhone marks household membership inferred from a
	// shared phone identifier. It is not a valid evidence type for
	// relationship writes.
	EvidenceTypeSharedPhone EvidenceType = "shared_phone"
)

// ConfidenceTier orders relationship confidence. Writes may only upgrade an
// existing edge's tier, never downgrade it.
type ConfidenceTier int

const (
	ConfidenceTierLow ConfidenceTier = iota + 1
	ConfidenceTierMedium
	ConfidenceTierHigh
	ConfidenceTierConfirmed
)

// Valid reports whether the tier is within the known range.
func (t ConfidenceTier) Valid() bool {
	return t >= ConfidenceTierLow && t <= ConfidenceTierConfirmed
}

// Relationship is a directed edge between two canonical entities. Edges are
// unique per (from, to, kind, source system); re-asserting an edge upgrades
// its confidence if the new tier is higher.
type Relationship struct {
	ID           string           `json:"id" db:"id"`
	FromEntityID string           `json:"from_entity_id" db:"from_entity_id"`
	ToEntityID   string           `json:"to_entity_id" db:"to_entity_id"`
	Kind         RelationshipKind `json:"kind" db:"kind"`
	Evidence     EvidenceType     `json:"evidence" db:"evidence"`
	Confidence   ConfidenceTier   `json:"confidence" db:"confidence"`
	SourceSystem string           `json:"source_system" db:"source_system"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// CreateRelationshipRequest is the payload for asserting an edge.
type CreateRelationshipRequest struct {
	FromEntityID string           `json:"from_entity_id" validate:"required,uuid"`
	ToEntityID   string           `json:"to_entity_id" validate:"required,uuid"`
	Kind         RelationshipKind `json:"kind" validate:"required"`
	Evidence     EvidenceType     `json:"evidence" validate:"required"`
	Confidence   ConfidenceTier   `json:"confidence" validate:"required,min=1,max=4"`
	SourceSystem string           `json:"source_system" validate:"required"`
}
