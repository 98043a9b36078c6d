package models

import (
	"time"
)

// EntityKind identifies which kind of canonical entity a row describes.
type EntityKind string

const (
	EntityKindPerson   EntityKind = "person"
	EntityKindAnimal   EntityKind = "animal"
	EntityKindLocation EntityKind = "location"
)

// Valid reports whether the kind is one of the known entity kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityKindPerson, EntityKindAnimal, EntityKindLocation:
		return true
	}
	return false
}

// DataQuality tags how trustworthy an entity's attributes are considered.
type DataQuality string

const (
	DataQualityVerified DataQuality = "verified" // confirmed by a reviewer or an authoritative source
	DataQualityNormal   DataQuality = "normal"
	DataQualityLow      DataQuality = "low" // seeded from a weak signal set, never corroborated
)

// Entity is a canonical record of a person, animal, or location.
//
// An entity with a non-nil MergedIntoID is absorbed: it must never be the
// target of a new relationship write, and its pointer never chains (merges
// always target the forest root, so one dereference reaches the canonical
// entity).
type Entity struct {
	ID             string      `json:"id" db:"id"`
	Kind           EntityKind  `json:"kind" db:"kind"`
	DisplayName    string      `json:"display_name" db:"display_name"`
	FirstName      *string     `json:"first_name,omitempty" db:"first_name"`
	LastName       *string     `json:"last_name,omitempty" db:"last_name"`
	DataQuality    DataQuality `json:"data_quality" db:"data_quality"`
	SourceSystem   string      `json:"source_system" db:"source_system"`
	SourceRecordID *string     `json:"source_record_id,omitempty" db:"source_record_id"`
	MergedIntoID   *string     `json:"merged_into_id,omitempty" db:"merged_into_id"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsAbsorbed reports whether the entity has been merged into another one.
func (e *Entity) IsAbsorbed() bool {
	return e.MergedIntoID != nil
}

// IdentifierType is the type of a normalized signal value attached to an
// entity. Email, phone, and microchip values are globally unique per
// (type, normalized value) pair; name and address values are match signals
// only and carry no uniqueness guarantee.
type IdentifierType string

const (
	IdentifierTypeEmail     IdentifierType = "email"
	IdentifierTypePhone     IdentifierType = "phone"
	IdentifierTypeMicrochip IdentifierType = "microchip"
	IdentifierTypeName      IdentifierType = "name"
	IdentifierTypeAddress   IdentifierType = "address"
)

// Unique reports whether values of this type are globally unique per
// normalized value. Unique types live in the identifiers table and guard
// against duplicate entity creation; the rest live in the match signal index.
func (t IdentifierType) Unique() bool {
	switch t {
	case IdentifierTypeEmail, IdentifierTypePhone, IdentifierTypeMicrochip:
		return true
	}
	return false
}

// Identifier is a typed, normalized signal value attached to an entity.
type Identifier struct {
	ID              string         `json:"id" db:"id"`
	EntityID        string         `json:"entity_id" db:"entity_id"`
	Type            IdentifierType `json:"type" db:"id_type"`
	ValueRaw        string         `json:"value_raw" db:"value_raw"`
	ValueNormalized string         `json:"value_normalized" db:"value_normalized"`
	SourceSystem    string         `json:"source_system" db:"source_system"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// Organization maps a recognized organization name to its known
// representative person and/or physical location, so records submitted under
// an organization name can be routed instead of matched.
type Organization struct {
	ID                     string     `json:"id" db:"id"`
	NameNormalized         string     `json:"name_normalized" db:"name_normalized"`
	DisplayName            string     `json:"display_name" db:"display_name"`
	RepresentativePersonID *string    `json:"representative_person_id,omitempty" db:"representative_person_id"`
	LocationID             *string    `json:"location_id,omitempty" db:"location_id"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt              *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}
