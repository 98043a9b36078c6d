package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
)

// MergeSnapshot preserves the absorbed entity's state at merge time so an
// unmerge can be audited against what the entity looked like.
type MergeSnapshot struct {
	Entity        Entity         `json:"entity"`
	Identifiers   []Identifier   `json:"identifiers"`
	Relationships []Relationship `json:"relationships"`
}

// MergeAudit records one merge of an absorbed entity into a survivor.
type MergeAudit struct {
	ID                   string                         `json:"id" db:"id"`
	SurvivorID           string                         `json:"survivor_id" db:"survivor_id"`
	AbsorbedID           string                         `json:"absorbed_id" db:"absorbed_id"`
	Kind                 EntityKind                     `json:"kind" db:"kind"`
	RelationshipsMoved   int                            `json:"relationships_moved" db:"relationships_moved"`
	RelationshipsSkipped int                            `json:"relationships_skipped" db:"relationships_skipped"`
	IdentifiersCopied    int                            `json:"identifiers_copied" db:"identifiers_copied"`
	Snapshot             database.JSONB[MergeSnapshot] `json:"snapshot" db:"snapshot"`
	Actor                string                         `json:"actor" db:"actor"`
	Reason               *string                        `json:"reason,omitempty" db:"reason"`
	UnmergedAt           *time.Time                     `json:"unmerged_at,omitempty" db:"unmerged_at"`
	CreatedAt            time.Time                      `json:"created_at" db:"created_at"`
}

// MergeRequest asks the engine to merge one entity into another.
type MergeRequest struct {
	SurvivorID string `json:"survivor_id" validate:"required,uuid"`
	AbsorbedID string `json:"absorbed_id" validate:"required,uuid"`
	Actor      string `json:"actor" validate:"required"`
	Reason     string `json:"reason,omitempty"`
}

// AutoResolveAction is one planned action from a bulk auto-resolve pass.
type AutoResolveAction struct {
	DecisionID string  `json:"decision_id"`
	EntityID   string  `json:"entity_id"`
	TargetID   string  `json:"target_id"`
	Score      float64 `json:"score"`
	Merge      bool    `json:"merge"` // false means confirm the link only
}

// AutoResolveResult summarizes a bulk auto-resolve pass over pending
// review decisions at or above the confirmation threshold.
type AutoResolveResult struct {
	DryRun    bool                `json:"dry_run"`
	Threshold float64             `json:"threshold"`
	Actions   []AutoResolveAction `json:"actions"`
	Confirmed int                 `json:"confirmed"`
	Merged    int                 `json:"merged"`
	Failed    int                 `json:"failed"`
}

// AuditEvent is an append-only log row describing one mutation of the
// canonical store.
type AuditEvent struct {
	ID         string                            `json:"id" db:"id"`
	Action     string                            `json:"action" db:"action"`
	EntityID   *string                           `json:"entity_id,omitempty" db:"entity_id"`
	Actor      string                            `json:"actor" db:"actor"`
	Detail     database.JSONB[map[string]any]    `json:"detail" db:"detail"`
	CreatedAt  time.Time                         `json:"created_at" db:"created_at"`
}
