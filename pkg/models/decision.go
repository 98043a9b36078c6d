package models

import (
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
)

// RuleHit records one scoring rule that contributed to a decision's score.
type RuleHit struct {
	Rule       string  `json:"rule"`
	SignalType string  `json:"signal_type"`
	Weight     float64 `json:"weight"`
	Similarity float64 `json:"similarity,omitempty"`
	Primary    bool    `json:"primary,omitempty"`
}

// ReviewDisposition is the reviewer's verdict on a review_pending decision.
type ReviewDisposition string

const (
	ReviewDispositionConfirmed ReviewDisposition = "confirmed"
	ReviewDispositionDenied    ReviewDisposition = "denied"
)

// MatchDecision is the durable audit row written for every resolution.
// Fingerprint is a content hash of the normalized record; resubmitting an
// identical record replays the stored decision instead of re-resolving.
type MatchDecision struct {
	ID              string                   `json:"id" db:"id"`
	Fingerprint     string                   `json:"fingerprint" db:"fingerprint"`
	Kind            EntityKind               `json:"kind" db:"kind"`
	SourceSystem    string                   `json:"source_system" db:"source_system"`
	SourceRecordID  *string                  `json:"source_record_id,omitempty" db:"source_record_id"`
	Outcome         Outcome                  `json:"outcome" db:"outcome"`
	EntityID        *string                  `json:"entity_id,omitempty" db:"entity_id"`
	OrganizationID  *string                  `json:"organization_id,omitempty" db:"organization_id"`
	Score           float64                  `json:"score" db:"score"`
	Breakdown       database.JSONB[[]RuleHit] `json:"breakdown" db:"breakdown"`
	RejectionReason *string                  `json:"rejection_reason,omitempty" db:"rejection_reason"`
	RecordSnapshot  database.JSONB[NormalizedRecord] `json:"record_snapshot" db:"record_snapshot"`
	Disposition     *ReviewDisposition       `json:"disposition,omitempty" db:"disposition"`
	ReviewedBy      *string                  `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt      *time.Time               `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt       time.Time                `json:"created_at" db:"created_at"`
}

// Pending reports whether the decision is still awaiting review.
func (d *MatchDecision) Pending() bool {
	return d.Outcome == OutcomeReviewPending && d.Disposition == nil
}

// CandidateScore is a scored candidate entity considered during resolution.
type CandidateScore struct {
	EntityID  string    `json:"entity_id"`
	Score     float64   `json:"score"`
	RuleHits  []RuleHit `json:"rule_hits"`
	CreatedAt time.Time `json:"created_at"`
}
