package models

// IncomingRecord is a raw record submitted for resolution. At least one
// usable signal (name, email, phone, microchip, or address) must survive
// normalization or the record is rejected.
type IncomingRecord struct {
	Kind           EntityKind `json:"kind" validate:"required"`
	SourceSystem   string     `json:"source_system" validate:"required"`
	SourceRecordID string     `json:"source_record_id,omitempty"`
	FirstName      string     `json:"first_name,omitempty"`
	LastName       string     `json:"last_name,omitempty"`
	FullName       string     `json:"full_name,omitempty"`
	Email          string     `json:"email,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Microchip      string     `json:"microchip,omitempty"`
	Address        string     `json:"address,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// NormalizedRecord is the cleaned form of an IncomingRecord. Empty strings
// mean the signal was absent or normalized to nothing.
type NormalizedRecord struct {
	Kind           EntityKind
	SourceSystem   string
	SourceRecordID string
	FirstName      string
	LastName       string
	FullName       string
	Email          string
	Phone          string
	Microchip      string
	Address        string
	Notes          string
}

// Signals returns the record's non-empty signal values keyed by type.
func (r *NormalizedRecord) Signals() map[IdentifierType]string {
	out := map[IdentifierType]string{}
	if r.FullName != "" {
		out[IdentifierTypeName] = r.FullName
	}
	if r.Email != "" {
		out[IdentifierTypeEmail] = r.Email
	}
	if r.Phone != "" {
		out[IdentifierTypePhone] = r.Phone
	}
	if r.Microchip != "" {
		out[IdentifierTypeMicrochip] = r.Microchip
	}
	if r.Address != "" {
		out[IdentifierTypeAddress] = r.Address
	}
	return out
}

// HasUsableSignal reports whether any signal survived normalization.
func (r *NormalizedRecord) HasUsableSignal() bool {
	return len(r.Signals()) > 0
}

// Outcome is the terminal state of a resolution decision.
type Outcome string

const (
	OutcomeRejected           Outcome = "rejected"
	OutcomeOrganizationRouted Outcome = "organization_routed"
	OutcomeAutoMatched        Outcome = "auto_matched"
	OutcomeReviewPending      Outcome = "review_pending"
	OutcomeNewEntity          Outcome = "new_entity"
)

// Resolution is the result of resolving a single incoming record.
type Resolution struct {
	Outcome         Outcome   `json:"outcome"`
	EntityID        string    `json:"entity_id,omitempty"`
	OrganizationID  string    `json:"organization_id,omitempty"`
	LocationID      string    `json:"location_id,omitempty"`
	DecisionID      string    `json:"decision_id,omitempty"`
	Score           float64   `json:"score"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	RuleHits        []RuleHit `json:"rule_hits,omitempty"`
	Replayed        bool      `json:"replayed,omitempty"`
}

// BatchItemResult pairs one record of a batch with its resolution or error.
type BatchItemResult struct {
	Index      int         `json:"index"`
	Resolution *Resolution `json:"resolution,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// BatchResult is the outcome of a batch resolve call. Failures are isolated
// per record; Failed counts items whose Error is set.
type BatchResult struct {
	Items  []BatchItemResult `json:"items"`
	Failed int               `json:"failed"`
}
