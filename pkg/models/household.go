package models

import (
	"time"
)

// Household groups people inferred to share a residence. Membership is
// advisory: it never feeds back into match scoring.
type Household struct {
	ID         string     `json:"id" db:"id"`
	LocationID string     `json:"location_id" db:"location_id"`
	Label      string     `json:"label" db:"label"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// HouseholdMember links a person to a household with the evidence that put
// them there.
type HouseholdMember struct {
	HouseholdID string       `json:"household_id" db:"household_id"`
	PersonID    string       `json:"person_id" db:"person_id"`
	Evidence    EvidenceType `json:"evidence" db:"evidence"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

// HouseholdView is a household with its members resolved.
type HouseholdView struct {
	Household Household         `json:"household"`
	Members   []HouseholdMember `json:"members"`
}
