package models

// MatchMode is how a scoring rule compares a record signal to a candidate
// signal.
type MatchMode string

const (
	MatchModeExact MatchMode = "exact"
	MatchModeFuzzy MatchMode = "fuzzy"
)

// ScoreRule is one row of the scoring weight table. Fuzzy rules scale their
// weight by the similarity of the two values and only fire at or above
// MinSimilarity. Primary rules can carry a record to an automatic match on
// their own.
type ScoreRule struct {
	Name          string         `json:"name" validate:"required"`
	Kind          EntityKind     `json:"kind" validate:"required"`
	SignalType    IdentifierType `json:"signal_type" validate:"required"`
	Mode          MatchMode      `json:"mode" validate:"required,oneof=exact fuzzy"`
	Weight        float64        `json:"weight" validate:"required,gt=0,lte=1"`
	MinSimilarity float64        `json:"min_similarity,omitempty" validate:"gte=0,lte=1"`
	Primary       bool           `json:"primary,omitempty"`
}

// DefaultScoreRules is the built-in weight table, used when no rule file is
// configured. Weights may sum above 1.0; the scorer caps totals at 1.0.
func DefaultScoreRules() []ScoreRule {
	rules := []ScoreRule{
		{Name: "email_exact", SignalType: IdentifierTypeEmail, Mode: MatchModeExact, Weight: 0.95, Primary: true},
		{Name: "phone_exact", SignalType: IdentifierTypePhone, Mode: MatchModeExact, Weight: 0.95, Primary: true},
		{Name: "name_exact", SignalType: IdentifierTypeName, Mode: MatchModeExact, Weight: 0.60},
		{Name: "name_fuzzy", SignalType: IdentifierTypeName, Mode: MatchModeFuzzy, Weight: 0.45, MinSimilarity: 0.7},
		{Name: "address_exact", SignalType: IdentifierTypeAddress, Mode: MatchModeExact, Weight: 0.25},
	}

	out := make([]ScoreRule, 0, len(rules)*2+1)
	for _, kind := range []EntityKind{EntityKindPerson, EntityKindAnimal} {
		for _, r := range rules {
			r.Kind = kind
			out = append(out, r)
		}
	}
	out = append(out, ScoreRule{
		Name:       "microchip_exact",
		Kind:       EntityKindAnimal,
		SignalType: IdentifierTypeMicrochip,
		Mode:       MatchModeExact,
		Weight:     1.0,
		Primary:    true,
	})
	out = append(out,
		ScoreRule{Name: "address_exact", Kind: EntityKindLocation, SignalType: IdentifierTypeAddress, Mode: MatchModeExact, Weight: 0.95, Primary: true},
		ScoreRule{Name: "name_fuzzy", Kind: EntityKindLocation, SignalType: IdentifierTypeName, Mode: MatchModeFuzzy, Weight: 0.45, MinSimilarity: 0.7},
	)
	return out
}
