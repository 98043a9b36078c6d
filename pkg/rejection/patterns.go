package rejection

import (
	"encoding/json"
	"fmt"
	"os"
)

// PatternSet is the externally configurable data behind the rejection
// filters. Pattern fields hold regular expressions; literal fields hold
// exact normalized values.
type PatternSet struct {
	InternalPatterns     []string `json:"internal_patterns"`
	InternalLiterals     []string `json:"internal_literals"`
	OrganizationKeywords []string `json:"organization_keywords"`
	GarbagePatterns      []string `json:"garbage_patterns"`
	PlaceholderLiterals  []string `json:"placeholder_literals"`
}

// DefaultPatterns returns the built-in pattern tables, used when no pattern
// file is configured.
func DefaultPatterns() *PatternSet {
	return &PatternSet{
		InternalPatterns: []string{
			`^foster (home|program|account)( \d+)?$`,
			`^barn cat program`,
			`^tnr (holding|return)`,
			`^transfer (in|out)$`,
		},
		InternalLiterals: []string{
			"clinic account",
			"office use",
			"do not use",
		},
		OrganizationKeywords: []string{
			"shelter", "rescue", "humane", "spca", "hspca", "veterinary", "vet clinic",
			"animal control", "animal services", "county", "city of", "department",
			"hospital", "clinic", "sanctuary", "society", "foundation", "nonprofit",
			"inc", "llc",
		},
		GarbagePatterns: []string{
			`^\d{7,}$`,       // digit runs, usually a mis-filed tag number
			`^(.)\1{2,}$`,    // repeated single character
			`^[^a-z]*$`,      // no letters at all
			`^\d+ [a-z]+ (st|ave|blvd|dr|rd|ln|ct|cir|pl)$`, // address fragment filed as a name
			`^(test|asdf|qwerty)`,
		},
		PlaceholderLiterals: []string{
			"unknown", "n/a", "na", "none", "no name", "nobody", "anonymous",
			"caretaker", "owner", "finder", "same", "?",
		},
	}
}

// LoadPatterns reads a pattern file. The file fully replaces the defaults so
// operators can retire a built-in pattern without a redeploy.
func LoadPatterns(path string) (*PatternSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error while reading pattern file %s: %w", path, err)
	}

	var set PatternSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("error while parsing pattern file %s: %w", path, err)
	}
	return &set, nil
}
