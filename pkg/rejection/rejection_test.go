package rejection

import (
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

func newTestChain(t *testing.T) *Chain {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	chain, err := NewChain(DefaultPatterns(), []string{"cloverrescue.org"}, []string{"(707) 555-0100"}, logger)
	require.NoError(t, err)
	return chain
}

func normalizedPerson(t *testing.T, record models.IncomingRecord) *models.NormalizedRecord {
	t.Helper()
	record.Kind = models.EntityKindPerson
	record.SourceSystem = "test"
	normalized := normalizers.NormalizeRecord(&record)
	return &normalized
}

func TestChainPassesOrdinaryRecord(t *testing.T) {
	chain := newTestChain(t)

	verdict := chain.Evaluate(normalizedPerson(t, models.IncomingRecord{
		FullName: "Jo Smith",
		Email:    "jo@example.com",
	}))

	assert.False(t, verdict.Matched)
}

func TestInternalAccountFilter(t *testing.T) {
	chain := newTestChain(t)

	tests := []struct {
		name   string
		record models.IncomingRecord
	}{
		{name: "foster placeholder account", record: models.IncomingRecord{FullName: "Foster Home 12"}},
		{name: "internal literal", record: models.IncomingRecord{FullName: "Do Not Use"}},
		{name: "internal email domain", record: models.IncomingRecord{FullName: "Jo Smith", Email: "jo@cloverrescue.org"}},
		{name: "internal phone", record: models.IncomingRecord{FullName: "Jo Smith", Phone: "707-555-0100"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			verdict := chain.Evaluate(normalizedPerson(t, test.record))
			assert.True(t, verdict.Matched)
			assert.Equal(t, FilterInternalAccount, verdict.Filter)
		})
	}
}

func TestOrganizationFilter(t *testing.T) {
	chain := newTestChain(t)

	tests := []struct {
		name    string
		input   string
		matched bool
	}{
		{name: "county shelter", input: "County Animal Shelter", matched: true},
		{name: "vet clinic", input: "Oakdale Veterinary Clinic", matched: true},
		{name: "rescue group", input: "Happy Tails Rescue", matched: true},
		{name: "keyword inside a word does not fire", input: "Mary Lincoln", matched: false},
		{name: "plain person", input: "Jo Smith", matched: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			verdict := chain.Evaluate(normalizedPerson(t, models.IncomingRecord{FullName: test.input}))
			assert.Equal(t, test.matched, verdict.Matched)
			if test.matched {
				assert.Equal(t, FilterOrganization, verdict.Filter)
			}
		})
	}
}

func TestGarbageFilter(t *testing.T) {
	chain := newTestChain(t)

	tests := []struct {
		name  string
		input string
	}{
		{name: "digit run", input: "9851120045"},
		{name: "repeated character", input: "xxxxx"},
		{name: "placeholder unknown", input: "Unknown"},
		{name: "placeholder n/a", input: "N/A"},
		{name: "address fragment", input: "123 Main St"},
		{name: "test value", input: "asdf asdf"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			verdict := chain.Evaluate(normalizedPerson(t, models.IncomingRecord{FullName: test.input}))
			assert.True(t, verdict.Matched, "expected %q to be rejected", test.input)
			assert.Equal(t, FilterGarbage, verdict.Filter)
		})
	}
}

func TestFilterOrderInternalBeforeOrganization(t *testing.T) {
	chain := newTestChain(t)

	// Matches both the internal pattern table and the organization keyword
	// table; the earlier filter must win.
	verdict := chain.Evaluate(normalizedPerson(t, models.IncomingRecord{FullName: "TNR Holding Shelter"}))

	assert.True(t, verdict.Matched)
	assert.Equal(t, FilterInternalAccount, verdict.Filter)
}

func TestInvalidPatternFailsConstruction(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	patterns := DefaultPatterns()
	patterns.GarbagePatterns = append(patterns.GarbagePatterns, "([unclosed")

	_, err := NewChain(patterns, nil, nil, logger)

	assert.Error(t, err)
}
