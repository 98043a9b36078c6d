package matching

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
)

type fakeIndex struct {
	candidates []CandidateSignals
}

func (f *fakeIndex) EntityIDsBySignal(_ context.Context, _ models.EntityKind, signalType models.IdentifierType, value string, _ int) ([]string, error) {
	var ids []string
	for _, c := range f.candidates {
		if c.Signals[signalType] == value {
			ids = append(ids, c.EntityID)
		}
	}
	return ids, nil
}

func (f *fakeIndex) LoadCandidates(_ context.Context, entityIDs []string) ([]CandidateSignals, error) {
	wanted := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		wanted[id] = true
	}
	var out []CandidateSignals
	for _, c := range f.candidates {
		if wanted[c.EntityID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestService(index SignalIndex) *Service {
	return NewService(testLogger(), index, models.DefaultScoreRules(), DefaultConfig())
}

func personRecord(modify func(*models.NormalizedRecord)) *models.NormalizedRecord {
	record := &models.NormalizedRecord{
		Kind:         models.EntityKindPerson,
		SourceSystem: "test",
	}
	if modify != nil {
		modify(record)
	}
	return record
}

func TestScoreExactEmailMatch(t *testing.T) {
	index := &fakeIndex{candidates: []CandidateSignals{{
		EntityID: "entity-1",
		Signals:  map[models.IdentifierType]string{models.IdentifierTypeEmail: "a@x.com"},
	}}}
	service := newTestService(index)

	scores, err := service.Score(context.Background(), personRecord(func(r *models.NormalizedRecord) {
		r.Email = "a@x.com"
		r.FullName = "jo"
	}))

	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, "entity-1", scores[0].EntityID)
	assert.GreaterOrEqual(t, scores[0].Score, 0.90)
}

func TestScorePhoneOnlyReachesAutoThreshold(t *testing.T) {
	index := &fakeIndex{candidates: []CandidateSignals{{
		EntityID: "entity-1",
		Signals:  map[models.IdentifierType]string{models.IdentifierTypePhone: "7075551234"},
	}}}
	service := newTestService(index)

	scores, err := service.Score(context.Background(), personRecord(func(r *models.NormalizedRecord) {
		r.Phone = "7075551234"
	}))

	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.GreaterOrEqual(t, scores[0].Score, 0.90)
}

func TestScoreCapsAtOne(t *testing.T) {
	index := &fakeIndex{candidates: []CandidateSignals{{
		EntityID: "entity-1",
		Signals: map[models.IdentifierType]string{
			models.IdentifierTypeEmail:   "a@x.com",
			models.IdentifierTypePhone:   "7075551234",
			models.IdentifierTypeName:    "jo smith",
			models.IdentifierTypeAddress: "123 main st",
		},
	}}}
	service := newTestService(index)

	scores, err := service.Score(context.Background(), personRecord(func(r *models.NormalizedRecord) {
		r.Email = "a@x.com"
		r.Phone = "7075551234"
		r.FullName = "jo smith"
		r.Address = "123 main st"
	}))

	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, 1.0, scores[0].Score)
	assert.Len(t, scores[0].RuleHits, 4)
}

func TestScoreNameOnlyStaysBelowAutoThreshold(t *testing.T) {
	index := &fakeIndex{candidates: []CandidateSignals{{
		EntityID: "entity-1",
		Signals:  map[models.IdentifierType]string{models.IdentifierTypeName: "jo smith"},
	}}}
	service := newTestService(index)

	scores, err := service.Score(context.Background(), personRecord(func(r *models.NormalizedRecord) {
		r.FullName = "jo smith"
	}))

	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Less(t, scores[0].Score, 0.90)
	assert.GreaterOrEqual(t, scores[0].Score, 0.50)
}

func TestScoreExactNameSuppressesFuzzyRule(t *testing.T) {
	index := &fakeIndex{candidates: []CandidateSignals{{
		EntityID: "entity-1",
		Signals:  map[models.IdentifierType]string{models.IdentifierTypeName: "jo smith"},
	}}}
	service := newTestService(index)

	scores, err := service.Score(context.Background(), personRecord(func(r *models.NormalizedRecord) {
		r.FullName = "jo smith"
	}))

	require.NoError(t, err)
	require.Len(t, scores, 1)
	require.Len(t, scores[0].RuleHits, 1)
	assert.Equal(t, "name_exact", scores[0].RuleHits[0].Rule)
}

func TestScoreFuzzyNameBelowSimilarityThresholdDoesNotFire(t *testing.T) {
	index := &fakeIndex{candidates: []CandidateSignals{{
		EntityID: "entity-1",
		Signals: map[models.IdentifierType]string{
			models.IdentifierTypeName:  "completely different",
			models.IdentifierTypePhone: "7075551234",
		},
	}}}
	service := newTestService(index)

	scores, err := service.Score(context.Background(), personRecord(func(r *models.NormalizedRecord) {
		r.FullName = "jo smith"
		r.Phone = "7075551234"
	}))

	require.NoError(t, err)
	require.Len(t, scores, 1)
	for _, hit := range scores[0].RuleHits {
		assert.NotEqual(t, "name_fuzzy", hit.Rule)
	}
}

func TestScoreTokenOrderInsensitiveNames(t *testing.T) {
	scorer := NewScorer()
	assert.Equal(t, 1.0, scorer.Similarity("jo smith", "smith jo"))
}

func TestSoundex(t *testing.T) {
	scorer := NewScorer()
	assert.Equal(t, "R163", scorer.Soundex("robert"))
	assert.Equal(t, "R163", scorer.Soundex("rupert"))
	assert.Equal(t, "A261", scorer.Soundex("ashcraft"))
	assert.Equal(t, "T522", scorer.Soundex("tymczak"))
	assert.Equal(t, "", scorer.Soundex(""))
}

func TestScoreTieBreaks(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	index := &fakeIndex{candidates: []CandidateSignals{
		{
			EntityID:  "younger-more-signals",
			CreatedAt: base.AddDate(0, 0, 5),
			Signals: map[models.IdentifierType]string{
				models.IdentifierTypePhone: "7075551234",
				models.IdentifierTypeName:  "jo smith",
			},
		},
		{
			EntityID:  "older-fewer-signals",
			CreatedAt: base,
			Signals:   map[models.IdentifierType]string{models.IdentifierTypePhone: "7075551234"},
		},
	}}
	service := newTestService(index)

	scores, err := service.Score(context.Background(), personRecord(func(r *models.NormalizedRecord) {
		r.Phone = "7075551234"
		r.FullName = "jo smith"
	}))

	require.NoError(t, err)
	require.Len(t, scores, 2)
	// More corroborating signal types outranks age when scores differ anyway;
	// here the two-signal candidate also scores higher.
	assert.Equal(t, "younger-more-signals", scores[0].EntityID)

	// Strip the name so both candidates score identically on phone alone; the
	// older entity must win the tie.
	scores, err = service.Score(context.Background(), personRecord(func(r *models.NormalizedRecord) {
		r.Phone = "7075551234"
	}))
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "older-fewer-signals", scores[0].EntityID)
}

func TestScoreNoCandidates(t *testing.T) {
	service := newTestService(&fakeIndex{})

	scores, err := service.Score(context.Background(), personRecord(func(r *models.NormalizedRecord) {
		r.Email = "a@x.com"
	}))

	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestScoreMicrochipDefinitiveForAnimals(t *testing.T) {
	index := &fakeIndex{candidates: []CandidateSignals{{
		EntityID: "animal-1",
		Signals:  map[models.IdentifierType]string{models.IdentifierTypeMicrochip: "985112004567890"},
	}}}
	service := newTestService(index)

	record := &models.NormalizedRecord{
		Kind:         models.EntityKindAnimal,
		SourceSystem: "test",
		Microchip:    "985112004567890",
	}
	scores, err := service.Score(context.Background(), record)

	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, 1.0, scores[0].Score)
}
