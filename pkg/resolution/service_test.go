package resolution

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/rejection"
)

type fakeTx struct {
	database.Tx
}

func (f *fakeTx) ExecContext(context.Context, string, ...any) (sql.Result, error) { return nil, nil }
func (f *fakeTx) Commit(context.Context) error                                    { return nil }
func (f *fakeTx) Rollback(context.Context) error                                  { return nil }

func (f *fakeTx) GetContext(_ context.Context, dest any, _ string, _ ...any) error {
	if acquired, ok := dest.(*bool); ok {
		*acquired = true
	}
	return nil
}

type fakeDB struct {
	database.DB
}

func (f *fakeDB) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, &fakeTx{}, nil
}

type fakeEntities struct {
	byID       map[string]*models.Entity
	created    []*models.Entity
	backfilled []string
}

func newFakeEntities() *fakeEntities {
	return &fakeEntities{byID: map[string]*models.Entity{}}
}

func (f *fakeEntities) Create(_ context.Context, entity *models.Entity) (*models.Entity, error) {
	entity.ID = fmt.Sprintf("ent-%d", len(f.created)+1)
	f.created = append(f.created, entity)
	f.byID[entity.ID] = entity
	return entity, nil
}

func (f *fakeEntities) Get(_ context.Context, id string) (*models.Entity, error) {
	entity, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", id)
	}
	return entity, nil
}

func (f *fakeEntities) GetCanonical(ctx context.Context, id string) (*models.Entity, error) {
	entity, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entity.MergedIntoID != nil {
		return f.Get(ctx, *entity.MergedIntoID)
	}
	return entity, nil
}

func (f *fakeEntities) Backfill(_ context.Context, id string, _, _ string) error {
	f.backfilled = append(f.backfilled, id)
	return nil
}

func (f *fakeEntities) DB() database.DB { return &fakeDB{} }

type fakeIdentifiers struct {
	attached []models.Identifier
}

func (f *fakeIdentifiers) Attach(_ context.Context, identifier *models.Identifier) error {
	f.attached = append(f.attached, *identifier)
	return nil
}

type fakeDecisions struct {
	created       []*models.MatchDecision
	byFingerprint map[string]*models.MatchDecision
}

func newFakeDecisions() *fakeDecisions {
	return &fakeDecisions{byFingerprint: map[string]*models.MatchDecision{}}
}

func (f *fakeDecisions) Create(_ context.Context, decision *models.MatchDecision) (*models.MatchDecision, error) {
	decision.ID = fmt.Sprintf("dec-%d", len(f.created)+1)
	f.created = append(f.created, decision)
	f.byFingerprint[decision.Fingerprint] = decision
	return decision, nil
}

func (f *fakeDecisions) GetByFingerprint(_ context.Context, fp string) (*models.MatchDecision, error) {
	return f.byFingerprint[fp], nil
}

type fakeOrgs struct {
	byName map[string]*models.Organization
}

func (f *fakeOrgs) GetByName(_ context.Context, name string) (*models.Organization, error) {
	if f.byName == nil {
		return nil, nil
	}
	return f.byName[name], nil
}

type fakeScorer struct {
	scores []models.CandidateScore
}

func (f *fakeScorer) Score(context.Context, *models.NormalizedRecord) ([]models.CandidateScore, error) {
	return f.scores, nil
}

type fixture struct {
	service   *Service
	entities  *fakeEntities
	ids       *fakeIdentifiers
	decisions *fakeDecisions
	orgs      *fakeOrgs
	scorer    *fakeScorer
}

func newFixture(t *testing.T) *fixture {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	chain, err := rejection.NewChain(rejection.DefaultPatterns(), []string{"cloverrescue.org"}, nil, logger)
	require.NoError(t, err)

	f := &fixture{
		entities:  newFakeEntities(),
		ids:       &fakeIdentifiers{},
		decisions: newFakeDecisions(),
		orgs:      &fakeOrgs{},
		scorer:    &fakeScorer{},
	}
	f.service = NewService(logger, DefaultConfig(), chain, f.scorer, f.entities, f.ids, f.decisions, f.orgs, events.NoopEmitter{})
	return f
}

func personRecord() *models.IncomingRecord {
	return &models.IncomingRecord{
		Kind:         models.EntityKindPerson,
		SourceSystem: "clinic-sync",
		FirstName:    "Jo",
		LastName:     "Ramirez",
		Email:        "jo@example.com",
	}
}

func TestResolveExactEmailAutoMatch(t *testing.T) {
	f := newFixture(t)
	f.entities.byID["ent-77"] = &models.Entity{ID: "ent-77", Kind: models.EntityKindPerson}
	f.scorer.scores = []models.CandidateScore{{EntityID: "ent-77", Score: 0.95}}

	resolution, err := f.service.Resolve(context.Background(), personRecord())
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeAutoMatched, resolution.Outcome)
	assert.Equal(t, "ent-77", resolution.EntityID)
	assert.Equal(t, 0.95, resolution.Score)
	assert.NotEmpty(t, resolution.DecisionID)
	assert.Contains(t, f.entities.backfilled, "ent-77")
	assert.NotEmpty(t, f.ids.attached, "signals should attach to the matched entity")
}

func TestResolveThresholdBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		score   float64
		outcome models.Outcome
	}{
		{"exactly 0.90 auto-matches", 0.90, models.OutcomeAutoMatched},
		{"just below 0.90 goes to review", 0.8999, models.OutcomeReviewPending},
		{"exactly 0.50 goes to review", 0.50, models.OutcomeReviewPending},
		{"just below 0.50 creates new entity", 0.4999, models.OutcomeNewEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.entities.byID["ent-1"] = &models.Entity{ID: "ent-1", Kind: models.EntityKindPerson}
			f.scorer.scores = []models.CandidateScore{{EntityID: "ent-1", Score: tt.score}}

			record := personRecord()
			record.Email = fmt.Sprintf("jo+%s@example.com", tt.name)

			resolution, err := f.service.Resolve(context.Background(), record)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, resolution.Outcome)
		})
	}
}

func TestResolveReviewPendingLinksOptimistically(t *testing.T) {
	f := newFixture(t)
	f.scorer.scores = []models.CandidateScore{{EntityID: "ent-5", Score: 0.62}}

	resolution, err := f.service.Resolve(context.Background(), personRecord())
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeReviewPending, resolution.Outcome)
	assert.Equal(t, "ent-5", resolution.EntityID, "should still link to the best candidate")
	assert.Empty(t, f.ids.attached, "no signals attach until a reviewer confirms")

	require.Len(t, f.decisions.created, 1)
	assert.True(t, f.decisions.created[0].Pending())
}

func TestResolveNewEntity(t *testing.T) {
	f := newFixture(t)

	resolution, err := f.service.Resolve(context.Background(), personRecord())
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeNewEntity, resolution.Outcome)
	require.Len(t, f.entities.created, 1)

	entity := f.entities.created[0]
	assert.Equal(t, resolution.EntityID, entity.ID)
	assert.Equal(t, models.EntityKindPerson, entity.Kind)
	assert.Equal(t, "Jo Ramirez", entity.DisplayName)
	assert.Equal(t, models.DataQualityNormal, entity.DataQuality, "email is a unique signal")

	types := map[models.IdentifierType]bool{}
	for _, id := range f.ids.attached {
		assert.Equal(t, entity.ID, id.EntityID)
		types[id.Type] = true
	}
	assert.True(t, types[models.IdentifierTypeEmail])
	assert.True(t, types[models.IdentifierTypeName])
}

func TestResolveNewEntityWeakSignalsSeedLowQuality(t *testing.T) {
	f := newFixture(t)

	record := &models.IncomingRecord{
		Kind:         models.EntityKindPerson,
		SourceSystem: "web-form",
		FullName:     "Casey Okafor",
	}
	resolution, err := f.service.Resolve(context.Background(), record)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeNewEntity, resolution.Outcome)
	require.Len(t, f.entities.created, 1)
	assert.Equal(t, models.DataQualityLow, f.entities.created[0].DataQuality)
}

func TestResolveInternalAccountRejected(t *testing.T) {
	f := newFixture(t)

	record := &models.IncomingRecord{
		Kind:         models.EntityKindPerson,
		SourceSystem: "clinic-sync",
		FullName:     "Foster Home 12",
	}
	resolution, err := f.service.Resolve(context.Background(), record)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeRejected, resolution.Outcome)
	assert.Empty(t, resolution.EntityID)
	assert.NotEmpty(t, resolution.RejectionReason)
	assert.Empty(t, f.entities.created)
	require.Len(t, f.decisions.created, 1)
}

func TestResolveOrganizationNoRepresentativeRejected(t *testing.T) {
	f := newFixture(t)

	record := &models.IncomingRecord{
		Kind:         models.EntityKindPerson,
		SourceSystem: "intake",
		FirstName:    "County Animal Shelter",
	}
	resolution, err := f.service.Resolve(context.Background(), record)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeRejected, resolution.Outcome)
	assert.Empty(t, resolution.EntityID)
	assert.Empty(t, resolution.LocationID)
}

func TestResolveOrganizationRoutedToRepresentative(t *testing.T) {
	f := newFixture(t)
	rep := "ent-rep"
	loc := "ent-loc"
	f.orgs.byName = map[string]*models.Organization{
		"county animal shelter": {
			ID:                     "org-1",
			NameNormalized:         "county animal shelter",
			RepresentativePersonID: &rep,
			LocationID:             &loc,
		},
	}

	record := &models.IncomingRecord{
		Kind:         models.EntityKindPerson,
		SourceSystem: "intake",
		FullName:     "County Animal Shelter",
	}
	resolution, err := f.service.Resolve(context.Background(), record)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeOrganizationRouted, resolution.Outcome)
	assert.Equal(t, rep, resolution.EntityID)
	assert.Equal(t, loc, resolution.LocationID)
	assert.Equal(t, "org-1", resolution.OrganizationID)
}

func TestResolveOrganizationLocationOnlyStillRejected(t *testing.T) {
	f := newFixture(t)
	loc := "ent-loc"
	f.orgs.byName = map[string]*models.Organization{
		"valley vet clinic": {ID: "org-2", NameNormalized: "valley vet clinic", LocationID: &loc},
	}

	record := &models.IncomingRecord{
		Kind:         models.EntityKindPerson,
		SourceSystem: "intake",
		FullName:     "Valley Vet Clinic",
	}
	resolution, err := f.service.Resolve(context.Background(), record)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeRejected, resolution.Outcome)
	assert.Empty(t, resolution.EntityID)
	assert.Equal(t, loc, resolution.LocationID, "known location is returned even on rejection")
}

func TestResolveNoUsableSignalRejected(t *testing.T) {
	f := newFixture(t)

	record := &models.IncomingRecord{
		Kind:         models.EntityKindPerson,
		SourceSystem: "web-form",
		Phone:        "12345", // not a 10-digit number, normalizes away
	}
	resolution, err := f.service.Resolve(context.Background(), record)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeRejected, resolution.Outcome)
	assert.Equal(t, "no usable identifier", resolution.RejectionReason)
}

func TestResolveReplaysIdenticalRecord(t *testing.T) {
	f := newFixture(t)
	f.scorer.scores = []models.CandidateScore{{EntityID: "ent-9", Score: 0.95}}
	f.entities.byID["ent-9"] = &models.Entity{ID: "ent-9", Kind: models.EntityKindPerson}

	first, err := f.service.Resolve(context.Background(), personRecord())
	require.NoError(t, err)

	second, err := f.service.Resolve(context.Background(), personRecord())
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.EntityID, second.EntityID)
	assert.Equal(t, first.DecisionID, second.DecisionID)
	assert.Len(t, f.decisions.created, 1, "replay must not write a second decision")
}

func TestResolveDeniedReviewRunsFresh(t *testing.T) {
	f := newFixture(t)
	f.scorer.scores = []models.CandidateScore{{EntityID: "ent-3", Score: 0.70}}

	first, err := f.service.Resolve(context.Background(), personRecord())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeReviewPending, first.Outcome)

	denied := models.ReviewDispositionDenied
	f.decisions.created[0].Disposition = &denied

	// The reviewer said the suggested link was wrong; the resubmission
	// scores fresh and, with no strong candidate, creates a new entity.
	f.scorer.scores = nil
	second, err := f.service.Resolve(context.Background(), personRecord())
	require.NoError(t, err)

	assert.False(t, second.Replayed)
	assert.Equal(t, models.OutcomeNewEntity, second.Outcome)
}

func TestResolveRequiresKindAndSource(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Resolve(context.Background(), &models.IncomingRecord{Kind: models.EntityKindPerson})
	assert.Error(t, err)

	_, err = f.service.Resolve(context.Background(), &models.IncomingRecord{SourceSystem: "intake", Kind: "plant"})
	assert.Error(t, err)
}

func TestResolveBatchIsolatesFailures(t *testing.T) {
	f := newFixture(t)

	records := []models.IncomingRecord{
		{Kind: models.EntityKindPerson, SourceSystem: "intake", Email: "one@example.com"},
		{Kind: "plant", SourceSystem: "intake", Email: "bad@example.com"},
		{Kind: models.EntityKindPerson, SourceSystem: "intake", Email: "two@example.com"},
	}

	result, err := f.service.ResolveBatch(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Items, 3)
	assert.Empty(t, result.Items[0].Error)
	assert.NotEmpty(t, result.Items[1].Error)
	assert.Empty(t, result.Items[2].Error)
}

func TestResolveBatchRejectsOversizedBatch(t *testing.T) {
	f := newFixture(t)
	f.service.cfg.BatchLimit = 2

	records := make([]models.IncomingRecord, 3)
	for i := range records {
		records[i] = models.IncomingRecord{Kind: models.EntityKindPerson, SourceSystem: "intake"}
	}

	_, err := f.service.ResolveBatch(context.Background(), records)
	assert.Error(t, err)
}
