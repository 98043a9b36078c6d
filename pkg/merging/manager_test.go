package merging

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
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
	backfilled []string
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

func (f *fakeEntities) SetMergedInto(_ context.Context, absorbedID, survivorID string) error {
	f.byID[absorbedID].MergedIntoID = &survivorID
	return nil
}

func (f *fakeEntities) ClearMergedInto(_ context.Context, id string) error {
	f.byID[id].MergedIntoID = nil
	return nil
}

func (f *fakeEntities) Backfill(_ context.Context, id string, _, _ string) error {
	f.backfilled = append(f.backfilled, id)
	return nil
}

func (f *fakeEntities) DB() database.DB { return &fakeDB{} }

type fakeIdentifiers struct {
	byEntity map[string][]models.Identifier
}

func (f *fakeIdentifiers) ListByEntity(_ context.Context, entityID string) ([]models.Identifier, error) {
	return f.byEntity[entityID], nil
}

func (f *fakeIdentifiers) CopyMissing(_ context.Context, from, to string) (int, error) {
	copied := 0
	for _, src := range f.byEntity[from] {
		exists := false
		for _, dst := range f.byEntity[to] {
			if dst.Type == src.Type && dst.ValueNormalized == src.ValueNormalized {
				exists = true
				break
			}
		}
		if !exists {
			src.EntityID = to
			f.byEntity[to] = append(f.byEntity[to], src)
			copied++
		}
	}
	return copied, nil
}

func (f *fakeIdentifiers) Attach(_ context.Context, identifier *models.Identifier) error {
	f.byEntity[identifier.EntityID] = append(f.byEntity[identifier.EntityID], *identifier)
	return nil
}

func (f *fakeIdentifiers) EntityIDsBySignal(_ context.Context, _ models.EntityKind, signalType models.IdentifierType, value string, _ int) ([]string, error) {
	for entityID, ids := range f.byEntity {
		for _, id := range ids {
			if id.Type == signalType && id.ValueNormalized == value {
				return []string{entityID}, nil
			}
		}
	}
	return nil, nil
}

type fakeRelationships struct {
	edges []models.Relationship
}

func (f *fakeRelationships) ListByEntity(_ context.Context, entityID string) ([]models.Relationship, error) {
	var out []models.Relationship
	for _, edge := range f.edges {
		if edge.FromEntityID == entityID || edge.ToEntityID == entityID {
			out = append(out, edge)
		}
	}
	return out, nil
}

func (f *fakeRelationships) MigrateEndpoint(_ context.Context, from, to string) (int, int, error) {
	moved, skipped := 0, 0
	var kept []models.Relationship
	for _, edge := range f.edges {
		touched := edge.FromEntityID == from || edge.ToEntityID == from
		if !touched {
			kept = append(kept, edge)
			continue
		}
		if edge.FromEntityID == from {
			edge.FromEntityID = to
		}
		if edge.ToEntityID == from {
			edge.ToEntityID = to
		}
		if edge.FromEntityID == edge.ToEntityID {
			skipped++
			continue
		}
		duplicate := false
		for _, existing := range f.edges {
			if existing.ID != edge.ID && existing.FromEntityID == edge.FromEntityID && existing.ToEntityID == edge.ToEntityID &&
				existing.Kind == edge.Kind && existing.SourceSystem == edge.SourceSystem {
				duplicate = true
				break
			}
		}
		if duplicate {
			skipped++
			continue
		}
		moved++
		kept = append(kept, edge)
	}
	f.edges = kept
	return moved, skipped, nil
}

type fakeAudits struct {
	created  []*models.MergeAudit
	unmerged []string
}

func (f *fakeAudits) Create(_ context.Context, audit *models.MergeAudit) (*models.MergeAudit, error) {
	audit.ID = fmt.Sprintf("audit-%d", len(f.created)+1)
	audit.CreatedAt = time.Now().UTC()
	f.created = append(f.created, audit)
	return audit, nil
}

func (f *fakeAudits) MarkUnmerged(_ context.Context, absorbedID string) error {
	f.unmerged = append(f.unmerged, absorbedID)
	return nil
}

type fakeAuditLog struct {
	events []*models.AuditEvent
}

func (f *fakeAuditLog) Append(_ context.Context, event *models.AuditEvent) error {
	f.events = append(f.events, event)
	return nil
}

type fakeDecisions struct {
	byID map[string]*models.MatchDecision
}

func (f *fakeDecisions) Get(_ context.Context, id string) (*models.MatchDecision, error) {
	decision, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("decision %s not found", id)
	}
	return decision, nil
}

func (f *fakeDecisions) ListPending(_ context.Context, minScore float64, _, _ int) ([]models.MatchDecision, error) {
	var out []models.MatchDecision
	for _, decision := range f.byID {
		if decision.Pending() && decision.Score >= minScore {
			out = append(out, *decision)
		}
	}
	return out, nil
}

func (f *fakeDecisions) SetDisposition(_ context.Context, id string, disposition models.ReviewDisposition, reviewedBy string) error {
	decision, ok := f.byID[id]
	if !ok || decision.Disposition != nil {
		return fmt.Errorf("decision %s not found or already reviewed", id)
	}
	now := time.Now().UTC()
	decision.Disposition = &disposition
	decision.ReviewedBy = &reviewedBy
	decision.ReviewedAt = &now
	return nil
}

type fixture struct {
	manager       *Manager
	entities      *fakeEntities
	ids           *fakeIdentifiers
	relationships *fakeRelationships
	audits        *fakeAudits
	auditLog      *fakeAuditLog
	decisions     *fakeDecisions
}

func newFixture(_ *testing.T) *fixture {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	f := &fixture{
		entities:      &fakeEntities{byID: map[string]*models.Entity{}},
		ids:           &fakeIdentifiers{byEntity: map[string][]models.Identifier{}},
		relationships: &fakeRelationships{},
		audits:        &fakeAudits{},
		auditLog:      &fakeAuditLog{},
		decisions:     &fakeDecisions{byID: map[string]*models.MatchDecision{}},
	}
	f.manager = NewManager(logger, DefaultConfig(), f.entities, f.ids, f.relationships, f.audits, f.auditLog, f.decisions, events.NoopEmitter{})
	return f
}

func (f *fixture) addEntity(kind models.EntityKind) string {
	id := uuid.New().String()
	f.entities.byID[id] = &models.Entity{ID: id, Kind: kind, CreatedAt: time.Now().UTC()}
	return id
}

func TestMergeMovesRelationshipsAndIdentifiers(t *testing.T) {
	f := newFixture(t)
	survivor := f.addEntity(models.EntityKindPerson)
	absorbed := f.addEntity(models.EntityKindPerson)
	animal := f.addEntity(models.EntityKindAnimal)

	f.relationships.edges = []models.Relationship{
		{ID: "r1", FromEntityID: absorbed, ToEntityID: animal, Kind: models.RelationshipKindOwner, SourceSystem: "intake"},
	}
	f.ids.byEntity[absorbed] = []models.Identifier{
		{EntityID: absorbed, Type: models.IdentifierTypeEmail, ValueNormalized: "jo@example.com"},
	}

	audit, err := f.manager.Merge(context.Background(), &models.MergeRequest{
		SurvivorID: survivor,
		AbsorbedID: absorbed,
		Actor:      "reviewer@clover",
		Reason:     "same person, two intake rows",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, audit.RelationshipsMoved)
	assert.Equal(t, 1, audit.IdentifiersCopied)
	assert.Equal(t, absorbed, audit.AbsorbedID)
	assert.Equal(t, survivor, audit.SurvivorID)

	// The survivor owns the edge now and the absorbed side has none.
	survivorEdges, _ := f.relationships.ListByEntity(context.Background(), survivor)
	absorbedEdges, _ := f.relationships.ListByEntity(context.Background(), absorbed)
	assert.Len(t, survivorEdges, 1)
	assert.Empty(t, absorbedEdges)

	canonical, err := f.manager.CanonicalOf(context.Background(), absorbed)
	require.NoError(t, err)
	assert.Equal(t, survivor, canonical)

	// The snapshot preserves the pre-merge state.
	snapshot := audit.Snapshot.Data
	assert.Equal(t, absorbed, snapshot.Entity.ID)
	assert.Len(t, snapshot.Identifiers, 1)
	assert.Len(t, snapshot.Relationships, 1)

	require.Len(t, f.auditLog.events, 1)
	assert.Equal(t, "entity.merged", f.auditLog.events[0].Action)
}

func TestMergeSkipsDuplicateRelationships(t *testing.T) {
	f := newFixture(t)
	survivor := f.addEntity(models.EntityKindPerson)
	absorbed := f.addEntity(models.EntityKindPerson)
	animal := f.addEntity(models.EntityKindAnimal)

	f.relationships.edges = []models.Relationship{
		{ID: "r1", FromEntityID: survivor, ToEntityID: animal, Kind: models.RelationshipKindOwner, SourceSystem: "intake"},
		{ID: "r2", FromEntityID: absorbed, ToEntityID: animal, Kind: models.RelationshipKindOwner, SourceSystem: "intake"},
	}

	audit, err := f.manager.Merge(context.Background(), &models.MergeRequest{
		SurvivorID: survivor,
		AbsorbedID: absorbed,
		Actor:      "reviewer@clover",
	})
	require.NoError(t, err)

	assert.Equal(t, 0, audit.RelationshipsMoved)
	assert.Equal(t, 1, audit.RelationshipsSkipped)

	survivorEdges, _ := f.relationships.ListByEntity(context.Background(), survivor)
	assert.Len(t, survivorEdges, 1)
}

func TestMergeRejectsSelfMerge(t *testing.T) {
	f := newFixture(t)
	id := f.addEntity(models.EntityKindPerson)

	_, err := f.manager.Merge(context.Background(), &models.MergeRequest{
		SurvivorID: id,
		AbsorbedID: id,
		Actor:      "reviewer@clover",
	})
	assert.Error(t, err)
}

func TestMergeRejectsAlreadyAbsorbedEntity(t *testing.T) {
	f := newFixture(t)
	a := f.addEntity(models.EntityKindPerson)
	b := f.addEntity(models.EntityKindPerson)
	c := f.addEntity(models.EntityKindPerson)

	_, err := f.manager.Merge(context.Background(), &models.MergeRequest{SurvivorID: b, AbsorbedID: a, Actor: "reviewer@clover"})
	require.NoError(t, err)

	// A is absorbed; merging it again must be rejected, not chained.
	_, err = f.manager.Merge(context.Background(), &models.MergeRequest{SurvivorID: c, AbsorbedID: a, Actor: "reviewer@clover"})
	assert.Error(t, err)
}

func TestMergeIntoAbsorbedSurvivorTargetsRoot(t *testing.T) {
	f := newFixture(t)
	a := f.addEntity(models.EntityKindPerson)
	b := f.addEntity(models.EntityKindPerson)
	c := f.addEntity(models.EntityKindPerson)

	_, err := f.manager.Merge(context.Background(), &models.MergeRequest{SurvivorID: b, AbsorbedID: a, Actor: "reviewer@clover"})
	require.NoError(t, err)

	// Merging into A lands on A's canonical root B, keeping the forest flat.
	audit, err := f.manager.Merge(context.Background(), &models.MergeRequest{SurvivorID: a, AbsorbedID: c, Actor: "reviewer@clover"})
	require.NoError(t, err)
	assert.Equal(t, b, audit.SurvivorID)

	canonical, err := f.manager.CanonicalOf(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, b, canonical)
}

func TestMergeRejectsMismatchedKinds(t *testing.T) {
	f := newFixture(t)
	person := f.addEntity(models.EntityKindPerson)
	animal := f.addEntity(models.EntityKindAnimal)

	_, err := f.manager.Merge(context.Background(), &models.MergeRequest{SurvivorID: person, AbsorbedID: animal, Actor: "reviewer@clover"})
	assert.Error(t, err)
}

func TestUnmergeRestoresCanonicalStatus(t *testing.T) {
	f := newFixture(t)
	survivor := f.addEntity(models.EntityKindPerson)
	absorbed := f.addEntity(models.EntityKindPerson)

	_, err := f.manager.Merge(context.Background(), &models.MergeRequest{SurvivorID: survivor, AbsorbedID: absorbed, Actor: "reviewer@clover"})
	require.NoError(t, err)

	require.NoError(t, f.manager.Unmerge(context.Background(), absorbed, "reviewer@clover"))

	canonical, err := f.manager.CanonicalOf(context.Background(), absorbed)
	require.NoError(t, err)
	assert.Equal(t, absorbed, canonical)
	assert.Contains(t, f.audits.unmerged, absorbed)
}

func TestUnmergeRejectsCanonicalEntity(t *testing.T) {
	f := newFixture(t)
	id := f.addEntity(models.EntityKindPerson)

	err := f.manager.Unmerge(context.Background(), id, "reviewer@clover")
	assert.Error(t, err)
}

func pendingDecision(f *fixture, entityID string, score float64) *models.MatchDecision {
	id := uuid.New().String()
	decision := &models.MatchDecision{
		ID:       id,
		Kind:     models.EntityKindPerson,
		Outcome:  models.OutcomeReviewPending,
		EntityID: &entityID,
		Score:    score,
		RecordSnapshot: database.JSONB[models.NormalizedRecord]{Data: models.NormalizedRecord{
			Kind:         models.EntityKindPerson,
			SourceSystem: "intake",
			FirstName:    "jo",
			Email:        "jo@example.com",
		}},
	}
	f.decisions.byID[id] = decision
	return decision
}

func TestConfirmDecisionAttachesSignals(t *testing.T) {
	f := newFixture(t)
	target := f.addEntity(models.EntityKindPerson)
	decision := pendingDecision(f, target, 0.7)

	require.NoError(t, f.manager.ConfirmDecision(context.Background(), decision.ID, "reviewer@clover"))

	assert.NotEmpty(t, f.ids.byEntity[target])
	assert.Contains(t, f.entities.backfilled, target)
	assert.Equal(t, models.ReviewDispositionConfirmed, *decision.Disposition)

	// A second confirmation must be rejected.
	assert.Error(t, f.manager.ConfirmDecision(context.Background(), decision.ID, "reviewer@clover"))
}

func TestDenyDecision(t *testing.T) {
	f := newFixture(t)
	target := f.addEntity(models.EntityKindPerson)
	decision := pendingDecision(f, target, 0.7)

	require.NoError(t, f.manager.DenyDecision(context.Background(), decision.ID, "reviewer@clover"))
	assert.Equal(t, models.ReviewDispositionDenied, *decision.Disposition)
	assert.Empty(t, f.ids.byEntity[target], "denied links attach nothing")
}

func TestAutoResolveConfirmsHighScoringDecisions(t *testing.T) {
	f := newFixture(t)
	target := f.addEntity(models.EntityKindPerson)
	pendingDecision(f, target, 0.97)
	low := pendingDecision(f, target, 0.80)
	low.RecordSnapshot.Data.Email = "other@example.com"

	result, err := f.manager.AutoResolve(context.Background(), 0.95, false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Confirmed)
	assert.Equal(t, 0, result.Merged)
	assert.Len(t, result.Actions, 1)
	assert.True(t, low.Pending(), "decisions below the threshold stay pending")
}

func TestAutoResolveDryRunCommitsNothing(t *testing.T) {
	f := newFixture(t)
	target := f.addEntity(models.EntityKindPerson)
	decision := pendingDecision(f, target, 0.97)

	result, err := f.manager.AutoResolve(context.Background(), 0.95, true)
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Len(t, result.Actions, 1)
	assert.Equal(t, 0, result.Confirmed)
	assert.True(t, decision.Pending())
	assert.Empty(t, f.ids.byEntity[target])
}

func TestAutoResolveMergesDuplicateSeededWhilePending(t *testing.T) {
	f := newFixture(t)
	target := f.addEntity(models.EntityKindPerson)
	duplicate := f.addEntity(models.EntityKindPerson)
	decision := pendingDecision(f, target, 0.97)

	// While the decision sat pending, another record with the same email
	// seeded its own entity.
	f.ids.byEntity[duplicate] = []models.Identifier{
		{EntityID: duplicate, Type: models.IdentifierTypeEmail, ValueNormalized: "jo@example.com"},
	}

	result, err := f.manager.AutoResolve(context.Background(), 0.95, false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Merged)
	require.Len(t, result.Actions, 1)
	assert.True(t, result.Actions[0].Merge)
	assert.Equal(t, duplicate, result.Actions[0].EntityID)
	assert.Equal(t, target, result.Actions[0].TargetID)

	canonical, err := f.manager.CanonicalOf(context.Background(), duplicate)
	require.NoError(t, err)
	assert.Equal(t, target, canonical)
	assert.False(t, decision.Pending())
}
