package integration

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	householdrepo "github.com/Ramsey-B/clover/internal/repositories/household"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/gatekeeper"
	householdsvc "github.com/Ramsey-B/clover/pkg/household"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/rejection"
	"github.com/Ramsey-B/clover/pkg/resolution"
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

// world is an in-memory stand-in for the relational store. It backs every
// service interface the pipeline needs so the resolution, merging,
// gatekeeper, and household services can run against each other without a
// database.
type world struct {
	mu sync.Mutex

	entities    map[string]*models.Entity
	identifiers []*models.Identifier
	decisions   []*models.MatchDecision
	relations   []*models.Relationship
	audits      []*models.MergeAudit
	auditEvents []*models.AuditEvent
	orgs        map[string]*models.Organization
	households  map[string]*models.Household
	members     map[string][]models.HouseholdMember

	clock time.Time
}

func newWorld() *world {
	return &world{
		entities:   map[string]*models.Entity{},
		orgs:       map[string]*models.Organization{},
		households: map[string]*models.Household{},
		members:    map[string][]models.HouseholdMember{},
		clock:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick hands out strictly increasing timestamps so created-at tiebreaks are
// deterministic.
func (w *world) tick() time.Time {
	w.clock = w.clock.Add(time.Second)
	return w.clock
}

func notFound(what, id string) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s %s not found", what, id))
}

func (w *world) DB() database.DB { return &fakeDB{} }

// entity store

func (w *world) Create(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	stored := *entity
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.CreatedAt = w.tick()
	stored.UpdatedAt = stored.CreatedAt
	w.entities[stored.ID] = &stored

	out := stored
	return &out, nil
}

func (w *world) Get(ctx context.Context, id string) (*models.Entity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.getEntityLocked(id)
}

func (w *world) getEntityLocked(id string) (*models.Entity, error) {
	entity, ok := w.entities[id]
	if !ok {
		return nil, notFound("entity", id)
	}
	out := *entity
	return &out, nil
}

func (w *world) GetCanonical(ctx context.Context, id string) (*models.Entity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entity, err := w.getEntityLocked(id)
	if err != nil {
		return nil, err
	}
	for hops := 0; entity.MergedIntoID != nil && hops < 10; hops++ {
		entity, err = w.getEntityLocked(*entity.MergedIntoID)
		if err != nil {
			return nil, err
		}
	}
	return entity, nil
}

func (w *world) Backfill(ctx context.Context, id string, firstName, lastName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entity, ok := w.entities[id]
	if !ok {
		return notFound("entity", id)
	}
	if firstName != "" && (entity.FirstName == nil || *entity.FirstName == "") {
		entity.FirstName = &firstName
	}
	if lastName != "" && (entity.LastName == nil || *entity.LastName == "") {
		entity.LastName = &lastName
	}
	entity.UpdatedAt = w.tick()
	return nil
}

func (w *world) SetMergedInto(ctx context.Context, absorbedID, survivorID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entity, ok := w.entities[absorbedID]
	if !ok {
		return notFound("entity", absorbedID)
	}
	entity.MergedIntoID = &survivorID
	entity.UpdatedAt = w.tick()
	return nil
}

func (w *world) ClearMergedInto(ctx context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entity, ok := w.entities[id]
	if !ok {
		return notFound("entity", id)
	}
	entity.MergedIntoID = nil
	entity.UpdatedAt = w.tick()
	return nil
}

// identifier store

func (w *world) Attach(ctx context.Context, identifier *models.Identifier) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, existing := range w.identifiers {
		if existing.EntityID == identifier.EntityID &&
			existing.Type == identifier.Type &&
			existing.ValueNormalized == identifier.ValueNormalized {
			return nil
		}
	}
	stored := *identifier
	stored.ID = uuid.New().String()
	stored.CreatedAt = w.tick()
	w.identifiers = append(w.identifiers, &stored)
	return nil
}

func (w *world) ListByEntity(ctx context.Context, entityID string) ([]models.Identifier, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []models.Identifier
	for _, id := range w.identifiers {
		if id.EntityID == entityID {
			out = append(out, *id)
		}
	}
	return out, nil
}

func (w *world) CopyMissing(ctx context.Context, fromEntityID, toEntityID string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	has := func(idType models.IdentifierType, value string) bool {
		for _, id := range w.identifiers {
			if id.EntityID == toEntityID && id.Type == idType && id.ValueNormalized == value {
				return true
			}
		}
		return false
	}

	copied := 0
	for _, src := range w.identifiers {
		if src.EntityID != fromEntityID || has(src.Type, src.ValueNormalized) {
			continue
		}
		dup := *src
		dup.ID = uuid.New().String()
		dup.EntityID = toEntityID
		dup.CreatedAt = w.tick()
		w.identifiers = append(w.identifiers, &dup)
		copied++
	}
	return copied, nil
}

func (w *world) EntityIDsBySignal(ctx context.Context, kind models.EntityKind, signalType models.IdentifierType, value string, limit int) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seen := map[string]bool{}
	var out []string
	for _, id := range w.identifiers {
		if id.Type != signalType || id.ValueNormalized != value || seen[id.EntityID] {
			continue
		}
		entity, ok := w.entities[id.EntityID]
		if !ok || entity.Kind != kind || entity.MergedIntoID != nil || entity.DeletedAt != nil {
			continue
		}
		seen[id.EntityID] = true
		out = append(out, id.EntityID)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (w *world) LoadCandidates(ctx context.Context, entityIDs []string) ([]matching.CandidateSignals, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wanted := map[string]bool{}
	for _, id := range entityIDs {
		wanted[id] = true
	}

	byEntity := map[string]*matching.CandidateSignals{}
	var order []string
	for _, id := range w.identifiers {
		if !wanted[id.EntityID] {
			continue
		}
		candidate, ok := byEntity[id.EntityID]
		if !ok {
			entity := w.entities[id.EntityID]
			candidate = &matching.CandidateSignals{
				EntityID:  id.EntityID,
				CreatedAt: entity.CreatedAt,
				Signals:   map[models.IdentifierType]string{},
			}
			byEntity[id.EntityID] = candidate
			order = append(order, id.EntityID)
		}
		candidate.Signals[id.Type] = id.ValueNormalized
	}

	out := make([]matching.CandidateSignals, 0, len(order))
	for _, id := range order {
		out = append(out, *byEntity[id])
	}
	return out, nil
}

// decision store

func (w *world) CreateDecision(ctx context.Context, decision *models.MatchDecision) (*models.MatchDecision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	stored := *decision
	stored.ID = uuid.New().String()
	stored.CreatedAt = w.tick()
	w.decisions = append(w.decisions, &stored)

	out := stored
	return &out, nil
}

func (w *world) GetByFingerprint(ctx context.Context, fp string) (*models.MatchDecision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var latest *models.MatchDecision
	for _, d := range w.decisions {
		if d.Fingerprint == fp {
			latest = d
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (w *world) GetDecision(ctx context.Context, id string) (*models.MatchDecision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, d := range w.decisions {
		if d.ID == id {
			out := *d
			return &out, nil
		}
	}
	return nil, notFound("decision", id)
}

func (w *world) ListPending(ctx context.Context, minScore float64, limit, offset int) ([]models.MatchDecision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pending []models.MatchDecision
	for _, d := range w.decisions {
		if d.Pending() && d.Score >= minScore {
			pending = append(pending, *d)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Score != pending[j].Score {
			return pending[i].Score > pending[j].Score
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if offset >= len(pending) {
		return nil, nil
	}
	pending = pending[offset:]
	if limit < len(pending) {
		pending = pending[:limit]
	}
	return pending, nil
}

func (w *world) SetDisposition(ctx context.Context, id string, disposition models.ReviewDisposition, reviewedBy string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, d := range w.decisions {
		if d.ID == id {
			now := w.tick()
			d.Disposition = &disposition
			d.ReviewedBy = &reviewedBy
			d.ReviewedAt = &now
			return nil
		}
	}
	return notFound("decision", id)
}

// organization directory

func (w *world) GetByName(ctx context.Context, nameNormalized string) (*models.Organization, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	org, ok := w.orgs[nameNormalized]
	if !ok {
		return nil, nil
	}
	out := *org
	return &out, nil
}

func (w *world) addOrganization(org *models.Organization) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	org.CreatedAt = w.tick()
	org.UpdatedAt = org.CreatedAt
	w.orgs[org.NameNormalized] = org
}

// relationship store

func (w *world) Upsert(ctx context.Context, rel *models.Relationship) (*models.Relationship, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, existing := range w.relations {
		if existing.FromEntityID == rel.FromEntityID &&
			existing.ToEntityID == rel.ToEntityID &&
			existing.Kind == rel.Kind &&
			existing.SourceSystem == rel.SourceSystem {
			if rel.Confidence > existing.Confidence {
				existing.Confidence = rel.Confidence
				existing.UpdatedAt = w.tick()
			}
			out := *existing
			return &out, nil
		}
	}

	stored := *rel
	stored.ID = uuid.New().String()
	stored.CreatedAt = w.tick()
	stored.UpdatedAt = stored.CreatedAt
	w.relations = append(w.relations, &stored)

	out := stored
	return &out, nil
}

func (w *world) ListRelationshipsByEntity(ctx context.Context, entityID string) ([]models.Relationship, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []models.Relationship
	for _, rel := range w.relations {
		if rel.FromEntityID == entityID || rel.ToEntityID == entityID {
			out = append(out, *rel)
		}
	}
	return out, nil
}

func (w *world) MigrateEndpoint(ctx context.Context, fromEntityID, toEntityID string) (int, int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot := append([]*models.Relationship(nil), w.relations...)
	exists := func(from, to string, kind models.RelationshipKind, source string, skip *models.Relationship) bool {
		for _, rel := range snapshot {
			if rel == skip {
				continue
			}
			if rel.FromEntityID == from && rel.ToEntityID == to && rel.Kind == kind && rel.SourceSystem == source {
				return true
			}
		}
		return false
	}

	moved, skipped := 0, 0
	kept := make([]*models.Relationship, 0, len(snapshot))
	for _, rel := range snapshot {
		if rel.FromEntityID != fromEntityID && rel.ToEntityID != fromEntityID {
			kept = append(kept, rel)
			continue
		}
		newFrom, newTo := rel.FromEntityID, rel.ToEntityID
		if newFrom == fromEntityID {
			newFrom = toEntityID
		}
		if newTo == fromEntityID {
			newTo = toEntityID
		}
		if newFrom == newTo || exists(newFrom, newTo, rel.Kind, rel.SourceSystem, rel) {
			skipped++
			continue
		}
		rel.FromEntityID = newFrom
		rel.ToEntityID = newTo
		rel.UpdatedAt = w.tick()
		kept = append(kept, rel)
		moved++
	}
	w.relations = kept
	return moved, skipped, nil
}

// merge audit store

func (w *world) CreateAudit(ctx context.Context, audit *models.MergeAudit) (*models.MergeAudit, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	stored := *audit
	stored.ID = uuid.New().String()
	stored.CreatedAt = w.tick()
	w.audits = append(w.audits, &stored)

	out := stored
	return &out, nil
}

func (w *world) MarkUnmerged(ctx context.Context, absorbedID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := len(w.audits) - 1; i >= 0; i-- {
		if w.audits[i].AbsorbedID == absorbedID && w.audits[i].UnmergedAt == nil {
			now := w.tick()
			w.audits[i].UnmergedAt = &now
			return nil
		}
	}
	return nil
}

// audit log

func (w *world) Append(ctx context.Context, event *models.AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	stored := *event
	stored.ID = uuid.New().String()
	stored.CreatedAt = w.tick()
	w.auditEvents = append(w.auditEvents, &stored)
	return nil
}

// household store

func (w *world) UpsertForLocation(ctx context.Context, locationID, label string, members []models.HouseholdMember) (*models.Household, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	hh, ok := w.households[locationID]
	if !ok {
		hh = &models.Household{
			ID:         uuid.New().String(),
			LocationID: locationID,
			CreatedAt:  w.tick(),
		}
		w.households[locationID] = hh
	}
	hh.Label = label
	hh.UpdatedAt = w.tick()

	replaced := make([]models.HouseholdMember, 0, len(members))
	for _, m := range members {
		m.HouseholdID = hh.ID
		m.CreatedAt = w.tick()
		replaced = append(replaced, m)
	}
	w.members[hh.ID] = replaced

	out := *hh
	return &out, nil
}

func (w *world) GetHousehold(ctx context.Context, id string) (*models.HouseholdView, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, hh := range w.households {
		if hh.ID == id {
			return &models.HouseholdView{
				Household: *hh,
				Members:   append([]models.HouseholdMember(nil), w.members[hh.ID]...),
			}, nil
		}
	}
	return nil, notFound("household", id)
}

func (w *world) GetByPerson(ctx context.Context, personID string) ([]models.HouseholdView, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []models.HouseholdView
	for _, hh := range w.households {
		for _, m := range w.members[hh.ID] {
			if m.PersonID == personID {
				out = append(out, models.HouseholdView{
					Household: *hh,
					Members:   append([]models.HouseholdMember(nil), w.members[hh.ID]...),
				})
				break
			}
		}
	}
	return out, nil
}

func (w *world) FindSharedPhones(ctx context.Context, minSharers int) ([]householdrepo.SharedPhoneGroup, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	byPhone := map[string]map[string]bool{}
	for _, id := range w.identifiers {
		if id.Type != models.IdentifierTypePhone {
			continue
		}
		person, ok := w.entities[id.EntityID]
		if !ok || person.Kind != models.EntityKindPerson || person.MergedIntoID != nil || person.DeletedAt != nil {
			continue
		}
		if byPhone[id.ValueNormalized] == nil {
			byPhone[id.ValueNormalized] = map[string]bool{}
		}
		byPhone[id.ValueNormalized][id.EntityID] = true
	}

	var phones []string
	for phone, persons := range byPhone {
		if len(persons) >= minSharers {
			phones = append(phones, phone)
		}
	}
	sort.Strings(phones)

	var out []householdrepo.SharedPhoneGroup
	for _, phone := range phones {
		var persons []string
		for personID := range byPhone[phone] {
			persons = append(persons, personID)
		}
		sort.Strings(persons)
		for _, personID := range persons {
			out = append(out, householdrepo.SharedPhoneGroup{PhoneValue: phone, PersonID: personID})
		}
	}
	return out, nil
}

func (w *world) FindSharedResidents(ctx context.Context, minResidents int) ([]householdrepo.SharedLocationGroup, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	byLocation := map[string]map[string]bool{}
	for _, rel := range w.relations {
		if rel.Kind != models.RelationshipKindResident {
			continue
		}
		person, ok := w.entities[rel.FromEntityID]
		if !ok || person.MergedIntoID != nil || person.DeletedAt != nil {
			continue
		}
		if byLocation[rel.ToEntityID] == nil {
			byLocation[rel.ToEntityID] = map[string]bool{}
		}
		byLocation[rel.ToEntityID][rel.FromEntityID] = true
	}

	var locations []string
	for locationID, persons := range byLocation {
		if len(persons) >= minResidents {
			locations = append(locations, locationID)
		}
	}
	sort.Strings(locations)

	var out []householdrepo.SharedLocationGroup
	for _, locationID := range locations {
		var persons []string
		for personID := range byLocation[locationID] {
			persons = append(persons, personID)
		}
		sort.Strings(persons)
		for _, personID := range persons {
			out = append(out, householdrepo.SharedLocationGroup{LocationID: locationID, PersonID: personID})
		}
	}
	return out, nil
}

// interface adapters: the world shares one method set, but a few interface
// methods collide by name across services, so thin views disambiguate.

type decisionView struct{ w *world }

func (v decisionView) Create(ctx context.Context, d *models.MatchDecision) (*models.MatchDecision, error) {
	return v.w.CreateDecision(ctx, d)
}

func (v decisionView) Get(ctx context.Context, id string) (*models.MatchDecision, error) {
	return v.w.GetDecision(ctx, id)
}

func (v decisionView) GetByFingerprint(ctx context.Context, fp string) (*models.MatchDecision, error) {
	return v.w.GetByFingerprint(ctx, fp)
}

func (v decisionView) ListPending(ctx context.Context, minScore float64, limit, offset int) ([]models.MatchDecision, error) {
	return v.w.ListPending(ctx, minScore, limit, offset)
}

func (v decisionView) SetDisposition(ctx context.Context, id string, disposition models.ReviewDisposition, reviewedBy string) error {
	return v.w.SetDisposition(ctx, id, disposition, reviewedBy)
}

type relationshipView struct{ w *world }

func (v relationshipView) Upsert(ctx context.Context, rel *models.Relationship) (*models.Relationship, error) {
	return v.w.Upsert(ctx, rel)
}

func (v relationshipView) ListByEntity(ctx context.Context, entityID string) ([]models.Relationship, error) {
	return v.w.ListRelationshipsByEntity(ctx, entityID)
}

func (v relationshipView) MigrateEndpoint(ctx context.Context, fromEntityID, toEntityID string) (int, int, error) {
	return v.w.MigrateEndpoint(ctx, fromEntityID, toEntityID)
}

type auditView struct{ w *world }

func (v auditView) Create(ctx context.Context, audit *models.MergeAudit) (*models.MergeAudit, error) {
	return v.w.CreateAudit(ctx, audit)
}

func (v auditView) MarkUnmerged(ctx context.Context, absorbedID string) error {
	return v.w.MarkUnmerged(ctx, absorbedID)
}

type householdView struct{ w *world }

func (v householdView) UpsertForLocation(ctx context.Context, locationID, label string, members []models.HouseholdMember) (*models.Household, error) {
	return v.w.UpsertForLocation(ctx, locationID, label, members)
}

func (v householdView) Get(ctx context.Context, id string) (*models.HouseholdView, error) {
	return v.w.GetHousehold(ctx, id)
}

func (v householdView) GetByPerson(ctx context.Context, personID string) ([]models.HouseholdView, error) {
	return v.w.GetByPerson(ctx, personID)
}

func (v householdView) FindSharedResidents(ctx context.Context, minResidents int) ([]householdrepo.SharedLocationGroup, error) {
	return v.w.FindSharedResidents(ctx, minResidents)
}

func (v householdView) FindSharedPhones(ctx context.Context, minSharers int) ([]householdrepo.SharedPhoneGroup, error) {
	return v.w.FindSharedPhones(ctx, minSharers)
}

// pipeline bundles every service wired against one shared world.
type pipeline struct {
	world      *world
	resolver   *resolution.Service
	manager    *merging.Manager
	gate       *gatekeeper.Service
	households *householdsvc.Service
}

func newPipeline() *pipeline {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	w := newWorld()

	chain, err := rejection.NewChain(rejection.DefaultPatterns(), []string{"cloverrescue.org"}, []string{"555-000-0000"}, logger)
	if err != nil {
		panic(err)
	}
	scorer := matching.NewService(logger, w, models.DefaultScoreRules(), matching.Config{})
	emitter := events.NoopEmitter{}

	resolver := resolution.NewService(logger, resolution.Config{}, chain, scorer, w, w, decisionView{w}, w, emitter)
	manager := merging.NewManager(logger, merging.Config{}, w, w, relationshipView{w}, auditView{w}, w, decisionView{w}, emitter)
	gate := gatekeeper.NewService(logger, w, relationshipView{w}, w, emitter)
	households := householdsvc.NewService(logger, householdsvc.Config{}, householdView{w}, w, emitter)

	return &pipeline{
		world:      w,
		resolver:   resolver,
		manager:    manager,
		gate:       gate,
		households: households,
	}
}
