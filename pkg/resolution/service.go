// Package resolution turns a raw incoming record into a resolved entity
// reference. The pipeline is: normalize, reject/route, replay, score,
// then decide. Every path writes one immutable match decision.
package resolution

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/fingerprint"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/rejection"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// EntityStore persists canonical entities.
type EntityStore interface {
	Create(ctx context.Context, entity *models.Entity) (*models.Entity, error)
	Get(ctx context.Context, id string) (*models.Entity, error)
	GetCanonical(ctx context.Context, id string) (*models.Entity, error)
	Backfill(ctx context.Context, id string, firstName, lastName string) error
	DB() database.DB
}

// IdentifierStore persists signal values attached to entities.
type IdentifierStore interface {
	Attach(ctx context.Context, identifier *models.Identifier) error
}

// DecisionStore persists the match decision log.
type DecisionStore interface {
	Create(ctx context.Context, decision *models.MatchDecision) (*models.MatchDecision, error)
	GetByFingerprint(ctx context.Context, fp string) (*models.MatchDecision, error)
}

// OrganizationDirectory maps recognized organization names to their known
// representative person and location.
type OrganizationDirectory interface {
	GetByName(ctx context.Context, nameNormalized string) (*models.Organization, error)
}

// Scorer ranks candidate entities for a normalized record, best first.
type Scorer interface {
	Score(ctx context.Context, record *models.NormalizedRecord) ([]models.CandidateScore, error)
}

// Config contains configuration for the resolution service.
type Config struct {
	AutoMatchThreshold float64 // best score at or above this links automatically (default: 0.90)
	ReviewThreshold    float64 // best score at or above this flags for review (default: 0.50)
	WorkerCount        int     // concurrent workers for batch resolution (default: 4)
	BatchLimit         int     // maximum records accepted per batch (default: 500)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AutoMatchThreshold: 0.90,
		ReviewThreshold:    0.50,
		WorkerCount:        4,
		BatchLimit:         500,
	}
}

// Service resolves incoming records to canonical entities.
type Service struct {
	log       ectologger.Logger
	cfg       Config
	chain     *rejection.Chain
	scorer    Scorer
	entities  EntityStore
	ids       IdentifierStore
	decisions DecisionStore
	orgs      OrganizationDirectory
	emitter   events.Emitter
	validate  *validator.Validate
}

// NewService creates a new resolution service.
func NewService(
	log ectologger.Logger,
	cfg Config,
	chain *rejection.Chain,
	scorer Scorer,
	entities EntityStore,
	ids IdentifierStore,
	decisions DecisionStore,
	orgs OrganizationDirectory,
	emitter events.Emitter,
) *Service {
	defaults := DefaultConfig()
	if cfg.AutoMatchThreshold <= 0 {
		cfg.AutoMatchThreshold = defaults.AutoMatchThreshold
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = defaults.ReviewThreshold
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaults.WorkerCount
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaults.BatchLimit
	}
	return &Service{
		log:       log,
		cfg:       cfg,
		chain:     chain,
		scorer:    scorer,
		entities:  entities,
		ids:       ids,
		decisions: decisions,
		orgs:      orgs,
		emitter:   emitter,
		validate:  validator.New(),
	}
}

// BatchLimit reports the maximum records accepted per batch call.
func (s *Service) BatchLimit() int {
	return s.cfg.BatchLimit
}

// Resolve runs one record through the full decision pipeline.
func (s *Service) Resolve(ctx context.Context, record *models.IncomingRecord) (*models.Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.Resolve")
	defer span.End()

	if err := s.validate.Struct(record); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid record: %s", err.Error()))
	}
	if !record.Kind.Valid() {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown entity kind %q", record.Kind))
	}

	log := s.log.WithContext(ctx).WithFields(map[string]any{
		"kind":   record.Kind,
		"source": record.SourceSystem,
	})

	normalized := normalizers.NormalizeRecord(record)

	// An identical record always replays the stored decision instead of
	// re-resolving. A denied review is the one exception: the reviewer has
	// said the suggested link was wrong, so the record runs fresh.
	fp := fingerprint.ForRecord(&normalized)
	prior, err := s.decisions.GetByFingerprint(ctx, fp)
	if err != nil {
		return nil, err
	}
	if prior != nil && (prior.Disposition == nil || *prior.Disposition != models.ReviewDispositionDenied) {
		log.WithFields(map[string]any{"decision_id": prior.ID}).Debug("replaying prior decision")
		return replayResolution(prior), nil
	}

	if verdict := s.chain.Evaluate(&normalized); verdict.Matched {
		return s.resolveFiltered(ctx, record, &normalized, fp, verdict)
	}

	if !normalized.HasUsableSignal() {
		return s.writeRejection(ctx, record, &normalized, fp, "no usable identifier")
	}

	scores, err := s.scorer.Score(ctx, &normalized)
	if err != nil {
		return nil, err
	}

	if len(scores) > 0 && scores[0].Score >= s.cfg.AutoMatchThreshold {
		return s.resolveAutoMatch(ctx, record, &normalized, fp, scores[0])
	}
	if len(scores) > 0 && scores[0].Score >= s.cfg.ReviewThreshold {
		return s.resolveReviewPending(ctx, record, &normalized, fp, scores[0])
	}
	return s.resolveNewEntity(ctx, record, &normalized, fp)
}

// resolveFiltered handles records a rejection filter classified. Organization
// names get a secondary directory lookup: a known representative routes the
// record, a known location is returned even when the record itself is
// rejected.
func (s *Service) resolveFiltered(ctx context.Context, record *models.IncomingRecord, normalized *models.NormalizedRecord, fp string, verdict rejection.Verdict) (*models.Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.resolveFiltered")
	defer span.End()

	if verdict.Filter != rejection.FilterOrganization {
		return s.writeRejection(ctx, record, normalized, fp, verdict.Reason)
	}

	org, err := s.orgs.GetByName(ctx, normalized.FullName)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return s.writeRejection(ctx, record, normalized, fp, verdict.Reason)
	}

	resolution := &models.Resolution{
		OrganizationID:  org.ID,
		RejectionReason: verdict.Reason,
	}
	decision := s.newDecision(record, normalized, fp)
	decision.OrganizationID = &org.ID
	decision.RejectionReason = &verdict.Reason

	if org.LocationID != nil {
		resolution.LocationID = *org.LocationID
	}
	if org.RepresentativePersonID != nil {
		resolution.Outcome = models.OutcomeOrganizationRouted
		resolution.EntityID = *org.RepresentativePersonID
		resolution.RejectionReason = ""
		decision.Outcome = models.OutcomeOrganizationRouted
		decision.EntityID = org.RepresentativePersonID
		decision.RejectionReason = nil
	} else {
		resolution.Outcome = models.OutcomeRejected
		decision.Outcome = models.OutcomeRejected
	}

	created, err := s.decisions.Create(ctx, decision)
	if err != nil {
		return nil, err
	}
	resolution.DecisionID = created.ID
	return resolution, nil
}

func (s *Service) writeRejection(ctx context.Context, record *models.IncomingRecord, normalized *models.NormalizedRecord, fp, reason string) (*models.Resolution, error) {
	decision := s.newDecision(record, normalized, fp)
	decision.Outcome = models.OutcomeRejected
	decision.RejectionReason = &reason

	created, err := s.decisions.Create(ctx, decision)
	if err != nil {
		return nil, err
	}
	return &models.Resolution{
		Outcome:         models.OutcomeRejected,
		DecisionID:      created.ID,
		RejectionReason: reason,
	}, nil
}

// resolveAutoMatch links the record to the best candidate, attaches any
// signal the entity was missing, and backfills name attributes it lacked.
// Existing attribute values are never overwritten.
func (s *Service) resolveAutoMatch(ctx context.Context, record *models.IncomingRecord, normalized *models.NormalizedRecord, fp string, best models.CandidateScore) (*models.Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.resolveAutoMatch")
	defer span.End()

	entity, err := s.entities.GetCanonical(ctx, best.EntityID)
	if err != nil {
		return nil, err
	}

	ctxTx, tx, err := s.entities.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	if err := s.attachSignals(ctxTx, record, normalized, entity.ID); err != nil {
		return nil, err
	}
	if err := s.entities.Backfill(ctxTx, entity.ID, record.FirstName, record.LastName); err != nil {
		return nil, err
	}

	decision := s.newDecision(record, normalized, fp)
	decision.Outcome = models.OutcomeAutoMatched
	decision.EntityID = &entity.ID
	decision.Score = best.Score
	decision.Breakdown = database.JSONB[[]models.RuleHit]{Data: best.RuleHits}

	created, err := s.decisions.Create(ctxTx, decision)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	s.emitter.EmitEntityMatched(ctx, entity.ID, entity.Kind, created.ID, best.Score)

	return &models.Resolution{
		Outcome:    models.OutcomeAutoMatched,
		EntityID:   entity.ID,
		DecisionID: created.ID,
		Score:      best.Score,
		RuleHits:   best.RuleHits,
	}, nil
}

// resolveReviewPending links optimistically to the best candidate but flags
// the decision for human review. No signals attach until a reviewer confirms;
// the link is provisional and reversible.
func (s *Service) resolveReviewPending(ctx context.Context, record *models.IncomingRecord, normalized *models.NormalizedRecord, fp string, best models.CandidateScore) (*models.Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.resolveReviewPending")
	defer span.End()

	decision := s.newDecision(record, normalized, fp)
	decision.Outcome = models.OutcomeReviewPending
	decision.EntityID = &best.EntityID
	decision.Score = best.Score
	decision.Breakdown = database.JSONB[[]models.RuleHit]{Data: best.RuleHits}

	created, err := s.decisions.Create(ctx, decision)
	if err != nil {
		return nil, err
	}

	return &models.Resolution{
		Outcome:    models.OutcomeReviewPending,
		EntityID:   best.EntityID,
		DecisionID: created.ID,
		Score:      best.Score,
		RuleHits:   best.RuleHits,
	}, nil
}

// resolveNewEntity creates a canonical entity seeded from the record's
// signals. Creation is serialized per unique signal value with advisory
// locks so two concurrent workers holding the same email cannot both decide
// "new entity"; after the locks are held the candidates are scored again and
// a competitor's freshly committed entity is linked instead of duplicated.
func (s *Service) resolveNewEntity(ctx context.Context, record *models.IncomingRecord, normalized *models.NormalizedRecord, fp string) (*models.Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.resolveNewEntity")
	defer span.End()

	log := s.log.WithContext(ctx).WithFields(map[string]any{
		"kind":   record.Kind,
		"source": record.SourceSystem,
	})

	ctxTx, tx, err := s.entities.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	for _, signal := range uniqueSignals(normalized) {
		if err := database.AcquireKeyLock(ctxTx, tx, string(signal.Type), signal.Value); err != nil {
			return nil, err
		}
	}

	// Re-check under the locks. A competitor that won the race has already
	// committed, so its entity is visible now.
	scores, err := s.scorer.Score(ctxTx, normalized)
	if err != nil {
		return nil, err
	}
	if len(scores) > 0 && scores[0].Score >= s.cfg.AutoMatchThreshold {
		tx.Rollback(ctxTx)
		log.Debug("entity created concurrently, linking instead")
		return s.resolveAutoMatch(ctx, record, normalized, fp, scores[0])
	}

	entity := &models.Entity{
		Kind:           record.Kind,
		DisplayName:    normalizers.DisplayName(record),
		FirstName:      optional(record.FirstName),
		LastName:       optional(record.LastName),
		DataQuality:    seedQuality(normalized),
		SourceSystem:   record.SourceSystem,
		SourceRecordID: optional(record.SourceRecordID),
	}
	entity, err = s.entities.Create(ctxTx, entity)
	if err != nil {
		return nil, err
	}
	if err := s.attachSignals(ctxTx, record, normalized, entity.ID); err != nil {
		return nil, err
	}

	decision := s.newDecision(record, normalized, fp)
	decision.Outcome = models.OutcomeNewEntity
	decision.EntityID = &entity.ID
	if len(scores) > 0 {
		decision.Score = scores[0].Score
		decision.Breakdown = database.JSONB[[]models.RuleHit]{Data: scores[0].RuleHits}
	}

	created, err := s.decisions.Create(ctxTx, decision)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	s.emitter.EmitEntityCreated(ctx, entity, created.ID)

	return &models.Resolution{
		Outcome:    models.OutcomeNewEntity,
		EntityID:   entity.ID,
		DecisionID: created.ID,
		Score:      decision.Score,
	}, nil
}

// attachSignals writes one identifier row per signal the record carries.
// Raw values are preserved alongside the normalized form.
func (s *Service) attachSignals(ctx context.Context, record *models.IncomingRecord, normalized *models.NormalizedRecord, entityID string) error {
	raw := map[models.IdentifierType]string{
		models.IdentifierTypeName:      record.FullName,
		models.IdentifierTypeEmail:     record.Email,
		models.IdentifierTypePhone:     record.Phone,
		models.IdentifierTypeMicrochip: record.Microchip,
		models.IdentifierTypeAddress:   record.Address,
	}
	if raw[models.IdentifierTypeName] == "" {
		raw[models.IdentifierTypeName] = record.FirstName + " " + record.LastName
	}

	for signalType, value := range normalized.Signals() {
		err := s.ids.Attach(ctx, &models.Identifier{
			EntityID:        entityID,
			Type:            signalType,
			ValueRaw:        raw[signalType],
			ValueNormalized: value,
			SourceSystem:    record.SourceSystem,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) newDecision(record *models.IncomingRecord, normalized *models.NormalizedRecord, fp string) *models.MatchDecision {
	return &models.MatchDecision{
		Fingerprint:    fp,
		Kind:           record.Kind,
		SourceSystem:   record.SourceSystem,
		SourceRecordID: optional(record.SourceRecordID),
		RecordSnapshot: database.JSONB[models.NormalizedRecord]{Data: *normalized},
	}
}

func replayResolution(decision *models.MatchDecision) *models.Resolution {
	resolution := &models.Resolution{
		Outcome:    decision.Outcome,
		DecisionID: decision.ID,
		Score:      decision.Score,
		RuleHits:   decision.Breakdown.Data,
		Replayed:   true,
	}
	if decision.EntityID != nil {
		resolution.EntityID = *decision.EntityID
	}
	if decision.OrganizationID != nil {
		resolution.OrganizationID = *decision.OrganizationID
	}
	if decision.RejectionReason != nil {
		resolution.RejectionReason = *decision.RejectionReason
	}
	return resolution
}

type uniqueSignal struct {
	Type  models.IdentifierType
	Value string
}

// uniqueSignals returns the record's globally unique signals in a stable
// order so concurrent workers acquire creation locks without deadlocking.
func uniqueSignals(normalized *models.NormalizedRecord) []uniqueSignal {
	var out []uniqueSignal
	for signalType, value := range normalized.Signals() {
		if signalType.Unique() {
			out = append(out, uniqueSignal{Type: signalType, Value: value})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// seedQuality tags entities created from weak signal sets. A record with no
// unique signal seeds a low-quality entity, corroborated later by matching.
func seedQuality(normalized *models.NormalizedRecord) models.DataQuality {
	for signalType := range normalized.Signals() {
		if signalType.Unique() {
			return models.DataQualityNormal
		}
	}
	return models.DataQualityLow
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
