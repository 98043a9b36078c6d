// Package matching scores incoming records against the existing entity
// corpus with a clear separation:
// - Index = facts (normalized signal values per entity)
// - Rules = logic (weighted, evaluated in memory, never encoded into SQL)
package matching

import (
	"context"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// CandidateSignals is one candidate entity with its indexed signal values.
type CandidateSignals struct {
	EntityID  string
	CreatedAt time.Time
	Signals   map[models.IdentifierType]string
}

// SignalIndex looks up candidate entities by shared normalized signal value.
// Candidate generation stays on indexed equality lookups so scoring cost is
// independent of corpus size.
type SignalIndex interface {
	EntityIDsBySignal(ctx context.Context, kind models.EntityKind, signalType models.IdentifierType, value string, limit int) ([]string, error)
	LoadCandidates(ctx context.Context, entityIDs []string) ([]CandidateSignals, error)
}

// Config contains configuration for the scoring service.
type Config struct {
	CandidateLimit int // Maximum candidates pulled per signal lookup (default: 50)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{CandidateLimit: 50}
}

// Service scores a normalized record against every entity sharing at least
// one signal with it.
type Service struct {
	log    ectologger.Logger
	index  SignalIndex
	rules  map[models.EntityKind][]models.ScoreRule
	scorer *Scorer
	cfg    Config
}

// NewService creates a new scoring service from a rule table.
func NewService(log ectologger.Logger, index SignalIndex, rules []models.ScoreRule, cfg Config) *Service {
	byKind := make(map[models.EntityKind][]models.ScoreRule)
	for _, rule := range rules {
		byKind[rule.Kind] = append(byKind[rule.Kind], rule)
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = DefaultConfig().CandidateLimit
	}
	return &Service{
		log:    log,
		index:  index,
		rules:  byKind,
		scorer: NewScorer(),
		cfg:    cfg,
	}
}

// Score finds candidate entities sharing any signal with the record and
// returns them scored and sorted best-first.
//
// Ordering: higher score wins; on an exact tie the candidate with more
// corroborating signal types wins; the final tiebreak is oldest entity wins,
// treating earlier records as the more authoritative anchors.
func (s *Service) Score(ctx context.Context, record *models.NormalizedRecord) ([]models.CandidateScore, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Service.Score")
	defer span.End()

	log := s.log.WithContext(ctx).WithFields(map[string]any{
		"kind":   record.Kind,
		"source": record.SourceSystem,
	})

	signals := record.Signals()
	if len(signals) == 0 {
		return nil, nil
	}

	candidateSet := make(map[string]struct{})
	for signalType, value := range signals {
		ids, err := s.index.EntityIDsBySignal(ctx, record.Kind, signalType, value, s.cfg.CandidateLimit)
		if err != nil {
			log.WithError(err).Error("failed to look up candidates by signal")
			return nil, err
		}
		for _, id := range ids {
			candidateSet[id] = struct{}{}
		}
	}

	if len(candidateSet) == 0 {
		log.Debug("no candidates share a signal with record")
		return nil, nil
	}

	candidateIDs := make([]string, 0, len(candidateSet))
	for id := range candidateSet {
		candidateIDs = append(candidateIDs, id)
	}

	candidates, err := s.index.LoadCandidates(ctx, candidateIDs)
	if err != nil {
		log.WithError(err).Error("failed to load candidate signals")
		return nil, err
	}

	scores := make([]models.CandidateScore, 0, len(candidates))
	for _, candidate := range candidates {
		score := s.scoreCandidate(record, signals, candidate)
		if len(score.RuleHits) == 0 {
			continue
		}
		scores = append(scores, score)
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		iTypes, jTypes := signalTypeCount(scores[i].RuleHits), signalTypeCount(scores[j].RuleHits)
		if iTypes != jTypes {
			return iTypes > jTypes
		}
		if !scores[i].CreatedAt.Equal(scores[j].CreatedAt) {
			return scores[i].CreatedAt.Before(scores[j].CreatedAt)
		}
		return scores[i].EntityID < scores[j].EntityID
	})

	log.WithFields(map[string]any{"candidate_count": len(scores)}).Debug("scored candidates")

	return scores, nil
}

// scoreCandidate evaluates every rule for the record's kind against one
// candidate. An exact hit on a signal type suppresses fuzzy rules for the
// same type so a value never scores twice. Totals cap at 1.0.
func (s *Service) scoreCandidate(record *models.NormalizedRecord, signals map[models.IdentifierType]string, candidate CandidateSignals) models.CandidateScore {
	var total float64
	var hits []models.RuleHit
	exactHit := make(map[models.IdentifierType]bool)

	rules := s.rules[record.Kind]
	for _, rule := range rules {
		if rule.Mode != models.MatchModeExact {
			continue
		}
		recordValue, ok := signals[rule.SignalType]
		if !ok {
			continue
		}
		candidateValue, ok := candidate.Signals[rule.SignalType]
		if !ok || recordValue != candidateValue {
			continue
		}
		exactHit[rule.SignalType] = true
		total += rule.Weight
		hits = append(hits, models.RuleHit{
			Rule:       rule.Name,
			SignalType: string(rule.SignalType),
			Weight:     rule.Weight,
			Primary:    rule.Primary,
		})
	}

	for _, rule := range rules {
		if rule.Mode != models.MatchModeFuzzy || exactHit[rule.SignalType] {
			continue
		}
		recordValue, ok := signals[rule.SignalType]
		if !ok {
			continue
		}
		candidateValue, ok := candidate.Signals[rule.SignalType]
		if !ok {
			continue
		}
		sim := s.scorer.Similarity(recordValue, candidateValue)
		if sim < rule.MinSimilarity {
			continue
		}
		total += rule.Weight * sim
		hits = append(hits, models.RuleHit{
			Rule:       rule.Name,
			SignalType: string(rule.SignalType),
			Weight:     rule.Weight * sim,
			Similarity: sim,
			Primary:    rule.Primary,
		})
	}

	if total > 1.0 {
		total = 1.0
	}

	return models.CandidateScore{
		EntityID:  candidate.EntityID,
		Score:     total,
		RuleHits:  hits,
		CreatedAt: candidate.CreatedAt,
	}
}

func signalTypeCount(hits []models.RuleHit) int {
	types := make(map[string]struct{}, len(hits))
	for _, hit := range hits {
		types[hit.SignalType] = struct{}{}
	}
	return len(types)
}
