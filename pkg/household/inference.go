// Package household derives household groupings from resident
// relationships. Households are advisory: they are rebuilt from scratch on
// every pass, never gate relationship writes, and never feed back into
// match scoring.
package household

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/repositories/household"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// HouseholdStore persists derived households.
type HouseholdStore interface {
	UpsertForLocation(ctx context.Context, locationID, label string, members []models.HouseholdMember) (*models.Household, error)
	Get(ctx context.Context, id string) (*models.HouseholdView, error)
	GetByPerson(ctx context.Context, personID string) ([]models.HouseholdView, error)
	FindSharedResidents(ctx context.Context, minResidents int) ([]household.SharedLocationGroup, error)
	FindSharedPhones(ctx context.Context, minSharers int) ([]household.SharedPhoneGroup, error)
}

// EntityStore reads location entities for household labels.
type EntityStore interface {
	Get(ctx context.Context, id string) (*models.Entity, error)
}

// Config contains configuration for household inference.
type Config struct {
	MinResidents int // locations with fewer distinct residents form no household (default: 2)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MinResidents: 2}
}

// Service rebuilds households from resident relationships.
type Service struct {
	log        ectologger.Logger
	cfg        Config
	households HouseholdStore
	entities   EntityStore
	emitter    events.Emitter
}

// NewService creates a new household inference service.
func NewService(log ectologger.Logger, cfg Config, households HouseholdStore, entities EntityStore, emitter events.Emitter) *Service {
	if cfg.MinResidents <= 0 {
		cfg.MinResidents = DefaultConfig().MinResidents
	}
	return &Service{
		log:        log,
		cfg:        cfg,
		households: households,
		entities:   entities,
		emitter:    emitter,
	}
}

// RebuildResult summarizes one inference pass.
type RebuildResult struct {
	Households int `json:"households"`
	Members    int `json:"members"`
}

// Rebuild groups canonical persons sharing a resident location into
// households, then pulls in persons who share a phone identifier with an
// existing member. Each qualifying location gets one household; membership
// is replaced wholesale so stale members drop out. Phone sharers without a
// located peer form no household since there is no location to anchor one.
func (s *Service) Rebuild(ctx context.Context) (*RebuildResult, error) {
	ctx, span := tracing.StartSpan(ctx, "household.Service.Rebuild")
	defer span.End()

	groups, err := s.households.FindSharedResidents(ctx, s.cfg.MinResidents)
	if err != nil {
		return nil, err
	}

	byLocation := make(map[string][]models.HouseholdMember)
	var locations []string
	for _, group := range groups {
		if _, ok := byLocation[group.LocationID]; !ok {
			locations = append(locations, group.LocationID)
		}
		byLocation[group.LocationID] = append(byLocation[group.LocationID], models.HouseholdMember{
			PersonID: group.PersonID,
			Evidence: models.EvidenceTypeDerived,
		})
	}

	if err := s.attachPhoneSharers(ctx, byLocation, locations); err != nil {
		return nil, err
	}

	result := &RebuildResult{}
	for _, locationID := range locations {
		members := byLocation[locationID]
		label := s.labelFor(ctx, locationID)

		hh, err := s.households.UpsertForLocation(ctx, locationID, label, members)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"location_id": locationID,
			}).Error("Failed to upsert household")
			continue
		}
		result.Households++
		result.Members += len(members)
		s.emitter.EmitHouseholdRebuilt(ctx, hh, len(members))
	}

	s.log.WithContext(ctx).WithFields(map[string]any{
		"households": result.Households,
		"members":    result.Members,
	}).Info("Household inference pass complete")

	return result, nil
}

// attachPhoneSharers adds persons sharing a phone identifier with a
// resident member to that member's households.
func (s *Service) attachPhoneSharers(ctx context.Context, byLocation map[string][]models.HouseholdMember, locations []string) error {
	phoneGroups, err := s.households.FindSharedPhones(ctx, 2)
	if err != nil {
		return err
	}
	if len(phoneGroups) == 0 {
		return nil
	}

	byPhone := make(map[string][]string)
	for _, group := range phoneGroups {
		byPhone[group.PhoneValue] = append(byPhone[group.PhoneValue], group.PersonID)
	}

	memberAt := make(map[string]map[string]bool, len(locations))
	for _, locationID := range locations {
		set := make(map[string]bool, len(byLocation[locationID]))
		for _, member := range byLocation[locationID] {
			set[member.PersonID] = true
		}
		memberAt[locationID] = set
	}

	for _, persons := range byPhone {
		for _, locationID := range locations {
			set := memberAt[locationID]
			anchored := false
			for _, personID := range persons {
				if set[personID] {
					anchored = true
					break
				}
			}
			if !anchored {
				continue
			}
			for _, personID := range persons {
				if set[personID] {
					continue
				}
				set[personID] = true
				byLocation[locationID] = append(byLocation[locationID], models.HouseholdMember{
					PersonID: personID,
					Evidence: models.EvidenceTypeSharedPhone,
				})
			}
		}
	}
	return nil
}

// Get returns a household with its members.
func (s *Service) Get(ctx context.Context, id string) (*models.HouseholdView, error) {
	ctx, span := tracing.StartSpan(ctx, "household.Service.Get")
	defer span.End()

	return s.households.Get(ctx, id)
}

// GetByPerson returns the households a person belongs to.
func (s *Service) GetByPerson(ctx context.Context, personID string) ([]models.HouseholdView, error) {
	ctx, span := tracing.StartSpan(ctx, "household.Service.GetByPerson")
	defer span.End()

	return s.households.GetByPerson(ctx, personID)
}

func (s *Service) labelFor(ctx context.Context, locationID string) string {
	location, err := s.entities.Get(ctx, locationID)
	if err != nil || location.DisplayName == "" {
		return fmt.Sprintf("Household at %s", locationID)
	}
	return fmt.Sprintf("Household at %s", location.DisplayName)
}
