package merging

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ConfirmDecision accepts a pending review decision: the record's signals
// attach to the linked entity and the decision is marked confirmed. The link
// targets the entity's canonical root in case it was merged while pending.
func (m *Manager) ConfirmDecision(ctx context.Context, decisionID, reviewer string) error {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.ConfirmDecision")
	defer span.End()

	decision, err := m.decisions.Get(ctx, decisionID)
	if err != nil {
		return err
	}
	if !decision.Pending() {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("decision %s is not awaiting review", decisionID))
	}
	if decision.EntityID == nil {
		return httperror.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("decision %s has no linked entity", decisionID))
	}

	target, err := m.entities.GetCanonical(ctx, *decision.EntityID)
	if err != nil {
		return err
	}

	ctxTx, tx, err := m.entities.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to confirm decision")
	}
	defer tx.Rollback(ctxTx)

	record := decision.RecordSnapshot.Data
	for signalType, value := range record.Signals() {
		err := m.ids.Attach(ctxTx, &models.Identifier{
			EntityID:        target.ID,
			Type:            signalType,
			ValueRaw:        value,
			ValueNormalized: value,
			SourceSystem:    record.SourceSystem,
		})
		if err != nil {
			return err
		}
	}
	if err := m.entities.Backfill(ctxTx, target.ID, record.FirstName, record.LastName); err != nil {
		return err
	}
	if err := m.decisions.SetDisposition(ctxTx, decisionID, models.ReviewDispositionConfirmed, reviewer); err != nil {
		return err
	}
	if err := tx.Commit(ctxTx); err != nil {
		m.log.WithContext(ctx).WithError(err).Error("Failed to commit decision confirmation")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to confirm decision")
	}

	m.log.WithContext(ctx).WithFields(map[string]any{
		"decision_id": decisionID,
		"entity_id":   target.ID,
		"reviewer":    reviewer,
	}).Info("Review decision confirmed")

	m.emitter.EmitEntityMatched(ctx, target.ID, target.Kind, decisionID, decision.Score)
	return nil
}

// DenyDecision rejects a pending review decision. The provisional link is
// dropped; a resubmission of the same record will resolve fresh.
func (m *Manager) DenyDecision(ctx context.Context, decisionID, reviewer string) error {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.DenyDecision")
	defer span.End()

	decision, err := m.decisions.Get(ctx, decisionID)
	if err != nil {
		return err
	}
	if !decision.Pending() {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("decision %s is not awaiting review", decisionID))
	}
	return m.decisions.SetDisposition(ctx, decisionID, models.ReviewDispositionDenied, reviewer)
}

// AutoResolve promotes pending review decisions whose score reached the
// confirmation threshold. For each, the decision is confirmed against its
// candidate's canonical root; if the record's unique signals meanwhile
// landed on a different entity, that entity is a duplicate of the candidate
// and is merged into it instead. With dryRun set the pass only reports the
// actions it would take.
func (m *Manager) AutoResolve(ctx context.Context, threshold float64, dryRun bool) (*models.AutoResolveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Manager.AutoResolve")
	defer span.End()

	if threshold <= 0 {
		threshold = m.cfg.AutoResolveThreshold
	}

	log := m.log.WithContext(ctx).WithFields(map[string]any{
		"threshold": threshold,
		"dry_run":   dryRun,
	})

	pending, err := m.decisions.ListPending(ctx, threshold, m.cfg.AutoResolveLimit, 0)
	if err != nil {
		return nil, err
	}

	result := &models.AutoResolveResult{
		DryRun:    dryRun,
		Threshold: threshold,
	}

	for _, decision := range pending {
		action, err := m.planAction(ctx, &decision)
		if err != nil {
			log.WithError(err).WithFields(map[string]any{"decision_id": decision.ID}).Error("Failed to plan auto-resolve action")
			result.Failed++
			continue
		}
		result.Actions = append(result.Actions, *action)
		if dryRun {
			continue
		}

		if err := m.executeAction(ctx, &decision, action); err != nil {
			log.WithError(err).WithFields(map[string]any{"decision_id": decision.ID}).Error("Failed to execute auto-resolve action")
			result.Failed++
			continue
		}
		if action.Merge {
			result.Merged++
		} else {
			result.Confirmed++
		}
	}

	log.WithFields(map[string]any{
		"planned":   len(result.Actions),
		"confirmed": result.Confirmed,
		"merged":    result.Merged,
		"failed":    result.Failed,
	}).Info("Auto-resolve pass complete")

	return result, nil
}

func (m *Manager) planAction(ctx context.Context, decision *models.MatchDecision) (*models.AutoResolveAction, error) {
	if decision.EntityID == nil {
		return nil, httperror.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("decision %s has no linked entity", decision.ID))
	}
	target, err := m.entities.GetCanonical(ctx, *decision.EntityID)
	if err != nil {
		return nil, err
	}

	action := &models.AutoResolveAction{
		DecisionID: decision.ID,
		EntityID:   target.ID,
		TargetID:   target.ID,
		Score:      decision.Score,
	}

	// While the decision sat pending, a record sharing one of its unique
	// signals may have seeded its own entity. That entity duplicates the
	// candidate and should be absorbed by it.
	record := decision.RecordSnapshot.Data
	for signalType, value := range record.Signals() {
		if !signalType.Unique() {
			continue
		}
		ids, err := m.ids.EntityIDsBySignal(ctx, decision.Kind, signalType, value, 1)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 && ids[0] != target.ID {
			action.EntityID = ids[0]
			action.Merge = true
			break
		}
	}
	return action, nil
}

func (m *Manager) executeAction(ctx context.Context, decision *models.MatchDecision, action *models.AutoResolveAction) error {
	if action.Merge {
		_, err := m.Merge(ctx, &models.MergeRequest{
			SurvivorID: action.TargetID,
			AbsorbedID: action.EntityID,
			Actor:      "auto-resolve",
			Reason:     fmt.Sprintf("pending decision %s scored %.4f against the surviving candidate", decision.ID, decision.Score),
		})
		if err != nil {
			return err
		}
		return m.decisions.SetDisposition(ctx, decision.ID, models.ReviewDispositionConfirmed, "auto-resolve")
	}
	return m.ConfirmDecision(ctx, decision.ID, "auto-resolve")
}
