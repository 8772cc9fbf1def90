package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const autoResolver = "system:auto"

// ResolveMatch applies the automatic rules to a freshly classified row.
// Critical severity always goes to manual review, whatever the type.
func ResolveMatch(m *models.TransactionMatch, cfg models.SupplierConfig, now time.Time) error {
	next, method := decideResolution(m, cfg)
	status, err := m.ResolutionStatus.Transition(next)
	if err != nil {
		return err
	}
	m.ResolutionStatus = status
	m.ResolutionMethod = method
	if status == models.ResolutionAutoResolved {
		at := now.UTC()
		m.ResolvedBy = autoResolver
		m.ResolvedAt = &at
	}
	return nil
}

func decideResolution(m *models.TransactionMatch, cfg models.SupplierConfig) (models.ResolutionStatus, string) {
	if !m.HasDiscrepancy {
		return models.ResolutionNotRequired, ""
	}
	if m.Severity == models.SeverityCritical {
		return models.ResolutionManualReview, ""
	}

	grace := time.Duration(cfg.TimestampToleranceSeconds+cfg.TimingGraceSeconds) * time.Second
	step := decimal.NewFromInt(cfg.RoundingStepCents)

	timingOnly, rounding := true, false
	for _, e := range m.Details() {
		switch e.Type {
		case models.DiscrepancyTimestampDiff:
			seconds := e.Difference.Abs().InexactFloat64()
			if time.Duration(seconds*float64(time.Second)) > grace {
				return models.ResolutionManualReview, ""
			}
		case models.DiscrepancyAmountMismatch:
			if !e.Difference.Abs().LessThan(step) {
				return models.ResolutionManualReview, ""
			}
			timingOnly = false
			rounding = true
		default:
			return models.ResolutionManualReview, ""
		}
	}
	switch {
	case timingOnly:
		return models.ResolutionAutoResolved, models.ResolutionMethodAutoTiming
	case rounding:
		return models.ResolutionAutoResolved, models.ResolutionMethodAutoRounding
	}
	return models.ResolutionManualReview, ""
}

// ResolutionConflictError carries the row as it stood when the action lost.
type ResolutionConflictError struct {
	Current *models.TransactionMatch
}

func (e *ResolutionConflictError) Error() string {
	return fmt.Sprintf("match %s is %s (version %d): %v",
		e.Current.ID, e.Current.ResolutionStatus, e.Current.ResolutionVersion, utils.ErrResolutionConflict)
}

func (e *ResolutionConflictError) Unwrap() error {
	return utils.ErrResolutionConflict
}

// ApplyResolution records a human decision: manual_review -> resolved.
func ApplyResolution(ctx context.Context, db *gorm.DB, matchId, method, notes, actorId string) (*models.TransactionMatch, error) {
	if strings.TrimSpace(actorId) == "" {
		return nil, errors.New("actor id is required")
	}
	if strings.TrimSpace(method) == "" {
		return nil, errors.New("resolution method is required")
	}
	return transitionResolution(ctx, db, matchId, models.ResolutionResolved, method, notes, UserActor(actorId), models.AuditResolutionApplied)
}

// Escalate hands a match to supplier-side correction: manual_review -> escalated.
func Escalate(ctx context.Context, db *gorm.DB, matchId, reason, actorId string) (*models.TransactionMatch, error) {
	if strings.TrimSpace(actorId) == "" {
		return nil, errors.New("actor id is required")
	}
	return transitionResolution(ctx, db, matchId, models.ResolutionEscalated, models.ResolutionMethodEscalation, reason, UserActor(actorId), models.AuditResolutionEscalated)
}

// transitionResolution is optimistic: the update only lands if status and
// version are what was read. Exactly one of two racing actions wins; the
// other gets ResolutionConflict with the current row.
func transitionResolution(ctx context.Context, db *gorm.DB, matchId string, next models.ResolutionStatus, method, notes string, actor Actor, eventType models.AuditEventType) (*models.TransactionMatch, error) {
	current, err := models.GetMatch(ctx, db, matchId)
	if err != nil {
		return nil, err
	}
	if _, err := current.ResolutionStatus.Transition(next); err != nil {
		if current.ResolutionStatus == models.ResolutionResolved || current.ResolutionStatus == models.ResolutionEscalated {
			return current, &ResolutionConflictError{Current: current}
		}
		return current, err
	}

	now := time.Now().UTC()
	var updated *models.TransactionMatch
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.TransactionMatch{}).
			Where("id = ? AND resolution_status = ? AND resolution_version = ?", current.ID, current.ResolutionStatus, current.ResolutionVersion).
			Updates(map[string]interface{}{
				"resolution_status":  next,
				"resolution_method":  method,
				"resolution_notes":   notes,
				"resolved_by":        actor.Id,
				"resolved_at":        now,
				"resolution_version": current.ResolutionVersion + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.ErrResolutionConflict
		}
		var err error
		updated, err = models.GetMatch(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		_, err = AppendAudit(tx, AuditEntry{
			EventType:  eventType,
			Actor:      actor,
			EntityType: EntityMatch,
			EntityId:   current.ID,
			RunId:      current.RunId,
			Payload: map[string]any{
				"from":    current.ResolutionStatus,
				"to":      next,
				"method":  method,
				"notes":   notes,
				"version": current.ResolutionVersion + 1,
			},
		})
		return err
	})
	if errors.Is(err, utils.ErrResolutionConflict) {
		latest, getErr := models.GetMatch(ctx, db, matchId)
		if getErr != nil {
			return nil, getErr
		}
		return latest, &ResolutionConflictError{Current: latest}
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}
