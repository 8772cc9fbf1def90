package workflow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const deliveryDateLayout = "2006-01-02"

// DeliveryScheduler keeps one delivery window per supplier per day and turns
// windows that pass their deadline into missed-delivery alerts. All state is
// in delivery_windows; the loop only decides when to look again.
type DeliveryScheduler struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Registry *SupplierConfigRegistry
	Interval time.Duration
	Now      func() time.Time
}

func NewDeliveryScheduler(db *gorm.DB, logger *logrus.Logger, registry *SupplierConfigRegistry) *DeliveryScheduler {
	return &DeliveryScheduler{
		DB:       db,
		Logger:   logger,
		Registry: registry,
		Interval: config.SchedulerInterval(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run plans and sweeps, then sleeps until the next open deadline or the
// interval, whichever comes first.
func (s *DeliveryScheduler) Run(ctx context.Context) {
	for {
		now := s.Now()
		if _, err := s.Plan(ctx, now); err != nil && s.Logger != nil {
			config.LogError(s.Logger, "DeliveryScheduler", "Plan", "plan windows", nil, err)
		}
		if _, err := s.Sweep(ctx, now); err != nil && s.Logger != nil {
			config.LogError(s.Logger, "DeliveryScheduler", "Sweep", "sweep windows", nil, err)
		}

		wait := s.Interval
		if next, ok := s.nextDeadline(ctx, now); ok && next.Sub(now) < wait {
			wait = next.Sub(now) + time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Plan materialises today's and tomorrow's window for every active supplier
// with an expected delivery time. Existing windows are left alone.
func (s *DeliveryScheduler) Plan(ctx context.Context, now time.Time) (int, error) {
	created := 0
	for _, cfg := range s.Registry.Active() {
		for _, day := range []time.Time{now, now.AddDate(0, 0, 1)} {
			w, ok := windowFor(cfg, day)
			if !ok {
				continue
			}
			res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&w)
			if res.Error != nil {
				return created, res.Error
			}
			created += int(res.RowsAffected)
		}
	}
	return created, nil
}

// Sweep marks overdue open windows missed, audits them and queues alerts.
func (s *DeliveryScheduler) Sweep(ctx context.Context, now time.Time) ([]models.DeliveryWindow, error) {
	overdue, err := models.ListOverdueWindows(ctx, s.DB, now)
	if err != nil {
		return nil, err
	}
	var missed []models.DeliveryWindow
	for _, w := range overdue {
		cfg, err := s.Registry.GetConfig(ctx, w.SupplierCode)
		if err != nil {
			// inactive suppliers keep their open windows; nothing to alert on
			continue
		}
		ok, err := s.markMissed(ctx, w, *cfg, now)
		if err != nil {
			return missed, err
		}
		if ok {
			w.Status = models.DeliveryWindowMissed
			missed = append(missed, w)
		}
	}
	return missed, nil
}

func (s *DeliveryScheduler) markMissed(ctx context.Context, w models.DeliveryWindow, cfg models.SupplierConfig, now time.Time) (bool, error) {
	if !w.Status.CanTransitionTo(models.DeliveryWindowMissed) {
		return false, nil
	}
	changed := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DeliveryWindow{}).
			Where("id = ? AND status = ?", w.ID, models.DeliveryWindowOpen).
			Updates(map[string]interface{}{"status": models.DeliveryWindowMissed, "missed_at": now.UTC()})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		changed = true
		if _, err := AppendAudit(tx, AuditEntry{
			EventType:  models.AuditDeliveryWindowMissed,
			Actor:      SchedulerActor,
			EntityType: EntityDeliveryWindow,
			EntityId:   strconv.Itoa(w.ID),
			Payload: map[string]any{
				"supplier_code": w.SupplierCode,
				"delivery_date": w.DeliveryDate,
				"deadline_at":   w.DeadlineAt.UTC().Format(time.RFC3339),
			},
		}); err != nil {
			return err
		}
		_, err := EnqueueAlerts(tx, WindowAlertSubject(w.ID), EvaluateMissedDelivery(w, cfg, now), "")
		return err
	})
	return changed, err
}

func (s *DeliveryScheduler) nextDeadline(ctx context.Context, now time.Time) (time.Time, bool) {
	var w models.DeliveryWindow
	err := s.DB.WithContext(ctx).
		Where("status = ? AND deadline_at >= ?", models.DeliveryWindowOpen, now.UTC()).
		Order("deadline_at ASC").
		First(&w).Error
	if err != nil {
		return time.Time{}, false
	}
	return w.DeadlineAt, true
}

func windowFor(cfg models.SupplierConfig, day time.Time) (models.DeliveryWindow, bool) {
	expected, deadline, ok := cfg.DeliveryDeadline(day)
	if !ok {
		return models.DeliveryWindow{}, false
	}
	return models.DeliveryWindow{
		SupplierConfigId: cfg.ID,
		SupplierCode:     cfg.Code,
		DeliveryDate:     day.In(cfg.Location()).Format(deliveryDateLayout),
		ExpectedAt:       expected,
		DeadlineAt:       deadline,
		Status:           models.DeliveryWindowOpen,
	}, true
}

// MarkDelivered fulfils the supplier's window for the day the file arrived.
// It runs inside the transaction that admits the run.
func MarkDelivered(tx *gorm.DB, cfg models.SupplierConfig, receivedAt time.Time, runId string) error {
	w, ok := windowFor(cfg, receivedAt)
	if !ok {
		return nil
	}
	var existing models.DeliveryWindow
	err := tx.Where("supplier_config_id = ? AND delivery_date = ?", cfg.ID, w.DeliveryDate).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		at := receivedAt.UTC()
		w.Status = models.DeliveryWindowFulfilled
		w.RunId = &runId
		w.FulfilledAt = &at
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&w).Error
	}
	if err != nil {
		return err
	}
	if !existing.Status.CanTransitionTo(models.DeliveryWindowFulfilled) {
		return nil
	}
	return tx.Model(&models.DeliveryWindow{}).
		Where("id = ? AND status = ?", existing.ID, existing.Status).
		Updates(map[string]interface{}{
			"status":       models.DeliveryWindowFulfilled,
			"run_id":       runId,
			"fulfilled_at": receivedAt.UTC(),
		}).Error
}
