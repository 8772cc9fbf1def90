package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AlertPublisher hands a request to the notification collaborator and
// returns its message id. Delivery itself is the collaborator's concern.
type AlertPublisher interface {
	Publish(ctx context.Context, req models.AlertRequest) (string, error)
}

// PubSubAlertPublisher publishes requests as JSON to a Pub/Sub topic.
type PubSubAlertPublisher struct {
	Topic string
}

func NewPubSubAlertPublisher() *PubSubAlertPublisher {
	return &PubSubAlertPublisher{Topic: config.AlertTopic()}
}

func (p *PubSubAlertPublisher) Publish(ctx context.Context, req models.AlertRequest) (string, error) {
	return config.PublishJSON(ctx, p.Topic, req, map[string]string{
		"alert_id":      req.AlertId,
		"trigger":       string(req.Trigger),
		"channel":       string(req.Channel),
		"severity":      string(req.Severity),
		"supplier_code": req.SupplierCode,
	})
}

// AlertDispatcher drains the alert outbox. Only the hand-off is retried;
// rows that keep failing go DEAD and are audited as alert_failed.
type AlertDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Publisher    AlertPublisher
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	Now            func() time.Time
}

func NewAlertDispatcher(db *gorm.DB, logger *logrus.Logger, publisher AlertPublisher) *AlertDispatcher {
	return &AlertDispatcher{
		DB:             db,
		Logger:         logger,
		Publisher:      publisher,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   time.Second,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    10,
		InitialBackoff: 5 * time.Second,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

func (d *AlertDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && d.Logger != nil {
			config.LogError(d.Logger, "AlertDispatcher", "Run", "dispatch", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims a batch, publishes it and records the outcome. It
// returns how many rows were handed off.
func (d *AlertDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if d.DB == nil || d.Publisher == nil {
		return 0, nil
	}
	now := d.Now()
	staleBefore := now.Add(-d.LockTimeout)

	var claimed []models.AlertOutbox
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// PENDING/FAILED rows that are due, plus PROCESSING rows whose
		// dispatcher died mid-batch.
		q := tx.
			Where(`
				(publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
				OR
				(publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
			`, []string{models.AlertPublishStatusPending, models.AlertPublishStatusFailed}, now,
				models.AlertPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].PublishStatus = models.AlertPublishStatusProcessing
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.AlertOutbox{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.AlertPublishStatusProcessing,
				"locked_at":          now,
				"locked_by":          d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return 0, err
	}

	sent := 0
	for _, rec := range claimed {
		req, err := rec.Request()
		if err != nil {
			d.markFailed(ctx, rec, fmt.Errorf("decode payload: %w", err), d.MaxAttempts)
			continue
		}
		msgId, err := d.Publisher.Publish(ctx, req)
		if err != nil {
			d.markFailed(ctx, rec, err, rec.PublishAttempts)
			continue
		}
		if err := d.markSent(ctx, rec, msgId); err != nil {
			if d.Logger != nil {
				config.LogError(d.Logger, "AlertDispatcher", "markSent", "update outbox", rec.AlertId, err)
			}
			continue
		}
		sent++
	}
	return sent, nil
}

func (d *AlertDispatcher) markSent(ctx context.Context, rec models.AlertOutbox, msgId string) error {
	now := d.Now()
	return d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.AlertOutbox{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
			"publish_status":     models.AlertPublishStatusSent,
			"published_at":       now,
			"pub_sub_message_id": msgId,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error; err != nil {
			return err
		}
		_, err := AppendAudit(tx, AuditEntry{
			EventType:  models.AuditAlertSent,
			EntityType: EntityAlert,
			EntityId:   rec.AlertId,
			RunId:      utils.DereferencePtr(rec.RunId),
			Payload: map[string]any{
				"channel":    rec.Channel,
				"trigger":    rec.Trigger,
				"message_id": msgId,
				"attempt":    rec.PublishAttempts,
			},
		})
		return err
	})
}

func (d *AlertDispatcher) markFailed(ctx context.Context, rec models.AlertOutbox, cause error, attempt int) {
	now := d.Now()
	msg := cause.Error()

	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.AlertOutbox{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
				"publish_status":     models.AlertPublishStatusDead,
				"last_publish_error": msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error; err != nil {
				return err
			}
			_, err := AppendAudit(tx, AuditEntry{
				EventType:  models.AuditAlertFailed,
				EntityType: EntityAlert,
				EntityId:   rec.AlertId,
				RunId:      utils.DereferencePtr(rec.RunId),
				Payload:    map[string]any{"error": msg, "attempts": attempt},
			})
			return err
		})
		if err != nil && d.Logger != nil {
			config.LogError(d.Logger, "AlertDispatcher", "markFailed", "mark dead", rec.AlertId, err)
		}
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":    "AlertDispatcher",
				"alert_id": rec.AlertId,
				"attempt":  attempt,
			}).Error("alert hand-off moved to DEAD after max attempts: " + msg)
		}
		return
	}

	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			backoff = 10 * time.Minute
			break
		}
	}
	next := now.Add(backoff)
	_ = d.DB.WithContext(ctx).Model(&models.AlertOutbox{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
		"publish_status":     models.AlertPublishStatusFailed,
		"last_publish_error": msg,
		"next_attempt_at":    next,
		"locked_at":          nil,
		"locked_by":          nil,
	}).Error

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "AlertDispatcher",
			"alert_id":        rec.AlertId,
			"attempt":         attempt,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("alert hand-off failed: " + msg)
	}
}
