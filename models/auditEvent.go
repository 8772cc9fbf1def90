package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/vas_recon/utils"
	"gorm.io/gorm"
)

type AuditEventType string

const (
	AuditFileReceived          AuditEventType = "file_received"
	AuditFileRejected          AuditEventType = "file_rejected"
	AuditDuplicateFile         AuditEventType = "duplicate_file"
	AuditRunStarted            AuditEventType = "run_started"
	AuditValidationStarted     AuditEventType = "validation_started"
	AuditValidationFinished    AuditEventType = "validation_finished"
	AuditFileDiscrepancy       AuditEventType = "file_discrepancy"
	AuditMatchFound            AuditEventType = "match_found"
	AuditDiscrepancyDetected   AuditEventType = "discrepancy_detected"
	AuditResolutionApplied     AuditEventType = "resolution_applied"
	AuditResolutionEscalated   AuditEventType = "resolution_escalated"
	AuditRunCompleted          AuditEventType = "run_completed"
	AuditRunFailed             AuditEventType = "run_failed"
	AuditAlertRequested        AuditEventType = "alert_requested"
	AuditAlertSent             AuditEventType = "alert_sent"
	AuditAlertFailed           AuditEventType = "alert_failed"
	AuditDeliveryWindowMissed  AuditEventType = "delivery_window_missed"
	AuditSupplierConfigChanged AuditEventType = "supplier_config_changed"
	AuditCorrection            AuditEventType = "correction"
)

// AuditStreamGlobal is the single chain every event links into.
const AuditStreamGlobal = "global"

// AuditTimeLayout fixes occurred_at to microseconds for hashing; the column
// has precision 6 so the stored value round-trips exactly.
const AuditTimeLayout = "2006-01-02T15:04:05.000000Z"

// AuditEvent is append-only. Rows are never updated or deleted; corrections
// are new events that reference the superseded one.
type AuditEvent struct {
	ID                string         `gorm:"size:36;primaryKey" json:"id"`
	Sequence          int64          `gorm:"not null;uniqueIndex" json:"sequence"`
	Stream            string         `gorm:"size:32;not null;index" json:"stream"`
	RunId             *string        `gorm:"size:36;index" json:"run_id"`
	EventType         AuditEventType `gorm:"size:48;not null;index" json:"event_type"`
	OccurredAt        time.Time      `gorm:"precision:6;not null" json:"occurred_at"`
	ActorType         string         `gorm:"size:16;not null" json:"actor_type"`
	ActorId           string         `gorm:"size:128;not null" json:"actor_id"`
	EntityType        string         `gorm:"size:48;not null" json:"entity_type"`
	EntityId          string         `gorm:"size:64;not null;index" json:"entity_id"`
	Payload           string         `gorm:"type:longtext" json:"payload"`
	SupersedesEventId *string        `gorm:"size:36" json:"supersedes_event_id"`
	PreviousEventHash string         `gorm:"size:64;not null" json:"previous_event_hash"`
	EventHash         string         `gorm:"size:64;not null;uniqueIndex" json:"event_hash"`
}

// AuditChainHead is the tip of a chain, row-locked by every append.
type AuditChainHead struct {
	Stream       string    `gorm:"size:32;primaryKey" json:"stream"`
	LastSequence int64     `gorm:"not null;default:0" json:"last_sequence"`
	LastHash     string    `gorm:"size:64;not null;default:''" json:"last_hash"`
	LastEventId  string    `gorm:"size:36" json:"last_event_id"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ComputeHash covers every field that carries meaning plus the previous hash.
func (e AuditEvent) ComputeHash() string {
	return utils.ChainHash(
		e.ID,
		e.OccurredAt.UTC().Format(AuditTimeLayout),
		string(e.EventType),
		e.ActorType+":"+e.ActorId,
		e.EntityType+":"+e.EntityId,
		utils.DereferencePtr(e.RunId),
		utils.DereferencePtr(e.SupersedesEventId),
		e.Payload,
		e.PreviousEventHash,
	)
}

func (e *AuditEvent) BeforeUpdate(tx *gorm.DB) error {
	return utils.ErrAuditImmutable
}

func (e *AuditEvent) BeforeDelete(tx *gorm.DB) error {
	return utils.ErrAuditImmutable
}

func ListRunAuditEvents(ctx context.Context, db *gorm.DB, runId string) ([]AuditEvent, error) {
	var out []AuditEvent
	err := db.WithContext(ctx).Where("run_id = ?", runId).Order("sequence ASC").Find(&out).Error
	return out, err
}

// ListAuditEventsFrom reads a batch of the chain in sequence order.
func ListAuditEventsFrom(ctx context.Context, db *gorm.DB, fromSequence int64, limit int) ([]AuditEvent, error) {
	var out []AuditEvent
	err := db.WithContext(ctx).
		Where("sequence >= ?", fromSequence).
		Order("sequence ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func ListEntityAuditEvents(ctx context.Context, db *gorm.DB, entityType, entityId string) ([]AuditEvent, error) {
	var out []AuditEvent
	err := db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityId).
		Order("sequence ASC").
		Find(&out).Error
	return out, err
}
