package models

import (
	"time"

	"github.com/mmdatafocus/vas_recon/utils"
	"gorm.io/datatypes"
)

// AlertRequest is what the notification collaborator receives.
type AlertRequest struct {
	AlertId      string            `json:"alert_id"`
	Trigger      AlertTrigger      `json:"trigger"`
	Channel      AlertChannel      `json:"channel"`
	Recipients   []string          `json:"recipients"`
	Severity     Severity          `json:"severity"`
	Summary      string            `json:"summary"`
	RunId        string            `json:"run_id,omitempty"`
	SupplierCode string            `json:"supplier_code"`
	Details      map[string]string `json:"details,omitempty"`
	RaisedAt     time.Time         `json:"raised_at"`
}

// DedupeKey keeps one alert per (subject, trigger, channel) so re-evaluation
// never double-notifies.
func (a AlertRequest) DedupeKey(subject string) string {
	return subject + "|" + string(a.Trigger) + "|" + string(a.Channel)
}

// AlertOutbox is the transactional outbox for alert hand-off. Rows are
// written in the same transaction that decides the alert and published after
// commit by the dispatcher.
type AlertOutbox struct {
	ID               int            `gorm:"primary_key;index:idx_alert_dispatch,priority:3" json:"id"`
	AlertId          string         `gorm:"size:36;not null;uniqueIndex" json:"alert_id"`
	DedupeKey        string         `gorm:"size:191;not null;uniqueIndex" json:"dedupe_key"`
	RunId            *string        `gorm:"size:36;index" json:"run_id"`
	SupplierCode     string         `gorm:"size:64;not null;index" json:"supplier_code"`
	Trigger          AlertTrigger   `gorm:"size:32;not null" json:"trigger"`
	Channel          AlertChannel   `gorm:"size:16;not null" json:"channel"`
	Severity         Severity       `gorm:"size:16;not null" json:"severity"`
	Payload          datatypes.JSON `json:"payload"`
	PublishStatus    string         `gorm:"size:20;index;not null;default:'PENDING';index:idx_alert_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time     `gorm:"index" json:"published_at"`
	PubSubMessageId  *string        `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int            `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time     `gorm:"index;index:idx_alert_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time     `gorm:"index" json:"locked_at"`
	LockedBy         *string        `gorm:"size:100" json:"locked_by"`
	LastPublishError *string        `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string         `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AlertOutbox) TableName() string {
	return "alert_outbox"
}

func (o AlertOutbox) Request() (AlertRequest, error) {
	var req AlertRequest
	err := utils.UnmarshalFromJSON([]byte(o.Payload), &req)
	return req, err
}
