package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	ActorTypeSystem    = "system"
	ActorTypeUser      = "user"
	ActorTypeScheduler = "scheduler"
)

type Actor struct {
	Type string `json:"type"`
	Id   string `json:"id"`
}

var (
	SystemActor    = Actor{Type: ActorTypeSystem, Id: "vas_recon"}
	SchedulerActor = Actor{Type: ActorTypeScheduler, Id: "delivery_scheduler"}
)

func UserActor(id string) Actor {
	return Actor{Type: ActorTypeUser, Id: id}
}

const (
	EntityRun            = "reconciliation_run"
	EntityMatch          = "transaction_match"
	EntitySupplierConfig = "supplier_config"
	EntityAlert          = "alert"
	EntityDeliveryWindow = "delivery_window"
	EntityFile           = "file"
	EntityAuditEvent     = "audit_event"
)

// AuditEntry is what a caller wants recorded; Append fills in the chain.
type AuditEntry struct {
	EventType  models.AuditEventType
	Actor      Actor
	EntityType string
	EntityId   string
	RunId      string
	Supersedes string
	Payload    any
}

// auditNow is swapped in tests.
var auditNow = func() time.Time { return time.Now().UTC() }

// AppendAudit links a new event onto the global chain inside tx. The head row
// is locked for update, so concurrent appends serialize on it and the event
// commits or rolls back with the caller's transaction.
func AppendAudit(tx *gorm.DB, entry AuditEntry) (*models.AuditEvent, error) {
	payload, err := utils.CanonicalJSON(entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("audit payload: %w", err)
	}

	var head models.AuditChainHead
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("stream = ?", models.AuditStreamGlobal).
		First(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := models.EnsureAuditChainHead(tx, models.AuditStreamGlobal); err != nil {
			return nil, err
		}
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("stream = ?", models.AuditStreamGlobal).
			First(&head).Error
	}
	if err != nil {
		return nil, fmt.Errorf("audit chain head: %w", err)
	}

	ev := models.AuditEvent{
		ID:                uuid.NewString(),
		Sequence:          head.LastSequence + 1,
		Stream:            models.AuditStreamGlobal,
		EventType:         entry.EventType,
		OccurredAt:        auditNow().UTC().Truncate(time.Microsecond),
		ActorType:         entry.Actor.Type,
		ActorId:           entry.Actor.Id,
		EntityType:        entry.EntityType,
		EntityId:          entry.EntityId,
		Payload:           string(payload),
		PreviousEventHash: head.LastHash,
	}
	if ev.ActorType == "" {
		ev.ActorType, ev.ActorId = SystemActor.Type, SystemActor.Id
	}
	if entry.RunId != "" {
		runId := entry.RunId
		ev.RunId = &runId
	}
	if entry.Supersedes != "" {
		s := entry.Supersedes
		ev.SupersedesEventId = &s
	}
	ev.EventHash = ev.ComputeHash()

	if err := tx.Create(&ev).Error; err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}
	res := tx.Model(&models.AuditChainHead{}).
		Where("stream = ? AND last_sequence = ?", models.AuditStreamGlobal, head.LastSequence).
		Updates(map[string]interface{}{
			"last_sequence": ev.Sequence,
			"last_hash":     ev.EventHash,
			"last_event_id": ev.ID,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, fmt.Errorf("audit chain head moved during append (sequence %d)", ev.Sequence)
	}
	return &ev, nil
}

// AppendAuditTx runs a single append in its own transaction.
func AppendAuditTx(ctx context.Context, db *gorm.DB, entry AuditEntry) (*models.AuditEvent, error) {
	var ev *models.AuditEvent
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ev, err = AppendAudit(tx, entry)
		return err
	})
	return ev, err
}

// AppendCorrection records a correction that supersedes an earlier event.
// The original row stays untouched.
func AppendCorrection(ctx context.Context, db *gorm.DB, supersedes string, actor Actor, reason string, payload any) (*models.AuditEvent, error) {
	var original models.AuditEvent
	if err := db.WithContext(ctx).Where("id = ?", supersedes).First(&original).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return AppendAuditTx(ctx, db, AuditEntry{
		EventType:  models.AuditCorrection,
		Actor:      actor,
		EntityType: original.EntityType,
		EntityId:   original.EntityId,
		RunId:      utils.DereferencePtr(original.RunId),
		Supersedes: original.ID,
		Payload: map[string]any{
			"reason":     reason,
			"correction": payload,
		},
	})
}

const (
	ChainProblemGap          = "gap"
	ChainProblemBrokenLink   = "broken_link"
	ChainProblemHashMismatch = "hash_mismatch"
	ChainProblemHeadMismatch = "head_mismatch"
)

type ChainProblem struct {
	Sequence int64  `json:"sequence"`
	EventId  string `json:"event_id,omitempty"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

type ChainReport struct {
	Verified     bool           `json:"verified"`
	Events       int64          `json:"events"`
	LastSequence int64          `json:"last_sequence"`
	LastHash     string         `json:"last_hash"`
	Problems     []ChainProblem `json:"problems,omitempty"`
}

const verifyBatch = 500

// VerifyChain walks the chain from sequence 1 and recomputes every hash. Any
// gap, broken link, altered row or head disagreement makes it unverified.
func VerifyChain(ctx context.Context, db *gorm.DB) (ChainReport, error) {
	report := ChainReport{}
	expected := int64(1)
	prevHash := ""
	for {
		batch, err := models.ListAuditEventsFrom(ctx, db, expected, verifyBatch)
		if err != nil {
			return report, err
		}
		for _, ev := range batch {
			if ev.Sequence != expected {
				report.Problems = append(report.Problems, ChainProblem{
					Sequence: expected, Kind: ChainProblemGap,
					Detail: fmt.Sprintf("expected sequence %d, found %d", expected, ev.Sequence),
				})
			}
			if ev.PreviousEventHash != prevHash {
				report.Problems = append(report.Problems, ChainProblem{
					Sequence: ev.Sequence, EventId: ev.ID, Kind: ChainProblemBrokenLink,
					Detail: "previous_event_hash does not match the preceding event",
				})
			}
			if ev.ComputeHash() != ev.EventHash {
				report.Problems = append(report.Problems, ChainProblem{
					Sequence: ev.Sequence, EventId: ev.ID, Kind: ChainProblemHashMismatch,
					Detail: "event content does not match event_hash",
				})
			}
			prevHash = ev.EventHash
			expected = ev.Sequence + 1
			report.Events++
			report.LastSequence = ev.Sequence
			report.LastHash = ev.EventHash
		}
		if len(batch) < verifyBatch {
			break
		}
	}

	var head models.AuditChainHead
	err := db.WithContext(ctx).Where("stream = ?", models.AuditStreamGlobal).First(&head).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if report.Events > 0 {
			report.Problems = append(report.Problems, ChainProblem{Kind: ChainProblemHeadMismatch, Detail: "chain head missing"})
		}
	case err != nil:
		return report, err
	default:
		if head.LastSequence != report.LastSequence || head.LastHash != report.LastHash {
			report.Problems = append(report.Problems, ChainProblem{
				Sequence: head.LastSequence, Kind: ChainProblemHeadMismatch,
				Detail: fmt.Sprintf("head at %d, chain ends at %d", head.LastSequence, report.LastSequence),
			})
		}
	}
	report.Verified = len(report.Problems) == 0
	return report, nil
}
