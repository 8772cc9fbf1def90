package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type GuardDecision string

const (
	GuardProceed          GuardDecision = "proceed"
	GuardAlreadyProcessed GuardDecision = "already_processed"
)

// GuardResult carries the existing run when the file was seen before.
type GuardResult struct {
	Decision GuardDecision
	Run      *models.ReconciliationRun
}

func (g GuardResult) AlreadyProcessed() bool {
	return g.Decision == GuardAlreadyProcessed
}

const ingestLockTTL = 30 * time.Second

func ingestLockKey(supplierCode, fileHash string) string {
	return fmt.Sprintf("ingest:%s:%s", supplierCode, fileHash)
}

// CheckIdempotent is the read-only lookup: Proceed, or AlreadyProcessed with
// the run that owns (supplier, hash). The authoritative check is the unique
// index hit by AdmitRun.
func CheckIdempotent(ctx context.Context, db *gorm.DB, supplierConfigId int, fileHash string) (GuardResult, error) {
	existing, err := models.FindRunByFileHash(ctx, db, supplierConfigId, fileHash)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return GuardResult{Decision: GuardProceed}, nil
	}
	if err != nil {
		return GuardResult{}, err
	}
	return GuardResult{Decision: GuardAlreadyProcessed, Run: existing}, nil
}

// AdmitRun inserts run (status pending) together with its file_received event
// and whatever onAdmit writes, in one transaction. The loser of a concurrent
// delivery hits the (supplier_config_id, file_hash) unique index and resolves
// to AlreadyProcessed; it never creates a second run.
func AdmitRun(ctx context.Context, db *gorm.DB, logger *logrus.Logger, run *models.ReconciliationRun, onAdmit func(tx *gorm.DB) error) (GuardResult, error) {
	// Best effort only: it saves a doomed insert when two replicas receive the
	// same bytes at once. The unique index decides.
	lock, err := config.ObtainLock(ctx, ingestLockKey(run.SupplierCode, run.FileHash), ingestLockTTL)
	if err != nil && !errors.Is(err, redislock.ErrNotObtained) && logger != nil {
		config.LogError(logger, "IngestionGuard", "AdmitRun", "redis lock", run.FileHash, err)
	}
	if lock != nil {
		defer lock.Release(context.Background())
	}

	existing, err := CheckIdempotent(ctx, db, run.SupplierConfigId, run.FileHash)
	if err != nil {
		return GuardResult{}, err
	}
	if existing.AlreadyProcessed() {
		return duplicateDelivery(ctx, db, run, existing.Run)
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if _, err := AppendAudit(tx, AuditEntry{
			EventType:  models.AuditFileReceived,
			EntityType: EntityRun,
			EntityId:   run.ID,
			RunId:      run.ID,
			Payload: map[string]any{
				"supplier_code":  run.SupplierCode,
				"file_name":      run.FileName,
				"file_hash":      run.FileHash,
				"file_size":      run.FileSize,
				"received_at":    run.FileReceivedAt.UTC().Format(time.RFC3339Nano),
				"config_version": run.ConfigVersion,
			},
		}); err != nil {
			return err
		}
		if onAdmit != nil {
			return onAdmit(tx)
		}
		return nil
	})
	if config.IsDuplicateKey(err) {
		existing, findErr := models.FindRunByFileHash(ctx, db, run.SupplierConfigId, run.FileHash)
		if findErr != nil {
			return GuardResult{}, fmt.Errorf("duplicate file but existing run not readable: %w", findErr)
		}
		return duplicateDelivery(ctx, db, run, existing)
	}
	if err != nil {
		return GuardResult{}, err
	}
	return GuardResult{Decision: GuardProceed, Run: run}, nil
}

func duplicateDelivery(ctx context.Context, db *gorm.DB, attempted, existing *models.ReconciliationRun) (GuardResult, error) {
	_, err := AppendAuditTx(ctx, db, AuditEntry{
		EventType:  models.AuditDuplicateFile,
		EntityType: EntityRun,
		EntityId:   existing.ID,
		RunId:      existing.ID,
		Payload: map[string]any{
			"file_name":       attempted.FileName,
			"file_hash":       attempted.FileHash,
			"received_at":     attempted.FileReceivedAt.UTC().Format(time.RFC3339Nano),
			"existing_status": existing.Status,
		},
	})
	if err != nil {
		return GuardResult{}, err
	}
	return GuardResult{Decision: GuardAlreadyProcessed, Run: existing}, nil
}
