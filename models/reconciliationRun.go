package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReconciliationRun is one end-to-end pass over a single supplier file.
// Unique constraint: (supplier_config_id, file_hash).
type ReconciliationRun struct {
	ID                      string          `gorm:"size:36;primaryKey" json:"id"`
	SupplierConfigId        int             `gorm:"not null;uniqueIndex:uniq_supplier_file_hash,priority:1" json:"supplier_config_id"`
	SupplierCode            string          `gorm:"size:64;not null;index" json:"supplier_code"`
	ConfigVersion           int             `gorm:"not null" json:"config_version"`
	ConfigSnapshot          datatypes.JSON  `json:"config_snapshot"`
	FileName                string          `gorm:"size:255" json:"file_name"`
	FileHash                string          `gorm:"size:64;not null;uniqueIndex:uniq_supplier_file_hash,priority:2" json:"file_hash"`
	FileSize                int64           `gorm:"not null;default:0" json:"file_size"`
	FileReceivedAt          time.Time       `gorm:"precision:6;not null;index" json:"file_received_at"`
	ArchiveObject           string          `gorm:"size:512" json:"archive_object"`
	Status                  RunStatus       `gorm:"size:16;not null;index" json:"status"`
	FailureReason           *string         `gorm:"size:32" json:"failure_reason"`
	StartedAt               *time.Time      `gorm:"precision:6" json:"started_at"`
	CompletedAt             *time.Time      `gorm:"precision:6" json:"completed_at"`
	TotalPlatform           int             `gorm:"not null;default:0" json:"total_platform"`
	TotalSupplier           int             `gorm:"not null;default:0" json:"total_supplier"`
	TotalTransactions       int             `gorm:"not null;default:0" json:"total_transactions"`
	MatchedExact            int             `gorm:"not null;default:0" json:"matched_exact"`
	MatchedFuzzy            int             `gorm:"not null;default:0" json:"matched_fuzzy"`
	UnmatchedPlatform       int             `gorm:"not null;default:0" json:"unmatched_platform"`
	UnmatchedSupplier       int             `gorm:"not null;default:0" json:"unmatched_supplier"`
	AutoResolved            int             `gorm:"not null;default:0" json:"auto_resolved"`
	ManualReviewRequired    int             `gorm:"not null;default:0" json:"manual_review_required"`
	PlatformAmountTotal     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"platform_amount_total"`
	SupplierAmountTotal     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"supplier_amount_total"`
	AmountVariance          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount_variance"`
	PlatformCommissionTotal decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"platform_commission_total"`
	SupplierCommissionTotal decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"supplier_commission_total"`
	CommissionVariance      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"commission_variance"`
	DiscrepancySummary      datatypes.JSON  `json:"discrepancy_summary"`
	ErrorLog                datatypes.JSON  `json:"error_log"`
	ParseReport             datatypes.JSON  `json:"parse_report"`
	ProcessingDurationMs    int64           `gorm:"not null;default:0" json:"processing_duration_ms"`
	TotalsFinal             bool            `gorm:"not null;default:false" json:"totals_final"`
	WindowStart             *time.Time      `gorm:"precision:6" json:"window_start"`
	WindowEnd               *time.Time      `gorm:"precision:6" json:"window_end"`
	SettlementDate          string          `gorm:"size:10;index" json:"settlement_date"`
	CorrelationId           string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt               time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt               time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// FileDiscrepancy is a header/footer total that disagrees with the body.
type FileDiscrepancy struct {
	Type     DiscrepancyType `json:"type"`
	Field    string          `json:"field"`
	Declared string          `json:"declared"`
	Computed string          `json:"computed"`
}

type DiscrepancySummary struct {
	ByType     map[DiscrepancyType]int `json:"by_type"`
	BySeverity map[Severity]int        `json:"by_severity"`
	FileLevel  []FileDiscrepancy       `json:"file_level,omitempty"`
}

type RunError struct {
	Stage   string    `json:"stage"`
	Reason  string    `json:"reason"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (r ReconciliationRun) Summary() DiscrepancySummary {
	var s DiscrepancySummary
	if len(r.DiscrepancySummary) > 0 {
		_ = utils.UnmarshalFromJSON([]byte(r.DiscrepancySummary), &s)
	}
	return s
}

func (r ReconciliationRun) Errors() []RunError {
	var out []RunError
	if len(r.ErrorLog) > 0 {
		_ = utils.UnmarshalFromJSON([]byte(r.ErrorLog), &out)
	}
	return out
}

func (r ReconciliationRun) Failure() string {
	return utils.DereferencePtr(r.FailureReason)
}

func GetRun(ctx context.Context, db *gorm.DB, id string) (*ReconciliationRun, error) {
	var run ReconciliationRun
	err := db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func FindRunByFileHash(ctx context.Context, db *gorm.DB, supplierConfigId int, fileHash string) (*ReconciliationRun, error) {
	var run ReconciliationRun
	err := db.WithContext(ctx).
		Where("supplier_config_id = ? AND file_hash = ?", supplierConfigId, fileHash).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

type RunFilter struct {
	SupplierCode string
	Status       *RunStatus
	From         *time.Time
	To           *time.Time
	After        *string
	Limit        int
}

// ListRuns pages newest first on the (created_at, id) composite cursor.
func ListRuns(ctx context.Context, db *gorm.DB, f RunFilter) ([]ReconciliationRun, *PageInfo, error) {
	q := db.WithContext(ctx).Model(&ReconciliationRun{})
	if f.SupplierCode != "" {
		q = q.Where("supplier_code = ?", f.SupplierCode)
	}
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.From != nil {
		q = q.Where("file_received_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("file_received_at < ?", f.To.UTC())
	}
	return FetchRunPage(q, f.After, f.Limit)
}

// ListOpenRuns finds runs a crashed worker left behind.
func ListOpenRuns(ctx context.Context, db *gorm.DB, olderThan time.Time) ([]ReconciliationRun, error) {
	var out []ReconciliationRun
	err := db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []RunStatus{RunStatusPending, RunStatusProcessing}, olderThan.UTC()).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}
