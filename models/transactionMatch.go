package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DiscrepancyEntry is one field-level difference. Difference is
// supplier minus platform in minor units, or seconds for timestamps.
type DiscrepancyEntry struct {
	Type       DiscrepancyType `json:"type"`
	Field      string          `json:"field"`
	Platform   string          `json:"platform"`
	Supplier   string          `json:"supplier"`
	Difference decimal.Decimal `json:"difference"`
}

// TransactionMatch is one platform record, one supplier record, or a pair,
// scoped to exactly one run. Unique constraint: (run_id, match_key).
type TransactionMatch struct {
	ID               string `gorm:"size:36;primaryKey" json:"id"`
	RunId            string `gorm:"size:36;not null;index;uniqueIndex:uniq_run_match_key,priority:1" json:"run_id"`
	SupplierConfigId int    `gorm:"not null;index" json:"supplier_config_id"`
	SupplierCode     string `gorm:"size:64;not null;index" json:"supplier_code"`
	MatchKey         string `gorm:"size:191;not null;uniqueIndex:uniq_run_match_key,priority:2" json:"match_key"`

	// platform snapshot
	PlatformTransactionId         *string             `gorm:"size:64;index" json:"platform_transaction_id"`
	PlatformReference             string              `gorm:"size:128" json:"platform_reference"`
	PlatformSupplierTransactionId string              `gorm:"size:128" json:"platform_supplier_transaction_id"`
	PlatformAmount                decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"platform_amount"`
	PlatformCommission            decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"platform_commission"`
	PlatformStatus                string              `gorm:"size:32" json:"platform_status"`
	PlatformTimestamp             *time.Time          `gorm:"precision:6" json:"platform_timestamp"`
	PlatformProductCode           string              `gorm:"size:64" json:"platform_product_code"`
	PlatformProductName           string              `gorm:"size:255" json:"platform_product_name"`
	PlatformOrdinal               int                 `gorm:"not null;default:0" json:"platform_ordinal"`

	// supplier snapshot
	SupplierTransactionId string              `gorm:"size:128;index" json:"supplier_transaction_id"`
	SupplierReference     string              `gorm:"size:128" json:"supplier_reference"`
	SupplierAmount        decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"supplier_amount"`
	SupplierCommission    decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"supplier_commission"`
	SupplierStatus        string              `gorm:"size:32" json:"supplier_status"`
	SupplierTimestamp     *time.Time          `gorm:"precision:6" json:"supplier_timestamp"`
	SupplierProductCode   string              `gorm:"size:64" json:"supplier_product_code"`
	SupplierProductName   string              `gorm:"size:255" json:"supplier_product_name"`
	SupplierOrdinal       int                 `gorm:"not null;default:0" json:"supplier_ordinal"`
	SupplierLine          int                 `gorm:"not null;default:0" json:"supplier_line"`

	MatchStatus MatchStatus `gorm:"size:24;not null;index" json:"match_status"`
	Confidence  float64     `gorm:"type:decimal(6,4);not null;default:0" json:"confidence"`
	MatchMethod MatchMethod `gorm:"size:16;not null" json:"match_method"`

	HasDiscrepancy     bool            `gorm:"not null;default:false;index" json:"has_discrepancy"`
	DiscrepancyType    DiscrepancyType `gorm:"size:32" json:"discrepancy_type"`
	DiscrepancyDetails datatypes.JSON  `json:"discrepancy_details"`
	Severity           Severity        `gorm:"size:16;not null;default:'none'" json:"severity"`
	VarianceAmount     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"variance_amount"`

	ResolutionStatus  ResolutionStatus `gorm:"size:20;not null;index" json:"resolution_status"`
	ResolutionMethod  string           `gorm:"size:64" json:"resolution_method"`
	ResolutionNotes   string           `gorm:"type:text" json:"resolution_notes"`
	ResolvedBy        string           `gorm:"size:128" json:"resolved_by"`
	ResolvedAt        *time.Time       `gorm:"precision:6" json:"resolved_at"`
	ResolutionVersion int              `gorm:"not null;default:0" json:"resolution_version"`

	RunFailed bool      `gorm:"not null;default:false" json:"run_failed"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BuildMatchKey identifies a match row within its run.
func BuildMatchKey(platformId string, supplierOrdinal int) string {
	return fmt.Sprintf("P:%s|S:%d", platformId, supplierOrdinal)
}

func (m *TransactionMatch) SetPlatform(p PlatformRecord) {
	id := p.Id
	ts := p.Timestamp.UTC()
	m.PlatformTransactionId = &id
	m.PlatformReference = p.Reference
	m.PlatformSupplierTransactionId = p.SupplierTransactionId
	m.PlatformAmount = decimal.NewNullDecimal(p.Amount)
	m.PlatformCommission = decimal.NewNullDecimal(p.Commission)
	m.PlatformStatus = p.Status
	m.PlatformTimestamp = &ts
	m.PlatformProductCode = p.ProductCode
	m.PlatformProductName = p.ProductName
	m.PlatformOrdinal = p.Ordinal
}

// SetSupplier copies the supplier snapshot. A schema without a timestamp
// column leaves SupplierTimestamp nil.
func (m *TransactionMatch) SetSupplier(s SupplierRecord) {
	m.SupplierTransactionId = s.TransactionId
	m.SupplierReference = s.Reference
	m.SupplierAmount = decimal.NewNullDecimal(s.Amount)
	if s.Commission != nil {
		m.SupplierCommission = decimal.NewNullDecimal(*s.Commission)
	}
	m.SupplierStatus = s.Status
	if !s.Timestamp.IsZero() {
		ts := s.Timestamp.UTC()
		m.SupplierTimestamp = &ts
	}
	m.SupplierProductCode = s.ProductCode
	m.SupplierProductName = s.ProductName
	m.SupplierOrdinal = s.Ordinal
	m.SupplierLine = s.Line
}

func (m TransactionMatch) PlatformId() string {
	return utils.DereferencePtr(m.PlatformTransactionId)
}

// Key recomputes match_key from the snapshots.
func (m TransactionMatch) Key() string {
	return BuildMatchKey(m.PlatformId(), m.SupplierOrdinal)
}

func (m TransactionMatch) Details() []DiscrepancyEntry {
	var out []DiscrepancyEntry
	if len(m.DiscrepancyDetails) > 0 {
		_ = utils.UnmarshalFromJSON([]byte(m.DiscrepancyDetails), &out)
	}
	return out
}

func (m *TransactionMatch) SetDetails(entries []DiscrepancyEntry) {
	if len(entries) == 0 {
		m.DiscrepancyDetails = nil
		return
	}
	m.DiscrepancyDetails = datatypes.JSON(utils.MustJSON(entries))
}

func GetMatch(ctx context.Context, db *gorm.DB, id string) (*TransactionMatch, error) {
	var m TransactionMatch
	err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type MatchFilter struct {
	MatchStatus      *MatchStatus
	ResolutionStatus *ResolutionStatus
	DiscrepancyOnly  bool
	Offset           int
	Limit            int
}

// ListRunMatches returns rows in engine output order.
func ListRunMatches(ctx context.Context, db *gorm.DB, runId string, f MatchFilter) ([]TransactionMatch, error) {
	q := db.WithContext(ctx).Where("run_id = ?", runId)
	if f.MatchStatus != nil {
		q = q.Where("match_status = ?", *f.MatchStatus)
	}
	if f.ResolutionStatus != nil {
		q = q.Where("resolution_status = ?", *f.ResolutionStatus)
	}
	if f.DiscrepancyOnly {
		q = q.Where("has_discrepancy = ?", true)
	}
	if f.Limit > 0 {
		q = q.Limit(clampLimit(f.Limit)).Offset(f.Offset)
	}
	var out []TransactionMatch
	err := q.Order(MatchOutputOrder).Find(&out).Error
	return out, err
}

// MatchOutputOrder mirrors the engine's deterministic output order.
const MatchOutputOrder = "CASE match_method WHEN 'primary_key' THEN 1 WHEN 'secondary_key' THEN 2 WHEN 'fuzzy' THEN 3 ELSE 4 END, " +
	"CASE WHEN supplier_ordinal = 0 THEN 1 ELSE 0 END, supplier_ordinal, platform_ordinal"

func CountSupplierMatches(ctx context.Context, db *gorm.DB, supplierConfigId int) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&TransactionMatch{}).Where("supplier_config_id = ?", supplierConfigId).Count(&n).Error
	return n, err
}

// FlagRunFailed marks rows committed by earlier tiers of a run that later failed.
func FlagRunFailed(ctx context.Context, db *gorm.DB, runId string) error {
	return db.WithContext(ctx).Model(&TransactionMatch{}).
		Where("run_id = ?", runId).
		Update("run_failed", true).Error
}
