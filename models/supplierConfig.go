package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInt       FieldType = "int"
	FieldDecimal   FieldType = "decimal"
	FieldAmount    FieldType = "amount"
	FieldTimestamp FieldType = "timestamp"
	FieldDate      FieldType = "date"
)

// Canonical body fields. Anything else a schema declares lands in SupplierRecord.Extra.
const (
	FieldNameTransactionId = "transaction_id"
	FieldNameReference     = "reference"
	FieldNameAmount        = "amount"
	FieldNameCommission    = "commission"
	FieldNameStatus        = "status"
	FieldNameTimestamp     = "timestamp"
	FieldNameProductCode   = "product_code"
	FieldNameProductName   = "product_name"

	FieldNameTotalCount      = "total_count"
	FieldNameTotalAmount     = "total_amount"
	FieldNameTotalCommission = "total_commission"
	FieldNameSettlementDate  = "settlement_date"
)

// FieldDef describes one field of a header, body or footer section.
// Source is the column header, JSON key, XML element ("@name" for an
// attribute) or is ignored for fixed-width files, which use Start/Length.
type FieldDef struct {
	Name     string    `json:"name" yaml:"name" validate:"required"`
	Source   string    `json:"source,omitempty" yaml:"source,omitempty"`
	Type     FieldType `json:"type" yaml:"type" validate:"required,oneof=string int decimal amount timestamp date"`
	Required bool      `json:"required" yaml:"required"`
	Start    int       `json:"start,omitempty" yaml:"start,omitempty" validate:"gte=0"`
	Length   int       `json:"length,omitempty" yaml:"length,omitempty" validate:"gte=0"`
	Layout   string    `json:"layout,omitempty" yaml:"layout,omitempty"`
}

func (f FieldDef) SourceName() string {
	if f.Source != "" {
		return f.Source
	}
	return f.Name
}

type FileSchema struct {
	Delimiter        string     `json:"delimiter,omitempty" yaml:"delimiter,omitempty" validate:"max=1"`
	HasHeaderRow     bool       `json:"has_header_row" yaml:"has_header_row"`
	TimestampLayout  string     `json:"timestamp_layout,omitempty" yaml:"timestamp_layout,omitempty"`
	Timezone         string     `json:"timezone,omitempty" yaml:"timezone,omitempty" validate:"omitempty,timezone"`
	AmountUnit       string     `json:"amount_unit,omitempty" yaml:"amount_unit,omitempty" validate:"omitempty,oneof=minor major"`
	CurrencyExponent int        `json:"currency_exponent,omitempty" yaml:"currency_exponent,omitempty" validate:"gte=0,lte=4"`
	RecordPath       string     `json:"record_path,omitempty" yaml:"record_path,omitempty"`
	HeaderPath       string     `json:"header_path,omitempty" yaml:"header_path,omitempty"`
	FooterPath       string     `json:"footer_path,omitempty" yaml:"footer_path,omitempty"`
	HeaderMarker     string     `json:"header_marker,omitempty" yaml:"header_marker,omitempty"`
	BodyMarker       string     `json:"body_marker,omitempty" yaml:"body_marker,omitempty"`
	FooterMarker     string     `json:"footer_marker,omitempty" yaml:"footer_marker,omitempty"`
	Sheet            string     `json:"sheet,omitempty" yaml:"sheet,omitempty"`
	Header           []FieldDef `json:"header,omitempty" yaml:"header,omitempty" validate:"dive"`
	Body             []FieldDef `json:"body" yaml:"body" validate:"required,min=1,dive"`
	Footer           []FieldDef `json:"footer,omitempty" yaml:"footer,omitempty" validate:"dive"`
}

func (s FileSchema) declares(name string) bool {
	for _, f := range s.Body {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Location resolves Timezone, defaulting to UTC.
func (s FileSchema) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MinorUnitFactor converts declared amounts into minor units.
func (s FileSchema) MinorUnitFactor() decimal.Decimal {
	if s.AmountUnit != "major" {
		return decimal.NewFromInt(1)
	}
	exp := s.CurrencyExponent
	if exp == 0 {
		exp = 2
	}
	return decimal.New(1, int32(exp))
}

type FuzzyWeights struct {
	Amount      float64 `json:"amount" yaml:"amount" validate:"gte=0"`
	Timestamp   float64 `json:"timestamp" yaml:"timestamp" validate:"gte=0"`
	ProductName float64 `json:"product_name" yaml:"product_name" validate:"gte=0"`
	Reference   float64 `json:"reference" yaml:"reference" validate:"gte=0"`
}

var DefaultFuzzyWeights = FuzzyWeights{Amount: 0.35, Timestamp: 0.25, ProductName: 0.20, Reference: 0.20}

type FuzzyMatchConfig struct {
	Enabled              bool          `json:"enabled" yaml:"enabled"`
	MinConfidence        float64       `json:"min_confidence" yaml:"min_confidence" validate:"gte=0,lte=1"`
	TierGap              float64       `json:"tier_gap,omitempty" yaml:"tier_gap,omitempty" validate:"gte=0,lte=1"`
	MaxTimeWindowSeconds int           `json:"max_time_window_seconds,omitempty" yaml:"max_time_window_seconds,omitempty" validate:"gte=0"`
	Weights              *FuzzyWeights `json:"weights,omitempty" yaml:"weights,omitempty"`
}

type AlertRoute struct {
	Channel    AlertChannel `json:"channel" yaml:"channel" validate:"required,oneof=email sms slack webhook"`
	Recipients []string     `json:"recipients" yaml:"recipients" validate:"required,min=1,dive,required"`
}

type SupplierConfig struct {
	ID                        int               `gorm:"primary_key" json:"id"`
	Name                      string            `gorm:"size:255;not null" json:"name" yaml:"name" validate:"required,max=255"`
	Code                      string            `gorm:"size:64;not null;uniqueIndex" json:"code" yaml:"code" validate:"required,max=64"`
	IngestionMethod           IngestionMethod   `gorm:"size:16;not null" json:"ingestion_method" yaml:"ingestion_method" validate:"required,oneof=sftp s3 gcs api email"`
	FileSchema                FileSchema        `gorm:"type:text;serializer:json" json:"file_schema" yaml:"file_schema"`
	AdapterClass              AdapterClass      `gorm:"size:16;not null" json:"adapter_class" yaml:"adapter_class" validate:"required,oneof=csv json fixed_width xml xlsx"`
	PrimaryMatchFields        []string          `gorm:"type:text;serializer:json" json:"primary_match_fields" yaml:"primary_match_fields" validate:"required,min=1,dive,required"`
	SecondaryMatchFields      []string          `gorm:"type:text;serializer:json" json:"secondary_match_fields" yaml:"secondary_match_fields" validate:"dive,required"`
	TimestampToleranceSeconds int               `gorm:"not null;default:0" json:"timestamp_tolerance_seconds" yaml:"timestamp_tolerance_seconds" validate:"gte=0"`
	AmountToleranceCents      int64             `gorm:"not null;default:0" json:"amount_tolerance_cents" yaml:"amount_tolerance_cents" validate:"gte=0"`
	CommissionToleranceCents  int64             `gorm:"not null;default:0" json:"commission_tolerance_cents" yaml:"commission_tolerance_cents" validate:"gte=0"`
	CommissionMethod          CommissionMethod  `gorm:"size:16;not null;default:'none'" json:"commission_method" yaml:"commission_method" validate:"omitempty,oneof=none percentage flat"`
	CommissionRate            decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"commission_rate" yaml:"commission_rate"`
	FuzzyMatch                FuzzyMatchConfig  `gorm:"type:text;serializer:json" json:"fuzzy_match" yaml:"fuzzy_match"`
	CriticalVarianceThreshold decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"critical_variance_threshold" yaml:"critical_variance_threshold"`
	TimingGraceSeconds        int               `gorm:"not null;default:0" json:"timing_grace_seconds" yaml:"timing_grace_seconds" validate:"gte=0"`
	RoundingStepCents         int64             `gorm:"not null;default:1" json:"rounding_step_cents" yaml:"rounding_step_cents" validate:"gte=0"`
	ManualReviewAlertRatio    float64           `gorm:"not null;default:0" json:"manual_review_alert_ratio" yaml:"manual_review_alert_ratio" validate:"gte=0,lte=1"`
	SlaHours                  int               `gorm:"not null;default:0" json:"sla_hours" yaml:"sla_hours" validate:"gte=0"`
	ExpectedDeliveryTime      string            `gorm:"size:5" json:"expected_delivery_time" yaml:"expected_delivery_time" validate:"omitempty,datetime=15:04"`
	Timezone                  string            `gorm:"size:64" json:"timezone" yaml:"timezone" validate:"omitempty,timezone"`
	SettlementLagDays         int               `gorm:"not null;default:0" json:"settlement_lag_days" yaml:"settlement_lag_days" validate:"gte=0,lte=7"`
	AlertRouting              []AlertRoute      `gorm:"type:text;serializer:json" json:"alert_routing" yaml:"alert_routing" validate:"dive"`
	StatusMap                 map[string]string `gorm:"type:text;serializer:json" json:"status_map" yaml:"status_map"`
	IsActive                  *bool             `gorm:"not null;default:true" json:"is_active" yaml:"is_active"`
	Version                   int               `gorm:"not null;default:1" json:"version"`
	CreatedAt                 time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *SupplierConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.CriticalVarianceThreshold.IsNegative() || c.CommissionRate.IsNegative() {
		return errors.New("critical_variance_threshold and commission_rate must not be negative")
	}
	if c.AdapterClass == AdapterFixedWidth {
		for _, f := range c.FileSchema.Body {
			if f.Length <= 0 {
				return fmt.Errorf("fixed width field %q needs a length", f.Name)
			}
		}
	}
	if !c.FileSchema.declares(FieldNameAmount) {
		return errors.New("file_schema.body must declare an amount field")
	}
	for _, f := range c.SecondaryMatchFields {
		if f == FieldNameTimestamp && !c.FileSchema.declares(FieldNameTimestamp) {
			return errors.New("secondary_match_fields uses timestamp but file_schema.body declares none")
		}
	}
	if c.FuzzyMatch.Enabled && c.FuzzyMatch.Weights != nil {
		w := c.FuzzyMatch.Weights
		if w.Amount+w.Timestamp+w.ProductName+w.Reference <= 0 {
			return errors.New("fuzzy weights must not all be zero")
		}
	}
	return nil
}

func (c SupplierConfig) Active() bool {
	return utils.DereferencePtr(c.IsActive, true)
}

// ExpectedCommission derives a commission for records that do not carry one.
func (c SupplierConfig) ExpectedCommission(amount decimal.Decimal) decimal.Decimal {
	switch c.CommissionMethod {
	case CommissionPercentage:
		return amount.Mul(c.CommissionRate).Div(decimal.NewFromInt(100))
	case CommissionFlat:
		return c.CommissionRate
	default:
		return decimal.Zero
	}
}

// CanonicalStatus maps a supplier status through status_map, case-insensitively.
func (c SupplierConfig) CanonicalStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	for k, v := range c.StatusMap {
		if strings.ToLower(strings.TrimSpace(k)) == s {
			return strings.ToLower(strings.TrimSpace(v))
		}
	}
	return s
}

func (c SupplierConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SettlementDay is the start of the settlement day a file arriving at
// receivedAt covers: the arrival day in the supplier's timezone moved back by
// SettlementLagDays.
func (c SupplierConfig) SettlementDay(receivedAt time.Time) time.Time {
	loc := c.Location()
	d := receivedAt.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day()-c.SettlementLagDays, 0, 0, 0, 0, loc)
}

// DeliveryDeadline returns when the file for day is expected and when the
// SLA lapses. ok is false for suppliers without an expected delivery time.
func (c SupplierConfig) DeliveryDeadline(day time.Time) (expected time.Time, deadline time.Time, ok bool) {
	if c.ExpectedDeliveryTime == "" {
		return time.Time{}, time.Time{}, false
	}
	hm, err := time.Parse("15:04", c.ExpectedDeliveryTime)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	loc := c.Location()
	d := day.In(loc)
	expected = time.Date(d.Year(), d.Month(), d.Day(), hm.Hour(), hm.Minute(), 0, 0, loc).UTC()
	deadline = expected.Add(time.Duration(c.SlaHours) * time.Hour)
	return expected, deadline, true
}

// Snapshot is stored on each run so later edits never change past runs.
func (c SupplierConfig) Snapshot() (datatypes.JSON, error) {
	b, err := utils.CanonicalJSON(c)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// SupplierConfigFromSnapshot restores the config a run was processed with.
func SupplierConfigFromSnapshot(snapshot datatypes.JSON) (*SupplierConfig, error) {
	var c SupplierConfig
	if err := utils.UnmarshalFromJSON([]byte(snapshot), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c SupplierConfig) CacheKey() string {
	return SupplierConfigCacheKey(c.Code)
}

func SupplierConfigCacheKey(code string) string {
	return "supplierConfig:" + code
}

func GetSupplierConfigByCode(ctx context.Context, db *gorm.DB, code string) (*SupplierConfig, error) {
	var c SupplierConfig
	err := db.WithContext(ctx).Where("code = ?", code).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func ListSupplierConfigs(ctx context.Context, db *gorm.DB, activeOnly bool) ([]SupplierConfig, error) {
	var out []SupplierConfig
	q := db.WithContext(ctx).Order("code ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func GetSupplierConfigsByIds(ctx context.Context, db *gorm.DB, ids []int) ([]SupplierConfig, error) {
	var out []SupplierConfig
	if len(ids) == 0 {
		return out, nil
	}
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
