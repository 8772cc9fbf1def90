package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ClassifyMatch fills the discrepancy fields of one row. Differences exactly
// at a tolerance are within it.
func ClassifyMatch(m *models.TransactionMatch, cfg models.SupplierConfig) {
	var entries []models.DiscrepancyEntry
	variance := decimal.Zero

	switch m.MatchStatus {
	case models.MatchStatusUnmatchedSupplier:
		amount := m.SupplierAmount.Decimal
		entries = append(entries, models.DiscrepancyEntry{
			Type:       models.DiscrepancyMissingCounterpart,
			Field:      "platform_record",
			Supplier:   m.SupplierTransactionId,
			Difference: amount,
		})
		variance = amount.Abs()
	case models.MatchStatusUnmatchedPlatform:
		amount := m.PlatformAmount.Decimal
		entries = append(entries, models.DiscrepancyEntry{
			Type:       models.DiscrepancyMissingCounterpart,
			Field:      "supplier_record",
			Platform:   m.PlatformId(),
			Difference: amount.Neg(),
		})
		variance = amount.Abs()
	default:
		entries, variance = comparePair(m, cfg)
	}

	m.SetDetails(entries)
	m.HasDiscrepancy = len(entries) > 0
	m.DiscrepancyType = primaryType(entries)
	m.VarianceAmount = variance
	m.Severity = severityFor(m.HasDiscrepancy, variance, cfg.CriticalVarianceThreshold)
}

func comparePair(m *models.TransactionMatch, cfg models.SupplierConfig) ([]models.DiscrepancyEntry, decimal.Decimal) {
	var entries []models.DiscrepancyEntry

	pAmount, sAmount := m.PlatformAmount.Decimal, m.SupplierAmount.Decimal
	amountDiff := sAmount.Sub(pAmount)
	if amountDiff.Abs().GreaterThan(decimal.NewFromInt(cfg.AmountToleranceCents)) {
		entries = append(entries, models.DiscrepancyEntry{
			Type:       models.DiscrepancyAmountMismatch,
			Field:      models.FieldNameAmount,
			Platform:   pAmount.String(),
			Supplier:   sAmount.String(),
			Difference: amountDiff,
		})
	}

	commissionDiff := decimal.Zero
	if sCommission, ok := supplierCommission(m, cfg); ok && m.PlatformCommission.Valid {
		pCommission := m.PlatformCommission.Decimal
		commissionDiff = sCommission.Sub(pCommission)
		if commissionDiff.Abs().GreaterThan(decimal.NewFromInt(cfg.CommissionToleranceCents)) {
			entries = append(entries, models.DiscrepancyEntry{
				Type:       models.DiscrepancyCommissionMismatch,
				Field:      models.FieldNameCommission,
				Platform:   pCommission.String(),
				Supplier:   sCommission.String(),
				Difference: commissionDiff,
			})
		}
	}

	if m.SupplierStatus != "" && m.PlatformStatus != "" {
		if cfg.CanonicalStatus(m.SupplierStatus) != cfg.CanonicalStatus(m.PlatformStatus) {
			entries = append(entries, models.DiscrepancyEntry{
				Type:     models.DiscrepancyStatusMismatch,
				Field:    models.FieldNameStatus,
				Platform: m.PlatformStatus,
				Supplier: m.SupplierStatus,
			})
		}
	}

	if m.SupplierProductCode != "" && m.PlatformProductCode != "" &&
		!strings.EqualFold(strings.TrimSpace(m.SupplierProductCode), strings.TrimSpace(m.PlatformProductCode)) {
		entries = append(entries, models.DiscrepancyEntry{
			Type:     models.DiscrepancyProductMismatch,
			Field:    models.FieldNameProductCode,
			Platform: m.PlatformProductCode,
			Supplier: m.SupplierProductCode,
		})
	}

	if m.SupplierTimestamp != nil && m.PlatformTimestamp != nil {
		delta := m.SupplierTimestamp.Sub(*m.PlatformTimestamp)
		if utils.AbsDuration(delta) > time.Duration(cfg.TimestampToleranceSeconds)*time.Second {
			entries = append(entries, models.DiscrepancyEntry{
				Type:       models.DiscrepancyTimestampDiff,
				Field:      models.FieldNameTimestamp,
				Platform:   m.PlatformTimestamp.UTC().Format(time.RFC3339Nano),
				Supplier:   m.SupplierTimestamp.UTC().Format(time.RFC3339Nano),
				Difference: decimal.NewFromFloat(delta.Seconds()),
			})
		}
	}

	if len(entries) == 0 {
		return nil, decimal.Zero
	}
	return entries, amountDiff.Abs().Add(commissionDiff.Abs())
}

// supplierCommission is the reported commission, or the one implied by the
// supplier's commission method when the file does not carry it.
func supplierCommission(m *models.TransactionMatch, cfg models.SupplierConfig) (decimal.Decimal, bool) {
	if m.SupplierCommission.Valid {
		return m.SupplierCommission.Decimal, true
	}
	if cfg.CommissionMethod == "" || cfg.CommissionMethod == models.CommissionNone {
		return decimal.Zero, false
	}
	return cfg.ExpectedCommission(m.SupplierAmount.Decimal), true
}

func primaryType(entries []models.DiscrepancyEntry) models.DiscrepancyType {
	if len(entries) == 0 {
		return ""
	}
	sorted := append([]models.DiscrepancyEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Type.Precedence() < sorted[j].Type.Precedence() })
	return sorted[0].Type
}

// severityFor grades variance v against threshold t: v >= t critical,
// v >= t/2 high, v >= t/10 medium, otherwise low.
func severityFor(hasDiscrepancy bool, v, t decimal.Decimal) models.Severity {
	if !hasDiscrepancy {
		return models.SeverityNone
	}
	switch {
	case v.GreaterThanOrEqual(t):
		return models.SeverityCritical
	case v.GreaterThanOrEqual(t.Div(decimal.NewFromInt(2))):
		return models.SeverityHigh
	case v.GreaterThanOrEqual(t.Div(decimal.NewFromInt(10))):
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// ClassifyAll classifies rows in parallel. Rows are independent once paired,
// so each goroutine owns a disjoint index range.
func ClassifyAll(ctx context.Context, rows []models.TransactionMatch, cfg models.SupplierConfig, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	chunk := (len(rows) + workers - 1) / workers
	if chunk < 64 {
		chunk = 64
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(rows); start += chunk {
		start, end := start, start+chunk
		if end > len(rows) {
			end = len(rows)
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("classify: %w", err)
				}
				ClassifyMatch(&rows[i], cfg)
			}
			return nil
		})
	}
	return g.Wait()
}
