package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SupplierSummaryResponse rolls up one supplier's runs over a period.
// Variances only count runs whose totals are final.
type SupplierSummaryResponse struct {
	SupplierCode         string          `json:"supplierCode"`
	Runs                 int             `json:"runs"`
	CompletedRuns        int             `json:"completedRuns"`
	FailedRuns           int             `json:"failedRuns"`
	TotalTransactions    int             `json:"totalTransactions"`
	MatchedExact         int             `json:"matchedExact"`
	MatchedFuzzy         int             `json:"matchedFuzzy"`
	UnmatchedPlatform    int             `json:"unmatchedPlatform"`
	UnmatchedSupplier    int             `json:"unmatchedSupplier"`
	AutoResolved         int             `json:"autoResolved"`
	ManualReviewRequired int             `json:"manualReviewRequired"`
	AmountVariance       decimal.Decimal `json:"amountVariance"`
	CommissionVariance   decimal.Decimal `json:"commissionVariance"`
}

func GetSupplierSummaryReport(ctx context.Context, db *gorm.DB, fromDate, toDate time.Time, supplierCode string) ([]*SupplierSummaryResponse, error) {
	sqlT := `
SELECT
    r.supplier_code,
    COUNT(*) AS runs,
    SUM(CASE WHEN r.status = 'completed' THEN 1 ELSE 0 END) AS completed_runs,
    SUM(CASE WHEN r.status = 'failed' THEN 1 ELSE 0 END) AS failed_runs,
    SUM(CASE WHEN r.totals_final = 1 THEN r.total_transactions ELSE 0 END) AS total_transactions,
    SUM(CASE WHEN r.totals_final = 1 THEN r.matched_exact ELSE 0 END) AS matched_exact,
    SUM(CASE WHEN r.totals_final = 1 THEN r.matched_fuzzy ELSE 0 END) AS matched_fuzzy,
    SUM(CASE WHEN r.totals_final = 1 THEN r.unmatched_platform ELSE 0 END) AS unmatched_platform,
    SUM(CASE WHEN r.totals_final = 1 THEN r.unmatched_supplier ELSE 0 END) AS unmatched_supplier,
    SUM(CASE WHEN r.totals_final = 1 THEN r.auto_resolved ELSE 0 END) AS auto_resolved,
    SUM(CASE WHEN r.totals_final = 1 THEN r.manual_review_required ELSE 0 END) AS manual_review_required,
    SUM(CASE WHEN r.totals_final = 1 THEN r.amount_variance ELSE 0 END) AS amount_variance,
    SUM(CASE WHEN r.totals_final = 1 THEN r.commission_variance ELSE 0 END) AS commission_variance
FROM
    reconciliation_runs r
WHERE
    r.file_received_at >= @fromDate
    AND r.file_received_at < @toDate
    {{- if .SupplierCode }} AND r.supplier_code = @supplierCode {{- end }}
GROUP BY
    r.supplier_code
ORDER BY
    r.supplier_code
`
	started := time.Now()
	cacheKey := fmt.Sprintf("report:supplierSummary:%s:%d:%d", supplierCode, fromDate.Unix(), toDate.Unix())
	var cached []*SupplierSummaryResponse
	if hit, err := cacheGet(ctx, cacheKey, &cached); err == nil && hit {
		return cached, nil
	}

	sql, err := utils.ExecTemplate(sqlT, map[string]interface{}{
		"SupplierCode": supplierCode != "",
	})
	if err != nil {
		return nil, err
	}
	var results []*SupplierSummaryResponse
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"fromDate":     fromDate.UTC(),
		"toDate":       toDate.UTC(),
		"supplierCode": supplierCode,
	}).Scan(&results).Error; err != nil {
		return nil, err
	}

	if err := cacheSet(ctx, cacheKey, results); err != nil {
		if logger := config.GetLogger(); logger != nil {
			config.LogError(logger, "reports", "GetSupplierSummaryReport", "cache set", cacheKey, err)
		}
	}
	logSlowReport(ctx, "supplier_summary", started, map[string]any{"supplier_code": supplierCode})
	return results, nil
}
