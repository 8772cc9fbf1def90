package reports

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

const (
	sheetSummary = "Summary"
	sheetMatches = "Matches"
	sheetAudit   = "Audit"
)

type ExcelExporter interface {
	GetCellValues() []interface{}
}

// RunExport is everything an auditor needs to reproduce a run offline.
type RunExport struct {
	Run     models.ReconciliationRun
	Matches []models.TransactionMatch
	Events  []models.AuditEvent
}

func LoadRunExport(ctx context.Context, db *gorm.DB, runId string) (*RunExport, error) {
	run, err := models.GetRun(ctx, db, runId)
	if err != nil {
		return nil, err
	}
	matches, err := models.ListRunMatches(ctx, db, runId, models.MatchFilter{})
	if err != nil {
		return nil, err
	}
	events, err := models.ListRunAuditEvents(ctx, db, runId)
	if err != nil {
		return nil, err
	}
	return &RunExport{Run: *run, Matches: matches, Events: events}, nil
}

// WriteRunWorkbook streams the run as an xlsx workbook.
func WriteRunWorkbook(ctx context.Context, db *gorm.DB, runId string, w io.Writer) error {
	started := time.Now()
	export, err := LoadRunExport(ctx, db, runId)
	if err != nil {
		return err
	}
	f, err := export.Workbook()
	if err != nil {
		return err
	}
	defer f.Close()
	logSlowReport(ctx, "run_export", started, map[string]any{"run_id": runId, "rows": len(export.Matches)})
	return f.Write(w)
}

func (e *RunExport) Workbook() (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, err
	}
	if err := writeSummary(f, e.Run); err != nil {
		return nil, err
	}

	matchRows := make([]ExcelExporter, len(e.Matches))
	for i, m := range e.Matches {
		matchRows[i] = matchExportRow(m)
	}
	if err := writeSheet(f, sheetMatches, matchRows,
		"Match Key", "Match Status", "Method", "Confidence",
		"Platform Id", "Platform Reference", "Platform Amount", "Platform Commission", "Platform Status", "Platform Time",
		"Supplier Txn Id", "Supplier Reference", "Supplier Amount", "Supplier Commission", "Supplier Status", "Supplier Time", "Supplier Line",
		"Discrepancy", "Severity", "Variance", "Resolution", "Resolution Method", "Resolved By", "Run Failed",
	); err != nil {
		return nil, err
	}

	eventRows := make([]ExcelExporter, len(e.Events))
	for i, ev := range e.Events {
		eventRows[i] = auditExportRow(ev)
	}
	if err := writeSheet(f, sheetAudit, eventRows,
		"Sequence", "Occurred At", "Event", "Actor", "Entity", "Payload", "Previous Hash", "Hash",
	); err != nil {
		return nil, err
	}
	return f, nil
}

func writeSummary(f *excelize.File, run models.ReconciliationRun) error {
	summary := [][]interface{}{
		{"Run Id", run.ID},
		{"Supplier", run.SupplierCode},
		{"Config Version", run.ConfigVersion},
		{"File Name", run.FileName},
		{"File Hash", run.FileHash},
		{"Received At", formatTime(&run.FileReceivedAt)},
		{"Status", string(run.Status)},
		{"Failure Reason", run.Failure()},
		{"Completed At", formatTime(run.CompletedAt)},
		{"Totals Final", run.TotalsFinal},
		{"Total Transactions", run.TotalTransactions},
		{"Platform Records", run.TotalPlatform},
		{"Supplier Records", run.TotalSupplier},
		{"Matched Exact", run.MatchedExact},
		{"Matched Fuzzy", run.MatchedFuzzy},
		{"Unmatched Platform", run.UnmatchedPlatform},
		{"Unmatched Supplier", run.UnmatchedSupplier},
		{"Auto Resolved", run.AutoResolved},
		{"Manual Review", run.ManualReviewRequired},
		{"Platform Amount", run.PlatformAmountTotal.String()},
		{"Supplier Amount", run.SupplierAmountTotal.String()},
		{"Amount Variance", run.AmountVariance.String()},
		{"Platform Commission", run.PlatformCommissionTotal.String()},
		{"Supplier Commission", run.SupplierCommissionTotal.String()},
		{"Commission Variance", run.CommissionVariance.String()},
	}
	for i, pair := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		row := pair
		if err := f.SetSheetRow(sheetSummary, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeSheet(f *excelize.File, sheetName string, data []ExcelExporter, headings ...string) error {
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}
	header := make([]interface{}, len(headings))
	for i, h := range headings {
		header[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return err
	}
	for i, d := range data {
		values := d.GetCellValues()
		if err := f.SetSheetRow(sheetName, fmt.Sprintf("A%d", i+2), &values); err != nil {
			return err
		}
	}
	return nil
}

type matchExportRow models.TransactionMatch

func (m matchExportRow) GetCellValues() []interface{} {
	return []interface{}{
		m.MatchKey, string(m.MatchStatus), string(m.MatchMethod), m.Confidence,
		utils.DereferencePtr(m.PlatformTransactionId), m.PlatformReference, nullDecimal(m.PlatformAmount), nullDecimal(m.PlatformCommission), m.PlatformStatus, formatTime(m.PlatformTimestamp),
		m.SupplierTransactionId, m.SupplierReference, nullDecimal(m.SupplierAmount), nullDecimal(m.SupplierCommission), m.SupplierStatus, formatTime(m.SupplierTimestamp), m.SupplierLine,
		string(m.DiscrepancyType), string(m.Severity), m.VarianceAmount.String(), string(m.ResolutionStatus), m.ResolutionMethod, m.ResolvedBy, m.RunFailed,
	}
}

type auditExportRow models.AuditEvent

func (e auditExportRow) GetCellValues() []interface{} {
	return []interface{}{
		e.Sequence, e.OccurredAt.UTC().Format(models.AuditTimeLayout), string(e.EventType),
		e.ActorType + ":" + e.ActorId, e.EntityType + ":" + e.EntityId,
		e.Payload, e.PreviousEventHash, e.EventHash,
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func nullDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}
