package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestProcess_ExactMatchHasNoDiscrepancy(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.seedPlatform(platformTxn("P1", "R1", 10000, at("10:00:00")))

	_, run := h.submitAndProcess("MPT", csvFile(csvLine("S1", "R1", 10000, at("10:00:02"))))

	require.Equal(t, models.RunStatusCompleted, run.Status)
	require.True(t, run.TotalsFinal)
	rows := h.matches(run.ID)
	require.Len(t, rows, 1)
	m := rows[0]
	require.Equal(t, models.MatchStatusExact, m.MatchStatus)
	require.Equal(t, models.MatchMethodPrimaryKey, m.MatchMethod)
	require.InDelta(t, 1.0, m.Confidence, 1e-9)
	require.False(t, m.HasDiscrepancy)
	require.Equal(t, models.ResolutionNotRequired, m.ResolutionStatus)
	require.Equal(t, 1, run.MatchedExact)
	require.True(t, run.AmountVariance.IsZero())
}

func TestProcess_AmountMismatchOnExactMatch(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.seedPlatform(platformTxn("P1", "R1", 10000, at("10:00:00")))

	_, run := h.submitAndProcess("MPT", csvFile(csvLine("S1", "R1", 10050, at("10:00:02"))))

	require.Equal(t, models.RunStatusCompleted, run.Status)
	rows := h.matches(run.ID)
	require.Len(t, rows, 1)
	m := rows[0]
	require.Equal(t, models.MatchStatusExact, m.MatchStatus)
	require.True(t, m.HasDiscrepancy)
	require.Equal(t, models.DiscrepancyAmountMismatch, m.DiscrepancyType)
	details := m.Details()
	require.Len(t, details, 1)
	require.Equal(t, "10000", details[0].Platform)
	require.Equal(t, "10050", details[0].Supplier)
	require.True(t, details[0].Difference.Equal(decimal.NewFromInt(50)))
	require.Equal(t, models.SeverityLow, m.Severity)
	require.Equal(t, models.ResolutionManualReview, m.ResolutionStatus)

	require.True(t, run.AmountVariance.Equal(decimal.NewFromInt(50)))
	require.Equal(t, 1, run.ManualReviewRequired)
	require.Contains(t, h.eventTypes(run.ID), models.AuditDiscrepancyDetected)
}

func TestProcess_UnmatchedSupplierIsMissingCounterpart(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.seedPlatform(platformTxn("P1", "R1", 10000, at("10:00:00")))

	_, run := h.submitAndProcess("MPT", csvFile(
		csvLine("S1", "R1", 10000, at("10:00:02")),
		csvLine("S2", "R9", 777, at("12:00:00")),
	))

	rows := h.matches(run.ID)
	require.Len(t, rows, 2)
	orphan := rows[1]
	require.Equal(t, models.MatchStatusUnmatchedSupplier, orphan.MatchStatus)
	require.True(t, orphan.HasDiscrepancy)
	require.Equal(t, models.DiscrepancyMissingCounterpart, orphan.DiscrepancyType)
	require.Nil(t, orphan.PlatformTransactionId)
	require.Equal(t, "P:|S:2", orphan.MatchKey)
	require.Equal(t, 1, run.UnmatchedSupplier)
}

func TestProcess_CountsAreConserved(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))

	var lines []string
	for i := 1; i <= 30; i++ {
		ts := at("08:00:00").Add(time.Duration(i) * 7 * time.Minute)
		if i%3 != 0 {
			h.seedPlatform(platformTxn(fmt.Sprintf("P%02d", i), fmt.Sprintf("R%02d", i), int64(1000*i), ts))
		}
		if i%5 != 0 {
			lines = append(lines, csvLine(fmt.Sprintf("S%02d", i), fmt.Sprintf("R%02d", i), int64(1000*i+i%2), ts.Add(time.Second)))
		}
	}
	_, run := h.submitAndProcess("MPT", csvFile(lines...))

	require.Equal(t, models.RunStatusCompleted, run.Status)
	paired := run.MatchedExact + run.MatchedFuzzy
	require.Equal(t, run.TotalSupplier, paired+run.UnmatchedSupplier)
	require.Equal(t, run.TotalPlatform, paired+run.UnmatchedPlatform)
	require.Equal(t, run.TotalTransactions, paired+run.UnmatchedSupplier+run.UnmatchedPlatform)
	require.Len(t, h.matches(run.ID), run.TotalTransactions)
	require.Equal(t, 24, run.TotalSupplier)
	require.Equal(t, 20, run.TotalPlatform)

	require.True(t, run.AmountVariance.Equal(run.SupplierAmountTotal.Sub(run.PlatformAmountTotal)))
	require.Equal(t, run.TotalTransactions, run.AutoResolved+run.ManualReviewRequired+countNotRequired(h.matches(run.ID)))
}

func countNotRequired(rows []models.TransactionMatch) int {
	n := 0
	for _, r := range rows {
		if r.ResolutionStatus == models.ResolutionNotRequired {
			n++
		}
	}
	return n
}

func TestSubmit_DuplicateFileReturnsOriginalRun(t *testing.T) {
	h := newHarness(t)
	cfg := h.saveConfig(testSupplierConfig("MPT"))

	var lines []string
	for i := 1; i <= 100; i++ {
		ts := at("06:00:00").Add(time.Duration(i) * time.Minute)
		h.seedPlatform(platformTxn(fmt.Sprintf("P%03d", i), fmt.Sprintf("R%03d", i), int64(500+i), ts))
		lines = append(lines, csvLine(fmt.Sprintf("S%03d", i), fmt.Sprintf("R%03d", i), int64(500+i), ts))
	}
	content := csvFile(lines...)

	first, run := h.submitAndProcess("MPT", content)
	require.False(t, first.AlreadyProcessed)
	require.Equal(t, models.RunStatusCompleted, run.Status)

	second, err := h.orch.Submit(h.ctx, FileSubmission{SupplierCode: "MPT", FileName: "again.csv", Content: []byte(content)})
	require.NoError(t, err)
	require.True(t, second.AlreadyProcessed)
	require.Equal(t, first.RunId, second.RunId)
	require.Equal(t, models.RunStatusCompleted, second.Status)

	n, err := models.CountSupplierMatches(h.ctx, h.db, cfg.ID)
	require.NoError(t, err)
	require.EqualValues(t, 100, n)

	var runs int64
	require.NoError(t, h.db.Model(&models.ReconciliationRun{}).Count(&runs).Error)
	require.EqualValues(t, 1, runs)
	require.Contains(t, h.eventTypes(first.RunId), models.AuditDuplicateFile)
}

func TestSubmit_UnknownSupplierIsRejectedWithoutRun(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Submit(h.ctx, FileSubmission{SupplierCode: "NOPE", Content: []byte("x")})
	require.ErrorIs(t, err, utils.ErrConfigurationMissing)

	var runs int64
	require.NoError(t, h.db.Model(&models.ReconciliationRun{}).Count(&runs).Error)
	require.Zero(t, runs)

	var rejected int64
	require.NoError(t, h.db.Model(&models.AuditEvent{}).Where("event_type = ?", models.AuditFileRejected).Count(&rejected).Error)
	require.EqualValues(t, 1, rejected)
}

func TestSubmit_InactiveSupplierIsRejected(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	_, err := h.registry.DeactivateSupplierConfig(h.ctx, "MPT", UserActor("admin-1"))
	require.NoError(t, err)

	_, err = h.orch.Submit(h.ctx, FileSubmission{SupplierCode: "MPT", Content: []byte(csvFile())})
	require.ErrorIs(t, err, utils.ErrConfigurationMissing)
}

func TestProcess_SchemaMismatchFailsRunAndKeepsReport(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))

	_, run := h.submitAndProcess("MPT", csvFile(
		csvLine("S1", "R1", 10000, at("10:00:02")),
		"S2,R2,not-a-number,2026-01-15 10:00:00",
	))

	require.Equal(t, models.RunStatusFailed, run.Status)
	require.Equal(t, models.FailureSchemaMismatch, run.Failure())
	require.False(t, run.TotalsFinal)
	require.NotEmpty(t, run.ParseReport)
	require.NotEmpty(t, run.Errors())
	require.Empty(t, h.matches(run.ID))

	types := h.eventTypes(run.ID)
	require.Contains(t, types, models.AuditValidationFinished)
	require.Contains(t, types, models.AuditRunFailed)
	require.NotContains(t, types, models.AuditRunCompleted)
}

func TestSubmit_FailedRunResubmissionIsAlreadyProcessed(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	content := csvFile("S2,R2,not-a-number,2026-01-15 10:00:00")

	first, run := h.submitAndProcess("MPT", content)
	require.Equal(t, models.RunStatusFailed, run.Status)

	again, err := h.orch.Submit(h.ctx, FileSubmission{SupplierCode: "MPT", Content: []byte(content)})
	require.NoError(t, err)
	require.True(t, again.AlreadyProcessed)
	require.Equal(t, first.RunId, again.RunId)
	require.Equal(t, models.RunStatusFailed, again.Status)
}

func TestProcess_LedgerPanicIsMatchingError(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.orch.Ledger = panickingLedger{}

	_, run := h.submitAndProcess("MPT", csvFile(csvLine("S1", "R1", 10000, at("10:00:02"))))

	require.Equal(t, models.RunStatusFailed, run.Status)
	require.Equal(t, models.FailureMatchingError, run.Failure())
	require.Equal(t, stageLedger, run.Errors()[0].Stage)
}

func TestProcess_LedgerErrorIsMatchingError(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.orch.Ledger = failingLedger{}

	_, run := h.submitAndProcess("MPT", csvFile(csvLine("S1", "R1", 10000, at("10:00:02"))))

	require.Equal(t, models.RunStatusFailed, run.Status)
	require.Equal(t, models.FailureMatchingError, run.Failure())
}

func TestProcess_ExceededDurationIsTimeout(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.orch.MaxRunDuration = time.Nanosecond

	_, run := h.submitAndProcess("MPT", csvFile(csvLine("S1", "R1", 10000, at("10:00:02"))))

	require.Equal(t, models.RunStatusFailed, run.Status)
	require.Equal(t, models.FailureTimeout, run.Failure())
	require.False(t, run.TotalsFinal)
}

func TestProcess_UsesArchivedContent(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.seedPlatform(platformTxn("P1", "R1", 10000, at("10:00:00")))
	content := csvFile(csvLine("S1", "R1", 10000, at("10:00:02")))

	res, err := h.orch.Submit(h.ctx, FileSubmission{SupplierCode: "MPT", FileName: "a.csv", Content: []byte(content)})
	require.NoError(t, err)
	require.NoError(t, h.orch.Process(h.ctx, res.RunId, nil))

	run, err := models.GetRun(h.ctx, h.db, res.RunId)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, run.Status)
	require.NotEmpty(t, run.ArchiveObject)
}

func TestProcess_CompletedRunIsNotReprocessed(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	content := csvFile(csvLine("S1", "R1", 10000, at("10:00:02")))
	res, run := h.submitAndProcess("MPT", content)
	require.Equal(t, models.RunStatusCompleted, run.Status)

	before := len(h.eventTypes(res.RunId))
	require.NoError(t, h.orch.Process(h.ctx, res.RunId, []byte(content)))
	require.Len(t, h.eventTypes(res.RunId), before)
}

func TestProcess_AuditSequenceFollowsPipeline(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.seedPlatform(platformTxn("P1", "R1", 10000, at("10:00:00")))

	_, run := h.submitAndProcess("MPT", csvFile(csvLine("S1", "R1", 10000, at("10:00:02"))))

	require.Equal(t, []models.AuditEventType{
		models.AuditFileReceived,
		models.AuditRunStarted,
		models.AuditValidationStarted,
		models.AuditValidationFinished,
		models.AuditMatchFound,
		models.AuditRunCompleted,
	}, h.eventTypes(run.ID))

	report, err := VerifyChain(h.ctx, h.db)
	require.NoError(t, err)
	require.True(t, report.Verified, "%+v", report.Problems)
}

func TestReplayRun_IsDeterministic(t *testing.T) {
	h := newHarness(t)
	cfg := testSupplierConfig("MPT")
	cfg.FuzzyMatch = models.FuzzyMatchConfig{Enabled: true, MinConfidence: 0.5, MaxTimeWindowSeconds: 3600}
	h.saveConfig(cfg)

	var lines []string
	for i := 1; i <= 15; i++ {
		ts := at("09:00:00").Add(time.Duration(i) * 11 * time.Minute)
		h.seedPlatform(platformTxn(fmt.Sprintf("P%02d", i), fmt.Sprintf("R%02d", i), int64(2000+i), ts))
		ref := fmt.Sprintf("R%02d", i)
		if i%4 == 0 {
			ref = fmt.Sprintf("Q%02d", i)
		}
		lines = append(lines, csvLine(fmt.Sprintf("S%02d", i), ref, int64(2000+i), ts.Add(time.Duration(i)*time.Second)))
	}
	_, run := h.submitAndProcess("MPT", csvFile(lines...))
	require.Equal(t, models.RunStatusCompleted, run.Status)

	report, err := h.orch.ReplayRun(h.ctx, run.ID)
	require.NoError(t, err)
	require.True(t, report.Deterministic, "%+v", report.Differences)
	require.Equal(t, run.TotalTransactions, report.Rows)
}

func TestReplayRun_RejectsFailedRun(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	_, run := h.submitAndProcess("MPT", csvFile("S2,R2,bad,2026-01-15 10:00:00"))

	_, err := h.orch.ReplayRun(h.ctx, run.ID)
	require.True(t, errors.Is(err, ErrRunNotReplayable))
}

func TestRecoverOpenRuns_FailsStaleRunsWithoutArchive(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.orch.Archive = nil
	res, err := h.orch.Submit(h.ctx, FileSubmission{SupplierCode: "MPT", Content: []byte(csvFile())})
	require.NoError(t, err)

	var requeued []RunJob
	h.orch.Now = func() time.Time { return time.Now().UTC().Add(2 * h.orch.MaxRunDuration) }
	out, err := h.orch.RecoverOpenRuns(h.ctx, func(_ context.Context, job RunJob) error {
		requeued = append(requeued, job)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, RecoveryResult{Failed: 1}, out)
	require.Empty(t, requeued)

	run, err := models.GetRun(h.ctx, h.db, res.RunId)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, run.Status)
	require.Equal(t, models.FailureTimeout, run.Failure())
}

func TestRecoverOpenRuns_RequeuesArchivedPendingRuns(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.seedPlatform(platformTxn("P1", "R1", 10000, at("10:00:00")))
	res, err := h.orch.Submit(h.ctx, FileSubmission{
		SupplierCode: "MPT",
		Content:      []byte(csvFile(csvLine("S1", "R1", 10000, at("10:00:02")))),
		ReceivedAt:   testDay.Add(18 * time.Hour),
	})
	require.NoError(t, err)
	stale := func() time.Time { return time.Now().UTC().Add(2 * h.orch.MaxRunDuration) }
	h.orch.Now = stale

	// A stopped pool leaves the run pending rather than failing it.
	out, err := h.orch.RecoverOpenRuns(h.ctx, func(context.Context, RunJob) error { return ErrPoolStopped })
	require.NoError(t, err)
	require.Equal(t, RecoveryResult{}, out)
	run, err := models.GetRun(h.ctx, h.db, res.RunId)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusPending, run.Status)

	var requeued []RunJob
	out, err = h.orch.RecoverOpenRuns(h.ctx, func(_ context.Context, job RunJob) error {
		requeued = append(requeued, job)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, RecoveryResult{Requeued: 1}, out)
	require.Equal(t, []RunJob{{RunId: res.RunId}}, requeued)

	h.orch.Now = func() time.Time { return testDay.Add(20 * time.Hour) }
	require.NoError(t, h.orch.Process(h.ctx, requeued[0].RunId, requeued[0].Content))
	run, err = models.GetRun(h.ctx, h.db, res.RunId)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, run.Status)
	require.Equal(t, 1, run.MatchedExact)
}

func TestProcess_RunFailedAlertIsQueued(t *testing.T) {
	h := newHarness(t)
	cfg := testSupplierConfig("MPT")
	cfg.AlertRouting = []models.AlertRoute{{Channel: models.AlertChannelEmail, Recipients: []string{"ops@example.com"}}}
	h.saveConfig(cfg)

	_, run := h.submitAndProcess("MPT", csvFile("S2,R2,bad,2026-01-15 10:00:00"))
	require.Equal(t, models.RunStatusFailed, run.Status)

	var rows []models.AlertOutbox
	require.NoError(t, h.db.Where("run_id = ?", run.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, models.AlertTriggerRunFailed, rows[0].Trigger)
	require.Equal(t, models.AlertPublishStatusPending, rows[0].PublishStatus)
}

func TestProcess_PlatformOutsideFileRangeIsUnmatched(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.seedPlatform(
		platformTxn("P1", "R1", 10000, at("10:00:00")),
		platformTxn("P2", "R2", 2500, at("18:00:00")),
	)

	_, run := h.submitAndProcess("MPT", csvFile(csvLine("S1", "R1", 10000, at("10:00:02"))))

	require.Equal(t, models.RunStatusCompleted, run.Status)
	require.Equal(t, "2026-01-15", run.SettlementDate)
	require.Equal(t, 1, run.MatchedExact)
	require.Equal(t, 1, run.UnmatchedPlatform)
	require.Equal(t, 2, run.TotalPlatform)
	require.True(t, run.WindowStart.Equal(testDay))
	require.True(t, run.WindowEnd.Equal(testDay.AddDate(0, 0, 1)))

	rows := h.matches(run.ID)
	require.Len(t, rows, 2)
	require.Equal(t, models.MatchStatusUnmatchedPlatform, rows[1].MatchStatus)
	require.Equal(t, "P2", rows[1].PlatformId())
	require.True(t, rows[1].HasDiscrepancy)
}

func TestProcess_EmptyFileReportsEveryPlatformRecord(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.seedPlatform(
		platformTxn("P1", "R1", 10000, at("10:00:00")),
		platformTxn("P2", "R2", 2500, at("18:00:00")),
	)

	_, run := h.submitAndProcess("MPT", csvFile())

	require.Equal(t, models.RunStatusCompleted, run.Status)
	require.Equal(t, 0, run.TotalSupplier)
	require.Equal(t, 2, run.UnmatchedPlatform)
	for _, m := range h.matches(run.ID) {
		require.Equal(t, models.MatchStatusUnmatchedPlatform, m.MatchStatus)
		require.True(t, m.HasDiscrepancy)
	}
}

func TestProcess_SettlementLagShiftsTheDay(t *testing.T) {
	h := newHarness(t)
	cfg := testSupplierConfig("MPT")
	cfg.SettlementLagDays = 1
	h.saveConfig(cfg)
	h.seedPlatform(
		platformTxn("P1", "R1", 10000, at("12:00:00").AddDate(0, 0, -1)),
		platformTxn("P2", "R2", 2500, at("12:00:00")),
	)

	_, run := h.submitAndProcess("MPT", csvFile())

	require.Equal(t, models.RunStatusCompleted, run.Status)
	require.Equal(t, "2026-01-14", run.SettlementDate)
	rows := h.matches(run.ID)
	require.Len(t, rows, 1)
	require.Equal(t, "P1", rows[0].PlatformId())
}

func TestProcess_NeighbouringDayCandidatesAreNotReported(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	h.seedPlatform(
		platformTxn("P0", "R0", 1, testDay.Add(-time.Minute)),
		platformTxn("P1", "R1", 10000, at("00:02:00")),
	)

	_, run := h.submitAndProcess("MPT", csvFile(csvLine("S1", "R1", 10000, at("00:02:00"))))

	require.Equal(t, models.RunStatusCompleted, run.Status)
	rows := h.matches(run.ID)
	require.Len(t, rows, 1)
	require.Equal(t, "P1", rows[0].PlatformId())
	require.Equal(t, 0, run.UnmatchedPlatform)

	report, err := h.orch.ReplayRun(h.ctx, run.ID)
	require.NoError(t, err)
	require.True(t, report.Deterministic, "%+v", report.Differences)
}

func TestProcess_SchemaWithoutTimestampHasNoTimestampDiff(t *testing.T) {
	h := newHarness(t)
	cfg := testSupplierConfig("MPT")
	cfg.FileSchema.Body = cfg.FileSchema.Body[:3]
	cfg.SecondaryMatchFields = []string{models.FieldNameAmount}
	h.saveConfig(cfg)
	h.seedPlatform(platformTxn("P1", "R1", 10000, at("10:00:00")))

	_, run := h.submitAndProcess("MPT", "txn_id,ref,amount\nS1,R1,10000\n")

	require.Equal(t, models.RunStatusCompleted, run.Status)
	require.Equal(t, "2026-01-15", run.SettlementDate)
	rows := h.matches(run.ID)
	require.Len(t, rows, 1)
	require.Equal(t, models.MatchMethodPrimaryKey, rows[0].MatchMethod)
	require.Nil(t, rows[0].SupplierTimestamp)
	require.False(t, rows[0].HasDiscrepancy, "%+v", rows[0].Details())
}
