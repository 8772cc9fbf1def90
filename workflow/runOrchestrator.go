package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/vas_recon/adapters"
	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/matching"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("vas_recon/workflow")

const (
	stageStart    = "start"
	stageParse    = "parse"
	stageLedger   = "platform_fetch"
	stageMatch    = "match"
	stageClassify = "classify"
	stagePersist  = "persist"
	stageFinalize = "finalize"
	stageRecovery = "recovery"
)

const matchInsertBatch = 200

var (
	errRunNotClaimed = errors.New("run was claimed by another worker")
	// ErrRunNotReplayable is returned for runs that never completed.
	ErrRunNotReplayable = errors.New("only completed runs can be replayed")
)

type FileSubmission struct {
	SupplierCode  string
	FileName      string
	Content       []byte
	ReceivedAt    time.Time
	CorrelationId string
}

type SubmitResult struct {
	RunId            string           `json:"run_id"`
	Status           models.RunStatus `json:"status"`
	AlreadyProcessed bool             `json:"already_processed"`
}

// Orchestrator drives a run from admission to its terminal state.
type Orchestrator struct {
	DB              *gorm.DB
	Logger          *logrus.Logger
	Registry        *SupplierConfigRegistry
	Ledger          PlatformLedger
	Archive         FileArchive
	MaxRunDuration  time.Duration
	MaxRejectRatio  float64
	ClassifyWorkers int
	Now             func() time.Time
}

func NewOrchestrator(db *gorm.DB, logger *logrus.Logger, registry *SupplierConfigRegistry, ledger PlatformLedger, archive FileArchive) *Orchestrator {
	return &Orchestrator{
		DB:              db,
		Logger:          logger,
		Registry:        registry,
		Ledger:          ledger,
		Archive:         archive,
		MaxRunDuration:  config.MaxRunDuration(),
		MaxRejectRatio:  config.MaxRejectRatio(),
		ClassifyWorkers: config.Workers(),
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) maxRunDuration() time.Duration {
	if o.MaxRunDuration > 0 {
		return o.MaxRunDuration
	}
	return config.MaxRunDuration()
}

func (o *Orchestrator) logError(funcName, context string, data any, err error) {
	if o.Logger != nil {
		config.LogError(o.Logger, "RunOrchestrator", funcName, context, data, err)
	}
}

// Submit admits a file as a pending run. It does not process it.
func (o *Orchestrator) Submit(ctx context.Context, sub FileSubmission) (SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Submit", trace.WithAttributes(
		attribute.String("supplier_code", sub.SupplierCode),
		attribute.String("file_name", sub.FileName),
	))
	defer span.End()

	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = o.now()
	}
	hash := utils.FileHash(sub.Content)

	cfg, err := o.Registry.GetConfig(ctx, sub.SupplierCode)
	if err != nil {
		if errors.Is(err, utils.ErrConfigurationMissing) {
			o.auditRejected(ctx, sub, hash, err)
		}
		span.SetStatus(codes.Error, err.Error())
		return SubmitResult{}, err
	}
	snapshot, err := cfg.Snapshot()
	if err != nil {
		return SubmitResult{}, err
	}

	run := &models.ReconciliationRun{
		ID:               uuid.NewString(),
		SupplierConfigId: cfg.ID,
		SupplierCode:     cfg.Code,
		ConfigVersion:    cfg.Version,
		ConfigSnapshot:   snapshot,
		FileName:         sub.FileName,
		FileHash:         hash,
		FileSize:         int64(len(sub.Content)),
		FileReceivedAt:   sub.ReceivedAt.UTC(),
		Status:           models.RunStatusPending,
		CorrelationId:    sub.CorrelationId,
	}
	if o.Archive != nil {
		name := utils.ArchiveObjectName(cfg.Code, hash, archiveFileName(sub.FileName))
		if err := o.Archive.Archive(ctx, name, sub.Content); err != nil {
			o.logError("Submit", "archive", name, err)
		} else {
			run.ArchiveObject = name
		}
	}

	res, err := AdmitRun(ctx, o.DB, o.Logger, run, func(tx *gorm.DB) error {
		return MarkDelivered(tx, *cfg, sub.ReceivedAt, run.ID)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("run_id", res.Run.ID), attribute.Bool("already_processed", res.AlreadyProcessed()))
	return SubmitResult{
		RunId:            res.Run.ID,
		Status:           res.Run.Status,
		AlreadyProcessed: res.AlreadyProcessed(),
	}, nil
}

func archiveFileName(name string) string {
	if name == "" {
		return "settlement"
	}
	return name
}

func (o *Orchestrator) auditRejected(ctx context.Context, sub FileSubmission, hash string, cause error) {
	_, err := AppendAuditTx(ctx, o.DB, AuditEntry{
		EventType:  models.AuditFileRejected,
		EntityType: EntityFile,
		EntityId:   hash,
		Payload: map[string]any{
			"supplier_code": sub.SupplierCode,
			"file_name":     sub.FileName,
			"file_hash":     hash,
			"reason":        utils.FailureReason(cause),
			"message":       cause.Error(),
		},
	})
	if err != nil {
		o.logError("Submit", "audit file_rejected", sub.SupplierCode, err)
	}
}

// runState is what the pipeline knows about a run so far; fail reads it.
type runState struct {
	run      *models.ReconciliationRun
	cfg      *models.SupplierConfig
	stage    string
	started  time.Time
	report   *adapters.ParseReport
	supplier []models.SupplierRecord
	platform []models.PlatformRecord
	window   settlementWindow
	rows     []models.TransactionMatch
	log      *logrus.Entry
}

// Process runs the pipeline for a pending run. content may be nil, in which
// case the archived bytes are used. A run that is no longer pending is left
// alone.
func (o *Orchestrator) Process(ctx context.Context, runId string, content []byte) error {
	run, err := models.GetRun(ctx, o.DB, runId)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusPending {
		return nil
	}

	ctx, span := tracer.Start(ctx, "Orchestrator.Process", trace.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("supplier_code", run.SupplierCode),
	))
	defer span.End()

	st := &runState{
		run:     run,
		stage:   stageStart,
		started: o.now(),
		log:     config.RunLogger(run.ID, run.SupplierCode),
	}
	cfg, err := models.SupplierConfigFromSnapshot(run.ConfigSnapshot)
	if err != nil {
		return o.fail(st, fmt.Errorf("config snapshot: %v: %w", err, utils.ErrMatchingError))
	}
	st.cfg = cfg

	runCtx, cancel := context.WithTimeout(ctx, o.maxRunDuration())
	defer cancel()

	err = o.pipeline(runCtx, st, content)
	if errors.Is(err, errRunNotClaimed) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o.fail(st, failureCause(runCtx, err, o.maxRunDuration()))
	}
	span.SetAttributes(attribute.Int("total_transactions", len(st.rows)))
	return nil
}

func failureCause(ctx context.Context, err error, limit time.Duration) error {
	if errors.Is(err, utils.ErrSchemaMismatch) || errors.Is(err, utils.ErrRunTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("exceeded %s: %w", limit, utils.ErrRunTimeout)
	}
	if errors.Is(err, utils.ErrMatchingError) {
		return err
	}
	return fmt.Errorf("%v: %w", err, utils.ErrMatchingError)
}

func (o *Orchestrator) pipeline(ctx context.Context, st *runState, content []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s: %v: %w", st.stage, r, utils.ErrMatchingError)
		}
	}()

	claimed, err := o.claim(ctx, st)
	if err != nil {
		return err
	}
	if !claimed {
		return errRunNotClaimed
	}

	if content == nil {
		if content, err = o.loadArchived(ctx, st.run); err != nil {
			return err
		}
	}
	if hash := utils.FileHash(content); hash != st.run.FileHash {
		return fmt.Errorf("content hash %s does not match run file hash %s: %w", hash, st.run.FileHash, utils.ErrMatchingError)
	}

	st.stage = stageParse
	if err := o.parse(ctx, st, content); err != nil {
		return err
	}

	rules := matching.RulesFromConfig(*st.cfg)
	st.stage = stageLedger
	if err := o.fetchPlatform(ctx, st, rules); err != nil {
		return err
	}

	st.stage = stageMatch
	st.rows = dropCandidateOnly(matching.Match(st.supplier, st.platform, rules), st.window)
	for i := range st.rows {
		st.rows[i].ID = uuid.NewString()
		st.rows[i].RunId = st.run.ID
		st.rows[i].SupplierConfigId = st.run.SupplierConfigId
		st.rows[i].SupplierCode = st.run.SupplierCode
	}

	st.stage = stageClassify
	if err := ClassifyAll(ctx, st.rows, *st.cfg, o.ClassifyWorkers); err != nil {
		return err
	}
	now := o.now()
	for i := range st.rows {
		if err := ResolveMatch(&st.rows[i], *st.cfg, now); err != nil {
			return err
		}
	}

	st.stage = stagePersist
	if err := o.persist(ctx, st); err != nil {
		return err
	}

	st.stage = stageFinalize
	return o.finalize(ctx, st)
}

// claim moves the run pending -> processing. Losing the conditional update
// means another worker owns it.
func (o *Orchestrator) claim(ctx context.Context, st *runState) (bool, error) {
	if _, err := st.run.Status.Transition(models.RunStatusProcessing); err != nil {
		return false, err
	}
	claimed := false
	err := o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ReconciliationRun{}).
			Where("id = ? AND status = ?", st.run.ID, models.RunStatusPending).
			Updates(map[string]interface{}{
				"status":     models.RunStatusProcessing,
				"started_at": st.started,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		claimed = true
		_, err := AppendAudit(tx, AuditEntry{
			EventType:  models.AuditRunStarted,
			EntityType: EntityRun,
			EntityId:   st.run.ID,
			RunId:      st.run.ID,
			Payload: map[string]any{
				"config_version": st.run.ConfigVersion,
				"adapter_class":  st.cfg.AdapterClass,
			},
		})
		return err
	})
	if err != nil {
		return false, err
	}
	if claimed {
		started := st.started
		st.run.Status = models.RunStatusProcessing
		st.run.StartedAt = &started
	}
	return claimed, nil
}

func (o *Orchestrator) loadArchived(ctx context.Context, run *models.ReconciliationRun) ([]byte, error) {
	if o.Archive == nil || run.ArchiveObject == "" {
		return nil, fmt.Errorf("no content and no archived copy: %w", utils.ErrMatchingError)
	}
	content, err := o.Archive.Fetch(ctx, run.ArchiveObject)
	if err != nil {
		return nil, fmt.Errorf("fetch archived file %s: %v: %w", run.ArchiveObject, err, utils.ErrMatchingError)
	}
	return content, nil
}

func (o *Orchestrator) parse(ctx context.Context, st *runState, content []byte) error {
	if _, err := AppendAuditTx(ctx, o.DB, AuditEntry{
		EventType:  models.AuditValidationStarted,
		EntityType: EntityRun,
		EntityId:   st.run.ID,
		RunId:      st.run.ID,
		Payload: map[string]any{
			"adapter_class": st.cfg.AdapterClass,
			"file_size":     len(content),
		},
	}); err != nil {
		return err
	}

	records, report, parseErr := adapters.Parse(content, st.cfg.AdapterClass, st.cfg.FileSchema, o.MaxRejectRatio)
	st.report = &report
	st.supplier = records

	err := o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ReconciliationRun{}).Where("id = ?", st.run.ID).
			Update("parse_report", datatypes.JSON(utils.MustJSON(report))).Error; err != nil {
			return err
		}
		finished := map[string]any{
			"accepted":       report.Accepted,
			"rejected":       len(report.Rejected),
			"body_records":   report.BodyRecords,
			"reject_ratio":   report.RejectRatio(),
			"detected_type":  report.DetectedType,
			"section_errors": len(report.SectionErrors),
		}
		if parseErr != nil {
			finished["error"] = parseErr.Error()
		}
		if _, err := AppendAudit(tx, AuditEntry{
			EventType:  models.AuditValidationFinished,
			EntityType: EntityRun,
			EntityId:   st.run.ID,
			RunId:      st.run.ID,
			Payload:    finished,
		}); err != nil {
			return err
		}
		for _, fd := range report.FileDiscrepancies {
			if _, err := AppendAudit(tx, AuditEntry{
				EventType:  models.AuditFileDiscrepancy,
				EntityType: EntityRun,
				EntityId:   st.run.ID,
				RunId:      st.run.ID,
				Payload:    fd,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if parseErr != nil {
		return parseErr
	}
	st.log.WithFields(logrus.Fields{
		"accepted": report.Accepted,
		"rejected": len(report.Rejected),
	}).Info("settlement file parsed")
	return nil
}

// fetchPlatform reads the platform side for the settlement window widened by
// the candidate window. It runs for empty files too, whose platform records
// all come back unmatched.
func (o *Orchestrator) fetchPlatform(ctx context.Context, st *runState, rules matching.Rules) error {
	st.window = newSettlementWindow(*st.cfg, st.report, st.run.FileReceivedAt, st.supplier)
	windowStart, windowEnd := st.window.Bounds()
	st.run.SettlementDate = st.window.day
	st.run.WindowStart, st.run.WindowEnd = &windowStart, &windowEnd

	start, end := st.window.fetchRange(rules.CandidateWindow())
	platform, err := o.Ledger.FetchPlatformRecords(ctx, st.run.SupplierCode, start, end)
	if err != nil {
		return fmt.Errorf("platform ledger: %w", err)
	}
	st.platform = platform
	st.log.WithFields(logrus.Fields{
		"settlement_date": st.window.day,
		"platform":        len(platform),
	}).Debug("platform records fetched")
	return nil
}

// persist commits one transaction per tier so a failure mid-run leaves only
// whole tiers behind.
func (o *Orchestrator) persist(ctx context.Context, st *runState) error {
	byTier := make(map[int][]models.TransactionMatch)
	for _, m := range st.rows {
		tier := m.MatchMethod.Tier()
		byTier[tier] = append(byTier[tier], m)
	}
	for tier := 1; tier <= 4; tier++ {
		rows := byTier[tier]
		if len(rows) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.CreateInBatches(&rows, matchInsertBatch).Error; err != nil {
				return err
			}
			for i := range rows {
				if err := auditMatchRow(tx, &rows[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("persist tier %d: %w", tier, err)
		}
	}
	return nil
}

func auditMatchRow(tx *gorm.DB, m *models.TransactionMatch) error {
	if m.MatchStatus.IsPaired() {
		if _, err := AppendAudit(tx, AuditEntry{
			EventType:  models.AuditMatchFound,
			EntityType: EntityMatch,
			EntityId:   m.ID,
			RunId:      m.RunId,
			Payload: map[string]any{
				"match_key":        m.MatchKey,
				"match_method":     m.MatchMethod,
				"match_status":     m.MatchStatus,
				"confidence":       m.Confidence,
				"platform_id":      m.PlatformId(),
				"supplier_ordinal": m.SupplierOrdinal,
			},
		}); err != nil {
			return err
		}
	}
	if m.HasDiscrepancy {
		if _, err := AppendAudit(tx, AuditEntry{
			EventType:  models.AuditDiscrepancyDetected,
			EntityType: EntityMatch,
			EntityId:   m.ID,
			RunId:      m.RunId,
			Payload: map[string]any{
				"match_key":        m.MatchKey,
				"discrepancy_type": m.DiscrepancyType,
				"severity":         m.Severity,
				"variance_amount":  m.VarianceAmount.String(),
				"details":          m.Details(),
			},
		}); err != nil {
			return err
		}
	}
	if m.ResolutionStatus == models.ResolutionAutoResolved {
		if _, err := AppendAudit(tx, AuditEntry{
			EventType:  models.AuditResolutionApplied,
			EntityType: EntityMatch,
			EntityId:   m.ID,
			RunId:      m.RunId,
			Payload: map[string]any{
				"match_key":         m.MatchKey,
				"resolution_status": m.ResolutionStatus,
				"resolution_method": m.ResolutionMethod,
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// aggregate fills the run's totals from its rows.
func aggregate(run *models.ReconciliationRun, rows []models.TransactionMatch, cfg models.SupplierConfig) models.DiscrepancySummary {
	summary := models.DiscrepancySummary{
		ByType:     map[models.DiscrepancyType]int{},
		BySeverity: map[models.Severity]int{},
	}
	run.TotalTransactions = len(rows)
	run.TotalPlatform, run.TotalSupplier = 0, 0
	run.MatchedExact, run.MatchedFuzzy = 0, 0
	run.UnmatchedPlatform, run.UnmatchedSupplier = 0, 0
	run.AutoResolved, run.ManualReviewRequired = 0, 0
	platformAmount, supplierAmount := decimal.Zero, decimal.Zero
	platformCommission, supplierCommissionTotal := decimal.Zero, decimal.Zero

	for i := range rows {
		m := &rows[i]
		if m.PlatformTransactionId != nil {
			run.TotalPlatform++
			platformAmount = platformAmount.Add(m.PlatformAmount.Decimal)
			platformCommission = platformCommission.Add(m.PlatformCommission.Decimal)
		}
		if m.SupplierOrdinal > 0 {
			run.TotalSupplier++
			supplierAmount = supplierAmount.Add(m.SupplierAmount.Decimal)
			if c, ok := supplierCommission(m, cfg); ok {
				supplierCommissionTotal = supplierCommissionTotal.Add(c)
			}
		}
		switch m.MatchStatus {
		case models.MatchStatusExact:
			run.MatchedExact++
		case models.MatchStatusFuzzy:
			run.MatchedFuzzy++
		case models.MatchStatusUnmatchedPlatform:
			run.UnmatchedPlatform++
		case models.MatchStatusUnmatchedSupplier:
			run.UnmatchedSupplier++
		}
		switch m.ResolutionStatus {
		case models.ResolutionAutoResolved:
			run.AutoResolved++
		case models.ResolutionManualReview:
			run.ManualReviewRequired++
		}
		if m.HasDiscrepancy {
			summary.BySeverity[m.Severity]++
			for _, d := range m.Details() {
				summary.ByType[d.Type]++
			}
		}
	}
	run.PlatformAmountTotal = platformAmount
	run.SupplierAmountTotal = supplierAmount
	run.AmountVariance = supplierAmount.Sub(platformAmount)
	run.PlatformCommissionTotal = platformCommission
	run.SupplierCommissionTotal = supplierCommissionTotal
	run.CommissionVariance = supplierCommissionTotal.Sub(platformCommission)
	return summary
}

func (o *Orchestrator) finalize(ctx context.Context, st *runState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	run := *st.run
	summary := aggregate(&run, st.rows, *st.cfg)
	if st.report != nil {
		summary.FileLevel = st.report.FileDiscrepancies
	}
	completed := o.now()
	run.Status = models.RunStatusCompleted
	run.CompletedAt = &completed
	run.TotalsFinal = true
	run.ProcessingDurationMs = completed.Sub(st.started).Milliseconds()
	run.DiscrepancySummary = datatypes.JSON(utils.MustJSON(summary))

	err := o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ReconciliationRun{}).
			Where("id = ? AND status = ?", run.ID, models.RunStatusProcessing).
			Updates(map[string]interface{}{
				"status":                    run.Status,
				"completed_at":              completed,
				"total_platform":            run.TotalPlatform,
				"total_supplier":            run.TotalSupplier,
				"total_transactions":        run.TotalTransactions,
				"matched_exact":             run.MatchedExact,
				"matched_fuzzy":             run.MatchedFuzzy,
				"unmatched_platform":        run.UnmatchedPlatform,
				"unmatched_supplier":        run.UnmatchedSupplier,
				"auto_resolved":             run.AutoResolved,
				"manual_review_required":    run.ManualReviewRequired,
				"platform_amount_total":     run.PlatformAmountTotal,
				"supplier_amount_total":     run.SupplierAmountTotal,
				"amount_variance":           run.AmountVariance,
				"platform_commission_total": run.PlatformCommissionTotal,
				"supplier_commission_total": run.SupplierCommissionTotal,
				"commission_variance":       run.CommissionVariance,
				"discrepancy_summary":       run.DiscrepancySummary,
				"processing_duration_ms":    run.ProcessingDurationMs,
				"totals_final":              true,
				"window_start":              run.WindowStart,
				"window_end":                run.WindowEnd,
				"settlement_date":           run.SettlementDate,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("run %s left processing before finalize: %w", run.ID, utils.ErrIllegalTransition)
		}
		if _, err := AppendAudit(tx, AuditEntry{
			EventType:  models.AuditRunCompleted,
			EntityType: EntityRun,
			EntityId:   run.ID,
			RunId:      run.ID,
			Payload: map[string]any{
				"total_transactions":     run.TotalTransactions,
				"matched_exact":          run.MatchedExact,
				"matched_fuzzy":          run.MatchedFuzzy,
				"unmatched_platform":     run.UnmatchedPlatform,
				"unmatched_supplier":     run.UnmatchedSupplier,
				"auto_resolved":          run.AutoResolved,
				"manual_review_required": run.ManualReviewRequired,
				"amount_variance":        run.AmountVariance.String(),
				"commission_variance":    run.CommissionVariance.String(),
			},
		}); err != nil {
			return err
		}
		_, err := EnqueueAlerts(tx, RunAlertSubject(run.ID), Evaluate(run, *st.cfg, completed), run.CorrelationId)
		return err
	})
	if err != nil {
		return err
	}
	*st.run = run
	st.log.WithFields(logrus.Fields{
		"total_transactions": run.TotalTransactions,
		"manual_review":      run.ManualReviewRequired,
		"duration_ms":        run.ProcessingDurationMs,
	}).Info("reconciliation run completed")
	return nil
}

// fail moves the run to failed, flags rows already committed and raises the
// run_failed alert. It uses its own context: the run's may have expired.
func (o *Orchestrator) fail(st *runState, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reason := utils.FailureReason(cause)
	now := o.now()
	run := *st.run
	run.Status = models.RunStatusFailed
	run.FailureReason = &reason
	run.CompletedAt = &now
	run.TotalsFinal = false

	errs := append(st.run.Errors(), models.RunError{
		Stage:   st.stage,
		Reason:  reason,
		Message: cause.Error(),
		At:      now,
	})
	updates := map[string]interface{}{
		"status":                 models.RunStatusFailed,
		"failure_reason":         reason,
		"completed_at":           now,
		"error_log":              datatypes.JSON(utils.MustJSON(errs)),
		"totals_final":           false,
		"processing_duration_ms": now.Sub(st.started).Milliseconds(),
	}
	if st.report != nil && len(st.report.FileDiscrepancies) > 0 {
		updates["discrepancy_summary"] = datatypes.JSON(utils.MustJSON(models.DiscrepancySummary{
			ByType:     map[models.DiscrepancyType]int{},
			BySeverity: map[models.Severity]int{},
			FileLevel:  st.report.FileDiscrepancies,
		}))
	}

	err := o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ReconciliationRun{}).
			Where("id = ? AND status IN ?", run.ID, []models.RunStatus{models.RunStatusPending, models.RunStatusProcessing}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := models.FlagRunFailed(ctx, tx, run.ID); err != nil {
			return err
		}
		if _, err := AppendAudit(tx, AuditEntry{
			EventType:  models.AuditRunFailed,
			EntityType: EntityRun,
			EntityId:   run.ID,
			RunId:      run.ID,
			Payload: map[string]any{
				"stage":   st.stage,
				"reason":  reason,
				"message": cause.Error(),
			},
		}); err != nil {
			return err
		}
		if st.cfg == nil {
			return nil
		}
		_, err := EnqueueAlerts(tx, RunAlertSubject(run.ID), Evaluate(run, *st.cfg, now), run.CorrelationId)
		return err
	})
	if err != nil {
		o.logError("fail", "persist failure", run.ID, err)
		return errors.Join(cause, err)
	}
	*st.run = run
	if st.log != nil {
		st.log.WithFields(logrus.Fields{"stage": st.stage, "reason": reason}).Warn(cause.Error())
	}
	return cause
}

// Requeue hands a recovered run back to whatever processes runs.
type Requeue func(ctx context.Context, job RunJob) error

type RecoveryResult struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// RecoverOpenRuns sweeps runs left pending or processing for longer than the
// maximum run duration. A pending run with an archived file was admitted but
// never reached a worker, so it is requeued to be read from the archive. A
// run with no archive or one stuck in processing is failed with a timeout.
// A pending run whose requeue fails stays pending for the next sweep.
func (o *Orchestrator) RecoverOpenRuns(ctx context.Context, requeue Requeue) (RecoveryResult, error) {
	var res RecoveryResult
	cutoff := o.now().Add(-o.maxRunDuration())
	runs, err := models.ListOpenRuns(ctx, o.DB, cutoff)
	if err != nil {
		return res, err
	}
	for i := range runs {
		run := runs[i]
		log := config.RunLogger(run.ID, run.SupplierCode)
		if run.Status == models.RunStatusPending && run.ArchiveObject != "" && requeue != nil {
			if err := requeue(ctx, RunJob{RunId: run.ID}); err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				log.WithError(err).Warn("requeue of stale pending run failed")
				continue
			}
			log.WithField("archive_object", run.ArchiveObject).Info("stale pending run requeued")
			res.Requeued++
			continue
		}

		st := &runState{
			run:     &run,
			stage:   stageRecovery,
			started: o.now(),
			log:     log,
		}
		if run.StartedAt != nil {
			st.started = *run.StartedAt
		}
		if cfg, err := models.SupplierConfigFromSnapshot(run.ConfigSnapshot); err == nil {
			st.cfg = cfg
		}
		cause := fmt.Errorf("run left %s since %s: %w", run.Status, run.CreatedAt.UTC().Format(time.RFC3339), utils.ErrRunTimeout)
		if err := o.fail(st, cause); errors.Is(err, utils.ErrRunTimeout) {
			res.Failed++
		}
	}
	return res, nil
}

// ReplayReport compares a completed run's stored rows against a fresh match
// over the same inputs.
type ReplayReport struct {
	RunId         string                `json:"run_id"`
	Rows          int                   `json:"rows"`
	Differences   []matching.Difference `json:"differences"`
	Deterministic bool                  `json:"deterministic"`
}

// ReplayRun re-runs the matching engine with the run's config snapshot over
// the row snapshots plus the neighbouring-day candidates from the ledger.
func (o *Orchestrator) ReplayRun(ctx context.Context, runId string) (ReplayReport, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.ReplayRun", trace.WithAttributes(attribute.String("run_id", runId)))
	defer span.End()

	run, err := models.GetRun(ctx, o.DB, runId)
	if err != nil {
		return ReplayReport{}, err
	}
	if run.Status != models.RunStatusCompleted {
		return ReplayReport{}, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, ErrRunNotReplayable)
	}
	cfg, err := models.SupplierConfigFromSnapshot(run.ConfigSnapshot)
	if err != nil {
		return ReplayReport{}, err
	}
	stored, err := models.ListRunMatches(ctx, o.DB, run.ID, models.MatchFilter{})
	if err != nil {
		return ReplayReport{}, err
	}

	var supplier []models.SupplierRecord
	var platform []models.PlatformRecord
	for _, m := range stored {
		if s, ok := matching.SupplierFromMatch(m); ok {
			supplier = append(supplier, s)
		}
		if p, ok := matching.PlatformFromMatch(m); ok {
			platform = append(platform, p)
		}
	}
	rules := matching.RulesFromConfig(*cfg)
	window, err := storedSettlementWindow(*cfg, run, supplier)
	if err != nil {
		return ReplayReport{}, err
	}
	if platform, err = o.candidateOnlyRecords(ctx, run.SupplierCode, window, rules, platform); err != nil {
		return ReplayReport{}, err
	}
	sort.Slice(supplier, func(i, j int) bool { return supplier[i].Ordinal < supplier[j].Ordinal })
	sort.Slice(platform, func(i, j int) bool { return platform[i].Ordinal < platform[j].Ordinal })

	replayed := dropCandidateOnly(matching.Match(supplier, platform, rules), window)
	diffs := matching.Compare(stored, replayed)
	span.SetAttributes(attribute.Int("differences", len(diffs)))
	return ReplayReport{
		RunId:         run.ID,
		Rows:          len(stored),
		Differences:   diffs,
		Deterministic: len(diffs) == 0,
	}, nil
}

// candidateOnlyRecords adds back the records a run fetched from neighbouring
// days. They competed in matching but were never stored.
func (o *Orchestrator) candidateOnlyRecords(ctx context.Context, supplierCode string, window settlementWindow, rules matching.Rules, stored []models.PlatformRecord) ([]models.PlatformRecord, error) {
	if o.Ledger == nil {
		return stored, nil
	}
	start, end := window.fetchRange(rules.CandidateWindow())
	fetched, err := o.Ledger.FetchPlatformRecords(ctx, supplierCode, start, end)
	if err != nil {
		return nil, fmt.Errorf("platform ledger: %w", err)
	}
	seen := make(map[string]bool, len(stored))
	for _, p := range stored {
		seen[p.Id] = true
	}
	for _, p := range fetched {
		if !seen[p.Id] && !window.Contains(p.Timestamp) {
			stored = append(stored, p)
		}
	}
	return stored, nil
}
