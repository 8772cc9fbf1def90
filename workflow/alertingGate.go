package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// alertNamespace makes alert ids a function of their dedupe key.
var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("vas_recon/alerts"))

func RunAlertSubject(runId string) string {
	return "run:" + runId
}

func WindowAlertSubject(windowId int) string {
	return fmt.Sprintf("window:%d", windowId)
}

type alertCondition struct {
	trigger  models.AlertTrigger
	severity models.Severity
	summary  string
	details  map[string]string
}

// Evaluate checks a finished run against the supplier's thresholds and
// returns one request per configured channel for each breached condition.
// It does not deliver anything.
func Evaluate(run models.ReconciliationRun, cfg models.SupplierConfig, now time.Time) []models.AlertRequest {
	var conditions []alertCondition

	if run.Status == models.RunStatusFailed {
		conditions = append(conditions, alertCondition{
			trigger:  models.AlertTriggerRunFailed,
			severity: models.SeverityHigh,
			summary:  fmt.Sprintf("%s run %s failed: %s", run.SupplierCode, run.ID, run.Failure()),
			details:  map[string]string{"failure_reason": run.Failure(), "file_name": run.FileName},
		})
	}

	if run.Status == models.RunStatusCompleted {
		threshold := cfg.CriticalVarianceThreshold
		if run.AmountVariance.Abs().GreaterThan(threshold) {
			conditions = append(conditions, alertCondition{
				trigger:  models.AlertTriggerAmountVariance,
				severity: models.SeverityCritical,
				summary:  fmt.Sprintf("%s amount variance %s exceeds %s", run.SupplierCode, run.AmountVariance, threshold),
				details:  map[string]string{"amount_variance": run.AmountVariance.String(), "threshold": threshold.String()},
			})
		}
		if run.CommissionVariance.Abs().GreaterThan(threshold) {
			conditions = append(conditions, alertCondition{
				trigger:  models.AlertTriggerCommissionVariance,
				severity: models.SeverityCritical,
				summary:  fmt.Sprintf("%s commission variance %s exceeds %s", run.SupplierCode, run.CommissionVariance, threshold),
				details:  map[string]string{"commission_variance": run.CommissionVariance.String(), "threshold": threshold.String()},
			})
		}

		ratio := cfg.ManualReviewAlertRatio
		if ratio <= 0 {
			ratio = config.ManualReviewRatio()
		}
		if run.TotalTransactions > 0 {
			actual := float64(run.ManualReviewRequired) / float64(run.TotalTransactions)
			if actual > ratio {
				conditions = append(conditions, alertCondition{
					trigger:  models.AlertTriggerManualReviewRatio,
					severity: models.SeverityHigh,
					summary:  fmt.Sprintf("%s: %d of %d transactions need manual review", run.SupplierCode, run.ManualReviewRequired, run.TotalTransactions),
					details:  map[string]string{"ratio": fmt.Sprintf("%.4f", actual), "threshold": fmt.Sprintf("%.4f", ratio)},
				})
			}
		}
	}

	if cfg.SlaHours > 0 && run.CompletedAt != nil {
		deadline := run.FileReceivedAt.Add(time.Duration(cfg.SlaHours) * time.Hour)
		if run.CompletedAt.After(deadline) {
			conditions = append(conditions, alertCondition{
				trigger:  models.AlertTriggerSLABreach,
				severity: models.SeverityMedium,
				summary:  fmt.Sprintf("%s run %s finished after its %dh SLA", run.SupplierCode, run.ID, cfg.SlaHours),
				details: map[string]string{
					"file_received_at": run.FileReceivedAt.UTC().Format(time.RFC3339),
					"completed_at":     run.CompletedAt.UTC().Format(time.RFC3339),
				},
			})
		}
	}

	return fanOut(conditions, cfg, RunAlertSubject(run.ID), run.ID, now)
}

// EvaluateMissedDelivery raises the alert for a window that passed its
// deadline without a file.
func EvaluateMissedDelivery(window models.DeliveryWindow, cfg models.SupplierConfig, now time.Time) []models.AlertRequest {
	return fanOut([]alertCondition{{
		trigger:  models.AlertTriggerMissedDelivery,
		severity: models.SeverityHigh,
		summary:  fmt.Sprintf("%s settlement file for %s not received by %s", window.SupplierCode, window.DeliveryDate, window.DeadlineAt.UTC().Format(time.RFC3339)),
		details: map[string]string{
			"delivery_date": window.DeliveryDate,
			"expected_at":   window.ExpectedAt.UTC().Format(time.RFC3339),
			"deadline_at":   window.DeadlineAt.UTC().Format(time.RFC3339),
		},
	}}, cfg, WindowAlertSubject(window.ID), "", now)
}

func fanOut(conditions []alertCondition, cfg models.SupplierConfig, subject, runId string, now time.Time) []models.AlertRequest {
	var out []models.AlertRequest
	for _, c := range conditions {
		for _, route := range cfg.AlertRouting {
			recipients := route.Recipients
			if route.Channel == models.AlertChannelSMS {
				recipients = normalizePhones(recipients)
			}
			if len(recipients) == 0 {
				continue
			}
			req := models.AlertRequest{
				Trigger:      c.trigger,
				Channel:      route.Channel,
				Recipients:   recipients,
				Severity:     c.severity,
				Summary:      c.summary,
				RunId:        runId,
				SupplierCode: cfg.Code,
				Details:      c.details,
				RaisedAt:     now.UTC(),
			}
			req.AlertId = uuid.NewSHA1(alertNamespace, []byte(req.DedupeKey(subject))).String()
			out = append(out, req)
		}
	}
	return out
}

// normalizePhones keeps the numbers that parse for the default region, in
// E.164 form.
func normalizePhones(numbers []string) []string {
	region := config.AlertDefaultRegion()
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		e164, err := utils.NormalizePhoneE164(n, region)
		if err != nil {
			if logger := config.GetLogger(); logger != nil {
				config.LogError(logger, "AlertingGate", "normalizePhones", "invalid sms recipient", n, err)
			}
			continue
		}
		out = append(out, e164)
	}
	return utils.UniqueSlice(out)
}

// EnqueueAlerts writes requests to the outbox inside tx and audits each one.
// A request whose dedupe key is already queued is skipped.
func EnqueueAlerts(tx *gorm.DB, subject string, requests []models.AlertRequest, correlationId string) (int, error) {
	queued := 0
	for _, req := range requests {
		row := models.AlertOutbox{
			AlertId:       req.AlertId,
			DedupeKey:     req.DedupeKey(subject),
			SupplierCode:  req.SupplierCode,
			Trigger:       req.Trigger,
			Channel:       req.Channel,
			Severity:      req.Severity,
			Payload:       utils.MustJSON(req),
			PublishStatus: models.AlertPublishStatusPending,
			CorrelationId: correlationId,
		}
		if req.RunId != "" {
			runId := req.RunId
			row.RunId = &runId
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return queued, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		queued++
		if _, err := AppendAudit(tx, AuditEntry{
			EventType:  models.AuditAlertRequested,
			EntityType: EntityAlert,
			EntityId:   req.AlertId,
			RunId:      req.RunId,
			Payload: map[string]any{
				"trigger":    req.Trigger,
				"channel":    req.Channel,
				"severity":   req.Severity,
				"recipients": len(req.Recipients),
				"summary":    req.Summary,
			},
		}); err != nil {
			return queued, err
		}
	}
	return queued, nil
}
