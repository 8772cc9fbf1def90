package models

import (
	"fmt"
	"strings"

	"github.com/mmdatafocus/vas_recon/utils"
)

// ---- Run lifecycle ----

type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// pending may fail directly when the run times out before a worker picks it up.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:    {RunStatusProcessing, RunStatusFailed},
	RunStatusProcessing: {RunStatusCompleted, RunStatusFailed},
}

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	return allowed(runTransitions[s], next)
}

// Transition returns next or ErrIllegalTransition.
func (s RunStatus) Transition(next RunStatus) (RunStatus, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("run %s -> %s: %w", s, next, utils.ErrIllegalTransition)
	}
	return next, nil
}

func ParseRunStatus(v string) (RunStatus, error) {
	s := RunStatus(strings.ToLower(strings.TrimSpace(v)))
	switch s {
	case RunStatusPending, RunStatusProcessing, RunStatusCompleted, RunStatusFailed:
		return s, nil
	}
	return "", fmt.Errorf("invalid run status %q", v)
}

// Persisted failure reasons. ConfigurationMissing never reaches a run row.
const (
	FailureSchemaMismatch = "SchemaMismatch"
	FailureMatchingError  = "MatchingError"
	FailureTimeout        = "Timeout"
)

// ---- Matching ----

type MatchStatus string

const (
	MatchStatusExact             MatchStatus = "exact_match"
	MatchStatusFuzzy             MatchStatus = "fuzzy_match"
	MatchStatusUnmatchedPlatform MatchStatus = "unmatched_platform"
	MatchStatusUnmatchedSupplier MatchStatus = "unmatched_supplier"
)

func (s MatchStatus) IsPaired() bool {
	return s == MatchStatusExact || s == MatchStatusFuzzy
}

type MatchMethod string

const (
	MatchMethodPrimaryKey   MatchMethod = "primary_key"
	MatchMethodSecondaryKey MatchMethod = "secondary_key"
	MatchMethodFuzzy        MatchMethod = "fuzzy"
	MatchMethodNone         MatchMethod = "none"
)

// Tier orders match output: primary, secondary, fuzzy, then leftovers.
func (m MatchMethod) Tier() int {
	switch m {
	case MatchMethodPrimaryKey:
		return 1
	case MatchMethodSecondaryKey:
		return 2
	case MatchMethodFuzzy:
		return 3
	default:
		return 4
	}
}

// ---- Discrepancies ----

type DiscrepancyType string

const (
	DiscrepancyAmountMismatch     DiscrepancyType = "amount_mismatch"
	DiscrepancyCommissionMismatch DiscrepancyType = "commission_mismatch"
	DiscrepancyStatusMismatch     DiscrepancyType = "status_mismatch"
	DiscrepancyTimestampDiff      DiscrepancyType = "timestamp_diff"
	DiscrepancyProductMismatch    DiscrepancyType = "product_mismatch"
	DiscrepancyMissingCounterpart DiscrepancyType = "missing_counterpart"

	// file level, from header/footer totals
	DiscrepancyTotalCountMismatch      DiscrepancyType = "total_count_mismatch"
	DiscrepancyTotalAmountMismatch     DiscrepancyType = "total_amount_mismatch"
	DiscrepancyTotalCommissionMismatch DiscrepancyType = "total_commission_mismatch"
)

// Primary discrepancy type when a pair carries several entries.
var discrepancyPrecedence = map[DiscrepancyType]int{
	DiscrepancyMissingCounterpart: 0,
	DiscrepancyAmountMismatch:     1,
	DiscrepancyCommissionMismatch: 2,
	DiscrepancyStatusMismatch:     3,
	DiscrepancyProductMismatch:    4,
	DiscrepancyTimestampDiff:      5,
}

func (t DiscrepancyType) Precedence() int {
	if p, ok := discrepancyPrecedence[t]; ok {
		return p
	}
	return 99
}

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ---- Resolution ----

type ResolutionStatus string

const (
	ResolutionNotRequired  ResolutionStatus = "not_required"
	ResolutionPending      ResolutionStatus = "pending"
	ResolutionAutoResolved ResolutionStatus = "auto_resolved"
	ResolutionManualReview ResolutionStatus = "manual_review"
	ResolutionResolved     ResolutionStatus = "resolved"
	ResolutionEscalated    ResolutionStatus = "escalated"
)

var resolutionTransitions = map[ResolutionStatus][]ResolutionStatus{
	ResolutionPending:      {ResolutionNotRequired, ResolutionAutoResolved, ResolutionManualReview},
	ResolutionManualReview: {ResolutionResolved, ResolutionEscalated},
}

func (s ResolutionStatus) CanTransitionTo(next ResolutionStatus) bool {
	return allowed(resolutionTransitions[s], next)
}

func (s ResolutionStatus) Transition(next ResolutionStatus) (ResolutionStatus, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("resolution %s -> %s: %w", s, next, utils.ErrIllegalTransition)
	}
	return next, nil
}

func (s ResolutionStatus) IsTerminal() bool {
	switch s {
	case ResolutionNotRequired, ResolutionAutoResolved, ResolutionResolved, ResolutionEscalated:
		return true
	}
	return false
}

const (
	ResolutionMethodAutoTiming   = "auto_timing"
	ResolutionMethodAutoRounding = "auto_rounding"
	ResolutionMethodEscalation   = "escalation"
)

// ---- Supplier config ----

type IngestionMethod string

const (
	IngestionSFTP  IngestionMethod = "sftp"
	IngestionS3    IngestionMethod = "s3"
	IngestionGCS   IngestionMethod = "gcs"
	IngestionAPI   IngestionMethod = "api"
	IngestionEmail IngestionMethod = "email"
)

type AdapterClass string

const (
	AdapterCSV        AdapterClass = "csv"
	AdapterJSON       AdapterClass = "json"
	AdapterFixedWidth AdapterClass = "fixed_width"
	AdapterXML        AdapterClass = "xml"
	AdapterXLSX       AdapterClass = "xlsx"
)

type CommissionMethod string

const (
	CommissionNone       CommissionMethod = "none"
	CommissionPercentage CommissionMethod = "percentage"
	CommissionFlat       CommissionMethod = "flat"
)

// ---- Alerts ----

type AlertChannel string

const (
	AlertChannelEmail   AlertChannel = "email"
	AlertChannelSMS     AlertChannel = "sms"
	AlertChannelSlack   AlertChannel = "slack"
	AlertChannelWebhook AlertChannel = "webhook"
)

type AlertTrigger string

const (
	AlertTriggerAmountVariance     AlertTrigger = "amount_variance"
	AlertTriggerCommissionVariance AlertTrigger = "commission_variance"
	AlertTriggerManualReviewRatio  AlertTrigger = "manual_review_ratio"
	AlertTriggerSLABreach          AlertTrigger = "sla_breach"
	AlertTriggerRunFailed          AlertTrigger = "run_failed"
	AlertTriggerMissedDelivery     AlertTrigger = "missed_delivery"
)

// Alert outbox publish statuses. Kept as DB strings.
const (
	AlertPublishStatusPending    = "PENDING"
	AlertPublishStatusProcessing = "PROCESSING"
	AlertPublishStatusSent       = "SENT"
	AlertPublishStatusFailed     = "FAILED"
	AlertPublishStatusDead       = "DEAD"
)

// ---- Delivery windows ----

type DeliveryWindowStatus string

const (
	DeliveryWindowOpen      DeliveryWindowStatus = "open"
	DeliveryWindowFulfilled DeliveryWindowStatus = "fulfilled"
	DeliveryWindowMissed    DeliveryWindowStatus = "missed"
)

var deliveryWindowTransitions = map[DeliveryWindowStatus][]DeliveryWindowStatus{
	DeliveryWindowOpen:   {DeliveryWindowFulfilled, DeliveryWindowMissed},
	DeliveryWindowMissed: {DeliveryWindowFulfilled},
}

func (s DeliveryWindowStatus) CanTransitionTo(next DeliveryWindowStatus) bool {
	return allowed(deliveryWindowTransitions[s], next)
}

func allowed[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
