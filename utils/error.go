package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// Reconciliation error taxonomy. Callers match with errors.Is; wrap with %w.
var (
	// ErrConfigurationMissing: no active supplier config; the run is never created.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrSchemaMismatch: rejection ceiling breached, footer totals disagree or
	// the file content does not match its declared format.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrMatchingError: unexpected failure mid-pipeline.
	ErrMatchingError = errors.New("matching error")
	// ErrResolutionConflict: another resolution action won the race.
	ErrResolutionConflict = errors.New("resolution conflict")
	// ErrRunTimeout: the run exceeded its maximum processing duration.
	ErrRunTimeout = errors.New("run timeout")
	// ErrIllegalTransition: a state machine refused the requested move.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrAuditImmutable: audit rows cannot be updated or deleted.
	ErrAuditImmutable = errors.New("audit events are append-only")
)

// FailureReason maps a pipeline error onto the reason persisted on a failed run.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSchemaMismatch):
		return "SchemaMismatch"
	case errors.Is(err, ErrRunTimeout):
		return "Timeout"
	case errors.Is(err, ErrConfigurationMissing):
		return "ConfigurationMissing"
	default:
		return "MatchingError"
	}
}

