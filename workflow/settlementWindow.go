package workflow

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/vas_recon/adapters"
	"github.com/mmdatafocus/vas_recon/models"
)

const settlementDateLayout = "2006-01-02"

// settlementWindow is the span of platform activity a run answers for: the
// settlement day in the supplier's timezone plus whatever range the file's
// own timestamps cover when a supplier reports late or early records.
type settlementWindow struct {
	day        string
	dayStart   time.Time
	dayEnd     time.Time
	lo, hi     time.Time
	hasRecords bool
}

// newSettlementWindow takes the day from the header or footer when the file
// declares one, else from the arrival time and the supplier's settlement lag.
func newSettlementWindow(cfg models.SupplierConfig, report *adapters.ParseReport, receivedAt time.Time, supplier []models.SupplierRecord) settlementWindow {
	day := cfg.SettlementDay(receivedAt)
	if report != nil {
		if d, err := time.ParseInLocation(settlementDateLayout, report.SettlementDate(), cfg.Location()); err == nil {
			day = d
		}
	}
	return settlementWindowFor(day, supplier)
}

// storedSettlementWindow rebuilds the window of a finished run. Runs stored
// without a settlement date fall back to their arrival day.
func storedSettlementWindow(cfg models.SupplierConfig, run *models.ReconciliationRun, supplier []models.SupplierRecord) (settlementWindow, error) {
	if run.SettlementDate == "" {
		return settlementWindowFor(cfg.SettlementDay(run.FileReceivedAt), supplier), nil
	}
	day, err := time.ParseInLocation(settlementDateLayout, run.SettlementDate, cfg.Location())
	if err != nil {
		return settlementWindow{}, fmt.Errorf("run %s settlement date %q: %w", run.ID, run.SettlementDate, err)
	}
	return settlementWindowFor(day, supplier), nil
}

// settlementWindowFor covers day, a midnight in the supplier's timezone, and
// the range of every stamped supplier record.
func settlementWindowFor(day time.Time, supplier []models.SupplierRecord) settlementWindow {
	w := settlementWindow{
		day:      day.Format(settlementDateLayout),
		dayStart: day.UTC(),
		dayEnd:   day.AddDate(0, 0, 1).UTC(),
	}
	for _, r := range supplier {
		if r.Timestamp.IsZero() {
			continue
		}
		if !w.hasRecords || r.Timestamp.Before(w.lo) {
			w.lo = r.Timestamp.UTC()
		}
		if !w.hasRecords || r.Timestamp.After(w.hi) {
			w.hi = r.Timestamp.UTC()
		}
		w.hasRecords = true
	}
	return w
}

// Contains reports whether ts belongs to this run rather than being a
// neighbouring day's record fetched only as a match candidate.
func (w settlementWindow) Contains(ts time.Time) bool {
	if !ts.Before(w.dayStart) && ts.Before(w.dayEnd) {
		return true
	}
	return w.hasRecords && !ts.Before(w.lo) && !ts.After(w.hi)
}

// Bounds is the smallest closed range covering the window.
func (w settlementWindow) Bounds() (time.Time, time.Time) {
	start, end := w.dayStart, w.dayEnd
	if w.hasRecords {
		if w.lo.Before(start) {
			start = w.lo
		}
		if w.hi.After(end) {
			end = w.hi
		}
	}
	return start, end
}

// fetchRange widens the bounds by the candidate margin.
func (w settlementWindow) fetchRange(margin time.Duration) (time.Time, time.Time) {
	start, end := w.Bounds()
	return start.Add(-margin), end.Add(margin)
}

// dropCandidateOnly removes unmatched platform rows outside the window. They
// were fetched only so records near the day boundary could pair, and belong
// to the neighbouring day's run.
func dropCandidateOnly(rows []models.TransactionMatch, w settlementWindow) []models.TransactionMatch {
	out := rows[:0]
	for _, m := range rows {
		if m.MatchStatus == models.MatchStatusUnmatchedPlatform && m.PlatformTimestamp != nil && !w.Contains(*m.PlatformTimestamp) {
			continue
		}
		out = append(out, m)
	}
	return out
}
