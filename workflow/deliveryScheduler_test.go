package workflow

import (
	"strconv"
	"testing"
	"time"

	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/stretchr/testify/require"
)

func scheduledConfig() *models.SupplierConfig {
	cfg := testSupplierConfig("MPT")
	cfg.ExpectedDeliveryTime = "06:00"
	cfg.SlaHours = 2
	cfg.Timezone = "UTC"
	cfg.AlertRouting = []models.AlertRoute{{Channel: models.AlertChannelEmail, Recipients: []string{"ops@example.com"}}}
	return cfg
}

func windowsByDate(t *testing.T, h *harness) map[string]models.DeliveryWindow {
	t.Helper()
	windows, err := models.ListDeliveryWindows(h.ctx, h.db, "MPT", 10)
	require.NoError(t, err)
	out := map[string]models.DeliveryWindow{}
	for _, w := range windows {
		out[w.DeliveryDate] = w
	}
	return out
}

func TestDeliveryScheduler_PlanIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(scheduledConfig())
	s := NewDeliveryScheduler(h.db, quietLogger(), h.registry)

	created, err := s.Plan(h.ctx, at("01:00:00"))
	require.NoError(t, err)
	require.Equal(t, 2, created)

	created, err = s.Plan(h.ctx, at("02:00:00"))
	require.NoError(t, err)
	require.Zero(t, created)

	today := windowsByDate(t, h)["2026-01-15"]
	require.Equal(t, models.DeliveryWindowOpen, today.Status)
	require.True(t, today.ExpectedAt.Equal(at("06:00:00")))
	require.True(t, today.DeadlineAt.Equal(at("08:00:00")))
}

func TestDeliveryScheduler_PlanSkipsUnscheduledSuppliers(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(testSupplierConfig("MPT"))
	created, err := NewDeliveryScheduler(h.db, quietLogger(), h.registry).Plan(h.ctx, at("01:00:00"))
	require.NoError(t, err)
	require.Zero(t, created)
}

func TestDeliveryScheduler_SweepMarksMissedOnce(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(scheduledConfig())
	s := NewDeliveryScheduler(h.db, quietLogger(), h.registry)
	_, err := s.Plan(h.ctx, at("01:00:00"))
	require.NoError(t, err)

	missed, err := s.Sweep(h.ctx, at("07:59:00"))
	require.NoError(t, err)
	require.Empty(t, missed)

	missed, err = s.Sweep(h.ctx, at("09:00:00"))
	require.NoError(t, err)
	require.Len(t, missed, 1)
	require.Equal(t, "2026-01-15", missed[0].DeliveryDate)

	missed, err = s.Sweep(h.ctx, at("10:00:00"))
	require.NoError(t, err)
	require.Empty(t, missed)

	w := windowsByDate(t, h)["2026-01-15"]
	require.Equal(t, models.DeliveryWindowMissed, w.Status)
	events, err := models.ListEntityAuditEvents(h.ctx, h.db, EntityDeliveryWindow, strconv.Itoa(w.ID))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.AuditDeliveryWindowMissed, events[0].EventType)
	require.Equal(t, ActorTypeScheduler, events[0].ActorType)

	var alerts []models.AlertOutbox
	require.NoError(t, h.db.Where("`trigger` = ?", models.AlertTriggerMissedDelivery).Find(&alerts).Error)
	require.Len(t, alerts, 1)
	require.Nil(t, alerts[0].RunId)
}

func TestDeliveryScheduler_LateFileFulfilsMissedWindow(t *testing.T) {
	h := newHarness(t)
	h.saveConfig(scheduledConfig())
	s := NewDeliveryScheduler(h.db, quietLogger(), h.registry)
	_, err := s.Plan(h.ctx, at("01:00:00"))
	require.NoError(t, err)
	_, err = s.Sweep(h.ctx, at("09:00:00"))
	require.NoError(t, err)

	res, _ := h.submitAndProcess("MPT", csvFile(csvLine("S1", "R1", 100, at("10:00:00"))))

	w := windowsByDate(t, h)["2026-01-15"]
	require.Equal(t, models.DeliveryWindowFulfilled, w.Status)
	require.Equal(t, res.RunId, utils.DereferencePtr(w.RunId))
	require.NotNil(t, w.FulfilledAt)
	require.True(t, w.FulfilledAt.Equal(testDay.Add(18*time.Hour)))
}

func TestMarkDelivered_CreatesWindowWhenNonePlanned(t *testing.T) {
	h := newHarness(t)
	cfg := h.saveConfig(scheduledConfig())

	require.NoError(t, MarkDelivered(h.db, *cfg, at("05:30:00"), "run-9"))
	w := windowsByDate(t, h)["2026-01-15"]
	require.Equal(t, models.DeliveryWindowFulfilled, w.Status)
	require.Equal(t, "run-9", utils.DereferencePtr(w.RunId))

	// a second file the same day leaves the window as it is
	require.NoError(t, MarkDelivered(h.db, *cfg, at("07:00:00"), "run-10"))
	require.Equal(t, "run-9", utils.DereferencePtr(windowsByDate(t, h)["2026-01-15"].RunId))
}
