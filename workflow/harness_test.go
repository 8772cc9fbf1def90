package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// newTestDB opens a private in-memory database. One connection keeps every
// query on the same database and serializes transactions.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), config.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, models.Migrate(db))
	require.NoError(t, models.InstallGuards(db))
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemArchive() *memArchive {
	return &memArchive{objects: map[string][]byte{}}
}

func (a *memArchive) Archive(_ context.Context, name string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[name] = append([]byte(nil), data...)
	return nil
}

func (a *memArchive) Fetch(_ context.Context, name string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.objects[name]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return data, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []models.AlertRequest
	fail error
}

func (p *recordingPublisher) Publish(_ context.Context, req models.AlertRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	p.sent = append(p.sent, req)
	return fmt.Sprintf("msg-%d", len(p.sent)), nil
}

type panickingLedger struct{}

func (panickingLedger) FetchPlatformRecords(context.Context, string, time.Time, time.Time) ([]models.PlatformRecord, error) {
	panic("ledger exploded")
}

type failingLedger struct{}

func (failingLedger) FetchPlatformRecords(context.Context, string, time.Time, time.Time) ([]models.PlatformRecord, error) {
	return nil, errors.New("ledger unavailable")
}

var testDay = time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

func at(clock string) time.Time {
	t, err := time.Parse("15:04:05", clock)
	if err != nil {
		panic(err)
	}
	return testDay.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second)
}

func testSupplierConfig(code string) *models.SupplierConfig {
	return &models.SupplierConfig{
		Name:            "Test Supplier " + code,
		Code:            code,
		IngestionMethod: models.IngestionSFTP,
		AdapterClass:    models.AdapterCSV,
		FileSchema: models.FileSchema{
			Delimiter:       ",",
			HasHeaderRow:    true,
			TimestampLayout: "2006-01-02 15:04:05",
			Timezone:        "UTC",
			Body: []models.FieldDef{
				{Name: models.FieldNameTransactionId, Source: "txn_id", Type: models.FieldString, Required: true},
				{Name: models.FieldNameReference, Source: "ref", Type: models.FieldString},
				{Name: models.FieldNameAmount, Source: "amount", Type: models.FieldAmount, Required: true},
				{Name: models.FieldNameTimestamp, Source: "paid_at", Type: models.FieldTimestamp, Required: true},
			},
		},
		PrimaryMatchFields:        []string{models.FieldNameReference},
		SecondaryMatchFields:      []string{models.FieldNameAmount, models.FieldNameTimestamp},
		TimestampToleranceSeconds: 300,
		CommissionMethod:          models.CommissionNone,
		CriticalVarianceThreshold: decimal.NewFromInt(100000),
		RoundingStepCents:         1,
		ManualReviewAlertRatio:    1,
	}
}

// harness wires an orchestrator against an in-memory database.
type harness struct {
	t        *testing.T
	ctx      context.Context
	db       *gorm.DB
	registry *SupplierConfigRegistry
	archive  *memArchive
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestDB(t)
	logger := quietLogger()
	registry := NewSupplierConfigRegistry(db, logger)
	archive := newMemArchive()
	orch := &Orchestrator{
		DB:              db,
		Logger:          logger,
		Registry:        registry,
		Ledger:          NewGormPlatformLedger(db),
		Archive:         archive,
		MaxRunDuration:  time.Minute,
		MaxRejectRatio:  0.05,
		ClassifyWorkers: 2,
		Now:             func() time.Time { return testDay.Add(20 * time.Hour) },
	}
	return &harness{t: t, ctx: context.Background(), db: db, registry: registry, archive: archive, orch: orch}
}

func (h *harness) saveConfig(cfg *models.SupplierConfig) *models.SupplierConfig {
	h.t.Helper()
	saved, err := h.registry.SaveSupplierConfig(h.ctx, cfg, UserActor("admin-1"))
	require.NoError(h.t, err)
	return saved
}

func (h *harness) seedPlatform(txns ...models.PlatformTransaction) {
	h.t.Helper()
	require.NoError(h.t, h.db.Create(&txns).Error)
}

// submitAndProcess admits content and runs it to a terminal state.
func (h *harness) submitAndProcess(code, content string) (SubmitResult, *models.ReconciliationRun) {
	h.t.Helper()
	res, err := h.orch.Submit(h.ctx, FileSubmission{
		SupplierCode: code,
		FileName:     "settlement.csv",
		Content:      []byte(content),
		ReceivedAt:   testDay.Add(18 * time.Hour),
	})
	require.NoError(h.t, err)
	if !res.AlreadyProcessed {
		_ = h.orch.Process(h.ctx, res.RunId, []byte(content))
	}
	run, err := models.GetRun(h.ctx, h.db, res.RunId)
	require.NoError(h.t, err)
	return res, run
}

func (h *harness) matches(runId string) []models.TransactionMatch {
	h.t.Helper()
	rows, err := models.ListRunMatches(h.ctx, h.db, runId, models.MatchFilter{})
	require.NoError(h.t, err)
	return rows
}

func (h *harness) eventTypes(runId string) []models.AuditEventType {
	h.t.Helper()
	events, err := models.ListRunAuditEvents(h.ctx, h.db, runId)
	require.NoError(h.t, err)
	out := make([]models.AuditEventType, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func platformTxn(id, ref string, amount int64, ts time.Time) models.PlatformTransaction {
	return models.PlatformTransaction{
		ID:                    id,
		SupplierCode:          "MPT",
		Reference:             ref,
		SupplierTransactionId: "X" + id,
		Amount:                decimal.NewFromInt(amount),
		Status:                "success",
		TransactedAt:          ts,
	}
}

func csvFile(lines ...string) string {
	return strings.Join(append([]string{"txn_id,ref,amount,paid_at"}, lines...), "\n") + "\n"
}

func csvLine(id, ref string, amount int64, ts time.Time) string {
	return fmt.Sprintf("%s,%s,%d,%s", id, ref, amount, ts.Format("2006-01-02 15:04:05"))
}
