package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/mmdatafocus/vas_recon/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"google.golang.org/api/idtoken"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var serverTestDay = time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (f *fakeObjects) Read(_ context.Context, _ string, objectName string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	data, ok := f.objects[objectName]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return data, nil
}

type testEnv struct {
	t       *testing.T
	ctx     context.Context
	db      *gorm.DB
	server  *reconServer
	router  *gin.Engine
	objects *fakeObjects
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("GCS_BUCKET", "")
	t.Setenv("PUBSUB_PUSH_AUDIENCE", "")

	db, err := gorm.Open(sqlite.Open(":memory:"), config.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.Migrate(db))
	require.NoError(t, models.InstallGuards(db))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	registry := workflow.NewSupplierConfigRegistry(db, logger)
	orch := workflow.NewOrchestrator(db, logger, registry, workflow.NewGormPlatformLedger(db), nil)
	orch.MaxRunDuration = time.Minute
	pool := workflow.NewRunWorkerPool(orch, logger, 1)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	objects := &fakeObjects{objects: map[string][]byte{}}
	s := newReconServer(logger)
	s.wire(db, registry, orch, pool, objects)
	return &testEnv{t: t, ctx: context.Background(), db: db, server: s, router: s.newRouter(logger), objects: objects}
}

func token(t *testing.T, actorId, role string) string {
	t.Helper()
	tok, err := utils.JwtGenerate(actorId, role)
	require.NoError(t, err)
	return tok
}

func supplierToken(t *testing.T, actorId, supplierCode string) string {
	t.Helper()
	tok, err := utils.JwtGenerateSupplier(actorId, supplierCode)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(method, path, tok string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) doJSON(method, path, tok string, payload any) *httptest.ResponseRecorder {
	e.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(e.t, err)
	return e.do(method, path, tok, bytes.NewReader(raw), "application/json")
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func serverSupplierConfig(code string) *models.SupplierConfig {
	return &models.SupplierConfig{
		Name:            "Supplier " + code,
		Code:            code,
		IngestionMethod: models.IngestionGCS,
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

func (e *testEnv) saveConfig(cfg *models.SupplierConfig) {
	e.t.Helper()
	_, err := e.server.registry.SaveSupplierConfig(e.ctx, cfg, workflow.UserActor("admin-1"))
	require.NoError(e.t, err)
}

func (e *testEnv) seedPlatform(id, ref string, amount int64, clock time.Duration) {
	e.t.Helper()
	require.NoError(e.t, e.db.Create(&models.PlatformTransaction{
		ID:                    id,
		SupplierCode:          "MPT",
		Reference:             ref,
		SupplierTransactionId: "X" + id,
		Amount:                decimal.NewFromInt(amount),
		Status:                "success",
		TransactedAt:          serverTestDay.Add(clock),
	}).Error)
}

func (e *testEnv) waitForRun(runId string) *models.ReconciliationRun {
	e.t.Helper()
	var run *models.ReconciliationRun
	require.Eventually(e.t, func() bool {
		r, err := models.GetRun(e.ctx, e.db, runId)
		if err != nil {
			return false
		}
		run = r
		return r.Status == models.RunStatusCompleted || r.Status == models.RunStatusFailed
	}, 5*time.Second, 20*time.Millisecond)
	return run
}

func settlementCSV(lines ...string) string {
	return strings.Join(append([]string{"txn_id,ref,amount,paid_at"}, lines...), "\n") + "\n"
}

func settlementLine(id, ref string, amount int64, clock time.Duration) string {
	return fmt.Sprintf("%s,%s,%d,%s", id, ref, amount, serverTestDay.Add(clock).Format("2006-01-02 15:04:05"))
}

func TestReadinessGate(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := newReconServer(logger)
	r := s.newRouter(logger)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRoleGates(t *testing.T) {
	e := newTestEnv(t)
	viewer := token(t, "viewer-1", utils.RoleViewer)
	reviewer := token(t, "reviewer-1", utils.RoleReviewer)
	supplier := supplierToken(t, "mpt-bot", "MPT")
	unscoped := token(t, "loose-bot", utils.RoleSupplier)
	admin := token(t, "admin-1", utils.RoleAdmin)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{name: "anonymous read", method: http.MethodGet, path: "/runs", status: http.StatusUnauthorized},
		{name: "viewer reads runs", method: http.MethodGet, path: "/runs", token: viewer, status: http.StatusOK},
		{name: "reviewer reads runs", method: http.MethodGet, path: "/runs", token: reviewer, status: http.StatusOK},
		{name: "admin reads runs", method: http.MethodGet, path: "/runs", token: admin, status: http.StatusOK},
		{name: "supplier cannot read runs", method: http.MethodGet, path: "/runs", token: supplier, status: http.StatusForbidden},
		{name: "viewer cannot ingest", method: http.MethodPost, path: "/ingest/MPT", token: viewer, status: http.StatusForbidden},
		{name: "supplier cannot ingest for another supplier", method: http.MethodPost, path: "/ingest/OTHER", token: supplier, status: http.StatusForbidden},
		{name: "supplier cannot sign uploads for another supplier", method: http.MethodPost, path: "/ingest/OTHER/upload-url", token: supplier, status: http.StatusForbidden},
		{name: "supplier token without a supplier code", method: http.MethodPost, path: "/ingest/MPT", token: unscoped, status: http.StatusForbidden},
		{name: "admin ingests for any supplier", method: http.MethodPost, path: "/ingest/OTHER", token: admin, status: http.StatusBadRequest},
		{name: "viewer cannot resolve", method: http.MethodPost, path: "/matches/m-1/resolve", token: viewer, status: http.StatusForbidden},
		{name: "reviewer cannot edit configs", method: http.MethodPost, path: "/supplier-configs", token: reviewer, status: http.StatusForbidden},
		{name: "garbage token", method: http.MethodGet, path: "/runs", token: "not-a-jwt", status: http.StatusUnauthorized},
		{name: "unknown route", method: http.MethodGet, path: "/nope", token: viewer, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(tt.method, tt.path, tt.token, nil, "")
			require.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestSupplierConfigEndpoints(t *testing.T) {
	e := newTestEnv(t)
	admin := token(t, "admin-1", utils.RoleAdmin)
	viewer := token(t, "viewer-1", utils.RoleViewer)

	w := e.doJSON(http.MethodPost, "/supplier-configs", admin, serverSupplierConfig("MPT"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.SupplierConfig
	decodeData(t, w, &created)
	require.Equal(t, 1, created.Version)

	update := serverSupplierConfig("MPT")
	update.TimestampToleranceSeconds = 600
	w = e.doJSON(http.MethodPut, "/supplier-configs/MPT", admin, update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated models.SupplierConfig
	decodeData(t, w, &updated)
	require.Equal(t, 2, updated.Version)
	require.Equal(t, 600, updated.TimestampToleranceSeconds)

	w = e.doJSON(http.MethodPut, "/supplier-configs/MPT", admin, serverSupplierConfig("TELENOR"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.doJSON(http.MethodPut, "/supplier-configs/OOREDOO", admin, serverSupplierConfig("OOREDOO"))
	require.Equal(t, http.StatusNotFound, w.Code)

	invalid := serverSupplierConfig("ATOM")
	invalid.FileSchema.Body = nil
	w = e.doJSON(http.MethodPost, "/supplier-configs", admin, invalid)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "fields")

	w = e.do(http.MethodGet, "/supplier-configs/MPT", viewer, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "history")

	w = e.do(http.MethodGet, "/supplier-configs?active=true", viewer, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var listed []map[string]any
	decodeData(t, w, &listed)
	require.Len(t, listed, 1)

	w = e.do(http.MethodPost, "/supplier-configs/MPT/deactivate", admin, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(http.MethodGet, "/supplier-configs?active=true", viewer, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	listed = nil
	decodeData(t, w, &listed)
	require.Empty(t, listed)
}

func TestIngestReconcileAndResolve(t *testing.T) {
	e := newTestEnv(t)
	e.saveConfig(serverSupplierConfig("MPT"))
	e.seedPlatform("P1", "R1", 10000, 10*time.Hour)

	supplier := supplierToken(t, "mpt-bot", "MPT")
	viewer := token(t, "viewer-1", utils.RoleViewer)
	reviewer := token(t, "reviewer-1", utils.RoleReviewer)

	content := settlementCSV(settlementLine("S1", "R1", 10050, 10*time.Hour+2*time.Second))
	w := e.do(http.MethodPost, "/ingest/MPT?file_name=settlement.csv", supplier, strings.NewReader(content), "text/csv")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var res workflow.SubmitResult
	decodeData(t, w, &res)
	require.NotEmpty(t, res.RunId)
	require.False(t, res.AlreadyProcessed)

	run := e.waitForRun(res.RunId)
	require.Equal(t, models.RunStatusCompleted, run.Status)
	require.Equal(t, "settlement.csv", run.FileName)

	w = e.do(http.MethodPost, "/ingest/MPT?file_name=again.csv", supplier, strings.NewReader(content), "text/csv")
	require.Equal(t, http.StatusOK, w.Code)
	var dup workflow.SubmitResult
	decodeData(t, w, &dup)
	require.True(t, dup.AlreadyProcessed)
	require.Equal(t, res.RunId, dup.RunId)

	w = e.do(http.MethodGet, "/runs?supplier=MPT", viewer, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []map[string]any
	decodeData(t, w, &runs)
	require.Len(t, runs, 1)
	require.Equal(t, "Supplier MPT", runs[0]["supplier_name"])

	w = e.do(http.MethodGet, "/runs/"+res.RunId+"/matches?discrepancy_only=true", viewer, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var matches []map[string]any
	decodeData(t, w, &matches)
	require.Len(t, matches, 1)
	require.Equal(t, string(models.ResolutionManualReview), matches[0]["resolution_status"])
	matchId := matches[0]["id"].(string)

	w = e.do(http.MethodGet, "/matches/"+matchId, viewer, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "details")

	w = e.doJSON(http.MethodPost, "/matches/"+matchId+"/escalate", reviewer, map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.doJSON(http.MethodPost, "/matches/"+matchId+"/resolve", reviewer, map[string]string{"method": "supplier_credit", "notes": "credited on invoice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resolved map[string]any
	decodeData(t, w, &resolved)
	require.Equal(t, string(models.ResolutionResolved), resolved["resolution_status"])
	require.Equal(t, "reviewer-1", resolved["resolved_by"])

	w = e.doJSON(http.MethodPost, "/matches/"+matchId+"/resolve", reviewer, map[string]string{"method": "write_off"})
	require.Equal(t, http.StatusConflict, w.Code)
	var current map[string]any
	decodeData(t, w, &current)
	require.Equal(t, string(models.ResolutionResolved), current["resolution_status"])

	w = e.do(http.MethodGet, "/runs/"+res.RunId+"/audit", viewer, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/audit/verify", viewer, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report workflow.ChainReport
	decodeData(t, w, &report)
	require.True(t, report.Verified)

	w = e.do(http.MethodGet, "/runs/"+res.RunId+"/export.xlsx", viewer, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	require.NotEmpty(t, f.GetSheetList())
	require.NoError(t, f.Close())

	w = e.do(http.MethodGet, "/reports/supplier-summary?from=2026-01-01&to=2099-01-01", viewer, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(http.MethodGet, "/reports/supplier-summary?from=2026-02-01&to=2026-01-01", viewer, nil, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestErrors(t *testing.T) {
	e := newTestEnv(t)
	supplier := supplierToken(t, "mpt-bot", "MPT")
	viewer := token(t, "viewer-1", utils.RoleViewer)

	w := e.do(http.MethodPost, "/ingest/UNKNOWN", supplierToken(t, "unknown-bot", "UNKNOWN"), strings.NewReader(settlementCSV()), "text/csv")
	require.Equal(t, http.StatusPreconditionFailed, w.Code, w.Body.String())

	w = e.do(http.MethodPost, "/ingest/MPT", supplier, strings.NewReader(""), "text/csv")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/runs/does-not-exist", viewer, nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/runs/does-not-exist/matches", viewer, nil, "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodGet, "/runs?status=exploded", viewer, nil, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/runs?limit=-1", viewer, nil, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func pushEnvelope(t *testing.T, messageId string, n gcsObjectNotification) io.Reader {
	t.Helper()
	data, err := json.Marshal(n)
	require.NoError(t, err)
	var msg PubSubMessage
	msg.Message.ID = messageId
	msg.Message.Data = data
	msg.Message.Attributes = map[string]string{"eventType": gcsEventFinalize}
	msg.Subscription = "projects/p/subscriptions/recon-ingress"
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func TestPubSubIngress(t *testing.T) {
	e := newTestEnv(t)
	e.saveConfig(serverSupplierConfig("MPT"))
	e.seedPlatform("P1", "R1", 10000, 10*time.Hour)
	e.objects.objects["incoming/MPT/day-15.csv"] = []byte(settlementCSV(settlementLine("S1", "R1", 10000, 10*time.Hour)))

	w := e.do(http.MethodPost, "/pubsub/ingress", "", pushEnvelope(t, "m-1", gcsObjectNotification{Bucket: "recon", Name: "incoming/MPT/day-15.csv"}), "application/json")
	require.Equal(t, http.StatusNoContent, w.Code)

	var run models.ReconciliationRun
	require.Eventually(t, func() bool {
		return e.db.Where("file_name = ?", "day-15.csv").First(&run).Error == nil
	}, 5*time.Second, 20*time.Millisecond)
	run = *e.waitForRun(run.ID)
	require.Equal(t, models.RunStatusCompleted, run.Status)
	require.Equal(t, "MPT", run.SupplierCode)

	t.Run("redelivery is already processed", func(t *testing.T) {
		w := e.do(http.MethodPost, "/pubsub/ingress", "", pushEnvelope(t, "m-2", gcsObjectNotification{Bucket: "recon", Name: "incoming/MPT/day-15.csv"}), "application/json")
		require.Equal(t, http.StatusNoContent, w.Code)
		var count int64
		require.NoError(t, e.db.Model(&models.ReconciliationRun{}).Count(&count).Error)
		require.EqualValues(t, 1, count)
	})

	t.Run("object outside the prefix is dropped", func(t *testing.T) {
		w := e.do(http.MethodPost, "/pubsub/ingress", "", pushEnvelope(t, "m-3", gcsObjectNotification{Bucket: "recon", Name: "archive/MPT/day-15.csv"}), "application/json")
		require.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("missing object is dropped", func(t *testing.T) {
		w := e.do(http.MethodPost, "/pubsub/ingress", "", pushEnvelope(t, "m-4", gcsObjectNotification{Bucket: "recon", Name: "incoming/MPT/gone.csv"}), "application/json")
		require.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("unknown supplier is dropped", func(t *testing.T) {
		e.objects.objects["incoming/NOPE/day-15.csv"] = []byte("txn_id\n")
		w := e.do(http.MethodPost, "/pubsub/ingress", "", pushEnvelope(t, "m-5", gcsObjectNotification{Bucket: "recon", Name: "incoming/NOPE/day-15.csv"}), "application/json")
		require.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("malformed envelope is dropped", func(t *testing.T) {
		w := e.do(http.MethodPost, "/pubsub/ingress", "", strings.NewReader("{not json"), "application/json")
		require.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("storage outage is retried", func(t *testing.T) {
		e.objects.mu.Lock()
		e.objects.fail = errors.New("storage unavailable")
		e.objects.mu.Unlock()
		defer func() {
			e.objects.mu.Lock()
			e.objects.fail = nil
			e.objects.mu.Unlock()
		}()
		w := e.do(http.MethodPost, "/pubsub/ingress", "", pushEnvelope(t, "m-6", gcsObjectNotification{Bucket: "recon", Name: "incoming/MPT/day-16.csv"}), "application/json")
		require.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestPubSubPushTokenIsVerified(t *testing.T) {
	e := newTestEnv(t)
	const audience = "https://recon.example/pubsub/ingress"
	const pushSA = "pubsub-push@recon.iam.gserviceaccount.com"
	e.server.pushAuth = pushAuthenticator{
		Audience:       audience,
		ServiceAccount: pushSA,
		validate: func(_ context.Context, tok, aud string) (*idtoken.Payload, error) {
			if aud != audience {
				return nil, fmt.Errorf("audience %q", aud)
			}
			p := &idtoken.Payload{Issuer: "https://accounts.google.com", Audience: aud, Claims: map[string]interface{}{"email": pushSA, "email_verified": true}}
			switch tok {
			case "google-signed":
			case "foreign-issuer":
				p.Issuer = "https://issuer.example"
			case "other-account":
				p.Claims["email"] = "someone@recon.iam.gserviceaccount.com"
			default:
				return nil, errors.New("invalid signature")
			}
			return p, nil
		},
	}

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "no token", status: http.StatusUnauthorized},
		{name: "bad signature", token: "forged", status: http.StatusUnauthorized},
		{name: "foreign issuer", token: "foreign-issuer", status: http.StatusUnauthorized},
		{name: "other service account", token: "other-account", status: http.StatusUnauthorized},
		{name: "push subscription token", token: "google-signed", status: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(http.MethodPost, "/pubsub/ingress", tt.token, strings.NewReader("{not json"), "application/json")
			require.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestIngressBucketMismatchIsPoison(t *testing.T) {
	e := newTestEnv(t)
	t.Setenv("GCS_BUCKET", "recon-ingress")
	data, err := json.Marshal(gcsObjectNotification{Bucket: "elsewhere", Name: "incoming/MPT/day-15.csv"})
	require.NoError(t, err)
	err = e.server.handleObjectNotification(e.ctx, "m-1", nil, data)
	require.ErrorIs(t, err, errPoisonMessage)
}

func TestNonFinalizeEventsAreIgnored(t *testing.T) {
	e := newTestEnv(t)
	err := e.server.handleObjectNotification(e.ctx, "m-1", map[string]string{"eventType": "OBJECT_DELETE"}, []byte("{}"))
	require.NoError(t, err)
}

func TestSupplierFromObject(t *testing.T) {
	tests := []struct {
		object string
		code   string
		file   string
		ok     bool
	}{
		{object: "incoming/MPT/day-15.csv", code: "MPT", file: "day-15.csv", ok: true},
		{object: "incoming/MPT/2026/01/day-15.csv", code: "MPT", file: "day-15.csv", ok: true},
		{object: "incoming/MPT/", ok: false},
		{object: "incoming//day-15.csv", ok: false},
		{object: "incoming/day-15.csv", ok: false},
		{object: "outgoing/MPT/day-15.csv", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.object, func(t *testing.T) {
			code, file, ok := supplierFromObject(tt.object)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.code, code)
			require.Equal(t, tt.file, file)
		})
	}
}

func TestIngressObjectKey(t *testing.T) {
	key := ingressObjectKey("MPT", "Settlement 15 Jan.CSV")
	code, file, ok := supplierFromObject(key)
	require.True(t, ok)
	require.Equal(t, "MPT", code)
	require.True(t, strings.HasSuffix(file, "-Settlement_15_Jan.csv"), file)

	key = ingressObjectKey("MPT", "../../.csv")
	require.True(t, strings.HasSuffix(key, "-settlement.csv"), key)
}

func TestMimeAllowed(t *testing.T) {
	require.True(t, mimeAllowed(models.AdapterCSV, "text/csv"))
	require.True(t, mimeAllowed(models.AdapterCSV, "Text/CSV; charset=utf-8"))
	require.False(t, mimeAllowed(models.AdapterCSV, "application/json"))
	require.True(t, mimeAllowed(models.AdapterXLSX, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"))
	require.False(t, mimeAllowed(models.AdapterClass("pdf"), "application/pdf"))
}

func TestStatusForError(t *testing.T) {
	var validationErrs validator.ValidationErrors
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "not found", err: fmt.Errorf("load: %w", utils.ErrorRecordNotFound), status: http.StatusNotFound},
		{name: "resolution conflict", err: &workflow.ResolutionConflictError{}, status: http.StatusConflict},
		{name: "illegal transition", err: utils.ErrIllegalTransition, status: http.StatusConflict},
		{name: "not replayable", err: workflow.ErrRunNotReplayable, status: http.StatusConflict},
		{name: "schema mismatch", err: utils.ErrSchemaMismatch, status: http.StatusUnprocessableEntity},
		{name: "configuration missing", err: utils.ErrConfigurationMissing, status: http.StatusPreconditionFailed},
		{name: "pool stopped", err: workflow.ErrPoolStopped, status: http.StatusServiceUnavailable},
		{name: "validation", err: validationErrs, status: http.StatusBadRequest},
		{name: "anything else", err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.status, statusForError(tt.err))
		})
	}
}

func TestRecoveryBackoff(t *testing.T) {
	base := time.Minute
	max := 10 * time.Minute
	require.Equal(t, base, recoveryBackoff(0, base, max))
	require.Equal(t, base, recoveryBackoff(1, base, max))
	require.Equal(t, 2*time.Minute, recoveryBackoff(2, base, max))
	require.Equal(t, 8*time.Minute, recoveryBackoff(4, base, max))
	require.Equal(t, max, recoveryBackoff(5, base, max))
	require.Equal(t, max, recoveryBackoff(200, base, max))
}

func TestRecoverOnceWithoutRedis(t *testing.T) {
	e := newTestEnv(t)
	w := &runRecoveryWorker{Orchestrator: e.server.orch, Requeue: e.server.pool.Enqueue, Logger: e.server.logger, Interval: time.Minute, MaxBackoff: time.Minute}
	res, err := w.recoverOnce(e.ctx)
	require.NoError(t, err)
	require.Zero(t, res.Failed)
	require.Zero(t, res.Requeued)
}

func TestSplitAndTrim(t *testing.T) {
	require.Equal(t, []string{"https://a.example", "https://b.example"}, splitAndTrim(" https://a.example, ,https://b.example "))
	require.Empty(t, splitAndTrim(""))
}
