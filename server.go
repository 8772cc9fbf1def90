package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/middlewares"
	"github.com/mmdatafocus/vas_recon/models"
	"github.com/mmdatafocus/vas_recon/utils"
	"github.com/mmdatafocus/vas_recon/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

const defaultPort = "8080"

var tracer = otel.Tracer("vas_recon")

// objectReader fetches objects announced by bucket notifications.
type objectReader interface {
	Read(ctx context.Context, bucket, objectName string) ([]byte, error)
}

// reconServer holds what the handlers need. Until ready is set every route
// except /healthz answers 503.
type reconServer struct {
	ready    atomic.Bool
	db       *gorm.DB
	logger   *logrus.Logger
	registry *workflow.SupplierConfigRegistry
	orch     *workflow.Orchestrator
	pool     *workflow.RunWorkerPool
	objects  objectReader
	pushAuth pushAuthenticator
}

func newReconServer(logger *logrus.Logger) *reconServer {
	return &reconServer{logger: logger, pushAuth: newPushAuthenticator()}
}

// wire installs the collaborators and opens the gate.
func (s *reconServer) wire(db *gorm.DB, registry *workflow.SupplierConfigRegistry, orch *workflow.Orchestrator, pool *workflow.RunWorkerPool, objects objectReader) {
	s.db = db
	s.registry = registry
	s.orch = orch
	s.pool = pool
	s.objects = objects
	s.ready.Store(true)
}

func (s *reconServer) readinessGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Always allow the Cloud Run startup check.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !s.ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

// loaders attaches request scoped dataloaders once the database is known.
func (s *reconServer) loaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(middlewares.WithLoaders(c.Request.Context(), s.db))
		c.Next()
	}
}

func (s *reconServer) registerRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// Push endpoint for bucket notifications; authenticated by the OIDC token
	// of the Pub/Sub push subscription, not by our bearer tokens.
	r.POST(pushIngressPath, s.requirePushToken(), s.pubsubIngressHandler())

	ingest := r.Group("/ingest", middlewares.RequireRole(utils.RoleSupplier), middlewares.RequireSupplierScope("supplierCode"))
	ingest.POST("/:supplierCode", s.ingestHandler())
	ingest.POST("/:supplierCode/upload-url", s.signUploadHandler())

	read := r.Group("", middlewares.RequireRole(utils.RoleViewer, utils.RoleReviewer))
	read.GET("/runs", s.listRunsHandler())
	read.GET("/runs/:id", s.getRunHandler())
	read.GET("/runs/:id/matches", s.listRunMatchesHandler())
	read.GET("/runs/:id/audit", s.runAuditHandler())
	read.GET("/runs/:id/export.xlsx", s.exportRunHandler())
	read.GET("/runs/:id/replay", s.replayRunHandler())
	read.GET("/matches/:id", s.getMatchHandler())
	read.GET("/audit/verify", s.verifyAuditHandler())
	read.GET("/reports/supplier-summary", s.supplierSummaryHandler())
	read.GET("/supplier-configs", s.listSupplierConfigsHandler())
	read.GET("/supplier-configs/:code", s.getSupplierConfigHandler())
	read.GET("/supplier-configs/:code/delivery-windows", s.deliveryWindowsHandler())

	review := r.Group("/matches", middlewares.RequireRole(utils.RoleReviewer))
	review.POST("/:id/resolve", s.resolveMatchHandler())
	review.POST("/:id/escalate", s.escalateMatchHandler())

	admin := r.Group("", middlewares.RequireRole(utils.RoleAdmin))
	admin.POST("/supplier-configs", s.saveSupplierConfigHandler())
	admin.PUT("/supplier-configs/:code", s.saveSupplierConfigHandler())
	admin.POST("/supplier-configs/:code/deactivate", s.deactivateSupplierConfigHandler())
	admin.POST("/audit/corrections", s.auditCorrectionHandler())

	r.NoRoute(customNotFoundHandler)
}

// newRouter assembles middleware in the order requests see it.
func (s *reconServer) newRouter(logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(s.readinessGate())
	r.Use(cors.New(corsConfig()))

	r.Use(middlewares.AuthMiddleware(pushIngressPath))
	if config.RateLimitEnabled() {
		limit, window := config.RateLimit()
		r.Use(middlewares.NewRateLimiter(config.RedisClient, limit, window).Middleware())
	}
	r.Use(s.loaders())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	s.registerRoutes(r)
	return r
}

func corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.CorrelationHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationHeader)
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	return corsConfig
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until the database is ready, app endpoints return 503.
	server := newReconServer(logger)
	r := server.newRouter(logger)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open. Redis is optional.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; run it as a job instead when
	// SKIP_MIGRATIONS=true.
	if !config.SkipMigrations() {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	if err := models.InstallGuards(db); err != nil {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal("install audit guard: " + err.Error())
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	registry := workflow.NewSupplierConfigRegistry(db, logger)
	for attempt := 1; ; attempt++ {
		err := registry.Load(workerCtx)
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		logger.WithFields(logrus.Fields{
			"field":   "SupplierConfigRegistry",
			"attempt": attempt,
		}).Warn("failed to load supplier configs; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	store := utils.NewGCSFileStore()
	defer store.Close()
	orch := workflow.NewOrchestrator(db, logger, registry, workflow.NewGormPlatformLedger(db), store)
	pool := workflow.NewRunWorkerPool(orch, logger, config.Workers())
	pool.Start(workerCtx)
	server.wire(db, registry, orch, pool, store)

	// Background workers: alert outbox, delivery windows, stale-run recovery
	// and the optional pull consumer for bucket notifications.
	go workflow.NewAlertDispatcher(db, logger, workflow.NewPubSubAlertPublisher()).Run(workerCtx)
	go workflow.NewDeliveryScheduler(db, logger, registry).Run(workerCtx)
	if config.RecoveryEnabled() {
		go newRunRecoveryWorker(orch, pool.Enqueue, logger).Run(workerCtx)
	}
	if config.IngressSubscription() != "" {
		go server.runIngressSubscriber(workerCtx)
	}

	if db.Dialector.Name() == "mysql" {
		for attempt := 1; ; attempt++ {
			err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
			if err == nil {
				break
			}
			sleep := time.Second * time.Duration(1<<min(attempt, 5))
			if sleep > 30*time.Second {
				sleep = 30 * time.Second
			}
			logger.WithFields(logrus.Fields{
				"field":   "database",
				"attempt": attempt,
			}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
			time.Sleep(sleep)
		}
	}

	logger.WithFields(logrus.Fields{
		"info":    "Connection Established",
		"workers": pool.Workers,
	}).Info("reconciliation engine listening on :", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP first so no new files are admitted, then let queued runs
	// finish before stopping the background workers.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	pool.Stop()
	cancelWorkers()

	config.CloseRedis()
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			fields := logrus.Fields{
				"field":          "http",
				"path":           c.FullPath(),
				"correlation_id": cid,
			}
			if code, ok := utils.GetSupplierCodeFromContext(c.Request.Context()); ok {
				fields["supplier_code"] = code
			}
			logger.WithFields(fields).Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
