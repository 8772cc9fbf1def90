package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const ListLimit = 50

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	godotenv.Load()
}

// DSN builds the MySQL DSN from DB_* env vars. DB_HOST may be a Cloud SQL
// unix socket path ("/cloudsql/<CONNECTION_NAME>").
func DSN() string {
	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")

	network := "tcp"
	address := fmt.Sprintf("%s:%s", dbHost, dbPort)
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		network = "unix"
		address = dbHost
	}

	// loc=UTC keeps occurred_at round-trips stable for audit hash verification.
	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true&loc=UTC",
		dbUser,
		dbPassword,
		network,
		address,
		dbName,
	)
}

// ConnectDatabaseWithRetry blocks until the database answers, then sets the
// global DB. Call it from main() after the HTTP server is listening.
func ConnectDatabaseWithRetry() {
	logger := GetLogger()
	wait := time.Second
	for attempt := 1; ; attempt++ {
		conn, err := gorm.Open(mysql.Open(DSN()), GormConfig())
		if err == nil {
			err = tunePool(conn)
		}
		if err == nil {
			if pluginErr := conn.Use(otelgorm.NewPlugin()); pluginErr != nil {
				logger.WithError(pluginErr).Warn("otelgorm plugin not installed")
			}
			db = conn
			logger.WithFields(logrus.Fields{"field": "database", "attempt": attempt}).Info("connected to database")
			return
		}
		logger.WithFields(logrus.Fields{"field": "database", "attempt": attempt, "retry_in": wait.String()}).
			WithError(err).Warn("database connect failed")
		time.Sleep(wait)
		wait = min(wait*2, 30*time.Second)
	}
}

// tunePool applies DB_* pool limits. Each run holds a connection for its
// persist transactions, so the pool should exceed RECON_WORKERS.
func tunePool(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(max(intFromEnv("DB_MAX_OPEN_CONNS", 50), 1))
	sqlDB.SetMaxIdleConns(max(intFromEnv("DB_MAX_IDLE_CONNS", 25), 0))
	sqlDB.SetConnMaxLifetime(time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second)
	return sqlDB.Ping()
}

// IsDuplicateKey reports a unique-constraint violation from MySQL (1062),
// from gorm's translated error, or from SQLite in tests.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysqlDriver.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GormConfig is shared by the server, the CLIs and the test harness.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         gormLogger(),
		NamingStrategy: schema.NamingStrategy{},
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// gormLogger routes gorm's SQL errors and slow queries through logrus.
func gormLogger() gormlogger.Interface {
	return gormlogger.New(
		log.New(GetLogger().WriterLevel(logrus.WarnLevel), "", 0),
		gormlogger.Config{
			Colorful:                  false,
			LogLevel:                  gormlogger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}
