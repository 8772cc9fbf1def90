package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Engine tunables. All are read on every call so tests can t.Setenv them.

// Workers is the size of the run worker pool.
//
// Set via env:
// - RECON_WORKERS (default runtime.NumCPU())
func Workers() int {
	n := intFromEnv("RECON_WORKERS", runtime.NumCPU())
	if n <= 0 {
		return 1
	}
	return n
}

// MaxRunDuration bounds a single run end to end.
//
// Set via env:
// - RECON_MAX_RUN_DURATION (Go duration, default 10m)
func MaxRunDuration() time.Duration {
	return durationFromEnv("RECON_MAX_RUN_DURATION", 10*time.Minute)
}

// MaxRejectRatio is the per-file ceiling of rejected records before the file
// is treated as a schema mismatch.
//
// Set via env:
// - RECON_MAX_REJECT_RATIO (default 0.05)
func MaxRejectRatio() float64 {
	return floatFromEnv("RECON_MAX_REJECT_RATIO", 0.05)
}

// ManualReviewRatio is the fallback alert ratio for suppliers that do not
// configure their own.
//
// Set via env:
// - RECON_MANUAL_REVIEW_RATIO (default 0.10)
func ManualReviewRatio() float64 {
	return floatFromEnv("RECON_MANUAL_REVIEW_RATIO", 0.10)
}

// SchedulerInterval is how often the delivery scheduler sweeps windows.
//
// Set via env:
// - RECON_SCHEDULER_INTERVAL (Go duration, default 5m)
func SchedulerInterval() time.Duration {
	return durationFromEnv("RECON_SCHEDULER_INTERVAL", 5*time.Minute)
}

// AlertDefaultRegion is the phone region used when SMS recipients are not
// written in international form.
//
// Set via env:
// - ALERT_DEFAULT_REGION (default MM)
func AlertDefaultRegion() string {
	if v := strings.TrimSpace(os.Getenv("ALERT_DEFAULT_REGION")); v != "" {
		return strings.ToUpper(v)
	}
	return "MM"
}

func AlertTopic() string {
	if v := strings.TrimSpace(os.Getenv("RECON_ALERT_TOPIC")); v != "" {
		return v
	}
	return "recon-alerts"
}

// IngressSubscription enables the pull consumer for bucket notifications.
// Push delivery to /pubsub/ingress works without it.
func IngressSubscription() string {
	return strings.TrimSpace(os.Getenv("RECON_INGRESS_SUBSCRIPTION"))
}

// PushAudience is the audience Pub/Sub push tokens must carry. Empty leaves
// /pubsub/ingress unauthenticated for deployments behind an authenticated
// ingress.
func PushAudience() string {
	return strings.TrimSpace(os.Getenv("PUBSUB_PUSH_AUDIENCE"))
}

// PushServiceAccount, when set, must be the email of the push token.
func PushServiceAccount() string {
	return strings.TrimSpace(os.Getenv("PUBSUB_PUSH_SERVICE_ACCOUNT"))
}

// IngressTopic is created with the subscription when both are set.
func IngressTopic() string {
	return strings.TrimSpace(os.Getenv("RECON_INGRESS_TOPIC"))
}

// IngressBucket receives supplier uploads made through signed URLs.
//
// Set via env:
// - GCS_BUCKET
func IngressBucket() string {
	return strings.TrimSpace(os.Getenv("GCS_BUCKET"))
}

// RecoveryInterval is how often stale pending/processing runs are failed.
//
// Set via env:
// - RECON_RECOVERY_INTERVAL (Go duration, default 1m)
// - RECON_RECOVERY_ENABLED=false disables the loop
func RecoveryInterval() time.Duration {
	return durationFromEnv("RECON_RECOVERY_INTERVAL", time.Minute)
}

func RecoveryEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("RECON_RECOVERY_ENABLED")))
	return v != "false" && v != "0"
}

func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS")
}

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Rate limiting is per actor (or client IP when anonymous) over a fixed
// window, counted in Redis.
// - RATE_LIMIT_ENABLED=true
// - RATE_LIMIT_MAX_REQUESTS (default 600)
// - RATE_LIMIT_WINDOW_SECONDS (default 60)
func RateLimitEnabled() bool {
	return boolFromEnv("RATE_LIMIT_ENABLED")
}

func RateLimit() (limit int64, window time.Duration) {
	limit = int64(intFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
	if limit <= 0 {
		limit = 600
	}
	seconds := intFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)
	if seconds <= 0 {
		seconds = 60
	}
	return limit, time.Duration(seconds) * time.Second
}
