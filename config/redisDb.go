package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

func init() {
	godotenv.Load()
}

// RedisClient is nil until ConnectRedisWithRetry succeeds.
func RedisClient() *redis.Client {
	return rdb
}

// UseRedis installs an existing client; nil disables caching and locking.
func UseRedis(client *redis.Client) {
	rdb = client
	if client != nil {
		locker = redislock.New(client)
	} else {
		locker = nil
	}
}

// GetRedisObject decodes key into dest. hit is false on a miss or when
// Redis is not configured.
func GetRedisObject(ctx context.Context, key string, dest any) (hit bool, err error) {
	if rdb == nil {
		return false, nil
	}
	raw, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func SetRedisObject(ctx context.Context, key string, obj any, exp time.Duration) error {
	if rdb == nil {
		return nil
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, raw, exp).Err()
}

// ObtainLock takes a best-effort distributed lock. A nil lock with a nil
// error means Redis is not configured and the caller proceeds unlocked.
func ObtainLock(ctx context.Context, key string, ttl time.Duration) (*redislock.Lock, error) {
	if locker == nil {
		return nil, nil
	}
	return locker.Obtain(ctx, key, ttl, nil)
}

// ConnectRedisWithRetry connects when REDIS_ADDRESS is set. Redis only backs
// caches and locks, so it gives up after a few attempts instead of blocking.
func ConnectRedisWithRetry() {
	logger := GetLogger()
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		logger.WithField("field", "redis").Info("REDIS_ADDRESS not set; running without redis")
		return
	}

	wait := time.Second
	for attempt := 1; attempt <= 5; attempt++ {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			PoolSize: intFromEnv("REDIS_POOL_SIZE", 20),
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			UseRedis(client)
			logger.WithFields(logrus.Fields{"field": "redis", "addr": addr, "attempt": attempt}).Info("connected to redis")
			return
		}
		_ = client.Close()
		logger.WithFields(logrus.Fields{"field": "redis", "addr": addr, "attempt": attempt, "retry_in": wait.String()}).
			WithError(err).Warn("redis connect failed")
		time.Sleep(wait)
		wait = min(wait*2, 30*time.Second)
	}
	logger.WithFields(logrus.Fields{"field": "redis", "addr": addr}).Warn("giving up on redis; caches and locks disabled")
}

// CloseRedis releases the client on shutdown.
func CloseRedis() {
	if rdb != nil {
		_ = rdb.Close()
		UseRedis(nil)
	}
}
