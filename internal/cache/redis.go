package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/donezo/chatguard/internal/policy"
)

// ResultCache caches scan results in Redis, keyed by rule-set fingerprint and
// a hash of the message text. Lookup failures degrade to a miss.
type ResultCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewResultCache connects to Redis and verifies the connection
func NewResultCache(config *Config, logger *zap.Logger) (*ResultCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}

	rc := newResultCache(redis.NewClient(opts), config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rc.client.Ping(ctx).Err(); err != nil {
		rc.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Result cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("pool_size", opts.PoolSize),
		zap.Duration("ttl", config.TTL))

	return rc, nil
}

func newResultCache(client *redis.Client, config *Config, logger *zap.Logger) *ResultCache {
	return &ResultCache{
		client: client,
		config: config,
		logger: logger,
	}
}

// Get returns the cached result for text under the given rule set
func (rc *ResultCache) Get(ctx context.Context, ruleSet, text string) (policy.ScanResult, bool) {
	key := rc.Key(ruleSet, text)

	data, err := rc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		rc.misses.Add(1)
		return policy.ScanResult{}, false
	} else if err != nil {
		rc.errors.Add(1)
		rc.misses.Add(1)
		rc.logger.Warn("Cache lookup failed", zap.Error(err))
		return policy.ScanResult{}, false
	}

	var cached CachedResult
	if err := json.Unmarshal(data, &cached); err != nil || cached.RuleSet != ruleSet {
		rc.logger.Warn("Dropping corrupted cache entry", zap.String("key", key))
		rc.client.Del(ctx, key)
		rc.misses.Add(1)
		return policy.ScanResult{}, false
	}

	rc.hits.Add(1)
	return cached.toResult(text), true
}

// Set stores a scan result
func (rc *ResultCache) Set(ctx context.Context, ruleSet, text string, result policy.ScanResult) error {
	data, err := json.Marshal(newCachedResult(result, ruleSet, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := rc.client.Set(ctx, rc.Key(ruleSet, text), data, rc.config.TTL).Err(); err != nil {
		rc.errors.Add(1)
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}

// GetStats returns cache performance statistics
func (rc *ResultCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{
		Hits:   rc.hits.Load(),
		Misses: rc.misses.Load(),
		Errors: rc.errors.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	info, err := rc.client.Info(ctx, "memory").Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get Redis info: %w", err)
	}
	stats.MemoryUsage = parseUsedMemory(info)

	if keys, err := rc.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Clear removes every cached result under the key prefix
func (rc *ResultCache) Clear(ctx context.Context) (int, error) {
	iter := rc.client.Scan(ctx, 0, rc.config.KeyPrefix+":scan:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan cache keys: %w", err)
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := rc.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return i, fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	rc.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return len(keys), nil
}

// Ping checks the Redis connection
func (rc *ResultCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *ResultCache) Close() error {
	if rc.client != nil {
		return rc.client.Close()
	}
	return nil
}

// Key builds the cache key for text under a rule set
func (rc *ResultCache) Key(ruleSet, text string) string {
	sum := sha256.Sum256([]byte(text))
	fp := ruleSet
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return fmt.Sprintf("%s:scan:%s:%s", rc.config.KeyPrefix, fp, hex.EncodeToString(sum[:])[:32])
}

func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(v, 10, 64); err == nil {
				return mem
			}
		}
	}
	return 0
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	start := 0
	if i := strings.Index(url[:at], "://"); i >= 0 {
		start = i + 3
	}
	colon := strings.LastIndex(url[start:at], ":")
	if colon < 0 {
		return url
	}
	return url[:start+colon+1] + "***" + url[at:]
}
