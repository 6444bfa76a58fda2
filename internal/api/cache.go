package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"predios-api/internal/locator"
	"predios-api/internal/logger"
	"predios-api/internal/metrics"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// queryCache：Redis 读穿缓存；客户端为 nil 时所有操作为空操作
// 约束：Redis 异常只记日志并按未命中处理，不影响查询本身
type queryCache struct {
	rc  *redis.Client
	ttl time.Duration
}

func newQueryCache(rc *redis.Client, ttl time.Duration) *queryCache {
	return &queryCache{rc: rc, ttl: ttl}
}

func (c *queryCache) get(ctx context.Context, key string, out any) bool {
	if c.rc == nil {
		return false
	}
	s, err := c.rc.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.L().Debug("cache_get_error", "key", key, "err", err)
		}
		metrics.CacheMissesTotal.Inc()
		return false
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		metrics.CacheMissesTotal.Inc()
		return false
	}
	metrics.CacheHitsTotal.Inc()
	return true
}

func (c *queryCache) set(ctx context.Context, key string, v any) {
	if c.rc == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rc.Set(ctx, key, b, c.ttl).Err(); err != nil {
		logger.L().Debug("cache_set_error", "key", key, "err", err)
	}
}

// 坐标以最短可往返形式入键，避免不同查询点落到同一键
func coordKey(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func nearestKey(lat, lon float64) string { return coordKey(lat) + ":" + coordKey(lon) }

func findKey(lat, lon, eps float64) string {
	return coordKey(lat) + ":" + coordKey(lon) + ":" + coordKey(eps)
}

// versionedKey：键带快照版本与构建时间，版本计数为进程内值，构建时间区分不同实例
func versionedKey(op string, snap *locator.Snapshot, key string) string {
	return fmt.Sprintf("predios:%s:v%d.%d:%s", op, snap.Version, snap.BuiltAt.UnixNano(), key)
}
