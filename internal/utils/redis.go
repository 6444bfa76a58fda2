package utils

import (
	"os"
	"predios-api/internal/logger"

	"github.com/redis/go-redis/v9"
)

// OpenRedisFromEnv：按 REDIS_* 变量创建客户端
// 约束：REDIS_DISABLED=true 时返回 nil，调用方据此跳过缓存；REDIS_DB 非法时回退 0
func OpenRedisFromEnv() *redis.Client {
	if os.Getenv("REDIS_DISABLED") == "true" {
		return nil
	}
	addr := envOr("REDIS_HOST", "127.0.0.1") + ":" + envOr("REDIS_PORT", "6379")
	db := envInt("REDIS_DB", 0)
	if db < 0 {
		db = 0
	}
	logger.L().Debug("redis_env", "addr", addr, "db", db)
	return redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASS"), DB: db})
}
