package middleware

import (
	"net/http"
	"os"
	"predios-api/internal/logger"
	"predios-api/internal/metrics"
	"strconv"

	"golang.org/x/time/rate"
)

// 文档注释：全局令牌桶限流
// 约束：不排队，令牌耗尽直接返回 429；RATE_LIMIT_QPS 默认 200，RATE_LIMIT_BURST 默认等于 QPS。
func RateLimit(next http.Handler, qps, burst int) http.Handler {
	if burst <= 0 {
		burst = qps
	}
	lim := rate.NewLimiter(rate.Limit(qps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lim.Allow() {
			metrics.RateLimitedTotal.Inc()
			w.Header().Set("retry-after", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Wrap：按 RATE_LIMIT_ENABLED 决定是否挂载限流
func Wrap(next http.Handler) http.Handler {
	if os.Getenv("RATE_LIMIT_ENABLED") != "true" {
		return next
	}
	qps := 200
	if s := os.Getenv("RATE_LIMIT_QPS"); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 {
			qps = n
		}
	}
	burst := 0
	if s := os.Getenv("RATE_LIMIT_BURST"); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 {
			burst = n
		}
	}
	logger.L().Info("rate_limit_enabled", "qps", qps, "burst", burst)
	return RateLimit(next, qps, burst)
}
