// 程序入口：读取配置、初始化依赖、首次构建空间索引，并在同一 errgroup 中运行 HTTP 服务与索引刷新器
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"predios-api/internal/api"
	"predios-api/internal/ingest"
	"predios-api/internal/kdtree"
	"predios-api/internal/locator"
	"predios-api/internal/logger"
	"predios-api/internal/metrics"
	"predios-api/internal/middleware"
	"predios-api/internal/migrate"
	"predios-api/internal/store"
	"predios-api/internal/utils"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func envSeconds(key string, def int) time.Duration {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(def) * time.Second
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	l.Debug("log_init_ok")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiBase := os.Getenv("API_BASE")
	if apiBase == "" {
		apiBase = "/api"
	}
	eps := kdtree.DefaultEpsilon
	if s := os.Getenv("FIND_EPSILON"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			eps = f
		}
	}
	l.Debug("config", "api_base", apiBase, "find_epsilon", eps)

	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		l.Error("db_ping_error", "err", err)
	} else {
		l.Info("db_ping_ok")
	}
	if os.Getenv("AUTO_MIGRATE") != "false" {
		if err := migrate.EnsureSchema(ctx, db); err != nil {
			l.Error("schema_error", "err", err)
			os.Exit(1)
		}
	}
	st := store.AttachDB(db)

	rc := utils.OpenRedisFromEnv()
	if rc == nil {
		l.Info("redis_disabled")
	} else {
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			l.Error("redis_ping_error", "err", err)
		} else {
			l.Info("redis_ping_ok")
		}
	}

	loc := locator.New()
	ref := ingest.NewRefresher(st, loc, envSeconds("INDEX_REFRESH_INTERVAL_S", 60))
	// 首次加载失败不阻断启动：空索引下查询返回 404，刷新器继续重试
	if err := ref.RefreshNow(ctx); err != nil {
		l.Error("index_initial_load_error", "err", err)
	}

	mux := http.NewServeMux()
	apiMux := api.BuildRoutes(st, loc, rc, api.Config{
		Epsilon:   eps,
		CacheTTL:  envSeconds("QUERY_CACHE_TTL_S", 300),
		Reindexer: ref,
	})
	mux.Handle(apiBase+"/", http.StripPrefix(apiBase, apiMux))
	mux.Handle(apiBase+"/metrics", metrics.Handler())

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handler := middleware.Wrap(logger.AccessMiddleware(l)(mux))
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ref.Run(gctx) })
	g.Go(func() error {
		l.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		l.Error("server_error", "err", err)
		os.Exit(1)
	}
	l.Info("shutdown_done")
}
