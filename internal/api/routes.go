// 包 api：地块空间查询 HTTP 路由；独立 ServeMux，由主入口挂载到 API_BASE 前缀下
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"predios-api/internal/kdtree"
	"predios-api/internal/locator"
	"predios-api/internal/logger"
	"predios-api/internal/metrics"
	"predios-api/internal/store"
	"time"

	"github.com/redis/go-redis/v9"
)

// ParcelStore：路由依赖的存储能力，由 store.Store 实现
type ParcelStore interface {
	GetParcel(ctx context.Context, id int64) (store.Parcel, error)
	ListParcels(ctx context.Context, f store.ParcelFilter) ([]store.Parcel, error)
	SearchByOwner(ctx context.Context, name string) ([]store.Parcel, error)
	Stats(ctx context.Context) (store.Stats, error)
	Sectors(ctx context.Context) ([]store.SectorStats, error)
	CreateParcel(ctx context.Context, in store.ParcelInput) (store.Parcel, error)
	UpdateParcel(ctx context.Context, id int64, p store.ParcelPatch) (store.Parcel, error)
	DeleteParcel(ctx context.Context, id int64) (string, error)
	Ping(ctx context.Context) error
}

// Reindexer：写入后触发索引重建，由 ingest.Refresher 实现
type Reindexer interface {
	RefreshNow(ctx context.Context) error
}

// Config：查询参数默认值；Reindexer 为 nil 时写入只等周期刷新生效
type Config struct {
	Epsilon   float64
	CacheTTL  time.Duration
	Reindexer Reindexer
}

// queryResponse：nearest/find 对外结构，version 标识所用索引快照
type queryResponse struct {
	locator.Match
	Version uint64 `json:"version"`
}

type indexResponse struct {
	Version uint64    `json:"version"`
	Points  int       `json:"points"`
	Depth   int       `json:"depth"`
	BuiltAt time.Time `json:"built_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// BuildRoutes：rc 为 nil 时不使用查询缓存
func BuildRoutes(st ParcelStore, loc *locator.Locator, rc *redis.Client, cfg Config) *http.ServeMux {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = kdtree.DefaultEpsilon
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	h := &handlers{st: st, loc: loc, cache: newQueryCache(rc, cfg.CacheTTL), cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.root)
	mux.HandleFunc("GET /predios", h.list)
	mux.HandleFunc("POST /predios", h.create)
	mux.HandleFunc("GET /predios/morosos", h.delinquent)
	mux.HandleFunc("GET /predios/radio", h.radius)
	mux.HandleFunc("GET /predios/nearest", h.nearest)
	mux.HandleFunc("GET /predios/find", h.find)
	mux.HandleFunc("GET /predios/{id}", h.parcel)
	mux.HandleFunc("PUT /predios/{id}", h.update)
	mux.HandleFunc("DELETE /predios/{id}", h.remove)
	mux.HandleFunc("GET /buscar", h.search)
	mux.HandleFunc("GET /sectores", h.sectors)
	mux.HandleFunc("GET /estadisticas", h.stats)
	mux.HandleFunc("GET /index", h.index)
	mux.HandleFunc("GET /health", h.health)
	return mux
}

type handlers struct {
	st    ParcelStore
	loc   *locator.Locator
	cache *queryCache
	cfg   Config
}

func (h *handlers) nearest(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := parseCoord(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.serveQuery(w, r, "nearest", nearestKey(lat, lon), func(s *locator.Snapshot) (locator.Match, bool) {
		return s.Nearest(lat, lon)
	})
}

func (h *handlers) find(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := parseCoord(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	eps, err := parseEpsilon(r, h.cfg.Epsilon)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.serveQuery(w, r, "find", findKey(lat, lon, eps), func(s *locator.Snapshot) (locator.Match, bool) {
		return s.Find(lat, lon, eps)
	})
}

// serveQuery：取一次快照，缓存键带快照版本，重建后旧缓存自然失效
func (h *handlers) serveQuery(w http.ResponseWriter, r *http.Request, op, key string, q func(*locator.Snapshot) (locator.Match, bool)) {
	t0 := time.Now()
	ctx := r.Context()
	metrics.QueriesTotal.WithLabelValues(op).Inc()
	defer func() {
		metrics.QueryDurationMs.WithLabelValues(op).Observe(float64(time.Since(t0).Microseconds()) / 1000)
	}()
	snap := h.loc.Current()
	key = versionedKey(op, snap, key)
	var res queryResponse
	if h.cache.get(ctx, key, &res) {
		writeJSON(w, http.StatusOK, res)
		return
	}
	m, ok := q(snap)
	if !ok {
		metrics.QueryMissesTotal.WithLabelValues(op).Inc()
		logger.L().Debug("query_miss", "op", op, "key", key)
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	res = queryResponse{Match: m, Version: snap.Version}
	h.cache.set(ctx, key, res)
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mensaje": "API Tributaria Municipal - Jayllihuaya",
		"endpoints": map[string]string{
			"predios":      "/predios",
			"morosos":      "/predios/morosos",
			"buscar":       "/buscar?nombre={nombre}",
			"radio":        "/predios/radio?lat={lat}&lng={lng}&radius={metros}",
			"cercano":      "/predios/nearest?lat={lat}&lng={lng}",
			"exacto":       "/predios/find?lat={lat}&lng={lng}&eps={eps}",
			"estadisticas": "/estadisticas",
			"sectores":     "/sectores",
		},
	})
}

func (h *handlers) parcel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	p, err := h.st.GetParcel(r.Context(), id)
	if errors.Is(err, store.ErrParcelNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		logger.L().Error("parcel_get_error", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.st.Stats(r.Context())
	if err != nil {
		logger.L().Error("stats_error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	s := h.loc.Current()
	writeJSON(w, http.StatusOK, indexResponse{Version: s.Version, Points: s.Len(), Depth: s.Depth(), BuiltAt: s.BuiltAt})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.st.Ping(ctx); err != nil {
		logger.L().Warn("health_db_error", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "db_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "index_points": h.loc.Current().Len()})
}
