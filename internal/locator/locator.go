// 包 locator：持有地块空间索引快照，负责重建与坐标查询
package locator

import (
	"cmp"
	"fmt"
	"math"
	"predios-api/internal/kdtree"
	"predios-api/internal/logger"
	"predios-api/internal/metrics"
	"predios-api/internal/store"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Match：查询命中的地块及其到查询点的球面距离（米）
type Match struct {
	Parcel    store.Parcel `json:"predio"`
	DistanceM float64      `json:"distancia_m"`
}

// 文档注释：索引快照
// 约束：树与地块切片一一对应（树内下标即切片下标），构建后只读；重建总是生成新快照。
type Snapshot struct {
	Version uint64
	BuiltAt time.Time
	tree    *kdtree.Tree
	parcels []store.Parcel
}

func (s *Snapshot) Len() int   { return s.tree.Len() }
func (s *Snapshot) Depth() int { return s.tree.Depth() }

// Nearest：最近地块；空快照返回 false
func (s *Snapshot) Nearest(lat, lon float64) (Match, bool) {
	i, ok := s.tree.NearestIndex(kdtree.Point{X: lat, Y: lon})
	if !ok {
		return Match{}, false
	}
	return s.match(i, lat, lon), true
}

// Find：经纬度在 eps 容差内的地块（单路径查找，边界附近可能漏检）
func (s *Snapshot) Find(lat, lon, eps float64) (Match, bool) {
	i, ok := s.tree.FindIndex(kdtree.Point{X: lat, Y: lon}, eps)
	if !ok {
		return Match{}, false
	}
	return s.match(i, lat, lon), true
}

// 文档注释：半径查询，返回球面距离不超过 radiusM 米的地块，按距离升序（同距按 ID）
// 约束：先由经纬度外接矩形在树上做范围查询，再按 Haversine 精确过滤；矩形跨越 ±180° 经线时经度方向退化为全范围。
func (s *Snapshot) Within(lat, lon, radiusM float64) []Match {
	if !ValidCoord(lat, lon) || !(radiusM >= 0) || math.IsInf(radiusM, 0) {
		return nil
	}
	lo, hi := boundingBox(lat, lon, radiusM)
	var out []Match
	for _, i := range s.tree.RangeIndex(lo, hi) {
		if m := s.match(i, lat, lon); m.DistanceM <= radiusM {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b Match) int {
		if c := cmp.Compare(a.DistanceM, b.DistanceM); c != 0 {
			return c
		}
		return cmp.Compare(a.Parcel.ID, b.Parcel.ID)
	})
	return out
}

func (s *Snapshot) match(i int, lat, lon float64) Match {
	p := s.parcels[i]
	return Match{Parcel: p, DistanceM: haversine(lat, lon, p.Lat, p.Lon) * 1000}
}

// Locator：当前快照通过原子指针发布，查询无锁；重建串行化
type Locator struct {
	mu      sync.Mutex
	cur     atomic.Pointer[Snapshot]
	version uint64
}

func New() *Locator {
	l := &Locator{}
	empty, _ := kdtree.Build(nil)
	l.cur.Store(&Snapshot{tree: empty})
	return l
}

// Current：当前快照，永不为 nil
func (l *Locator) Current() *Snapshot { return l.cur.Load() }

// 文档注释：由地块集合重建索引
// 约束：构建失败（坐标非有限）时保留旧快照继续服务并返回错误；成功后原子替换，旧快照由持有者自然释放。
func (l *Locator) Rebuild(parcels []store.Parcel) (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t0 := time.Now()
	own := append([]store.Parcel(nil), parcels...)
	pts := make([]kdtree.Point, len(own))
	for i, p := range own {
		pts[i] = kdtree.Point{X: p.Lat, Y: p.Lon}
	}
	tree, err := kdtree.Build(pts)
	if err != nil {
		metrics.IndexBuildFailTotal.Inc()
		logger.L().Error("index_build_error", "err", err, "keep_version", l.version)
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	l.version++
	snap := &Snapshot{Version: l.version, BuiltAt: time.Now(), tree: tree, parcels: own}
	l.cur.Store(snap)
	dur := time.Since(t0)
	metrics.IndexBuildDurationMs.Observe(float64(dur.Microseconds()) / 1000)
	metrics.IndexSize.Set(float64(tree.Len()))
	metrics.IndexDepth.Set(float64(tree.Depth()))
	metrics.IndexVersion.Set(float64(snap.Version))
	logger.L().Info("index_build_done", "version", snap.Version, "points", tree.Len(), "depth", tree.Depth(), "ms", dur.Milliseconds())
	return snap, nil
}

// Nearest / Find：对当前快照查询的便捷入口
func (l *Locator) Nearest(lat, lon float64) (Match, bool) { return l.Current().Nearest(lat, lon) }

func (l *Locator) Find(lat, lon, eps float64) (Match, bool) {
	return l.Current().Find(lat, lon, eps)
}

func (l *Locator) Within(lat, lon, radiusM float64) []Match {
	return l.Current().Within(lat, lon, radiusM)
}
