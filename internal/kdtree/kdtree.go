// 包 kdtree：二维 k-d 树空间索引；一次构建、只读查询，提供最近邻与容差精确查找
package kdtree

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
)

// DefaultEpsilon：Find 的默认逐坐标容差
const DefaultEpsilon = 1e-9

// ErrInvalidPoint：构建输入含非有限坐标（NaN/Inf）
var ErrInvalidPoint = errors.New("kdtree: invalid point")

// InvalidPointError：携带非法点在输入中的下标，errors.Is(err, ErrInvalidPoint) 成立
type InvalidPointError struct {
	Index int
	Point Point
}

func (e *InvalidPointError) Error() string {
	return fmt.Sprintf("kdtree: invalid point at index %d: (%v, %v)", e.Index, e.Point.X, e.Point.Y)
}

func (e *InvalidPointError) Is(target error) bool { return target == ErrInvalidPoint }

// Point：二维坐标；调用方约定 X 为纬度、Y 为经度，索引本身不区分
type Point struct {
	X float64
	Y float64
}

// coord：按轴取坐标，0 为 X，1 为 Y
func (p Point) coord(axis int) float64 {
	if axis == 0 {
		return p.X
	}
	return p.Y
}

func (p Point) finite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Distance：平面欧氏距离；用 Hypot 避免大坐标差平方溢出为 +Inf
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// 节点独占左右子树；轴由深度隐含（depth % 2），不在节点上保存
type node struct {
	p     Point
	idx   int
	left  *node
	right *node
}

// 文档注释：只读 k-d 树
// 约束：构建后不可变，查询不写任何节点状态，可被多个 goroutine 同时读取；点集变化时重新 Build 得到新实例。
type Tree struct {
	root  *node
	size  int
	depth int
}

type entry struct {
	p   Point
	idx int
}

// 文档注释：从点集构建 k-d 树
// 约束：任一坐标非有限时整体失败并返回 *InvalidPointError，不产出半成品；不修改调用方切片。
// 空输入返回空树，查询均返回未命中。
// 限制：同轴值相等的点全部进入右子树；大量完全重合的点（同一栋楼的多户）会退化为深度 N 的链，
// 构建 O(N² log N)，查询 O(N)。
func Build(points []Point) (*Tree, error) {
	es := make([]entry, len(points))
	for i, p := range points {
		if !p.finite() {
			return nil, &InvalidPointError{Index: i, Point: p}
		}
		es[i] = entry{p: p, idx: i}
	}
	t := &Tree{size: len(es)}
	t.root = build(es, 0)
	t.depth = height(t.root)
	return t, nil
}

// build：按当前轴排序取中位数；左侧严格小于、右侧大于等于
// 中位数之前存在同值时分割点前移到第一个同值元素，保证左子树严格小于
func build(es []entry, depth int) *node {
	if len(es) == 0 {
		return nil
	}
	axis := depth % 2
	slices.SortStableFunc(es, func(a, b entry) int {
		return cmp.Compare(a.p.coord(axis), b.p.coord(axis))
	})
	mid := len(es) / 2
	for mid > 0 && es[mid-1].p.coord(axis) == es[mid].p.coord(axis) {
		mid--
	}
	return &node{
		p:     es[mid].p,
		idx:   es[mid].idx,
		left:  build(es[:mid], depth+1),
		right: build(es[mid+1:], depth+1),
	}
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return 1 + max(height(n.left), height(n.right))
}

// Len：索引内点数
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

// Depth：树高（空树为 0）
func (t *Tree) Depth() int {
	if t == nil {
		return 0
	}
	return t.depth
}

// Nearest：返回与 q 欧氏距离最小的点；空树或 q 非有限时返回 false
func (t *Tree) Nearest(q Point) (Point, bool) {
	n := t.nearestNode(q)
	if n == nil {
		return Point{}, false
	}
	return n.p, true
}

// NearestIndex：同 Nearest，返回命中点在构建输入中的下标
func (t *Tree) NearestIndex(q Point) (int, bool) {
	n := t.nearestNode(q)
	if n == nil {
		return -1, false
	}
	return n.idx, true
}

func (t *Tree) nearestNode(q Point) *node {
	if t == nil || t.root == nil || !q.finite() {
		return nil
	}
	best, _ := nearest(t.root, q, 0, nil, math.Inf(1))
	return best
}

// 文档注释：带剪枝的深度优先最近邻
// 约束：当前最优经参数与返回值传递，不落在节点上；
// 仅当查询点到分割线的轴向距离严格小于当前最优距离时才进入另一侧。
func nearest(n *node, q Point, depth int, best *node, bestD float64) (*node, float64) {
	if n == nil {
		return best, bestD
	}
	axis := depth % 2
	key, split := q.coord(axis), n.p.coord(axis)
	near, far := n.left, n.right
	if key >= split {
		near, far = n.right, n.left
	}
	best, bestD = nearest(near, q, depth+1, best, bestD)
	if d := Distance(q, n.p); best == nil || d < bestD {
		best, bestD = n, d
	}
	if math.Abs(key-split) < bestD {
		best, bestD = nearest(far, q, depth+1, best, bestD)
	}
	return best, bestD
}

// Find：单路径下降的容差精确查找，两个坐标差均不超过 eps 即命中
// 约束：沿构建规则（< 走左，否则走右）只走一条路径；位于分割线另一侧的容差内点会漏检，属已知限制。
func (t *Tree) Find(q Point, eps float64) (Point, bool) {
	n := t.findNode(q, eps)
	if n == nil {
		return Point{}, false
	}
	return n.p, true
}

// FindIndex：同 Find，返回命中点在构建输入中的下标
func (t *Tree) FindIndex(q Point, eps float64) (int, bool) {
	n := t.findNode(q, eps)
	if n == nil {
		return -1, false
	}
	return n.idx, true
}

func (t *Tree) findNode(q Point, eps float64) *node {
	if t == nil || !q.finite() {
		return nil
	}
	n := t.root
	for depth := 0; n != nil; depth++ {
		if math.Abs(q.X-n.p.X) <= eps && math.Abs(q.Y-n.p.Y) <= eps {
			return n
		}
		axis := depth % 2
		if q.coord(axis) < n.p.coord(axis) {
			n = n.left
		} else {
			n = n.right
		}
	}
	return nil
}

// 文档注释：轴对齐矩形范围查询，返回落在 [lo, hi]（含边界）内的点在构建输入中的下标
// 约束：结果顺序不作保证；边界非有限或 lo 任一坐标大于 hi 时返回空。
func (t *Tree) RangeIndex(lo, hi Point) []int {
	if t == nil || !lo.finite() || !hi.finite() || lo.X > hi.X || lo.Y > hi.Y {
		return nil
	}
	var out []int
	var walk func(n *node, depth int)
	walk = func(n *node, depth int) {
		if n == nil {
			return
		}
		p := n.p
		if p.X >= lo.X && p.X <= hi.X && p.Y >= lo.Y && p.Y <= hi.Y {
			out = append(out, n.idx)
		}
		axis := depth % 2
		split := p.coord(axis)
		if lo.coord(axis) < split {
			walk(n.left, depth+1)
		}
		if hi.coord(axis) >= split {
			walk(n.right, depth+1)
		}
	}
	walk(t.root, 0)
	return out
}
