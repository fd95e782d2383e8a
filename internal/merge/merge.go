// Package merge 将已对位的各层按优先级折叠为单一稀疏网格。
package merge

import (
	"sort"

	"waferstack/internal/grid"
	"waferstack/pkg/contract"
)

// Scored: 已平移到公共坐标系并赋分的层。
type Scored struct {
	Label    string
	Priority int
	Dies     []contract.Die
}

// Cell: 网格中某坐标的最终条目。
type Cell struct {
	Die      contract.Die
	Priority int
}

// Action: 单次折叠动作。
type Action uint8

const (
	Inserted Action = iota
	Replaced
	Overridden
	Kept
)

func (a Action) String() string {
	switch a {
	case Inserted:
		return "insert"
	case Replaced:
		return "replace"
	case Overridden:
		return "override"
	default:
		return "keep"
	}
}

// Change: 坐标级变更记录（插入不记录，仅记录替换与覆盖）。
type Change struct {
	Layer  string
	X, Y   int
	From   contract.Bin
	To     contract.Bin
	Action Action
}

// LayerCounts: 每层的折叠计数。
type LayerCounts struct {
	Label      string
	Priority   int
	Ignored    int
	Inserted   int
	Replaced   int
	Overridden int
	Kept       int
}

// Trace: 合并过程的诊断信息。
type Trace struct {
	Layers  []LayerCounts
	Changes []Change
	// Pruned: 裁掉的空边行/列数。
	PrunedRows, PrunedCols int
}

// Grid: 合并结果。每个坐标至多一个条目。
type Grid struct {
	cells  map[grid.Key]Cell
	dies   []contract.Die
	bounds grid.Bounds
}

// Bounds 返回裁边后的包围盒。
func (g *Grid) Bounds() grid.Bounds { return g.bounds }

// Len 返回条目数。
func (g *Grid) Len() int { return len(g.dies) }

// At 查询坐标。
func (g *Grid) At(x, y int) (Cell, bool) {
	c, ok := g.cells[grid.KeyOf(x, y)]
	return c, ok
}

// Dies 返回按 (y, x) 行优先排序的扁平视图（副本）。
func (g *Grid) Dies() []contract.Die {
	out := make([]contract.Die, len(g.dies))
	copy(out, g.dies)
	return out
}

// Order 按优先级降序稳定排序；同分保持作业给定顺序。
func Order(layers []Scored) []Scored {
	out := append([]Scored(nil), layers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Merge 折叠全部层：
//   - '.'、'S'、'*' 永不参与；
//   - 空位直接写入；高优先级替换低优先级；
//   - 已有条目优先级更高时，若其为 Number(1)（通过），低优先级层的 die 覆盖之，否则保留；
//   - 同优先级先写者胜。
//
// 折叠后裁掉整行/整列为空的边缘；结果为空返回 ErrEmptyResult。
func Merge(layers []Scored) (*Grid, Trace, error) {
	var tr Trace
	cells := make(map[grid.Key]Cell)
	var frame grid.Bounds
	framed := false
	for _, l := range Order(layers) {
		lc := LayerCounts{Label: l.Label, Priority: l.Priority}
		if b, ok := grid.BoundsOf(l.Dies); ok {
			frame = union(frame, b, framed)
			framed = true
		}
		for _, d := range l.Dies {
			if grid.IsIgnored(d.Bin) {
				lc.Ignored++
				continue
			}
			k := grid.KeyOf(d.X, d.Y)
			cur, ok := cells[k]
			switch {
			case !ok:
				cells[k] = Cell{Die: d, Priority: l.Priority}
				lc.Inserted++
			case cur.Priority < l.Priority:
				cells[k] = Cell{Die: d, Priority: l.Priority}
				lc.Replaced++
				tr.Changes = append(tr.Changes, Change{Layer: l.Label, X: d.X, Y: d.Y, From: cur.Die.Bin, To: d.Bin, Action: Replaced})
			case cur.Priority > l.Priority && cur.Die.Bin == contract.Number(1):
				cells[k] = Cell{Die: d, Priority: l.Priority}
				lc.Overridden++
				tr.Changes = append(tr.Changes, Change{Layer: l.Label, X: d.X, Y: d.Y, From: cur.Die.Bin, To: d.Bin, Action: Overridden})
			default:
				lc.Kept++
			}
		}
		tr.Layers = append(tr.Layers, lc)
	}

	if len(cells) == 0 {
		return nil, tr, contract.ErrEmptyResult
	}
	g := &Grid{cells: cells, dies: make([]contract.Die, 0, len(cells))}
	for _, c := range cells {
		g.dies = append(g.dies, c.Die)
	}
	sort.Slice(g.dies, func(i, j int) bool {
		if g.dies[i].Y != g.dies[j].Y {
			return g.dies[i].Y < g.dies[j].Y
		}
		return g.dies[i].X < g.dies[j].X
	})
	// 裁边：稀疏映射本身不含空行/列，结果框即有 die 的包围盒；
	// 相对并集框（含被忽略 die）收缩的行列数记入 Trace。
	g.bounds, _ = grid.BoundsOf(g.dies)
	tr.PrunedRows = frame.Height() - g.bounds.Height()
	tr.PrunedCols = frame.Width() - g.bounds.Width()
	return g, tr, nil
}

func union(a, b grid.Bounds, hasA bool) grid.Bounds {
	if !hasA {
		return b
	}
	return grid.Bounds{
		MinX: min(a.MinX, b.MinX), MaxX: max(a.MaxX, b.MaxX),
		MinY: min(a.MinY, b.MinY), MaxY: max(a.MaxY, b.MaxY),
	}
}
