// Package ink 实现 ink 规则：两颗失效 die 夹住的良品 die 标记为排除。
//
// 分类始终读取原始快照，标记不会级联，结果与失效 die 的处理顺序无关。
package ink

import (
	"sort"

	"waferstack/internal/grid"
	"waferstack/internal/stats"
	"waferstack/pkg/contract"
)

// DefaultMarker 为默认 ink 标记码。
const DefaultMarker = "z"

// Rule: ink 规则参数。
type Rule struct {
	Pass stats.PassSet
	// Ignore: 既不触发也不被标记的中性码；"." 始终视为中性。
	Ignore map[string]struct{}
	Marker string
}

// DefaultRule: 通过集 {1,G,H,I,J}，中性集 {S,*}，标记 "z"。
func DefaultRule() Rule {
	return Rule{
		Pass:   stats.DefaultPassSet(),
		Ignore: map[string]struct{}{"S": {}, "*": {}},
		Marker: DefaultMarker,
	}
}

// NewRule 由配置构造；空值取默认。
func NewRule(pass, ignore []string, marker string) Rule {
	r := DefaultRule()
	if len(pass) > 0 {
		r.Pass = stats.NewPassSet(pass)
	}
	if len(ignore) > 0 {
		r.Ignore = make(map[string]struct{}, len(ignore))
		for _, c := range ignore {
			r.Ignore[c] = struct{}{}
		}
	}
	if marker != "" {
		r.Marker = marker
	}
	return r
}

type class uint8

const (
	neutral class = iota
	good
	fail
)

func (r Rule) classify(b contract.Bin) class {
	code := b.String()
	if b.IsSpecial() && code == "." {
		return neutral
	}
	if _, ok := r.Ignore[code]; ok {
		return neutral
	}
	if r.Pass.Has(code) {
		return good
	}
	// 未识别的特殊码按失效处理（与统计口径一致）
	return fail
}

// 方向对：{远端, 中点}。反向由远端失效 die 自身遍历覆盖。
var directions = [4][2][2]int{
	{{2, 0}, {1, 0}},
	{{0, 2}, {0, 1}},
	{{2, 2}, {1, 1}},
	{{-2, 2}, {-1, 1}},
}

// Result: Processed 为替换后的全量网格（保持输入顺序）；
// Filtered 为原始失效 die 加新标记 die 的缺陷视图。
type Result struct {
	Processed []contract.Die
	Filtered  []contract.Die
	Marked    int
}

// Apply 对 dies 执行 ink 规则。
func Apply(dies []contract.Die, r Rule) Result {
	snapshot := make(map[grid.Key]contract.Die, len(dies))
	for _, d := range dies {
		snapshot[grid.KeyOf(d.X, d.Y)] = d
	}
	classOf := func(x, y int) (class, bool) {
		d, ok := snapshot[grid.KeyOf(x, y)]
		if !ok {
			return neutral, false
		}
		return r.classify(d.Bin), true
	}

	marked := make(map[grid.Key]struct{})
	var fails []contract.Die
	for _, d := range dies {
		if r.classify(d.Bin) != fail {
			continue
		}
		fails = append(fails, d)
		for _, dir := range directions {
			far, mid := dir[0], dir[1]
			if c, ok := classOf(d.X+far[0], d.Y+far[1]); !ok || c != fail {
				continue
			}
			mx, my := d.X+mid[0], d.Y+mid[1]
			if c, ok := classOf(mx, my); !ok || c != good {
				continue
			}
			marked[grid.KeyOf(mx, my)] = struct{}{}
		}
	}

	res := Result{Processed: make([]contract.Die, len(dies)), Marked: len(marked)}
	var inked []contract.Die
	for i, d := range dies {
		if _, ok := marked[grid.KeyOf(d.X, d.Y)]; ok {
			d.Bin = contract.Special(r.Marker)
			inked = append(inked, d)
		}
		res.Processed[i] = d
	}
	sort.Slice(inked, func(i, j int) bool {
		if inked[i].Y != inked[j].Y {
			return inked[i].Y < inked[j].Y
		}
		return inked[i].X < inked[j].X
	})
	res.Filtered = append(fails, inked...)
	return res
}
