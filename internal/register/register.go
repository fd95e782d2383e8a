// Package register 提取对位标记并计算层间整数平移。
//
// 仅做平移配准：假设层间只差整数网格偏移，且标记按 x 升序一一对应。
package register

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"waferstack/pkg/contract"
)

// Marker: 对位标记坐标。
type Marker struct {
	X, Y int
}

// Offset: 目标层平移到基准层的 (dx, dy)。
type Offset struct {
	DX, DY int
}

// Policy: 标记一致性校验策略。
type Policy string

const (
	PolicyOff    Policy = "off"
	PolicyWarn   Policy = "warn"
	PolicyReject Policy = "reject"
)

// Options: 标记与校验选项。
type Options struct {
	// MarkerCodes: 作为对位标记的特殊码集合；空表示 DefaultMarkerCodes。
	MarkerCodes []string
	Policy      Policy
	// MaxDeltaSpread: 逐对偏移（dx、dy 分量）样本标准差上限。
	MaxDeltaSpread float64
}

// DefaultMarkerCodes: 默认对位标记码（未测/边缘 die）。字母 bin 与 ink 码不参与对位。
var DefaultMarkerCodes = []string{"S", "*"}

// DefaultOptions 返回默认选项：S/* 标记、warn、偏移离散度上限 0.5。
func DefaultOptions() Options {
	return Options{MarkerCodes: append([]string(nil), DefaultMarkerCodes...), Policy: PolicyWarn, MaxDeltaSpread: 0.5}
}

// Markers 提取层内对位标记，按 (x, y) 升序。
// codes 为空时使用 DefaultMarkerCodes；"." 永不视为标记。
func Markers(dies []contract.Die, codes []string) []Marker {
	if len(codes) == 0 {
		codes = DefaultMarkerCodes
	}
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	var out []Marker
	for _, d := range dies {
		if !d.Bin.IsSpecial() || d.Bin.Code == "." {
			continue
		}
		if _, ok := set[d.Bin.Code]; !ok {
			continue
		}
		out = append(out, Marker{X: d.X, Y: d.Y})
	}
	sortMarkers(out)
	return out
}

func sortMarkers(ms []Marker) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].X != ms[j].X {
			return ms[i].X < ms[j].X
		}
		return ms[i].Y < ms[j].Y
	})
}

// roundHalfUp: floor(v+0.5)。
func roundHalfUp(v float64) int { return int(math.Floor(v + 0.5)) }

// Calculate 计算目标层相对基准层的偏移。
// 任一侧无标记时返回 (0,0) 与 ErrAlignmentDegenerate（调用方按非致命处理）。
// 双方各有 ≥2 个标记时取前两对偏移的四舍五入均值。
func Calculate(base, target []Marker) (Offset, error) {
	if len(base) == 0 || len(target) == 0 {
		return Offset{}, contract.ErrAlignmentDegenerate
	}
	b := append([]Marker(nil), base...)
	t := append([]Marker(nil), target...)
	sortMarkers(b)
	sortMarkers(t)
	dx1, dy1 := b[0].X-t[0].X, b[0].Y-t[0].Y
	if len(b) >= 2 && len(t) >= 2 {
		dx2, dy2 := b[1].X-t[1].X, b[1].Y-t[1].Y
		return Offset{
			DX: roundHalfUp(float64(dx1+dx2) / 2),
			DY: roundHalfUp(float64(dy1+dy2) / 2),
		}, nil
	}
	return Offset{DX: dx1, DY: dy1}, nil
}

// Check: 一致性校验的度量。
type Check struct {
	BaseCount, TargetCount int
	MeanDX, MeanDY         float64
	SpreadDX, SpreadDY     float64
}

// Validate 在信任偏移之前校验标记数量与形状：
// 数量需相等；按 x 顺序配对后逐对偏移的样本标准差不得超过 maxSpread。
// 不一致时返回 ErrMarkerMismatch（附带度量，由调用方按策略处理）。
func Validate(base, target []Marker, maxSpread float64) (Check, error) {
	c := Check{BaseCount: len(base), TargetCount: len(target)}
	if len(base) == 0 || len(target) == 0 {
		return c, nil
	}
	if len(base) != len(target) {
		return c, fmt.Errorf("%w: marker count %d != %d", contract.ErrMarkerMismatch, len(base), len(target))
	}
	b := append([]Marker(nil), base...)
	t := append([]Marker(nil), target...)
	sortMarkers(b)
	sortMarkers(t)
	dxs := make([]float64, len(b))
	dys := make([]float64, len(b))
	for i := range b {
		dxs[i] = float64(b[i].X - t[i].X)
		dys[i] = float64(b[i].Y - t[i].Y)
	}
	c.MeanDX, c.SpreadDX = stat.MeanStdDev(dxs, nil)
	c.MeanDY, c.SpreadDY = stat.MeanStdDev(dys, nil)
	if len(b) < 2 {
		// 单点无离散度
		c.SpreadDX, c.SpreadDY = 0, 0
		return c, nil
	}
	if c.SpreadDX > maxSpread || c.SpreadDY > maxSpread {
		return c, fmt.Errorf("%w: delta spread (%.3f, %.3f) > %.3f", contract.ErrMarkerMismatch, c.SpreadDX, c.SpreadDY, maxSpread)
	}
	return c, nil
}

// Apply 平移全部 die，bin 不变；返回新切片。
func Apply(dies []contract.Die, off Offset) []contract.Die {
	out := make([]contract.Die, len(dies))
	for i, d := range dies {
		out[i] = contract.Die{X: d.X + off.DX, Y: d.Y + off.DY, Bin: d.Bin}
	}
	return out
}
