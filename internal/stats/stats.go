// Package stats 计算测试数、通过数、失败数与良率。
// 同一网格从 die 列表或字符行计算，结果必须一致。
package stats

import (
	"waferstack/internal/grid"
	"waferstack/pkg/contract"
)

// PassSet: 通过码集合（bin 文本形态）。
type PassSet map[string]struct{}

// NewPassSet 由码列表构造；空列表返回默认集合。
func NewPassSet(codes []string) PassSet {
	if len(codes) == 0 {
		return DefaultPassSet()
	}
	ps := make(PassSet, len(codes))
	for _, c := range codes {
		ps[c] = struct{}{}
	}
	return ps
}

// DefaultPassSet: {1, G, H, I, J}。
func DefaultPassSet() PassSet {
	return PassSet{"1": {}, "G": {}, "H": {}, "I": {}, "J": {}}
}

// Has 判断文本码是否为通过。
func (ps PassSet) Has(code string) bool {
	_, ok := ps[code]
	return ok
}

// FromDies 从 die 列表计算。'.'、'S'、'*' 不计入测试数。
func FromDies(dies []contract.Die, ps PassSet) contract.Statistics {
	var tested, pass int
	for _, d := range dies {
		if grid.IsIgnored(d.Bin) {
			continue
		}
		tested++
		if ps.Has(d.Bin.String()) {
			pass++
		}
	}
	return finish(tested, pass)
}

// FromRows 从字符行计算。
func FromRows(rows []string, ps PassSet) contract.Statistics {
	var tested, pass int
	for _, r := range rows {
		for i := 0; i < len(r); i++ {
			switch r[i] {
			case '.', 'S', '*':
				continue
			}
			tested++
			if ps.Has(string(r[i])) {
				pass++
			}
		}
	}
	return finish(tested, pass)
}

func finish(tested, pass int) contract.Statistics {
	s := contract.Statistics{TotalTested: tested, TotalPass: pass, TotalFail: tested - pass}
	if tested > 0 {
		s.YieldPercentage = float64(pass) / float64(tested) * 100
	}
	return s
}
