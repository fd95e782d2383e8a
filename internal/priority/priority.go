// Package priority 将 (阶段, 子阶段) 映射为冲突裁决用的可信度分值。
//
// 规则表按顺序求值，首个命中者生效；分值越高越可信。未命中返回 0。
package priority

import (
	"math"
	"regexp"
	"strconv"

	"waferstack/pkg/contract"
)

// Rule: 单条优先级规则。SubStage 为 nil 表示不约束子阶段。
type Rule struct {
	ID       string
	Stage    contract.StageKind
	SubStage *float64
	Score    int
}

// Table: 有序规则表（可由配置整体替换）。
type Table []Rule

func num(v float64) *float64 { return &v }

// Default 返回默认规则表：CP2 > WLBI > CP1 > FabCP > Substrate > AOI。
func Default() Table {
	return Table{
		{ID: "CP2", Stage: contract.StageCpProber, SubStage: num(2), Score: 6},
		{ID: "WLBI", Stage: contract.StageWlbi, Score: 5},
		{ID: "CP1", Stage: contract.StageCpProber, SubStage: num(1), Score: 4},
		{ID: "FabCP", Stage: contract.StageFabCp, Score: 3},
		{ID: "Substrate", Stage: contract.StageSubstrate, Score: 2},
		{ID: "AOI", Stage: contract.StageAoi, Score: 1},
	}
}

// Score 返回首个命中规则的分值与规则 ID；未命中返回 (0, "")。
func (t Table) Score(stage contract.StageKind, subStage string) (int, string) {
	n, hasNum := SubStageNumber(subStage)
	for _, r := range t {
		if r.Stage != stage {
			continue
		}
		if r.SubStage != nil && (!hasNum || n != *r.SubStage) {
			continue
		}
		return r.Score, r.ID
	}
	return 0, ""
}

var numRe = regexp.MustCompile(`-?\d+(\.\d+)?`)

// SubStageNumber 提取子阶段中首个整数/小数子串，如 "CP-2" → -2、"cp1.5" → 1.5。
func SubStageNumber(s string) (float64, bool) {
	m := numRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// CompareSubStage 仅用于同分值的排序裁决：
// 双方均含数值时按数值比较，否则按字典序。返回 -1/0/1。
func CompareSubStage(a, b string) int {
	na, oka := SubStageNumber(a)
	nb, okb := SubStageNumber(b)
	if oka && okb {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
