package contract

import (
	"fmt"
	"strings"
)

// StageKind: 制程阶段（封闭枚举）。合并核心不对原始字符串分支。
type StageKind uint8

const (
	StageUnknown StageKind = iota
	StageSubstrate
	StageFabCp
	StageCpProber
	StageWlbi
	StageAoi
)

// Stages 列出全部已知阶段（稳定顺序）。
var Stages = []StageKind{StageSubstrate, StageFabCp, StageCpProber, StageWlbi, StageAoi}

var stageNames = map[StageKind]string{
	StageSubstrate: "substrate",
	StageFabCp:     "fabCp",
	StageCpProber:  "cpProber",
	StageWlbi:      "wlbi",
	StageAoi:       "aoi",
}

func (s StageKind) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseStageKind 解析阶段名（大小写不敏感）。
func ParseStageKind(s string) (StageKind, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	for k, n := range stageNames {
		if strings.ToLower(n) == t {
			return k, nil
		}
	}
	return StageUnknown, fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, s)
}

// MarshalText / UnmarshalText 使 StageKind 可直接用于 YAML/JSON 文本字段。
func (s StageKind) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *StageKind) UnmarshalText(b []byte) error {
	k, err := ParseStageKind(string(b))
	if err != nil {
		return err
	}
	*s = k
	return nil
}
