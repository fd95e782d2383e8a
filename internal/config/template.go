package config

import (
	"gopkg.in/yaml.v3"

	"waferstack/internal/ink"
	"waferstack/internal/priority"
	"waferstack/internal/register"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 作业示例包含 CP1 与 WLBI 两层，输出 MapEx 与 Sinf；
// - Writer 输出到 ./out 目录；
// - 组件名采用仓库内置实现；
// - 选项给出全部键与中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	retest := 0
	cfg := Config{
		Job: Job{
			Name: "LOT1-W01",
			Layers: []LayerEntry{
				{Stage: "cpProber", SubStage: "1", Retest: &retest, Path: "layers/cp1.yaml"},
				{Stage: "wlbi", Path: "layers/wlbi.yaml"},
			},
			Base:             d.Job.Base,
			IncludeSubstrate: boolPtr(false),
			Formats:          []string{"mapex", "sinf"},
			Ink:              boolPtr(false),
			DebugTrace:       boolPtr(false),
			HexHeader:        d.Job.HexHeader,
		},
		Concurrency: d.Concurrency,
		OutputDir:   "out",
		Logging:     Logging{Level: "info"},
		Components:  d.Components,
		Sources: map[string]string{
			"substrate": DefaultSource,
			"fabCp":     DefaultSource,
			"cpProber":  DefaultSource,
			"wlbi":      DefaultSource,
			"aoi":       DefaultSource,
		},
		Priority:     PriorityRules(priority.Default()),
		Registration: d.Registration,
		Ink: Ink{
			PassSet:   []string{"1", "G", "H", "I", "J"},
			IgnoreSet: []string{"S", "*"},
			Marker:    ink.DefaultMarker,
		},
		Image: Image{Cell: 8, Quality: 92},
	}
	cfg.Registration.MarkerCodes = cloneStrings(register.DefaultMarkerCodes)
	// Options：包含所有键（值可为空/默认），确保键存在。
	cfg.Options.Source = mustNode(`
buf_size: 65536
base_dir: ""
`)
	cfg.Options.Writer = mustNode(`
atomic: true
flat: false
perm_file: 0
perm_dir: 0
buf_size: 65536
`)
	return cfg
}

// PriorityRules 将规则表转为配置形态。
func PriorityRules(t priority.Table) []PriorityRule {
	out := make([]PriorityRule, 0, len(t))
	for _, r := range t {
		pr := PriorityRule{ID: r.ID, Stage: r.Stage.String(), Score: r.Score}
		if r.SubStage != nil {
			v := *r.SubStage
			pr.SubStage = &v
		}
		out = append(out, pr)
	}
	return out
}

func mustNode(src string) *yaml.Node {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		panic(err)
	}
	return doc.Content[0]
}
