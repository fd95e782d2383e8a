package config

import "gopkg.in/yaml.v3"

// Config: 运行期只读配置（一次解析，运行期不变）。
// YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Job         Job     `yaml:"job"`
	Concurrency int     `yaml:"concurrency"`
	OutputDir   string  `yaml:"output_dir"`
	Logging     Logging `yaml:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `yaml:"components"`
	// Sources: 阶段名 → 数据源实现名；缺省为 layerdoc。
	Sources map[string]string `yaml:"sources"`

	// 各组件 Options 子树，原样传入工厂。
	Options Options `yaml:"options"`

	// Priority: 有序优先级规则表；为空使用内置表。
	Priority     []PriorityRule `yaml:"priority"`
	Registration Registration   `yaml:"registration"`
	Ink          Ink            `yaml:"ink"`
	Image        Image          `yaml:"image"`
}

// Job: 单次叠图作业。
type Job struct {
	Name   string       `yaml:"name"`
	Layers []LayerEntry `yaml:"layers"`
	// Base: 对位基准层。
	Base             *Selector `yaml:"base"`
	IncludeSubstrate *bool     `yaml:"include_substrate"`
	Formats          []string  `yaml:"formats"`
	Ink              *bool     `yaml:"ink"`
	DebugTrace       *bool     `yaml:"debug_trace"`
	// HexHeader: 头来源层（Sinf 头块取自该层）。
	HexHeader *Selector `yaml:"hex_header"`
}

// LayerEntry: 作业中的一层。
type LayerEntry struct {
	Stage    string `yaml:"stage"`
	SubStage string `yaml:"sub_stage"`
	Retest   *int   `yaml:"retest"`
	Path     string `yaml:"path"`
}

// Selector: 按阶段/子阶段选择层。
type Selector struct {
	Stage    string `yaml:"stage"`
	SubStage string `yaml:"sub_stage"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `yaml:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Writer string `yaml:"writer"`
}

// Options: 各组件的原样 Options 子树。
type Options struct {
	Source *yaml.Node `yaml:"source"`
	Writer *yaml.Node `yaml:"writer"`
}

// PriorityRule: sub_stage 缺省表示不约束子阶段。
type PriorityRule struct {
	ID       string   `yaml:"id"`
	Stage    string   `yaml:"stage"`
	SubStage *float64 `yaml:"sub_stage"`
	Score    int      `yaml:"score"`
}

// Registration: 对位标记与一致性校验。
type Registration struct {
	MarkerCodes    []string `yaml:"marker_codes"`
	Policy         string   `yaml:"policy"`
	MaxDeltaSpread *float64 `yaml:"max_delta_spread"`
}

// Ink: 通过集、中性集与标记码。
type Ink struct {
	PassSet   []string `yaml:"pass_set"`
	IgnoreSet []string `yaml:"ignore_set"`
	Marker    string   `yaml:"marker"`
}

// Image: jpg 导出参数。
type Image struct {
	Cell    int `yaml:"cell"`
	Quality int `yaml:"quality"`
}
