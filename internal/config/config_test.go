package config

import (
	"errors"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"waferstack/internal/register"
	"waferstack/pkg/contract"
	wfs "waferstack/plugins/writer/filesystem"
)

func loadBasic(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadYAML("../../testdata/config/basic.yaml", nil)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	return Merge(Defaults(), cfg)
}

// 解析完整 waferstack.yaml
func TestLoadYAML(t *testing.T) {
	cfg := loadBasic(t)
	if cfg.Job.Name != "LOT7-W03" || len(cfg.Job.Layers) != 3 {
		t.Fatalf("字段映射错误: %+v", cfg.Job)
	}
	if r := cfg.Job.Layers[2].Retest; r == nil || *r != 1 {
		t.Fatalf("retest 映射错误: %v", r)
	}
	if cfg.Concurrency != 2 || cfg.Logging.Level != "debug" || cfg.Registration.Policy != "reject" {
		t.Fatalf("顶层字段错误: %+v", cfg)
	}
	if cfg.Options.Source == nil || cfg.Options.Source.Kind != yaml.MappingNode {
		t.Fatalf("options.source 应保留为映射节点")
	}
	// 未在文件中出现的键沿用默认
	if cfg.Job.HexHeader == nil || cfg.Job.HexHeader.Stage != "cpProber" {
		t.Fatalf("hex_header 默认丢失: %+v", cfg.Job.HexHeader)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

// 未知字段：严格拒绝
func TestLoadYAMLUnknown(t *testing.T) {
	if _, err := LoadYAML("../../testdata/config/unknown.yaml", nil); !errors.Is(err, contract.ErrConfigInvalid) {
		t.Fatalf("应当返回 ErrConfigInvalid, got %v", err)
	}
	if _, err := LoadYAML("", []byte("concurrency: [1")); err == nil {
		t.Fatalf("语法错误应当返回错误")
	}
	if _, err := LoadYAML("", nil); err == nil {
		t.Fatalf("无来源应当返回错误")
	}
}

// ENV 覆盖部分字段
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"WAFERSTACK_CONCURRENCY=3",
		"WAFERSTACK_OUTPUT_DIR=/tmp/x",
		"WAFERSTACK_JOB_NAME=ENV-JOB",
		"WAFERSTACK_JOB_FORMATS=mapex, jpg",
		"WAFERSTACK_JOB_INK=true",
		"WAFERSTACK_JOB_INCLUDE_SUBSTRATE=0",
		"WAFERSTACK_LOGGING_LEVEL=warn",
		"WAFERSTACK_UNKNOWN=1",
		"OTHER_CONCURRENCY=9",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	if over.Concurrency != 3 || over.OutputDir != "/tmp/x" || over.Job.Name != "ENV-JOB" {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if len(over.Job.Formats) != 2 || over.Job.Formats[1] != "jpg" {
		t.Fatalf("formats 解析错误: %v", over.Job.Formats)
	}
	if over.Job.Ink == nil || !*over.Job.Ink || over.Job.IncludeSubstrate == nil || *over.Job.IncludeSubstrate {
		t.Fatalf("布尔解析错误")
	}
	if over.Job.DebugTrace != nil {
		t.Fatalf("未设置的键不应出现")
	}

	if _, err := EnvOverlay([]string{"WAFERSTACK_JOB_INK=maybe"}); err == nil {
		t.Fatalf("非法布尔应当报错")
	}
	if _, err := EnvOverlay([]string{"WAFERSTACK_CONCURRENCY=lots"}); err == nil {
		t.Fatalf("非法整数应当报错")
	}
}

// Merge：替换而非深度合并
func TestMerge(t *testing.T) {
	base := loadBasic(t)
	f := false
	over := Config{
		Job: Job{
			Layers: []LayerEntry{{Stage: "aoi", Path: "only.yaml"}},
			Ink:    &f,
		},
		Sources: map[string]string{"wlbi": "layerdoc"},
	}
	out := Merge(base, over)
	if len(out.Job.Layers) != 1 || out.Job.Layers[0].Path != "only.yaml" {
		t.Fatalf("layers 应整体替换: %+v", out.Job.Layers)
	}
	if out.Job.Ink == nil || *out.Job.Ink {
		t.Fatalf("显式 false 应覆盖 true")
	}
	if out.Job.Name != "LOT7-W03" || out.Concurrency != 2 {
		t.Fatalf("未覆盖字段应保留")
	}
	if len(out.Sources) != 2 || out.Sources["aoi"] != "layerdoc" {
		t.Fatalf("sources 按键合并: %v", out.Sources)
	}
	// 原值不受影响
	if len(base.Job.Layers) != 3 || !*base.Job.Ink {
		t.Fatalf("Merge 不应修改输入")
	}
}

func TestValidateErrors(t *testing.T) {
	neg := -1
	cases := map[string]func(*Config){
		"空作业名":     func(c *Config) { c.Job.Name = "" },
		"作业名含分隔符":  func(c *Config) { c.Job.Name = "a/b" },
		"无层":       func(c *Config) { c.Job.Layers = nil },
		"未知阶段":     func(c *Config) { c.Job.Layers[0].Stage = "final" },
		"空路径":      func(c *Config) { c.Job.Layers[0].Path = " " },
		"负 retest":  func(c *Config) { c.Job.Layers[0].Retest = &neg },
		"多个 stdin":  func(c *Config) { c.Job.Layers[0].Path = "-"; c.Job.Layers[1].Path = "-" },
		"base 阶段非法": func(c *Config) { c.Job.Base = &Selector{Stage: "x"} },
		"未知格式":     func(c *Config) { c.Job.Formats = []string{"pdf"} },
		"重复格式":     func(c *Config) { c.Job.Formats = []string{"mapex", "mapex"} },
		"无格式":      func(c *Config) { c.Job.Formats = nil },
		"并发为 0":    func(c *Config) { c.Concurrency = 0 },
		"日志等级":     func(c *Config) { c.Logging.Level = "loud" },
		"对位策略":     func(c *Config) { c.Registration.Policy = "strict" },
		"ink 标记过长":  func(c *Config) { c.Ink.Marker = "zz" },
		"ink 标记为通过": func(c *Config) { c.Ink.Marker = "1"; c.Ink.PassSet = []string{"1"} },
		"优先级阶段":    func(c *Config) { c.Priority = []PriorityRule{{Stage: "?"}} },
		"jpg 质量":    func(c *Config) { c.Image.Quality = 101 },
		"未注册 writer": func(c *Config) { c.Components.Writer = "s3" },
		"未注册 source": func(c *Config) { c.Sources = map[string]string{"aoi": "csv"} },
		"source 阶段":  func(c *Config) { c.Sources = map[string]string{"final": "layerdoc"} },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := loadBasic(t)
			mut(&cfg)
			if err := Validate(cfg); !errors.Is(err, contract.ErrConfigInvalid) {
				t.Fatalf("应当返回 ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestAssemble(t *testing.T) {
	cfg := loadBasic(t)
	dir := t.TempDir()
	cfg.OutputDir = dir
	comp, set, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	if len(comp.Sources) != len(contract.Stages) {
		t.Fatalf("每个阶段都应有数据源: %d", len(comp.Sources))
	}
	if comp.Sources[contract.StageAoi] != comp.Sources[contract.StageWlbi] {
		t.Fatalf("同名数据源应共享实例")
	}
	fs, ok := comp.Writer.(*wfs.FS)
	if !ok || fs.Root() != dir {
		t.Fatalf("writer 根目录应取 output_dir: %#v", comp.Writer)
	}
	if len(comp.Encoders) != 3 {
		t.Fatalf("编码器数量错误: %d", len(comp.Encoders))
	}

	if set.Name != "LOT7-W03" || set.Concurrency != 2 || !set.Ink || set.DebugTrace || set.IncludeSubstrate {
		t.Fatalf("settings 错误: %+v", set)
	}
	if len(set.Layers) != 3 || set.Layers[2].Stage != contract.StageAoi || *set.Layers[2].Retest != 1 {
		t.Fatalf("层引用错误: %+v", set.Layers)
	}
	if set.Base == nil || set.Base.Stage != contract.StageCpProber || set.Base.SubStage != "1" {
		t.Fatalf("base 错误: %+v", set.Base)
	}
	if set.Registration.Policy != register.PolicyReject || set.Registration.MaxDeltaSpread != 1.5 {
		t.Fatalf("registration 错误: %+v", set.Registration)
	}
	if mc := set.Registration.MarkerCodes; len(mc) != 2 || mc[0] != "S" || mc[1] != "*" {
		t.Fatalf("默认标记码应为 S/*: %v", mc)
	}
	if set.InkRule.Marker != "x" || !set.InkRule.Pass.Has("1") {
		t.Fatalf("ink 规则错误: %+v", set.InkRule)
	}
	if s, id := set.Priority.Score(contract.StageWlbi, ""); s != 5 || id != "WLBI" {
		t.Fatalf("默认优先级表错误: %d %s", s, id)
	}
}

// 自定义优先级表整体替换内置表
func TestAssembleCustomPriority(t *testing.T) {
	cfg := loadBasic(t)
	cfg.OutputDir = t.TempDir()
	two := 2.0
	cfg.Priority = []PriorityRule{
		{ID: "AOI-FIRST", Stage: "aoi", Score: 10},
		{ID: "CP2", Stage: "cpProber", SubStage: &two, Score: 3},
	}
	_, set, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	if s, _ := set.Priority.Score(contract.StageAoi, ""); s != 10 {
		t.Fatalf("aoi 分值错误: %d", s)
	}
	if s, _ := set.Priority.Score(contract.StageWlbi, ""); s != 0 {
		t.Fatalf("未命中应为 0: %d", s)
	}
	if s, _ := set.Priority.Score(contract.StageCpProber, "CP2"); s != 3 {
		t.Fatalf("子阶段匹配错误: %d", s)
	}
}

func TestAssembleStrictOptions(t *testing.T) {
	cfg := loadBasic(t)
	cfg.OutputDir = t.TempDir()
	cfg.Options.Source = mustNode("bufsize: 1\n")
	if _, _, err := Assemble(cfg); !errors.Is(err, contract.ErrConfigInvalid) {
		t.Fatalf("未知 source 选项应报错, got %v", err)
	}

	cfg = loadBasic(t)
	cfg.OutputDir = ""
	cfg.Options.Writer = nil
	if _, _, err := Assemble(cfg); !errors.Is(err, contract.ErrConfigInvalid) || !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("缺少 output_dir 应报错, got %v", err)
	}
}

func TestWithOutputDir(t *testing.T) {
	orig := mustNode("output_dir: a\natomic: false\n")
	got := withOutputDir(orig, "b")
	var opts wfs.Options
	if err := got.Decode(&opts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if opts.OutputDir != "b" || opts.Atomic == nil || *opts.Atomic {
		t.Fatalf("覆盖结果错误: %+v", opts)
	}
	if orig.Content[1].Value != "a" {
		t.Fatalf("原节点不应被修改")
	}
	if withOutputDir(orig, "") != orig {
		t.Fatalf("空目录应原样返回")
	}
	if n := withOutputDir(nil, "c"); len(n.Content) != 2 || n.Content[1].Value != "c" {
		t.Fatalf("nil 节点应生成新映射")
	}
}

// 模板：可序列化、可严格解析且可装配
func TestDefaultTemplateConfig(t *testing.T) {
	tpl := DefaultTemplateConfig()
	raw, err := yaml.Marshal(tpl)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := LoadYAML("", raw)
	if err != nil {
		t.Fatalf("模板应可严格解析: %v\n%s", err, raw)
	}
	cfg := Merge(Defaults(), back)
	if err := Validate(cfg); err != nil {
		t.Fatalf("模板校验失败: %v", err)
	}
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")
	if _, _, err := Assemble(cfg); err != nil {
		t.Fatalf("模板装配失败: %v", err)
	}
	if len(back.Priority) != 6 || back.Priority[0].SubStage == nil || *back.Priority[0].SubStage != 2 {
		t.Fatalf("优先级表序列化错误: %+v", back.Priority)
	}
}

// 补充覆盖: splitComma 与 atoi
func TestSplitCommaAtoi(t *testing.T) {
	parts := splitComma("a, b , ,c")
	if len(parts) != 3 || parts[1] != "b" {
		t.Fatalf("splitComma 结果错误: %v", parts)
	}
	if v, err := atoi("10"); err != nil || v != 10 {
		t.Fatalf("atoi 失败: %v %d", err, v)
	}
}
