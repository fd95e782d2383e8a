package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"waferstack/internal/ink"
	"waferstack/internal/pipeline"
	"waferstack/internal/priority"
	"waferstack/internal/register"
	"waferstack/pkg/contract"
	"waferstack/pkg/registry"
)

// DefaultSource: 未在 sources 中指定的阶段使用的数据源实现名。
const DefaultSource = "layerdoc"

func invalid(format string, a ...any) error {
	return fmt.Errorf("config: %s: %w", fmt.Sprintf(format, a...), contract.ErrConfigInvalid)
}

// Validate 对最小必要边界做静态校验；错误均包裹 ErrConfigInvalid。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Job.Name) == "" {
		return invalid("job.name empty")
	}
	if strings.ContainsAny(cfg.Job.Name, `/\`) {
		return invalid("job.name %q must not contain path separators", cfg.Job.Name)
	}
	if len(cfg.Job.Layers) == 0 {
		return invalid("job.layers empty")
	}
	stdin := 0
	for i, l := range cfg.Job.Layers {
		if _, err := contract.ParseStageKind(l.Stage); err != nil {
			return invalid("job.layers[%d]: %v", i, err)
		}
		p := strings.TrimSpace(l.Path)
		if p == "" {
			return invalid("job.layers[%d]: path empty", i)
		}
		if p == "-" {
			stdin++
		}
		if l.Retest != nil && *l.Retest < 0 {
			return invalid("job.layers[%d]: retest must be >= 0", i)
		}
	}
	if stdin > 1 {
		return invalid("job.layers: only one layer may read stdin")
	}
	for name, sel := range map[string]*Selector{"job.base": cfg.Job.Base, "job.hex_header": cfg.Job.HexHeader} {
		if sel == nil {
			continue
		}
		if _, err := contract.ParseStageKind(sel.Stage); err != nil {
			return invalid("%s: %v", name, err)
		}
	}
	if len(cfg.Job.Formats) == 0 {
		return invalid("job.formats empty")
	}
	seen := map[string]bool{}
	for _, f := range cfg.Job.Formats {
		if registry.Encoder[f] == nil {
			return invalid("format %q not registered", f)
		}
		if seen[f] {
			return invalid("format %q listed twice", f)
		}
		seen[f] = true
	}
	if cfg.Concurrency < 1 {
		return invalid("concurrency must be >= 1")
	}
	if lv := cfg.Logging.Level; lv != "" {
		switch strings.ToLower(lv) {
		case "debug", "info", "warn", "error":
		default:
			return invalid("logging.level %q unknown", lv)
		}
	}
	switch register.Policy(cfg.Registration.Policy) {
	case "", register.PolicyOff, register.PolicyWarn, register.PolicyReject:
	default:
		return invalid("registration.policy %q unknown", cfg.Registration.Policy)
	}
	if s := cfg.Registration.MaxDeltaSpread; s != nil && *s < 0 {
		return invalid("registration.max_delta_spread must be >= 0")
	}
	if m := cfg.Ink.Marker; m != "" {
		if len(m) != 1 || m == "." {
			return invalid("ink.marker %q must be a single character other than '.'", m)
		}
		for _, p := range cfg.Ink.PassSet {
			if p == m {
				return invalid("ink.marker %q is in ink.pass_set", m)
			}
		}
	}
	for i, r := range cfg.Priority {
		if _, err := contract.ParseStageKind(r.Stage); err != nil {
			return invalid("priority[%d]: %v", i, err)
		}
	}
	if cfg.Image.Cell < 0 {
		return invalid("image.cell must be >= 0")
	}
	if q := cfg.Image.Quality; q < 0 || q > 100 {
		return invalid("image.quality must be within 0..100")
	}
	if name := effName(cfg.Components.Writer, Defaults().Components.Writer); registry.Writer[name] == nil {
		return invalid("writer %q not registered", name)
	}
	for st, name := range cfg.Sources {
		if _, err := contract.ParseStageKind(st); err != nil {
			return invalid("sources: %v", err)
		}
		if registry.Source[name] == nil {
			return invalid("source %q not registered", name)
		}
	}
	return nil
}

// Assemble 构造 Components 与 Settings。
// 严格 Options 解析在 registry（工厂）层进行；此处只传原样子树。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	// 数据源：同名实现共享同一实例
	comp := pipeline.Components{
		Sources:  make(map[contract.StageKind]contract.LayerSource, len(contract.Stages)),
		Encoders: make(map[string]contract.Encoder, len(cfg.Job.Formats)),
	}
	stageSource := map[contract.StageKind]string{}
	for st, name := range cfg.Sources {
		k, _ := contract.ParseStageKind(st)
		stageSource[k] = name
	}
	built := map[string]contract.LayerSource{}
	for _, st := range contract.Stages {
		name := effName(stageSource[st], DefaultSource)
		src, ok := built[name]
		if !ok {
			var err error
			src, err = registry.Source[name](cfg.Options.Source)
			if err != nil {
				return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: source %q: %w: %w", name, contract.ErrConfigInvalid, err)
			}
			built[name] = src
		}
		comp.Sources[st] = src
	}

	wn := effName(cfg.Components.Writer, Defaults().Components.Writer)
	w, err := registry.Writer[wn](withOutputDir(cfg.Options.Writer, cfg.OutputDir))
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: writer %q: %w: %w", wn, contract.ErrConfigInvalid, err)
	}
	comp.Writer = w

	eo := registry.EncodeOptions{ImageCell: cfg.Image.Cell, ImageQuality: cfg.Image.Quality}
	for _, f := range cfg.Job.Formats {
		enc, err := registry.Encoder[f](eo)
		if err != nil {
			return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: encoder %q: %w: %w", f, contract.ErrConfigInvalid, err)
		}
		comp.Encoders[f] = enc
	}

	set := pipeline.Settings{
		Name:             strings.TrimSpace(cfg.Job.Name),
		Layers:           layerRefs(cfg.Job.Layers),
		Base:             selector(cfg.Job.Base),
		HexHeader:        selector(cfg.Job.HexHeader),
		IncludeSubstrate: deref(cfg.Job.IncludeSubstrate),
		Formats:          cloneStrings(cfg.Job.Formats),
		Ink:              deref(cfg.Job.Ink),
		DebugTrace:       deref(cfg.Job.DebugTrace),
		Concurrency:      cfg.Concurrency,
		Priority:         priorityTable(cfg.Priority),
		Registration:     registration(cfg.Registration),
		InkRule:          ink.NewRule(cfg.Ink.PassSet, cfg.Ink.IgnoreSet, cfg.Ink.Marker),
	}
	return comp, set, nil
}

func layerRefs(in []LayerEntry) []contract.LayerRef {
	out := make([]contract.LayerRef, 0, len(in))
	for _, l := range in {
		st, _ := contract.ParseStageKind(l.Stage)
		ref := contract.LayerRef{Stage: st, SubStage: strings.TrimSpace(l.SubStage), Path: strings.TrimSpace(l.Path)}
		if l.Retest != nil {
			r := *l.Retest
			ref.Retest = &r
		}
		out = append(out, ref)
	}
	return out
}

func selector(s *Selector) *pipeline.Selector {
	if s == nil {
		return nil
	}
	st, _ := contract.ParseStageKind(s.Stage)
	return &pipeline.Selector{Stage: st, SubStage: strings.TrimSpace(s.SubStage)}
}

func priorityTable(rules []PriorityRule) priority.Table {
	if len(rules) == 0 {
		return priority.Default()
	}
	t := make(priority.Table, 0, len(rules))
	for _, r := range rules {
		st, _ := contract.ParseStageKind(r.Stage)
		pr := priority.Rule{ID: r.ID, Stage: st, Score: r.Score}
		if r.SubStage != nil {
			v := *r.SubStage
			pr.SubStage = &v
		}
		t = append(t, pr)
	}
	return t
}

func registration(r Registration) register.Options {
	o := register.DefaultOptions()
	if len(r.MarkerCodes) > 0 {
		o.MarkerCodes = cloneStrings(r.MarkerCodes)
	}
	if r.Policy != "" {
		o.Policy = register.Policy(r.Policy)
	}
	if r.MaxDeltaSpread != nil {
		o.MaxDeltaSpread = *r.MaxDeltaSpread
	}
	return o
}

// withOutputDir: 顶层 output_dir 非空时覆盖 writer 子树中的同名键（不修改原节点）。
func withOutputDir(node *yaml.Node, dir string) *yaml.Node {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return node
	}
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if node != nil && node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "output_dir" {
				continue
			}
			out.Content = append(out.Content, node.Content[i], node.Content[i+1])
		}
	}
	out.Content = append(out.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "output_dir"},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: dir},
	)
	return out
}

func deref(b *bool) bool { return b != nil && *b }

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
