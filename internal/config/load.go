package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"waferstack/pkg/contract"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "WAFERSTACK_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 作业本身（名称、层列表）不设默认，必须由 YAML/ENV/CLI 提供。
func Defaults() Config {
	spread := 0.5
	return Config{
		Job: Job{
			Base:      &Selector{Stage: "cpProber", SubStage: "1"},
			HexHeader: &Selector{Stage: "cpProber", SubStage: "1"},
			Formats:   []string{"mapex"},
		},
		Concurrency: 1,
		Logging:     Logging{Level: "info"},
		Components:  Components{Writer: "fs"},
		Registration: Registration{
			Policy:         "warn",
			MaxDeltaSpread: &spread,
		},
	}
}

// LoadYAML 从文件路径或原始 YAML 解析 Config（严格拒绝未知字段）。
// 空文档返回零值 Config。
func LoadYAML(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, nil
		}
		return cfg, fmt.Errorf("%w: %w", contract.ErrConfigInvalid, err)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 标量/列表/Options 子树均为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base

	// Job
	if strings.TrimSpace(over.Job.Name) != "" {
		out.Job.Name = strings.TrimSpace(over.Job.Name)
	}
	if len(over.Job.Layers) > 0 {
		out.Job.Layers = append([]LayerEntry(nil), over.Job.Layers...)
	}
	if over.Job.Base != nil {
		b := *over.Job.Base
		out.Job.Base = &b
	}
	if over.Job.HexHeader != nil {
		h := *over.Job.HexHeader
		out.Job.HexHeader = &h
	}
	if len(over.Job.Formats) > 0 {
		out.Job.Formats = cloneStrings(over.Job.Formats)
	}
	if over.Job.IncludeSubstrate != nil {
		out.Job.IncludeSubstrate = boolPtr(*over.Job.IncludeSubstrate)
	}
	if over.Job.Ink != nil {
		out.Job.Ink = boolPtr(*over.Job.Ink)
	}
	if over.Job.DebugTrace != nil {
		out.Job.DebugTrace = boolPtr(*over.Job.DebugTrace)
	}

	// 顶层
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if strings.TrimSpace(over.OutputDir) != "" {
		out.OutputDir = strings.TrimSpace(over.OutputDir)
	}
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}
	if over.Components.Writer != "" {
		out.Components.Writer = over.Components.Writer
	}
	// Sources（完整替换对应键）
	if len(over.Sources) > 0 {
		m := make(map[string]string, len(out.Sources)+len(over.Sources))
		for k, v := range out.Sources {
			m[k] = v
		}
		for k, v := range over.Sources {
			m[k] = v
		}
		out.Sources = m
	}
	if over.Options.Source != nil {
		out.Options.Source = over.Options.Source
	}
	if over.Options.Writer != nil {
		out.Options.Writer = over.Options.Writer
	}

	if len(over.Priority) > 0 {
		out.Priority = append([]PriorityRule(nil), over.Priority...)
	}
	if len(over.Registration.MarkerCodes) > 0 {
		out.Registration.MarkerCodes = cloneStrings(over.Registration.MarkerCodes)
	}
	if over.Registration.Policy != "" {
		out.Registration.Policy = over.Registration.Policy
	}
	if over.Registration.MaxDeltaSpread != nil {
		v := *over.Registration.MaxDeltaSpread
		out.Registration.MaxDeltaSpread = &v
	}
	if len(over.Ink.PassSet) > 0 {
		out.Ink.PassSet = cloneStrings(over.Ink.PassSet)
	}
	if len(over.Ink.IgnoreSet) > 0 {
		out.Ink.IgnoreSet = cloneStrings(over.Ink.IgnoreSet)
	}
	if over.Ink.Marker != "" {
		out.Ink.Marker = over.Ink.Marker
	}
	if over.Image.Cell != 0 {
		out.Image.Cell = over.Image.Cell
	}
	if over.Image.Quality != 0 {
		out.Image.Quality = over.Image.Quality
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 WAFERSTACK_；集合之外的键忽略。
// 支持：CONCURRENCY, OUTPUT_DIR, LOGGING_LEVEL, JOB_NAME, JOB_FORMATS, JOB_INK,
// JOB_DEBUG_TRACE, JOB_INCLUDE_SUBSTRATE, COMPONENTS_WRITER。
// 数值/布尔解析失败返回错误。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := strings.TrimSpace(kv[eq+1:])
		switch strings.TrimPrefix(key, EnvPrefix) {
		case "CONCURRENCY":
			v, err := atoi(val)
			if err != nil {
				return over, fmt.Errorf("%s: %w", key, err)
			}
			over.Concurrency = v
		case "OUTPUT_DIR":
			over.OutputDir = val
		case "LOGGING_LEVEL":
			over.Logging.Level = val
		case "JOB_NAME":
			over.Job.Name = val
		case "JOB_FORMATS":
			over.Job.Formats = splitComma(val)
		case "JOB_INK", "JOB_DEBUG_TRACE", "JOB_INCLUDE_SUBSTRATE":
			if val == "" {
				continue
			}
			b, err := strconv.ParseBool(val)
			if err != nil {
				return over, fmt.Errorf("%s: %w", key, err)
			}
			switch key {
			case EnvPrefix + "JOB_INK":
				over.Job.Ink = &b
			case EnvPrefix + "JOB_DEBUG_TRACE":
				over.Job.DebugTrace = &b
			default:
				over.Job.IncludeSubstrate = &b
			}
		case "COMPONENTS_WRITER":
			over.Components.Writer = val
		}
	}
	return over, nil
}

func boolPtr(b bool) *bool { return &b }

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
