package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"waferstack/internal/diag"
	"waferstack/internal/ink"
	"waferstack/internal/merge"
	"waferstack/internal/priority"
	"waferstack/internal/register"
	"waferstack/internal/stats"
	"waferstack/pkg/contract"
)

// - 单点并发：仅层加载阶段并发（errgroup，受 Concurrency 约束）；其余阶段同步。
// - 全部加载完成后才进入计算；取消时丢弃部分结果，不写任何文件。
// - 逐格式独立写出：某格式失败不影响其他格式，逐一报告。

// ErrSubstrateExcluded: 未开启 include_substrate 时衬底层被跳过。
var ErrSubstrateExcluded = errors.New("substrate layer excluded")

// InkDir: ink 处理结果的子目录。
const InkDir = "Ink"

// DebugArtifact: 调试追踪文件名。
const DebugArtifact = "debug.txt"

// Components 聚合运行所需的组件。
type Components struct {
	// Sources: 阶段 → 层数据源。
	Sources map[contract.StageKind]contract.LayerSource
	// Encoders: 格式名 → 编码器。
	Encoders map[string]contract.Encoder
	Writer   contract.Writer
}

// Selector 按阶段与子阶段选择层；SubStage 为空时匹配该阶段任意子阶段。
type Selector struct {
	Stage    contract.StageKind
	SubStage string
}

// Match 子阶段按数值比较（"CP1" 与 "1" 相同），无数值时按字面比较。
func (s Selector) Match(stage contract.StageKind, subStage string) bool {
	if s.Stage != stage {
		return false
	}
	return s.SubStage == "" || priority.CompareSubStage(s.SubStage, subStage) == 0
}

// Settings 单次作业的运行期配置。
type Settings struct {
	// Name: 工件基名（<Name><suffix>）。
	Name   string
	Layers []contract.LayerRef
	// Base: 对位基准层；nil 或未命中时取优先级最高的可用层（同分取作业顺序靠前者）。
	Base             *Selector
	IncludeSubstrate bool
	Formats          []string
	Ink              bool
	DebugTrace       bool
	// HexHeader: 指定头来源层（覆盖合并头并驱动 Sinf 头块）。
	HexHeader    *Selector
	Concurrency  int
	Priority     priority.Table
	Registration register.Options
	InkRule      ink.Rule
}

// LayerOffset: 单层对位结果。
type LayerOffset struct {
	Layer      string
	Offset     register.Offset
	Base       bool
	Degenerate bool
	Check      *register.Check
}

// Skipped: 被跳过的层与原因。
type Skipped struct {
	Layer  string
	Reason error
}

// WriteReport: 单个工件的写出结果。
type WriteReport struct {
	Format   string
	Artifact contract.ArtifactID
	Err      error
}

// Result 作业结果。
type Result struct {
	Stats    contract.Statistics
	InkStats *contract.Statistics
	Offsets  []LayerOffset
	Skipped  []Skipped
	Reports  []WriteReport
	Trace    merge.Trace
}

// Failed 报告是否存在写出失败的工件。
func (r Result) Failed() bool {
	for _, w := range r.Reports {
		if w.Err != nil {
			return true
		}
	}
	return false
}

// loaded: 已加载层及其作业序号。
type loaded struct {
	ref   contract.LayerRef
	layer contract.Layer
	label string
	score int
	rule  string
}

// Run 执行完整作业：加载 → 对位 → 合并 → 统计 → (ink) → 编码 → 写出。
// 致命错误（ErrEmptyLayerSet、ErrEmptyResult、取消）直接返回；写出错误记入 Result.Reports。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Result, error) {
	var res Result
	if err := sanity(comp, &set); err != nil {
		return res, fmt.Errorf("sanity: %w", err)
	}
	runStart := time.Now()
	term := diag.GetTerminal()
	term.RunStart(set.Name, len(set.Layers), set.Concurrency)

	layers, skipped, err := load(ctx, comp, set, logger)
	res.Skipped = skipped
	if err != nil {
		term.RunFinish(false, time.Since(runStart))
		return res, err
	}
	if len(layers) == 0 {
		logger.Error("pipeline", string(diag.CodeEmpty), "no usable layers", &runStart)
		term.RunFinish(false, time.Since(runStart))
		return res, contract.ErrEmptyLayerSet
	}

	for i := range layers {
		layers[i].score, layers[i].rule = set.Priority.Score(layers[i].layer.Stage, layers[i].layer.SubStage)
	}

	kept, scored, offsets, rejected := align(layers, set, logger)
	res.Offsets = offsets
	res.Skipped = append(res.Skipped, rejected...)

	mtimer := logger.Start("merge", "merge")
	g, trace, err := merge.Merge(scored)
	res.Trace = trace
	if err != nil {
		logger.Error("merge", string(diag.Classify(err)), "merged grid empty", &runStart)
		term.RunFinish(false, time.Since(runStart))
		return res, err
	}
	mtimer.Finish("merge", int64(g.Len()))

	header, hex := designateHeader(kept, set.HexHeader)
	dies := g.Dies()
	res.Stats = stats.FromDies(dies, set.InkRule.Pass)
	sheet := contract.Sheet{Dies: dies, Header: header, HexHeader: hex, Stats: res.Stats}

	if err := ctx.Err(); err != nil {
		term.RunFinish(false, time.Since(runStart))
		return res, err
	}
	res.Reports = append(res.Reports, writeFormats(ctx, comp, set, sheet, "", logger)...)

	if set.Ink {
		itimer := logger.Start("ink", "apply")
		ir := ink.Apply(dies, set.InkRule)
		itimer.Finish("apply", int64(ir.Marked))
		is := stats.FromDies(ir.Processed, set.InkRule.Pass)
		res.InkStats = &is
		isheet := contract.Sheet{Dies: ir.Processed, Header: header, HexHeader: hex, Stats: is}
		res.Reports = append(res.Reports, writeFormats(ctx, comp, set, isheet, InkDir+"/", logger)...)
	}

	if set.DebugTrace {
		text := renderTrace(layers, res, trace)
		res.Reports = append(res.Reports, writeOne(ctx, comp.Writer, "debug", contract.ArtifactID(DebugArtifact), bytes.NewReader(text), logger))
	}

	if err := ctx.Err(); err != nil {
		term.RunFinish(false, time.Since(runStart))
		return res, err
	}
	logger.InfoFinish("pipeline", "run", runStart, int64(len(res.Reports)))
	term.RunFinish(!res.Failed(), time.Since(runStart))
	return res, nil
}

// load 并发加载全部层；单层失败记为跳过，仅取消中止整体。
func load(ctx context.Context, comp Components, set Settings, logger *diag.Logger) ([]loaded, []Skipped, error) {
	type slot struct {
		layer contract.Layer
		err   error
	}
	slots := make([]slot, len(set.Layers))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(set.Concurrency)
	term := diag.GetTerminal()
	for i, ref := range set.Layers {
		label := ref.Label()
		if ref.Stage == contract.StageSubstrate && !set.IncludeSubstrate {
			slots[i].err = ErrSubstrateExcluded
			continue
		}
		src := comp.Sources[ref.Stage]
		if src == nil {
			slots[i].err = fmt.Errorf("no source for stage %s: %w", ref.Stage, contract.ErrInvalidInput)
			continue
		}
		eg.Go(func() error {
			timer := logger.StartWith("source", "load", label, "")
			layer, err := src.Load(egCtx, ref)
			if err != nil {
				if cerr := egCtx.Err(); cerr != nil {
					return cerr
				}
				slots[i].err = err
				term.LayerDone(label, 0, true)
				return nil
			}
			if len(layer.Dies) == 0 {
				slots[i].err = fmt.Errorf("%s: %w", label, contract.ErrParseMissing)
				term.LayerDone(label, 0, true)
				return nil
			}
			slots[i].layer = layer
			timer.Finish("load", int64(len(layer.Dies)))
			term.LayerDone(label, len(layer.Dies), false)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var out []loaded
	var skipped []Skipped
	for i, s := range slots {
		ref := set.Layers[i]
		label := ref.Label()
		if s.err != nil {
			reason := s.err
			if !errors.Is(reason, contract.ErrParseMissing) && !errors.Is(reason, ErrSubstrateExcluded) {
				reason = fmt.Errorf("%w: %w", contract.ErrParseMissing, reason)
			}
			logger.WarnWithKV("source", string(diag.Classify(reason)), "layer skipped", label, "", map[string]string{"reason": reason.Error()})
			skipped = append(skipped, Skipped{Layer: label, Reason: reason})
			continue
		}
		out = append(out, loaded{ref: ref, layer: s.layer, label: label})
	}
	return out, skipped, nil
}

// topScored 返回得分最高的层下标；同分取靠前者。
func topScored(layers []loaded) int {
	bi := 0
	for i, l := range layers {
		if l.score > layers[bi].score {
			bi = i
		}
	}
	return bi
}

// align 计算并应用各层偏移；reject 策略下标记不一致的层被丢弃。
// 返回值 kept 为通过对位的层（作业顺序）。
func align(layers []loaded, set Settings, logger *diag.Logger) (kept []loaded, scored []merge.Scored, offsets []LayerOffset, skipped []Skipped) {
	bi := -1
	if set.Base != nil {
		for i, l := range layers {
			if set.Base.Match(l.layer.Stage, l.layer.SubStage) {
				bi = i
				break
			}
		}
	}
	if bi < 0 {
		bi = topScored(layers)
		if set.Base != nil {
			logger.WarnWithKV("register", string(diag.CodeDegenerate), "base layer not found, using highest priority layer", layers[bi].label, "", nil)
		}
	}
	opts := set.Registration
	baseMarkers := register.Markers(layers[bi].layer.Dies, opts.MarkerCodes)

	for i, l := range layers {
		if i == bi {
			kept = append(kept, l)
			offsets = append(offsets, LayerOffset{Layer: l.label, Base: true})
			scored = append(scored, merge.Scored{Label: l.label, Priority: l.score, Dies: l.layer.Dies})
			continue
		}
		tm := register.Markers(l.layer.Dies, opts.MarkerCodes)
		off, err := register.Calculate(baseMarkers, tm)
		lo := LayerOffset{Layer: l.label, Offset: off}
		if errors.Is(err, contract.ErrAlignmentDegenerate) {
			lo.Degenerate = true
			logger.WarnWithKV("register", string(diag.CodeDegenerate), "no alignment markers, offset (0,0)", l.label, "",
				map[string]string{"base_markers": strconv.Itoa(len(baseMarkers)), "markers": strconv.Itoa(len(tm))})
		}
		if opts.Policy != register.PolicyOff && !lo.Degenerate {
			chk, verr := register.Validate(baseMarkers, tm, opts.MaxDeltaSpread)
			lo.Check = &chk
			if verr != nil {
				kv := map[string]string{
					"base_markers": strconv.Itoa(chk.BaseCount),
					"markers":      strconv.Itoa(chk.TargetCount),
					"spread_dx":    strconv.FormatFloat(chk.SpreadDX, 'f', 3, 64),
					"spread_dy":    strconv.FormatFloat(chk.SpreadDY, 'f', 3, 64),
				}
				if opts.Policy == register.PolicyReject {
					logger.WarnWithKV("register", string(diag.CodeInvariant), "marker mismatch, layer dropped", l.label, "", kv)
					skipped = append(skipped, Skipped{Layer: l.label, Reason: verr})
					continue
				}
				logger.WarnWithKV("register", string(diag.CodeInvariant), "marker mismatch, offset kept", l.label, "", kv)
			}
		}
		kept = append(kept, l)
		offsets = append(offsets, lo)
		scored = append(scored, merge.Scored{Label: l.label, Priority: l.score, Dies: register.Apply(l.layer.Dies, off)})
	}
	return kept, scored, offsets, skipped
}

// designateHeader: 按优先级首见合并各层头，再以指定层头覆盖；返回合并头与指定头（可能为 nil）。
func designateHeader(layers []loaded, sel *Selector) (contract.Header, *contract.Header) {
	ordered := append([]loaded(nil), layers...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].score > ordered[j].score })
	var h contract.Header
	for _, l := range ordered {
		h.MergeFirstSeen(l.layer.Header)
	}
	if sel == nil {
		return h, nil
	}
	for _, l := range layers {
		if sel.Match(l.layer.Stage, l.layer.SubStage) {
			hex := l.layer.Header.Clone()
			h.Overlay(hex)
			return h, &hex
		}
	}
	return h, nil
}

func writeFormats(ctx context.Context, comp Components, set Settings, sheet contract.Sheet, prefix string, logger *diag.Logger) []WriteReport {
	out := make([]WriteReport, 0, len(set.Formats))
	for _, f := range set.Formats {
		enc := comp.Encoders[f]
		id := contract.NormalizeFileID(prefix + set.Name + enc.Suffix())
		akv := map[string]string{"format": f, "artifact": string(id)}
		etimer := logger.StartWithKV("encoder", "encode", "", "", akv)
		r, err := enc.Encode(ctx, sheet)
		if err != nil {
			err = fmt.Errorf("%s encode: %w: %w", f, contract.ErrEncodeWrite, err)
			logger.ErrorWithKV("encoder", string(diag.CodeEncode), "encode failed", nil, "", "", akv)
			diag.GetTerminal().Artifact(string(id), false, 0)
			out = append(out, WriteReport{Format: f, Artifact: id, Err: err})
			continue
		}
		etimer.Finish("encode", 0)
		out = append(out, writeOne(ctx, comp.Writer, f, id, r, logger))
	}
	return out
}

func writeOne(ctx context.Context, w contract.Writer, format string, id contract.ArtifactID, r io.Reader, logger *diag.Logger) WriteReport {
	t0 := time.Now()
	kv := map[string]string{"format": format, "artifact": string(id)}
	timer := logger.StartWithKV("writer", "write", "", "", kv)
	err := w.Write(ctx, id, r)
	diag.GetTerminal().Artifact(string(id), err == nil, time.Since(t0))
	if err != nil {
		kv["error"] = err.Error()
		logger.ErrorWithKV("writer", string(diag.Classify(err)), "write failed", &t0, "", "", kv)
		return WriteReport{Format: format, Artifact: id, Err: fmt.Errorf("%s write: %w: %w", format, contract.ErrEncodeWrite, err)}
	}
	timer.Finish("write", 0)
	return WriteReport{Format: format, Artifact: id}
}

func sanity(c Components, s *Settings) error {
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.Name == "" {
		return fmt.Errorf("pipeline: empty job name: %w", contract.ErrInvalidInput)
	}
	if len(s.Layers) == 0 {
		return fmt.Errorf("pipeline: no layers: %w", contract.ErrEmptyLayerSet)
	}
	if (len(s.Formats) > 0 || s.DebugTrace) && c.Writer == nil {
		return fmt.Errorf("pipeline: missing writer: %w", contract.ErrInvalidInput)
	}
	for _, f := range s.Formats {
		if c.Encoders[f] == nil {
			return fmt.Errorf("pipeline: no encoder for format %q: %w", f, contract.ErrInvalidInput)
		}
	}
	if s.Priority == nil {
		s.Priority = priority.Default()
	}
	if s.InkRule.Pass == nil {
		s.InkRule = ink.DefaultRule()
	}
	if s.Registration.Policy == "" {
		s.Registration = register.DefaultOptions()
	}
	return nil
}
