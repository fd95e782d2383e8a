package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cfgpkg "waferstack/internal/config"
	"waferstack/internal/diag"
	"waferstack/internal/pipeline"
	"waferstack/pkg/contract"
)

var pipelineRun = pipeline.Run

// 退出码
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

// exitError 携带退出码；消息已在返回前打印。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error { return &exitError{code: code, err: err} }

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 构造命令树并执行；返回进程退出码。
// 子命令：run（默认）与 init-config。
func run(args []string) int {
	root := newRootCmd(os.Stdout, os.Stderr)
	if args == nil {
		// nil 会让 cobra 回退读取 os.Args
		args = []string{}
	}
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// cobra 自身的参数/旗标错误
	fprintf(os.Stderr, "参数错误: %v\n", err)
	return exitConfig
}

type runFlags struct {
	config           string
	name             string
	outputDir        string
	concurrency      int
	formats          []string
	ink              bool
	debugTrace       bool
	includeSubstrate bool
	logLevel         string
	status           bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var rf runFlags
	root := &cobra.Command{
		Use:   "waferstack [stage[:sub_stage]=path ...]",
		Short: "多阶段晶圆图对位、叠加与导出",
		Long: `waferstack 读取同一片晶圆在各制程阶段的 die 图层，
按对位标记平移、按阶段优先级折叠为单一图，并导出 MapEx/Sinf/WaferMap/JPG。

位置参数（可选）整体替换配置中的 job.layers，例如：
  waferstack --name LOT1-W01 cpProber:1=cp1.yaml wlbi=wlbi.yaml`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, args, &rf, stdout, stderr)
		},
	}
	bindRunFlags(root, &rf)

	runCmd := &cobra.Command{
		Use:   "run [stage[:sub_stage]=path ...]",
		Short: "执行叠图作业（默认子命令）",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, args, &rf, stdout, stderr)
		},
	}
	bindRunFlags(runCmd, &rf)

	initCmd := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "生成默认 waferstack.yaml、.env 与示例层文档（已存在则不覆盖）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = strings.TrimSpace(args[0])
			}
			return initConfig(dir, stdout, stderr)
		},
	}
	root.AddCommand(runCmd, initCmd)
	return root
}

func bindRunFlags(cmd *cobra.Command, rf *runFlags) {
	f := cmd.Flags()
	f.StringVar(&rf.config, "config", "", "配置文件路径（YAML）；缺省读取 ./waferstack.yaml（若存在）")
	f.StringVar(&rf.name, "name", "", "作业名/工件基名（覆盖配置）")
	f.StringVar(&rf.outputDir, "output-dir", "", "输出目录（覆盖配置）")
	f.IntVar(&rf.concurrency, "concurrency", 0, "层加载并发度（覆盖配置）")
	f.StringSliceVar(&rf.formats, "format", nil, "输出格式，可重复或逗号分隔：mapex,sinf,wafermap,jpg")
	f.BoolVar(&rf.ink, "ink", false, "额外输出 ink 处理结果到 Ink/ 子目录")
	f.BoolVar(&rf.debugTrace, "debug-trace", false, "输出 debug.txt 合并追踪")
	f.BoolVar(&rf.includeSubstrate, "include-substrate", false, "叠加衬底层")
	f.StringVar(&rf.logLevel, "log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	f.BoolVar(&rf.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
}

func runJob(cmd *cobra.Command, args []string, rf *runFlags, stdout, stderr io.Writer) error {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	// 先占位默认，稍后在解析/合并配置后按最终 level 调整
	logger := diag.NewLogger(corrID, "info")
	defer logger.Close()

	cfgErr := func(msg string, err error) error {
		fprintf(stderr, "%s: %v\n", msg, err)
		logger.Error("config", string(diag.CodeConfig), "first error", &start)
		diag.IncError("config", string(diag.CodeConfig))
		return fail(exitConfig, err)
	}

	// YAML 配置（文件或 ENV: WAFERSTACK_CONFIG_YAML）
	var cfgYAML []byte
	if s := os.Getenv("WAFERSTACK_CONFIG_YAML"); s != "" {
		cfgYAML = []byte(s)
	}
	path := rf.config
	if path == "" {
		path = os.Getenv("WAFERSTACK_CONFIG_FILE")
	}
	// 默认读取工作目录下 waferstack.yaml（若存在）
	if path == "" {
		if _, err := os.Stat(defaultConfigName); err == nil {
			path = defaultConfigName
		}
	}

	cfg := cfgpkg.Defaults()
	if path != "" {
		base, err := cfgpkg.LoadYAML(path, nil)
		if err != nil {
			return cfgErr("配置解析失败", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	if len(cfgYAML) > 0 {
		over, err := cfgpkg.LoadYAML("", cfgYAML)
		if err != nil {
			return cfgErr("配置解析失败(WAFERSTACK_CONFIG_YAML)", err)
		}
		cfg = cfgpkg.Merge(cfg, over)
	}

	// ENV 覆盖（最小集合）
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfgErr("环境变量解析失败", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖：仅显式给出的旗标生效
	overCLI, err := cliOverlay(cmd, rf, args)
	if err != nil {
		return cfgErr("参数解析失败", err)
	}
	cfg = cfgpkg.Merge(cfg, overCLI)

	if err := cfgpkg.Validate(cfg); err != nil {
		// 打印有效配置，便于诊断
		_ = dumpConfig(stderr, cfg)
		return cfgErr("配置校验失败", err)
	}
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		logger.SetLevel(lv)
	}

	// 预检：若使用文件系统 Writer，检查输出目录的可写性
	if err := preflightCheckOutputDir(cfg); err != nil {
		return cfgErr("输出目录不可写或无法创建", err)
	}

	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		return cfgErr("装配失败", err)
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	diag.SetTerminal(diag.NewTerminal(stderr, rf.status))
	defer diag.SetTerminal(nil)

	if logger.Enabled("debug") {
		logger.DebugStart("config", "effective", "", "", map[string]string{
			"started":           diag.NowUTC(),
			"job":               set.Name,
			"layers":            strconv.Itoa(len(set.Layers)),
			"formats":           strings.Join(set.Formats, ","),
			"concurrency":       strconv.Itoa(set.Concurrency),
			"writer":            cfg.Components.Writer,
			"output_dir":        cfg.OutputDir,
			"ink":               strconv.FormatBool(set.Ink),
			"debug_trace":       strconv.FormatBool(set.DebugTrace),
			"include_substrate": strconv.FormatBool(set.IncludeSubstrate),
			"policy":            string(set.Registration.Policy),
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	t := logger.Start("pipeline", "run")
	res, err := pipelineRun(ctx, comp, set, logger)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "run", "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(stderr, "运行失败: %v\n", err)
		}
		printSummary(stdout, set.Name, res)
		return fail(exitRuntime, err)
	}
	t.Finish("run", int64(len(res.Reports)))
	printSummary(stdout, set.Name, res)
	diag.ObserveDuration("pipeline", "run", time.Since(start).Milliseconds())
	if res.Failed() {
		diag.IncOp("pipeline", "run", "partial")
		return fail(exitRuntime, errors.New("some artifacts failed"))
	}
	diag.IncOp("pipeline", "run", "success")
	return nil
}

// cliOverlay 将显式给出的旗标与位置参数转为 Config 覆盖。
func cliOverlay(cmd *cobra.Command, rf *runFlags, args []string) (cfgpkg.Config, error) {
	var over cfgpkg.Config
	f := cmd.Flags()
	over.Job.Name = rf.name
	over.OutputDir = rf.outputDir
	over.Logging.Level = rf.logLevel
	if rf.concurrency > 0 {
		over.Concurrency = rf.concurrency
	}
	if len(rf.formats) > 0 {
		over.Job.Formats = append([]string(nil), rf.formats...)
	}
	if f.Changed("ink") {
		over.Job.Ink = &rf.ink
	}
	if f.Changed("debug-trace") {
		over.Job.DebugTrace = &rf.debugTrace
	}
	if f.Changed("include-substrate") {
		over.Job.IncludeSubstrate = &rf.includeSubstrate
	}
	for _, a := range args {
		l, err := parseLayerArg(a)
		if err != nil {
			return over, err
		}
		over.Job.Layers = append(over.Job.Layers, l)
	}
	return over, nil
}

// parseLayerArg 解析 "stage[:sub_stage]=path"。
func parseLayerArg(s string) (cfgpkg.LayerEntry, error) {
	sel, path, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(path) == "" || strings.TrimSpace(sel) == "" {
		return cfgpkg.LayerEntry{}, fmt.Errorf("layer %q: want stage[:sub_stage]=path: %w", s, contract.ErrConfigInvalid)
	}
	stage, sub, _ := strings.Cut(sel, ":")
	return cfgpkg.LayerEntry{Stage: strings.TrimSpace(stage), SubStage: strings.TrimSpace(sub), Path: strings.TrimSpace(path)}, nil
}

// printSummary 向 stdout 输出结果摘要（统计、跳过层、逐工件写出结果）。
func printSummary(w io.Writer, name string, res pipeline.Result) {
	s := res.Stats
	fprintf(w, "作业 %s | 测试 %d | 通过 %d | 失败 %d | 良率 %.2f%%\n", name, s.TotalTested, s.TotalPass, s.TotalFail, s.YieldPercentage)
	if is := res.InkStats; is != nil {
		fprintf(w, "ink | 测试 %d | 通过 %d | 失败 %d | 良率 %.2f%%\n", is.TotalTested, is.TotalPass, is.TotalFail, is.YieldPercentage)
	}
	for _, o := range res.Offsets {
		if o.Base || (o.Offset.DX == 0 && o.Offset.DY == 0 && !o.Degenerate) {
			continue
		}
		fprintf(w, "偏移 %s (%d, %d)\n", o.Layer, o.Offset.DX, o.Offset.DY)
	}
	for _, sk := range res.Skipped {
		fprintf(w, "跳过 %s: %v\n", sk.Layer, sk.Reason)
	}
	for _, r := range res.Reports {
		if r.Err != nil {
			fprintf(w, "失败 %s %s: %v\n", r.Format, r.Artifact, r.Err)
			continue
		}
		fprintf(w, "写出 %s %s\n", r.Format, r.Artifact)
	}
}

const defaultConfigName = "waferstack.yaml"

func initConfig(dir string, stdout, stderr io.Writer) error {
	cfg := cfgpkg.DefaultTemplateConfig()
	if dir == "-" {
		if err := writeConfig(stdout, cfg); err != nil {
			return fail(exitConfig, err)
		}
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fprintf(stderr, "生成默认配置失败: %v\n", err)
		return fail(exitConfig, err)
	}
	// 不覆盖已存在文件
	cfgPath := filepath.Join(dir, defaultConfigName)
	f, err := os.OpenFile(cfgPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		fprintf(stderr, "生成默认配置失败: %v\n", err)
		return fail(exitConfig, err)
	}
	werr := writeConfig(f, cfg)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		fprintf(stderr, "生成默认配置失败: %v\n", werr)
		return fail(exitConfig, werr)
	}
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	if err := writeSampleLayers(dir); err != nil {
		fprintf(stderr, "提示：示例层文档生成失败（已跳过）：%v\n", err)
	}
	fprintf(stdout, "已生成 %s\n", cfgPath)
	return nil
}

func writeConfig(w io.Writer, c cfgpkg.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	fprintf(w, "有效配置:\n")
	return writeConfig(w, c)
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export ".
// - 仅按首个 '=' 分割；key 为左侧去空白；value 去首尾空白；
// - 若 value 被成对的单/双引号包裹，则去除外层引号；双引号内常见转义 \n/\t/\\/\" 作最小处理。
// - 空值不注入；不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 {
			if (val[0] == '\'' && val[len(val)-1] == '\'') || (val[0] == '"' && val[len(val)-1] == '"') {
				quoted := val[0]
				val = val[1 : len(val)-1]
				if quoted == '"' {
					val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
				}
			}
		}
		if val == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# waferstack .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > WAFERSTACK_CONFIG_YAML > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")
	b.WriteString("# 配置来源\n")
	b.WriteString("WAFERSTACK_CONFIG_FILE=\n")
	b.WriteString("WAFERSTACK_CONFIG_YAML=\n\n")
	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{
		"CONCURRENCY", "OUTPUT_DIR", "LOGGING_LEVEL",
		"JOB_NAME", "JOB_FORMATS", "JOB_INK", "JOB_DEBUG_TRACE", "JOB_INCLUDE_SUBSTRATE",
		"COMPONENTS_WRITER",
	} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	return writeIfAbsent(path, b.String())
}

// 示例层文档：两处 S 标记；WLBI 层整体偏移 (+1, +1)。
const sampleCP1 = `stage: cpProber
sub_stage: "1"
header:
  Device Name: DEMO
  Lot No.: LOT1
  Wafer ID: W01
  Dice SizeX: 1500
  Dice SizeY: 1500
rows:
  - "S...S"
  - ".1112"
  - ".1311"
origin: [0, 0]
`

const sampleWLBI = `stage: wlbi
header:
  Device Name: DEMO-WLBI
  Test Program: BI-01
rows:
  - "S...S"
  - ".1511"
  - ".1111"
origin: [1, 1]
`

func writeSampleLayers(dir string) error {
	ld := filepath.Join(dir, "layers")
	if err := os.MkdirAll(ld, 0o755); err != nil {
		return err
	}
	if err := writeIfAbsent(filepath.Join(ld, "cp1.yaml"), sampleCP1); err != nil {
		return err
	}
	return writeIfAbsent(filepath.Join(ld, "wlbi.yaml"), sampleWLBI)
}

func writeIfAbsent(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

// preflightCheckOutputDir: 当 Writer 使用文件系统实现(fs)时，启动前检查输出目录可写性。
// 规则：
// - 若目录已存在：尝试创建并删除临时文件；失败则判为不可写。
// - 若目录不存在：检查最近存在的祖先目录是否可写。
// 仅针对 fs writer 生效；其他 writer 跳过。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	writerName := cfg.Components.Writer
	if strings.TrimSpace(writerName) == "" {
		writerName = cfgpkg.Defaults().Components.Writer
	}
	if writerName != "fs" {
		return nil
	}
	dir := strings.TrimSpace(cfg.OutputDir)
	if dir == "" && cfg.Options.Writer != nil {
		var wopts struct {
			OutputDir string `yaml:"output_dir"`
		}
		_ = cfg.Options.Writer.Decode(&wopts)
		dir = strings.TrimSpace(wopts.OutputDir)
	}
	if dir == "" {
		// 未指定时无法可靠检查，让装配阶段按实现自行报错
		return nil
	}
	for {
		st, err := os.Stat(dir)
		if err == nil {
			if !st.IsDir() {
				return fmt.Errorf("路径存在但不是目录: %s", dir)
			}
			f, err := os.CreateTemp(dir, ".wcheck-*")
			if err != nil {
				return err
			}
			name := f.Name()
			_ = f.Close()
			return os.Remove(name)
		}
		if !os.IsNotExist(err) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("无法确定父目录: %s", dir)
		}
		dir = parent
	}
}
