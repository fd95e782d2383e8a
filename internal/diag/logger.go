package diag

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger: 组件级结构化日志（zap JSON 编码），固定字段 corr_id/comp/stage。
// nil *Logger 的所有方法均为 no-op。
type Logger struct {
	z     *zap.Logger
	level zap.AtomicLevel
	sink  *RotatingFile
}

// NewLogger 以配置的 level 初始化，写入 logs/waferstack-current.txt，10MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(corrID, level, sink)
	l.sink = sink
	return l
}

// NewLoggerTo 将日志写入给定 WriteSyncer（测试与嵌入使用）。
func NewLoggerTo(corrID, level string, ws zapcore.WriteSyncer) *Logger {
	atom := zap.NewAtomicLevelAt(ParseLevel(level))
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, atom)
	z := zap.New(core).With(zap.String("corr_id", corrID))
	return &Logger{z: z, level: atom}
}

// NewNop 返回丢弃一切输出的日志器。
func NewNop() *Logger {
	return &Logger{z: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

// ParseLevel: debug|info|warn|error；其他值按 info。
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel 运行期调整级别。
func (l *Logger) SetLevel(level string) {
	if l == nil {
		return
	}
	l.level.SetLevel(ParseLevel(level))
}

// Enabled 报告给定级别是否输出。
func (l *Logger) Enabled(level string) bool {
	if l == nil {
		return false
	}
	return l.level.Enabled(ParseLevel(level))
}

// Close 刷新缓冲并关闭轮转文件。
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func fields(comp, stage, code string, dur time.Duration, count int64, layer, coord string, kv map[string]string) []zap.Field {
	fs := make([]zap.Field, 0, 8)
	fs = append(fs, zap.String("comp", comp), zap.String("stage", stage))
	if code != "" {
		fs = append(fs, zap.String("code", code))
	}
	if dur > 0 {
		fs = append(fs, zap.Int64("dur_ms", dur.Milliseconds()))
	}
	if count != 0 {
		fs = append(fs, zap.Int64("count", count))
	}
	if layer != "" {
		fs = append(fs, zap.String("layer", layer))
	}
	if coord != "" {
		fs = append(fs, zap.String("coord", coord))
	}
	if len(kv) > 0 {
		fs = append(fs, zap.Any("kv", kv))
	}
	return fs
}

func since(t *time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(*t)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", "", nil)
}

// StartWith 记录带 layer/coord 的 start。
func (l *Logger) StartWith(comp, msg, layer, coord string) *Timer {
	return l.StartWithKV(comp, msg, layer, coord, nil)
}

// StartWithKV 记录带 layer/coord 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, layer, coord string, kv map[string]string) *Timer {
	if l != nil {
		l.z.Info(msg, fields(comp, "start", "", 0, 0, layer, coord, kv)...)
	}
	IncOp(comp, "start", "success")
	return &Timer{l: l, comp: comp, layer: layer, coord: coord, t0: time.Now()}
}

// Warn 记录可恢复事件（跳过的层、退化对位等）。
func (l *Logger) Warn(comp, code, msg string) {
	l.WarnWithKV(comp, code, msg, "", "", nil)
}

// WarnWithKV 附带层标识、坐标与键值。
func (l *Logger) WarnWithKV(comp, code, msg, layer, coord string, kv map[string]string) {
	if l == nil {
		return
	}
	l.z.Warn(msg, fields(comp, "warn", code, 0, 0, layer, coord, kv)...)
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWithKV 支持附带键值对。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, layer, coord string, kv map[string]string) {
	IncError(comp, code)
	if l == nil {
		return
	}
	l.z.Error(msg, fields(comp, "error", code, since(durSince), 0, layer, coord, kv)...)
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	ObserveDuration(comp, "finish", time.Since(start).Milliseconds())
	if l == nil {
		return
	}
	l.z.Info(msg, fields(comp, "finish", "", time.Since(start), count, "", "", nil)...)
}

// DebugStart 输出调试级别的 start 类事件（仅 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, layer, coord string, kv map[string]string) {
	if l == nil {
		return
	}
	l.z.Debug(msg, fields(comp, "start", "", 0, 0, layer, coord, kv)...)
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	layer string
	coord string
	t0    time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil {
		return
	}
	d := time.Since(t.t0)
	ObserveDuration(t.comp, "finish", d.Milliseconds())
	IncOp(t.comp, "finish", "success")
	if t.l == nil {
		return
	}
	t.l.z.Info(msg, fields(t.comp, "finish", "", d, count, t.layer, t.coord, nil)...)
}
