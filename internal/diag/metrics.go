package diag

import (
	"sort"
	"strings"
	"sync"
)

// 进程内计数指标：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}（累计毫秒）
var (
	metricsMu sync.Mutex
	counters  = map[string]int64{}
)

func bump(name string, delta int64, labels ...string) {
	key := name + "{" + strings.Join(labels, ",") + "}"
	metricsMu.Lock()
	counters[key] += delta
	metricsMu.Unlock()
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { bump("op_total", 1, comp, stage, result) }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { bump("error_total", 1, comp, code) }

// ObserveDuration 累计阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	bump("op_duration_ms", durMS, comp, stage)
}

// Metric 为一条计数快照。
type Metric struct {
	Key   string
	Value int64
}

// Snapshot 返回按键排序的计数快照。
func Snapshot() []Metric {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	out := make([]Metric, 0, len(counters))
	for k, v := range counters {
		out = append(out, Metric{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ResetMetrics 清空计数（测试使用）。
func ResetMetrics() {
	metricsMu.Lock()
	counters = map[string]int64{}
	metricsMu.Unlock()
}
