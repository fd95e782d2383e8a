package pipeline

import (
	"bytes"
	"fmt"
	"sort"

	"waferstack/internal/merge"
)

// maxTraceChanges: debug.txt 中逐坐标变更日志的行数上限。
const maxTraceChanges = 2000

// renderTrace 生成 debug.txt：叠加顺序、偏移、逐层计数、变更日志与统计。
func renderTrace(layers []loaded, res Result, tr merge.Trace) []byte {
	var b bytes.Buffer

	ordered := append([]loaded(nil), layers...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].score > ordered[j].score })
	b.WriteString("# Stacking order\n")
	for i, l := range ordered {
		rule := l.rule
		if rule == "" {
			rule = "-"
		}
		fmt.Fprintf(&b, "%d. %s score=%d rule=%s dies=%d\n", i+1, l.label, l.score, rule, len(l.layer.Dies))
	}

	b.WriteString("\n# Offsets\n")
	for _, o := range res.Offsets {
		note := ""
		switch {
		case o.Base:
			note = " base"
		case o.Degenerate:
			note = " degenerate"
		}
		fmt.Fprintf(&b, "%s: (%d, %d)%s", o.Layer, o.Offset.DX, o.Offset.DY, note)
		if o.Check != nil {
			fmt.Fprintf(&b, " markers=%d/%d spread=(%.3f, %.3f)", o.Check.BaseCount, o.Check.TargetCount, o.Check.SpreadDX, o.Check.SpreadDY)
		}
		b.WriteByte('\n')
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(&b, "%s: skipped (%v)\n", s.Layer, s.Reason)
	}

	b.WriteString("\n# Merge\n")
	for _, lc := range tr.Layers {
		fmt.Fprintf(&b, "%s priority=%d inserted=%d replaced=%d overridden=%d kept=%d ignored=%d\n",
			lc.Label, lc.Priority, lc.Inserted, lc.Replaced, lc.Overridden, lc.Kept, lc.Ignored)
	}
	fmt.Fprintf(&b, "pruned rows=%d cols=%d\n", tr.PrunedRows, tr.PrunedCols)

	b.WriteString("\n# Changes\n")
	for i, c := range tr.Changes {
		if i == maxTraceChanges {
			fmt.Fprintf(&b, "... %d more\n", len(tr.Changes)-maxTraceChanges)
			break
		}
		fmt.Fprintf(&b, "%s (%d,%d) %s -> %s %s\n", c.Layer, c.X, c.Y, c.From, c.To, c.Action)
	}

	b.WriteString("\n# Statistics\n")
	fmt.Fprintf(&b, "Total Tested: %d\nTotal Pass: %d\nTotal Fail: %d\nYield: %.2f%%\n",
		res.Stats.TotalTested, res.Stats.TotalPass, res.Stats.TotalFail, res.Stats.YieldPercentage)
	if s := res.InkStats; s != nil {
		fmt.Fprintf(&b, "Ink Tested: %d\nInk Pass: %d\nInk Fail: %d\nInk Yield: %.2f%%\n",
			s.TotalTested, s.TotalPass, s.TotalFail, s.YieldPercentage)
	}
	return b.Bytes()
}
