package encode

import (
	"context"
	"fmt"
	"io"
	"strings"

	"waferstack/internal/grid"
	"waferstack/pkg/contract"
)

// Sinf: 固定头块（取自指定高优先级层的头）+ 空行 + "Rowdata: " 行。
type Sinf struct{}

func (Sinf) Suffix() string { return "_overlayed.sinf" }

func (Sinf) Encode(ctx context.Context, s contract.Sheet) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return strings.NewReader(RenderSinf(s)), nil
}

// dieSizeMM: µm → mm，保留 5 位小数；缺失或不可解析为 Unknown。
func dieSizeMM(h contract.Header, key string) string {
	raw, ok := h.Get(key)
	if !ok || raw == "" {
		return "Unknown"
	}
	v, ok := leadingFloat(raw)
	if !ok {
		return "Unknown"
	}
	return fmt.Sprintf("%.5f", v/1000)
}

// RenderSinf 生成 Sinf 文本。
func RenderSinf(s contract.Sheet) string {
	rows := grid.ToRows(s.Dies)
	var lines []string
	if h := s.HexHeader; h != nil {
		cols := 0
		if len(rows) > 0 {
			cols = len(rows[0])
		}
		lines = append(lines,
			"DEVICE:"+h.Value(KeyDevice, "Unknown"),
			"LOT:"+h.Value(KeyLot, "Unknown"),
			"WAFER:"+h.Value(KeyWafer, "Unknown"),
			"FNLOC:0",
			fmt.Sprintf("ROWCT:%d", len(rows)),
			fmt.Sprintf("COLCT:%d", cols),
			"BCEQU:01",
			"REFPX:1",
			"REFPY:28",
			"DUTMS:MM",
			"XDIES:"+dieSizeMM(*h, KeyDiceSizeX),
			"YDIES:"+dieSizeMM(*h, KeyDiceSizeY),
		)
	}
	lines = append(lines, "")
	var b strings.Builder
	for _, row := range rows {
		b.Reset()
		b.WriteString("Rowdata: ")
		for i := 0; i < len(row); i++ {
			c := row[i]
			switch {
			case c == '.' || c == 'S':
				b.WriteString("__ ")
			case c >= '0' && c <= '9':
				b.WriteByte('0')
				b.WriteByte(c)
				b.WriteByte(' ')
			default:
				b.WriteByte('*')
				b.WriteByte(c)
				b.WriteByte(' ')
			}
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}
