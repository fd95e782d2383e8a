package encode

import (
	"context"
	"io"
	"strconv"
	"strings"

	"waferstack/internal/grid"
	"waferstack/pkg/contract"
)

// MapEx: "key: value" 头行（统计键以实际统计替换）+ 空行 + 字符行。
type MapEx struct{}

func (MapEx) Suffix() string { return "_overlayed.txt" }

func (MapEx) Encode(ctx context.Context, s contract.Sheet) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return strings.NewReader(RenderMapEx(s)), nil
}

// RenderMapEx 生成 MapEx 文本。
func RenderMapEx(s contract.Sheet) string {
	rows := grid.ToRows(s.Dies)
	lines := make([]string, 0, s.Header.Len()+1+len(rows))
	for _, k := range s.Header.Keys() {
		v, _ := s.Header.Get(k)
		switch k {
		case "Total Tested":
			v = strconv.Itoa(s.Stats.TotalTested)
		case "Total Pass":
			v = strconv.Itoa(s.Stats.TotalPass)
		case "Total Fail":
			v = strconv.Itoa(s.Stats.TotalFail)
		case "Yield":
			v = yieldText(s.Stats)
		}
		lines = append(lines, k+": "+v)
	}
	lines = append(lines, "")
	lines = append(lines, rows...)
	return strings.Join(lines, "\n")
}

// ParseMapExRows 读取 MapEx 文本中首个空行之后的字符行（忽略头部）。
func ParseMapExRows(text string) []string {
	_, body, ok := strings.Cut(text, "\n\n")
	if !ok {
		if strings.HasPrefix(text, "\n") {
			body = text[1:]
		} else {
			return nil
		}
	}
	if body == "" {
		return []string{}
	}
	return strings.Split(body, "\n")
}
