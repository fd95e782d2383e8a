package encode

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"waferstack/pkg/contract"
)

// histogramMin: 直方图至少覆盖 0..150。
const histogramMin = 150

// WaferMap: 头行 + [MAP] 段（仅数值 bin，x 统一减 1）+ 计数 + 升序 bin 直方图。
type WaferMap struct{}

func (WaferMap) Suffix() string { return "_overlayed.WaferMap" }

func (WaferMap) Encode(ctx context.Context, s contract.Sheet) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return strings.NewReader(RenderWaferMap(s)), nil
}

func headerInt(h contract.Header, key string) string {
	if v, ok := leadingInt(h.Value(key, "")); ok {
		return strconv.Itoa(v)
	}
	return "0"
}

// headerFixed3: 存在时按 %.3f；缺失时输出默认数字的最短形式（如 "6"、"0"）。
func headerFixed3(h contract.Header, key, def string) string {
	if v, ok := leadingFloat(h.Value(key, "")); ok {
		return fmt.Sprintf("%.3f", v)
	}
	return def
}

// RenderWaferMap 生成 WaferMap 文本。
func RenderWaferMap(s contract.Sheet) string {
	h := s.Header
	lines := []string{
		"WaferType: " + headerInt(h, "WaferType"),
		"DUT: " + headerInt(h, "DUT"),
		"Mode: " + headerInt(h, "Mode"),
		"notch: " + h.Value(KeyFlatNotch, "Unknown"),
		"Product: " + h.Value(KeyDevice, "Unknown"),
		"Wafer Lots: " + h.Value(KeyLot, "Unknown"),
		"Wafer No: " + h.Value(KeyWafer, "Unknown"),
		"Wafer Size: " + headerFixed3(h, KeyWaferSize, "6"),
		"Index X: " + headerFixed3(h, KeyDiceSizeX, "0"),
		"Index Y: " + headerFixed3(h, KeyDiceSizeY, "0"),
	}

	lines = append(lines, "\n[MAP]:")
	counts := map[int]int{}
	tested, pass, maxBin := 0, 0, histogramMin
	for _, d := range s.Dies {
		if !d.Bin.IsNumber() {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d %d %d", d.X-1, d.Y, d.Bin.N))
		counts[d.Bin.N]++
		tested++
		if d.Bin.N == 1 {
			pass++
		}
		maxBin = max(maxBin, d.Bin.N)
	}

	lines = append(lines, fmt.Sprintf("\nTotal Prober Test Dies: %d", tested))
	lines = append(lines, fmt.Sprintf("Total Prober Pass Dies: %d", pass))

	var bl strings.Builder
	for bin := 0; bin <= maxBin; bin++ {
		if bin < 100 {
			fmt.Fprintf(&bl, "Bin %2d", bin)
		} else {
			fmt.Fprintf(&bl, "Bin%3d", bin)
		}
		fmt.Fprintf(&bl, "    %d,  ", counts[bin])
		if bin > 0 && bin%7 == 0 {
			lines = append(lines, bl.String())
			bl.Reset()
		}
	}
	if bl.Len() > 0 {
		lines = append(lines, bl.String())
	}
	lines = append(lines, "\n\n## END ##")
	return strings.Join(lines, "\n")
}
