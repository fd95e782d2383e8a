// Package encode 将合并结果序列化为遗留设备可读的格式：
// MapEx(ASCII)、Sinf(Hex)、WaferMap(Bin) 以及 JPG 图像。
//
// 文本格式逐字节兼容：行以 "\n" 连接，末尾无换行。
package encode

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"waferstack/pkg/contract"
)

// 格式名（配置与工件报告中使用）。
const (
	FormatMapEx    = "mapex"
	FormatSinf     = "sinf"
	FormatWaferMap = "wafermap"
	FormatJPG      = "jpg"
)

// Formats 为全部已知格式（稳定顺序）。
var Formats = []string{FormatMapEx, FormatSinf, FormatWaferMap, FormatJPG}

// 遗留头键。
const (
	KeyDevice    = "Device Name"
	KeyLot       = "Lot No."
	KeyWafer     = "Wafer ID"
	KeyDiceSizeX = "Dice SizeX"
	KeyDiceSizeY = "Dice SizeY"
	KeyWaferSize = "Wafer Size"
	KeyFlatNotch = "Flat/Notch"
)

var (
	floatPrefix = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)
	intPrefix   = regexp.MustCompile(`^[+-]?\d+`)
)

// leadingFloat 取字符串前缀中的浮点数（"200um" → 200）。
func leadingFloat(s string) (float64, bool) {
	m := floatPrefix.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// leadingInt 取字符串前缀中的整数（"3 dut" → 3）。
func leadingInt(s string) (int, bool) {
	m := intPrefix.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0, false
	}
	v, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return v, true
}

func yieldText(s contract.Statistics) string {
	return fmt.Sprintf("%.2f%%", s.YieldPercentage)
}
