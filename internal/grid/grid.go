// Package grid 提供稀疏 die 集合与稠密字符网格之间的转换，以及打包坐标键。
package grid

import (
	"strings"

	"waferstack/pkg/contract"
)

// Empty 为字符网格中的空位字符。
const Empty = '.'

// Overflow 为无法用单字符表示的 bin（多位数值、多字符特殊码）的占位字符。
const Overflow = '#'

// Key: (x,y) 打包为单个 int64，便于数万颗 die 的哈希索引。
type Key int64

// KeyOf 打包坐标。
func KeyOf(x, y int) Key { return Key(int64(int32(x))<<32 | int64(uint32(int32(y)))) }

// XY 解包坐标。
func (k Key) XY() (int, int) { return int(int32(int64(k) >> 32)), int(int32(uint32(k))) }

// Bounds: 闭区间包围盒。
type Bounds struct {
	MinX, MaxX, MinY, MaxY int
}

// Width / Height 以格数计。
func (b Bounds) Width() int  { return b.MaxX - b.MinX + 1 }
func (b Bounds) Height() int { return b.MaxY - b.MinY + 1 }

// BoundsOf 计算 die 集合的包围盒；空集返回 ok=false。
func BoundsOf(dies []contract.Die) (Bounds, bool) {
	if len(dies) == 0 {
		return Bounds{}, false
	}
	b := Bounds{MinX: dies[0].X, MaxX: dies[0].X, MinY: dies[0].Y, MaxY: dies[0].Y}
	for _, d := range dies[1:] {
		b.MinX = min(b.MinX, d.X)
		b.MaxX = max(b.MaxX, d.X)
		b.MinY = min(b.MinY, d.Y)
		b.MaxY = max(b.MaxY, d.Y)
	}
	return b, true
}

// IsIgnored 判断 bin 是否属于空位/未测/边缘（'.'、'S'、'*'）。
func IsIgnored(b contract.Bin) bool {
	if !b.IsSpecial() {
		return false
	}
	switch b.Code {
	case ".", "S", "*":
		return true
	}
	return false
}

// Glyph 返回 bin 在字符网格中的字符。
func Glyph(b contract.Bin) byte {
	if IsIgnored(b) {
		return Empty
	}
	if b.IsNumber() {
		if b.N >= 0 && b.N <= 9 {
			return byte('0' + b.N)
		}
		return Overflow
	}
	if len(b.Code) == 1 {
		return b.Code[0]
	}
	return Overflow
}

// ToRows 生成包围盒内的字符行（行序为 y 递增，列序为 x 递增）。
// 空输入返回空切片。
func ToRows(dies []contract.Die) []string {
	b, ok := BoundsOf(dies)
	if !ok {
		return []string{}
	}
	w, h := b.Width(), b.Height()
	cells := make([][]byte, h)
	for i := range cells {
		cells[i] = []byte(strings.Repeat(string(Empty), w))
	}
	for _, d := range dies {
		cells[d.Y-b.MinY][d.X-b.MinX] = Glyph(d.Bin)
	}
	rows := make([]string, h)
	for i, r := range cells {
		rows[i] = string(r)
	}
	return rows
}

// ParseRows 将字符行还原为 die（'.' 跳过）。数字字符还原为 Number，其余为 Special。
// originX/originY 为第 0 行第 0 列对应的坐标。
func ParseRows(rows []string, originX, originY int) []contract.Die {
	var out []contract.Die
	for j, row := range rows {
		for i := 0; i < len(row); i++ {
			c := row[i]
			if c == Empty {
				continue
			}
			d := contract.Die{X: originX + i, Y: originY + j}
			if c >= '0' && c <= '9' {
				d.Bin = contract.Number(int(c - '0'))
			} else {
				d.Bin = contract.Special(string(c))
			}
			out = append(out, d)
		}
	}
	return out
}
