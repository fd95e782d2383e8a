package encode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"waferstack/internal/grid"
	"waferstack/pkg/contract"
)

// 数值 bin 调色板（0..20）。
var binPalette = [...]uint32{
	0xd8a5bb, 0x00ff00, 0x7b7bc6, 0xff78f6, 0xfdfe00, 0x00c8f7, 0x2469d2,
	0xc85576, 0xff00e2, 0x394c44, 0xcf1afc, 0x2c31b0, 0xa8cf7e, 0x00eb7d,
	0xfbc03a, 0x9000ca, 0x085ab4, 0x3a56b9, 0xff0700, 0x00b673, 0x594543,
}

// 字母特殊码映射到数值 bin 后取色；z 为 ink 标记。
var letterToNumber = map[string]int{
	"A": 10, "B": 11, "C": 12, "D": 13, "E": 14,
	"F": 15, "G": 16, "H": 17, "I": 18, "J": 19,
	"z": 20,
}

const (
	colorDefault = 0xcccccc
	colorS       = 0xd1191f
)

func rgb(v uint32) color.RGBA {
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// BinColor 返回 bin 的显示颜色。
func BinColor(b contract.Bin) color.RGBA {
	if b.IsNumber() {
		if b.N >= 0 && b.N < len(binPalette) {
			return rgb(binPalette[b.N])
		}
		return rgb(colorDefault)
	}
	if b.Code == "S" {
		return rgb(colorS)
	}
	if n, ok := letterToNumber[b.Code]; ok {
		return rgb(binPalette[n])
	}
	return rgb(colorDefault)
}

// JPG: 标题信息 + 晶圆格图 + bin 图例（0..20 计数）。
type JPG struct {
	// Cell: 每颗 die 的边长（像素）；<=0 取 8。
	Cell int
	// Quality: JPEG 质量；<=0 取 92。
	Quality int
}

func (JPG) Suffix() string { return "_overlayed.jpg" }

const (
	lineHeight   = 16
	padding      = 12
	legendPerRow = 5
	legendItemW  = 96
)

func (j JPG) Encode(ctx context.Context, s contract.Sheet) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := j.Render(s)
	q := j.Quality
	if q <= 0 {
		q = 92
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return &buf, nil
}

// Render 绘制图像（不编码），便于测试像素。
func (j JPG) Render(s contract.Sheet) *image.RGBA {
	cell := j.Cell
	if cell <= 0 {
		cell = 8
	}
	info := []string{
		fmt.Sprintf("Device: %s  Lot: %s  Wafer: %s",
			s.Header.Value(KeyDevice, "Unknown"), s.Header.Value(KeyLot, "Unknown"), s.Header.Value(KeyWafer, "Unknown")),
		fmt.Sprintf("Tested: %d  Pass: %d  Fail: %d  Yield: %s",
			s.Stats.TotalTested, s.Stats.TotalPass, s.Stats.TotalFail, yieldText(s.Stats)),
	}

	b, ok := grid.BoundsOf(s.Dies)
	mapW, mapH := 0, 0
	if ok {
		mapW, mapH = b.Width()*cell, b.Height()*cell
	}
	legendRows := (len(binPalette) + legendPerRow - 1) / legendPerRow
	width := max(mapW, legendPerRow*legendItemW) + 2*padding
	infoH := len(info)*lineHeight + padding
	legendH := legendRows*lineHeight + padding
	height := infoH + mapH + legendH + 2*padding

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Src: image.NewUniform(rgb(0x333333)), Face: basicfont.Face7x13}
	ascent := basicfont.Face7x13.Metrics().Ascent.Ceil()
	y := padding
	for _, line := range info {
		d.Dot = fixed.P(padding, y+ascent)
		d.DrawString(line)
		y += lineHeight
	}
	y += padding / 2

	counts := map[int]int{}
	if ok {
		ox := padding + (width-2*padding-mapW)/2
		for _, die := range s.Dies {
			c := BinColor(die.Bin)
			x0 := ox + (die.X-b.MinX)*cell
			y0 := y + (die.Y-b.MinY)*cell
			r := image.Rect(x0, y0, x0+cell-1, y0+cell-1)
			draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
			if n, ok := legendIndex(die.Bin); ok {
				counts[n]++
			}
		}
	}
	y += mapH + padding

	for i := range binPalette {
		lx := padding + (i%legendPerRow)*legendItemW
		ly := y + (i/legendPerRow)*lineHeight
		sw := image.Rect(lx, ly+2, lx+10, ly+12)
		draw.Draw(img, sw, image.NewUniform(rgb(binPalette[i])), image.Point{}, draw.Src)
		d.Dot = fixed.P(lx+14, ly+ascent)
		d.DrawString(fmt.Sprintf("%d: %d", i, counts[i]))
	}
	return img
}

func legendIndex(b contract.Bin) (int, bool) {
	if b.IsNumber() {
		return b.N, b.N >= 0 && b.N < len(binPalette)
	}
	n, ok := letterToNumber[b.Code]
	return n, ok
}
