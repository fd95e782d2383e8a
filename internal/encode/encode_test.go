package encode

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waferstack/internal/grid"
	"waferstack/internal/stats"
	"waferstack/pkg/contract"
)

func sampleDies() []contract.Die {
	return []contract.Die{
		{X: 1, Y: 0, Bin: contract.Number(1)},
		{X: 2, Y: 0, Bin: contract.Number(3)},
		{X: 1, Y: 1, Bin: contract.Special("A")},
		{X: 2, Y: 1, Bin: contract.Number(1)},
	}
}

func sampleSheet(h contract.Header, hex *contract.Header) contract.Sheet {
	dies := sampleDies()
	return contract.Sheet{
		Dies:      dies,
		Header:    h,
		HexHeader: hex,
		Stats:     stats.FromDies(dies, stats.DefaultPassSet()),
	}
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func TestMapExExact(t *testing.T) {
	h := contract.NewHeader("Device Name", "DEV", "Total Tested", "999", "Yield", "0%")
	got := RenderMapEx(sampleSheet(h, nil))
	want := "Device Name: DEV\nTotal Tested: 4\nYield: 50.00%\n\n13\nA1"
	if got != want {
		t.Fatalf("MapEx 输出不符:\n%s", cmp.Diff(want, got))
	}

	// 无头时以空行开头
	got = RenderMapEx(sampleSheet(contract.Header{}, nil))
	assert.Equal(t, "\n13\nA1", got)
}

func TestMapExRoundTrip(t *testing.T) {
	for _, h := range []contract.Header{{}, contract.NewHeader("Lot No.", "L1")} {
		s := sampleSheet(h, nil)
		rows := ParseMapExRows(RenderMapEx(s))
		require.Equal(t, []string{"13", "A1"}, rows)
		b, ok := grid.BoundsOf(s.Dies)
		require.True(t, ok)
		back := grid.ParseRows(rows, b.MinX, b.MinY)
		if d := cmp.Diff(s.Dies, back); d != "" {
			t.Fatalf("往返不一致:\n%s", d)
		}
		assert.Equal(t, s.Stats, stats.FromRows(rows, stats.DefaultPassSet()))
	}
}

func TestSinfExact(t *testing.T) {
	hex := contract.NewHeader(
		"Device Name", "DEV", "Lot No.", "L1", "Wafer ID", "W01",
		"Dice SizeX", "2500", "Dice SizeY", "3000um",
	)
	got := RenderSinf(sampleSheet(contract.Header{}, &hex))
	want := strings.Join([]string{
		"DEVICE:DEV",
		"LOT:L1",
		"WAFER:W01",
		"FNLOC:0",
		"ROWCT:2",
		"COLCT:2",
		"BCEQU:01",
		"REFPX:1",
		"REFPY:28",
		"DUTMS:MM",
		"XDIES:2.50000",
		"YDIES:3.00000",
		"",
		"Rowdata: 01 03 ",
		"Rowdata: *A 01 ",
	}, "\n")
	if got != want {
		t.Fatalf("Sinf 输出不符:\n%s", cmp.Diff(want, got))
	}
}

func TestSinfWithoutHexHeader(t *testing.T) {
	got := RenderSinf(sampleSheet(contract.Header{}, nil))
	assert.Equal(t, "\nRowdata: 01 03 \nRowdata: *A 01 ", got)

	// 尺寸不可解析
	hex := contract.NewHeader("Dice SizeX", "n/a")
	got = RenderSinf(sampleSheet(contract.Header{}, &hex))
	assert.Contains(t, got, "XDIES:Unknown\nYDIES:Unknown\n")
	assert.Contains(t, got, "DEVICE:Unknown\n")
}

func TestWaferMapDefaults(t *testing.T) {
	got := RenderWaferMap(sampleSheet(contract.Header{}, nil))
	head := strings.Join([]string{
		"WaferType: 0",
		"DUT: 0",
		"Mode: 0",
		"notch: Unknown",
		"Product: Unknown",
		"Wafer Lots: Unknown",
		"Wafer No: Unknown",
		"Wafer Size: 6",
		"Index X: 0",
		"Index Y: 0",
		"\n[MAP]:",
		"0 0 1",
		"1 0 3",
		"1 1 1",
		"\nTotal Prober Test Dies: 3",
		"Total Prober Pass Dies: 2",
		"Bin  0    0,  Bin  1    2,  Bin  2    0,  Bin  3    1,  Bin  4    0,  Bin  5    0,  Bin  6    0,  Bin  7    0,  ",
		"Bin  8    0,  ",
	}, "\n")
	require.True(t, strings.HasPrefix(got, head), "前缀不符:\n%s", got)
	assert.True(t, strings.HasSuffix(got, "Bin148    0,  Bin149    0,  Bin150    0,  \n\n\n## END ##"))
	assert.Contains(t, got, "\nBin 99    0,  Bin100    0,  ")
}

func TestWaferMapHeaderAndLargeBin(t *testing.T) {
	h := contract.NewHeader(
		"DUT", "3 dut", "Wafer Size", "8", "Dice SizeX", "2500.5",
		"Flat/Notch", "Down", "Device Name", "DEV",
	)
	s := contract.Sheet{
		Header: h,
		Dies: []contract.Die{
			{X: 5, Y: 2, Bin: contract.Number(160)},
			{X: 6, Y: 2, Bin: contract.Number(-1)},
		},
	}
	got := RenderWaferMap(s)
	assert.Contains(t, got, "DUT: 3\n")
	assert.Contains(t, got, "Wafer Size: 8.000\n")
	assert.Contains(t, got, "Index X: 2500.500\nIndex Y: 0\n")
	assert.Contains(t, got, "notch: Down\nProduct: DEV\n")
	assert.Contains(t, got, "\n4 2 160\n5 2 -1\n")
	assert.Contains(t, got, "Total Prober Test Dies: 2\nTotal Prober Pass Dies: 0\n")
	// 直方图延伸到最大 bin
	assert.Contains(t, got, "Bin160    1,  ")
	assert.NotContains(t, got, "Bin161")
}

func TestEncodersHonourContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, e := range []contract.Encoder{MapEx{}, Sinf{}, WaferMap{}, JPG{}} {
		_, err := e.Encode(ctx, sampleSheet(contract.Header{}, nil))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("%T 应返回 context.Canceled, got %v", e, err)
		}
	}
}

func TestSuffixes(t *testing.T) {
	got := map[string]string{
		FormatMapEx:    MapEx{}.Suffix(),
		FormatSinf:     Sinf{}.Suffix(),
		FormatWaferMap: WaferMap{}.Suffix(),
		FormatJPG:      JPG{}.Suffix(),
	}
	want := map[string]string{
		"mapex":    "_overlayed.txt",
		"sinf":     "_overlayed.sinf",
		"wafermap": "_overlayed.WaferMap",
		"jpg":      "_overlayed.jpg",
	}
	assert.Equal(t, want, got)
}

func TestBinColor(t *testing.T) {
	assert.Equal(t, rgb(0x00ff00), BinColor(contract.Number(1)))
	assert.Equal(t, rgb(colorS), BinColor(contract.Special("S")))
	assert.Equal(t, rgb(binPalette[10]), BinColor(contract.Special("A")))
	assert.Equal(t, rgb(binPalette[20]), BinColor(contract.Special("z")))
	assert.Equal(t, rgb(colorDefault), BinColor(contract.Number(99)))
	assert.Equal(t, rgb(colorDefault), BinColor(contract.Special("?")))
}

func TestJPGRenderAndEncode(t *testing.T) {
	s := sampleSheet(contract.NewHeader("Device Name", "DEV"), nil)
	j := JPG{Cell: 8}
	img := j.Render(s)

	// 宽度由图例决定：5 项 * 96 + 2 * 12
	require.Equal(t, 504, img.Bounds().Dx())
	// 地图左上角：水平居中，纵向位于两行信息之下
	ox := padding + (504-2*padding-16)/2
	oy := padding + 2*lineHeight + padding/2
	assert.Equal(t, rgb(binPalette[1]), img.RGBAAt(ox+3, oy+3))
	assert.Equal(t, rgb(binPalette[3]), img.RGBAAt(ox+8+3, oy+3))
	assert.Equal(t, rgb(binPalette[10]), img.RGBAAt(ox+3, oy+8+3))

	r, err := j.Encode(context.Background(), s)
	require.NoError(t, err)
	decoded, err := jpeg.Decode(bytes.NewReader([]byte(readAll(t, r))))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestJPGEmptySheet(t *testing.T) {
	r, err := JPG{}.Encode(context.Background(), contract.Sheet{})
	require.NoError(t, err)
	_, err = jpeg.Decode(r)
	require.NoError(t, err)
}
