package grid

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waferstack/pkg/contract"
)

func TestKeyRoundTrip(t *testing.T) {
	for _, c := range [][2]int{{0, 0}, {1, -1}, {-5, 7}, {-2147483648, 2147483647}, {40000, -40000}} {
		x, y := KeyOf(c[0], c[1]).XY()
		assert.Equal(t, c[0], x)
		assert.Equal(t, c[1], y)
	}
	assert.NotEqual(t, KeyOf(1, 2), KeyOf(2, 1))
}

func TestToRows(t *testing.T) {
	dies := []contract.Die{
		{X: 1, Y: 1, Bin: contract.Number(1)},
		{X: 3, Y: 1, Bin: contract.Special("G")},
		{X: 2, Y: 2, Bin: contract.Special("S")},
		{X: 3, Y: 3, Bin: contract.Number(12)},
		{X: 1, Y: 3, Bin: contract.Special("*")},
	}
	want := []string{
		"1.G",
		"...",
		"..#",
	}
	if diff := cmp.Diff(want, ToRows(dies)); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestToRowsEmpty(t *testing.T) {
	rows := ToRows(nil)
	require.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestParseRowsRoundTrip(t *testing.T) {
	dies := []contract.Die{
		{X: -1, Y: 4, Bin: contract.Number(7)},
		{X: 0, Y: 4, Bin: contract.Special("z")},
		{X: 1, Y: 5, Bin: contract.Number(0)},
	}
	rows := ToRows(dies)
	got := ParseRows(rows, -1, 4)
	if diff := cmp.Diff(dies, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGlyph(t *testing.T) {
	assert.Equal(t, byte('.'), Glyph(contract.Special(".")))
	assert.Equal(t, byte('.'), Glyph(contract.Special("S")))
	assert.Equal(t, byte('#'), Glyph(contract.Number(-1)))
	assert.Equal(t, byte('#'), Glyph(contract.Special("GX")))
	assert.Equal(t, byte('A'), Glyph(contract.Special("A")))
	assert.True(t, IsIgnored(contract.Special("*")))
	assert.False(t, IsIgnored(contract.Number(1)))
}
