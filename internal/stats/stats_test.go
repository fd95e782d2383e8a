package stats

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"waferstack/internal/grid"
	"waferstack/pkg/contract"
)

func TestFromDies(t *testing.T) {
	dies := []contract.Die{
		{X: 0, Y: 0, Bin: contract.Number(1)},
		{X: 1, Y: 0, Bin: contract.Special("G")},
		{X: 2, Y: 0, Bin: contract.Number(3)},
		{X: 3, Y: 0, Bin: contract.Special("S")},
		{X: 4, Y: 0, Bin: contract.Special("*")},
		{X: 5, Y: 0, Bin: contract.Special("z")},
	}
	s := FromDies(dies, DefaultPassSet())
	assert.Equal(t, 4, s.TotalTested)
	assert.Equal(t, 2, s.TotalPass)
	assert.Equal(t, 2, s.TotalFail)
	assert.InDelta(t, 50.0, s.YieldPercentage, 1e-9)
}

func TestEmpty(t *testing.T) {
	assert.Equal(t, contract.Statistics{}, FromDies(nil, DefaultPassSet()))
	assert.Equal(t, contract.Statistics{}, FromRows([]string{"...", "S*."}, DefaultPassSet()))
}

func TestNewPassSet(t *testing.T) {
	assert.Equal(t, DefaultPassSet(), NewPassSet(nil))
	ps := NewPassSet([]string{"1", "A"})
	assert.True(t, ps.Has("A"))
	assert.False(t, ps.Has("G"))
}

// 不变量：tested = pass + fail；0 ≤ yield ≤ 100；die 与字符行计算一致。
func TestInvariantsRandomGrids(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	bins := []contract.Bin{
		contract.Number(0), contract.Number(1), contract.Number(2), contract.Number(9),
		contract.Number(12), contract.Number(-1),
		contract.Special("S"), contract.Special("*"), contract.Special("."),
		contract.Special("G"), contract.Special("J"), contract.Special("z"), contract.Special("F"),
		contract.Special("GX"),
	}
	ps := DefaultPassSet()
	for round := 0; round < 200; round++ {
		seen := map[grid.Key]bool{}
		var dies []contract.Die
		count := rng.Intn(60)
		for i := 0; i < count; i++ {
			x, y := rng.Intn(12)-6, rng.Intn(12)-6
			if seen[grid.KeyOf(x, y)] {
				continue
			}
			seen[grid.KeyOf(x, y)] = true
			dies = append(dies, contract.Die{X: x, Y: y, Bin: bins[rng.Intn(len(bins))]})
		}
		a := FromDies(dies, ps)
		b := FromRows(grid.ToRows(dies), ps)
		assert.Equal(t, a, b, "round %d", round)
		assert.Equal(t, a.TotalTested, a.TotalPass+a.TotalFail)
		assert.GreaterOrEqual(t, a.YieldPercentage, 0.0)
		assert.LessOrEqual(t, a.YieldPercentage, 100.0)
		if a.TotalTested == 0 {
			assert.Zero(t, a.YieldPercentage)
		}
	}
}
