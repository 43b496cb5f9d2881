package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCubeIsSeedReproducible(t *testing.T) {
	a := Cube{}.Generate(50, 7)
	b := Cube{}.Generate(50, 7)
	require.Len(t, a, 50)
	for i := range a {
		assert.Equal(t, a[i].X, b[i].X)
		assert.Equal(t, a[i].SRC, b[i].SRC)
	}
}

func TestCubeStaysWithinBounds(t *testing.T) {
	bodies := Cube{}.Generate(200, 1)
	for _, b := range bodies {
		for d := 0; d < 3; d++ {
			assert.GreaterOrEqual(t, b.X[d], -1.0)
			assert.LessOrEqual(t, b.X[d], 1.0)
		}
		assert.Greater(t, b.SRC, 0.0)
	}
}

func TestLatticeProducesExactCubeOfBodies(t *testing.T) {
	bodies := Lattice{}.Generate(8, 0) // 2^3
	assert.Len(t, bodies, 8)

	seen := make(map[[3]float64]bool)
	for _, b := range bodies {
		seen[[3]float64{b.X[0], b.X[1], b.X[2]}] = true
	}
	assert.Len(t, seen, 8, "lattice must place bodies at distinct grid points")
}

func TestLatticeLargerGrid(t *testing.T) {
	bodies := Lattice{}.Generate(64, 0) // 4^3
	assert.Len(t, bodies, 64)
	for i, b := range bodies {
		assert.EqualValues(t, i, b.IBODY)
	}
}

func TestByNameResolvesKnownDistributions(t *testing.T) {
	_, ok := ByName("cube")
	assert.True(t, ok)
	_, ok = ByName("lattice")
	assert.True(t, ok)
	_, ok = ByName("plummer")
	assert.False(t, ok)
}
