package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVec3Arithmetic(t *testing.T) {
	a := Vec3{1, 2, 3}
	b := Vec3{4, -1, 2}

	assert.Equal(t, Vec3{5, 1, 5}, a.Add(b))
	assert.Equal(t, Vec3{-3, 3, 1}, a.Sub(b))
	assert.Equal(t, Vec3{2, 4, 6}, a.Scale(2))
	assert.Equal(t, Vec3{4, 2, 3}, a.Max(b))
	assert.Equal(t, Vec3{1, -1, 2}, a.Min(b))
	assert.InDelta(t, 14.0, a.Norm2(), 1e-12)
	assert.Equal(t, 3.0, a.MaxComponent())
}

func TestBoundsToBoxProducesCubeWithClearance(t *testing.T) {
	b := Bounds{Xmin: Vec3{0, 0, 0}, Xmax: Vec3{1, 2, 4}}
	box := b.ToBox()

	assert.Equal(t, Vec3{0.5, 1, 2}, box.X)
	assert.InDelta(t, 2*clearance, box.R, 1e-9)

	// ToBox mutates b in place to the symmetrized cube extents.
	assert.True(t, b.Xmin[0] < 0 && b.Xmin[1] < 0 && b.Xmin[2] < 0)
	for d := 0; d < 3; d++ {
		assert.InDelta(t, box.X[d]-box.R, b.Xmin[d], 1e-9)
		assert.InDelta(t, box.X[d]+box.R, b.Xmax[d], 1e-9)
	}
}

func TestBoundsUnionAndEmpty(t *testing.T) {
	empty := Empty()
	a := empty.Expand(Vec3{1, -2, 3})
	b := a.Union(Bounds{Xmin: Vec3{-5, 0, 0}, Xmax: Vec3{5, 0, 0}})

	assert.Equal(t, Vec3{-5, -2, 0}, b.Xmin)
	assert.Equal(t, Vec3{5, 0, 3}, b.Xmax)
}

func TestBoundsContainsHalfOpen(t *testing.T) {
	b := Bounds{Xmin: Vec3{0, 0, 0}, Xmax: Vec3{1, 1, 1}}
	assert.True(t, b.Contains(Vec3{0, 0, 0}))
	assert.True(t, b.Contains(Vec3{0.999, 0.5, 0.5}))
	assert.False(t, b.Contains(Vec3{1, 0.5, 0.5}), "upper bound is excluded")
	assert.False(t, b.Contains(Vec3{-0.001, 0, 0}))
}

func TestMortonDepthClampsBelowThreshold(t *testing.T) {
	assert.Equal(t, 0, MortonDepth(10, 64))
	assert.Equal(t, 0, MortonDepth(64, 64))
	assert.Greater(t, MortonDepth(10000, 64), 0)
}

func TestEncodeOrdersBodiesAlongAnAxis(t *testing.T) {
	box := Box{X: Vec3{0, 0, 0}, R: 1}
	depth := 4
	d := 2 * box.R / float64(uint64(1)<<uint(depth))

	var prev uint64
	for i := 0; i < 16; i++ {
		x := Vec3{-1 + float64(i)*d + d/2, 0, 0}
		key := Encode(x, box, depth, d)
		if i > 0 {
			assert.Greater(t, key, prev, "monotonically increasing x must yield increasing keys along axis 0")
		}
		prev = key
	}
}

func TestEncodeClampsOutOfBoundsCoordinates(t *testing.T) {
	box := Box{X: Vec3{0, 0, 0}, R: 1}
	depth := 3
	d := 2 * box.R / float64(uint64(1)<<uint(depth))

	inside := Encode(Vec3{0.99, 0.99, 0.99}, box, depth, d)
	outside := Encode(Vec3{5, 5, 5}, box, depth, d)
	assert.Equal(t, inside, outside, "coordinates past the box edge clamp to the last cell")
}

func TestLevelKeyTruncatesToAncestorPrefix(t *testing.T) {
	box := Box{X: Vec3{0, 0, 0}, R: 1}
	depth := 4
	d := 2 * box.R / float64(uint64(1)<<uint(depth))

	// 0.4 lands in cell index 11 (odd) on every axis, so the key's lowest
	// three bits are set and truncating one level must change it.
	key := Encode(Vec3{0.4, 0.4, 0.4}, box, depth, d)
	require.Equal(t, key, LevelKey(key, depth, depth), "truncating to the full depth is the identity")

	parent := LevelKey(key, depth, depth-1)
	assert.NotEqual(t, key, parent)
	assert.Equal(t, parent, LevelKey(parent, depth, depth-1))
}
