package traversal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/cell"
	"github.com/arx-os/fmm/internal/expansion"
	"github.com/arx-os/fmm/internal/geometry"
	"github.com/arx-os/fmm/internal/kernel/laplace"
	"github.com/arx-os/fmm/internal/tree"
)

func gridBodies(n int) []body.Body {
	var out []body.Body
	id := int64(0)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			for z := 0; z < n; z++ {
				out = append(out, body.Body{
					X:     geometry.Vec3{float64(x), float64(y), float64(z)},
					SRC:   1 + float64(id%3),
					IBODY: id,
				})
				id++
			}
		}
	}
	return out
}

func buildLocalTree(t *testing.T, bodies []body.Body, ncrit int) ([]cell.Cell, geometry.Box) {
	t.Helper()
	bounds := geometry.Empty()
	for _, b := range bodies {
		bounds = bounds.Expand(b.X)
	}
	box := bounds.ToBox()
	depth := tree.Depth(len(bodies), ncrit)
	tree.AssignKeys(bodies, box, depth, 2)
	tree.RadixSort(bodies, depth, 2)
	cells := tree.Build(bodies, box, depth)
	require.NoError(t, cell.CheckInvariants(cells))
	return cells, box
}

func directTRG(target geometry.Vec3, sources []body.Body) [4]float64 {
	var out [4]float64
	for _, s := range sources {
		d := target.Sub(s.X)
		r := d.Norm()
		if r == 0 {
			continue
		}
		invR := 1 / r
		invR3 := invR * invR * invR
		out[0] += s.SRC * invR
		out[1] -= s.SRC * d[0] * invR3
		out[2] -= s.SRC * d[1] * invR3
		out[3] -= s.SRC * d[2] * invR3
	}
	return out
}

func TestRunMatchesDirectSummationAtTinyTheta(t *testing.T) {
	bodies := gridBodies(4) // 64 bodies
	cells, _ := buildLocalTree(t, bodies, 4)

	k := laplace.New()
	// A tiny theta blows every acceptance radius up to 20R, so no pair is
	// ever well-separated and the whole traversal resolves to P2P: an
	// exact direct sum, which is what the tight deltas below require.
	passes := expansion.New(k, 0.05, true, false)
	passes.Upward(cells, bodies)

	trav := New(k, 1<<30, false) // NSpawn huge: run single-threaded for a deterministic comparison.
	local := &Tree{Cells: cells, Bodies: bodies}
	require.NoError(t, trav.Run(context.Background(), local, local, geometry.Vec3{}))
	passes.Downward(cells, bodies)

	all := append([]body.Body(nil), bodies...)
	for i := range bodies {
		want := directTRG(bodies[i].X, all)
		got := bodies[i].TRG
		assert.InDelta(t, want[0], got[0], 1e-6, "body %d potential", i)
		assert.InDelta(t, want[1], got[1], 1e-6, "body %d TRG[1]", i)
	}
}

func TestMutualAndNonMutualAgree(t *testing.T) {
	ctx := context.Background()
	// Tiny theta again: with every pair resolving to P2P, the mutual and
	// non-mutual schedules must produce identical sums up to floating-point
	// accumulation order; the symmetrisation must be conservative. At coarser theta the two schedules may legitimately cut
	// M2L at different granularities, which compares truncation errors,
	// not the symmetrisation.
	bodies1 := gridBodies(3)
	cells1, _ := buildLocalTree(t, bodies1, 4)
	k1 := laplace.New()
	p1 := expansion.New(k1, 0.05, true, false)
	p1.Upward(cells1, bodies1)
	trav1 := New(k1, 4, false)
	tree1 := &Tree{Cells: cells1, Bodies: bodies1}
	require.NoError(t, trav1.Run(ctx, tree1, tree1, geometry.Vec3{}))
	p1.Downward(cells1, bodies1)

	bodies2 := gridBodies(3)
	cells2, _ := buildLocalTree(t, bodies2, 4)
	k2 := laplace.New()
	p2 := expansion.New(k2, 0.05, true, false)
	p2.Upward(cells2, bodies2)
	trav2 := New(k2, 4, true)
	tree2 := &Tree{Cells: cells2, Bodies: bodies2}
	require.NoError(t, trav2.Run(ctx, tree2, tree2, geometry.Vec3{}))
	p2.Downward(cells2, bodies2)

	for i := range bodies1 {
		assert.InDelta(t, bodies1[i].TRG[0], bodies2[i].TRG[0], 1e-5, "body %d", i)
	}
}

func TestRunLocalPeriodicWithZeroImagesIsSinglePass(t *testing.T) {
	ctx := context.Background()
	bodies := gridBodies(3)
	cells, _ := buildLocalTree(t, bodies, 4)
	k := laplace.New()
	passes := expansion.New(k, 0.5, true, false)
	passes.Upward(cells, bodies)
	trav := New(k, 4, false)
	local := &Tree{Cells: cells, Bodies: bodies}

	require.NoError(t, trav.RunLocalPeriodic(ctx, local, 0, 2*3.14159265358979))
	passes.Downward(cells, bodies)

	bodies2 := gridBodies(3)
	cells2, _ := buildLocalTree(t, bodies2, 4)
	k2 := laplace.New()
	passes2 := expansion.New(k2, 0.5, true, false)
	passes2.Upward(cells2, bodies2)
	trav2 := New(k2, 4, false)
	local2 := &Tree{Cells: cells2, Bodies: bodies2}
	require.NoError(t, trav2.Run(ctx, local2, local2, geometry.Vec3{}))
	passes2.Downward(cells2, bodies2)

	for i := range bodies {
		assert.InDelta(t, bodies2[i].TRG[0], bodies[i].TRG[0], 1e-9)
	}
}

func TestTraversePeriodicShellExcludesCentralImages(t *testing.T) {
	k := laplace.New()
	root := &cell.Cell{X: geometry.Vec3{}, R: 1, M: []complex128{complex(2, 0)}}

	trav := New(k, 1, false)
	trav.TraversePeriodic(root, 1, 2.0)
	assert.EqualValues(t, 0, trav.NumM2L(), "a single image level is fully covered by the shifted local traversal")

	// One super-level: 26 outer shell members x 27 child copies each. The
	// inner 3x3x3 block belongs to the local-local pass and must not be
	// summed again.
	trav2 := New(k, 1, false)
	root2 := &cell.Cell{X: geometry.Vec3{}, R: 1, M: []complex128{complex(2, 0)}}
	trav2.TraversePeriodic(root2, 2, 2.0)
	assert.EqualValues(t, 26*27, trav2.NumM2L())
	require.NotEmpty(t, root2.L)
	assert.Greater(t, real(root2.L[0]), 0.0, "far-field images must contribute positive potential for positive mass")
}

func TestP2PFallbackWhenSourceTreeHasNoBodies(t *testing.T) {
	ctx := context.Background()
	// A target cell and a "shipped" source cell with a multipole but no
	// bodies slice: the leaf/leaf path must fall back to M2L rather than
	// panic on a nil body index.
	targetBodies := []body.Body{{X: geometry.Vec3{0, 0, 0}, SRC: 1}}
	targetCell := cell.Cell{X: geometry.Vec3{0, 0, 0}, R: 0.5, RCRIT: 20, NBODY: 1, NCBODY: 1}

	sourceCell := cell.Cell{X: geometry.Vec3{10, 0, 0}, R: 0.5, RCRIT: 20, NBODY: 0, M: []complex128{complex(4, 0)}}

	k := laplace.New()
	trav := New(k, 1, false)
	target := &Tree{Cells: []cell.Cell{targetCell}, Bodies: targetBodies}
	source := &Tree{Cells: []cell.Cell{sourceCell}, Bodies: nil}

	require.NoError(t, trav.Run(ctx, target, source, geometry.Vec3{}))
	assert.EqualValues(t, 1, trav.NumM2L())
	assert.EqualValues(t, 0, trav.NumP2P())
}
