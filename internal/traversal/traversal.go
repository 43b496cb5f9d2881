// Package traversal implements the dual tree traversal (DTT): a binary
// recursion over pairs of cells that classifies each pair as
// well-separated (M2L), a direct leaf pair (P2P), or in need of further
// splitting, with a task-parallel 2x2 diagonal/antidiagonal schedule for
// the case where both sides have enough descendants to spawn work.
// golang.org/x/sync/errgroup is the single structured fork/join primitive.
package traversal

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/cell"
	"github.com/arx-os/fmm/internal/geometry"
	"github.com/arx-os/fmm/internal/kernel"
)

// Tree is one side of a traversal: a cell array and the bodies its leaves
// index into. Bodies is nil or empty for a tree received from a peer whose
// admitted leaves were shipped as multipole-only cells; such a leaf's NBODY
// is 0, and either a nil Bodies or a zero NBODY forces the M2L fallback
// instead of a P2P.
type Tree struct {
	Cells  []cell.Cell
	Bodies []body.Body
}

func (t *Tree) shipsNoBodies(c *cell.Cell) bool {
	return t.Bodies == nil || c.NBODY == 0
}

// Traversal drives repeated dual tree traversals against one kernel,
// accumulating the advisory numP2P/numM2L counters.
type Traversal struct {
	Kernel kernel.Kernel
	NSpawn int
	Mutual bool

	numP2P int64
	numM2L int64
}

// New builds a Traversal bound to k, spawning sub-tasks once a cell's NBODY
// exceeds nspawn and honoring mutual interactions for same-tree traversals.
func New(k kernel.Kernel, nspawn int, mutual bool) *Traversal {
	return &Traversal{Kernel: k, NSpawn: nspawn, Mutual: mutual}
}

// NumP2P and NumM2L report the cumulative advisory interaction counts.
func (t *Traversal) NumP2P() int64 { return atomic.LoadInt64(&t.numP2P) }
func (t *Traversal) NumM2L() int64 { return atomic.LoadInt64(&t.numM2L) }

// Run traverses target's root against source's root, offset by periodic
// (zero for the primary image), accumulating into target.Bodies' TRG
// fields. target and source may be the same Tree (local-local,
// with Mutual honored) or different ones (a peer's LET, always effectively
// non-mutual since t.Mutual only fires when the two Trees are identical).
func (t *Traversal) Run(ctx context.Context, target, source *Tree, periodic geometry.Vec3) error {
	if len(target.Cells) == 0 || len(source.Cells) == 0 {
		return nil
	}
	return t.traverse(ctx, target, 0, source, 0, periodic)
}

func (t *Traversal) traverse(ctx context.Context, ti *Tree, ci int, tj *Tree, cj int, periodic geometry.Vec3) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	Ci := &ti.Cells[ci]
	Cj := &tj.Cells[cj]
	mutual := t.Mutual && ti == tj

	dX := Ci.X.Sub(Cj.X).Sub(periodic)
	sep := Ci.RCRIT + Cj.RCRIT
	if dX.Norm2() > sep*sep {
		t.Kernel.M2L(Ci, Cj, periodic, mutual)
		atomic.AddInt64(&t.numM2L, 1)
		return nil
	}

	if Ci.IsLeaf() && Cj.IsLeaf() {
		if tj.shipsNoBodies(Cj) {
			// Shipped leaf without bodies: its received multipole alone
			// must serve.
			t.Kernel.M2L(Ci, Cj, periodic, mutual)
			atomic.AddInt64(&t.numM2L, 1)
			return nil
		}
		if ti == tj {
			t.Kernel.P2P(Ci, Cj, ti.Bodies, periodic, mutual)
		} else {
			t.Kernel.P2PCross(Ci, ti.Bodies, Cj, tj.Bodies, periodic)
		}
		atomic.AddInt64(&t.numP2P, 1)
		return nil
	}

	return t.split(ctx, ti, ci, tj, cj, periodic)
}

// split picks which side's children to recurse into: a leaf
// never splits itself, so the non-leaf side gives way; when both sides are
// non-leaves with enough descendants to be worth spawning, the 2x2
// diagonal/antidiagonal schedule applies; otherwise the side with the
// larger acceptance radius splits, on the (heuristic) grounds that it is
// likely to admit the pair sooner.
func (t *Traversal) split(ctx context.Context, ti *Tree, ci int, tj *Tree, cj int, periodic geometry.Vec3) error {
	Ci := &ti.Cells[ci]
	Cj := &tj.Cells[cj]

	selfPair := t.Mutual && ti == tj && ci == cj
	switch {
	case Cj.IsLeaf():
		return t.splitOne(ctx, ti, ci, tj, cj, periodic, true)
	case Ci.IsLeaf():
		return t.splitOne(ctx, ti, ci, tj, cj, periodic, false)
	case selfPair || (Ci.NBODY > t.NSpawn && Cj.NBODY > t.NSpawn):
		// A mutual self pair must go through the range recursion even when
		// too small to spawn: it is the only split that visits each
		// unordered child pair exactly once, which mutual writes require.
		return t.splitBoth(ctx, ti, ci, tj, cj, periodic)
	case Ci.RCRIT >= Cj.RCRIT:
		return t.splitOne(ctx, ti, ci, tj, cj, periodic, true)
	default:
		return t.splitOne(ctx, ti, ci, tj, cj, periodic, false)
	}
}

// splitOne recurses into one side's children against the other side's
// fixed cell, serially: every child pair shares that fixed cell, so
// spawning here would let concurrent tasks write its L (mutual M2L) or its
// bodies (mutual P2P). Task parallelism lives in splitBoth's 2x2 schedule,
// whose blocks are disjoint on both sides.
func (t *Traversal) splitOne(ctx context.Context, ti *Tree, ci int, tj *Tree, cj int, periodic geometry.Vec3, splitCi bool) error {
	var lo, hi int
	if splitCi {
		lo, hi = ti.Cells[ci].Children()
	} else {
		lo, hi = tj.Cells[cj].Children()
	}

	for idx := lo; idx < hi; idx++ {
		var err error
		if splitCi {
			err = t.traverse(ctx, ti, idx, tj, cj, periodic)
		} else {
			err = t.traverse(ctx, ti, ci, tj, idx, periodic)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// splitBoth is the 2x2 range recursion: Ci's and Cj's
// child ranges are each bisected into a lo/hi half, and the resulting four
// blocks are scheduled as a diagonal pair (lo×lo, hi×hi) followed by an
// antidiagonal pair (lo×hi, hi×lo), so that the two concurrently running
// blocks of each pair never touch the same target leaf, required for
// race-free TRG/L accumulation under mutual interactions. The
// hi×lo block is skipped when Ci and Cj are the very same cell under
// mutual traversal, since it is the reciprocal image of lo×hi and mutual
// M2L/P2P already wrote both sides.
func (t *Traversal) splitBoth(ctx context.Context, ti *Tree, ci int, tj *Tree, cj int, periodic geometry.Vec3) error {
	ciLo, ciHi := ti.Cells[ci].Children()
	cjLo, cjHi := tj.Cells[cj].Children()
	ciMid := ciLo + (ciHi-ciLo)/2
	cjMid := cjLo + (cjHi-cjLo)/2
	selfPair := t.Mutual && ti == tj && ci == cj

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.crossBlock(gctx, ti, ciLo, ciMid, tj, cjLo, cjMid, periodic, selfPair) })
	if err := t.crossBlock(gctx, ti, ciMid, ciHi, tj, cjMid, cjHi, periodic, selfPair); err != nil {
		return err
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g2, gctx2 := errgroup.WithContext(ctx)
	g2.Go(func() error { return t.crossBlock(gctx2, ti, ciLo, ciMid, tj, cjMid, cjHi, periodic, false) })
	if !selfPair {
		if err := t.crossBlock(gctx2, ti, ciMid, ciHi, tj, cjLo, cjMid, periodic, false); err != nil {
			return err
		}
	}
	return g2.Wait()
}

// crossBlock traverses every (i, j) pair in the cross product of two child
// ranges. Ranges are small (bounded by NCHILD, at most 8 per side), so a
// plain nested loop covers one sub-traversal block; any further
// parallelism comes from the recursive traverse calls
// it makes, not from splitting this loop itself. selfRange marks a block
// whose two ranges are the same slice of the same tree under mutual
// traversal: only the triangular half j >= i is visited, since a mutual
// visit of (i, j) already writes both sides.
func (t *Traversal) crossBlock(ctx context.Context, ti *Tree, iLo, iHi int, tj *Tree, jLo, jHi int, periodic geometry.Vec3, selfRange bool) error {
	for i := iLo; i < iHi; i++ {
		j0 := jLo
		if selfRange && i > j0 {
			j0 = i
		}
		for j := j0; j < jHi; j++ {
			if err := t.traverse(ctx, ti, i, tj, j, periodic); err != nil {
				return err
			}
		}
	}
	return nil
}

// Shifts returns the 27 unit-cell offset vectors (the central image plus
// its 26 neighbours) scaled by cycle, used to wrap a local-local traversal
// under periodic boundary conditions.
func Shifts(cycle float64) []geometry.Vec3 {
	out := make([]geometry.Vec3, 0, 27)
	for ix := -1; ix <= 1; ix++ {
		for iy := -1; iy <= 1; iy++ {
			for iz := -1; iz <= 1; iz++ {
				out = append(out, geometry.Vec3{
					float64(ix) * cycle,
					float64(iy) * cycle,
					float64(iz) * cycle,
				})
			}
		}
	}
	return out
}

// RunLocalPeriodic wraps a local-local traversal in the 3^3 shifts Shifts
// returns when images > 0, and runs the plain unshifted pass when
// images == 0, so the central cell is never double-counted either way.
func (t *Traversal) RunLocalPeriodic(ctx context.Context, local *Tree, images int, cycle float64) error {
	if images == 0 {
		return t.Run(ctx, local, local, geometry.Vec3{})
	}
	for _, shift := range Shifts(cycle) {
		if err := t.Run(ctx, local, local, shift); err != nil {
			return err
		}
	}
	return nil
}

// TraversePeriodic extends the local-local sum to an infinite lattice by
// `images` super-levels of the classic FMM periodic boundary technique:
// at each level, the 26 outer members of
// a 3x3x3 parent shell are each expanded into their 27 child-scale copies
// and M2L'd into root's local expansion (the 3^3 x 3^3 offset grid, inner
// block excluded because lower levels already covered it), then all 27
// copies of the current super-cell are M2M'd into a new super-cell three
// times larger in period, so the period triples each super-level.
// images<=1 is a no-op: a single image is just the local-local pass
// RunLocalPeriodic already covers.
func (t *Traversal) TraversePeriodic(root *cell.Cell, images int, cycle float64) {
	if images <= 1 {
		return
	}

	centre := *root
	centre.M = append([]complex128(nil), root.M...)
	period := cycle

	for level := 0; level < images-1; level++ {
		// Each outer-shell member (ix,iy,iz) is expanded into its 27
		// child-scale copies (jx,jy,jz), so the combined offset grid
		// 3*i+j covers every image cell from 2 to 4 periods out per axis.
		// The inner 3x3x3 block (ix=iy=iz=0) is excluded: at level 0 the
		// shifted local-local traversal already summed it, and at deeper
		// levels the previous level's shell did.
		for ix := -1; ix <= 1; ix++ {
			for iy := -1; iy <= 1; iy++ {
				for iz := -1; iz <= 1; iz++ {
					if ix == 0 && iy == 0 && iz == 0 {
						continue
					}
					for jx := -1; jx <= 1; jx++ {
						for jy := -1; jy <= 1; jy++ {
							for jz := -1; jz <= 1; jz++ {
								source := centre
								source.X = root.X.Add(geometry.Vec3{
									float64(3*ix+jx) * period,
									float64(3*iy+jy) * period,
									float64(3*iz+jz) * period,
								})
								t.Kernel.M2L(root, &source, geometry.Vec3{}, false)
								atomic.AddInt64(&t.numM2L, 1)
							}
						}
					}
				}
			}
		}

		next := cell.Cell{X: root.X, R: root.R * 3, M: make([]complex128, len(root.M))}
		for ix := -1; ix <= 1; ix++ {
			for iy := -1; iy <= 1; iy++ {
				for iz := -1; iz <= 1; iz++ {
					child := centre
					child.X = root.X.Add(geometry.Vec3{
						float64(ix) * period,
						float64(iy) * period,
						float64(iz) * period,
					})
					t.Kernel.M2M(&next, &child)
				}
			}
		}
		centre = next
		period *= 3
	}
}
