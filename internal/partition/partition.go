// Package partition implements recursive-bisection rank assignment and
// two-phase redistribution: a global bounding-box reduction,
// a power-of-two grid split across ranks, and an all-to-all exchange that
// places every body on its geometric owner.
package partition

import (
	"context"
	"fmt"

	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/fmmerrors"
	"github.com/arx-os/fmm/internal/geometry"
	"github.com/arx-os/fmm/internal/transport"
)

// Grid is the per-axis split count (Nx, Ny, Nz) derived by halving P along
// axes 0,1,2,0,1,... until P==1. P must be a power of
// two.
type Grid [3]int

// BuildGrid derives the partition grid for p ranks.
func BuildGrid(p int) (Grid, error) {
	if p <= 0 || p&(p-1) != 0 {
		return Grid{}, fmt.Errorf("partition: rank count %d is not a power of two", p)
	}
	g := Grid{1, 1, 1}
	axis := 0
	for p > 1 {
		g[axis] *= 2
		p /= 2
		axis = (axis + 1) % 3
	}
	return g, nil
}

// indexTriple returns the column-major (ix, iy, iz) coordinate of rank r
// within grid g.
func indexTriple(r int, g Grid) [3]int {
	ix := r % g[0]
	r /= g[0]
	iy := r % g[1]
	r /= g[1]
	iz := r % g[2]
	return [3]int{ix, iy, iz}
}

// rankOf returns the destination rank owning position x inside the global
// box split by grid g.
func rankOf(x geometry.Vec3, bounds geometry.Bounds, g Grid) (int, error) {
	delta := bounds.Xmax.Sub(bounds.Xmin)
	var idx [3]int
	for d := 0; d < 3; d++ {
		if g[d] <= 0 {
			return 0, fmt.Errorf("partition: invalid grid axis %d", d)
		}
		step := delta[d] / float64(g[d])
		i := 0
		if step > 0 {
			i = int((x[d] - bounds.Xmin[d]) / step)
		}
		if i < 0 {
			i = 0
		}
		if i >= g[d] {
			i = g[d] - 1
		}
		idx[d] = i
	}
	return idx[0] + idx[1]*g[0] + idx[2]*g[0]*g[1], nil
}

// SubBox returns the rectangular sub-domain owned by rank r under grid g
// within the global bounds.
func SubBox(r int, bounds geometry.Bounds, g Grid) geometry.Bounds {
	idx := indexTriple(r, g)
	delta := bounds.Xmax.Sub(bounds.Xmin)
	var lo, hi geometry.Vec3
	for d := 0; d < 3; d++ {
		step := delta[d] / float64(g[d])
		lo[d] = bounds.Xmin[d] + float64(idx[d])*step
		hi[d] = bounds.Xmin[d] + float64(idx[d]+1)*step
	}
	return geometry.Bounds{Xmin: lo, Xmax: hi}
}

// Partitioner redistributes a rank's bodies so each body ends up on its
// geometric owner.
type Partitioner struct {
	coll transport.Collectives
}

// New builds a Partitioner bound to a Collectives driver.
func New(coll transport.Collectives) *Partitioner {
	return &Partitioner{coll: coll}
}

// GlobalBounds reduces every rank's local bounds to the global
// axis-aligned bounding box.
func (p *Partitioner) GlobalBounds(ctx context.Context, local geometry.Bounds) (geometry.Bounds, error) {
	global, err := p.coll.AllreduceBounds(ctx, local)
	if err != nil {
		return geometry.Bounds{}, fmmerrors.Transport(p.coll.Rank(), "global bounds reduction failed", err)
	}
	return global, nil
}

// Partition redistributes bodies so that every body resides on the rank
// whose sub-box contains it. It returns the new local
// body set and, for the reverse operation, the per-body original
// IPROC/IBODY stamped before the exchange (already embedded in the
// returned bodies).
func (p *Partitioner) Partition(ctx context.Context, bodies []body.Body, bounds geometry.Bounds) ([]body.Body, error) {
	rank := p.coll.Rank()
	size := p.coll.Size()
	if size == 1 {
		return bodies, nil
	}

	grid, err := BuildGrid(size)
	if err != nil {
		return nil, fmmerrors.Invariant(rank, err.Error())
	}

	send := make([][]body.Body, size)
	for i := range bodies {
		b := &bodies[i]
		dest, err := rankOf(b.X, bounds, grid)
		if err != nil {
			return nil, fmmerrors.Invariant(rank, err.Error())
		}
		if dest < 0 || dest >= size {
			return nil, fmmerrors.Invariant(rank, fmt.Sprintf("body %d maps to out-of-range rank %d", b.IBODY, dest))
		}
		b.IPROC = int32(rank) // stash origin for unpartition
		send[dest] = append(send[dest], *b)
	}

	wire := make([][]byte, size)
	for r, bs := range send {
		wire[r] = body.EncodeAll(bs)
	}

	recvWire, err := p.coll.Alltoallv(ctx, wire)
	if err != nil {
		return nil, fmmerrors.Transport(rank, "partition alltoallv failed", err)
	}

	var out []body.Body
	for _, buf := range recvWire {
		out = append(out, body.DecodeAll(buf)...)
	}

	for i := range out {
		box := SubBox(rank, bounds, grid)
		if !box.Contains(out[i].X) {
			return nil, fmmerrors.Invariant(rank, fmt.Sprintf("body %d landed outside owning sub-box", out[i].IBODY))
		}
	}

	return out, nil
}

// Unpartition reverses Partition, restoring each body to the rank it came
// from (keyed by IPROC) and to its original order (keyed by IBODY),
// so that Partition followed by Unpartition is the identity on bodies.
func (p *Partitioner) Unpartition(ctx context.Context, bodies []body.Body) ([]body.Body, error) {
	rank := p.coll.Rank()
	size := p.coll.Size()
	if size == 1 {
		// Even a single rank went through a Morton-order tree build, which
		// permutes bodies away from their input order, so the restoring
		// sort still has to run; only the network round trip is skippable.
		out := append([]body.Body(nil), bodies...)
		sortByIBODY(out)
		return out, nil
	}

	send := make([][]body.Body, size)
	for _, b := range bodies {
		r := int(b.IPROC)
		if r < 0 || r >= size {
			return nil, fmmerrors.Invariant(rank, fmt.Sprintf("body %d has invalid stashed IPROC %d", b.IBODY, r))
		}
		send[r] = append(send[r], b)
	}

	wire := make([][]byte, size)
	for r, bs := range send {
		wire[r] = body.EncodeAll(bs)
	}

	recvWire, err := p.coll.Alltoallv(ctx, wire)
	if err != nil {
		return nil, fmmerrors.Transport(rank, "unpartition alltoallv failed", err)
	}

	var out []body.Body
	for _, buf := range recvWire {
		out = append(out, body.DecodeAll(buf)...)
	}

	sortByIBODY(out)
	return out, nil
}

func sortByIBODY(bodies []body.Body) {
	// Insertion sort by IBODY. Each rank's post-unpartition batch is its
	// own original input set, but it arrives in the Morton order left by
	// the tree build, not in IBODY order, so this can take O(n^2) swaps.
	for i := 1; i < len(bodies); i++ {
		j := i
		for j > 0 && bodies[j-1].IBODY > bodies[j].IBODY {
			bodies[j-1], bodies[j] = bodies[j], bodies[j-1]
			j--
		}
	}
}
