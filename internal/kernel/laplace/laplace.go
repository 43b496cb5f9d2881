// Package laplace implements a monopole-order (P=1) Laplace kernel: plain
// 1/r potential and its 1/r^2 force law, with no spherical-harmonic
// expansion. It exists to exercise the traversal engine and expansion
// passes end to end; higher-order multipole kernels plug in behind the
// same kernel.Kernel interface.
package laplace

import (
	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/cell"
	"github.com/arx-os/fmm/internal/geometry"
)

// mterm/lterm: a monopole M has one coefficient (total charge); a
// first-order local expansion carries a value and a 3-vector gradient.
const (
	mterm = 1
	lterm = 4
)

// Kernel is the reference monopole/gradient implementation of kernel.Kernel.
type Kernel struct{}

// New returns a ready-to-use laplace Kernel; it holds no state.
func New() *Kernel { return &Kernel{} }

func (*Kernel) MTERM() int { return mterm }
func (*Kernel) LTERM() int { return lterm }

func (*Kernel) P2M(c *cell.Cell, bodies []body.Body) {
	if len(c.M) < mterm {
		c.M = make([]complex128, mterm)
	}
	lo, hi := c.BodyRange()
	var total float64
	for i := lo; i < hi; i++ {
		total += bodies[i].SRC
	}
	c.M[0] = complex(total, 0)
}

func (*Kernel) M2M(parent, child *cell.Cell) {
	if len(parent.M) < mterm {
		parent.M = make([]complex128, mterm)
	}
	// Total charge is translation invariant: a child's mass simply adds to
	// its parent's, regardless of the offset between their centers.
	parent.M[0] += child.M[0]
}

func (*Kernel) M2L(target, source *cell.Cell, periodic geometry.Vec3, mutual bool) {
	if len(target.L) < lterm {
		target.L = make([]complex128, lterm)
	}
	mass := real(source.M[0])
	sx := source.X.Add(periodic)
	d := target.X.Sub(sx)
	r := d.Norm()
	if r == 0 {
		return
	}
	applyMonopoleLocal(target.L, mass, d, r)

	if mutual {
		if len(source.L) < lterm {
			source.L = make([]complex128, lterm)
		}
		applyMonopoleLocal(source.L, real(target.M[0]), d.Scale(-1), r)
	}
}

// applyMonopoleLocal adds the field of a point mass at distance vector d
// (target minus source), magnitude r, into a local expansion: the value
// term M/r and the gradient term -M*d/r^3.
func applyMonopoleLocal(l []complex128, mass float64, d geometry.Vec3, r float64) {
	l[0] += complex(mass/r, 0)
	r3 := r * r * r
	for k := 0; k < 3; k++ {
		l[1+k] += complex(-mass*d[k]/r3, 0)
	}
}

func (*Kernel) L2L(child, parent *cell.Cell) {
	if len(parent.L) < lterm {
		return
	}
	if len(child.L) < lterm {
		child.L = make([]complex128, lterm)
	}
	shift := child.X.Sub(parent.X)
	child.L[0] += parent.L[0] + complex(
		real(parent.L[1])*shift[0]+real(parent.L[2])*shift[1]+real(parent.L[3])*shift[2], 0)
	for k := 1; k < lterm; k++ {
		// First-order expansion: the gradient is constant across the
		// translation, so it carries down unchanged.
		child.L[k] += parent.L[k]
	}
}

func (*Kernel) L2P(c *cell.Cell, bodies []body.Body) {
	if len(c.L) < lterm {
		return
	}
	l0 := real(c.L[0])
	grad := geometry.Vec3{real(c.L[1]), real(c.L[2]), real(c.L[3])}
	lo, hi := c.BodyRange()
	for i := lo; i < hi; i++ {
		d := bodies[i].X.Sub(c.X)
		bodies[i].TRG[0] += l0 + grad[0]*d[0] + grad[1]*d[1] + grad[2]*d[2]
		// L[1..3] already holds the field gradient (same sign convention
		// as P2P's -m*d/r^3 accumulation), constant across the leaf at
		// first order.
		bodies[i].TRG[1] += grad[0]
		bodies[i].TRG[2] += grad[1]
		bodies[i].TRG[3] += grad[2]
	}
}

func (*Kernel) P2PCross(target *cell.Cell, targetBodies []body.Body, source *cell.Cell, sourceBodies []body.Body, periodic geometry.Vec3) {
	tlo, thi := target.BodyRange()
	slo, shi := source.BodyRange()
	for i := tlo; i < thi; i++ {
		for j := slo; j < shi; j++ {
			sx := sourceBodies[j].X.Add(periodic)
			d := targetBodies[i].X.Sub(sx)
			r := d.Norm()
			if r == 0 {
				continue
			}
			invR := 1 / r
			invR3 := invR * invR * invR
			mj := sourceBodies[j].SRC
			targetBodies[i].TRG[0] += mj * invR
			targetBodies[i].TRG[1] -= mj * d[0] * invR3
			targetBodies[i].TRG[2] -= mj * d[1] * invR3
			targetBodies[i].TRG[3] -= mj * d[2] * invR3
		}
	}
}

func (*Kernel) P2P(target, source *cell.Cell, bodies []body.Body, periodic geometry.Vec3, mutual bool) {
	tlo, thi := target.BodyRange()
	slo, shi := source.BodyRange()
	for i := tlo; i < thi; i++ {
		for j := slo; j < shi; j++ {
			if target == source && i == j {
				continue
			}
			sx := bodies[j].X.Add(periodic)
			d := bodies[i].X.Sub(sx)
			r := d.Norm()
			if r == 0 {
				continue
			}
			invR := 1 / r
			invR3 := invR * invR * invR
			mj := bodies[j].SRC
			bodies[i].TRG[0] += mj * invR
			bodies[i].TRG[1] -= mj * d[0] * invR3
			bodies[i].TRG[2] -= mj * d[1] * invR3
			bodies[i].TRG[3] -= mj * d[2] * invR3

			if mutual && target != source {
				mi := bodies[i].SRC
				bodies[j].TRG[0] += mi * invR
				bodies[j].TRG[1] += mi * d[0] * invR3
				bodies[j].TRG[2] += mi * d[1] * invR3
				bodies[j].TRG[3] += mi * d[2] * invR3
			}
		}
	}
}
