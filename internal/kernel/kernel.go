// Package kernel declares the opaque particle/multipole operator set every
// expansion pass and traversal call goes through. The operators never
// appear concretely here; concrete numerics live in a kernel
// implementation such as internal/kernel/laplace.
package kernel

import (
	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/cell"
	"github.com/arx-os/fmm/internal/geometry"
)

// Kernel computes the six FMM operators over cells whose M/L coefficient
// slices it owns the layout of. All cell arguments index into a shared,
// contiguous bodies slice via their IBODY/NBODY range.
type Kernel interface {
	// MTERM and LTERM size the M and L coefficient slices a cell needs,
	// so tree construction can pre-allocate them.
	MTERM() int
	LTERM() int

	// P2M accumulates a leaf cell's multipole expansion from its own bodies.
	P2M(c *cell.Cell, bodies []body.Body)
	// M2M translates a child's multipole expansion up into its parent's.
	M2M(parent, child *cell.Cell)
	// M2L translates source's multipole expansion into target's local
	// expansion for a well-separated pair, offset by a periodic image
	// vector (zero for the primary image). When mutual is true the
	// reciprocal contribution (source from target) is applied too.
	M2L(target, source *cell.Cell, periodic geometry.Vec3, mutual bool)
	// L2L translates a parent's local expansion down into a child's.
	L2L(child, parent *cell.Cell)
	// L2P evaluates a leaf cell's local expansion at each of its bodies,
	// accumulating into their TRG fields.
	L2P(c *cell.Cell, bodies []body.Body)
	// P2P evaluates direct particle-particle interactions between two
	// cells' body ranges (or within one cell, when target == source),
	// offset by a periodic image vector. When mutual is true the
	// reciprocal force is applied to source as well as target.
	P2P(target, source *cell.Cell, bodies []body.Body, periodic geometry.Vec3, mutual bool)
	// P2PCross evaluates direct interactions between a target cell and a
	// source cell that index into two separate body slices, the shape a
	// peer traversal needs once local targets and a received LET's bodies
	// live in different arrays. It only accumulates into
	// target's bodies: a peer traversal is never mutual, so there is
	// no reciprocal side to write back.
	P2PCross(target *cell.Cell, targetBodies []body.Body, source *cell.Cell, sourceBodies []body.Body, periodic geometry.Vec3)
}
