// Package cell defines the pointer-free octree cell record: every
// cross-reference (PARENT, ICHILD) is an integer index into the same flat
// array, never a pointer.
package cell

import (
	"strconv"

	"github.com/arx-os/fmm/internal/geometry"
)

// Cell is one octree node. IBODY/NBODY is the contiguous range of bodies
// under this subtree once bodies have been Morton-sorted; NCBODY counts
// bodies stored inline at a leaf, NDBODY counts all descendant bodies.
type Cell struct {
	ICELL  uint64
	X      geometry.Vec3
	R      float64
	RMAX   float64
	RCRIT  float64
	PARENT int
	ICHILD int
	NCHILD int
	IBODY  int
	NBODY  int
	NCBODY int
	NDBODY int
	M      []complex128
	L      []complex128
}

// IsLeaf reports whether c has no children.
func (c *Cell) IsLeaf() bool {
	return c.NCHILD == 0
}

// Children returns the index range [ICHILD, ICHILD+NCHILD) of c's children.
func (c *Cell) Children() (lo, hi int) {
	return c.ICHILD, c.ICHILD + c.NCHILD
}

// BodyRange returns the [IBODY, IBODY+NBODY) contiguous body range owned by
// c's subtree.
func (c *Cell) BodyRange() (lo, hi int) {
	return c.IBODY, c.IBODY + c.NBODY
}

// CheckInvariants validates the structural invariants
// of a fully built cell array: parent-before-child ordering and
// consistent child ranges. It returns the first violation found, or nil.
func CheckInvariants(cells []Cell) error {
	for i := range cells {
		c := &cells[i]
		if i == 0 {
			continue // root: PARENT==0 by convention, no further check.
		}
		if c.PARENT >= i {
			return &InvariantError{Index: i, Reason: "parent index not less than self"}
		}
		p := &cells[c.PARENT]
		lo, hi := p.Children()
		if i < lo || i >= hi {
			return &InvariantError{Index: i, Reason: "not within parent's child range"}
		}
	}
	return nil
}

// InvariantError reports a structural violation of the cell array's
// invariants; this is a fatal, non-recoverable condition.
type InvariantError struct {
	Index  int
	Reason string
}

func (e *InvariantError) Error() string {
	return "cell invariant violated at index " + strconv.Itoa(e.Index) + ": " + e.Reason
}
