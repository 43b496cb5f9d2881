package geometry

// clearance inflates a bounding box slightly so that bodies lying exactly on
// the boundary still fall strictly inside under floating-point rounding.
const clearance = 1.00001

// Bounds is a pair of corner vectors enclosing a set of bodies.
type Bounds struct {
	Xmin Vec3
	Xmax Vec3
}

// Box is a cube derived from Bounds: a centre and a half-side length.
type Box struct {
	X Vec3
	R float64
}

// Empty returns a Bounds primed for a min/max reduction: Xmin at +1e300,
// Xmax at -1e300 component-wise, so that the first Expand call wins for any
// coordinate of smaller magnitude.
func Empty() Bounds {
	const inf = 1e300
	return Bounds{
		Xmin: Vec3{inf, inf, inf},
		Xmax: Vec3{-inf, -inf, -inf},
	}
}

// Expand widens b to include x.
func (b Bounds) Expand(x Vec3) Bounds {
	return Bounds{Xmin: b.Xmin.Min(x), Xmax: b.Xmax.Max(x)}
}

// Union merges two Bounds, as required by the global min/max reduction
// across ranks.
func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{Xmin: b.Xmin.Min(o.Xmin), Xmax: b.Xmax.Max(o.Xmax)}
}

// ToBox symmetrises Bounds into a cube, which is a precondition for
// Morton encoding at uniform resolution. It mutates b in place to the
// symmetrised extents, so Xmin/Xmax describe the cube afterwards.
func (b *Bounds) ToBox() Box {
	centre := Vec3{
		(b.Xmin[0] + b.Xmax[0]) / 2,
		(b.Xmin[1] + b.Xmax[1]) / 2,
		(b.Xmin[2] + b.Xmax[2]) / 2,
	}

	var r float64
	for d := 0; d < 3; d++ {
		lo := centre[d] - b.Xmin[d]
		hi := b.Xmax[d] - centre[d]
		if lo > r {
			r = lo
		}
		if hi > r {
			r = hi
		}
	}
	r *= clearance

	b.Xmin = Vec3{centre[0] - r, centre[1] - r, centre[2] - r}
	b.Xmax = Vec3{centre[0] + r, centre[1] + r, centre[2] + r}

	return Box{X: centre, R: r}
}

// Contains reports whether x lies inside b under the half-open convention
// used by the partitioner's containment invariant.
func (b Bounds) Contains(x Vec3) bool {
	for d := 0; d < 3; d++ {
		if x[d] < b.Xmin[d] || x[d] >= b.Xmax[d] {
			return false
		}
	}
	return true
}
