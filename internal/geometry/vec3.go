// Package geometry provides the vector, bounding-box, and Morton-encoding
// primitives shared by the tree builder, the partitioner, and the traversal
// engine.
package geometry

import "math"

// Vec3 is a three-component position, offset, or force vector.
type Vec3 [3]float64

// Add returns v + u.
func (v Vec3) Add(u Vec3) Vec3 {
	return Vec3{v[0] + u[0], v[1] + u[1], v[2] + u[2]}
}

// Sub returns v - u.
func (v Vec3) Sub(u Vec3) Vec3 {
	return Vec3{v[0] - u[0], v[1] - u[1], v[2] - u[2]}
}

// Scale returns v scaled by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}

// Norm2 returns the squared Euclidean norm |v|^2.
func (v Vec3) Norm2() float64 {
	return v[0]*v[0] + v[1]*v[1] + v[2]*v[2]
}

// Norm returns the Euclidean norm |v|.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Norm2())
}

// Max returns the component-wise maximum of v and u.
func (v Vec3) Max(u Vec3) Vec3 {
	return Vec3{math.Max(v[0], u[0]), math.Max(v[1], u[1]), math.Max(v[2], u[2])}
}

// Min returns the component-wise minimum of v and u.
func (v Vec3) Min(u Vec3) Vec3 {
	return Vec3{math.Min(v[0], u[0]), math.Min(v[1], u[1]), math.Min(v[2], u[2])}
}

// MaxComponent returns the largest of the three components.
func (v Vec3) MaxComponent() float64 {
	return math.Max(v[0], math.Max(v[1], v[2]))
}
