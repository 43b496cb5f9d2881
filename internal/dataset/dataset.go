// Package dataset supplies body generators for driving solves and tests:
// a uniform random cube and an exact-depth lattice. Sphere and Plummer
// distributions are not provided, and ByName does not resolve them.
package dataset

import (
	"math"
	"math/rand"

	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/geometry"
)

// Generator produces n bodies, deterministically reproducible for a given
// seed.
type Generator interface {
	Generate(n int, seed int64) []body.Body
}

// Cube fills [-1, 1]^3 uniformly at random, source strengths in [0, 1).
type Cube struct{}

func (Cube) Generate(n int, seed int64) []body.Body {
	r := rand.New(rand.NewSource(seed))
	out := make([]body.Body, n)
	for i := range out {
		out[i] = body.Body{
			X: geometry.Vec3{
				2*r.Float64() - 1,
				2*r.Float64() - 1,
				2*r.Float64() - 1,
			},
			SRC:   r.Float64(),
			IBODY: int64(i),
		}
	}
	return out
}

// Lattice arranges bodies on a regular cubic grid. Driven with n == 8^k it
// yields a tree with exactly 8^k leaves at depth k, one body per leaf:
// cubeRoot(n) must itself be an integer for the grid to tile without gaps.
// Unit source strength for every body.
type Lattice struct{}

func (Lattice) Generate(n int, seed int64) []body.Body {
	side := int(math.Round(math.Cbrt(float64(n))))
	out := make([]body.Body, 0, n)
	id := int64(0)
	for x := 0; x < side && len(out) < n; x++ {
		for y := 0; y < side && len(out) < n; y++ {
			for z := 0; z < side && len(out) < n; z++ {
				out = append(out, body.Body{
					X:     geometry.Vec3{float64(x), float64(y), float64(z)},
					SRC:   1,
					IBODY: id,
				})
				id++
			}
		}
	}
	return out
}

// ByName resolves a `distribution` configuration string to a Generator.
func ByName(name string) (Generator, bool) {
	switch name {
	case "cube":
		return Cube{}, true
	case "lattice":
		return Lattice{}, true
	default:
		return nil, false
	}
}
