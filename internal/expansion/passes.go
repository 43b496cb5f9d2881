// Package expansion drives the upward (P2M/M2M) and downward (L2L/L2P)
// sweeps over a built cell array, computing each cell's multipole,
// extent radius, and acceptance radius on the way up and propagating
// local expansions to the bodies on the way down.
package expansion

import (
	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/cell"
	"github.com/arx-os/fmm/internal/kernel"
)

// Passes holds the configuration the upward pass needs to compute each
// cell's acceptance radius.
type Passes struct {
	Kernel  kernel.Kernel
	Theta   float64
	UseRmax bool
	UseRopt bool
}

// New builds a Passes driver bound to a kernel and acceptance parameters.
func New(k kernel.Kernel, theta float64, useRmax, useRopt bool) *Passes {
	return &Passes{Kernel: k, Theta: theta, UseRmax: useRmax, UseRopt: useRopt}
}

// Upward computes every cell's multipole expansion and acceptance radius in
// a single reverse pass over the array: cells are stored parent-before-
// child, so iterating from the last index to the first guarantees every
// child is visited before its parent, the ordering M2M requires.
func (p *Passes) Upward(cells []cell.Cell, bodies []body.Body) {
	for i := len(cells) - 1; i >= 0; i-- {
		c := &cells[i]
		if len(c.M) < p.Kernel.MTERM() {
			c.M = make([]complex128, p.Kernel.MTERM())
		}
		if c.IsLeaf() {
			p.Kernel.P2M(c, bodies)
			lo, hi := c.BodyRange()
			for bi := lo; bi < hi; bi++ {
				if r := bodies[bi].X.Sub(c.X).Norm(); r > c.RMAX {
					c.RMAX = r
				}
			}
		} else {
			lo, hi := c.Children()
			for ci := lo; ci < hi; ci++ {
				p.Kernel.M2M(c, &cells[ci])
				// A child's bodies extend at most its centre offset plus
				// its own extent from this cell's centre.
				reach := cells[ci].X.Sub(c.X).Norm() + cells[ci].RMAX
				if reach > c.RMAX {
					c.RMAX = reach
				}
			}
		}
		c.RCRIT = p.acceptanceRadius(c)
	}
}

// acceptanceRadius computes RCRIT = R/theta, optionally raised to the
// cell's body extent RMAX when that is larger (useRmax), then optionally
// lowered to the midpoint of R/theta and RMAX when that is smaller
// (useRopt).
func (p *Passes) acceptanceRadius(c *cell.Cell) float64 {
	rcrit := c.R
	if p.Theta > 0 {
		rcrit = c.R / p.Theta
	}
	if p.UseRmax && c.RMAX > rcrit {
		rcrit = c.RMAX
	}
	if p.UseRopt {
		opt := (c.R/p.Theta + c.RMAX) / 2
		if opt > 0 && opt < rcrit {
			rcrit = opt
		}
	}
	return rcrit
}

// Downward propagates local expansions top-down (parent before child, the
// array's natural order) and evaluates leaves into body TRG accumulators.
func (p *Passes) Downward(cells []cell.Cell, bodies []body.Body) {
	for i := range cells {
		c := &cells[i]
		if i != 0 {
			p.Kernel.L2L(c, &cells[c.PARENT])
		}
		if c.IsLeaf() {
			p.Kernel.L2P(c, bodies)
		}
	}
}
