// Package tree builds the flat, pointer-free octree from a rank's local
// bodies: Morton key assignment, a parallel MSD radix sort, and a
// level-by-level coalescing pass that links leaves into a parent-before-
// child cell array.
package tree

import (
	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/cell"
	"github.com/arx-os/fmm/internal/geometry"
	"github.com/arx-os/fmm/internal/workerpool"
)

const radixBins = 64 // 2^6: two tree levels resolved per counting-sort pass.

// Depth picks the octree depth for numBodies bodies with leaf capacity
// ncrit, delegating to the shared Morton-depth heuristic.
func Depth(numBodies, ncrit int) int {
	return geometry.MortonDepth(numBodies, ncrit)
}

// AssignKeys stamps each body's ICELL with its depth-bit Morton key within
// box (a cube, from Bounds.ToBox), dispatched across workers goroutines.
func AssignKeys(bodies []body.Body, box geometry.Box, depth int, workers int) {
	if len(bodies) == 0 {
		return
	}
	if workers < 1 {
		workers = 1
	}
	d := 2 * box.R / float64(uint64(1)<<uint(depth))
	chunk := (len(bodies) + workers - 1) / workers
	if chunk < 1 {
		chunk = 1
	}
	nchunks := (len(bodies) + chunk - 1) / chunk
	workerpool.Map(workers, nchunks, func(c int) {
		lo := c * chunk
		hi := lo + chunk
		if hi > len(bodies) {
			hi = len(bodies)
		}
		for i := lo; i < hi; i++ {
			bodies[i].ICELL = geometry.Encode(bodies[i].X, box, depth, d)
		}
	})
}

// RadixSort reorders bodies in place by ascending ICELL with an MSD
// counting sort over 6-bit radices. The top-level bin recursion fans out
// across workers goroutines; sub-bins below the first pass recurse serially,
// since their sizes shrink by roughly 64x each pass.
func RadixSort(bodies []body.Body, depth, workers int) {
	n := len(bodies)
	if n < 2 {
		return
	}
	if depth == 0 {
		return // single key value for every body, already trivially ordered.
	}
	bitShift := 3*depth - 6
	if bitShift < 0 {
		// Fewer than 6 significant bits: one pass with bitShift 0 still
		// sorts correctly, since the radix mask covers every set bit.
		bitShift = 0
	}
	buffer := make([]body.Body, n)
	radixPassTop(bodies, buffer, bitShift, workers)
}

func bin(key uint64, bitShift int) int {
	return int((key >> uint(bitShift)) & (radixBins - 1))
}

// radixPassTop performs one counting-sort pass over the whole array, then
// dispatches the resulting 64 bins' recursive sorts across a worker pool.
func radixPassTop(keys, buffer []body.Body, bitShift, workers int) {
	bounds := countingSortPass(keys, buffer, bitShift)
	copy(keys, buffer)

	next := nextShift(bitShift)
	workerpool.Map(workers, radixBins, func(b int) {
		lo, hi := bounds[b], bounds[b+1]
		radixPassSerial(keys[lo:hi], buffer[lo:hi], next)
	})
}

// nextShift steps down one radix digit. When 3*depth is not a multiple of 6
// the last digit would start below bit 0; clamping it to 0 re-sorts a few
// already-ordered high bits within each bin, which a stable counting sort
// tolerates, while still covering the remaining low bits.
func nextShift(bitShift int) int {
	next := bitShift - 6
	if bitShift > 0 && next < 0 {
		next = 0
	}
	return next
}

func radixPassSerial(keys, buffer []body.Body, bitShift int) {
	if len(keys) < 2 || bitShift < 0 {
		return
	}
	bounds := countingSortPass(keys, buffer, bitShift)
	copy(keys, buffer)
	next := nextShift(bitShift)
	for b := 0; b < radixBins; b++ {
		lo, hi := bounds[b], bounds[b+1]
		radixPassSerial(keys[lo:hi], buffer[lo:hi], next)
	}
}

// countingSortPass stably buckets keys by their bitShift-th radix digit into
// buffer and returns the [radixBins+1] prefix-sum boundaries of each bin.
func countingSortPass(keys, buffer []body.Body, bitShift int) [radixBins + 1]int {
	var counter [radixBins]int
	for i := range keys {
		counter[bin(keys[i].ICELL, bitShift)]++
	}
	var bounds [radixBins + 1]int
	offset := 0
	for b := 0; b < radixBins; b++ {
		bounds[b] = offset
		offset += counter[b]
	}
	bounds[radixBins] = offset

	cursor := bounds
	for i := range keys {
		b := bin(keys[i].ICELL, bitShift)
		buffer[cursor[b]] = keys[i]
		cursor[b]++
	}
	return bounds
}

// Build links Morton-sorted bodies into a flat, parent-before-child cell
// array: contiguous runs sharing a full-depth key become leaves, then depth
// rounds of ancestor-prefix coalescing build each level up to the root,
// finally reversed so index 0 is the root.
func Build(bodies []body.Body, box geometry.Box, depth int) []cell.Cell {
	if len(bodies) == 0 {
		return nil
	}
	cells := bodiesToLeaves(bodies, box, depth)
	cells = leavesToCells(cells, box, depth)
	return reverseOrder(cells)
}

func bodiesToLeaves(bodies []body.Body, box geometry.Box, depth int) []cell.Cell {
	d := 2 * box.R / float64(uint64(1)<<uint(depth))
	var cells []cell.Cell
	var cur *cell.Cell
	for i := range bodies {
		ic := bodies[i].ICELL
		if cur == nil || cur.ICELL != ic {
			cells = append(cells, cell.Cell{
				ICELL: ic,
				X:     leafCenter(bodies[i].X, box, d),
				R:     d / 2,
				IBODY: i,
			})
			cur = &cells[len(cells)-1]
		}
		cur.NBODY++
		cur.NCBODY++
		cur.NDBODY++
	}
	return cells
}

// leafCenter snaps x to the center of the depth-resolution cell containing
// it, matching the cell-width quantization geometry.Encode uses.
func leafCenter(x geometry.Vec3, box geometry.Box, d float64) geometry.Vec3 {
	xmin := geometry.Vec3{box.X[0] - box.R, box.X[1] - box.R, box.X[2] - box.R}
	var c geometry.Vec3
	for k := 0; k < 3; k++ {
		i := int64((x[k] - xmin[k]) / d)
		c[k] = xmin[k] + d*(float64(i)+0.5)
	}
	return c
}

// leavesToCells repeatedly groups consecutive cells sharing an ancestor key
// prefix into a new parent layer, appended in place onto cells, until a
// single root cell remains.
func leavesToCells(cells []cell.Cell, box geometry.Box, depth int) []cell.Cell {
	begin, end := 0, len(cells)
	d := 2 * box.R / float64(uint64(1)<<uint(depth))
	for l := 1; l <= depth && end-begin > 1; l++ {
		d *= 2
		var group uint64
		first := true
		p := -1
		for c := begin; c < end; c++ {
			// cells[c].ICELL already carries every prior level's shift (it was
			// written as the previous iteration's `ic`), so each pass only
			// needs to strip one more level's 3 bits, not 3*l total.
			ic := cells[c].ICELL >> 3
			if first || ic != group {
				cells = append(cells, cell.Cell{
					ICELL:  ic,
					X:      snapUp(cells[c].X, box, d),
					R:      d / 2,
					ICHILD: c,
					IBODY:  cells[c].IBODY,
				})
				p = len(cells) - 1
				group = ic
				first = false
			}
			cells[p].NCHILD++
			cells[p].NBODY += cells[c].NBODY
			cells[p].NDBODY += cells[c].NDBODY
			cells[c].PARENT = p
		}
		begin, end = end, len(cells)
	}
	// Root parents itself so the reversal remap lands it on index 0.
	cells[len(cells)-1].PARENT = len(cells) - 1
	return cells
}

// snapUp re-centers a child cell's position within its coarser, width-d
// ancestor cell.
func snapUp(x geometry.Vec3, box geometry.Box, d float64) geometry.Vec3 {
	return leafCenter(x, box, d)
}

// reverseOrder flips the leaves-first construction order (root last) into
// the root-first, parent-before-child layout cell.CheckInvariants expects,
// via an index remap followed by the reversal itself.
func reverseOrder(cells []cell.Cell) []cell.Cell {
	n := len(cells)
	perm := make([]int, n)
	for c := 0; c < n; c++ {
		perm[c] = n - 1 - c
	}
	for i := range cells {
		c := &cells[i]
		if c.NCHILD > 0 {
			c.ICHILD = perm[c.ICHILD] - c.NCHILD + 1
		}
		c.PARENT = perm[c.PARENT]
	}
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		cells[i], cells[j] = cells[j], cells[i]
	}
	return cells
}
