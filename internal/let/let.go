// Package let builds and transports the Local Essential Tree (LET) each
// rank needs from every peer to evaluate its far field without shipping a
// peer's whole tree: per-peer admission over the local cells, two pairs
// of all-to-all collectives, and reconstruction of the received subtrees.
package let

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/cell"
	"github.com/arx-os/fmm/internal/fmmerrors"
	"github.com/arx-os/fmm/internal/geometry"
	"github.com/arx-os/fmm/internal/traversal"
	"github.com/arx-os/fmm/internal/transport"
)

// Level returns the admission level derived from the rank count:
// floor(log(P-1)/(3 ln 2)) + 1. The formula is undefined at P==1; this
// returns 0 in that case and callers must skip the whole LET phase
// instead of evaluating the admission rule.
func Level(p int) int {
	if p <= 1 {
		return 0
	}
	return int(math.Log(float64(p-1))/(3*math.Ln2)) + 1
}

// minDist2 computes the squared minimum distance from a cell's centre to a
// peer's bounding box: the sum over axes of max(0, |x_d - clip_d|)^2 where
// clip_d clamps x_d into the box. When images is positive, the minimum is
// taken over the 27 periodic shifts of the peer's box.
func minDist2(c *cell.Cell, peer geometry.Bounds, images int, cycle float64) float64 {
	shifts := []geometry.Vec3{{}}
	if images > 0 {
		shifts = traversal.Shifts(cycle)
	}

	best := math.Inf(1)
	for _, s := range shifts {
		box := geometry.Bounds{Xmin: peer.Xmin.Add(s), Xmax: peer.Xmax.Add(s)}
		var d2 float64
		for a := 0; a < 3; a++ {
			clip := c.X[a]
			if clip < box.Xmin[a] {
				clip = box.Xmin[a]
			} else if clip > box.Xmax[a] {
				clip = box.Xmax[a]
			}
			dd := c.X[a] - clip
			d2 += dd * dd
		}
		if d2 < best {
			best = d2
		}
	}
	return best
}

// wireCell is the LET's on-the-wire cell record: the fields a peer's dual
// tree traversal needs (position, radii, tree links, and the multipole).
// Every shipped cell carries its M: the peer's pairwise separation test
// sums both sides' RCRIT, so it can admit a pair the one-sided admission
// rule descended through, and the M2L it then issues must find coefficients
// there. Bodies ride along only for true local leaves, enabling the P2P
// path.
type wireCell struct {
	ICELL  uint64
	X      geometry.Vec3
	R      float64
	RCRIT  float64
	Parent int32
	IChild int32
	NChild int32
	IBody  int32
	NBody  int32
	M      []complex128
}

const wireCellHeader = 8 + 24 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4

func encodeCell(dst []byte, c wireCell) []byte {
	var buf [wireCellHeader]byte
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], c.ICELL)
	off += 8
	for _, f := range c.X {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(f))
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(c.R))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(c.RCRIT))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.Parent))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.IChild))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.NChild))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.IBody))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.NBody))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(c.M)))
	dst = append(dst, buf[:]...)
	for _, m := range c.M {
		var mb [16]byte
		binary.LittleEndian.PutUint64(mb[0:], math.Float64bits(real(m)))
		binary.LittleEndian.PutUint64(mb[8:], math.Float64bits(imag(m)))
		dst = append(dst, mb[:]...)
	}
	return dst
}

func decodeCell(src []byte) (wireCell, []byte) {
	var c wireCell
	off := 0
	c.ICELL = binary.LittleEndian.Uint64(src[off:])
	off += 8
	for i := range c.X {
		c.X[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[off:]))
		off += 8
	}
	c.R = math.Float64frombits(binary.LittleEndian.Uint64(src[off:]))
	off += 8
	c.RCRIT = math.Float64frombits(binary.LittleEndian.Uint64(src[off:]))
	off += 8
	c.Parent = int32(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	c.IChild = int32(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	c.NChild = int32(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	c.IBody = int32(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	c.NBody = int32(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	mterm := int(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	if mterm > 0 {
		c.M = make([]complex128, mterm)
		for i := range c.M {
			re := math.Float64frombits(binary.LittleEndian.Uint64(src[off:]))
			im := math.Float64frombits(binary.LittleEndian.Uint64(src[off+8:]))
			c.M[i] = complex(re, im)
			off += 16
		}
	}
	return c, src[off:]
}

func encodeCells(cells []wireCell) []byte {
	var buf []byte
	for _, c := range cells {
		buf = encodeCell(buf, c)
	}
	return buf
}

func decodeCells(buf []byte) []wireCell {
	var out []wireCell
	for len(buf) > 0 {
		var c wireCell
		c, buf = decodeCell(buf)
		out = append(out, c)
	}
	return out
}

// Peer is the reconstructed LET received from one peer rank: a flat,
// root-first cell array obeying the same invariants as the local tree,
// and the bodies its admitted local-leaves carry.
type Peer struct {
	Cells  []cell.Cell
	Bodies []body.Body
}

// Tree adapts p into the shape internal/traversal.Traversal.Run expects.
func (p *Peer) Tree() *traversal.Tree {
	return &traversal.Tree{Cells: p.Cells, Bodies: p.Bodies}
}

// Exchanger builds and transports one round of per-peer LETs. It owns the
// send buffers explicitly: sendCells and sendBodies are grown-only and
// reused across Build calls on the same Exchanger, never passed between
// calls implicitly.
type Exchanger struct {
	coll   transport.Collectives
	Images int
	Cycle  float64

	sendCells  [][]wireCell
	sendBodies [][]body.Body
}

// New builds an Exchanger bound to coll, sized for coll.Size() peers.
func New(coll transport.Collectives, images int, cycle float64) *Exchanger {
	size := coll.Size()
	return &Exchanger{
		coll:       coll,
		Images:     images,
		Cycle:      cycle,
		sendCells:  make([][]wireCell, size),
		sendBodies: make([][]body.Body, size),
	}
}

// Build walks the local cell array once per peer (breadth-first, so that
// every cell's children land in a contiguous payload range exactly like the
// local tree's own layout), admitting a cell once the peer's box is far
// enough away to accept its multipole and descending into children
// otherwise. peerBoxes[r] is rank r's owned
// sub-box (e.g. partition.SubBox); Build skips peerBoxes[rank] (a rank never
// builds a LET for itself).
func (e *Exchanger) Build(cells []cell.Cell, bodies []body.Body, peerBoxes []geometry.Bounds) {
	rank := e.coll.Rank()
	level := Level(e.coll.Size())
	for r := range e.sendCells {
		e.sendCells[r] = e.sendCells[r][:0]
		e.sendBodies[r] = e.sendBodies[r][:0]
	}
	if len(cells) == 0 {
		return
	}
	for r, box := range peerBoxes {
		if r == rank {
			continue
		}
		e.buildPeer(r, cells, bodies, box, level)
	}
}

type job struct {
	localIdx   int
	payloadIdx int
}

func (e *Exchanger) buildPeer(r int, cells []cell.Cell, bodies []body.Body, peerBox geometry.Bounds, level int) {
	root := &cells[0]
	e.sendCells[r] = append(e.sendCells[r], wireCell{
		ICELL: root.ICELL, X: root.X, R: root.R, RCRIT: root.RCRIT,
		M: append([]complex128(nil), root.M...),
	})
	queue := []job{{localIdx: 0, payloadIdx: 0}}

	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]
		c := &cells[j.localIdx]

		d2 := minDist2(c, peerBox, e.Images, e.Cycle)
		sep := 2 * c.RCRIT
		passesAcceptance := d2 > sep*sep && c.R <= e.Cycle/math.Pow(2, float64(level+1))
		admit := passesAcceptance || c.IsLeaf()

		if admit {
			if c.IsLeaf() {
				// A true local leaf has no children to refine into, so
				// its bodies ride along for a possible P2P fallback.
				lo, hi := c.BodyRange()
				e.sendCells[r][j.payloadIdx].IBody = int32(len(e.sendBodies[r]))
				e.sendCells[r][j.payloadIdx].NBody = int32(hi - lo)
				e.sendBodies[r] = append(e.sendBodies[r], bodies[lo:hi]...)
			}
			continue
		}

		lo, hi := c.Children()
		childLo := len(e.sendCells[r])
		for ci := lo; ci < hi; ci++ {
			child := &cells[ci]
			e.sendCells[r] = append(e.sendCells[r], wireCell{
				ICELL: child.ICELL, X: child.X, R: child.R, RCRIT: child.RCRIT,
				Parent: int32(j.payloadIdx),
				M:      append([]complex128(nil), child.M...),
			})
			queue = append(queue, job{localIdx: ci, payloadIdx: len(e.sendCells[r]) - 1})
		}
		e.sendCells[r][j.payloadIdx].IChild = int32(childLo)
		e.sendCells[r][j.payloadIdx].NChild = int32(hi - lo)
	}
}

// Exchange runs the two all-to-all pairs (cell payloads, then body
// payloads) and reconstructs one Peer per sending rank. peers[rank] (this
// rank's own slot) is always empty; the local-local traversal covers it
// separately.
func (e *Exchanger) Exchange(ctx context.Context) ([]Peer, error) {
	rank := e.coll.Rank()
	size := e.coll.Size()

	cellWire := make([][]byte, size)
	for r, cells := range e.sendCells {
		cellWire[r] = encodeCells(cells)
	}
	recvCellWire, err := e.coll.Alltoallv(ctx, cellWire)
	if err != nil {
		return nil, fmmerrors.Transport(rank, "LET cell alltoallv failed", err)
	}

	bodyWire := make([][]byte, size)
	for r, bs := range e.sendBodies {
		bodyWire[r] = body.EncodeAll(bs)
	}
	recvBodyWire, err := e.coll.Alltoallv(ctx, bodyWire)
	if err != nil {
		return nil, fmmerrors.Transport(rank, "LET body alltoallv failed", err)
	}

	peers := make([]Peer, size)
	for r := 0; r < size; r++ {
		if r == rank {
			continue
		}
		wcells := decodeCells(recvCellWire[r])
		if len(wcells) == 0 {
			continue
		}
		recvBodies := body.DecodeAll(recvBodyWire[r])

		out := make([]cell.Cell, len(wcells))
		for i, wc := range wcells {
			out[i] = cell.Cell{
				ICELL:  wc.ICELL,
				X:      wc.X,
				R:      wc.R,
				RCRIT:  wc.RCRIT,
				PARENT: int(wc.Parent),
				ICHILD: int(wc.IChild),
				NCHILD: int(wc.NChild),
				IBODY:  int(wc.IBody),
				NBODY:  int(wc.NBody),
				M:      wc.M,
			}
		}
		// Backward pass: accumulate NBODY up
		// along PARENT. The payload is root-first/parent-before-child (see
		// buildPeer's breadth-first layout), so a reverse scan always
		// visits a cell before its parent.
		for i := len(out) - 1; i > 0; i-- {
			out[out[i].PARENT].NBODY += out[i].NBODY
		}

		peers[r] = Peer{Cells: out, Bodies: recvBodies}
	}
	return peers, nil
}
