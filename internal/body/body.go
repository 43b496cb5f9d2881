// Package body defines the fixed-layout Body record that flows through
// every stage of a solve: partitioning, tree construction, and the
// upward/downward expansion passes.
package body

import (
	"encoding/binary"
	"math"

	"github.com/arx-os/fmm/internal/geometry"
)

// Body is a point source/target pair. Partitioning stamps IPROC with the
// rank the body came from, which unpartitioning reads to send it back;
// ICELL holds the owning leaf's Morton key once the tree is built.
// Partitioning does not write the destination rank into IPROC or ICELL.
type Body struct {
	X     geometry.Vec3
	SRC   float64
	TRG   [4]float64
	IBODY int64
	IPROC int32
	ICELL uint64
}

// WireSize is the number of bytes Body occupies on the wire, a multiple of
// 4 bytes so that all-to-all displacements stay in
// 4-byte words.
const WireSize = 3*8 + 8 + 4*8 + 8 + 4 + 8

// Encode appends the wire representation of b to dst and returns the
// extended slice.
func Encode(dst []byte, b Body) []byte {
	var buf [WireSize]byte
	off := 0
	for _, f := range b.X {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(f))
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(b.SRC))
	off += 8
	for _, f := range b.TRG {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(f))
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(b.IBODY))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(b.IPROC))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], b.ICELL)
	return append(dst, buf[:]...)
}

// Decode reads one Body from the front of src and returns it along with the
// remaining, unconsumed bytes.
func Decode(src []byte) (Body, []byte) {
	var b Body
	off := 0
	for i := range b.X {
		b.X[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[off:]))
		off += 8
	}
	b.SRC = math.Float64frombits(binary.LittleEndian.Uint64(src[off:]))
	off += 8
	for i := range b.TRG {
		b.TRG[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[off:]))
		off += 8
	}
	b.IBODY = int64(binary.LittleEndian.Uint64(src[off:]))
	off += 8
	b.IPROC = int32(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	b.ICELL = binary.LittleEndian.Uint64(src[off:])
	off += 8
	return b, src[off:]
}

// EncodeAll packs a whole body slice for an Alltoallv payload.
func EncodeAll(bodies []Body) []byte {
	buf := make([]byte, 0, len(bodies)*WireSize)
	for _, b := range bodies {
		buf = Encode(buf, b)
	}
	return buf
}

// DecodeAll unpacks a whole Alltoallv receive buffer back into bodies.
func DecodeAll(buf []byte) []Body {
	n := len(buf) / WireSize
	out := make([]Body, 0, n)
	for len(buf) > 0 {
		var b Body
		b, buf = Decode(buf)
		out = append(out, b)
	}
	return out
}
