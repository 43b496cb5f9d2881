// Package transport abstracts the collective operations an FMM solve needs
// from its MPI-style SPMD layer. Two drivers implement Collectives: an
// in-process one used for single-binary simulation and tests, and a gRPC
// one for a real multi-process deployment.
package transport

import (
	"context"

	"github.com/arx-os/fmm/internal/geometry"
)

// Collectives is everything the partitioner and the LET exchanger need from
// the SPMD layer. Every method blocks until every rank has participated:
// all collectives are barriers.
type Collectives interface {
	// Rank returns this process's rank in [0, Size()).
	Rank() int
	// Size returns the total number of ranks P.
	Size() int

	// AllreduceBounds reduces local bounds across all ranks with an
	// axis-wise min/max.
	AllreduceBounds(ctx context.Context, local geometry.Bounds) (geometry.Bounds, error)

	// Alltoallv sends send[r] to rank r and returns, at index r, whatever
	// rank r sent to this rank. len(send) must equal Size(). A transport
	// failure here is fatal; there are no retries.
	Alltoallv(ctx context.Context, send [][]byte) ([][]byte, error)
}
