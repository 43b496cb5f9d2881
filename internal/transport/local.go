package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/arx-os/fmm/internal/geometry"
)

// World is a single process hosting Size() simulated ranks, each
// communicating through in-memory rendezvous rather than sockets. It is the
// driver used by tests and by single-machine runs of cmd/fmmrun.
type World struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	round   int
	arrived int

	bounds   []geometry.Bounds
	alltoall [][][]byte
}

// NewWorld creates a World with size simulated ranks and returns one
// Collectives handle per rank.
func NewWorld(size int) []Collectives {
	w := &World{size: size, bounds: make([]geometry.Bounds, size)}
	w.cond = sync.NewCond(&w.mu)

	out := make([]Collectives, size)
	for r := 0; r < size; r++ {
		out[r] = &localRank{world: w, rank: r}
	}
	return out
}

// rendezvous blocks the calling rank until every rank has called it for the
// current round, making every collective a barrier. publish stores the
// caller's contribution before the barrier;
// once every rank has arrived, the round advances and all callers return.
func (w *World) rendezvous(publish func()) {
	w.mu.Lock()
	publish()
	w.arrived++
	gen := w.round
	if w.arrived == w.size {
		w.arrived = 0
		w.round++
		w.cond.Broadcast()
	} else {
		for w.round == gen {
			w.cond.Wait()
		}
	}
	w.mu.Unlock()
}

type localRank struct {
	world *World
	rank  int
}

func (r *localRank) Rank() int { return r.rank }
func (r *localRank) Size() int { return r.world.size }

func (r *localRank) AllreduceBounds(ctx context.Context, local geometry.Bounds) (geometry.Bounds, error) {
	if err := ctx.Err(); err != nil {
		return geometry.Bounds{}, err
	}
	w := r.world
	w.rendezvous(func() {
		w.bounds[r.rank] = local
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	out := geometry.Empty()
	for _, b := range w.bounds {
		out = out.Union(b)
	}
	return out, nil
}

func (r *localRank) Alltoallv(ctx context.Context, send [][]byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := r.world
	if len(send) != w.size {
		return nil, fmt.Errorf("alltoallv: send has %d entries, want %d", len(send), w.size)
	}

	w.mu.Lock()
	if w.alltoall == nil {
		w.alltoall = make([][][]byte, w.size)
		for i := range w.alltoall {
			w.alltoall[i] = make([][]byte, w.size)
		}
	}
	w.mu.Unlock()

	w.rendezvous(func() {
		for dst, payload := range send {
			w.alltoall[r.rank][dst] = payload
		}
	})

	w.mu.Lock()
	recv := make([][]byte, w.size)
	for src := 0; src < w.size; src++ {
		recv[src] = w.alltoall[src][r.rank]
	}
	w.mu.Unlock()

	// A second barrier keeps any rank from publishing its next collective
	// into the shared buffer before every rank has read this round's data.
	w.rendezvous(func() {})
	return recv, nil
}
