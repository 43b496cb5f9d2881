// Package orchestrator sequences one FMM solve end to end:
// partition, local tree build, upward pass, LET exchange, peer and
// local-local traversals, downward pass, and the final unpartition back to
// each body's originating rank. Generalized from a single-process serial
// driver shape into the full distributed pipeline, with timers
// and counters routed through internal/obslog the way a request handler
// wraps its work in a logging service's timing calls.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/cell"
	"github.com/arx-os/fmm/internal/expansion"
	"github.com/arx-os/fmm/internal/fmmconfig"
	"github.com/arx-os/fmm/internal/fmmerrors"
	"github.com/arx-os/fmm/internal/geometry"
	"github.com/arx-os/fmm/internal/kernel"
	"github.com/arx-os/fmm/internal/let"
	"github.com/arx-os/fmm/internal/obslog"
	"github.com/arx-os/fmm/internal/partition"
	"github.com/arx-os/fmm/internal/transport"
	"github.com/arx-os/fmm/internal/traversal"
	"github.com/arx-os/fmm/internal/tree"
)

// Solver owns the collaborators one rank needs to drive a solve: a
// collective transport, a kernel, and a logger. A fresh Solver can be reused
// across repeated solves, since Solve allocates no
// state that outlives the call except through its collaborators' own
// grow-only buffers.
type Solver struct {
	Coll   transport.Collectives
	Kernel kernel.Kernel
	Log    *obslog.Logger
	Cfg    *fmmconfig.Config
}

// New builds a Solver bound to one rank's collaborators.
func New(coll transport.Collectives, k kernel.Kernel, log *obslog.Logger, cfg *fmmconfig.Config) *Solver {
	return &Solver{Coll: coll, Kernel: k, Log: log, Cfg: cfg}
}

// Result reports the solved bodies (back in each caller's original order)
// and the advisory interaction counters.
type Result struct {
	Bodies []body.Body
	NumP2P int64
	NumM2L int64
}

// Solve drives one complete pass: partition -> build -> upward -> LET ->
// traverse -> downward -> unpartition. A panic raised by a
// collaborator (e.g. obslog.Logger.Abort on a detected invariant violation)
// is recovered here and reported as a ClassInvariant error, so a single
// rank's failure surfaces to its caller as an ordinary error value instead
// of crashing the process. The caller is expected to tear down every rank
// on such an error: a single divergent rank corrupts collective state.
func (s *Solver) Solve(ctx context.Context, bodies []body.Body) (result Result, err error) {
	rank := s.Coll.Rank()
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmmerrors.Invariant(rank, fmt.Sprintf("solve aborted: %v", e))
			} else {
				err = fmmerrors.Invariant(rank, fmt.Sprintf("solve aborted: %v", r))
			}
		}
	}()

	part := partition.New(s.Coll)

	var localBounds geometry.Bounds
	s.Log.Time("setBounds", func() {
		localBounds = geometry.Empty()
		for _, b := range bodies {
			localBounds = localBounds.Expand(b.X)
		}
	})

	var global geometry.Bounds
	s.Log.Time("globalBounds", func() {
		global, err = part.GlobalBounds(ctx, localBounds)
	})
	if err != nil {
		return Result{}, err
	}

	// Symmetrize before partitioning: the inflated cube keeps every body
	// strictly inside the grid's half-open sub-boxes, and the partition,
	// the peer sub-boxes, and the tree all have to slice the same bounds.
	box := global.ToBox()

	var local []body.Body
	s.Log.Time("partition", func() {
		local, err = part.Partition(ctx, bodies, global)
	})
	if err != nil {
		return Result{}, err
	}

	size := s.Coll.Size()
	var grid partition.Grid
	if size > 1 {
		grid, err = partition.BuildGrid(size)
		if err != nil {
			return Result{}, fmmerrors.Invariant(rank, err.Error())
		}
	}

	depth := tree.Depth(len(local), s.Cfg.NCrit)

	var cells []cell.Cell
	s.Log.Time("buildTree", func() {
		tree.AssignKeys(local, box, depth, s.Cfg.Threads)
		tree.RadixSort(local, depth, s.Cfg.Threads)
		cells = tree.Build(local, box, depth)
	})
	if cerr := cell.CheckInvariants(cells); cerr != nil {
		return Result{}, fmmerrors.Invariant(rank, cerr.Error())
	}

	passes := expansion.New(s.Kernel, s.Cfg.Theta, s.Cfg.UseRmax, s.Cfg.UseRopt)
	s.Log.Time("upwardPass", func() {
		passes.Upward(cells, local)
	})

	trav := traversal.New(s.Kernel, s.Cfg.NSpawn, s.Cfg.Mutual)
	localTree := &traversal.Tree{Cells: cells, Bodies: local}

	if size > 1 {
		boxes := make([]geometry.Bounds, size)
		for r := 0; r < size; r++ {
			boxes[r] = partition.SubBox(r, global, grid)
		}

		ex := let.New(s.Coll, s.Cfg.Images, s.Cfg.Cycle)
		s.Log.Time("setLET", func() {
			ex.Build(cells, local, boxes)
		})

		var peers []let.Peer
		s.Log.Time("exchangeLET", func() {
			peers, err = ex.Exchange(ctx)
		})
		if err != nil {
			return Result{}, err
		}

		for r, peer := range peers {
			if r == rank || len(peer.Cells) == 0 {
				continue
			}
			peerTree := peer.Tree()
			s.Log.Time("traversePeer", func() {
				err = trav.Run(ctx, localTree, peerTree, geometry.Vec3{})
			})
			if err != nil {
				return Result{}, fmmerrors.Invariant(rank, fmt.Sprintf("peer %d traversal: %v", r, err))
			}
		}
	}

	s.Log.Time("traverseLocal", func() {
		err = trav.RunLocalPeriodic(ctx, localTree, s.Cfg.Images, s.Cfg.Cycle)
	})
	if err != nil {
		return Result{}, fmmerrors.Invariant(rank, fmt.Sprintf("local traversal: %v", err))
	}
	if s.Cfg.Images > 1 && len(cells) > 0 {
		trav.TraversePeriodic(&cells[0], s.Cfg.Images, s.Cfg.Cycle)
	}

	s.Log.Time("downwardPass", func() {
		passes.Downward(cells, local)
	})

	s.Log.CountP2P(int(trav.NumP2P()))
	s.Log.CountM2L(int(trav.NumM2L()))

	var final []body.Body
	s.Log.Time("unpartition", func() {
		final, err = part.Unpartition(ctx, local)
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Bodies: final, NumP2P: trav.NumP2P(), NumM2L: trav.NumM2L()}, nil
}
