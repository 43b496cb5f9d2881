package let

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/cell"
	"github.com/arx-os/fmm/internal/expansion"
	"github.com/arx-os/fmm/internal/geometry"
	"github.com/arx-os/fmm/internal/kernel/laplace"
	"github.com/arx-os/fmm/internal/partition"
	"github.com/arx-os/fmm/internal/transport"
	"github.com/arx-os/fmm/internal/tree"
)

func TestLevelGuardsP1(t *testing.T) {
	assert.Equal(t, 0, Level(1))
	assert.Greater(t, Level(4), 0)
	assert.GreaterOrEqual(t, Level(16), Level(4))
}

func TestMinDist2IsZeroInsideBox(t *testing.T) {
	box := geometry.Bounds{Xmin: geometry.Vec3{0, 0, 0}, Xmax: geometry.Vec3{1, 1, 1}}
	c := &cell.Cell{X: geometry.Vec3{0.5, 0.5, 0.5}}
	assert.Equal(t, 0.0, minDist2(c, box, 0, 0))
}

func TestMinDist2MatchesAxisDistanceOutsideBox(t *testing.T) {
	box := geometry.Bounds{Xmin: geometry.Vec3{0, 0, 0}, Xmax: geometry.Vec3{1, 1, 1}}
	c := &cell.Cell{X: geometry.Vec3{3, 0.5, 0.5}}
	assert.InDelta(t, 4.0, minDist2(c, box, 0, 0), 1e-12) // (3-1)^2
}

func buildGridTree(t *testing.T, n, ncrit int) ([]cell.Cell, []body.Body) {
	t.Helper()
	var bodies []body.Body
	id := int64(0)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			for z := 0; z < n; z++ {
				bodies = append(bodies, body.Body{
					X:     geometry.Vec3{float64(x), float64(y), float64(z)},
					SRC:   1,
					IBODY: id,
				})
				id++
			}
		}
	}
	bounds := geometry.Empty()
	for _, b := range bodies {
		bounds = bounds.Expand(b.X)
	}
	box := bounds.ToBox()
	depth := tree.Depth(len(bodies), ncrit)
	tree.AssignKeys(bodies, box, depth, 2)
	tree.RadixSort(bodies, depth, 2)
	cells := tree.Build(bodies, box, depth)
	require.NoError(t, cell.CheckInvariants(cells))

	k := laplace.New()
	passes := expansion.New(k, 0.5, true, false)
	passes.Upward(cells, bodies)
	return cells, bodies
}

func TestBuildAdmitsFarPeerAsMultipoleOnly(t *testing.T) {
	cells, bodies := buildGridTree(t, 4, 4)

	coll := transport.NewWorld(2)[0]
	// A large cycle keeps the admission rule's size clamp (c.R <=
	// cycle/2^(level+1)) from ever binding, isolating the distance test.
	ex := New(coll, 0, 1e6)
	farBox := geometry.Bounds{Xmin: geometry.Vec3{1000, 1000, 1000}, Xmax: geometry.Vec3{1001, 1001, 1001}}
	ex.Build(cells, bodies, []geometry.Bounds{{}, farBox})

	require.Len(t, ex.sendCells[1], 1)
	assert.NotNil(t, ex.sendCells[1][0].M)
	assert.Empty(t, ex.sendBodies[1])
}

func TestBuildSendsBodiesForNearPeer(t *testing.T) {
	cells, bodies := buildGridTree(t, 4, 4)

	coll := transport.NewWorld(2)[0]
	ex := New(coll, 0, 1e6)
	// A peer box overlapping the body cluster forces descent all the way
	// to true local leaves, whose bodies must ride along.
	nearBox := geometry.Bounds{Xmin: geometry.Vec3{0, 0, 0}, Xmax: geometry.Vec3{3, 3, 3}}
	ex.Build(cells, bodies, []geometry.Bounds{{}, nearBox})

	require.NotEmpty(t, ex.sendCells[1])
	var totalBodies int
	for _, c := range ex.sendCells[1] {
		totalBodies += int(c.NBody)
	}
	assert.Equal(t, len(ex.sendBodies[1]), totalBodies)
	assert.NotEmpty(t, ex.sendBodies[1])
}

func TestExchangeRoundTripReconstructsValidPeerTree(t *testing.T) {
	ctx := context.Background()
	const P = 2
	worlds := transport.NewWorld(P)

	cellsA, bodiesA := buildGridTree(t, 3, 4)
	cellsB, bodiesB := buildGridTree(t, 3, 4)
	for i := range bodiesB {
		bodiesB[i].X[0] += 100 // separate B's cluster in space from A's
	}
	boxA := geometry.Bounds{Xmin: geometry.Vec3{-1, -1, -1}, Xmax: geometry.Vec3{3, 3, 3}}
	boxB := geometry.Bounds{Xmin: geometry.Vec3{99, -1, -1}, Xmax: geometry.Vec3{103, 3, 3}}
	boxes := []geometry.Bounds{boxA, boxB}

	exA := New(worlds[0], 0, 1e6)
	exA.Build(cellsA, bodiesA, boxes)
	exB := New(worlds[1], 0, 1e6)
	exB.Build(cellsB, bodiesB, boxes)

	var byRank [P][]Peer
	done := make(chan error, P)
	go func() { p, err := exA.Exchange(ctx); byRank[0] = p; done <- err }()
	go func() { p, err := exB.Exchange(ctx); byRank[1] = p; done <- err }()
	for i := 0; i < P; i++ {
		require.NoError(t, <-done)
	}

	// Rank 0's view of rank 1's tree, and vice versa.
	fromA, fromB := byRank[0], byRank[1]
	require.NotEmpty(t, fromA[1].Cells)
	require.NotEmpty(t, fromB[0].Cells)

	for i := range fromA[1].Cells {
		if i == 0 {
			continue
		}
		assert.Less(t, fromA[1].Cells[i].PARENT, i)
	}
	for i := range fromB[0].Cells {
		if i == 0 {
			continue
		}
		assert.Less(t, fromB[0].Cells[i].PARENT, i)
	}
	// The root's backward-accumulated NBODY must equal the total bodies
	// actually shipped in this direction.
	assert.Equal(t, len(fromA[1].Bodies), fromA[1].Cells[0].NBODY)
	assert.Equal(t, len(fromB[0].Bodies), fromB[0].Cells[0].NBODY)
}

func TestMinDist2PeriodicTakesMinimumOverShifts(t *testing.T) {
	box := geometry.Bounds{Xmin: geometry.Vec3{0, 0, 0}, Xmax: geometry.Vec3{1, 1, 1}}
	cycle := 10.0
	// A cell near the edge of a periodic image of the box (one cycle
	// away) should see a small minimum distance once images > 0.
	c := &cell.Cell{X: geometry.Vec3{-9.5, 0.5, 0.5}}
	withImages := minDist2(c, box, 1, cycle)
	withoutImages := minDist2(c, box, 0, cycle)
	assert.Less(t, withImages, withoutImages)
	assert.Less(t, math.Sqrt(withImages), 1.0)
}

func TestBuildSkipsOwnRank(t *testing.T) {
	cells, bodies := buildGridTree(t, 2, 4)
	coll := transport.NewWorld(1)[0]
	ex := New(coll, 0, 0)
	ex.Build(cells, bodies, []geometry.Bounds{{}})
	assert.Empty(t, ex.sendCells[0])
}

func TestPartitionSubBoxFeedsBuild(t *testing.T) {
	// Smoke-checks that partition.SubBox's output type is exactly what
	// Build's peerBoxes parameter expects, the wiring the orchestrator uses.
	grid, err := partition.BuildGrid(2)
	require.NoError(t, err)
	bounds := geometry.Bounds{Xmin: geometry.Vec3{}, Xmax: geometry.Vec3{8, 8, 8}}
	var boxes []geometry.Bounds
	for r := 0; r < 2; r++ {
		boxes = append(boxes, partition.SubBox(r, bounds, grid))
	}
	cells, bodies := buildGridTree(t, 2, 4)
	coll := transport.NewWorld(2)[0]
	ex := New(coll, 0, 1e6)
	ex.Build(cells, bodies, boxes)
	assert.NotEmpty(t, ex.sendCells[1])
}
