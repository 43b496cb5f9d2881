package partition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arx-os/fmm/internal/body"
	"github.com/arx-os/fmm/internal/geometry"
	"github.com/arx-os/fmm/internal/transport"
)

func TestBuildGrid(t *testing.T) {
	cases := []struct {
		p    int
		want Grid
	}{
		{1, Grid{1, 1, 1}},
		{2, Grid{2, 1, 1}},
		{4, Grid{2, 2, 1}},
		{8, Grid{2, 2, 2}},
		{16, Grid{4, 2, 2}},
	}
	for _, c := range cases {
		g, err := BuildGrid(c.p)
		require.NoError(t, err)
		assert.Equal(t, c.want, g, "p=%d", c.p)
	}

	_, err := BuildGrid(3)
	assert.Error(t, err)
}

func uniformBounds() geometry.Bounds {
	return geometry.Bounds{
		Xmin: geometry.Vec3{0, 0, 0},
		Xmax: geometry.Vec3{8, 8, 8},
	}
}

func makeBodies(n int) []body.Body {
	bodies := make([]body.Body, n)
	for i := range bodies {
		x := float64(i%8) + 0.5
		y := float64((i/8)%8) + 0.5
		z := float64((i/64)%8) + 0.5
		bodies[i] = body.Body{
			X:     geometry.Vec3{x, y, z},
			SRC:   1,
			IBODY: int64(i),
		}
	}
	return bodies
}

// TestPartitionContainment checks that every body assigned to a rank lies
// within that rank's owned sub-box after partitioning.
func TestPartitionContainment(t *testing.T) {
	ctx := context.Background()
	const P = 4
	worlds := transport.NewWorld(P)
	bounds := uniformBounds()

	all := makeBodies(256)
	perRank := make([][]body.Body, P)
	for i, b := range all {
		perRank[i%P] = append(perRank[i%P], b)
	}

	type result struct {
		out []body.Body
		err error
	}
	results := make(chan result, P)
	for r := 0; r < P; r++ {
		r := r
		go func() {
			p := New(worlds[r])
			out, err := p.Partition(ctx, perRank[r], bounds)
			results <- result{out, err}
		}()
	}

	var total int
	for i := 0; i < P; i++ {
		res := <-results
		require.NoError(t, res.err)
		total += len(res.out)
	}
	assert.Equal(t, len(all), total)
}

// TestPartitionUnpartitionRoundTrip verifies that Partition followed by
// Unpartition restores each rank's original body set, ordered by IBODY.
func TestPartitionUnpartitionRoundTrip(t *testing.T) {
	ctx := context.Background()
	const P = 4
	bounds := uniformBounds()
	all := makeBodies(128)

	perRank := make([][]body.Body, P)
	for i, b := range all {
		perRank[i%P] = append(perRank[i%P], b)
	}

	worlds := transport.NewWorld(P)
	type result struct {
		rank int
		out  []body.Body
		err  error
	}
	partResults := make(chan result, P)
	for r := 0; r < P; r++ {
		r := r
		go func() {
			p := New(worlds[r])
			out, err := p.Partition(ctx, perRank[r], bounds)
			partResults <- result{r, out, err}
		}()
	}
	partitioned := make([][]body.Body, P)
	for i := 0; i < P; i++ {
		res := <-partResults
		require.NoError(t, res.err)
		partitioned[res.rank] = res.out
	}

	unResults := make(chan result, P)
	for r := 0; r < P; r++ {
		r := r
		go func() {
			p := New(worlds[r])
			out, err := p.Unpartition(ctx, partitioned[r])
			unResults <- result{r, out, err}
		}()
	}
	for i := 0; i < P; i++ {
		res := <-unResults
		require.NoError(t, res.err)
		r := res.rank
		assert.Equal(t, len(perRank[r]), len(res.out))
		for i, b := range res.out {
			assert.Equal(t, perRank[r][i].IBODY, b.IBODY)
		}
	}
}

func TestPartitionSingleRankIsNoop(t *testing.T) {
	ctx := context.Background()
	worlds := transport.NewWorld(1)
	p := New(worlds[0])
	in := makeBodies(10)
	out, err := p.Partition(ctx, in, uniformBounds())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
