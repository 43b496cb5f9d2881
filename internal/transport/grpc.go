// Package transport: gRPC driver for real multi-process SPMD runs. Each
// rank runs a grpcrank.RankServiceServer and holds one client connection
// per peer; a collective is implemented as P-1 point-to-point Deliver
// calls plus a local round-indexed inbox that blocks until every rank's
// contribution for the current round has arrived, the network analogue
// of the in-process World's rendezvous in local.go.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/arx-os/fmm/internal/geometry"
	"github.com/arx-os/fmm/internal/transport/grpcrank"
)

// GRPCDriver implements Collectives over a real network, one process per
// rank. Dial must be called (by cmd/fmmrun) once all peer servers are
// listening, before the driver is handed to the orchestrator.
type GRPCDriver struct {
	rank  int
	peers []string // peers[r] is rank r's "host:port"; peers[rank] is this rank's own listen address.

	server  *grpc.Server
	clients []grpcrank.RankServiceClient
	conns   []*grpc.ClientConn

	mu    sync.Mutex
	cond  *sync.Cond
	round int
	inbox map[int]map[int][]byte // round -> sender -> payload
}

// NewGRPCDriver constructs a driver for this rank; call Serve then Dial
// before use.
func NewGRPCDriver(rank int, peers []string) *GRPCDriver {
	d := &GRPCDriver{
		rank:    rank,
		peers:   peers,
		clients: make([]grpcrank.RankServiceClient, len(peers)),
		conns:   make([]*grpc.ClientConn, len(peers)),
		inbox:   make(map[int]map[int][]byte),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Serve registers this driver's RankService on s. It does not start s: the
// caller serves s on its own net.Listener and owns its lifecycle.
func (d *GRPCDriver) Serve(s *grpc.Server) {
	d.server = s
	grpcrank.RegisterRankServiceServer(s, d)
}

// Dial connects to every peer rank. Safe to call once after all peer
// servers are up.
func (d *GRPCDriver) Dial(ctx context.Context) error {
	for r, addr := range d.peers {
		if r == d.rank {
			continue
		}
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial rank %d at %s: %w", r, addr, err)
		}
		d.conns[r] = conn
		d.clients[r] = grpcrank.NewRankServiceClient(conn)
	}
	return nil
}

// Close tears down all peer connections.
func (d *GRPCDriver) Close() error {
	for _, c := range d.conns {
		if c != nil {
			c.Close()
		}
	}
	return nil
}

func (d *GRPCDriver) Rank() int { return d.rank }
func (d *GRPCDriver) Size() int { return len(d.peers) }

// Deliver implements grpcrank.RankServiceServer: it decodes the
// (round, sender) header and stores the payload in this round's inbox,
// waking any goroutine waiting on that round to complete.
func (d *GRPCDriver) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	buf := in.GetValue()
	if len(buf) < 8 {
		return nil, fmt.Errorf("deliver: payload too short for header")
	}
	round := int(binary.BigEndian.Uint32(buf[0:4]))
	sender := int(binary.BigEndian.Uint32(buf[4:8]))
	payload := buf[8:]

	d.mu.Lock()
	if d.inbox[round] == nil {
		d.inbox[round] = make(map[int][]byte)
	}
	d.inbox[round][sender] = payload
	d.cond.Broadcast()
	d.mu.Unlock()

	return &wrapperspb.BytesValue{}, nil
}

func encodeHeader(round, sender int, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(round))
	binary.BigEndian.PutUint32(buf[4:8], uint32(sender))
	copy(buf[8:], payload)
	return buf
}

// gather runs one collective round: deliver send[r] to every peer r
// (storing this rank's own contribution into its own inbox without a
// network hop), then blocks until every rank's contribution for this round
// has arrived and returns them ordered by sender.
func (d *GRPCDriver) gather(ctx context.Context, send [][]byte) ([][]byte, error) {
	d.mu.Lock()
	round := d.round
	d.round++
	if d.inbox[round] == nil {
		d.inbox[round] = make(map[int][]byte)
	}
	d.inbox[round][d.rank] = send[d.rank]
	d.mu.Unlock()

	for r, payload := range send {
		if r == d.rank {
			continue
		}
		framed := encodeHeader(round, d.rank, payload)
		if _, err := d.clients[r].Deliver(ctx, &wrapperspb.BytesValue{Value: framed}); err != nil {
			return nil, fmt.Errorf("deliver to rank %d: %w", r, err)
		}
	}

	d.mu.Lock()
	for len(d.inbox[round]) < len(d.peers) {
		d.cond.Wait()
	}
	recv := make([][]byte, len(d.peers))
	for r, payload := range d.inbox[round] {
		recv[r] = payload
	}
	delete(d.inbox, round)
	d.mu.Unlock()

	return recv, nil
}

func (d *GRPCDriver) Alltoallv(ctx context.Context, send [][]byte) ([][]byte, error) {
	if len(send) != len(d.peers) {
		return nil, fmt.Errorf("alltoallv: send has %d entries, want %d", len(send), len(d.peers))
	}
	return d.gather(ctx, send)
}

func (d *GRPCDriver) AllreduceBounds(ctx context.Context, local geometry.Bounds) (geometry.Bounds, error) {
	send := make([][]byte, len(d.peers))
	encoded := encodeBounds(local)
	for r := range send {
		send[r] = encoded
	}
	recv, err := d.gather(ctx, send)
	if err != nil {
		return geometry.Bounds{}, err
	}
	out := geometry.Empty()
	for _, raw := range recv {
		out = out.Union(decodeBounds(raw))
	}
	return out, nil
}

func encodeBounds(b geometry.Bounds) []byte {
	buf := make([]byte, 48)
	put := func(off int, v float64) { binary.BigEndian.PutUint64(buf[off:], math.Float64bits(v)) }
	for i := 0; i < 3; i++ {
		put(i*8, b.Xmin[i])
		put(24+i*8, b.Xmax[i])
	}
	return buf
}

func decodeBounds(buf []byte) geometry.Bounds {
	var b geometry.Bounds
	get := func(off int) float64 { return math.Float64frombits(binary.BigEndian.Uint64(buf[off:])) }
	for i := 0; i < 3; i++ {
		b.Xmin[i] = get(i * 8)
		b.Xmax[i] = get(24 + i*8)
	}
	return b
}
