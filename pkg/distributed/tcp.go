// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"net"
	"net/rpc"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DialRetryInterval is the time between attempts of non-coordinator ranks to reach the hub.
var DialRetryInterval = 500 * time.Millisecond

// ContributeArgs is the request of a rank to the hub.
type ContributeArgs struct {
	Rank   int
	Round  int64
	Values []float32
}

// ContributeReply is the hub's response: the mean across all ranks.
type ContributeReply struct {
	Values []float32
}

// HubService exposes the hub through net/rpc.
type HubService struct {
	hub *hub
}

// Contribute blocks until all ranks contributed to the round.
func (s *HubService) Contribute(args *ContributeArgs, reply *ContributeReply) error {
	mean, err := s.hub.contribute(context.Background(), args.Round, args.Rank, args.Values)
	if err != nil {
		return err
	}
	reply.Values = mean
	return nil
}

// tcpGroup is a Group member connected to the hub over TCP. Rank 0 hosts the hub.
type tcpGroup struct {
	rank, worldSize int
	round           int64

	// Rank 0 only.
	hub      *hub
	listener net.Listener

	// Other ranks.
	client *rpc.Client
}

// Connect joins the TCP group described by e.
//
// Rank 0 listens on e.Address() and serves the hub; the other ranks dial it, retrying every
// DialRetryInterval until ctx is done.
func Connect(ctx context.Context, e Env) (Group, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	g := &tcpGroup{rank: e.GlobalRank(), worldSize: e.WorldSize}
	if g.rank == 0 {
		g.hub = newHub(e.WorldSize)
		server := rpc.NewServer()
		if err := server.Register(&HubService{hub: g.hub}); err != nil {
			return nil, errors.Wrap(err, "failed to register hub service")
		}
		var lc net.ListenConfig
		listener, err := lc.Listen(ctx, "tcp", e.Address())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to listen on %s", e.Address())
		}
		g.listener = listener
		go server.Accept(listener)
		klog.Infof("distributed hub listening on %s for %d workers", listener.Addr(), e.WorldSize)
		return g, nil
	}

	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", e.Address())
		if err == nil {
			g.client = rpc.NewClient(conn)
			if klog.V(1).Enabled() {
				klog.Infof("rank %d connected to hub at %s", g.rank, e.Address())
			}
			return g, nil
		}
		klog.V(2).Infof("rank %d: hub at %s not reachable yet: %v", g.rank, e.Address(), err)
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "rank %d failed to connect to hub at %s", g.rank, e.Address())
		case <-time.After(DialRetryInterval):
		}
	}
}

func (g *tcpGroup) Rank() int           { return g.rank }
func (g *tcpGroup) WorldSize() int      { return g.worldSize }
func (g *tcpGroup) IsCoordinator() bool { return g.rank == 0 }

// Addr returns the address the hub listens on, or nil if this is not rank 0.
func (g *tcpGroup) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

func (g *tcpGroup) Barrier(ctx context.Context) error {
	return g.AllReduceMean(ctx, nil)
}

func (g *tcpGroup) AllReduceMean(ctx context.Context, values []float32) error {
	roundID := g.round
	g.round++
	if g.hub != nil {
		mean, err := g.hub.contribute(ctx, roundID, g.rank, values)
		if err != nil {
			return err
		}
		copy(values, mean)
		return nil
	}
	args := &ContributeArgs{Rank: g.rank, Round: roundID, Values: values}
	reply := &ContributeReply{}
	call := g.client.Go("HubService.Contribute", args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			return errors.Wrapf(call.Error, "rank %d: round %d failed", g.rank, roundID)
		}
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "rank %d: waiting for round %d", g.rank, roundID)
	}
	copy(values, reply.Values)
	return nil
}

func (g *tcpGroup) Close() error {
	if g.listener != nil {
		return g.listener.Close()
	}
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
