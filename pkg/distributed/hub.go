// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// hub aggregates the contributions of all ranks for each collective round.
// Rounds are numbered by each rank independently: since all ranks issue the same sequence of
// collectives, the n-th call of every rank belongs to round n.
type hub struct {
	worldSize int

	mu     sync.Mutex
	rounds map[int64]*round
}

type round struct {
	sum      []float64
	arrived  []bool
	count    int
	consumed int
	done     chan struct{}
	mean     []float32
	err      error
}

func newHub(worldSize int) *hub {
	return &hub{worldSize: worldSize, rounds: make(map[int64]*round)}
}

// contribute adds values of rank to the round, waits for all ranks and returns the mean.
func (h *hub) contribute(ctx context.Context, roundID int64, rank int, values []float32) ([]float32, error) {
	if rank < 0 || rank >= h.worldSize {
		return nil, errors.Errorf("rank %d out of range for world size %d", rank, h.worldSize)
	}
	h.mu.Lock()
	r, found := h.rounds[roundID]
	if !found {
		r = &round{
			sum:     make([]float64, len(values)),
			arrived: make([]bool, h.worldSize),
			done:    make(chan struct{}),
		}
		h.rounds[roundID] = r
	}
	if r.arrived[rank] {
		h.mu.Unlock()
		return nil, errors.Errorf("rank %d contributed twice to round %d", rank, roundID)
	}
	r.arrived[rank] = true
	if len(values) != len(r.sum) && r.err == nil {
		r.err = errors.Errorf("round %d: rank %d contributed %d values, expected %d", roundID, rank, len(values), len(r.sum))
	}
	if r.err == nil {
		for ii, v := range values {
			r.sum[ii] += float64(v)
		}
	}
	r.count++
	if r.count == h.worldSize {
		r.mean = make([]float32, len(r.sum))
		for ii, s := range r.sum {
			r.mean[ii] = float32(s / float64(h.worldSize))
		}
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		h.release(roundID, r)
		return nil, errors.Wrapf(ctx.Err(), "waiting for round %d", roundID)
	}

	h.release(roundID, r)
	if r.err != nil {
		return nil, r.err
	}
	return slices.Clone(r.mean), nil
}

// release marks one rank as done with the round, whether it got the result or gave up waiting.
// The round is dropped once every rank released it.
func (h *hub) release(roundID int64, r *round) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.consumed++
	if r.consumed == h.worldSize {
		delete(h.rounds, roundID)
	}
}

// localGroup is a Group member sharing an in-process hub.
type localGroup struct {
	hub   *hub
	rank  int
	round int64
}

// NewLocal creates n in-process Group members sharing one hub, one per rank.
// Each member must be used by a single goroutine.
func NewLocal(n int) []Group {
	h := newHub(n)
	groups := make([]Group, n)
	for rank := range n {
		groups[rank] = &localGroup{hub: h, rank: rank}
	}
	return groups
}

func (g *localGroup) Rank() int { return g.rank }
func (g *localGroup) WorldSize() int { return g.hub.worldSize }
func (g *localGroup) IsCoordinator() bool { return g.rank == 0 }
func (g *localGroup) Close() error { return nil }

func (g *localGroup) Barrier(ctx context.Context) error {
	return g.AllReduceMean(ctx, nil)
}

func (g *localGroup) AllReduceMean(ctx context.Context, values []float32) error {
	roundID := g.round
	g.round++
	mean, err := g.hub.contribute(ctx, roundID, g.rank, values)
	if err != nil {
		return err
	}
	copy(values, mean)
	return nil
}
