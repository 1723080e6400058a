// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed coordinates the data-parallel workers of a training run.
//
// Each worker runs the same training loop on its own shard of the data. Workers exchange host-side
// float32 buffers (the gradients, the validation loss) through a Group, which averages them across
// all ranks, and synchronize with barriers at the end of every epoch.
//
// Only the coordinator (global rank 0) performs side effects: logging, checkpoints and evaluations.
package distributed

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Env holds the rendezvous information read from the process environment, as set by the usual
// launchers (torchrun-like launchers set RANK/LOCAL_RANK, SLURM sets SLURM_PROCID).
type Env struct {
	Rank        int    `env:"RANK" envDefault:"-1"`
	LocalRank   int    `env:"LOCAL_RANK" envDefault:"-1"`
	SlurmProcID int    `env:"SLURM_PROCID" envDefault:"-1"`
	WorldSize   int    `env:"WORLD_SIZE" envDefault:"1"`
	MasterAddr  string `env:"MASTER_ADDR" envDefault:"127.0.0.1"`
	MasterPort  int    `env:"MASTER_PORT" envDefault:"29500"`
}

// EnvFromProcess reads Env from the process environment.
func EnvFromProcess() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return e, errors.Wrap(err, "failed to parse distributed environment")
	}
	return e, nil
}

// GlobalRank returns the rank of this process: RANK, or else SLURM_PROCID, or else LOCAL_RANK, or else 0.
func (e Env) GlobalRank() int {
	for _, r := range []int{e.Rank, e.SlurmProcID, e.LocalRank} {
		if r >= 0 {
			return r
		}
	}
	return 0
}

// Address of the coordinator hub.
func (e Env) Address() string {
	return net.JoinHostPort(e.MasterAddr, strconv.Itoa(e.MasterPort))
}

// Validate checks the rank is within the world size.
func (e Env) Validate() error {
	if e.WorldSize < 1 {
		return errors.Errorf("invalid world size %d", e.WorldSize)
	}
	if rank := e.GlobalRank(); rank >= e.WorldSize {
		return errors.Errorf("rank %d out of range for world size %d", rank, e.WorldSize)
	}
	return nil
}

// String implements fmt.Stringer.
func (e Env) String() string {
	return fmt.Sprintf("rank %d/%d (hub %s)", e.GlobalRank(), e.WorldSize, e.Address())
}

// Group of workers participating in a training run.
//
// Collective operations (Barrier, AllReduceMean) must be called by every rank, in the same order.
// A rank that never arrives blocks the others until their ctx is cancelled.
type Group interface {
	// Rank of this worker, in [0, WorldSize).
	Rank() int

	// WorldSize is the number of workers.
	WorldSize() int

	// IsCoordinator returns whether this worker is rank 0.
	IsCoordinator() bool

	// Barrier blocks until every rank reaches it.
	Barrier(ctx context.Context) error

	// AllReduceMean replaces values, in place, with the element-wise mean across all ranks.
	// All ranks must pass buffers of the same length.
	AllReduceMean(ctx context.Context, values []float32) error

	// Close releases the resources of the group.
	Close() error
}

// single is the Group of a non-distributed run.
type single struct{}

// Single returns the Group of a run with only one worker: collectives return immediately.
func Single() Group { return single{} }

func (single) Rank() int { return 0 }
func (single) WorldSize() int { return 1 }
func (single) IsCoordinator() bool { return true }
func (single) Barrier(context.Context) error { return nil }
func (single) AllReduceMean(context.Context, []float32) error { return nil }
func (single) Close() error { return nil }

// New returns the Group described by e: Single for a world size of 1, and a TCP group otherwise.
func New(ctx context.Context, e Env) (Group, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.WorldSize == 1 {
		return Single(), nil
	}
	return Connect(ctx, e)
}
