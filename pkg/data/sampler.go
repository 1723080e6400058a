// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math/rand/v2"
)

// Sampler selects the indices of the examples of one worker (rank) in a group of worldSize workers.
//
// Every epoch the full index list is optionally shuffled (with a seed derived from seed and the epoch,
// so all workers agree on the permutation), padded by wrapping around to a multiple of worldSize,
// and then the worker takes every worldSize-th index starting at its rank.
// So all workers see the same number of examples per epoch.
type Sampler struct {
	NumExamples     int
	Rank, WorldSize int
	Shuffle         bool
	Seed            int64
}

// NumSamples returns the number of indices per worker per epoch.
func (s *Sampler) NumSamples() int {
	if s.NumExamples == 0 {
		return 0
	}
	return (s.NumExamples + s.WorldSize - 1) / s.WorldSize
}

// Indices returns the indices of the worker for the given epoch.
func (s *Sampler) Indices(epoch int) []int {
	n := s.NumExamples
	if n == 0 {
		return nil
	}
	var order []int
	if s.Shuffle {
		rng := rand.New(rand.NewPCG(uint64(s.Seed), uint64(epoch)))
		order = rng.Perm(n)
	} else {
		order = make([]int, n)
		for ii := range order {
			order[ii] = ii
		}
	}
	total := s.NumSamples() * s.WorldSize
	for ii := 0; len(order) < total; ii++ {
		order = append(order, order[ii%n])
	}
	indices := make([]int, 0, s.NumSamples())
	for ii := s.Rank; ii < total; ii += s.WorldSize {
		indices = append(indices, order[ii])
	}
	return indices
}
