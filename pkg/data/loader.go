// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"io"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/symba/pkg/vocab"
	"golang.org/x/sync/errgroup"
)

// Loader serves the examples of a worker in padded batches. It implements train.Dataset.
//
// Each batch yields:
//
//   - inputs: source ids shaped [batchSize, srcMaxLen] and the decoder inputs (target without the
//     last position) shaped [batchSize, tgtMaxLen-1], all int32 padded with vocab.PAD.
//   - labels: the target shifted left by one (target without BOS), shaped [batchSize, tgtMaxLen-1].
//
// Padding to the maximum lengths keeps the shapes fixed, so the training graphs are compiled only
// once per batch size. The last batch of the epoch may be smaller.
//
// Batches are collated by NumWorkers goroutines ahead of time, but always yielded in order.
type Loader struct {
	name                 string
	examples             []Example
	sampler              Sampler
	batchSize            int
	srcMaxLen, tgtMaxLen int
	numWorkers           int

	mu      sync.Mutex
	epoch   int
	batches [][]int
	next    int
	run     *prefetchRun
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Name                 string
	BatchSize            int
	SrcMaxLen, TgtMaxLen int
	Shuffle              bool
	Seed                 int64
	Rank, WorldSize      int

	// NumWorkers is the number of goroutines collating batches. At least 1 is used.
	NumWorkers int
}

// NewLoader creates a Loader over examples.
func NewLoader(examples []Example, cfg LoaderConfig) *Loader {
	if cfg.WorldSize < 1 {
		cfg.WorldSize = 1
	}
	l := &Loader{
		name:     cfg.Name,
		examples: examples,
		sampler: Sampler{
			NumExamples: len(examples),
			Rank:        cfg.Rank,
			WorldSize:   cfg.WorldSize,
			Shuffle:     cfg.Shuffle,
			Seed:        cfg.Seed,
		},
		batchSize:  cfg.BatchSize,
		srcMaxLen:  cfg.SrcMaxLen,
		tgtMaxLen:  cfg.TgtMaxLen,
		numWorkers: max(cfg.NumWorkers, 1),
	}
	l.SetEpoch(0)
	return l
}

var _ train.Dataset = (*Loader)(nil)

// Name implements train.Dataset.
func (l *Loader) Name() string { return l.name }

// NumBatches returns the number of batches per epoch of this worker.
func (l *Loader) NumBatches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batches)
}

// SetEpoch selects the sampling of the given epoch, and resets the loader.
func (l *Loader) SetEpoch(epoch int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch = epoch
	l.resetLocked()
}

// Reset implements train.Dataset. It restarts the current epoch.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
}

func (l *Loader) resetLocked() {
	if l.run != nil {
		l.run.stop()
		l.run = nil
	}
	indices := l.sampler.Indices(l.epoch)
	l.batches = l.batches[:0]
	for start := 0; start < len(indices); start += l.batchSize {
		end := min(start+l.batchSize, len(indices))
		l.batches = append(l.batches, indices[start:end])
	}
	l.next = 0
}

// Yield implements train.Dataset. It returns io.EOF at the end of the epoch.
func (l *Loader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next >= len(l.batches) {
		err = io.EOF
		return
	}
	if l.run == nil {
		l.run = l.startPrefetch()
	}
	b := <-l.run.results[l.next]
	l.next++
	l.run.release()
	spec = l
	inputs, labels = b.inputs, b.labels
	return
}

// Collate builds the padded tensors of a batch of examples.
func Collate(examples []Example, srcMaxLen, tgtMaxLen int) (inputs, labels []*tensors.Tensor) {
	batchSize := len(examples)
	decLen := tgtMaxLen - 1
	src := make([]int32, batchSize*srcMaxLen)
	tgtIn := make([]int32, batchSize*decLen)
	tgtOut := make([]int32, batchSize*decLen)
	fillPad(src)
	fillPad(tgtIn)
	fillPad(tgtOut)
	for ii, ex := range examples {
		for jj, id := range ex.Src[:min(len(ex.Src), srcMaxLen)] {
			src[ii*srcMaxLen+jj] = int32(id)
		}
		tgt := ex.Tgt[:min(len(ex.Tgt), tgtMaxLen)]
		for jj := 0; jj < len(tgt)-1; jj++ {
			tgtIn[ii*decLen+jj] = int32(tgt[jj])
			tgtOut[ii*decLen+jj] = int32(tgt[jj+1])
		}
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(src, batchSize, srcMaxLen),
		tensors.FromFlatDataAndDimensions(tgtIn, batchSize, decLen),
	}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(tgtOut, batchSize, decLen)}
	return
}

func fillPad(ids []int32) {
	for ii := range ids {
		ids[ii] = vocab.PAD
	}
}

type collated struct {
	inputs, labels []*tensors.Tensor
}

// prefetchRun collates the batches of one pass over the epoch.
type prefetchRun struct {
	results []chan collated
	tokens  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (l *Loader) startPrefetch() *prefetchRun {
	ctx, cancel := context.WithCancel(context.Background())
	run := &prefetchRun{
		results: make([]chan collated, len(l.batches)),
		tokens:  make(chan struct{}, 2*l.numWorkers),
		cancel:  cancel,
	}
	for ii := range run.results {
		run.results[ii] = make(chan collated, 1)
	}
	batches := l.batches
	examples := l.examples
	srcMaxLen, tgtMaxLen := l.srcMaxLen, l.tgtMaxLen
	var g errgroup.Group
	g.SetLimit(l.numWorkers)
	run.wg.Add(1)
	go func() {
		defer run.wg.Done()
		defer func() { _ = g.Wait() }()
		for ii, batch := range batches {
			select {
			case run.tokens <- struct{}{}:
			case <-ctx.Done():
				return
			}
			g.Go(func() error {
				exs := make([]Example, len(batch))
				for jj, idx := range batch {
					exs[jj] = examples[idx]
				}
				var c collated
				c.inputs, c.labels = Collate(exs, srcMaxLen, tgtMaxLen)
				run.results[ii] <- c
				return nil
			})
		}
	}()
	return run
}

// release frees a prefetch slot after a batch is consumed.
func (r *prefetchRun) release() {
	<-r.tokens
}

// stop cancels the prefetching and waits for the goroutines to finish.
func (r *prefetchRun) stop() {
	r.cancel()
	r.wg.Wait()
}
