package data

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/symba/pkg/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSplits(t *testing.T, dir string) {
	t.Helper()
	contents := "src,tgt\n\"x + x\",\"2 x\"\n\"x * x\",\"x ^ 2\"\n\"x - x\",\"0\"\n"
	for _, name := range []string{Train, Valid, Test} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".csv"), []byte(contents), 0644))
	}
}

func TestLoadAndEncode(t *testing.T) {
	dir := t.TempDir()
	writeSplits(t, dir)
	splits, err := LoadSplits(dir)
	require.NoError(t, err)
	require.Len(t, splits.Train, 3)
	assert.Equal(t, Pair{Src: "x * x", Tgt: "x ^ 2"}, splits.Train[1])

	tokenizer := &vocab.Tokenizer{}
	srcs, tgts, err := splits.Tokenized(tokenizer)
	require.NoError(t, err)
	srcVocab, tgtVocab := vocab.Build(srcs), vocab.Build(tgts)

	enc := &Encoder{Tokenizer: tokenizer, SrcVocab: srcVocab, TgtVocab: tgtVocab, SrcMaxLen: 5, TgtMaxLen: 4}
	examples, err := enc.EncodeAll(splits.Train)
	require.NoError(t, err)
	// "x ^ 2" plus BOS/EOS is 5 > 4 and is dropped.
	require.Len(t, examples, 2)
	assert.Equal(t, "x + x", srcVocab.Decode(examples[0].Src))
	assert.Equal(t, "x - x", srcVocab.Decode(examples[1].Src))
	assert.Equal(t, vocab.BOS, examples[0].Tgt[0])
	assert.Equal(t, vocab.EOS, examples[0].Tgt[len(examples[0].Tgt)-1])

	enc.Truncate = true
	examples, err = enc.EncodeAll(splits.Train)
	require.NoError(t, err)
	require.Len(t, examples, 3)
	assert.Len(t, examples[1].Tgt, 4)
	assert.Equal(t, vocab.EOS, examples[1].Tgt[3])
	assert.Equal(t, "x ^", tgtVocab.Decode(examples[1].Tgt))

	_, err = LoadSplits(t.TempDir())
	require.Error(t, err)
}

func TestSampler(t *testing.T) {
	// 10 examples over 3 workers: padded to 12, 4 each, covering all examples.
	var all []int
	for rank := range 3 {
		s := &Sampler{NumExamples: 10, Rank: rank, WorldSize: 3, Shuffle: true, Seed: 7}
		indices := s.Indices(2)
		require.Len(t, indices, 4)
		assert.Equal(t, indices, s.Indices(2), "same epoch must give the same indices")
		all = append(all, indices...)
	}
	slices.Sort(all)
	all = slices.Compact(all)
	assert.Len(t, all, 10)

	s := &Sampler{NumExamples: 5, Rank: 1, WorldSize: 2}
	assert.Equal(t, []int{1, 3, 0}, s.Indices(0))
}

func TestLoader(t *testing.T) {
	var examples []Example
	for ii := range 7 {
		examples = append(examples, Example{
			Src: []int{vocab.BOS, 4 + ii, vocab.EOS},
			Tgt: []int{vocab.BOS, 10 + ii, 11 + ii, vocab.EOS},
		})
	}
	loader := NewLoader(examples, LoaderConfig{
		Name: "train", BatchSize: 3, SrcMaxLen: 4, TgtMaxLen: 5, NumWorkers: 2, WorldSize: 1})
	require.Equal(t, 3, loader.NumBatches())

	var sizes []int
	for {
		_, inputs, labels, err := loader.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 2)
		require.Len(t, labels, 1)
		sizes = append(sizes, inputs[0].Shape().Dimensions[0])
		assert.Equal(t, []int{4}, inputs[0].Shape().Dimensions[1:])
		assert.Equal(t, []int{4}, inputs[1].Shape().Dimensions[1:])
		assert.Equal(t, inputs[1].Shape(), labels[0].Shape())
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)

	// Reset restarts the epoch, in the same order.
	loader.Reset()
	_, inputs, labels, err := loader.Yield()
	require.NoError(t, err)
	src := tensors.MustCopyFlatData[int32](inputs[0])
	assert.Equal(t, []int32{vocab.BOS, 4, vocab.EOS, vocab.PAD}, src[:4])
	tgtIn := tensors.MustCopyFlatData[int32](inputs[1])
	assert.Equal(t, []int32{vocab.BOS, 10, 11, vocab.PAD}, tgtIn[:4])
	tgtOut := tensors.MustCopyFlatData[int32](labels[0])
	assert.Equal(t, []int32{10, 11, vocab.EOS, vocab.PAD}, tgtOut[:4])

	// Stopping in the middle of an epoch doesn't leak or block.
	loader.SetEpoch(1)
	assert.Equal(t, 3, loader.NumBatches())
}
