// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data loads the expression datasets, converts them to token ids and serves them
// in padded batches, sharded across the distributed workers.
package data

import (
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/symba/pkg/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Column names expected in the CSV files.
const (
	SrcColumn = "src"
	TgtColumn = "tgt"
)

// Split names, also the base name of their CSV files in the data directory.
const (
	Train = "train"
	Valid = "valid"
	Test  = "test"
)

// Pair is a raw (not tokenized) source and target expression.
type Pair struct {
	Src, Tgt string
}

// Example is a tokenized and encoded Pair. Both sequences are wrapped with vocab.BOS and vocab.EOS.
type Example struct {
	Src, Tgt []int
}

// Splits holds the raw pairs of each dataset split.
type Splits struct {
	Train, Valid, Test []Pair
}

// ReadCSV reads the pairs of a CSV file with the columns SrcColumn and TgtColumn.
func ReadCSV(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset file %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.WithTypes(map[string]series.Type{
			SrcColumn: series.String,
			TgtColumn: series.String,
		}))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse dataset file %q", path)
	}
	srcCol, tgtCol := df.Col(SrcColumn), df.Col(TgtColumn)
	if srcCol.Err != nil || tgtCol.Err != nil {
		return nil, errors.Errorf("dataset file %q must have the columns %q and %q", path, SrcColumn, TgtColumn)
	}
	srcs, tgts := srcCol.Records(), tgtCol.Records()
	pairs := make([]Pair, len(srcs))
	for ii := range srcs {
		pairs[ii] = Pair{Src: srcs[ii], Tgt: tgts[ii]}
	}
	return pairs, nil
}

// LoadSplits reads the train, valid and test CSV files from dataDir.
func LoadSplits(dataDir string) (*Splits, error) {
	splits := &Splits{}
	for _, s := range []struct {
		name  string
		pairs *[]Pair
	}{{Train, &splits.Train}, {Valid, &splits.Valid}, {Test, &splits.Test}} {
		pairs, err := ReadCSV(filepath.Join(dataDir, s.name+".csv"))
		if err != nil {
			return nil, errors.WithMessagef(err, "loading %q split", s.name)
		}
		*s.pairs = pairs
	}
	klog.V(1).Infof("Loaded datasets from %q: %d train, %d valid, %d test examples",
		dataDir, len(splits.Train), len(splits.Valid), len(splits.Test))
	return splits, nil
}

// Tokenized returns the token sequences of all sources and all targets, used to build the vocabularies.
func (s *Splits) Tokenized(tokenizer *vocab.Tokenizer) (srcs, tgts [][]string, err error) {
	for _, pairs := range [][]Pair{s.Train, s.Valid, s.Test} {
		for _, p := range pairs {
			src, err := tokenizer.Tokenize(p.Src)
			if err != nil {
				return nil, nil, errors.WithMessagef(err, "tokenizing %q", p.Src)
			}
			tgt, err := tokenizer.Tokenize(p.Tgt)
			if err != nil {
				return nil, nil, errors.WithMessagef(err, "tokenizing %q", p.Tgt)
			}
			srcs = append(srcs, src)
			tgts = append(tgts, tgt)
		}
	}
	return
}

// Encoder converts Pair to Example.
type Encoder struct {
	Tokenizer          *vocab.Tokenizer
	SrcVocab, TgtVocab *vocab.Vocabulary

	// SrcMaxLen and TgtMaxLen are the maximum lengths of the encoded sequences, including BOS and EOS.
	SrcMaxLen, TgtMaxLen int

	// Truncate sequences longer than the maximum lengths, instead of dropping them.
	Truncate bool
}

// Encode one pair. It returns ok=false if the pair is too long and Truncate is false.
func (e *Encoder) Encode(p Pair) (ex Example, ok bool, err error) {
	srcTokens, err := e.Tokenizer.Tokenize(p.Src)
	if err != nil {
		return
	}
	tgtTokens, err := e.Tokenizer.Tokenize(p.Tgt)
	if err != nil {
		return
	}
	ex.Src, ok = fitLength(e.SrcVocab.Encode(srcTokens, true), e.SrcMaxLen, e.Truncate)
	if !ok {
		return
	}
	ex.Tgt, ok = fitLength(e.TgtVocab.Encode(tgtTokens, true), e.TgtMaxLen, e.Truncate)
	return
}

// EncodeAll encodes all pairs, dropping (and logging the count of) the ones that are too long.
func (e *Encoder) EncodeAll(pairs []Pair) ([]Example, error) {
	examples := make([]Example, 0, len(pairs))
	var dropped int
	for _, p := range pairs {
		ex, ok, err := e.Encode(p)
		if err != nil {
			return nil, err
		}
		if !ok {
			dropped++
			continue
		}
		examples = append(examples, ex)
	}
	if dropped > 0 {
		klog.Warningf("Dropped %d of %d examples longer than src_max_len=%d or tgt_max_len=%d",
			dropped, len(pairs), e.SrcMaxLen, e.TgtMaxLen)
	}
	return examples, nil
}

// fitLength truncates ids (keeping the final EOS) if it is longer than maxLen and truncate is set.
func fitLength(ids []int, maxLen int, truncate bool) ([]int, bool) {
	if len(ids) <= maxLen {
		return ids, true
	}
	if !truncate {
		return nil, false
	}
	ids = ids[:maxLen]
	ids[maxLen-1] = vocab.EOS
	return ids, true
}
