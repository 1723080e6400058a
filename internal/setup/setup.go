// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package setup holds the preparation steps shared by the symba commands: configuration loading,
// vocabularies and encoded datasets.
package setup

import (
	"os"
	"path/filepath"

	"github.com/gomlx/symba/pkg/config"
	"github.com/gomlx/symba/pkg/data"
	"github.com/gomlx/symba/pkg/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainingConfig returns the training configuration of the given model family, with its defaults
// overwritten by the YAML file at path (if not empty) and by the environment.
func TrainingConfig(family config.Family, path string) (config.TrainerConfig, error) {
	cfg, err := config.New(family)
	if err != nil {
		return nil, err
	}
	if err = config.Load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TestConfig is like TrainingConfig, for the inference configurations.
func TestConfig(family config.Family, path string) (config.ModelConfig, error) {
	cfg, err := config.NewTest(family)
	if err != nil {
		return nil, err
	}
	if err = config.Load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Tokenizer configured by inf.
func Tokenizer(inf *config.Inference) *vocab.Tokenizer {
	return &vocab.Tokenizer{
		ToReplace:        inf.ToReplace,
		IndexPoolSize:    inf.IndexPoolSize,
		MomentumPoolSize: inf.MomentumPoolSize,
	}
}

// VocabPaths returns the paths where the source and target vocabularies of a model are stored,
// next to its checkpoints.
func VocabPaths(inf *config.Inference) (src, tgt string) {
	return filepath.Join(inf.RootDir, inf.ModelName+"_src_vocab.json"),
		filepath.Join(inf.RootDir, inf.ModelName+"_tgt_vocab.json")
}

// Vocabularies holds the source and target vocabularies.
type Vocabularies struct {
	Src, Tgt *vocab.Vocabulary
}

// BuildVocabularies from all the splits. The vocabularies are deterministic, so every worker of a
// run builds the same ones.
//
// Vocabulary sizes left as 0 in inf are set to the sizes of the built vocabularies. Sizes configured
// smaller than the vocabularies are an error.
func BuildVocabularies(inf *config.Inference, splits *data.Splits, tokenizer *vocab.Tokenizer) (*Vocabularies, error) {
	srcs, tgts, err := splits.Tokenized(tokenizer)
	if err != nil {
		return nil, err
	}
	pool := tokenizer.PoolTokens()
	v := &Vocabularies{Src: vocab.Build(srcs, pool...), Tgt: vocab.Build(tgts, pool...)}
	if err = fitVocabSizes(inf, v); err != nil {
		return nil, err
	}
	klog.Infof("Vocabularies: %d source tokens, %d target tokens", v.Src.Size(), v.Tgt.Size())
	return v, nil
}

// Save the vocabularies to VocabPaths.
func (v *Vocabularies) Save(inf *config.Inference) error {
	if err := os.MkdirAll(inf.RootDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %q", inf.RootDir)
	}
	srcPath, tgtPath := VocabPaths(inf)
	if err := v.Src.Save(srcPath); err != nil {
		return err
	}
	return v.Tgt.Save(tgtPath)
}

// LoadVocabularies saved by BuildVocabularies.
func LoadVocabularies(inf *config.Inference) (*Vocabularies, error) {
	srcPath, tgtPath := VocabPaths(inf)
	v := &Vocabularies{}
	var err error
	if v.Src, err = vocab.Load(srcPath); err != nil {
		return nil, err
	}
	if v.Tgt, err = vocab.Load(tgtPath); err != nil {
		return nil, err
	}
	if err = fitVocabSizes(inf, v); err != nil {
		return nil, err
	}
	return v, nil
}

func fitVocabSizes(inf *config.Inference, v *Vocabularies) error {
	for _, s := range []struct {
		name string
		size *int
		v    *vocab.Vocabulary
	}{{"src_voc_size", &inf.SrcVocSize, v.Src}, {"tgt_voc_size", &inf.TgtVocSize, v.Tgt}} {
		if *s.size == 0 {
			*s.size = s.v.Size()
			continue
		}
		if *s.size < s.v.Size() {
			return errors.Errorf("%s=%d is smaller than the vocabulary (%d tokens)", s.name, *s.size, s.v.Size())
		}
	}
	return nil
}

// Encoder of the pairs of a run.
func (v *Vocabularies) Encoder(inf *config.Inference, tokenizer *vocab.Tokenizer) *data.Encoder {
	return &data.Encoder{
		Tokenizer: tokenizer,
		SrcVocab:  v.Src,
		TgtVocab:  v.Tgt,
		SrcMaxLen: inf.SrcMaxLen,
		TgtMaxLen: inf.TgtMaxLen,
		Truncate:  inf.Truncate,
	}
}
