// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vocab implements the token vocabularies used to encode source and target expressions
// into integer sequences and to decode them back.
package vocab

import (
	"encoding/json"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Special tokens, always at the start of every Vocabulary.
const (
	UNK = iota
	PAD
	BOS
	EOS
)

// Specials are the string forms of the special tokens, indexed by their ids.
var Specials = []string{"<unk>", "<pad>", "<bos>", "<eos>"}

// Vocabulary maps tokens to ids (stoi) and ids to tokens (itos).
type Vocabulary struct {
	itos []string
	stoi map[string]int
}

// New creates a vocabulary with the special tokens followed by the given tokens, in order.
// Repeated tokens are ignored.
func New(tokens ...string) *Vocabulary {
	v := &Vocabulary{stoi: make(map[string]int, len(Specials)+len(tokens))}
	for _, token := range Specials {
		v.add(token)
	}
	for _, token := range tokens {
		v.add(token)
	}
	return v
}

func (v *Vocabulary) add(token string) {
	if _, found := v.stoi[token]; found {
		return
	}
	v.stoi[token] = len(v.itos)
	v.itos = append(v.itos, token)
}

// Build creates a vocabulary from the tokens of the given sequences, plus any reserved tokens
// (e.g. the pooled index/momentum tokens), which are always included first.
//
// Tokens are ordered by decreasing frequency, ties broken alphabetically, so the same corpus
// always yields the same vocabulary.
func Build(sequences [][]string, reserved ...string) *Vocabulary {
	counts := make(map[string]int)
	for _, seq := range sequences {
		for _, token := range seq {
			counts[token]++
		}
	}
	tokens := make([]string, 0, len(counts))
	for token := range counts {
		tokens = append(tokens, token)
	}
	slices.SortFunc(tokens, func(a, b string) int {
		if counts[a] != counts[b] {
			return counts[b] - counts[a]
		}
		return strings.Compare(a, b)
	})
	return New(append(slices.Clone(reserved), tokens...)...)
}

// Size returns the number of tokens, including the special ones.
func (v *Vocabulary) Size() int { return len(v.itos) }

// ITOS returns the id to token mapping. It shouldn't be changed.
func (v *Vocabulary) ITOS() []string { return v.itos }

// ID returns the id of a token, or UNK if the token is not known.
func (v *Vocabulary) ID(token string) int {
	if id, found := v.stoi[token]; found {
		return id
	}
	return UNK
}

// Token returns the token for the given id, or the UNK token if id is out of range.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.itos) {
		return v.itos[UNK]
	}
	return v.itos[id]
}

// Encode converts the tokens to ids, wrapping them with BOS and EOS if wrap is set.
func (v *Vocabulary) Encode(tokens []string, wrap bool) []int {
	ids := make([]int, 0, len(tokens)+2)
	if wrap {
		ids = append(ids, BOS)
	}
	for _, token := range tokens {
		ids = append(ids, v.ID(token))
	}
	if wrap {
		ids = append(ids, EOS)
	}
	return ids
}

// Decode converts ids back to a string, with tokens separated by a space.
// The PAD, BOS and EOS tokens are dropped.
func (v *Vocabulary) Decode(ids []int) string {
	return Decode(v.itos, ids)
}

// Decode converts ids to a string using the id to token mapping itos, dropping PAD, BOS and EOS.
func Decode(itos []string, ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == PAD || id == BOS || id == EOS {
			continue
		}
		token := Specials[UNK]
		if id >= 0 && id < len(itos) {
			token = itos[id]
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(token)
	}
	return sb.String()
}

type serializedVocabulary struct {
	ITOS []string `json:"itos"`
}

// Save the vocabulary as JSON to path.
func (v *Vocabulary) Save(path string) error {
	contents, err := json.Marshal(serializedVocabulary{ITOS: v.itos})
	if err != nil {
		return errors.Wrap(err, "failed to serialize vocabulary")
	}
	if err = os.WriteFile(path, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to save vocabulary to %q", path)
	}
	return nil
}

// Load a vocabulary saved with Save.
func Load(path string) (*Vocabulary, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary from %q", path)
	}
	var s serializedVocabulary
	if err = json.Unmarshal(contents, &s); err != nil {
		return nil, errors.Wrapf(err, "failed to parse vocabulary in %q", path)
	}
	if len(s.ITOS) < len(Specials) {
		return nil, errors.Errorf("vocabulary in %q has only %d tokens, it should start with the %d special tokens",
			path, len(s.ITOS), len(Specials))
	}
	for ii, special := range Specials {
		if s.ITOS[ii] != special {
			return nil, errors.Errorf("vocabulary in %q has token %q at position %d, expected special token %q",
				path, s.ITOS[ii], ii, special)
		}
	}
	v := &Vocabulary{stoi: make(map[string]int, len(s.ITOS))}
	for _, token := range s.ITOS {
		v.add(token)
	}
	return v, nil
}
