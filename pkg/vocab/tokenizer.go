// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vocab

import (
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

var (
	// indexPattern matches index names like "%sigma_165" or "%\eps_36".
	indexPattern = regexp.MustCompile(`%\\?[A-Za-z]+_\d+`)

	// momentumPattern matches momentum names like "p_1", "k_23" or "s_12".
	momentumPattern = regexp.MustCompile(`\b[pkqs]_\d+\b`)

	// tokenPattern splits an expression: pool tokens and identifiers are kept whole, numbers are split
	// in digits and any other non-space rune is a token by itself.
	tokenPattern = regexp.MustCompile(`INDEX_\d+|MOMENTUM_\d+|%\\?[A-Za-z]+_\d+|[A-Za-z]+(?:_[A-Za-z0-9]+)*|\d|\S`)
)

// Tokenizer splits expressions into tokens.
//
// If ToReplace is set, index and momentum names are first renamed to pooled tokens
// ("INDEX_<k>" and "MOMENTUM_<k>"), numbered by order of first appearance in each expression.
// This makes the expressions invariant to the arbitrary numbering of indices and momenta.
type Tokenizer struct {
	ToReplace        bool
	IndexPoolSize    int
	MomentumPoolSize int
}

// IndexToken returns the pooled token for the k-th index of an expression.
func IndexToken(k int) string { return fmt.Sprintf("INDEX_%d", k) }

// MomentumToken returns the pooled token for the k-th momentum of an expression.
func MomentumToken(k int) string { return fmt.Sprintf("MOMENTUM_%d", k) }

// PoolTokens returns all pooled tokens, to be reserved in the vocabularies. It is empty if ToReplace is false.
func (t *Tokenizer) PoolTokens() []string {
	if !t.ToReplace {
		return nil
	}
	tokens := make([]string, 0, t.IndexPoolSize+t.MomentumPoolSize)
	for k := range t.IndexPoolSize {
		tokens = append(tokens, IndexToken(k))
	}
	for k := range t.MomentumPoolSize {
		tokens = append(tokens, MomentumToken(k))
	}
	return tokens
}

// Tokenize splits the expression into tokens.
// It returns an error if ToReplace is set and the expression has more distinct indices or momenta
// than the pool sizes.
func (t *Tokenizer) Tokenize(expr string) ([]string, error) {
	if t.ToReplace {
		var err error
		expr, err = replaceWithPool(expr, indexPattern, t.IndexPoolSize, IndexToken)
		if err != nil {
			return nil, errors.WithMessage(err, "indices")
		}
		expr, err = replaceWithPool(expr, momentumPattern, t.MomentumPoolSize, MomentumToken)
		if err != nil {
			return nil, errors.WithMessage(err, "momenta")
		}
	}
	return tokenPattern.FindAllString(expr, -1), nil
}

func replaceWithPool(expr string, pattern *regexp.Regexp, poolSize int, tokenFn func(k int) string) (string, error) {
	renames := make(map[string]string)
	var err error
	expr = pattern.ReplaceAllStringFunc(expr, func(name string) string {
		if renamed, found := renames[name]; found {
			return renamed
		}
		if len(renames) >= poolSize {
			if err == nil {
				err = errors.Errorf("expression has more than %d distinct names, %q can't be pooled", poolSize, name)
			}
			return name
		}
		renamed := tokenFn(len(renames))
		renames[name] = renamed
		return renamed
	})
	if err != nil {
		return "", err
	}
	return expr, nil
}
