// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package predict

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/symba/pkg/data"
	"github.com/gomlx/symba/pkg/vocab"
	"k8s.io/klog/v2"
)

// Decoder is implemented by Predictor.
type Decoder interface {
	Predict(ex data.Example, itos []string) (string, error)
}

// SequenceAccuracy returns the fraction of n test examples, sampled without replacement, whose decoded
// prediction matches exactly the decoded reference target.
//
// n is clamped to the size of the test set. An empty sample returns NaN (0/0).
func SequenceAccuracy(p Decoder, test []data.Example, itos []string, n int, rng *rand.Rand) (float64, error) {
	n = max(min(n, len(test)), 0)
	indices := rng.Perm(len(test))[:n]
	var correct int
	for _, idx := range indices {
		ex := test[idx]
		prediction, err := p.Predict(ex, itos)
		if err != nil {
			return 0, err
		}
		target := vocab.Decode(itos, ex.Tgt)
		if prediction == target {
			correct++
		}
		if klog.V(2).Enabled() {
			klog.Infof("test example %d: target=%q prediction=%q", idx, target, prediction)
		}
	}
	if n == 0 {
		return math.NaN(), nil
	}
	return float64(correct) / float64(n), nil
}
