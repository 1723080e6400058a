// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ProgressionFileName is the default name of the progression status file.
const ProgressionFileName = "training_progression.json"

// Progression is the content of the progression status file, rewritten on every Log, for
// external monitors of the run.
type Progression struct {
	RunID        string             `json:"run_id,omitempty"`
	Status       Status             `json:"status"`
	CurrentStep  int64              `json:"current_step"`
	TotalSteps   int64              `json:"total_steps,omitempty"`
	CurrentEpoch float64            `json:"current_epoch"`
	TotalEpochs  int                `json:"total_epochs,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	StartTime    int64              `json:"start_time"`
	Timestamp    int64              `json:"timestamp"`
}

// ProgressionSink maintains a Progression file with the latest value of every metric.
type ProgressionSink struct {
	path          string
	stepsPerEpoch int
	now           func() time.Time

	mu   sync.Mutex
	prog Progression
}

// NewProgressionSink creates a sink writing to path. stepsPerEpoch and epochs set the totals;
// stepsPerEpoch is also used to compute the current (fractional) epoch.
func NewProgressionSink(path string, stepsPerEpoch, epochs int) *ProgressionSink {
	return &ProgressionSink{
		path:          path,
		stepsPerEpoch: stepsPerEpoch,
		now:           time.Now,
		prog: Progression{
			TotalSteps:  int64(stepsPerEpoch) * int64(epochs),
			TotalEpochs: epochs,
		},
	}
}

// Init implements Sink.
func (s *ProgressionSink) Init(info RunInfo, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prog.RunID = info.RunID
	s.prog.Status = StatusRunning
	s.prog.StartTime = s.now().Unix()
	s.prog.Metrics = make(map[string]float64)
	if err := os.MkdirAll(filepath.Dir(s.path), 0770); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", s.path)
	}
	return s.write()
}

// Log implements Sink.
func (s *ProgressionSink) Log(metrics map[string]float64, step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	finite, _ := finiteMetrics(metrics)
	if s.prog.Metrics == nil {
		s.prog.Metrics = make(map[string]float64)
	}
	maps.Copy(s.prog.Metrics, finite)
	s.prog.CurrentStep = step
	if s.stepsPerEpoch > 0 {
		s.prog.CurrentEpoch = float64(step) / float64(s.stepsPerEpoch)
	}
	return s.write()
}

// Finish implements Sink.
func (s *ProgressionSink) Finish(status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prog.Status = status
	return s.write()
}

// Current returns a copy of the current progression.
func (s *ProgressionSink) Current() Progression {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prog
	p.Metrics = maps.Clone(s.prog.Metrics)
	return p
}

func (s *ProgressionSink) write() error {
	s.prog.Timestamp = s.now().Unix()
	contents, err := json.Marshal(&s.prog)
	if err != nil {
		return errors.Wrap(err, "failed to encode progression")
	}
	return writeFileAtomic(s.path, contents)
}

// ReadProgression reads a progression file.
func ReadProgression(path string) (*Progression, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read progression %q", path)
	}
	p := &Progression{}
	if err = json.Unmarshal(contents, p); err != nil {
		return nil, errors.Wrapf(err, "failed to decode progression %q", path)
	}
	return p, nil
}
