// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking records the metrics of training runs.
//
// A Sink receives the run configuration once (Init), then metrics keyed by the global step (Log) and
// finally the status of the run (Finish). Sinks can be combined with Multi.
package tracking

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Metric keys logged by the trainer.
const (
	MetricTrainLoss     = "train/loss"
	MetricTrainLR       = "train/lr"
	MetricTrainEpoch    = "train/epoch"
	MetricTrainGradNorm = "train/grad_norm"
	MetricValidLoss     = "valid/loss"
	MetricTestAccuracy  = "test/acc"
)

// Status of a run.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// RunInfo identifies a run.
type RunInfo struct {
	// RunID is generated if empty. Reusing the id of an existing run resumes it.
	RunID   string `json:"run_id"`
	Project string `json:"project"`
	Name    string `json:"name"`

	Status    Status     `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	Config map[string]any `json:"config,omitempty"`
}

// Sink receives the metrics of a run.
type Sink interface {
	// Init starts (or resumes) the run, with its configuration.
	Init(info RunInfo, config map[string]any) error

	// Log metrics at the given global step.
	Log(metrics map[string]float64, step int64) error

	// Finish the run with the given status.
	Finish(status Status) error
}

// FormatMetrics formats metrics sorted by key, e.g. "train/loss=0.1234 train/lr=1e-05".
func FormatMetrics(metrics map[string]float64) string {
	parts := make([]string, 0, len(metrics))
	for _, key := range slices.Sorted(maps.Keys(metrics)) {
		parts = append(parts, fmt.Sprintf("%s=%.4g", key, metrics[key]))
	}
	return strings.Join(parts, " ")
}

// finiteMetrics returns the finite metrics, and the keys dropped.
func finiteMetrics(metrics map[string]float64) (finite map[string]float64, dropped []string) {
	finite = make(map[string]float64, len(metrics))
	for key, value := range metrics {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			dropped = append(dropped, key)
			continue
		}
		finite[key] = value
	}
	slices.Sort(dropped)
	return
}

type nop struct{}

// Nop returns a Sink that discards everything. It is used by non-coordinator workers.
func Nop() Sink { return nop{} }

func (nop) Init(RunInfo, map[string]any) error { return nil }
func (nop) Log(map[string]float64, int64) error { return nil }
func (nop) Finish(Status) error { return nil }

// LogSink logs metrics with klog.
type LogSink struct {
	// Every logs only one in every Every calls to Log. Values <= 1 log all.
	Every int

	count int
}

// Init implements Sink.
func (s *LogSink) Init(info RunInfo, config map[string]any) error {
	klog.Infof("run %q (project %q, id %s) started with %d configuration entries",
		info.Name, info.Project, info.RunID, len(config))
	return nil
}

// Log implements Sink.
func (s *LogSink) Log(metrics map[string]float64, step int64) error {
	s.count++
	if s.Every > 1 && (s.count-1)%s.Every != 0 {
		return nil
	}
	klog.Infof("step %d: %s", step, FormatMetrics(metrics))
	return nil
}

// Finish implements Sink.
func (s *LogSink) Finish(status Status) error {
	klog.Infof("run finished with status %s", status)
	return nil
}

type multi []Sink

// Multi returns a Sink that forwards to all sinks. All sinks are called even if one fails;
// the first error is returned.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) each(fn func(s Sink) error) error {
	var firstErr error
	for _, s := range m {
		if err := fn(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m multi) Init(info RunInfo, config map[string]any) error {
	return m.each(func(s Sink) error { return s.Init(info, config) })
}

func (m multi) Log(metrics map[string]float64, step int64) error {
	return m.each(func(s Sink) error { return s.Log(metrics, step) })
}

func (m multi) Finish(status Status) error {
	return m.each(func(s Sink) error { return s.Finish(status) })
}
