// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"bufio"
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// RunsDir is the subdirectory of the root directory holding the runs.
	RunsDir = "runs"

	// RunFileName holds the RunInfo of a run.
	RunFileName = "run.json"

	// MetricsFileName holds one MetricRecord per line.
	MetricsFileName = "metrics.jsonl"
)

// MetricRecord is one line of the metrics file.
type MetricRecord struct {
	GlobalStep int64              `json:"global_step"`
	Time       time.Time          `json:"time"`
	Metrics    map[string]float64 `json:"metrics"`
}

// FileSink stores runs under "<rootDir>/runs/<run_id>/": the RunInfo in run.json and the metrics,
// appended, in metrics.jsonl.
type FileSink struct {
	rootDir string

	mu      sync.Mutex
	info    RunInfo
	runDir  string
	metrics *os.File
	enc     *json.Encoder
	now     func() time.Time
}

// NewFileSink creates a FileSink storing runs under rootDir.
func NewFileSink(rootDir string) *FileSink {
	return &FileSink{rootDir: rootDir, now: time.Now}
}

// RunDir returns the directory of the run, once initialized.
func (s *FileSink) RunDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runDir
}

// Info returns the current RunInfo.
func (s *FileSink) Info() RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Init implements Sink. If info.RunID names an existing run, it is resumed: its start time is kept
// and config entries are merged.
func (s *FileSink) Init(info RunInfo, config map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.RunID == "" {
		info.RunID = uuid.NewString()
	}
	s.runDir = filepath.Join(s.rootDir, RunsDir, info.RunID)
	if err := os.MkdirAll(s.runDir, 0770); err != nil {
		return errors.Wrapf(err, "failed to create run directory %q", s.runDir)
	}

	info.StartTime = s.now()
	if previous, err := ReadRunInfo(s.runDir); err == nil {
		klog.Infof("resuming run %s (started %s)", info.RunID, previous.StartTime.Format(time.RFC3339))
		info.StartTime = previous.StartTime
		if previous.Config != nil {
			merged := maps.Clone(previous.Config)
			maps.Copy(merged, config)
			config = merged
		}
	}
	info.Status = StatusRunning
	info.EndTime = nil
	info.Config = config
	s.info = info
	if err := s.writeInfo(); err != nil {
		return err
	}

	metricsPath := filepath.Join(s.runDir, MetricsFileName)
	f, err := os.OpenFile(metricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open metrics file %q", metricsPath)
	}
	s.metrics = f
	s.enc = json.NewEncoder(f)
	return nil
}

// Log implements Sink. Non-finite values can't be encoded in JSON and are dropped.
func (s *FileSink) Log(metrics map[string]float64, step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return errors.New("FileSink.Log called before Init")
	}
	finite, dropped := finiteMetrics(metrics)
	if len(dropped) > 0 {
		klog.Warningf("step %d: dropping non-finite metrics %v", step, dropped)
	}
	err := s.enc.Encode(MetricRecord{GlobalStep: step, Time: s.now(), Metrics: finite})
	return errors.Wrap(err, "failed to write metrics")
}

// Finish implements Sink.
func (s *FileSink) Finish(status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runDir == "" {
		return errors.New("FileSink.Finish called before Init")
	}
	end := s.now()
	s.info.Status = status
	s.info.EndTime = &end
	err := s.writeInfo()
	if s.metrics != nil {
		if closeErr := s.metrics.Close(); err == nil && closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close metrics file")
		}
		s.metrics, s.enc = nil, nil
	}
	return err
}

func (s *FileSink) writeInfo() error {
	contents, err := json.MarshalIndent(s.info, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode run info")
	}
	return writeFileAtomic(filepath.Join(s.runDir, RunFileName), contents)
}

// ReadRunInfo reads the RunInfo stored in runDir.
func ReadRunInfo(runDir string) (*RunInfo, error) {
	contents, err := os.ReadFile(filepath.Join(runDir, RunFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read run info in %q", runDir)
	}
	info := &RunInfo{}
	if err = json.Unmarshal(contents, info); err != nil {
		return nil, errors.Wrapf(err, "failed to decode run info in %q", runDir)
	}
	return info, nil
}

// ReadMetrics reads all the records of a metrics file.
func ReadMetrics(path string) ([]MetricRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics file %q", path)
	}
	defer func() { _ = f.Close() }()
	var records []MetricRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec MetricRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid metric record", path, lineNum)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read metrics file %q", path)
	}
	return records, nil
}

// writeFileAtomic writes to a temporary file and renames it, so readers never see a partial file.
func writeFileAtomic(path string, contents []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "failed to rename %q", tmp)
}
