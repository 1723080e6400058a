// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"math"
	"path/filepath"
	"slices"

	"github.com/gomlx/symba/pkg/checkpoint"
	"github.com/gomlx/symba/pkg/config"
)

// InitialBestValidLoss is the best validation loss of a fresh run: any real loss improves on it.
const InitialBestValidLoss = 1e6

// RunState is the mutable state of a training run, owned by the Trainer.
//
// On a multi-worker run only the coordinator's copy is meaningful for the loss histories, the
// best validation loss and the checkpoint rotation: the other workers never read them.
type RunState struct {
	// CurrentEpoch is 0-based: it is the epoch being trained.
	CurrentEpoch int

	BestValidLoss float64
	TrainLosses   []float64
	ValidLosses   []float64

	// GlobalStep counts the training steps (batches) since the start of the run, across resumes.
	GlobalStep int64

	// Rotation of the numbered checkpoints, nil on non-coordinator workers.
	Rotation *checkpoint.Rotation
}

// NewRunState returns the state of a fresh run starting at the given epoch.
func NewRunState(currentEpoch int) *RunState {
	return &RunState{
		CurrentEpoch:  currentEpoch,
		BestValidLoss: InitialBestValidLoss,
	}
}

// ObserveValidation returns whether loss is at least as good as the best validation loss so far,
// in which case it becomes the new best. Ties count as improvements.
func (s *RunState) ObserveValidation(loss float64) bool {
	if loss <= s.BestValidLoss {
		s.BestValidLoss = loss
		return true
	}
	return false
}

// AppendEpoch appends the epoch losses, rounded to 4 decimal places, to the histories.
func (s *RunState) AppendEpoch(trainLoss, validLoss float64) {
	s.TrainLosses = append(s.TrainLosses, Round4(trainLoss))
	s.ValidLosses = append(s.ValidLosses, Round4(validLoss))
}

// Round4 rounds x to 4 decimal places.
func Round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

// Record returns the checkpoint record of the current state. The scheduler states and learning
// rate are filled in by the caller.
func (s *RunState) Record() *checkpoint.Record {
	return &checkpoint.Record{
		Epoch:         s.CurrentEpoch + 1,
		GlobalStep:    s.GlobalStep,
		TrainLossList: slices.Clone(s.TrainLosses),
		ValidLossList: slices.Clone(s.ValidLosses),
	}
}

// Restore the histories and global step from a checkpoint record. The best validation loss becomes
// the minimum of the restored validation history.
//
// The current epoch is taken from the record only if resuming from the best checkpoint: when resuming
// from a numbered checkpoint it is already set to the requested epoch.
func (s *RunState) Restore(record *checkpoint.Record, mode ResumeMode) {
	s.TrainLosses = slices.Clone(record.TrainLossList)
	s.ValidLosses = slices.Clone(record.ValidLossList)
	s.BestValidLoss = InitialBestValidLoss
	if len(s.ValidLosses) > 0 {
		s.BestValidLoss = slices.Min(s.ValidLosses)
	}
	s.GlobalStep = record.GlobalStep
	if mode == ResumeFromBest {
		s.CurrentEpoch = record.Epoch
	}
}

// ResumeMode of a training run.
type ResumeMode int

const (
	// Fresh run: nothing is loaded.
	Fresh ResumeMode = iota

	// ResumeFromEpoch loads "<model_name>_ep<curr_epoch>", and continues at epoch curr_epoch (0-based).
	ResumeFromEpoch

	// ResumeFromBest loads "<model_name>_best", and continues at the epoch stored in it.
	ResumeFromBest
)

// ResumeModeOf returns the resume mode selected by the configuration: a non-zero curr_epoch takes
// precedence over resume_best.
func ResumeModeOf(cfg *config.Training) ResumeMode {
	switch {
	case cfg.CurrEpoch != 0:
		return ResumeFromEpoch
	case cfg.ResumeBest:
		return ResumeFromBest
	}
	return Fresh
}

// String implements fmt.Stringer.
func (m ResumeMode) String() string {
	switch m {
	case Fresh:
		return "fresh"
	case ResumeFromEpoch:
		return "resumed-from-epoch"
	case ResumeFromBest:
		return "resumed-from-best"
	}
	return fmt.Sprintf("ResumeMode(%d)", int(m))
}

// CheckpointBase returns the base path of the checkpoint to resume from, or "" for a Fresh run.
func (m ResumeMode) CheckpointBase(cfg *config.Training) string {
	switch m {
	case ResumeFromEpoch:
		return filepath.Join(cfg.RootDir, checkpoint.EpochName(cfg.ModelName, cfg.CurrEpoch))
	case ResumeFromBest:
		return filepath.Join(cfg.RootDir, checkpoint.BestName(cfg.ModelName))
	}
	return ""
}
