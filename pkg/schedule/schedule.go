// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedule implements the learning rate schedule of the trainer: a linear warmup advanced
// once per optimizer step, followed by a linear decay advanced once per epoch.
//
// The schedule lives on the host: the trainer pushes Schedule.LR to the optimizer's learning rate
// variable before each training step.
package schedule

import (
	"fmt"
)

// Point in the (step or epoch, learning rate) plane.
type Point struct {
	X, Y float64
}

// LineThrough returns the slope and intercept of the line through p0 and p1.
// If p0.X == p1.X the line is horizontal at p1.Y.
func LineThrough(p0, p1 Point) (slope, intercept float64) {
	if p0.X == p1.X {
		return 0, p1.Y
	}
	slope = (p1.Y - p0.Y) / (p1.X - p0.X)
	intercept = p0.Y - slope*p0.X
	return
}

// Line is a linear function of the step (or epoch).
type Line struct {
	Slope, Intercept float64
}

// NewLine returns the Line through p0 and p1.
func NewLine(p0, p1 Point) Line {
	m, c := LineThrough(p0, p1)
	return Line{Slope: m, Intercept: c}
}

// At returns the value of the line at x.
func (l Line) At(x float64) float64 {
	return l.Slope*x + l.Intercept
}

// State is the serializable state of one of the schedules.
type State struct {
	// Last is the last step (warmup) or epoch (decay) the schedule was advanced to.
	Last int64 `json:"last"`

	// LR is the learning rate set by the last advance.
	LR float64 `json:"lr"`
}

// Schedule combines the warmup and the decay schedules.
type Schedule struct {
	warm, decay *Line
	warmupSteps int64

	warmLast, decayLast int64
	warmLR, decayLR     float64
	lr                  float64
}

// New creates a Schedule.
//
// The warmup goes from (0, endLR) to (warmupSteps, startLR); it is disabled if warmupSteps is 0.
// The decay goes from (0, startLR) to (epochs, endLR); it is disabled if constant is true.
//
// The initial learning rate is endLR if the warmup is enabled, and startLR otherwise.
func New(startLR, endLR float64, warmupSteps int64, epochs int, constant bool) *Schedule {
	s := &Schedule{warmupSteps: warmupSteps, lr: startLR}
	if warmupSteps > 0 {
		l := NewLine(Point{0, endLR}, Point{float64(warmupSteps), startLR})
		s.warm = &l
		s.warmLR = l.At(0)
		s.lr = s.warmLR
	}
	if !constant {
		l := NewLine(Point{0, startLR}, Point{float64(epochs), endLR})
		s.decay = &l
		s.decayLR = l.At(0)
	}
	return s
}

// WarmupSteps returns the number of warmup steps: int(warmupRatio * stepsPerEpoch * epochs).
func WarmupSteps(warmupRatio float64, stepsPerEpoch, epochs int) int64 {
	return int64(warmupRatio * float64(stepsPerEpoch) * float64(epochs))
}

// LR returns the current learning rate.
func (s *Schedule) LR() float64 { return s.lr }

// WarmupSteps returns the configured number of warmup steps.
func (s *Schedule) WarmupSteps() int64 { return s.warmupSteps }

// HasWarmup returns whether the warmup schedule is enabled.
func (s *Schedule) HasWarmup() bool { return s.warm != nil }

// HasDecay returns whether the decay schedule is enabled.
func (s *Schedule) HasDecay() bool { return s.decay != nil }

// InWarmup returns whether an optimizer step at globalStep is within the warmup horizon.
func (s *Schedule) InWarmup(globalStep int64) bool {
	return globalStep <= s.warmupSteps
}

// DecayActive returns whether the decay should be advanced at the end of an epoch, given the global step.
func (s *Schedule) DecayActive(globalStep int64) bool {
	return s.decay != nil && globalStep >= s.warmupSteps
}

// StepWarm advances the warmup schedule by one step. It is a no-op if the warmup is disabled.
func (s *Schedule) StepWarm() {
	if s.warm == nil {
		return
	}
	s.warmLast++
	s.warmLR = s.warm.At(float64(s.warmLast))
	s.lr = s.warmLR
}

// StepDecay sets the decay schedule to the given epoch. It is a no-op if the decay is disabled.
func (s *Schedule) StepDecay(epoch int) {
	if s.decay == nil {
		return
	}
	s.decayLast = int64(epoch)
	s.decayLR = s.decay.At(float64(epoch))
	s.lr = s.decayLR
}

// Override the current learning rate, until the next advance of one of the schedules.
func (s *Schedule) Override(lr float64) {
	s.lr = lr
}

// WarmState returns the state of the warmup schedule, or nil if it is disabled.
func (s *Schedule) WarmState() *State {
	if s.warm == nil {
		return nil
	}
	return &State{Last: s.warmLast, LR: s.warmLR}
}

// DecayState returns the state of the decay schedule, or nil if it is disabled.
func (s *Schedule) DecayState() *State {
	if s.decay == nil {
		return nil
	}
	return &State{Last: s.decayLast, LR: s.decayLR}
}

// Restore the schedules states and the current learning rate.
// Nil states are ignored: the corresponding schedule keeps its initial state.
func (s *Schedule) Restore(warm, decay *State, lr float64) {
	if warm != nil && s.warm != nil {
		s.warmLast, s.warmLR = warm.Last, warm.LR
	}
	if decay != nil && s.decay != nil {
		s.decayLast, s.decayLR = decay.Last, decay.LR
	}
	s.lr = lr
}

// String implements fmt.Stringer.
func (s *Schedule) String() string {
	return fmt.Sprintf("schedule{lr=%g, warmup=%v (steps=%d, last=%d), decay=%v (last epoch=%d)}",
		s.lr, s.warm != nil, s.warmupSteps, s.warmLast, s.decay != nil, s.decayLast)
}
