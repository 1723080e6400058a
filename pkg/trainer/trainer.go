// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer runs the data-parallel training of a model: the epochs loop with its training and
// validation passes, the learning rate schedule, the checkpoints and the sequence accuracy evaluations.
//
// Every worker of a distributed.Group runs its own Trainer over its shard of the training data, and the
// gradients are averaged across the workers at every step. Only the coordinator logs metrics, saves
// checkpoints and evaluates the sequence accuracy. Workers synchronize at the end of every epoch.
package trainer

import (
	"context"
	"io"
	"math/rand/v2"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/symba/pkg/checkpoint"
	"github.com/gomlx/symba/pkg/config"
	"github.com/gomlx/symba/pkg/data"
	"github.com/gomlx/symba/pkg/distributed"
	"github.com/gomlx/symba/pkg/models"
	"github.com/gomlx/symba/pkg/predict"
	"github.com/gomlx/symba/pkg/schedule"
	"github.com/gomlx/symba/pkg/tracking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Datasets used by the Trainer.
type Datasets struct {
	// Train loader must be sharded for the worker; Valid is the same for every worker.
	Train, Valid *data.Loader

	// Test examples used by the sequence accuracy evaluation.
	Test []data.Example

	// TgtITOS maps the target token ids to tokens.
	TgtITOS []string
}

// Progress receives the progress of the training and validation passes, for display.
type Progress interface {
	// StartPass is called at the start of a pass ("train" or "valid") over a dataset.
	StartPass(name string, epoch, numEpochs, numSteps int)

	// Step is called after each batch, with the running average loss of the pass.
	Step(globalStep int64, avgLoss float64)

	// EndPass is called at the end of the pass.
	EndPass()
}

// Trainer of a model. Create it with New and run it with Fit.
type Trainer struct {
	backend  backends.Backend
	cfg      config.TrainerConfig
	settings *config.Training
	group    distributed.Group
	datasets Datasets
	sink     tracking.Sink
	progress Progress

	ctx   *mlctx.Context
	model models.Model
	steps *stepExecs

	schedule      *schedule.Schedule
	scaler        *LossScaler
	state         *RunState
	stepsPerEpoch int
	rng           *rand.Rand

	// inMemory is the predictor sharing the weights being trained, created on first use.
	inMemory *predict.Predictor
}

// New creates a Trainer for the given configuration.
//
// The model weights are initialized with the configured seed, so every worker of the group starts
// with the same weights. Only the coordinator uses the sink: other workers may pass tracking.Nop().
func New(backend backends.Backend, cfg config.TrainerConfig, group distributed.Group, datasets Datasets, sink tracking.Sink) (*Trainer, error) {
	s := cfg.TrainingSettings()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if datasets.Train == nil || datasets.Valid == nil {
		return nil, errors.New("trainer requires both the train and valid loaders")
	}
	t := &Trainer{
		backend:       backend,
		cfg:           cfg,
		settings:      s,
		group:         group,
		datasets:      datasets,
		sink:          sink,
		scaler:        NewLossScaler(s.UseHalfPrecision),
		state:         NewRunState(s.CurrEpoch),
		stepsPerEpoch: datasets.Train.NumBatches(),
		rng:           rand.New(rand.NewPCG(uint64(s.Seed), uint64(group.Rank()))),
	}
	if t.stepsPerEpoch == 0 {
		return nil, errors.New("the train dataset of this worker has no batches")
	}

	t.ctx = mlctx.New()
	config.ApplyToContext(cfg, t.ctx)
	t.ctx.SetParam(mlctx.ParamInitialSeed, s.Seed)
	if err := t.ctx.SetRNGStateFromSeed(s.Seed); err != nil {
		return nil, errors.Wrap(err, "failed to seed the random number generator")
	}
	var err error
	t.model, err = models.FromContext(t.ctx)
	if err != nil {
		return nil, err
	}
	t.steps, err = newStepExecs(backend, t.ctx, t.model, s.OptimizerLR, s.WeightDecay, s.ClipGradNorm)
	if err != nil {
		return nil, err
	}

	warmupSteps := schedule.WarmupSteps(s.WarmupRatio, t.stepsPerEpoch, s.Epochs)
	t.schedule = schedule.New(s.OptimizerLR, s.EndLR, warmupSteps, s.Epochs, s.IsConstantLR)

	if group.IsCoordinator() {
		t.state.Rotation, err = checkpoint.NewRotation(s.RootDir, s.ModelName, s.SaveLimit)
		if err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("trainer rank %d/%d: %d steps per epoch, %s", group.Rank(), group.WorldSize(), t.stepsPerEpoch, t.schedule)
	return t, nil
}

// WithProgress sets a Progress display. Usually only set on the coordinator.
func (t *Trainer) WithProgress(p Progress) *Trainer {
	t.progress = p
	return t
}

// Context returns the context holding the model weights and the optimizer state.
func (t *Trainer) Context() *mlctx.Context { return t.ctx }

// State returns the run state.
func (t *Trainer) State() *RunState { return t.state }

// Schedule returns the learning rate schedule.
func (t *Trainer) Schedule() *schedule.Schedule { return t.schedule }

// StepsPerEpoch returns the number of training steps of this worker per epoch.
func (t *Trainer) StepsPerEpoch() int { return t.stepsPerEpoch }

// Fit resumes the run if configured (see ResumeModeOf), and trains until the configured number
// of epochs.
//
// On the coordinator the sink is initialized at the start, and finished with tracking.StatusFinished,
// or tracking.StatusFailed if an error is returned.
//
// Cancelling ctx interrupts the wait for the other workers, which otherwise may block indefinitely.
func (t *Trainer) Fit(ctx context.Context) (err error) {
	s := t.settings
	if t.group.IsCoordinator() {
		var cfgMap map[string]any
		cfgMap, err = config.ToMap(t.cfg)
		if err != nil {
			return err
		}
		info := tracking.RunInfo{RunID: s.RunID, Project: s.ProjectName, Name: s.RunName}
		if err = t.sink.Init(info, cfgMap); err != nil {
			return errors.WithMessage(err, "initializing tracking")
		}
		defer func() {
			status := tracking.StatusFinished
			if err != nil {
				status = tracking.StatusFailed
			}
			if finishErr := t.sink.Finish(status); finishErr != nil && err == nil {
				err = errors.WithMessage(finishErr, "finishing tracking")
			}
		}()
	}

	if err = t.resume(); err != nil {
		return err
	}
	for epoch := t.state.CurrentEpoch; epoch < s.Epochs; epoch++ {
		t.state.CurrentEpoch = epoch
		if err = t.runEpoch(ctx); err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch+1)
		}
	}
	return t.finish()
}

// resume loads the checkpoint selected by the resume mode, if any.
func (t *Trainer) resume() error {
	s := t.settings
	mode := ResumeModeOf(s)
	if mode == Fresh {
		return nil
	}
	base := mode.CheckpointBase(s)
	record, err := checkpoint.Load(t.ctx, base, checkpoint.Options{SkipParams: true})
	if err != nil {
		return errors.WithMessagef(err, "resuming (%s)", mode)
	}
	t.state.Restore(record, mode)
	t.schedule.Restore(record.WarmScheduler, record.DecayScheduler, record.LearningRate)
	if s.UpdateLR != nil {
		t.schedule.Override(*s.UpdateLR)
		klog.Infof("learning rate changed to %g", *s.UpdateLR)
	}
	if err = t.steps.setLearningRate(t.schedule.LR()); err != nil {
		return errors.WithMessage(err, "restoring the learning rate")
	}
	klog.Infof("%s from %q: epoch %d, global step %d", mode, base, t.state.CurrentEpoch, t.state.GlobalStep)
	return nil
}

// runEpoch runs the training and validation passes of the current epoch, and the coordinator duties
// that follow: logging, checkpointing and evaluation. It ends at the barrier with the other workers.
func (t *Trainer) runEpoch(ctx context.Context) error {
	s := t.settings
	epoch := t.state.CurrentEpoch
	trainLoss, err := t.trainEpoch(ctx)
	if err != nil {
		return err
	}
	validLoss, err := t.validate()
	if err != nil {
		return err
	}
	if t.schedule.DecayActive(t.state.GlobalStep) {
		t.schedule.StepDecay(epoch)
	}
	t.state.AppendEpoch(trainLoss, validLoss)

	if t.group.IsCoordinator() {
		if err = t.log(map[string]float64{tracking.MetricValidLoss: validLoss}); err != nil {
			return err
		}
		if t.state.ObserveValidation(validLoss) {
			if _, err = t.save(checkpoint.BestName(s.ModelName)); err != nil {
				return err
			}
		}
		completed := epoch + 1
		if s.SaveFreq > 0 {
			if completed%s.SaveFreq == 0 {
				if _, err = t.save(checkpoint.EpochName(s.ModelName, completed)); err != nil {
					return err
				}
				if err = t.evaluate(true); err != nil {
					return err
				}
			} else if s.TestFreq > 0 && completed%s.TestFreq == 0 {
				if err = t.evaluate(false); err != nil {
					return err
				}
			}
		}
	}

	if err = t.group.Barrier(ctx); err != nil {
		return errors.WithMessage(err, "end of epoch barrier")
	}
	klog.Infof("Epoch %d/%d, Training Loss: %.4f, Validation Loss: %.4f", epoch+1, s.Epochs, trainLoss, validLoss)
	return nil
}

// trainEpoch runs the training pass and returns the average loss per example.
func (t *Trainer) trainEpoch(ctx context.Context) (float64, error) {
	s := t.settings
	coordinator := t.group.IsCoordinator()
	loader := t.datasets.Train
	loader.SetEpoch(t.state.CurrentEpoch)
	t.startPass("train", loader.NumBatches())
	defer t.endPass()

	var running float64
	var total int
	for {
		_, inputs, labels, err := loader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessage(err, "reading train batch")
		}
		if err = t.steps.setLearningRate(t.schedule.LR()); err != nil {
			return 0, err
		}
		result, err := t.steps.trainStep(ctx, t.group, inputs, labels, t.scaler.Scale())
		if err != nil {
			return 0, err
		}
		t.scaler.Update(!result.Skipped)
		if result.Skipped {
			klog.Warningf("non-finite gradients at step %d, update skipped (loss scale now %g)",
				t.state.GlobalStep, t.scaler.Scale())
		}
		batchSize := inputs[0].Shape().Dimensions[0]
		running += result.Loss * float64(batchSize)
		total += batchSize

		step := t.state.GlobalStep
		logStep := s.LogFreq > 0 && step%int64(s.LogFreq) == 0
		metrics := make(map[string]float64)
		if logStep {
			metrics[tracking.MetricTrainLoss] = result.Loss
		}
		if t.schedule.InWarmup(step) {
			metrics[tracking.MetricTrainLR] = t.schedule.LR()
			t.schedule.StepWarm()
		} else if logStep {
			metrics[tracking.MetricTrainLR] = t.schedule.LR()
		}
		if logStep {
			metrics[tracking.MetricTrainEpoch] = float64(step) / float64(t.stepsPerEpoch)
			metrics[tracking.MetricTrainGradNorm] = result.GradNorm
		}
		if coordinator {
			if err = t.log(metrics); err != nil {
				return 0, err
			}
		}
		if t.progress != nil {
			t.progress.Step(step, running/float64(total))
		}
		t.state.GlobalStep++
	}
	if total == 0 {
		return 0, errors.New("empty training pass")
	}
	return running / float64(total), nil
}

// validate runs the validation pass and returns the average loss per example.
func (t *Trainer) validate() (float64, error) {
	loader := t.datasets.Valid
	loader.SetEpoch(t.state.CurrentEpoch)
	t.startPass("valid", loader.NumBatches())
	defer t.endPass()

	var running float64
	var total int
	for {
		_, inputs, labels, err := loader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessage(err, "reading valid batch")
		}
		loss, err := t.steps.evalStep(inputs, labels)
		if err != nil {
			return 0, err
		}
		batchSize := inputs[0].Shape().Dimensions[0]
		running += loss * float64(batchSize)
		total += batchSize
		if t.progress != nil {
			t.progress.Step(t.state.GlobalStep, running/float64(total))
		}
	}
	if total == 0 {
		return 0, errors.New("empty validation pass")
	}
	return running / float64(total), nil
}

func (t *Trainer) startPass(name string, numSteps int) {
	if t.progress != nil {
		t.progress.StartPass(name, t.state.CurrentEpoch, t.settings.Epochs, numSteps)
	}
}

func (t *Trainer) endPass() {
	if t.progress != nil {
		t.progress.EndPass()
	}
}

// finish saves the last checkpoint if configured and runs the final evaluation: against the saved
// checkpoint, or the in-memory weights if save_last is not set.
func (t *Trainer) finish() error {
	if !t.group.IsCoordinator() {
		return nil
	}
	s := t.settings
	if !s.SaveLast {
		return t.evaluate(false)
	}
	if _, err := t.save(checkpoint.EpochName(s.ModelName, t.state.CurrentEpoch+1)); err != nil {
		return err
	}
	return t.evaluate(true)
}

// save a checkpoint of the current state with the given name in the root directory. Numbered checkpoints
// are pushed to the rotation, which may delete the oldest ones.
func (t *Trainer) save(name string) (string, error) {
	s := t.settings
	base := filepath.Join(s.RootDir, name)
	record := t.state.Record()
	record.WarmScheduler = t.schedule.WarmState()
	record.DecayScheduler = t.schedule.DecayState()
	record.LearningRate = t.schedule.LR()
	if err := checkpoint.Save(t.ctx, base, record, checkpoint.Options{}); err != nil {
		return "", err
	}
	klog.V(1).Infof("saved checkpoint %q", base)
	if name != checkpoint.BestName(s.ModelName) && t.state.Rotation != nil {
		if err := t.state.Rotation.Push(base); err != nil {
			return "", err
		}
	}
	return base, nil
}

// evaluate the sequence accuracy on the test set, and log it. If fromCheckpoint, the weights are loaded
// from the numbered checkpoint of the current epoch, otherwise the weights being trained are used.
func (t *Trainer) evaluate(fromCheckpoint bool) error {
	testCfg := config.ForTesting(t.cfg)
	var p predict.Decoder
	if fromCheckpoint {
		loaded, err := predict.New(t.backend, testCfg, false, t.state.CurrentEpoch)
		if err != nil {
			return err
		}
		p = loaded
	} else {
		if t.inMemory == nil {
			var err error
			t.inMemory, err = predict.FromContext(t.backend, testCfg, t.ctx)
			if err != nil {
				return err
			}
		}
		p = t.inMemory
	}
	acc, err := predict.SequenceAccuracy(p, t.datasets.Test, t.datasets.TgtITOS, t.settings.NumTestSamples(), t.rng)
	if err != nil {
		return errors.WithMessage(err, "sequence accuracy")
	}
	if err = t.log(map[string]float64{tracking.MetricTestAccuracy: acc}); err != nil {
		return err
	}
	klog.Infof("Test Accuracy: %.4f", Round4(acc))
	return nil
}

// log metrics at the current global step. Empty metrics are not logged.
func (t *Trainer) log(metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}
	if err := t.sink.Log(metrics, t.state.GlobalStep); err != nil {
		return errors.WithMessage(err, "logging metrics")
	}
	return nil
}

