// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint saves and loads the training state of a model: its weights, the optimizer
// state, the learning rate schedules, the loss histories and the global step.
//
// A checkpoint is a pair of files sharing a base path: "<base>.json" with the metadata (the Record,
// the context hyperparameters and the index of the variables) and "<base>.bin" with the variables
// values, by default gzip compressed.
//
// Checkpoints are named after the model: "<model_name>_best" for the best validation loss so far,
// and "<model_name>_ep<N>" for the one saved after N completed epochs. See BestName and EpochName.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/symba/pkg/schedule"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// JSONSuffix is the suffix of the metadata file of a checkpoint.
	JSONSuffix = ".json"

	// BinSuffix is the suffix of the variables file of a checkpoint.
	BinSuffix = ".bin"

	// ModelScope is the absolute scope holding the model weights. Every variable outside of it
	// (optimizer moments, learning rate, step counters) is saved as optimizer state.
	ModelScope = "/model"
)

// Variable groups.
const (
	GroupModel     = "model"
	GroupOptimizer = "optimizer"
)

// DirPermMode is the permission (before umask) of the directories created to save checkpoints.
var DirPermMode = os.FileMode(0770)

// Record is the training state saved along the variables.
type Record struct {
	// Epoch is the number of completed epochs.
	Epoch int `json:"epoch"`

	// GlobalStep is the number of optimizer steps taken so far.
	GlobalStep int64 `json:"global_step"`

	TrainLossList []float64 `json:"train_loss_list"`
	ValidLossList []float64 `json:"valid_loss_list"`

	// WarmScheduler and DecayScheduler are nil if the corresponding schedule is disabled.
	WarmScheduler  *schedule.State `json:"warm_scheduler"`
	DecayScheduler *schedule.State `json:"decay_scheduler"`

	// LearningRate in use when the checkpoint was saved.
	LearningRate float64 `json:"learning_rate"`
}

// BestName returns the base name of the best checkpoint of a model.
func BestName(modelName string) string {
	return modelName + "_best"
}

// EpochName returns the base name of the checkpoint of a model saved after the given number of epochs.
func EpochName(modelName string, epoch int) string {
	return fmt.Sprintf("%s_ep%d", modelName, epoch)
}

// Exists returns whether both files of the checkpoint at base exist.
func Exists(base string) bool {
	for _, suffix := range []string{JSONSuffix, BinSuffix} {
		if _, err := os.Stat(base + suffix); err != nil {
			return false
		}
	}
	return true
}

// Remove the files of the checkpoint at base. Missing files are ignored.
func Remove(base string) error {
	for _, suffix := range []string{JSONSuffix, BinSuffix} {
		err := os.Remove(base + suffix)
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove checkpoint file %q", base+suffix)
		}
	}
	return nil
}

// metadata is how the information is written to the JSON file.
type metadata struct {
	Record    *Record
	Params    []serializedParam
	Variables []serializedVar

	// BinFormat of the binary file. It is informative.
	BinFormat string
}

// serializedVar describes a variable stored in the binary file.
type serializedVar struct {
	// ParameterName is the unique id of the variable, see context.Variable.ParameterName.
	ParameterName string

	// Group is either GroupModel or GroupOptimizer.
	Group string

	Dimensions []int
	DType      dtypes.DType
	Trainable  bool

	// Pos, Length in bytes in the (uncompressed) binary data.
	Pos, Length int
}

// serializedParam is a context hyperparameter, with its Go type, since the JSON decoder can't
// recover the original type of values stored as `any`.
type serializedParam struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// restoreType converts the value decoded by JSON back to its original ValueType.
// E.g.: the JSON decoder decodes all numbers as float64.
func (p *serializedParam) restoreType() {
	switch value := p.Value.(type) {
	case float64:
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int32":
			p.Value = int32(value)
		case "int64":
			p.Value = int64(value)
		case "float32":
			p.Value = float32(value)
		}
	case []any:
		switch p.ValueType {
		case "[]int":
			p.Value = xslices.Map(value, func(v any) int {
				f, _ := v.(float64)
				return int(f)
			})
		case "[]float64":
			p.Value = xslices.Map(value, func(v any) float64 {
				f, _ := v.(float64)
				return f
			})
		case "[]string":
			p.Value = xslices.Map(value, func(v any) string {
				s, _ := v.(string)
				return s
			})
		}
	}
}

// GroupOf returns the group of a variable given its scope.
func GroupOf(scope string) string {
	if scope == ModelScope || strings.HasPrefix(scope, ModelScope+context.ScopeSeparator) {
		return GroupModel
	}
	return GroupOptimizer
}

// Options for Save and Load.
type Options struct {
	// ModelOnly: Save writes only the model weights; Load reads only the model weights.
	ModelOnly bool

	// SkipParams doesn't save or restore the context hyperparameters.
	SkipParams bool

	// Compression used when saving. Loading detects the format automatically.
	Compression BinFormat
}

// Save the variables and hyperparameters of ctx along with the record to the checkpoint at base.
//
// Files are first written with a temporary name and then renamed, so an interrupted save never leaves
// a partially written checkpoint behind.
func Save(ctx *context.Context, base string, record *Record, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(base), DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory for checkpoint %q", base)
	}
	meta := &metadata{Record: record, BinFormat: opts.Compression.String()}
	if !opts.SkipParams {
		ctx.EnumerateParams(func(scope, key string, value any) {
			meta.Params = append(meta.Params, serializedParam{
				Scope: scope, Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
		})
	}

	tmpBin, tmpJSON := base+BinSuffix+".tmp", base+JSONSuffix+".tmp"
	bw, err := createBinFile(tmpBin, opts.Compression)
	if err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", base)
	}
	pos := 0
	for v := range ctx.IterVariables() {
		group := GroupOf(v.Scope())
		if opts.ModelOnly && group != GroupModel {
			continue
		}
		var value *tensors.Tensor
		value, err = v.Value()
		if err != nil {
			err = errors.WithMessagef(err, "reading value of variable %q", v.ParameterName())
			break
		}
		var n, length int
		var writeErr error
		err = value.ConstBytes(func(data []byte) {
			length = len(data)
			n, writeErr = bw.Write(data)
		})
		if err == nil && writeErr != nil {
			err = writeErr
		}
		if err == nil && n != length {
			err = errors.Errorf("%d bytes requested, %d bytes written", length, n)
		}
		if err != nil {
			err = errors.Wrapf(err, "failed to write variable %q", v.ParameterName())
			break
		}
		shape := value.Shape()
		meta.Variables = append(meta.Variables, serializedVar{
			ParameterName: v.ParameterName(),
			Group:         group,
			Dimensions:    shape.Dimensions,
			DType:         shape.DType,
			Trainable:     v.Trainable,
			Pos:           pos,
			Length:        length,
		})
		pos += length
	}
	if closeErr := bw.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close %q", tmpBin)
	}
	if err != nil {
		_ = os.Remove(tmpBin)
		return errors.WithMessagef(err, "saving checkpoint %q", base)
	}

	contents, err := json.MarshalIndent(meta, "", "\t")
	if err != nil {
		_ = os.Remove(tmpBin)
		return errors.Wrapf(err, "failed to encode metadata of checkpoint %q", base)
	}
	if err = os.WriteFile(tmpJSON, contents, 0644); err != nil {
		_ = os.Remove(tmpBin)
		return errors.Wrapf(err, "failed to write metadata of checkpoint %q", base)
	}
	if err = os.Rename(tmpBin, base+BinSuffix); err != nil {
		return errors.Wrapf(err, "failed to rename %q", tmpBin)
	}
	if err = os.Rename(tmpJSON, base+JSONSuffix); err != nil {
		return errors.Wrapf(err, "failed to rename %q", tmpJSON)
	}
	if klog.V(1).Enabled() {
		klog.Infof("saved checkpoint %q: %d variables, %d bytes", base, len(meta.Variables), pos)
	}
	return nil
}

// Load the checkpoint at base into ctx, and returns its record.
//
// Variables that already exist in ctx have their values replaced (they must have the same shape);
// the others are created with the saved value and trainable flag.
// A missing checkpoint is an error.
func Load(ctx *context.Context, base string, opts Options) (*Record, error) {
	if klog.V(1).Enabled() {
		klog.Infof("loading checkpoint %q", base)
	}
	meta, err := ReadMetadata(base)
	if err != nil {
		return nil, err
	}
	binPath := base + BinSuffix
	f, err := os.Open(binPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint data file %q", binPath)
	}
	defer func() { _ = f.Close() }()
	rd, err := openBinReader(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading checkpoint data file %q", binPath)
	}

	if !opts.SkipParams && !opts.ModelOnly {
		for _, p := range meta.Params {
			ctx.InAbsPath(p.Scope).SetParam(p.Key, p.Value)
		}
	}

	ctxToSet := ctx.Checked(false)
	memoryPos := 0
	for _, varInfo := range meta.Variables {
		if varInfo.Pos != memoryPos {
			return nil, errors.Errorf("checkpoint %q: variable %q at position %d is out-of-order, expected position %d",
				base, varInfo.ParameterName, varInfo.Pos, memoryPos)
		}
		memoryPos += varInfo.Length
		if opts.ModelOnly && varInfo.Group != GroupModel {
			if _, err = io.CopyN(io.Discard, rd, int64(varInfo.Length)); err != nil {
				return nil, errors.Wrapf(err, "checkpoint %q: failed to skip variable %q", base, varInfo.ParameterName)
			}
			continue
		}
		value := tensors.FromShape(shapes.Make(varInfo.DType, varInfo.Dimensions...))
		var readErr error
		err = value.MutableBytes(func(data []byte) {
			if len(data) != varInfo.Length {
				readErr = errors.Errorf("expected %d bytes, shape %s has %d bytes", varInfo.Length, value.Shape(), len(data))
				return
			}
			_, readErr = io.ReadFull(rd, data)
		})
		if err == nil {
			err = readErr
		}
		if err != nil {
			return nil, errors.Wrapf(err, "checkpoint %q: failed to read variable %q", base, varInfo.ParameterName)
		}

		scope, name := context.VariableScopeAndNameFromParameterName(varInfo.ParameterName)
		if v := ctx.GetVariableByScopeAndName(scope, name); v != nil {
			if !v.Shape().Equal(value.Shape()) {
				return nil, errors.Errorf("checkpoint %q: variable %q has shape %s, but the context variable has shape %s",
					base, varInfo.ParameterName, value.Shape(), v.Shape())
			}
			if err = v.SetValue(value); err != nil {
				return nil, errors.WithMessagef(err, "checkpoint %q: setting variable %q", base, varInfo.ParameterName)
			}
			v.SetTrainable(varInfo.Trainable)
			continue
		}
		ctxToSet.InAbsPath(scope).VariableWithValue(name, value).SetTrainable(varInfo.Trainable)
	}
	return meta.Record, nil
}

// ReadMetadata reads only the JSON metadata of the checkpoint at base.
func ReadMetadata(base string) (*metadata, error) {
	jsonPath := base + JSONSuffix
	contents, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata %q", jsonPath)
	}
	meta := &metadata{}
	if err = json.Unmarshal(contents, meta); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint metadata %q", jsonPath)
	}
	for ii := range meta.Params {
		meta.Params[ii].restoreType()
	}
	if meta.Record == nil {
		meta.Record = &Record{}
	}
	return meta, nil
}

// ReadRecord reads only the Record of the checkpoint at base.
func ReadRecord(base string) (*Record, error) {
	meta, err := ReadMetadata(base)
	if err != nil {
		return nil, err
	}
	return meta.Record, nil
}
