// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Rotation keeps at most a limited number of numbered checkpoints on disk, removing the oldest
// ones first.
//
// The best checkpoint is never part of the rotation.
type Rotation struct {
	limit int
	paths []string
}

// NewRotation creates a Rotation that keeps at most limit checkpoints. A negative limit keeps all of them,
// and 0 keeps none.
//
// The rotation starts with the numbered checkpoints of modelName already in dir (see List), so resumed
// trainings keep honoring the limit.
func NewRotation(dir, modelName string, limit int) (*Rotation, error) {
	r := &Rotation{limit: limit}
	existing, err := List(dir, modelName)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		r.paths = append(r.paths, e.Base)
	}
	return r, nil
}

// Limit returns the configured limit.
func (r *Rotation) Limit() int { return r.limit }

// Paths returns the base paths currently tracked, oldest first.
func (r *Rotation) Paths() []string { return slices.Clone(r.paths) }

// Push records a newly saved checkpoint and removes the oldest ones beyond the limit.
// Pushing a path already tracked moves it to the newest position.
func (r *Rotation) Push(base string) error {
	r.paths = slices.DeleteFunc(r.paths, func(p string) bool { return p == base })
	r.paths = append(r.paths, base)
	if r.limit < 0 {
		return nil
	}
	for len(r.paths) > r.limit {
		oldest := r.paths[0]
		r.paths = r.paths[1:]
		if err := Remove(oldest); err != nil {
			return err
		}
		klog.V(1).Infof("removed old checkpoint %q", oldest)
	}
	return nil
}

// Entry describes a numbered checkpoint found on disk.
type Entry struct {
	// Base path, without suffix.
	Base string

	// Epoch number in the name of the checkpoint.
	Epoch int
}

// List the numbered checkpoints of modelName in dir, sorted by epoch.
// Only checkpoints with both files present are listed. A missing dir returns no entries.
func List(dir, modelName string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list checkpoints in %q", dir)
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(modelName) + `_ep(\d+)` + regexp.QuoteMeta(JSONSuffix) + `$`)
	var list []Entry
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		epoch, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		base := filepath.Join(dir, strings.TrimSuffix(entry.Name(), JSONSuffix))
		if !Exists(base) {
			continue
		}
		list = append(list, Entry{Base: base, Epoch: epoch})
	}
	slices.SortFunc(list, func(a, b Entry) int { return a.Epoch - b.Epoch })
	return list, nil
}
