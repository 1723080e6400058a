// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns short names that distinguish each of the given paths, used to label
// checkpoints and runs in the reports.
//
// The base name is used if it is unique. Otherwise, the path is shown relative to the longest directory
// prefix common to all paths.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return slices.Clone(paths)
	}
	result := make([]string, len(paths))
	seen := make(map[string]int, len(paths))
	for ii, path := range paths {
		result[ii] = filepath.Base(path)
		seen[result[ii]]++
	}
	unique := true
	for _, count := range seen {
		if count > 1 {
			unique = false
			break
		}
	}
	if unique {
		return result
	}

	parts := make([][]string, len(paths))
	for ii, path := range paths {
		parts[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}
	common := 0
	for common < len(parts[0])-1 {
		allEqual := true
		for _, p := range parts[1:] {
			if common >= len(p)-1 || p[common] != parts[0][common] {
				allEqual = false
				break
			}
		}
		if !allEqual {
			break
		}
		common++
	}
	for ii, p := range parts {
		result[ii] = filepath.Join(p[common:]...)
	}
	return result
}
