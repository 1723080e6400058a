// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
)

// Params lists the hyperparameters of the checkpoints. Rows with differing values are highlighted.
func Params(ctxs []*context.Context, names []string) {
	numCheckpoints := len(names)
	numCols := numCheckpoints + 3

	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newPlainTableWithReds(true)

	headers := make([]string, 0, numCols)
	headers = append(headers, "Scope", "Name", "Type")
	if numCheckpoints == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.Table.Headers(headers...)

	// List params set on all models.
	type scopeKey struct{ Scope, Key string }
	scopeKeySet := sets.Make[scopeKey]()
	for _, ctx := range ctxs {
		ctx.EnumerateParams(func(scope, key string, value any) {
			scopeKeySet.Insert(scopeKey{Scope: scope, Key: key})
		})
	}
	scopeKeys := slices.SortedFunc(maps.Keys(scopeKeySet), func(a, b scopeKey) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Key, b.Key))
	})

	for _, pair := range scopeKeys {
		row := make([]string, numCols)
		scope, key := pair.Scope, pair.Key
		row[0] = scope
		row[1] = key
		for ii, ctx := range ctxs {
			if scope != context.RootScope {
				ctx = ctx.InAbsPath(scope)
			}
			value, found := ctx.GetParam(key)
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		table.Row(!isAllEqual(row[3:]), row...)
	}
	fmt.Println(table.Table.Render())
}
