// Bob is a content-addressed package build orchestrator.
// Copyright (C) 2026 The Bob Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"bob/internal/fsutil"
	"bob/internal/graph"
	"bob/internal/state"
)

// collectPaths gathers the workspace paths of a package and its
// transitive dependencies.
func collectPaths(p *graph.Pkg, into map[string]bool) {
	if s := p.CheckoutStep(); s.IsValid() {
		into[s.WorkspacePath()] = true
	}
	if s := p.BuildStep(); s.IsValid() {
		into[s.WorkspacePath()] = true
	}
	into[p.PackageStep().WorkspacePath()] = true
	for _, dep := range p.DirectDepSteps() {
		collectPaths(dep.Package(), into)
	}
}

// Clean removes every directory the state store has assigned that the
// current package graph no longer references. With dryRun the
// directories are only listed.
func Clean(ctx context.Context, st *state.Store, roots map[string]*graph.Pkg, dryRun, verbose bool, out io.Writer) error {
	wsPaths := map[string]bool{}
	for _, root := range roots {
		collectPaths(root, wsPaths)
	}

	// The name-directory map records the owning directory, one level
	// above the workspace itself.
	used := map[string]bool{}
	for p := range wsPaths {
		used[strings.TrimSuffix(p, "/workspace")] = true
	}

	all, err := st.AllNameDirectories(ctx)
	if err != nil {
		return err
	}

	var stale []string
	for _, d := range all {
		if used[d] {
			continue
		}
		if _, err := os.Stat(d); err != nil {
			continue
		}
		stale = append(stale, d)
	}
	sort.Strings(stale)

	for _, d := range stale {
		if verbose || dryRun {
			fmt.Fprintln(out, "rm", d)
		}
		if !dryRun {
			if err := fsutil.RemovePath(d); err != nil {
				return err
			}
		}
	}
	return nil
}
