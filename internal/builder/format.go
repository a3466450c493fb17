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
	"path/filepath"

	"bob/internal/digest"
	"bob/internal/graph"
	"bob/internal/state"
)

// ReleaseFormatter maps steps to digest-keyed directories below work/
// that stay stable across runs via the state store's name-directory
// map. Under a sandbox the exec-mode path is the bare hex digest,
// relative to the in-sandbox base.
func ReleaseFormatter(ctx context.Context, st *state.Store, sandboxed, persistent bool) graph.NameFormatter {
	return func(step *graph.Step, mode graph.Mode) (string, error) {
		if !sandboxed || mode == graph.ModeWorkspace {
			logical := filepath.Join("work", step.Package().Path(), step.Label())
			return st.ByNameDirectory(ctx, logical, digest.Hex(step.Digest()), persistent)
		}
		return digest.Hex(step.Digest()), nil
	}
}

// DevelopFormatter maps steps to human-friendly numbered directories
// below dev/. A digest keeps its directory for the life of the
// formatter, so paths are stable within a run.
func DevelopFormatter() graph.NameFormatter {
	counters := map[string]int{}
	memo := map[string]string{}

	return func(step *graph.Step, mode graph.Mode) (string, error) {
		key := digest.Hex(step.Digest())
		if dir, ok := memo[key]; ok {
			return dir, nil
		}
		base := filepath.Join("dev", step.Label(), step.Package().Path())
		counters[base]++
		dir := filepath.Join(base, fmt.Sprintf("%d", counters[base]))
		memo[key] = dir
		return dir, nil
	}
}
