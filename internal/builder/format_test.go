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
	"path/filepath"
	"testing"

	"bob/internal/digest"
	"bob/internal/graph"
	"bob/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newStep(t *testing.T, g *graph.Graph, pkgName string, kind graph.StepKind, dgst byte) *graph.Step {
	t.Helper()
	pkg := g.AddPackage(pkgName, []string{pkgName})
	step := g.NewStep(pkg, graph.StepConfig{
		Kind:   kind,
		Valid:  true,
		Digest: []byte{dgst},
	})
	pkg.SetSteps(nil, nil, step)
	return step
}

func TestReleaseFormatterStable(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	g := graph.NewGraph()
	step := newStep(t, g, "foo", graph.Package, 0xaa)

	f := ReleaseFormatter(ctx, st, false, true)
	first, err := f(step, graph.ModeWorkspace)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if first != filepath.Join("work", "foo", "dist", "1") {
		t.Fatalf("first = %q", first)
	}

	// Stable for the same digest, numbered for a new one.
	again, err := f(step, graph.ModeWorkspace)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if again != first {
		t.Fatalf("unstable: %q != %q", again, first)
	}
	other := newStep(t, g, "foo", graph.Package, 0xbb)
	second, err := f(other, graph.ModeWorkspace)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if second != filepath.Join("work", "foo", "dist", "2") {
		t.Fatalf("second = %q", second)
	}

	// Without a sandbox the exec path equals the workspace path.
	ex, err := f(step, graph.ModeExec)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if ex != first {
		t.Fatalf("exec = %q, want %q", ex, first)
	}
}

func TestReleaseFormatterSandboxExec(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	g := graph.NewGraph()
	step := newStep(t, g, "foo", graph.Package, 0xaa)

	f := ReleaseFormatter(ctx, st, true, true)
	ws, err := f(step, graph.ModeWorkspace)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if ws != filepath.Join("work", "foo", "dist", "1") {
		t.Fatalf("workspace = %q", ws)
	}
	ex, err := f(step, graph.ModeExec)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if ex != digest.Hex(step.Digest()) {
		t.Fatalf("exec = %q, want bare digest", ex)
	}
}

func TestDevelopFormatter(t *testing.T) {
	g := graph.NewGraph()
	a := newStep(t, g, "foo", graph.Package, 0x01)
	b := newStep(t, g, "foo", graph.Package, 0x02)

	f := DevelopFormatter()
	da, err := f(a, graph.ModeWorkspace)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if da != filepath.Join("dev", "dist", "foo", "1") {
		t.Fatalf("first = %q", da)
	}
	db, err := f(b, graph.ModeWorkspace)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if db != filepath.Join("dev", "dist", "foo", "2") {
		t.Fatalf("second = %q", db)
	}

	// Memoized: the same digest maps to the same directory.
	daAgain, err := f(a, graph.ModeExec)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if daAgain != da {
		t.Fatalf("memo broken: %q != %q", daAgain, da)
	}
}
