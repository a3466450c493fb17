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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bob/internal/graph"
)

func TestShQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "''"},
		{"plain", "plain"},
		{"with space", "'with space'"},
		{"path/to/file.txt", "path/to/file.txt"},
		{"don't", `'don'\''t'`},
		{"$HOME", "'$HOME'"},
		{"a;b", "'a;b'"},
	}
	for _, tc := range tests {
		if got := shQuote(tc.in); got != tc.want {
			t.Errorf("shQuote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// scriptFixture builds a two-package graph (dep feeding pkg) with
// workspaces below dir and returns the consuming build step.
func scriptFixture(t *testing.T, dir string) (*Builder, *graph.Step) {
	t.Helper()
	g := graph.NewGraph()

	depPkg := g.AddPackage("dep", []string{"dep"})
	depStep := g.NewStep(depPkg, graph.StepConfig{
		Kind: graph.Package, Valid: true, Digest: []byte{1},
	})
	depPkg.SetSteps(nil, nil, depStep)

	pkg := g.AddPackage("app", []string{"app"})
	step := g.NewStep(pkg, graph.StepConfig{
		Kind:   graph.Build,
		Valid:  true,
		Digest: []byte{2},
		Script: "make all\n",
		Env:    map[string]string{"CFLAGS": "-O2 -g"},
		Tools:  map[string]string{"compiler": "dep/bin"},
		Paths:  []string{"bin"},
	})
	pkg.SetSteps(nil, step, nil)
	step.SetArguments([]*graph.Step{depStep})
	step.SetAllDepSteps([]*graph.Step{depStep})

	formatter := func(s *graph.Step, mode graph.Mode) (string, error) {
		return filepath.Join(dir, s.Package().Name(), s.Label()), nil
	}
	if err := depStep.ApplyFormatter(formatter); err != nil {
		t.Fatalf("format dep: %v", err)
	}
	if err := step.ApplyFormatter(formatter); err != nil {
		t.Fatalf("format step: %v", err)
	}
	if err := os.MkdirAll(step.WorkspacePath(), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	b, err := New(nil, os.Stdout, Options{
		EnvWhiteList: []string{"TERM", "HOME"},
		GlobalPaths:  []string{"/usr/bin", "/bin"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, step
}

func TestWriteScriptsContent(t *testing.T) {
	dir := t.TempDir()
	b, step := scriptFixture(t, dir)

	stepEnv := b.stepEnv(step)
	runFile, err := b.writeScripts(step, "build", stepEnv, nil, `""`)
	if err != nil {
		t.Fatalf("writeScripts: %v", err)
	}

	wrapper, err := os.ReadFile(runFile)
	if err != nil {
		t.Fatalf("read wrapper: %v", err)
	}
	for _, want := range []string{
		"getopt -o kqvE",
		`${TERM+TERM="$TERM"}`,
		`${HOME+HOME="$HOME"}`,
		"../script",
	} {
		if !strings.Contains(string(wrapper), want) {
			t.Errorf("wrapper missing %q", want)
		}
	}

	script, err := os.ReadFile(filepath.Clean(filepath.Join(step.WorkspacePath(), "..", "script")))
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	for _, want := range []string{
		"set -o errtrace",
		"set -o nounset",
		"declare -A BOB_DEP_PATHS=( [dep]=",
		"declare -A BOB_TOOL_PATHS=( [compiler]=",
		"export CFLAGS='-O2 -g'",
		"export BOB_CWD=",
		"# BEGIN BUILD SCRIPT\nmake all",
	} {
		if !strings.Contains(string(script), want) {
			t.Errorf("script missing %q", want)
		}
	}

	// The wrapper must be executable.
	info, err := os.Stat(runFile)
	if err != nil {
		t.Fatalf("stat wrapper: %v", err)
	}
	if info.Mode()&0o100 == 0 {
		t.Fatal("wrapper must be executable")
	}
}

func TestWriteScriptsByteStable(t *testing.T) {
	dir := t.TempDir()
	b, step := scriptFixture(t, dir)
	stepEnv := b.stepEnv(step)

	if _, err := b.writeScripts(step, "build", stepEnv, nil, `""`); err != nil {
		t.Fatalf("writeScripts: %v", err)
	}
	scriptPath := filepath.Clean(filepath.Join(step.WorkspacePath(), "..", "script"))
	first, err := os.ReadFile(scriptPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if _, err := b.writeScripts(step, "build", stepEnv, nil, `""`); err != nil {
		t.Fatalf("writeScripts: %v", err)
	}
	second, err := os.ReadFile(scriptPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("script emission must be byte-stable")
	}
}

func TestStepEnvComposition(t *testing.T) {
	dir := t.TempDir()
	b, step := scriptFixture(t, dir)

	env := b.stepEnv(step)
	if env["CFLAGS"] != "-O2 -g" {
		t.Fatalf("CFLAGS = %q", env["CFLAGS"])
	}
	if !strings.HasSuffix(env["PATH"], "/usr/bin:/bin") {
		t.Fatalf("PATH must end in the global paths: %q", env["PATH"])
	}
	if !strings.Contains(env["PATH"], filepath.Join(b.execBaseDir, "bin")) {
		t.Fatalf("PATH must contain the step path: %q", env["PATH"])
	}
	if env["BOB_CWD"] != filepath.Join(b.execBaseDir, step.ExecPath()) {
		t.Fatalf("BOB_CWD = %q", env["BOB_CWD"])
	}
}

func TestRuntimeEnvFiltering(t *testing.T) {
	dir := t.TempDir()
	b, step := scriptFixture(t, dir)
	t.Setenv("TERM", "xterm")
	t.Setenv("SECRET_TOKEN", "hunter2")

	env := b.runtimeEnv(b.stepEnv(step))
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "TERM=xterm") {
		t.Fatal("white-listed variable must survive")
	}
	if strings.Contains(joined, "SECRET_TOKEN") {
		t.Fatal("non-white-listed variable must be scrubbed")
	}

	// Sorted, so the output is deterministic.
	for i := 1; i < len(env); i++ {
		if env[i-1] >= env[i] {
			t.Fatalf("environment not sorted: %q >= %q", env[i-1], env[i])
		}
	}

	b.preserveEnv = true
	env = b.runtimeEnv(b.stepEnv(step))
	if !strings.Contains(strings.Join(env, "\n"), "SECRET_TOKEN=hunter2") {
		t.Fatal("preserve-env must keep everything")
	}
}
