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

// Package builder drives the step graph to completion: depth-first
// traversal with change detection against the state store, archive
// downloads for deterministic packages, and script execution for
// everything that cannot be reused.
package builder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"bob/internal/archive"
	"bob/internal/digest"
	"bob/internal/errdefs"
	"bob/internal/fsutil"
	"bob/internal/graph"
	"bob/internal/metrics"
	"bob/internal/state"
)

// Options configures a Builder for one run.
type Options struct {
	Verbosity    int
	Force        bool
	SkipDeps     bool
	BuildOnly    bool
	PreserveEnv  bool
	CleanBuild   bool
	EnvWhiteList []string
	GlobalPaths  []string

	Sandboxed     bool
	SandboxMounts map[string]string
	BobRoot       string
}

// runner executes one prepared step; replaced in tests.
type runner func(ctx context.Context, step *graph.Step, phase string) error

// Builder cooks steps. It is single-threaded: at most one step mutates
// its workspace at any time, which is what the state-store transition
// rules rely on.
type Builder struct {
	st      *state.Store
	console *console

	verbosity   int
	force       bool
	skipDeps    bool
	buildOnly   bool
	preserveEnv bool
	cleanBuild  bool

	envWhiteList []string
	globalPaths  []string

	sandboxed     bool
	sandboxMounts map[string]string
	bobRoot       string

	workspaceBaseDir string
	execBaseDir      string

	archive       archive.Archive
	doUpload      bool
	downloadDepth int

	run runner

	wasRun         map[string]string
	visited        map[*graph.Step]bool
	currentPackage *graph.Pkg
}

// New creates a Builder writing progress to out.
func New(st *state.Store, out io.Writer, opts Options) (*Builder, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determine working directory: %w", err)
	}

	v := opts.Verbosity
	if v < -2 {
		v = -2
	} else if v > 2 {
		v = 2
	}

	b := &Builder{
		st:               st,
		console:          &console{out: out, verbosity: v},
		verbosity:        v,
		force:            opts.Force,
		skipDeps:         opts.SkipDeps,
		buildOnly:        opts.BuildOnly,
		preserveEnv:      opts.PreserveEnv,
		cleanBuild:       opts.CleanBuild,
		envWhiteList:     append([]string(nil), opts.EnvWhiteList...),
		globalPaths:      append([]string(nil), opts.GlobalPaths...),
		sandboxed:        opts.Sandboxed,
		sandboxMounts:    opts.SandboxMounts,
		bobRoot:          opts.BobRoot,
		workspaceBaseDir: cwd,
		execBaseDir:      cwd,
		archive:          archive.Dummy{},
		downloadDepth:    math.MaxInt,
		wasRun:           map[string]string{},
		visited:          map[*graph.Step]bool{},
	}
	if opts.Sandboxed {
		b.execBaseDir = "/bob"
	}
	b.run = b.runShell
	return b, nil
}

// SetArchive selects the artifact archive backend.
func (b *Builder) SetArchive(a archive.Archive) {
	b.archive = a
}

// SetUploadMode enables uploading results of deterministic packages.
func (b *Builder) SetUploadMode(upload bool) {
	b.doUpload = upload
}

// SetDownloadMode translates the CLI download mode into the traversal
// depth from which archive downloads are attempted.
func (b *Builder) SetDownloadMode(mode string) error {
	switch mode {
	case "yes":
		b.downloadDepth = 0
	case "deps":
		b.downloadDepth = 1
	case "no":
		b.downloadDepth = math.MaxInt
	default:
		return errdefs.NewConfigError("invalid download mode: %s", mode)
	}
	return nil
}

// setRunner replaces step execution; used by tests to observe spawns.
func (b *Builder) setRunner(r runner) {
	b.run = r
}

// Cook visits the given steps depth-first and returns the workspace
// path of the last package step cooked, the build result.
func (b *Builder) Cook(ctx context.Context, steps []*graph.Step, parent *graph.Pkg, depth int) (string, error) {
	current := b.currentPackage
	var ret string

	if b.skipDeps {
		var own []*graph.Step
		for _, s := range steps {
			if s.Package() == parent {
				own = append(own, s)
			}
		}
		steps = own
	}

	// Reverse order: the graph lists dependencies after their users.
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if b.visited[step] {
			continue
		}

		if step.Package() != b.currentPackage {
			b.currentPackage = step.Package()
			b.console.announce(strings.Join(b.currentPackage.Stack(), "/"))
		}

		ret = ""
		var err error
		switch {
		case step.IsCheckoutStep():
			if step.IsValid() {
				err = b.cookCheckoutStep(ctx, step, depth)
			}
		case step.IsBuildStep():
			if step.IsValid() {
				err = b.cookBuildStep(ctx, step, depth)
			}
		case step.IsPackageStep():
			if step.IsValid() {
				ret, err = b.cookPackageStep(ctx, step, depth)
			}
		}
		if err != nil {
			if be, ok := errdefs.AsBuildError(err); ok {
				be.PushFrame(step.Package().Name())
			}
			return "", err
		}

		b.visited[step] = true
	}

	if current != b.currentPackage {
		b.currentPackage = current
		if current != nil {
			b.console.announce(strings.Join(current.Stack(), "/"))
		}
	}
	return ret, nil
}

// constructDir makes sure the workspace directory exists and reports
// whether it had to be created.
func (b *Builder) constructDir(step *graph.Step) (string, bool, error) {
	workDir := step.WorkspacePath()
	if _, err := os.Stat(workDir); err == nil {
		return workDir, false, nil
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", false, errdefs.WrapBuildError(err, "create workspace %s", workDir)
	}
	return workDir, true, nil
}

func cachePath(wsPath string) string {
	return filepath.Clean(filepath.Join(wsPath, "..", "cache.bin"))
}

func (b *Builder) rehash(ctx context.Context, wsPath string) error {
	sum, err := digest.HashDirectory(wsPath, cachePath(wsPath))
	if err != nil {
		return errdefs.WrapBuildError(err, "hash workspace %s", wsPath)
	}
	return b.st.SetResultHash(ctx, wsPath, sum)
}

// inputHashes gathers the result hashes of the valid argument steps in
// order.
func (b *Builder) inputHashes(ctx context.Context, step *graph.Step) ([][]byte, error) {
	hashes := [][]byte{}
	for _, arg := range step.Arguments() {
		if !arg.IsValid() {
			continue
		}
		h, err := b.st.GetResultHash(ctx, arg.WorkspacePath())
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

func (b *Builder) cookCheckoutStep(ctx context.Context, step *graph.Step, depth int) error {
	dgst := digest.Hex(step.Digest())
	if prev, ok := b.wasRun[dgst]; ok {
		b.console.info("   CHECKOUT  skipped (reuse %s)", prev)
		metrics.CountStep("checkout", metrics.OutcomeSkipped)
		return nil
	}

	if _, err := b.Cook(ctx, step.AllDepSteps(), step.Package(), depth+1); err != nil {
		return err
	}

	prettySrcPath, created, err := b.constructDir(step)
	if err != nil {
		return err
	}
	oldState, err := b.st.GetDirectoryState(ctx, prettySrcPath, state.DirectoryState{})
	if err != nil {
		return err
	}
	if created {
		// A fresh directory cannot hold a valid result.
		if err := b.st.DelResultHash(ctx, prettySrcPath); err != nil {
			return err
		}
		oldState = state.DirectoryState{}
		if err := b.st.SetDirectoryState(ctx, prettySrcPath, oldState); err != nil {
			return err
		}
	}

	checkoutState := state.DirectoryState{}
	for dir, d := range step.ScmDirectories() {
		checkoutState[dir] = d
	}
	checkoutState[state.StepDigestKey] = step.Digest()

	resultHash, err := b.st.GetResultHash(ctx, prettySrcPath)
	if err != nil {
		return err
	}

	switch {
	case b.buildOnly && resultHash != nil:
		b.console.info("   CHECKOUT  skipped due to --build-only (%s)", prettySrcPath)
		metrics.CountStep("checkout", metrics.OutcomeSkipped)

	case b.force || !step.IsDeterministic() || resultHash == nil || !checkoutState.Equal(oldState):
		if err := b.moveChangedScmsToAttic(ctx, prettySrcPath, oldState, checkoutState); err != nil {
			return err
		}

		b.console.action(fmt.Sprintf("   CHECKOUT  %s", prettySrcPath), colorGreen)
		start := time.Now()
		if err := b.run(ctx, step, "checkout"); err != nil {
			return err
		}
		metrics.CountStep("checkout", metrics.OutcomeExecuted)
		metrics.ObserveStep("checkout", time.Since(start))

		if err := b.st.SetDirectoryState(ctx, prettySrcPath, checkoutState); err != nil {
			return err
		}

	default:
		b.console.info("   CHECKOUT  skipped (fixed package %s)", prettySrcPath)
		metrics.CountStep("checkout", metrics.OutcomeSkipped)
	}

	// Always rehash: the user may have edited the sources by hand.
	if err := b.rehash(ctx, prettySrcPath); err != nil {
		return err
	}
	b.wasRun[dgst] = prettySrcPath
	return nil
}

// moveChangedScmsToAttic displaces every SCM subtree whose digest
// changed or disappeared. The directory state is committed after each
// individual rename so a crash leaves it consistent with the disk.
func (b *Builder) moveChangedScmsToAttic(ctx context.Context, prettySrcPath string, oldState, checkoutState state.DirectoryState) error {
	dirs := make([]string, 0, len(oldState))
	for dir := range oldState {
		if dir != state.StepDigestKey {
			dirs = append(dirs, dir)
		}
	}

	for _, scmDir := range dirs {
		if bytes.Equal(oldState[scmDir], checkoutState[scmDir]) {
			continue
		}
		scmPath := filepath.Clean(filepath.Join(prettySrcPath, scmDir))
		atticName := filepath.Base(scmPath) + "_" + time.Now().Format("2006-01-02T15:04:05.000000")
		b.console.action(fmt.Sprintf("   ATTIC     %s (move to ../attic/%s)", scmPath, atticName), colorYellow)

		atticPath := filepath.Clean(filepath.Join(prettySrcPath, "..", "attic"))
		if err := os.MkdirAll(atticPath, 0o755); err != nil {
			return errdefs.WrapBuildError(err, "create attic %s", atticPath)
		}
		if _, err := os.Lstat(scmPath); err == nil {
			if err := os.Rename(scmPath, filepath.Join(atticPath, atticName)); err != nil {
				return errdefs.WrapBuildError(err, "move %s to attic", scmPath)
			}
		}
		metrics.CountStep("checkout", metrics.OutcomeAttic)

		delete(oldState, scmDir)
		if err := b.st.SetDirectoryState(ctx, prettySrcPath, oldState); err != nil {
			return err
		}
	}
	return nil
}

// pruneOnDigestChange empties the workspace and invalidates its state
// when the stored digest differs from the step digest.
func (b *Builder) pruneOnDigestChange(ctx context.Context, step *graph.Step, wsPath string, created bool) error {
	oldDirState, err := b.st.GetDirectoryState(ctx, wsPath, nil)
	if err != nil {
		return err
	}
	oldDigest := oldDirState.Digest()
	stepDigest := step.Digest()

	if created || !bytes.Equal(stepDigest, oldDigest) {
		if oldDigest != nil && !bytes.Equal(stepDigest, oldDigest) {
			b.console.action(fmt.Sprintf("   PRUNE     %s (recipe changed)", wsPath), colorYellow)
			if err := fsutil.EmptyDirectory(wsPath); err != nil {
				return errdefs.WrapBuildError(err, "prune %s", wsPath)
			}
			metrics.CountStep(step.Kind().String(), metrics.OutcomePruned)
		}
		if err := b.st.DelInputHashes(ctx, wsPath); err != nil {
			return err
		}
		if err := b.st.DelResultHash(ctx, wsPath); err != nil {
			return err
		}
	}

	if !bytes.Equal(stepDigest, oldDigest) {
		if err := b.st.SetDirectoryState(ctx, wsPath, state.SingleDigest(stepDigest)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) cookBuildStep(ctx context.Context, step *graph.Step, depth int) error {
	dgst := digest.Hex(step.Digest())
	if prev, ok := b.wasRun[dgst]; ok {
		b.console.info("   BUILD     skipped (reuse %s)", prev)
		metrics.CountStep("build", metrics.OutcomeSkipped)
		return nil
	}

	if _, err := b.Cook(ctx, step.AllDepSteps(), step.Package(), depth+1); err != nil {
		return err
	}

	prettyBuildPath, created, err := b.constructDir(step)
	if err != nil {
		return err
	}
	if err := b.pruneOnDigestChange(ctx, step, prettyBuildPath, created); err != nil {
		return err
	}

	buildInputHashes, err := b.inputHashes(ctx, step)
	if err != nil {
		return err
	}
	stored, known, err := b.st.GetInputHashes(ctx, prettyBuildPath)
	if err != nil {
		return err
	}

	if !b.force && known && state.InputHashesEqual(stored, buildInputHashes) {
		b.console.info("   BUILD     skipped (unchanged input for %s)", prettyBuildPath)
		metrics.CountStep("build", metrics.OutcomeSkipped)
	} else {
		b.console.action(fmt.Sprintf("   BUILD     %s", prettyBuildPath), colorGreen)
		if b.cleanBuild {
			if err := fsutil.EmptyDirectory(prettyBuildPath); err != nil {
				return errdefs.WrapBuildError(err, "clean %s", prettyBuildPath)
			}
		}
		start := time.Now()
		if err := b.run(ctx, step, "build"); err != nil {
			return err
		}
		metrics.CountStep("build", metrics.OutcomeExecuted)
		metrics.ObserveStep("build", time.Since(start))

		// Build outputs are not content-hashed; a fresh timestamp is
		// enough to invalidate downstream consumers.
		stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
		if err := b.st.SetResultHash(ctx, prettyBuildPath, stamp); err != nil {
			return err
		}
		if err := b.st.SetInputHashes(ctx, prettyBuildPath, buildInputHashes); err != nil {
			return err
		}
	}

	b.wasRun[dgst] = prettyBuildPath
	return nil
}

func (b *Builder) cookPackageStep(ctx context.Context, step *graph.Step, depth int) (string, error) {
	dgst := digest.Hex(step.Digest())
	if prev, ok := b.wasRun[dgst]; ok {
		b.console.info("   PACKAGE   skipped (reuse %s)", prev)
		metrics.CountStep("package", metrics.OutcomeSkipped)
		return prev, nil
	}

	prettyPackagePath, created, err := b.constructDir(step)
	if err != nil {
		return "", err
	}
	if err := b.pruneOnDigestChange(ctx, step, prettyPackagePath, created); err != nil {
		return "", err
	}

	packageDone := false
	packageExecuted := false
	buildID := step.BuildID()

	if len(buildID) > 0 && depth >= b.downloadDepth {
		// Fully deterministic package: the archive may already have it,
		// or a previous run left the result here.
		resultHash, err := b.st.GetResultHash(ctx, prettyPackagePath)
		if err != nil {
			return "", err
		}
		if resultHash == nil {
			ok, err := b.archive.Download(ctx, buildID, prettyPackagePath)
			if err != nil {
				return "", err
			}
			if ok {
				b.console.action(fmt.Sprintf("   DOWNLOAD  %s...ok", prettyPackagePath), colorGreen)
				metrics.CountStep("package", metrics.OutcomeDownloaded)
				// No local inputs are relevant for a downloaded result.
				if err := b.st.DelInputHashes(ctx, prettyPackagePath); err != nil {
					return "", err
				}
				packageDone = true
				packageExecuted = true
			} else {
				b.console.action(fmt.Sprintf("   DOWNLOAD  %s...not found", prettyPackagePath), colorYellow)
			}
		} else {
			b.console.info("   PACKAGE   skipped (deterministic output in %s)", prettyPackagePath)
			metrics.CountStep("package", metrics.OutcomeSkipped)
			packageDone = true
		}
	}

	var packageInputHashes [][]byte
	inputsKnown := false
	if !packageDone {
		if _, err := b.Cook(ctx, step.AllDepSteps(), step.Package(), depth+1); err != nil {
			return "", err
		}

		packageInputHashes, err = b.inputHashes(ctx, step)
		if err != nil {
			return "", err
		}
		inputsKnown = true

		stored, known, err := b.st.GetInputHashes(ctx, prettyPackagePath)
		if err != nil {
			return "", err
		}
		if !b.force && known && state.InputHashesEqual(stored, packageInputHashes) {
			b.console.info("   PACKAGE   skipped (unchanged input for %s)", prettyPackagePath)
			metrics.CountStep("package", metrics.OutcomeSkipped)
		} else {
			b.console.action(fmt.Sprintf("   PACKAGE   %s", prettyPackagePath), colorGreen)
			if err := fsutil.EmptyDirectory(prettyPackagePath); err != nil {
				return "", errdefs.WrapBuildError(err, "clean %s", prettyPackagePath)
			}
			start := time.Now()
			if err := b.run(ctx, step, "package"); err != nil {
				return "", err
			}
			metrics.CountStep("package", metrics.OutcomeExecuted)
			metrics.ObserveStep("package", time.Since(start))
			packageExecuted = true

			if len(buildID) > 0 && b.doUpload {
				uploaded, err := b.archive.Upload(ctx, buildID, prettyPackagePath)
				if err != nil {
					return "", err
				}
				if uploaded {
					b.console.action(fmt.Sprintf("   UPLOAD    %s", prettyPackagePath), colorGreen)
					metrics.CountStep("package", metrics.OutcomeUploaded)
				} else {
					b.console.plain("   UPLOAD    skipped (%s exists in archive)", prettyPackagePath)
				}
			}
		}
	}

	if packageExecuted {
		if err := b.rehash(ctx, prettyPackagePath); err != nil {
			return "", err
		}
		if inputsKnown {
			if err := b.st.SetInputHashes(ctx, prettyPackagePath, packageInputHashes); err != nil {
				return "", err
			}
		}
	}

	b.wasRun[dgst] = prettyPackagePath
	return prettyPackagePath, nil
}

// runShell prepares the wrapper and script files for a step and runs
// the wrapper as a child process. The child inherits the terminal;
// teeing into log.txt happens inside the wrapper.
func (b *Builder) runShell(ctx context.Context, step *graph.Step, phase string) error {
	wsPath := step.WorkspacePath()
	if err := os.MkdirAll(wsPath, 0o755); err != nil {
		return errdefs.WrapBuildError(err, "create workspace %s", wsPath)
	}

	stepEnv := b.stepEnv(step)
	runEnv := b.runtimeEnv(stepEnv)
	sandboxCmd, sandboxSetup, err := b.sandboxCommand(step)
	if err != nil {
		return errdefs.WrapBuildError(err, "compose sandbox for %s", wsPath)
	}
	absRunFile, err := b.writeScripts(step, phase, stepEnv, sandboxCmd, sandboxSetup)
	if err != nil {
		return errdefs.WrapBuildError(err, "emit scripts for %s", wsPath)
	}

	cmdLine := []string{filepath.Join("..", phase+".sh"), "__run"}
	switch {
	case b.verbosity < 0:
		cmdLine = append(cmdLine, "-q")
	case b.verbosity == 1:
		cmdLine = append(cmdLine, "-v")
	case b.verbosity >= 2:
		cmdLine = append(cmdLine, "-vv")
	}

	cmd := exec.CommandContext(ctx, "/bin/bash", cmdLine...)
	cmd.Dir = wsPath
	cmd.Env = runEnv
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return errdefs.NewBuildError("User aborted while running %s", absRunFile)
		}
		if exit, ok := err.(*exec.ExitError); ok {
			return errdefs.NewBuildError("Build script %s returned with %d", absRunFile, exit.ExitCode())
		}
		return errdefs.WrapBuildError(err, "Build script %s failed", absRunFile)
	}
	return nil
}
