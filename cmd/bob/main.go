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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"bob/internal/archive"
	"bob/internal/builder"
	"bob/internal/errdefs"
	"bob/internal/fsutil"
	"bob/internal/graph"
	"bob/internal/logging"
	"bob/internal/metrics"
	"bob/internal/recipes"
	"bob/internal/sandbox"
	"bob/internal/state"
)

const stateFile = ".bob-state.sqlite"

type buildFlags struct {
	force         bool
	noDeps        bool
	buildOnly     bool
	quiet         int
	verbose       int
	defines       []string
	whiteList     []string
	preserveEnv   bool
	destination   string
	upload        bool
	download      string
	recipesDir    string
	metricsListen string
	logLevel      string
}

func (f *buildFlags) register(cmd *cobra.Command, develop bool) {
	fl := cmd.Flags()
	fl.BoolVarP(&f.force, "force", "f", false, "Force execution of all build steps")
	fl.BoolVarP(&f.noDeps, "no-deps", "n", false, "Don't build dependencies")
	fl.BoolVarP(&f.buildOnly, "build-only", "b", false, "Don't checkout, just build and package")
	fl.CountVarP(&f.quiet, "quiet", "q", "Decrease verbosity (may be specified multiple times)")
	fl.CountVarP(&f.verbose, "verbose", "v", "Increase verbosity (may be specified multiple times)")
	fl.StringArrayVarP(&f.defines, "define", "D", nil, "Override default environment variable (NAME[=VALUE])")
	fl.StringArrayVarP(&f.whiteList, "env", "e", nil, "Preserve environment variable NAME")
	fl.BoolVarP(&f.preserveEnv, "preserve-env", "E", false, "Preserve whole environment")
	fl.StringVar(&f.destination, "destination", "", "Destination of build result (will be cleaned!)")
	fl.BoolVar(&f.upload, "upload", false, "Upload to binary archive")
	def := "yes"
	if develop {
		def = "no"
	}
	fl.StringVar(&f.download, "download", def, "Download from binary archive (yes, no, deps)")
	fl.StringVar(&f.recipesDir, "recipes", ".", "Project directory holding config.yaml and recipes/")
	fl.StringVar(&f.metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address while building")
	fl.StringVar(&f.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

func parseDefines(raw []string) (map[string]string, error) {
	defines := map[string]string{}
	for _, d := range raw {
		name, value, _ := strings.Cut(d, "=")
		if name == "" || strings.Contains(value, "=") {
			return nil, errdefs.NewConfigError("malformed define: %s", d)
		}
		defines[name] = value
	}
	return defines, nil
}

func runBuildDevelop(cmd *cobra.Command, args []string, f *buildFlags, develop bool) error {
	slog.SetDefault(logging.New(f.logLevel))

	if len(args) > 1 && f.destination != "" {
		return errdefs.NewConfigError("destination may only be specified when building a single package")
	}
	defines, err := parseDefines(f.defines)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	project, err := recipes.Load(f.recipesDir)
	if err != nil {
		return err
	}

	st, err := state.Open(ctx, stateFile)
	if err != nil {
		return err
	}
	defer st.Close()

	whiteList := project.EnvWhiteList()
	whiteList = append(whiteList, f.whiteList...)

	var (
		formatter      graph.NameFormatter
		globalPaths    []string
		sandboxEnabled bool
		sandboxCfg     sandbox.Config
	)
	if develop {
		formatter = builder.DevelopFormatter()
		globalPaths = project.DevGlobalPaths()
	} else {
		sandboxCfg, err = project.BuildSandbox()
		if err != nil {
			return err
		}
		sandboxEnabled, err = sandbox.Provision(ctx, sandboxCfg, st, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		formatter = builder.ReleaseFormatter(ctx, st, sandboxEnabled, true)
		globalPaths = project.BuildGlobalPaths()
	}

	g, err := project.GeneratePackages(formatter, defines)
	if err != nil {
		return err
	}

	b, err := builder.New(st, cmd.OutOrStdout(), builder.Options{
		Verbosity:     f.verbose - f.quiet,
		Force:         f.force,
		SkipDeps:      f.noDeps,
		BuildOnly:     f.buildOnly,
		PreserveEnv:   f.preserveEnv,
		CleanBuild:    !develop,
		EnvWhiteList:  whiteList,
		GlobalPaths:   globalPaths,
		Sandboxed:     sandboxEnabled,
		SandboxMounts: sandboxCfg.Mounts,
		BobRoot:       bobRoot(),
	})
	if err != nil {
		return err
	}

	spec := project.ArchiveSpec()
	arch, err := archive.FromSpec(spec.Backend, spec.Path, spec.URL)
	if err != nil {
		return err
	}
	b.SetArchive(arch)
	b.SetUploadMode(f.upload)
	if err := b.SetDownloadMode(f.download); err != nil {
		return err
	}

	if f.metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(f.metricsListen, mux); err != nil {
				slog.Warn("metrics listener failed", "error", err)
			}
		}()
	}

	var result string
	for _, pkgPath := range args {
		pkg, err := g.WalkPackagePath(pkgPath)
		if err != nil {
			return err
		}
		result, err = b.Cook(ctx, []*graph.Step{pkg.PackageStep()}, pkg, 0)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Build result is in", result)
	}

	if f.destination != "" {
		if err := fsutil.CopyTree(result, f.destination); err != nil {
			return errdefs.WrapBuildError(err, "copy result to %s", f.destination)
		}
	}
	return nil
}

// bobRoot locates the installation directory holding bin/namespace-sandbox.
func bobRoot() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	// <root>/bin/bob -> <root>
	dir := exe
	for i := 0; i < 2; i++ {
		idx := strings.LastIndexByte(dir, '/')
		if idx < 0 {
			return "."
		}
		dir = dir[:idx]
	}
	if dir == "" {
		return "/"
	}
	return dir
}

func runClean(cmd *cobra.Command, recipesDir string, dryRun, verbose bool) error {
	ctx := cmd.Context()

	project, err := recipes.Load(recipesDir)
	if err != nil {
		return err
	}
	st, err := state.Open(ctx, stateFile)
	if err != nil {
		return err
	}
	defer st.Close()

	// Non-persistent formatter: looking at would-be paths must not
	// record them.
	g, err := project.GeneratePackages(builder.ReleaseFormatter(ctx, st, false, false), nil)
	if err != nil {
		return err
	}
	return builder.Clean(ctx, st, g.Roots(), dryRun, verbose, cmd.OutOrStdout())
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "bob",
		Short:         "Reproducible, content-addressed package builds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	buildF := &buildFlags{}
	buildCmd := &cobra.Command{
		Use:   "build PACKAGE...",
		Short: "Build packages in release mode",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuildDevelop(cmd, args, buildF, false)
		},
	}
	buildF.register(buildCmd, false)

	devF := &buildFlags{}
	devCmd := &cobra.Command{
		Use:   "dev PACKAGE...",
		Short: "Build packages in development mode",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.ErrOrStderr(), "WARNING: developer mode might exhibit problems and is subject to change! Use with care.")
			return runBuildDevelop(cmd, args, devF, true)
		},
	}
	devF.register(devCmd, true)

	var (
		cleanDryRun  bool
		cleanVerbose bool
		cleanRecipes string
	)
	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Clean unused workspace directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd, cleanRecipes, cleanDryRun, cleanVerbose)
		},
	}
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "Don't delete, just print what would be deleted")
	cleanCmd.Flags().BoolVarP(&cleanVerbose, "verbose", "v", false, "Print what is done")
	cleanCmd.Flags().StringVar(&cleanRecipes, "recipes", ".", "Project directory holding config.yaml and recipes/")

	root.AddCommand(buildCmd, devCmd, cleanCmd)
	return root
}

func main() {
	root := newRootCommand()
	err := root.ExecuteContext(context.Background())
	if err == nil {
		return
	}

	var ce *errdefs.ConfigError
	switch {
	case errors.As(err, &ce):
		fmt.Fprintln(os.Stderr, "Configuration error:", err)
		os.Exit(2)
	case errors.Is(err, errdefs.ErrStateLocked):
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	default:
		if be, ok := errdefs.AsBuildError(err); ok {
			fmt.Fprintln(os.Stderr, "\x1b[31;1mBuild error:\x1b[0m", be.Error())
			if stack := be.Stack(); stack != "" {
				fmt.Fprintln(os.Stderr, "Failed package chain:", stack)
			}
			os.Exit(1)
		}
		// cobra argument errors and everything unexpected
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
}
