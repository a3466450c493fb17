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

// Package recipes loads a project definition from disk and generates
// the package graph the builder cooks. A project is a config.yaml next
// to a recipes/ directory with one YAML file per package.
package recipes

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"bob/internal/errdefs"
	"bob/internal/graph"
	"bob/internal/sandbox"
)

// ArchiveSpec selects the artifact archive backend.
type ArchiveSpec struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	URL     string `yaml:"url"`
}

// SandboxSpec describes the sandbox image and extra mounts.
type SandboxSpec struct {
	URL        string            `yaml:"url"`
	DigestSHA1 string            `yaml:"digestSha1"`
	Mount      map[string]string `yaml:"mount"`
}

// projectConfig is the shape of config.yaml.
type projectConfig struct {
	WhiteList   []string          `yaml:"whitelist"`
	Archive     ArchiveSpec       `yaml:"archive"`
	Sandbox     SandboxSpec       `yaml:"sandbox"`
	BuildPaths  []string          `yaml:"buildPaths"`
	DevPaths    []string          `yaml:"devPaths"`
	Environment map[string]string `yaml:"environment"`
}

// ScmSpec is one source tree below the checkout workspace. A spec is
// deterministic when it is pinned to a commit or tag; branches move.
type ScmSpec struct {
	Dir    string `yaml:"dir"`
	URL    string `yaml:"url"`
	Commit string `yaml:"commit"`
	Tag    string `yaml:"tag"`
	Branch string `yaml:"branch"`
}

// Deterministic reports whether the checked-out tree is pinned.
func (s *ScmSpec) Deterministic() bool {
	return s.Commit != "" || s.Tag != ""
}

// Digest content-addresses the SCM specification.
func (s *ScmSpec) Digest() []byte {
	h := sha1.New()
	fmt.Fprintf(h, "scm\x00%s\x00%s\x00%s\x00%s\x00%s\x00", s.Dir, s.URL, s.Commit, s.Tag, s.Branch)
	return h.Sum(nil)
}

type stepSpec struct {
	Script string    `yaml:"script"`
	Scm    []ScmSpec `yaml:"scm"`
}

// recipeSpec is the shape of one recipes/<name>.yaml.
type recipeSpec struct {
	Depends      []string          `yaml:"depends"`
	Checkout     stepSpec          `yaml:"checkout"`
	Build        stepSpec          `yaml:"build"`
	Package      stepSpec          `yaml:"package"`
	Environment  map[string]string `yaml:"environment"`
	Tools        map[string]string `yaml:"tools"`
	Paths        []string          `yaml:"paths"`
	LibraryPaths []string          `yaml:"libraryPaths"`
}

// Project is a parsed recipe set.
type Project struct {
	dir     string
	config  projectConfig
	recipes map[string]*recipeSpec
}

// Load reads config.yaml and every recipe below dir.
func Load(dir string) (*Project, error) {
	p := &Project{dir: dir, recipes: map[string]*recipeSpec{}}

	cfgPath := filepath.Join(dir, "config.yaml")
	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errdefs.NewConfigError("read %s: %v", cfgPath, err)
		}
		// A project without config.yaml gets all defaults.
	} else if err := yaml.Unmarshal(raw, &p.config); err != nil {
		return nil, errdefs.NewConfigError("parse %s: %v", cfgPath, err)
	}

	recipeDir := filepath.Join(dir, "recipes")
	entries, err := os.ReadDir(recipeDir)
	if err != nil {
		return nil, errdefs.NewConfigError("read %s: %v", recipeDir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(recipeDir, name))
		if err != nil {
			return nil, errdefs.NewConfigError("read recipe %s: %v", name, err)
		}
		var spec recipeSpec
		if err := yaml.Unmarshal(raw, &spec); err != nil {
			return nil, errdefs.NewConfigError("parse recipe %s: %v", name, err)
		}
		pkgName := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		p.recipes[pkgName] = &spec
	}
	if len(p.recipes) == 0 {
		return nil, errdefs.NewConfigError("no recipes found in %s", recipeDir)
	}

	for name, spec := range p.recipes {
		for _, dep := range spec.Depends {
			if _, ok := p.recipes[dep]; !ok {
				return nil, errdefs.NewConfigError("recipe %s depends on unknown recipe %s", name, dep)
			}
		}
	}
	return p, nil
}

// EnvWhiteList returns the names preserved in the scrubbed child
// environment.
func (p *Project) EnvWhiteList() []string {
	return append([]string(nil), p.config.WhiteList...)
}

// ArchiveSpec returns the configured archive backend.
func (p *Project) ArchiveSpec() ArchiveSpec {
	return p.config.Archive
}

// BuildSandbox returns the sandbox configuration for release builds.
func (p *Project) BuildSandbox() (sandbox.Config, error) {
	var d []byte
	if p.config.Sandbox.DigestSHA1 != "" {
		var err error
		d, err = hex.DecodeString(p.config.Sandbox.DigestSHA1)
		if err != nil {
			return sandbox.Config{}, errdefs.NewConfigError("invalid sandbox digest: %v", err)
		}
	}
	return sandbox.Config{
		URL:        p.config.Sandbox.URL,
		DigestSHA1: d,
		Mounts:     p.config.Sandbox.Mount,
	}, nil
}

// BuildGlobalPaths returns the PATH tail for release builds.
func (p *Project) BuildGlobalPaths() []string {
	if len(p.config.BuildPaths) == 0 {
		return []string{"/usr/local/bin", "/bin", "/usr/bin", "/usr/sbin", "/sbin"}
	}
	return append([]string(nil), p.config.BuildPaths...)
}

// DevGlobalPaths returns the PATH tail for develop builds.
func (p *Project) DevGlobalPaths() []string {
	if len(p.config.DevPaths) == 0 {
		return p.BuildGlobalPaths()
	}
	return append([]string(nil), p.config.DevPaths...)
}

// GeneratePackages instantiates the package graph, computes step
// digests and build-ids, and materializes workspace paths through the
// formatter. Defines override the project environment.
func (p *Project) GeneratePackages(formatter graph.NameFormatter, defines map[string]string) (*graph.Graph, error) {
	env := map[string]string{}
	for k, v := range p.config.Environment {
		env[k] = v
	}
	for k, v := range defines {
		env[k] = v
	}

	g := graph.NewGraph()
	gen := &generator{project: p, graph: g, formatter: formatter, env: env}

	names := make([]string, 0, len(p.recipes))
	for name := range p.recipes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pkg, err := gen.instantiate(name, nil, map[string]bool{})
		if err != nil {
			return nil, err
		}
		g.AddRoot(pkg)
	}
	return g, nil
}

type generator struct {
	project   *Project
	graph     *graph.Graph
	formatter graph.NameFormatter
	env       map[string]string
}

// instantiate creates the package for a recipe as seen below the given
// parent stack. The same recipe reached through different roots yields
// distinct packages with identical digests; the builder's run memo
// collapses them.
func (gen *generator) instantiate(name string, parentStack []string, visiting map[string]bool) (*graph.Pkg, error) {
	if visiting[name] {
		return nil, errdefs.NewConfigError("dependency cycle through recipe %s", name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	spec := gen.project.recipes[name]
	stack := append(append([]string(nil), parentStack...), name)
	pkg := gen.graph.AddPackage(name, stack)

	// Dependencies first: their package steps feed our digests.
	var depPkgSteps []*graph.Step
	for _, depName := range spec.Depends {
		depPkg, err := gen.instantiate(depName, stack, visiting)
		if err != nil {
			return nil, err
		}
		depStep := depPkg.PackageStep()
		depPkgSteps = append(depPkgSteps, depStep)
		pkg.AddDirectDep(depStep)
	}

	stepEnv := map[string]string{}
	for k, v := range gen.env {
		stepEnv[k] = v
	}
	for k, v := range spec.Environment {
		stepEnv[k] = v
	}

	checkout, err := gen.makeCheckout(pkg, spec, stepEnv, depPkgSteps)
	if err != nil {
		return nil, err
	}
	build, err := gen.makeBuild(pkg, spec, stepEnv, checkout, depPkgSteps)
	if err != nil {
		return nil, err
	}
	pack, err := gen.makePackage(pkg, spec, stepEnv, checkout, build, depPkgSteps)
	if err != nil {
		return nil, err
	}

	pkg.SetSteps(checkout, build, pack)
	return pkg, nil
}

func hashFields(fields ...string) []byte {
	h := sha1.New()
	for _, f := range fields {
		fmt.Fprintf(h, "%d\x00%s\x00", len(f), f)
	}
	return h.Sum(nil)
}

func envFields(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]string, 0, 2*len(env))
	for _, k := range keys {
		fields = append(fields, k, env[k])
	}
	return fields
}

func (gen *generator) makeCheckout(pkg *graph.Pkg, spec *recipeSpec, env map[string]string, deps []*graph.Step) (*graph.Step, error) {
	valid := spec.Checkout.Script != "" || len(spec.Checkout.Scm) > 0

	scmDirs := map[string][]byte{}
	deterministic := true
	fields := []string{"checkout", spec.Checkout.Script}
	for _, scm := range spec.Checkout.Scm {
		scmDirs[scm.Dir] = scm.Digest()
		if !scm.Deterministic() {
			deterministic = false
		}
	}
	scmKeys := make([]string, 0, len(scmDirs))
	for k := range scmDirs {
		scmKeys = append(scmKeys, k)
	}
	sort.Strings(scmKeys)
	for _, k := range scmKeys {
		fields = append(fields, k, hex.EncodeToString(scmDirs[k]))
	}
	fields = append(fields, envFields(env)...)

	step := gen.graph.NewStep(pkg, graph.StepConfig{
		Kind:          graph.Checkout,
		Valid:         valid,
		Deterministic: deterministic,
		Digest:        hashFields(fields...),
		Script:        spec.Checkout.Script,
		Env:           env,
		Paths:         spec.Paths,
		LibraryPaths:  spec.LibraryPaths,
		Tools:         spec.Tools,
		ScmDirs:       scmDirs,
	})
	step.SetAllDepSteps(deps)
	if valid {
		if err := step.ApplyFormatter(gen.formatter); err != nil {
			return nil, err
		}
	}
	return step, nil
}

func (gen *generator) makeBuild(pkg *graph.Pkg, spec *recipeSpec, env map[string]string, checkout *graph.Step, deps []*graph.Step) (*graph.Step, error) {
	valid := spec.Build.Script != ""

	var args []*graph.Step
	if checkout.IsValid() {
		args = append(args, checkout)
	}
	args = append(args, deps...)

	fields := []string{"build", spec.Build.Script}
	for _, a := range args {
		fields = append(fields, hex.EncodeToString(a.Digest()))
	}
	fields = append(fields, envFields(env)...)

	step := gen.graph.NewStep(pkg, graph.StepConfig{
		Kind:          graph.Build,
		Valid:         valid,
		Deterministic: true,
		Digest:        hashFields(fields...),
		Script:        spec.Build.Script,
		Env:           env,
		Paths:         spec.Paths,
		LibraryPaths:  spec.LibraryPaths,
		Tools:         spec.Tools,
	})
	step.SetArguments(args)
	step.SetAllDepSteps(args)
	if valid {
		if err := step.ApplyFormatter(gen.formatter); err != nil {
			return nil, err
		}
	}
	return step, nil
}

func (gen *generator) makePackage(pkg *graph.Pkg, spec *recipeSpec, env map[string]string, checkout, build *graph.Step, deps []*graph.Step) (*graph.Step, error) {
	// The package step is always valid: a recipe without a package
	// script still publishes its (possibly empty) dist workspace.
	script := spec.Package.Script

	var args []*graph.Step
	switch {
	case build.IsValid():
		args = append(args, build)
	case checkout.IsValid():
		args = append(args, checkout)
	}

	fields := []string{"package", script}
	for _, a := range args {
		fields = append(fields, hex.EncodeToString(a.Digest()))
	}
	fields = append(fields, envFields(env)...)
	dgst := hashFields(fields...)

	// The build-id spans the deterministic closure: the recipe digest
	// plus every dependency's build-id. It exists only when the whole
	// closure is deterministic.
	var buildID []byte
	deterministic := !checkout.IsValid() || checkout.IsDeterministic()
	idFields := []string{"buildid", hex.EncodeToString(dgst)}
	for _, dep := range deps {
		if dep.BuildID() == nil {
			deterministic = false
			break
		}
		idFields = append(idFields, hex.EncodeToString(dep.BuildID()))
	}
	if deterministic {
		buildID = hashFields(idFields...)
	}

	step := gen.graph.NewStep(pkg, graph.StepConfig{
		Kind:          graph.Package,
		Valid:         true,
		Deterministic: deterministic,
		Digest:        dgst,
		BuildID:       buildID,
		Script:        script,
		Env:           env,
		Paths:         spec.Paths,
		LibraryPaths:  spec.LibraryPaths,
		Tools:         spec.Tools,
	})
	step.SetArguments(args)
	step.SetAllDepSteps(args)
	if err := step.ApplyFormatter(gen.formatter); err != nil {
		return nil, err
	}
	return step, nil
}
