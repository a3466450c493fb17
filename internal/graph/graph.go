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

// Package graph holds the generated package graph: an arena of
// packages, each exposing its checkout, build and package steps. Steps
// reference their owning package by arena id, so the whole graph can
// be dropped at once without untangling back-references.
package graph

import (
	"fmt"
	"path/filepath"
	"strings"

	"bob/internal/errdefs"
)

// StepKind discriminates the three step variants.
type StepKind int

const (
	Checkout StepKind = iota
	Build
	Package
)

// String returns the step kind in log spelling.
func (k StepKind) String() string {
	switch k {
	case Checkout:
		return "checkout"
	case Build:
		return "build"
	case Package:
		return "package"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// Label returns the workspace root label of the kind.
func (k StepKind) Label() string {
	switch k {
	case Checkout:
		return "src"
	case Build:
		return "build"
	default:
		return "dist"
	}
}

// PkgID indexes a package in its graph's arena.
type PkgID int

// Mode selects which path a name formatter yields for a step.
type Mode int

const (
	// ModeWorkspace is the on-disk workspace directory.
	ModeWorkspace Mode = iota
	// ModeExec is the path the step sees at execution time; it only
	// differs from the workspace path inside a sandbox.
	ModeExec
)

// NameFormatter maps a step to its directory for the given mode,
// without the trailing "/workspace" component.
type NameFormatter func(step *Step, mode Mode) (string, error)

// Graph is the arena of all generated packages.
type Graph struct {
	packages []*Pkg
	roots    map[string]*Pkg
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{roots: map[string]*Pkg{}}
}

// AddPackage appends a package to the arena and returns it.
func (g *Graph) AddPackage(name string, stack []string) *Pkg {
	p := &Pkg{
		g:     g,
		id:    PkgID(len(g.packages)),
		name:  name,
		stack: append([]string(nil), stack...),
	}
	g.packages = append(g.packages, p)
	return p
}

// Pkg returns the package with the given arena id.
func (g *Graph) Pkg(id PkgID) *Pkg {
	return g.packages[id]
}

// AddRoot registers a top-level package under its name.
func (g *Graph) AddRoot(p *Pkg) {
	g.roots[p.name] = p
}

// Roots returns the top-level packages by name.
func (g *Graph) Roots() map[string]*Pkg {
	return g.roots
}

// WalkPackagePath resolves a "root/sub/subsub" package path starting
// at the graph roots and descending through direct dependencies.
func (g *Graph) WalkPackagePath(path string) (*Pkg, error) {
	parts := strings.Split(path, "/")
	p, ok := g.roots[parts[0]]
	if !ok {
		return nil, errdefs.NewBuildError("package %s not found", parts[0])
	}
	for _, part := range parts[1:] {
		var next *Pkg
		for _, dep := range p.directDeps {
			if dep.Package().name == part {
				next = dep.Package()
				break
			}
		}
		if next == nil {
			return nil, errdefs.NewBuildError("package %s not found below %s", part, p.name)
		}
		p = next
	}
	return p, nil
}

// Pkg is one named node of the recipe graph.
type Pkg struct {
	g     *Graph
	id    PkgID
	name  string
	stack []string

	checkout *Step
	build    *Step
	pack     *Step

	directDeps []*Step
}

// Name returns the package name.
func (p *Pkg) Name() string {
	return p.name
}

// Path returns the logical package path used for workspace layout.
func (p *Pkg) Path() string {
	return strings.Join(p.stack, "/")
}

// Stack returns the package names from the requested root down to
// this package.
func (p *Pkg) Stack() []string {
	return p.stack
}

// CheckoutStep returns the checkout step; it may be invalid.
func (p *Pkg) CheckoutStep() *Step {
	return p.checkout
}

// BuildStep returns the build step; it may be invalid.
func (p *Pkg) BuildStep() *Step {
	return p.build
}

// PackageStep returns the package step.
func (p *Pkg) PackageStep() *Step {
	return p.pack
}

// DirectDepSteps returns the package steps of direct dependencies.
func (p *Pkg) DirectDepSteps() []*Step {
	return p.directDeps
}

// SetSteps attaches the three steps of the package.
func (p *Pkg) SetSteps(checkout, build, pack *Step) {
	p.checkout, p.build, p.pack = checkout, build, pack
}

// AddDirectDep records the package step of a direct dependency.
func (p *Pkg) AddDirectDep(s *Step) {
	p.directDeps = append(p.directDeps, s)
}

// StepConfig carries everything a step needs besides its graph wiring.
type StepConfig struct {
	Kind          StepKind
	Valid         bool
	Deterministic bool
	Digest        []byte
	BuildID       []byte
	Script        string
	Env           map[string]string
	Paths         []string
	LibraryPaths  []string
	Tools         map[string]string
	ScmDirs       map[string][]byte
}

// Step is the atomic unit of execution.
type Step struct {
	g   *Graph
	pkg PkgID
	cfg StepConfig

	args []*Step
	deps []*Step

	workspacePath string
	execPath      string
}

// NewStep creates a step owned by pkg.
func (g *Graph) NewStep(pkg *Pkg, cfg StepConfig) *Step {
	return &Step{g: g, pkg: pkg.id, cfg: cfg}
}

// IsValid reports whether the step has anything to execute.
func (s *Step) IsValid() bool { return s != nil && s.cfg.Valid }

// Kind returns the step variant.
func (s *Step) Kind() StepKind { return s.cfg.Kind }

// IsCheckoutStep reports whether this is the checkout variant.
func (s *Step) IsCheckoutStep() bool { return s.cfg.Kind == Checkout }

// IsBuildStep reports whether this is the build variant.
func (s *Step) IsBuildStep() bool { return s.cfg.Kind == Build }

// IsPackageStep reports whether this is the package variant.
func (s *Step) IsPackageStep() bool { return s.cfg.Kind == Package }

// IsDeterministic reports whether re-execution yields the same output.
func (s *Step) IsDeterministic() bool { return s.cfg.Deterministic }

// Digest returns the opaque content-address of the step's recipe and
// configuration.
func (s *Step) Digest() []byte { return s.cfg.Digest }

// BuildID returns the transitive content-address used as archive key,
// or nil when the step's closure is not fully deterministic.
func (s *Step) BuildID() []byte { return s.cfg.BuildID }

// Package returns the owning package.
func (s *Step) Package() *Pkg { return s.g.Pkg(s.pkg) }

// Label returns the workspace root label (src, build or dist).
func (s *Step) Label() string { return s.cfg.Kind.Label() }

// Script returns the verbatim recipe body.
func (s *Step) Script() string { return s.cfg.Script }

// Env returns the step's declared environment.
func (s *Step) Env() map[string]string { return s.cfg.Env }

// Paths returns the PATH entries the step contributes.
func (s *Step) Paths() []string { return s.cfg.Paths }

// LibraryPaths returns the LD_LIBRARY_PATH entries the step
// contributes.
func (s *Step) LibraryPaths() []string { return s.cfg.LibraryPaths }

// Tools returns the tool-name to exec-path map.
func (s *Step) Tools() map[string]string { return s.cfg.Tools }

// ScmDirectories maps checkout subdirectories to per-SCM digests.
func (s *Step) ScmDirectories() map[string][]byte { return s.cfg.ScmDirs }

// Arguments returns the ordered upstream steps whose result hashes
// form the input-hash vector.
func (s *Step) Arguments() []*Step { return s.args }

// SetArguments sets the ordered upstream steps.
func (s *Step) SetArguments(args []*Step) { s.args = args }

// AllDepSteps returns the superset of Arguments used for sandbox
// mounts and script variable expansion.
func (s *Step) AllDepSteps() []*Step { return s.deps }

// SetAllDepSteps sets the dependency step superset.
func (s *Step) SetAllDepSteps(deps []*Step) { s.deps = deps }

// WorkspacePath returns the on-disk workspace directory.
func (s *Step) WorkspacePath() string { return s.workspacePath }

// ExecPath returns the path the step sees during execution.
func (s *Step) ExecPath() string { return s.execPath }

// ApplyFormatter materializes the step's workspace and exec paths.
func (s *Step) ApplyFormatter(f NameFormatter) error {
	ws, err := f(s, ModeWorkspace)
	if err != nil {
		return err
	}
	ex, err := f(s, ModeExec)
	if err != nil {
		return err
	}
	s.workspacePath = filepath.Join(ws, "workspace")
	s.execPath = filepath.Join(ex, "workspace")
	return nil
}
