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

package recipes

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"bob/internal/graph"
)

// flatFormatter assigns one fixed directory per package and step label,
// without a state store.
func flatFormatter(step *graph.Step, mode graph.Mode) (string, error) {
	return filepath.Join("work", step.Package().Name(), step.Label()), nil
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

const leafRecipe = `
checkout:
  script: "echo hello > hello.txt"
  scm:
    - dir: src
      url: git://example.org/leaf.git
      commit: 0123456789abcdef
build:
  script: "cp -r $1/* ."
package:
  script: "cp -r $1/* ."
`

const rootRecipe = `
depends: [leaf]
build:
  script: "make"
package:
  script: "make install"
`

func TestLoadAndGenerate(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"config.yaml":       "whitelist: [TERM, HOME]\n",
		"recipes/leaf.yaml": leafRecipe,
		"recipes/root.yaml": rootRecipe,
	})

	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if wl := p.EnvWhiteList(); len(wl) != 2 || wl[0] != "TERM" {
		t.Fatalf("whitelist = %v", wl)
	}

	g, err := p.GeneratePackages(flatFormatter, nil)
	if err != nil {
		t.Fatalf("GeneratePackages: %v", err)
	}

	root, err := g.WalkPackagePath("root")
	if err != nil {
		t.Fatalf("walk root: %v", err)
	}
	if !root.PackageStep().IsValid() {
		t.Fatal("package step must be valid")
	}
	if root.CheckoutStep().IsValid() {
		t.Fatal("root has no checkout")
	}

	// root's build consumes leaf's package step.
	args := root.BuildStep().Arguments()
	if len(args) != 1 || args[0].Package().Name() != "leaf" {
		t.Fatalf("root build args = %v", args)
	}

	// Nested paths resolve through direct dependencies.
	nested, err := g.WalkPackagePath("root/leaf")
	if err != nil {
		t.Fatalf("walk root/leaf: %v", err)
	}
	if nested.Path() != "root/leaf" {
		t.Fatalf("nested path = %q", nested.Path())
	}
	if _, err := g.WalkPackagePath("root/nope"); err == nil {
		t.Fatal("unknown sub-package must fail")
	}
}

func TestDigestsChangeWithScript(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"recipes/leaf.yaml": leafRecipe,
		"recipes/root.yaml": rootRecipe,
	})
	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g1, err := p.GeneratePackages(flatFormatter, nil)
	if err != nil {
		t.Fatalf("GeneratePackages: %v", err)
	}

	dir2 := writeProject(t, map[string]string{
		"recipes/leaf.yaml": leafRecipe,
		"recipes/root.yaml": "depends: [leaf]\nbuild:\n  script: \"make -j4\"\npackage:\n  script: \"make install\"\n",
	})
	p2, err := Load(dir2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g2, err := p2.GeneratePackages(flatFormatter, nil)
	if err != nil {
		t.Fatalf("GeneratePackages: %v", err)
	}

	r1, _ := g1.WalkPackagePath("root")
	r2, _ := g2.WalkPackagePath("root")

	if bytes.Equal(r1.BuildStep().Digest(), r2.BuildStep().Digest()) {
		t.Fatal("changed build script must change the build digest")
	}
	// The change propagates into the package digest too.
	if bytes.Equal(r1.PackageStep().Digest(), r2.PackageStep().Digest()) {
		t.Fatal("changed build digest must change the package digest")
	}
	// The untouched leaf keeps its digests.
	l1, _ := g1.WalkPackagePath("leaf")
	l2, _ := g2.WalkPackagePath("leaf")
	if !bytes.Equal(l1.PackageStep().Digest(), l2.PackageStep().Digest()) {
		t.Fatal("unchanged leaf must keep its digest")
	}
}

func TestBuildIDDeterminism(t *testing.T) {
	// Pinned SCM: the whole closure is deterministic.
	dir := writeProject(t, map[string]string{
		"recipes/leaf.yaml": leafRecipe,
		"recipes/root.yaml": rootRecipe,
	})
	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g, err := p.GeneratePackages(flatFormatter, nil)
	if err != nil {
		t.Fatalf("GeneratePackages: %v", err)
	}
	root, _ := g.WalkPackagePath("root")
	if root.PackageStep().BuildID() == nil {
		t.Fatal("deterministic closure must yield a build-id")
	}

	// A branch-tracking SCM poisons the closure.
	branchy := `
checkout:
  scm:
    - dir: src
      url: git://example.org/leaf.git
      branch: main
build:
  script: "make"
package:
  script: "make install"
`
	dir2 := writeProject(t, map[string]string{
		"recipes/leaf.yaml": branchy,
		"recipes/root.yaml": rootRecipe,
	})
	p2, err := Load(dir2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g2, err := p2.GeneratePackages(flatFormatter, nil)
	if err != nil {
		t.Fatalf("GeneratePackages: %v", err)
	}
	leaf, _ := g2.WalkPackagePath("leaf")
	if leaf.CheckoutStep().IsDeterministic() {
		t.Fatal("branch checkout must be non-deterministic")
	}
	if leaf.PackageStep().BuildID() != nil {
		t.Fatal("non-deterministic checkout must suppress the build-id")
	}
	root2, _ := g2.WalkPackagePath("root")
	if root2.PackageStep().BuildID() != nil {
		t.Fatal("non-determinism must poison dependent build-ids")
	}
}

func TestLoadErrors(t *testing.T) {
	// Unknown dependency.
	dir := writeProject(t, map[string]string{
		"recipes/root.yaml": "depends: [ghost]\npackage:\n  script: \"true\"\n",
	})
	if _, err := Load(dir); err == nil {
		t.Fatal("unknown dependency must fail")
	}

	// Dependency cycle.
	dir = writeProject(t, map[string]string{
		"recipes/a.yaml": "depends: [b]\npackage:\n  script: \"true\"\n",
		"recipes/b.yaml": "depends: [a]\npackage:\n  script: \"true\"\n",
	})
	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := p.GeneratePackages(flatFormatter, nil); err == nil {
		t.Fatal("cycle must fail")
	}

	// Empty project.
	empty := t.TempDir()
	if err := os.MkdirAll(filepath.Join(empty, "recipes"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := Load(empty); err == nil {
		t.Fatal("project without recipes must fail")
	}
}

func TestDefinesOverrideEnvironment(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"config.yaml":       "environment:\n  CFLAGS: -O2\n",
		"recipes/leaf.yaml": leafRecipe,
	})
	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	g1, err := p.GeneratePackages(flatFormatter, nil)
	if err != nil {
		t.Fatalf("GeneratePackages: %v", err)
	}
	g2, err := p.GeneratePackages(flatFormatter, map[string]string{"CFLAGS": "-O0"})
	if err != nil {
		t.Fatalf("GeneratePackages: %v", err)
	}

	l1, _ := g1.WalkPackagePath("leaf")
	l2, _ := g2.WalkPackagePath("leaf")
	if l2.BuildStep().Env()["CFLAGS"] != "-O0" {
		t.Fatalf("define not applied: %v", l2.BuildStep().Env())
	}
	if bytes.Equal(l1.BuildStep().Digest(), l2.BuildStep().Digest()) {
		t.Fatal("environment override must change digests")
	}
}
