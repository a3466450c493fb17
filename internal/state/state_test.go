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

package state

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"bob/internal/errdefs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.sqlite")
	s, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDirectoryStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := DirectoryState{}
	got, err := s.GetDirectoryState(ctx, "work/foo/src/1", def)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unknown path should return default, got %v", got)
	}

	st := DirectoryState{
		StepDigestKey: []byte{1, 2, 3},
		"src":         []byte{4, 5, 6},
	}
	if err := s.SetDirectoryState(ctx, "work/foo/src/1", st); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err = s.GetDirectoryState(ctx, "work/foo/src/1", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Equal(st) {
		t.Fatalf("round trip mismatch: %v != %v", got, st)
	}
	if !bytes.Equal(got.Digest(), []byte{1, 2, 3}) {
		t.Fatalf("Digest = %v", got.Digest())
	}

	if err := s.DelDirectoryState(ctx, "work/foo/src/1"); err != nil {
		t.Fatalf("del: %v", err)
	}
	got, err = s.GetDirectoryState(ctx, "work/foo/src/1", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("deleted state should yield default, got %v", got)
	}
}

func TestDirectoryStateEqual(t *testing.T) {
	a := DirectoryState{"": []byte{1}, "src": []byte{2}}
	if !a.Equal(a.Clone()) {
		t.Fatal("clone must be equal")
	}
	b := a.Clone()
	b["src"] = []byte{3}
	if a.Equal(b) {
		t.Fatal("changed digest must not be equal")
	}
	delete(b, "src")
	if a.Equal(b) {
		t.Fatal("missing key must not be equal")
	}
}

func TestInputHashesPresence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, known, err := s.GetInputHashes(ctx, "p")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if known {
		t.Fatal("unknown path must report absent")
	}

	// An empty vector is stored and distinct from absent.
	if err := s.SetInputHashes(ctx, "p", [][]byte{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, known, err := s.GetInputHashes(ctx, "p")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !known || len(got) != 0 {
		t.Fatalf("empty vector: known=%v got=%v", known, got)
	}

	hashes := [][]byte{{1, 2}, {3, 4}}
	if err := s.SetInputHashes(ctx, "p", hashes); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, known, err = s.GetInputHashes(ctx, "p")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !known || !InputHashesEqual(got, hashes) {
		t.Fatalf("round trip mismatch: %v", got)
	}

	if err := s.DelInputHashes(ctx, "p"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, known, _ = s.GetInputHashes(ctx, "p"); known {
		t.Fatal("deleted vector must report absent")
	}
}

func TestInputHashesEqualOrder(t *testing.T) {
	a := [][]byte{{1}, {2}}
	b := [][]byte{{2}, {1}}
	if InputHashesEqual(a, b) {
		t.Fatal("order matters")
	}
	if !InputHashesEqual(a, [][]byte{{1}, {2}}) {
		t.Fatal("equal vectors must compare equal")
	}
}

func TestResultHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetResultHash(ctx, "w")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("unknown path must yield nil")
	}

	if err := s.SetResultHash(ctx, "w", []byte{9, 9}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err = s.GetResultHash(ctx, "w")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte{9, 9}) {
		t.Fatalf("round trip mismatch: %v", got)
	}

	if err := s.DelResultHash(ctx, "w"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if got, _ = s.GetResultHash(ctx, "w"); got != nil {
		t.Fatal("deleted hash must yield nil")
	}
}

func TestByNameDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1, err := s.ByNameDirectory(ctx, "work/foo/src", "aa", true)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if d1 != "work/foo/src/1" {
		t.Fatalf("first assignment = %q", d1)
	}

	// Same pair is stable, a new digest gets the next number.
	again, err := s.ByNameDirectory(ctx, "work/foo/src", "aa", true)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if again != d1 {
		t.Fatalf("unstable assignment: %q != %q", again, d1)
	}
	d2, err := s.ByNameDirectory(ctx, "work/foo/src", "bb", true)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if d2 != "work/foo/src/2" {
		t.Fatalf("second assignment = %q", d2)
	}

	// Non-persistent lookups never record anything.
	d3, err := s.ByNameDirectory(ctx, "work/foo/src", "cc", false)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if d3 != "work/foo/src/3" {
		t.Fatalf("probe = %q", d3)
	}
	all, err := s.AllNameDirectories(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("probe must not persist, got %v", all)
	}
}

func TestSandboxState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetSandboxState(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("fresh store must have no sandbox state")
	}

	if err := s.SetSandboxState(ctx, []byte{7, 7}); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err = s.GetSandboxState(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte{7, 7}) {
		t.Fatalf("round trip mismatch: %v", got)
	}

	if err := s.SetSandboxState(ctx, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got, _ = s.GetSandboxState(ctx); got != nil {
		t.Fatal("cleared state must be nil")
	}
}

func TestPersistenceAcrossOpens(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.sqlite")
	ctx := context.Background()

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.SetResultHash(ctx, "w", []byte{1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.ByNameDirectory(ctx, "work/a/dist", "dd", true); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	got, err := s.GetResultHash(ctx, "w")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte{1}) {
		t.Fatal("result hash did not survive reopen")
	}
	dir, err := s.ByNameDirectory(ctx, "work/a/dist", "dd", true)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if dir != "work/a/dist/1" {
		t.Fatalf("name directory did not survive reopen: %q", dir)
	}
}

func TestConcurrentOpenFails(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.sqlite")
	ctx := context.Background()

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	// Force the exclusive lock to be taken.
	if err := s.SetResultHash(ctx, "w", []byte{1}); err != nil {
		t.Fatalf("set: %v", err)
	}

	_, err = Open(ctx, dbPath)
	if !errors.Is(err, errdefs.ErrStateLocked) {
		t.Fatalf("second open = %v, want ErrStateLocked", err)
	}
}
