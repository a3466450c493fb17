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

// Package fsutil holds the small set of filesystem operations the
// orchestrator performs on workspaces.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	cp "github.com/otiai10/copy"
)

// RemovePath deletes path recursively. If the first attempt fails,
// every directory below path is made writable and the removal is
// retried once, so recipe output with stripped directory permissions
// cannot block it.
func RemovePath(path string) error {
	err := os.RemoveAll(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	// Retry once with permissions forced open.
	walkErr := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			_ = os.Chmod(p, 0o755)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// EmptyDirectory removes every entry below path but keeps path itself.
func EmptyDirectory(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("empty %s: %w", path, err)
	}
	for _, e := range entries {
		if err := RemovePath(filepath.Join(path, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// CopyTree copies src to dst, preserving symlinks as links. A
// pre-existing dst is replaced, never merged into.
func CopyTree(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		if err := RemovePath(dst); err != nil {
			return err
		}
	}
	opts := cp.Options{
		OnSymlink: func(string) cp.SymlinkAction {
			return cp.Shallow
		},
	}
	if err := cp.Copy(src, dst, opts); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}
