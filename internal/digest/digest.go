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

// Package digest computes content hashes of files and directory trees.
//
// Directory hashing keeps a persistent cache next to the workspace so
// unchanged files are not re-read across runs. A file's cache entry is
// keyed by its (inode, mtime, size) triple.
package digest

import (
	"crypto/sha1"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
)

// Hex returns the lowercase hex encoding of b.
func Hex(b []byte) string {
	return hex.EncodeToString(b)
}

// HashFile returns the SHA-1 digest of the file content at path.
func HashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

type cacheEntry struct {
	Inode uint64
	Mtime int64
	Size  int64
	Sum   []byte
}

type fileCache struct {
	path    string
	entries map[string]cacheEntry
	dirty   bool
}

func loadCache(path string) *fileCache {
	c := &fileCache{path: path, entries: map[string]cacheEntry{}}
	if path == "" {
		return c
	}
	f, err := os.Open(path)
	if err != nil {
		return c
	}
	defer f.Close()
	// A corrupt or stale cache is discarded, not an error.
	if err := gob.NewDecoder(f).Decode(&c.entries); err != nil {
		c.entries = map[string]cacheEntry{}
	}
	return c
}

func (c *fileCache) save() error {
	if c.path == "" || !c.dirty {
		return nil
	}
	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(c.entries); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *fileCache) hashFile(path string, st os.FileInfo) ([]byte, error) {
	var inode uint64
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		inode = sys.Ino
	}
	key := path
	if e, ok := c.entries[key]; ok &&
		e.Inode == inode && e.Mtime == st.ModTime().UnixNano() && e.Size == st.Size() {
		return e.Sum, nil
	}
	sum, err := HashFile(path)
	if err != nil {
		return nil, err
	}
	c.entries[key] = cacheEntry{
		Inode: inode,
		Mtime: st.ModTime().UnixNano(),
		Size:  st.Size(),
		Sum:   sum,
	}
	c.dirty = true
	return sum, nil
}

// HashDirectory returns a stable content hash of the tree rooted at
// path. Entries are hashed in sorted name order. Symlinks contribute
// their literal target text, not the referent. If cachePath is
// non-empty it is used as a persistent hash cache and rewritten when
// entries change.
func HashDirectory(path, cachePath string) ([]byte, error) {
	cache := loadCache(cachePath)
	sum, err := hashTree(path, cache)
	if err != nil {
		return nil, err
	}
	if err := cache.save(); err != nil {
		return nil, fmt.Errorf("write hash cache %s: %w", cachePath, err)
	}
	return sum, nil
}

func hashTree(dir string, cache *fileCache) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	h := sha1.New()
	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(dir, name)
		switch {
		case e.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return nil, fmt.Errorf("hash %s: %w", full, err)
			}
			fmt.Fprintf(h, "l %s\x00%s\x00", name, target)
		case e.IsDir():
			sub, err := hashTree(full, cache)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(h, "d %s\x00", name)
			h.Write(sub)
		default:
			st, err := os.Lstat(full)
			if err != nil {
				return nil, fmt.Errorf("hash %s: %w", full, err)
			}
			sum, err := cache.hashFile(full, st)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(h, "f %s\x00", name)
			h.Write(sum)
		}
	}
	return h.Sum(nil), nil
}
