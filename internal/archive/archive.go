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

// Package archive implements the deterministic-artifact archive: a
// write-once store of tarred workspaces keyed by build-id, with
// filesystem and HTTP backends.
//
// Keys split the hex build-id as AA/BB/REST.tgz. A download miss is
// not an error: Download returns false and the caller falls back to a
// local build. The HTTP backend treats a failed connection as a miss
// too. Everything else fails with an errdefs.ArchiveError.
package archive

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"bob/internal/digest"
	"bob/internal/errdefs"
	"bob/internal/fsutil"
)

// Archive up- and downloads workspace results keyed by build-id.
type Archive interface {
	// Upload publishes path under buildID. Returns false without
	// error when the archive already holds the key.
	Upload(ctx context.Context, buildID []byte, path string) (bool, error)

	// Download fetches the archive for buildID into path, replacing
	// it entirely. Returns false without touching path when the key
	// does not exist.
	Download(ctx context.Context, buildID []byte, path string) (bool, error)
}

// keyPath splits a hex build-id into the AA/BB/REST.tgz layout.
func keyPath(buildID []byte) (dir, file string) {
	id := digest.Hex(buildID)
	return filepath.Join(id[0:2], id[2:4]), id[4:] + ".tgz"
}

// Dummy is the "none" backend: uploads vanish, downloads always miss.
type Dummy struct{}

func (Dummy) Upload(context.Context, []byte, string) (bool, error) {
	return false, nil
}

func (Dummy) Download(context.Context, []byte, string) (bool, error) {
	return false, nil
}

// Local stores archives below a base directory on the filesystem.
type Local struct {
	basePath string
}

// NewLocal creates a filesystem backend rooted at basePath.
func NewLocal(basePath string) (*Local, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, errdefs.NewConfigError("invalid archive path %q: %v", basePath, err)
	}
	return &Local{basePath: abs}, nil
}

func (a *Local) Upload(ctx context.Context, buildID []byte, path string) (bool, error) {
	dir, file := keyPath(buildID)
	resultDir := filepath.Join(a.basePath, dir)
	resultFile := filepath.Join(resultDir, file)

	if _, err := os.Stat(resultFile); err == nil {
		return false, nil
	}

	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	// Write to a temp name first so a concurrent reader never sees a
	// partial archive.
	tmp := resultFile + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	if err := Pack(f, path); err != nil {
		f.Close()
		os.Remove(tmp)
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	if err := os.Rename(tmp, resultFile); err != nil {
		os.Remove(tmp)
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	return true, nil
}

func (a *Local) Download(ctx context.Context, buildID []byte, path string) (bool, error) {
	dir, file := keyPath(buildID)
	resultFile := filepath.Join(a.basePath, dir, file)

	f, err := os.Open(resultFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errdefs.WrapArchiveError(err, "download %s", path)
	}
	defer f.Close()

	if err := replaceWith(path, f); err != nil {
		return false, err
	}
	return true, nil
}

// HTTP talks to a plain HTTP archive: HEAD to probe, PUT to publish,
// GET to fetch.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates an HTTP backend below the given base URL.
func NewHTTP(url string) *HTTP {
	return &HTTP{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Minute,
		},
	}
}

func (a *HTTP) makeURL(buildID []byte) string {
	id := digest.Hex(buildID)
	return a.url + "/" + id[0:2] + "/" + id[2:4] + "/" + id[4:] + ".tgz"
}

func (a *HTTP) Upload(ctx context.Context, buildID []byte, path string) (bool, error) {
	url := a.makeURL(buildID)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return false, nil
	case resp.StatusCode == http.StatusNotFound:
		// fall through to PUT
	default:
		return false, errdefs.NewArchiveError("HEAD %s: unexpected status %s", url, resp.Status)
	}

	// Spool the archive to a temp file so the PUT carries a length.
	tmp, err := os.CreateTemp("", "bob-upload-"+uuid.NewString())
	if err != nil {
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if err := Pack(tmp, path); err != nil {
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodPut, url, tmp)
	if err != nil {
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/gzip")
	resp, err = a.client.Do(req)
	if err != nil {
		return false, errdefs.WrapArchiveError(err, "upload %s", path)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, errdefs.NewArchiveError("PUT %s: unexpected status %s", url, resp.Status)
	}
	return true, nil
}

func (a *HTTP) Download(ctx context.Context, buildID []byte, path string) (bool, error) {
	url := a.makeURL(buildID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, errdefs.WrapArchiveError(err, "download %s", path)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		// Connection trouble degrades to a local build.
		return false, nil
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, errdefs.NewArchiveError("GET %s: unexpected status %s", url, resp.Status)
	}

	if err := replaceWith(path, resp.Body); err != nil {
		return false, err
	}
	return true, nil
}

// replaceWith recreates path from the tar stream r. Extraction errors
// are fatal: a partially extracted workspace must not survive.
func replaceWith(path string, r io.Reader) error {
	if err := fsutil.RemovePath(path); err != nil {
		return errdefs.WrapArchiveError(err, "download %s", path)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errdefs.WrapArchiveError(err, "download %s", path)
	}
	if err := Extract(r, path); err != nil {
		return errdefs.WrapArchiveError(err, "download %s", path)
	}
	return nil
}

// FromSpec builds the backend selected by the project configuration.
func FromSpec(backend, path, url string) (Archive, error) {
	switch backend {
	case "", "none":
		return Dummy{}, nil
	case "file":
		if path == "" {
			return nil, errdefs.NewConfigError("file archive needs a path")
		}
		return NewLocal(path)
	case "http":
		if url == "" {
			return nil, errdefs.NewConfigError("http archive needs a url")
		}
		return NewHTTP(url), nil
	default:
		return nil, errdefs.NewConfigError("invalid archive backend: %s", backend)
	}
}
