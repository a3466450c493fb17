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

// Package sandbox provisions the root filesystem image used by the
// build sandbox: download, checksum verification and extraction into
// work/_sandbox.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"bob/internal/archive"
	"bob/internal/digest"
	"bob/internal/errdefs"
	"bob/internal/state"
)

// Config describes the sandbox image. Mounts are extra host paths
// bound into the sandbox by the script emitter, not used here.
type Config struct {
	URL        string
	DigestSHA1 []byte
	Mounts     map[string]string
}

// Dir is the directory below the workspace root that receives the
// extracted image. It is read-only for the rest of the build.
const Dir = "work/_sandbox"

// Provision makes sure the configured sandbox image is installed.
// Returns false when the sandbox is not configured. The persisted
// sandbox state is only advanced after a verified, complete
// extraction.
func Provision(ctx context.Context, cfg Config, st *state.Store, out io.Writer) (bool, error) {
	if cfg.URL == "" || len(cfg.DigestSHA1) == 0 {
		fmt.Fprintln(out, "Sandbox not configured. Building in regular mode...")
		return false, nil
	}

	installed, err := st.GetSandboxState(ctx)
	if err != nil {
		return false, err
	}
	if bytes.Equal(installed, cfg.DigestSHA1) {
		if _, err := os.Stat(Dir); err == nil {
			return true, nil
		}
		// Directory vanished underneath us; reset and reinstall.
		if err := st.SetSandboxState(ctx, nil); err != nil {
			return false, err
		}
	}

	fmt.Fprintln(out, ">> <sandbox>")
	fmt.Fprintf(out, "   DOWNLOAD  %s\n", cfg.URL)
	tmp, err := fetch(ctx, cfg.URL)
	if err != nil {
		return false, errdefs.WrapBuildError(err, "Error downloading sandbox image")
	}
	defer os.Remove(tmp)

	sum, err := digest.HashFile(tmp)
	if err != nil {
		return false, errdefs.WrapBuildError(err, "Error verifying sandbox image")
	}
	if !bytes.Equal(sum, cfg.DigestSHA1) {
		return false, errdefs.NewBuildError("Downloaded sandbox image does not match checksum!")
	}

	fmt.Fprintf(out, "   EXTRACT   %s\n", digest.Hex(cfg.DigestSHA1))
	if err := os.RemoveAll(Dir); err != nil {
		return false, errdefs.WrapBuildError(err, "Error replacing sandbox")
	}
	if err := os.MkdirAll(Dir, 0o755); err != nil {
		return false, errdefs.WrapBuildError(err, "Error replacing sandbox")
	}
	f, err := os.Open(tmp)
	if err != nil {
		return false, errdefs.WrapBuildError(err, "Error extracting sandbox image")
	}
	defer f.Close()
	if err := archive.Extract(f, Dir); err != nil {
		return false, errdefs.WrapBuildError(err, "Error extracting sandbox image")
	}

	if err := st.SetSandboxState(ctx, cfg.DigestSHA1); err != nil {
		return false, err
	}
	return true, nil
}

// fetch retrieves url into a temp file and returns its path. Plain
// paths and file:// URLs are read from the filesystem.
func fetch(ctx context.Context, url string) (string, error) {
	tmp := filepath.Join(os.TempDir(), "bob-sandbox-"+uuid.NewString())

	var src io.ReadCloser
	switch {
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", err
		}
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return "", fmt.Errorf("GET %s: %s", url, resp.Status)
		}
		src = resp.Body
	default:
		f, err := os.Open(strings.TrimPrefix(url, "file://"))
		if err != nil {
			return "", err
		}
		src = f
	}
	defer src.Close()

	dst, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}
