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

// Package state provides the durable per-workspace state store backed
// by a SQLite database, including schema migrations and typed
// accessors for directory states, input hashes, result hashes, the
// name-directory map and the sandbox state.
//
// The store is exclusive: only one orchestrator process may have it
// open. Every mutator commits synchronously, so after a crash the
// database reflects exactly the operations that completed.
package state

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bob/internal/errdefs"
)

const (
	// Contending processes fail fast instead of queueing behind a
	// long-running build.
	lockBusyTimeout = 250 * time.Millisecond

	schemaVersionKey = "schema_version"
	sandboxStateKey  = "sandbox_digest"
)

// DirectoryState records what a workspace currently contains. For
// checkout workspaces it maps each SCM subdirectory to its digest plus
// the step digest under the empty key; for build and package
// workspaces only the step digest entry is present.
type DirectoryState map[string][]byte

// StepDigestKey is the DirectoryState key holding the step digest.
const StepDigestKey = ""

// SingleDigest returns a DirectoryState holding only the step digest.
func SingleDigest(digest []byte) DirectoryState {
	return DirectoryState{StepDigestKey: digest}
}

// Digest returns the step digest entry, or nil.
func (d DirectoryState) Digest() []byte {
	return d[StepDigestKey]
}

// Equal reports whether two directory states are identical.
func (d DirectoryState) Equal(o DirectoryState) bool {
	if len(d) != len(o) {
		return false
	}
	for k, v := range d {
		ov, ok := o[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Clone returns a copy that can be mutated independently.
func (d DirectoryState) Clone() DirectoryState {
	c := make(DirectoryState, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Store wraps the SQLite database holding all persistent build state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the state database at dbPath, takes the
// exclusive lock, and runs migrations. If another process holds the
// database, Open fails with errdefs.ErrStateLocked.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=locking_mode(EXCLUSIVE)&_pragma=synchronous(NORMAL)",
		dbPath, lockBusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// The exclusive lock lives on the connection; never use a second one.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		if isBusy(err) {
			return nil, errdefs.ErrStateLocked
		}
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return s, nil
}

// Close releases the database and its lock.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	// The first write takes the exclusive file lock.
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		cur = 1
	}

	// Rewriting the version is a write even when no migration ran, so
	// every open takes the exclusive lock, not only the first one.
	return s.setSchemaVersion(ctx, cur)
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	return s.setSetting(ctx, schemaVersionKey, fmt.Sprintf("%d", v))
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dir_states (
  path  TEXT PRIMARY KEY,
  state TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS input_hashes (
  path   TEXT PRIMARY KEY,
  hashes TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS result_hashes (
  path TEXT PRIMARY KEY,
  hash TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS name_dirs (
  logical TEXT NOT NULL,
  digest  TEXT NOT NULL,
  dir     TEXT NOT NULL UNIQUE,
  PRIMARY KEY (logical, digest)
);`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// --------------- Settings ---------------

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	if _, err := s.db.ExecContext(ctx, upsert, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) getSetting(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

// --------------- Directory state ---------------

// GetDirectoryState returns the stored state for a workspace path, or
// def when the path is unknown.
func (s *Store) GetDirectoryState(ctx context.Context, wsPath string, def DirectoryState) (DirectoryState, error) {
	const q = `SELECT state FROM dir_states WHERE path=?`
	var raw string
	err := s.db.QueryRowContext(ctx, q, wsPath).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get directory state %s: %w", wsPath, err)
	}
	return decodeDirState(raw)
}

// SetDirectoryState stores the state for a workspace path.
func (s *Store) SetDirectoryState(ctx context.Context, wsPath string, st DirectoryState) error {
	raw, err := encodeDirState(st)
	if err != nil {
		return err
	}
	const upsert = `
INSERT INTO dir_states(path, state) VALUES(?, ?)
ON CONFLICT(path) DO UPDATE SET state=excluded.state;`
	if _, err := s.db.ExecContext(ctx, upsert, wsPath, raw); err != nil {
		return fmt.Errorf("set directory state %s: %w", wsPath, err)
	}
	return nil
}

// DelDirectoryState removes the stored state for a workspace path.
func (s *Store) DelDirectoryState(ctx context.Context, wsPath string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dir_states WHERE path=?`, wsPath); err != nil {
		return fmt.Errorf("del directory state %s: %w", wsPath, err)
	}
	return nil
}

func encodeDirState(st DirectoryState) (string, error) {
	m := make(map[string]string, len(st))
	for k, v := range st {
		m[k] = hex.EncodeToString(v)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode directory state: %w", err)
	}
	return string(raw), nil
}

func decodeDirState(raw string) (DirectoryState, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode directory state: %w", err)
	}
	st := make(DirectoryState, len(m))
	for k, v := range m {
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode directory state: %w", err)
		}
		st[k] = b
	}
	return st, nil
}

// --------------- Input hashes ---------------

// GetInputHashes returns the ordered upstream result hashes captured
// at the workspace's last successful execution. The bool reports
// whether a vector is stored at all; an empty vector is a valid value
// distinct from "absent".
func (s *Store) GetInputHashes(ctx context.Context, wsPath string) ([][]byte, bool, error) {
	const q = `SELECT hashes FROM input_hashes WHERE path=?`
	var raw string
	err := s.db.QueryRowContext(ctx, q, wsPath).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get input hashes %s: %w", wsPath, err)
	}
	var hexes []string
	if err := json.Unmarshal([]byte(raw), &hexes); err != nil {
		return nil, false, fmt.Errorf("decode input hashes %s: %w", wsPath, err)
	}
	out := make([][]byte, len(hexes))
	for i, h := range hexes {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, false, fmt.Errorf("decode input hashes %s: %w", wsPath, err)
		}
		out[i] = b
	}
	return out, true, nil
}

// SetInputHashes stores the input hash vector for a workspace path.
func (s *Store) SetInputHashes(ctx context.Context, wsPath string, hashes [][]byte) error {
	hexes := make([]string, len(hashes))
	for i, h := range hashes {
		hexes[i] = hex.EncodeToString(h)
	}
	raw, err := json.Marshal(hexes)
	if err != nil {
		return fmt.Errorf("encode input hashes %s: %w", wsPath, err)
	}
	const upsert = `
INSERT INTO input_hashes(path, hashes) VALUES(?, ?)
ON CONFLICT(path) DO UPDATE SET hashes=excluded.hashes;`
	if _, err := s.db.ExecContext(ctx, upsert, wsPath, string(raw)); err != nil {
		return fmt.Errorf("set input hashes %s: %w", wsPath, err)
	}
	return nil
}

// DelInputHashes removes the input hash vector for a workspace path.
func (s *Store) DelInputHashes(ctx context.Context, wsPath string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM input_hashes WHERE path=?`, wsPath); err != nil {
		return fmt.Errorf("del input hashes %s: %w", wsPath, err)
	}
	return nil
}

// InputHashesEqual compares two input hash vectors element-wise.
func InputHashesEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// --------------- Result hash ---------------

// GetResultHash returns the workspace's result hash, or nil if the
// last execution did not complete.
func (s *Store) GetResultHash(ctx context.Context, wsPath string) ([]byte, error) {
	const q = `SELECT hash FROM result_hashes WHERE path=?`
	var raw string
	err := s.db.QueryRowContext(ctx, q, wsPath).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result hash %s: %w", wsPath, err)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode result hash %s: %w", wsPath, err)
	}
	return b, nil
}

// SetResultHash stores the workspace's result hash.
func (s *Store) SetResultHash(ctx context.Context, wsPath string, hash []byte) error {
	const upsert = `
INSERT INTO result_hashes(path, hash) VALUES(?, ?)
ON CONFLICT(path) DO UPDATE SET hash=excluded.hash;`
	if _, err := s.db.ExecContext(ctx, upsert, wsPath, hex.EncodeToString(hash)); err != nil {
		return fmt.Errorf("set result hash %s: %w", wsPath, err)
	}
	return nil
}

// DelResultHash removes the workspace's result hash.
func (s *Store) DelResultHash(ctx context.Context, wsPath string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM result_hashes WHERE path=?`, wsPath); err != nil {
		return fmt.Errorf("del result hash %s: %w", wsPath, err)
	}
	return nil
}

// --------------- Name directories ---------------

// ByNameDirectory returns the stable physical directory assigned to a
// (logical path, digest) pair. Unknown pairs get the next numbered
// directory below the logical path; the assignment is recorded only
// when persistent is true.
func (s *Store) ByNameDirectory(ctx context.Context, logical, digestHex string, persistent bool) (string, error) {
	const q = `SELECT dir FROM name_dirs WHERE logical=? AND digest=?`
	var dir string
	err := s.db.QueryRowContext(ctx, q, logical, digestHex).Scan(&dir)
	if err == nil {
		return dir, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("get name directory %s: %w", logical, err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM name_dirs WHERE logical=?`, logical).Scan(&count); err != nil {
		return "", fmt.Errorf("count name directories %s: %w", logical, err)
	}
	dir = path.Join(logical, fmt.Sprintf("%d", count+1))

	if persistent {
		const ins = `INSERT INTO name_dirs(logical, digest, dir) VALUES(?, ?, ?)`
		if _, err := s.db.ExecContext(ctx, ins, logical, digestHex, dir); err != nil {
			return "", fmt.Errorf("record name directory %s: %w", logical, err)
		}
	}
	return dir, nil
}

// AllNameDirectories lists every physical directory the store has ever
// assigned.
func (s *Store) AllNameDirectories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT dir FROM name_dirs ORDER BY dir`)
	if err != nil {
		return nil, fmt.Errorf("list name directories: %w", err)
	}
	defer rows.Close()

	var dirs []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("list name directories: %w", err)
		}
		dirs = append(dirs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list name directories: %w", err)
	}
	return dirs, nil
}

// --------------- Sandbox state ---------------

// GetSandboxState returns the digest of the currently installed
// sandbox image, or nil when none is installed.
func (s *Store) GetSandboxState(ctx context.Context) ([]byte, error) {
	val, ok, err := s.getSetting(ctx, sandboxStateKey)
	if err != nil || !ok {
		return nil, err
	}
	b, err := hex.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("decode sandbox state: %w", err)
	}
	return b, nil
}

// SetSandboxState records the installed sandbox image digest. A nil
// digest clears the record.
func (s *Store) SetSandboxState(ctx context.Context, digest []byte) error {
	if digest == nil {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key=?`, sandboxStateKey); err != nil {
			return fmt.Errorf("clear sandbox state: %w", err)
		}
		return nil
	}
	return s.setSetting(ctx, sandboxStateKey, hex.EncodeToString(digest))
}
