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

// Package errdefs defines the error taxonomy shared across the
// orchestrator: build failures carrying a package frame stack, archive
// transfer failures, state-store contention, and configuration errors.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStateLocked indicates that another orchestrator process holds the
// workspace state database.
var ErrStateLocked = errors.New("workspace state is locked by another process")

// BuildError is a failure originating in a build step. As it propagates
// up the dependency traversal every level annotates it with its package
// name, so the user sees the chain from the requested root down to the
// failing leaf.
type BuildError struct {
	msg    string
	frames []string
	cause  error
}

// NewBuildError creates a BuildError with a formatted message.
func NewBuildError(format string, args ...any) *BuildError {
	return &BuildError{msg: fmt.Sprintf(format, args...)}
}

// WrapBuildError creates a BuildError whose cause is err.
func WrapBuildError(err error, format string, args ...any) *BuildError {
	return &BuildError{msg: fmt.Sprintf(format, args...), cause: err}
}

// PushFrame prepends a package name to the frame stack. Consecutive
// pushes of the same name collapse, so the stack reads as the package
// path from the requested root down to the failing step.
func (e *BuildError) PushFrame(name string) {
	if len(e.frames) > 0 && e.frames[0] == name {
		return
	}
	e.frames = append([]string{name}, e.frames...)
}

// Frames returns the package names from the requested root down to the
// failing package.
func (e *BuildError) Frames() []string {
	return e.frames
}

// Stack renders the frame chain as "root/.../leaf".
func (e *BuildError) Stack() string {
	return strings.Join(e.frames, "/")
}

func (e *BuildError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *BuildError) Unwrap() error {
	return e.cause
}

// ArchiveError is a BuildError raised by an archive backend for any
// failure that is not a plain "not found". Downloads that merely miss
// return false instead of raising it.
type ArchiveError struct {
	BuildError
}

// NewArchiveError creates an ArchiveError with a formatted message.
func NewArchiveError(format string, args ...any) *ArchiveError {
	return &ArchiveError{BuildError{msg: fmt.Sprintf(format, args...)}}
}

// WrapArchiveError creates an ArchiveError whose cause is err.
func WrapArchiveError(err error, format string, args ...any) *ArchiveError {
	return &ArchiveError{BuildError{msg: fmt.Sprintf(format, args...), cause: err}}
}

// ConfigError reports invalid project configuration: unknown archive
// backends, malformed recipes or conflicting command line flags.
type ConfigError struct {
	msg string
}

// NewConfigError creates a ConfigError with a formatted message.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	return e.msg
}

// AsBuildError returns the BuildError in err's chain, if any. An
// ArchiveError satisfies this too.
func AsBuildError(err error) (*BuildError, bool) {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return &ae.BuildError, true
	}
	var be *BuildError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
