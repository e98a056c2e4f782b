// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the typed error kinds that cross the FS operation
// surface and their mapping to POSIX errno values.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind identifies one of the error taxonomies in the design document.
type Kind int

const (
	KindNotFound Kind = iota
	KindAlreadyExists
	KindNotWriteable
	KindNotReadable
	KindUnsupported
	KindIsDirectory
	KindNotDirectory
	KindRemoteIO
	KindLocalIO
	KindInvalid
)

var errnoForKind = map[Kind]syscall.Errno{
	KindNotFound:      syscall.ENOENT,
	KindAlreadyExists: syscall.EEXIST,
	KindNotWriteable:  syscall.EBADF,
	KindNotReadable:   syscall.EACCES,
	KindUnsupported:   syscall.ENOTSUP,
	KindIsDirectory:   syscall.EISDIR,
	KindNotDirectory:  syscall.ENOTDIR,
	KindRemoteIO:      syscall.EREMOTEIO,
	KindLocalIO:       syscall.EIO,
	KindInvalid:       syscall.EINVAL,
}

// Error is the typed error every component in this module returns for
// expected failure modes. Operation-surface code maps it to an errno with
// Errno(); anything else is logged and converted to EIO.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Path != "" {
			return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind.String())
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind.String())
}

func (e *Error) Unwrap() error { return e.Err }

// Errno returns the POSIX errno this error kind maps to.
func (e *Error) Errno() syscall.Errno {
	if errno, ok := errnoForKind[e.Kind]; ok {
		return errno
	}
	return syscall.EIO
}

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindNotWriteable:
		return "not writeable"
	case KindNotReadable:
		return "not readable"
	case KindUnsupported:
		return "unsupported"
	case KindIsDirectory:
		return "is a directory"
	case KindNotDirectory:
		return "not a directory"
	case KindRemoteIO:
		return "remote I/O error"
	case KindLocalIO:
		return "local I/O error"
	case KindInvalid:
		return "invalid argument"
	default:
		return "unknown error"
	}
}

// New constructs an *Error of the given kind for the given operation/path.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// NotFound, AlreadyExists, ... are convenience constructors mirroring the
// taxonomy in the design document.
func NotFound(op, path string) *Error      { return New(KindNotFound, op, path, nil) }
func AlreadyExists(op, path string) *Error { return New(KindAlreadyExists, op, path, nil) }
func NotWriteable(op, path string) *Error  { return New(KindNotWriteable, op, path, nil) }
func NotReadable(op, path string) *Error   { return New(KindNotReadable, op, path, nil) }
func Unsupported(op, path string) *Error   { return New(KindUnsupported, op, path, nil) }
func IsDirectory(op, path string) *Error   { return New(KindIsDirectory, op, path, nil) }
func NotDirectory(op, path string) *Error  { return New(KindNotDirectory, op, path, nil) }

func RemoteIO(op, path string, err error) *Error { return New(KindRemoteIO, op, path, err) }
func LocalIO(op, path string, err error) *Error  { return New(KindLocalIO, op, path, err) }
func Invalid(op, path string, err error) *Error  { return New(KindInvalid, op, path, err) }

// ErrnoOf maps any error to a syscall.Errno, the way the FS operation
// surface is required to for every return value: a *Error maps through its
// Kind, anything else becomes EIO.
func ErrnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if !errors.As(err, &e) {
		return syscall.EIO
	}
	return e.Errno()
}
