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

// Package downloader implements the lazy-fetch byte-range stream a File
// Inode drives to fill its Block Cached File on demand.
package downloader

import (
	"context"
	"io"

	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/remote"
)

// ChunkSize is the unit read from the remote stream per iteration,
// matching block.DefaultBlockSize.
const ChunkSize = 131072

// aheadSlack is how far past the current stream position a requested
// offset may lie before the stream is discarded and reopened rather than
// read-and-discarded up to that point.
const aheadSlack = 3 * ChunkSize

// Stream is a resumable byte-range reader over a remote capability. It is
// not safe for concurrent use; the File Inode's stream lock serializes
// access.
type Stream struct {
	gw  remote.Gateway
	cap string

	body   io.ReadCloser
	offset int64
}

// New creates a Stream bound to gw and cap. No remote connection is opened
// until EnsureAt is called.
func New(gw remote.Gateway, cap string) *Stream {
	return &Stream{gw: gw, cap: cap}
}

// Open reports whether a remote connection is currently held open.
func (s *Stream) Open() bool { return s.body != nil }

// Offset returns the stream's current read position, valid only when Open.
func (s *Stream) Offset() int64 { return s.offset }

// EnsureAt opens a byte-range GET starting at offset, reusing the existing
// connection if it already starts at or before offset and is within
// aheadSlack bytes of it; otherwise it closes any existing connection and
// opens a fresh one.
func (s *Stream) EnsureAt(ctx context.Context, offset int64) error {
	if s.body != nil {
		if s.offset <= offset && offset < s.offset+aheadSlack {
			return nil
		}
		s.Close()
	}

	rc, err := s.gw.ReadRange(ctx, s.cap, offset, -1)
	if err != nil {
		return err
	}
	s.body = rc
	s.offset = offset
	return nil
}

// ReadChunk reads up to ChunkSize bytes from the open stream, advancing its
// offset. A zero-length, nil-error return means the remote source has
// reached EOF; the stream is closed in that case, as it is on any read
// error.
func (s *Stream) ReadChunk() ([]byte, error) {
	if s.body == nil {
		return nil, errs.Invalid("Stream.ReadChunk", s.cap, nil)
	}

	buf := make([]byte, ChunkSize)
	n, err := io.ReadFull(s.body, buf)
	switch {
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		s.Close()
		return buf[:n], nil
	case err != nil:
		s.Close()
		return nil, errs.RemoteIO("Stream.ReadChunk", s.cap, err)
	}

	s.offset += int64(n)
	return buf[:n], nil
}

// Close releases the underlying connection, if any.
func (s *Stream) Close() {
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
}
