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

// Package remote is the client for the remote content-addressed gateway:
// info/content/put/mkdir/delete over HTTP, with a capability string in
// place of a path for everything reachable from the root.
package remote

import (
	"context"
	"io"
)

// Kind identifies whether a capability names a file or a directory, as
// reported by Info.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

// NodeInfo is the metadata the gateway returns for a capability.
type NodeInfo struct {
	Kind Kind
	Size int64
	// RO, if non-empty, is a read-only capability string for the same node
	// (the underlying Tahoe-LAFS grid distinguishes read-write and
	// read-only caps for a directory).
	RO string
}

// Gateway is the remote object-store surface every File/Directory Inode
// reads and writes through. Implementations must map a 404 response to an
// *errs.Error of KindNotFound and any other transport failure to
// KindRemoteIO.
type Gateway interface {
	// Info fetches the JSON metadata for cap.
	Info(ctx context.Context, cap string) (NodeInfo, error)

	// ReadRange returns length bytes starting at offset, or everything
	// from offset through EOF when length is negative. The caller must
	// Close the returned reader.
	ReadRange(ctx context.Context, cap string, offset, length int64) (io.ReadCloser, error)

	// Put uploads r as a new child named childName under parentCap,
	// returning the new child's capability.
	Put(ctx context.Context, parentCap, childName string, r io.Reader) (string, error)

	// Mkdir creates a new empty directory named childName under
	// parentCap, returning its capability.
	Mkdir(ctx context.Context, parentCap, childName string) (string, error)

	// Delete removes childName from parentCap.
	Delete(ctx context.Context, parentCap, childName string) error

	// WaitUntilWriteAllowed blocks until the PUT connection pool has spare
	// capacity, giving writers backpressure without consuming a slot.
	WaitUntilWriteAllowed(ctx context.Context) error
}
