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

package delta

import (
	"time"

	"github.com/riverfs/riverfs/ttlcache"
)

// Process names one of the three concurrent actors an inode's ephemeral
// state tracks.
type Process string

const (
	ProcessRead  Process = "read"
	ProcessWrite Process = "write"
	ProcessSync  Process = "sync"
)

// ProcessState is one of the five states a process may be in with respect
// to a given inode.
type ProcessState int

const (
	StateIdle ProcessState = iota
	StatePending
	StateRunning
	StateComplete
	StateError
)

// SyncOwner identifies the sync worker process currently holding ownership
// of an inode's upload/download, the ephemeral twin of sync_pid/sync_host.
type SyncOwner struct {
	PID  int
	Host string
}

func (a SyncOwner) equal(b SyncOwner) bool { return a == b }

type stateKey struct {
	id      int64
	process Process
}

// Ephemeral is the key-value half of the coordination layer: per-inode
// process states and the sync ownership/coalescing fields, all with TTL
// expiry so a crashed owner's locks recover automatically. Defined as an
// interface so a future Redis-backed implementation is a drop-in
// replacement for this in-process one.
type Ephemeral interface {
	GetState(id int64, process Process) (ProcessState, bool)
	// SetState performs a compare-and-set: it succeeds only if the
	// current state equals expected (StateIdle if the key is unset), and
	// a read immediately after confirms the new value.
	SetState(id int64, process Process, newState, expected ProcessState) bool

	GetSyncOwner(id int64) (SyncOwner, bool)
	// SetSyncOwner performs a compare-and-set against expected the same
	// way SetState does, for acquiring or releasing sync ownership.
	SetSyncOwner(id int64, newOwner, expected SyncOwner) bool

	GetSyncAgain(id int64) bool
	SetSyncAgain(id int64, again bool)

	SetLastWritten(id int64, at time.Time)
	GetLastWritten(id int64) (time.Time, bool)
}

// defaultTTL is the ephemeral store's lock lifetime (spec's
// redis_semaphore_timeout default), after which an abandoned lock expires
// on its own.
const defaultTTL = 1800 * time.Second

// inMemoryEphemeral is the process-local Ephemeral implementation: one
// generic ttlcache.Cache per field, keyed by inode id (or (id, process)),
// using ttlcache's CompareAndSwap as the CAS primitive the set_state
// contract requires.
type inMemoryEphemeral struct {
	states    *ttlcache.Cache[stateKey, ProcessState]
	owners    *ttlcache.Cache[int64, SyncOwner]
	syncAgain *ttlcache.Cache[int64, bool]
	lastWrite *ttlcache.Cache[int64, time.Time]
}

// NewEphemeral builds an in-process Ephemeral store with the given TTL (0
// selects the default).
func NewEphemeral(ttl time.Duration) Ephemeral {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &inMemoryEphemeral{
		states:    ttlcache.New[stateKey, ProcessState](ttl, ttl/10+time.Second),
		owners:    ttlcache.New[int64, SyncOwner](ttl, ttl/10+time.Second),
		syncAgain: ttlcache.New[int64, bool](ttl, ttl/10+time.Second),
		lastWrite: ttlcache.New[int64, time.Time](ttl, ttl/10+time.Second),
	}
}

func (e *inMemoryEphemeral) GetState(id int64, process Process) (ProcessState, bool) {
	return e.states.Get(stateKey{id, process})
}

func (e *inMemoryEphemeral) SetState(id int64, process Process, newState, expected ProcessState) bool {
	key := stateKey{id, process}
	ok := e.states.CompareAndSwap(key, expected, newState, func(a, b ProcessState) bool { return a == b })
	if !ok {
		return false
	}
	confirmed, found := e.states.Get(key)
	return found && confirmed == newState
}

func (e *inMemoryEphemeral) GetSyncOwner(id int64) (SyncOwner, bool) {
	return e.owners.Get(id)
}

func (e *inMemoryEphemeral) SetSyncOwner(id int64, newOwner, expected SyncOwner) bool {
	ok := e.owners.CompareAndSwap(id, expected, newOwner, SyncOwner.equal)
	if !ok {
		return false
	}
	confirmed, found := e.owners.Get(id)
	return found && confirmed == newOwner
}

func (e *inMemoryEphemeral) GetSyncAgain(id int64) bool {
	v, _ := e.syncAgain.Get(id)
	return v
}

func (e *inMemoryEphemeral) SetSyncAgain(id int64, again bool) {
	e.syncAgain.Set(id, again)
}

func (e *inMemoryEphemeral) SetLastWritten(id int64, at time.Time) {
	e.lastWrite.Set(id, at)
}

func (e *inMemoryEphemeral) GetLastWritten(id int64) (time.Time, bool) {
	return e.lastWrite.Get(id)
}
