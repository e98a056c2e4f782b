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

package syncworker

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverfs/riverfs/clock"
	"github.com/riverfs/riverfs/delta"
	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/inode"
	"github.com/riverfs/riverfs/registry"
	"github.com/riverfs/riverfs/remote"
)

type fakeGW struct {
	dirs  map[string]map[string]remote.NodeInfo
	files map[string][]byte
	onPut func(childName string, data []byte)
}

func newFakeGW() *fakeGW {
	return &fakeGW{
		dirs:  map[string]map[string]remote.NodeInfo{"root": {}},
		files: map[string][]byte{},
	}
}

func (g *fakeGW) Info(ctx context.Context, cap string) (remote.NodeInfo, error) {
	if cap == "" {
		cap = "root"
	}
	if _, ok := g.dirs[cap]; ok {
		return remote.NodeInfo{Kind: remote.KindDirectory, RO: cap}, nil
	}
	if data, ok := g.files[cap]; ok {
		return remote.NodeInfo{Kind: remote.KindFile, Size: int64(len(data))}, nil
	}
	return remote.NodeInfo{}, errs.NotFound("fakeGW.Info", cap)
}

func (g *fakeGW) ReadRange(ctx context.Context, cap string, offset, length int64) (io.ReadCloser, error) {
	data := g.files[cap]
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

func (g *fakeGW) Put(ctx context.Context, parentCap, childName string, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	cap := "file:" + childName
	g.files[cap] = b
	if g.onPut != nil {
		g.onPut(childName, b)
	}
	return cap, nil
}

func (g *fakeGW) Mkdir(ctx context.Context, parentCap, childName string) (string, error) {
	cap := "dir:" + childName
	g.dirs[cap] = map[string]remote.NodeInfo{}
	return cap, nil
}

func (g *fakeGW) Delete(ctx context.Context, parentCap, childName string) error { return nil }

func (g *fakeGW) WaitUntilWriteAllowed(ctx context.Context) error { return nil }

type testEnv struct {
	reg *registry.Registry
	gw  *fakeGW
	db  *delta.Durable
	eph delta.Ephemeral
	clk clock.Clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gw := newFakeGW()
	clk := &clock.FakeClock{}

	reg, err := registry.New(registry.Config{
		CacheDir:       t.TempDir(),
		CacheSize:      10 << 20,
		CacheData:      true,
		ReadLifetime:   time.Hour,
		WriteLifetime:  time.Hour,
		BlockSize:      131072,
		FilenameSecret: []byte("test-secret"),
	}, gw, clk, nil)
	require.NoError(t, err)

	db, err := delta.OpenDurable(filepath.Join(t.TempDir(), "delta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &testEnv{reg: reg, gw: gw, db: db, eph: delta.NewEphemeral(time.Minute), clk: clk}
}

func (e *testEnv) newDirtyFile(t *testing.T, upathStr string, content string) int64 {
	t.Helper()
	ctx := context.Background()

	id, err := e.db.CreatePath(ctx, upathStr, inode.KindFile, "")
	require.NoError(t, err)

	f, err := e.reg.GetFileInode(ctx, upathStr, false, true, 0)
	require.NoError(t, err)
	require.NoError(t, f.Write(ctx, 0, []byte(content)))

	return id
}

func TestSyncWorker_UpstreamExitsCleanWithNoSyncAgain(t *testing.T) {
	env := newTestEnv(t)
	id := env.newDirtyFile(t, "a.txt", "unused")

	owner := CurrentOwner()
	require.True(t, env.eph.SetSyncOwner(id, owner, delta.SyncOwner{}))

	w := New(env.reg, env.db, env.eph, env.clk, owner, nil, nil)
	require.NoError(t, w.RunUpstream(context.Background(), id, nil))

	assert.Empty(t, env.gw.files)
	released, ok := env.eph.GetSyncOwner(id)
	assert.True(t, ok)
	assert.Equal(t, delta.SyncOwner{}, released)
}

func TestSyncWorker_UpstreamConflictWhenDifferentOwnerRecorded(t *testing.T) {
	env := newTestEnv(t)
	id := env.newDirtyFile(t, "b.txt", "data")

	other := delta.SyncOwner{PID: 999, Host: "someone-else"}
	require.True(t, env.eph.SetSyncOwner(id, other, delta.SyncOwner{}))

	w := New(env.reg, env.db, env.eph, env.clk, CurrentOwner(), nil, nil)
	err := w.RunUpstream(context.Background(), id, nil)
	assert.Error(t, err)

	// The conflicting owner's lock must be left untouched -- this worker
	// never held it, so it has nothing to release.
	got, ok := env.eph.GetSyncOwner(id)
	assert.True(t, ok)
	assert.Equal(t, other, got)
}

func TestSyncWorker_UpstreamTimesOutWaitingForOwnership(t *testing.T) {
	env := newTestEnv(t)
	id := env.newDirtyFile(t, "c.txt", "data")
	// No owner ever recorded.

	w := New(env.reg, env.db, env.eph, env.clk, CurrentOwner(), nil, nil)
	err := w.RunUpstream(context.Background(), id, nil)
	assert.Error(t, err)
}

func TestSyncWorker_UpstreamPreSuppliedSnapshotSkipsInitialSyncAgainCheck(t *testing.T) {
	env := newTestEnv(t)
	id := env.newDirtyFile(t, "d.txt", "payload")

	owner := CurrentOwner()
	require.True(t, env.eph.SetSyncOwner(id, owner, delta.SyncOwner{}))
	// sync_again is false, but a frozen snapshot is supplied directly --
	// the preserved open question means the worker must still push it
	// without consulting sync_again first.
	env.eph.SetSyncAgain(id, false)

	f, err := env.reg.GetFileInode(context.Background(), "d.txt", false, false, 0)
	require.NoError(t, err)
	snap, err := f.Freeze(context.Background())
	require.NoError(t, err)
	require.True(t, snap.Dirty)

	w := New(env.reg, env.db, env.eph, env.clk, owner, nil, nil)
	require.NoError(t, w.RunUpstream(context.Background(), id, &snap))

	assert.Equal(t, "payload", string(env.gw.files["file:d.txt"]))
	assert.False(t, env.eph.GetSyncAgain(id))
}

func TestSyncWorker_UpstreamCoalescesSyncAgain(t *testing.T) {
	env := newTestEnv(t)
	id := env.newDirtyFile(t, "e.txt", "first")

	owner := CurrentOwner()
	require.True(t, env.eph.SetSyncOwner(id, owner, delta.SyncOwner{}))
	env.eph.SetSyncAgain(id, true)

	var puts int
	env.gw.onPut = func(childName string, data []byte) {
		puts++
		if puts == 1 {
			// A second write races in while the first push is still
			// "in flight" from the loop's perspective.
			f, err := env.reg.GetFileInode(context.Background(), "e.txt", false, false, 0)
			require.NoError(t, err)
			require.NoError(t, f.Write(context.Background(), -1, []byte("-second")))
			env.eph.SetSyncAgain(id, true)
		}
	}

	w := New(env.reg, env.db, env.eph, env.clk, owner, nil, nil)
	require.NoError(t, w.RunUpstream(context.Background(), id, nil))

	assert.Equal(t, 2, puts)
	assert.Equal(t, "first-second", string(env.gw.files["file:e.txt"]))
	assert.False(t, env.eph.GetSyncAgain(id))

	released, ok := env.eph.GetSyncOwner(id)
	assert.True(t, ok)
	assert.Equal(t, delta.SyncOwner{}, released)
}

func TestSyncWorker_Downstream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.gw.files["file:f.txt"] = []byte("remote-content")
	id, err := env.db.CreatePath(ctx, "f.txt", inode.KindFile, "")
	require.NoError(t, err)

	_, err = env.reg.GetFileInode(ctx, "f.txt", false, true, 0)
	require.NoError(t, err)

	w := New(env.reg, env.db, env.eph, env.clk, CurrentOwner(), nil, nil)
	require.NoError(t, w.RunDownstream(ctx, id))

	_, ok := env.eph.GetLastWritten(id)
	assert.True(t, ok)
}
