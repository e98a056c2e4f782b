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

package inode

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
	"github.com/riverfs/riverfs/remote"
)

type fakeGW struct {
	remote.Gateway
	content map[string][]byte
	puts    map[string][]byte
}

func newFakeGW() *fakeGW {
	return &fakeGW{content: map[string][]byte{}, puts: map[string][]byte{}}
}

func (g *fakeGW) Info(ctx context.Context, cap string) (remote.NodeInfo, error) {
	return remote.NodeInfo{Kind: remote.KindFile, Size: int64(len(g.content[cap]))}, nil
}

func (g *fakeGW) ReadRange(ctx context.Context, cap string, offset, length int64) (io.ReadCloser, error) {
	data := g.content[cap]
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
	g.puts[childName] = b
	return "cap:" + childName, nil
}

func paths(dir, name string) FilePaths {
	return FilePaths{
		Info:  filepath.Join(dir, name+".info"),
		State: filepath.Join(dir, name+".state"),
		Data:  filepath.Join(dir, name+".data"),
	}
}

func TestFileInode_ReadFetchesFromRemote(t *testing.T) {
	dir := t.TempDir()
	gw := newFakeGW()
	gw.content["capA"] = bytes.Repeat([]byte("x"), 300000)

	f, err := OpenFile(context.Background(), gw, &clock.FakeClock{}, nil, "/a", "capA", paths(dir, "a"), true, 131072)
	require.NoError(t, err)
	defer f.Close()

	got, err := f.Read(context.Background(), 0, 300000)
	require.NoError(t, err)
	assert.Equal(t, gw.content["capA"], got)
}

func TestFileInode_WriteThenReadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	gw := newFakeGW()

	f, err := OpenFile(context.Background(), gw, &clock.FakeClock{}, nil, "/b", "", paths(dir, "b"), true, 131072)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Write(context.Background(), 0, []byte("hello world")))

	got, err := f.Read(context.Background(), 0, 11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestFileInode_UploadPutsWholeContent(t *testing.T) {
	dir := t.TempDir()
	gw := newFakeGW()
	gw.content["capC"] = bytes.Repeat([]byte("y"), 500)

	f, err := OpenFile(context.Background(), gw, &clock.FakeClock{}, nil, "/dir/c", "capC", paths(dir, "c"), true, 131072)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Write(context.Background(), 0, []byte("z")))

	cap, err := f.Upload(context.Background(), "parentcap")
	require.NoError(t, err)
	assert.Equal(t, "cap:c", cap)

	want := append([]byte("z"), gw.content["capC"][1:]...)
	assert.Equal(t, want, gw.puts["c"])
}

func TestFileInode_IsFreshRespectsLifetime(t *testing.T) {
	dir := t.TempDir()
	gw := newFakeGW()
	gw.content["capD"] = []byte("abc")
	fc := &clock.FakeClock{}

	f, err := OpenFile(context.Background(), gw, fc, nil, "/d", "capD", paths(dir, "d"), true, 131072)
	require.NoError(t, err)
	defer f.Close()

	assert.True(t, f.IsFresh(time.Hour))
}

func TestFileInode_RefcountClosesAtZero(t *testing.T) {
	dir := t.TempDir()
	gw := newFakeGW()
	gw.content["capE"] = []byte("abc")

	f, err := OpenFile(context.Background(), gw, &clock.FakeClock{}, nil, "/e", "capE", paths(dir, "e"), true, 131072)
	require.NoError(t, err)

	f.IncRef()
	f.IncRef()
	assert.False(t, f.DecRef())
	assert.True(t, f.DecRef())
}

func TestFileInode_FreezeCapturesDirtyContentNotLiveState(t *testing.T) {
	dir := t.TempDir()
	gw := newFakeGW()

	f, err := OpenFile(context.Background(), gw, &clock.FakeClock{}, nil, "/g", "", paths(dir, "g"), true, 131072)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Write(context.Background(), 0, []byte("frozen")))

	snap, err := f.Freeze(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Dirty)
	assert.Equal(t, "frozen", string(snap.Data))

	// A write landing after Freeze must not be folded into the snapshot
	// that was already captured.
	require.NoError(t, f.Write(context.Background(), 0, []byte("racing")))
	assert.Equal(t, "frozen", string(snap.Data))
}

func TestFileInode_PushUploadsFrozenSnapshotAndClearsDirty(t *testing.T) {
	dir := t.TempDir()
	gw := newFakeGW()

	f, err := OpenFile(context.Background(), gw, &clock.FakeClock{}, nil, "/dir/h", "", paths(dir, "h"), true, 131072)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Write(context.Background(), 0, []byte("payload")))

	snap, err := f.Freeze(context.Background())
	require.NoError(t, err)
	snap.ParentCap = "parentcap"

	require.NoError(t, f.Push(context.Background(), snap))
	assert.Equal(t, "payload", string(gw.puts["h"]))
	assert.False(t, f.Dirty())
}

func TestFileInode_PushLeavesDirtyWhenWriteRacesFreeze(t *testing.T) {
	dir := t.TempDir()
	gw := newFakeGW()

	f, err := OpenFile(context.Background(), gw, &clock.FakeClock{}, nil, "/dir/i", "", paths(dir, "i"), true, 131072)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Write(context.Background(), 0, []byte("first")))
	snap, err := f.Freeze(context.Background())
	require.NoError(t, err)
	snap.ParentCap = "parentcap"

	// A second write races in after Freeze but before Push runs.
	require.NoError(t, f.Write(context.Background(), 0, []byte("second")))

	require.NoError(t, f.Push(context.Background(), snap))
	assert.Equal(t, "first", string(gw.puts["i"]))
	// The later write's content was never pushed, so dirty must stay set
	// for the next sync pass to pick it up.
	assert.True(t, f.Dirty())
}

func TestFileInode_PushIsNoopWhenSnapshotNotDirty(t *testing.T) {
	dir := t.TempDir()
	gw := newFakeGW()

	f, err := OpenFile(context.Background(), gw, &clock.FakeClock{}, nil, "/j", "", paths(dir, "j"), true, 131072)
	require.NoError(t, err)
	defer f.Close()

	snap, err := f.Freeze(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Dirty)

	require.NoError(t, f.Push(context.Background(), snap))
	_, pushed := gw.puts["j"]
	assert.False(t, pushed)
}

func TestFileInode_CloseThenReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	gw := newFakeGW()
	gw.content["capF"] = bytes.Repeat([]byte("q"), 300000)

	p := paths(dir, "f")
	f, err := OpenFile(context.Background(), gw, &clock.FakeClock{}, nil, "/f", "capF", p, true, 131072)
	require.NoError(t, err)

	_, err = f.Read(context.Background(), 0, 300000)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := OpenFile(context.Background(), gw, &clock.FakeClock{}, nil, "/f", "capF", p, true, 131072)
	require.NoError(t, err)
	defer f2.Close()

	assert.Equal(t, int64(3), f2.cached.FirstUncachedBlock())
	got, err := f2.Read(context.Background(), 0, 300000)
	require.NoError(t, err)
	assert.Equal(t, gw.content["capF"], got)
}
