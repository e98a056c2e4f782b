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

package registry

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverfs/riverfs/clock"
	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/remote"
)

type fakeGW struct {
	dirs  map[string]map[string]remote.NodeInfo
	files map[string][]byte
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
	return cap, nil
}

func (g *fakeGW) Mkdir(ctx context.Context, parentCap, childName string) (string, error) {
	cap := "dir:" + childName
	g.dirs[cap] = map[string]remote.NodeInfo{}
	return cap, nil
}

func (g *fakeGW) Delete(ctx context.Context, parentCap, childName string) error { return nil }

func (g *fakeGW) WaitUntilWriteAllowed(ctx context.Context) error { return nil }

func newTestRegistry(t *testing.T) (*Registry, *fakeGW) {
	t.Helper()
	gw := newFakeGW()
	cfg := Config{
		CacheDir:       t.TempDir(),
		CacheSize:      10 << 20,
		CacheData:      true,
		ReadLifetime:   time.Hour,
		WriteLifetime:  time.Hour,
		BlockSize:      131072,
		FilenameSecret: []byte("test-secret"),
	}
	r, err := New(cfg, gw, &clock.FakeClock{}, nil)
	require.NoError(t, err)
	return r, gw
}

func TestRegistry_GetDirInodeRootReusesSameInstance(t *testing.T) {
	r, _ := newTestRegistry(t)

	d1, err := r.GetDirInode(context.Background(), "", 0)
	require.NoError(t, err)
	d2, err := r.GetDirInode(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Same(t, d1, d2)
}

func TestRegistry_GetFileInodeCreateNew(t *testing.T) {
	r, _ := newTestRegistry(t)

	f, err := r.GetFileInode(context.Background(), "a.txt", false, true, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.Size())
}

func TestRegistry_GetFileInodeExclOnExistingFails(t *testing.T) {
	r, gw := newTestRegistry(t)
	gw.files["file:a.txt"] = []byte("x")

	d, err := r.GetDirInode(context.Background(), "", 0)
	require.NoError(t, err)
	require.NoError(t, d.CacheAddChild("a.txt", 0, "file:a.txt", 1))

	_, err = r.GetFileInode(context.Background(), "a.txt", true, true, 0)
	assert.Error(t, err)
}

func TestRegistry_MkdirThenGetDirInode(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.Mkdir(context.Background(), "sub"))

	d, err := r.GetDirInode(context.Background(), "sub", 0)
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestRegistry_MkdirExistingFails(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Mkdir(context.Background(), "sub"))
	err := r.Mkdir(context.Background(), "sub")
	assert.Error(t, err)
}
