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
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverfs/riverfs/clock"
	"github.com/riverfs/riverfs/remote"
)

type fakeDirGW struct {
	fakeGW
}

func (g *fakeDirGW) Info(ctx context.Context, cap string) (remote.NodeInfo, error) {
	return remote.NodeInfo{Kind: remote.KindDirectory, RO: cap}, nil
}

func TestDirInode_AddGetRemoveChild(t *testing.T) {
	dir := t.TempDir()
	gw := &fakeDirGW{}

	d, err := OpenDir(context.Background(), gw, &clock.FakeClock{}, "/d", "dircap", filepath.Join(dir, "d.info"), true)
	require.NoError(t, err)

	require.NoError(t, d.CacheAddChild("file.txt", KindFile, "filecap", 42))
	attrs, err := d.GetChildAttr("file.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(42), attrs.Size)
	assert.Equal(t, "filecap", attrs.ROUri)
	assert.False(t, attrs.CTime.IsZero(), "linkcrtime stamped on first insert")

	assert.Equal(t, []string{"file.txt"}, d.Listdir())

	require.NoError(t, d.CacheRemoveChild("file.txt"))
	_, err = d.GetChildAttr("file.txt")
	assert.Error(t, err)
}

func TestDirInode_GetChildAttrUnknownIsNotFound(t *testing.T) {
	dir := t.TempDir()
	gw := &fakeDirGW{}

	d, err := OpenDir(context.Background(), gw, &clock.FakeClock{}, "/d", "dircap", filepath.Join(dir, "d.info"), true)
	require.NoError(t, err)

	_, err = d.GetChildAttr("nope")
	assert.Error(t, err)
}

func TestDirInode_ReopenReusesPersistedInfo(t *testing.T) {
	dir := t.TempDir()
	gw := &fakeDirGW{}
	infoPath := filepath.Join(dir, "d.info")

	d1, err := OpenDir(context.Background(), gw, &clock.FakeClock{}, "/d", "dircap", infoPath, true)
	require.NoError(t, err)
	require.NoError(t, d1.CacheAddChild("a", KindFile, "capa", 1))

	d2, err := OpenDir(context.Background(), gw, &clock.FakeClock{}, "/d", "dircap", infoPath, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, d2.Listdir())
}

func TestDirInode_RefcountClosesAtZero(t *testing.T) {
	dir := t.TempDir()
	gw := &fakeDirGW{}

	d, err := OpenDir(context.Background(), gw, &clock.FakeClock{}, "/d", "dircap", filepath.Join(dir, "d.info"), true)
	require.NoError(t, err)

	d.IncRef()
	assert.True(t, d.DecRef())
}
