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

package fsop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/riverfs/riverfs/clock"
	"github.com/riverfs/riverfs/errs"
	"github.com/riverfs/riverfs/inode"
	"github.com/riverfs/riverfs/registry"
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

func (g *fakeGW) Delete(ctx context.Context, parentCap, childName string) error {
	delete(g.files, "file:"+childName)
	return nil
}

func (g *fakeGW) WaitUntilWriteAllowed(ctx context.Context) error { return nil }

func newTestSurface(t *testing.T) (*Surface, *registry.Registry, *fakeGW) {
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
	return New(reg, nil), reg, gw
}

func errKind(t *testing.T, err error) errs.Kind {
	t.Helper()
	var e *errs.Error
	require.True(t, errors.As(err, &e), "expected *errs.Error, got %T: %v", err, err)
	return e.Kind
}

func TestOpenFile_RejectsUnsupportedFlags(t *testing.T) {
	s, _, _ := newTestSurface(t)
	ctx := context.Background()

	for _, flags := range []int{unix.O_ASYNC, unix.O_DIRECT, unix.O_DIRECTORY, unix.O_SYNC} {
		_, err := s.OpenFile(ctx, "a.txt", unix.O_RDONLY|flags)
		require.Error(t, err)
		assert.Equal(t, errs.KindUnsupported, errKind(t, err))
	}
}

func TestOpenFile_WriteImplyingFlagsForceWriteable(t *testing.T) {
	s, _, _ := newTestSurface(t)
	ctx := context.Background()

	fh, err := s.OpenFile(ctx, "new.txt", unix.O_RDONLY|unix.O_CREAT)
	require.NoError(t, err)
	assert.True(t, fh.Writeable)
}

func TestOpenFile_ReadOnlyHandleRejectsWrite(t *testing.T) {
	s, _, _ := newTestSurface(t)
	ctx := context.Background()

	fh, err := s.OpenFile(ctx, "a.txt", unix.O_RDONLY|unix.O_CREAT)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, fh))

	fh2, err := s.OpenFile(ctx, "a.txt", unix.O_RDONLY)
	require.NoError(t, err)
	err = s.Write(ctx, fh2, 0, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errs.KindNotWriteable, errKind(t, err))
}

func TestCreateWriteReleaseUploadsAndClearsRef(t *testing.T) {
	s, reg, gw := newTestSurface(t)
	ctx := context.Background()

	fh, err := s.Create(ctx, "hello.txt", unix.O_WRONLY)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, fh, 0, []byte("hello world")))
	require.NoError(t, s.Release(ctx, fh))

	assert.Equal(t, []byte("hello world"), gw.files["file:hello.txt"])

	attrs, err := s.GetAttr(ctx, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello world")), attrs.Size)

	_, stillOpen := reg.Peek("hello.txt")
	assert.False(t, stillOpen)
}

func TestReleaseIsIdempotent(t *testing.T) {
	s, _, _ := newTestSurface(t)
	ctx := context.Background()

	fh, err := s.Create(ctx, "idempotent.txt", unix.O_WRONLY)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, fh))
	require.NoError(t, s.Release(ctx, fh))
}

func TestReadReturnsWrittenContent(t *testing.T) {
	s, _, _ := newTestSurface(t)
	ctx := context.Background()

	fh, err := s.Create(ctx, "r.txt", unix.O_RDWR)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, fh, 0, []byte("0123456789")))

	data, err := s.Read(ctx, fh, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("23456"), data)
	require.NoError(t, s.Release(ctx, fh))
}

func TestFtruncateShrinksFile(t *testing.T) {
	s, _, gw := newTestSurface(t)
	ctx := context.Background()

	fh, err := s.Create(ctx, "t.txt", unix.O_RDWR)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, fh, 0, []byte("0123456789")))
	require.NoError(t, s.Ftruncate(ctx, fh, 3))
	require.NoError(t, s.Release(ctx, fh))

	assert.Equal(t, []byte("012"), gw.files["file:t.txt"])
}

func TestTruncateByPath(t *testing.T) {
	s, _, gw := newTestSurface(t)
	ctx := context.Background()

	fh, err := s.Create(ctx, "p.txt", unix.O_RDWR)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, fh, 0, []byte("abcdef")))
	require.NoError(t, s.Release(ctx, fh))

	require.NoError(t, s.Truncate(ctx, "p.txt", 2))
	assert.Equal(t, []byte("ab"), gw.files["file:p.txt"])
}

func TestMkdirThenReaddirListsChild(t *testing.T) {
	s, _, _ := newTestSurface(t)
	ctx := context.Background()

	require.NoError(t, s.Mkdir(ctx, "sub"))

	fh, err := s.Create(ctx, "sub/leaf.txt", unix.O_WRONLY)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, fh, 0, []byte("x")))
	require.NoError(t, s.Release(ctx, fh))

	entries, err := s.Readdir(ctx, "sub")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "leaf.txt", entries[0].Name)
	assert.Equal(t, inode.KindFile, entries[0].Kind)
}

func TestUnlinkRemovesFile(t *testing.T) {
	s, _, gw := newTestSurface(t)
	ctx := context.Background()

	fh, err := s.Create(ctx, "doomed.txt", unix.O_WRONLY)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, fh, 0, []byte("x")))
	require.NoError(t, s.Release(ctx, fh))
	require.Contains(t, gw.files, "file:doomed.txt")

	require.NoError(t, s.Unlink(ctx, "doomed.txt", false))

	_, err = s.GetAttr(ctx, "doomed.txt")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errKind(t, err))
}

func TestUnlinkRootRejected(t *testing.T) {
	s, _, _ := newTestSurface(t)
	err := s.Unlink(context.Background(), "", false)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotWriteable, errKind(t, err))
}

func TestInvalidateSideChannelReturnsEACCESAndInvalidatesParent(t *testing.T) {
	s, reg, _ := newTestSurface(t)
	ctx := context.Background()

	fh, err := s.Create(ctx, "watched.txt", unix.O_WRONLY)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, fh, 0, []byte("x")))
	require.NoError(t, s.Release(ctx, fh))

	// Open the root directory so invalidation has something to observe.
	root, err := reg.GetDirInode(ctx, "", 0)
	require.NoError(t, err)

	_, err = s.OpenFile(ctx, InvalidateSideChannel, unix.O_WRONLY|unix.O_CREAT)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotReadable, errKind(t, err))

	assert.True(t, root.Invalidated())
}
