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

// Package fileondisk implements the framed on-disk cache file: a 16-byte
// header (magic, block size, data size) followed by fixed-size slots,
// random-accessible by absolute slot index. It is the slotFile a block.Storage
// is built on.
package fileondisk

import (
	"encoding/binary"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/riverfs/riverfs/errs"
)

const (
	magic      = "FOD0"
	headerSize = 16
)

// Mode selects how a File is opened, mirroring the three modes the cache
// layer actually uses.
type Mode int

const (
	// ModeReadOnly opens an existing file for reading, under a shared flock.
	ModeReadOnly Mode = iota
	// ModeReadWrite opens an existing file for reading and writing, under
	// an exclusive flock.
	ModeReadWrite
	// ModeCreate creates (or truncates) a file for reading and writing,
	// under an exclusive flock.
	ModeCreate
)

// File is a framed cache file on disk. It satisfies io.ReaderAt,
// io.WriterAt, io.Seeker, io.Reader, io.Writer and Truncate, so it can be
// used directly as the backing store for a block.Storage.
type File struct {
	f         *os.File
	blockSize uint32
	dataSize  uint64
	pos       int64
	readOnly  bool
}

// Open opens path in the given mode with the given block size (only
// meaningful for ModeCreate; for the other modes the block size is read
// from the header and must match blockSize).
func Open(path string, mode Mode, blockSize uint32) (*File, error) {
	var (
		osFile *os.File
		err    error
	)

	switch mode {
	case ModeReadOnly:
		osFile, err = os.OpenFile(path, os.O_RDONLY, 0)
	case ModeReadWrite:
		osFile, err = os.OpenFile(path, os.O_RDWR, 0)
	case ModeCreate:
		osFile, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	default:
		return nil, errs.Invalid("fileondisk.Open", path, nil)
	}
	if err != nil {
		return nil, errs.LocalIO("fileondisk.Open", path, err)
	}

	lockType := unix.LOCK_EX
	if mode == ModeReadOnly {
		lockType = unix.LOCK_SH
	}
	if err := unix.Flock(int(osFile.Fd()), lockType); err != nil {
		osFile.Close()
		return nil, errs.LocalIO("fileondisk.Open", path, err)
	}

	f := &File{f: osFile, blockSize: blockSize, readOnly: mode == ModeReadOnly}

	if mode == ModeCreate {
		if err := osFile.Truncate(0); err != nil {
			osFile.Close()
			return nil, errs.LocalIO("fileondisk.Open", path, err)
		}
		if err := f.writeHeader(); err != nil {
			osFile.Close()
			return nil, err
		}
		return f, nil
	}

	if err := f.readHeader(blockSize); err != nil {
		osFile.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) writeHeader() error {
	var hdr [headerSize]byte
	copy(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], f.blockSize)
	binary.LittleEndian.PutUint64(hdr[8:16], f.dataSize)
	if _, err := f.f.WriteAt(hdr[:], 0); err != nil {
		return errs.LocalIO("fileondisk.writeHeader", f.f.Name(), err)
	}
	return nil
}

func (f *File) readHeader(wantBlockSize uint32) error {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(f.f, hdr[:]); err != nil {
		return errs.LocalIO("fileondisk.readHeader", f.f.Name(), err)
	}
	if string(hdr[0:4]) != magic {
		return errs.LocalIO("fileondisk.readHeader", f.f.Name(), errInvalidMagic)
	}
	storedBlockSize := binary.LittleEndian.Uint32(hdr[4:8])
	if wantBlockSize != 0 && storedBlockSize != wantBlockSize {
		return errs.LocalIO("fileondisk.readHeader", f.f.Name(), errBlockSizeMismatch)
	}
	f.blockSize = storedBlockSize
	f.dataSize = binary.LittleEndian.Uint64(hdr[8:16])
	return nil
}

type errLiteral string

func (e errLiteral) Error() string { return string(e) }

var (
	errInvalidMagic      = errLiteral("invalid framed file header")
	errBlockSizeMismatch = errLiteral("block size mismatch against stored header")
)

// DataSize returns the logical data size recorded in the header.
func (f *File) DataSize() int64 { return int64(f.dataSize) }

// ReadAt reads len(p) bytes at the given data-relative offset (i.e. offset 0
// is the first byte after the header).
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.f.ReadAt(p, off+headerSize)
	if err != nil && err != io.EOF {
		return n, errs.LocalIO("fileondisk.ReadAt", f.f.Name(), err)
	}
	return n, err
}

// WriteAt writes p at the given data-relative offset, extending dataSize if
// necessary.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, errs.NotWriteable("fileondisk.WriteAt", f.f.Name())
	}
	n, err := f.f.WriteAt(p, off+headerSize)
	if err != nil {
		return n, errs.LocalIO("fileondisk.WriteAt", f.f.Name(), err)
	}
	if end := uint64(off) + uint64(n); end > f.dataSize {
		f.dataSize = end
	}
	return n, nil
}

// Write writes at the current sequential position, per io.Writer.
func (f *File) Write(p []byte) (int, error) {
	n, err := f.WriteAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Read reads at the current sequential position, per io.Reader.
func (f *File) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek implements io.Seeker against the logical (header-relative) data
// stream, not the raw file.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(f.dataSize) + offset
	default:
		return 0, errs.Invalid("fileondisk.Seek", f.f.Name(), nil)
	}
	if f.pos < 0 {
		return 0, errs.Invalid("fileondisk.Seek", f.f.Name(), nil)
	}
	return f.pos, nil
}

// Truncate shrinks or grows the file to size data bytes, truncating the
// backing file to a whole number of slots.
func (f *File) Truncate(size int64) error {
	if f.readOnly {
		return errs.NotWriteable("fileondisk.Truncate", f.f.Name())
	}
	bs := int64(f.blockSize)
	numBlocks := (size + bs - 1) / bs
	if err := f.f.Truncate(headerSize + numBlocks*bs); err != nil {
		return errs.LocalIO("fileondisk.Truncate", f.f.Name(), err)
	}
	f.dataSize = uint64(size)
	return nil
}

// Flush persists the header (magic, block size, data size) to disk.
func (f *File) Flush() error {
	if f.readOnly {
		return nil
	}
	return f.writeHeader()
}

// Close flushes (for writable files) and closes the backing file, releasing
// its flock.
func (f *File) Close() error {
	if !f.readOnly {
		if err := f.Flush(); err != nil {
			f.f.Close()
			return err
		}
	}
	if err := f.f.Close(); err != nil {
		return errs.LocalIO("fileondisk.Close", f.f.Name(), err)
	}
	return nil
}
