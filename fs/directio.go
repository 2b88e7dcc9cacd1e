package fs

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/ncw/directio"
	"github.com/sharedcode/segstore"
)

// DirectIO exposes unbuffered file operations using O_DIRECT semantics where supported.
// It is used for extent spans whose offset and length are multiples of blockSize, with
// buffers from directio.AlignedBlock.
type DirectIO interface {
	// Open opens a file with the given name and flags using direct I/O.
	Open(ctx context.Context, filename string, flag int, permission os.FileMode) (*os.File, error)
	// WriteAt writes a block at the given offset.
	WriteAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error)
	// ReadAt reads a block at the given offset. Bytes past the end of the file are left zero.
	ReadAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error)
	// Close closes the provided file handle.
	Close(file *os.File) error
}

const (
	// blockSize is the alignment size required by the direct I/O implementation.
	blockSize = directio.BlockSize
)

// aligned reports whether a span can go through direct I/O.
func aligned(offset int64, n int) bool {
	return n > 0 && offset%blockSize == 0 && n%blockSize == 0
}

type directIO struct{}

// NewDirectIO returns a DirectIO implementation backed by github.com/ncw/directio.
func NewDirectIO() DirectIO {
	return &directIO{}
}

// Open wraps directio.OpenFile, retrying transient errors.
func (dio directIO) Open(ctx context.Context, filename string, flag int, permission os.FileMode) (*os.File, error) {
	var f *os.File
	err := segstore.RetryIO(ctx, segstore.FileIOError, func(context.Context) error {
		var e error
		f, e = directio.OpenFile(filename, flag, permission)
		return e
	})
	return f, err
}

// WriteAt writes a block at an aligned offset, retrying transient errors.
func (dio directIO) WriteAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error) {
	var i int
	err := segstore.RetryIO(ctx, segstore.FileIOError, func(context.Context) error {
		var e error
		i, e = file.WriteAt(block, offset)
		return e
	})
	return i, err
}

// ReadAt reads a block at an aligned offset, retrying transient errors. A short read at
// the end of the file is not an error.
func (dio directIO) ReadAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error) {
	var i int
	err := segstore.RetryIO(ctx, segstore.FileIOError, func(context.Context) error {
		var e error
		i, e = file.ReadAt(block, offset)
		if errors.Is(e, io.EOF) {
			clear(block[i:])
			return nil
		}
		return e
	})
	return i, err
}

func (dio directIO) Close(file *os.File) error {
	return file.Close()
}
