package fs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/sharedcode/segstore"
)

// FileIO defines the whole-file operations the block store uses for extent metadata. The
// default implementation delegates to the os package, retrying transient errors.
type FileIO interface {
	WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	Remove(ctx context.Context, name string) error
	Exists(ctx context.Context, path string) bool

	// Directory API.
	MkdirAll(ctx context.Context, path string, perm os.FileMode) error
}

type defaultFileIO struct {
}

// NewFileIO returns a FileIO that performs I/O via the os package with retry handling
// for transient errors.
func NewFileIO() FileIO {
	return &defaultFileIO{}
}

// WriteFile writes to a temporary sibling then renames it over name, creating the parent
// folder if it is missing.
func (dio defaultFileIO) WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	tmp := name + ".tmp"
	write := func(context.Context) error {
		if err := os.WriteFile(tmp, data, perm); err != nil {
			return err
		}
		return os.Rename(tmp, name)
	}
	err := write(ctx)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return segstore.RetryIO(ctx, segstore.FileIOError, write)
	}
	if derr := dio.MkdirAll(ctx, filepath.Dir(name), 0o755); derr != nil {
		return err
	}
	return segstore.RetryIO(ctx, segstore.FileIOError, write)
}

func (dio defaultFileIO) ReadFile(ctx context.Context, name string) ([]byte, error) {
	var ba []byte
	err := segstore.RetryIO(ctx, segstore.FileIOError, func(context.Context) error {
		var err error
		ba, err = os.ReadFile(name)
		return err
	})
	return ba, err
}

// Remove deletes name, a missing file is not an error.
func (dio defaultFileIO) Remove(ctx context.Context, name string) error {
	return segstore.RetryIO(ctx, segstore.FileIOError, func(context.Context) error {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

func (dio defaultFileIO) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return segstore.RetryIO(ctx, segstore.FileIOError, func(context.Context) error {
		return os.MkdirAll(path, perm)
	})
}

func (dio defaultFileIO) Exists(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return true
	}
	return false
}
