package fs

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// fileIOSimulator keeps files in memory and fails writes to names with a given suffix.
type fileIOSimulator struct {
	lookup map[string][]byte
	locker sync.Mutex
	// The error suffix is changed by tests while I/O runs.
	errorOnSuffix atomic.Value
}

func newFileIOSim() *fileIOSimulator {
	sim := &fileIOSimulator{lookup: make(map[string][]byte)}
	sim.errorOnSuffix.Store("")
	return sim
}

func (sim *fileIOSimulator) induced(name string) error {
	if s := sim.errorOnSuffix.Load().(string); s != "" && strings.HasSuffix(name, s) {
		// Permission errors are not retried.
		return fmt.Errorf("induced error on %s, details: %w", name, os.ErrPermission)
	}
	return nil
}

func (sim *fileIOSimulator) WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	if err := sim.induced(name); err != nil {
		return err
	}
	// Data files are still opened through os, so they have to exist on disk.
	if strings.HasSuffix(name, dataSuffix) {
		if err := os.WriteFile(name, data, perm); err != nil {
			return err
		}
	}
	sim.locker.Lock()
	sim.lookup[name] = append([]byte(nil), data...)
	sim.locker.Unlock()
	return nil
}

func (sim *fileIOSimulator) ReadFile(ctx context.Context, name string) ([]byte, error) {
	sim.locker.Lock()
	defer sim.locker.Unlock()
	ba, ok := sim.lookup[name]
	if !ok {
		return nil, fmt.Errorf("file %s not found, details: %w", name, os.ErrNotExist)
	}
	return ba, nil
}

func (sim *fileIOSimulator) Remove(ctx context.Context, name string) error {
	if err := sim.induced(name); err != nil {
		return err
	}
	sim.locker.Lock()
	delete(sim.lookup, name)
	sim.locker.Unlock()
	return nil
}

func (sim *fileIOSimulator) Exists(ctx context.Context, path string) bool {
	sim.locker.Lock()
	defer sim.locker.Unlock()
	_, ok := sim.lookup[path]
	return ok
}

func (sim *fileIOSimulator) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (sim *fileIOSimulator) count(suffix string) int {
	sim.locker.Lock()
	defer sim.locker.Unlock()
	n := 0
	for k := range sim.lookup {
		if strings.HasSuffix(k, suffix) {
			n++
		}
	}
	return n
}
