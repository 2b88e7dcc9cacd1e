// Package inmemory implements the block store and descriptor store contracts in memory,
// with fault injection hooks used to exercise the segment engines' repair paths.
package inmemory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sharedcode/segstore"
)

// Op names a block-store operation for fault injection and hooks.
type Op int

const (
	OpAllocate Op = iota
	OpRead
	OpWrite
	OpProbe
	OpTruncate
	OpRemove
	OpCopy
)

type extent struct {
	location string
	data     []byte
	maxSize  int64
}

type depot struct {
	extents map[string]*extent
}

type faultKey struct {
	endpoint string
	op       Op
}

// BlockStore is an in-memory segstore.BlockStore. Depots are created on first allocation.
// Capabilities are "r:", "w:" and "m:" prefixed extent IDs.
type BlockStore struct {
	locker sync.Mutex
	depots map[string]*depot
	faults map[faultKey]bool
	hook   func(op Op, endpoint string)
}

// NewBlockStore returns an empty in-memory block store.
func NewBlockStore() *BlockStore {
	return &BlockStore{
		depots: make(map[string]*depot),
		faults: make(map[faultKey]bool),
	}
}

// SetHook installs a function called before every operation, outside the store's lock,
// so tests can block or observe operations.
func (bs *BlockStore) SetHook(hook func(op Op, endpoint string)) {
	bs.locker.Lock()
	bs.hook = hook
	bs.locker.Unlock()
}

// FailOp makes every op on endpoint fail (fail=true) or succeed again.
func (bs *BlockStore) FailOp(endpoint string, op Op, fail bool) {
	bs.locker.Lock()
	defer bs.locker.Unlock()
	if fail {
		bs.faults[faultKey{endpoint, op}] = true
		return
	}
	delete(bs.faults, faultKey{endpoint, op})
}

// FailAllocate makes allocations on endpoint fail.
func (bs *BlockStore) FailAllocate(endpoint string, fail bool) {
	bs.FailOp(endpoint, OpAllocate, fail)
}

func (bs *BlockStore) enter(op Op, endpoint string) error {
	bs.locker.Lock()
	hook := bs.hook
	failed := bs.faults[faultKey{endpoint, op}]
	bs.locker.Unlock()
	if hook != nil {
		hook(op, endpoint)
	}
	if failed {
		return fmt.Errorf("induced error on endpoint %s op %d", endpoint, op)
	}
	return nil
}

func extentID(cap string, kind byte) (string, error) {
	if len(cap) < 3 || cap[0] != kind || cap[1] != ':' {
		return "", fmt.Errorf("capability %q does not grant %c access", cap, kind)
	}
	return cap[2:], nil
}

// lookup must be called with the lock held.
func (bs *BlockStore) lookup(endpoint, cap string, kind byte) (*extent, error) {
	d, ok := bs.depots[endpoint]
	if !ok {
		return nil, fmt.Errorf("depot %s not found", endpoint)
	}
	id, err := extentID(cap, kind)
	if err != nil {
		return nil, err
	}
	x, ok := d.extents[id]
	if !ok {
		return nil, fmt.Errorf("extent %s not found on depot %s", id, endpoint)
	}
	return x, nil
}

// Allocate creates an extent of req.Size bytes on req.Endpoint.
func (bs *BlockStore) Allocate(ctx context.Context, req segstore.AllocateRequest) (segstore.Capabilities, error) {
	if err := bs.enter(OpAllocate, req.Endpoint); err != nil {
		return segstore.Capabilities{}, err
	}
	if req.Size < 0 {
		return segstore.Capabilities{}, fmt.Errorf("invalid size %d", req.Size)
	}
	id := segstore.NewUUID().String()
	bs.locker.Lock()
	defer bs.locker.Unlock()
	d, ok := bs.depots[req.Endpoint]
	if !ok {
		d = &depot{extents: make(map[string]*extent)}
		bs.depots[req.Endpoint] = d
	}
	d.extents[id] = &extent{location: req.Location, maxSize: req.Size}
	return segstore.Capabilities{Read: "r:" + id, Write: "w:" + id, Manage: "m:" + id}, nil
}

// Read fills every span. Bytes below MaxSize that were never written read as zeros.
func (bs *BlockStore) Read(ctx context.Context, endpoint string, readCap string, spans []segstore.Span) error {
	if err := bs.enter(OpRead, endpoint); err != nil {
		return err
	}
	bs.locker.Lock()
	defer bs.locker.Unlock()
	x, err := bs.lookup(endpoint, readCap, 'r')
	if err != nil {
		return err
	}
	for _, s := range spans {
		if s.Offset < 0 || s.Offset+int64(len(s.Data)) > x.maxSize {
			return fmt.Errorf("read [%d,%d) past extent size %d", s.Offset, s.Offset+int64(len(s.Data)), x.maxSize)
		}
	}
	for _, s := range spans {
		clear(s.Data)
		if s.Offset < int64(len(x.data)) {
			copy(s.Data, x.data[s.Offset:])
		}
	}
	return nil
}

// Write stores every span. Writing past MaxSize fails.
func (bs *BlockStore) Write(ctx context.Context, endpoint string, writeCap string, spans []segstore.Span) error {
	if err := bs.enter(OpWrite, endpoint); err != nil {
		return err
	}
	bs.locker.Lock()
	defer bs.locker.Unlock()
	x, err := bs.lookup(endpoint, writeCap, 'w')
	if err != nil {
		return err
	}
	for _, s := range spans {
		if s.Offset < 0 || s.Offset+int64(len(s.Data)) > x.maxSize {
			return fmt.Errorf("write [%d,%d) past extent size %d", s.Offset, s.Offset+int64(len(s.Data)), x.maxSize)
		}
	}
	for _, s := range spans {
		x.writeAt(s.Offset, s.Data)
	}
	return nil
}

func (x *extent) writeAt(off int64, data []byte) {
	if end := off + int64(len(data)); end > int64(len(x.data)) {
		x.data = append(x.data, make([]byte, end-int64(len(x.data)))...)
	}
	copy(x.data[off:], data)
}

// Probe reports the extent's sizes.
func (bs *BlockStore) Probe(ctx context.Context, endpoint string, manageCap string) (segstore.ProbeResult, error) {
	if err := bs.enter(OpProbe, endpoint); err != nil {
		return segstore.ProbeResult{}, err
	}
	bs.locker.Lock()
	defer bs.locker.Unlock()
	x, err := bs.lookup(endpoint, manageCap, 'm')
	if err != nil {
		return segstore.ProbeResult{}, err
	}
	return segstore.ProbeResult{
		CurrentSize: int64(len(x.data)),
		MaxSize:     x.maxSize,
		Attrs:       map[string]string{"location": x.location},
	}, nil
}

// Truncate sets MaxSize, dropping written bytes beyond it.
func (bs *BlockStore) Truncate(ctx context.Context, endpoint string, manageCap string, size int64) error {
	if err := bs.enter(OpTruncate, endpoint); err != nil {
		return err
	}
	bs.locker.Lock()
	defer bs.locker.Unlock()
	x, err := bs.lookup(endpoint, manageCap, 'm')
	if err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("invalid size %d", size)
	}
	x.maxSize = size
	if int64(len(x.data)) > size {
		x.data = x.data[:size]
	}
	return nil
}

// Remove releases the extent.
func (bs *BlockStore) Remove(ctx context.Context, endpoint string, manageCap string) error {
	if err := bs.enter(OpRemove, endpoint); err != nil {
		return err
	}
	bs.locker.Lock()
	defer bs.locker.Unlock()
	if _, err := bs.lookup(endpoint, manageCap, 'm'); err != nil {
		return err
	}
	id, _ := extentID(manageCap, 'm')
	delete(bs.depots[endpoint].extents, id)
	return nil
}

// Copy moves bytes between two extents, possibly on different depots.
func (bs *BlockStore) Copy(ctx context.Context, req segstore.CopyRequest) error {
	ep := req.SrcEndpoint
	if req.Direction == segstore.Pull {
		ep = req.DstEndpoint
	}
	if err := bs.enter(OpCopy, ep); err != nil {
		return err
	}
	bs.locker.Lock()
	defer bs.locker.Unlock()
	src, err := bs.lookup(req.SrcEndpoint, req.SrcReadCap, 'r')
	if err != nil {
		return err
	}
	dst, err := bs.lookup(req.DstEndpoint, req.DstWriteCap, 'w')
	if err != nil {
		return err
	}
	if req.SrcOffset+req.Length > src.maxSize || req.DstOffset+req.Length > dst.maxSize {
		return fmt.Errorf("copy of %d bytes runs past an extent", req.Length)
	}
	buf := make([]byte, req.Length)
	if req.SrcOffset < int64(len(src.data)) {
		copy(buf, src.data[req.SrcOffset:])
	}
	dst.writeAt(req.DstOffset, buf)
	return nil
}

// Destroy drops an extent behind the engine's back, given any of its capabilities.
func (bs *BlockStore) Destroy(endpoint string, cap string) {
	bs.locker.Lock()
	defer bs.locker.Unlock()
	if d, ok := bs.depots[endpoint]; ok && len(cap) > 2 {
		delete(d.extents, cap[2:])
	}
}

// Zero overwrites an extent's written bytes with zeros, simulating a blank replacement.
func (bs *BlockStore) Zero(endpoint string, cap string) {
	bs.locker.Lock()
	defer bs.locker.Unlock()
	if d, ok := bs.depots[endpoint]; ok && len(cap) > 2 {
		if x, ok := d.extents[cap[2:]]; ok {
			clear(x.data)
		}
	}
}

// Corrupt flips n bytes starting at offset.
func (bs *BlockStore) Corrupt(endpoint string, cap string, offset int64, n int) {
	bs.locker.Lock()
	defer bs.locker.Unlock()
	if d, ok := bs.depots[endpoint]; ok && len(cap) > 2 {
		if x, ok := d.extents[cap[2:]]; ok {
			for i := offset; i < offset+int64(n) && i < int64(len(x.data)); i++ {
				x.data[i] ^= 0xFF
			}
		}
	}
}

// Peek returns a copy of an extent's written bytes, nil if the extent is gone.
func (bs *BlockStore) Peek(endpoint string, cap string) []byte {
	bs.locker.Lock()
	defer bs.locker.Unlock()
	if d, ok := bs.depots[endpoint]; ok && len(cap) > 2 {
		if x, ok := d.extents[cap[2:]]; ok {
			return append([]byte(nil), x.data...)
		}
	}
	return nil
}

// RenameEndpoint moves a depot to a new endpoint. The old endpoint stops answering.
func (bs *BlockStore) RenameEndpoint(from, to string) {
	bs.locker.Lock()
	defer bs.locker.Unlock()
	if d, ok := bs.depots[from]; ok {
		delete(bs.depots, from)
		bs.depots[to] = d
	}
}

// ExtentCount returns the number of live extents on an endpoint, all endpoints when empty.
func (bs *BlockStore) ExtentCount(endpoint string) int {
	bs.locker.Lock()
	defer bs.locker.Unlock()
	n := 0
	for ep, d := range bs.depots {
		if endpoint == "" || strings.EqualFold(ep, endpoint) {
			n += len(d.extents)
		}
	}
	return n
}
