// Package lun implements the striped segment engine. A segment is split into rows, each row
// into NDevices equal device-blocks, and every stripe of a row spreads one chunk over each
// device, rotating the chunk to device assignment by NShift per stripe.
package lun

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/placement"
)

// Kind is the segment kind reported by striped segments.
const Kind = "lun"

// Segment is a striped segment. It is safe for concurrent use.
type Segment struct {
	id    segstore.UUID
	cfg   segstore.StripeConfig
	store segstore.BlockStore
	rs    placement.Service

	mu sync.Mutex
	// drained is signalled when inprogress drops to zero.
	drained    *sync.Cond
	inprogress int
	mapVersion uint64

	rows      rowTable
	nextGen   uint64
	totalSize int64
	usedSize  int64
	// frozenRow is the offset of a row growth must not enlarge in place, -1 for none.
	frozenRow int64

	softErrors int64
	hardErrors int64
}

// New creates an empty striped segment allocating through rs and doing block I/O on store.
func New(cfg segstore.StripeConfig, store segstore.BlockStore, rs placement.Service) (*Segment, error) {
	return newSegment(segstore.NewUUID(), cfg, store, rs)
}

func newSegment(id segstore.UUID, cfg segstore.StripeConfig, store segstore.BlockStore, rs placement.Service) (*Segment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || rs == nil {
		return nil, fmt.Errorf("lun segment needs a block store and a placement service")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = segstore.DefaultConcurrency
	}
	s := &Segment{
		id:         id,
		cfg:        cfg,
		store:      store,
		rs:         rs,
		mapVersion: rs.MapVersion(),
		frozenRow:  -1,
	}
	s.drained = sync.NewCond(&s.mu)
	return s, nil
}

// ID returns the segment's identifier.
func (s *Segment) ID() segstore.UUID { return s.id }

// Kind returns "lun".
func (s *Segment) Kind() string { return Kind }

// Config returns the segment's geometry.
func (s *Segment) Config() segstore.StripeConfig { return s.cfg }

// Size returns the visible size.
func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedSize
}

// ReservedSize returns the space backed by rows, at least Size.
func (s *Segment) ReservedSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// BlockSize returns the stripe size.
func (s *Segment) BlockSize() int64 { return s.cfg.StripeSize() }

// Signature describes the geometry, e.g. "lun(n_devices=3, n_shift=1, chunk_size=16384)".
func (s *Segment) Signature() string {
	return fmt.Sprintf("lun(n_devices=%d, n_shift=%d, chunk_size=%d)", s.cfg.NDevices, s.cfg.NShift, s.cfg.ChunkSize)
}

// RowCount returns the number of rows.
func (s *Segment) RowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// ErrorCounts returns the soft and hard error counters.
func (s *Segment) ErrorCounts() (soft, hard int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.softErrors, s.hardErrors
}

func (s *Segment) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// bumpGen marks r's layout as changed. Must be called with s.mu held, or on a row not yet published.
func (s *Segment) bumpGen(r *row) {
	s.nextGen++
	r.gen = s.nextGen
}

// Remove releases every device-block of every row. Individual failures are logged, not returned.
func (s *Segment) Remove(ctx context.Context) error {
	s.mu.Lock()
	for s.inprogress > 0 {
		s.drained.Wait()
	}
	var blocks []deviceBlock
	for _, r := range s.rows {
		blocks = append(blocks, r.blocks...)
	}
	s.rows = nil
	s.totalSize = 0
	s.usedSize = 0
	s.mu.Unlock()

	if failed := s.removeBlocks(ctx, blocks); failed > 0 {
		log.Warn(fmt.Sprintf("lun %s: %d of %d device-blocks failed to remove", s.id, failed, len(blocks)))
	}
	return nil
}

// removeBlocks releases blocks in parallel and returns how many failed.
func (s *Segment) removeBlocks(ctx context.Context, blocks []deviceBlock) int {
	results := segstore.RunAll(ctx, s.cfg.Concurrency, len(blocks), func(ctx context.Context, i int) (struct{}, error) {
		ctx, cancel := s.opContext(ctx)
		defer cancel()
		return struct{}{}, s.store.Remove(ctx, blocks[i].Endpoint, blocks[i].Caps.Manage)
	})
	for i, r := range results {
		if r.Err != nil {
			log.Debug(fmt.Sprintf("lun %s: remove of %s on %s failed, details: %v", s.id, blocks[i].Caps.Manage, blocks[i].Endpoint, r.Err))
		}
	}
	return segstore.FailedCount(results)
}

var _ segstore.Segment = (*Segment)(nil)

// BlockRef locates one device-block.
type BlockRef struct {
	Location  string
	Endpoint  string
	Caps      segstore.Capabilities
	CapOffset int64
}

// Blocks returns row rowIndex's device-blocks in device order, nil if there is no such row.
func (s *Segment) Blocks(rowIndex int) []BlockRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rowIndex < 0 || rowIndex >= len(s.rows) {
		return nil
	}
	refs := make([]BlockRef, len(s.rows[rowIndex].blocks))
	for i, b := range s.rows[rowIndex].blocks {
		refs[i] = BlockRef{Location: b.Location, Endpoint: b.Endpoint, Caps: b.Caps, CapOffset: b.CapOffset}
	}
	return refs
}
