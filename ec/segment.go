// Package ec implements the erasure-coded segment engine. It wraps a striped segment whose
// rows hold NData+NParity devices: every stripe of NData payload chunks is encoded into
// NParity parity chunks, and every chunk is stored behind a 4 byte consistency tag so a
// read can tell which devices hold the stripe's current version.
package ec

import (
	"context"
	"fmt"
	"sync"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/erasure"
	"github.com/sharedcode/segstore/lun"
	"github.com/sharedcode/segstore/placement"
)

// Kind is the segment kind reported by erasure-coded segments.
const Kind = "jerasure"

// Segment is an erasure-coded segment. It is safe for concurrent use, but two writers of
// the same stripe race: one stripe must have a single writer at a time.
type Segment struct {
	id    segstore.UUID
	cfg   segstore.ErasureConfig
	child *lun.Segment
	plan  *erasure.Erasure

	dataSize      int64
	chunkWithTag  int64
	stripeWithTag int64

	locker     sync.Mutex
	softErrors int64
	hardErrors int64
	// suspect forces paranoid reads once a child error was seen.
	suspect bool
	// needsFull is set when a write lost more devices than parity covers.
	needsFull bool
}

// ChildConfig returns stripe adjusted to the device count and tagged chunk size cfg needs.
// MaxBlockSize is rounded up to a whole number of tagged chunks.
func ChildConfig(cfg segstore.ErasureConfig, stripe segstore.StripeConfig) segstore.StripeConfig {
	stripe.NDevices = cfg.NData + cfg.NParity
	stripe.ChunkSize = cfg.ChunkSize + erasure.TagSize
	stripe.MaxBlockSize = segstore.RoundUp(max(stripe.MaxBlockSize, stripe.ChunkSize), stripe.ChunkSize)
	return stripe
}

// Create makes a new erasure-coded segment over a new striped child built from stripe.
func Create(cfg segstore.ErasureConfig, stripe segstore.StripeConfig, store segstore.BlockStore, rs placement.Service) (*Segment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	child, err := lun.New(ChildConfig(cfg, stripe), store, rs)
	if err != nil {
		return nil, err
	}
	return New(cfg, child)
}

// New wraps child, which must have NData+NParity devices and ChunkSize+4 byte chunks.
func New(cfg segstore.ErasureConfig, child *lun.Segment) (*Segment, error) {
	return newSegment(segstore.NewUUID(), cfg, child)
}

func newSegment(id segstore.UUID, cfg segstore.ErasureConfig, child *lun.Segment) (*Segment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if child == nil {
		return nil, fmt.Errorf("jerase segment needs a child segment")
	}
	cc := child.Config()
	if cc.NDevices != cfg.NData+cfg.NParity || cc.ChunkSize != cfg.ChunkSize+erasure.TagSize {
		return nil, segstore.Error{
			Code: segstore.InvalidGeometry,
			Err: fmt.Errorf("child %s has %d devices of %d byte chunks, %d+%d devices of %d byte chunks are needed",
				child.ID(), cc.NDevices, cc.ChunkSize, cfg.NData, cfg.NParity, cfg.ChunkSize+erasure.TagSize),
		}
	}
	plan, err := erasure.NewErasure(cfg.Method, cfg.NData, cfg.NParity, cfg.W)
	if err != nil {
		return nil, segstore.Error{Code: segstore.InvalidGeometry, Err: err}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = segstore.DefaultConcurrency
	}
	s := &Segment{
		id:           id,
		cfg:          cfg,
		child:        child,
		plan:         plan,
		dataSize:     cfg.DataSize(),
		chunkWithTag: cfg.ChunkSize + erasure.TagSize,
	}
	s.stripeWithTag = int64(cc.NDevices) * s.chunkWithTag
	return s, nil
}

// ID returns the segment's identifier.
func (s *Segment) ID() segstore.UUID { return s.id }

// Kind returns "jerasure".
func (s *Segment) Kind() string { return Kind }

// Config returns the erasure settings.
func (s *Segment) Config() segstore.ErasureConfig { return s.cfg }

// Child returns the striped segment holding the tagged chunks.
func (s *Segment) Child() *lun.Segment { return s.child }

// BlockSize returns the payload bytes of one stripe. I/O must be aligned to it.
func (s *Segment) BlockSize() int64 { return s.dataSize }

// Size returns the payload bytes of the whole stripes stored in the child.
func (s *Segment) Size() int64 {
	return s.child.Size() / s.stripeWithTag * s.dataSize
}

// Signature describes the erasure plan followed by the child's layout.
func (s *Segment) Signature() string {
	return fmt.Sprintf("jerase(method=%s, n_data_devs=%d, n_parity_devs=%d, chunk_size=%d, w=%d)\n%s",
		s.cfg.Method, s.cfg.NData, s.cfg.NParity, s.cfg.ChunkSize, s.cfg.W, s.child.Signature())
}

// ErrorCounts returns the soft and hard error counters.
func (s *Segment) ErrorCounts() (soft, hard int64) {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.softErrors, s.hardErrors
}

// NeedsInspection reports whether a write lost more devices than parity covers, which a
// full repair inspection clears.
func (s *Segment) NeedsInspection() bool {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.needsFull
}

// Truncate resizes the segment to newSize rounded up to whole stripes. A negative newSize
// reserves space without changing Size.
func (s *Segment) Truncate(ctx context.Context, newSize int64) error {
	if newSize < 0 {
		return s.child.Truncate(ctx, -s.childOffset(segstore.RoundUp(-newSize, s.dataSize)))
	}
	return s.child.Truncate(ctx, s.childOffset(segstore.RoundUp(newSize, s.dataSize)))
}

// Remove releases the child's device-blocks.
func (s *Segment) Remove(ctx context.Context) error {
	return s.child.Remove(ctx)
}

// childOffset maps a stripe aligned payload offset to its offset in the child.
func (s *Segment) childOffset(off int64) int64 {
	return off / s.dataSize * s.stripeWithTag
}

func (s *Segment) paranoid() bool {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.cfg.Paranoid || s.suspect
}

func (s *Segment) record(soft, hard bool) {
	if !soft && !hard {
		return
	}
	s.locker.Lock()
	defer s.locker.Unlock()
	if soft {
		s.softErrors++
	}
	if hard {
		s.hardErrors++
	}
	s.suspect = true
}

var _ segstore.Segment = (*Segment)(nil)
