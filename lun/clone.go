package lun

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/segstore"
)

// Clone copies the segment's geometry, and with CloneData its payload, into target.
// A nil target creates a new segment on the same block store and placement service.
// Any rows target already has are dropped first.
func (s *Segment) Clone(ctx context.Context, mode segstore.CloneMode, target segstore.Segment) (segstore.Segment, error) {
	var dst *Segment
	switch t := target.(type) {
	case nil:
		var err error
		if dst, err = New(s.cfg, s.store, s.rs); err != nil {
			return nil, err
		}
	case *Segment:
		if t.cfg.NDevices != s.cfg.NDevices || t.cfg.ChunkSize != s.cfg.ChunkSize || t.cfg.MaxBlockSize != s.cfg.MaxBlockSize {
			return nil, segstore.Error{
				Code: segstore.InvalidGeometry,
				Err:  fmt.Errorf("lun %s: clone target %s has a different geometry, %s vs %s", s.id, t.id, t.Signature(), s.Signature()),
			}
		}
		dst = t
	default:
		return nil, fmt.Errorf("lun %s: can't clone into a %s segment", s.id, target.Kind())
	}
	if err := dst.Truncate(ctx, 0); err != nil {
		return nil, err
	}

	s.mu.Lock()
	src := make([]*row, len(s.rows))
	for i, r := range s.rows {
		src[i] = r.clone()
	}
	total := s.totalSize
	used := s.usedSize
	s.mu.Unlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()
	dst.cfg.Query = s.cfg.Query
	if mode == segstore.CloneStructure {
		return dst, nil
	}

	// Mirror the row boundaries so blocks can be copied one to one. A short row is frozen
	// so the next grow starts a new row after it.
	for _, r := range src {
		if r.rowLen >= s.cfg.MaxRowSize() {
			continue
		}
		if err := dst.grow(ctx, r.end()+1, true); err != nil {
			dst.frozenRow = -1
			return nil, err
		}
		dst.frozenRow = dst.rows.last().offset
	}
	err := dst.grow(ctx, total, true)
	dst.frozenRow = -1
	if err != nil {
		return nil, err
	}
	if len(dst.rows) != len(src) {
		return nil, fmt.Errorf("lun %s: clone %s ended up with %d rows, expected %d", s.id, dst.id, len(dst.rows), len(src))
	}

	type pair struct {
		src deviceBlock
		dst deviceBlock
		len int64
	}
	var pairs []pair
	for i, r := range src {
		for j := range r.blocks {
			pairs = append(pairs, pair{src: r.blocks[j], dst: dst.rows[i].blocks[j], len: r.blockLen})
		}
	}
	results := segstore.RunAll(ctx, s.cfg.Concurrency, len(pairs), func(ctx context.Context, k int) (struct{}, error) {
		p := pairs[k]
		return struct{}{}, s.copyExtent(ctx, segstore.CopyRequest{
			Direction:   segstore.Push,
			SrcEndpoint: p.src.Endpoint,
			SrcReadCap:  p.src.Caps.Read,
			SrcOffset:   p.src.CapOffset,
			DstEndpoint: p.dst.Endpoint,
			DstWriteCap: p.dst.Caps.Write,
			DstOffset:   p.dst.CapOffset,
			Length:      p.len,
		})
	})
	if failed := segstore.FailedCount(results); failed > 0 {
		log.Error(fmt.Sprintf("lun %s: %d of %d block copies to clone %s failed", s.id, failed, len(pairs), dst.id))
		return dst, segstore.Error{
			Code:     segstore.BlockIOError,
			Err:      fmt.Errorf("lun %s: cloning data into %s failed on %d device-blocks", s.id, dst.id, failed),
			UserData: failed,
		}
	}
	dst.usedSize = used
	return dst, nil
}
