package lun

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/segstore"
)

// Truncate resizes the segment to newSize, rounded up to whole stripes underneath.
// A negative newSize reserves -newSize bytes without changing the visible size.
func (s *Segment) Truncate(ctx context.Context, newSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncate(ctx, newSize)
}

// truncate must be called with s.mu held.
func (s *Segment) truncate(ctx context.Context, newSize int64) error {
	switch {
	case newSize < 0:
		return s.grow(ctx, -newSize, true)
	case s.totalSize > newSize:
		return s.shrink(ctx, newSize)
	case s.totalSize < newSize:
		return s.grow(ctx, newSize, false)
	}
	s.usedSize = newSize
	return nil
}

// grow extends the reserved size to newSize. The last row is enlarged in place first, up to
// the max row size, then full rows are appended. Must be called with s.mu held.
func (s *Segment) grow(ctx context.Context, newSize int64, reserve bool) error {
	requested := newSize
	if reserve && newSize < s.totalSize {
		return nil
	}
	newSize = segstore.RoundUp(newSize, s.cfg.StripeSize())
	n := int64(s.cfg.NDevices)
	log.Debug(fmt.Sprintf("lun %s: grow used=%d total=%d new=%d reserve=%v", s.id, s.usedSize, s.totalSize, newSize, reserve))

	lo := s.totalSize
	if last := s.rows.last(); last != nil && last.offset != s.frozenRow && last.rowLen < s.cfg.MaxRowSize() {
		s.enlarge(ctx, last, newSize)
		lo = last.end() + 1
	}

	for off := lo; off < newSize; off += s.cfg.MaxRowSize() {
		r := &row{offset: off, blocks: make([]deviceBlock, n)}
		r.setBlockLen(min(s.cfg.MaxRowSize(), newSize-off) / n)
		status := make([]int, n)
		for i := range status {
			status[i] = 1
		}
		failed, released := s.replaceFix(ctx, r, status, s.cfg.Query)
		s.removeBlocks(ctx, released)
		if failed > 0 {
			var placed []deviceBlock
			for _, b := range r.blocks {
				if !b.Caps.IsZero() {
					placed = append(placed, b)
				}
			}
			s.removeBlocks(ctx, placed)
			// Rows appended so far are kept, they are a valid reservation.
			s.totalSize = off
			return segstore.Error{
				Code:     segstore.GrowFailed,
				Err:      fmt.Errorf("lun %s: placing the row at %d failed for %d devices", s.id, off, failed),
				UserData: failed,
			}
		}
		s.bumpGen(r)
		s.rows = append(s.rows, r)
	}

	s.totalSize = newSize
	if !reserve {
		s.usedSize = requested
	}
	return nil
}

// enlarge grows the last row's blocks in place toward newSize, capped at the max block size.
// On failure the row keeps its old length.
func (s *Segment) enlarge(ctx context.Context, r *row, newSize int64) {
	n := int64(s.cfg.NDevices)
	blockLen := segstore.RoundUp((newSize-r.offset)/n, s.cfg.ChunkSize)
	blockLen = min(blockLen, s.cfg.MaxBlockSize)
	if blockLen <= r.blockLen {
		return
	}
	old := r.blockLen
	r.setBlockLen(blockLen)
	s.bumpGen(r)

	status := make([]int, n)
	s.sizeCheck(ctx, r, status, true)
	for _, st := range status {
		if st == 2 || st == -2 {
			s.padFix(ctx, r, status)
			break
		}
	}
	failed := 0
	for _, st := range status {
		if st != 0 {
			failed++
		}
	}
	if failed > 0 {
		log.Warn(fmt.Sprintf("lun %s: enlarging row at %d to block length %d failed, keeping %d", s.id, r.offset, blockLen, old))
		r.setBlockLen(old)
		for i := range r.blocks {
			r.blocks[i].MaxSize = old
			r.blocks[i].Size = old
		}
		return
	}
	log.Debug(fmt.Sprintf("lun %s: enlarged row at %d to row length %d", s.id, r.offset, r.rowLen))
}

// shrink drops rows past newSize and truncates the row straddling it. Must be called with s.mu held.
func (s *Segment) shrink(ctx context.Context, newSize int64) error {
	newUsed := newSize
	newSize = segstore.RoundUp(newSize, s.cfg.StripeSize())
	n := int64(s.cfg.NDevices)

	first := s.rows.search(newSize)
	if first == len(s.rows) {
		s.totalSize = newSize
		s.usedSize = newUsed
		return nil
	}

	var doomed []deviceBlock
	keep := first
	var partial *row
	if r := s.rows[first]; newSize-r.offset > 0 {
		partial = r
		keep = first + 1
	}
	for _, r := range s.rows[keep:] {
		doomed = append(doomed, r.blocks...)
	}

	var failed int
	if partial != nil {
		blockLen := (newSize - partial.offset) / n
		results := segstore.RunAll(ctx, s.cfg.Concurrency, len(partial.blocks), func(ctx context.Context, i int) (struct{}, error) {
			b := partial.blocks[i]
			ctx, cancel := s.opContext(ctx)
			defer cancel()
			return struct{}{}, s.store.Truncate(ctx, b.Endpoint, b.Caps.Manage, b.CapOffset+blockLen)
		})
		failed = segstore.FailedCount(results)
		partial.setBlockLen(blockLen)
		for i := range partial.blocks {
			partial.blocks[i].MaxSize = blockLen
			partial.blocks[i].Size = blockLen
		}
		s.bumpGen(partial)
	}
	failed += s.removeBlocks(ctx, doomed)
	s.rows = s.rows[:keep]

	s.totalSize = newSize
	s.usedSize = newUsed
	if failed > 0 {
		return segstore.Error{
			Code:     segstore.BlockIOError,
			Err:      fmt.Errorf("lun %s: shrinking to %d failed on %d device-blocks", s.id, newSize, failed),
			UserData: failed,
		}
	}
	return nil
}
