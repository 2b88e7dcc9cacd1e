package lun

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/segstore"
)

// Read fills buf with the bytes of ranges. Reading at or past the reserved size fails.
// A failed device read zeroes its part of buf; the error carries the worst per-row failure count.
func (s *Segment) Read(ctx context.Context, ranges []segstore.Range, buf []byte) error {
	if err := segstore.ValidateRanges(ranges, buf); err != nil {
		return err
	}
	maxpos := segstore.MaxPosition(ranges)
	if maxpos < 0 {
		return nil
	}
	s.mu.Lock()
	if maxpos >= s.totalSize {
		total := s.totalSize
		s.mu.Unlock()
		return segstore.Error{
			Code:     segstore.ReadBeyondEOF,
			Err:      fmt.Errorf("lun %s: read up to %d past the end %d", s.id, maxpos, total),
			UserData: s.cfg.NDevices,
		}
	}
	s.begin()
	ops := s.decompose(ranges, buf)
	s.mu.Unlock()

	return s.finish(ops, s.run(ctx, ops, false), false, maxpos)
}

// Write stores buf into ranges, growing the segment first when a range runs past the reserved size.
// The visible size is raised even when some device writes fail so an erasure layer above
// can decide whether the failures are tolerable.
func (s *Segment) Write(ctx context.Context, ranges []segstore.Range, buf []byte) error {
	if err := segstore.ValidateRanges(ranges, buf); err != nil {
		return err
	}
	maxpos := segstore.MaxPosition(ranges)
	if maxpos < 0 {
		return nil
	}
	s.mu.Lock()
	if maxpos >= s.totalSize {
		reserve := maxpos + 1 + int64(s.cfg.NDevices)*s.cfg.ExcessBlockSize
		if err := s.truncate(ctx, -reserve); err != nil {
			s.hardErrors++
			s.mu.Unlock()
			return segstore.Error{
				Code:     segstore.GrowFailed,
				Err:      fmt.Errorf("lun %s: growing to %d failed, details: %w", s.id, reserve, err),
				UserData: s.cfg.NDevices,
			}
		}
	}
	s.begin()
	ops := s.decompose(ranges, buf)
	s.mu.Unlock()

	return s.finish(ops, s.run(ctx, ops, true), true, maxpos)
}

func (s *Segment) run(ctx context.Context, ops []*blockOp, write bool) []segstore.Result[struct{}] {
	return segstore.RunAll(ctx, s.cfg.Concurrency, len(ops), func(ctx context.Context, i int) (struct{}, error) {
		op := ops[i]
		ctx, cancel := s.opContext(ctx)
		defer cancel()
		if write {
			return struct{}{}, s.store.Write(ctx, op.endpoint, op.caps.Write, op.spans)
		}
		err := s.store.Read(ctx, op.endpoint, op.caps.Read, op.spans)
		if err != nil {
			for _, sp := range op.spans {
				clear(sp.Data)
			}
		}
		return struct{}{}, err
	})
}

// finish records the outcome of one I/O call and closes it.
func (s *Segment) finish(ops []*blockOp, results []segstore.Result[struct{}], write bool, maxpos int64) error {
	perRow := make(map[int]int)
	var firstErr error
	for i, r := range results {
		if r.Err == nil {
			continue
		}
		perRow[ops[i].rowIndex]++
		if firstErr == nil {
			firstErr = r.Err
		}
	}
	worst := 0
	for _, n := range perRow {
		worst = max(worst, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.end()
	for i, r := range results {
		if r.Err == nil {
			continue
		}
		op := ops[i]
		log.Debug(fmt.Sprintf("lun %s: device %d of row %d failed on %s, details: %v", s.id, op.dev, op.h.offset, op.endpoint, r.Err))
		if row := s.rows.resolve(op.h); row != nil {
			if write {
				row.blocks[op.dev].writeErrs++
			} else {
				row.blocks[op.dev].readErrs++
			}
		}
	}
	if write && maxpos+1 > s.usedSize {
		s.usedSize = maxpos + 1
	}
	if worst == 0 {
		return nil
	}
	s.hardErrors++
	op := "read"
	if write {
		op = "write"
	}
	return segstore.Error{
		Code:     segstore.BlockIOError,
		Err:      fmt.Errorf("lun %s: %s failed on up to %d devices of a row, details: %w", s.id, op, worst, firstErr),
		UserData: worst,
	}
}
