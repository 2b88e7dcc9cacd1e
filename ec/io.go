package ec

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/erasure"
)

// task is one range of a call and where its bytes sit in the caller's buffer.
type task struct {
	rg     segstore.Range
	bufOff int64
}

func (s *Segment) checkAligned(ranges []segstore.Range) error {
	for i, r := range ranges {
		if r.Offset%s.dataSize != 0 || r.Length%s.dataSize != 0 {
			log.Warn(fmt.Sprintf("jerase %s: offset/len not on stripe boundary, data_size=%d off[%d]=%d len[%d]=%d",
				s.id, s.dataSize, i, r.Offset, i, r.Length))
			return segstore.Error{
				Code: segstore.MisalignedIO,
				Err:  fmt.Errorf("jerase %s: range %d (%d, %d) is not aligned to the %d byte stripe", s.id, i, r.Offset, r.Length, s.dataSize),
			}
		}
	}
	return nil
}

// batches groups ranges so the parity of a batch stays within MaxParity. A range needing
// more parity than that gets a batch of its own.
func (s *Segment) batches(ranges []segstore.Range) [][]task {
	parityPerStripe := int64(s.cfg.NParity) * s.cfg.ChunkSize
	var out [][]task
	var cur []task
	var used, bufOff int64
	for _, r := range ranges {
		if r.Length == 0 {
			continue
		}
		need := r.Length / s.dataSize * parityPerStripe
		if len(cur) > 0 && s.cfg.MaxParity > 0 && used+need > s.cfg.MaxParity {
			out = append(out, cur)
			cur, used = nil, 0
		}
		cur = append(cur, task{rg: r, bufOff: bufOff})
		used += need
		bufOff += r.Length
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// childRange maps a stripe aligned payload range to the tagged stripes holding it.
func (s *Segment) childRange(r segstore.Range) segstore.Range {
	return segstore.Range{Offset: s.childOffset(r.Offset), Length: r.Length / s.dataSize * s.stripeWithTag}
}

// failedDevices returns the worst per-row failure count carried by a child error, all
// devices when the error does not carry one.
func (s *Segment) failedDevices(err error) int {
	n := segstore.ErrorCount(err)
	if n < 0 {
		return s.plan.ShardsCount()
	}
	return n
}

// Write encodes buf into stripes and stores them on the child. Ranges must be aligned to
// BlockSize. Losing up to NParity devices of a row is recorded as a soft error and the call
// succeeds; losing more fails it and flags the segment for a full repair inspection.
func (s *Segment) Write(ctx context.Context, ranges []segstore.Range, buf []byte) error {
	if err := segstore.ValidateRanges(ranges, buf); err != nil {
		return err
	}
	if err := s.checkAligned(ranges); err != nil {
		return err
	}

	var soft, hard bool
	worst := 0
	var firstErr error
	for _, batch := range s.batches(ranges) {
		results := segstore.RunAll(ctx, s.cfg.Concurrency, len(batch), func(ctx context.Context, i int) (struct{}, error) {
			t := batch[i]
			cr := s.childRange(t.rg)
			raw := make([]byte, cr.Length)
			if err := s.encode(raw, buf[t.bufOff:t.bufOff+t.rg.Length], erasure.NewNonce()); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, s.child.Write(ctx, []segstore.Range{cr}, raw)
		})
		for i, r := range results {
			if r.Err == nil {
				continue
			}
			t := batch[i]
			n := s.failedDevices(r.Err)
			if n > s.cfg.NParity {
				log.Warn(fmt.Sprintf("jerase %s: error with write off=%d len=%d n_parity=%d n_failed=%d, details: %v",
					s.id, t.rg.Offset, t.rg.Length, s.cfg.NParity, n, r.Err))
				hard = true
				worst = max(worst, n)
				if firstErr == nil {
					firstErr = r.Err
				}
				continue
			}
			log.Debug(fmt.Sprintf("jerase %s: recoverable write error off=%d len=%d n_parity=%d n_failed=%d",
				s.id, t.rg.Offset, t.rg.Length, s.cfg.NParity, n))
			soft = true
		}
	}

	s.record(soft, hard)
	if !hard {
		return nil
	}
	s.locker.Lock()
	s.needsFull = true
	s.locker.Unlock()
	return segstore.Error{
		Code:     segstore.BlockIOError,
		Err:      fmt.Errorf("jerase %s: write lost %d devices of a row, parity covers %d, details: %w", s.id, worst, s.cfg.NParity, firstErr),
		UserData: worst,
	}
}

// readResult counts what decoding one range found.
type readResult struct {
	soft      int64
	lost      int64
	firstLost int64
}

// Read fetches the stripes covering ranges and decodes them into buf. Ranges must be
// aligned to BlockSize. A stripe that can't be reconstructed reads as zeros and fails the
// call with UnrecoverableStripe once every other stripe has been decoded.
func (s *Segment) Read(ctx context.Context, ranges []segstore.Range, buf []byte) error {
	if err := segstore.ValidateRanges(ranges, buf); err != nil {
		return err
	}
	if err := s.checkAligned(ranges); err != nil {
		return err
	}
	paranoid := s.paranoid()

	var soft bool
	var lost int64
	firstLost := int64(-1)
	for _, batch := range s.batches(ranges) {
		results := segstore.RunAll(ctx, s.cfg.Concurrency, len(batch), func(ctx context.Context, i int) (readResult, error) {
			t := batch[i]
			cr := s.childRange(t.rg)
			raw := make([]byte, cr.Length)
			childErrs := 0
			if err := s.child.Read(ctx, []segstore.Range{cr}, raw); err != nil {
				if !segstore.HasCode(err, segstore.BlockIOError) {
					return readResult{}, err
				}
				childErrs = s.failedDevices(err)
			}
			rr := s.decodeRange(raw, buf[t.bufOff:t.bufOff+t.rg.Length], childErrs, paranoid || childErrs > 0)
			if rr.firstLost >= 0 {
				rr.firstLost += t.rg.Offset
			}
			if childErrs > 0 {
				rr.soft++
			}
			return rr, nil
		})
		for i, r := range results {
			if r.Err != nil {
				log.Debug(fmt.Sprintf("jerase %s: child read of range %d failed, details: %v", s.id, i, r.Err))
				return r.Err
			}
			soft = soft || r.Value.soft > 0
			if r.Value.lost > 0 {
				lost += r.Value.lost
				if firstLost < 0 || r.Value.firstLost < firstLost {
					firstLost = r.Value.firstLost
				}
			}
		}
	}

	s.record(soft, lost > 0)
	if lost == 0 {
		return nil
	}
	log.Error(fmt.Sprintf("jerase %s: %d stripes unrecoverable, first at offset %d", s.id, lost, firstLost))
	return segstore.Error{
		Code:     segstore.UnrecoverableStripe,
		Err:      fmt.Errorf("jerase %s: %d stripes can't be reconstructed, first at offset %d", s.id, lost, firstLost),
		UserData: int(lost),
	}
}

// decodeRange decodes the tagged stripes in raw into out.
func (s *Segment) decodeRange(raw, out []byte, childErrs int, check bool) readResult {
	rr := readResult{firstLost: -1}
	d := s.cfg.NData
	for i := int64(0); i*s.dataSize < int64(len(out)); i++ {
		dst := out[i*s.dataSize : (i+1)*s.dataSize]
		o := s.classify(s.view(raw[i*s.stripeWithTag:(i+1)*s.stripeWithTag]), check, childErrs)
		switch o.verdict {
		case stripeEmpty:
			clear(dst)
			continue
		case stripeLost:
			clear(dst)
			rr.lost++
			if rr.firstLost < 0 {
				rr.firstLost = i * s.dataSize
			}
			continue
		}
		if o.verdict == stripeFixed || o.stale > 0 {
			rr.soft++
		}
		for k := 0; k < d; k++ {
			copy(dst[int64(k)*s.cfg.ChunkSize:], o.shards[k])
		}
	}
	return rr
}
