package ec

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/erasure"
)

const (
	// scanStripes is the number of stripes whose tags a scan reads per child call.
	scanStripes = 1024
	// maxFullRetries bounds the full repair passes rerun after the child replaced devices.
	maxFullRetries = 2
)

// passStats counts what one scan or full pass found.
type passStats struct {
	bad           int64
	unrecoverable int64
	repairErrors  int64
	empty         int64
	silent        int64
}

func (p *passStats) add(o passStats) {
	p.bad += o.bad
	p.unrecoverable += o.unrecoverable
	p.repairErrors += o.repairErrors
	p.empty += o.empty
	p.silent += o.silent
}

func (p passStats) failed(repair bool) bool {
	return p.unrecoverable > 0 || p.repairErrors > 0 || (p.bad > 0 && !repair)
}

// Inspect checks, and in the repair modes fixes, the segment. The child's device-blocks are
// inspected first; scan modes then compare the chunk tags of every stripe and full modes
// decode every stripe, rebuilding and rewriting the inconsistent ones when repairing.
func (s *Segment) Inspect(ctx context.Context, req segstore.InspectRequest) (segstore.InspectResult, error) {
	switch req.Mode {
	case segstore.SoftErrors, segstore.HardErrors:
		soft, hard := s.ErrorCounts()
		if req.Mode == segstore.SoftErrors {
			return segstore.InspectResult{Count: soft}, nil
		}
		return segstore.InspectResult{Count: hard}, nil
	case segstore.Migrate, segstore.WriteErrors:
		log.Info(fmt.Sprintf("jerase %s: segment maps to child %s", s.id, s.child.ID()))
		return s.child.Inspect(ctx, req)
	case segstore.QuickCheck, segstore.QuickRepair, segstore.ScanCheck, segstore.ScanRepair, segstore.FullCheck, segstore.FullRepair:
		return s.inspect(ctx, req)
	}
	return segstore.InspectResult{}, fmt.Errorf("jerase %s: unsupported inspect mode %d", s.id, req.Mode)
}

// stripeSpan returns the stripes [lo, hi) an inspection covers.
func (s *Segment) stripeSpan(rg *segstore.Range) (lo, hi int64) {
	hi = s.Size() / s.dataSize
	if rg == nil {
		return 0, hi
	}
	return min(rg.Offset/s.dataSize, hi), min(segstore.RoundUp(rg.End(), s.dataSize)/s.dataSize, hi)
}

func (s *Segment) inspect(ctx context.Context, req segstore.InspectRequest) (segstore.InspectResult, error) {
	log.Info(fmt.Sprintf("jerase %s: method=%s data_devs=%d parity_devs=%d chunk_size=%d used_size=%d mode=%s, inspecting child %s",
		s.id, s.cfg.Method, s.cfg.NData, s.cfg.NParity, s.cfg.ChunkSize, s.child.Size(), req.Mode, s.child.ID()))

	lo, hi := s.stripeSpan(req.Range)
	childReq := req
	if req.Range != nil {
		cr := s.childRange(segstore.Range{Offset: lo * s.dataSize, Length: (hi - lo) * s.dataSize})
		childReq.Range = &cr
	}
	result, cerr := s.child.Inspect(ctx, childReq)
	replaced := result.DevicesReplaced
	if cerr != nil || replaced > s.cfg.NParity {
		result.ParityExceeded = replaced > s.cfg.NParity
		log.Info(fmt.Sprintf("jerase %s: status: FAILURE (%d devices, child inspection failed)", s.id, replaced))
		return result, segstore.Error{
			Code:     segstore.InspectionFailed,
			Err:      fmt.Errorf("jerase %s: child %s lost %d devices of a row, parity covers %d, details: %v", s.id, s.child.ID(), replaced, s.cfg.NParity, cerr),
			UserData: replaced,
		}
	}

	mode := req.Mode
	if mode == segstore.QuickRepair && replaced > 0 {
		log.Info(fmt.Sprintf("jerase %s: child segment repaired, forcing a full file check", s.id))
		mode = segstore.FullRepair
	}
	repair := mode.IsRepair()
	failFast := req.Has(segstore.FailOnError)

	var st passStats
	switch mode {
	case segstore.ScanCheck, segstore.ScanRepair:
		log.Info(fmt.Sprintf("jerase %s: total number of stripes: %d", s.id, hi-lo))
		st = s.scan(ctx, lo, hi, repair, failFast)
	case segstore.FullCheck, segstore.FullRepair:
		log.Info(fmt.Sprintf("jerase %s: total number of stripes: %d", s.id, hi-lo))
		for attempt := 0; ; attempt++ {
			st = s.full(ctx, lo, hi, repair, failFast)
			if !repair || st.repairErrors == 0 || attempt == maxFullRetries {
				break
			}
			// Replace the devices the repair writes failed on and go again.
			again, err := s.child.Inspect(ctx, segstore.InspectRequest{
				Mode:  segstore.QuickRepair,
				Flags: req.Flags | segstore.FixWriteErrors | segstore.ForceRepair,
				Query: req.Query,
				Range: childReq.Range,
			})
			if err != nil || again.DevicesReplaced == 0 {
				break
			}
			replaced = max(replaced, again.DevicesReplaced)
			log.Info(fmt.Sprintf("jerase %s: child replaced %d devices during repair, rerunning the full pass", s.id, again.DevicesReplaced))
		}
	}

	result.DevicesReplaced = replaced
	result.BadStripes = st.bad
	result.Unrecoverable = st.unrecoverable
	result.ParityExceeded = st.unrecoverable > 0
	failed := st.failed(repair)
	if !req.Mode.IsRepair() && replaced > 0 && !req.Has(segstore.ForceRepair) {
		failed = true
	}
	if failed {
		log.Info(fmt.Sprintf("jerase %s: status: FAILURE (%d devices, %d stripes)", s.id, replaced, st.bad))
		return result, segstore.Error{
			Code: segstore.InspectionFailed,
			Err: fmt.Errorf("jerase %s: %d bad stripes, %d unrecoverable, %d repair errors", s.id,
				st.bad, st.unrecoverable, st.repairErrors),
			UserData: replaced,
		}
	}
	if mode == segstore.FullRepair && req.Range == nil {
		s.locker.Lock()
		s.suspect = false
		s.needsFull = false
		s.locker.Unlock()
	}
	log.Info(fmt.Sprintf("jerase %s: status: SUCCESS (%d devices, %d stripes)", s.id, replaced, st.bad))
	return result, nil
}

// batchStripes is the number of stripes a full pass reads per child call.
func (s *Segment) batchStripes() int64 {
	if s.cfg.MaxParity <= 0 {
		return scanStripes
	}
	return max(1, s.cfg.MaxParity/s.stripeWithTag)
}

// full decodes stripes [lo, hi). When repairing, every fixable stripe gets its stale or
// rebuilt chunks written back with the quorum tag.
func (s *Segment) full(ctx context.Context, lo, hi int64, repair, failFast bool) passStats {
	var st passStats
	chunk := s.chunkWithTag
	for stripe := lo; stripe < hi; stripe += s.batchStripes() {
		ns := min(s.batchStripes(), hi-stripe)
		base := stripe * s.stripeWithTag
		raw := make([]byte, ns*s.stripeWithTag)
		log.Debug(fmt.Sprintf("jerase %s: checking stripes: (%d, %d)", s.id, stripe, stripe+ns-1))
		childErrs := 0
		if err := s.child.Read(ctx, []segstore.Range{{Offset: base, Length: int64(len(raw))}}, raw); err != nil {
			if !segstore.HasCode(err, segstore.BlockIOError) {
				log.Warn(fmt.Sprintf("jerase %s: reading stripes (%d, %d) failed, details: %v", s.id, stripe, stripe+ns-1, err))
				st.bad += ns
				st.unrecoverable += ns
				if failFast {
					break
				}
				continue
			}
			childErrs = s.failedDevices(err)
		}

		var fix []segstore.Range
		var fixBuf []byte
		for i := int64(0); i < ns; i++ {
			sr := raw[i*s.stripeWithTag : (i+1)*s.stripeWithTag]
			o := s.classify(s.view(sr), true, childErrs)
			switch o.verdict {
			case stripeEmpty:
				st.empty++
				continue
			case stripeOK:
				continue
			case stripeLost:
				st.bad++
				st.unrecoverable++
				log.Warn(fmt.Sprintf("jerase %s: unrecoverable error stripe=%d matching tags=%d need=%d",
					s.id, stripe+i, len(o.shards)-o.stale, s.cfg.NData))
				continue
			}
			st.bad++
			if o.silent {
				st.silent++
			}
			if !repair {
				continue
			}
			for k, w := range o.rewrite {
				if !w {
					continue
				}
				c := make([]byte, chunk)
				erasure.PutTag(c, o.tag)
				copy(c[erasure.TagSize:], o.shards[k])
				fix = append(fix, segstore.Range{Offset: base + i*s.stripeWithTag + int64(k)*chunk, Length: chunk})
				fixBuf = append(fixBuf, c...)
			}
		}

		if len(fix) > 0 {
			if err := s.child.Write(ctx, fix, fixBuf); err != nil {
				log.Warn(fmt.Sprintf("jerase %s: repair write of %d chunks failed, details: %v", s.id, len(fix), err))
				st.repairErrors++
			}
		}
		log.Debug(fmt.Sprintf("jerase %s: bad stripe count: %d, repair errors: %d, unrecoverable: %d, empty: %d, silent: %d",
			s.id, st.bad, st.repairErrors, st.unrecoverable, st.empty, st.silent))
		if failFast && st.repairErrors+st.unrecoverable > 0 {
			log.Info(fmt.Sprintf("jerase %s: stopping at stripe %d on an unrecoverable error", s.id, stripe+ns-1))
			break
		}
	}
	return st
}

// scan reads only the tags of stripes [lo, hi). A stripe whose tags disagree is bad; when
// repairing, every run of adjacent bad stripes gets a full repair pass.
func (s *Segment) scan(ctx context.Context, lo, hi int64, repair, failFast bool) passStats {
	var st passStats
	n := int64(s.plan.ShardsCount())
	for start := lo; start < hi; start += scanStripes {
		ns := min(scanStripes, hi-start)
		ranges := make([]segstore.Range, 0, ns*n)
		for i := int64(0); i < ns; i++ {
			for k := int64(0); k < n; k++ {
				ranges = append(ranges, segstore.Range{Offset: (start+i)*s.stripeWithTag + k*s.chunkWithTag, Length: erasure.TagSize})
			}
		}
		tags := make([]byte, ns*n*erasure.TagSize)
		if err := s.child.Read(ctx, ranges, tags); err != nil && !segstore.HasCode(err, segstore.BlockIOError) {
			log.Warn(fmt.Sprintf("jerase %s: reading tags of stripes (%d, %d) failed, details: %v", s.id, start, start+ns-1, err))
			st.bad += ns
			st.unrecoverable += ns
			continue
		}

		type run struct{ lo, hi int64 }
		var runs []run
		badStart := int64(-1)
		for i := int64(0); i <= ns; i++ {
			bad := false
			if i < ns {
				t := tags[i*n*erasure.TagSize:]
				first := erasure.GetTag(t)
				for k := int64(1); k < n && !bad; k++ {
					bad = erasure.GetTag(t[k*erasure.TagSize:]) != first
				}
				if !bad && first == erasure.EmptyTag {
					st.empty++
				}
			}
			switch {
			case bad:
				st.bad++
				if badStart < 0 {
					badStart = i
				}
			case badStart >= 0:
				runs = append(runs, run{start + badStart, start + i})
				badStart = -1
			}
		}
		if !repair || len(runs) == 0 {
			continue
		}

		results := segstore.RunAll(ctx, s.cfg.Concurrency, len(runs), func(ctx context.Context, i int) (passStats, error) {
			return s.full(ctx, runs[i].lo, runs[i].hi, true, failFast), nil
		})
		for _, r := range results {
			if r.Err != nil {
				st.repairErrors++
				continue
			}
			// The scan already counted these stripes bad.
			r.Value.bad = 0
			r.Value.empty = 0
			st.add(r.Value)
		}
		log.Info(fmt.Sprintf("jerase %s: bad stripe count: %d, empty stripes: %d", s.id, st.bad, st.empty))
		if failFast && st.repairErrors+st.unrecoverable > 0 {
			break
		}
	}
	return st
}
