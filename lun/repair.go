package lun

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/placement"
)

// Per-block repair status. Placement statuses (negative, see placement.Status) are also used.
const (
	statusOK             = 0
	statusMissing        = 1
	statusSizeMismatch   = 2
	statusPadFailed      = 3
	statusTruncateFailed = -2
	// Added during inspection on top of the size check result.
	statusReadErrors  = 4
	statusWriteErrors = 8
)

const (
	maxRepairPasses = 5
	// maxCopyTransfer caps a single block-to-block copy request.
	maxCopyTransfer = 20 * segstore.MiB
)

func countBad(status []int) int {
	n := 0
	for _, st := range status {
		if st != statusOK {
			n++
		}
	}
	return n
}

// sizeCheck probes every good block of r. Blocks that vanished are marked missing; blocks
// smaller than the row needs are marked as size mismatches and, when repair is set, truncated
// up to the right size. Returns the number of blocks it flagged.
//
// The repair helpers work on a row the caller owns: a live row under s.mu, or a detached clone.
func (s *Segment) sizeCheck(ctx context.Context, r *row, status []int, repair bool) int {
	probes := segstore.RunAll(ctx, s.cfg.Concurrency, len(r.blocks), func(ctx context.Context, i int) (segstore.ProbeResult, error) {
		if status[i] != statusOK {
			return segstore.ProbeResult{}, nil
		}
		b := r.blocks[i]
		ctx, cancel := s.opContext(ctx)
		defer cancel()
		return s.store.Probe(ctx, b.Endpoint, b.Caps.Manage)
	})

	flagged := 0
	var short []int
	for i := range r.blocks {
		if status[i] != statusOK {
			continue
		}
		b := &r.blocks[i]
		p := probes[i]
		if p.Err != nil || p.Value.MaxSize == 0 {
			log.Debug(fmt.Sprintf("lun %s: device %d of row %d is missing, details: %v", s.id, i, r.offset, p.Err))
			status[i] = statusMissing
			flagged++
			continue
		}
		b.MaxSize = p.Value.MaxSize - b.CapOffset
		if b.MaxSize < r.blockLen {
			status[i] = statusSizeMismatch
			flagged++
			short = append(short, i)
		}
	}
	if !repair || len(short) == 0 {
		return flagged
	}

	results := segstore.RunAll(ctx, s.cfg.Concurrency, len(short), func(ctx context.Context, k int) (struct{}, error) {
		b := r.blocks[short[k]]
		ctx, cancel := s.opContext(ctx)
		defer cancel()
		return struct{}{}, s.store.Truncate(ctx, b.Endpoint, b.Caps.Manage, b.CapOffset+r.blockLen)
	})
	for k, res := range results {
		i := short[k]
		if res.Err != nil {
			log.Debug(fmt.Sprintf("lun %s: truncating device %d of row %d failed, details: %v", s.id, i, r.offset, res.Err))
			status[i] = statusTruncateFailed
			continue
		}
		r.blocks[i].MaxSize = r.blockLen
	}
	return flagged
}

// padFix writes one byte at the tail of every resized block so the depot reports the full size.
// Returns the number of blocks left bad.
func (s *Segment) padFix(ctx context.Context, r *row, status []int) int {
	var pad []int
	failed := 0
	for i, st := range status {
		switch st {
		case statusSizeMismatch:
			pad = append(pad, i)
		case statusTruncateFailed:
			status[i] = statusPadFailed
			failed++
		}
	}
	results := segstore.RunAll(ctx, s.cfg.Concurrency, len(pad), func(ctx context.Context, k int) (struct{}, error) {
		b := r.blocks[pad[k]]
		ctx, cancel := s.opContext(ctx)
		defer cancel()
		span := []segstore.Span{{Offset: b.CapOffset + b.MaxSize - 1, Data: []byte{0}}}
		return struct{}{}, s.store.Write(ctx, b.Endpoint, b.Caps.Write, span)
	})
	for k, res := range results {
		i := pad[k]
		if res.Err != nil {
			log.Debug(fmt.Sprintf("lun %s: padding device %d of row %d failed, details: %v", s.id, i, r.offset, res.Err))
			status[i] = statusPadFailed
			failed++
			continue
		}
		status[i] = statusOK
		r.blocks[i].Size = r.blocks[i].MaxSize
	}
	return failed
}

// slotHints builds one placement hint per device. Good blocks are fixed to their location.
func slotHints(r *row, status []int) ([]placement.Hint, []placement.Ask) {
	hints := make([]placement.Hint, len(r.blocks))
	var asks []placement.Ask
	for i, b := range r.blocks {
		hints[i].Query = b.MigrateQuery
		if status[i] == statusOK {
			hints[i].Location = b.Location
			continue
		}
		asks = append(asks, placement.Ask{Slot: i, Size: r.blockLen})
	}
	return hints, asks
}

// aborts reports whether retrying a placement request is pointless.
func aborts(err error) bool {
	st := placement.StatusOf(err)
	return st == placement.NotEnoughLocations || st == placement.EmptyStack
}

// replaceFix allocates fresh blocks for every bad slot of r and pads them. Locations that fail
// to allocate are excluded from the following attempts. Returns the number of slots still bad
// and the blocks that were replaced, which the caller releases once the row is committed.
func (s *Segment) replaceFix(ctx context.Context, r *row, status []int, query segstore.Query) (int, []deviceBlock) {
	var replaced []deviceBlock
	failed := countBad(status)
	for loop := 0; loop < maxRepairPasses && failed > 0; loop++ {
		hints, asks := slotHints(r, status)
		res, err := s.rs.Request(ctx, placement.Request{Query: query, Hints: hints, Asks: asks, Duration: s.cfg.Duration})
		if err != nil {
			log.Warn(fmt.Sprintf("lun %s: placing %d blocks of row %d failed, details: %v", s.id, len(asks), r.offset, err))
			if aborts(err) {
				return len(asks), replaced
			}
			continue
		}
		placed := 0
		for _, a := range res.Allocations {
			if a.Err != nil {
				if a.Location != "" {
					log.Debug(fmt.Sprintf("lun %s: excluding location %s on next round, details: %v", s.id, a.Location, a.Err))
					query = query.Exclude(placement.RidKey, a.Location)
				}
				continue
			}
			old := r.blocks[a.Slot]
			if !old.Caps.IsZero() {
				replaced = append(replaced, old)
			}
			r.blocks[a.Slot] = deviceBlock{
				Location:     a.Location,
				Endpoint:     a.Endpoint,
				Caps:         a.Caps,
				Size:         r.blockLen,
				MaxSize:      r.blockLen,
				MigrateQuery: old.MigrateQuery,
			}
			status[a.Slot] = statusSizeMismatch
			placed++
		}
		failed = len(asks) - placed + s.padFix(ctx, r, status)
	}
	return failed, replaced
}

// placementCheck verifies every block's location still satisfies query, or the block's own
// MigrateQuery. A location the placement service no longer knows only counts with softErrorFail.
// Returns the number of misplaced blocks, flagging them in status.
func (s *Segment) placementCheck(ctx context.Context, r *row, status []int, softErrorFail bool, query segstore.Query) int {
	hints := make([]placement.Hint, len(r.blocks))
	for i, b := range r.blocks {
		hints[i] = placement.Hint{Location: b.Location, Query: b.MigrateQuery}
	}
	statuses, err := s.rs.Check(ctx, query, hints)
	if err != nil {
		log.Warn(fmt.Sprintf("lun %s: placement check of row %d failed, details: %v", s.id, r.offset, err))
		for i := range status {
			status[i] = int(placement.StatusOf(err))
		}
		return len(status)
	}
	bad := 0
	for i, st := range statuses {
		if st == placement.OK || (st == placement.FixedNotFound && !softErrorFail) {
			continue
		}
		status[i] = int(st)
		bad++
	}
	return bad
}

// placementFix moves every flagged block of r to a new, compliant location by copying it
// block to block. Returns the number of blocks still misplaced and the blocks moved away from.
func (s *Segment) placementFix(ctx context.Context, r *row, status []int, query segstore.Query) (int, []deviceBlock) {
	var moved []deviceBlock
	for loop := 0; loop < maxRepairPasses && countBad(status) > 0; loop++ {
		hints, asks := slotHints(r, status)
		res, err := s.rs.Request(ctx, placement.Request{Query: query, Hints: hints, Asks: asks, Duration: s.cfg.Duration})
		if err != nil {
			log.Warn(fmt.Sprintf("lun %s: placing %d moved blocks of row %d failed, details: %v", s.id, len(asks), r.offset, err))
			if aborts(err) {
				break
			}
			continue
		}
		var allocs []placement.Allocation
		for _, a := range res.Allocations {
			if a.Err != nil {
				if a.Location != "" {
					query = query.Exclude(placement.RidKey, a.Location)
				}
				continue
			}
			allocs = append(allocs, a)
		}
		copies := segstore.RunAll(ctx, s.cfg.Concurrency, len(allocs), func(ctx context.Context, k int) (struct{}, error) {
			a := allocs[k]
			src := r.blocks[a.Slot]
			return struct{}{}, s.copyExtent(ctx, segstore.CopyRequest{
				Direction:   segstore.Push,
				SrcEndpoint: src.Endpoint,
				SrcReadCap:  src.Caps.Read,
				SrcOffset:   src.CapOffset,
				DstEndpoint: a.Endpoint,
				DstWriteCap: a.Caps.Write,
				Length:      r.blockLen,
			})
		})
		var orphans []deviceBlock
		for k, c := range copies {
			a := allocs[k]
			nb := deviceBlock{Location: a.Location, Endpoint: a.Endpoint, Caps: a.Caps, MaxSize: r.blockLen}
			if c.Err != nil {
				log.Debug(fmt.Sprintf("lun %s: copying device %d of row %d to %s failed, details: %v", s.id, a.Slot, r.offset, a.Location, c.Err))
				orphans = append(orphans, nb)
				continue
			}
			old := r.blocks[a.Slot]
			nb.Size = old.Size
			nb.MigrateQuery = old.MigrateQuery
			moved = append(moved, old)
			r.blocks[a.Slot] = nb
			status[a.Slot] = statusOK
		}
		s.removeBlocks(ctx, orphans)
	}
	return countBad(status), moved
}

// copyExtent issues req as a series of copies of at most maxCopyTransfer bytes.
func (s *Segment) copyExtent(ctx context.Context, req segstore.CopyRequest) error {
	for done := int64(0); done < req.Length; done += maxCopyTransfer {
		piece := req
		piece.SrcOffset += done
		piece.DstOffset += done
		piece.Length = min(maxCopyTransfer, req.Length-done)
		cctx, cancel := s.opContext(ctx)
		err := s.store.Copy(cctx, piece)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}
