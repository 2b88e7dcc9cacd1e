package lun

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/segstore"
)

// Inspect checks, and in the repair modes fixes, the row table. The striped engine has no
// payload check so the quick, scan and full modes all run the same structural inspection.
// Repair modes replace lost device-blocks without requiring ForceRepair.
func (s *Segment) Inspect(ctx context.Context, req segstore.InspectRequest) (segstore.InspectResult, error) {
	switch req.Mode {
	case segstore.SoftErrors, segstore.HardErrors:
		soft, hard := s.ErrorCounts()
		if req.Mode == segstore.SoftErrors {
			return segstore.InspectResult{Count: soft}, nil
		}
		return segstore.InspectResult{Count: hard}, nil
	case segstore.WriteErrors:
		s.mu.Lock()
		defer s.mu.Unlock()
		var n int64
		for _, r := range s.rows {
			for _, b := range r.blocks {
				n += int64(b.writeErrs)
			}
		}
		return segstore.InspectResult{Count: n}, nil
	case segstore.Migrate:
		return s.migrate(ctx, req)
	case segstore.QuickCheck, segstore.QuickRepair, segstore.ScanCheck, segstore.ScanRepair, segstore.FullCheck, segstore.FullRepair:
		return s.inspect(ctx, req)
	}
	return segstore.InspectResult{}, fmt.Errorf("lun %s: unsupported inspect mode %d", s.id, req.Mode)
}

// snapshot returns detached copies of the rows overlapping rg, nil meaning all of them.
func (s *Segment) snapshot(rg *segstore.Range) []*row {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remap()
	var rows []*row
	for _, r := range s.rows {
		if rg != nil && (r.end() < rg.Offset || r.offset >= rg.End()) {
			continue
		}
		rows = append(rows, r.clone())
	}
	return rows
}

// commit publishes the repaired copy c of a row. When the live row changed meanwhile the
// copy is dropped and the blocks it allocated are released instead, to be redone next pass.
func (s *Segment) commit(ctx context.Context, orig *row, c *row, released []deviceBlock) bool {
	s.mu.Lock()
	live := s.rows.resolve(orig.handle())
	if live == nil {
		s.mu.Unlock()
		var fresh []deviceBlock
		for i, b := range c.blocks {
			if b.Caps != orig.blocks[i].Caps {
				fresh = append(fresh, b)
			}
		}
		log.Warn(fmt.Sprintf("lun %s: row %d changed during inspection, dropping %d new device-blocks", s.id, orig.offset, len(fresh)))
		s.removeBlocks(ctx, fresh)
		return false
	}
	changed := false
	for i, b := range c.blocks {
		if b.Caps == live.blocks[i].Caps {
			live.blocks[i].MaxSize = b.MaxSize
			live.blocks[i].Size = b.Size
			continue
		}
		live.blocks[i] = b
		changed = true
	}
	if changed {
		s.bumpGen(live)
	}
	s.mu.Unlock()
	if len(released) > 0 {
		s.removeBlocks(ctx, released)
	}
	return true
}

func (s *Segment) inspect(ctx context.Context, req segstore.InspectRequest) (segstore.InspectResult, error) {
	repair := req.Mode.IsRepair()
	query := s.cfg.Query.Append(req.Query)
	rows := s.snapshot(req.Range)
	log.Debug(fmt.Sprintf("lun %s: inspect mode=%s rows=%d", s.id, req.Mode, len(rows)))

	result := segstore.InspectResult{RowsReplaced: make([]int, len(rows))}
	var lost, repaired, misplaced, moved int
	n := s.cfg.NDevices
	for ri, orig := range rows {
		c := orig.clone()
		status := make([]int, n)
		nlost := s.sizeCheck(ctx, c, status, repair)
		for i, b := range c.blocks {
			if b.readErrs > 0 && req.Has(segstore.FixReadErrors) {
				if status[i] == statusOK {
					nlost++
				}
				status[i] += statusReadErrors
			}
			if b.writeErrs > 0 && req.Has(segstore.FixWriteErrors) {
				if status[i] == statusOK {
					nlost++
				}
				status[i] += statusWriteErrors
			}
		}
		result.DevicesReplaced = max(result.DevicesReplaced, nlost)
		result.RowsReplaced[ri] += nlost
		lost += nlost

		var released []deviceBlock
		if repair && nlost > 0 {
			result.DevicesReplaced = max(result.DevicesReplaced, s.padFix(ctx, c, status))
			failed := countBad(status)
			for pass := 0; pass < maxRepairPasses && failed > 0; pass++ {
				var rel []deviceBlock
				failed, rel = s.replaceFix(ctx, c, status, query)
				released = append(released, rel...)
			}
			repaired += max(nlost-failed, 0)
			if failed > 0 {
				log.Warn(fmt.Sprintf("lun %s: row %d has %d device-blocks left unrepaired", s.id, c.offset, failed))
			}
		}

		if countBad(status) == 0 {
			nbad := s.placementCheck(ctx, c, status, req.Has(segstore.SoftErrorFail), query)
			misplaced += nbad
			if nbad > 0 && repair {
				if !req.Has(segstore.ForceReconstruction) {
					left, rel := s.placementFix(ctx, c, status, query)
					released = append(released, rel...)
					moved += nbad - left
				} else {
					// Blank replacements, the layer above rebuilds their content.
					result.DevicesReplaced = max(result.DevicesReplaced, nbad)
					failed := nbad
					for pass := 0; pass < maxRepairPasses && failed > 0; pass++ {
						var rel []deviceBlock
						failed, rel = s.replaceFix(ctx, c, status, query)
						released = append(released, rel...)
					}
					moved += nbad - failed
				}
			}
		}

		if repair {
			s.commit(ctx, orig, c, released)
		}
	}

	result.Repaired = repaired
	result.Misplaced = misplaced
	result.Migrated = moved
	result.HardError = result.DevicesReplaced > 0
	result.MigrateError = misplaced != moved
	if lost-repaired+misplaced-moved != 0 {
		log.Info(fmt.Sprintf("lun %s: inspect FAILURE (%d max dev/row lost, %d lost, %d repaired, %d need(s) moving, %d moved)",
			s.id, result.DevicesReplaced, lost, repaired, misplaced, moved))
		return result, segstore.Error{
			Code:     segstore.InspectionFailed,
			Err:      fmt.Errorf("lun %s: %d device-blocks lost, %d repaired, %d misplaced, %d moved", s.id, lost, repaired, misplaced, moved),
			UserData: result.DevicesReplaced,
		}
	}
	log.Info(fmt.Sprintf("lun %s: inspect SUCCESS (%d max dev/row lost, %d lost, %d repaired, %d need(s) moving, %d moved)",
		s.id, result.DevicesReplaced, lost, repaired, misplaced, moved))
	return result, nil
}

// migrate moves every misplaced device-block to a compliant location.
func (s *Segment) migrate(ctx context.Context, req segstore.InspectRequest) (segstore.InspectResult, error) {
	query := s.cfg.Query.Append(req.Query)
	rows := s.snapshot(req.Range)
	var result segstore.InspectResult
	for _, orig := range rows {
		c := orig.clone()
		status := make([]int, s.cfg.NDevices)
		nbad := s.placementCheck(ctx, c, status, req.Has(segstore.SoftErrorFail), query)
		if nbad == 0 {
			continue
		}
		result.Misplaced += nbad
		left, moved := s.placementFix(ctx, c, status, query)
		result.Migrated += nbad - left
		s.commit(ctx, orig, c, moved)
	}
	if result.Misplaced != result.Migrated {
		result.MigrateError = true
		return result, segstore.Error{
			Code:     segstore.InspectionFailed,
			Err:      fmt.Errorf("lun %s: %d device-blocks needed migrating, %d migrated", s.id, result.Misplaced, result.Migrated),
			UserData: result.Misplaced - result.Migrated,
		}
	}
	return result, nil
}
