package lun

import (
	"fmt"
	log "log/slog"
)

// begin applies a pending remap and registers one I/O in flight. Must be called with s.mu held.
func (s *Segment) begin() {
	s.remap()
	s.inprogress++
}

// end unregisters an I/O. Must be called with s.mu held.
func (s *Segment) end() {
	s.inprogress--
	if s.inprogress == 0 {
		s.drained.Broadcast()
	}
}

// remap re-resolves every block's endpoint when the placement map version moved.
// It waits for in-flight I/O to drain first so no I/O sees a half updated mapping.
// Must be called with s.mu held.
func (s *Segment) remap() {
	for {
		v := s.rs.MapVersion()
		if v == s.mapVersion {
			return
		}
		if s.inprogress > 0 {
			s.drained.Wait()
			continue
		}
		moved := 0
		for _, r := range s.rows {
			for i := range r.blocks {
				b := &r.blocks[i]
				l, ok := s.rs.Lookup(b.Location)
				if !ok || l.Endpoint == b.Endpoint {
					continue
				}
				b.Endpoint = l.Endpoint
				moved++
			}
		}
		s.mapVersion = v
		log.Info(fmt.Sprintf("lun %s: remapped to map version %d, %d device-blocks moved", s.id, v, moved))
		return
	}
}
