package lun

import "github.com/sharedcode/segstore"

// deviceFor returns the physical device holding logical chunk i of stripe s.
// The assignment rotates by n_shift devices per stripe.
func (s *Segment) deviceFor(stripe int64, i int64) int {
	n := int64(s.cfg.NDevices)
	return int((i + stripe*int64(s.cfg.NShift)) % n)
}

// blockOp is the vectored operation on one device-block of one row.
type blockOp struct {
	h        handle
	rowIndex int
	dev      int
	endpoint string
	caps     segstore.Capabilities
	spans    []segstore.Span
	// bufOff holds each span's start in the caller's buffer, for coalescing.
	bufOff []int64
}

func (op *blockOp) add(devOff int64, buf []byte, bpos int64, n int64) {
	if k := len(op.spans) - 1; k >= 0 {
		last := op.spans[k]
		if last.Offset+int64(len(last.Data)) == devOff && op.bufOff[k]+int64(len(last.Data)) == bpos {
			op.spans[k].Data = buf[op.bufOff[k] : bpos+n]
			return
		}
	}
	op.spans = append(op.spans, segstore.Span{Offset: devOff, Data: buf[bpos : bpos+n]})
	op.bufOff = append(op.bufOff, bpos)
}

// decompose splits ranges into one blockOp per touched (row, device). Span data aliases buf.
// Must be called with s.mu held and every range below totalSize.
func (s *Segment) decompose(ranges []segstore.Range, buf []byte) []*blockOp {
	type key struct {
		row int
		dev int
	}
	index := make(map[key]*blockOp)
	var ops []*blockOp

	chunk := s.cfg.ChunkSize
	stripeSize := s.cfg.StripeSize()
	var bpos int64
	for _, rg := range ranges {
		pos := rg.Offset
		end := rg.End()
		for ri := s.rows.search(pos); pos < end && ri < len(s.rows); ri++ {
			r := s.rows[ri]
			hi := min(end, r.offset+r.rowLen)
			for p := pos; p < hi; {
				lo := p - r.offset
				stripe := lo / stripeSize
				within := lo % stripeSize
				co := within % chunk
				n := min(chunk-co, hi-p)
				dev := s.deviceFor(stripe, within/chunk)

				op, ok := index[key{ri, dev}]
				if !ok {
					b := r.blocks[dev]
					op = &blockOp{h: r.handle(), rowIndex: ri, dev: dev, endpoint: b.Endpoint, caps: b.Caps}
					index[key{ri, dev}] = op
					ops = append(ops, op)
				}
				op.add(r.blocks[dev].CapOffset+stripe*chunk+co, buf, bpos+p-rg.Offset, n)
				p += n
			}
			pos = hi
		}
		bpos += rg.Length
	}
	return ops
}
