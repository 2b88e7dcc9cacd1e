package lun

import (
	"fmt"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/encoding"
	"github.com/sharedcode/segstore/placement"
)

type blockDescriptor struct {
	Location     string                `json:"location"`
	Endpoint     string                `json:"endpoint"`
	Caps         segstore.Capabilities `json:"caps"`
	CapOffset    int64                 `json:"cap_offset"`
	Size         int64                 `json:"size"`
	MaxSize      int64                 `json:"max_size"`
	MigrateQuery segstore.Query        `json:"migrate_query,omitempty"`
}

type rowDescriptor struct {
	Offset int64             `json:"offset"`
	End    int64             `json:"end"`
	RowLen int64             `json:"row_len"`
	Blocks []blockDescriptor `json:"blocks"`
}

type body struct {
	Config    segstore.StripeConfig `json:"config"`
	TotalSize int64                 `json:"total_size"`
	UsedSize  int64                 `json:"used_size"`
	Rows      []rowDescriptor       `json:"rows"`
}

// Descriptor serializes the row table.
func (s *Segment) Descriptor() (segstore.Descriptor, error) {
	s.mu.Lock()
	b := body{
		Config:    s.cfg,
		TotalSize: s.totalSize,
		UsedSize:  s.usedSize,
		Rows:      make([]rowDescriptor, 0, len(s.rows)),
	}
	for _, r := range s.rows {
		rd := rowDescriptor{Offset: r.offset, End: r.end(), RowLen: r.rowLen, Blocks: make([]blockDescriptor, len(r.blocks))}
		for i, blk := range r.blocks {
			rd.Blocks[i] = blockDescriptor{
				Location:     blk.Location,
				Endpoint:     blk.Endpoint,
				Caps:         blk.Caps,
				CapOffset:    blk.CapOffset,
				Size:         blk.Size,
				MaxSize:      blk.MaxSize,
				MigrateQuery: blk.MigrateQuery,
			}
		}
		b.Rows = append(b.Rows, rd)
	}
	s.mu.Unlock()

	ba, err := encoding.Marshal(b)
	if err != nil {
		return segstore.Descriptor{}, segstore.Error{Code: segstore.DescriptorError, Err: err}
	}
	return segstore.Descriptor{ID: s.id, Kind: Kind, Signature: s.Signature(), Body: ba}, nil
}

// FromDescriptor rebuilds a striped segment. Endpoints are re-resolved through rs.
func FromDescriptor(d segstore.Descriptor, store segstore.BlockStore, rs placement.Service) (*Segment, error) {
	if d.Kind != Kind {
		return nil, segstore.Error{Code: segstore.DescriptorError, Err: fmt.Errorf("descriptor %s is a %q segment, not %q", d.ID, d.Kind, Kind)}
	}
	var b body
	if err := encoding.Unmarshal(d.Body, &b); err != nil {
		return nil, segstore.Error{Code: segstore.DescriptorError, Err: err}
	}
	s, err := newSegment(d.ID, b.Config, store, rs)
	if err != nil {
		return nil, err
	}
	n := int64(s.cfg.NDevices)
	var next int64
	for _, rd := range b.Rows {
		if rd.Offset != next || len(rd.Blocks) != s.cfg.NDevices || rd.RowLen%n != 0 || rd.End != rd.Offset+rd.RowLen-1 {
			return nil, segstore.Error{
				Code: segstore.DescriptorError,
				Err:  fmt.Errorf("descriptor %s: row at %d does not fit the layout", d.ID, rd.Offset),
			}
		}
		r := &row{offset: rd.Offset, blocks: make([]deviceBlock, len(rd.Blocks))}
		r.setBlockLen(rd.RowLen / n)
		for i, bd := range rd.Blocks {
			r.blocks[i] = deviceBlock{
				Location:     bd.Location,
				Endpoint:     bd.Endpoint,
				Caps:         bd.Caps,
				CapOffset:    bd.CapOffset,
				Size:         bd.Size,
				MaxSize:      bd.MaxSize,
				MigrateQuery: bd.MigrateQuery,
			}
			if l, ok := rs.Lookup(bd.Location); ok {
				r.blocks[i].Endpoint = l.Endpoint
			}
		}
		s.bumpGen(r)
		s.rows = append(s.rows, r)
		next = rd.End + 1
	}
	if next != b.TotalSize || b.UsedSize > b.TotalSize {
		return nil, segstore.Error{
			Code: segstore.DescriptorError,
			Err:  fmt.Errorf("descriptor %s: rows cover %d bytes, total size is %d, used %d", d.ID, next, b.TotalSize, b.UsedSize),
		}
	}
	s.totalSize = b.TotalSize
	s.usedSize = b.UsedSize
	return s, nil
}

// SetMigrateQuery overrides the placement policy of one device-block, e.g. to drain it off a location.
// The next Migrate or repair inspection moves the block if it does not comply.
func (s *Segment) SetMigrateQuery(rowIndex, dev int, q segstore.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rowIndex < 0 || rowIndex >= len(s.rows) || dev < 0 || dev >= s.cfg.NDevices {
		return fmt.Errorf("lun %s: no device %d in row %d", s.id, dev, rowIndex)
	}
	s.rows[rowIndex].blocks[dev].MigrateQuery = q
	return nil
}
