package ec

import (
	"context"
	"fmt"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/encoding"
	"github.com/sharedcode/segstore/lun"
	"github.com/sharedcode/segstore/placement"
)

type body struct {
	Config segstore.ErasureConfig `json:"config"`
}

// Descriptor serializes the erasure settings, with the child's descriptor nested.
func (s *Segment) Descriptor() (segstore.Descriptor, error) {
	cd, err := s.child.Descriptor()
	if err != nil {
		return segstore.Descriptor{}, err
	}
	ba, err := encoding.Marshal(body{Config: s.cfg})
	if err != nil {
		return segstore.Descriptor{}, segstore.Error{Code: segstore.DescriptorError, Err: err}
	}
	return segstore.Descriptor{ID: s.id, Kind: Kind, Signature: s.Signature(), Body: ba, Child: &cd}, nil
}

// FromDescriptor rebuilds an erasure-coded segment and its striped child.
func FromDescriptor(d segstore.Descriptor, store segstore.BlockStore, rs placement.Service) (*Segment, error) {
	if d.Kind != Kind {
		return nil, segstore.Error{Code: segstore.DescriptorError, Err: fmt.Errorf("descriptor %s is a %q segment, not %q", d.ID, d.Kind, Kind)}
	}
	if d.Child == nil {
		return nil, segstore.Error{Code: segstore.DescriptorError, Err: fmt.Errorf("descriptor %s has no child segment", d.ID)}
	}
	var b body
	if err := encoding.Unmarshal(d.Body, &b); err != nil {
		return nil, segstore.Error{Code: segstore.DescriptorError, Err: err}
	}
	child, err := lun.FromDescriptor(*d.Child, store, rs)
	if err != nil {
		return nil, err
	}
	return newSegment(d.ID, b.Config, child)
}

// Clone copies the erasure settings and clones the child with the same mode. A nil target
// clones into a new segment; an erasure-coded target must share the geometry.
func (s *Segment) Clone(ctx context.Context, mode segstore.CloneMode, target segstore.Segment) (segstore.Segment, error) {
	var childTarget segstore.Segment
	switch t := target.(type) {
	case nil:
	case *Segment:
		if t.Signature() != s.Signature() {
			return nil, segstore.Error{
				Code: segstore.InvalidGeometry,
				Err:  fmt.Errorf("jerase %s: clone target %s has a different geometry", s.id, t.id),
			}
		}
		childTarget = t.child
	default:
		return nil, fmt.Errorf("jerase %s: can't clone into a %s segment", s.id, target.Kind())
	}

	c, err := s.child.Clone(ctx, mode, childTarget)
	if err != nil {
		return nil, err
	}
	child, ok := c.(*lun.Segment)
	if !ok {
		return nil, fmt.Errorf("jerase %s: child clone is a %s segment", s.id, c.Kind())
	}
	if t, ok := target.(*Segment); ok {
		return t, nil
	}
	return New(s.cfg, child)
}
