package segstore

import "context"

// Segment is a logical byte array. Both the striped engine and the erasure-coded engine implement it.
type Segment interface {
	// ID returns the segment's identifier.
	ID() UUID
	// Kind returns the engine type, e.g. "lun" or "jerasure".
	Kind() string
	// Read fills buf, sequentially, with the bytes of every range. Reads past the end fail.
	Read(ctx context.Context, ranges []Range, buf []byte) error
	// Write stores buf, sequentially, into every range growing the segment as needed.
	Write(ctx context.Context, ranges []Range, buf []byte) error
	// Truncate resizes the segment. A negative size reserves space without changing Size.
	Truncate(ctx context.Context, newSize int64) error
	// Size returns the visible size in bytes.
	Size() int64
	// BlockSize returns the I/O alignment unit.
	BlockSize() int64
	// Inspect checks and optionally repairs the segment.
	Inspect(ctx context.Context, req InspectRequest) (InspectResult, error)
	// Clone copies the segment into target, or into a new segment when target is nil.
	Clone(ctx context.Context, mode CloneMode, target Segment) (Segment, error)
	// Remove releases every backing extent.
	Remove(ctx context.Context) error
	// Signature describes the segment's layout.
	Signature() string
	// Descriptor serializes the segment's layout.
	Descriptor() (Descriptor, error)
}
