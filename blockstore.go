package segstore

import (
	"context"
	"time"
)

// Capabilities are the opaque strings that authorize access to one extent.
type Capabilities struct {
	Read   string `json:"read"`
	Write  string `json:"write"`
	Manage string `json:"manage"`
}

// IsZero reports whether no capability is set.
func (c Capabilities) IsZero() bool {
	return c.Read == "" && c.Write == "" && c.Manage == ""
}

// Reliability is the durability class asked of an allocation.
type Reliability int

const (
	// Soft allocations may be reclaimed by the depot.
	Soft Reliability = iota
	// Hard allocations are kept until removed.
	Hard
)

// AllocateRequest asks a depot (Endpoint) for a new extent at a placement Location.
type AllocateRequest struct {
	Endpoint    string
	Location    string
	Size        int64
	Duration    time.Duration
	Reliability Reliability
}

// Span is one piece of a vectored extent operation. For reads the Data slice is filled in place.
type Span struct {
	Offset int64
	Data   []byte
}

// ProbeResult describes an extent's state.
type ProbeResult struct {
	// CurrentSize is the high-water mark of bytes written to the extent.
	CurrentSize int64
	// MaxSize is the extent's allocated size, as set by Allocate or Truncate.
	MaxSize int64
	Attrs   map[string]string
}

// CopyDirection selects which depot drives a block-to-block copy.
type CopyDirection int

const (
	// Push has the source depot send to the destination.
	Push CopyDirection = iota
	// Pull has the destination depot fetch from the source.
	Pull
)

// CopyRequest copies Length bytes from a source extent to a destination extent.
type CopyRequest struct {
	Direction   CopyDirection
	SrcEndpoint string
	SrcReadCap  string
	DstEndpoint string
	DstWriteCap string
	SrcOffset   int64
	DstOffset   int64
	Length      int64
}

// BlockStore is the capability protected extent service the segment engine stores data on.
// Every call names the depot endpoint owning the extent plus the capability for the action.
//
// Size contract: Truncate sets an extent's MaxSize and never changes written bytes below it.
// CurrentSize is the high-water mark of written bytes. A one byte write at MaxSize-1 must
// leave CurrentSize == MaxSize, which is how the engine makes a depot's reported size track
// a block that was enlarged in place.
type BlockStore interface {
	// Allocate creates an extent of req.Size bytes and returns its capabilities.
	Allocate(ctx context.Context, req AllocateRequest) (Capabilities, error)
	// Read fills every span's Data from the extent.
	Read(ctx context.Context, endpoint string, readCap string, spans []Span) error
	// Write stores every span's Data into the extent.
	Write(ctx context.Context, endpoint string, writeCap string, spans []Span) error
	// Probe returns the extent's sizes and attributes.
	Probe(ctx context.Context, endpoint string, manageCap string) (ProbeResult, error)
	// Truncate sets the extent's MaxSize.
	Truncate(ctx context.Context, endpoint string, manageCap string, size int64) error
	// Remove releases the extent.
	Remove(ctx context.Context, endpoint string, manageCap string) error
	// Copy moves bytes between two extents without routing them through the caller.
	Copy(ctx context.Context, req CopyRequest) error
}
