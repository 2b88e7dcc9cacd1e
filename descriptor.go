package segstore

import (
	"context"
	"encoding/json"
	"errors"
)

// Descriptor is the serialized description of a segment.
// Body is engine specific; Child is set when a segment wraps another one.
type Descriptor struct {
	ID        UUID            `json:"id"`
	Kind      string          `json:"kind"`
	Signature string          `json:"signature"`
	Body      json.RawMessage `json:"body"`
	Child     *Descriptor     `json:"child,omitempty"`
}

// ErrDescriptorNotFound is returned by DescriptorStore.Load for unknown IDs.
var ErrDescriptorNotFound = errors.New("segment descriptor not found")

// DescriptorStore persists segment descriptors.
type DescriptorStore interface {
	// Save adds or replaces the descriptor.
	Save(ctx context.Context, d Descriptor) error
	// Load fetches the descriptor with the given ID.
	Load(ctx context.Context, id UUID) (Descriptor, error)
	// Remove deletes the descriptor, missing IDs are not an error.
	Remove(ctx context.Context, id UUID) error
}
