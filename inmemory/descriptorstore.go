package inmemory

import (
	"context"
	"sync"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/encoding"
)

// DescriptorStore keeps marshaled segment descriptors in a map.
type DescriptorStore struct {
	locker sync.Mutex
	lookup map[segstore.UUID][]byte
}

// NewDescriptorStore returns an empty descriptor store.
func NewDescriptorStore() *DescriptorStore {
	return &DescriptorStore{lookup: make(map[segstore.UUID][]byte)}
}

// Save adds or replaces a descriptor.
func (s *DescriptorStore) Save(ctx context.Context, d segstore.Descriptor) error {
	ba, err := encoding.Marshal(d)
	if err != nil {
		return err
	}
	s.locker.Lock()
	s.lookup[d.ID] = ba
	s.locker.Unlock()
	return nil
}

// Load fetches a descriptor.
func (s *DescriptorStore) Load(ctx context.Context, id segstore.UUID) (segstore.Descriptor, error) {
	s.locker.Lock()
	ba, ok := s.lookup[id]
	s.locker.Unlock()
	if !ok {
		return segstore.Descriptor{}, segstore.ErrDescriptorNotFound
	}
	var d segstore.Descriptor
	err := encoding.Unmarshal(ba, &d)
	return d, err
}

// Remove deletes a descriptor.
func (s *DescriptorStore) Remove(ctx context.Context, id segstore.UUID) error {
	s.locker.Lock()
	delete(s.lookup, id)
	s.locker.Unlock()
	return nil
}
