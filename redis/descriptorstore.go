package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/encoding"
)

// DescriptorStore keeps marshaled segment descriptors as Redis strings keyed by segment ID.
type DescriptorStore struct {
	conn *Connection
}

// NewDescriptorStore returns a descriptor store on conn.
func NewDescriptorStore(conn *Connection) *DescriptorStore {
	return &DescriptorStore{conn: conn}
}

func (s *DescriptorStore) key(id segstore.UUID) string {
	return s.conn.key("desc", id.String())
}

// Save adds or replaces a descriptor.
func (s *DescriptorStore) Save(ctx context.Context, d segstore.Descriptor) error {
	ba, err := encoding.Marshal(d)
	if err != nil {
		return segstore.Error{Code: segstore.DescriptorError, Err: err}
	}
	return segstore.RetryIO(ctx, segstore.BlockIOError, func(ctx context.Context) error {
		return s.conn.Client.Set(ctx, s.key(d.ID), ba, 0).Err()
	})
}

// Load fetches a descriptor, ErrDescriptorNotFound if the key is missing.
func (s *DescriptorStore) Load(ctx context.Context, id segstore.UUID) (segstore.Descriptor, error) {
	var ba []byte
	found := true
	if err := segstore.RetryIO(ctx, segstore.BlockIOError, func(ctx context.Context) error {
		var err error
		ba, err = s.conn.Client.Get(ctx, s.key(id)).Bytes()
		if err == redis.Nil {
			found = false
			return nil
		}
		return err
	}); err != nil {
		return segstore.Descriptor{}, err
	}
	if !found {
		return segstore.Descriptor{}, segstore.ErrDescriptorNotFound
	}
	var d segstore.Descriptor
	if err := encoding.Unmarshal(ba, &d); err != nil {
		return segstore.Descriptor{}, segstore.Error{Code: segstore.DescriptorError, Err: err}
	}
	return d, nil
}

// Remove deletes a descriptor.
func (s *DescriptorStore) Remove(ctx context.Context, id segstore.UUID) error {
	return segstore.RetryIO(ctx, segstore.BlockIOError, func(ctx context.Context) error {
		return s.conn.Client.Del(ctx, s.key(id)).Err()
	})
}

var _ segstore.DescriptorStore = (*DescriptorStore)(nil)
