package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/encoding"
)

const descriptorTable = "segment_descriptor"

// DescriptorStore keeps segment descriptors in the segment_descriptor table, one row per
// segment with the marshaled descriptor in body.
type DescriptorStore struct {
	conn *Connection
}

// NewDescriptorStore returns a descriptor store on conn.
func NewDescriptorStore(conn *Connection) *DescriptorStore {
	return &DescriptorStore{conn: conn}
}

func (s *DescriptorStore) session() (*gocql.Session, error) {
	if s.conn == nil || s.conn.Session == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}
	return s.conn.Session, nil
}

// Save upserts the descriptor's row.
func (s *DescriptorStore) Save(ctx context.Context, d segstore.Descriptor) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	ba, err := encoding.Marshal(d)
	if err != nil {
		return segstore.Error{Code: segstore.DescriptorError, Err: err}
	}
	insertStatement := fmt.Sprintf("INSERT INTO %s.%s (id, kind, body, ts) VALUES(?,?,?,?);", s.conn.Keyspace, descriptorTable)
	qry := sess.Query(insertStatement, gocql.UUID(d.ID), d.Kind, ba, time.Now().UnixMilli()).WithContext(ctx)
	if s.conn.ConsistencyBook.DescriptorSave > gocql.Any {
		qry.Consistency(s.conn.ConsistencyBook.DescriptorSave)
	}
	return qry.Exec()
}

// Load reads the descriptor's row, ErrDescriptorNotFound if there is none.
func (s *DescriptorStore) Load(ctx context.Context, id segstore.UUID) (segstore.Descriptor, error) {
	sess, err := s.session()
	if err != nil {
		return segstore.Descriptor{}, err
	}
	selectStatement := fmt.Sprintf("SELECT body FROM %s.%s WHERE id = ?;", s.conn.Keyspace, descriptorTable)
	qry := sess.Query(selectStatement, gocql.UUID(id)).WithContext(ctx)
	if s.conn.ConsistencyBook.DescriptorLoad > gocql.Any {
		qry.Consistency(s.conn.ConsistencyBook.DescriptorLoad)
	}
	var ba []byte
	if err := qry.Scan(&ba); err != nil {
		if err == gocql.ErrNotFound {
			return segstore.Descriptor{}, segstore.ErrDescriptorNotFound
		}
		return segstore.Descriptor{}, err
	}
	var d segstore.Descriptor
	if err := encoding.Unmarshal(ba, &d); err != nil {
		return segstore.Descriptor{}, segstore.Error{Code: segstore.DescriptorError, Err: err}
	}
	return d, nil
}

// Remove deletes the descriptor's row.
func (s *DescriptorStore) Remove(ctx context.Context, id segstore.UUID) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	deleteStatement := fmt.Sprintf("DELETE FROM %s.%s WHERE id = ?;", s.conn.Keyspace, descriptorTable)
	qry := sess.Query(deleteStatement, gocql.UUID(id)).WithContext(ctx)
	if s.conn.ConsistencyBook.DescriptorRemove > gocql.Any {
		qry.Consistency(s.conn.ConsistencyBook.DescriptorRemove)
	}
	return qry.Exec()
}

var _ segstore.DescriptorStore = (*DescriptorStore)(nil)
