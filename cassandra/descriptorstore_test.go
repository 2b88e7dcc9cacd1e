package cassandra

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/internal/blockstoretest"
)

func TestDescriptorStoreContract(t *testing.T) {
	hosts := os.Getenv("SEGSTORE_CASSANDRA_HOSTS")
	if hosts == "" {
		t.Skip("SEGSTORE_CASSANDRA_HOSTS not set")
	}
	conn, err := NewConnection(Config{ClusterHosts: strings.Split(hosts, ","), Keyspace: "segstore_test"})
	if err != nil {
		t.Fatalf("NewConnection failed, details: %v", err)
	}
	defer conn.Close()
	blockstoretest.RunDescriptorStore(t, NewDescriptorStore(conn))
}

func TestClosedConnection(t *testing.T) {
	s := NewDescriptorStore(nil)
	if err := s.Save(context.Background(), segstore.Descriptor{ID: segstore.NewUUID()}); err == nil {
		t.Errorf("Save without a session should fail")
	}
	if _, err := s.Load(context.Background(), segstore.NewUUID()); err == nil {
		t.Errorf("Load without a session should fail")
	}
}
