package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/internal/blockstoretest"
	"github.com/sharedcode/segstore/placement"
)

// testConnection connects to SEGSTORE_REDIS_ADDR under a key prefix of its own.
func testConnection(t *testing.T) *Connection {
	t.Helper()
	addr := os.Getenv("SEGSTORE_REDIS_ADDR")
	if addr == "" {
		t.Skip("SEGSTORE_REDIS_ADDR not set")
	}
	opts := DefaultOptions()
	opts.Address = addr
	opts.KeyPrefix = "segstore-test-" + segstore.NewUUID().String() + ":"
	conn := NewConnection(opts)
	if err := conn.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed, details: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestKeysAndCaps(t *testing.T) {
	conn := NewConnection(Options{Address: "localhost:0", KeyPrefix: "p:"})
	defer conn.Close()
	bs := NewBlockStore(conn)
	if got := bs.dataKey("depot1", "x"); got != "p:blk:depot1:x" {
		t.Errorf("got data key %q", got)
	}
	if got := NewRemapNotifier(conn).channel(); got != "p:remap" {
		t.Errorf("got channel %q", got)
	}
	if id, token, err := splitCap("a.b.c"); err != nil || id != "a.b" || token != "c" {
		t.Errorf("splitCap got %q %q %v", id, token, err)
	}
	for _, bad := range []string{"", "abc", ".x", "x."} {
		if _, _, err := splitCap(bad); err == nil {
			t.Errorf("splitCap(%q) should fail", bad)
		}
	}
}

func TestBlockStoreContract(t *testing.T) {
	blockstoretest.RunBlockStore(t, NewBlockStore(testConnection(t)), "depot-1")
}

func TestDescriptorStoreContract(t *testing.T) {
	blockstoretest.RunDescriptorStore(t, NewDescriptorStore(testConnection(t)))
}

func TestTruncateShrinks(t *testing.T) {
	ctx := context.Background()
	bs := NewBlockStore(testConnection(t))
	caps, err := bs.Allocate(ctx, segstore.AllocateRequest{Endpoint: "d1", Size: 16})
	if err != nil {
		t.Fatalf("Allocate failed, details: %v", err)
	}
	bs.Write(ctx, "d1", caps.Write, []segstore.Span{{Offset: 0, Data: []byte("0123456789abcdef")}})
	if err := bs.Truncate(ctx, "d1", caps.Manage, 4); err != nil {
		t.Fatalf("Truncate failed, details: %v", err)
	}
	pr, err := bs.Probe(ctx, "d1", caps.Manage)
	if err != nil || pr.CurrentSize != 4 || pr.MaxSize != 4 {
		t.Errorf("after Truncate got %+v, %v", pr, err)
	}
	if err := bs.Truncate(ctx, "d1", caps.Manage, 0); err != nil {
		t.Fatalf("Truncate to zero failed, details: %v", err)
	}
	if pr, _ := bs.Probe(ctx, "d1", caps.Manage); pr.CurrentSize != 0 {
		t.Errorf("expected empty extent, got %+v", pr)
	}
}

func TestRemapNotifier(t *testing.T) {
	conn := testConnection(t)
	rs := placement.NewSimple(nil, placement.Location{Key: "loc1", Endpoint: "old:1"})
	n := NewRemapNotifier(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- n.Listen(ctx, rs, ready) }()
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("Listen failed, details: %v", err)
	}

	if err := n.Publish(ctx, "loc1", "new:2"); err != nil {
		t.Fatalf("Publish failed, details: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l, _ := rs.Lookup("loc1"); l.Endpoint == "new:2" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if l, _ := rs.Lookup("loc1"); l.Endpoint != "new:2" || rs.MapVersion() != 1 {
		t.Errorf("move not applied, got %+v at version %d", l, rs.MapVersion())
	}
	cancel()
	<-done
}
