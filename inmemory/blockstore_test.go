package inmemory

import (
	"context"
	"testing"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/internal/blockstoretest"
)

func TestBlockStoreContract(t *testing.T) {
	blockstoretest.RunBlockStore(t, NewBlockStore(), "depot-1")
}

func TestDescriptorStoreContract(t *testing.T) {
	blockstoretest.RunDescriptorStore(t, NewDescriptorStore())
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	bs := NewBlockStore()
	caps, err := bs.Allocate(ctx, segstore.AllocateRequest{Endpoint: "d1", Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	bs.Write(ctx, "d1", caps.Write, []segstore.Span{{Offset: 0, Data: []byte("abcd")}})

	bs.FailOp("d1", OpRead, true)
	if err := bs.Read(ctx, "d1", caps.Read, []segstore.Span{{Offset: 0, Data: make([]byte, 4)}}); err == nil {
		t.Errorf("expected induced read error")
	}
	bs.FailOp("d1", OpRead, false)

	bs.Corrupt("d1", caps.Read, 0, 1)
	if b := bs.Peek("d1", caps.Read); b[0] != 'a'^0xFF {
		t.Errorf("expected first byte flipped, got %v", b[0])
	}

	bs.FailAllocate("d2", true)
	if _, err := bs.Allocate(ctx, segstore.AllocateRequest{Endpoint: "d2", Size: 1}); err == nil {
		t.Errorf("expected induced allocate error")
	}

	bs.RenameEndpoint("d1", "d1b")
	if _, err := bs.Probe(ctx, "d1", caps.Manage); err == nil {
		t.Errorf("stale endpoint should fail")
	}
	if _, err := bs.Probe(ctx, "d1b", caps.Manage); err != nil {
		t.Errorf("renamed endpoint should answer, got %v", err)
	}

	bs.Destroy("d1b", caps.Manage)
	if bs.ExtentCount("") != 0 {
		t.Errorf("expected no extents left")
	}
}

func TestWritePastMaxSize(t *testing.T) {
	ctx := context.Background()
	bs := NewBlockStore()
	caps, _ := bs.Allocate(ctx, segstore.AllocateRequest{Endpoint: "d1", Size: 4})
	if err := bs.Write(ctx, "d1", caps.Write, []segstore.Span{{Offset: 2, Data: []byte("abc")}}); err == nil {
		t.Errorf("expected write past max size to fail")
	}
}
