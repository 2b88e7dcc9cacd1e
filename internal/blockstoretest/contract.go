// Package blockstoretest holds the behavior every segstore.BlockStore and DescriptorStore
// backend must show, as reusable test helpers.
package blockstoretest

import (
	"bytes"
	"context"
	"testing"

	"github.com/sharedcode/segstore"
)

// RunBlockStore exercises allocate, vectored read and write, probe, the sentinel size
// contract, copy and remove against store. endpoint must accept allocations.
func RunBlockStore(t *testing.T, store segstore.BlockStore, endpoint string) {
	t.Helper()
	ctx := context.Background()

	caps, err := store.Allocate(ctx, segstore.AllocateRequest{Endpoint: endpoint, Location: "loc-a", Size: 4096})
	if err != nil {
		t.Fatalf("Allocate failed, details: %v", err)
	}
	if caps.Read == "" || caps.Write == "" || caps.Manage == "" {
		t.Fatalf("Allocate returned incomplete capabilities %+v", caps)
	}

	if err := store.Write(ctx, endpoint, caps.Write, []segstore.Span{
		{Offset: 0, Data: []byte("hello")},
		{Offset: 100, Data: []byte("world")},
	}); err != nil {
		t.Fatalf("Write failed, details: %v", err)
	}
	spans := []segstore.Span{
		{Offset: 0, Data: make([]byte, 5)},
		{Offset: 100, Data: make([]byte, 5)},
		{Offset: 50, Data: make([]byte, 3)},
	}
	if err := store.Read(ctx, endpoint, caps.Read, spans); err != nil {
		t.Fatalf("Read failed, details: %v", err)
	}
	if string(spans[0].Data) != "hello" || string(spans[1].Data) != "world" {
		t.Errorf("Read got %q %q", spans[0].Data, spans[1].Data)
	}
	if !bytes.Equal(spans[2].Data, []byte{0, 0, 0}) {
		t.Errorf("unwritten bytes should read as zeros, got %v", spans[2].Data)
	}

	// Write with the read capability must be refused.
	if err := store.Write(ctx, endpoint, caps.Read, []segstore.Span{{Offset: 0, Data: []byte("x")}}); err == nil {
		t.Errorf("Write with a read capability should fail")
	}

	// Enlarge in place then pad the tail: the reported size must track.
	if err := store.Truncate(ctx, endpoint, caps.Manage, 8192); err != nil {
		t.Fatalf("Truncate failed, details: %v", err)
	}
	if err := store.Write(ctx, endpoint, caps.Write, []segstore.Span{{Offset: 8191, Data: []byte{0}}}); err != nil {
		t.Fatalf("sentinel Write failed, details: %v", err)
	}
	pr, err := store.Probe(ctx, endpoint, caps.Manage)
	if err != nil {
		t.Fatalf("Probe failed, details: %v", err)
	}
	if pr.MaxSize != 8192 || pr.CurrentSize != 8192 {
		t.Errorf("after the sentinel write expected sizes 8192/8192, got %d/%d", pr.CurrentSize, pr.MaxSize)
	}
	// Enlarging kept the old bytes.
	got := []segstore.Span{{Offset: 0, Data: make([]byte, 5)}}
	if err := store.Read(ctx, endpoint, caps.Read, got); err != nil || string(got[0].Data) != "hello" {
		t.Errorf("enlarged extent lost data: %q, %v", got[0].Data, err)
	}

	dst, err := store.Allocate(ctx, segstore.AllocateRequest{Endpoint: endpoint, Location: "loc-b", Size: 4096})
	if err != nil {
		t.Fatalf("Allocate failed, details: %v", err)
	}
	if err := store.Copy(ctx, segstore.CopyRequest{
		Direction:   segstore.Push,
		SrcEndpoint: endpoint, SrcReadCap: caps.Read,
		DstEndpoint: endpoint, DstWriteCap: dst.Write,
		SrcOffset: 100, DstOffset: 10, Length: 5,
	}); err != nil {
		t.Fatalf("Copy failed, details: %v", err)
	}
	got = []segstore.Span{{Offset: 10, Data: make([]byte, 5)}}
	if err := store.Read(ctx, endpoint, dst.Read, got); err != nil || string(got[0].Data) != "world" {
		t.Errorf("Copy landed %q, %v", got[0].Data, err)
	}

	if err := store.Remove(ctx, endpoint, caps.Manage); err != nil {
		t.Fatalf("Remove failed, details: %v", err)
	}
	if _, err := store.Probe(ctx, endpoint, caps.Manage); err == nil {
		t.Errorf("Probe of a removed extent should fail")
	}
	store.Remove(ctx, endpoint, dst.Manage)
}

// RunDescriptorStore exercises save, load, replace and remove against store.
func RunDescriptorStore(t *testing.T, store segstore.DescriptorStore) {
	t.Helper()
	ctx := context.Background()
	d := segstore.Descriptor{
		ID:        segstore.NewUUID(),
		Kind:      "lun",
		Signature: "lun(3, 1, 16384)",
		Body:      []byte(`{"n_devices":3}`),
	}
	if err := store.Save(ctx, d); err != nil {
		t.Fatalf("Save failed, details: %v", err)
	}
	got, err := store.Load(ctx, d.ID)
	if err != nil {
		t.Fatalf("Load failed, details: %v", err)
	}
	if got.ID != d.ID || got.Kind != d.Kind || got.Signature != d.Signature || !bytes.Equal(got.Body, d.Body) {
		t.Errorf("Load got %+v, expected %+v", got, d)
	}
	d.Signature = "lun(3, 2, 16384)"
	if err := store.Save(ctx, d); err != nil {
		t.Fatalf("Save (replace) failed, details: %v", err)
	}
	if got, _ := store.Load(ctx, d.ID); got.Signature != d.Signature {
		t.Errorf("replace not visible, got %q", got.Signature)
	}
	if err := store.Remove(ctx, d.ID); err != nil {
		t.Fatalf("Remove failed, details: %v", err)
	}
	if _, err := store.Load(ctx, d.ID); err == nil {
		t.Errorf("Load after Remove should fail")
	}
	if err := store.Remove(ctx, d.ID); err != nil {
		t.Errorf("removing a missing descriptor should not fail, got %v", err)
	}
}
