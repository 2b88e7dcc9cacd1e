package ec

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/erasure"
	"github.com/sharedcode/segstore/inmemory"
	"github.com/sharedcode/segstore/lun"
	"github.com/sharedcode/segstore/placement"
)

func testConfig(d, p int, chunk int64, mode segstore.TagMode) segstore.ErasureConfig {
	cfg := segstore.DefaultErasureConfig()
	cfg.NData = d
	cfg.NParity = p
	cfg.ChunkSize = chunk
	cfg.TagMode = mode
	return cfg
}

type testEnv struct {
	store *inmemory.BlockStore
	rs    *placement.Simple
}

func newTestSegment(t *testing.T, cfg segstore.ErasureConfig) (*Segment, testEnv) {
	t.Helper()
	bs := inmemory.NewBlockStore()
	rs := placement.NewSimple(bs)
	for i := 0; i < cfg.NData+cfg.NParity+3; i++ {
		rs.AddLocation(placement.Location{
			Key:      fmt.Sprintf("loc%d", i),
			Endpoint: fmt.Sprintf("depot%d", i),
			Attrs:    map[string]string{"site": "east"},
		})
	}
	stripe := segstore.DefaultStripeConfig()
	stripe.ExcessBlockSize = 0
	stripe.Timeout = 5 * time.Second
	s, err := Create(cfg, stripe, bs, rs)
	if err != nil {
		t.Fatalf("Create failed, details: %v", err)
	}
	return s, testEnv{store: bs, rs: rs}
}

func pattern(n int64, seed uint64) []byte {
	r := rand.New(rand.NewSource(int64(seed ^ 0x9e3779b97f4a7c15)))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

func writeStripes(t *testing.T, s *Segment, nstripes int64, seed uint64) []byte {
	t.Helper()
	data := pattern(nstripes*s.BlockSize(), seed)
	if err := s.Write(context.Background(), []segstore.Range{{Offset: 0, Length: int64(len(data))}}, data); err != nil {
		t.Fatalf("Write failed, details: %v", err)
	}
	return data
}

func readStripes(s *Segment, off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	err := s.Read(context.Background(), []segstore.Range{{Offset: off, Length: n}}, buf)
	return buf, err
}

// corruptPayload flips bytes of stripe 0's chunk on device dev, leaving its tag alone.
func corruptPayload(s *Segment, env testEnv, dev int) {
	b := s.Child().Blocks(0)[dev]
	env.store.Corrupt(b.Endpoint, b.Caps.Manage, b.CapOffset+erasure.TagSize+7, 33)
}

func TestCreateChildGeometry(t *testing.T) {
	s, _ := newTestSegment(t, testConfig(4, 2, 1024, segstore.TagNonce))
	cc := s.Child().Config()
	if cc.NDevices != 6 || cc.ChunkSize != 1028 || cc.MaxBlockSize%1028 != 0 {
		t.Errorf("unexpected child geometry %+v", cc)
	}
	if s.BlockSize() != 4096 {
		t.Errorf("got block size %d, want 4096", s.BlockSize())
	}
	want := "jerase(method=reed_sol_van, n_data_devs=4, n_parity_devs=2, chunk_size=1024, w=-1)\nlun(n_devices=6"
	if !strings.HasPrefix(s.Signature(), want) {
		t.Errorf("got signature %q", s.Signature())
	}
}

func TestNewRejectsMismatchedChild(t *testing.T) {
	bs := inmemory.NewBlockStore()
	rs := placement.NewSimple(bs)
	stripe := segstore.DefaultStripeConfig()
	stripe.NDevices = 5
	stripe.ChunkSize = 1028
	stripe.MaxBlockSize = 1028 * 8
	child, err := lun.New(stripe, bs, rs)
	if err != nil {
		t.Fatalf("lun.New failed, details: %v", err)
	}
	if _, err := New(testConfig(4, 2, 1024, segstore.TagNonce), child); !segstore.HasCode(err, segstore.InvalidGeometry) {
		t.Errorf("expected InvalidGeometry, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		method string
		d, p   int
		chunk  int64
		mode   segstore.TagMode
	}{
		{"reed_sol_van", 2, 1, 16, segstore.TagNonce},
		{"reed_sol_van", 4, 2, 1024, segstore.TagChecksum},
		{"cauchy_good", 3, 3, 512, segstore.TagNonce},
		{"klauspost", 6, 3, 4096, segstore.TagChecksum},
	}
	ctx := context.Background()
	for _, c := range cases {
		cfg := testConfig(c.d, c.p, c.chunk, c.mode)
		cfg.Method = c.method
		s, _ := newTestSegment(t, cfg)
		ds := s.BlockSize()
		// Two ranges, written out of order.
		data := pattern(5*ds, uint64(c.d*10+c.p))
		ranges := []segstore.Range{{Offset: 3 * ds, Length: 2 * ds}, {Offset: 0, Length: 3 * ds}}
		buf := append(append([]byte(nil), data[3*ds:]...), data[:3*ds]...)
		if err := s.Write(ctx, ranges, buf); err != nil {
			t.Fatalf("%s %d+%d: Write failed, details: %v", c.method, c.d, c.p, err)
		}
		if s.Size() != 5*ds {
			t.Errorf("%s %d+%d: got size %d, want %d", c.method, c.d, c.p, s.Size(), 5*ds)
		}
		got, err := readStripes(s, 0, 5*ds)
		if err != nil {
			t.Fatalf("%s %d+%d: Read failed, details: %v", c.method, c.d, c.p, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s %d+%d: read back differs", c.method, c.d, c.p)
		}
	}
}

func TestReadUnwrittenStripesAreZero(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSegment(t, testConfig(4, 2, 256, segstore.TagNonce))
	if err := s.Truncate(ctx, 3*s.BlockSize()); err != nil {
		t.Fatalf("Truncate failed, details: %v", err)
	}
	got, err := readStripes(s, 0, 3*s.BlockSize())
	if err != nil {
		t.Fatalf("Read failed, details: %v", err)
	}
	if !bytes.Equal(got, make([]byte, len(got))) {
		t.Errorf("unwritten stripes are not zero")
	}
}

// zeroBlocks zeroes, tag included, the row 0 device-blocks of devs.
func zeroBlocks(s *Segment, env testEnv, devs ...int) {
	blocks := s.Child().Blocks(0)
	for _, dev := range devs {
		env.store.Zero(blocks[dev].Endpoint, blocks[dev].Caps.Manage)
	}
}

// subsets returns every k element subset of 0..n-1 in lexicographic order.
func subsets(n, k int) [][]int {
	var out [][]int
	var walk func(start int, cur []int)
	walk = func(start int, cur []int) {
		if len(cur) == k {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := start; i < n; i++ {
			walk(i+1, append(cur, i))
		}
	}
	walk(0, nil)
	return out
}

func TestReconstructAnyTwoZeroedBlocks(t *testing.T) {
	pairs := subsets(6, 2)
	if len(pairs) != 15 {
		t.Fatalf("expected 15 pairs, got %d", len(pairs))
	}
	for _, pr := range pairs {
		s, env := newTestSegment(t, testConfig(4, 2, 64*segstore.KiB, segstore.TagNonce))
		data := writeStripes(t, s, 1, uint64(pr[0]*6+pr[1]))
		if len(data) != 256*segstore.KiB {
			t.Fatalf("got %d bytes of payload, want 256KiB", len(data))
		}
		zeroBlocks(s, env, pr...)
		got, err := readStripes(s, 0, int64(len(data)))
		if err != nil {
			t.Fatalf("devices %v: Read failed, details: %v", pr, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("devices %v: reconstructed stripe differs", pr)
		}
	}
}

func TestRepairTwoZeroedBlocks(t *testing.T) {
	ctx := context.Background()
	s, env := newTestSegment(t, testConfig(4, 2, 64*segstore.KiB, segstore.TagNonce))
	data := writeStripes(t, s, 1, 42)
	zeroBlocks(s, env, 0, 1)
	blocks := s.Child().Blocks(0)

	res, err := s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.ScanCheck})
	if !segstore.HasCode(err, segstore.InspectionFailed) || res.BadStripes != 1 {
		t.Fatalf("expected a failed scan with one bad stripe, got %+v, %v", res, err)
	}
	if res, err = s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.ScanRepair}); err != nil || res.BadStripes != 1 {
		t.Fatalf("scan repair returned %+v, %v", res, err)
	}
	if res, err = s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.FullCheck}); err != nil || res.BadStripes != 0 {
		t.Fatalf("full check after repair returned %+v, %v", res, err)
	}
	raw := env.store.Peek(blocks[0].Endpoint, blocks[0].Caps.Read)[blocks[0].CapOffset:]
	ref := env.store.Peek(blocks[2].Endpoint, blocks[2].Caps.Read)[blocks[2].CapOffset:]
	if erasure.GetTag(raw) != erasure.GetTag(ref) || !bytes.Equal(raw[erasure.TagSize:erasure.TagSize+64*segstore.KiB], data[:64*segstore.KiB]) {
		t.Errorf("device 0 was not rewritten with the quorum tag and its payload")
	}
}

func TestZeroedBlocksBeyondParity(t *testing.T) {
	// With p+1 whole blocks zeroed the empty tag can outvote the written chunks, the read
	// must still report the loss rather than return zeros.
	geometries := [][2]int{{4, 2}, {3, 2}, {2, 2}}
	for _, g := range geometries {
		d, p := g[0], g[1]
		for _, devs := range subsets(d+p, p+1) {
			s, env := newTestSegment(t, testConfig(d, p, 1024, segstore.TagNonce))
			data := writeStripes(t, s, 1, uint64(d*100+p))
			zeroBlocks(s, env, devs...)
			if _, err := readStripes(s, 0, int64(len(data))); !segstore.HasCode(err, segstore.UnrecoverableStripe) {
				t.Errorf("%d+%d devices %v: expected UnrecoverableStripe, got %v", d, p, devs, err)
			}
		}
	}
}

func TestZeroedBlocksOutvotingWrittenQuorum(t *testing.T) {
	// 2+2 with two zeroed blocks ties the empty tag with the written one; the written
	// chunks still decode.
	for _, pr := range subsets(4, 2) {
		s, env := newTestSegment(t, testConfig(2, 2, 1024, segstore.TagNonce))
		data := writeStripes(t, s, 1, uint64(pr[0]*4+pr[1]))
		zeroBlocks(s, env, pr...)
		got, err := readStripes(s, 0, int64(len(data)))
		if err != nil {
			t.Fatalf("devices %v: Read failed, details: %v", pr, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("devices %v: reconstructed stripe differs", pr)
		}
	}
}

func TestFaultTolerance_NonceControlCheck(t *testing.T) {
	// Silent corruption of up to nParity-1 chunks is found by a paranoid read.
	for dev := 0; dev < 6; dev++ {
		cfg := testConfig(4, 2, 1024, segstore.TagNonce)
		cfg.Paranoid = true
		s, env := newTestSegment(t, cfg)
		data := writeStripes(t, s, 2, uint64(dev))
		corruptPayload(s, env, dev)
		got, err := readStripes(s, 0, int64(len(data)))
		if err != nil {
			t.Fatalf("device %d: Read failed, details: %v", dev, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("device %d: corrupted chunk was not corrected", dev)
		}
	}
}

func TestFaultTolerance_NonceLimit(t *testing.T) {
	cfg := testConfig(4, 2, 1024, segstore.TagNonce)
	cfg.Paranoid = true
	s, env := newTestSegment(t, cfg)
	data := writeStripes(t, s, 1, 7)
	corruptPayload(s, env, 1)
	corruptPayload(s, env, 4)
	_, err := readStripes(s, 0, int64(len(data)))
	if !segstore.HasCode(err, segstore.UnrecoverableStripe) {
		t.Fatalf("expected UnrecoverableStripe, got %v", err)
	}
}

func TestFaultTolerance_Checksum(t *testing.T) {
	// Checksum tags locate up to nParity silently corrupted chunks, paranoid or not.
	pairs := [][2]int{{0, 1}, {2, 5}, {4, 5}}
	for _, pr := range pairs {
		s, env := newTestSegment(t, testConfig(4, 2, 1024, segstore.TagChecksum))
		data := writeStripes(t, s, 1, uint64(pr[0]*7+pr[1]))
		corruptPayload(s, env, pr[0])
		corruptPayload(s, env, pr[1])
		got, err := readStripes(s, 0, int64(len(data)))
		if err != nil {
			t.Fatalf("devices %v: Read failed, details: %v", pr, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("devices %v: corrupted chunks were not corrected", pr)
		}
	}
}

func TestFaultTolerance_BruteForceLimit(t *testing.T) {
	cfg := testConfig(4, 2, 1024, segstore.TagChecksum)
	cfg.BruteForceLimit = 1
	s, env := newTestSegment(t, cfg)
	data := writeStripes(t, s, 1, 3)
	corruptPayload(s, env, 0)
	corruptPayload(s, env, 3)
	if _, err := readStripes(s, 0, int64(len(data))); !segstore.HasCode(err, segstore.UnrecoverableStripe) {
		t.Fatalf("expected UnrecoverableStripe with the search capped at one chunk, got %v", err)
	}
}

func TestUnrecoverableStripeDoesNotStopOthers(t *testing.T) {
	s, env := newTestSegment(t, testConfig(4, 2, 1024, segstore.TagNonce))
	data := writeStripes(t, s, 2, 11)
	// Three devices lose stripe 0's tag, p+1 chunks.
	for dev := 0; dev < 3; dev++ {
		b := s.Child().Blocks(0)[dev]
		env.store.Corrupt(b.Endpoint, b.Caps.Manage, b.CapOffset, erasure.TagSize)
	}
	got, err := readStripes(s, 0, int64(len(data)))
	if !segstore.HasCode(err, segstore.UnrecoverableStripe) || segstore.ErrorCount(err) != 1 {
		t.Fatalf("expected one unrecoverable stripe, got %v", err)
	}
	ds := s.BlockSize()
	if !bytes.Equal(got[:ds], make([]byte, ds)) {
		t.Errorf("unrecoverable stripe was not zeroed")
	}
	if !bytes.Equal(got[ds:], data[ds:]) {
		t.Errorf("the intact stripe differs")
	}
	if _, hard := s.ErrorCounts(); hard != 1 {
		t.Errorf("got %d hard errors, want 1", hard)
	}
}

func TestMisalignedIO(t *testing.T) {
	s, _ := newTestSegment(t, testConfig(4, 2, 1024, segstore.TagNonce))
	ds := s.BlockSize()
	buf := make([]byte, 2*ds)
	if err := s.Write(context.Background(), []segstore.Range{{Offset: 1, Length: ds}}, buf); !segstore.HasCode(err, segstore.MisalignedIO) {
		t.Errorf("misaligned write: expected MisalignedIO, got %v", err)
	}
	if err := s.Read(context.Background(), []segstore.Range{{Offset: 0, Length: ds - 1}}, buf); !segstore.HasCode(err, segstore.MisalignedIO) {
		t.Errorf("misaligned read: expected MisalignedIO, got %v", err)
	}
}

func TestTruncateRoundsToStripes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSegment(t, testConfig(4, 2, 1024, segstore.TagNonce))
	ds := s.BlockSize()
	for i := 0; i < 2; i++ {
		if err := s.Truncate(ctx, ds+1); err != nil {
			t.Fatalf("Truncate failed, details: %v", err)
		}
		if s.Size() != 2*ds || s.Child().Size() != 2*6*1028 {
			t.Errorf("got size %d, child %d", s.Size(), s.Child().Size())
		}
	}
	if err := s.Truncate(ctx, 0); err != nil || s.Size() != 0 {
		t.Errorf("Truncate(0) left size %d, %v", s.Size(), err)
	}
}

func TestWriteToleratesParityFailures(t *testing.T) {
	ctx := context.Background()
	s, env := newTestSegment(t, testConfig(4, 2, 1024, segstore.TagNonce))
	writeStripes(t, s, 2, 1)
	blocks := s.Child().Blocks(0)
	env.store.FailOp(blocks[0].Endpoint, inmemory.OpWrite, true)
	env.store.FailOp(blocks[3].Endpoint, inmemory.OpWrite, true)

	data := writeStripes(t, s, 2, 2)
	if soft, hard := s.ErrorCounts(); soft != 1 || hard != 0 {
		t.Errorf("got %d soft and %d hard errors, want 1 and 0", soft, hard)
	}
	got, err := readStripes(s, 0, int64(len(data)))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("read after a tolerated write failure returned %v", err)
	}

	env.store.FailOp(blocks[5].Endpoint, inmemory.OpWrite, true)
	err = s.Write(ctx, []segstore.Range{{Offset: 0, Length: s.BlockSize()}}, data)
	if !segstore.HasCode(err, segstore.BlockIOError) || segstore.ErrorCount(err) != 3 {
		t.Fatalf("expected a write error on 3 devices, got %v", err)
	}
	if !s.NeedsInspection() {
		t.Errorf("segment is not flagged for a full inspection")
	}
}

func TestInspect_QuickRepairRebuildsDestroyedBlock(t *testing.T) {
	ctx := context.Background()
	s, env := newTestSegment(t, testConfig(4, 2, 1024, segstore.TagNonce))
	data := writeStripes(t, s, 4, 5)
	lost := s.Child().Blocks(0)[2]
	env.store.Destroy(lost.Endpoint, lost.Caps.Manage)

	if _, err := s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.QuickCheck}); !segstore.HasCode(err, segstore.InspectionFailed) {
		t.Fatalf("expected the quick check to fail, got %v", err)
	}
	res, err := s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.QuickRepair})
	if err != nil {
		t.Fatalf("QuickRepair failed, details: %v", err)
	}
	if res.DevicesReplaced != 1 || res.BadStripes != 4 {
		t.Errorf("unexpected repair result %+v", res)
	}
	if res, err = s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.FullCheck}); err != nil || res.BadStripes != 0 {
		t.Fatalf("full check after repair returned %+v, %v", res, err)
	}
	got, err := readStripes(s, 0, int64(len(data)))
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("read after repair returned %v", err)
	}
	if b := s.Child().Blocks(0)[2]; b.Caps == lost.Caps {
		t.Errorf("destroyed block was not replaced")
	}
}

func TestInspect_ParityExceeded(t *testing.T) {
	ctx := context.Background()
	s, env := newTestSegment(t, testConfig(4, 2, 1024, segstore.TagNonce))
	writeStripes(t, s, 1, 9)
	for _, b := range s.Child().Blocks(0)[:3] {
		env.store.Destroy(b.Endpoint, b.Caps.Manage)
	}
	res, err := s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.QuickRepair})
	if !segstore.HasCode(err, segstore.InspectionFailed) || segstore.ErrorCount(err) != 3 {
		t.Fatalf("expected InspectionFailed with 3 devices, got %v", err)
	}
	if !res.ParityExceeded {
		t.Errorf("result %+v does not report the parity as exceeded", res)
	}
}

func TestInspect_FullRepairFixesSilentCorruption(t *testing.T) {
	ctx := context.Background()
	s, env := newTestSegment(t, testConfig(4, 2, 1024, segstore.TagChecksum))
	data := writeStripes(t, s, 3, 13)
	corruptPayload(s, env, 1)

	res, err := s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.ScanCheck})
	if err != nil || res.BadStripes != 0 {
		t.Errorf("tags agree so the scan should pass, got %+v, %v", res, err)
	}
	res, err = s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.FullCheck})
	if !segstore.HasCode(err, segstore.InspectionFailed) || res.BadStripes != 1 {
		t.Fatalf("expected a failed full check with one bad stripe, got %+v, %v", res, err)
	}
	if res, err = s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.FullRepair}); err != nil || res.BadStripes != 1 {
		t.Fatalf("full repair returned %+v, %v", res, err)
	}
	if res, err = s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.FullCheck}); err != nil || res.BadStripes != 0 {
		t.Fatalf("full check after repair returned %+v, %v", res, err)
	}
	b := s.Child().Blocks(0)[1]
	raw := env.store.Peek(b.Endpoint, b.Caps.Read)[b.CapOffset+erasure.TagSize:]
	if !bytes.Equal(raw[:1024], data[1024:2048]) {
		t.Errorf("corrupted chunk was not rewritten")
	}
}

func TestInspect_FullRepairClearsSuspectFlags(t *testing.T) {
	ctx := context.Background()
	s, env := newTestSegment(t, testConfig(4, 2, 1024, segstore.TagNonce))
	writeStripes(t, s, 1, 1)
	blocks := s.Child().Blocks(0)
	for _, b := range blocks[:3] {
		env.store.FailOp(b.Endpoint, inmemory.OpWrite, true)
	}
	data := pattern(s.BlockSize(), 2)
	if err := s.Write(ctx, []segstore.Range{{Offset: 0, Length: s.BlockSize()}}, data); err == nil {
		t.Fatalf("expected the write to fail")
	}
	if !s.paranoid() || !s.NeedsInspection() {
		t.Fatalf("write failure did not mark the segment")
	}
	for _, b := range blocks[:3] {
		env.store.FailOp(b.Endpoint, inmemory.OpWrite, false)
	}
	// Three old and three new chunks: neither version has a quorum until the stripe is rewritten.
	if _, err := readStripes(s, 0, s.BlockSize()); !segstore.HasCode(err, segstore.UnrecoverableStripe) {
		t.Fatalf("expected the split stripe to be unrecoverable, got %v", err)
	}
	if err := s.Write(ctx, []segstore.Range{{Offset: 0, Length: s.BlockSize()}}, data); err != nil {
		t.Fatalf("rewrite failed, details: %v", err)
	}
	if _, err := s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.FullRepair}); err != nil {
		t.Fatalf("FullRepair failed, details: %v", err)
	}
	if s.paranoid() || s.NeedsInspection() {
		t.Errorf("full repair did not clear the flags")
	}
}

func TestInspect_Counters(t *testing.T) {
	ctx := context.Background()
	s, env := newTestSegment(t, testConfig(2, 1, 64, segstore.TagNonce))
	writeStripes(t, s, 1, 1)
	env.store.FailOp(s.Child().Blocks(0)[0].Endpoint, inmemory.OpWrite, true)
	writeStripes(t, s, 1, 2)

	res, err := s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.SoftErrors})
	if err != nil || res.Count != 1 {
		t.Errorf("soft errors: got %+v, %v", res, err)
	}
	if res, err = s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.HardErrors}); err != nil || res.Count != 0 {
		t.Errorf("hard errors: got %+v, %v", res, err)
	}
	if res, err = s.Inspect(ctx, segstore.InspectRequest{Mode: segstore.WriteErrors}); err != nil || res.Count != 1 {
		t.Errorf("write errors: got %+v, %v", res, err)
	}
}

func TestCloneData(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSegment(t, testConfig(3, 2, 512, segstore.TagChecksum))
	data := writeStripes(t, s, 3, 21)
	c, err := s.Clone(ctx, segstore.CloneData, nil)
	if err != nil {
		t.Fatalf("Clone failed, details: %v", err)
	}
	dst, ok := c.(*Segment)
	if !ok || dst.ID() == s.ID() || dst.Child().ID() == s.Child().ID() {
		t.Fatalf("clone is not a new erasure-coded segment: %#v", c)
	}
	got, err := readStripes(dst, 0, int64(len(data)))
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("clone read back differs, %v", err)
	}

	other, _ := newTestSegment(t, testConfig(4, 2, 512, segstore.TagChecksum))
	if _, err := s.Clone(ctx, segstore.CloneStructure, other); !segstore.HasCode(err, segstore.InvalidGeometry) {
		t.Errorf("expected InvalidGeometry cloning into a 4+2 segment, got %v", err)
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, env := newTestSegment(t, testConfig(4, 2, 1024, segstore.TagNonce))
	data := writeStripes(t, s, 2, 4)
	d, err := s.Descriptor()
	if err != nil {
		t.Fatalf("Descriptor failed, details: %v", err)
	}
	if d.Kind != Kind || d.Child == nil || d.Child.Kind != lun.Kind {
		t.Fatalf("unexpected descriptor %+v", d)
	}

	ds := inmemory.NewDescriptorStore()
	if err := ds.Save(ctx, d); err != nil {
		t.Fatalf("Save failed, details: %v", err)
	}
	loaded, err := ds.Load(ctx, s.ID())
	if err != nil {
		t.Fatalf("Load failed, details: %v", err)
	}
	r, err := FromDescriptor(loaded, env.store, env.rs)
	if err != nil {
		t.Fatalf("FromDescriptor failed, details: %v", err)
	}
	if r.ID() != s.ID() || r.Signature() != s.Signature() || r.Size() != s.Size() {
		t.Errorf("restored segment differs: %s %q %d", r.ID(), r.Signature(), r.Size())
	}
	got, err := readStripes(r, 0, int64(len(data)))
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("restored segment read back differs, %v", err)
	}

	d.Child = nil
	if _, err := FromDescriptor(d, env.store, env.rs); !segstore.HasCode(err, segstore.DescriptorError) {
		t.Errorf("expected DescriptorError without a child, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	s, env := newTestSegment(t, testConfig(2, 1, 64, segstore.TagNonce))
	writeStripes(t, s, 2, 1)
	if err := s.Remove(context.Background()); err != nil {
		t.Fatalf("Remove failed, details: %v", err)
	}
	if n := env.store.ExtentCount(""); n != 0 || s.Size() != 0 {
		t.Errorf("%d extents left, size %d", n, s.Size())
	}
}
