// Package fs implements segstore.BlockStore on a local file system. Each depot endpoint
// is a folder under the store's root, each extent a data file plus a JSON metadata sidecar
// holding its allocated size and capability tokens.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/encoding"
)

const (
	dataSuffix = ".blk"
	metaSuffix = ".meta"
	permission = 0o644
)

// extentMeta is the sidecar content of one extent.
type extentMeta struct {
	Location string `json:"location"`
	MaxSize  int64  `json:"max_size"`
	Read     string `json:"read"`
	Write    string `json:"write"`
	Manage   string `json:"manage"`
}

type handle struct {
	id   string
	dir  string
	meta extentMeta

	// Read and Write hold mu shared, Truncate and Remove exclusive.
	mu sync.RWMutex
}

func (h *handle) dataPath() string { return filepath.Join(h.dir, h.id+dataSuffix) }
func (h *handle) metaPath() string { return filepath.Join(h.dir, h.id+metaSuffix) }

// BlockStore is a file system backed segstore.BlockStore. Capabilities have the form
// "<extent id>.<token>", with a distinct token per access kind.
type BlockStore struct {
	root     string
	fio      FileIO
	dio      DirectIO
	locker   sync.Mutex
	handles  map[string]*handle
	noDirect atomic.Bool
}

// NewBlockStore returns a block store keeping depots under root. A nil fio or dio uses
// the os backed defaults; useDirectIO=false keeps every span on buffered I/O.
func NewBlockStore(root string, fio FileIO, dio DirectIO, useDirectIO bool) *BlockStore {
	if fio == nil {
		fio = NewFileIO()
	}
	if dio == nil {
		dio = NewDirectIO()
	}
	bs := &BlockStore{
		root:    root,
		fio:     fio,
		dio:     dio,
		handles: make(map[string]*handle),
	}
	bs.noDirect.Store(!useDirectIO)
	return bs
}

func (bs *BlockStore) depotDir(endpoint string) string {
	return filepath.Join(bs.root, url.PathEscape(endpoint))
}

func splitCap(cap string) (id, token string, err error) {
	i := strings.LastIndexByte(cap, '.')
	if i <= 0 || i == len(cap)-1 {
		return "", "", fmt.Errorf("malformed capability %q", cap)
	}
	return cap[:i], cap[i+1:], nil
}

// lookup resolves a capability to its extent, loading the sidecar on first use.
func (bs *BlockStore) lookup(ctx context.Context, endpoint, cap string, kind byte) (*handle, error) {
	id, token, err := splitCap(cap)
	if err != nil {
		return nil, err
	}
	dir := bs.depotDir(endpoint)
	key := filepath.Join(dir, id)

	bs.locker.Lock()
	h, ok := bs.handles[key]
	bs.locker.Unlock()
	if !ok {
		ba, err := bs.fio.ReadFile(ctx, filepath.Join(dir, id+metaSuffix))
		if err != nil {
			return nil, fmt.Errorf("extent %s not found on depot %s, details: %w", id, endpoint, err)
		}
		h = &handle{id: id, dir: dir}
		if err := encoding.Unmarshal(ba, &h.meta); err != nil {
			return nil, segstore.Error{Code: segstore.FileIOError, Err: err}
		}
		bs.locker.Lock()
		if existing, ok := bs.handles[key]; ok {
			h = existing
		} else {
			bs.handles[key] = h
		}
		bs.locker.Unlock()
	}

	var want string
	switch kind {
	case 'r':
		want = h.meta.Read
	case 'w':
		want = h.meta.Write
	default:
		want = h.meta.Manage
	}
	if token != want {
		return nil, fmt.Errorf("capability %q does not grant %c access to extent %s", cap, kind, id)
	}
	return h, nil
}

func (bs *BlockStore) forget(h *handle) {
	bs.locker.Lock()
	delete(bs.handles, filepath.Join(h.dir, h.id))
	bs.locker.Unlock()
}

// Allocate creates an empty data file and its sidecar under the endpoint's folder.
func (bs *BlockStore) Allocate(ctx context.Context, req segstore.AllocateRequest) (segstore.Capabilities, error) {
	if req.Size < 0 {
		return segstore.Capabilities{}, fmt.Errorf("invalid size %d", req.Size)
	}
	dir := bs.depotDir(req.Endpoint)
	if err := bs.fio.MkdirAll(ctx, dir, 0o755); err != nil {
		return segstore.Capabilities{}, err
	}
	h := &handle{
		id:  segstore.NewUUID().String(),
		dir: dir,
		meta: extentMeta{
			Location: req.Location,
			MaxSize:  req.Size,
			Read:     segstore.NewUUID().String(),
			Write:    segstore.NewUUID().String(),
			Manage:   segstore.NewUUID().String(),
		},
	}
	if err := bs.fio.WriteFile(ctx, h.dataPath(), nil, permission); err != nil {
		return segstore.Capabilities{}, err
	}
	if err := bs.saveMeta(ctx, h); err != nil {
		bs.fio.Remove(ctx, h.dataPath())
		return segstore.Capabilities{}, err
	}
	bs.locker.Lock()
	bs.handles[filepath.Join(dir, h.id)] = h
	bs.locker.Unlock()
	return segstore.Capabilities{
		Read:   h.id + "." + h.meta.Read,
		Write:  h.id + "." + h.meta.Write,
		Manage: h.id + "." + h.meta.Manage,
	}, nil
}

func (bs *BlockStore) saveMeta(ctx context.Context, h *handle) error {
	ba, err := encoding.Marshal(h.meta)
	if err != nil {
		return err
	}
	return bs.fio.WriteFile(ctx, h.metaPath(), ba, permission)
}

func checkBounds(op string, spans []segstore.Span, maxSize int64) error {
	for _, s := range spans {
		if s.Offset < 0 || s.Offset+int64(len(s.Data)) > maxSize {
			return fmt.Errorf("%s [%d,%d) past extent size %d", op, s.Offset, s.Offset+int64(len(s.Data)), maxSize)
		}
	}
	return nil
}

// openFiles opens the buffered handle and, when a span qualifies and the file system
// supports it, a direct I/O handle. The direct handle is nil otherwise.
func (bs *BlockStore) openFiles(ctx context.Context, path string, flag int, spans []segstore.Span) (*os.File, *os.File, error) {
	var f *os.File
	if err := segstore.RetryIO(ctx, segstore.FileIOError, func(context.Context) error {
		var err error
		f, err = os.OpenFile(path, flag, permission)
		return err
	}); err != nil {
		return nil, nil, err
	}
	if bs.noDirect.Load() {
		return f, nil, nil
	}
	for _, s := range spans {
		if !aligned(s.Offset, len(s.Data)) {
			continue
		}
		df, err := bs.dio.Open(ctx, path, flag, permission)
		if err != nil {
			log.Debug(fmt.Sprintf("fs: direct I/O unavailable under %s, using buffered I/O, details: %v", bs.root, err))
			bs.noDirect.Store(true)
			return f, nil, nil
		}
		return f, df, nil
	}
	return f, nil, nil
}

func (bs *BlockStore) closeFiles(f, df *os.File) {
	if df != nil {
		bs.dio.Close(df)
	}
	f.Close()
}

// Read fills every span. Bytes below MaxSize that were never written read as zeros.
func (bs *BlockStore) Read(ctx context.Context, endpoint string, readCap string, spans []segstore.Span) error {
	h, err := bs.lookup(ctx, endpoint, readCap, 'r')
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := checkBounds("read", spans, h.meta.MaxSize); err != nil {
		return err
	}
	return bs.readSpans(ctx, h, spans)
}

// readSpans must be called with h.mu held.
func (bs *BlockStore) readSpans(ctx context.Context, h *handle, spans []segstore.Span) error {
	f, df, err := bs.openFiles(ctx, h.dataPath(), os.O_RDONLY, spans)
	if err != nil {
		return err
	}
	defer bs.closeFiles(f, df)
	for _, s := range spans {
		if df != nil && aligned(s.Offset, len(s.Data)) {
			block := directio.AlignedBlock(len(s.Data))
			if _, err := bs.dio.ReadAt(ctx, df, block, s.Offset); err != nil {
				return err
			}
			copy(s.Data, block)
			continue
		}
		if err := segstore.RetryIO(ctx, segstore.FileIOError, func(context.Context) error {
			n, err := f.ReadAt(s.Data, s.Offset)
			if errors.Is(err, io.EOF) {
				clear(s.Data[n:])
				return nil
			}
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// Write stores every span. Writing past MaxSize fails.
func (bs *BlockStore) Write(ctx context.Context, endpoint string, writeCap string, spans []segstore.Span) error {
	h, err := bs.lookup(ctx, endpoint, writeCap, 'w')
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := checkBounds("write", spans, h.meta.MaxSize); err != nil {
		return err
	}
	return bs.writeSpans(ctx, h, spans)
}

// writeSpans must be called with h.mu held.
func (bs *BlockStore) writeSpans(ctx context.Context, h *handle, spans []segstore.Span) error {
	f, df, err := bs.openFiles(ctx, h.dataPath(), os.O_WRONLY|os.O_CREATE, spans)
	if err != nil {
		return err
	}
	defer bs.closeFiles(f, df)
	for _, s := range spans {
		if df != nil && aligned(s.Offset, len(s.Data)) {
			block := directio.AlignedBlock(len(s.Data))
			copy(block, s.Data)
			if _, err := bs.dio.WriteAt(ctx, df, block, s.Offset); err != nil {
				return err
			}
			continue
		}
		if err := segstore.RetryIO(ctx, segstore.FileIOError, func(context.Context) error {
			_, err := f.WriteAt(s.Data, s.Offset)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// Probe reports the data file's size as CurrentSize and the sidecar's MaxSize.
func (bs *BlockStore) Probe(ctx context.Context, endpoint string, manageCap string) (segstore.ProbeResult, error) {
	h, err := bs.lookup(ctx, endpoint, manageCap, 'm')
	if err != nil {
		return segstore.ProbeResult{}, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	fi, err := os.Stat(h.dataPath())
	if err != nil {
		return segstore.ProbeResult{}, segstore.Error{Code: segstore.FileIOError, Err: err}
	}
	return segstore.ProbeResult{
		CurrentSize: fi.Size(),
		MaxSize:     h.meta.MaxSize,
		Attrs:       map[string]string{"location": h.meta.Location},
	}, nil
}

// Truncate sets MaxSize, cutting the data file when it holds bytes beyond it.
func (bs *BlockStore) Truncate(ctx context.Context, endpoint string, manageCap string, size int64) error {
	if size < 0 {
		return fmt.Errorf("invalid size %d", size)
	}
	h, err := bs.lookup(ctx, endpoint, manageCap, 'm')
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if fi, err := os.Stat(h.dataPath()); err == nil && fi.Size() > size {
		if err := segstore.RetryIO(ctx, segstore.FileIOError, func(context.Context) error {
			return os.Truncate(h.dataPath(), size)
		}); err != nil {
			return err
		}
	}
	prev := h.meta.MaxSize
	h.meta.MaxSize = size
	if err := bs.saveMeta(ctx, h); err != nil {
		h.meta.MaxSize = prev
		return err
	}
	return nil
}

// Remove deletes the data file and its sidecar.
func (bs *BlockStore) Remove(ctx context.Context, endpoint string, manageCap string) error {
	h, err := bs.lookup(ctx, endpoint, manageCap, 'm')
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := bs.fio.Remove(ctx, h.metaPath()); err != nil {
		return err
	}
	bs.forget(h)
	if err := bs.fio.Remove(ctx, h.dataPath()); err != nil {
		log.Warn(fmt.Sprintf("fs: failed to remove data file of extent %s, details: %v", h.id, err))
	}
	return nil
}

// Copy reads the source span and writes it to the destination. Both depots live under the
// same root so Direction does not change who moves the bytes.
func (bs *BlockStore) Copy(ctx context.Context, req segstore.CopyRequest) error {
	src, err := bs.lookup(ctx, req.SrcEndpoint, req.SrcReadCap, 'r')
	if err != nil {
		return err
	}
	dst, err := bs.lookup(ctx, req.DstEndpoint, req.DstWriteCap, 'w')
	if err != nil {
		return err
	}
	buf := []segstore.Span{{Offset: req.SrcOffset, Data: make([]byte, req.Length)}}
	src.mu.RLock()
	err = checkBounds("copy", buf, src.meta.MaxSize)
	if err == nil {
		err = bs.readSpans(ctx, src, buf)
	}
	src.mu.RUnlock()
	if err != nil {
		return err
	}

	buf[0].Offset = req.DstOffset
	dst.mu.RLock()
	defer dst.mu.RUnlock()
	if err := checkBounds("copy", buf, dst.meta.MaxSize); err != nil {
		return err
	}
	return bs.writeSpans(ctx, dst, buf)
}

var _ segstore.BlockStore = (*BlockStore)(nil)
