package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/segstore"
)

const (
	fieldMaxSize  = "max"
	fieldLocation = "loc"
	fieldRead     = "r"
	fieldWrite    = "w"
	fieldManage   = "m"
)

// truncateScript sets the extent's max size and cuts the data string when it is longer.
// KEYS[1] is the data key, KEYS[2] the metadata hash, ARGV[1] the new size.
var truncateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	return redis.error_reply('extent not found')
end
local size = tonumber(ARGV[1])
if size == 0 then
	redis.call('DEL', KEYS[1])
elseif redis.call('STRLEN', KEYS[1]) > size then
	local v = redis.call('GETRANGE', KEYS[1], 0, size - 1)
	redis.call('SET', KEYS[1], v)
end
redis.call('HSET', KEYS[2], 'max', size)
return size
`)

// BlockStore is a segstore.BlockStore keeping each extent as a Redis string, written with
// SETRANGE and read with GETRANGE, plus a metadata hash holding the max size and the
// capability tokens. Capabilities have the form "<extent id>.<token>".
type BlockStore struct {
	conn *Connection
}

// NewBlockStore returns a block store on conn.
func NewBlockStore(conn *Connection) *BlockStore {
	return &BlockStore{conn: conn}
}

type extentMeta struct {
	maxSize  int64
	location string
	tokens   map[byte]string
}

func (bs *BlockStore) dataKey(endpoint, id string) string {
	return bs.conn.key("blk", endpoint, id)
}

func (bs *BlockStore) metaKey(endpoint, id string) string {
	return bs.conn.key("blkmeta", endpoint, id)
}

func splitCap(cap string) (id, token string, err error) {
	i := strings.LastIndexByte(cap, '.')
	if i <= 0 || i == len(cap)-1 {
		return "", "", fmt.Errorf("malformed capability %q", cap)
	}
	return cap[:i], cap[i+1:], nil
}

// lookup loads the extent's metadata and checks the capability grants kind access.
func (bs *BlockStore) lookup(ctx context.Context, endpoint, cap string, kind byte) (string, extentMeta, error) {
	id, token, err := splitCap(cap)
	if err != nil {
		return "", extentMeta{}, err
	}
	var fields map[string]string
	if err := segstore.RetryIO(ctx, segstore.BlockIOError, func(ctx context.Context) error {
		var err error
		fields, err = bs.conn.Client.HGetAll(ctx, bs.metaKey(endpoint, id)).Result()
		return err
	}); err != nil {
		return "", extentMeta{}, err
	}
	if len(fields) == 0 {
		return "", extentMeta{}, fmt.Errorf("extent %s not found on depot %s", id, endpoint)
	}
	m := extentMeta{
		location: fields[fieldLocation],
		tokens: map[byte]string{
			'r': fields[fieldRead],
			'w': fields[fieldWrite],
			'm': fields[fieldManage],
		},
	}
	if m.maxSize, err = strconv.ParseInt(fields[fieldMaxSize], 10, 64); err != nil {
		return "", extentMeta{}, fmt.Errorf("extent %s has a malformed size, details: %w", id, err)
	}
	if m.tokens[kind] != token {
		return "", extentMeta{}, fmt.Errorf("capability %q does not grant %c access to extent %s", cap, kind, id)
	}
	return id, m, nil
}

func checkBounds(op string, spans []segstore.Span, maxSize int64) error {
	for _, s := range spans {
		if s.Offset < 0 || s.Offset+int64(len(s.Data)) > maxSize {
			return fmt.Errorf("%s [%d,%d) past extent size %d", op, s.Offset, s.Offset+int64(len(s.Data)), maxSize)
		}
	}
	return nil
}

// Allocate creates the extent's metadata hash. The data string appears on first write.
func (bs *BlockStore) Allocate(ctx context.Context, req segstore.AllocateRequest) (segstore.Capabilities, error) {
	if req.Size < 0 {
		return segstore.Capabilities{}, fmt.Errorf("invalid size %d", req.Size)
	}
	id := segstore.NewUUID().String()
	r, w, m := segstore.NewUUID().String(), segstore.NewUUID().String(), segstore.NewUUID().String()
	if err := segstore.RetryIO(ctx, segstore.BlockIOError, func(ctx context.Context) error {
		return bs.conn.Client.HSet(ctx, bs.metaKey(req.Endpoint, id),
			fieldMaxSize, req.Size,
			fieldLocation, req.Location,
			fieldRead, r,
			fieldWrite, w,
			fieldManage, m).Err()
	}); err != nil {
		return segstore.Capabilities{}, err
	}
	return segstore.Capabilities{Read: id + "." + r, Write: id + "." + w, Manage: id + "." + m}, nil
}

// Read fills every span in one pipeline. GETRANGE stops at the end of the written data,
// the rest of a span reads as zeros.
func (bs *BlockStore) Read(ctx context.Context, endpoint string, readCap string, spans []segstore.Span) error {
	id, m, err := bs.lookup(ctx, endpoint, readCap, 'r')
	if err != nil {
		return err
	}
	if err := checkBounds("read", spans, m.maxSize); err != nil {
		return err
	}
	return bs.readSpans(ctx, bs.dataKey(endpoint, id), spans)
}

func (bs *BlockStore) readSpans(ctx context.Context, key string, spans []segstore.Span) error {
	cmds := make([]*redis.StringCmd, len(spans))
	if err := segstore.RetryIO(ctx, segstore.BlockIOError, func(ctx context.Context) error {
		_, err := bs.conn.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, s := range spans {
				if len(s.Data) == 0 {
					continue
				}
				cmds[i] = pipe.GetRange(ctx, key, s.Offset, s.Offset+int64(len(s.Data))-1)
			}
			return nil
		})
		return err
	}); err != nil {
		return err
	}
	for i, s := range spans {
		if cmds[i] == nil {
			continue
		}
		n := copy(s.Data, cmds[i].Val())
		clear(s.Data[n:])
	}
	return nil
}

// Write stores every span in one MULTI/EXEC transaction.
func (bs *BlockStore) Write(ctx context.Context, endpoint string, writeCap string, spans []segstore.Span) error {
	id, m, err := bs.lookup(ctx, endpoint, writeCap, 'w')
	if err != nil {
		return err
	}
	if err := checkBounds("write", spans, m.maxSize); err != nil {
		return err
	}
	return bs.writeSpans(ctx, bs.dataKey(endpoint, id), spans)
}

func (bs *BlockStore) writeSpans(ctx context.Context, key string, spans []segstore.Span) error {
	return segstore.RetryIO(ctx, segstore.BlockIOError, func(ctx context.Context) error {
		_, err := bs.conn.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, s := range spans {
				if len(s.Data) == 0 {
					continue
				}
				pipe.SetRange(ctx, key, s.Offset, string(s.Data))
			}
			return nil
		})
		return err
	})
}

// Probe reports STRLEN of the data string as CurrentSize.
func (bs *BlockStore) Probe(ctx context.Context, endpoint string, manageCap string) (segstore.ProbeResult, error) {
	id, m, err := bs.lookup(ctx, endpoint, manageCap, 'm')
	if err != nil {
		return segstore.ProbeResult{}, err
	}
	var n int64
	if err := segstore.RetryIO(ctx, segstore.BlockIOError, func(ctx context.Context) error {
		var err error
		n, err = bs.conn.Client.StrLen(ctx, bs.dataKey(endpoint, id)).Result()
		return err
	}); err != nil {
		return segstore.ProbeResult{}, err
	}
	return segstore.ProbeResult{
		CurrentSize: n,
		MaxSize:     m.maxSize,
		Attrs:       map[string]string{"location": m.location},
	}, nil
}

// Truncate sets MaxSize, cutting written data beyond it.
func (bs *BlockStore) Truncate(ctx context.Context, endpoint string, manageCap string, size int64) error {
	if size < 0 {
		return fmt.Errorf("invalid size %d", size)
	}
	id, _, err := bs.lookup(ctx, endpoint, manageCap, 'm')
	if err != nil {
		return err
	}
	keys := []string{bs.dataKey(endpoint, id), bs.metaKey(endpoint, id)}
	return segstore.RetryIO(ctx, segstore.BlockIOError, func(ctx context.Context) error {
		return truncateScript.Run(ctx, bs.conn.Client, keys, size).Err()
	})
}

// Remove deletes the data string and the metadata hash.
func (bs *BlockStore) Remove(ctx context.Context, endpoint string, manageCap string) error {
	id, _, err := bs.lookup(ctx, endpoint, manageCap, 'm')
	if err != nil {
		return err
	}
	return segstore.RetryIO(ctx, segstore.BlockIOError, func(ctx context.Context) error {
		return bs.conn.Client.Del(ctx, bs.metaKey(endpoint, id), bs.dataKey(endpoint, id)).Err()
	})
}

// Copy moves the bytes through this client. Depots share the Redis server so Direction
// does not change the route.
func (bs *BlockStore) Copy(ctx context.Context, req segstore.CopyRequest) error {
	srcID, src, err := bs.lookup(ctx, req.SrcEndpoint, req.SrcReadCap, 'r')
	if err != nil {
		return err
	}
	dstID, dst, err := bs.lookup(ctx, req.DstEndpoint, req.DstWriteCap, 'w')
	if err != nil {
		return err
	}
	buf := []segstore.Span{{Offset: req.SrcOffset, Data: make([]byte, req.Length)}}
	if err := checkBounds("copy", buf, src.maxSize); err != nil {
		return err
	}
	if err := bs.readSpans(ctx, bs.dataKey(req.SrcEndpoint, srcID), buf); err != nil {
		return err
	}
	buf[0].Offset = req.DstOffset
	if err := checkBounds("copy", buf, dst.maxSize); err != nil {
		return err
	}
	return bs.writeSpans(ctx, bs.dataKey(req.DstEndpoint, dstID), buf)
}

var _ segstore.BlockStore = (*BlockStore)(nil)
