package lun

import (
	"sort"

	"github.com/sharedcode/segstore"
)

// deviceBlock is one backing extent of one device slot of a row.
type deviceBlock struct {
	Location  string
	Endpoint  string
	Caps      segstore.Capabilities
	CapOffset int64
	// Size is the last committed size of the block.
	Size int64
	// MaxSize is the allocated size, relative to CapOffset.
	MaxSize int64
	// MigrateQuery, when set, replaces the segment placement policy for this block.
	MigrateQuery segstore.Query

	readErrs  int
	writeErrs int
}

// row is a span of the segment split into len(blocks) equal device-blocks.
type row struct {
	offset   int64
	rowLen   int64
	blockLen int64
	blocks   []deviceBlock
	// gen changes on every layout change so in-flight handles can detect a stale row.
	gen uint64
}

// end returns the last byte position covered by the row.
func (r *row) end() int64 {
	return r.offset + r.rowLen - 1
}

func (r *row) setBlockLen(blockLen int64) {
	r.blockLen = blockLen
	r.rowLen = blockLen * int64(len(r.blocks))
}

// clone returns a detached copy repair code can work on without the segment lock.
func (r *row) clone() *row {
	c := *r
	c.blocks = make([]deviceBlock, len(r.blocks))
	copy(c.blocks, r.blocks)
	return &c
}

// handle identifies a row without holding on to it.
type handle struct {
	offset int64
	gen    uint64
}

func (r *row) handle() handle {
	return handle{offset: r.offset, gen: r.gen}
}

// rowTable is the offset ordered set of rows. Rows tile [0, total) without gaps.
type rowTable []*row

// search returns the index of the row holding pos, len(t) if pos is past the last row.
func (t rowTable) search(pos int64) int {
	return sort.Search(len(t), func(i int) bool {
		return t[i].end() >= pos
	})
}

// resolve returns the live row behind h, nil if it changed or went away.
func (t rowTable) resolve(h handle) *row {
	i := t.search(h.offset)
	if i < len(t) && t[i].offset == h.offset && t[i].gen == h.gen {
		return t[i]
	}
	return nil
}

func (t rowTable) last() *row {
	if len(t) == 0 {
		return nil
	}
	return t[len(t)-1]
}
