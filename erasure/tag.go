package erasure

import (
	"encoding/binary"
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// TagSize is the bytes of consistency tag stored in front of every chunk.
const TagSize = 4

// EmptyTag marks a chunk that was never written.
const EmptyTag uint32 = 0

// NewNonce returns a random non-empty tag.
func NewNonce() uint32 {
	for {
		if v := rand.Uint32(); v != EmptyTag {
			return v
		}
	}
}

// Checksum returns the checksum tag of a stripe: xxhash64 over every chunk payload in order,
// folded to 32 bits. It is never EmptyTag.
func Checksum(shards [][]byte) uint32 {
	d := xxhash.New()
	for _, s := range shards {
		d.Write(s)
	}
	v := uint32(d.Sum64())
	if v == EmptyTag {
		v = 1
	}
	return v
}

// PutTag stores tag in the first TagSize bytes of b.
func PutTag(b []byte, tag uint32) {
	binary.LittleEndian.PutUint32(b, tag)
}

// GetTag reads the tag stored in the first TagSize bytes of b.
func GetTag(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// Quorum is the majority view among the tags of a stripe.
type Quorum struct {
	Tag   uint32
	Count int
	// Members flags the chunks carrying Tag.
	Members []bool
}

// Tally groups tags by value and returns the largest group. Ties go to the group that
// appears first.
func Tally(tags []uint32) Quorum {
	return tally(tags, false)
}

// TallyWritten is Tally ignoring chunks that carry EmptyTag. With no tagged chunk the
// quorum is empty with a zero Count.
func TallyWritten(tags []uint32) Quorum {
	return tally(tags, true)
}

func tally(tags []uint32, skipEmpty bool) Quorum {
	counts := make(map[uint32]int, len(tags))
	order := make([]uint32, 0, len(tags))
	for _, t := range tags {
		if skipEmpty && t == EmptyTag {
			continue
		}
		if counts[t] == 0 {
			order = append(order, t)
		}
		counts[t]++
	}
	var q Quorum
	for _, t := range order {
		if counts[t] > q.Count {
			q.Tag = t
			q.Count = counts[t]
		}
	}
	q.Members = make([]bool, len(tags))
	for i, t := range tags {
		q.Members[i] = q.Count > 0 && t == q.Tag
	}
	return q
}
