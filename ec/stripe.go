package ec

import (
	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/erasure"
)

type verdict int

const (
	// stripeOK needs nothing stored.
	stripeOK verdict = iota
	// stripeEmpty was never written and reads as zeros.
	stripeEmpty
	// stripeFixed has chunks that were rebuilt or carry a stale tag.
	stripeFixed
	// stripeLost can't be reconstructed.
	stripeLost
)

// stripe is a view over one tagged stripe of a raw child buffer. Shards alias the buffer.
type stripe struct {
	raw    []byte
	tags   []uint32
	shards [][]byte
}

// outcome is the classification of one stripe.
type outcome struct {
	verdict verdict
	tag     uint32
	// shards is the corrected stripe, aliasing the raw buffer for chunks kept as is.
	shards [][]byte
	// rewrite flags the chunks a repair must store again with tag.
	rewrite []bool
	// stale counts chunks whose tag is not the quorum tag.
	stale int
	// silent is set when the tags agreed but the payload did not.
	silent bool
}

func (s *Segment) view(raw []byte) stripe {
	n := s.plan.ShardsCount()
	st := stripe{raw: raw, tags: make([]uint32, n), shards: make([][]byte, n)}
	for k := 0; k < n; k++ {
		c := raw[int64(k)*s.chunkWithTag : int64(k+1)*s.chunkWithTag]
		st.tags[k] = erasure.GetTag(c)
		st.shards[k] = c[erasure.TagSize:]
	}
	return st
}

// encode lays out data, a whole number of stripes, as tagged stripes into raw. In nonce mode
// every chunk of the range carries nonce, in checksum mode each stripe its own checksum.
func (s *Segment) encode(raw, data []byte, nonce uint32) error {
	d := s.cfg.NData
	for i := int64(0); i*s.dataSize < int64(len(data)); i++ {
		st := s.view(raw[i*s.stripeWithTag : (i+1)*s.stripeWithTag])
		payload := data[i*s.dataSize : (i+1)*s.dataSize]
		for k := 0; k < d; k++ {
			copy(st.shards[k], payload[int64(k)*s.cfg.ChunkSize:])
		}
		if err := s.plan.Encode(st.shards); err != nil {
			return err
		}
		tag := nonce
		if s.cfg.TagMode == segstore.TagChecksum {
			tag = erasure.Checksum(st.shards)
		}
		for k := range st.shards {
			erasure.PutTag(st.raw[int64(k)*s.chunkWithTag:], tag)
		}
	}
	return nil
}

// classify finds the stripe's quorum and rebuilds it when needed. With check unset a stripe
// whose data chunks all carry the quorum tag is accepted without decoding. childErrs is the
// number of devices the child failed to read.
func (s *Segment) classify(st stripe, check bool, childErrs int) outcome {
	n, d, p := s.plan.ShardsCount(), s.cfg.NData, s.cfg.NParity
	q := erasure.Tally(st.tags)
	// Stripes are written whole, so a stripe never written carries the empty tag on every
	// chunk. Otherwise zeroed chunks are lost ones and the written chunks must decode.
	if q.Tag == erasure.EmptyTag {
		if q.Count == n {
			o := outcome{tag: q.Tag, shards: st.shards, verdict: stripeLost}
			if childErrs < p {
				o.verdict = stripeEmpty
			}
			return o
		}
		q = erasure.TallyWritten(st.tags)
	}
	bad := make([]bool, n)
	for k, m := range q.Members {
		bad[k] = !m
	}
	o := outcome{tag: q.Tag, shards: st.shards, stale: n - q.Count}
	dataOK := true
	for k := 0; k < d; k++ {
		dataOK = dataOK && !bad[k]
	}

	if q.Count < d {
		o.verdict = stripeLost
		return o
	}

	checksum := s.cfg.TagMode == segstore.TagChecksum
	if !check && dataOK && (!checksum || (o.stale == 0 && erasure.Checksum(st.shards) == q.Tag)) {
		o.verdict = stripeOK
		return o
	}

	var verify erasure.VerifyFunc
	if checksum {
		verify = func(shards [][]byte) bool { return erasure.Checksum(shards) == q.Tag }
	}
	r, err := s.plan.Recover(st.shards, bad, s.cfg.BruteForceLimit, verify)
	if err != nil {
		o.verdict = stripeLost
		o.silent = o.stale == 0
		return o
	}
	o.shards = r.Shards
	o.rewrite = make([]bool, n)
	fixed := false
	for k := range o.rewrite {
		o.rewrite[k] = r.Bad[k] || bad[k]
		fixed = fixed || o.rewrite[k]
	}
	o.silent = r.BruteForced && o.stale == 0
	if !fixed {
		o.verdict = stripeOK
		return o
	}
	if checksum {
		for k := range o.rewrite {
			o.rewrite[k] = true
		}
	}
	o.verdict = stripeFixed
	return o
}
