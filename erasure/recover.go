package erasure

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrUnrecoverable is returned when no failure hypothesis within the search limit validates.
var ErrUnrecoverable = errors.New("stripe is unrecoverable")

// VerifyFunc validates a fully reconstructed stripe, e.g. by recomputing its checksum tag.
type VerifyFunc func(shards [][]byte) bool

// ControlCheck tests the hypothesis that exactly the chunks flagged in bad are wrong.
// Besides the bad chunks, up to ParityShardsCount-nBad good chunks are erased as controls;
// the stripe is decoded and every control is compared to its stored bytes.
// It returns the stripe with bad chunks replaced and the number of mismatched controls.
// With no room for a control the hypothesis can't be disproved and 0 is returned.
func (e *Erasure) ControlCheck(shards [][]byte, bad []bool) ([][]byte, int, error) {
	nBad := countTrue(bad)
	if nBad > e.ParityShardsCount {
		return nil, 0, fmt.Errorf("%d bad chunks exceed parity count %d", nBad, e.ParityShardsCount)
	}
	nCtlMax := e.ParityShardsCount - nBad
	erased := make([]bool, len(shards))
	controls := make([]int, 0, nCtlMax)
	for i := range shards {
		switch {
		case bad[i]:
			erased[i] = true
		case len(controls) < nCtlMax:
			erased[i] = true
			controls = append(controls, i)
		}
	}
	decoded, err := e.Decode(shards, erased)
	if err != nil {
		return nil, 0, err
	}
	mismatches := 0
	for _, c := range controls {
		if !bytes.Equal(decoded[c], shards[c]) {
			mismatches++
		}
		// Hand back the stored control, it was verified or the hypothesis is rejected anyway.
		decoded[c] = shards[c]
	}
	return decoded, mismatches, nil
}

// Recovery is a validated reconstruction of one stripe.
type Recovery struct {
	// Shards is the corrected stripe.
	Shards [][]byte
	// Bad flags the chunks found wrong.
	Bad []bool
	// BruteForced is set when the initial hypothesis failed and the search found another.
	BruteForced bool
}

// DefaultSearchLimit returns the largest failure subset Recover searches by default.
// Control checks need one spare parity chunk to disprove a hypothesis, so without a
// verifier the limit is ParityShardsCount-1; a verifier validates directly and allows
// ParityShardsCount.
func (e *Erasure) DefaultSearchLimit(verify VerifyFunc) int {
	if verify != nil {
		return e.ParityShardsCount
	}
	return e.ParityShardsCount - 1
}

// Recover validates the hypothesis bad, then searches subsets of size 1 up to limit in
// lexicographic order for one that validates. A nil verify uses the control check.
// limit is clamped to DefaultSearchLimit; beyond it the stripe is reported unrecoverable.
func (e *Erasure) Recover(shards [][]byte, bad []bool, limit int, verify VerifyFunc) (Recovery, error) {
	if max := e.DefaultSearchLimit(verify); limit <= 0 || limit > max {
		limit = max
	}
	if r, ok := e.try(shards, bad, verify); ok {
		return r, nil
	}
	n := len(shards)
	for k := 1; k <= limit; k++ {
		idx := make([]int, k)
		for i := range idx {
			idx[i] = i
		}
		for {
			hyp := make([]bool, n)
			for _, i := range idx {
				hyp[i] = true
			}
			if !sameFlags(hyp, bad) {
				if r, ok := e.try(shards, hyp, verify); ok {
					r.BruteForced = true
					return r, nil
				}
			}
			if !nextCombination(idx, n) {
				break
			}
		}
	}
	return Recovery{}, ErrUnrecoverable
}

func (e *Erasure) try(shards [][]byte, bad []bool, verify VerifyFunc) (Recovery, bool) {
	if countTrue(bad) > e.ParityShardsCount {
		return Recovery{}, false
	}
	if verify == nil {
		decoded, mismatches, err := e.ControlCheck(shards, bad)
		if err != nil || mismatches > 0 {
			return Recovery{}, false
		}
		return Recovery{Shards: decoded, Bad: append([]bool(nil), bad...)}, true
	}
	decoded, err := e.Decode(shards, bad)
	if err != nil || !verify(decoded) {
		return Recovery{}, false
	}
	return Recovery{Shards: decoded, Bad: append([]bool(nil), bad...)}, true
}

// nextCombination advances idx to the next k-subset of [0,n), false when exhausted.
func nextCombination(idx []int, n int) bool {
	k := len(idx)
	i := k - 1
	for i >= 0 && idx[i] == n-k+i {
		i--
	}
	if i < 0 {
		return false
	}
	idx[i]++
	for j := i + 1; j < k; j++ {
		idx[j] = idx[j-1] + 1
	}
	return true
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func sameFlags(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
