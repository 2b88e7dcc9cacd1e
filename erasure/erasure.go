// Package erasure implements the erasure plans used by the erasure-coded segment engine:
// Reed-Solomon encode and decode over one stripe of equally sized chunks, plus the
// control check and brute force search that localize corrupted chunks.
package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Erasure is one erasure plan: a method and word width bound to a data and parity count.
type Erasure struct {
	Method            string
	W                 int
	DataShardsCount   int
	ParityShardsCount int
	encoder           reedsolomon.Encoder
}

// Methods lists the accepted erasure method names.
var Methods = []string{"reed_sol_van", "cauchy_orig", "cauchy_good", "klauspost"}

func methodOptions(method string, w int) ([]reedsolomon.Option, error) {
	var opts []reedsolomon.Option
	switch w {
	case -1, 0, 8:
	case 16:
		// GF(2^16) uses the leopard codec whatever the matrix name.
		return append(opts, reedsolomon.WithLeopardGF16(true)), nil
	default:
		return nil, fmt.Errorf("unsupported word width w=%d, expected -1, 8 or 16", w)
	}
	switch method {
	case "reed_sol_van":
		opts = append(opts, reedsolomon.WithJerasureMatrix())
	case "cauchy_orig", "cauchy_good":
		opts = append(opts, reedsolomon.WithCauchyMatrix())
	case "klauspost", "":
	default:
		return nil, fmt.Errorf("unknown erasure method %q", method)
	}
	return opts, nil
}

// NewErasure instantiates an erasure plan.
func NewErasure(method string, dataShards int, parityShards int, w int) (*Erasure, error) {
	if (dataShards+parityShards) > 256 && w != 16 {
		return nil, fmt.Errorf("sum of data and parity shards cannot exceed 256")
	}
	opts, err := methodOptions(method, w)
	if err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(dataShards, parityShards, opts...)
	if err != nil {
		return nil, err
	}
	return &Erasure{
		Method:            method,
		W:                 w,
		DataShardsCount:   dataShards,
		ParityShardsCount: parityShards,
		encoder:           enc,
	}, nil
}

// ShardsCount is data plus parity.
func (e *Erasure) ShardsCount() int {
	return e.DataShardsCount + e.ParityShardsCount
}

// Encode computes the parity chunks of one stripe in place. shards holds DataShardsCount
// payload chunks followed by ParityShardsCount chunks, all of the same length.
func (e *Erasure) Encode(shards [][]byte) error {
	if len(shards) != e.ShardsCount() {
		return fmt.Errorf("expected %d shards, got %d", e.ShardsCount(), len(shards))
	}
	return e.encoder.Encode(shards)
}

// Decode rebuilds the erased chunks of a stripe. The returned slice aliases the input for
// chunks that were not erased and holds freshly allocated chunks for the erased ones, so
// the caller's buffers are never overwritten.
func (e *Erasure) Decode(shards [][]byte, erased []bool) ([][]byte, error) {
	if len(shards) != e.ShardsCount() || len(erased) != len(shards) {
		return nil, fmt.Errorf("expected %d shards and erasure flags, got %d and %d", e.ShardsCount(), len(shards), len(erased))
	}
	size := -1
	n := 0
	for i := range shards {
		if erased[i] {
			n++
		} else if size < 0 {
			size = len(shards[i])
		}
	}
	if n > e.ParityShardsCount {
		return nil, fmt.Errorf("%d erasures exceed parity count %d", n, e.ParityShardsCount)
	}
	work := make([][]byte, len(shards))
	for i := range shards {
		if erased[i] {
			work[i] = make([]byte, 0, size)
			continue
		}
		work[i] = shards[i]
	}
	if n == 0 {
		return work, nil
	}
	if err := e.encoder.Reconstruct(work); err != nil {
		return nil, err
	}
	return work, nil
}
