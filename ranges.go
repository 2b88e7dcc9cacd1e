package segstore

import "fmt"

// Range is a byte span of a segment. Read and Write consume the caller's buffer
// sequentially across the ranges given.
type Range struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the offset just past the range.
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// TotalLength sums the lengths of ranges.
func TotalLength(ranges []Range) int64 {
	var n int64
	for _, r := range ranges {
		n += r.Length
	}
	return n
}

// MaxPosition returns the highest byte position touched by ranges, -1 if none.
func MaxPosition(ranges []Range) int64 {
	maxpos := int64(-1)
	for _, r := range ranges {
		if r.Length <= 0 {
			continue
		}
		if p := r.Offset + r.Length - 1; p > maxpos {
			maxpos = p
		}
	}
	return maxpos
}

// ValidateRanges checks offsets and lengths are non-negative and buf can carry all ranges.
func ValidateRanges(ranges []Range, buf []byte) error {
	for i, r := range ranges {
		if r.Offset < 0 || r.Length < 0 {
			return fmt.Errorf("range %d has negative offset or length (%d, %d)", i, r.Offset, r.Length)
		}
	}
	if n := TotalLength(ranges); int64(len(buf)) < n {
		return fmt.Errorf("buffer holds %d bytes, ranges need %d", len(buf), n)
	}
	return nil
}

// RoundUp rounds n up to the next multiple of unit.
func RoundUp(n, unit int64) int64 {
	if unit <= 0 {
		return n
	}
	if r := n % unit; r != 0 {
		return n + unit - r
	}
	return n
}
