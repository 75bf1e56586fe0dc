// Package align locates the token spans where two responses to the same
// prompt actually differ, and turns them into per-token weights so that the
// preference loss concentrates on the edited tokens.
package align

import (
	"sort"

	"github.com/injadlu/dama/dama-golib/seqmatch"
)

// DefaultMinMatchSize is the shortest run of shared tokens that counts as a
// match when aligning chosen and rejected responses.
const DefaultMinMatchSize = 3

// Span is a half-open index range [Start, End).
type Span struct {
	Start, End int
}

// Len returns the number of positions covered by the span.
func (s Span) Len() int { return s.End - s.Start }

// Empty reports whether the span covers no position.
func (s Span) Empty() bool { return s.Start == s.End }

// SpanPair relates a span of the first sequence to a span of the second.
// Matched pairs are copied verbatim; modified pairs differ.
type SpanPair struct {
	A, B     Span
	Modified bool
}

// NonEmpty reports whether both sides of the pair cover at least one position.
func (p SpanPair) NonEmpty() bool {
	return !p.A.Empty() && !p.B.Empty()
}

// Align returns the spans of a and b in order, alternating modified and
// matched, starting with a (possibly empty) modified pair and ending with the
// empty matched pair at the end of both sequences. Together the spans cover
// [0, len(a)) and [0, len(b)) exactly once.
//
// Matching blocks shorter than minMatchSize are treated as modified text.
func Align(a, b []int, minMatchSize int) []SpanPair {
	blocks := seqmatch.MatchingBlocks(a, b)

	// the trailing sentinel block is always kept
	var kept []seqmatch.Match
	for _, m := range blocks[:len(blocks)-1] {
		if m.Size >= minMatchSize {
			kept = append(kept, m)
		}
	}
	kept = append(kept, blocks[len(blocks)-1])

	spans := make([]SpanPair, 0, 2*len(kept))
	var ai, bi int
	for _, m := range kept {
		spans = append(spans,
			SpanPair{
				A:        Span{ai, m.A},
				B:        Span{bi, m.B},
				Modified: true,
			},
			SpanPair{
				A: Span{m.A, m.A + m.Size},
				B: Span{m.B, m.B + m.Size},
			},
		)
		ai, bi = m.A+m.Size, m.B+m.Size
	}
	return spans
}

// Modifications returns the modified pairs where both sides are non-empty,
// in order. Pure insertions and deletions are not included.
func Modifications(spans []SpanPair) []SpanPair {
	var mods []SpanPair
	for _, p := range spans {
		if p.Modified && p.NonEmpty() {
			mods = append(mods, p)
		}
	}
	return mods
}

// DiffTokenIDs expands every non-empty modified pair into the positions it
// covers on each side. Both results are sorted and free of duplicates.
func DiffTokenIDs(spans []SpanPair) (idsA, idsB []int) {
	seenA := make(map[int]bool)
	seenB := make(map[int]bool)
	for _, p := range Modifications(spans) {
		for i := p.A.Start; i < p.A.End; i++ {
			if !seenA[i] {
				seenA[i] = true
				idsA = append(idsA, i)
			}
		}
		for i := p.B.Start; i < p.B.End; i++ {
			if !seenB[i] {
				seenB[i] = true
				idsB = append(idsB, i)
			}
		}
	}
	sort.Ints(idsA)
	sort.Ints(idsB)
	return idsA, idsB
}

// DiffIDs aligns a and b and returns the modified positions on each side.
func DiffIDs(a, b []int, minMatchSize int) (idsA, idsB []int) {
	return DiffTokenIDs(Align(a, b, minMatchSize))
}

// BuildWeightMask returns length weights set to base, except at ids where
// the weight is boost. Ids outside [0, length) are ignored.
func BuildWeightMask(length int, ids []int, base, boost float64) []float64 {
	mask := make([]float64, length)
	for i := range mask {
		mask[i] = base
	}
	for _, id := range ids {
		if id >= 0 && id < length {
			mask[id] = boost
		}
	}
	return mask
}
