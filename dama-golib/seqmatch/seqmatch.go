// Package seqmatch finds the matching blocks of two integer sequences with the
// "gestalt" diff algorithm of difflib: take the longest contiguous matching
// block, then recurse on the unmatched pieces to its left and right.
package seqmatch

import (
	"strconv"

	"github.com/pmezard/go-difflib/difflib"
)

// Match is a block of Size elements with a[A:A+Size] == b[B:B+Size].
type Match struct {
	A, B, Size int
}

// Options tunes the matcher.
type Options struct {
	// AutoJunk treats elements making up more than 1% of b as unmatchable
	// when b has at least 200 elements. Matches on very common tokens are
	// then only found by extending a match seeded elsewhere.
	AutoJunk bool
}

// Matcher compares a pair of sequences.
type Matcher struct {
	sm *difflib.SequenceMatcher
}

// New builds a matcher for a and b with AutoJunk disabled.
func New(a, b []int) *Matcher {
	return NewWithOptions(a, b, Options{})
}

// NewWithOptions builds a matcher for a and b.
func NewWithOptions(a, b []int, opts Options) *Matcher {
	return &Matcher{
		sm: difflib.NewMatcherWithJunk(symbols(a), symbols(b), opts.AutoJunk, nil),
	}
}

// symbols spells ids as the strings difflib compares.
func symbols(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.Itoa(id)
	}
	return out
}

// MatchingBlocks returns the non-overlapping, order-preserving matching
// blocks of a and b, sorted and with adjacent blocks merged. Of equally long
// candidates the block starting earliest in a, then in b, is taken. The last
// block is always the sentinel {len(a), len(b), 0}.
func (m *Matcher) MatchingBlocks() []Match {
	blocks := m.sm.GetMatchingBlocks()
	out := make([]Match, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, Match{A: b.A, B: b.B, Size: b.Size})
	}
	return out
}

// MatchingBlocks is a shorthand for New(a, b).MatchingBlocks().
func MatchingBlocks(a, b []int) []Match {
	return New(a, b).MatchingBlocks()
}
