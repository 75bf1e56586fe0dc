package align

import (
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Decoder turns token ids back into text for display.
type Decoder func(ids []int) string

// JoinIDs is the default Decoder: ids printed in decimal, separated by spaces.
func JoinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " ")
}

// Diffs converts aligned spans into diffmatchpatch edits from a to b:
// matched spans are equalities, modified spans a deletion followed by an
// insertion.
func Diffs(a, b []int, spans []SpanPair, decode Decoder) []diffmatchpatch.Diff {
	if decode == nil {
		decode = JoinIDs
	}

	var diffs []diffmatchpatch.Diff
	add := func(op diffmatchpatch.Operation, ids []int) {
		if len(ids) == 0 {
			return
		}
		diffs = append(diffs, diffmatchpatch.Diff{Type: op, Text: decode(ids) + " "})
	}

	for _, p := range spans {
		if !p.Modified {
			add(diffmatchpatch.DiffEqual, a[p.A.Start:p.A.End])
			continue
		}
		add(diffmatchpatch.DiffDelete, a[p.A.Start:p.A.End])
		add(diffmatchpatch.DiffInsert, b[p.B.Start:p.B.End])
	}
	return diffs
}

// Render returns a terminal-colored diff of a against b: text only in a is
// red, text only in b is green.
func Render(a, b []int, spans []SpanPair, decode Decoder) string {
	return diffmatchpatch.New().DiffPrettyText(Diffs(a, b, spans, decode))
}
