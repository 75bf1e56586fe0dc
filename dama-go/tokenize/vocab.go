// Package tokenize turns conversations into token ids with a word-level
// vocabulary.
package tokenize

import (
	"sort"
	"strings"
)

// Reserved ids.
const (
	PadID     = 0
	BOSID     = 1
	UnknownID = 2
	EOSID     = 3
	// ImageTokenIndex stands for the image features spliced into the prompt.
	// It is never a vocabulary entry.
	ImageTokenIndex = -200
)

// Special tokens.
const (
	PadToken     = "<pad>"
	BOSToken     = "<s>"
	UnknownToken = "<unk>"
	EOSToken     = "</s>"
	ImageToken   = "<image>"
)

// Tokenizer maps text to token ids.
type Tokenizer interface {
	// Encode returns the ids of text, without a leading BOS.
	Encode(text string) []int
	PadID() int
	BOSID() int
}

// Vocab is a word-level tokenizer: words are separated by white space and
// the special tokens.
type Vocab struct {
	ids   map[string]int
	words []string
}

// NewVocab returns a vocabulary with the reserved tokens followed by words.
// Duplicates are ignored.
func NewVocab(words []string) *Vocab {
	v := &Vocab{ids: make(map[string]int)}
	for _, w := range []string{PadToken, BOSToken, UnknownToken, EOSToken} {
		v.add(w)
	}
	for _, w := range words {
		if w == ImageToken {
			continue
		}
		v.add(w)
	}
	return v
}

func (v *Vocab) add(w string) {
	if _, ok := v.ids[w]; ok {
		return
	}
	v.ids[w] = len(v.words)
	v.words = append(v.words, w)
}

// BuildVocab returns a vocabulary of the words of texts seen at least
// minCount times, most frequent first.
func BuildVocab(texts []string, minCount int) *Vocab {
	counts := make(map[string]int)
	for _, t := range texts {
		for _, w := range split(t) {
			counts[w]++
		}
	}

	var words []string
	for w, c := range counts {
		if c >= minCount {
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	return NewVocab(words)
}

var specials = strings.NewReplacer(ImageToken, " "+ImageToken+" ", EOSToken, " "+EOSToken+" ")

func split(text string) []string {
	return strings.Fields(specials.Replace(text))
}

// Encode implements Tokenizer.
func (v *Vocab) Encode(text string) []int {
	words := split(text)
	ids := make([]int, len(words))
	for i, w := range words {
		if w == ImageToken {
			ids[i] = ImageTokenIndex
			continue
		}
		id, ok := v.ids[w]
		if !ok {
			id = UnknownID
		}
		ids[i] = id
	}
	return ids
}

// Decode joins the words of ids with spaces.
func (v *Vocab) Decode(ids []int) string {
	words := make([]string, len(ids))
	for i, id := range ids {
		words[i] = v.Word(id)
	}
	return strings.Join(words, " ")
}

// Word returns the word of id.
func (v *Vocab) Word(id int) string {
	if id == ImageTokenIndex {
		return ImageToken
	}
	if id < 0 || id >= len(v.words) {
		return UnknownToken
	}
	return v.words[id]
}

// Size is the number of ids, reserved ones included.
func (v *Vocab) Size() int { return len(v.words) }

// PadID implements Tokenizer.
func (v *Vocab) PadID() int { return PadID }

// BOSID implements Tokenizer.
func (v *Vocab) BOSID() int { return BOSID }
