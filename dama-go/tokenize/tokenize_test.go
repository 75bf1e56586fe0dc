package tokenize

import (
	"testing"

	"github.com/injadlu/dama/dama-go/dpo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVocab(t *testing.T) {
	v := NewVocab([]string{"a", "red", "cup", "a", ImageToken})
	assert.Equal(t, 7, v.Size())
	assert.Equal(t, PadID, v.PadID())
	assert.Equal(t, BOSID, v.BOSID())

	ids := v.Encode("a red\tbowl</s>")
	assert.Equal(t, []int{4, 5, UnknownID, EOSID}, ids)
	assert.Equal(t, "a red <unk> </s>", v.Decode(ids))

	assert.Equal(t, []int{ImageTokenIndex, 4}, v.Encode("<image>\na"))
	assert.Equal(t, ImageToken, v.Word(ImageTokenIndex))
	assert.Equal(t, UnknownToken, v.Word(100))
}

func TestBuildVocab(t *testing.T) {
	v := BuildVocab([]string{"b a c", "a b", "a d"}, 2)
	// a (3), b (2); c and d are too rare
	assert.Equal(t, []int{4, 5, UnknownID}, v.Encode("a b c"))
}

func TestConversationEncode(t *testing.T) {
	conv := V1()
	conv.System = "sys"
	assert.Equal(t, "sys USER: <image>\nwhat? ASSISTANT: a cup</s>", conv.Render("what?", "a cup", true))

	v := BuildVocab([]string{conv.Render("what?", "a cup", true)}, 1)
	seq := conv.Encode(v, "what?", "a cup", true)

	require.Equal(t, len(seq.InputIDs), len(seq.Labels))
	assert.Equal(t, BOSID, seq.InputIDs[0])
	assert.Contains(t, seq.InputIDs, ImageTokenIndex)

	// BOS, sys, USER:, <image>, what?, ASSISTANT: are masked
	const prompt = 6
	for i := 0; i < prompt; i++ {
		assert.Equal(t, dpo.IgnoreIndex, seq.Labels[i], "position %d", i)
	}
	assert.Equal(t, seq.InputIDs[prompt:], seq.Labels[prompt:])
	assert.Equal(t, "a cup </s>", v.Decode(seq.InputIDs[prompt:]))
}

func TestConversationTruncates(t *testing.T) {
	conv := V1()
	conv.MaxLength = 5
	v := NewVocab(nil)
	seq := conv.Encode(v, "q", "a long answer", false)
	assert.Len(t, seq.InputIDs, 5)
	assert.Len(t, seq.Labels, 5)
}

func TestEncodePairSharesPrompt(t *testing.T) {
	conv := V1()
	v := BuildVocab([]string{conv.Render("q", "yes it is", false), "no"}, 1)
	chosen, rejected := conv.EncodePair(v, "q", "yes it is", "no it is", false)

	n := len(v.Encode(conv.Prompt("q", false))) + 1
	assert.Equal(t, chosen.InputIDs[:n], rejected.InputIDs[:n])
	assert.NotEqual(t, chosen.InputIDs[n], rejected.InputIDs[n])
}
