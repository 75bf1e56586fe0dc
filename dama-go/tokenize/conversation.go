package tokenize

import (
	"github.com/injadlu/dama/dama-go/collate"
	"github.com/injadlu/dama/dama-go/dpo"
)

// Conversation is a two-role chat template.
type Conversation struct {
	System    string
	User      string
	Assistant string
	// MaxLength truncates encoded sequences when positive.
	MaxLength int
}

// V1 returns the vicuna v1 template used by LLaVA.
func V1() Conversation {
	return Conversation{
		System: "A chat between a curious human and an artificial intelligence assistant. " +
			"The assistant gives helpful, detailed, and polite answers to the human's questions.",
		User:      "USER",
		Assistant: "ASSISTANT",
	}
}

// Prompt renders everything up to the assistant answer.
func (c Conversation) Prompt(question string, image bool) string {
	if image {
		question = ImageToken + "\n" + question
	}
	return c.System + " " + c.User + ": " + question + " " + c.Assistant + ":"
}

// Render renders a full single-round conversation.
func (c Conversation) Render(question, answer string, image bool) string {
	return c.Prompt(question, image) + " " + answer + EOSToken
}

// Encode tokenizes a single-round conversation. Only the answer and its
// end-of-sequence token are labeled.
func (c Conversation) Encode(tok Tokenizer, question, answer string, image bool) collate.Sequence {
	prompt := append([]int{tok.BOSID()}, tok.Encode(c.Prompt(question, image))...)
	reply := tok.Encode(answer + EOSToken)

	ids := append(append([]int(nil), prompt...), reply...)
	labels := make([]int, len(ids))
	for i := range labels {
		if i < len(prompt) {
			labels[i] = dpo.IgnoreIndex
		} else {
			labels[i] = ids[i]
		}
	}

	if c.MaxLength > 0 && len(ids) > c.MaxLength {
		ids, labels = ids[:c.MaxLength], labels[:c.MaxLength]
	}
	return collate.Sequence{InputIDs: ids, Labels: labels}
}

// EncodePair tokenizes the chosen and rejected answers to the same question.
func (c Conversation) EncodePair(tok Tokenizer, question, chosen, rejected string, image bool) (collate.Sequence, collate.Sequence) {
	return c.Encode(tok, question, chosen, image), c.Encode(tok, question, rejected, image)
}
