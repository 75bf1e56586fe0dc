package trainer

import (
	"context"

	"github.com/injadlu/dama/dama-go/collate"
	"github.com/injadlu/dama/dama-go/dataset"
	"github.com/injadlu/dama/dama-go/dpo"
	"github.com/injadlu/dama/dama-go/tokenize"
	"github.com/injadlu/dama/dama-golib/errors"
)

// Scorer predicts next-token logits for token sequences.
type Scorer interface {
	Logits(ctx context.Context, inputIDs [][]int) ([][][]float64, error)
}

// Encoder turns decoded preferences into tokenized examples.
type Encoder struct {
	Conversation tokenize.Conversation
	Tokenizer    tokenize.Tokenizer
	// Reference, when set, scores both responses and replaces the reference
	// log-probabilities stored with the preferences.
	Reference Scorer
}

// Encode tokenizes prefs.
func (e *Encoder) Encode(ctx context.Context, prefs []dataset.Preference) ([]collate.Example, error) {
	examples := make([]collate.Example, len(prefs))
	for i, p := range prefs {
		chosen, rejected := e.Conversation.EncodePair(e.Tokenizer, p.Question, p.Chosen, p.Rejected, p.ImagePath != "")
		examples[i] = collate.Example{
			Chosen:      chosen,
			Rejected:    rejected,
			RefChosen:   p.RefChosen,
			RefRejected: p.RefRejected,
			AuxChosen:   p.AuxChosen,
			AuxRejected: p.AuxRejected,
			Image:       p.ImagePath,
		}
	}
	if e.Reference == nil {
		return examples, nil
	}

	seqs := make([]collate.Sequence, 0, 2*len(examples))
	for _, ex := range examples {
		seqs = append(seqs, ex.Chosen, ex.Rejected)
	}
	refs, err := score(ctx, e.Reference, seqs)
	if err != nil {
		return nil, errors.Wrapf(err, "scoring %d preferences with the reference model", len(prefs))
	}
	for i := range examples {
		examples[i].RefChosen, examples[i].RefRejected = refs[2*i], refs[2*i+1]
	}
	return examples, nil
}

func score(ctx context.Context, s Scorer, seqs []collate.Sequence) ([]collate.Reference, error) {
	ids := make([][]int, len(seqs))
	labels := make([][]int, len(seqs))
	for i, seq := range seqs {
		ids[i], labels[i] = seq.InputIDs, seq.Labels
	}

	logits, err := s.Logits(ctx, ids)
	if err != nil {
		return nil, err
	}
	perToken, sum, avg, err := dpo.BatchLogps(logits, labels)
	if err != nil {
		return nil, err
	}

	refs := make([]collate.Reference, len(seqs))
	for i := range refs {
		refs[i] = collate.Reference{Logp: sum[i], AvgLogp: avg[i], PerToken: perToken[i]}
	}
	return refs, nil
}
