// Package dataset reads preference records and serves them in batches.
package dataset

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/injadlu/dama/dama-go/collate"
	"github.com/injadlu/dama/dama-golib/errors"
)

// Record is a preference record as stored on disk. Logps, ChosenLogits and
// RejectedLogits are JSON documents embedded as strings.
type Record struct {
	Question      string `json:"question"`
	Chosen        string `json:"chosen"`
	Rejected      string `json:"rejected"`
	ImagePath     string `json:"image_path,omitempty"`
	OriginDataset string `json:"origin_dataset,omitempty"`
	OriginSplit   string `json:"origin_split,omitempty"`
	Idx           int64  `json:"idx"`
	// Logps is either a list of six reference values or an object with the
	// list under "logps": chosen logp, chosen average logp, chosen per-token
	// logps, then the same for rejected.
	Logps          string `json:"logps"`
	ChosenLogits   string `json:"chosen_logits"`
	RejectedLogits string `json:"rejected_logits"`
}

// Meta identifies where a preference came from.
type Meta struct {
	OriginDataset string `json:"origin_dataset"`
	OriginSplit   string `json:"origin_split"`
	Idx           int64  `json:"idx"`
	ImageID       string `json:"image_id"`
}

// Preference is a decoded record.
type Preference struct {
	Question  string
	Chosen    string
	Rejected  string
	ImagePath string
	Meta      Meta

	RefChosen, RefRejected collate.Reference
	// AuxChosen and AuxRejected are the summed auxiliary logits.
	AuxChosen, AuxRejected float64
}

// Decode parses the embedded JSON fields of r.
func (r Record) Decode() (Preference, error) {
	p := Preference{
		Question:  r.Question,
		Chosen:    r.Chosen,
		Rejected:  r.Rejected,
		ImagePath: r.ImagePath,
		Meta: Meta{
			OriginDataset: r.OriginDataset,
			OriginSplit:   r.OriginSplit,
			Idx:           r.Idx,
			ImageID:       r.ImagePath,
		},
	}

	var err error
	if p.RefChosen, p.RefRejected, err = decodeLogps(r.Logps); err != nil {
		return Preference{}, errors.Wrapf(err, "logps")
	}
	if p.AuxChosen, err = sumLogits(r.ChosenLogits); err != nil {
		return Preference{}, errors.Wrapf(err, "chosen_logits")
	}
	if p.AuxRejected, err = sumLogits(r.RejectedLogits); err != nil {
		return Preference{}, errors.Wrapf(err, "rejected_logits")
	}
	return p, nil
}

func decodeLogps(s string) (chosen, rejected collate.Reference, err error) {
	var raw json.RawMessage
	if err := sonic.UnmarshalString(s, &raw); err != nil {
		return chosen, rejected, err
	}

	var fields []json.RawMessage
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Logps []json.RawMessage `json:"logps"`
		}
		if err := sonic.Unmarshal(raw, &wrapped); err != nil {
			return chosen, rejected, err
		}
		fields = wrapped.Logps
	} else if err := sonic.Unmarshal(raw, &fields); err != nil {
		return chosen, rejected, err
	}
	if len(fields) != 6 {
		return chosen, rejected, errors.Errorf("expected 6 reference values, got %d", len(fields))
	}

	refs := []*collate.Reference{&chosen, &rejected}
	for i, ref := range refs {
		base := 3 * i
		if err := sonic.Unmarshal(fields[base], &ref.Logp); err != nil {
			return chosen, rejected, errors.Wrapf(err, "value %d", base)
		}
		if err := sonic.Unmarshal(fields[base+1], &ref.AvgLogp); err != nil {
			return chosen, rejected, errors.Wrapf(err, "value %d", base+1)
		}
		if err := sonic.Unmarshal(fields[base+2], &ref.PerToken); err != nil {
			return chosen, rejected, errors.Wrapf(err, "value %d", base+2)
		}
	}
	return chosen, rejected, nil
}

func sumLogits(s string) (float64, error) {
	var logits []float64
	if err := sonic.UnmarshalString(s, &logits); err != nil {
		return 0, err
	}
	var sum float64
	for _, l := range logits {
		sum += l
	}
	return sum, nil
}
