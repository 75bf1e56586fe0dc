package dataset

import (
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listRecord = `{"question": "What is on the table?", "chosen": "A red cup.", "rejected": "A blue plate.",
 "image_path": "img/1.jpg", "origin_dataset": "rlaif", "origin_split": "train", "idx": 7,
 "logps": "[-10.5, -1.5, [-1.0, -2.0, -7.5], -12.0, -2.0, [-3.0, -9.0]]",
 "chosen_logits": "[0.5, 1.5, -0.25]", "rejected_logits": "[0.25]"}`

const wrappedRecord = `{"question": "q", "chosen": "c", "rejected": "r", "idx": 8,
 "logps": "{\"logps\": [-1, -1, [-1], -2, -2, [-2]]}",
 "chosen_logits": "[]", "rejected_logits": "[1, 2]"}`

func writeFile(t *testing.T, fs afero.Fs, path, contents string) {
	require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
}

func TestLoadArray(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/data/train.json", "[\n"+listRecord+",\n"+wrappedRecord+"\n]\n")

	prefs, err := LoadPreferences(fs, "/data/train.json")
	require.NoError(t, err)
	require.Len(t, prefs, 2)

	p := prefs[0]
	assert.Equal(t, "What is on the table?", p.Question)
	assert.Equal(t, "A red cup.", p.Chosen)
	assert.Equal(t, "A blue plate.", p.Rejected)
	assert.Equal(t, "img/1.jpg", p.ImagePath)
	assert.Equal(t, Meta{OriginDataset: "rlaif", OriginSplit: "train", Idx: 7, ImageID: "img/1.jpg"}, p.Meta)
	assert.Equal(t, -10.5, p.RefChosen.Logp)
	assert.Equal(t, -1.5, p.RefChosen.AvgLogp)
	assert.Equal(t, []float64{-1, -2, -7.5}, p.RefChosen.PerToken)
	assert.Equal(t, -12.0, p.RefRejected.Logp)
	assert.Equal(t, []float64{-3, -9}, p.RefRejected.PerToken)
	assert.InDelta(t, 1.75, p.AuxChosen, 1e-12)
	assert.InDelta(t, 0.25, p.AuxRejected, 1e-12)

	p = prefs[1]
	assert.Equal(t, -1.0, p.RefChosen.Logp)
	assert.Equal(t, []float64{-2}, p.RefRejected.PerToken)
	assert.Equal(t, 0.0, p.AuxChosen)
	assert.Equal(t, 3.0, p.AuxRejected)
}

func TestLoadJSONLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	one := strings.ReplaceAll(listRecord, "\n", "")
	two := strings.ReplaceAll(wrappedRecord, "\n", "")
	writeFile(t, fs, "train.jsonl", one+"\n\n"+two+"\n")

	records, err := Load(fs, "train.jsonl")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(7), records[0].Idx)
	assert.Equal(t, int64(8), records[1].Idx)
}

func TestLoadRejectsInvalidRecords(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "bad.json", `[`+listRecord+`, {"question": "q", "chosen": "c"}]`)

	_, err := Load(fs, "bad.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 1")
	assert.Contains(t, err.Error(), "rejected")

	_, err = Load(fs, "missing.json")
	assert.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	r := Record{Logps: "[1, 2, 3]", ChosenLogits: "[]", RejectedLogits: "[]"}
	_, err := r.Decode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 6")

	r = Record{Logps: `[-1, -1, "x", -2, -2, [-2]]`, ChosenLogits: "[]", RejectedLogits: "[]"}
	_, err = r.Decode()
	assert.Error(t, err)

	r = Record{Logps: "[-1, -1, [-1], -2, -2, [-2]]", ChosenLogits: "not json", RejectedLogits: "[]"}
	_, err = r.Decode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chosen_logits")
}

func prefs(n int) []Preference {
	var out []Preference
	for i := 0; i < n; i++ {
		out = append(out, Preference{Question: fmt.Sprint(i)})
	}
	return out
}

func questions(ps []Preference) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.Question)
	}
	return out
}

func TestSourceShards(t *testing.T) {
	src := NewSource("train", prefs(13))
	assert.Equal(t, "train", src.Name())
	assert.Equal(t, 13, src.Len())

	s0, err := src.ForShard(0, 2)
	require.NoError(t, err)
	s1, err := src.ForShard(1, 2)
	require.NoError(t, err)

	// global batches of 6, the last partial one dropped
	assert.Equal(t, 2, s0.Steps(3))
	assert.Equal(t, 2, s1.Steps(3))

	b, err := s0.Batch(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, questions(b))
	b, err = s1.Batch(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4", "5"}, questions(b))
	b, err = s1.Batch(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"9", "10", "11"}, questions(b))

	_, err = s1.Batch(2, 3)
	assert.Error(t, err)

	_, err = src.ForShard(2, 2)
	assert.Error(t, err)
}

func TestSourceUnsharded(t *testing.T) {
	src := NewSource("eval", prefs(5))
	assert.Equal(t, 2, src.Steps(2))
	b, err := src.Batch(1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, questions(b))
	assert.Equal(t, 0, src.Steps(0))
}
