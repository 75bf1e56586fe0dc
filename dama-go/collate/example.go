// Package collate assembles preference examples into padded training
// batches, with per-token weights concentrated on the tokens where the
// chosen and rejected responses differ.
package collate

// Sequence is a tokenized response together with its labels. Labels holds
// dpo.IgnoreIndex at positions that are not trained on.
type Sequence struct {
	InputIDs []int
	Labels   []int
}

// Reference holds the log-probabilities of a sequence under the frozen
// reference model.
type Reference struct {
	Logp    float64
	AvgLogp float64
	// PerToken has one entry per predicted position.
	PerToken []float64
}

// ImageBound is the half-open token range an image occupies in a sequence.
type ImageBound struct {
	Start, End int
}

// MiniCPMSequence carries the per-sequence inputs of MiniCPM-style models.
type MiniCPMSequence struct {
	ImageBounds []ImageBound
	ContextIDs  []int
	PositionIDs []int
}

// MiniCPMInputs are the MiniCPM-specific inputs of an example.
type MiniCPMInputs struct {
	Chosen, Rejected MiniCPMSequence
}

// Example is one preference pair: two responses to the same prompt and image.
type Example struct {
	Chosen, Rejected       Sequence
	RefChosen, RefRejected Reference
	// AuxChosen and AuxRejected are auxiliary confidence scores.
	AuxChosen, AuxRejected float64
	// Image is the path of the image shown with the prompt, if any.
	Image string
	// MiniCPM is set for models of the MiniCPM family.
	MiniCPM *MiniCPMInputs
}
