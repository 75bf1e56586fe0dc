package collate

// Family identifies the model family a batch was assembled for.
type Family int

const (
	// LLaVA models take the batch images alongside the token ids.
	LLaVA Family = iota
	// MiniCPM models also take image bounds, context and position ids.
	MiniCPM
)

func (f Family) String() string {
	switch f {
	case LLaVA:
		return "llava"
	case MiniCPM:
		return "minicpm"
	default:
		return "unknown"
	}
}

// Extension holds the model-family specific part of a batch. It is either a
// LLaVAExtension or a MiniCPMExtension.
type Extension interface {
	Family() Family
	isExtension()
}

// LLaVAExtension holds one image per example. The same images are used for
// the chosen and the rejected half.
type LLaVAExtension struct {
	Images []string
}

// Family implements Extension.
func (LLaVAExtension) Family() Family { return LLaVA }
func (LLaVAExtension) isExtension()   {}

// MiniCPMExtension holds per-row inputs in concatenated order: chosen rows,
// then rejected rows. ContextIDs is right-padded with 0.
type MiniCPMExtension struct {
	ImageBounds [][]ImageBound
	ContextIDs  [][]int
	PositionIDs [][]int
}

// Family implements Extension.
func (MiniCPMExtension) Family() Family { return MiniCPM }
func (MiniCPMExtension) isExtension()   {}

// Side holds one half of a batch, either the chosen or the rejected responses,
// right-padded to the longest sequence of that half.
type Side struct {
	InputIDs      [][]int
	Labels        [][]int
	AttentionMask [][]bool
	// Lengths are the unpadded sequence lengths.
	Lengths []int

	RefLogp    []float64
	RefAvgLogp []float64
	// RefPerToken and TokenWeight have one column per predicted position:
	// the padded length minus one.
	RefPerToken [][]float64
	TokenWeight [][]float64

	Aux []float64
}

// Width is the padded sequence length of the side.
func (s *Side) Width() int {
	if len(s.InputIDs) == 0 {
		return 0
	}
	return len(s.InputIDs[0])
}

// Batch is a set of preference examples ready for a forward pass. The
// concatenated tensors hold the chosen rows followed by the rejected rows,
// padded to the longest sequence of both halves.
type Batch struct {
	Chosen, Rejected Side

	ConcatInputIDs      [][]int
	ConcatLabels        [][]int
	ConcatAttentionMask [][]bool
	ConcatTokenWeight   [][]float64

	Extension Extension
}

// Size is the number of preference pairs in the batch.
func (b *Batch) Size() int {
	return len(b.Chosen.InputIDs)
}
