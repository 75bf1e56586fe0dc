package dpo

import (
	"math"

	"github.com/injadlu/dama/dama-golib/errors"
)

var (
	// ErrNumerical signals a NaN in log-probabilities, weights or losses.
	// Training cannot continue on such values.
	ErrNumerical = errors.New("numerical error")
	// ErrAssertion signals a violated structural invariant, such as inputs and
	// labels of different lengths. It indicates a bug upstream of the loss.
	ErrAssertion = errors.New("assertion violated")
)

// NumericalErrorf returns a fatal ErrNumerical with a message.
func NumericalErrorf(format string, args ...interface{}) error {
	return errors.Fatal(errors.Wrapf(ErrNumerical, format, args...))
}

// AssertionErrorf returns a fatal ErrAssertion with a message.
func AssertionErrorf(format string, args ...interface{}) error {
	return errors.Fatal(errors.Wrapf(ErrAssertion, format, args...))
}

// CheckNaN returns a NumericalError naming the first NaN in values.
func CheckNaN(name string, values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) {
			return NumericalErrorf("%s: NaN at position %d", name, i)
		}
	}
	return nil
}

// CheckNaN2 is CheckNaN for matrices.
func CheckNaN2(name string, values [][]float64) error {
	for i, row := range values {
		for j, v := range row {
			if math.IsNaN(v) {
				return NumericalErrorf("%s: NaN at position (%d, %d)", name, i, j)
			}
		}
	}
	return nil
}
