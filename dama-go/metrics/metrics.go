// Package metrics collects per-step training metrics and records them.
package metrics

import (
	"fmt"

	"github.com/injadlu/dama/dama-golib/collections"
)

// Phase distinguishes training steps from evaluation steps.
type Phase string

// Phases.
const (
	Train Phase = "train"
	Eval  Phase = "eval"
)

// Key returns the name of a metric of group for phase, e.g. rewards_train/chosen.
func Key(group string, phase Phase, name string) string {
	return fmt.Sprintf("%s_%s/%s", group, phase, name)
}

// LossKey is the name of the step loss for phase.
func LossKey(phase Phase) string {
	return fmt.Sprintf("loss_%s", phase)
}

// Metrics are the scalar values of one step, in the order they were set.
type Metrics struct {
	Step   int                                      `json:"step"`
	Phase  Phase                                    `json:"phase"`
	Values *collections.OrderedMap[string, float64] `json:"values"`
}

// New returns empty metrics for a step.
func New(step int, phase Phase) *Metrics {
	return &Metrics{
		Step:   step,
		Phase:  phase,
		Values: collections.NewOrderedMap[string, float64](32),
	}
}

// Set records a value, replacing a previous value of the same key.
func (m *Metrics) Set(key string, value float64) {
	m.Values.Set(key, value)
}

// Get returns the value of key.
func (m *Metrics) Get(key string) (float64, bool) {
	return m.Values.Get(key)
}
