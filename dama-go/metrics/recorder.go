package metrics

import (
	"bufio"
	"os"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/spf13/afero"
)

// Recorder stores the metrics of successive steps.
type Recorder interface {
	Record(m *Metrics) error
	Close() error
}

// JSONLRecorder appends one JSON line per step to a file.
type JSONLRecorder struct {
	m sync.Mutex
	f afero.File
	w *bufio.Writer
}

// NewJSONLRecorder opens path for appending.
func NewJSONLRecorder(fs afero.Fs, path string) (*JSONLRecorder, error) {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open metrics file %s", path)
	}
	return &JSONLRecorder{f: f, w: bufio.NewWriter(f)}, nil
}

// Record implements Recorder.
func (r *JSONLRecorder) Record(m *Metrics) error {
	buf, err := sonic.Marshal(m)
	if err != nil {
		return errors.Wrapf(err, "could not encode metrics of step %d", m.Step)
	}

	r.m.Lock()
	defer r.m.Unlock()
	if _, err := r.w.Write(append(buf, '\n')); err != nil {
		return err
	}
	return r.w.Flush()
}

// Close implements Recorder.
func (r *JSONLRecorder) Close() error {
	r.m.Lock()
	defer r.m.Unlock()
	return errors.Combine(r.w.Flush(), r.f.Close())
}

// MemoryRecorder keeps every recorded step in memory.
type MemoryRecorder struct {
	m     sync.Mutex
	steps []*Metrics
}

// NewMemoryRecorder returns an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record implements Recorder.
func (r *MemoryRecorder) Record(m *Metrics) error {
	r.m.Lock()
	defer r.m.Unlock()
	r.steps = append(r.steps, m)
	return nil
}

// Close implements Recorder.
func (r *MemoryRecorder) Close() error { return nil }

// Steps returns the recorded metrics.
func (r *MemoryRecorder) Steps() []*Metrics {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]*Metrics(nil), r.steps...)
}

// Series returns the steps of phase at which key was recorded, and its values.
func (r *MemoryRecorder) Series(phase Phase, key string) (steps, values []float64) {
	for _, m := range r.Steps() {
		if m.Phase != phase {
			continue
		}
		if v, ok := m.Get(key); ok {
			steps = append(steps, float64(m.Step))
			values = append(values, v)
		}
	}
	return steps, values
}

// tee records to several recorders.
type tee []Recorder

// Tee returns a Recorder that records to every one of recs.
func Tee(recs ...Recorder) Recorder {
	return tee(recs)
}

func (t tee) Record(m *Metrics) error {
	var errs errors.Errors
	for _, r := range t {
		errs = errors.Append(errs, r.Record(m))
	}
	if errs == nil {
		return nil
	}
	return errs
}

func (t tee) Close() error {
	var errs errors.Errors
	for _, r := range t {
		errs = errors.Append(errs, r.Close())
	}
	if errs == nil {
		return nil
	}
	return errs
}
