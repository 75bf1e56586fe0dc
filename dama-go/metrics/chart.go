package metrics

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/spf13/afero"
	chart "github.com/wcharczuk/go-chart/v2"
)

// DefaultChartKeys are the series plotted by a ChartRecorder when no keys
// are given.
var DefaultChartKeys = []string{
	"record_%s/gap_mean",
	"record_%s/loss_mean",
	"rewards_%s/accuracies",
	"rewards_%s/margins",
	"loss_%s",
}

// ChartRecorder keeps metrics in memory and plots them as PNG files when
// closed, one file per phase and key.
type ChartRecorder struct {
	*MemoryRecorder

	fs   afero.Fs
	dir  string
	keys []string
}

// NewChartRecorder returns a recorder plotting keys into dir. Keys may
// contain a %s verb, replaced by the phase.
func NewChartRecorder(fs afero.Fs, dir string, keys ...string) *ChartRecorder {
	if len(keys) == 0 {
		keys = DefaultChartKeys
	}
	return &ChartRecorder{
		MemoryRecorder: NewMemoryRecorder(),
		fs:             fs,
		dir:            dir,
		keys:           keys,
	}
}

func resolveKey(pattern string, phase Phase) string {
	if strings.Contains(pattern, "%s") {
		return fmt.Sprintf(pattern, phase)
	}
	return pattern
}

// ChartFile is the file a series is plotted to.
func ChartFile(dir, key string) string {
	return filepath.Join(dir, strings.ReplaceAll(key, "/", "_")+".png")
}

// Close renders every series spanning at least two steps.
func (r *ChartRecorder) Close() error {
	if err := r.fs.MkdirAll(r.dir, 0755); err != nil {
		return errors.Wrapf(err, "could not create chart directory %s", r.dir)
	}

	var errs errors.Errors
	for _, phase := range []Phase{Train, Eval} {
		for i, pattern := range r.keys {
			key := resolveKey(pattern, phase)
			steps, values := r.Series(phase, key)
			if len(steps) == 0 {
				continue
			}
			if first, last := bounds(steps); first == last {
				continue
			}
			errs = errors.Append(errs, r.render(key, steps, values, i))
		}
	}
	if errs == nil {
		return nil
	}
	return errs
}

func (r *ChartRecorder) render(key string, steps, values []float64, color int) (err error) {
	graph := chart.Chart{
		Title:      key,
		TitleStyle: chart.Shown(),
		XAxis: chart.XAxis{
			Name:      "step",
			NameStyle: chart.Shown(),
			Style:     chart.Shown(),
		},
		YAxis: chart.YAxis{
			Name:      key,
			NameStyle: chart.Shown(),
			Style:     chart.Shown(),
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    key,
				XValues: steps,
				YValues: values,
				Style: chart.Style{
					StrokeColor: chart.GetAlternateColor(color),
					StrokeWidth: 2,
				},
			},
		},
	}

	if lo, hi := bounds(values); lo == hi {
		graph.YAxis.Range = &chart.ContinuousRange{Min: lo - 1, Max: hi + 1}
	}

	path := ChartFile(r.dir, key)
	f, err := r.fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "could not create chart %s", path)
	}
	defer errors.Defer(&err, f.Close)

	if err := graph.Render(chart.PNG, f); err != nil {
		return errors.Wrapf(err, "could not render chart %s", key)
	}
	return nil
}

func bounds(values []float64) (lo, hi float64) {
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	return lo, hi
}
