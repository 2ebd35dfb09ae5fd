// Package forecast implements the three-forecaster ensemble: a stable
// seasonal-trend model, an autoregressive model selected by AIC grid search,
// and a flexible enhanced-seasonal model, blended with inverse-error dynamic
// weights.
package forecast

import (
	"math"
	"time"

	"github.com/gridsense/gridsense/internal/timeseries"
)

// Series is a regularly spaced univariate series the forecasters train on.
// Values are gap-free and null-free.
type Series struct {
	Start  time.Time
	Step   time.Duration
	Values []float64
}

func (s Series) Len() int { return len(s.Values) }

// TimeAt returns the timestamp of index i.
func (s Series) TimeAt(i int) time.Time {
	return s.Start.Add(time.Duration(i) * s.Step)
}

// Tail returns the last n values as a sub-series.
func (s Series) Tail(n int) Series {
	if n >= len(s.Values) {
		return s
	}
	offset := len(s.Values) - n
	return Series{Start: s.TimeAt(offset), Step: s.Step, Values: s.Values[offset:]}
}

// Head returns everything except the last n values.
func (s Series) Head(n int) Series {
	if n >= len(s.Values) {
		return Series{Start: s.Start, Step: s.Step}
	}
	return Series{Start: s.Start, Step: s.Step, Values: s.Values[:len(s.Values)-n]}
}

// HourlySeries aggregates a cleaned window's primary power column to hourly
// means. Hours with no readings (possible only on raw windows) are filled by
// linear interpolation so the result stays regular.
func HourlySeries(w *timeseries.Window) Series {
	hourly := w.Resample(time.Hour)
	values := hourly.ActivePower()
	interpolate(values)
	start := time.Time{}
	if hourly.Len() > 0 {
		start = hourly.Records[0].Timestamp
	}
	return Series{Start: start, Step: time.Hour, Values: values}
}

// interpolate fills NaN runs linearly, extending edge values outward.
func interpolate(values []float64) {
	n := len(values)
	prev := -1
	for i := 0; i < n; i++ {
		if math.IsNaN(values[i]) {
			continue
		}
		if prev < i-1 {
			if prev < 0 {
				for j := 0; j < i; j++ {
					values[j] = values[i]
				}
			} else {
				span := float64(i - prev)
				for j := prev + 1; j < i; j++ {
					values[j] = values[prev] + (values[i]-values[prev])*float64(j-prev)/span
				}
			}
		}
		prev = i
	}
	if prev >= 0 && prev < n-1 {
		for j := prev + 1; j < n; j++ {
			values[j] = values[prev]
		}
	}
}
