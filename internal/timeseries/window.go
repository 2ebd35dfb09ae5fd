// Package timeseries models the batch windows of household meter readings the
// engine trains and detects on, together with the quality gate and the
// preprocessor that every window passes through before modeling.
package timeseries

import (
	"math"
	"time"
)

// Record is a single meter reading. Missing measurements are NaN; a record is
// present for every timestamp the store returned, so temporal gaps show up as
// jumps between consecutive timestamps rather than as dropped rows.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	ActivePower   float64   `json:"active_power"`
	ReactivePower float64   `json:"reactive_power"`
	Voltage       float64   `json:"voltage"`
	Current       float64   `json:"current"`
	SubMeter1     float64   `json:"sub_meter_1"`
	SubMeter2     float64   `json:"sub_meter_2"`
	SubMeter3     float64   `json:"sub_meter_3"`
}

// Window is an ordered sequence of readings. Timestamps are strictly
// increasing. Windows are never mutated in place: cleaning and resampling
// return new windows.
type Window struct {
	Records []Record
}

// NewWindow wraps records into a window without copying.
func NewWindow(records []Record) *Window {
	return &Window{Records: records}
}

func (w *Window) Len() int { return len(w.Records) }

// Span returns the time covered from first to last record.
func (w *Window) Span() time.Duration {
	if len(w.Records) < 2 {
		return 0
	}
	return w.Records[len(w.Records)-1].Timestamp.Sub(w.Records[0].Timestamp)
}

// Clone returns a deep copy of the window.
func (w *Window) Clone() *Window {
	records := make([]Record, len(w.Records))
	copy(records, w.Records)
	return &Window{Records: records}
}

// ActivePower returns the primary power column as a slice aligned with
// Timestamps. NaN entries mark missing readings.
func (w *Window) ActivePower() []float64 {
	out := make([]float64, len(w.Records))
	for i, r := range w.Records {
		out[i] = r.ActivePower
	}
	return out
}

// Timestamps returns the timestamp index.
func (w *Window) Timestamps() []time.Time {
	out := make([]time.Time, len(w.Records))
	for i, r := range w.Records {
		out[i] = r.Timestamp
	}
	return out
}

// DropNulls returns a new window without rows carrying NaN in any column.
func (w *Window) DropNulls() *Window {
	records := make([]Record, 0, len(w.Records))
	for _, r := range w.Records {
		if math.IsNaN(r.ActivePower) || math.IsNaN(r.ReactivePower) ||
			math.IsNaN(r.Voltage) || math.IsNaN(r.Current) ||
			math.IsNaN(r.SubMeter1) || math.IsNaN(r.SubMeter2) || math.IsNaN(r.SubMeter3) {
			continue
		}
		records = append(records, r)
	}
	return &Window{Records: records}
}

// MaxGap returns the largest interval between consecutive timestamps.
func (w *Window) MaxGap() time.Duration {
	var max time.Duration
	for i := 1; i < len(w.Records); i++ {
		if gap := w.Records[i].Timestamp.Sub(w.Records[i-1].Timestamp); gap > max {
			max = gap
		}
	}
	return max
}

// Resample aggregates the window into fixed-size buckets using the mean of
// each numeric column. Buckets with no readings are emitted with NaN values so
// downstream interpolation can fill them; the output index is gap-free at the
// bucket interval.
func (w *Window) Resample(interval time.Duration) *Window {
	if len(w.Records) == 0 || interval <= 0 {
		return w.Clone()
	}
	start := w.Records[0].Timestamp.Truncate(interval)
	end := w.Records[len(w.Records)-1].Timestamp.Truncate(interval)

	n := int(end.Sub(start)/interval) + 1
	sums := make([][7]float64, n)
	counts := make([][7]int, n)
	for _, r := range w.Records {
		idx := int(r.Timestamp.Truncate(interval).Sub(start) / interval)
		for c, v := range [7]float64{
			r.ActivePower, r.ReactivePower, r.Voltage, r.Current,
			r.SubMeter1, r.SubMeter2, r.SubMeter3,
		} {
			if !math.IsNaN(v) {
				sums[idx][c] += v
				counts[idx][c]++
			}
		}
	}

	records := make([]Record, n)
	for i := 0; i < n; i++ {
		var vals [7]float64
		for c := 0; c < 7; c++ {
			if counts[i][c] > 0 {
				vals[c] = sums[i][c] / float64(counts[i][c])
			} else {
				vals[c] = math.NaN()
			}
		}
		records[i] = Record{
			Timestamp:     start.Add(time.Duration(i) * interval),
			ActivePower:   vals[0],
			ReactivePower: vals[1],
			Voltage:       vals[2],
			Current:       vals[3],
			SubMeter1:     vals[4],
			SubMeter2:     vals[5],
			SubMeter3:     vals[6],
		}
	}
	return &Window{Records: records}
}
