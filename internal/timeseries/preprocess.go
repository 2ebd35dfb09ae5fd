package timeseries

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Preprocessor cleans validated windows into the gap-free, null-free form the
// forecasters and detectors require. Cleaning is deterministic and always
// returns a new window.
type Preprocessor struct {
	logger *zap.SugaredLogger
}

func NewPreprocessor(logger *zap.SugaredLogger) *Preprocessor {
	return &Preprocessor{logger: logger}
}

const resampleGapThreshold = time.Hour

// numColumns indexes the numeric record fields for generic column access.
const numColumns = 7

func getColumn(r *Record, c int) float64 {
	switch c {
	case 0:
		return r.ActivePower
	case 1:
		return r.ReactivePower
	case 2:
		return r.Voltage
	case 3:
		return r.Current
	case 4:
		return r.SubMeter1
	case 5:
		return r.SubMeter2
	default:
		return r.SubMeter3
	}
}

func setColumn(r *Record, c int, v float64) {
	switch c {
	case 0:
		r.ActivePower = v
	case 1:
		r.ReactivePower = v
	case 2:
		r.Voltage = v
	case 3:
		r.Current = v
	case 4:
		r.SubMeter1 = v
	case 5:
		r.SubMeter2 = v
	default:
		r.SubMeter3 = v
	}
}

// Clean runs the preprocessing pipeline: interpolate nulls in the primary
// power column in both directions, clip extreme outliers to the mean, sort by
// timestamp, resample to 1-minute granularity when the window has gaps over
// an hour, and drop rows with residual nulls in the secondary columns. The
// output has zero nulls in the primary column and a strictly increasing
// timestamp index.
func (p *Preprocessor) Clean(w *Window) *Window {
	clean := w.Clone()

	interpolated := interpolateColumn(clean, 0)
	clipped := clipOutliers(clean)
	sortByTimestamp(clean)

	if clean.MaxGap() > resampleGapThreshold {
		if p.logger != nil {
			p.logger.Infow("resampling window to close temporal gaps",
				"max_gap", clean.MaxGap().String())
		}
		clean = clean.Resample(time.Minute)
		// Empty buckets are NaN across every column; interpolate all of
		// them so the final null drop does not reopen the gaps.
		for c := 0; c < numColumns; c++ {
			interpolateColumn(clean, c)
		}
	}

	clean = clean.DropNulls()

	if p.logger != nil {
		p.logger.Infow("preprocessing completed",
			"input_records", w.Len(),
			"output_records", clean.Len(),
			"interpolated", interpolated,
			"clipped_outliers", clipped,
		)
	}
	return clean
}

// interpolateColumn fills NaN runs in one column linearly between the
// surrounding known values. Leading and trailing runs take the nearest known
// value, matching bidirectional interpolation. Returns the number of values
// filled.
func interpolateColumn(w *Window, col int) int {
	records := w.Records
	n := len(records)
	filled := 0

	prevKnown := -1
	for i := 0; i < n; i++ {
		if !math.IsNaN(getColumn(&records[i], col)) {
			if prevKnown < i-1 {
				fillRun(records, col, prevKnown, i)
				filled += i - prevKnown - 1
			}
			prevKnown = i
		}
	}
	// Trailing run: extend the last known value forward.
	if prevKnown >= 0 && prevKnown < n-1 {
		v := getColumn(&records[prevKnown], col)
		for i := prevKnown + 1; i < n; i++ {
			setColumn(&records[i], col, v)
			filled++
		}
	}
	return filled
}

// fillRun interpolates records (from, to) exclusive in one column. A from of
// -1 means the run leads the window and is backfilled with the value at to.
func fillRun(records []Record, col, from, to int) {
	if from < 0 {
		v := getColumn(&records[to], col)
		for i := 0; i < to; i++ {
			setColumn(&records[i], col, v)
		}
		return
	}
	start := getColumn(&records[from], col)
	end := getColumn(&records[to], col)
	span := float64(to - from)
	for i := from + 1; i < to; i++ {
		frac := float64(i-from) / span
		setColumn(&records[i], col, start+(end-start)*frac)
	}
}

// clipOutliers winsorizes primary-column values beyond 3 standard deviations
// from the mean by replacing them with the mean. Substitution rather than
// removal preserves the row count. Returns the number of values clipped.
func clipOutliers(w *Window) int {
	sum, count := 0.0, 0
	for _, r := range w.Records {
		if !math.IsNaN(r.ActivePower) {
			sum += r.ActivePower
			count++
		}
	}
	if count < 2 {
		return 0
	}
	mean := sum / float64(count)

	var sq float64
	for _, r := range w.Records {
		if !math.IsNaN(r.ActivePower) {
			d := r.ActivePower - mean
			sq += d * d
		}
	}
	std := math.Sqrt(sq / float64(count-1))
	if std == 0 {
		return 0
	}

	clipped := 0
	for i := range w.Records {
		v := w.Records[i].ActivePower
		if !math.IsNaN(v) && math.Abs(v-mean) > 3*std {
			w.Records[i].ActivePower = mean
			clipped++
		}
	}
	return clipped
}

// sortByTimestamp orders records chronologically, dropping exact duplicate
// timestamps (keeping the first occurrence) so the index stays strictly
// increasing.
func sortByTimestamp(w *Window) {
	sort.SliceStable(w.Records, func(i, j int) bool {
		return w.Records[i].Timestamp.Before(w.Records[j].Timestamp)
	})
	deduped := w.Records[:0]
	for i, r := range w.Records {
		if i == 0 || r.Timestamp.After(deduped[len(deduped)-1].Timestamp) {
			deduped = append(deduped, r)
		}
	}
	w.Records = deduped
}

