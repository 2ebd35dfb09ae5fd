// Package anomaly implements the five-method anomaly detector bank and the
// combination-intersection consensus voter that turns their votes into
// classified alerts.
package anomaly

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/gridsense/gridsense/internal/timeseries"
)

// Detector names. They appear in report method counts and alert votes.
const (
	MethodIQR              = "iqr"
	MethodZScore           = "zscore"
	MethodIsolationForest  = "isolation_forest"
	MethodMovingAverage    = "moving_average"
	MethodForecastResidual = "forecast_residual"
)

// Default detector parameters.
const (
	iqrFactor       = 1.5
	zScoreThreshold = 3.0

	movingAvgWindow    = 60
	movingAvgThreshold = 0.30

	residualThreshold = 0.30
)

// IndexSet holds positions into a window's record slice.
type IndexSet map[int]struct{}

// Detector flags suspicious records in a window by index. Detectors are
// stateless across runs; any per-run model is trained inside Detect.
type Detector interface {
	Name() string
	Detect(ctx context.Context, w *timeseries.Window) (IndexSet, error)
}

// quantile returns the linearly interpolated q-quantile of values.
func quantile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.LinInterp, sorted, nil)
}

// IQRDetector flags values outside [Q1 - 1.5*IQR, Q3 + 1.5*IQR].
type IQRDetector struct{}

func (IQRDetector) Name() string { return MethodIQR }

func (IQRDetector) Detect(_ context.Context, w *timeseries.Window) (IndexSet, error) {
	values := w.ActivePower()
	q1 := quantile(values, 0.25)
	q3 := quantile(values, 0.75)
	iqr := q3 - q1
	lower := q1 - iqrFactor*iqr
	upper := q3 + iqrFactor*iqr

	out := make(IndexSet)
	for i, v := range values {
		if v < lower || v > upper {
			out[i] = struct{}{}
		}
	}
	return out, nil
}

// ZScoreDetector flags values more than 3 sample standard deviations from
// the window mean.
type ZScoreDetector struct{}

func (ZScoreDetector) Name() string { return MethodZScore }

func (ZScoreDetector) Detect(_ context.Context, w *timeseries.Window) (IndexSet, error) {
	values := w.ActivePower()
	mean, std := stat.MeanStdDev(values, nil)
	out := make(IndexSet)
	if std == 0 || math.IsNaN(std) {
		return out, nil
	}
	for i, v := range values {
		if math.Abs((v-mean)/std) > zScoreThreshold {
			out[i] = struct{}{}
		}
	}
	return out, nil
}

// MovingAverageDetector flags values deviating from the trailing 60-sample
// mean by more than 30% relative. The first window-1 points have no full
// trailing window and are never flagged.
type MovingAverageDetector struct{}

func (MovingAverageDetector) Name() string { return MethodMovingAverage }

func (MovingAverageDetector) Detect(_ context.Context, w *timeseries.Window) (IndexSet, error) {
	values := w.ActivePower()
	out := make(IndexSet)
	if len(values) < movingAvgWindow {
		return out, nil
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= movingAvgWindow {
			sum -= values[i-movingAvgWindow]
		}
		if i < movingAvgWindow-1 {
			continue
		}
		ma := sum / movingAvgWindow
		if ma == 0 {
			if v != 0 {
				out[i] = struct{}{}
			}
			continue
		}
		if math.Abs(v-ma)/math.Abs(ma) > movingAvgThreshold {
			out[i] = struct{}{}
		}
	}
	return out, nil
}
