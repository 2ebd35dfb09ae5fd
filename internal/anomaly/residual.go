package anomaly

import (
	"context"
	"math"
	"time"

	"github.com/gridsense/gridsense/internal/timeseries"
	gserrors "github.com/gridsense/gridsense/pkg/errors"
)

// ForecastSource supplies the expected consumption for the hours following
// the ensemble's training history.
type ForecastSource interface {
	Forecast(steps int) ([]float64, error)
}

// ForecastResidualDetector flags records whose hourly mean deviates from the
// ensemble forecast by more than 30% relative. It is the most expensive
// method and the only one with an external dependency; the voter treats its
// failure as the detector sitting the run out.
type ForecastResidualDetector struct {
	Source    ForecastSource
	Threshold float64
}

func NewForecastResidualDetector(source ForecastSource) *ForecastResidualDetector {
	return &ForecastResidualDetector{Source: source, Threshold: residualThreshold}
}

func (d *ForecastResidualDetector) Name() string { return MethodForecastResidual }

func (d *ForecastResidualDetector) Detect(ctx context.Context, w *timeseries.Window) (IndexSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Source == nil {
		return nil, gserrors.New(gserrors.KindModelTraining, "no forecast source configured")
	}
	out := make(IndexSet)
	if w.Len() == 0 {
		return out, nil
	}

	hourly := w.Resample(time.Hour)
	predicted, err := d.Source.Forecast(hourly.Len())
	if err != nil {
		return nil, err
	}

	anomalousHours := make(map[time.Time]bool, hourly.Len())
	for i, r := range hourly.Records {
		actual := r.ActivePower
		if math.IsNaN(actual) {
			continue
		}
		denom := math.Abs(predicted[i])
		if denom < 0.001 {
			denom = 0.001
		}
		if math.Abs(actual-predicted[i])/denom > d.Threshold {
			anomalousHours[r.Timestamp] = true
		}
	}

	for i, r := range w.Records {
		if anomalousHours[r.Timestamp.Truncate(time.Hour)] {
			out[i] = struct{}{}
		}
	}
	return out, nil
}
