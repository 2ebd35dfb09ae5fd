package forecast

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	gserrors "github.com/gridsense/gridsense/pkg/errors"
)

// minFitHours is the least history a seasonal model trains on: enough to see
// a few full daily cycles.
const minFitHours = 3 * 24

// seasonalTrendParams are the fitted parameters of the stable seasonal model.
type seasonalTrendParams struct {
	Intercept   float64     `json:"intercept"`
	Slope       float64     `json:"slope"`
	Daily       [24]float64 `json:"daily"`
	Weekly      [7]float64  `json:"weekly"`
	ResidualStd float64     `json:"residual_std"`
	TrainLen    int         `json:"train_len"`
	Start       time.Time   `json:"start"`
	StepSeconds int64       `json:"step_seconds"`
}

// SeasonalTrend decomposes the series into a single linear trend plus
// additive daily and weekly seasonal components. The single trend segment
// keeps changepoint flexibility low, trading fit for stability.
type SeasonalTrend struct {
	mu     sync.RWMutex
	params seasonalTrendParams
	fitted bool
}

func NewSeasonalTrend() *SeasonalTrend { return &SeasonalTrend{} }

func (m *SeasonalTrend) Kind() Kind { return KindSeasonalTrend }

func (m *SeasonalTrend) Fitted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fitted
}

func (m *SeasonalTrend) Fit(ctx context.Context, s Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Len() < minFitHours {
		return gserrors.Training(string(KindSeasonalTrend), nil,
			"insufficient history: %d hourly points (minimum %d)", s.Len(), minFitHours)
	}

	xs := make([]float64, s.Len())
	for i := range xs {
		xs[i] = float64(i)
	}
	intercept, slope := stat.LinearRegression(xs, s.Values, nil, false)
	if math.IsNaN(intercept) || math.IsNaN(slope) {
		return gserrors.Training(string(KindSeasonalTrend), nil, "trend regression did not converge")
	}

	residuals := make([]float64, s.Len())
	for i, v := range s.Values {
		residuals[i] = v - (intercept + slope*float64(i))
	}

	var daily [24]float64
	var dailyCount [24]int
	for i, r := range residuals {
		h := s.TimeAt(i).Hour()
		daily[h] += r
		dailyCount[h]++
	}
	for h := range daily {
		if dailyCount[h] > 0 {
			daily[h] /= float64(dailyCount[h])
		}
	}

	var weekly [7]float64
	var weeklyCount [7]int
	for i, r := range residuals {
		t := s.TimeAt(i)
		d := int(t.Weekday())
		weekly[d] += r - daily[t.Hour()]
		weeklyCount[d]++
	}
	for d := range weekly {
		if weeklyCount[d] > 0 {
			weekly[d] /= float64(weeklyCount[d])
		}
	}

	var sq float64
	for i, r := range residuals {
		t := s.TimeAt(i)
		final := r - daily[t.Hour()] - weekly[int(t.Weekday())]
		sq += final * final
	}
	residualStd := math.Sqrt(sq / float64(s.Len()))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = seasonalTrendParams{
		Intercept:   intercept,
		Slope:       slope,
		Daily:       daily,
		Weekly:      weekly,
		ResidualStd: residualStd,
		TrainLen:    s.Len(),
		Start:       s.Start,
		StepSeconds: int64(s.Step / time.Second),
	}
	m.fitted = true
	return nil
}

func (m *SeasonalTrend) Forecast(steps int) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.fitted {
		return nil, gserrors.New(gserrors.KindModelTraining, "seasonal-trend model not fitted")
	}
	p := m.params
	step := time.Duration(p.StepSeconds) * time.Second
	out := make([]float64, steps)
	for k := 0; k < steps; k++ {
		i := p.TrainLen + k
		t := p.Start.Add(time.Duration(i) * step)
		out[k] = p.Intercept + p.Slope*float64(i) + p.Daily[t.Hour()] + p.Weekly[int(t.Weekday())]
	}
	return out, nil
}

// ConfidenceBand returns the native symmetric interval half-width for the
// given z-score, derived from the in-sample residual spread.
func (m *SeasonalTrend) ConfidenceBand(z float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return z * m.params.ResidualStd
}

func (m *SeasonalTrend) MarshalParams() (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.fitted {
		return nil, gserrors.New(gserrors.KindModelTraining, "seasonal-trend model not fitted")
	}
	return json.Marshal(m.params)
}

func (m *SeasonalTrend) UnmarshalParams(data json.RawMessage) error {
	var p seasonalTrendParams
	if err := json.Unmarshal(data, &p); err != nil {
		return gserrors.Wrap(gserrors.KindInternal, err, "decode seasonal-trend params")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = p
	m.fitted = true
	return nil
}
