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

const (
	// maxChangepoints bounds how many trend segments the flexible model fits.
	maxChangepoints = 50
	// minSegmentHours is the shortest trend segment worth regressing.
	minSegmentHours = 24

	multEpsilon = 1e-6
)

type enhancedParams struct {
	// Last trend segment in global index coordinates; forecasts extend it.
	Intercept   float64     `json:"intercept"`
	Slope       float64     `json:"slope"`
	Daily       [24]float64 `json:"daily"`
	Weekly      [7]float64  `json:"weekly"`
	ResidualStd float64     `json:"residual_std"`
	TrainLen    int         `json:"train_len"`
	Start       time.Time   `json:"start"`
	StepSeconds int64       `json:"step_seconds"`
}

// EnhancedSeasonal is the flexible member of the ensemble: a piecewise linear
// trend with up to maxChangepoints segments and multiplicative daily and
// weekly seasonal indices. It tracks regime shifts faster than SeasonalTrend
// at the cost of stability on noisy history.
type EnhancedSeasonal struct {
	mu     sync.RWMutex
	params enhancedParams
	fitted bool
}

func NewEnhancedSeasonal() *EnhancedSeasonal { return &EnhancedSeasonal{} }

func (m *EnhancedSeasonal) Kind() Kind { return KindEnhancedSeasonal }

func (m *EnhancedSeasonal) Fitted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fitted
}

func (m *EnhancedSeasonal) Fit(ctx context.Context, s Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Len() < minFitHours {
		return gserrors.Training(string(KindEnhancedSeasonal), nil,
			"insufficient history: %d hourly points (minimum %d)", s.Len(), minFitHours)
	}

	trend, lastIntercept, lastSlope := piecewiseTrend(s.Values)

	var daily [24]float64
	var dailyCount [24]int
	for i, v := range s.Values {
		den := trend[i]
		if math.Abs(den) < multEpsilon {
			continue
		}
		h := s.TimeAt(i).Hour()
		daily[h] += v / den
		dailyCount[h]++
	}
	for h := range daily {
		if dailyCount[h] > 0 {
			daily[h] /= float64(dailyCount[h])
		} else {
			daily[h] = 1
		}
	}

	var weekly [7]float64
	var weeklyCount [7]int
	for i, v := range s.Values {
		t := s.TimeAt(i)
		den := trend[i] * daily[t.Hour()]
		if math.Abs(den) < multEpsilon {
			continue
		}
		d := int(t.Weekday())
		weekly[d] += v / den
		weeklyCount[d]++
	}
	for d := range weekly {
		if weeklyCount[d] > 0 {
			weekly[d] /= float64(weeklyCount[d])
		} else {
			weekly[d] = 1
		}
	}

	var sq float64
	for i, v := range s.Values {
		t := s.TimeAt(i)
		fit := trend[i] * daily[t.Hour()] * weekly[int(t.Weekday())]
		r := v - fit
		sq += r * r
	}
	residualStd := math.Sqrt(sq / float64(s.Len()))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = enhancedParams{
		Intercept:   lastIntercept,
		Slope:       lastSlope,
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

// piecewiseTrend fits an independent linear regression per segment and
// returns the fitted trend for every point plus the last segment's line in
// global index coordinates.
func piecewiseTrend(values []float64) (trend []float64, lastIntercept, lastSlope float64) {
	n := len(values)
	segments := n / minSegmentHours
	if segments > maxChangepoints+1 {
		segments = maxChangepoints + 1
	}
	if segments < 1 {
		segments = 1
	}
	segLen := n / segments

	trend = make([]float64, n)
	for seg := 0; seg < segments; seg++ {
		lo := seg * segLen
		hi := lo + segLen
		if seg == segments-1 {
			hi = n
		}
		xs := make([]float64, hi-lo)
		for i := range xs {
			xs[i] = float64(lo + i)
		}
		a, b := stat.LinearRegression(xs, values[lo:hi], nil, false)
		if math.IsNaN(a) || math.IsNaN(b) {
			a, b = stat.Mean(values[lo:hi], nil), 0
		}
		for i := lo; i < hi; i++ {
			trend[i] = a + b*float64(i)
		}
		lastIntercept, lastSlope = a, b
	}
	return trend, lastIntercept, lastSlope
}

func (m *EnhancedSeasonal) Forecast(steps int) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.fitted {
		return nil, gserrors.New(gserrors.KindModelTraining, "enhanced seasonal model not fitted")
	}
	p := m.params
	step := time.Duration(p.StepSeconds) * time.Second
	out := make([]float64, steps)
	for k := 0; k < steps; k++ {
		i := p.TrainLen + k
		t := p.Start.Add(time.Duration(i) * step)
		out[k] = (p.Intercept + p.Slope*float64(i)) * p.Daily[t.Hour()] * p.Weekly[int(t.Weekday())]
	}
	return out, nil
}

func (m *EnhancedSeasonal) MarshalParams() (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.fitted {
		return nil, gserrors.New(gserrors.KindModelTraining, "enhanced seasonal model not fitted")
	}
	return json.Marshal(m.params)
}

func (m *EnhancedSeasonal) UnmarshalParams(data json.RawMessage) error {
	var p enhancedParams
	if err := json.Unmarshal(data, &p); err != nil {
		return gserrors.Wrap(gserrors.KindInternal, err, "decode enhanced seasonal params")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = p
	m.fitted = true
	return nil
}
