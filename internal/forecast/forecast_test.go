package forecast

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gridsense/gridsense/internal/timeseries"
)

// syntheticSeries builds a deterministic hourly series with a daily cycle,
// a weekly dip, a mild upward trend and some noise.
func syntheticSeries(hours int) Series {
	rng := rand.New(rand.NewSource(7))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	values := make([]float64, hours)
	for i := range values {
		t := start.Add(time.Duration(i) * time.Hour)
		daily := 0.8 * math.Sin(2*math.Pi*float64(t.Hour())/24)
		weekend := 0.0
		if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
			weekend = 0.3
		}
		values[i] = 2.0 + daily + weekend + 0.0005*float64(i) + 0.05*rng.NormFloat64()
	}
	return Series{Start: start, Step: time.Hour, Values: values}
}

func syntheticWindow(hours int) *timeseries.Window {
	s := syntheticSeries(hours)
	records := make([]timeseries.Record, hours)
	for i, v := range s.Values {
		records[i] = timeseries.Record{
			Timestamp:     s.TimeAt(i),
			ActivePower:   v,
			ReactivePower: 0.1,
			Voltage:       235,
			Current:       v * 4.3,
			SubMeter1:     1,
			SubMeter2:     1,
			SubMeter3:     1,
		}
	}
	return timeseries.NewWindow(records)
}

func TestSeriesHeadTail(t *testing.T) {
	s := syntheticSeries(100)

	head := s.Head(30)
	tail := s.Tail(30)
	assert.Equal(t, 70, head.Len())
	assert.Equal(t, 30, tail.Len())
	assert.Equal(t, s.TimeAt(70), tail.Start)
	assert.Equal(t, s.Values[70], tail.Values[0])
}

func TestSeasonalTrend(t *testing.T) {
	s := syntheticSeries(30 * 24)

	m := NewSeasonalTrend()
	require.False(t, m.Fitted())
	require.NoError(t, m.Fit(context.Background(), s))
	require.True(t, m.Fitted())

	fc, err := m.Forecast(48)
	require.NoError(t, err)
	require.Len(t, fc, 48)
	for _, v := range fc {
		assert.False(t, math.IsNaN(v))
		assert.Greater(t, v, 0.0)
	}

	// The forecast should carry the daily cycle: mid-day and midnight
	// forecasts come out on opposite sides of the overall level.
	assert.Greater(t, fc[6], fc[18])
	assert.Greater(t, m.ConfidenceBand(1.96), 0.0)
}

func TestSeasonalTrendRejectsShortHistory(t *testing.T) {
	m := NewSeasonalTrend()
	err := m.Fit(context.Background(), syntheticSeries(24))
	require.Error(t, err)
}

func TestEnhancedSeasonal(t *testing.T) {
	s := syntheticSeries(35 * 24)

	m := NewEnhancedSeasonal()
	require.NoError(t, m.Fit(context.Background(), s))

	fc, err := m.Forecast(24)
	require.NoError(t, err)
	require.Len(t, fc, 24)
	mean := 0.0
	for _, v := range fc {
		require.False(t, math.IsNaN(v))
		mean += v
	}
	mean /= 24
	// Forecast level should stay near the recent series level.
	recent := s.Tail(24)
	var recentMean float64
	for _, v := range recent.Values {
		recentMean += v
	}
	recentMean /= 24
	assert.InDelta(t, recentMean, mean, 1.0)
}

func TestAutoregressive(t *testing.T) {
	s := syntheticSeries(30 * 24)

	m := NewAutoregressive()
	require.NoError(t, m.Fit(context.Background(), s))

	fc, err := m.Forecast(24)
	require.NoError(t, err)
	require.Len(t, fc, 24)
	for _, v := range fc {
		require.False(t, math.IsNaN(v))
		require.False(t, math.IsInf(v, 0))
	}
}

func TestAutoregressiveParamsRoundTrip(t *testing.T) {
	s := syntheticSeries(30 * 24)

	m := NewAutoregressive()
	require.NoError(t, m.Fit(context.Background(), s))
	want, err := m.Forecast(12)
	require.NoError(t, err)

	raw, err := m.MarshalParams()
	require.NoError(t, err)

	restored := NewAutoregressive()
	require.NoError(t, restored.UnmarshalParams(raw))
	got, err := restored.Forecast(12)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEvaluate(t *testing.T) {
	t.Run("perfect prediction", func(t *testing.T) {
		actual := []float64{1, 2, 3, 4, 5}
		m := Evaluate(actual, actual)
		assert.Zero(t, m.MAE)
		assert.Zero(t, m.RMSE)
		assert.Zero(t, m.MAPE)
		assert.InDelta(t, 1.0, m.R2, 1e-9)
		assert.Equal(t, 5, m.SampleCount)
	})

	t.Run("constant offset", func(t *testing.T) {
		actual := []float64{2, 2, 2, 2}
		predicted := []float64{3, 3, 3, 3}
		m := Evaluate(actual, predicted)
		assert.InDelta(t, 1.0, m.MAE, 1e-9)
		assert.InDelta(t, 1.0, m.RMSE, 1e-9)
		assert.InDelta(t, 50.0, m.MAPE, 1e-9)
		assert.InDelta(t, 1.0, m.MeanBias, 1e-9)
		assert.InDelta(t, 50.0, m.EnergyBalancePct, 1e-9)
	})

	t.Run("length mismatch truncates", func(t *testing.T) {
		m := Evaluate([]float64{1, 2, 3}, []float64{1, 2})
		assert.Equal(t, 2, m.SampleCount)
	})
}

func TestBlendWeights(t *testing.T) {
	t.Run("equal errors give equal weights", func(t *testing.T) {
		w := BlendWeights(map[Kind]float64{
			KindSeasonalTrend:    10,
			KindAutoregressive:   10,
			KindEnhancedSeasonal: 10,
		})
		for _, v := range w {
			assert.InDelta(t, 1.0/3.0, v, 1e-9)
		}
	})

	t.Run("lower error earns higher weight", func(t *testing.T) {
		w := BlendWeights(map[Kind]float64{
			KindSeasonalTrend:  5,
			KindAutoregressive: 10,
		})
		assert.Greater(t, w[KindSeasonalTrend], w[KindAutoregressive])
	})

	t.Run("floor applies", func(t *testing.T) {
		w := BlendWeights(map[Kind]float64{
			KindSeasonalTrend:    1,
			KindAutoregressive:   1,
			KindEnhancedSeasonal: 100,
		})
		assert.InDelta(t, minBlendWeight, w[KindEnhancedSeasonal], 1e-9)
		var sum float64
		for _, v := range w {
			assert.GreaterOrEqual(t, v, minBlendWeight-1e-9)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	})

	t.Run("two floored kinds stay at the floor", func(t *testing.T) {
		// Redistribution after the first floor pushes a second weight
		// under; both must end pinned, not scaled back down.
		w := BlendWeights(map[Kind]float64{
			KindSeasonalTrend:    1.0 / 0.7,
			KindAutoregressive:   5,
			KindEnhancedSeasonal: 10,
		})
		assert.InDelta(t, minBlendWeight, w[KindAutoregressive], 1e-9)
		assert.InDelta(t, minBlendWeight, w[KindEnhancedSeasonal], 1e-9)
		assert.InDelta(t, 0.6, w[KindSeasonalTrend], 1e-9)
		var sum float64
		for _, v := range w {
			assert.GreaterOrEqual(t, v, minBlendWeight-1e-9)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	})

	t.Run("single model takes full weight", func(t *testing.T) {
		w := BlendWeights(map[Kind]float64{KindSeasonalTrend: 12.5})
		assert.InDelta(t, 1.0, w[KindSeasonalTrend], 1e-9)
	})
}

func TestEnsembleTrainAndForecast(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	e := NewEnsemble(logger)

	err := e.Train(context.Background(), syntheticWindow(40*24))
	require.NoError(t, err)

	weights := e.Weights()
	require.NotEmpty(t, weights)
	var sum float64
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)

	metrics := e.Metrics()
	for k, m := range metrics {
		assert.Greater(t, m.RMSE, 0.0, "model %s", k)
		assert.Equal(t, HoldoutHours, m.SampleCount, "model %s", k)
	}

	res, err := e.PredictWithConfidence(24, 0.95)
	require.NoError(t, err)
	require.Len(t, res.Points, 24)
	for _, p := range res.Points {
		assert.GreaterOrEqual(t, p.Lower, 0.0)
		assert.LessOrEqual(t, p.Lower, p.Value)
		assert.GreaterOrEqual(t, p.Upper, p.Value)
	}
}

func TestEnsembleHoldoutSplit(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	e := NewEnsemble(logger)

	w := syntheticWindow(40 * 24)
	require.NoError(t, e.Train(context.Background(), w))

	// The holdout week comes off the end of the history, leaving everything
	// before it for fitting.
	series := HourlySeries(w)
	train := series.Head(HoldoutHours)
	assert.Equal(t, series.Len()-HoldoutHours, train.Len())

	// The forecast origin sits right after the fitted history, one holdout
	// week before the window end.
	res, err := e.PredictWithConfidence(1, 0.95)
	require.NoError(t, err)
	require.Len(t, res.Points, 1)
	assert.Equal(t, series.TimeAt(series.Len()-HoldoutHours), res.Points[0].Timestamp)
}

func TestEnsembleRejectsShortWindow(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	e := NewEnsemble(logger)

	err := e.Train(context.Background(), syntheticWindow(5*24))
	require.Error(t, err)

	_, err = e.Forecast(24)
	require.Error(t, err)
}

func TestEnsembleSnapshotRoundTrip(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	e := NewEnsemble(logger)
	require.NoError(t, e.Train(context.Background(), syntheticWindow(40*24)))

	want, err := e.Forecast(24)
	require.NoError(t, err)

	data, err := e.MarshalJSON()
	require.NoError(t, err)

	restored := NewEnsemble(zaptest.NewLogger(t).Sugar())
	require.NoError(t, restored.UnmarshalJSON(data))
	got, err := restored.Forecast(24)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-9)
}
