package forecast

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gridsense/gridsense/internal/timeseries"
	gserrors "github.com/gridsense/gridsense/pkg/errors"
)

// HoldoutHours is the evaluation window reserved from the end of the
// training history.
const HoldoutHours = 7 * 24

const (
	z95 = 1.96
	z99 = 2.58
)

// ForecastPoint is one predicted hourly value with its confidence bounds.
type ForecastPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Lower     float64   `json:"lower"`
	Upper     float64   `json:"upper"`
}

// ForecastResult is a blended forecast with per-point confidence intervals.
type ForecastResult struct {
	Points          []ForecastPoint `json:"points"`
	ConfidenceLevel float64         `json:"confidence_level"`
}

// Ensemble trains the three forecasters on a shared hourly series, scores
// each on a held-out week, and blends their forecasts with inverse-MAPE
// weights.
type Ensemble struct {
	mu        sync.RWMutex
	models    map[Kind]Forecaster
	weights   map[Kind]float64
	metrics   map[Kind]EvaluationMetrics
	seriesEnd time.Time

	logger *zap.SugaredLogger
}

func NewEnsemble(logger *zap.SugaredLogger) *Ensemble {
	models := make(map[Kind]Forecaster, len(Kinds))
	for _, k := range Kinds {
		models[k] = New(k)
	}
	return &Ensemble{
		models:  models,
		weights: make(map[Kind]float64),
		metrics: make(map[Kind]EvaluationMetrics),
		logger:  logger,
	}
}

// Train fits every forecaster on all history except the final holdout week,
// evaluates each on that week, and derives the blend weights. Forecasters
// that fail to converge are excluded from the blend; Train errors only when
// none survive.
func (e *Ensemble) Train(ctx context.Context, w *timeseries.Window) error {
	series := HourlySeries(w)
	if series.Len() < minFitHours+HoldoutHours {
		return gserrors.New(gserrors.KindInsufficientData,
			"need %d hourly points for training plus holdout, have %d", minFitHours+HoldoutHours, series.Len())
	}
	trainPart := series.Head(HoldoutHours)
	actual := series.Tail(HoldoutHours).Values

	var mu sync.Mutex
	fitErrs := make(map[Kind]error, len(e.models))
	metrics := make(map[Kind]EvaluationMetrics, len(e.models))

	g, gctx := errgroup.WithContext(ctx)
	for _, k := range Kinds {
		k := k
		model := e.models[k]
		g.Go(func() error {
			started := time.Now()
			if err := model.Fit(gctx, trainPart); err != nil {
				e.logger.Warnw("forecaster training failed", "model", k, "error", err)
				mu.Lock()
				fitErrs[k] = err
				mu.Unlock()
				return nil
			}
			predicted, err := model.Forecast(HoldoutHours)
			if err != nil {
				mu.Lock()
				fitErrs[k] = err
				mu.Unlock()
				return nil
			}
			m := Evaluate(actual, predicted)
			mu.Lock()
			metrics[k] = m
			mu.Unlock()
			e.logger.Infow("forecaster trained",
				"model", k,
				"duration", time.Since(started),
				"mae", m.MAE,
				"rmse", m.RMSE,
				"mape", m.MAPE)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(metrics) == 0 {
		var firstErr error
		for _, err := range fitErrs {
			firstErr = err
			break
		}
		return gserrors.Training("ensemble", firstErr, "all forecasters failed to train")
	}

	mapes := make(map[Kind]float64, len(metrics))
	for k, m := range metrics {
		mapes[k] = m.MAPE
	}
	weights := BlendWeights(mapes)

	e.mu.Lock()
	e.metrics = metrics
	e.weights = weights
	e.seriesEnd = trainPart.TimeAt(trainPart.Len() - 1)
	e.mu.Unlock()

	e.logger.Infow("ensemble weights computed", "weights", weights)
	return nil
}

// Forecast returns the weighted blend of all fitted forecasters.
func (e *Ensemble) Forecast(steps int) ([]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.weights) == 0 {
		return nil, gserrors.New(gserrors.KindModelTraining, "ensemble not trained")
	}
	blend := make([]float64, steps)
	for k, weight := range e.weights {
		fc, err := e.models[k].Forecast(steps)
		if err != nil {
			return nil, err
		}
		for i, v := range fc {
			blend[i] += weight * v
		}
	}
	return blend, nil
}

// PredictWithConfidence blends the forecast and attaches confidence bounds at
// the given level (0.95 or 0.99). A blend dominated by the stable seasonal
// model uses its native residual band; otherwise the band is the weighted
// holdout RMSE scaled by the normal quantile. Lower bounds never go below
// zero.
func (e *Ensemble) PredictWithConfidence(steps int, level float64) (*ForecastResult, error) {
	values, err := e.Forecast(steps)
	if err != nil {
		return nil, err
	}

	z := z95
	if level >= 0.99 {
		z = z99
	}

	e.mu.RLock()
	band := 0.0
	if st, ok := e.models[KindSeasonalTrend].(*SeasonalTrend); ok && len(e.weights) == 1 && e.weights[KindSeasonalTrend] > 0 {
		band = st.ConfidenceBand(z)
	} else {
		band = z * e.blendedRMSELocked()
	}
	start := e.seriesEnd
	e.mu.RUnlock()

	points := make([]ForecastPoint, steps)
	for i, v := range values {
		lower := v - band
		if lower < 0 {
			lower = 0
		}
		points[i] = ForecastPoint{
			Timestamp: start.Add(time.Duration(i+1) * time.Hour),
			Value:     v,
			Lower:     lower,
			Upper:     v + band,
		}
	}
	return &ForecastResult{Points: points, ConfidenceLevel: level}, nil
}

func (e *Ensemble) blendedRMSELocked() float64 {
	var rmse float64
	for k, w := range e.weights {
		rmse += w * e.metrics[k].RMSE
	}
	if math.IsNaN(rmse) {
		return 0
	}
	return rmse
}

// Metrics returns the per-forecaster holdout metrics from the last training.
func (e *Ensemble) Metrics() map[Kind]EvaluationMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[Kind]EvaluationMetrics, len(e.metrics))
	for k, m := range e.metrics {
		out[k] = m
	}
	return out
}

// Weights returns the current blend weights.
func (e *Ensemble) Weights() map[Kind]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[Kind]float64, len(e.weights))
	for k, w := range e.weights {
		out[k] = w
	}
	return out
}

// BlendedMetrics aggregates the member metrics under the current weights,
// giving the registry a single score for the ensemble.
func (e *Ensemble) BlendedMetrics() EvaluationMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out EvaluationMetrics
	for k, w := range e.weights {
		m := e.metrics[k]
		out.MAE += w * m.MAE
		out.RMSE += w * m.RMSE
		out.MAPE += w * m.MAPE
		out.R2 += w * m.R2
		out.SampleCount = m.SampleCount
	}
	return out
}

// Model exposes a member forecaster, mainly for artifact persistence.
func (e *Ensemble) Model(k Kind) (Forecaster, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.models[k]
	return m, ok
}

// snapshot is the serialized form of a trained ensemble.
type snapshot struct {
	Weights   map[Kind]float64           `json:"weights"`
	Metrics   map[Kind]EvaluationMetrics `json:"metrics"`
	SeriesEnd time.Time                  `json:"series_end"`
	Models    map[Kind]json.RawMessage   `json:"models"`
}

// MarshalJSON serializes the blend state plus every fitted member's params.
func (e *Ensemble) MarshalJSON() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := snapshot{
		Weights:   e.weights,
		Metrics:   e.metrics,
		SeriesEnd: e.seriesEnd,
		Models:    make(map[Kind]json.RawMessage, len(e.models)),
	}
	kinds := make([]Kind, 0, len(e.weights))
	for k := range e.weights {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		raw, err := e.models[k].MarshalParams()
		if err != nil {
			return nil, err
		}
		snap.Models[k] = raw
	}
	return json.Marshal(snap)
}

// UnmarshalJSON restores a trained ensemble from a registry artifact.
func (e *Ensemble) UnmarshalJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return gserrors.Wrap(gserrors.KindInternal, err, "decode ensemble artifact")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.models == nil {
		e.models = make(map[Kind]Forecaster, len(Kinds))
		for _, k := range Kinds {
			e.models[k] = New(k)
		}
	}
	for k, raw := range snap.Models {
		model, ok := e.models[k]
		if !ok {
			return gserrors.New(gserrors.KindInternal, "unknown forecaster kind %q in artifact", k)
		}
		if err := model.UnmarshalParams(raw); err != nil {
			return err
		}
	}
	e.weights = snap.Weights
	e.metrics = snap.Metrics
	e.seriesEnd = snap.SeriesEnd
	return nil
}
