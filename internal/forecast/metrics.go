package forecast

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// EvaluationMetrics reports forecast accuracy on a held-out test split. The
// JSON field names are part of the persisted-history compatibility contract.
type EvaluationMetrics struct {
	MAE         float64 `json:"mae"`
	RMSE        float64 `json:"rmse"`
	MAPE        float64 `json:"mape"`
	R2          float64 `json:"r2"`
	SampleCount int     `json:"sample_count"`

	// Extended diagnostics carried alongside the core metrics.
	SMAPE            float64 `json:"smape"`
	MASE             float64 `json:"mase"`
	PeakError        float64 `json:"peak_error"`
	EnergyBalancePct float64 `json:"energy_balance_pct"`
	MeanBias         float64 `json:"mean_bias"`
}

const epsilon = 1e-8

// Evaluate computes accuracy metrics for predicted against actual. Slices are
// truncated to the shorter length.
func Evaluate(actual, predicted []float64) EvaluationMetrics {
	n := len(actual)
	if len(predicted) < n {
		n = len(predicted)
	}
	if n == 0 {
		return EvaluationMetrics{}
	}
	actual = actual[:n]
	predicted = predicted[:n]

	var absSum, sqSum, mapeSum, smapeSum, biasSum, actualSum, predSum, peak float64
	for i := 0; i < n; i++ {
		diff := predicted[i] - actual[i]
		ad := math.Abs(diff)
		absSum += ad
		sqSum += diff * diff
		biasSum += diff
		actualSum += actual[i]
		predSum += predicted[i]
		if ad > peak {
			peak = ad
		}
		denom := math.Abs(actual[i])
		if denom < epsilon {
			denom = epsilon
		}
		mapeSum += ad / denom
		smapeSum += 2 * ad / (math.Abs(actual[i]) + math.Abs(predicted[i]) + epsilon)
	}

	m := EvaluationMetrics{
		MAE:         absSum / float64(n),
		RMSE:        math.Sqrt(sqSum / float64(n)),
		MAPE:        mapeSum / float64(n) * 100,
		SMAPE:       smapeSum / float64(n) * 100,
		PeakError:   peak,
		MeanBias:    biasSum / float64(n),
		SampleCount: n,
	}
	if actualSum != 0 {
		m.EnergyBalancePct = (predSum/actualSum - 1) * 100
	}
	m.R2 = stat.RSquaredFrom(predicted, actual, nil)
	m.MASE = mase(actual, m.MAE)
	return m
}

// mase scales the model MAE against the one-step naive forecast error.
// Below 1 beats the naive forecast.
func mase(actual []float64, modelMAE float64) float64 {
	if len(actual) < 2 {
		return 1
	}
	var naiveSum float64
	for i := 1; i < len(actual); i++ {
		naiveSum += math.Abs(actual[i] - actual[i-1])
	}
	naiveMAE := naiveSum / float64(len(actual)-1)
	if naiveMAE == 0 {
		return math.Inf(1)
	}
	return modelMAE / naiveMAE
}
