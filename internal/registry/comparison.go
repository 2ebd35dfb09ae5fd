package registry

import (
	"github.com/gridsense/gridsense/internal/forecast"
)

// Promotion decisions.
type Decision string

const (
	DecisionFirstTraining Decision = "FIRST_TRAINING"
	DecisionKeepNew       Decision = "KEEP_NEW"
	DecisionKeepOld       Decision = "KEEP_OLD"
	DecisionRollbackOld   Decision = "ROLLBACK_OLD"
)

// Degradation cutoffs, in percent improvement relative to the incumbent.
// Negative improvement is a regression.
const (
	maeRollbackPct  = -10.0
	rmseRollbackPct = -15.0
)

// ComparisonResult explains the promote-or-reject decision for a newly
// trained model against the incumbent.
type ComparisonResult struct {
	Decision        Decision                    `json:"decision"`
	IsBetter        bool                        `json:"is_better"`
	MAEDeltaPct     float64                     `json:"mae_delta_pct"`
	RMSEDeltaPct    float64                     `json:"rmse_delta_pct"`
	NewMetrics      forecast.EvaluationMetrics  `json:"new_metrics"`
	PreviousMetrics *forecast.EvaluationMetrics `json:"previous_metrics,omitempty"`
	PreviousVersion string                      `json:"previous_version,omitempty"`
}

// ShouldPromote reports whether the new model replaces the incumbent.
func (c ComparisonResult) ShouldPromote() bool {
	return c.Decision == DecisionFirstTraining || c.Decision == DecisionKeepNew
}

// Compare scores new metrics against the most recent promoted entry of the
// training history. An empty history always yields FIRST_TRAINING. A
// regression beyond the degradation cutoffs forces ROLLBACK_OLD even when
// the other metric improved; otherwise the new model wins only when both MAE
// and RMSE improve.
func (r *Registry) Compare(newMetrics forecast.EvaluationMetrics) (ComparisonResult, error) {
	incumbent, err := r.LatestBest()
	if err != nil {
		return ComparisonResult{}, err
	}
	if incumbent == nil {
		return ComparisonResult{
			Decision:   DecisionFirstTraining,
			IsBetter:   true,
			NewMetrics: newMetrics,
		}, nil
	}

	old := incumbent.Metrics
	result := ComparisonResult{
		NewMetrics:      newMetrics,
		PreviousMetrics: &old,
		PreviousVersion: incumbent.Version,
		MAEDeltaPct:     improvementPct(old.MAE, newMetrics.MAE),
		RMSEDeltaPct:    improvementPct(old.RMSE, newMetrics.RMSE),
	}
	result.IsBetter = newMetrics.MAE < old.MAE && newMetrics.RMSE < old.RMSE

	switch {
	case result.MAEDeltaPct < maeRollbackPct || result.RMSEDeltaPct < rmseRollbackPct:
		result.Decision = DecisionRollbackOld
	case result.IsBetter:
		result.Decision = DecisionKeepNew
	default:
		result.Decision = DecisionKeepOld
	}

	r.logger.Infow("model comparison",
		"decision", result.Decision,
		"is_better", result.IsBetter,
		"mae_delta_pct", result.MAEDeltaPct,
		"rmse_delta_pct", result.RMSEDeltaPct,
		"incumbent", incumbent.Version)
	return result, nil
}

// improvementPct is positive when the fresh value is lower than the old.
func improvementPct(old, fresh float64) float64 {
	if old == 0 {
		if fresh == 0 {
			return 0
		}
		return -100
	}
	return (old - fresh) / old * 100
}
