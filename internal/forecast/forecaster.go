package forecast

import (
	"context"
	"encoding/json"
)

// Kind identifies a forecaster algorithm. The names appear in artifact file
// names and the training-history ledger and must stay stable.
type Kind string

const (
	KindSeasonalTrend    Kind = "seasonal_trend"
	KindAutoregressive   Kind = "autoregressive"
	KindEnhancedSeasonal Kind = "enhanced_seasonal"
)

// Kinds lists the ensemble members in blending order.
var Kinds = []Kind{KindSeasonalTrend, KindAutoregressive, KindEnhancedSeasonal}

// Forecaster is a univariate hourly forecaster. Fit trains on a series;
// Forecast extends it by steps hourly points. Implementations are safe for
// concurrent reads after Fit returns but must not be fitted concurrently.
type Forecaster interface {
	Kind() Kind
	// Fit trains the model on the series. Training failures are reported as
	// ModelTraining errors tagged with the forecaster kind.
	Fit(ctx context.Context, s Series) error
	// Forecast predicts the next steps values after the training series.
	Forecast(steps int) ([]float64, error)
	// Fitted reports whether the model is ready to forecast.
	Fitted() bool
	// MarshalParams serializes the fitted parameters for the version
	// registry.
	MarshalParams() (json.RawMessage, error)
	// UnmarshalParams restores a model persisted by MarshalParams.
	UnmarshalParams(data json.RawMessage) error
}

// New constructs an unfitted forecaster of the given kind.
func New(kind Kind) Forecaster {
	switch kind {
	case KindSeasonalTrend:
		return NewSeasonalTrend()
	case KindAutoregressive:
		return NewAutoregressive()
	case KindEnhancedSeasonal:
		return NewEnhancedSeasonal()
	default:
		return nil
	}
}
