package anomaly

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gridsense/gridsense/internal/timeseries"
	gserrors "github.com/gridsense/gridsense/pkg/errors"
)

// testWindow builds minute-resolution records around a 1 kW base load with
// mild noise, starting at midnight.
func testWindow(minutes int) *timeseries.Window {
	rng := rand.New(rand.NewSource(3))
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	records := make([]timeseries.Record, minutes)
	for i := range records {
		power := 1.0 + 0.05*rng.NormFloat64()
		records[i] = timeseries.Record{
			Timestamp:   start.Add(time.Duration(i) * time.Minute),
			ActivePower: power,
			Voltage:     235 + 0.5*rng.NormFloat64(),
			Current:     power * 4.3,
		}
	}
	return timeseries.NewWindow(records)
}

func TestIQRDetectorFlagsSpike(t *testing.T) {
	w := testWindow(360)
	w.Records[200].ActivePower = 5.0

	set, err := IQRDetector{}.Detect(context.Background(), w)
	require.NoError(t, err)
	assert.Contains(t, set, 200)
}

func TestZScoreDetectorFlagsSpike(t *testing.T) {
	w := testWindow(360)
	w.Records[200].ActivePower = 5.0

	set, err := ZScoreDetector{}.Detect(context.Background(), w)
	require.NoError(t, err)
	assert.Contains(t, set, 200)
}

func TestZScoreDetectorConstantSeries(t *testing.T) {
	start := time.Now().UTC().Truncate(time.Minute)
	records := make([]timeseries.Record, 100)
	for i := range records {
		records[i] = timeseries.Record{Timestamp: start.Add(time.Duration(i) * time.Minute), ActivePower: 2}
	}

	set, err := ZScoreDetector{}.Detect(context.Background(), timeseries.NewWindow(records))
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestMovingAverageDetector(t *testing.T) {
	w := testWindow(360)
	w.Records[200].ActivePower = 5.0

	set, err := MovingAverageDetector{}.Detect(context.Background(), w)
	require.NoError(t, err)
	assert.Contains(t, set, 200)
	for i := range set {
		assert.GreaterOrEqual(t, i, movingAvgWindow-1)
	}
}

func TestIsolationForestDeterministic(t *testing.T) {
	w := testWindow(400)
	w.Records[100].ActivePower = 6.0
	w.Records[100].Current = 26

	d := NewIsolationForestDetector()
	first, err := d.Detect(context.Background(), w)
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), w)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, 100)
	// Roughly the contamination fraction gets flagged.
	assert.InDelta(t, forestContamination*400, len(first), 2)
}

func TestConsensusIndices(t *testing.T) {
	sets := []IndexSet{
		{1: {}, 2: {}, 9: {}},
		{2: {}, 3: {}, 9: {}},
		{2: {}, 3: {}, 4: {}},
		{3: {}, 5: {}},
	}

	t.Run("joint agreement of three included", func(t *testing.T) {
		got := consensusIndices(sets, 3)
		assert.Contains(t, got, 2)
		assert.Contains(t, got, 3)
	})

	t.Run("two votes excluded", func(t *testing.T) {
		got := consensusIndices(sets, 3)
		assert.NotContains(t, got, 9)
		assert.NotContains(t, got, 1)
	})

	t.Run("threshold above set count yields empty", func(t *testing.T) {
		assert.Empty(t, consensusIndices(sets, 5))
	})
}

type failingSource struct{}

func (failingSource) Forecast(int) ([]float64, error) {
	return nil, gserrors.New(gserrors.KindModelTraining, "not trained")
}

type constantSource struct{ value float64 }

func (s constantSource) Forecast(steps int) ([]float64, error) {
	out := make([]float64, steps)
	for i := range out {
		out[i] = s.value
	}
	return out, nil
}

func TestForecastResidualDetector(t *testing.T) {
	t.Run("flags deviation from forecast", func(t *testing.T) {
		w := testWindow(120)
		d := NewForecastResidualDetector(constantSource{value: 1.0})
		set, err := d.Detect(context.Background(), w)
		require.NoError(t, err)
		assert.Empty(t, set)

		d = NewForecastResidualDetector(constantSource{value: 2.0})
		set, err = d.Detect(context.Background(), w)
		require.NoError(t, err)
		assert.Len(t, set, 120)
	})

	t.Run("negative forecast still flags deviation", func(t *testing.T) {
		w := testWindow(120)
		d := NewForecastResidualDetector(constantSource{value: -1.0})
		set, err := d.Detect(context.Background(), w)
		require.NoError(t, err)
		assert.Len(t, set, 120)
	})
}

func TestVoterRun(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	w := testWindow(390)
	// Spike in the valley hours, well above 1.5x the mean.
	w.Records[200].ActivePower = 5.0
	w.Records[200].Current = 21.5
	// A stuck sensor: fifteen identical readings.
	for i := 300; i < 315; i++ {
		w.Records[i].ActivePower = 0
		w.Records[i].Current = 0
	}

	voter := NewVoter(logger,
		IQRDetector{},
		ZScoreDetector{},
		NewIsolationForestDetector(),
		MovingAverageDetector{},
	)
	report, err := voter.Run(context.Background(), w)
	require.NoError(t, err)

	assert.Equal(t, 390, report.TotalPoints)
	assert.Len(t, report.MethodCounts, 4)
	assert.Greater(t, report.ConsensusCount, 0)
	require.NotEmpty(t, report.Alerts)

	var sawTemporal, sawSensor bool
	for _, a := range report.Alerts {
		assert.GreaterOrEqual(t, len(a.MethodVotes), DefaultConsensusThreshold)
		switch a.Type {
		case TypeTemporal:
			sawTemporal = true
			assert.Equal(t, SeverityCritical, a.Severity)
			assert.Equal(t, 3, a.Timestamp.Hour())
		case TypeSensorFailure:
			sawSensor = true
			assert.Equal(t, SeverityLow, a.Severity)
		}
	}
	assert.True(t, sawTemporal, "valley-hour spike should classify as temporal")
	assert.True(t, sawSensor, "stuck readings should classify as sensor failure")

	// Severity ordering: critical alerts first, low last.
	lastRank := -1
	for _, a := range report.Alerts {
		rank := severityRank[a.Severity]
		assert.GreaterOrEqual(t, rank, lastRank)
		lastRank = rank
	}
}

func TestVoterSkipsFailingDetector(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	w := testWindow(120)

	voter := NewVoter(logger,
		IQRDetector{},
		ZScoreDetector{},
		MovingAverageDetector{},
		NewForecastResidualDetector(failingSource{}),
	)
	report, err := voter.Run(context.Background(), w)
	require.NoError(t, err)
	assert.NotContains(t, report.MethodCounts, MethodForecastResidual)
	assert.Len(t, report.MethodCounts, 3)
}

func TestVoterCleanWindowNoAlerts(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	voter := NewVoter(logger, IQRDetector{}, ZScoreDetector{}, MovingAverageDetector{})
	report, err := voter.Run(context.Background(), testWindow(240))
	require.NoError(t, err)
	assert.Empty(t, report.Alerts)
}
