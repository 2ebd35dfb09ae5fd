package timeseries

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func minuteRecords(start time.Time, powers []float64) []Record {
	records := make([]Record, len(powers))
	for i, p := range powers {
		records[i] = Record{
			Timestamp:     start.Add(time.Duration(i) * time.Minute),
			ActivePower:   p,
			ReactivePower: 0.1,
			Voltage:       235,
			Current:       4.3,
			SubMeter1:     1,
			SubMeter2:     1,
			SubMeter3:     1,
		}
	}
	return records
}

var testStart = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestWindowSpanAndMaxGap(t *testing.T) {
	records := minuteRecords(testStart, []float64{1, 1, 1})
	// Open a 2 hour gap before a final reading.
	records = append(records, Record{
		Timestamp:   testStart.Add(2*time.Hour + 2*time.Minute),
		ActivePower: 1, Voltage: 235, Current: 4.3, ReactivePower: 0.1,
		SubMeter1: 1, SubMeter2: 1, SubMeter3: 1,
	})
	w := NewWindow(records)

	assert.Equal(t, 2*time.Hour+2*time.Minute, w.Span())
	assert.Equal(t, 2*time.Hour, w.MaxGap())
}

func TestResample(t *testing.T) {
	// Two readings in the first hour, one in the third, nothing in the
	// second.
	records := []Record{
		{Timestamp: testStart.Add(10 * time.Minute), ActivePower: 1, Voltage: 230},
		{Timestamp: testStart.Add(50 * time.Minute), ActivePower: 3, Voltage: 240},
		{Timestamp: testStart.Add(2*time.Hour + 5*time.Minute), ActivePower: 5, Voltage: 235},
	}
	hourly := NewWindow(records).Resample(time.Hour)

	require.Equal(t, 3, hourly.Len())
	assert.Equal(t, testStart, hourly.Records[0].Timestamp)
	assert.Equal(t, 2.0, hourly.Records[0].ActivePower)
	assert.Equal(t, 235.0, hourly.Records[0].Voltage)
	// The empty bucket is present with NaN values, not dropped.
	assert.True(t, math.IsNaN(hourly.Records[1].ActivePower))
	assert.Equal(t, 5.0, hourly.Records[2].ActivePower)
}

func TestQualityGate(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	gate := NewQualityGate(30, logger)

	t.Run("clean long window passes", func(t *testing.T) {
		records := make([]Record, 0, 45*24)
		for i := 0; i < 45*24; i++ {
			records = append(records, Record{
				Timestamp:   testStart.Add(time.Duration(i) * time.Hour),
				ActivePower: 2,
				Voltage:     235,
			})
		}
		report := gate.Check(NewWindow(records))
		assert.True(t, report.IsValid)
		assert.GreaterOrEqual(t, report.CoverageDays, 30.0)
		assert.Zero(t, report.NullPercentage)
		assert.True(t, report.VoltageOK)
		assert.True(t, report.PowerOK)
	})

	t.Run("short window invalid", func(t *testing.T) {
		records := make([]Record, 0, 10*24)
		for i := 0; i < 10*24; i++ {
			records = append(records, Record{
				Timestamp:   testStart.Add(time.Duration(i) * time.Hour),
				ActivePower: 2,
				Voltage:     235,
			})
		}
		report := gate.Check(NewWindow(records))
		assert.False(t, report.IsValid)
		assert.NotEmpty(t, report.Warnings)
	})

	t.Run("excess nulls invalid", func(t *testing.T) {
		records := make([]Record, 0, 40*24)
		for i := 0; i < 40*24; i++ {
			power := 2.0
			if i%10 == 0 {
				power = math.NaN()
			}
			records = append(records, Record{
				Timestamp:   testStart.Add(time.Duration(i) * time.Hour),
				ActivePower: power,
				Voltage:     235,
			})
		}
		report := gate.Check(NewWindow(records))
		assert.False(t, report.IsValid)
		assert.Greater(t, report.NullPercentage, 5.0)
	})

	t.Run("range violations only warn", func(t *testing.T) {
		records := make([]Record, 0, 40*24)
		for i := 0; i < 40*24; i++ {
			records = append(records, Record{
				Timestamp:   testStart.Add(time.Duration(i) * time.Hour),
				ActivePower: 12, // above the plausible residential range
				Voltage:     190,
			})
		}
		report := gate.Check(NewWindow(records))
		assert.True(t, report.IsValid)
		assert.False(t, report.VoltageOK)
		assert.False(t, report.PowerOK)
		assert.NotEmpty(t, report.Warnings)
	})

	t.Run("long gap only warns", func(t *testing.T) {
		records := make([]Record, 0, 45*24)
		for i := 0; i < 45*24; i++ {
			if i > 500 && i < 510 {
				continue
			}
			records = append(records, Record{
				Timestamp:   testStart.Add(time.Duration(i) * time.Hour),
				ActivePower: 2,
				Voltage:     235,
			})
		}
		report := gate.Check(NewWindow(records))
		assert.True(t, report.IsValid)
		assert.Greater(t, report.MaxGapHours, 6.0)
	})
}

func TestPreprocessorClean(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	p := NewPreprocessor(logger)

	t.Run("interpolates primary nulls", func(t *testing.T) {
		w := NewWindow(minuteRecords(testStart, []float64{1, math.NaN(), math.NaN(), 4, 4}))
		clean := p.Clean(w)

		require.Equal(t, 5, clean.Len())
		assert.InDelta(t, 2.0, clean.Records[1].ActivePower, 1e-9)
		assert.InDelta(t, 3.0, clean.Records[2].ActivePower, 1e-9)
	})

	t.Run("edge nulls take nearest value", func(t *testing.T) {
		w := NewWindow(minuteRecords(testStart, []float64{math.NaN(), 2, 3, math.NaN()}))
		clean := p.Clean(w)

		require.Equal(t, 4, clean.Len())
		assert.Equal(t, 2.0, clean.Records[0].ActivePower)
		assert.Equal(t, 3.0, clean.Records[3].ActivePower)
	})

	t.Run("clips extreme outliers to the mean", func(t *testing.T) {
		powers := make([]float64, 200)
		for i := range powers {
			powers[i] = 2 + 0.01*float64(i%5)
		}
		powers[100] = 50
		clean := p.Clean(NewWindow(minuteRecords(testStart, powers)))

		require.Equal(t, 200, clean.Len())
		assert.Less(t, clean.Records[100].ActivePower, 3.0)
	})

	t.Run("sorts and dedupes timestamps", func(t *testing.T) {
		records := minuteRecords(testStart, []float64{1, 2, 3})
		records[0], records[2] = records[2], records[0]
		records = append(records, records[1]) // duplicate timestamp
		clean := p.Clean(NewWindow(records))

		require.Equal(t, 3, clean.Len())
		for i := 1; i < clean.Len(); i++ {
			assert.True(t, clean.Records[i].Timestamp.After(clean.Records[i-1].Timestamp))
		}
	})

	t.Run("gappy window is resampled gap-free", func(t *testing.T) {
		records := minuteRecords(testStart, []float64{1, 1, 1, 1, 1})
		// 3 hour hole, then more data.
		tail := minuteRecords(testStart.Add(3*time.Hour), []float64{2, 2, 2, 2, 2})
		records = append(records, tail...)
		clean := p.Clean(NewWindow(records))

		assert.LessOrEqual(t, clean.MaxGap(), time.Minute)
		for _, r := range clean.Records {
			assert.False(t, math.IsNaN(r.ActivePower))
		}
	})

	t.Run("rows with secondary nulls are dropped", func(t *testing.T) {
		records := minuteRecords(testStart, []float64{1, 2, 3})
		records[1].Voltage = math.NaN()
		clean := p.Clean(NewWindow(records))

		assert.Equal(t, 2, clean.Len())
	})

	t.Run("input window is not mutated", func(t *testing.T) {
		w := NewWindow(minuteRecords(testStart, []float64{1, math.NaN(), 3}))
		_ = p.Clean(w)
		assert.True(t, math.IsNaN(w.Records[1].ActivePower))
	})
}
