package timeseries

import (
	"fmt"
	"math"

	"go.uber.org/zap"
)

// Quality thresholds validated against household meter data. Coverage and
// null percentage invalidate a window; the remaining checks only warn.
const (
	DefaultMinCoverageDays = 30
	maxNullPercentage      = 5.0
	minMeanVoltage         = 200.0
	maxMeanVoltage         = 250.0
	minPowerKW             = 0.0
	maxPowerKW             = 10.0
	warnGapHours           = 6.0
)

// QualityReport summarizes a window's fitness for training. It is derived
// once per window and gates every downstream stage.
type QualityReport struct {
	IsValid        bool     `json:"is_valid"`
	DataPoints     int      `json:"data_points"`
	CoverageDays   float64  `json:"coverage_days"`
	NullPercentage float64  `json:"null_percentage"`
	VoltageOK      bool     `json:"voltage_ok"`
	PowerOK        bool     `json:"power_ok"`
	MaxGapHours    float64  `json:"max_gap_hours"`
	Warnings       []string `json:"warnings"`
}

// QualityGate validates raw windows before training or detection proceeds.
type QualityGate struct {
	minCoverageDays int
	logger          *zap.SugaredLogger
}

func NewQualityGate(minCoverageDays int, logger *zap.SugaredLogger) *QualityGate {
	if minCoverageDays <= 0 {
		minCoverageDays = DefaultMinCoverageDays
	}
	return &QualityGate{minCoverageDays: minCoverageDays, logger: logger}
}

// Check computes the quality report for a window. It never fails: callers
// branch on IsValid. Voltage/power range violations and long gaps are
// recorded as warnings but do not alone invalidate the window.
func (g *QualityGate) Check(w *Window) QualityReport {
	report := QualityReport{DataPoints: w.Len(), IsValid: true}

	report.CoverageDays = w.Span().Hours() / 24
	if report.CoverageDays < float64(g.minCoverageDays) {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("insufficient coverage: %.1f days (minimum %d)", report.CoverageDays, g.minCoverageDays))
		report.IsValid = false
	}

	nulls := 0
	voltageSum, voltageCount := 0.0, 0
	maxPower := math.Inf(-1)
	for _, r := range w.Records {
		if math.IsNaN(r.ActivePower) {
			nulls++
		} else if r.ActivePower > maxPower {
			maxPower = r.ActivePower
		}
		if !math.IsNaN(r.Voltage) {
			voltageSum += r.Voltage
			voltageCount++
		}
	}
	if w.Len() > 0 {
		report.NullPercentage = float64(nulls) / float64(w.Len()) * 100
	}
	if report.NullPercentage > maxNullPercentage {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("high null percentage: %.2f%%", report.NullPercentage))
		report.IsValid = false
	}

	report.VoltageOK = true
	if voltageCount > 0 {
		mean := voltageSum / float64(voltageCount)
		report.VoltageOK = mean >= minMeanVoltage && mean <= maxMeanVoltage
		if !report.VoltageOK {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("mean voltage out of range: %.1fV", mean))
		}
	}

	report.PowerOK = true
	if !math.IsInf(maxPower, -1) {
		report.PowerOK = maxPower >= minPowerKW && maxPower <= maxPowerKW
		if !report.PowerOK {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("suspicious power reading: max=%.2f kW", maxPower))
		}
	}

	report.MaxGapHours = w.MaxGap().Hours()
	if report.MaxGapHours > warnGapHours {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("temporal gap detected: %.1f hours", report.MaxGapHours))
	}

	if g.logger != nil {
		g.logger.Infow("data quality check completed",
			"is_valid", report.IsValid,
			"data_points", report.DataPoints,
			"coverage_days", report.CoverageDays,
			"null_pct", report.NullPercentage,
			"warnings", len(report.Warnings),
		)
	}
	return report
}
