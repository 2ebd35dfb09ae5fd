package anomaly

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gridsense/gridsense/internal/timeseries"
	gserrors "github.com/gridsense/gridsense/pkg/errors"
)

// DefaultConsensusThreshold is the number of detectors that must jointly
// agree before a point becomes a high-confidence anomaly.
const DefaultConsensusThreshold = 3

// Anomaly types and their fixed severities.
type Type string

const (
	TypeHighConsumption Type = "HIGH_CONSUMPTION"
	TypeLowConsumption  Type = "LOW_CONSUMPTION"
	TypeTemporal        Type = "TEMPORAL"
	TypeSensorFailure   Type = "SENSOR_FAILURE"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var typeSeverity = map[Type]Severity{
	TypeHighConsumption: SeverityCritical,
	TypeLowConsumption:  SeverityMedium,
	TypeTemporal:        SeverityCritical,
	TypeSensorFailure:   SeverityLow,
}

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityMedium:   1,
	SeverityLow:      2,
}

// Classification thresholds.
const (
	highPercentile   = 0.95
	lowPercentile    = 0.05
	valleyHourStart  = 2
	valleyHourEnd    = 5
	valleyMeanFactor = 1.5
	sensorDiffLimit  = 0.001
)

// Alert is one classified consensus anomaly.
type Alert struct {
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	Type        Type      `json:"type"`
	Severity    Severity  `json:"severity"`
	MethodVotes []string  `json:"method_votes"`
}

// Report is the outcome of one detection run.
type Report struct {
	WindowStart    time.Time      `json:"window_start"`
	WindowEnd      time.Time      `json:"window_end"`
	TotalPoints    int            `json:"total_points"`
	MethodCounts   map[string]int `json:"method_counts"`
	ConsensusCount int            `json:"consensus_count"`
	Alerts         []Alert        `json:"alerts"`
}

// Voter runs the detector bank over a window and reduces the per-method
// results to classified consensus alerts.
type Voter struct {
	detectors []Detector
	threshold int
	logger    *zap.SugaredLogger
}

// NewVoter builds a voter over the given detectors with the default
// consensus threshold.
func NewVoter(logger *zap.SugaredLogger, detectors ...Detector) *Voter {
	return &Voter{detectors: detectors, threshold: DefaultConsensusThreshold, logger: logger}
}

// SetThreshold overrides the consensus threshold k.
func (v *Voter) SetThreshold(k int) { v.threshold = k }

// Run executes every detector, computes the combination-intersection
// consensus, classifies the survivors, and returns the ordered alert list.
// A failing detector is logged and dropped from the run rather than aborting
// it; Run errors only when every detector fails.
func (v *Voter) Run(ctx context.Context, w *timeseries.Window) (*Report, error) {
	report := &Report{
		TotalPoints:  w.Len(),
		MethodCounts: make(map[string]int, len(v.detectors)),
		Alerts:       []Alert{},
	}
	if w.Len() > 0 {
		report.WindowStart = w.Records[0].Timestamp
		report.WindowEnd = w.Records[w.Len()-1].Timestamp
	}

	results := make([]IndexSet, len(v.detectors))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range v.detectors {
		i, d := i, d
		g.Go(func() error {
			set, err := d.Detect(gctx, w)
			if err != nil {
				v.logger.Warnw("detector skipped", "method", d.Name(), "error", err)
				return nil
			}
			results[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sets []IndexSet
	var names []string
	for i, d := range v.detectors {
		if results[i] == nil {
			continue
		}
		sets = append(sets, results[i])
		names = append(names, d.Name())
		report.MethodCounts[d.Name()] = len(results[i])
		v.logger.Debugw("detector finished", "method", d.Name(), "flagged", len(results[i]))
	}
	if len(sets) == 0 {
		return nil, gserrors.New(gserrors.KindInternal, "all anomaly detectors failed")
	}

	consensus := consensusIndices(sets, v.threshold)
	report.ConsensusCount = len(consensus)
	report.Alerts = classify(w, consensus, sets, names)

	v.logger.Infow("anomaly detection complete",
		"detectors", len(sets),
		"threshold", v.threshold,
		"consensus", report.ConsensusCount,
		"alerts", len(report.Alerts))
	return report, nil
}

// consensusIndices unions the intersections of every k-sized combination of
// detector result sets. A point agreed on by any k detectors jointly is
// included; points counted by fewer than k are not.
func consensusIndices(sets []IndexSet, k int) IndexSet {
	out := make(IndexSet)
	if k <= 0 || k > len(sets) {
		return out
	}
	combo := make([]int, k)
	var walk func(start, depth int)
	walk = func(start, depth int) {
		if depth == k {
			intersectInto(out, sets, combo)
			return
		}
		for i := start; i <= len(sets)-(k-depth); i++ {
			combo[depth] = i
			walk(i+1, depth+1)
		}
	}
	walk(0, 0)
	return out
}

// intersectInto adds the intersection of the chosen sets to acc, iterating
// the smallest member for speed.
func intersectInto(acc IndexSet, sets []IndexSet, combo []int) {
	smallest := combo[0]
	for _, i := range combo[1:] {
		if len(sets[i]) < len(sets[smallest]) {
			smallest = i
		}
	}
outer:
	for idx := range sets[smallest] {
		for _, i := range combo {
			if i == smallest {
				continue
			}
			if _, ok := sets[i][idx]; !ok {
				continue outer
			}
		}
		acc[idx] = struct{}{}
	}
}

// classify assigns each consensus anomaly exactly one type. Temporal and
// sensor-failure rules win over the pure magnitude rules; consensus points
// matching no rule produce no alert. Alerts come back sorted by severity then
// timestamp.
func classify(w *timeseries.Window, consensus IndexSet, sets []IndexSet, names []string) []Alert {
	if len(consensus) == 0 {
		return []Alert{}
	}
	values := w.ActivePower()
	p95 := quantile(values, highPercentile)
	p05 := quantile(values, lowPercentile)
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	alerts := make([]Alert, 0, len(consensus))
	for idx := range consensus {
		r := w.Records[idx]
		v := r.ActivePower

		var typ Type
		hour := r.Timestamp.Hour()
		switch {
		case hour >= valleyHourStart && hour <= valleyHourEnd && v > valleyMeanFactor*mean:
			typ = TypeTemporal
		case idx > 0 && math.Abs(v-w.Records[idx-1].ActivePower) < sensorDiffLimit:
			typ = TypeSensorFailure
		case v > p95:
			typ = TypeHighConsumption
		case v < p05:
			typ = TypeLowConsumption
		default:
			continue
		}

		votes := make([]string, 0, len(sets))
		for i, set := range sets {
			if _, ok := set[idx]; ok {
				votes = append(votes, names[i])
			}
		}
		alerts = append(alerts, Alert{
			Timestamp:   r.Timestamp,
			Value:       v,
			Type:        typ,
			Severity:    typeSeverity[typ],
			MethodVotes: votes,
		})
	}

	sort.Slice(alerts, func(i, j int) bool {
		ri, rj := severityRank[alerts[i].Severity], severityRank[alerts[j].Severity]
		if ri != rj {
			return ri < rj
		}
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
	return alerts
}
