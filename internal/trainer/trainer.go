// Package trainer runs the retraining pipeline: fetch, validate, preprocess,
// train, evaluate, compare, persist, cleanup, notify. It owns the currently
// deployed ensemble and the periodic anomaly pass over recent data.
package trainer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridsense/gridsense/internal/anomaly"
	"github.com/gridsense/gridsense/internal/config"
	"github.com/gridsense/gridsense/internal/forecast"
	"github.com/gridsense/gridsense/internal/registry"
	"github.com/gridsense/gridsense/internal/store"
	"github.com/gridsense/gridsense/internal/telemetry"
	"github.com/gridsense/gridsense/internal/timeseries"
	gserrors "github.com/gridsense/gridsense/pkg/errors"
)

// Terminal cycle statuses.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusDegradation      Status = "DEGRADATION"
	StatusInsufficientData Status = "INSUFFICIENT_DATA"
	StatusFailure          Status = "FAILURE"
)

// Pipeline stages, in execution order.
type Stage string

const (
	StageFetch      Stage = "FETCH"
	StageValidate   Stage = "VALIDATE"
	StagePreprocess Stage = "PREPROCESS"
	StageTrain      Stage = "TRAIN"
	StageEvaluate   Stage = "EVALUATE"
	StageCompare    Stage = "COMPARE"
	StagePersist    Stage = "PERSIST"
	StageCleanup    Stage = "CLEANUP"
	StageNotify     Stage = "NOTIFY"
)

// CycleResult summarizes one retraining cycle for callers and notifiers.
// RunID is unique per execution; JobID identifies the recurring job.
type CycleResult struct {
	RunID      string                                       `json:"run_id"`
	JobID      string                                       `json:"job_id"`
	Status     Status                                       `json:"status"`
	Stage      Stage                                        `json:"stage"`
	StartedAt  time.Time                                    `json:"started_at"`
	FinishedAt time.Time                                    `json:"finished_at"`
	Attempts   int                                          `json:"attempts"`
	Quality    *timeseries.QualityReport                    `json:"quality,omitempty"`
	Metrics    map[forecast.Kind]forecast.EvaluationMetrics `json:"metrics,omitempty"`
	Blended    *forecast.EvaluationMetrics                  `json:"blended,omitempty"`
	Comparison *registry.ComparisonResult                   `json:"comparison,omitempty"`
	Version    string                                       `json:"version,omitempty"`
	Error      string                                       `json:"error,omitempty"`
}

// Notifier receives cycle outcomes and anomaly reports. Delivery failures
// never fail the producing run.
type Notifier interface {
	NotifyCycle(ctx context.Context, result *CycleResult) error
	NotifyAnomalies(ctx context.Context, report *anomaly.Report) error
}

// LogNotifier is the default notifier; it writes outcomes to the log.
type LogNotifier struct {
	Logger *zap.SugaredLogger
}

func (n LogNotifier) NotifyCycle(_ context.Context, result *CycleResult) error {
	n.Logger.Infow("retraining cycle finished",
		"job_id", result.JobID,
		"status", result.Status,
		"stage", result.Stage,
		"version", result.Version,
		"duration", result.FinishedAt.Sub(result.StartedAt))
	return nil
}

func (n LogNotifier) NotifyAnomalies(_ context.Context, report *anomaly.Report) error {
	n.Logger.Infow("anomaly report",
		"window_start", report.WindowStart,
		"window_end", report.WindowEnd,
		"consensus", report.ConsensusCount,
		"alerts", len(report.Alerts))
	return nil
}

// Orchestrator wires the pipeline components together. One cycle runs at a
// time per job id; concurrent submissions for the same id are rejected.
type Orchestrator struct {
	store    store.TimeSeriesStore
	gate     *timeseries.QualityGate
	prep     *timeseries.Preprocessor
	registry *registry.Registry
	notifier Notifier
	metrics  *telemetry.Metrics
	logger   *zap.SugaredLogger

	trainCfg   config.TrainingConfig
	anomalyCfg config.AnomalyConfig

	retryDelays []time.Duration

	jobs sync.Map

	mu      sync.RWMutex
	current *forecast.Ensemble
}

func NewOrchestrator(
	ts store.TimeSeriesStore,
	reg *registry.Registry,
	notifier Notifier,
	metrics *telemetry.Metrics,
	trainCfg config.TrainingConfig,
	anomalyCfg config.AnomalyConfig,
	logger *zap.SugaredLogger,
) *Orchestrator {
	return &Orchestrator{
		store:       ts,
		gate:        timeseries.NewQualityGate(trainCfg.MinCoverageDays, logger),
		prep:        timeseries.NewPreprocessor(logger),
		registry:    reg,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger,
		trainCfg:    trainCfg,
		anomalyCfg:  anomalyCfg,
		retryDelays: []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
	}
}

// Start verifies the store connection and restores the promoted ensemble
// from the registry if one exists.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.store.TestConnection(ctx) {
		return gserrors.New(gserrors.KindDatabaseConnection, "time-series store is unreachable")
	}
	ensemble := forecast.NewEnsemble(o.logger)
	err := o.registry.LoadBest(ensemble)
	switch {
	case err == nil:
		o.mu.Lock()
		o.current = ensemble
		o.mu.Unlock()
		o.logger.Infow("restored promoted ensemble", "weights", ensemble.Weights())
	case gserrors.Is(err, gserrors.KindNotFound):
		o.logger.Infow("no promoted model yet, first training will create one")
	default:
		return err
	}
	return nil
}

// Current returns the deployed ensemble, or nil before the first promotion.
func (o *Orchestrator) Current() *forecast.Ensemble {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// RunCycle executes one retraining cycle for the job id. A second call with
// the same id while the first is still running fails immediately.
func (o *Orchestrator) RunCycle(ctx context.Context, jobID string) (*CycleResult, error) {
	lockAny, _ := o.jobs.LoadOrStore(jobID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	if !lock.TryLock() {
		return nil, gserrors.New(gserrors.KindInternal, "job %s is already running", jobID)
	}
	defer lock.Unlock()

	if o.trainCfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.trainCfg.OperationTimeout)
		defer cancel()
	}

	result := &CycleResult{
		RunID:     uuid.New().String(),
		JobID:     jobID,
		StartedAt: time.Now().UTC(),
		Attempts:  1,
	}
	o.runStages(ctx, result)
	result.FinishedAt = time.Now().UTC()

	o.metrics.CycleTotal.WithLabelValues(string(result.Status)).Inc()
	o.metrics.CycleDuration.WithLabelValues(string(result.Status)).
		Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())

	// Non-success cycles keep the stage they stopped on so callers can tell
	// where the pipeline failed.
	if result.Status == StatusSuccess || result.Status == StatusDegradation {
		result.Stage = StageNotify
	}
	if err := o.notifier.NotifyCycle(ctx, result); err != nil {
		o.logger.Warnw("cycle notification failed", "job_id", jobID, "error", err)
	}
	return result, nil
}

func (o *Orchestrator) runStages(ctx context.Context, result *CycleResult) {
	fail := func(stage Stage, err error) {
		result.Stage = stage
		result.Error = err.Error()
		if gserrors.Is(err, gserrors.KindInsufficientData) {
			result.Status = StatusInsufficientData
		} else {
			result.Status = StatusFailure
		}
		o.logger.Errorw("retraining cycle failed",
			"job_id", result.JobID, "stage", stage, "error", err)
	}

	result.Stage = StageFetch
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -o.trainCfg.WindowDays)
	window, err := o.store.GetWindow(ctx, start, end)
	if err != nil {
		fail(StageFetch, err)
		return
	}

	result.Stage = StageValidate
	quality := o.gate.Check(window)
	result.Quality = &quality
	if !quality.IsValid {
		result.Status = StatusInsufficientData
		o.logger.Warnw("window rejected by quality gate",
			"job_id", result.JobID,
			"coverage_days", quality.CoverageDays,
			"null_pct", quality.NullPercentage)
		return
	}

	result.Stage = StagePreprocess
	cleaned := o.prep.Clean(window)

	result.Stage = StageTrain
	ensemble := forecast.NewEnsemble(o.logger)
	if err := ensemble.Train(ctx, cleaned); err != nil {
		fail(StageTrain, err)
		return
	}

	result.Stage = StageEvaluate
	result.Metrics = ensemble.Metrics()
	blended := ensemble.BlendedMetrics()
	result.Blended = &blended

	result.Stage = StageCompare
	comparison, err := o.registry.Compare(blended)
	if err != nil {
		fail(StageCompare, err)
		return
	}
	result.Comparison = &comparison

	result.Stage = StagePersist
	if comparison.ShouldPromote() {
		version, err := o.registry.Promote(ensemble, blended)
		if err != nil {
			fail(StagePersist, err)
			return
		}
		result.Version = version
		result.Status = StatusSuccess
		o.mu.Lock()
		o.current = ensemble
		o.mu.Unlock()
		o.metrics.ModelMAE.Set(blended.MAE)
		o.metrics.ModelRMSE.Set(blended.RMSE)
		o.metrics.LastPromotion.SetToCurrentTime()
	} else {
		version, err := o.registry.Archive(ensemble, blended)
		if err != nil {
			fail(StagePersist, err)
			return
		}
		result.Version = version
		result.Status = StatusDegradation
	}

	result.Stage = StageCleanup
	if _, err := o.registry.Cleanup(); err != nil {
		o.logger.Warnw("artifact cleanup failed", "job_id", result.JobID, "error", err)
	}
}

// RunAnomalyPass runs the detector bank over the most recent readings. The
// forecast-residual detector joins only when a deployed ensemble exists and
// the config enables it.
func (o *Orchestrator) RunAnomalyPass(ctx context.Context) (*anomaly.Report, error) {
	window, err := o.store.GetRecent(ctx, o.anomalyCfg.RecentHours)
	if err != nil {
		return nil, err
	}
	// Drop incomplete rows but keep magnitudes raw: outlier clipping here
	// would erase the very readings the detectors look for.
	window = window.DropNulls()
	if window.Len() == 0 {
		return nil, gserrors.New(gserrors.KindInsufficientData, "no recent readings to scan")
	}

	detectors := []anomaly.Detector{
		anomaly.IQRDetector{},
		anomaly.ZScoreDetector{},
		anomaly.NewIsolationForestDetector(),
		anomaly.MovingAverageDetector{},
	}
	if current := o.Current(); current != nil && o.anomalyCfg.EnableForecast {
		detectors = append(detectors, anomaly.NewForecastResidualDetector(current))
	}

	voter := anomaly.NewVoter(o.logger, detectors...)
	voter.SetThreshold(o.anomalyCfg.ConsensusThreshold)
	report, err := voter.Run(ctx, window)
	if err != nil {
		return nil, err
	}
	for _, alert := range report.Alerts {
		o.metrics.AnomalyTotal.WithLabelValues(string(alert.Severity)).Inc()
	}
	if err := o.notifier.NotifyAnomalies(ctx, report); err != nil {
		o.logger.Warnw("anomaly notification failed", "error", err)
	}
	return report, nil
}
