package trainer

import (
	"context"
	"time"
)

// RunCycleWithRetry reruns a failed cycle with escalating delays between
// attempts. INSUFFICIENT_DATA is terminal: more attempts will not grow the
// window, so it returns immediately. The last result is returned when every
// attempt fails.
func (o *Orchestrator) RunCycleWithRetry(ctx context.Context, jobID string) (*CycleResult, error) {
	attempts := o.trainCfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var result *CycleResult
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = o.RunCycle(ctx, jobID)
		if err != nil {
			return nil, err
		}
		result.Attempts = attempt
		if result.Status != StatusFailure {
			return result, nil
		}
		if attempt == attempts {
			break
		}

		delay := o.retryDelays[len(o.retryDelays)-1]
		if attempt-1 < len(o.retryDelays) {
			delay = o.retryDelays[attempt-1]
		}
		o.logger.Warnw("retrying retraining cycle",
			"job_id", jobID,
			"attempt", attempt,
			"next_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
	return result, nil
}
