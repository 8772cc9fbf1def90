package main

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/vas_recon/config"
	"github.com/mmdatafocus/vas_recon/workflow"
	"github.com/sirupsen/logrus"
)

const recoveryLockKey = "lock:run-recovery"

// runRecoveryWorker requeues runs that were admitted but never reached a
// worker and fails runs a crashed instance left processing. Consecutive sweep
// errors back off exponentially up to MaxBackoff.
type runRecoveryWorker struct {
	Orchestrator *workflow.Orchestrator
	Requeue      workflow.Requeue
	Logger       *logrus.Logger
	Interval     time.Duration
	MaxBackoff   time.Duration
}

func newRunRecoveryWorker(orch *workflow.Orchestrator, requeue workflow.Requeue, logger *logrus.Logger) *runRecoveryWorker {
	return &runRecoveryWorker{
		Orchestrator: orch,
		Requeue:      requeue,
		Logger:       logger,
		Interval:     config.RecoveryInterval(),
		MaxBackoff:   10 * time.Minute,
	}
}

func (w *runRecoveryWorker) Run(ctx context.Context) {
	if w == nil || w.Orchestrator == nil {
		return
	}
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := w.Interval
		if _, err := w.recoverOnce(ctx); err != nil && ctx.Err() == nil {
			failures++
			wait = recoveryBackoff(failures, w.Interval, w.MaxBackoff)
			if w.Logger != nil {
				w.Logger.WithFields(logrus.Fields{
					"field":    "runRecoveryWorker",
					"failures": failures,
				}).Warn("recovery sweep failed; retrying in " + wait.String() + ": " + err.Error())
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// recoverOnce sweeps once. With Redis configured only one instance sweeps
// per interval; without it every instance sweeps and the run state machine
// keeps the outcome single.
func (w *runRecoveryWorker) recoverOnce(ctx context.Context) (workflow.RecoveryResult, error) {
	// The lock is left to expire so peers skip the rest of this interval.
	if _, err := config.ObtainLock(ctx, recoveryLockKey, w.Interval); errors.Is(err, redislock.ErrNotObtained) {
		return workflow.RecoveryResult{}, nil
	} else if err != nil && w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{"field": "runRecoveryWorker"}).Warn("error obtaining redis lock; sweeping without it: " + err.Error())
	}

	res, err := w.Orchestrator.RecoverOpenRuns(ctx, w.Requeue)
	if err != nil {
		return res, err
	}
	if (res.Failed > 0 || res.Requeued > 0) && w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"field":    "runRecoveryWorker",
			"failed":   res.Failed,
			"requeued": res.Requeued,
		}).Warn("recovered stale runs")
	}
	return res, nil
}

// recoveryBackoff is base * 2^(failures-1), capped at max.
func recoveryBackoff(failures int, base, max time.Duration) time.Duration {
	if failures <= 0 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(failures-1)))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
