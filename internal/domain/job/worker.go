package job

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const workerBatchSize = 50

// Worker polls for active jobs and drives each one a step forward.
// A single worker per deployment is enough; conditional writes in the
// repository keep concurrent workers from double-running a stage.
type Worker struct {
	jobs     Repository
	pipeline *Pipeline
	interval time.Duration
	logger   zerolog.Logger
}

func NewWorker(jobs Repository, pipeline *Pipeline, interval time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Worker{
		jobs:     jobs,
		pipeline: pipeline,
		interval: interval,
		logger:   logger.With().Str("component", "job_worker").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("job worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("job worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	active, err := w.jobs.ListActive(ctx, workerBatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("active job scan failed")
		return
	}

	for _, j := range active {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.pipeline.Advance(ctx, j.ID); err != nil {
			if errors.Is(err, ErrAttemptsExhausted) || errors.Is(err, ErrConflict) {
				continue
			}
			w.logger.Error().Err(err).Str("job_id", j.ID.String()).Msg("job advance failed")
		}
	}
}
