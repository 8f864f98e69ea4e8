package jobs

import (
	"context"
	"log/slog"

	"driftcast/internal/observability/metrics"
)

// Worker drains the ending queue and runs each job through the handler.
type Worker struct {
	queue   Queue
	handler *Handler
	metrics *metrics.Recorder
	logger  *slog.Logger
}

func NewWorker(queue Queue, handler *Handler, rec *metrics.Recorder, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, handler: handler, metrics: rec, logger: logger}
}

// Run blocks until the context ends, processing jobs as they arrive. Job
// failures are logged and counted; the worker keeps going.
func (w *Worker) Run(ctx context.Context) {
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-sub.Jobs():
			if !ok {
				return
			}
			outcome, err := w.handler.Process(ctx, job)
			if err != nil {
				w.logger.Error("ending job failed", "video", job.VideoID, "session", job.SessionID, "error", err)
				w.metrics.EndingProcessed("error")
				continue
			}
			w.metrics.EndingProcessed(outcome)
			w.logger.Info("ending job processed", "video", job.VideoID, "session", job.SessionID, "outcome", outcome)
		}
	}
}
