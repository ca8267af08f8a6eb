package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/signrelay/signrelay/queue"
)

// Worker consumes completion jobs from a broker and runs the pipeline for
// each. Run one or more workers when the engine is configured with
// WithBroker.
type Worker struct {
	engine *Engine
	broker queue.Broker
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerOption defines functional options for configuring Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a Worker consuming from broker.
func NewWorker(engine *Engine, broker queue.Broker, options ...WorkerOption) *Worker {
	w := &Worker{
		engine: engine,
		broker: broker,
		logger: slog.Default(),
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Start launches the consume loop. Call Stop to shut it down; Start must
// not be called twice.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop cancels the consume loop and waits for it to exit.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		job, err := w.broker.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrBrokerClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue completion job failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if err := w.engine.ProcessJob(ctx, job); err != nil {
			w.logger.Error("completion job failed",
				"workflow_id", job.WorkflowID, "reason", job.Reason, "error", err)
		}
	}
}
