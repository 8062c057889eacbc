package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// JobHandler runs one job.
type JobHandler func(ctx context.Context, job Job) error

// Consumer reads messages from a named queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, cfg ConsumerConfig, handler Handler)
}

// Worker routes queued jobs to handlers by kind.
type Worker struct {
	consumer Consumer
	queue    string
	cfg      ConsumerConfig
	handlers map[Kind]JobHandler
	logger   *zap.Logger
}

// NewWorker creates a worker over consumer.
func NewWorker(consumer Consumer, queue string, cfg ConsumerConfig, logger ...*zap.Logger) *Worker {
	resolved := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolved = logger[0]
	}
	return &Worker{
		consumer: consumer,
		queue:    queue,
		cfg:      cfg,
		handlers: make(map[Kind]JobHandler),
		logger:   resolved,
	}
}

// Handle registers the handler of a kind. Register handlers before Run.
func (w *Worker) Handle(kind Kind, handler JobHandler) {
	w.handlers[kind] = handler
}

// Run consumes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	cfg := w.cfg
	onDeadLetter := cfg.OnDeadLetter
	cfg.OnDeadLetter = func(msg Message, err error) {
		w.logger.Error("job moved to dead-letter queue", zap.String("job_id", msg.ID), zap.Int("attempt", msg.Attempt), zap.Error(err))
		if onDeadLetter != nil {
			onDeadLetter(msg, err)
		}
	}
	w.consumer.Consume(ctx, w.queue, cfg, w.dispatch)
}

func (w *Worker) dispatch(ctx context.Context, msg Message) error {
	job, err := DecodeJob(msg)
	if err != nil {
		w.logger.Warn("dropping undecodable job", zap.String("job_id", msg.ID), zap.Error(err))
		return nil
	}

	handler, ok := w.handlers[job.Kind]
	if !ok {
		w.logger.Warn("dropping job without handler", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
		return nil
	}

	w.logger.Info(
		"job started",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("repo", job.Repo),
		zap.Int("issue_number", job.Number),
		zap.Int("attempt", msg.Attempt),
	)
	if err := handler(ctx, job); err != nil {
		w.logger.Warn("job failed", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)), zap.Error(err))
		return fmt.Errorf("job %s (%s): %w", job.ID, job.Kind, err)
	}
	w.logger.Info("job finished", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
	return nil
}
