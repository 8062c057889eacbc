// Package leader decides which replica runs the ingestion and report schedulers.
package leader

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Elector emits leadership observations for a single process identity.
type Elector interface {
	Run(ctx context.Context, emit func(isLeader bool)) error
}

// Runner turns an Elector into deduplicated role and error channels.
type Runner struct {
	elector Elector
	logger  *zap.Logger
}

// StaticElector emits a fixed role and then waits for cancellation.
type StaticElector struct {
	IsLeader bool
}

// NewRunner creates a runner. A nil elector makes this replica the leader.
func NewRunner(elector Elector, logger ...*zap.Logger) *Runner {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	if elector == nil {
		elector = StaticElector{IsLeader: true}
	}
	return &Runner{
		elector: elector,
		logger:  baseLogger,
	}
}

// Start observes the elector in the background. Both channels close when
// the elector returns; cancellation is never reported as an error.
func (r *Runner) Start(ctx context.Context) (<-chan bool, <-chan error) {
	roles := make(chan bool, 8)
	errs := make(chan error, 1)

	go func() {
		defer close(roles)
		defer close(errs)

		known := false
		current := false
		emit := func(isLeader bool) {
			if known && current == isLeader {
				return
			}
			known = true
			current = isLeader
			r.logger.Info("role changed", zap.Bool("leader", isLeader))
			select {
			case roles <- isLeader:
			case <-ctx.Done():
			}
		}

		err := r.elector.Run(ctx, emit)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		errs <- err
	}()

	return roles, errs
}

// Run emits the configured role once.
func (e StaticElector) Run(ctx context.Context, emit func(isLeader bool)) error {
	emit(e.IsLeader)
	<-ctx.Done()
	return nil
}
