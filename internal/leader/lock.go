package leader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/store"
	"go.uber.org/zap"
)

// DefaultLeaseKey is the lease shared by all replicas.
const DefaultLeaseKey = "ghactivity:leader"

// LockConfig configures lease-based election.
type LockConfig struct {
	Key           string
	Identity      string
	LeaseDuration time.Duration
	RetryPeriod   time.Duration
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
	// MaxFailures is the number of consecutive lease errors tolerated
	// before Run gives up. Zero means 3.
	MaxFailures int
}

// LockElector elects a leader by holding a renewable lease in the shared store.
type LockElector struct {
	leases        store.LeaseStore
	key           string
	identity      string
	leaseDuration time.Duration
	retryPeriod   time.Duration
	maxFailures   int
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	logger        *zap.Logger
}

// NewLockElector creates a lease elector.
func NewLockElector(leases store.LeaseStore, cfg LockConfig, logger ...*zap.Logger) (*LockElector, error) {
	if leases == nil {
		return nil, fmt.Errorf("lease store is required")
	}
	identity := strings.TrimSpace(cfg.Identity)
	if identity == "" {
		return nil, fmt.Errorf("elector identity is required")
	}

	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = DefaultLeaseKey
	}
	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}
	retryPeriod := cfg.RetryPeriod
	if retryPeriod <= 0 {
		retryPeriod = leaseDuration / 3
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	sleepFn := cfg.Sleep
	if sleepFn == nil {
		sleepFn = sleepContext
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}

	return &LockElector{
		leases:        leases,
		key:           key,
		identity:      identity,
		leaseDuration: leaseDuration,
		retryPeriod:   retryPeriod,
		maxFailures:   maxFailures,
		now:           nowFn,
		sleep:         sleepFn,
		logger:        baseLogger,
	}, nil
}

// Run acquires or renews the lease every retry period. A lease error makes
// this replica a follower; too many in a row end the loop. The lease is
// released on cancellation.
func (e *LockElector) Run(ctx context.Context, emit func(isLeader bool)) error {
	failures := 0
	for {
		held, err := e.leases.TryLease(ctx, e.key, e.identity, e.leaseDuration, e.now())
		if err != nil {
			failures++
			e.logger.Warn("leader lease attempt failed",
				zap.String("identity", e.identity),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			if failures >= e.maxFailures {
				emit(false)
				return fmt.Errorf("leader lease %s: %w", e.key, err)
			}
			held = false
		} else {
			failures = 0
		}
		emit(held)

		if err := e.sleep(ctx, e.retryPeriod); err != nil {
			e.release(held)
			return nil
		}
	}
}

func (e *LockElector) release(held bool) {
	if !held {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.leases.ReleaseLease(ctx, e.key, e.identity); err != nil {
		e.logger.Warn("release leader lease", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
