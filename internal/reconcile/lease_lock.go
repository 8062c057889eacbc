package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/store"
)

const (
	defaultIssueLeaseTTL   = 30 * time.Second
	defaultIssueLeaseRetry = 50 * time.Millisecond
	defaultIssueLeaseWait  = 15 * time.Second
)

// LeaseConfig configures the store lease taken around each issue write.
type LeaseConfig struct {
	// Owner identifies this process. It must differ between replicas.
	Owner string
	// TTL bounds how long a crashed holder blocks the issue.
	TTL time.Duration
	// RetryPeriod is the pause between attempts while another replica holds the issue.
	RetryPeriod time.Duration
	// MaxWait gives up on a contended issue.
	MaxWait time.Duration
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
}

type issueLeases struct {
	leases store.LeaseStore
	cfg    LeaseConfig
}

func newIssueLeases(leases store.LeaseStore, cfg LeaseConfig) (*issueLeases, error) {
	if leases == nil {
		return nil, fmt.Errorf("issue lease store is required")
	}
	cfg.Owner = strings.TrimSpace(cfg.Owner)
	if cfg.Owner == "" {
		return nil, fmt.Errorf("issue lease owner is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultIssueLeaseTTL
	}
	if cfg.RetryPeriod <= 0 {
		cfg.RetryPeriod = defaultIssueLeaseRetry
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultIssueLeaseWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &issueLeases{leases: leases, cfg: cfg}, nil
}

func issueLeaseKey(key domain.IssueKey) string {
	return "issue:" + key.Slug()
}

// acquire blocks until this owner holds the issue lease and returns its release function.
func (l *issueLeases) acquire(ctx context.Context, key domain.IssueKey) (func(), error) {
	leaseKey := issueLeaseKey(key)
	deadline := l.cfg.Now().Add(l.cfg.MaxWait)
	for {
		held, err := l.leases.TryLease(ctx, leaseKey, l.cfg.Owner, l.cfg.TTL, l.cfg.Now())
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key.Slug(), err)
		}
		if held {
			return func() {
				_ = l.leases.ReleaseLease(context.WithoutCancel(ctx), leaseKey, l.cfg.Owner)
			}, nil
		}
		if !l.cfg.Now().Before(deadline) {
			return nil, fmt.Errorf("lock %s: held by another replica for %s", key.Slug(), l.cfg.MaxWait)
		}
		if err := l.cfg.Sleep(ctx, l.cfg.RetryPeriod); err != nil {
			return nil, fmt.Errorf("lock %s: %w", key.Slug(), err)
		}
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
