// Package reconcile keeps one issue record per (repository, number) across overlapping sightings.
package reconcile

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/store"
	"go.uber.org/zap"
)

// Outcome reports what a reconciliation changed.
type Outcome string

const (
	// OutcomeCreated means the issue was seen for the first time.
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated means mutable fields changed.
	OutcomeUpdated Outcome = "updated"
	// OutcomeUnchanged means the sighting carried nothing new.
	OutcomeUnchanged Outcome = "unchanged"
)

// Reconciler upserts issues. Title, creator, kind and created_at are kept from the first sighting;
// state, labels and comment count follow the latest sighting.
type Reconciler struct {
	issues store.IssueStore
	locks  KeyedMutex[domain.IssueKey]
	leases *issueLeases
	logger *zap.Logger
}

// New creates a reconciler.
func New(issues store.IssueStore, logger ...*zap.Logger) *Reconciler {
	resolved := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolved = logger[0]
	}
	return &Reconciler{issues: issues, logger: resolved}
}

// NewShared creates a reconciler whose writes also hold a per-issue store lease, so replicas
// sharing one store never interleave read-modify-write cycles on the same issue.
func NewShared(issues store.IssueStore, leases store.LeaseStore, cfg LeaseConfig, logger ...*zap.Logger) (*Reconciler, error) {
	issueLeases, err := newIssueLeases(leases, cfg)
	if err != nil {
		return nil, err
	}
	r := New(issues, logger...)
	r.leases = issueLeases
	return r, nil
}

// lock serializes work on key inside this process first, then across replicas.
func (r *Reconciler) lock(ctx context.Context, key domain.IssueKey) (func(), error) {
	unlock := r.locks.Lock(key)
	if r.leases == nil {
		return unlock, nil
	}
	release, err := r.leases.acquire(ctx, key)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

// Reconcile creates the issue on first sighting or updates its mutable fields.
// Replays of the same or older data are safe.
func (r *Reconciler) Reconcile(ctx context.Context, issue domain.Issue) (Outcome, error) {
	key := issue.Key()
	if !key.Valid() {
		return "", fmt.Errorf("reconcile: issue repo and number are required")
	}

	unlock, err := r.lock(ctx, key)
	if err != nil {
		return "", err
	}
	defer unlock()

	existing, found, err := r.issues.GetIssue(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reconcile %s: %w", key.Slug(), err)
	}

	if !found {
		created := issue
		created.Repo = strings.TrimSpace(issue.Repo)
		created.Labels = domain.NormalizeLabels(issue.Labels)
		if created.State == "" {
			created.State = domain.StateOpen
		}
		if created.Kind == "" {
			created.Kind = domain.KindIssue
		}
		if err := r.issues.PutIssue(ctx, created); err != nil {
			return "", fmt.Errorf("reconcile %s: %w", key.Slug(), err)
		}
		r.logger.Debug("issue created", zap.String("repo", key.Repo), zap.Int("issue_number", key.Number))
		return OutcomeCreated, nil
	}

	next := existing
	if issue.State != "" {
		next.State = issue.State
	}
	next.Labels = domain.NormalizeLabels(issue.Labels)
	next.CommentCount = issue.CommentCount
	return r.write(ctx, existing, next)
}

// SetState changes the state of a known issue. Unknown issues are left alone.
func (r *Reconciler) SetState(ctx context.Context, key domain.IssueKey, state domain.IssueState) (Outcome, error) {
	return r.mutate(ctx, key, func(issue *domain.Issue) {
		issue.State = state
	})
}

// ApplyLabel adds or removes one label on a known issue. Unknown issues are left alone.
func (r *Reconciler) ApplyLabel(ctx context.Context, key domain.IssueKey, label string, present bool) (Outcome, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return OutcomeUnchanged, nil
	}
	return r.mutate(ctx, key, func(issue *domain.Issue) {
		labels := slices.DeleteFunc(slices.Clone(issue.Labels), func(existing string) bool {
			return existing == label
		})
		if present {
			labels = append(labels, label)
		}
		issue.Labels = domain.NormalizeLabels(labels)
	})
}

func (r *Reconciler) mutate(ctx context.Context, key domain.IssueKey, change func(*domain.Issue)) (Outcome, error) {
	if !key.Valid() {
		return "", fmt.Errorf("reconcile: issue repo and number are required")
	}

	unlock, err := r.lock(ctx, key)
	if err != nil {
		return "", err
	}
	defer unlock()

	existing, found, err := r.issues.GetIssue(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reconcile %s: %w", key.Slug(), err)
	}
	if !found {
		return OutcomeUnchanged, nil
	}

	next := existing
	next.Labels = slices.Clone(existing.Labels)
	change(&next)
	return r.write(ctx, existing, next)
}

func (r *Reconciler) write(ctx context.Context, existing, next domain.Issue) (Outcome, error) {
	if next.State == existing.State &&
		next.CommentCount == existing.CommentCount &&
		slices.Equal(next.Labels, existing.Labels) {
		return OutcomeUnchanged, nil
	}
	if err := r.issues.PutIssue(ctx, next); err != nil {
		return "", fmt.Errorf("reconcile %s: %w", next.Key().Slug(), err)
	}
	return OutcomeUpdated, nil
}
