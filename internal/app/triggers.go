package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/fullsync"
	"github.com/cam3ron2/ghactivity/internal/jobs"
	"github.com/cam3ron2/ghactivity/internal/labels"
	"github.com/cam3ron2/ghactivity/internal/reconcile"
	"github.com/cam3ron2/ghactivity/internal/reports"
	"github.com/cam3ron2/ghactivity/internal/store"
)

// ErrThrottled is returned when the per-kind enqueue budget is spent.
var ErrThrottled = errors.New("job enqueue rate limit reached")

// RescanStatus is the immediate answer to a rescan request.
type RescanStatus struct {
	JobID  string `json:"job_id,omitempty"`
	Status string `json:"status"`
}

// RepoSyncStatus is the full-sync progress of one monitored repository.
type RepoSyncStatus struct {
	Repo           string            `json:"repo"`
	Status         domain.SyncStatus `json:"status"`
	RemainingPages int               `json:"remaining_pages"`
	UpdatedAt      *time.Time        `json:"updated_at,omitempty"`
}

// TriggerFullSync queues a detached full sync of repo and returns immediately.
func (r *Runtime) TriggerFullSync(ctx context.Context, repo string) (fullsync.TriggerStatus, error) {
	if len(r.monitored) == 0 {
		return fullsync.TriggerNoMonitoredRepos, nil
	}
	canonical, ok := r.monitoredRepo(repo)
	if !ok {
		return fullsync.TriggerNotMonitored, nil
	}

	_, status, err := r.runner.Checkpoint(ctx, canonical)
	if err != nil {
		return "", err
	}
	if status == domain.SyncDone {
		return fullsync.TriggerDone, nil
	}

	result := r.dispatcher.Enqueue(ctx, jobs.Request{Kind: jobs.KindFullSync, Repo: canonical, Now: r.now()})
	switch {
	case result.Err != nil:
		return "", result.Err
	case result.DroppedByRateLimit:
		return "", ErrThrottled
	case result.DedupSuppressed || status == domain.SyncInProgress:
		return fullsync.TriggerInProgress, nil
	}
	return fullsync.TriggerStarted, nil
}

// TriggerLabelRescan queues a paced label rescan of every stored issue.
func (r *Runtime) TriggerLabelRescan(ctx context.Context) (RescanStatus, error) {
	return r.enqueueRescan(ctx, jobs.Request{Kind: jobs.KindAllIssuesRescan, Now: r.now()})
}

// TriggerIssueRescan queues a label rescan of one issue.
func (r *Runtime) TriggerIssueRescan(ctx context.Context, repo string, number int) (RescanStatus, error) {
	key := domain.IssueKey{Repo: strings.TrimSpace(repo), Number: number}
	if !key.Valid() {
		return RescanStatus{}, fmt.Errorf("issue rescan: repo and positive number are required")
	}
	return r.enqueueRescan(ctx, jobs.Request{Kind: jobs.KindIssueRescan, Repo: key.Repo, Number: key.Number, Now: r.now()})
}

func (r *Runtime) enqueueRescan(ctx context.Context, req jobs.Request) (RescanStatus, error) {
	result := r.dispatcher.Enqueue(ctx, req)
	switch {
	case result.Err != nil:
		return RescanStatus{}, result.Err
	case result.DroppedByRateLimit:
		return RescanStatus{}, ErrThrottled
	case result.DedupSuppressed:
		return RescanStatus{Status: string(fullsync.TriggerInProgress)}, nil
	}
	return RescanStatus{JobID: result.JobID, Status: string(fullsync.TriggerStarted)}, nil
}

// FullSyncStatus reports the checkpoint of every monitored repository.
func (r *Runtime) FullSyncStatus(ctx context.Context) ([]RepoSyncStatus, error) {
	statuses := make([]RepoSyncStatus, 0, len(r.monitored))
	for _, repo := range r.monitored {
		status, err := r.repoSyncStatus(ctx, repo)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// RepoFullSyncStatus reports the checkpoint of one monitored repository.
func (r *Runtime) RepoFullSyncStatus(ctx context.Context, repo string) (RepoSyncStatus, bool, error) {
	canonical, ok := r.monitoredRepo(repo)
	if !ok {
		return RepoSyncStatus{}, false, nil
	}
	status, err := r.repoSyncStatus(ctx, canonical)
	return status, err == nil, err
}

func (r *Runtime) repoSyncStatus(ctx context.Context, repo string) (RepoSyncStatus, error) {
	checkpoint, status, err := r.runner.Checkpoint(ctx, repo)
	if err != nil {
		return RepoSyncStatus{}, err
	}
	result := RepoSyncStatus{Repo: repo, Status: status, RemainingPages: checkpoint.RemainingPages}
	if !checkpoint.UpdatedAt.IsZero() {
		updated := checkpoint.UpdatedAt.UTC()
		result.UpdatedAt = &updated
	}
	return result, nil
}

// Activity counts stored events matching filter.
func (r *Runtime) Activity(ctx context.Context, filter store.EventFilter) (reports.ActivitySummary, error) {
	return reports.Activity(ctx, r.store, filter)
}

// RunFullSync runs the full sync of one monitored repository in the calling goroutine.
func (r *Runtime) RunFullSync(ctx context.Context, repo string) (fullsync.Summary, error) {
	canonical, ok := r.monitoredRepo(repo)
	if !ok {
		return fullsync.Summary{Repo: repo}, fmt.Errorf("full sync: %s is not a monitored repository", repo)
	}
	summary, err := r.runner.Run(ctx, canonical)
	r.metrics.AddReconciled("full_sync", string(reconcile.OutcomeCreated), summary.Created)
	r.metrics.AddReconciled("full_sync", string(reconcile.OutcomeUpdated), summary.Updated)
	return summary, err
}

// RescanLabels replays label events of one issue, or of every stored issue when repo is empty.
func (r *Runtime) RescanLabels(ctx context.Context, repo string, number int) (labels.RescanSummary, error) {
	if strings.TrimSpace(repo) == "" {
		return r.rescanner.RescanAllIssues(ctx)
	}
	replay, err := r.rescanner.RescanIssue(ctx, strings.TrimSpace(repo), number)
	summary := labels.RescanSummary{Sources: 1, Applied: replay.Applied, Skipped: replay.Skipped}
	if err != nil {
		summary.Failures = 1
	}
	return summary, err
}

func (r *Runtime) monitoredRepo(repo string) (string, bool) {
	repo = strings.TrimSpace(repo)
	for _, candidate := range r.monitored {
		if strings.EqualFold(candidate, repo) {
			return candidate, true
		}
	}
	return "", false
}
