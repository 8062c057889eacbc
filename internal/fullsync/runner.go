// Package fullsync backfills every open issue of a repository page by page with a persisted checkpoint.
package fullsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/githubapi"
	"github.com/cam3ron2/ghactivity/internal/reconcile"
	"github.com/cam3ron2/ghactivity/internal/store"
	"go.uber.org/zap"
)

// DefaultPageSize is the issues page size and the divisor of the page count.
const DefaultPageSize = 100

// TriggerStatus is the immediate answer to a sync request.
type TriggerStatus string

const (
	// TriggerStarted means a job was queued.
	TriggerStarted TriggerStatus = "started"
	// TriggerInProgress means a job is already running or queued.
	TriggerInProgress TriggerStatus = "in_progress"
	// TriggerDone means the repository was fully synced before.
	TriggerDone TriggerStatus = "done"
	// TriggerNotMonitored means the repository is not in the monitored set.
	TriggerNotMonitored TriggerStatus = "not_monitored"
	// TriggerNoMonitoredRepos means nothing is configured for full capture.
	TriggerNoMonitoredRepos TriggerStatus = "no_monitored_repos"
)

// IssueSource reads pages of open issues, newest first.
type IssueSource interface {
	RepoIssuesPage(ctx context.Context, repo string, page, perPage int) ([]githubapi.IssueObject, githubapi.CallMetadata, error)
}

// OpenIssueCounter reads the number of open issues and pull requests of a repository.
type OpenIssueCounter interface {
	RepoOpenIssueCount(ctx context.Context, repo string) (int, githubapi.CallMetadata, error)
}

// IssueReconciler upserts issues.
type IssueReconciler interface {
	Reconcile(ctx context.Context, issue domain.Issue) (reconcile.Outcome, error)
}

// Summary reports one run.
type Summary struct {
	Repo        string
	Pages       int
	Issues      int
	Created     int
	Updated     int
	AlreadyDone bool
	Checkpoint  domain.FullSyncCheckpoint
}

// Runner executes full syncs. Pages are read from the last page of the newest-first listing down
// to page 1, so the oldest issues are reconciled first.
type Runner struct {
	issues      IssueSource
	counter     OpenIssueCounter
	reconciler  IssueReconciler
	checkpoints store.CheckpointStore
	machine     StateMachine
	logger      *zap.Logger
	// Now returns the checkpoint timestamp.
	Now func() time.Time
	// Observe, when set, receives every persisted checkpoint.
	Observe func(checkpoint domain.FullSyncCheckpoint)
}

// NewRunner creates a runner.
func NewRunner(
	issues IssueSource,
	counter OpenIssueCounter,
	reconciler IssueReconciler,
	checkpoints store.CheckpointStore,
	pageSize int,
	logger ...*zap.Logger,
) *Runner {
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	resolved := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolved = logger[0]
	}
	return &Runner{
		issues:      issues,
		counter:     counter,
		reconciler:  reconciler,
		checkpoints: checkpoints,
		machine:     StateMachine{PageSize: pageSize},
		logger:      resolved,
		Now:         time.Now,
	}
}

// Checkpoint returns the checkpoint of repo and its status, not_started when absent.
func (r *Runner) Checkpoint(ctx context.Context, repo string) (domain.FullSyncCheckpoint, domain.SyncStatus, error) {
	checkpoint, found, err := r.checkpoints.GetCheckpoint(ctx, repo)
	if err != nil {
		return domain.FullSyncCheckpoint{}, "", fmt.Errorf("read checkpoint %s: %w", repo, err)
	}
	return checkpoint, StatusOf(checkpoint, found), nil
}

// Pending lists repositories with an in-progress checkpoint.
func (r *Runner) Pending(ctx context.Context) ([]string, error) {
	checkpoints, err := r.checkpoints.ListCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	repos := make([]string, 0)
	for _, checkpoint := range checkpoints {
		if checkpoint.Status == domain.SyncInProgress {
			repos = append(repos, checkpoint.Repo)
		}
	}
	return repos, nil
}

// Run starts or resumes the sync of repo and walks the remaining pages.
// A done checkpoint makes Run a no-op. A failing page stops the run and keeps the checkpoint,
// so the next run resumes at the same page. Cancellation stops between pages.
func (r *Runner) Run(ctx context.Context, repo string) (Summary, error) {
	repo = strings.TrimSpace(repo)
	summary := Summary{Repo: repo}
	if _, _, ok := githubapi.SplitRepo(repo); !ok {
		return summary, fmt.Errorf("full sync: invalid repository %q", repo)
	}

	checkpoint, status, err := r.Checkpoint(ctx, repo)
	if err != nil {
		return summary, err
	}
	summary.Checkpoint = checkpoint
	if status == domain.SyncDone {
		summary.AlreadyDone = true
		return summary, nil
	}

	if status == domain.SyncNotStarted {
		openIssues, _, err := r.counter.RepoOpenIssueCount(ctx, repo)
		if err != nil {
			return summary, fmt.Errorf("full sync %s: count open issues: %w", repo, err)
		}
		checkpoint = r.machine.Apply(domain.FullSyncCheckpoint{Repo: repo}, Event{
			Kind:       EventStart,
			At:         r.Now().UTC(),
			OpenIssues: openIssues,
		})
		if err := r.persist(ctx, checkpoint); err != nil {
			return summary, err
		}
		summary.Checkpoint = checkpoint
		r.logger.Info(
			"full sync started",
			zap.String("repo", repo),
			zap.Int("open_issues", openIssues),
			zap.Int("pages", checkpoint.RemainingPages),
		)
	}

	for checkpoint.Status == domain.SyncInProgress {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		page := checkpoint.RemainingPages
		items, _, err := r.issues.RepoIssuesPage(ctx, repo, page, r.machine.PageSize)
		if err != nil {
			return summary, fmt.Errorf("full sync %s: page %d: %w", repo, page, err)
		}
		for _, item := range items {
			outcome, err := r.reconciler.Reconcile(ctx, reconcile.FromIssueObject(repo, item))
			if err != nil {
				return summary, fmt.Errorf("full sync %s: page %d: %w", repo, page, err)
			}
			summary.Issues++
			switch outcome {
			case reconcile.OutcomeCreated:
				summary.Created++
			case reconcile.OutcomeUpdated:
				summary.Updated++
			}
		}

		checkpoint = r.machine.Apply(checkpoint, Event{Kind: EventPageDone, At: r.Now().UTC()})
		if err := r.persist(ctx, checkpoint); err != nil {
			return summary, err
		}
		summary.Pages++
		summary.Checkpoint = checkpoint
		r.logger.Debug(
			"full sync page done",
			zap.String("repo", repo),
			zap.Int("page", page),
			zap.Int("issues", len(items)),
			zap.Int("remaining_pages", checkpoint.RemainingPages),
		)
	}

	r.logger.Info(
		"full sync done",
		zap.String("repo", repo),
		zap.Int("pages", summary.Pages),
		zap.Int("issues_created", summary.Created),
		zap.Int("issues_updated", summary.Updated),
	)
	return summary, nil
}

func (r *Runner) persist(ctx context.Context, checkpoint domain.FullSyncCheckpoint) error {
	if err := r.checkpoints.PutCheckpoint(ctx, checkpoint); err != nil {
		return fmt.Errorf("full sync %s: persist checkpoint: %w", checkpoint.Repo, err)
	}
	if r.Observe != nil {
		r.Observe(checkpoint)
	}
	return nil
}
