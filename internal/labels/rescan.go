package labels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/githubapi"
	"github.com/cam3ron2/ghactivity/internal/store"
	"go.uber.org/zap"
)

const (
	defaultIssueDelay = 20 * time.Second
	defaultBatchSize  = 200
	defaultBatchDelay = 2 * time.Minute
)

// ErrFetch marks rescans that failed reading upstream rather than writing storage.
var ErrFetch = errors.New("issue events fetch failed")

// IssueEventSource reads issue event listings.
type IssueEventSource interface {
	RepoIssueEvents(ctx context.Context, repo string) ([]githubapi.IssueEvent, githubapi.CallMetadata, error)
	IssueEvents(ctx context.Context, repo string, number int) ([]githubapi.IssueEvent, githubapi.CallMetadata, error)
}

// RescanConfig paces full rescans to stay under upstream rate limits.
type RescanConfig struct {
	IssueDelay time.Duration
	BatchSize  int
	BatchDelay time.Duration
}

// RescanSummary counts the work of one rescan.
type RescanSummary struct {
	Sources  int
	Applied  int
	Skipped  int
	Failures int
}

func (s *RescanSummary) add(replay ReplaySummary) {
	s.Applied += replay.Applied
	s.Skipped += replay.Skipped
}

// Rescanner drives the tracker from upstream issue events.
type Rescanner struct {
	source  IssueEventSource
	tracker *Tracker
	issues  store.IssueStore
	cfg     RescanConfig
	logger  *zap.Logger
	// Sleep waits between paced calls and returns ctx.Err() when cancelled.
	Sleep func(ctx context.Context, duration time.Duration) error
}

// NewRescanner creates a rescanner.
func NewRescanner(source IssueEventSource, tracker *Tracker, issues store.IssueStore, cfg RescanConfig, logger ...*zap.Logger) *Rescanner {
	if cfg.IssueDelay < 0 {
		cfg.IssueDelay = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}

	resolved := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolved = logger[0]
	}
	return &Rescanner{
		source:  source,
		tracker: tracker,
		issues:  issues,
		cfg:     cfg,
		logger:  resolved,
		Sleep:   sleepContext,
	}
}

// DefaultRescanConfig returns the pacing used when nothing is configured.
func DefaultRescanConfig() RescanConfig {
	return RescanConfig{
		IssueDelay: defaultIssueDelay,
		BatchSize:  defaultBatchSize,
		BatchDelay: defaultBatchDelay,
	}
}

// RescanRepos replays the recent repository-wide issue events of each repository.
// Upstream failures skip the repository; persistence failures stop the scan.
func (r *Rescanner) RescanRepos(ctx context.Context, repos []string) (RescanSummary, error) {
	summary := RescanSummary{}
	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Sources++

		events, _, err := r.source.RepoIssueEvents(ctx, repo)
		if err != nil {
			summary.Failures++
			r.logger.Warn("repository issue events fetch failed", zap.String("repo", repo), zap.Error(err))
			continue
		}

		replay, err := r.tracker.Replay(ctx, FromIssueEvents(repo, 0, events))
		summary.add(replay)
		if err != nil {
			return summary, fmt.Errorf("rescan %s: %w", repo, err)
		}
	}
	return summary, nil
}

// RescanIssue replays the complete event history of one issue.
func (r *Rescanner) RescanIssue(ctx context.Context, repo string, number int) (ReplaySummary, error) {
	key := domain.IssueKey{Repo: repo, Number: number}
	if !key.Valid() {
		return ReplaySummary{}, fmt.Errorf("rescan issue: repo and number are required")
	}

	events, _, err := r.source.IssueEvents(ctx, repo, number)
	if err != nil {
		return ReplaySummary{}, fmt.Errorf("rescan %s: %w: %w", key.Slug(), ErrFetch, err)
	}
	replay, err := r.tracker.Replay(ctx, FromIssueEvents(repo, number, events))
	if err != nil {
		return replay, fmt.Errorf("rescan %s: %w", key.Slug(), err)
	}
	return replay, nil
}

// RescanAllIssues replays the history of every stored issue, pausing between issues and batches.
func (r *Rescanner) RescanAllIssues(ctx context.Context) (RescanSummary, error) {
	issues, err := r.issues.ListIssues(ctx, store.IssueFilter{})
	if err != nil {
		return RescanSummary{}, fmt.Errorf("rescan all issues: %w", err)
	}

	summary := RescanSummary{}
	for start := 0; start < len(issues); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(issues))
		for i, issue := range issues[start:end] {
			if i > 0 {
				if err := r.Sleep(ctx, r.cfg.IssueDelay); err != nil {
					return summary, err
				}
			}
			summary.Sources++

			replay, err := r.RescanIssue(ctx, issue.Repo, issue.Number)
			summary.add(replay)
			if err != nil {
				if !errors.Is(err, ErrFetch) {
					return summary, err
				}
				summary.Failures++
				r.logger.Warn(
					"issue events fetch failed",
					zap.String("repo", issue.Repo),
					zap.Int("issue_number", issue.Number),
					zap.Error(err),
				)
			}
		}

		if end < len(issues) {
			r.logger.Info("label rescan batch done", zap.Int("issues_done", end), zap.Int("issues_total", len(issues)))
			if err := r.Sleep(ctx, r.cfg.BatchDelay); err != nil {
				return summary, err
			}
		}
	}
	return summary, nil
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
