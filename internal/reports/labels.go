// Package reports computes label dwell times, label states, project board snapshots and
// event counts from stored data, and records them as timestamped snapshots.
package reports

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/store"
	"github.com/montanaflynn/stats"
)

// LabelTime is the dwell time of open issues currently carrying every label of a set.
type LabelTime struct {
	Repo          string           `json:"repo"`
	Labels        []string         `json:"labels"`
	Issues        int              `json:"issues"`
	MeanSeconds   int64            `json:"mean_seconds"`
	MedianSeconds int64            `json:"median_seconds"`
	Seconds       map[string]int64 `json:"seconds"`
}

// LabelState lists, per label, the open issues currently carrying it.
type LabelState struct {
	Repo       string              `json:"repo"`
	OpenIssues int                 `json:"open_issues"`
	Labels     map[string][]string `json:"labels"`
}

// LabelData is the storage needed by label reports.
type LabelData interface {
	store.LabelStore
	store.IssueStore
}

// AverageLabelTime measures, for open issues of repo labeled with every label, the time since
// the first label was applied. Mean and median are zero when no issue qualifies.
func AverageLabelTime(ctx context.Context, data LabelData, repo string, labels []string, now time.Time) (LabelTime, error) {
	labels = cleanLabels(labels)
	report := LabelTime{Repo: repo, Labels: labels, Seconds: make(map[string]int64)}
	if len(labels) == 0 {
		return report, fmt.Errorf("average label time %s: at least one label is required", repo)
	}

	open, err := openIssues(ctx, data, repo)
	if err != nil {
		return report, err
	}

	var candidates map[int]time.Time
	for idx, label := range labels {
		records, err := data.ListLabelEntries(ctx, repo, label)
		if err != nil {
			return report, fmt.Errorf("average label time %s: list %q entries: %w", repo, label, err)
		}
		current := make(map[int]time.Time)
		for _, record := range records {
			if record.Entry.Status != domain.LabelStatusLabeled || record.Entry.LabeledAt == nil {
				continue
			}
			if _, isOpen := open[record.Key.Number]; !isOpen {
				continue
			}
			if idx == 0 {
				current[record.Key.Number] = *record.Entry.LabeledAt
			} else if labeledAt, ok := candidates[record.Key.Number]; ok {
				current[record.Key.Number] = labeledAt
			}
		}
		candidates = current
	}

	durations := make(stats.Float64Data, 0, len(candidates))
	for number, labeledAt := range candidates {
		seconds := int64(now.Sub(labeledAt) / time.Second)
		report.Seconds[domain.IssueKey{Repo: repo, Number: number}.Slug()] = seconds
		durations = append(durations, float64(seconds))
	}
	report.Issues = len(durations)
	if report.Issues == 0 {
		return report, nil
	}

	mean, err := stats.Mean(durations)
	if err != nil {
		return report, fmt.Errorf("average label time %s: %w", repo, err)
	}
	median, err := stats.Median(durations)
	if err != nil {
		return report, fmt.Errorf("average label time %s: %w", repo, err)
	}
	report.MeanSeconds = int64(math.Round(mean))
	report.MedianSeconds = int64(math.Round(median))
	return report, nil
}

// RepoLabelState lists, per label, the open issues of repo whose entry status is labeled.
func RepoLabelState(ctx context.Context, data LabelData, repo string) (LabelState, error) {
	state := LabelState{Repo: repo, Labels: make(map[string][]string)}
	open, err := openIssues(ctx, data, repo)
	if err != nil {
		return state, err
	}
	state.OpenIssues = len(open)

	records, err := data.ListLabelEntries(ctx, repo, "")
	if err != nil {
		return state, fmt.Errorf("label state %s: %w", repo, err)
	}
	for _, record := range records {
		if record.Entry.Status != domain.LabelStatusLabeled {
			continue
		}
		if _, isOpen := open[record.Key.Number]; !isOpen {
			continue
		}
		state.Labels[record.Key.Label] = append(state.Labels[record.Key.Label], record.Key.Issue().Slug())
	}
	for label := range state.Labels {
		slices.Sort(state.Labels[label])
	}
	return state, nil
}

func openIssues(ctx context.Context, data store.IssueStore, repo string) (map[int]struct{}, error) {
	if strings.TrimSpace(repo) == "" {
		return nil, errors.New("repository is required")
	}
	issues, err := data.ListIssues(ctx, store.IssueFilter{Repo: repo, State: domain.StateOpen})
	if err != nil {
		return nil, fmt.Errorf("list open issues %s: %w", repo, err)
	}
	open := make(map[int]struct{}, len(issues))
	for _, issue := range issues {
		open[issue.Number] = struct{}{}
	}
	return open, nil
}

// cleanLabels trims labels and drops blanks and duplicates, keeping order.
func cleanLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		trimmed := strings.TrimSpace(label)
		if trimmed != "" && !slices.Contains(out, trimmed) {
			out = append(out, trimmed)
		}
	}
	return out
}
