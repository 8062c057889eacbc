// Package labels records per-(label, issue) labeling episodes and replays issue event histories.
package labels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/githubapi"
	"github.com/cam3ron2/ghactivity/internal/reconcile"
	"github.com/cam3ron2/ghactivity/internal/store"
	"go.uber.org/zap"
)

// Event is one labeled, unlabeled, closed or reopened sub-event of an issue.
type Event struct {
	Repo   string
	Number int
	Label  string
	Kind   domain.LabelStatus
	At     time.Time
}

// IssueUpdater applies state and label changes to stored issues.
type IssueUpdater interface {
	SetState(ctx context.Context, key domain.IssueKey, state domain.IssueState) (reconcile.Outcome, error)
	ApplyLabel(ctx context.Context, key domain.IssueKey, label string, present bool) (reconcile.Outcome, error)
}

// ReplaySummary counts what a replay did.
type ReplaySummary struct {
	Applied int
	Skipped int
}

// Tracker keeps the latest labeling episode per (label, repo, number).
//
// Only one labeled_at and one unlabeled_at slot exist: a re-label after an unlabel moves
// labeled_at forward and keeps the older unlabeled_at until the next unlabel.
type Tracker struct {
	labels store.LabelStore
	issues IssueUpdater
	locks  reconcile.KeyedMutex[domain.LabelKey]
	logger *zap.Logger
}

// NewTracker creates a tracker. issues may be nil when stored issues should not be touched.
func NewTracker(labels store.LabelStore, issues IssueUpdater, logger ...*zap.Logger) *Tracker {
	resolved := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolved = logger[0]
	}
	return &Tracker{labels: labels, issues: issues, logger: resolved}
}

// Record applies one sub-event. Callers replaying several events must order them first; see Replay.
func (t *Tracker) Record(ctx context.Context, event Event) error {
	key := domain.IssueKey{Repo: strings.TrimSpace(event.Repo), Number: event.Number}
	if !key.Valid() {
		return fmt.Errorf("record label event: issue repo and number are required")
	}

	switch event.Kind {
	case domain.LabelStatusClosed, domain.LabelStatusReopened:
		if t.issues == nil {
			return nil
		}
		state := domain.StateClosed
		if event.Kind == domain.LabelStatusReopened {
			state = domain.StateOpen
		}
		if _, err := t.issues.SetState(ctx, key, state); err != nil {
			return fmt.Errorf("record %s on %s: %w", event.Kind, key.Slug(), err)
		}
		return nil
	case domain.LabelStatusLabeled, domain.LabelStatusUnlabeled:
	default:
		return fmt.Errorf("record label event: unsupported kind %q", event.Kind)
	}

	label := strings.TrimSpace(event.Label)
	if label == "" {
		return fmt.Errorf("record %s on %s: label is required", event.Kind, key.Slug())
	}
	labelKey := domain.LabelKey{Label: label, Repo: key.Repo, Number: key.Number}

	if t.issues != nil {
		if _, err := t.issues.ApplyLabel(ctx, key, label, event.Kind == domain.LabelStatusLabeled); err != nil {
			return fmt.Errorf("record %s on %s: %w", event.Kind, key.Slug(), err)
		}
	}

	unlock := t.locks.Lock(labelKey)
	defer unlock()

	entry, _, err := t.labels.GetLabelEntry(ctx, labelKey)
	if err != nil {
		return fmt.Errorf("record %s on %s: %w", event.Kind, key.Slug(), err)
	}

	at := event.At.UTC()
	entry.Status = event.Kind
	if event.Kind == domain.LabelStatusLabeled {
		entry.LabeledAt = &at
	} else {
		entry.UnlabeledAt = &at
	}
	if err := t.labels.PutLabelEntry(ctx, labelKey, entry); err != nil {
		return fmt.Errorf("record %s on %s: %w", event.Kind, key.Slug(), err)
	}
	return nil
}

// Replay sorts a copy of events ascending by time and records them in order.
// Invalid events are skipped; the first persistence error stops the replay.
func (t *Tracker) Replay(ctx context.Context, events []Event) (ReplaySummary, error) {
	ordered := SortEvents(events)

	summary := ReplaySummary{}
	for _, event := range ordered {
		if !isRecordable(event) {
			summary.Skipped++
			t.logger.Debug(
				"skipping label event",
				zap.String("repo", event.Repo),
				zap.Int("issue_number", event.Number),
				zap.String("kind", string(event.Kind)),
			)
			continue
		}
		if err := t.Record(ctx, event); err != nil {
			return summary, err
		}
		summary.Applied++
	}
	return summary, nil
}

// SortEvents returns a copy ordered ascending by time. Equal timestamps keep input order.
func SortEvents(events []Event) []Event {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].At.Before(ordered[j].At)
	})
	return ordered
}

// FromIssueEvents keeps the label and state sub-events of an issue events listing.
// number overrides the issue number of each event when > 0.
func FromIssueEvents(repo string, number int, events []githubapi.IssueEvent) []Event {
	out := make([]Event, 0, len(events))
	for _, event := range events {
		kind := domain.LabelStatus(event.Event)
		switch kind {
		case domain.LabelStatusLabeled, domain.LabelStatusUnlabeled, domain.LabelStatusClosed, domain.LabelStatusReopened:
		default:
			continue
		}
		issueNumber := event.IssueNumber
		if number > 0 {
			issueNumber = number
		}
		out = append(out, Event{
			Repo:   repo,
			Number: issueNumber,
			Label:  event.Label,
			Kind:   kind,
			At:     event.CreatedAt,
		})
	}
	return out
}

func isRecordable(event Event) bool {
	if !(domain.IssueKey{Repo: strings.TrimSpace(event.Repo), Number: event.Number}).Valid() {
		return false
	}
	switch event.Kind {
	case domain.LabelStatusClosed, domain.LabelStatusReopened:
		return true
	case domain.LabelStatusLabeled, domain.LabelStatusUnlabeled:
		return strings.TrimSpace(event.Label) != ""
	default:
		return false
	}
}
