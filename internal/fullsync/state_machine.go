package fullsync

import (
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
)

// EventKind is a full-sync checkpoint transition trigger.
type EventKind string

const (
	// EventStart requests a sync and carries the open issue count.
	EventStart EventKind = "start"
	// EventPageDone reports one fully reconciled page.
	EventPageDone EventKind = "page_done"
)

// Event is one checkpoint transition input.
type Event struct {
	Kind       EventKind
	At         time.Time
	OpenIssues int
}

// StateMachine computes checkpoint transitions.
type StateMachine struct {
	PageSize int
}

// Pages returns ceil(openIssues / page size).
func (m StateMachine) Pages(openIssues int) int {
	pageSize := m.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if openIssues <= 0 {
		return 0
	}
	return (openIssues + pageSize - 1) / pageSize
}

// Apply applies an event to a previous checkpoint and returns the next one.
// Done is terminal and RemainingPages never increases.
func (m StateMachine) Apply(previous domain.FullSyncCheckpoint, event Event) domain.FullSyncCheckpoint {
	next := previous
	if previous.Status == domain.SyncDone {
		return next
	}

	switch event.Kind {
	case EventStart:
		if previous.Status == domain.SyncInProgress {
			return next
		}
		next.Status = domain.SyncInProgress
		next.RemainingPages = m.Pages(event.OpenIssues)
	case EventPageDone:
		if previous.Status != domain.SyncInProgress {
			return next
		}
		next.RemainingPages = max(previous.RemainingPages-1, 0)
	default:
		return next
	}

	if next.RemainingPages == 0 {
		next.Status = domain.SyncDone
	}
	next.UpdatedAt = event.At
	return next
}

// StatusOf returns the status of a possibly missing checkpoint.
func StatusOf(checkpoint domain.FullSyncCheckpoint, found bool) domain.SyncStatus {
	if !found || checkpoint.Status == "" {
		return domain.SyncNotStarted
	}
	return checkpoint.Status
}
