// Package store persists events, issues, label timelines, sync checkpoints, actor profiles
// and report records behind one storage interface with memory, Redis and SQL backends.
package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
)

// EventFilter selects events for counting. Zero fields match everything.
type EventFilter struct {
	Since    time.Time
	Until    time.Time
	Repo     string
	Actor    string
	Category domain.Category
}

// EventCounts aggregates events matched by a filter.
type EventCounts struct {
	Total      int
	Commits    int
	ByCategory map[domain.Category]int
	ByRepo     map[string]int
	ByActor    map[string]int
}

// IssueFilter selects issues. An empty Repo matches all repositories and an empty State all states.
type IssueFilter struct {
	Repo  string
	State domain.IssueState
}

// EventStore stores immutable events keyed by external id.
type EventStore interface {
	HasEvent(ctx context.Context, externalID string) (bool, error)
	// CreateEvent inserts the event once; created is false when the id already exists.
	CreateEvent(ctx context.Context, event domain.Event) (created bool, err error)
	CountEvents(ctx context.Context, filter EventFilter) (EventCounts, error)
}

// IssueStore stores issues keyed by (repo, number).
type IssueStore interface {
	GetIssue(ctx context.Context, key domain.IssueKey) (domain.Issue, bool, error)
	PutIssue(ctx context.Context, issue domain.Issue) error
	ListIssues(ctx context.Context, filter IssueFilter) ([]domain.Issue, error)
}

// LabelStore stores label timeline entries keyed by (label, repo, number).
type LabelStore interface {
	GetLabelEntry(ctx context.Context, key domain.LabelKey) (domain.LabelTimelineEntry, bool, error)
	PutLabelEntry(ctx context.Context, key domain.LabelKey, entry domain.LabelTimelineEntry) error
	// ListLabelEntries lists entries of one repository; an empty label lists all labels.
	ListLabelEntries(ctx context.Context, repo, label string) ([]domain.LabelRecord, error)
}

// CheckpointStore stores full-sync checkpoints keyed by repository.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, repo string) (domain.FullSyncCheckpoint, bool, error)
	PutCheckpoint(ctx context.Context, checkpoint domain.FullSyncCheckpoint) error
	ListCheckpoints(ctx context.Context) ([]domain.FullSyncCheckpoint, error)
}

// ProfileStore caches actor profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, login string) (domain.ActorProfile, bool, error)
	PutProfile(ctx context.Context, profile domain.ActorProfile) error
}

// RecordStore appends periodic report records.
type RecordStore interface {
	AppendRecord(ctx context.Context, record domain.Record) error
	// ListRecords returns the newest records first, at most limit when limit > 0.
	ListRecords(ctx context.Context, kind domain.RecordKind, subject string, limit int) ([]domain.Record, error)
}

// Deduper acquires short-lived dedup locks.
type Deduper interface {
	Acquire(key string, ttl time.Duration, now time.Time) bool
}

// LeaseStore grants renewable single-owner leases.
type LeaseStore interface {
	// TryLease acquires or renews the lease for owner. It fails while another owner holds it.
	TryLease(ctx context.Context, key, owner string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// Store is the complete storage interface.
type Store interface {
	EventStore
	IssueStore
	LabelStore
	CheckpointStore
	ProfileStore
	RecordStore
	Deduper
	LeaseStore
	Ping(ctx context.Context) error
	Close() error
}

func newEventCounts() EventCounts {
	return EventCounts{
		ByCategory: make(map[domain.Category]int),
		ByRepo:     make(map[string]int),
		ByActor:    make(map[string]int),
	}
}

func (c *EventCounts) add(event domain.Event) {
	c.Total++
	c.Commits += event.Commits()
	c.ByCategory[event.Category]++
	c.ByRepo[event.Repo]++
	c.ByActor[event.Actor]++
}

func (f EventFilter) matches(event domain.Event) bool {
	if !f.Since.IsZero() && event.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !event.CreatedAt.Before(f.Until) {
		return false
	}
	if f.Repo != "" && !strings.EqualFold(f.Repo, event.Repo) {
		return false
	}
	if f.Actor != "" && !strings.EqualFold(f.Actor, event.Actor) {
		return false
	}
	if f.Category != "" && f.Category != event.Category {
		return false
	}
	return true
}

func (f IssueFilter) matches(issue domain.Issue) bool {
	if f.Repo != "" && f.Repo != issue.Repo {
		return false
	}
	if f.State != "" && f.State != issue.State {
		return false
	}
	return true
}

func sortIssues(issues []domain.Issue) {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Repo != issues[j].Repo {
			return issues[i].Repo < issues[j].Repo
		}
		return issues[i].Number < issues[j].Number
	})
}

func sortLabelRecords(records []domain.LabelRecord) {
	sort.Slice(records, func(i, j int) bool {
		left, right := records[i].Key, records[j].Key
		if left.Label != right.Label {
			return left.Label < right.Label
		}
		return left.Number < right.Number
	})
}

func sortCheckpoints(checkpoints []domain.FullSyncCheckpoint) {
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Repo < checkpoints[j].Repo
	})
}

func newestFirst(records []domain.Record, limit int) []domain.Record {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].RecordedAt.After(records[j].RecordedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

func acquireLock(lockMap map[string]time.Time, key string, ttl time.Duration, now time.Time) bool {
	expiry, exists := lockMap[key]
	if exists && now.Before(expiry) {
		return false
	}
	lockMap[key] = now.Add(ttl)
	return true
}

func trimExpiredLocks(lockMap map[string]time.Time, now time.Time) {
	for key, expiry := range lockMap {
		if !now.Before(expiry) {
			delete(lockMap, key)
		}
	}
}
