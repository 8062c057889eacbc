package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string]domain.Event
	issues      map[domain.IssueKey]domain.Issue
	labels      map[domain.LabelKey]domain.LabelTimelineEntry
	checkpoints map[string]domain.FullSyncCheckpoint
	profiles    map[string]domain.ActorProfile
	records     []domain.Record
	dedupLocks  map[string]time.Time
	leases      map[string]lease
}

// NewMemoryStore creates a memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]domain.Event),
		issues:      make(map[domain.IssueKey]domain.Issue),
		labels:      make(map[domain.LabelKey]domain.LabelTimelineEntry),
		checkpoints: make(map[string]domain.FullSyncCheckpoint),
		profiles:    make(map[string]domain.ActorProfile),
		dedupLocks:  make(map[string]time.Time),
		leases:      make(map[string]lease),
	}
}

// HasEvent reports whether an event with the external id exists.
func (s *MemoryStore) HasEvent(_ context.Context, externalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[externalID]
	return ok, nil
}

// CreateEvent inserts the event once.
func (s *MemoryStore) CreateEvent(_ context.Context, event domain.Event) (bool, error) {
	if strings.TrimSpace(event.ExternalID) == "" {
		return false, fmt.Errorf("event external id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[event.ExternalID]; exists {
		return false, nil
	}
	s.events[event.ExternalID] = cloneEvent(event)
	return true, nil
}

// CountEvents aggregates matching events.
func (s *MemoryStore) CountEvents(_ context.Context, filter EventFilter) (EventCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := newEventCounts()
	for _, event := range s.events {
		if filter.matches(event) {
			counts.add(event)
		}
	}
	return counts, nil
}

// GetIssue reads one issue.
func (s *MemoryStore) GetIssue(_ context.Context, key domain.IssueKey) (domain.Issue, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issue, ok := s.issues[key]
	if !ok {
		return domain.Issue{}, false, nil
	}
	return cloneIssue(issue), true, nil
}

// PutIssue creates or replaces one issue.
func (s *MemoryStore) PutIssue(_ context.Context, issue domain.Issue) error {
	if !issue.Key().Valid() {
		return fmt.Errorf("issue repo and number are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[issue.Key()] = cloneIssue(issue)
	return nil
}

// ListIssues lists issues ordered by repo and number.
func (s *MemoryStore) ListIssues(_ context.Context, filter IssueFilter) ([]domain.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Issue, 0)
	for _, issue := range s.issues {
		if filter.matches(issue) {
			result = append(result, cloneIssue(issue))
		}
	}
	sortIssues(result)
	return result, nil
}

// GetLabelEntry reads one label timeline entry.
func (s *MemoryStore) GetLabelEntry(_ context.Context, key domain.LabelKey) (domain.LabelTimelineEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.labels[key]
	return entry, ok, nil
}

// PutLabelEntry creates or replaces one label timeline entry.
func (s *MemoryStore) PutLabelEntry(_ context.Context, key domain.LabelKey, entry domain.LabelTimelineEntry) error {
	if strings.TrimSpace(key.Label) == "" || !key.Issue().Valid() {
		return fmt.Errorf("label, repo and number are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels[key] = entry
	return nil
}

// ListLabelEntries lists entries of one repository.
func (s *MemoryStore) ListLabelEntries(_ context.Context, repo, label string) ([]domain.LabelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LabelRecord, 0)
	for key, entry := range s.labels {
		if key.Repo != repo {
			continue
		}
		if label != "" && key.Label != label {
			continue
		}
		result = append(result, domain.LabelRecord{Key: key, Entry: entry})
	}
	sortLabelRecords(result)
	return result, nil
}

// GetCheckpoint reads the checkpoint of one repository.
func (s *MemoryStore) GetCheckpoint(_ context.Context, repo string) (domain.FullSyncCheckpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	checkpoint, ok := s.checkpoints[repo]
	return checkpoint, ok, nil
}

// PutCheckpoint creates or replaces a checkpoint.
func (s *MemoryStore) PutCheckpoint(_ context.Context, checkpoint domain.FullSyncCheckpoint) error {
	if strings.TrimSpace(checkpoint.Repo) == "" {
		return fmt.Errorf("checkpoint repo is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.Repo] = checkpoint
	return nil
}

// ListCheckpoints lists all checkpoints ordered by repo.
func (s *MemoryStore) ListCheckpoints(_ context.Context) ([]domain.FullSyncCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.FullSyncCheckpoint, 0, len(s.checkpoints))
	for _, checkpoint := range s.checkpoints {
		result = append(result, checkpoint)
	}
	sortCheckpoints(result)
	return result, nil
}

// GetProfile reads a cached actor profile.
func (s *MemoryStore) GetProfile(_ context.Context, login string) (domain.ActorProfile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[strings.ToLower(login)]
	return profile, ok, nil
}

// PutProfile caches an actor profile.
func (s *MemoryStore) PutProfile(_ context.Context, profile domain.ActorProfile) error {
	if strings.TrimSpace(profile.Login) == "" {
		return fmt.Errorf("profile login is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[strings.ToLower(profile.Login)] = profile
	return nil
}

// AppendRecord appends a report record.
func (s *MemoryStore) AppendRecord(_ context.Context, record domain.Record) error {
	if record.Kind == "" {
		return fmt.Errorf("record kind is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record.Payload = slices.Clone(record.Payload)
	s.records = append(s.records, record)
	return nil
}

// ListRecords lists records of one kind and subject, newest first.
func (s *MemoryStore) ListRecords(_ context.Context, kind domain.RecordKind, subject string, limit int) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Record, 0)
	for _, record := range s.records {
		if record.Kind != kind || (subject != "" && record.Subject != subject) {
			continue
		}
		record.Payload = slices.Clone(record.Payload)
		result = append(result, record)
	}
	return newestFirst(result, limit), nil
}

// Acquire acquires a dedup lock for a key.
func (s *MemoryStore) Acquire(key string, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return acquireLock(s.dedupLocks, key, ttl, now)
}

// TryLease acquires or renews a lease.
func (s *MemoryStore) TryLease(_ context.Context, key, owner string, ttl time.Duration, now time.Time) (bool, error) {
	if strings.TrimSpace(owner) == "" {
		return false, fmt.Errorf("lease owner is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.leases[key]
	if exists && current.owner != owner && now.Before(current.expiresAt) {
		return false, nil
	}
	s.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLease releases a lease held by owner.
func (s *MemoryStore) ReleaseLease(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, exists := s.leases[key]; exists && current.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

// GC deletes expired dedup locks.
func (s *MemoryStore) GC(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trimExpiredLocks(s.dedupLocks, now)
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneEvent(event domain.Event) domain.Event {
	if event.CommitCount != nil {
		count := *event.CommitCount
		event.CommitCount = &count
	}
	return event
}

func cloneIssue(issue domain.Issue) domain.Issue {
	issue.Labels = slices.Clone(issue.Labels)
	return issue
}
