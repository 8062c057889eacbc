package store

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
)

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{
			name: "memory",
			open: func(_ *testing.T) Store { return NewMemoryStore() },
		},
		{
			name: "redis",
			open: func(t *testing.T) Store {
				store, _ := newRedisStoreForTest(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
				return store
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) Store {
				t.Helper()
				store, err := NewSQLStore(context.Background(), SQLStoreConfig{
					Dialect: DialectSQLite,
					DSN:     filepath.Join(t.TempDir(), "ghactivity.db"),
				})
				if err != nil {
					t.Fatalf("NewSQLStore() unexpected error: %v", err)
				}
				t.Cleanup(func() { _ = store.Close() })
				return store
			},
		},
	}
}

func forEachStore(t *testing.T, run func(t *testing.T, store Store)) {
	t.Helper()
	for _, factory := range storeFactories() {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()
			run(t, factory.open(t))
		})
	}
}

func intPtr(value int) *int {
	return &value
}

func timePtr(value time.Time) *time.Time {
	return &value
}

func TestStoreCreateEventIsIdempotent(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		event := domain.Event{
			ExternalID: "1001",
			Type:       "PushEvent",
			Repo:       "acme/widgets",
			Actor:      "octocat",
			CreatedAt:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			Public:     true,
			Category:   "Pushed a branch",
		}

		created, err := store.CreateEvent(ctx, event)
		if err != nil || !created {
			t.Fatalf("CreateEvent() = %v, %v, want true, nil", created, err)
		}
		created, err = store.CreateEvent(ctx, event)
		if err != nil || created {
			t.Fatalf("CreateEvent() duplicate = %v, %v, want false, nil", created, err)
		}
		exists, err := store.HasEvent(ctx, "1001")
		if err != nil || !exists {
			t.Fatalf("HasEvent() = %v, %v, want true, nil", exists, err)
		}
		exists, _ = store.HasEvent(ctx, "1002")
		if exists {
			t.Fatalf("HasEvent(unknown) = true")
		}
		if _, err := store.CreateEvent(ctx, domain.Event{}); err == nil {
			t.Fatalf("CreateEvent(empty id) expected error")
		}
	})
}

func TestStoreCountEvents(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		events := []domain.Event{
			{ExternalID: "1", Repo: "acme/widgets", Actor: "alice", Category: "Pushed a branch", CommitCount: intPtr(3), CreatedAt: base},
			{ExternalID: "2", Repo: "acme/widgets", Actor: "bob", Category: "Comment", CreatedAt: base.Add(time.Hour)},
			{ExternalID: "3", Repo: "acme/gadgets", Actor: "alice", Category: "Pushed a branch", CommitCount: intPtr(2), CreatedAt: base.Add(2 * time.Hour)},
			{ExternalID: "4", Repo: "acme/gadgets", Actor: "alice", Category: "Comment", CreatedAt: base.Add(48 * time.Hour)},
		}
		for _, event := range events {
			if _, err := store.CreateEvent(ctx, event); err != nil {
				t.Fatalf("CreateEvent(%s) unexpected error: %v", event.ExternalID, err)
			}
		}

		testCases := []struct {
			name        string
			filter      EventFilter
			wantTotal   int
			wantCommits int
		}{
			{name: "all", filter: EventFilter{}, wantTotal: 4, wantCommits: 5},
			{name: "window_until_exclusive", filter: EventFilter{Since: base, Until: base.Add(2 * time.Hour)}, wantTotal: 2, wantCommits: 3},
			{name: "repo_case_insensitive", filter: EventFilter{Repo: "ACME/gadgets"}, wantTotal: 2, wantCommits: 2},
			{name: "actor", filter: EventFilter{Actor: "bob"}, wantTotal: 1},
			{name: "category", filter: EventFilter{Category: "Pushed a branch"}, wantTotal: 2, wantCommits: 5},
			{name: "since_excludes_older", filter: EventFilter{Since: base.Add(24 * time.Hour)}, wantTotal: 1},
		}
		for _, tc := range testCases {
			counts, err := store.CountEvents(ctx, tc.filter)
			if err != nil {
				t.Fatalf("%s: CountEvents() unexpected error: %v", tc.name, err)
			}
			if counts.Total != tc.wantTotal || counts.Commits != tc.wantCommits {
				t.Fatalf("%s: CountEvents() = total %d commits %d, want %d/%d", tc.name, counts.Total, counts.Commits, tc.wantTotal, tc.wantCommits)
			}
		}

		counts, _ := store.CountEvents(ctx, EventFilter{})
		if counts.ByActor["alice"] != 3 || counts.ByRepo["acme/widgets"] != 2 || counts.ByCategory["Comment"] != 2 {
			t.Fatalf("CountEvents() breakdown = %+v", counts)
		}
	})
}

func TestStoreIssueUpsertAndList(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		createdAt := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
		issue := domain.Issue{
			Repo:         "acme/widgets",
			Number:       42,
			Kind:         domain.KindIssue,
			Title:        "Crash on start",
			State:        domain.StateOpen,
			Creator:      "alice",
			CommentCount: 1,
			Labels:       []string{"bug"},
			CreatedAt:    createdAt,
		}
		if err := store.PutIssue(ctx, issue); err != nil {
			t.Fatalf("PutIssue() unexpected error: %v", err)
		}

		issue.State = domain.StateClosed
		issue.Labels = []string{"bug", "triaged"}
		if err := store.PutIssue(ctx, issue); err != nil {
			t.Fatalf("PutIssue() update unexpected error: %v", err)
		}
		if err := store.PutIssue(ctx, domain.Issue{Repo: "acme/widgets", Number: 7, State: domain.StateOpen, CreatedAt: createdAt}); err != nil {
			t.Fatalf("PutIssue() second unexpected error: %v", err)
		}
		if err := store.PutIssue(ctx, domain.Issue{Repo: "acme/gadgets", Number: 1, State: domain.StateOpen, CreatedAt: createdAt}); err != nil {
			t.Fatalf("PutIssue() other repo unexpected error: %v", err)
		}
		if err := store.PutIssue(ctx, domain.Issue{Repo: "acme/widgets"}); err == nil {
			t.Fatalf("PutIssue(number 0) expected error")
		}

		got, found, err := store.GetIssue(ctx, domain.IssueKey{Repo: "acme/widgets", Number: 42})
		if err != nil || !found {
			t.Fatalf("GetIssue() = found %v, err %v", found, err)
		}
		if got.State != domain.StateClosed || !slices.Equal(got.Labels, []string{"bug", "triaged"}) {
			t.Fatalf("GetIssue() = %+v", got)
		}
		if got.Title != "Crash on start" || got.Creator != "alice" || !got.CreatedAt.Equal(createdAt) {
			t.Fatalf("GetIssue() immutable fields = %+v", got)
		}
		_, found, _ = store.GetIssue(ctx, domain.IssueKey{Repo: "acme/widgets", Number: 999})
		if found {
			t.Fatalf("GetIssue(unknown) found = true")
		}

		all, err := store.ListIssues(ctx, IssueFilter{})
		if err != nil || len(all) != 3 {
			t.Fatalf("ListIssues() = %d issues, err %v, want 3", len(all), err)
		}
		if all[0].Repo != "acme/gadgets" || all[1].Number != 7 || all[2].Number != 42 {
			t.Fatalf("ListIssues() order = %+v", all)
		}
		open, _ := store.ListIssues(ctx, IssueFilter{Repo: "acme/widgets", State: domain.StateOpen})
		if len(open) != 1 || open[0].Number != 7 {
			t.Fatalf("ListIssues(open widgets) = %+v", open)
		}
	})
}

func TestStoreLabelEntries(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		t1 := time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)
		t2 := t1.Add(time.Hour)
		bug := domain.LabelKey{Label: "bug", Repo: "acme/widgets", Number: 42}

		entry := domain.LabelTimelineEntry{Status: domain.LabelStatusLabeled, LabeledAt: timePtr(t1)}
		if err := store.PutLabelEntry(ctx, bug, entry); err != nil {
			t.Fatalf("PutLabelEntry() unexpected error: %v", err)
		}
		entry.Status = domain.LabelStatusUnlabeled
		entry.UnlabeledAt = timePtr(t2)
		if err := store.PutLabelEntry(ctx, bug, entry); err != nil {
			t.Fatalf("PutLabelEntry() overwrite unexpected error: %v", err)
		}
		if err := store.PutLabelEntry(ctx, domain.LabelKey{Label: "docs", Repo: "acme/widgets", Number: 3}, domain.LabelTimelineEntry{Status: domain.LabelStatusLabeled, LabeledAt: timePtr(t2)}); err != nil {
			t.Fatalf("PutLabelEntry() docs unexpected error: %v", err)
		}
		if err := store.PutLabelEntry(ctx, domain.LabelKey{Repo: "acme/widgets", Number: 3}, entry); err == nil {
			t.Fatalf("PutLabelEntry(empty label) expected error")
		}

		got, found, err := store.GetLabelEntry(ctx, bug)
		if err != nil || !found {
			t.Fatalf("GetLabelEntry() = found %v, err %v", found, err)
		}
		if got.Status != domain.LabelStatusUnlabeled || got.LabeledAt == nil || !got.LabeledAt.Equal(t1) || got.UnlabeledAt == nil || !got.UnlabeledAt.Equal(t2) {
			t.Fatalf("GetLabelEntry() = %+v", got)
		}

		records, err := store.ListLabelEntries(ctx, "acme/widgets", "")
		if err != nil || len(records) != 2 {
			t.Fatalf("ListLabelEntries() = %d, err %v, want 2", len(records), err)
		}
		if records[0].Key != bug || records[1].Key.Label != "docs" {
			t.Fatalf("ListLabelEntries() order = %+v", records)
		}
		if records[1].Entry.UnlabeledAt != nil {
			t.Fatalf("ListLabelEntries() docs unlabeled_at = %v, want nil", records[1].Entry.UnlabeledAt)
		}
		onlyDocs, _ := store.ListLabelEntries(ctx, "acme/widgets", "docs")
		if len(onlyDocs) != 1 {
			t.Fatalf("ListLabelEntries(docs) = %+v", onlyDocs)
		}
		other, _ := store.ListLabelEntries(ctx, "acme/gadgets", "")
		if len(other) != 0 {
			t.Fatalf("ListLabelEntries(other repo) = %+v", other)
		}
	})
}

func TestStoreCheckpointsAndProfiles(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

		if _, found, _ := store.GetCheckpoint(ctx, "acme/widgets"); found {
			t.Fatalf("GetCheckpoint() found before write")
		}
		for _, checkpoint := range []domain.FullSyncCheckpoint{
			{Repo: "acme/widgets", Status: domain.SyncInProgress, RemainingPages: 3, UpdatedAt: now},
			{Repo: "acme/widgets", Status: domain.SyncInProgress, RemainingPages: 2, UpdatedAt: now.Add(time.Minute)},
			{Repo: "acme/gadgets", Status: domain.SyncDone, UpdatedAt: now},
		} {
			if err := store.PutCheckpoint(ctx, checkpoint); err != nil {
				t.Fatalf("PutCheckpoint() unexpected error: %v", err)
			}
		}
		got, found, err := store.GetCheckpoint(ctx, "acme/widgets")
		if err != nil || !found || got.RemainingPages != 2 || got.Status != domain.SyncInProgress {
			t.Fatalf("GetCheckpoint() = %+v, %v, %v", got, found, err)
		}
		list, _ := store.ListCheckpoints(ctx)
		if len(list) != 2 || list[0].Repo != "acme/gadgets" {
			t.Fatalf("ListCheckpoints() = %+v", list)
		}

		profile := domain.ActorProfile{Login: "OctoCat", Name: "The Octocat", Bio: "hi", IsEmployee: true, FetchedAt: now}
		if err := store.PutProfile(ctx, profile); err != nil {
			t.Fatalf("PutProfile() unexpected error: %v", err)
		}
		gotProfile, found, err := store.GetProfile(ctx, "octocat")
		if err != nil || !found || gotProfile.Name != "The Octocat" || !gotProfile.IsEmployee || gotProfile.Bio != "hi" {
			t.Fatalf("GetProfile() = %+v, %v, %v", gotProfile, found, err)
		}
		if err := store.PutProfile(ctx, domain.ActorProfile{}); err == nil {
			t.Fatalf("PutProfile(empty login) expected error")
		}
	})
}

func TestStoreRecordsNewestFirst(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		for day := 0; day < 3; day++ {
			record := domain.Record{
				Kind:       domain.RecordAverageLabelTime,
				Subject:    "acme/widgets",
				RecordedAt: base.Add(time.Duration(day) * 24 * time.Hour),
				Payload:    []byte(`{"day":` + string(rune('0'+day)) + `}`),
			}
			if err := store.AppendRecord(ctx, record); err != nil {
				t.Fatalf("AppendRecord() unexpected error: %v", err)
			}
		}
		if err := store.AppendRecord(ctx, domain.Record{Kind: domain.RecordProjectStats, Subject: "acme/board", RecordedAt: base, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("AppendRecord() project unexpected error: %v", err)
		}

		records, err := store.ListRecords(ctx, domain.RecordAverageLabelTime, "acme/widgets", 2)
		if err != nil || len(records) != 2 {
			t.Fatalf("ListRecords() = %d, err %v, want 2", len(records), err)
		}
		if string(records[0].Payload) != `{"day":2}` || string(records[1].Payload) != `{"day":1}` {
			t.Fatalf("ListRecords() order = %s, %s", records[0].Payload, records[1].Payload)
		}
		all, _ := store.ListRecords(ctx, domain.RecordProjectStats, "", 0)
		if len(all) != 1 || all[0].Subject != "acme/board" {
			t.Fatalf("ListRecords(project) = %+v", all)
		}
	})
}

func TestStoreLeasesAndDedup(t *testing.T) {
	t.Parallel()

	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

		acquired, err := store.TryLease(ctx, "scheduler", "pod-a", time.Minute, now)
		if err != nil || !acquired {
			t.Fatalf("TryLease(pod-a) = %v, %v", acquired, err)
		}
		if acquired, _ := store.TryLease(ctx, "scheduler", "pod-b", time.Minute, now); acquired {
			t.Fatalf("TryLease(pod-b) = true while held")
		}
		if acquired, _ := store.TryLease(ctx, "scheduler", "pod-a", time.Minute, now); !acquired {
			t.Fatalf("TryLease(pod-a) renew = false")
		}
		if err := store.ReleaseLease(ctx, "scheduler", "pod-b"); err != nil {
			t.Fatalf("ReleaseLease(not owner) unexpected error: %v", err)
		}
		if acquired, _ := store.TryLease(ctx, "scheduler", "pod-b", time.Minute, now); acquired {
			t.Fatalf("TryLease(pod-b) = true after foreign release")
		}
		if err := store.ReleaseLease(ctx, "scheduler", "pod-a"); err != nil {
			t.Fatalf("ReleaseLease() unexpected error: %v", err)
		}
		if acquired, _ := store.TryLease(ctx, "scheduler", "pod-b", time.Minute, now); !acquired {
			t.Fatalf("TryLease(pod-b) = false after release")
		}
		if _, err := store.TryLease(ctx, "scheduler", " ", time.Minute, now); err == nil {
			t.Fatalf("TryLease(empty owner) expected error")
		}

		if !store.Acquire("job:full_sync:acme/widgets", time.Minute, now) {
			t.Fatalf("Acquire() first = false")
		}
		if store.Acquire("job:full_sync:acme/widgets", time.Minute, now) {
			t.Fatalf("Acquire() duplicate = true")
		}
		if !store.Acquire("job:full_sync:acme/widgets", 0, now) {
			t.Fatalf("Acquire() with zero ttl = false")
		}
		if err := store.Ping(ctx); err != nil {
			t.Fatalf("Ping() unexpected error: %v", err)
		}
	})
}

func TestMemoryAndSQLLeaseExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, factory := range storeFactories() {
		if factory.name == "redis" {
			continue
		}
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()
			store := factory.open(t)

			if acquired, _ := store.TryLease(ctx, "scheduler", "pod-a", 10*time.Second, now); !acquired {
				t.Fatalf("TryLease(pod-a) = false")
			}
			if acquired, _ := store.TryLease(ctx, "scheduler", "pod-b", 10*time.Second, now.Add(9*time.Second)); acquired {
				t.Fatalf("TryLease(pod-b) = true before expiry")
			}
			if acquired, _ := store.TryLease(ctx, "scheduler", "pod-b", 10*time.Second, now.Add(10*time.Second)); !acquired {
				t.Fatalf("TryLease(pod-b) = false at expiry")
			}

			if !store.Acquire("k", time.Second, now) {
				t.Fatalf("Acquire() first = false")
			}
			if !store.Acquire("k", time.Second, now.Add(time.Second)) {
				t.Fatalf("Acquire() after ttl = false")
			}
		})
	}
}

func TestMemoryStoreGC(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	now := time.Unix(1714564800, 0)
	store.Acquire("a", time.Second, now)
	store.Acquire("b", time.Hour, now)
	store.GC(now.Add(time.Minute))

	if _, exists := store.dedupLocks["a"]; exists {
		t.Fatalf("GC() kept expired lock")
	}
	if _, exists := store.dedupLocks["b"]; !exists {
		t.Fatalf("GC() removed live lock")
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	labels := []string{"bug"}
	if err := store.PutIssue(ctx, domain.Issue{Repo: "acme/widgets", Number: 1, Labels: labels}); err != nil {
		t.Fatalf("PutIssue() unexpected error: %v", err)
	}
	labels[0] = "mutated"

	got, _, _ := store.GetIssue(ctx, domain.IssueKey{Repo: "acme/widgets", Number: 1})
	if got.Labels[0] != "bug" {
		t.Fatalf("GetIssue() labels = %v, want stored copy", got.Labels)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		dialect string
		query   string
		want    string
	}{
		{name: "sqlite_unchanged", dialect: DialectSQLite, query: "SELECT 1 WHERE a = ? AND b = ?", want: "SELECT 1 WHERE a = ? AND b = ?"},
		{name: "postgres_numbered", dialect: DialectPostgres, query: "SELECT 1 WHERE a = ? AND b = ?", want: "SELECT 1 WHERE a = $1 AND b = $2"},
		{name: "postgres_no_args", dialect: DialectPostgres, query: "SELECT 1", want: "SELECT 1"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := rebind(tc.dialect, tc.query); got != tc.want {
				t.Fatalf("rebind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewSQLStoreRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewSQLStore(context.Background(), SQLStoreConfig{Dialect: "oracle", DSN: "x"}); err == nil {
		t.Fatalf("NewSQLStore(unknown dialect) expected error")
	}
	if _, err := NewSQLStore(context.Background(), SQLStoreConfig{Dialect: DialectSQLite}); err == nil {
		t.Fatalf("NewSQLStore(empty dsn) expected error")
	}
}
