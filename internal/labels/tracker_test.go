package labels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/githubapi"
	"github.com/cam3ron2/ghactivity/internal/reconcile"
	"github.com/cam3ron2/ghactivity/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t1 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
	t3 = t1.Add(2 * time.Hour)
)

type failingLabelStore struct {
	store.LabelStore
	err error
}

func (s failingLabelStore) PutLabelEntry(context.Context, domain.LabelKey, domain.LabelTimelineEntry) error {
	return s.err
}

func newTrackerFixture(t *testing.T) (*Tracker, *store.MemoryStore) {
	t.Helper()

	memory := store.NewMemoryStore()
	_, err := reconcile.New(memory).Reconcile(context.Background(), domain.Issue{
		Repo:   "acme/widgets",
		Number: 42,
		State:  domain.StateOpen,
	})
	require.NoError(t, err)
	return NewTracker(memory, reconcile.New(memory)), memory
}

func bugEvent(kind domain.LabelStatus, at time.Time) Event {
	return Event{Repo: "acme/widgets", Number: 42, Label: "bug", Kind: kind, At: at}
}

func TestReplaySortsBeforeRecording(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, memory := newTrackerFixture(t)

	summary, err := tracker.Replay(ctx, []Event{
		bugEvent(domain.LabelStatusLabeled, t1),
		bugEvent(domain.LabelStatusUnlabeled, t3),
		bugEvent(domain.LabelStatusLabeled, t2),
	})
	require.NoError(t, err)
	assert.Equal(t, ReplaySummary{Applied: 3}, summary)

	entry, found, err := memory.GetLabelEntry(ctx, domain.LabelKey{Label: "bug", Repo: "acme/widgets", Number: 42})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.LabelStatusUnlabeled, entry.Status)
	require.NotNil(t, entry.LabeledAt)
	require.NotNil(t, entry.UnlabeledAt)
	assert.True(t, entry.LabeledAt.Equal(t2))
	assert.True(t, entry.UnlabeledAt.Equal(t3))

	issue, _, _ := memory.GetIssue(ctx, domain.IssueKey{Repo: "acme/widgets", Number: 42})
	assert.Empty(t, issue.Labels)
}

func TestReplayIsOrderIndependent(t *testing.T) {
	t.Parallel()

	events := []Event{
		bugEvent(domain.LabelStatusLabeled, t1),
		bugEvent(domain.LabelStatusLabeled, t2),
		bugEvent(domain.LabelStatusUnlabeled, t3),
		{Repo: "acme/widgets", Number: 42, Label: "docs", Kind: domain.LabelStatusLabeled, At: t2},
	}
	permutations := [][]int{
		{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}, {2, 1, 0, 3},
	}

	var want []domain.LabelRecord
	for i, order := range permutations {
		tracker, memory := newTrackerFixture(t)
		shuffled := make([]Event, 0, len(order))
		for _, index := range order {
			shuffled = append(shuffled, events[index])
		}

		_, err := tracker.Replay(context.Background(), shuffled)
		require.NoError(t, err)
		got, err := memory.ListLabelEntries(context.Background(), "acme/widgets", "")
		require.NoError(t, err)
		if i == 0 {
			want = got
			continue
		}
		assert.Equal(t, want, got, "permutation %v", order)
	}
	require.Len(t, want, 2)
}

func TestRecordKeepsOneSlotHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, memory := newTrackerFixture(t)
	t4 := t3.Add(time.Hour)

	_, err := tracker.Replay(ctx, []Event{
		bugEvent(domain.LabelStatusLabeled, t1),
		bugEvent(domain.LabelStatusUnlabeled, t2),
		bugEvent(domain.LabelStatusLabeled, t4),
	})
	require.NoError(t, err)

	entry, _, _ := memory.GetLabelEntry(ctx, domain.LabelKey{Label: "bug", Repo: "acme/widgets", Number: 42})
	assert.Equal(t, domain.LabelStatusLabeled, entry.Status)
	assert.True(t, entry.LabeledAt.Equal(t4))
	assert.True(t, entry.UnlabeledAt.Equal(t2), "previous unlabeled_at is kept")

	issue, _, _ := memory.GetIssue(ctx, domain.IssueKey{Repo: "acme/widgets", Number: 42})
	assert.Equal(t, []string{"bug"}, issue.Labels)
}

func TestRecordClosedAndReopenedUpdateIssueState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker, memory := newTrackerFixture(t)
	key := domain.IssueKey{Repo: "acme/widgets", Number: 42}

	require.NoError(t, tracker.Record(ctx, Event{Repo: "acme/widgets", Number: 42, Kind: domain.LabelStatusClosed, At: t1}))
	issue, _, _ := memory.GetIssue(ctx, key)
	assert.Equal(t, domain.StateClosed, issue.State)

	require.NoError(t, tracker.Record(ctx, Event{Repo: "acme/widgets", Number: 42, Kind: domain.LabelStatusReopened, At: t2}))
	issue, _, _ = memory.GetIssue(ctx, key)
	assert.Equal(t, domain.StateOpen, issue.State)

	records, err := memory.ListLabelEntries(ctx, "acme/widgets", "")
	require.NoError(t, err)
	assert.Empty(t, records, "state events never touch label entries")
}

func TestRecordWithoutKnownIssueStillTracksLabel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	memory := store.NewMemoryStore()
	tracker := NewTracker(memory, reconcile.New(memory))

	require.NoError(t, tracker.Record(ctx, Event{Repo: "acme/widgets", Number: 7, Label: "bug", Kind: domain.LabelStatusLabeled, At: t1}))
	entry, found, _ := memory.GetLabelEntry(ctx, domain.LabelKey{Label: "bug", Repo: "acme/widgets", Number: 7})
	require.True(t, found)
	assert.Equal(t, domain.LabelStatusLabeled, entry.Status)
	_, issueFound, _ := memory.GetIssue(ctx, domain.IssueKey{Repo: "acme/widgets", Number: 7})
	assert.False(t, issueFound)
}

func TestRecordValidation(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(store.NewMemoryStore(), nil)
	testCases := []struct {
		name  string
		event Event
	}{
		{name: "missing_repo", event: Event{Number: 1, Label: "bug", Kind: domain.LabelStatusLabeled}},
		{name: "missing_number", event: Event{Repo: "acme/widgets", Label: "bug", Kind: domain.LabelStatusLabeled}},
		{name: "missing_label", event: Event{Repo: "acme/widgets", Number: 1, Kind: domain.LabelStatusUnlabeled}},
		{name: "unknown_kind", event: Event{Repo: "acme/widgets", Number: 1, Label: "bug", Kind: "assigned"}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Error(t, tracker.Record(context.Background(), tc.event))
		})
	}
}

func TestReplaySkipsInvalidAndStopsOnPersistenceError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	boom := errors.New("write failed")
	tracker := NewTracker(failingLabelStore{LabelStore: store.NewMemoryStore(), err: boom}, nil)

	summary, err := tracker.Replay(ctx, []Event{
		{Repo: "acme/widgets", Number: 1, Kind: domain.LabelStatusLabeled, At: t1},
		bugEvent(domain.LabelStatusLabeled, t2),
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ReplaySummary{Skipped: 1}, summary)
}

func TestSortEventsIsStableAndCopies(t *testing.T) {
	t.Parallel()

	input := []Event{
		{Label: "b", At: t2},
		{Label: "a", At: t1},
		{Label: "c", At: t2},
	}
	got := SortEvents(input)

	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].Label, got[1].Label, got[2].Label})
	assert.Equal(t, "b", input[0].Label)
}

func TestFromIssueEvents(t *testing.T) {
	t.Parallel()

	events := []githubapi.IssueEvent{
		{Event: "labeled", Label: "bug", IssueNumber: 5, CreatedAt: t1},
		{Event: "assigned", IssueNumber: 5, CreatedAt: t1},
		{Event: "closed", IssueNumber: 6, CreatedAt: t2},
		{Event: "unlabeled", Label: "bug", CreatedAt: t3},
	}

	repoWide := FromIssueEvents("acme/widgets", 0, events)
	require.Len(t, repoWide, 3)
	assert.Equal(t, Event{Repo: "acme/widgets", Number: 5, Label: "bug", Kind: domain.LabelStatusLabeled, At: t1}, repoWide[0])
	assert.Equal(t, 6, repoWide[1].Number)
	assert.Equal(t, 0, repoWide[2].Number)

	single := FromIssueEvents("acme/widgets", 42, events)
	for _, event := range single {
		assert.Equal(t, 42, event.Number)
	}
}
