package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingIssueStore struct {
	store.IssueStore
	getErr error
	putErr error
}

func (s failingIssueStore) GetIssue(ctx context.Context, key domain.IssueKey) (domain.Issue, bool, error) {
	if s.getErr != nil {
		return domain.Issue{}, false, s.getErr
	}
	return s.IssueStore.GetIssue(ctx, key)
}

func (s failingIssueStore) PutIssue(ctx context.Context, issue domain.Issue) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.IssueStore.PutIssue(ctx, issue)
}

func firstSighting() domain.Issue {
	return domain.Issue{
		Repo:         "acme/widgets",
		Number:       42,
		Kind:         domain.KindIssue,
		Title:        "Crash on start",
		State:        domain.StateOpen,
		Creator:      "alice",
		CommentCount: 0,
		Labels:       []string{"bug", " ", "bug"},
		CreatedAt:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestReconcileCreatesThenUpdatesMutableFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	issues := store.NewMemoryStore()
	reconciler := New(issues)

	outcome, err := reconciler.Reconcile(ctx, firstSighting())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	later := firstSighting()
	later.Title = "renamed"
	later.Creator = "mallory"
	later.Kind = domain.KindPullRequest
	later.CreatedAt = later.CreatedAt.Add(time.Hour)
	later.State = domain.StateClosed
	later.CommentCount = 3
	later.Labels = []string{"wontfix"}

	outcome, err = reconciler.Reconcile(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	got, found, err := issues.GetIssue(ctx, domain.IssueKey{Repo: "acme/widgets", Number: 42})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Crash on start", got.Title)
	assert.Equal(t, "alice", got.Creator)
	assert.Equal(t, domain.KindIssue, got.Kind)
	assert.True(t, got.CreatedAt.Equal(firstSighting().CreatedAt))
	assert.Equal(t, domain.StateClosed, got.State)
	assert.Equal(t, 3, got.CommentCount)
	assert.Equal(t, []string{"wontfix"}, got.Labels)

	all, err := issues.ListIssues(ctx, store.IssueFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reconciler := New(store.NewMemoryStore())

	_, err := reconciler.Reconcile(ctx, firstSighting())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		outcome, err := reconciler.Reconcile(ctx, firstSighting())
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnchanged, outcome)
	}
}

func TestReconcileDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	issues := store.NewMemoryStore()
	reconciler := New(issues)

	_, err := reconciler.Reconcile(ctx, domain.Issue{Repo: "acme/widgets", Number: 0})
	assert.Error(t, err)

	_, err = reconciler.Reconcile(ctx, domain.Issue{Repo: "acme/widgets", Number: 5})
	require.NoError(t, err)
	got, _, _ := issues.GetIssue(ctx, domain.IssueKey{Repo: "acme/widgets", Number: 5})
	assert.Equal(t, domain.StateOpen, got.State)
	assert.Equal(t, domain.KindIssue, got.Kind)
	assert.Equal(t, []string{}, got.Labels)
}

func TestReconcilePropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	boom := errors.New("disk full")

	_, err := New(failingIssueStore{IssueStore: store.NewMemoryStore(), getErr: boom}).Reconcile(ctx, firstSighting())
	assert.ErrorIs(t, err, boom)

	_, err = New(failingIssueStore{IssueStore: store.NewMemoryStore(), putErr: boom}).Reconcile(ctx, firstSighting())
	assert.ErrorIs(t, err, boom)
}

func TestSetStateAndApplyLabel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	issues := store.NewMemoryStore()
	reconciler := New(issues)
	key := domain.IssueKey{Repo: "acme/widgets", Number: 42}

	outcome, err := reconciler.SetState(ctx, key, domain.StateClosed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome, "unknown issue is not created")
	_, found, _ := issues.GetIssue(ctx, key)
	assert.False(t, found)

	_, err = reconciler.Reconcile(ctx, firstSighting())
	require.NoError(t, err)

	outcome, err = reconciler.SetState(ctx, key, domain.StateClosed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	outcome, err = reconciler.SetState(ctx, key, domain.StateClosed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)

	outcome, err = reconciler.ApplyLabel(ctx, key, "triaged", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	outcome, err = reconciler.ApplyLabel(ctx, key, "bug", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	outcome, err = reconciler.ApplyLabel(ctx, key, "  ", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)

	got, _, _ := issues.GetIssue(ctx, key)
	assert.Equal(t, domain.StateClosed, got.State)
	assert.Equal(t, []string{"triaged"}, got.Labels)
}

func TestReconcileSerializesPerIssue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	issues := store.NewMemoryStore()
	reconciler := New(issues)
	key := domain.IssueKey{Repo: "acme/widgets", Number: 42}
	_, err := reconciler.Reconcile(ctx, firstSighting())
	require.NoError(t, err)

	labels := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, label := range labels {
		label := label
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reconciler.ApplyLabel(ctx, key, label, true)
		}()
	}
	wg.Wait()

	got, _, _ := issues.GetIssue(ctx, key)
	assert.Equal(t, []string{"a", "b", "bug", "c", "d", "e", "f", "g", "h"}, got.Labels)
	assert.Zero(t, reconciler.locks.size())
}

func TestKeyedMutexExcludesSameKey(t *testing.T) {
	t.Parallel()

	var (
		locks   KeyedMutex[string]
		counter int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("k")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Zero(t, locks.size())
}
