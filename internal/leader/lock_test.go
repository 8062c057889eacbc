package leader

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/cam3ron2/ghactivity/internal/store"
	"github.com/stretchr/testify/require"
)

// steppedSleep lets Run loop a fixed number of times before cancelling.
func steppedSleep(steps int, onStep func(int)) func(context.Context, time.Duration) error {
	calls := 0
	return func(context.Context, time.Duration) error {
		calls++
		if onStep != nil {
			onStep(calls)
		}
		if calls >= steps {
			return context.Canceled
		}
		return nil
	}
}

type failingLeases struct {
	err error
}

func (f failingLeases) TryLease(context.Context, string, string, time.Duration, time.Time) (bool, error) {
	return false, f.err
}

func (f failingLeases) ReleaseLease(context.Context, string, string) error {
	return nil
}

func TestNewLockElectorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewLockElector(nil, LockConfig{Identity: "a"})
	require.Error(t, err)

	_, err = NewLockElector(store.NewMemoryStore(), LockConfig{Identity: "  "})
	require.Error(t, err)

	elector, err := NewLockElector(store.NewMemoryStore(), LockConfig{Identity: "a"})
	require.NoError(t, err)
	require.Equal(t, DefaultLeaseKey, elector.key)
	require.Equal(t, 10*time.Second, elector.retryPeriod)
}

func TestLockElectorSingleLeader(t *testing.T) {
	t.Parallel()

	leases := store.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	first, err := NewLockElector(leases, LockConfig{
		Identity:      "replica-a",
		LeaseDuration: time.Minute,
		Now:           clock,
		Sleep:         steppedSleep(2, nil),
	})
	require.NoError(t, err)

	var firstRoles []bool
	require.NoError(t, first.Run(context.Background(), func(isLeader bool) {
		firstRoles = append(firstRoles, isLeader)
	}))
	require.Equal(t, []bool{true, true}, firstRoles)

	// replica-a released the lease on exit, so replica-b takes over.
	second, err := NewLockElector(leases, LockConfig{
		Identity:      "replica-b",
		LeaseDuration: time.Minute,
		Now:           clock,
		Sleep:         steppedSleep(1, nil),
	})
	require.NoError(t, err)

	var secondRoles []bool
	require.NoError(t, second.Run(context.Background(), func(isLeader bool) {
		secondRoles = append(secondRoles, isLeader)
	}))
	require.Equal(t, []bool{true}, secondRoles)
}

func TestLockElectorFollowerUntilExpiry(t *testing.T) {
	t.Parallel()

	leases := store.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	held, err := leases.TryLease(context.Background(), DefaultLeaseKey, "replica-a", time.Minute, now)
	require.NoError(t, err)
	require.True(t, held)

	elector, err := NewLockElector(leases, LockConfig{
		Identity:      "replica-b",
		LeaseDuration: time.Minute,
		Now:           func() time.Time { return now },
		Sleep: steppedSleep(3, func(step int) {
			if step == 1 {
				now = now.Add(2 * time.Minute)
			}
		}),
	})
	require.NoError(t, err)

	var roles []bool
	require.NoError(t, elector.Run(context.Background(), func(isLeader bool) {
		roles = append(roles, isLeader)
	}))
	if !slices.Equal(roles, []bool{false, true, true}) {
		t.Fatalf("roles = %v, want [false true true]", roles)
	}
}

func TestLockElectorGivesUpAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("redis down")
	elector, err := NewLockElector(failingLeases{err: boom}, LockConfig{
		Identity:    "replica-a",
		MaxFailures: 2,
		Sleep:       steppedSleep(10, nil),
	})
	require.NoError(t, err)

	var roles []bool
	err = elector.Run(context.Background(), func(isLeader bool) {
		roles = append(roles, isLeader)
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []bool{false, false}, roles)
}
