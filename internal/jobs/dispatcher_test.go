package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakePublisher struct {
	messages []Message
	queues   []string
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, queue string, msg Message) error {
	if p.err != nil {
		return p.err
	}
	p.queues = append(p.queues, queue)
	p.messages = append(p.messages, msg)
	return nil
}

type fakeDeduper struct {
	keys map[string]time.Time
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{keys: make(map[string]time.Time)}
}

func (d *fakeDeduper) Acquire(key string, ttl time.Duration, now time.Time) bool {
	expiry, ok := d.keys[key]
	if ok && now.Before(expiry) {
		return false
	}
	d.keys[key] = now.Add(ttl)
	return true
}

func TestDispatcherEnqueue(t *testing.T) {
	t.Parallel()

	baseTime := time.Unix(1739836800, 0)
	config := DispatcherConfig{
		Queue:                       "ghactivity.jobs",
		DedupTTL:                    time.Hour,
		MaxEnqueuesPerKindPerMinute: 2,
	}

	testCases := []struct {
		name           string
		requests       []Request
		wantPublished  int
		wantSuppressed int
		wantDropped    int
	}{
		{
			name: "dedups_same_repo_within_ttl",
			requests: []Request{
				{Kind: KindFullSync, Repo: "acme/widgets", Now: baseTime},
				{Kind: KindFullSync, Repo: "ACME/widgets ", Now: baseTime.Add(10 * time.Second)},
			},
			wantPublished:  1,
			wantSuppressed: 1,
		},
		{
			name: "dedup_expires_after_ttl",
			requests: []Request{
				{Kind: KindFullSync, Repo: "acme/widgets", Now: baseTime},
				{Kind: KindFullSync, Repo: "acme/widgets", Now: baseTime.Add(2 * time.Hour)},
			},
			wantPublished: 2,
		},
		{
			name: "enforces_per_kind_per_minute_limit",
			requests: []Request{
				{Kind: KindIssueRescan, Repo: "acme/widgets", Number: 1, Now: baseTime},
				{Kind: KindIssueRescan, Repo: "acme/widgets", Number: 2, Now: baseTime.Add(10 * time.Second)},
				{Kind: KindIssueRescan, Repo: "acme/widgets", Number: 3, Now: baseTime.Add(20 * time.Second)},
				{Kind: KindIssueRescan, Repo: "acme/widgets", Number: 4, Now: baseTime.Add(70 * time.Second)},
			},
			wantPublished: 3,
			wantDropped:   1,
		},
		{
			name: "limit_isolated_per_kind",
			requests: []Request{
				{Kind: KindFullSync, Repo: "acme/a", Now: baseTime},
				{Kind: KindFullSync, Repo: "acme/b", Now: baseTime},
				{Kind: KindLabelRescan, Now: baseTime},
			},
			wantPublished: 3,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			publisher := &fakePublisher{}
			dispatcher := NewDispatcher(config, publisher, newFakeDeduper())

			suppressed, dropped := 0, 0
			for _, req := range tc.requests {
				result := dispatcher.Enqueue(context.Background(), req)
				if result.DedupSuppressed {
					suppressed++
				}
				if result.DroppedByRateLimit {
					dropped++
				}
				if result.Err != nil {
					t.Fatalf("Enqueue() unexpected error: %v", result.Err)
				}
			}

			if len(publisher.messages) != tc.wantPublished {
				t.Fatalf("published = %d, want %d", len(publisher.messages), tc.wantPublished)
			}
			if suppressed != tc.wantSuppressed {
				t.Fatalf("suppressed = %d, want %d", suppressed, tc.wantSuppressed)
			}
			if dropped != tc.wantDropped {
				t.Fatalf("dropped = %d, want %d", dropped, tc.wantDropped)
			}
			for _, queue := range publisher.queues {
				if queue != config.Queue {
					t.Fatalf("queue = %q, want %q", queue, config.Queue)
				}
			}
		})
	}
}

func TestDispatcherPublishesDecodableJob(t *testing.T) {
	t.Parallel()

	publisher := &fakePublisher{}
	dispatcher := NewDispatcher(DispatcherConfig{Queue: "jobs"}, publisher, nil)
	now := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	result := dispatcher.Enqueue(context.Background(), Request{Kind: KindIssueRescan, Repo: " acme/widgets ", Number: 42, Now: now})
	if !result.Published {
		t.Fatalf("Enqueue().Published = false, want true (err %v)", result.Err)
	}
	if _, err := uuid.Parse(result.JobID); err != nil {
		t.Fatalf("JobID %q is not a uuid: %v", result.JobID, err)
	}

	job, err := DecodeJob(publisher.messages[0])
	if err != nil {
		t.Fatalf("DecodeJob() unexpected error: %v", err)
	}
	want := Job{
		ID:        result.JobID,
		Kind:      KindIssueRescan,
		DedupKey:  "job:issue_rescan:acme/widgets#42",
		Repo:      "acme/widgets",
		Number:    42,
		CreatedAt: now,
	}
	if job != want {
		t.Fatalf("DecodeJob() = %+v, want %+v", job, want)
	}
	if publisher.messages[0].Headers["kind"] != string(KindIssueRescan) {
		t.Fatalf("kind header = %q, want %q", publisher.messages[0].Headers["kind"], KindIssueRescan)
	}
}

func TestDispatcherReportsPublishError(t *testing.T) {
	t.Parallel()

	publishErr := errors.New("queue buffer full")
	dispatcher := NewDispatcher(DispatcherConfig{Queue: "jobs"}, &fakePublisher{err: publishErr}, nil)
	result := dispatcher.Enqueue(context.Background(), Request{Kind: KindLabelRescan, Now: time.Unix(1, 0)})
	if result.Published {
		t.Fatalf("Enqueue().Published = true, want false")
	}
	if !errors.Is(result.Err, publishErr) {
		t.Fatalf("Enqueue().Err = %v, want %v", result.Err, publishErr)
	}
}

func TestDispatcherTrimsPastMinutes(t *testing.T) {
	t.Parallel()

	dispatcher := NewDispatcher(DispatcherConfig{Queue: "jobs", MaxEnqueuesPerKindPerMinute: 100}, &fakePublisher{}, nil)
	base := time.Unix(1739836800, 0)
	for i := 0; i < 5; i++ {
		dispatcher.Enqueue(context.Background(), Request{Kind: KindFullSync, Repo: fmt.Sprintf("acme/r%d", i), Now: base.Add(time.Duration(i) * time.Minute)})
	}
	if got := len(dispatcher.perKindMinute); got != 1 {
		t.Fatalf("tracked minutes = %d, want 1", got)
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		kind   Kind
		repo   string
		number int
		want   string
	}{
		{name: "kind_only", kind: KindLabelRescan, want: "job:label_rescan"},
		{name: "repo", kind: KindFullSync, repo: "Acme/Widgets", want: "job:full_sync:acme/widgets"},
		{name: "issue", kind: KindIssueRescan, repo: "acme/widgets", number: 7, want: "job:issue_rescan:acme/widgets#7"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := DedupKey(tc.kind, tc.repo, tc.number); got != tc.want {
				t.Fatalf("DedupKey() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeJobRejectsInvalidBodies(t *testing.T) {
	t.Parallel()

	for _, body := range []string{"not json", `{"id":"x"}`} {
		if _, err := DecodeJob(Message{ID: "m", Body: []byte(body)}); err == nil {
			t.Fatalf("DecodeJob(%q) expected error, got nil", body)
		}
	}
}
