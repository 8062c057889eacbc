// Package jobs runs long operations (full syncs and label rescans) detached from the caller
// through a deduplicated, rate-capped in-process queue.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names a job type.
type Kind string

const (
	// KindFullSync backfills every open issue of a repository.
	KindFullSync Kind = "full_sync"
	// KindLabelRescan replays label events of every monitored repository.
	KindLabelRescan Kind = "label_rescan"
	// KindIssueRescan replays the label events of one issue.
	KindIssueRescan Kind = "issue_rescan"
	// KindAllIssuesRescan replays label events of every stored issue with pacing.
	KindAllIssuesRescan Kind = "all_issues_rescan"
)

// Job is the queued payload.
type Job struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	DedupKey  string    `json:"dedup_key"`
	Repo      string    `json:"repo,omitempty"`
	Number    int       `json:"number,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is the enqueue input.
type Request struct {
	Kind   Kind
	Repo   string
	Number int
	Now    time.Time
}

// EnqueueResult reports the enqueue outcome.
type EnqueueResult struct {
	JobID              string
	Published          bool
	DedupSuppressed    bool
	DroppedByRateLimit bool
	Err                error
}

// Publisher publishes queue messages.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg Message) error
}

// Deduper acquires dedup locks.
type Deduper interface {
	Acquire(key string, ttl time.Duration, now time.Time) bool
}

// DispatcherConfig controls dispatcher behavior.
type DispatcherConfig struct {
	Queue                       string
	DedupTTL                    time.Duration
	MaxEnqueuesPerKindPerMinute int
}

type kindMinute struct {
	kind   Kind
	minute int64
}

// Dispatcher deduplicates and rate-limits job enqueueing.
type Dispatcher struct {
	mu            sync.Mutex
	config        DispatcherConfig
	publisher     Publisher
	deduper       Deduper
	perKindMinute map[kindMinute]int
	newID         func() string
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config DispatcherConfig, publisher Publisher, deduper Deduper) *Dispatcher {
	return &Dispatcher{
		config:        config,
		publisher:     publisher,
		deduper:       deduper,
		perKindMinute: make(map[kindMinute]int),
		newID:         uuid.NewString,
	}
}

// DedupKey returns the dedup identity of a request.
func DedupKey(kind Kind, repo string, number int) string {
	key := "job:" + string(kind)
	if repo = strings.ToLower(strings.TrimSpace(repo)); repo != "" {
		key += ":" + repo
	}
	if number > 0 {
		key += fmt.Sprintf("#%d", number)
	}
	return key
}

// Enqueue publishes a job unless an identical one was enqueued within the dedup TTL or the
// per-kind minute budget is spent.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) EnqueueResult {
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	dedupKey := DedupKey(req.Kind, req.Repo, req.Number)
	if d.deduper != nil && !d.deduper.Acquire(dedupKey, d.config.DedupTTL, req.Now) {
		return EnqueueResult{DedupSuppressed: true}
	}

	minuteKey := kindMinute{kind: req.Kind, minute: req.Now.Unix() / 60}
	d.mu.Lock()
	count := d.perKindMinute[minuteKey]
	if d.config.MaxEnqueuesPerKindPerMinute > 0 && count >= d.config.MaxEnqueuesPerKindPerMinute {
		d.mu.Unlock()
		return EnqueueResult{DroppedByRateLimit: true}
	}
	d.perKindMinute[minuteKey] = count + 1
	d.trimMinutes(minuteKey.minute)
	d.mu.Unlock()

	job := Job{
		ID:        d.newID(),
		Kind:      req.Kind,
		DedupKey:  dedupKey,
		Repo:      strings.TrimSpace(req.Repo),
		Number:    req.Number,
		CreatedAt: req.Now.UTC(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return EnqueueResult{JobID: job.ID, Err: fmt.Errorf("encode job: %w", err)}
	}
	msg := Message{
		ID:        job.ID,
		Body:      body,
		Headers:   map[string]string{"kind": string(job.Kind)},
		CreatedAt: job.CreatedAt,
		Attempt:   1,
	}
	if err := d.publisher.Publish(ctx, d.config.Queue, msg); err != nil {
		return EnqueueResult{JobID: job.ID, Err: fmt.Errorf("publish job %s: %w", job.ID, err)}
	}
	return EnqueueResult{JobID: job.ID, Published: true}
}

// trimMinutes drops counters of past minutes. Callers hold mu.
func (d *Dispatcher) trimMinutes(current int64) {
	for key := range d.perKindMinute {
		if key.minute < current {
			delete(d.perKindMinute, key)
		}
	}
}

// DecodeJob decodes a queued job.
func DecodeJob(msg Message) (Job, error) {
	var job Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", msg.ID, err)
	}
	if job.Kind == "" {
		return Job{}, fmt.Errorf("decode job %s: kind is required", msg.ID)
	}
	return job, nil
}
