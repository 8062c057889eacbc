package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWorkerRoutesJobsByKind(t *testing.T) {
	t.Parallel()

	broker := NewBroker(8)
	dispatcher := NewDispatcher(DispatcherConfig{Queue: "jobs"}, broker, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make([]Job, 0)
	done := make(chan struct{})

	worker := NewWorker(broker, "jobs", ConsumerConfig{})
	worker.Handle(KindFullSync, func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job)
		return nil
	})
	worker.Handle(KindLabelRescan, func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job)
		close(done)
		return nil
	})

	now := time.Unix(1739836800, 0)
	for _, req := range []Request{
		{Kind: KindFullSync, Repo: "acme/widgets", Now: now},
		{Kind: KindIssueRescan, Repo: "acme/widgets", Number: 3, Now: now},
		{Kind: KindLabelRescan, Now: now},
	} {
		if result := dispatcher.Enqueue(ctx, req); !result.Published {
			t.Fatalf("Enqueue(%s) not published: %v", req.Kind, result.Err)
		}
	}

	go worker.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for jobs")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("handled jobs = %d, want 2", len(seen))
	}
	if seen[0].Kind != KindFullSync || seen[0].Repo != "acme/widgets" {
		t.Fatalf("first job = %+v, want full_sync acme/widgets", seen[0])
	}
	if seen[1].Kind != KindLabelRescan {
		t.Fatalf("second job kind = %q, want %q", seen[1].Kind, KindLabelRescan)
	}
}

func TestWorkerDeadLettersFailingJobs(t *testing.T) {
	t.Parallel()

	broker := NewBroker(8)
	dispatcher := NewDispatcher(DispatcherConfig{Queue: "jobs"}, broker, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deadLettered := make(chan Message, 1)
	worker := NewWorker(broker, "jobs", ConsumerConfig{
		RetryPolicy:     RetryPolicy{MaxAttempts: 2, Delays: []time.Duration{time.Millisecond}},
		DeadLetterQueue: "jobs.dlq",
		Sleep:           func(context.Context, time.Duration) error { return nil },
		OnDeadLetter: func(msg Message, _ error) {
			deadLettered <- msg
		},
	})
	attempts := 0
	worker.Handle(KindFullSync, func(context.Context, Job) error {
		attempts++
		return errors.New("upstream unavailable")
	})

	if result := dispatcher.Enqueue(ctx, Request{Kind: KindFullSync, Repo: "acme/widgets", Now: time.Unix(1, 0)}); !result.Published {
		t.Fatalf("Enqueue() not published: %v", result.Err)
	}
	go worker.Run(ctx)

	select {
	case msg := <-deadLettered:
		if msg.Attempt != 2 {
			t.Fatalf("dead-letter attempt = %d, want 2", msg.Attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dead letter")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if got := broker.Depth("jobs.dlq"); got != 1 {
		t.Fatalf("Depth(jobs.dlq) = %d, want 1", got)
	}
}

func TestWorkerDropsUnknownAndUndecodableJobs(t *testing.T) {
	t.Parallel()

	worker := NewWorker(NewBroker(1), "jobs", ConsumerConfig{})
	if err := worker.dispatch(context.Background(), Message{ID: "bad", Body: []byte("{")}); err != nil {
		t.Fatalf("dispatch(undecodable) = %v, want nil", err)
	}
	if err := worker.dispatch(context.Background(), Message{ID: "x", Body: []byte(`{"id":"x","kind":"unknown"}`)}); err != nil {
		t.Fatalf("dispatch(unknown kind) = %v, want nil", err)
	}
}
