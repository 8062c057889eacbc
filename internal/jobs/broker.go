package jobs

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Message is a queue payload with retry metadata.
type Message struct {
	ID        string
	Body      []byte
	Headers   map[string]string
	CreatedAt time.Time
	Attempt   int
}

// RetryPolicy controls redelivery of failed messages.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// NextDelay returns the retry delay after the given attempt, or false when no retry remains.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if len(p.Delays) == 0 {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}

	idx := min(attempt-1, len(p.Delays)-1)
	return p.Delays[idx], true
}

// ConsumerConfig controls consumer behavior.
type ConsumerConfig struct {
	MaxMessageAge   time.Duration
	RetryPolicy     RetryPolicy
	DeadLetterQueue string
	Now             func() time.Time
	Sleep           func(ctx context.Context, d time.Duration) error
	// OnDeadLetter, when set, is called for every message moved to the dead-letter queue.
	OnDeadLetter func(msg Message, err error)
}

// Handler processes one message.
type Handler func(ctx context.Context, msg Message) error

// Broker is a named-queue in-process broker.
type Broker struct {
	mu     sync.RWMutex
	buffer int
	queues map[string]chan Message
}

// NewBroker creates a broker whose queues hold up to buffer messages each.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broker{
		buffer: buffer,
		queues: make(map[string]chan Message),
	}
}

// Publish writes one message to the named queue without blocking.
func (b *Broker) Publish(_ context.Context, queue string, msg Message) error {
	if b == nil {
		return fmt.Errorf("queue broker is nil")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	select {
	case b.ensureQueue(queue) <- cloneMessage(msg):
		return nil
	default:
		return fmt.Errorf("queue %s buffer full", queue)
	}
}

// Consume processes messages from the named queue one at a time until ctx is done.
// Failed messages are retried per the policy and then moved to the dead-letter queue.
func (b *Broker) Consume(ctx context.Context, queue string, cfg ConsumerConfig, handler Handler) {
	if b == nil || handler == nil {
		return
	}

	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	sleepFn := cfg.Sleep
	if sleepFn == nil {
		sleepFn = sleepContext
	}

	queueChan := b.ensureQueue(queue)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queueChan:
			if ShouldDropMessageByAge(msg, nowFn(), cfg.MaxMessageAge) {
				continue
			}
			if msg.Attempt <= 0 {
				msg.Attempt = 1
			}

			err := handler(ctx, cloneMessage(msg))
			if err == nil {
				continue
			}

			if delay, retry := cfg.RetryPolicy.NextDelay(msg.Attempt); retry {
				if sleepErr := sleepFn(ctx, delay); sleepErr != nil {
					return
				}
				retryMessage := cloneMessage(msg)
				retryMessage.Attempt++
				if b.Publish(ctx, queue, retryMessage) == nil {
					continue
				}
			}

			if cfg.DeadLetterQueue == "" {
				continue
			}
			dead := deadLetter(msg, queue, err, nowFn())
			if b.Publish(ctx, cfg.DeadLetterQueue, dead) == nil && cfg.OnDeadLetter != nil {
				cfg.OnDeadLetter(dead, err)
			}
		}
	}
}

// Depth returns the queued message count of one queue.
func (b *Broker) Depth(queue string) int {
	if b == nil || queue == "" {
		return 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	queueChan, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return len(queueChan)
}

// ShouldDropMessageByAge returns true when message age exceeds max age.
func ShouldDropMessageByAge(msg Message, now time.Time, maxAge time.Duration) bool {
	if msg.CreatedAt.IsZero() || maxAge <= 0 {
		return false
	}
	return now.Sub(msg.CreatedAt) > maxAge
}

func (b *Broker) ensureQueue(queue string) chan Message {
	b.mu.RLock()
	queueChan, ok := b.queues[queue]
	b.mu.RUnlock()
	if ok {
		return queueChan
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	queueChan, ok = b.queues[queue]
	if ok {
		return queueChan
	}
	queueChan = make(chan Message, b.buffer)
	b.queues[queue] = queueChan
	return queueChan
}

func cloneMessage(msg Message) Message {
	cloned := msg
	cloned.Headers = maps.Clone(msg.Headers)
	if msg.Body != nil {
		cloned.Body = append([]byte(nil), msg.Body...)
	}
	return cloned
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
