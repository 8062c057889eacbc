package jobs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	headerKind           = "kind"
	headerAttempt        = "attempt"
	headerCreatedAt      = "created_at"
	headerLastError      = "last_error"
	headerDeadLetterFrom = "dead_letter_from"
	headerFailedAt       = "failed_at"

	rabbitPersistent = 2
)

// Queue is a job transport shared by the dispatcher and the worker.
type Queue interface {
	Publisher
	Consumer
	Depth(queue string) int
}

// RabbitMQConfig configures the RabbitMQ management API transport.
type RabbitMQConfig struct {
	ManagementURL string
	VHost         string
	Exchange      string
	Username      string
	//nolint:gosec // Password is required for RabbitMQ basic auth.
	Password     string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Now          func() time.Time
	Logger       *zap.Logger
}

// RabbitMQBroker carries jobs through a direct exchange over the RabbitMQ management HTTP
// API. Every replica polls the same durable queue, so a job triggered on one replica runs on
// whichever worker fetches it first.
type RabbitMQBroker struct {
	api          rabbitAPI
	exchange     string
	pollInterval time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// rabbitAPI issues authenticated management API calls under one vhost.
type rabbitAPI struct {
	baseURL    string
	vhost      string
	username   string
	password   string
	httpClient *http.Client
}

// rabbitProperties are the AMQP basic properties sent with each job. The job id and kind
// travel as message_id and type so they show up in the management UI.
type rabbitProperties struct {
	MessageID    string            `json:"message_id,omitempty"`
	Type         string            `json:"type,omitempty"`
	Timestamp    int64             `json:"timestamp,omitempty"`
	DeliveryMode int               `json:"delivery_mode,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	Headers      map[string]string `json:"headers"`
}

type rabbitPublishRequest struct {
	Properties      rabbitProperties `json:"properties"`
	RoutingKey      string           `json:"routing_key"`
	Payload         string           `json:"payload"`
	PayloadEncoding string           `json:"payload_encoding"`
}

type rabbitGetRequest struct {
	Count    int    `json:"count"`
	AckMode  string `json:"ackmode"`
	Encoding string `json:"encoding"`
	Truncate int    `json:"truncate"`
}

type rabbitGetMessage struct {
	Payload         string `json:"payload"`
	PayloadEncoding string `json:"payload_encoding"`
	RoutingKey      string `json:"routing_key"`
	Properties      struct {
		MessageID string         `json:"message_id"`
		Type      string         `json:"type"`
		Timestamp int64          `json:"timestamp"`
		Headers   map[string]any `json:"headers"`
	} `json:"properties"`
}

// RabbitMQConfigFromURL derives management API settings from an AMQP connection URL.
func RabbitMQConfigFromURL(amqpURL, exchange string) (RabbitMQConfig, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(amqpURL))
	if err != nil {
		return RabbitMQConfig{}, fmt.Errorf("parse amqp url: %w", err)
	}
	if parsedURL.Host == "" {
		return RabbitMQConfig{}, fmt.Errorf("amqp url host is required")
	}

	scheme := "http"
	if strings.EqualFold(parsedURL.Scheme, "amqps") {
		scheme = "https"
	}
	port := parsedURL.Port()
	if port == "" || port == "5672" || port == "5671" {
		port = "15672"
	}

	vhost := strings.Trim(path.Clean(parsedURL.Path), "/")
	if vhost == "." || vhost == "" {
		vhost = "/"
	}

	cfg := RabbitMQConfig{
		ManagementURL: fmt.Sprintf("%s://%s:%s", scheme, parsedURL.Hostname(), port),
		VHost:         vhost,
		Exchange:      exchange,
	}
	if parsedURL.User != nil {
		cfg.Username = parsedURL.User.Username()
		cfg.Password, _ = parsedURL.User.Password()
	}
	return cfg, nil
}

// NewRabbitMQBroker validates cfg and builds a broker. Call EnsureQueues before publishing
// to a broker that has not seen the job queues yet.
func NewRabbitMQBroker(cfg RabbitMQConfig) (*RabbitMQBroker, error) {
	baseURL := strings.TrimSpace(cfg.ManagementURL)
	if baseURL == "" {
		return nil, fmt.Errorf("rabbitmq management url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse rabbitmq management url: %w", err)
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		return nil, fmt.Errorf("rabbitmq exchange is required")
	}
	vhost := strings.TrimSpace(cfg.VHost)
	if vhost == "" {
		vhost = "/"
	}

	broker := &RabbitMQBroker{
		api: rabbitAPI{
			baseURL:    strings.TrimRight(baseURL, "/"),
			vhost:      url.PathEscape(vhost),
			username:   cfg.Username,
			password:   cfg.Password,
			httpClient: cfg.HTTPClient,
		},
		exchange:     exchange,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
	if broker.api.httpClient == nil {
		broker.api.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if broker.pollInterval <= 0 {
		broker.pollInterval = 2 * time.Second
	}
	if broker.now == nil {
		broker.now = time.Now
	}
	if broker.logger == nil {
		broker.logger = zap.NewNop()
	}
	return broker, nil
}

// EnsureQueues declares the direct exchange and one durable queue per name, each bound
// with its own name as routing key. Declarations are idempotent.
func (b *RabbitMQBroker) EnsureQueues(ctx context.Context, queues ...string) error {
	if b == nil {
		return fmt.Errorf("rabbitmq broker is nil")
	}
	exchangePath := "/api/exchanges/" + b.api.vhost + "/" + url.PathEscape(b.exchange)
	exchangeSpec := map[string]any{"type": "direct", "durable": true}
	if err := b.api.call(ctx, http.MethodPut, exchangePath, exchangeSpec, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", b.exchange, err)
	}

	for _, queue := range queues {
		queue = strings.TrimSpace(queue)
		if queue == "" {
			continue
		}
		queuePath := "/api/queues/" + b.api.vhost + "/" + url.PathEscape(queue)
		if err := b.api.call(ctx, http.MethodPut, queuePath, map[string]any{"durable": true, "auto_delete": false}, nil); err != nil {
			return fmt.Errorf("declare queue %q: %w", queue, err)
		}
		bindingPath := fmt.Sprintf("/api/bindings/%s/e/%s/q/%s", b.api.vhost, url.PathEscape(b.exchange), url.PathEscape(queue))
		if err := b.api.call(ctx, http.MethodPost, bindingPath, map[string]any{"routing_key": queue}, nil); err != nil {
			return fmt.Errorf("bind queue %q: %w", queue, err)
		}
	}
	return nil
}

// Publish routes one job message to the named queue. Unroutable messages are an error so a
// trigger never reports a job that no worker can see.
func (b *RabbitMQBroker) Publish(ctx context.Context, queue string, msg Message) error {
	if b == nil {
		return fmt.Errorf("rabbitmq broker is nil")
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	var response struct {
		Routed bool `json:"routed"`
	}
	publishPath := "/api/exchanges/" + b.api.vhost + "/" + url.PathEscape(b.exchange) + "/publish"
	if err := b.api.call(ctx, http.MethodPost, publishPath, encodeRabbitMessage(queue, msg), &response); err != nil {
		return fmt.Errorf("publish job %s: %w", msg.ID, err)
	}
	if !response.Routed {
		return fmt.Errorf("publish job %s: not routed to queue %q", msg.ID, queue)
	}
	return nil
}

// Consume polls the named queue until ctx is done, applying the same age limit, retry policy
// and dead-letter handling as the in-process Broker.
func (b *RabbitMQBroker) Consume(ctx context.Context, queue string, cfg ConsumerConfig, handler Handler) {
	if b == nil || handler == nil {
		return
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = b.now
	}
	sleepFn := cfg.Sleep
	if sleepFn == nil {
		sleepFn = sleepContext
	}

	for ctx.Err() == nil {
		msg, ok := b.fetch(ctx, queue)
		if !ok {
			if sleepFn(ctx, b.pollInterval) != nil {
				return
			}
			continue
		}

		if ShouldDropMessageByAge(msg, nowFn(), cfg.MaxMessageAge) {
			b.logger.Warn("dropping expired job", zap.String("job_id", msg.ID), zap.String("kind", msg.Headers[headerKind]))
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
			if sleepFn(ctx, delay) != nil {
				return
			}
			next := cloneMessage(msg)
			next.Attempt++
			publishErr := b.Publish(ctx, queue, next)
			if publishErr == nil {
				continue
			}
			b.logger.Error("requeue job failed", zap.String("job_id", msg.ID), zap.Int("attempt", next.Attempt), zap.Error(publishErr))
		}

		if cfg.DeadLetterQueue == "" {
			continue
		}
		dead := deadLetter(msg, queue, err, nowFn())
		if publishErr := b.Publish(ctx, cfg.DeadLetterQueue, dead); publishErr != nil {
			b.logger.Error("dead-letter job failed", zap.String("job_id", msg.ID), zap.Error(publishErr))
			continue
		}
		if cfg.OnDeadLetter != nil {
			cfg.OnDeadLetter(dead, err)
		}
	}
}

// Depth returns the message count of one queue, or zero when it cannot be read.
func (b *RabbitMQBroker) Depth(queue string) int {
	if b == nil || strings.TrimSpace(queue) == "" {
		return 0
	}
	var stats struct {
		Messages int `json:"messages"`
	}
	queuePath := "/api/queues/" + b.api.vhost + "/" + url.PathEscape(queue)
	if err := b.api.call(context.Background(), http.MethodGet, queuePath, nil, &stats); err != nil {
		return 0
	}
	return stats.Messages
}

// fetch takes at most one message off the queue. The management API acknowledges on read,
// so retries are republished rather than requeued.
func (b *RabbitMQBroker) fetch(ctx context.Context, queue string) (Message, bool) {
	request := rabbitGetRequest{Count: 1, AckMode: "ack_requeue_false", Encoding: "base64", Truncate: 500000}
	var messages []rabbitGetMessage
	getPath := "/api/queues/" + b.api.vhost + "/" + url.PathEscape(queue) + "/get"
	if err := b.api.call(ctx, http.MethodPost, getPath, request, &messages); err != nil {
		if ctx.Err() == nil {
			b.logger.Debug("poll job queue failed", zap.String("queue", queue), zap.Error(err))
		}
		return Message{}, false
	}
	if len(messages) == 0 {
		return Message{}, false
	}
	return decodeRabbitMessage(messages[0]), true
}

func encodeRabbitMessage(queue string, msg Message) rabbitPublishRequest {
	headers := maps.Clone(msg.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	if msg.Attempt > 0 {
		headers[headerAttempt] = strconv.Itoa(msg.Attempt)
	}
	properties := rabbitProperties{
		MessageID:    msg.ID,
		Type:         headers[headerKind],
		DeliveryMode: rabbitPersistent,
		ContentType:  "application/json",
		Headers:      headers,
	}
	if !msg.CreatedAt.IsZero() {
		// timestamp has second precision; the header keeps the exact enqueue time.
		properties.Timestamp = msg.CreatedAt.Unix()
		headers[headerCreatedAt] = msg.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return rabbitPublishRequest{
		Properties:      properties,
		RoutingKey:      queue,
		Payload:         base64.StdEncoding.EncodeToString(msg.Body),
		PayloadEncoding: "base64",
	}
}

func decodeRabbitMessage(raw rabbitGetMessage) Message {
	msg := Message{
		ID:      strings.TrimSpace(raw.Properties.MessageID),
		Headers: make(map[string]string, len(raw.Properties.Headers)),
	}
	if raw.PayloadEncoding == "base64" {
		if decoded, err := base64.StdEncoding.DecodeString(raw.Payload); err == nil {
			msg.Body = decoded
		}
	} else {
		msg.Body = []byte(raw.Payload)
	}
	for key, value := range raw.Properties.Headers {
		msg.Headers[key] = fmt.Sprint(value)
	}
	if _, ok := msg.Headers[headerKind]; !ok && raw.Properties.Type != "" {
		msg.Headers[headerKind] = raw.Properties.Type
	}

	if attempt, err := strconv.Atoi(msg.Headers[headerAttempt]); err == nil {
		msg.Attempt = attempt
	}
	if createdAt, err := time.Parse(time.RFC3339Nano, msg.Headers[headerCreatedAt]); err == nil {
		msg.CreatedAt = createdAt.UTC()
	} else if raw.Properties.Timestamp > 0 {
		msg.CreatedAt = time.Unix(raw.Properties.Timestamp, 0).UTC()
	}
	return msg
}

// deadLetter annotates a failed job with where and why it failed.
func deadLetter(msg Message, queue string, cause error, now time.Time) Message {
	dead := cloneMessage(msg)
	if dead.Headers == nil {
		dead.Headers = make(map[string]string)
	}
	dead.Headers[headerLastError] = cause.Error()
	dead.Headers[headerDeadLetterFrom] = queue
	dead.Headers[headerFailedAt] = now.UTC().Format(time.RFC3339)
	return dead
}

func (a rabbitAPI) call(ctx context.Context, method, apiPath string, body any, target any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal rabbitmq request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+apiPath, reader)
	if err != nil {
		return fmt.Errorf("create rabbitmq request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.username != "" || a.password != "" {
		req.SetBasicAuth(a.username, a.password)
	}

	//nolint:gosec // Base URL is validated during broker construction.
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rabbitmq %s %s: %w", method, apiPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("rabbitmq %s %s: status=%d body=%s", method, apiPath, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode rabbitmq response: %w", err)
	}
	return nil
}
