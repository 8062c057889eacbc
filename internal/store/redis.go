package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/redis/go-redis/v9"
)

const redisHMGetBatch = 500

type redisCommander interface {
	HSetNX(ctx context.Context, key, field string, value any) *redis.BoolCmd
	HExists(ctx context.Context, key, field string) *redis.BoolCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed store.
type RedisStoreConfig struct {
	Namespace string
}

// RedisStore stores entities as JSON hash fields and indexes them with sets and sorted sets.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = "ghactivity"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// HasEvent reports whether an event with the external id exists.
func (s *RedisStore) HasEvent(ctx context.Context, externalID string) (bool, error) {
	exists, err := s.client.HExists(ctx, s.prefixed("events"), externalID).Result()
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return exists, nil
}

// CreateEvent indexes the event by creation time, then inserts it once with HSETNX. The
// index goes first so a failed write leaves the event absent and a later run retries it;
// CountEvents skips index members without a body.
func (s *RedisStore) CreateEvent(ctx context.Context, event domain.Event) (bool, error) {
	if strings.TrimSpace(event.ExternalID) == "" {
		return false, fmt.Errorf("event external id is required")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}

	err = s.client.ZAdd(ctx, s.prefixed("events:by_time"), redis.Z{
		Score:  float64(event.CreatedAt.Unix()),
		Member: event.ExternalID,
	}).Err()
	if err != nil {
		return false, fmt.Errorf("index event: %w", err)
	}
	created, err := s.client.HSetNX(ctx, s.prefixed("events"), event.ExternalID, string(body)).Result()
	if err != nil {
		return false, fmt.Errorf("write event: %w", err)
	}
	return created, nil
}

// CountEvents aggregates events in the time index matching the filter.
func (s *RedisStore) CountEvents(ctx context.Context, filter EventFilter) (EventCounts, error) {
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.Since.IsZero() {
		rangeBy.Min = strconv.FormatInt(filter.Since.Unix(), 10)
	}
	if !filter.Until.IsZero() {
		rangeBy.Max = "(" + strconv.FormatInt(filter.Until.Unix(), 10)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.prefixed("events:by_time"), rangeBy).Result()
	if err != nil {
		return EventCounts{}, fmt.Errorf("range events: %w", err)
	}

	counts := newEventCounts()
	for start := 0; start < len(ids); start += redisHMGetBatch {
		end := min(start+redisHMGetBatch, len(ids))
		values, err := s.client.HMGet(ctx, s.prefixed("events"), ids[start:end]...).Result()
		if err != nil {
			return EventCounts{}, fmt.Errorf("read events: %w", err)
		}
		for _, value := range values {
			raw, ok := value.(string)
			if !ok {
				continue
			}
			var event domain.Event
			if err := json.Unmarshal([]byte(raw), &event); err != nil {
				continue
			}
			if filter.matches(event) {
				counts.add(event)
			}
		}
	}
	return counts, nil
}

// GetIssue reads one issue.
func (s *RedisStore) GetIssue(ctx context.Context, key domain.IssueKey) (domain.Issue, bool, error) {
	var issue domain.Issue
	found, err := s.hgetJSON(ctx, s.issuesKey(key.Repo), strconv.Itoa(key.Number), &issue)
	if err != nil {
		return domain.Issue{}, false, fmt.Errorf("read issue: %w", err)
	}
	return issue, found, nil
}

// PutIssue creates or replaces one issue.
func (s *RedisStore) PutIssue(ctx context.Context, issue domain.Issue) error {
	if !issue.Key().Valid() {
		return fmt.Errorf("issue repo and number are required")
	}
	if err := s.hsetJSON(ctx, s.issuesKey(issue.Repo), strconv.Itoa(issue.Number), issue); err != nil {
		return fmt.Errorf("write issue: %w", err)
	}
	if err := s.client.SAdd(ctx, s.prefixed("issues:repos"), issue.Repo).Err(); err != nil {
		return fmt.Errorf("index issue repo: %w", err)
	}
	return nil
}

// ListIssues lists issues ordered by repo and number.
func (s *RedisStore) ListIssues(ctx context.Context, filter IssueFilter) ([]domain.Issue, error) {
	repos := []string{filter.Repo}
	if filter.Repo == "" {
		members, err := s.client.SMembers(ctx, s.prefixed("issues:repos")).Result()
		if err != nil {
			return nil, fmt.Errorf("list issue repos: %w", err)
		}
		repos = members
	}

	result := make([]domain.Issue, 0)
	for _, repo := range repos {
		fields, err := s.client.HGetAll(ctx, s.issuesKey(repo)).Result()
		if err != nil {
			return nil, fmt.Errorf("list issues: %w", err)
		}
		for _, raw := range fields {
			var issue domain.Issue
			if err := json.Unmarshal([]byte(raw), &issue); err != nil {
				continue
			}
			if filter.matches(issue) {
				result = append(result, issue)
			}
		}
	}
	sortIssues(result)
	return result, nil
}

// GetLabelEntry reads one label timeline entry.
func (s *RedisStore) GetLabelEntry(ctx context.Context, key domain.LabelKey) (domain.LabelTimelineEntry, bool, error) {
	var entry domain.LabelTimelineEntry
	found, err := s.hgetJSON(ctx, s.labelsKey(key.Repo), labelField(key), &entry)
	if err != nil {
		return domain.LabelTimelineEntry{}, false, fmt.Errorf("read label entry: %w", err)
	}
	return entry, found, nil
}

// PutLabelEntry creates or replaces one label timeline entry.
func (s *RedisStore) PutLabelEntry(ctx context.Context, key domain.LabelKey, entry domain.LabelTimelineEntry) error {
	if strings.TrimSpace(key.Label) == "" || !key.Issue().Valid() {
		return fmt.Errorf("label, repo and number are required")
	}
	if err := s.hsetJSON(ctx, s.labelsKey(key.Repo), labelField(key), entry); err != nil {
		return fmt.Errorf("write label entry: %w", err)
	}
	return nil
}

// ListLabelEntries lists entries of one repository.
func (s *RedisStore) ListLabelEntries(ctx context.Context, repo, label string) ([]domain.LabelRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.labelsKey(repo)).Result()
	if err != nil {
		return nil, fmt.Errorf("list label entries: %w", err)
	}

	result := make([]domain.LabelRecord, 0, len(fields))
	for field, raw := range fields {
		key, ok := parseLabelField(repo, field)
		if !ok || (label != "" && key.Label != label) {
			continue
		}
		var entry domain.LabelTimelineEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		result = append(result, domain.LabelRecord{Key: key, Entry: entry})
	}
	sortLabelRecords(result)
	return result, nil
}

// GetCheckpoint reads the checkpoint of one repository.
func (s *RedisStore) GetCheckpoint(ctx context.Context, repo string) (domain.FullSyncCheckpoint, bool, error) {
	var checkpoint domain.FullSyncCheckpoint
	found, err := s.hgetJSON(ctx, s.prefixed("checkpoints"), repo, &checkpoint)
	if err != nil {
		return domain.FullSyncCheckpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	return checkpoint, found, nil
}

// PutCheckpoint creates or replaces a checkpoint.
func (s *RedisStore) PutCheckpoint(ctx context.Context, checkpoint domain.FullSyncCheckpoint) error {
	if strings.TrimSpace(checkpoint.Repo) == "" {
		return fmt.Errorf("checkpoint repo is required")
	}
	if err := s.hsetJSON(ctx, s.prefixed("checkpoints"), checkpoint.Repo, checkpoint); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints lists all checkpoints ordered by repo.
func (s *RedisStore) ListCheckpoints(ctx context.Context) ([]domain.FullSyncCheckpoint, error) {
	fields, err := s.client.HGetAll(ctx, s.prefixed("checkpoints")).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	result := make([]domain.FullSyncCheckpoint, 0, len(fields))
	for _, raw := range fields {
		var checkpoint domain.FullSyncCheckpoint
		if err := json.Unmarshal([]byte(raw), &checkpoint); err != nil {
			continue
		}
		result = append(result, checkpoint)
	}
	sortCheckpoints(result)
	return result, nil
}

// GetProfile reads a cached actor profile.
func (s *RedisStore) GetProfile(ctx context.Context, login string) (domain.ActorProfile, bool, error) {
	var profile domain.ActorProfile
	found, err := s.hgetJSON(ctx, s.prefixed("profiles"), strings.ToLower(login), &profile)
	if err != nil {
		return domain.ActorProfile{}, false, fmt.Errorf("read profile: %w", err)
	}
	return profile, found, nil
}

// PutProfile caches an actor profile.
func (s *RedisStore) PutProfile(ctx context.Context, profile domain.ActorProfile) error {
	if strings.TrimSpace(profile.Login) == "" {
		return fmt.Errorf("profile login is required")
	}
	if err := s.hsetJSON(ctx, s.prefixed("profiles"), strings.ToLower(profile.Login), profile); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}

// AppendRecord appends a report record to its (kind, subject) list.
func (s *RedisStore) AppendRecord(ctx context.Context, record domain.Record) error {
	if record.Kind == "" {
		return fmt.Errorf("record kind is required")
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.RPush(ctx, s.recordsKey(record.Kind, record.Subject), string(body)).Err(); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := s.client.SAdd(ctx, s.recordSubjectsKey(record.Kind), record.Subject).Err(); err != nil {
		return fmt.Errorf("index record subject: %w", err)
	}
	return nil
}

// ListRecords lists records of one kind and subject, newest first.
func (s *RedisStore) ListRecords(ctx context.Context, kind domain.RecordKind, subject string, limit int) ([]domain.Record, error) {
	subjects := []string{subject}
	if subject == "" {
		members, err := s.client.SMembers(ctx, s.recordSubjectsKey(kind)).Result()
		if err != nil {
			return nil, fmt.Errorf("list record subjects: %w", err)
		}
		subjects = members
	}

	result := make([]domain.Record, 0)
	for _, current := range subjects {
		start := int64(0)
		if limit > 0 && subject != "" {
			start = int64(-limit)
		}
		raws, err := s.client.LRange(ctx, s.recordsKey(kind, current), start, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		for _, raw := range raws {
			var record domain.Record
			if err := json.Unmarshal([]byte(raw), &record); err != nil {
				continue
			}
			result = append(result, record)
		}
	}
	return newestFirst(result, limit), nil
}

// Acquire acquires a dedup lock for a key.
func (s *RedisStore) Acquire(key string, ttl time.Duration, now time.Time) bool {
	if s == nil || s.client == nil {
		return false
	}
	if ttl <= 0 {
		return true
	}

	acquired, err := s.client.SetNX(context.Background(), s.prefixed("lock:dedup:"+key), now.UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false
	}
	return acquired
}

// TryLease acquires the lease with SETNX or renews it when owner already holds it.
func (s *RedisStore) TryLease(ctx context.Context, key, owner string, ttl time.Duration, _ time.Time) (bool, error) {
	if strings.TrimSpace(owner) == "" {
		return false, fmt.Errorf("lease owner is required")
	}
	leaseKey := s.prefixed("lease:" + key)
	acquired, err := s.client.SetNX(ctx, leaseKey, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if acquired {
		return true, nil
	}

	holder, err := s.client.Get(ctx, leaseKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lease: %w", err)
	}
	if holder != owner {
		return false, nil
	}
	if err := s.client.PExpire(ctx, leaseKey, ttl).Err(); err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return true, nil
}

// ReleaseLease releases a lease held by owner.
func (s *RedisStore) ReleaseLease(ctx context.Context, key, owner string) error {
	leaseKey := s.prefixed("lease:" + key)
	holder, err := s.client.Get(ctx, leaseKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}
	if holder != owner {
		return nil
	}
	return s.client.Del(ctx, leaseKey).Err()
}

func (s *RedisStore) hgetJSON(ctx context.Context, key, field string, target any) (bool, error) {
	raw, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", key, field, err)
	}
	return true, nil
}

func (s *RedisStore) hsetJSON(ctx context.Context, key, field string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, key, field, string(body)).Err()
}

func (s *RedisStore) prefixed(suffix string) string {
	return s.namespace + ":" + suffix
}

func (s *RedisStore) issuesKey(repo string) string {
	return s.prefixed("issues:" + repo)
}

func (s *RedisStore) labelsKey(repo string) string {
	return s.prefixed("labels:" + repo)
}

func (s *RedisStore) recordsKey(kind domain.RecordKind, subject string) string {
	return s.prefixed("records:" + string(kind) + ":" + subject)
}

func (s *RedisStore) recordSubjectsKey(kind domain.RecordKind) string {
	return s.prefixed("records:" + string(kind) + ":subjects")
}

func labelField(key domain.LabelKey) string {
	return strconv.Itoa(key.Number) + "|" + key.Label
}

func parseLabelField(repo, field string) (domain.LabelKey, bool) {
	rawNumber, label, found := strings.Cut(field, "|")
	if !found || label == "" {
		return domain.LabelKey{}, false
	}
	number, err := strconv.Atoi(rawNumber)
	if err != nil {
		return domain.LabelKey{}, false
	}
	return domain.LabelKey{Label: label, Repo: repo, Number: number}, true
}
