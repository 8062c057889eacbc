package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQL dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLStoreConfig configures the SQL-backed store.
type SQLStoreConfig struct {
	Dialect string
	DSN     string
}

// SQLStore stores entities in a relational schema shared by sqlite and postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore opens the database, checks connectivity and applies the schema.
func NewSQLStore(ctx context.Context, cfg SQLStoreConfig) (*SQLStore, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Dialect))
	driver := ""
	switch dialect {
	case DialectSQLite:
		driver = "sqlite3"
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", cfg.Dialect)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sql dsn is required")
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLStore{db: db, dialect: dialect}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	for _, statement := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// HasEvent reports whether an event with the external id exists.
func (s *SQLStore) HasEvent(ctx context.Context, externalID string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM events WHERE external_id = ?`, externalID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return true, nil
}

// CreateEvent inserts the event and reports created=false when the id already exists.
func (s *SQLStore) CreateEvent(ctx context.Context, event domain.Event) (bool, error) {
	if strings.TrimSpace(event.ExternalID) == "" {
		return false, fmt.Errorf("event external id is required")
	}

	var commitCount sql.NullInt64
	if event.CommitCount != nil {
		commitCount = sql.NullInt64{Int64: int64(*event.CommitCount), Valid: true}
	}
	result, err := s.exec(ctx, `
		INSERT INTO events (external_id, type, action, repo, actor, created_at, is_public, commit_count, category, content_text, content_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO NOTHING`,
		event.ExternalID, event.Type, event.Action, event.Repo, event.Actor,
		toNanos(event.CreatedAt), event.Public, commitCount, string(event.Category),
		event.Content.Text, event.Content.URL,
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return affected == 1, nil
}

// CountEvents aggregates events matching the filter.
func (s *SQLStore) CountEvents(ctx context.Context, filter EventFilter) (EventCounts, error) {
	query := `SELECT repo, actor, category, commit_count FROM events WHERE 1 = 1`
	args := make([]any, 0, 5)
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, toNanos(filter.Since))
	}
	if !filter.Until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, toNanos(filter.Until))
	}
	if filter.Repo != "" {
		query += ` AND LOWER(repo) = LOWER(?)`
		args = append(args, filter.Repo)
	}
	if filter.Actor != "" {
		query += ` AND LOWER(actor) = LOWER(?)`
		args = append(args, filter.Actor)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(filter.Category))
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return EventCounts{}, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := newEventCounts()
	for rows.Next() {
		var (
			event       domain.Event
			category    string
			commitCount sql.NullInt64
		)
		if err := rows.Scan(&event.Repo, &event.Actor, &category, &commitCount); err != nil {
			return EventCounts{}, fmt.Errorf("scan event: %w", err)
		}
		event.Category = domain.Category(category)
		if commitCount.Valid {
			count := int(commitCount.Int64)
			event.CommitCount = &count
		}
		counts.add(event)
	}
	if err := rows.Err(); err != nil {
		return EventCounts{}, fmt.Errorf("count events: %w", err)
	}
	return counts, nil
}

const issueColumns = `repo, number, kind, title, state, creator, comment_count, labels, created_at`

// GetIssue reads one issue.
func (s *SQLStore) GetIssue(ctx context.Context, key domain.IssueKey) (domain.Issue, bool, error) {
	row := s.queryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE repo = ? AND number = ?`, key.Repo, key.Number)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Issue{}, false, nil
	}
	if err != nil {
		return domain.Issue{}, false, fmt.Errorf("read issue: %w", err)
	}
	return issue, true, nil
}

// PutIssue creates or replaces one issue.
func (s *SQLStore) PutIssue(ctx context.Context, issue domain.Issue) error {
	if !issue.Key().Valid() {
		return fmt.Errorf("issue repo and number are required")
	}
	labels, err := json.Marshal(nonNilLabels(issue.Labels))
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo, number) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			state = excluded.state,
			creator = excluded.creator,
			comment_count = excluded.comment_count,
			labels = excluded.labels,
			created_at = excluded.created_at`,
		issue.Repo, issue.Number, string(issue.Kind), issue.Title, string(issue.State),
		issue.Creator, issue.CommentCount, string(labels), toNanos(issue.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert issue: %w", err)
	}
	return nil
}

// ListIssues lists issues ordered by repo and number.
func (s *SQLStore) ListIssues(ctx context.Context, filter IssueFilter) ([]domain.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE 1 = 1`
	args := make([]any, 0, 2)
	if filter.Repo != "" {
		query += ` AND repo = ?`
		args = append(args, filter.Repo)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY repo, number`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Issue, 0)
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		result = append(result, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return result, nil
}

// GetLabelEntry reads one label timeline entry.
func (s *SQLStore) GetLabelEntry(ctx context.Context, key domain.LabelKey) (domain.LabelTimelineEntry, bool, error) {
	row := s.queryRow(ctx, `
		SELECT status, labeled_at, unlabeled_at FROM label_entries
		WHERE label = ? AND repo = ? AND number = ?`,
		key.Label, key.Repo, key.Number,
	)

	var (
		status      string
		labeledAt   sql.NullInt64
		unlabeledAt sql.NullInt64
	)
	err := row.Scan(&status, &labeledAt, &unlabeledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LabelTimelineEntry{}, false, nil
	}
	if err != nil {
		return domain.LabelTimelineEntry{}, false, fmt.Errorf("read label entry: %w", err)
	}
	return labelEntry(status, labeledAt, unlabeledAt), true, nil
}

// PutLabelEntry creates or replaces one label timeline entry.
func (s *SQLStore) PutLabelEntry(ctx context.Context, key domain.LabelKey, entry domain.LabelTimelineEntry) error {
	if strings.TrimSpace(key.Label) == "" || !key.Issue().Valid() {
		return fmt.Errorf("label, repo and number are required")
	}

	_, err := s.exec(ctx, `
		INSERT INTO label_entries (label, repo, number, status, labeled_at, unlabeled_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (label, repo, number) DO UPDATE SET
			status = excluded.status,
			labeled_at = excluded.labeled_at,
			unlabeled_at = excluded.unlabeled_at`,
		key.Label, key.Repo, key.Number, string(entry.Status),
		nullNanos(entry.LabeledAt), nullNanos(entry.UnlabeledAt),
	)
	if err != nil {
		return fmt.Errorf("upsert label entry: %w", err)
	}
	return nil
}

// ListLabelEntries lists entries of one repository.
func (s *SQLStore) ListLabelEntries(ctx context.Context, repo, label string) ([]domain.LabelRecord, error) {
	query := `SELECT label, number, status, labeled_at, unlabeled_at FROM label_entries WHERE repo = ?`
	args := []any{repo}
	if label != "" {
		query += ` AND label = ?`
		args = append(args, label)
	}
	query += ` ORDER BY label, number`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list label entries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.LabelRecord, 0)
	for rows.Next() {
		var (
			key         = domain.LabelKey{Repo: repo}
			status      string
			labeledAt   sql.NullInt64
			unlabeledAt sql.NullInt64
		)
		if err := rows.Scan(&key.Label, &key.Number, &status, &labeledAt, &unlabeledAt); err != nil {
			return nil, fmt.Errorf("scan label entry: %w", err)
		}
		result = append(result, domain.LabelRecord{Key: key, Entry: labelEntry(status, labeledAt, unlabeledAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list label entries: %w", err)
	}
	return result, nil
}

// GetCheckpoint reads the checkpoint of one repository.
func (s *SQLStore) GetCheckpoint(ctx context.Context, repo string) (domain.FullSyncCheckpoint, bool, error) {
	row := s.queryRow(ctx, `SELECT repo, status, remaining_pages, updated_at FROM sync_checkpoints WHERE repo = ?`, repo)
	checkpoint, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FullSyncCheckpoint{}, false, nil
	}
	if err != nil {
		return domain.FullSyncCheckpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	return checkpoint, true, nil
}

// PutCheckpoint creates or replaces a checkpoint.
func (s *SQLStore) PutCheckpoint(ctx context.Context, checkpoint domain.FullSyncCheckpoint) error {
	if strings.TrimSpace(checkpoint.Repo) == "" {
		return fmt.Errorf("checkpoint repo is required")
	}

	_, err := s.exec(ctx, `
		INSERT INTO sync_checkpoints (repo, status, remaining_pages, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (repo) DO UPDATE SET
			status = excluded.status,
			remaining_pages = excluded.remaining_pages,
			updated_at = excluded.updated_at`,
		checkpoint.Repo, string(checkpoint.Status), checkpoint.RemainingPages, toNanos(checkpoint.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints lists all checkpoints ordered by repo.
func (s *SQLStore) ListCheckpoints(ctx context.Context) ([]domain.FullSyncCheckpoint, error) {
	rows, err := s.query(ctx, `SELECT repo, status, remaining_pages, updated_at FROM sync_checkpoints ORDER BY repo`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	result := make([]domain.FullSyncCheckpoint, 0)
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		result = append(result, checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return result, nil
}

// GetProfile reads a cached actor profile.
func (s *SQLStore) GetProfile(ctx context.Context, login string) (domain.ActorProfile, bool, error) {
	var (
		profile   domain.ActorProfile
		fetchedAt int64
	)
	err := s.queryRow(ctx, `
		SELECT login, name, avatar_url, bio, is_employee, fetched_at
		FROM actor_profiles WHERE login = ?`,
		strings.ToLower(login),
	).Scan(&profile.Login, &profile.Name, &profile.AvatarURL, &profile.Bio, &profile.IsEmployee, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ActorProfile{}, false, nil
	}
	if err != nil {
		return domain.ActorProfile{}, false, fmt.Errorf("read profile: %w", err)
	}
	profile.FetchedAt = fromNanos(fetchedAt)
	return profile, true, nil
}

// PutProfile caches an actor profile under its lowercase login.
func (s *SQLStore) PutProfile(ctx context.Context, profile domain.ActorProfile) error {
	if strings.TrimSpace(profile.Login) == "" {
		return fmt.Errorf("profile login is required")
	}

	_, err := s.exec(ctx, `
		INSERT INTO actor_profiles (login, name, avatar_url, bio, is_employee, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (login) DO UPDATE SET
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			bio = excluded.bio,
			is_employee = excluded.is_employee,
			fetched_at = excluded.fetched_at`,
		strings.ToLower(profile.Login), profile.Name, profile.AvatarURL, profile.Bio,
		profile.IsEmployee, toNanos(profile.FetchedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// AppendRecord appends a report record.
func (s *SQLStore) AppendRecord(ctx context.Context, record domain.Record) error {
	if record.Kind == "" {
		return fmt.Errorf("record kind is required")
	}

	_, err := s.exec(ctx, `
		INSERT INTO records (id, kind, subject, recorded_at, payload)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), string(record.Kind), record.Subject, toNanos(record.RecordedAt), string(record.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// ListRecords lists records of one kind and subject, newest first.
func (s *SQLStore) ListRecords(ctx context.Context, kind domain.RecordKind, subject string, limit int) ([]domain.Record, error) {
	query := `SELECT kind, subject, recorded_at, payload FROM records WHERE kind = ?`
	args := []any{string(kind)}
	if subject != "" {
		query += ` AND subject = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY recorded_at DESC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Record, 0)
	for rows.Next() {
		var (
			record     domain.Record
			rawKind    string
			recordedAt int64
			payload    string
		)
		if err := rows.Scan(&rawKind, &record.Subject, &recordedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		record.Kind = domain.RecordKind(rawKind)
		record.RecordedAt = fromNanos(recordedAt)
		record.Payload = []byte(payload)
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return result, nil
}

// Acquire acquires a dedup lock for a key. Every call uses a fresh owner so only expiry frees the lock.
func (s *SQLStore) Acquire(key string, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return true
	}
	acquired, err := s.claimLock(context.Background(), "dedup:"+key, uuid.NewString(), ttl, now)
	return err == nil && acquired
}

// TryLease acquires or renews the lease for owner.
func (s *SQLStore) TryLease(ctx context.Context, key, owner string, ttl time.Duration, now time.Time) (bool, error) {
	if strings.TrimSpace(owner) == "" {
		return false, fmt.Errorf("lease owner is required")
	}
	acquired, err := s.claimLock(ctx, "lease:"+key, owner, ttl, now)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return acquired, nil
}

// ReleaseLease releases a lease held by owner.
func (s *SQLStore) ReleaseLease(ctx context.Context, key, owner string) error {
	if _, err := s.exec(ctx, `DELETE FROM locks WHERE name = ? AND owner = ?`, "lease:"+key, owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// claimLock inserts the lock row or takes it over when it expired or already belongs to owner.
func (s *SQLStore) claimLock(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	result, err := s.exec(ctx, `
		INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ? OR locks.owner = excluded.owner`,
		name, owner, toNanos(now.Add(ttl)), toNanos(now),
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.dialect, query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.dialect, query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.dialect, query), args...)
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}

	var builder strings.Builder
	builder.Grow(len(query) + 8)
	position := 0
	for _, r := range query {
		if r != '?' {
			builder.WriteRune(r)
			continue
		}
		position++
		builder.WriteByte('$')
		builder.WriteString(strconv.Itoa(position))
	}
	return builder.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (domain.Issue, error) {
	var (
		issue     domain.Issue
		kind      string
		state     string
		labels    string
		createdAt int64
	)
	err := row.Scan(
		&issue.Repo, &issue.Number, &kind, &issue.Title, &state,
		&issue.Creator, &issue.CommentCount, &labels, &createdAt,
	)
	if err != nil {
		return domain.Issue{}, err
	}
	issue.Kind = domain.IssueKind(kind)
	issue.State = domain.IssueState(state)
	issue.CreatedAt = fromNanos(createdAt)
	if err := json.Unmarshal([]byte(labels), &issue.Labels); err != nil {
		return domain.Issue{}, fmt.Errorf("decode labels: %w", err)
	}
	return issue, nil
}

func scanCheckpoint(row rowScanner) (domain.FullSyncCheckpoint, error) {
	var (
		checkpoint domain.FullSyncCheckpoint
		status     string
		updatedAt  int64
	)
	if err := row.Scan(&checkpoint.Repo, &status, &checkpoint.RemainingPages, &updatedAt); err != nil {
		return domain.FullSyncCheckpoint{}, err
	}
	checkpoint.Status = domain.SyncStatus(status)
	checkpoint.UpdatedAt = fromNanos(updatedAt)
	return checkpoint, nil
}

func labelEntry(status string, labeledAt, unlabeledAt sql.NullInt64) domain.LabelTimelineEntry {
	entry := domain.LabelTimelineEntry{Status: domain.LabelStatus(status)}
	if labeledAt.Valid {
		value := fromNanos(labeledAt.Int64)
		entry.LabeledAt = &value
	}
	if unlabeledAt.Valid {
		value := fromNanos(unlabeledAt.Int64)
		entry.UnlabeledAt = &value
	}
	return entry
}

func nonNilLabels(labels []string) []string {
	if labels == nil {
		return []string{}
	}
	return labels
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}
