// Package fetch collects activity feeds of configured users and watched repositories.
package fetch

import (
	"context"
	"strings"
	"unicode"

	"github.com/cam3ron2/ghactivity/internal/githubapi"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxWatchedRepos caps watched repositories to stay under upstream rate limits.
	DefaultMaxWatchedRepos = 10
	defaultConcurrency     = 4
)

// SourceKind distinguishes user feeds from repository feeds.
type SourceKind string

const (
	// SourceUser is a per-user event feed.
	SourceUser SourceKind = "user"
	// SourceRepo is a per-repository event feed.
	SourceRepo SourceKind = "repo"
)

// Source identifies one feed.
type Source struct {
	Kind SourceKind
	Name string
}

// Failure records a feed that could not be read.
type Failure struct {
	Source Source
	Err    error
}

// Result is the merged outcome of one fetch pass. Events are not deduplicated.
type Result struct {
	Events    []githubapi.Event
	Failures  []Failure
	Malformed []error
	Sources   int
}

// EventSource reads event feeds.
type EventSource interface {
	UserEvents(ctx context.Context, username string) (githubapi.EventsResult, error)
	RepoEvents(ctx context.Context, repo string) (githubapi.EventsResult, error)
}

// Config controls fan-out.
type Config struct {
	Concurrency     int
	MaxWatchedRepos int
}

// Fetcher reads all configured feeds concurrently and tolerates per-source failures.
type Fetcher struct {
	source EventSource
	cfg    Config
	logger *zap.Logger
}

// New creates a fetcher.
func New(source EventSource, cfg Config, logger ...*zap.Logger) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxWatchedRepos <= 0 {
		cfg.MaxWatchedRepos = DefaultMaxWatchedRepos
	}

	resolved := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolved = logger[0]
	}
	return &Fetcher{source: source, cfg: cfg, logger: resolved}
}

type outcome struct {
	result githubapi.EventsResult
	err    error
}

// FetchAll reads every user feed and the capped set of watched repository feeds.
// A failing source is logged and skipped; it never fails the pass.
func (f *Fetcher) FetchAll(ctx context.Context, usernames []string, watchedRepos []string) Result {
	if f == nil || f.source == nil {
		return Result{}
	}

	sources := make([]Source, 0, len(usernames)+len(watchedRepos))
	for _, username := range dedupe(usernames) {
		sources = append(sources, Source{Kind: SourceUser, Name: username})
	}
	for _, repo := range CapRepos(watchedRepos, f.cfg.MaxWatchedRepos) {
		sources = append(sources, Source{Kind: SourceRepo, Name: repo})
	}

	outcomes := make([]outcome, len(sources))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(f.cfg.Concurrency)
	for i, source := range sources {
		i := i
		source := source
		group.Go(func() error {
			outcomes[i] = f.fetchOne(groupCtx, source)
			return nil
		})
	}
	_ = group.Wait()

	result := Result{Sources: len(sources)}
	for i, current := range outcomes {
		source := sources[i]
		if current.err != nil {
			f.logger.Warn(
				"activity feed fetch failed",
				zap.String("source", string(source.Kind)),
				zap.String("name", source.Name),
				zap.String("status", string(githubapi.StatusOf(current.err))),
				zap.Error(current.err),
			)
			result.Failures = append(result.Failures, Failure{Source: source, Err: current.err})
			continue
		}
		for _, malformed := range current.result.Malformed {
			f.logger.Debug(
				"skipping malformed event",
				zap.String("source", string(source.Kind)),
				zap.String("name", source.Name),
				zap.Error(malformed),
			)
		}
		result.Events = append(result.Events, current.result.Events...)
		result.Malformed = append(result.Malformed, current.result.Malformed...)
	}
	return result
}

func (f *Fetcher) fetchOne(ctx context.Context, source Source) outcome {
	var (
		result githubapi.EventsResult
		err    error
	)
	switch source.Kind {
	case SourceUser:
		result, err = f.source.UserEvents(ctx, source.Name)
	default:
		result, err = f.source.RepoEvents(ctx, source.Name)
	}
	return outcome{result: result, err: err}
}

// SplitUsernames splits a free-form list on commas, semicolons and whitespace in any mix.
func SplitUsernames(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
	return dedupe(parts)
}

// CapRepos trims and de-duplicates repositories and keeps at most limit of them.
func CapRepos(repos []string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMaxWatchedRepos
	}
	unique := dedupe(repos)
	if len(unique) > limit {
		unique = unique[:limit]
	}
	return unique
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
