package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/config"
	"github.com/cam3ron2/ghactivity/internal/fullsync"
	"github.com/cam3ron2/ghactivity/internal/githubapi"
	"github.com/cam3ron2/ghactivity/internal/jobs"
	"github.com/cam3ron2/ghactivity/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OpenStore opens the configured storage backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	var (
		opened store.Store
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		opened, err = openRedisStore(ctx, cfg)
	case store.DialectSQLite:
		opened, err = openSQLStore(ctx, store.DialectSQLite, cfg.SQLitePath)
	case store.DialectPostgres:
		opened, err = openSQLStore(ctx, store.DialectPostgres, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	return opened, nil
}

func openSQLStore(ctx context.Context, dialect, dsn string) (store.Store, error) {
	sqlStore, err := store.NewSQLStore(ctx, store.SQLStoreConfig{Dialect: dialect, DSN: dsn})
	if err != nil {
		return nil, err
	}
	return sqlStore, nil
}

func openRedisStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	var client redis.UniversalClient
	if strings.EqualFold(cfg.RedisMode, "sentinel") {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.RedisMasterSet,
			SentinelAddrs: cfg.RedisSentinelAddrs,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return store.NewRedisStore(client, store.RedisStoreConfig{Namespace: cfg.Namespace}), nil
}

// OpenJobQueue returns the shared RabbitMQ transport when configured, or nil to let the
// runtime use its in-process broker. The exchange, job queue and dead-letter queue are
// declared before the broker is returned.
func OpenJobQueue(ctx context.Context, cfg config.JobsConfig, logger *zap.Logger) (jobs.Queue, error) {
	return openJobQueue(ctx, cfg, logger, nil)
}

func openJobQueue(ctx context.Context, cfg config.JobsConfig, logger *zap.Logger, httpClient *http.Client) (jobs.Queue, error) {
	if !strings.EqualFold(strings.TrimSpace(cfg.Transport), "rabbitmq") {
		return nil, nil
	}
	rabbitCfg, err := jobs.RabbitMQConfigFromURL(cfg.RabbitMQURL, cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq job queue: %w", err)
	}
	rabbitCfg.PollInterval = cfg.PollInterval
	rabbitCfg.HTTPClient = httpClient
	if logger != nil {
		rabbitCfg.Logger = logger.Named("jobs")
	}
	broker, err := jobs.NewRabbitMQBroker(rabbitCfg)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq job queue: %w", err)
	}

	declareCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := broker.EnsureQueues(declareCtx, cfg.Queue, cfg.DLQ); err != nil {
		return nil, fmt.Errorf("rabbitmq job queue: %w", err)
	}
	return broker, nil
}

// GitHubClients bundles the upstream clients built from configuration.
type GitHubClients struct {
	Data       *githubapi.DataClient
	Counter    fullsync.OpenIssueCounter
	Profiles   *githubapi.ProfileClient
	WebBaseURL string
}

// NewGitHubClients builds authenticated upstream clients. App installation auth wins over a
// token; without either the client is anonymous.
func NewGitHubClients(cfg *config.Config) (GitHubClients, error) {
	gh := cfg.GitHub

	httpClient, err := newGitHubHTTPClient(gh, cfg.RateLimit)
	if err != nil {
		return GitHubClients{}, err
	}

	requestClient := githubapi.NewClient(httpClient, githubapi.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}, githubapi.RateLimitPolicy{
		MinRemainingThreshold: cfg.RateLimit.MinRemainingThreshold,
		MinResetBuffer:        cfg.RateLimit.MinResetBuffer,
		SecondaryLimitBackoff: cfg.RateLimit.SecondaryLimitBackoff,
	})

	data, err := githubapi.NewDataClient(gh.APIBaseURL, requestClient)
	if err != nil {
		return GitHubClients{}, fmt.Errorf("create data client: %w", err)
	}
	if gh.EventsMaxPages > 0 {
		data.FeedMaxPages = gh.EventsMaxPages
	}

	var counter fullsync.OpenIssueCounter = data
	if strings.EqualFold(gh.OpenIssueCountSource, "graphql") {
		counter = githubapi.NewGraphQLCounter(httpClient, gh.GraphQLURL)
	}

	rest, err := githubapi.NewGitHubRESTClient(httpClient, gh.APIBaseURL)
	if err != nil {
		return GitHubClients{}, fmt.Errorf("create rest client: %w", err)
	}
	profiles, err := githubapi.NewProfileClient(rest, gh.Organization)
	if err != nil {
		return GitHubClients{}, fmt.Errorf("create profile client: %w", err)
	}

	webBaseURL := gh.WebBaseURL
	if webBaseURL == "" {
		webBaseURL = githubapi.WebBaseURL(gh.APIBaseURL)
	}

	return GitHubClients{
		Data:       data,
		Counter:    counter,
		Profiles:   profiles,
		WebBaseURL: webBaseURL,
	}, nil
}

func newGitHubHTTPClient(gh config.GitHubConfig, rate config.RateLimitConfig) (*http.Client, error) {
	if gh.UsesAppAuth() {
		client, err := githubapi.NewInstallationHTTPClient(githubapi.InstallationAuthConfig{
			AppID:          gh.AppID,
			InstallationID: gh.InstallationID,
			PrivateKeyPath: gh.PrivateKeyPath,
			Timeout:        gh.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("github app auth: %w", err)
		}
		return client, nil
	}

	if token := gh.Token(); token != "" {
		client, err := githubapi.NewTokenHTTPClient(githubapi.TokenAuthConfig{
			Token:                  token,
			Timeout:                gh.RequestTimeout,
			SecondaryLimitMaxSleep: rate.SecondaryLimitBackoff,
		})
		if err != nil {
			return nil, fmt.Errorf("github token auth: %w", err)
		}
		return client, nil
	}

	return &http.Client{Timeout: gh.RequestTimeout}, nil
}
