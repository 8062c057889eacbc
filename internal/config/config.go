// Package config loads the YAML configuration of the activity service.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validLogLevels        = []string{"debug", "info", "warn", "error"}
	validBackends         = []string{"memory", "redis", "sqlite", "postgres"}
	validCountSources     = []string{"rest", "graphql"}
	validTraceModes       = []string{"off", "errors", "sampled", "detailed"}
	validJobTransports    = []string{"memory", "rabbitmq"}
	defaultRequeueDelays  = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	defaultAPIBaseURL     = "https://api.github.com"
	defaultGraphQLURL     = "https://api.github.com/graphql"
	defaultAccessTokenEnv = "GITHUB_TOKEN"
)

// Config is the root application configuration.
type Config struct {
	Server         ServerConfig
	GitHub         GitHubConfig
	RateLimit      RateLimitConfig
	Retry          RetryConfig
	Schedule       ScheduleConfig
	Fetch          FetchConfig
	FullSync       FullSyncConfig
	Rescan         RescanConfig
	Reports        ReportsConfig
	Jobs           JobsConfig
	Store          StoreConfig
	LeaderElection LeaderElectionConfig
	Health         HealthConfig
	Telemetry      TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// GitHubConfig configures the upstream API and what is monitored.
type GitHubConfig struct {
	APIBaseURL     string
	WebBaseURL     string
	GraphQLURL     string
	AccessToken    string
	AccessTokenEnv string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	RequestTimeout time.Duration
	// Usernames is the raw comma or whitespace separated list.
	Usernames            string
	WatchedRepos         []string
	MaxWatchedRepos      int
	StorePrivateEvents   bool
	Organization         string
	OpenIssueCountSource string
	EventsMaxPages       int
}

// UsesAppAuth reports whether GitHub App installation auth is configured.
func (g GitHubConfig) UsesAppAuth() bool {
	return g.AppID > 0
}

// Token returns the configured token, falling back to the token env var.
func (g GitHubConfig) Token() string {
	if token := strings.TrimSpace(g.AccessToken); token != "" {
		return token
	}
	if g.AccessTokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(g.AccessTokenEnv))
}

// RateLimitConfig configures rate-limit controls.
type RateLimitConfig struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
}

// RetryConfig configures upstream retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ScheduleConfig configures the leader's periodic cycles.
type ScheduleConfig struct {
	ActivityInterval time.Duration
	LabelsInterval   time.Duration
	RunOnStart       bool
}

// FetchConfig configures activity fetching.
type FetchConfig struct {
	Concurrency int
}

// FullSyncConfig configures full repository syncs.
type FullSyncConfig struct {
	PageSize  int
	AutoStart bool
	DedupTTL  time.Duration
}

// RescanConfig configures paced label rescans.
type RescanConfig struct {
	IssueDelay time.Duration
	BatchSize  int
	BatchDelay time.Duration
}

// ReportsConfig lists the periodic report targets.
type ReportsConfig struct {
	AverageLabelTime []LabelTimeReport
	Projects         []ProjectReport
}

// LabelTimeReport targets one repository and label set.
type LabelTimeReport struct {
	Repo   string   `yaml:"repo"`
	Labels []string `yaml:"labels"`
}

// ProjectReport targets one organization project board.
type ProjectReport struct {
	Org     string `yaml:"org"`
	Project string `yaml:"project"`
}

// JobsConfig configures the detached job queue.
type JobsConfig struct {
	// Transport is memory or rabbitmq. A memory queue only serves jobs enqueued by this replica.
	Transport string
	// RabbitMQURL is an amqp:// URL; the management API is derived from it.
	RabbitMQURL                 string
	Exchange                    string
	PollInterval                time.Duration
	Queue                       string
	DLQ                         string
	Buffer                      int
	MaxMessageAge               time.Duration
	RequeueDelays               []time.Duration
	MaxEnqueuesPerKindPerMinute int
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	Backend            string
	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	Namespace          string
	SQLitePath         string
	PostgresDSN        string
}

// LeaderElectionConfig configures single-scheduler election.
type LeaderElectionConfig struct {
	Enabled       bool
	LockKey       string
	LeaseDuration time.Duration
	RenewInterval time.Duration
	Identity      string
}

// HealthConfig configures health evaluation.
type HealthConfig struct {
	GitHubFailureThreshold int
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML, applies defaults and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile opens path and loads it.
func LoadFile(path string) (*Config, error) {
	//nolint:gosec // Config path is operator supplied.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	return Load(file)
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if c.GitHub.UsesAppAuth() {
		if c.GitHub.InstallationID <= 0 {
			errs = append(errs, "github.installation_id must be > 0 when github.app_id is set")
		}
		if c.GitHub.PrivateKeyPath == "" {
			errs = append(errs, "github.private_key_path is required when github.app_id is set")
		}
	}
	if c.GitHub.MaxWatchedRepos <= 0 {
		errs = append(errs, "github.max_watched_repos must be > 0")
	}
	for i, repo := range c.GitHub.WatchedRepos {
		if !validRepo(repo) {
			errs = append(errs, fmt.Sprintf("github.watched_repos[%d] must be owner/name", i))
		}
	}
	if !slices.Contains(validCountSources, c.GitHub.OpenIssueCountSource) {
		errs = append(errs, "github.open_issue_count_source must be rest or graphql")
	}
	if c.GitHub.EventsMaxPages <= 0 {
		errs = append(errs, "github.events_max_pages must be > 0")
	}

	if c.Schedule.ActivityInterval <= 0 {
		errs = append(errs, "schedule.activity_interval must be > 0")
	}
	if c.Schedule.LabelsInterval <= 0 {
		errs = append(errs, "schedule.labels_interval must be > 0")
	}
	if c.Fetch.Concurrency <= 0 {
		errs = append(errs, "fetch.concurrency must be > 0")
	}
	if c.FullSync.PageSize <= 0 || c.FullSync.PageSize > 100 {
		errs = append(errs, "full_sync.page_size must be between 1 and 100")
	}
	if c.Rescan.BatchSize <= 0 {
		errs = append(errs, "rescan.batch_size must be > 0")
	}

	for i, report := range c.Reports.AverageLabelTime {
		prefix := fmt.Sprintf("reports.average_label_time[%d]", i)
		if !validRepo(report.Repo) {
			errs = append(errs, prefix+".repo must be owner/name")
		}
		if len(report.Labels) == 0 {
			errs = append(errs, prefix+".labels must contain at least one label")
		}
	}
	for i, report := range c.Reports.Projects {
		prefix := fmt.Sprintf("reports.projects[%d]", i)
		if strings.TrimSpace(report.Org) == "" {
			errs = append(errs, prefix+".org is required")
		}
		if strings.TrimSpace(report.Project) == "" {
			errs = append(errs, prefix+".project is required")
		}
	}

	if len(c.Jobs.RequeueDelays) == 0 {
		errs = append(errs, "jobs.requeue_delays must contain at least one duration")
	}
	if c.Jobs.Buffer <= 0 {
		errs = append(errs, "jobs.buffer must be > 0")
	}
	if !slices.Contains(validJobTransports, c.Jobs.Transport) {
		errs = append(errs, "jobs.transport must be memory or rabbitmq")
	}
	if c.Jobs.Transport == "rabbitmq" && strings.TrimSpace(c.Jobs.RabbitMQURL) == "" {
		errs = append(errs, "jobs.rabbitmq_url is required when jobs.transport is rabbitmq")
	}

	if !slices.Contains(validBackends, c.Store.Backend) {
		errs = append(errs, "store.backend must be one of memory|redis|sqlite|postgres")
	}
	switch c.Store.Backend {
	case "redis":
		if c.Store.RedisMode != "standalone" && c.Store.RedisMode != "sentinel" {
			errs = append(errs, "store.redis_mode must be standalone or sentinel")
		}
		if c.Store.RedisMode == "sentinel" && len(c.Store.RedisSentinelAddrs) == 0 {
			errs = append(errs, "store.redis_sentinel_addrs is required when store.redis_mode=sentinel")
		}
		if c.Store.RedisMode == "standalone" && c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required when store.redis_mode=standalone")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required when store.backend=sqlite")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, "store.postgres_dsn is required when store.backend=postgres")
		}
	}

	if c.LeaderElection.Enabled {
		if c.Store.Backend == "memory" {
			errs = append(errs, "leader_election.enabled requires a shared store backend")
		}
		if c.LeaderElection.RenewInterval >= c.LeaderElection.LeaseDuration {
			errs = append(errs, "leader_election.renew_interval must be shorter than leader_election.lease_duration")
		}
	}

	if !slices.Contains(validTraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validRepo(repo string) bool {
	owner, name, ok := strings.Cut(strings.TrimSpace(repo), "/")
	return ok && owner != "" && name != "" && !strings.Contains(name, "/")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}

	if cfg.GitHub.APIBaseURL == "" {
		cfg.GitHub.APIBaseURL = defaultAPIBaseURL
	}
	if cfg.GitHub.GraphQLURL == "" {
		cfg.GitHub.GraphQLURL = defaultGraphQLURL
	}
	if cfg.GitHub.AccessTokenEnv == "" {
		cfg.GitHub.AccessTokenEnv = defaultAccessTokenEnv
	}
	if cfg.GitHub.RequestTimeout <= 0 {
		cfg.GitHub.RequestTimeout = 30 * time.Second
	}
	if cfg.GitHub.MaxWatchedRepos == 0 {
		cfg.GitHub.MaxWatchedRepos = 10
	}
	if cfg.GitHub.OpenIssueCountSource == "" {
		cfg.GitHub.OpenIssueCountSource = "rest"
	}
	if cfg.GitHub.EventsMaxPages == 0 {
		cfg.GitHub.EventsMaxPages = 3
	}

	if cfg.RateLimit.MinRemainingThreshold == 0 {
		cfg.RateLimit.MinRemainingThreshold = 50
	}
	if cfg.RateLimit.MinResetBuffer == 0 {
		cfg.RateLimit.MinResetBuffer = 5 * time.Second
	}
	if cfg.RateLimit.SecondaryLimitBackoff == 0 {
		cfg.RateLimit.SecondaryLimitBackoff = time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = time.Second
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 30 * time.Second
	}

	if cfg.Schedule.ActivityInterval == 0 {
		cfg.Schedule.ActivityInterval = time.Hour
	}
	if cfg.Schedule.LabelsInterval == 0 {
		cfg.Schedule.LabelsInterval = 24 * time.Hour
	}
	if cfg.Fetch.Concurrency == 0 {
		cfg.Fetch.Concurrency = 4
	}
	if cfg.FullSync.PageSize == 0 {
		cfg.FullSync.PageSize = 100
	}
	if cfg.FullSync.DedupTTL == 0 {
		cfg.FullSync.DedupTTL = time.Minute
	}
	if cfg.Rescan.IssueDelay == 0 {
		cfg.Rescan.IssueDelay = 20 * time.Second
	}
	if cfg.Rescan.BatchSize == 0 {
		cfg.Rescan.BatchSize = 200
	}
	if cfg.Rescan.BatchDelay == 0 {
		cfg.Rescan.BatchDelay = 2 * time.Minute
	}

	if cfg.Jobs.Transport == "" {
		cfg.Jobs.Transport = "memory"
	}
	if cfg.Jobs.Exchange == "" {
		cfg.Jobs.Exchange = "ghactivity"
	}
	if cfg.Jobs.PollInterval == 0 {
		cfg.Jobs.PollInterval = 2 * time.Second
	}
	if cfg.Jobs.Queue == "" {
		cfg.Jobs.Queue = "ghactivity.jobs"
	}
	if cfg.Jobs.DLQ == "" {
		cfg.Jobs.DLQ = cfg.Jobs.Queue + ".dlq"
	}
	if cfg.Jobs.Buffer == 0 {
		cfg.Jobs.Buffer = 64
	}
	if cfg.Jobs.MaxMessageAge == 0 {
		cfg.Jobs.MaxMessageAge = 24 * time.Hour
	}
	if len(cfg.Jobs.RequeueDelays) == 0 {
		cfg.Jobs.RequeueDelays = slices.Clone(defaultRequeueDelays)
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.RedisMode == "" {
		cfg.Store.RedisMode = "standalone"
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "ghactivity"
	}

	if cfg.LeaderElection.LockKey == "" {
		cfg.LeaderElection.LockKey = cfg.Store.Namespace + ":leader"
	}
	if cfg.LeaderElection.LeaseDuration == 0 {
		cfg.LeaderElection.LeaseDuration = 30 * time.Second
	}
	if cfg.LeaderElection.RenewInterval == 0 {
		cfg.LeaderElection.RenewInterval = cfg.LeaderElection.LeaseDuration / 3
	}
	if cfg.LeaderElection.Identity == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.LeaderElection.Identity = host
		}
	}

	if cfg.Health.GitHubFailureThreshold == 0 {
		cfg.Health.GitHubFailureThreshold = 3
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "off"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server         ServerConfig      `yaml:"server"`
	GitHub         rawGitHub         `yaml:"github"`
	RateLimit      rawRateLimit      `yaml:"rate_limit"`
	Retry          rawRetry          `yaml:"retry"`
	Schedule       rawSchedule       `yaml:"schedule"`
	Fetch          FetchConfig       `yaml:"fetch"`
	FullSync       rawFullSync       `yaml:"full_sync"`
	Rescan         rawRescan         `yaml:"rescan"`
	Reports        rawReports        `yaml:"reports"`
	Jobs           rawJobs           `yaml:"jobs"`
	Store          rawStore          `yaml:"store"`
	LeaderElection rawLeaderElection `yaml:"leader_election"`
	Health         rawHealth         `yaml:"health"`
	Telemetry      rawTelemetry      `yaml:"telemetry"`
}

type rawGitHub struct {
	APIBaseURL           string   `yaml:"api_base_url"`
	WebBaseURL           string   `yaml:"web_base_url"`
	GraphQLURL           string   `yaml:"graphql_url"`
	AccessToken          string   `yaml:"access_token"`
	AccessTokenEnv       string   `yaml:"access_token_env"`
	AppID                int64    `yaml:"app_id"`
	InstallationID       int64    `yaml:"installation_id"`
	PrivateKeyPath       string   `yaml:"private_key_path"`
	RequestTimeout       duration `yaml:"request_timeout"`
	Usernames            string   `yaml:"usernames"`
	WatchedRepos         []string `yaml:"watched_repos"`
	MaxWatchedRepos      int      `yaml:"max_watched_repos"`
	StorePrivateEvents   bool     `yaml:"store_private_events"`
	Organization         string   `yaml:"organization"`
	OpenIssueCountSource string   `yaml:"open_issue_count_source"`
	EventsMaxPages       int      `yaml:"events_max_pages"`
}

type rawRateLimit struct {
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	SecondaryLimitBackoff duration `yaml:"secondary_limit_backoff"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawSchedule struct {
	ActivityInterval duration `yaml:"activity_interval"`
	LabelsInterval   duration `yaml:"labels_interval"`
	RunOnStart       bool     `yaml:"run_on_start"`
}

type rawFullSync struct {
	PageSize  int      `yaml:"page_size"`
	AutoStart bool     `yaml:"auto_start"`
	DedupTTL  duration `yaml:"dedup_ttl"`
}

type rawRescan struct {
	IssueDelay duration `yaml:"issue_delay"`
	BatchSize  int      `yaml:"batch_size"`
	BatchDelay duration `yaml:"batch_delay"`
}

type rawReports struct {
	AverageLabelTime []LabelTimeReport `yaml:"average_label_time"`
	Projects         []ProjectReport   `yaml:"projects"`
}

type rawJobs struct {
	Transport                   string     `yaml:"transport"`
	RabbitMQURL                 string     `yaml:"rabbitmq_url"`
	Exchange                    string     `yaml:"exchange"`
	PollInterval                duration   `yaml:"poll_interval"`
	Queue                       string     `yaml:"queue"`
	DLQ                         string     `yaml:"dlq"`
	Buffer                      int        `yaml:"buffer"`
	MaxMessageAge               duration   `yaml:"max_message_age"`
	RequeueDelays               []duration `yaml:"requeue_delays"`
	MaxEnqueuesPerKindPerMinute int        `yaml:"max_enqueues_per_kind_per_minute"`
}

type rawStore struct {
	Backend            string   `yaml:"backend"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	Namespace          string   `yaml:"namespace"`
	SQLitePath         string   `yaml:"sqlite_path"`
	PostgresDSN        string   `yaml:"postgres_dsn"`
}

type rawLeaderElection struct {
	Enabled       bool     `yaml:"enabled"`
	LockKey       string   `yaml:"lock_key"`
	LeaseDuration duration `yaml:"lease_duration"`
	RenewInterval duration `yaml:"renew_interval"`
	Identity      string   `yaml:"identity"`
}

type rawHealth struct {
	GitHubFailureThreshold int `yaml:"github_failure_threshold"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	cfg := &Config{
		Server: r.Server,
		GitHub: GitHubConfig{
			APIBaseURL:           strings.TrimRight(strings.TrimSpace(r.GitHub.APIBaseURL), "/"),
			WebBaseURL:           strings.TrimRight(strings.TrimSpace(r.GitHub.WebBaseURL), "/"),
			GraphQLURL:           strings.TrimSpace(r.GitHub.GraphQLURL),
			AccessToken:          r.GitHub.AccessToken,
			AccessTokenEnv:       r.GitHub.AccessTokenEnv,
			AppID:                r.GitHub.AppID,
			InstallationID:       r.GitHub.InstallationID,
			PrivateKeyPath:       r.GitHub.PrivateKeyPath,
			RequestTimeout:       r.GitHub.RequestTimeout.Duration,
			Usernames:            r.GitHub.Usernames,
			WatchedRepos:         r.GitHub.WatchedRepos,
			MaxWatchedRepos:      r.GitHub.MaxWatchedRepos,
			StorePrivateEvents:   r.GitHub.StorePrivateEvents,
			Organization:         r.GitHub.Organization,
			OpenIssueCountSource: r.GitHub.OpenIssueCountSource,
			EventsMaxPages:       r.GitHub.EventsMaxPages,
		},
		RateLimit: RateLimitConfig{
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			SecondaryLimitBackoff: r.RateLimit.SecondaryLimitBackoff.Duration,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		Schedule: ScheduleConfig{
			ActivityInterval: r.Schedule.ActivityInterval.Duration,
			LabelsInterval:   r.Schedule.LabelsInterval.Duration,
			RunOnStart:       r.Schedule.RunOnStart,
		},
		Fetch: r.Fetch,
		FullSync: FullSyncConfig{
			PageSize:  r.FullSync.PageSize,
			AutoStart: r.FullSync.AutoStart,
			DedupTTL:  r.FullSync.DedupTTL.Duration,
		},
		Rescan: RescanConfig{
			IssueDelay: r.Rescan.IssueDelay.Duration,
			BatchSize:  r.Rescan.BatchSize,
			BatchDelay: r.Rescan.BatchDelay.Duration,
		},
		Reports: ReportsConfig{
			AverageLabelTime: r.Reports.AverageLabelTime,
			Projects:         r.Reports.Projects,
		},
		Jobs: JobsConfig{
			Transport:                   strings.ToLower(strings.TrimSpace(r.Jobs.Transport)),
			RabbitMQURL:                 strings.TrimSpace(r.Jobs.RabbitMQURL),
			Exchange:                    strings.TrimSpace(r.Jobs.Exchange),
			PollInterval:                r.Jobs.PollInterval.Duration,
			Queue:                       r.Jobs.Queue,
			DLQ:                         r.Jobs.DLQ,
			Buffer:                      r.Jobs.Buffer,
			MaxMessageAge:               r.Jobs.MaxMessageAge.Duration,
			RequeueDelays:               make([]time.Duration, 0, len(r.Jobs.RequeueDelays)),
			MaxEnqueuesPerKindPerMinute: r.Jobs.MaxEnqueuesPerKindPerMinute,
		},
		Store: StoreConfig{
			Backend:            strings.ToLower(strings.TrimSpace(r.Store.Backend)),
			RedisMode:          r.Store.RedisMode,
			RedisAddr:          r.Store.RedisAddr,
			RedisMasterSet:     r.Store.RedisMasterSet,
			RedisSentinelAddrs: r.Store.RedisSentinelAddrs,
			RedisPassword:      r.Store.RedisPassword,
			RedisDB:            r.Store.RedisDB,
			Namespace:          r.Store.Namespace,
			SQLitePath:         r.Store.SQLitePath,
			PostgresDSN:        r.Store.PostgresDSN,
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:       r.LeaderElection.Enabled,
			LockKey:       r.LeaderElection.LockKey,
			LeaseDuration: r.LeaderElection.LeaseDuration.Duration,
			RenewInterval: r.LeaderElection.RenewInterval.Duration,
			Identity:      r.LeaderElection.Identity,
		},
		Health: HealthConfig{
			GitHubFailureThreshold: r.Health.GitHubFailureThreshold,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}

	for _, delay := range r.Jobs.RequeueDelays {
		cfg.Jobs.RequeueDelays = append(cfg.Jobs.RequeueDelays, delay.Duration)
	}

	return cfg
}
