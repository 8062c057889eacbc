// Package app wires the activity pipeline into a leader-elected service.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/ghactivity/internal/config"
	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/fetch"
	"github.com/cam3ron2/ghactivity/internal/fullsync"
	"github.com/cam3ron2/ghactivity/internal/health"
	"github.com/cam3ron2/ghactivity/internal/ingest"
	"github.com/cam3ron2/ghactivity/internal/jobs"
	"github.com/cam3ron2/ghactivity/internal/labels"
	"github.com/cam3ron2/ghactivity/internal/leader"
	"github.com/cam3ron2/ghactivity/internal/metrics"
	"github.com/cam3ron2/ghactivity/internal/reconcile"
	"github.com/cam3ron2/ghactivity/internal/reports"
	"github.com/cam3ron2/ghactivity/internal/store"
	"github.com/cam3ron2/ghactivity/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	cycleActivity = "activity"
	cycleLabels   = "labels"
	snapshotTTL   = 30 * time.Second
	countWindow   = 24 * time.Hour
)

// GitHub is the upstream surface used by the runtime.
type GitHub interface {
	fetch.EventSource
	fullsync.IssueSource
	labels.IssueEventSource
	reports.ProjectSource
}

// Dependencies are the collaborators of a Runtime.
type Dependencies struct {
	Store  store.Store
	GitHub GitHub
	// Counter sizes full syncs. Nil uses GitHub when it can count.
	Counter fullsync.OpenIssueCounter
	// Profiles enriches actors. Nil disables enrichment.
	Profiles ingest.ProfileSource
	// Metrics is created when nil.
	Metrics *metrics.Metrics
	// Queue carries jobs. Nil uses an in-process broker.
	Queue      jobs.Queue
	WebBaseURL string
}

// Runtime is the application runtime orchestrator.
type Runtime struct {
	cfg        *config.Config
	store      store.Store
	fetcher    *fetch.Fetcher
	pipeline   *ingest.Pipeline
	rescanner  *labels.Rescanner
	runner     *fullsync.Runner
	recorder   *reports.Recorder
	queue      jobs.Queue
	dispatcher *jobs.Dispatcher
	worker     *jobs.Worker
	metrics    *metrics.Metrics
	evaluator  *health.StatusEvaluator
	logger     *zap.Logger

	usernames []string
	monitored []string

	mu                  sync.RWMutex
	role                health.Role
	schedulerHealthy    bool
	workerHealthy       bool
	githubHealthy       bool
	githubFailureStreak int
	leaderCancel        context.CancelFunc

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime wires every component over deps.
func NewRuntime(cfg *config.Config, deps Dependencies, logger ...*zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.GitHub == nil {
		return nil, fmt.Errorf("github client is required")
	}
	counter := deps.Counter
	if counter == nil {
		asCounter, ok := deps.GitHub.(fullsync.OpenIssueCounter)
		if !ok {
			return nil, fmt.Errorf("open issue counter is required")
		}
		counter = asCounter
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}

	r := &Runtime{
		cfg:           cfg,
		store:         deps.Store,
		evaluator:     health.NewStatusEvaluator(),
		logger:        baseLogger,
		usernames:     fetch.SplitUsernames(cfg.GitHub.Usernames),
		monitored:     fetch.CapRepos(cfg.GitHub.WatchedRepos, cfg.GitHub.MaxWatchedRepos),
		role:          health.RoleFollower,
		githubHealthy: true,
		Now:           time.Now,
	}

	r.metrics = deps.Metrics
	if r.metrics == nil {
		snapshot := metrics.NewStoreSnapshot(deps.Store, countWindow, r.now)
		r.metrics = metrics.New(metrics.NewCachedSnapshotReader(snapshot, metrics.CacheConfig{RefreshInterval: snapshotTTL}))
	}

	reconciler, err := reconcile.NewShared(deps.Store, deps.Store, reconcile.LeaseConfig{
		Owner: issueLeaseOwner(cfg),
		Now:   r.now,
	}, baseLogger)
	if err != nil {
		return nil, fmt.Errorf("build reconciler: %w", err)
	}
	tracker := labels.NewTracker(deps.Store, reconciler, baseLogger)

	r.fetcher = fetch.New(deps.GitHub, fetch.Config{
		Concurrency:     cfg.Fetch.Concurrency,
		MaxWatchedRepos: cfg.GitHub.MaxWatchedRepos,
	}, baseLogger)
	r.pipeline = ingest.NewPipeline(deps.Store, deps.Store, reconciler, nil, deps.Profiles, ingest.Config{
		StorePrivateEvents: cfg.GitHub.StorePrivateEvents,
		MonitoredRepos:     r.monitored,
		WebBaseURL:         deps.WebBaseURL,
	}, baseLogger)
	r.pipeline.Now = r.now
	r.rescanner = labels.NewRescanner(deps.GitHub, tracker, deps.Store, labels.RescanConfig{
		IssueDelay: cfg.Rescan.IssueDelay,
		BatchSize:  cfg.Rescan.BatchSize,
		BatchDelay: cfg.Rescan.BatchDelay,
	}, baseLogger)
	r.runner = fullsync.NewRunner(deps.GitHub, counter, reconciler, deps.Store, cfg.FullSync.PageSize, baseLogger)
	r.runner.Now = r.now
	r.runner.Observe = func(checkpoint domain.FullSyncCheckpoint) {
		r.metrics.SetFullSyncRemaining(checkpoint.Repo, checkpoint.RemainingPages)
	}
	r.recorder = reports.NewRecorder(deps.Store, deps.GitHub, recorderConfig(cfg, r.monitored), baseLogger)

	r.queue = deps.Queue
	if r.queue == nil {
		buffer := cfg.Jobs.Buffer
		if buffer <= 0 {
			buffer = 64
		}
		r.queue = jobs.NewBroker(buffer)
	}
	r.dispatcher = jobs.NewDispatcher(jobs.DispatcherConfig{
		Queue:                       jobsQueue(cfg),
		DedupTTL:                    cfg.FullSync.DedupTTL,
		MaxEnqueuesPerKindPerMinute: cfg.Jobs.MaxEnqueuesPerKindPerMinute,
	}, r.queue, deps.Store)
	r.worker = jobs.NewWorker(r.queue, jobsQueue(cfg), jobs.ConsumerConfig{
		MaxMessageAge: cfg.Jobs.MaxMessageAge,
		RetryPolicy: jobs.RetryPolicy{
			MaxAttempts: len(cfg.Jobs.RequeueDelays) + 1,
			Delays:      cfg.Jobs.RequeueDelays,
		},
		DeadLetterQueue: cfg.Jobs.DLQ,
		Now:             r.now,
		OnDeadLetter: func(jobs.Message, error) {
			r.metrics.IncDeadLettered()
		},
	}, baseLogger)
	r.registerJobHandlers()

	return r, nil
}

func recorderConfig(cfg *config.Config, monitored []string) reports.RecorderConfig {
	result := reports.RecorderConfig{LabelStateRepos: monitored}
	for _, target := range cfg.Reports.AverageLabelTime {
		result.LabelTimes = append(result.LabelTimes, reports.LabelTimeTarget{Repo: target.Repo, Labels: target.Labels})
	}
	for _, target := range cfg.Reports.Projects {
		result.Projects = append(result.Projects, reports.ProjectTarget{Org: target.Org, Project: target.Project})
	}
	return result
}

func jobsQueue(cfg *config.Config) string {
	if queue := strings.TrimSpace(cfg.Jobs.Queue); queue != "" {
		return queue
	}
	return "ghactivity.jobs"
}

// issueLeaseOwner is unique per process so replicas sharing a store contend for issue leases.
func issueLeaseOwner(cfg *config.Config) string {
	identity := strings.TrimSpace(cfg.LeaderElection.Identity)
	if identity == "" {
		identity = "ghactivity"
	}
	return identity + "/" + uuid.NewString()
}

func (r *Runtime) now() time.Time {
	return r.Now()
}

// Metrics exposes the metrics registry.
func (r *Runtime) Metrics() *metrics.Metrics {
	return r.metrics
}

// MonitoredRepos returns the capped set of fully monitored repositories.
func (r *Runtime) MonitoredRepos() []string {
	return append([]string(nil), r.monitored...)
}

// Run starts the job worker and follows leadership transitions until ctx is done
// or the elector fails.
func (r *Runtime) Run(ctx context.Context, elector leader.Elector) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		r.runWorker(runCtx)
	}()

	roles, errs := leader.NewRunner(elector, r.logger).Start(runCtx)
	err := NewRoleManager(r).Run(runCtx, roles, errs)

	r.StopLeader()
	cancel()
	<-workerDone
	return err
}

// StartLeader starts the schedulers.
func (r *Runtime) StartLeader(ctx context.Context) {
	r.mu.Lock()
	if r.leaderCancel != nil {
		r.leaderCancel()
	}
	leaderCtx, cancel := context.WithCancel(ctx)
	r.leaderCancel = cancel
	r.role = health.RoleLeader
	r.schedulerHealthy = true
	r.mu.Unlock()

	r.metrics.SetLeader(true)
	r.logger.Info(
		"starting scheduler",
		zap.Int("usernames", len(r.usernames)),
		zap.Int("monitored_repos", len(r.monitored)),
		zap.Duration("activity_interval", r.cfg.Schedule.ActivityInterval),
		zap.Duration("labels_interval", r.cfg.Schedule.LabelsInterval),
	)
	go r.runScheduler(leaderCtx)
}

// StopLeader stops the schedulers.
func (r *Runtime) StopLeader() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leaderCancel == nil {
		return
	}
	r.leaderCancel()
	r.leaderCancel = nil
	r.schedulerHealthy = false
	r.metrics.SetLeader(false)
	r.logger.Info("stopped scheduler")
}

// StartFollower records the follower role. Followers only run jobs.
func (r *Runtime) StartFollower(_ context.Context) {
	r.mu.Lock()
	r.role = health.RoleFollower
	r.mu.Unlock()
	r.metrics.SetLeader(false)
	r.logger.Info("running as follower")
}

// StopFollower is a no-op; the worker outlives role changes.
func (r *Runtime) StopFollower() {}

// CurrentStatus evaluates health.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	storeHealthy := r.store.Ping(pingCtx) == nil
	cancel()

	pending := 0
	if storeHealthy {
		if repos, err := r.runner.Pending(ctx); err == nil {
			pending = len(repos)
		}
	}

	r.mu.RLock()
	input := health.Input{
		Role:               r.role,
		StoreHealthy:       storeHealthy,
		SchedulerHealthy:   r.schedulerHealthy,
		GitHubClientUsable: true,
		WorkerHealthy:      r.workerHealthy,
		GitHubHealthy:      r.githubHealthy,
		PendingFullSyncs:   pending,
	}
	r.mu.RUnlock()
	return r.evaluator.Evaluate(input)
}

// RunActivityCycle fetches every configured feed and ingests the merged batch.
func (r *Runtime) RunActivityCycle(ctx context.Context) (err error) {
	started := time.Now()
	ctx, span := telemetry.StartCycleSpan(ctx, cycleActivity)
	defer func() {
		telemetry.EndSpan(span, err)
		r.metrics.ObserveCycle(cycleActivity, started, err)
	}()

	result := r.fetcher.FetchAll(ctx, r.usernames, r.monitored)
	for _, failure := range result.Failures {
		r.metrics.AddFetchFailures(string(failure.Source.Kind), 1)
	}
	r.updateGitHubHealth(result.Sources == 0 || len(result.Failures) < result.Sources)

	summary, err := r.pipeline.Ingest(ctx, result.Events)
	r.metrics.AddIngested("created", summary.Created)
	r.metrics.AddIngested("duplicate", summary.Duplicates)
	r.metrics.AddIngested("skipped_private", summary.SkippedPrivate)
	r.metrics.AddIngested("malformed", summary.Malformed+len(result.Malformed))
	r.metrics.AddIngested("failed", summary.Failed)
	r.metrics.AddReconciled("ingest", string(reconcile.OutcomeCreated), summary.IssuesCreated)
	r.metrics.AddReconciled("ingest", string(reconcile.OutcomeUpdated), summary.IssuesUpdated)
	span.SetAttributes(
		attribute.Int("ghactivity.events_received", summary.Received),
		attribute.Int("ghactivity.events_created", summary.Created),
	)

	r.logger.Info(
		"activity cycle completed",
		zap.Int("sources", result.Sources),
		zap.Int("source_failures", len(result.Failures)),
		zap.Int("events_received", summary.Received),
		zap.Int("events_created", summary.Created),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("issues_created", summary.IssuesCreated),
		zap.Int("issues_updated", summary.IssuesUpdated),
		zap.Duration("duration", time.Since(started)),
	)
	return err
}

// RunLabelsCycle rescans repository issue events of monitored repositories and records reports.
func (r *Runtime) RunLabelsCycle(ctx context.Context) (err error) {
	started := time.Now()
	ctx, span := telemetry.StartCycleSpan(ctx, cycleLabels)
	defer func() {
		telemetry.EndSpan(span, err)
		r.metrics.ObserveCycle(cycleLabels, started, err)
	}()

	rescan, rescanErr := r.rescanner.RescanRepos(ctx, r.monitored)
	r.metrics.AddLabelEvents("applied", rescan.Applied)
	r.metrics.AddLabelEvents("skipped", rescan.Skipped)
	r.metrics.AddFetchFailures("issue_events", rescan.Failures)

	recorded, recordErr := r.recorder.Record(ctx, r.now())

	r.logger.Info(
		"labels cycle completed",
		zap.Int("repos", rescan.Sources),
		zap.Int("label_events_applied", rescan.Applied),
		zap.Int("repo_failures", rescan.Failures),
		zap.Int("reports_recorded", recorded.Recorded),
		zap.Int("reports_failed", recorded.Failed),
		zap.Duration("duration", time.Since(started)),
	)
	return errors.Join(rescanErr, recordErr)
}

func (r *Runtime) runScheduler(ctx context.Context) {
	r.resumeFullSyncs(ctx)

	if r.cfg.Schedule.RunOnStart {
		r.runCycle(ctx, cycleActivity, r.RunActivityCycle)
		r.runCycle(ctx, cycleLabels, r.RunLabelsCycle)
	}

	activity := time.NewTicker(positive(r.cfg.Schedule.ActivityInterval, time.Hour))
	defer activity.Stop()
	labelsTicker := time.NewTicker(positive(r.cfg.Schedule.LabelsInterval, 24*time.Hour))
	defer labelsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("scheduler stopped")
			return
		case <-activity.C:
			r.runCycle(ctx, cycleActivity, r.RunActivityCycle)
		case <-labelsTicker.C:
			r.runCycle(ctx, cycleLabels, r.RunLabelsCycle)
		}
	}
}

func (r *Runtime) runCycle(ctx context.Context, name string, cycle func(context.Context) error) {
	if err := cycle(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("cycle finished with errors", zap.String("cycle", name), zap.Error(err))
	}
}

// resumeFullSyncs queues in-progress syncs, plus every monitored repository when auto start is on.
func (r *Runtime) resumeFullSyncs(ctx context.Context) {
	pending, err := r.runner.Pending(ctx)
	if err != nil {
		r.logger.Warn("list pending full syncs", zap.Error(err))
	}
	repos := pending
	if r.cfg.FullSync.AutoStart {
		repos = append(repos, r.monitored...)
	}

	seen := make(map[string]struct{}, len(repos))
	for _, repo := range repos {
		key := strings.ToLower(repo)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		status, err := r.TriggerFullSync(ctx, repo)
		if err != nil {
			r.logger.Warn("resume full sync", zap.String("repo", repo), zap.Error(err))
			continue
		}
		r.logger.Info("full sync scheduled on start", zap.String("repo", repo), zap.String("status", string(status)))
	}
}

func (r *Runtime) runWorker(ctx context.Context) {
	r.setWorkerHealthy(true)
	defer r.setWorkerHealthy(false)
	r.worker.Run(ctx)
}

func (r *Runtime) setWorkerHealthy(healthy bool) {
	r.mu.Lock()
	r.workerHealthy = healthy
	r.mu.Unlock()
}

func (r *Runtime) registerJobHandlers() {
	r.worker.Handle(jobs.KindFullSync, r.observedJob(jobs.KindFullSync, func(ctx context.Context, job jobs.Job) error {
		summary, err := r.runner.Run(ctx, job.Repo)
		r.metrics.AddReconciled("full_sync", string(reconcile.OutcomeCreated), summary.Created)
		r.metrics.AddReconciled("full_sync", string(reconcile.OutcomeUpdated), summary.Updated)
		return err
	}))
	r.worker.Handle(jobs.KindLabelRescan, r.observedJob(jobs.KindLabelRescan, func(ctx context.Context, _ jobs.Job) error {
		summary, err := r.rescanner.RescanRepos(ctx, r.monitored)
		r.metrics.AddLabelEvents("applied", summary.Applied)
		return err
	}))
	r.worker.Handle(jobs.KindIssueRescan, r.observedJob(jobs.KindIssueRescan, func(ctx context.Context, job jobs.Job) error {
		summary, err := r.rescanner.RescanIssue(ctx, job.Repo, job.Number)
		r.metrics.AddLabelEvents("applied", summary.Applied)
		return err
	}))
	r.worker.Handle(jobs.KindAllIssuesRescan, r.observedJob(jobs.KindAllIssuesRescan, func(ctx context.Context, _ jobs.Job) error {
		summary, err := r.rescanner.RescanAllIssues(ctx)
		r.metrics.AddLabelEvents("applied", summary.Applied)
		return err
	}))
}

func (r *Runtime) observedJob(kind jobs.Kind, handler jobs.JobHandler) jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		ctx, span := telemetry.StartJobSpan(ctx, telemetry.JobSpan{ID: job.ID, Kind: string(kind), Repo: job.Repo, Number: job.Number})
		err := handler(ctx, job)
		telemetry.EndSpan(span, err)

		result := "success"
		if err != nil {
			result = "failure"
			r.logger.Warn("job failed", zap.String("job_id", job.ID), zap.String("kind", string(kind)), zap.String("repo", job.Repo), zap.Error(err))
		}
		r.metrics.ObserveJob(string(kind), result)
		return err
	}
}

// updateGitHubHealth marks GitHub unhealthy after the configured number of failed cycles in a row.
func (r *Runtime) updateGitHubHealth(cycleSuccessful bool) {
	threshold := r.cfg.Health.GitHubFailureThreshold
	if threshold <= 0 {
		threshold = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cycleSuccessful {
		r.githubFailureStreak = 0
		r.githubHealthy = true
		return
	}
	r.githubFailureStreak++
	if r.githubFailureStreak >= threshold {
		r.githubHealthy = false
	}
}

func positive(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
