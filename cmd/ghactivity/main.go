package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/ghactivity/internal/app"
	"github.com/cam3ron2/ghactivity/internal/config"
	"github.com/cam3ron2/ghactivity/internal/githubapi"
	"github.com/cam3ron2/ghactivity/internal/leader"
	"github.com/cam3ron2/ghactivity/internal/store"
	"github.com/cam3ron2/ghactivity/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const initialRoleEnv = "GHACTIVITY_INITIAL_ROLE"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ghactivity: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ghactivity",
		Short:         "Ingest GitHub activity and reconcile issue state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/local.yaml", "path to YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the scheduler, job worker and HTTP endpoints",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "collect",
			Short: "Run one activity cycle and one labels cycle, then exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withService(cmd.Context(), configPath, func(ctx context.Context, svc *service) error {
					return errors.Join(svc.runtime.RunActivityCycle(ctx), svc.runtime.RunLabelsCycle(ctx))
				})
			},
		},
		&cobra.Command{
			Use:   "sync OWNER/NAME",
			Short: "Run the full issue sync of one monitored repository",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd.Context(), configPath, func(ctx context.Context, svc *service) error {
					summary, err := svc.runtime.RunFullSync(ctx, args[0])
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d pages, %d issues (%d created, %d updated)\n",
						summary.Repo, summary.Checkpoint.Status, summary.Pages, summary.Issues, summary.Created, summary.Updated)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rescan-labels [OWNER/NAME NUMBER]",
			Short: "Replay label events of one issue, or of every stored issue",
			Args: func(_ *cobra.Command, args []string) error {
				_, _, err := rescanTarget(args)
				return err
			},
			RunE: func(cmd *cobra.Command, args []string) error {
				repo, number, _ := rescanTarget(args)
				return withService(cmd.Context(), configPath, func(ctx context.Context, svc *service) error {
					summary, err := svc.runtime.RescanLabels(ctx, repo, number)
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "issues: %d, applied: %d, skipped: %d, failures: %d\n",
						summary.Sources, summary.Applied, summary.Skipped, summary.Failures)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

// rescanTarget accepts no arguments or a repository and a positive issue number.
func rescanTarget(args []string) (string, int, error) {
	switch len(args) {
	case 0:
		return "", 0, nil
	case 2:
		number, err := strconv.Atoi(args[1])
		if err != nil || number <= 0 {
			return "", 0, fmt.Errorf("issue number must be a positive integer, got %q", args[1])
		}
		return args[0], number, nil
	default:
		return "", 0, fmt.Errorf("expected no arguments or OWNER/NAME NUMBER, got %d arguments", len(args))
	}
}

type service struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   store.Store
	runtime *app.Runtime
	closers []func()
}

func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func withService(ctx context.Context, configPath string, fn func(ctx context.Context, svc *service) error) error {
	ctx, cancel := signal.NotifyContext(contextOrBackground(ctx), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := newService(ctx, configPath)
	if err != nil {
		return err
	}
	defer svc.close()
	return fn(ctx, svc)
}

func newService(ctx context.Context, configPath string) (*service, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Server.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	svc := &service{cfg: cfg, logger: logger}
	svc.closers = append(svc.closers, func() {
		if syncErr := logger.Sync(); syncErr != nil && !shouldIgnoreLoggerSyncError(syncErr) {
			_, _ = fmt.Fprintf(os.Stderr, "ghactivity: sync logger: %v\n", syncErr)
		}
	})

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      "ghactivity",
		ServiceVersion:   version,
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	svc.closers = append(svc.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	})

	svc.store, err = app.OpenStore(ctx, cfg.Store)
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.closers = append(svc.closers, func() {
		_ = svc.store.Close()
	})

	clients, err := app.NewGitHubClients(cfg)
	if err != nil {
		svc.close()
		return nil, err
	}
	jobQueue, err := app.OpenJobQueue(ctx, cfg.Jobs, logger)
	if err != nil {
		svc.close()
		return nil, err
	}

	svc.runtime, err = app.NewRuntime(cfg, app.Dependencies{
		Store:      svc.store,
		GitHub:     clients.Data,
		Counter:    clients.Counter,
		Profiles:   clients.Profiles,
		Queue:      jobQueue,
		WebBaseURL: clients.WebBaseURL,
	}, logger)
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("build runtime: %w", err)
	}
	upstream := svc.runtime.Metrics()
	clients.Data.Observe = func(op string, status githubapi.EndpointStatus) {
		upstream.ObserveUpstream(op, string(status))
	}

	logger.Info(
		"service initialized",
		zap.String("version", version),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("job_transport", cfg.Jobs.Transport),
		zap.Strings("monitored_repos", svc.runtime.MonitoredRepos()),
	)
	return svc, nil
}

func runServe(ctx context.Context, configPath string) error {
	rootCtx, cancel := signal.NotifyContext(contextOrBackground(ctx), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := newService(rootCtx, configPath)
	if err != nil {
		return err
	}
	defer svc.close()
	logger := svc.logger

	elector, err := buildElector(svc.cfg, svc.store, logger)
	if err != nil {
		return fmt.Errorf("build elector: %w", err)
	}

	server := &http.Server{
		Addr:              svc.cfg.Server.ListenAddr,
		Handler:           svc.runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", svc.cfg.Server.ListenAddr))
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	runtimeErrCh := make(chan error, 1)
	go func() {
		runtimeErrCh <- svc.runtime.Run(rootCtx, elector)
	}()

	var runErr error
	runtimeStopped := false
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			runErr = fmt.Errorf("http server failed: %w", serveErr)
		}
	case electErr := <-runtimeErrCh:
		runtimeStopped = true
		if electErr != nil {
			runErr = fmt.Errorf("runtime stopped: %w", electErr)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("http server shutdown: %w", err))
	}
	if !runtimeStopped {
		select {
		case <-runtimeErrCh:
		case <-shutdownCtx.Done():
			logger.Warn("runtime did not stop before the shutdown deadline")
		}
	}

	logger.Info("shutdown complete")
	return runErr
}

// buildElector uses the store lease when election is enabled. Otherwise the
// replica keeps the role named by GHACTIVITY_INITIAL_ROLE, leader by default.
func buildElector(cfg *config.Config, leases store.LeaseStore, logger *zap.Logger) (leader.Elector, error) {
	if cfg == nil || !cfg.LeaderElection.Enabled {
		role := strings.ToLower(strings.TrimSpace(os.Getenv(initialRoleEnv)))
		return leader.StaticElector{IsLeader: role != "follower"}, nil
	}

	elector, err := leader.NewLockElector(leases, leader.LockConfig{
		Key:           cfg.LeaderElection.LockKey,
		Identity:      cfg.LeaderElection.Identity,
		LeaseDuration: cfg.LeaderElection.LeaseDuration,
		RetryPeriod:   cfg.LeaderElection.RenewInterval,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info(
		"leader election enabled",
		zap.String("lock_key", cfg.LeaderElection.LockKey),
		zap.String("identity", cfg.LeaderElection.Identity),
	)
	return elector, nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// shouldIgnoreLoggerSyncError reports errors returned when syncing stdout or stderr
// attached to a terminal or pipe.
func shouldIgnoreLoggerSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
