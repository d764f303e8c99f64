package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"commitrelay/internal/config"
	"commitrelay/internal/delivery"
	"commitrelay/internal/dispatcher"
	"commitrelay/internal/health"
	"commitrelay/internal/journal"
	"commitrelay/internal/lock"
	"commitrelay/internal/logging"
	"commitrelay/internal/metrics"
	"commitrelay/internal/queue"
	"commitrelay/internal/statusapi"
	"commitrelay/internal/watcher"
)

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, opts)
		},
	}
}

// runDaemon wires every component and blocks until ctx is cancelled.
func runDaemon(ctx context.Context, opts *options) error {
	loader := config.NewLoader(opts.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", loader.Path(), err)
	}
	opts.apply(cfg)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	for _, w := range config.Warnings(cfg) {
		logger.Warn("config warning", "field", w.Field, "message", w.Message)
	}

	lk, err := lock.Acquire(cfg.LockPath())
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return fmt.Errorf("state directory %s is in use by pid %d", cfg.StateDir, held.PID)
		}
		return err
	}
	defer func() {
		if err := lk.Release(); err != nil {
			logger.Warn("failed to release lock", "error", err)
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	client := delivery.New(delivery.Config{
		Endpoint:  cfg.Delivery.Endpoint,
		Token:     cfg.Delivery.Token,
		Timeout:   cfg.Delivery.Timeout(),
		UserAgent: "commitrelay/" + Version,
		Retry: delivery.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay(),
			MaxDelay:   cfg.Retry.MaxDelay(),
			Multiplier: cfg.Retry.Multiplier,
		},
	}, logger, m)

	jrnl, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()

	q, err := openQueue(cfg, jrnl, logger, m)
	if err != nil {
		return err
	}

	d := dispatcher.New(client, q, jrnl, m, logger, dispatcher.Options{
		DrainInterval:    cfg.Queue.DrainInterval(),
		SessionTTL:       cfg.Delivery.SessionTTL(),
		JournalRetention: cfg.Queue.JournalRetention(),
		Watch: watcher.Options{
			Debounce:     cfg.Watch.Debounce(),
			SnapshotSize: cfg.Watch.SnapshotSize,
		},
	})

	checker := health.NewChecker()
	checker.RegisterFunc("connection", false, health.ConnectionCheck(func() (string, int) {
		h := client.Health()
		return string(h.State), h.ConsecutiveFailures
	}))
	checker.RegisterFunc("queue", false, health.QueueCheck(q.Len, cfg.Queue.MaxItems))
	checker.RegisterFunc("watchers", true, health.WatchersCheck(d.WatcherCounts))
	checker.RegisterFunc("journal", true, health.DatabaseCheck(jrnl.Ping))

	loader.OnChange(func(old, next *config.Config) {
		logger.Info("configuration reloaded",
			"projects_before", len(old.Projects),
			"projects_after", len(next.Projects),
		)
		if old.Delivery != next.Delivery || old.Status != next.Status {
			logger.Warn("delivery and status settings take effect after restart")
		}
		d.Reconcile(projectsFrom(next))
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "path", loader.Path(), "error", err)
	}
	defer loader.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(gctx, projectsFrom(cfg))
	})

	if cfg.Status.Address != "" {
		srv := statusapi.New(statusapi.Options{
			Address:  cfg.Status.Address,
			Version:  Version,
			Pipeline: d,
			Queue:    q,
			Journal:  jrnl,
			Health:   checker,
			Metrics:  metricsHandler(m),
			Logger:   logger,
		})
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-loader.Errors():
				logger.Warn("configuration change rejected", "path", loader.Path(), "error", err)
			case <-hup:
				if err := logger.Rotate(); err != nil {
					logger.Error("log rotation failed", "error", err)
				}
			}
		}
	})

	checker.SetReady(true)
	logger.Info("commitrelay started",
		"version", Version,
		"endpoint", cfg.Delivery.Endpoint,
		"projects", len(cfg.Projects),
		"state_dir", cfg.StateDir,
		"status_api", cfg.Status.Address,
	)

	err = g.Wait()
	checker.SetReady(false)
	logger.Info("commitrelay stopped")
	return err
}

// openQueue loads the retry queue and journals everything it discards.
func openQueue(cfg *config.Config, jrnl *journal.Journal, logger *logging.Logger, m *metrics.Metrics) (*queue.Queue, error) {
	store, err := queue.NewFileStore(cfg.QueuePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	q, err := queue.New(store, queue.Options{
		MaxItems:    cfg.Queue.MaxItems,
		MaxAge:      cfg.Queue.MaxAge(),
		MaxAttempts: cfg.Queue.MaxAttempts,
		Observer:    dispatcher.JournalEvictions(jrnl, logger),
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return q, nil
}

// newLogger builds the daemon logger from its config section.
func newLogger(c config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Output
	if c.FilePath != "" {
		lc.FilePath = c.FilePath
	}
	lc.MaxSizeMB = c.MaxSizeMB
	lc.MaxBackups = c.MaxBackups
	lc.MaxAgeDays = c.MaxAgeDays
	lc.Compress = c.Compress

	logger, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}

// metricsHandler returns nil when metrics are disabled so /metrics is not routed.
func metricsHandler(m *metrics.Metrics) http.Handler {
	if m == nil {
		return nil
	}
	return m.Handler()
}

// projectsFrom converts configured projects to watcher projects. A project
// without a name is named after its directory.
func projectsFrom(cfg *config.Config) []watcher.Project {
	paths := cfg.ProjectPaths()
	projects := make([]watcher.Project, 0, len(paths))
	for i, pc := range cfg.Projects {
		path := filepath.Clean(paths[i])
		name := pc.Name
		if name == "" {
			name = filepath.Base(path)
		}
		projects = append(projects, watcher.Project{
			ID:   pc.ID,
			Name: name,
			Path: path,
		})
	}
	return projects
}
