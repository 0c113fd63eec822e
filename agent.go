package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dhcgn/mail-dl/archive"
	"github.com/dhcgn/mail-dl/config"
	"github.com/dhcgn/mail-dl/filter"
	"github.com/dhcgn/mail-dl/imap"
	"github.com/dhcgn/mail-dl/mailbox"
	"github.com/dhcgn/mail-dl/mailbox/graph"
	"github.com/dhcgn/mail-dl/mbox"
	"github.com/dhcgn/mail-dl/runner"
	"github.com/dhcgn/mail-dl/scheduler"
	"github.com/dhcgn/mail-dl/state"
	"github.com/dhcgn/mail-dl/stats"
)

// agent holds the wired drain pipeline for one process.
type agent struct {
	cfg       config.Config
	logger    *slog.Logger
	service   mailbox.Service
	journal   *state.FileJournal
	rules     *filter.Reloadable
	collector *stats.Collector
	driver    *scheduler.Driver
}

func newAgent(ctx context.Context, cfg config.Config, logger *slog.Logger) (*agent, error) {
	matcher, err := filter.New(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("filter.New: %w", err)
	}

	service, err := openService(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	archiver, err := archive.New(archive.Options{
		TargetDir:         cfg.TargetDir,
		StagingDir:        cfg.StagingDir,
		KeepFailedStaging: cfg.KeepFailedStaging,
	}, service, logger)
	if err != nil {
		_ = service.Close()
		return nil, fmt.Errorf("archive.New: %w", err)
	}
	if removed, err := archiver.Sweep(); err != nil {
		logger.Warn("could not sweep staging area", "err", err)
	} else if removed > 0 {
		logger.Info("removed stale staging directories", "count", removed)
	}

	journal, err := state.NewFileJournal(cfg.StateDir, logger)
	if err != nil {
		_ = service.Close()
		return nil, fmt.Errorf("state.NewFileJournal: %w", err)
	}
	if pending := journal.Snapshot().Pending; pending > 0 {
		logger.Warn("archived messages still waiting for deletion", "count", pending)
	}

	rules := filter.NewReloadable(matcher)
	collector := stats.NewCollector()

	r, err := runner.New(runner.Config{
		Service:  service,
		Matcher:  rules,
		Archiver: archiver,
		Journal:  journal,
		Events:   collector,
		PageSize: cfg.PageSize,
	}, logger)
	if err != nil {
		_ = journal.Close()
		_ = service.Close()
		return nil, fmt.Errorf("runner.New: %w", err)
	}

	driver, err := scheduler.New(r, scheduler.Options{
		Schedule:      cfg.Schedule,
		FollowUpDelay: cfg.FollowUpDelay,
	}, collector, logger)
	if err != nil {
		_ = journal.Close()
		_ = service.Close()
		return nil, fmt.Errorf("scheduler.New: %w", err)
	}

	return &agent{
		cfg:       cfg,
		logger:    logger,
		service:   service,
		journal:   journal,
		rules:     rules,
		collector: collector,
		driver:    driver,
	}, nil
}

func openService(ctx context.Context, cfg config.Config, logger *slog.Logger) (mailbox.Service, error) {
	switch cfg.Backend {
	case config.BackendGraph:
		client, err := graph.New(ctx, graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			UserID:       cfg.Graph.UserID,
			Folder:       cfg.Graph.Folder,
			BaseURL:      cfg.Graph.BaseURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("graph.New: %w", err)
		}
		return client, nil
	case config.BackendIMAP:
		mb, err := imap.New(imap.Options{
			Host:               cfg.IMAP.Host,
			Port:               cfg.IMAP.Port,
			Username:           cfg.IMAP.User,
			Password:           cfg.IMAP.Pass,
			UseTLS:             cfg.IMAP.UseTLS,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			Folder:             cfg.IMAP.Folder,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("imap.New: %w", err)
		}
		return mb, nil
	case config.BackendSpool:
		spool, err := mbox.NewSpool(mbox.Options{Path: cfg.SpoolPath}, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.NewSpool: %w", err)
		}
		return spool, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// run drives the scheduler until ctx is cancelled.
func (a *agent) run(ctx context.Context) error {
	if a.cfg.WatchRules(a.rules, a.logger) {
		a.logger.Info("watching config file for rule changes", "file", a.cfg.ConfigFile)
	}

	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	return a.driver.Run(ctx)
}

// drain empties the mailbox once and returns.
func (a *agent) drain(ctx context.Context) error {
	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	return a.driver.Drain(ctx)
}

func (a *agent) serveMetrics() func() {
	if a.cfg.MetricsAddr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.collector.Handler())
	server := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "err", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func (a *agent) close() error {
	return errors.Join(a.journal.Close(), a.service.Close())
}
