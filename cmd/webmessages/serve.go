// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lrhodin/webmessages/pkg/actions"
	"github.com/lrhodin/webmessages/pkg/attachmeta"
	"github.com/lrhodin/webmessages/pkg/bridge"
	"github.com/lrhodin/webmessages/pkg/chatdb"
	"github.com/lrhodin/webmessages/pkg/config"
	"github.com/lrhodin/webmessages/pkg/events"
	"github.com/lrhodin/webmessages/pkg/identity"
	"github.com/lrhodin/webmessages/pkg/merge"
	"github.com/lrhodin/webmessages/pkg/metrics"
	"github.com/lrhodin/webmessages/pkg/server"
	"github.com/lrhodin/webmessages/pkg/state"
	"github.com/lrhodin/webmessages/pkg/watcher"
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Watch chat.db and serve the HTTP API",
	Before: prepareApp,
	Action: cmdServe,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Override the listen address from the config",
		},
	},
}

var commandOutcomes = map[error]string{
	bridge.ErrTimeout:    "timeout",
	bridge.ErrNotRunning: "not_running",
	bridge.ErrStopped:    "stopped",
}

func cmdServe(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	if listen := ctx.String("listen"); listen != "" {
		cfg.Listen = listen
	}
	runCtx, cancel := signalContext(ctx.Context)
	defer cancel()

	app, err := newServerApp(runCtx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()
	return app.Run(runCtx)
}

// serverApp owns every long-lived component of the serve command.
type serverApp struct {
	cfg *config.Config
	log zerolog.Logger

	chatDB  *chatdb.DB
	state   *state.Store
	metrics *metrics.Metrics
	hub     *events.Hub
	relay   *events.RedisRelay
	bridge  *bridge.Bridge
	watcher *watcher.Watcher
	server  *server.Server
}

func resolveChatDBPath(cfg *config.Config) (string, error) {
	if cfg.ChatDB != "" {
		return cfg.ChatDB, nil
	}
	return chatdb.DefaultPath()
}

func openChatDB(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*chatdb.DB, error) {
	path, err := resolveChatDBPath(cfg)
	if err != nil {
		return nil, err
	}
	db, err := chatdb.Open(ctx, path, log)
	if chatdb.IsPermissionError(err) {
		chatdb.PromptFullDiskAccess(log)
		db, err = chatdb.WaitForAccess(ctx, path, log)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open chat.db: %w", err)
	}
	return db, nil
}

func newBridge(cfg *config.Config, journal bridge.Journal, m *metrics.Metrics, log zerolog.Logger) (*bridge.Bridge, error) {
	cmdPath, respPath := cfg.Bridge.CommandPath, cfg.Bridge.ResponsePath
	if cmdPath == "" || respPath == "" {
		defCmd, defResp, err := bridge.DefaultMailboxPaths()
		if err != nil {
			return nil, err
		}
		cmdPath = orDefault(cmdPath, defCmd)
		respPath = orDefault(respPath, defResp)
	}
	mailbox := bridge.NewFileMailbox(cmdPath, respPath, log)
	mailbox.PollInterval = cfg.Bridge.PollInterval
	var probe bridge.LivenessProbe
	if cfg.Bridge.ProcessName != "" {
		probe = bridge.ProcessProbe{Name: cfg.Bridge.ProcessName}
	}
	b := bridge.New(mailbox, probe, journal, log)
	b.OnResult = func(action bridge.Action, err error, elapsed time.Duration) {
		m.CommandFinished(string(action), metrics.OutcomeOf(err, commandOutcomes), elapsed)
	}
	return b, nil
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func newServerApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (app *serverApp, err error) {
	app = &serverApp{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	if app.chatDB, err = openChatDB(ctx, cfg, log); err != nil {
		return
	}
	if app.state, err = state.Open(ctx, cfg.StateDB, log); err != nil {
		return
	}
	if _, err = app.state.AbandonInFlight(ctx, cfg.Bridge.JournalRetention); err != nil {
		return
	}

	app.hub = events.NewHub(log, app.metrics)
	if cfg.Relay.Enabled {
		app.relay, err = events.NewRedisRelay(ctx, events.RelayConfig{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
			Channel:  cfg.Relay.Channel,
		}, app.hub, log, app.metrics)
		if err != nil {
			return
		}
	}

	if app.bridge, err = newBridge(cfg, app.state, app.metrics, log); err != nil {
		return
	}
	var scheduler actions.Scheduler
	if cfg.Scheduled.CLIPath != "" {
		scheduler = bridge.NewScheduledCLI(cfg.Scheduled.CLIPath, app.bridge, log)
	}
	act := actions.New(app.chatDB, app.bridge, scheduler, bridge.NewScriptSender(app.bridge, log), log)

	contacts := identity.NewDirectory(cfg.Contacts...)
	prober := attachmeta.NewProber(log)

	app.watcher = watcher.New(app.chatDB, app.state, app.hub, log)
	app.watcher.SetContacts(contacts)
	app.watcher.SetProber(prober)
	app.watcher.SetMetrics(app.metrics)
	app.watcher.Interval = cfg.Watcher.Interval
	app.watcher.Debounce = cfg.Watcher.Debounce
	if cfg.Watcher.WatchFiles {
		app.watcher.WatchDir = filepath.Dir(app.chatDB.Path())
	}

	var pins merge.PinSource
	if cfg.Pinning.Enabled {
		pins = merge.NewPinIndex(orDefault(cfg.Pinning.Path, merge.DefaultPinPath()), log)
	}
	app.server = server.New(server.Options{
		Store:     app.chatDB,
		Actions:   act,
		Hub:       app.hub,
		Contacts:  contacts,
		Pins:      pins,
		Prober:    prober,
		Metrics:   app.metrics,
		RateLimit: rate.Limit(cfg.RateLimit.RPS),
		Burst:     cfg.RateLimit.Burst,
	}, log)
	return app, nil
}

func (app *serverApp) Run(ctx context.Context) error {
	if app.relay != nil {
		if err := app.relay.Start(ctx); err != nil {
			return err
		}
	}
	app.bridge.Start()
	if err := app.watcher.Init(ctx); err != nil {
		return err
	}
	// A listen failure cancels the group so the watcher stops too.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		app.watcher.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return app.server.ListenAndServe(groupCtx, app.cfg.Listen)
	})
	err := group.Wait()
	app.log.Info().Msg("Server stopped")
	return err
}

func (app *serverApp) Close() {
	if app.relay != nil {
		if err := app.relay.Close(); err != nil {
			app.log.Warn().Err(err).Msg("Failed to close relay")
		}
	}
	if app.bridge != nil {
		app.bridge.Stop()
	}
	if app.state != nil {
		if err := app.state.Close(); err != nil {
			app.log.Warn().Err(err).Msg("Failed to close state database")
		}
	}
	if app.chatDB != nil {
		if err := app.chatDB.Close(); err != nil {
			app.log.Warn().Err(err).Msg("Failed to close chat.db")
		}
	}
}
