// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/tmbx/kwm/kas"
	"github.com/tmbx/kwm/lib/clock"
	"github.com/tmbx/kwm/lib/config"
	"github.com/tmbx/kwm/lib/eventstore"
	"github.com/tmbx/kwm/lib/sealed"
	"github.com/tmbx/kwm/lib/ticketsvc"
	"github.com/tmbx/kwm/lib/version"
	"github.com/tmbx/kwm/workspace"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	logLevel   string

	server   string
	create   string
	join     uint64
	userName string
	email    string
	secure   bool
	offline  bool
	remember bool
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "status" {
		return runStatus(args[1:], os.Stdout)
	}

	var opts options
	flagSet := pflag.NewFlagSet("kwmd", pflag.ContinueOnError)
	addCommonFlags(flagSet, &opts)
	flagSet.StringVar(&opts.server, "server", "", "coordination server for --create or --join (host or host:port)")
	flagSet.StringVar(&opts.create, "create", "", "create a workspace with this name")
	flagSet.Uint64Var(&opts.join, "join", 0, "join the workspace with this server-side ID")
	flagSet.StringVar(&opts.userName, "user-name", os.Getenv("USER"), "user name presented to the server")
	flagSet.StringVar(&opts.email, "email", "", "email address presented to the server")
	flagSet.BoolVar(&opts.secure, "secure", false, "the joined workspace requires authentication")
	flagSet.BoolVar(&opts.offline, "offline", false, "keep the new workspace offline once spawned")
	flagSet.BoolVar(&opts.remember, "remember-passwords", false, "seal entered passwords into the store for later logins")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("kwmd %s\n", version.Info())
		return nil
	}
	if opts.create != "" && opts.join != 0 {
		return fmt.Errorf("--create and --join are mutually exclusive")
	}
	if (opts.create != "" || opts.join != 0) && opts.server == "" {
		return fmt.Errorf("--server is required with --create and --join")
	}

	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	logger.Info("starting kwmd", version.LogAttrs(), "environment", string(cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	store, err := eventstore.OpenStore(eventstore.StoreConfig{
		Path:   cfg.Paths.Database,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	sealer, err := sealed.LoadOrCreate(cfg.Paths.State)
	if err != nil {
		return fmt.Errorf("loading password sealing key: %w", err)
	}

	var tickets workspace.TicketService
	if cfg.Login.TicketServiceURL != "" {
		client, err := ticketsvc.NewClient(ticketsvc.ClientConfig{
			BaseURL: cfg.Login.TicketServiceURL,
			Timeout: cfg.Login.TicketTimeout,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		tickets = client
	}

	// The link's sink needs the orchestrator and the orchestrator
	// needs the link.
	var orch *workspace.Orchestrator
	link, err := kas.NewLink(kas.LinkConfig{
		Scheme:      cfg.Servers.Scheme,
		DialTimeout: cfg.Servers.DialTimeout,
		Sink:        func(notice kas.Notice) { orch.Notify(notice) },
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer link.Close()

	var prompter *terminalPrompter
	workspaceConfig := workspace.Config{
		Store:                 store,
		Link:                  link,
		Tickets:               tickets,
		Sealer:                sealer,
		Listener:              &logListener{logger: logger},
		Apps:                  applicationFactories(logger),
		ReconnectBase:         cfg.Reconnect.Base,
		ReconnectMax:          cfg.Reconnect.Max,
		QuenchBatchSize:       cfg.Quench.BatchSize,
		QuenchEventBudget:     cfg.Quench.PerEventBudget,
		SerializationInterval: cfg.Persistence.SerializationInterval,
		Clock:                 clk,
		Logger:                logger,
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		prompter = &terminalPrompter{
			fd:       int(os.Stdin.Fd()),
			out:      os.Stderr,
			remember: opts.remember,
			logger:   logger,
		}
		workspaceConfig.Prompter = prompter
	}
	orch, err = workspace.New(workspaceConfig)
	if err != nil {
		return err
	}
	defer orch.Close()
	if prompter != nil {
		prompter.answer = orch.AnswerPasswordPrompt
	}

	if err := orch.Restore(); err != nil {
		return err
	}
	if opts.create != "" || opts.join != 0 {
		if err := spawn(orch, cfg, opts, logger); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		orch.RequestStop()
	}()
	if err := orch.Serve(context.Background()); err != nil {
		return err
	}
	logger.Info("kwmd stopped")
	return nil
}

func addCommonFlags(flagSet *pflag.FlagSet, opts *options) {
	flagSet.StringVar(&opts.configPath, "config", os.Getenv("KWM_CONFIG"), "path to kwm.yaml (default $KWM_CONFIG)")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
	slog.SetDefault(logger)
	return logger, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("no config file: set KWM_CONFIG or pass --config")
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return config.LoadFile(absolute)
}

// spawn runs on the control goroutine before Serve starts, so it may
// touch the orchestrator directly.
func spawn(orch *workspace.Orchestrator, cfg *config.Config, opts options, logger *slog.Logger) error {
	server, err := kas.ParseServerID(opts.server, cfg.Servers.DefaultPort)
	if err != nil {
		return err
	}
	task := workspace.TaskWorkOnline
	if opts.offline {
		task = workspace.TaskWorkOffline
	}
	s, op, err := orch.SpawnWorkspace(workspace.SpawnRequest{
		Name:       opts.create,
		Server:     server,
		ExternalID: opts.join,
		UserName:   opts.userName,
		Email:      opts.email,
		Secure:     opts.secure,
		Task:       task,
	})
	if err != nil {
		return err
	}
	logger.Info("spawn started", "session_id", uint64(s.ID()), "op_id", op.ID(), "operation", op.Kind())
	go func() {
		<-op.Done()
		if err := op.Err(); err != nil {
			logger.Error("spawn failed", "op_id", op.ID(), "error", err)
			return
		}
		logger.Info("spawn completed", "op_id", op.ID())
	}()
	return nil
}
