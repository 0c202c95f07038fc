// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/codehealth/pkg/logging"
	"github.com/AleutianAI/codehealth/pkg/telemetry"
	"github.com/AleutianAI/codehealth/services/codehealth/config"
	"github.com/AleutianAI/codehealth/services/codehealth/history"
	"github.com/AleutianAI/codehealth/services/codehealth/server"
	"github.com/AleutianAI/codehealth/services/codehealth/updater"
	"github.com/AleutianAI/codehealth/services/codehealth/watch"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	jsonLogs   bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "codehealth",
		Short:         "Incremental change validation and code-health scoring",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file (default: <root>/codehealth.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&flags.jsonLogs, "json", false, "Write JSON logs")

	root.AddCommand(
		newScoreCmd(flags),
		newWatchCmd(flags, false),
		newWatchCmd(flags, true),
		newConfigCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
			},
		},
	)
	return root
}

// session is the state shared by score, watch and serve.
type session struct {
	root    string
	cfg     config.Config
	logger  *logging.Logger
	history *history.Store
	updater *updater.Updater
}

func (s *session) Close() {
	if s.history != nil {
		_ = s.history.Close()
	}
	_ = s.logger.Close()
}

// openSession loads config for root, sets up logging and history, and
// builds the updater.
func openSession(root string, flags *globalFlags) (*session, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	path := flags.configPath
	if path == "" {
		path = filepath.Join(abs, "codehealth.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	levelName := cfg.Logging.Level
	if flags.logLevel != "" {
		levelName = flags.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "codehealth",
		JSON:    flags.jsonLogs || cfg.Logging.JSON || !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(logger.Slog())

	s := &session{root: abs, cfg: cfg, logger: logger}
	s.history, err = history.Open(history.Config{Logger: logger.Slog()})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}
	s.updater, err = updater.New(abs, cfg,
		updater.WithHistory(s.history),
		updater.WithLogger(logger.Slog()),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newScoreCmd(flags *globalFlags) *cobra.Command {
	var (
		minScore float64
		format   string
	)
	cmd := &cobra.Command{
		Use:   "score <root>",
		Short: "Discover a tree and print its JSON health report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "text" {
				return fmt.Errorf("unknown format %q (want json or text)", format)
			}
			s, err := openSession(args[0], flags)
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.updater.Discover(cmd.Context())
			if err != nil {
				return err
			}
			switch format {
			case "json":
				if err := writeJSON(cmd.OutOrStdout(), summary.Report); err != nil {
					return err
				}
			case "text":
				renderReport(cmd.OutOrStdout(), summary.Report)
			}
			if summary.Report.HealthScore < minScore {
				return fmt.Errorf("health score %.2f is below %.2f", summary.Report.HealthScore, minScore)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "Fail when the health score is below this value")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or text")
	return cmd
}

// newWatchCmd builds watch, or serve when serve is set. serve always
// starts the HTTP API; watch starts it only with --addr.
func newWatchCmd(flags *globalFlags, serve bool) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "watch <root>",
		Short: "Watch a tree and validate every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0], flags)
			if err != nil {
				return err
			}
			defer s.Close()

			if addr == "" {
				addr = s.cfg.Server.Addr
			}
			if serve && addr == "" {
				addr = ":8087"
			}
			return runWatch(cmd.Context(), s, addr, cmd.OutOrStdout())
		},
	}
	if serve {
		cmd.Use = "serve <root>"
		cmd.Short = "Watch a tree and serve the HTTP API"
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default: server.addr from config)")
	return cmd
}

func runWatch(parent context.Context, s *session, addr string, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := s.logger.Slog()
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "codehealth",
		ServiceVersion: Version,
		TraceExporter:  s.cfg.Telemetry.Traces,
		MetricExporter: s.cfg.Telemetry.Metrics,
		OTLPEndpoint:   s.cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   s.cfg.Telemetry.OTLPInsecure,
		Writer:         os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if _, err := s.updater.Discover(ctx); err != nil {
		return err
	}

	w, err := watch.NewWatcher(s.updater.Policy(), s.updater.Sink(), watch.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Stop()

	s.updater.Subscribe(func(r *updater.Result) {
		renderResult(out, r)
		if r.Validation == nil || r.Validation.Valid {
			return
		}
		logger.Warn("change rejected",
			slog.String("path", r.Event.Path),
			slog.String("classification", string(r.Validation.Classification)),
			slog.Any("warnings", r.Validation.Warnings),
		)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.updater.Run(gctx) })
	if addr != "" {
		srv := server.New(s.updater, server.WithHistory(s.history), server.WithLogger(logger))
		g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
	}
	return g.Wait()
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "codehealth.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})
	return cmd
}
