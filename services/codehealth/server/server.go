// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the updater's reports, graph and proposals over
// HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/codehealth/services/codehealth/history"
	"github.com/AleutianAI/codehealth/services/codehealth/updater"
)

// ServiceName is reported in traces.
const ServiceName = "codehealth"

// Server serves one updater.
type Server struct {
	engine   *gin.Engine
	handlers *Handlers
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables the validation and trend endpoints.
func WithHistory(h *history.Store) Option {
	return func(s *Server) { s.handlers.history = h }
}

// WithProposeTimeout bounds how long POST /propose waits. Default: 30s.
func WithProposeTimeout(d time.Duration) Option {
	return func(s *Server) { s.handlers.proposeTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds the router.
//
// Routes:
//
//	GET  /v1/codehealth/health        - Latest health report
//	GET  /v1/codehealth/health/trend  - Recorded health snapshots
//	GET  /v1/codehealth/status        - Queue depth and graph size
//	GET  /v1/codehealth/graph         - Graph snapshot
//	GET  /v1/codehealth/validations   - Recorded validations
//	POST /v1/codehealth/propose       - Propose content or a patch for a path
//	GET  /v1/codehealth/events        - Websocket stream of results
//	GET  /metrics                     - Prometheus metrics
func New(u *updater.Updater, opts ...Option) *Server {
	s := &Server{
		handlers: &Handlers{updater: u, proposeTimeout: 30 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "server"))
	s.handlers.logger = s.logger

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(requestIDMiddleware())
	RegisterRoutes(router.Group("/v1"), s.handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
