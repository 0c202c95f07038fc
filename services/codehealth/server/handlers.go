// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/codehealth/pkg/telemetry"
	"github.com/AleutianAI/codehealth/services/codehealth/health"
	"github.com/AleutianAI/codehealth/services/codehealth/history"
	"github.com/AleutianAI/codehealth/services/codehealth/patch"
	"github.com/AleutianAI/codehealth/services/codehealth/risk"
	"github.com/AleutianAI/codehealth/services/codehealth/updater"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Nodes     int       `json:"nodes"`
	Dimension int       `json:"dimension"`
	Pending   int       `json:"pending"`
	Healthy   bool      `json:"has_health"`
	Score     float64   `json:"health_score"`
	TakenAt   time.Time `json:"taken_at"`
}

// ProposeRequest is the body of POST /propose. Exactly one of Content,
// Patch (a single-file unified diff) or Delete must be set.
type ProposeRequest struct {
	Path    string  `json:"path" binding:"required"`
	Content *string `json:"content"`
	Patch   *string `json:"patch"`
	Delete  bool    `json:"delete"`
}

// ValidationsResponse lists recorded validations, newest first.
type ValidationsResponse struct {
	Validations []*risk.Validation `json:"validations"`
}

// TrendResponse lists recorded health snapshots, oldest first.
type TrendResponse struct {
	Snapshots []health.Snapshot `json:"snapshots"`
}

type limitQuery struct {
	Path  string `form:"path"`
	Limit int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// Handlers holds the endpoint implementations.
type Handlers struct {
	updater        *updater.Updater
	history        *history.Store
	proposeTimeout time.Duration
	logger         *slog.Logger
}

// HandleHealth handles GET /v1/codehealth/health.
//
// Response:
//
//	200 OK: health.Report
//	503 Service Unavailable: no snapshot computed yet
func (h *Handlers) HandleHealth(c *gin.Context) {
	report, ok := h.updater.Report()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "health not computed yet",
			Code:  "NOT_READY",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleTrend handles GET /v1/codehealth/health/trend?limit=n.
func (h *Handlers) HandleTrend(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	var q limitQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badQuery(c, err)
		return
	}
	snaps, err := h.history.HealthTrend(c.Request.Context(), orDefault(q.Limit, 100))
	if err != nil {
		h.internal(c, "HandleTrend", err)
		return
	}
	c.JSON(http.StatusOK, TrendResponse{Snapshots: snaps})
}

// HandleStatus handles GET /v1/codehealth/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	snap := h.updater.Snapshot()
	resp := StatusResponse{
		Nodes:     snap.Len(),
		Dimension: snap.Dimension(),
		Pending:   h.updater.Pending(),
		TakenAt:   snap.TakenAt,
	}
	if hs, ok := h.updater.Health(); ok {
		resp.Healthy, resp.Score = true, hs.Score
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGraph handles GET /v1/codehealth/graph.
func (h *Handlers) HandleGraph(c *gin.Context) {
	c.JSON(http.StatusOK, h.updater.Snapshot())
}

// HandleValidations handles GET /v1/codehealth/validations?path=p&limit=n.
//
// An empty path lists validations for every path.
func (h *Handlers) HandleValidations(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	var q limitQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badQuery(c, err)
		return
	}
	vs, err := h.history.Validations(c.Request.Context(), q.Path, orDefault(q.Limit, 50))
	if err != nil {
		h.internal(c, "HandleValidations", err)
		return
	}
	c.JSON(http.StatusOK, ValidationsResponse{Validations: vs})
}

// HandlePropose handles POST /v1/codehealth/propose.
//
// Description:
//
//	Queues the proposal and waits for its terminal result. The status code
//	follows the terminal state.
//
// Response:
//
//	200 OK: applied
//	422 Unprocessable Entity: invalid (security, circular, no context)
//	429 Too Many Requests: throttled
//	500 Internal Server Error: failed and restored
//	400, 409, 503, 504: the proposal produced no result or the patch
//	did not apply
func (h *Handlers) HandlePropose(c *gin.Context) {
	ctx := c.Request.Context()
	logger := telemetry.LoggerWithTrace(ctx, h.logger).With(
		slog.String("request_id", requestIDFrom(c)),
		slog.String("handler", "HandlePropose"),
	)

	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST", Details: err.Error()})
		return
	}
	set := 0
	for _, ok := range []bool{req.Content != nil, req.Patch != nil, req.Delete} {
		if ok {
			set++
		}
	}
	if set != 1 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "exactly one of content, patch or delete is required", Code: "INVALID_REQUEST"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.proposeTimeout)
	defer cancel()
	var (
		result *updater.Result
		err    error
	)
	switch {
	case req.Patch != nil:
		result, err = h.updater.ProposePatch(ctx, req.Path, []byte(*req.Patch))
	case req.Delete:
		result, err = h.updater.Propose(ctx, req.Path, nil)
	default:
		result, err = h.updater.Propose(ctx, req.Path, []byte(*req.Content))
	}
	if err != nil {
		status, code := http.StatusInternalServerError, "PROPOSE_FAILED"
		switch {
		case errors.Is(err, updater.ErrNotIncluded):
			status, code = http.StatusBadRequest, "PATH_NOT_INCLUDED"
		case errors.Is(err, patch.ErrMalformed), errors.Is(err, patch.ErrMultiFile):
			status, code = http.StatusBadRequest, "INVALID_PATCH"
		case errors.Is(err, patch.ErrConflict):
			status, code = http.StatusConflict, "PATCH_CONFLICT"
		case errors.Is(err, updater.ErrSuperseded):
			status, code = http.StatusConflict, "SUPERSEDED"
		case errors.Is(err, updater.ErrQueueFull), errors.Is(err, updater.ErrStopped):
			status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
		case errors.Is(err, context.DeadlineExceeded):
			status, code = http.StatusGatewayTimeout, "TIMEOUT"
		}
		logger.Warn("proposal produced no result", slog.String("path", req.Path), slog.String("error", err.Error()))
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("proposal finished", slog.String("path", req.Path), slog.String("state", string(result.State)))
	c.JSON(statusFor(result.State), result)
}

func statusFor(s updater.State) int {
	switch s {
	case updater.StateApplied:
		return http.StatusOK
	case updater.StateInvalid:
		return http.StatusUnprocessableEntity
	case updater.StateThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) requireHistory(c *gin.Context) bool {
	if h.history != nil {
		return true
	}
	c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "history is disabled", Code: "HISTORY_DISABLED"})
	return false
}

func (h *Handlers) internal(c *gin.Context, handler string, err error) {
	h.logger.Error("request failed", slog.String("handler", handler), slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL", Details: err.Error()})
}

func badQuery(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid query", Code: "INVALID_QUERY", Details: err.Error()})
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

const requestIDKey = "request_id"

// requestIDMiddleware echoes X-Request-ID or assigns one.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func requestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
