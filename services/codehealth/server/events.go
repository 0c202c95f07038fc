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
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/codehealth/services/codehealth/updater"
)

const (
	eventBuffer  = 64
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// EventMessage is one frame on the events stream.
type EventMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Result    *updater.Result `json:"result,omitempty"`
	Dropped   int             `json:"dropped,omitempty"`
}

// HandleEvents handles GET /v1/codehealth/events as a websocket.
//
// Description:
//
//	Sends a "session_created" frame, then one "result" frame per terminal
//	result the updater publishes. ?path=p limits the stream to one path.
//	A client that falls more than eventBuffer results behind loses the
//	excess; the next frame it receives carries the number dropped.
func (h *Handlers) HandleEvents(c *gin.Context) {
	requestID := requestIDFrom(c)
	logger := h.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleEvents"))
	filter := c.Query("path")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	results := make(chan *updater.Result, eventBuffer)
	var missed atomic.Int64
	id := h.updater.Subscribe(func(r *updater.Result) {
		if filter != "" && r.Event.Path != filter {
			return
		}
		select {
		case results <- r:
		default:
			missed.Add(1)
		}
	})
	defer h.updater.Unsubscribe(id)
	logger.Info("event stream opened", slog.String("subscription", id))

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.writeFrame(ws, EventMessage{Type: "session_created", SessionID: id}); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			logger.Info("event stream closed", slog.String("subscription", id))
			return
		case <-c.Request.Context().Done():
			return
		case r := <-results:
			msg := EventMessage{Type: "result", Result: r, Dropped: int(missed.Swap(0))}
			if err := h.writeFrame(ws, msg); err != nil {
				logger.Info("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(writeTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) writeFrame(ws *websocket.Conn, msg EventMessage) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.WriteJSON(msg)
}
