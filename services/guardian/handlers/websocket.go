// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianGuard/services/guardian"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// HandleEventsWebSocket streams the guardian's event feed. Each frame
// is one NDJSON event, identical to what the audit log receives. Slow
// clients lose events rather than stall the control loop.
func HandleEventsWebSocket(g *guardian.Guardian) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("Event feed client connected", "remote", ws.RemoteAddr().String())

		events, cancel := g.Events().Subscribe()
		defer cancel()

		// Drain the read side so close frames are processed.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				slog.Info("Event feed client disconnected")
				return
			case line, ok := <-events:
				if !ok {
					return
				}
				if err := ws.WriteMessage(websocket.TextMessage, line); err != nil {
					slog.Info("Event feed client disconnected", "error", err.Error())
					return
				}
			}
		}
	}
}
