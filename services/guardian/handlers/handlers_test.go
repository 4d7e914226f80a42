// Copyright (C) 2025 Aleutian AI - AGPL v3 with additional terms, see LICENSE.txt and NOTICE.txt.

package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGuard/services/guardian"
	"github.com/AleutianAI/AleutianGuard/services/guardian/config"
	"github.com/AleutianAI/AleutianGuard/services/guardian/controlplane"
	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
	"github.com/AleutianAI/AleutianGuard/services/guardian/eventlog"
	"github.com/AleutianAI/AleutianGuard/services/guardian/killseq"
	"github.com/AleutianAI/AleutianGuard/services/guardian/sampler"
	"github.com/AleutianAI/AleutianGuard/services/guardian/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGuardian(t *testing.T) *guardian.Guardian {
	t.Helper()

	cfg := config.Default()
	cfg.EventLogPath = filepath.Join(t.TempDir(), "events.ndjson")

	clock := datatypes.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(store.InMemoryConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	g, err := guardian.New(cfg, guardian.Options{
		Sampler:    sampler.NewScriptedSampler(clock),
		Clock:      clock,
		Controller: killseq.NewMockController(),
		Client:     controlplane.NewMockClient(),
		Store:      st,
	}, testLogger())
	require.NoError(t, err)
	return g
}

// =============================================================================
// HealthCheck Tests
// =============================================================================

func TestHealthCheck_ReportsBestKnownState(t *testing.T) {
	g := newTestGuardian(t)
	router := gin.New()
	router.GET("/health", HealthCheck(g))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]any
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, "NORMAL", response["state"])
	assert.Contains(t, response, "cooldown")
	assert.NotContains(t, response, "kill_phase")
}

// =============================================================================
// GetStatus Tests
// =============================================================================

func TestGetStatus_ReturnsSnapshot(t *testing.T) {
	g := newTestGuardian(t)
	router := gin.New()
	router.GET("/v1/status", GetStatus(g))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/status", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "NORMAL", snap["state"])
	assert.Equal(t, "IDLE", snap["kill_phase"])
	assert.Contains(t, snap, "cooldown")
}

// =============================================================================
// ReportLatency Tests
// =============================================================================

func TestReportLatency_AcceptsObservation(t *testing.T) {
	g := newTestGuardian(t)
	router := gin.New()
	router.POST("/v1/latency", ReportLatency(g))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/latency",
		strings.NewReader(`{"duration_ms": 250.5}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestReportLatency_RejectsBadBody(t *testing.T) {
	g := newTestGuardian(t)
	router := gin.New()
	router.POST("/v1/latency", ReportLatency(g))

	for _, body := range []string{``, `{}`, `{"duration_ms": -5}`, `{"duration_ms": "fast"}`} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/v1/latency", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
	}
}

// =============================================================================
// OverrideLockdown Tests
// =============================================================================

func TestOverrideLockdown_RequiresConfirmation(t *testing.T) {
	g := newTestGuardian(t)
	router := gin.New()
	router.POST("/override-lockdown", OverrideLockdown(g))

	for _, body := range []string{``, `{}`, `{"confirm": false}`} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/override-lockdown", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
	}
}

func TestOverrideLockdown_QueuesOnce(t *testing.T) {
	g := newTestGuardian(t)
	router := gin.New()
	router.POST("/override-lockdown", OverrideLockdown(g))

	post := func() int {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/override-lockdown",
			strings.NewReader(`{"confirm": true}`))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusAccepted, post())
	assert.Equal(t, http.StatusConflict, post(),
		"second override must be rejected until the loop drains the first")
}

// =============================================================================
// Events WebSocket Tests
// =============================================================================

func TestHandleEventsWebSocket_StreamsEvents(t *testing.T) {
	g := newTestGuardian(t)
	router := gin.New()
	router.GET("/v1/events/ws", HandleEventsWebSocket(g))

	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/events/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	// The handler subscribes just after the upgrade handshake, so keep
	// recording until a frame comes back.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				g.Events().Record(eventlog.EventStateTransition, map[string]any{"reason": "test"})
			}
		}
	}()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(frame, &m))
	assert.Equal(t, "state_transition", m["event"])
	assert.Equal(t, "test", m["reason"])
}
