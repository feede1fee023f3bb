package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"listing-sniper-bot/config"
	"listing-sniper-bot/internal/circuit"
	"listing-sniper-bot/internal/events"
	"listing-sniper-bot/internal/execution"
	"listing-sniper-bot/internal/exitmanager"
	"listing-sniper-bot/internal/logging"
	"listing-sniper-bot/internal/patterns"
	"listing-sniper-bot/internal/patternstore"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	mu         sync.Mutex
	alerts     *execution.AlertLog
	open       []execution.Position
	closed     []execution.Position
	closeCalls []string
	closeErr   error
	emergency  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{alerts: execution.NewAlertLog(nil)}
}

func (f *fakeEngine) Stats() execution.Stats {
	return execution.Stats{State: execution.StateActive, OpenPositions: len(f.open)}
}

func (f *fakeEngine) OpenPositions() []execution.Position { return f.open }
func (f *fakeEngine) ClosedPositions(int) []execution.Position { return f.closed }
func (f *fakeEngine) Alerts() *execution.AlertLog { return f.alerts }

func (f *fakeEngine) ClosePosition(_ context.Context, id string, reason execution.CloseReason) (*execution.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls = append(f.closeCalls, id+":"+string(reason))
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	return &execution.Position{ID: id, Status: execution.PositionClosed, CloseReason: reason}, nil
}

func (f *fakeEngine) EmergencyCloseAll(context.Context) (int, int) {
	f.emergency++
	return 2, 1
}

type fakeDetector struct {
	last patterns.AnalysisRequest
}

func (d *fakeDetector) Analyze(_ context.Context, req patterns.AnalysisRequest) *patterns.AnalysisResult {
	d.last = req
	return &patterns.AnalysisResult{Matches: []patterns.PatternMatch{{Symbol: "ABCUSDT", Confidence: 88}}}
}

func (d *fakeDetector) Metrics() patterns.CoreMetrics {
	return patterns.CoreMetrics{TotalAnalyses: 3}
}

type fakeSafety struct{ health circuit.Health }

func (s fakeSafety) Health() circuit.Health { return s.health }
func (s fakeSafety) GetStats() map[string]interface{} { return map[string]interface{}{"state": "closed"} }

type fakeDB struct{ err error }

func (d fakeDB) HealthCheck(context.Context) error { return d.err }

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Engine == nil {
		deps.Engine = newFakeEngine()
	}
	s, err := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, deps, logging.Nop())
	if err != nil {
		t.Fatalf("Expected server, got %v", err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("Expected JSON body, got %q: %v", w.Body.String(), err)
	}
	return env
}

func TestNewServerRequiresEngine(t *testing.T) {
	if _, err := NewServer(config.ServerConfig{}, Deps{}, logging.Nop()); err == nil {
		t.Error("Expected error without engine")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		deps       Deps
		wantCode   int
		wantStatus string
	}{
		{"no optional deps", Deps{}, http.StatusOK, "healthy"},
		{"database down", Deps{Database: fakeDB{err: errors.New("down")}}, http.StatusServiceUnavailable, "unhealthy"},
		{"safety degraded", Deps{Safety: fakeSafety{health: circuit.HealthDegraded}}, http.StatusOK, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.deps)
			w := do(s, http.MethodGet, "/api/health", "")
			if w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, w.Code)
			}
			var body map[string]interface{}
			json.Unmarshal(w.Body.Bytes(), &body)
			if body["status"] != tt.wantStatus {
				t.Errorf("Expected status %s, got %v", tt.wantStatus, body["status"])
			}
			if w.Header().Get("X-Trace-ID") == "" {
				t.Error("Expected trace id header")
			}
		})
	}
}

func TestAlertRoutes(t *testing.T) {
	engine := newFakeEngine()
	a := engine.alerts.Raise(execution.AlertExecutionError, execution.SeverityWarning, "order failed", nil)
	s := newTestServer(t, Deps{Engine: engine})

	w := do(s, http.MethodGet, "/api/alerts", "")
	var alerts []execution.Alert
	json.Unmarshal(decode(t, w).Data, &alerts)
	if len(alerts) != 1 || alerts[0].ID != a.ID {
		t.Fatalf("Expected the raised alert, got %+v", alerts)
	}

	if w := do(s, http.MethodPost, "/api/alerts/missing/ack", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown alert, got %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/api/alerts/"+a.ID+"/ack", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on ack, got %d", w.Code)
	}

	w = do(s, http.MethodGet, "/api/alerts?unacknowledged=true", "")
	alerts = nil
	json.Unmarshal(decode(t, w).Data, &alerts)
	if len(alerts) != 0 {
		t.Errorf("Expected no unacknowledged alerts, got %d", len(alerts))
	}

	do(s, http.MethodDelete, "/api/alerts", "")
	if n := len(engine.alerts.List(false)); n != 0 {
		t.Errorf("Expected cleared alerts, got %d", n)
	}
}

func TestPositionRoutes(t *testing.T) {
	engine := newFakeEngine()
	engine.open = []execution.Position{{ID: "p1", Symbol: "ABCUSDT", Status: execution.PositionFilled}}
	engine.closed = []execution.Position{{ID: "p0", Status: execution.PositionClosed}}
	s := newTestServer(t, Deps{Engine: engine})

	var list []execution.Position
	json.Unmarshal(decode(t, do(s, http.MethodGet, "/api/positions", "")).Data, &list)
	if len(list) != 1 || list[0].ID != "p1" {
		t.Errorf("Expected open position p1, got %+v", list)
	}

	list = nil
	json.Unmarshal(decode(t, do(s, http.MethodGet, "/api/positions?status=closed", "")).Data, &list)
	if len(list) != 1 || list[0].ID != "p0" {
		t.Errorf("Expected closed position p0, got %+v", list)
	}

	if w := do(s, http.MethodGet, "/api/positions?status=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad status, got %d", w.Code)
	}

	if w := do(s, http.MethodPost, "/api/positions/p1/close", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on close, got %d", w.Code)
	}
	if len(engine.closeCalls) != 1 || engine.closeCalls[0] != "p1:manual" {
		t.Errorf("Expected manual close of p1, got %v", engine.closeCalls)
	}
}

func TestClosePositionErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{execution.ErrPositionNotFound, http.StatusNotFound},
		{execution.ErrPositionClosed, http.StatusConflict},
		{errors.New("exchange rejected order"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		engine := newFakeEngine()
		engine.closeErr = tt.err
		s := newTestServer(t, Deps{Engine: engine})
		w := do(s, http.MethodPost, "/api/positions/p1/close", "")
		if w.Code != tt.code {
			t.Errorf("Expected %d for %v, got %d", tt.code, tt.err, w.Code)
		}
		if env := decode(t, w); !env.Error || env.Message == "" {
			t.Errorf("Expected error envelope, got %+v", env)
		}
	}
}

func TestEmergencyClose(t *testing.T) {
	engine := newFakeEngine()
	s := newTestServer(t, Deps{Engine: engine})

	var result map[string]int
	json.Unmarshal(decode(t, do(s, http.MethodPost, "/api/emergency-close", "")).Data, &result)
	if engine.emergency != 1 {
		t.Errorf("Expected one emergency close, got %d", engine.emergency)
	}
	if result["closed"] != 2 || result["failed"] != 1 {
		t.Errorf("Expected closed=2 failed=1, got %v", result)
	}
}

func TestHistory(t *testing.T) {
	repo := execution.NewMemoryRepository()
	repo.AppendHistory(context.Background(), execution.HistoryEntry{ID: "h1", Symbol: "ABCUSDT"})

	s := newTestServer(t, Deps{History: repo})
	var entries []execution.HistoryEntry
	json.Unmarshal(decode(t, do(s, http.MethodGet, "/api/history?limit=10", "")).Data, &entries)
	if len(entries) != 1 || entries[0].ID != "h1" {
		t.Errorf("Expected history entry h1, got %+v", entries)
	}

	bare := newTestServer(t, Deps{})
	if w := do(bare, http.MethodGet, "/api/history", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without history store, got %d", w.Code)
	}
}

func TestAnalyze(t *testing.T) {
	detector := &fakeDetector{}
	s := newTestServer(t, Deps{Detector: detector})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{"symbols":`, http.StatusBadRequest},
		{"empty", `{}`, http.StatusBadRequest},
		{"bad threshold", `{"symbols":[{"symbol":"ABCUSDT","status":{"sts":2,"st":2,"tt":4}}],"confidence_threshold":150}`, http.StatusBadRequest},
		{"valid", `{"symbols":[{"symbol":"ABCUSDT","status":{"sts":2,"st":2,"tt":4}}]}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPost, "/api/patterns/analyze", tt.body)
			if w.Code != tt.code {
				t.Errorf("Expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
		})
	}

	if detector.last.Source != "api" {
		t.Errorf("Expected source api, got %q", detector.last.Source)
	}
}

func TestSimilarPatterns(t *testing.T) {
	storage := patternstore.NewStorage(patternstore.NewMemoryRepository(), nil, time.Minute, logging.Nop())
	ready := patterns.ReadyVector
	pre := patterns.StatusVector{Sts: 1, St: 1, Tt: 1}
	detected := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	for _, m := range []patterns.PatternMatch{
		{ID: "p-1", Symbol: "OLDUSDT", PatternType: patterns.PatternReadyState, Confidence: 88, Indicators: patterns.Indicators{Status: &ready}, DetectedAt: detected},
		{ID: "p-2", Symbol: "FARUSDT", PatternType: patterns.PatternPreReady, Confidence: 60, Indicators: patterns.Indicators{Status: &pre}, DetectedAt: detected},
	} {
		if err := storage.Store(context.Background(), m); err != nil {
			t.Fatalf("Expected pattern stored, got %v", err)
		}
	}
	s := newTestServer(t, Deps{Similar: storage})

	tests := []struct {
		name  string
		body  string
		code  int
		count int
	}{
		{"malformed", `{"pattern":`, http.StatusBadRequest, 0},
		{"no symbol", `{"pattern":{"pattern_type":"ready_state"}}`, http.StatusBadRequest, 0},
		{"bad threshold", `{"pattern":{"symbol":"NEWUSDT","pattern_type":"ready_state"},"threshold":2}`, http.StatusBadRequest, 0},
		{"bad limit", `{"pattern":{"symbol":"NEWUSDT","pattern_type":"ready_state"},"limit":1000}`, http.StatusBadRequest, 0},
		{"ready match", `{"pattern":{"symbol":"NEWUSDT","pattern_type":"ready_state","confidence":90,"indicators":{"status":{"sts":2,"st":2,"tt":4}}}}`, http.StatusOK, 1},
		{"same type only", `{"pattern":{"symbol":"NEWUSDT","pattern_type":"launch_sequence","confidence":90},"same_type_only":true,"threshold":0.1}`, http.StatusOK, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPost, "/api/patterns/similar", tt.body)
			if w.Code != tt.code {
				t.Fatalf("Expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
			if tt.code != http.StatusOK {
				return
			}
			var body struct {
				Matches []patternstore.SimilarPattern `json:"matches"`
				Count   int                           `json:"count"`
			}
			json.Unmarshal(decode(t, w).Data, &body)
			if body.Count != tt.count || len(body.Matches) != tt.count {
				t.Fatalf("Expected %d matches, got %d", tt.count, body.Count)
			}
			if tt.count > 0 && body.Matches[0].Pattern.ID != "p-1" {
				t.Errorf("Expected p-1 as the best match, got %s", body.Matches[0].Pattern.ID)
			}
		})
	}

	bare := newTestServer(t, Deps{})
	if w := do(bare, http.MethodPost, "/api/patterns/similar", `{"pattern":{"symbol":"A","pattern_type":"ready_state"}}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without storage, got %d", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, Deps{Detector: &fakeDetector{}, Safety: fakeSafety{health: circuit.HealthNormal}})

	var metrics map[string]json.RawMessage
	json.Unmarshal(decode(t, do(s, http.MethodGet, "/api/metrics", "")).Data, &metrics)
	for _, key := range []string{"engine", "detection", "safety"} {
		if _, ok := metrics[key]; !ok {
			t.Errorf("Expected %s metrics", key)
		}
	}
	if _, ok := metrics["exit_manager"]; ok {
		t.Error("Expected no exit manager metrics when not wired")
	}
}

func TestPreferenceRoutes(t *testing.T) {
	s := newTestServer(t, Deps{Preferences: exitmanager.NewMemoryPreferences()})

	if w := do(s, http.MethodGet, "/api/exit-preferences/alice", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before save, got %d", w.Code)
	}
	if w := do(s, http.MethodPut, "/api/exit-preferences/alice", `{"preset":"unknown"}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown preset, got %d", w.Code)
	}
	if w := do(s, http.MethodPut, "/api/exit-preferences/alice", `{"preset":"aggressive"}`); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on save, got %d", w.Code)
	}

	var pref exitmanager.Preference
	json.Unmarshal(decode(t, do(s, http.MethodGet, "/api/exit-preferences/alice", "")).Data, &pref)
	if pref.Owner != "alice" || pref.Preset != "aggressive" {
		t.Errorf("Expected alice/aggressive, got %+v", pref)
	}
}

func TestWebSocketStreamsBusEvents(t *testing.T) {
	bus := events.NewEventBus()
	s := newTestServer(t, Deps{EventBus: bus})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Expected websocket dial to succeed, got %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "CONNECTED" {
		t.Fatalf("Expected CONNECTED welcome, got %+v (%v)", msg, err)
	}
	deadline := time.Now().Add(time.Second)
	for s.hub.GetClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := s.hub.GetClientCount(); n != 1 {
		t.Errorf("Expected 1 client, got %d", n)
	}

	bus.PublishSync(events.Event{Type: events.EventAlert, Data: map[string]string{"message": "hello"}})

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Expected broadcast event, got %v", err)
	}
	if msg.Type != string(events.EventAlert) {
		t.Errorf("Expected %s, got %s", events.EventAlert, msg.Type)
	}
}
