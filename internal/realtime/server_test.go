package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pomotimer/internal/history"
	"pomotimer/internal/presets"
	"pomotimer/internal/protocol"
	"pomotimer/internal/session"
	"pomotimer/internal/timer"

	"github.com/gorilla/websocket"
)

type staticPresets struct {
	p presets.Presets
}

func (s staticPresets) Current() presets.Presets { return s.p }

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	sessMgr := session.NewManager(2, staticPresets{presets.Default()},
		session.WithEngineOptions(timer.WithInterval(10*time.Millisecond)))
	t.Cleanup(sessMgr.Shutdown)
	srv := New(sessMgr, nil, "")
	return srv, sessMgr
}

func newTestServerWithHistory(t *testing.T) (*Server, *history.Store) {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sessMgr := session.NewManager(2, staticPresets{presets.Default()}, session.WithRecorder(store))
	t.Cleanup(sessMgr.Shutdown)
	return New(sessMgr, store, ""), store
}

func do(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	msg := map[string]interface{}{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write message failed: %v", err)
	}
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal message: %v", err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestServer_ListTimersEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv.Handler(), "GET", "/timers", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var views []session.View
	json.NewDecoder(w.Body).Decode(&views)
	if len(views) != 0 {
		t.Errorf("expected empty list, got %d timers", len(views))
	}
}

func TestServer_CreateTimerUsesPreset(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv.Handler(), "POST", "/timers", `{"kind":"short_break","label":"tea"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var view session.View
	json.NewDecoder(w.Body).Decode(&view)
	if view.Kind != presets.KindShortBreak || view.Label != "tea" {
		t.Errorf("unexpected view %+v", view)
	}
	if view.TotalMs != 5*60*1000 {
		t.Errorf("expected short break preset of 300000ms, got %d", view.TotalMs)
	}
	if view.Phase != timer.PhaseIdle {
		t.Errorf("expected idle, got %s", view.Phase)
	}
}

func TestServer_CreateTimerEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv.Handler(), "POST", "/timers", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", w.Code)
	}

	var view session.View
	json.NewDecoder(w.Body).Decode(&view)
	if view.Kind != presets.KindWork {
		t.Errorf("expected work timer, got %s", view.Kind)
	}
}

func TestServer_CreateTimerBadBody(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, body := range []string{"invalid json", `{"duration":-5}`, `{"kind":"nap"}`} {
		w := do(srv.Handler(), "POST", "/timers", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", body, w.Code)
		}
	}
}

func TestServer_CreateTimerLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	do(handler, "POST", "/timers", "")
	do(handler, "POST", "/timers", "")

	w := do(handler, "POST", "/timers", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}

	var p protocol.ErrorPayload
	json.NewDecoder(w.Body).Decode(&p)
	if p.Code != protocol.ErrMaxTimers {
		t.Errorf("expected code %s, got %s", protocol.ErrMaxTimers, p.Code)
	}
}

func TestServer_TimerCommands(t *testing.T) {
	srv, mgr := newTestServer(t)
	handler := srv.Handler()

	view, err := mgr.Create(presets.KindWork, 60, "")
	if err != nil {
		t.Fatal(err)
	}
	base := "/timers/" + view.ID

	w := do(handler, "POST", base+"/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", w.Code)
	}
	json.NewDecoder(w.Body).Decode(&view)
	if view.Phase != timer.PhaseRunning {
		t.Errorf("expected running after start, got %s", view.Phase)
	}

	w = do(handler, "POST", base+"/pause", "")
	json.NewDecoder(w.Body).Decode(&view)
	if view.Phase != timer.PhasePaused {
		t.Errorf("expected paused after pause, got %s", view.Phase)
	}

	w = do(handler, "POST", base+"/reset", `{"duration":30}`)
	json.NewDecoder(w.Body).Decode(&view)
	if view.Phase != timer.PhaseIdle || view.TotalMs != 30000 || view.RemainingMs != 30000 {
		t.Errorf("unexpected view after reset: %+v", view)
	}

	w = do(handler, "POST", base+"/skip", "")
	if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected unknown command route to be rejected, got %d", w.Code)
	}
}

func TestServer_TimerNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	for _, tc := range []struct{ method, path string }{
		{"GET", "/timers/nonexistent"},
		{"DELETE", "/timers/nonexistent"},
		{"POST", "/timers/nonexistent/start"},
		{"POST", "/timers/nonexistent/pause"},
	} {
		w := do(handler, tc.method, tc.path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected status 404, got %d", tc.method, tc.path, w.Code)
		}
	}
}

func TestServer_DeleteTimer(t *testing.T) {
	srv, mgr := newTestServer(t)

	view, _ := mgr.Create(presets.KindWork, 60, "")
	w := do(srv.Handler(), "DELETE", "/timers/"+view.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if _, err := mgr.Get(view.ID); err == nil {
		t.Error("expected timer to be gone after delete")
	}
}

func TestServer_Presets(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv.Handler(), "GET", "/presets", "")
	var p protocol.PresetsPayload
	json.NewDecoder(w.Body).Decode(&p)
	if p.Work != 1500 || p.ShortBreak != 300 || p.LongBreak != 900 || p.LongBreakAfter != 4 {
		t.Errorf("unexpected presets %+v", p)
	}
}

func TestServer_HistoryDisabled(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/history", "/stats"} {
		w := do(srv.Handler(), "GET", path, "")
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected status 503, got %d", path, w.Code)
		}
	}
}

func TestServer_HistoryAndStats(t *testing.T) {
	srv, store := newTestServerWithHistory(t)
	handler := srv.Handler()

	now := time.Now().UTC()
	store.Save(&history.Record{
		TimerID:   "t1",
		Kind:      "work",
		StartedAt: now.Add(-25 * time.Minute),
		EndedAt:   now,
		Planned:   25 * time.Minute,
		Actual:    25 * time.Minute,
		Completed: true,
	})

	w := do(handler, "GET", "/history?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", w.Code)
	}
	var records []map[string]interface{}
	json.NewDecoder(w.Body).Decode(&records)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	w = do(handler, "GET", "/stats?days=3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", w.Code)
	}
	var body struct {
		Stats struct {
			CompletedWork int `json:"completedWork"`
		} `json:"stats"`
		Daily []history.DayCount `json:"daily"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if body.Stats.CompletedWork != 1 {
		t.Errorf("expected 1 completed work interval, got %d", body.Stats.CompletedWork)
	}

	w = do(handler, "GET", "/history?limit=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for bad limit, got %d", w.Code)
	}
}

func TestServer_WebSocketCreateAndTick(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)

	readUntil(t, ws, protocol.TypePresetsUpdate)

	send(t, ws, protocol.TypeTimerCreate, map[string]interface{}{"kind": "work", "duration": 0.3})
	update := readUntil(t, ws, protocol.TypeTimerUpdate)

	var view protocol.TimerUpdatePayload
	json.Unmarshal(update.Payload, &view)
	if view.TotalMs != 300 || view.Phase != string(timer.PhaseIdle) {
		t.Fatalf("unexpected created timer %+v", view)
	}

	send(t, ws, protocol.TypeTimerStart, map[string]interface{}{"timerId": view.ID})

	tick := readUntil(t, ws, protocol.TypeTimerTick)
	var tp protocol.TimerTickPayload
	json.Unmarshal(tick.Payload, &tp)
	if tp.TimerID != view.ID {
		t.Errorf("expected tick for %s, got %s", view.ID, tp.TimerID)
	}

	complete := readUntil(t, ws, protocol.TypeTimerComplete)
	var cp protocol.TimerCompletePayload
	json.Unmarshal(complete.Payload, &cp)
	if cp.TimerID != view.ID || cp.Kind != "work" {
		t.Errorf("unexpected completion %+v", cp)
	}
}

func TestServer_WebSocketSendsExistingTimers(t *testing.T) {
	srv, mgr := newTestServer(t)
	view, _ := mgr.Create(presets.KindLongBreak, 10, "existing")

	ws := dial(t, srv)
	msg := readUntil(t, ws, protocol.TypeTimerUpdate)

	var p protocol.TimerUpdatePayload
	json.Unmarshal(msg.Payload, &p)
	if p.ID != view.ID || p.Kind != "long_break" || p.Label != "existing" {
		t.Errorf("unexpected timer update %+v", p)
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	resp := readUntil(t, ws, protocol.TypeError)
	var p protocol.ErrorPayload
	json.Unmarshal(resp.Payload, &p)
	if p.Code != protocol.ErrInvalidMessage {
		t.Errorf("expected code %s, got %s", protocol.ErrInvalidMessage, p.Code)
	}
}

func TestServer_WebSocketUnrecognizedCommand(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)

	send(t, ws, "timer.skip", map[string]interface{}{"timerId": "x"})

	resp := readUntil(t, ws, protocol.TypeWarning)
	var p protocol.ErrorPayload
	json.Unmarshal(resp.Payload, &p)
	if p.Code != protocol.ErrUnrecognizedCommand {
		t.Errorf("expected code %s, got %s", protocol.ErrUnrecognizedCommand, p.Code)
	}
}

func TestServer_WebSocketUnknownTimer(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)

	send(t, ws, protocol.TypeTimerPause, map[string]interface{}{"timerId": "missing"})

	resp := readUntil(t, ws, protocol.TypeError)
	var p protocol.ErrorPayload
	json.Unmarshal(resp.Payload, &p)
	if p.Code != protocol.ErrTimerNotFound {
		t.Errorf("expected code %s, got %s", protocol.ErrTimerNotFound, p.Code)
	}
}

func TestServer_WebSocketClose(t *testing.T) {
	srv, mgr := newTestServer(t)
	ws := dial(t, srv)
	readUntil(t, ws, protocol.TypePresetsUpdate)

	send(t, ws, protocol.TypeTimerCreate, map[string]interface{}{})
	update := readUntil(t, ws, protocol.TypeTimerUpdate)
	var view protocol.TimerUpdatePayload
	json.Unmarshal(update.Payload, &view)

	send(t, ws, protocol.TypeTimerClose, map[string]interface{}{"timerId": view.ID})
	closed := readUntil(t, ws, protocol.TypeTimerClosed)

	var p protocol.TimerClosedPayload
	json.Unmarshal(closed.Payload, &p)
	if p.TimerID != view.ID {
		t.Errorf("expected closed event for %s, got %s", view.ID, p.TimerID)
	}
	if len(mgr.List()) != 0 {
		t.Error("expected no timers after close")
	}
}

func TestServer_UndecodablePayload(t *testing.T) {
	srv, _ := newTestServer(t)
	c := &client{send: make(chan []byte, 4), done: make(chan struct{}), server: srv}

	msg := &protocol.Message{Type: protocol.TypeTimerStart, Payload: json.RawMessage(`"not an object"`)}
	srv.handleWSCommand(c, msg, timer.CommandStart)

	select {
	case data := <-c.send:
		var resp protocol.Message
		json.Unmarshal(data, &resp)
		var p protocol.ErrorPayload
		json.Unmarshal(resp.Payload, &p)
		if resp.Type != protocol.TypeError || p.Code != protocol.ErrInvalidMessage {
			t.Errorf("expected %s error, got %s/%s", protocol.ErrInvalidMessage, resp.Type, p.Code)
		}
	default:
		t.Fatal("expected an error message for an undecodable payload")
	}
}

func TestServer_WebSocketReplaysLatestTick(t *testing.T) {
	srv, mgr := newTestServer(t)
	view, _ := mgr.Create(presets.KindWork, 60, "")
	mgr.Start(view.ID, 60)

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := mgr.Latest(view.ID, session.EventTick); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer never ticked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mgr.Pause(view.ID)

	ws := dial(t, srv)
	msg := readUntil(t, ws, protocol.TypeTimerTick)

	var p protocol.TimerTickPayload
	json.Unmarshal(msg.Payload, &p)
	if p.TimerID != view.ID || p.TimeLeft != 60 {
		t.Errorf("expected replayed tick for %s at 60s, got %+v", view.ID, p)
	}
}

func TestServer_OnPresetsUpdate(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)
	readUntil(t, ws, protocol.TypePresetsUpdate)

	// Wait for the connection to be registered before broadcasting.
	p := presets.Default()
	p.WorkDuration = 50 * time.Minute
	deadline := time.Now().Add(time.Second)
	for {
		srv.clientsMu.RLock()
		n := len(srv.clients)
		srv.clientsMu.RUnlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	srv.OnPresetsUpdate(p)

	msg := readUntil(t, ws, protocol.TypePresetsUpdate)
	var payload protocol.PresetsPayload
	json.Unmarshal(msg.Payload, &payload)
	if payload.Work != 3000 {
		t.Errorf("expected work of 3000s, got %v", payload.Work)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv.Handler(), "OPTIONS", "/timers", "")
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}
