package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

func TestMetrics_nil_receiver(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.IncErrors()
	m.IncFramesCaptured()
	m.IncFramesRelayed()
	m.IncFramesEvicted()
	m.IncSinkErrors()
	m.IncSessionsStarted()
	m.IncSessionsEnded("stopped")
	m.SetActiveSessions(3)
	m.IncControlMessages("activate")
	m.IncControlMalformed()
	m.IncHeartbeats()
	m.AddControlConnections(1)
}

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncFramesCaptured()
	m.IncFramesCaptured()
	m.IncSessionsEnded("exhausted")
	m.IncControlMessages("deactivate")

	body := scrape(t, m, func() { m.SetActiveSessions(4) })
	for _, want := range []string{
		"camrelay_frames_captured_total 2",
		`camrelay_sessions_ended_total{reason="exhausted"} 1`,
		`camrelay_control_messages_total{action="deactivate"} 1`,
		"camrelay_active_sessions 4",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(RequestMiddleware(m))
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {})
	r.Get("/missing", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })

	for _, path := range []string{"/ok", "/missing", "/ok"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	body := scrape(t, m, nil)
	if !strings.Contains(body, "camrelay_requests_total 3") {
		t.Error("expected 3 requests counted")
	}
	if !strings.Contains(body, "camrelay_errors_total 1") {
		t.Error("expected 1 error counted")
	}
}

func TestRequestMiddleware_allows_websocket_upgrade(t *testing.T) {
	m := New()
	upgrader := websocket.Upgrader{}
	r := chi.NewRouter()
	r.Use(RequestMiddleware(m))
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte("hi"))
		_ = ws.Close()
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		if resp != nil {
			b, _ := io.ReadAll(resp.Body)
			t.Fatalf("dial: %v (%d %s)", err, resp.StatusCode, b)
		}
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	_, msg, err := ws.ReadMessage()
	if err != nil || string(msg) != "hi" {
		t.Errorf("expected hi, got %q err=%v", msg, err)
	}
}
