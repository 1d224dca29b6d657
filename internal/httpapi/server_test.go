package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/invoicedl/internal/ack"
	"github.com/ent0n29/invoicedl/internal/config"
	"github.com/ent0n29/invoicedl/internal/downloads"
	"github.com/ent0n29/invoicedl/internal/execution"
	"github.com/ent0n29/invoicedl/internal/runner"
	"github.com/ent0n29/invoicedl/internal/session"
	"github.com/ent0n29/invoicedl/internal/state"
)

type testServer struct {
	ts         *httptest.Server
	runner     *runner.Runner
	history    *downloads.History
	prediction *downloads.PredictionCache
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	acc := state.NewAccessor(state.NewMemoryStore(), "")
	history := downloads.NewHistory(0)
	prediction := &downloads.PredictionCache{}
	layout := downloads.DefaultLayout()
	hub := session.NewHub(time.Minute)

	run := runner.New(runner.Config{
		MaxRetries:   2,
		AckTimeout:   2 * time.Second,
		PollTimeout:  2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		SettleDelay:  time.Millisecond,
	}, runner.Deps{
		State:      acc,
		Detector:   downloads.NewDetector(history, acc, downloads.DetectorConfig{Layout: layout}),
		Acks:       ack.NewRegistry(),
		Prediction: prediction,
		Executor:   execution.NewDispatcher(hub),
		Pusher:     hub,
	})
	t.Cleanup(run.Close)

	srv := New(config.Config{}, Deps{
		Hub:       hub,
		Runner:    run,
		Namer:     downloads.NewNamer(layout, prediction),
		History:   history,
		StoreMode: "in-memory",
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, runner: run, history: history, prediction: prediction}
}

func (s *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	res, err := http.Post(s.ts.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthAndState(t *testing.T) {
	s := newTestServer(t)

	res, err := http.Get(s.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if body := decodeBody(t, res); body["download_store"] != "history" {
		t.Fatalf("download_store = %v, want history", body["download_store"])
	}

	ready, err := http.Get(s.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer ready.Body.Close()
	body := decodeBody(t, ready)
	if body["runner"] != "idle" || body["state_store"] != "in-memory" {
		t.Fatalf("GET /readyz = %+v", body)
	}

	stRes, err := http.Get(s.ts.URL + "/v1/state")
	if err != nil {
		t.Fatalf("GET /v1/state error = %v", err)
	}
	defer stRes.Body.Close()
	var got stateResponse
	if err := json.NewDecoder(stRes.Body).Decode(&got); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if got.State.Running || got.Draining || len(got.State.Queue) != 0 {
		t.Fatalf("GET /v1/state = %+v, want idle defaults", got)
	}
}

func TestCommandErrors(t *testing.T) {
	s := newTestServer(t)

	res := s.post(t, "/v1/queue/start", map[string]string{"mode": "pdf"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("start without client status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	if body := decodeBody(t, res); body["code"] != "no_client" {
		t.Fatalf("start without client code = %v, want no_client", body["code"])
	}

	res = s.post(t, "/v1/queue/start", map[string]string{"mode": "xml"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("start invalid mode status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res = s.post(t, "/v1/runs/run-1-1/result", map[string]any{"ok": true})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale run result status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	res = s.post(t, "/v1/queue/retry", map[string]string{"item_id": "", "mode": "pdf"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("retry without item status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res = s.post(t, "/v1/queue/stop", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestFilenameHook(t *testing.T) {
	s := newTestServer(t)

	res := s.post(t, "/v1/downloads/filename", downloads.DownloadInfo{Filename: "faktura.pdf"})
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("filename without prediction status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}

	s.prediction.Set(downloads.Prediction{ItemID: "100", GroupID: "55"})
	res = s.post(t, "/v1/downloads/filename", downloads.DownloadInfo{Filename: "faktura.pdf"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filename status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, res)
	if body["filename"] != "faktury/invoice/55/100.pdf" || body["conflict_action"] != "overwrite" {
		t.Fatalf("filename suggestion = %+v", body)
	}
}

func TestDownloadEvents(t *testing.T) {
	s := newTestServer(t)

	res := s.post(t, "/v1/downloads/events", map[string]string{"path": "/tmp/faktury/invoice/55/100.pdf", "state": "complete"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("download event status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if body := decodeBody(t, res); body["id"] == "" {
		t.Fatalf("download event response missing id: %+v", body)
	}
	if s.history.Len() != 1 {
		t.Fatalf("history Len() = %d, want 1", s.history.Len())
	}

	res = s.post(t, "/v1/downloads/events", map[string]string{"path": "x.pdf", "state": "paused"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid event status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestClientWebsocketRequiresTab(t *testing.T) {
	s := newTestServer(t)
	res, err := http.Get(s.ts.URL + "/v1/client/ws")
	if err != nil {
		t.Fatalf("GET /v1/client/ws error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestClientWebsocketDrivesDownload(t *testing.T) {
	s := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/client/ws?tab_id=tab-1&window_id=win-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	send := func(msg any) {
		t.Helper()
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}

	send(map[string]any{"type": "bogus"})
	if msg := readUntil(t, conn, "error_event"); msg["code"] != "invalid_client_message" {
		t.Fatalf("error_event = %+v", msg)
	}

	send(map[string]any{"type": "attach", "rows": []map[string]string{{"item_id": "100", "group_id": "55"}}})
	send(map[string]any{"type": "get_state"})
	for {
		msg := readUntil(t, conn, "state")
		st, _ := msg["state"].(map[string]any)
		if rows, _ := st["rows"].([]any); len(rows) == 1 {
			break
		}
	}

	res := s.post(t, "/v1/queue/start", map[string]string{"mode": "pdf"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	if body := decodeBody(t, res); body["queued"] != float64(1) {
		t.Fatalf("queued = %v, want 1", body["queued"])
	}

	runRow := readUntil(t, conn, "run_row")
	if runRow["item_id"] != "100" || runRow["group_id"] != "55" || runRow["mode"] != "pdf" {
		t.Fatalf("run_row = %+v", runRow)
	}
	runID, _ := runRow["run_id"].(string)
	if runID == "" {
		t.Fatalf("run_row missing run_id: %+v", runRow)
	}

	send(map[string]any{"type": "determine_filename", "request_id": "r1", "filename": "doc.pdf"})
	if sug := readUntil(t, conn, "filename_suggestion"); sug["filename"] != "faktury/invoice/55/100.pdf" || sug["request_id"] != "r1" {
		t.Fatalf("filename_suggestion = %+v", sug)
	}

	send(map[string]any{"type": "download_changed", "entry": map[string]string{
		"path":  "/home/u/Downloads/faktury/invoice/55/100.pdf",
		"state": "complete",
	}})
	send(map[string]any{"type": "run_row_result", "run_id": runID, "ok": true})

	deadline := time.Now().Add(3 * time.Second)
	for {
		st, err := s.runner.GetState(context.Background())
		if err != nil {
			t.Fatalf("GetState() error = %v", err)
		}
		if st.Done["100"].PDF && st.Active == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pdf never completed: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg["type"] == typ {
			return msg
		}
	}
}
