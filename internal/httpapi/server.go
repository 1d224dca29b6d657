package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/invoicedl/internal/config"
	"github.com/ent0n29/invoicedl/internal/downloads"
	"github.com/ent0n29/invoicedl/internal/observability"
	"github.com/ent0n29/invoicedl/internal/protocol"
	"github.com/ent0n29/invoicedl/internal/runner"
	"github.com/ent0n29/invoicedl/internal/session"
	"github.com/ent0n29/invoicedl/internal/state"
	"github.com/ent0n29/invoicedl/internal/tasks"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

type Deps struct {
	Hub    *session.Hub
	Runner *runner.Runner
	Namer  *downloads.Namer
	// History is nil when the download store scans a directory instead of
	// accepting client-reported events.
	History   *downloads.History
	StoreMode string
	Metrics   *observability.Metrics
}

type Server struct {
	cfg       config.Config
	hub       *session.Hub
	runner    *runner.Runner
	namer     *downloads.Namer
	history   *downloads.History
	storeMode string
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		hub:       deps.Hub,
		runner:    deps.Runner,
		namer:     deps.Namer,
		history:   deps.History,
		storeMode: deps.StoreMode,
		metrics:   deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Extension background pages and CLI clients omit Origin.
					return true
				}
				if strings.HasPrefix(origin, "chrome-extension://") {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/state", s.handleGetState)
	r.Post("/v1/queue/start", s.handleStart)
	r.Post("/v1/queue/stop", s.handleStop)
	r.Post("/v1/queue/clear", s.handleClear)
	r.Post("/v1/queue/retry", s.handleRetry)
	r.Post("/v1/runs/{runId}/result", s.handleRunResult)
	r.Post("/v1/downloads/filename", s.handleFilename)
	r.Post("/v1/downloads/events", s.handleDownloadEvent)
	r.Get("/v1/client/ws", s.handleClientWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"download_store": s.downloadStoreMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	runnerState := "idle"
	if s.runner.Draining() {
		runnerState = "draining"
	}
	status := http.StatusOK
	body := map[string]any{
		"status":           "ready",
		"runner":           runnerState,
		"state_store":      s.storeMode,
		"attached_clients": s.hub.ActiveCount(),
	}
	if _, err := s.runner.GetState(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["error"] = err.Error()
	}
	respondJSON(w, status, body)
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	ref := state.ClientRef{
		TabID:    strings.TrimSpace(r.URL.Query().Get("tab_id")),
		WindowID: strings.TrimSpace(r.URL.Query().Get("window_id")),
	}
	if ref.TabID == "" {
		respondError(w, http.StatusBadRequest, "missing_tab_id", "query parameter tab_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	client := s.hub.Attach(ref, outbound)
	s.metrics.SetAttachedClients(s.hub.ActiveCount())
	s.resumeIfOwner(ctx, ref)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					s.metrics.ObserveWriteError("ping")
					cancel()
					return
				}
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.ObserveWriteError("write_json")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = s.hub.Touch(client.ID)
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_ = s.hub.Touch(client.ID)
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			queue(outbound, errorEvent("invalid_client_message", false, err))
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveMessage("inbound", string(t))
		}
		if reply := s.handleClientMessage(ctx, client, parsed); reply != nil {
			queue(outbound, reply)
		}
	}

	cancel()
	<-writerDone
	s.hub.Detach(client.ID)
	s.metrics.SetAttachedClients(s.hub.ActiveCount())
}

// handleClientMessage applies one inbound message and returns the direct
// reply for the sender, if any. State changes reach every tab through the
// hub.
func (s *Server) handleClientMessage(ctx context.Context, client session.Client, msg any) any {
	var err error
	switch m := msg.(type) {
	case protocol.Attach:
		_, err = s.runner.Attach(ctx, client.Ref, m.Rows)
	case protocol.Command:
		switch m.Type {
		case protocol.TypeGetState:
			st, stateErr := s.runner.GetState(ctx)
			if stateErr != nil {
				return errorEvent("state_unavailable", true, stateErr)
			}
			return protocol.StateEvent{Type: protocol.TypeState, State: st}
		case protocol.TypeStartAll:
			_, err = s.runner.StartAll(ctx)
		case protocol.TypeStartISDOC:
			_, err = s.runner.StartSubset(ctx, tasks.ModeISDOC)
		case protocol.TypeStop:
			err = s.runner.Stop(ctx)
		case protocol.TypeClearData:
			_, err = s.runner.ClearData(ctx)
		}
	case protocol.Retry:
		err = s.runner.Retry(ctx, m.ItemID, m.Mode)
	case protocol.RunRowResult:
		err = s.runner.ReportExecutionResult(ctx, m.RunID, m.OK, m.Error)
	case protocol.DownloadChanged:
		if s.history == nil {
			return nil
		}
		_, err = s.history.Record(m.Entry)
	case protocol.DetermineFilename:
		reply := protocol.FilenameSuggestion{Type: protocol.TypeFilenameSuggestion, RequestID: m.RequestID}
		if sug, ok := s.namer.Suggest(m.DownloadInfo); ok {
			reply.Filename = sug.Filename
			reply.ConflictAction = sug.ConflictAction
		}
		return reply
	}
	if err != nil {
		code, _ := errorCode(err)
		return errorEvent(code, false, err)
	}
	return nil
}

// resumeIfOwner restarts a running session when the tab that owns it
// reconnects, e.g. after a server restart.
func (s *Server) resumeIfOwner(ctx context.Context, ref state.ClientRef) {
	st, err := s.runner.GetState(ctx)
	if err != nil || st.Client == nil || st.Client.TabID != ref.TabID {
		return
	}
	if err := s.runner.Resume(ctx); err != nil {
		log.Printf("hub: resume for tab %s: %v", ref.TabID, err)
	}
}

func queue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		// Writes stay single-threaded; drop when the writer is saturated.
	}
}

func errorEvent(code string, retryable bool, err error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		Code:      code,
		Source:    "gateway",
		Retryable: retryable,
		Detail:    err.Error(),
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) downloadStoreMode() string {
	if s.history != nil {
		return "history"
	}
	return "dir"
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Attach:
		return m.Type, true
	case protocol.Command:
		return m.Type, true
	case protocol.Retry:
		return m.Type, true
	case protocol.RunRowResult:
		return m.Type, true
	case protocol.DownloadChanged:
		return m.Type, true
	case protocol.DetermineFilename:
		return m.Type, true
	case protocol.StateEvent:
		return m.Type, true
	case protocol.StatusEvent:
		return m.Type, true
	case protocol.RunRow:
		return m.Type, true
	case protocol.FilenameSuggestion:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
