package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/invoicedl/internal/downloads"
	"github.com/ent0n29/invoicedl/internal/runner"
	"github.com/ent0n29/invoicedl/internal/state"
	"github.com/ent0n29/invoicedl/internal/tasks"
)

type startRequest struct {
	Mode string `json:"mode"`
}

type startResponse struct {
	Mode   tasks.Mode `json:"mode"`
	Queued int        `json:"queued"`
}

type retryRequest struct {
	ItemID string `json:"item_id"`
	Mode   string `json:"mode"`
}

type runResultRequest struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type stateResponse struct {
	State    state.State `json:"state"`
	Draining bool        `json:"draining"`
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.runner.GetState(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "state_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stateResponse{State: st, Draining: s.runner.Draining()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Mode) == "" {
		req.Mode = string(tasks.ModeBoth)
	}
	mode, err := tasks.ParseMode(req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_mode", err.Error())
		return
	}

	n, err := s.runner.StartSubset(r.Context(), mode)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, startResponse{Mode: mode, Queued: n})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Stop(r.Context()); err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	st, err := s.runner.ClearData(r.Context())
	if err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stateResponse{State: st, Draining: s.runner.Draining()})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	mode, err := tasks.ParseMode(req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_mode", err.Error())
		return
	}
	if err := s.runner.Retry(r.Context(), req.ItemID, mode); err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleRunResult(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(chi.URLParam(r, "runId"))
	if runID == "" {
		respondError(w, http.StatusBadRequest, "invalid_run_id", "missing run id")
		return
	}
	var req runResultRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.runner.ReportExecutionResult(r.Context(), runID, req.OK, req.Error); err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleFilename(w http.ResponseWriter, r *http.Request) {
	var info downloads.DownloadInfo
	if err := decodeJSON(r, &info); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sug, ok := s.namer.Suggest(info)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, sug)
}

func (s *Server) handleDownloadEvent(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "history_disabled", "Download history is read from the download directory.")
		return
	}
	var entry downloads.Entry
	if err := decodeJSON(r, &entry); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	recorded, err := s.history.Record(entry)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, recorded)
}

func respondCommandError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	respondError(w, status, code, err.Error())
}

func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, runner.ErrNoClient):
		return "no_client", http.StatusConflict
	case errors.Is(err, runner.ErrStaleRun):
		return "stale_run", http.StatusConflict
	case errors.Is(err, runner.ErrNoItem):
		return "invalid_request", http.StatusBadRequest
	case errors.Is(err, tasks.ErrInvalidMode):
		return "invalid_mode", http.StatusBadRequest
	case errors.Is(err, downloads.ErrInvalidEntry):
		return "invalid_entry", http.StatusBadRequest
	default:
		return "internal_error", http.StatusInternalServerError
	}
}
