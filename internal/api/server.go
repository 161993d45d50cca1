package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/assessd/crewrelay/internal/event"
	"github.com/assessd/crewrelay/internal/history"
	"github.com/assessd/crewrelay/internal/relay"
	"github.com/assessd/crewrelay/internal/source"
	"github.com/assessd/crewrelay/internal/stats"
)

type Server struct {
	Runner        *source.Runner
	History       *history.Store
	Relay         *relay.Relay
	Stats         stats.Provider
	StatsInterval time.Duration
	Log           *slog.Logger
	StartedAt     time.Time
	Info          DiagnosticsInfo
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/interactions", s.handleInteractions)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunItem)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/ws/interactions", s.handleInteractionsWS)
	mux.HandleFunc("/api/ws/stats", s.handleStatsWS)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// handleInteractions serves the historical fetch: a paginated, filterable
// snapshot of the persisted event log. Order is the store's stable sort.
func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	filter := history.Filter{
		ProjectID: q.Get("project_id"),
		TaskID:    q.Get("task_id"),
		Status:    event.Status(q.Get("status")),
		AgentName: q.Get("agent_name"),
		ToolName:  q.Get("tool_name"),
		Search:    q.Get("search"),
		Limit:     parseInt(q.Get("limit"), 100),
		Offset:    parseInt(q.Get("offset"), 0),
	}
	items, err := s.History.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	total, err := s.History.Count(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactions": items, "total": total})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		runs, err := s.Runner.ListRuns(r.Context(), history.RunFilter{
			ProjectID: q.Get("project_id"),
			Status:    event.Status(q.Get("status")),
			Limit:     parseInt(q.Get("limit"), 50),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if runs == nil {
			runs = []history.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	case http.MethodPost:
		var spec source.Spec
		if err := decodeJSON(r.Body, &spec); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		run, err := s.Runner.Start(r.Context(), spec, nil)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, run)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleRunItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("run"))
		return
	}
	runID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		run, err := s.Runner.GetRun(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	action := segments[1]
	switch action {
	case "steps":
		s.handleRunStep(w, r, runID)
	case "complete":
		s.handleRunComplete(w, r, runID)
	case "fail":
		s.handleRunFail(w, r, runID)
	case "cancel":
		s.handleRunCancel(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("run action"))
	}
}

// handleRunStep is the remote-runtime ingest path: an external crew runtime
// posts each execution step and the runner turns it into a relayed event.
func (s *Server) handleRunStep(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var step source.Step
	if err := decodeJSON(r.Body, &step); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := s.Runner.Emit(r.Context(), runID, step)
	if err != nil {
		writeError(w, runErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, evt)
}

func (s *Server) handleRunComplete(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.Runner.Complete(r.Context(), runID); err != nil {
		writeError(w, runErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRunFail(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Runner.Fail(r.Context(), runID, payload.Error); err != nil {
		writeError(w, runErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r.Body, &payload)
	if err := s.Runner.Cancel(r.Context(), runID, payload.Reason); err != nil {
		writeError(w, runErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStats is the HTTP pull fallback for the stats channel.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, errors.New("project_id is required"))
		return
	}
	ps, err := s.Stats.ProjectStats(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func runErrorStatus(err error) int {
	var transition *source.StatusTransitionError
	if errors.As(err, &transition) {
		return http.StatusConflict
	}
	if errors.Is(err, source.ErrRunNotActive) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
