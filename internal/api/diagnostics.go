package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr string `json:"http_addr"`
	DataDir  string `json:"data_dir"`
	DBPath   string `json:"db_path"`
	WebDir   string `json:"web_dir"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Info          DiagnosticsInfo `json:"info"`
	Relay         map[string]any  `json:"relay"`
	Runs          map[string]any  `json:"runs"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		Relay:         map[string]any{},
		Runs:          map[string]any{},
	}
	if s.Relay != nil {
		resp.Relay["connections"] = s.Relay.SubscriberCount()
	}
	if s.Runner != nil {
		resp.Runs["active"] = s.Runner.ActiveCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
