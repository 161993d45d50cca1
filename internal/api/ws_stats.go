package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/assessd/crewrelay/internal/event"
	"github.com/assessd/crewrelay/internal/stats"
)

const defaultStatsInterval = 5 * time.Second

func (s *Server) handleStatsWS(w http.ResponseWriter, r *http.Request) {
	if s.Stats == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("stats provider"))
		return
	}
	projectID := r.URL.Query().Get("project_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := s.streamStats(ctx, projectID, conn); err != nil && ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// streamStats pushes the aggregate snapshot on accept and then on every
// tick. A provider error skips the push rather than tearing the stream
// down. Client pings get a pong; everything else from the client is
// ignored.
func (s *Server) streamStats(ctx context.Context, projectID string, conn wsConn) error {
	interval := s.StatsInterval
	if interval <= 0 {
		interval = defaultStatsInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.pushStats(ctx, projectID, conn, stats.PushInitial); err != nil {
		return err
	}

	inbound := make(chan bool, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			if string(data) == event.PingText {
				select {
				case inbound <- true:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-inbound:
			if err := conn.Write(ctx, websocket.MessageText, []byte(event.PongText)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.pushStats(ctx, projectID, conn, stats.PushUpdate); err != nil {
				return err
			}
		}
	}
}

func (s *Server) pushStats(ctx context.Context, projectID string, conn wsConn, kind string) error {
	ps, err := s.Stats.ProjectStats(ctx, projectID)
	if err != nil {
		s.logger().Warn("load project stats", "project_id", projectID, "error", err)
		return nil
	}
	payload, err := json.Marshal(stats.NewPush(kind, ps, time.Now().UTC()))
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
