package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/assessd/crewrelay/internal/event"
	"github.com/assessd/crewrelay/internal/idgen"
)

// wsConn is the slice of *websocket.Conn the stream loops need; tests
// substitute an in-memory implementation.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func (s *Server) handleInteractionsWS(w http.ResponseWriter, r *http.Request) {
	if s.Relay == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("relay"))
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
	if err := s.streamInteractions(ctx, projectID, conn); err != nil && ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// clientFrame is one decoded client->server message on the live channel.
// Malformed frames decode to the zero value and are dropped without
// disturbing the stream.
type clientFrame struct {
	ping     bool
	register string
	mode     event.Mode
}

func parseClientFrame(data []byte) clientFrame {
	if string(data) == event.PingText {
		return clientFrame{ping: true}
	}
	var ctl event.Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		return clientFrame{}
	}
	switch ctl.Type {
	case event.ControlRegisterForTask:
		return clientFrame{register: ctl.TaskID}
	case event.ControlSetMode:
		if ctl.Mode == event.ModeRealtime || ctl.Mode == event.ModeHistorical {
			return clientFrame{mode: ctl.Mode}
		}
	}
	return clientFrame{}
}

// streamInteractions runs one live connection: attach to the relay, confirm
// the connection, then interleave client control frames with relay
// deliveries. All writes happen on this goroutine; the reader only decodes.
// Subscription is two-phase: the server announces task_started and waits
// for an explicit register_for_task before any event flows.
func (s *Server) streamInteractions(ctx context.Context, projectID string, conn wsConn) error {
	connID := idgen.New()
	msgs := s.Relay.Attach(connID, projectID, 64)
	defer s.Relay.Unsubscribe(connID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := writeControl(ctx, conn, event.Control{Type: event.ControlConnectionEstablished}); err != nil {
		return err
	}

	inbound := make(chan clientFrame, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- parseClientFrame(data):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case frame := <-inbound:
			switch {
			case frame.ping:
				if err := conn.Write(ctx, websocket.MessageText, []byte(event.PongText)); err != nil {
					return err
				}
			case frame.register != "":
				s.Relay.Subscribe(connID, frame.register)
			case frame.mode != "":
				s.Relay.SetMode(connID, frame.mode)
			}
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if msg.TaskStarted != "" {
				if err := writeControl(ctx, conn, event.Control{Type: event.ControlTaskStarted, TaskID: msg.TaskStarted}); err != nil {
					return err
				}
				continue
			}
			payload, err := json.Marshal(msg.Event)
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}

func writeControl(ctx context.Context, conn wsConn, ctl event.Control) error {
	payload, err := json.Marshal(ctl)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
