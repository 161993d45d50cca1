package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/assessd/crewrelay/internal/event"
)

// Config configures a stream Consumer. StreamURL is the ws(s) URL of the
// live interactions channel; BaseURL the http(s) root for the historical
// fetch.
type Config struct {
	StreamURL string
	BaseURL   string

	HTTPClient *http.Client
	BufferCap  int

	// DisableAutoRegister turns off the automatic register_for_task reply
	// to task_started pushes.
	DisableAutoRegister bool

	OnStateChange func(State)
	OnTaskStarted func(taskID string)
}

// Consumer is the live stream consumer: it holds one connection at a time,
// feeds received events into the display buffer, and exposes a filtered
// view. Reconnection is deliberately manual — the owner calls Connect again
// after observing the disconnected state. Close releases the socket and the
// read goroutine; nothing lingers after it returns.
type Consumer struct {
	cfg  Config
	dial dialFunc

	buffer  *Buffer
	dropped atomic.Int64

	mu       sync.Mutex
	state    State
	conn     wsConn
	cancel   context.CancelFunc
	readDone chan struct{}
	mode     event.Mode
	filter   Filter

	writeMu sync.Mutex
}

func NewConsumer(cfg Config) *Consumer {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Consumer{
		cfg:    cfg,
		dial:   defaultDial,
		buffer: NewBuffer(cfg.BufferCap),
		state:  StateDisconnected,
		mode:   event.ModeRealtime,
	}
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dropped reports how many malformed or unparseable frames were discarded.
func (c *Consumer) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	notify := c.cfg.OnStateChange
	c.mu.Unlock()
	if notify != nil {
		notify(s)
	}
}

// Connect dials the stream and waits for the server's
// connection_established frame before reporting connected. It fails if the
// consumer is not disconnected.
func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect: consumer is %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	if notify := c.cfg.OnStateChange; notify != nil {
		notify(StateConnecting)
	}

	conn, err := c.dial(ctx, c.cfg.StreamURL)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial stream: %w", err)
	}

	if err := c.awaitEstablished(ctx, conn); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		c.setState(StateDisconnected)
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.readDone = done
	c.state = StateConnected
	c.mu.Unlock()
	if notify := c.cfg.OnStateChange; notify != nil {
		notify(StateConnected)
	}

	go c.readLoop(readCtx, conn, done)
	return nil
}

func (c *Consumer) awaitEstablished(ctx context.Context, conn wsConn) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("await connection_established: %w", err)
	}
	var ctl event.Control
	if err := json.Unmarshal(data, &ctl); err != nil || ctl.Type != event.ControlConnectionEstablished {
		return fmt.Errorf("unexpected handshake frame %q", data)
	}
	return nil
}

// Close tears the connection down and waits for the read goroutine to
// exit. Safe to call when already disconnected.
func (c *Consumer) Close() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	done := c.readDone
	c.conn = nil
	c.cancel = nil
	c.readDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	if done != nil {
		<-done
	}
	c.setState(StateDisconnected)
}

func (c *Consumer) readLoop(ctx context.Context, conn wsConn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.cancel = nil
				c.readDone = nil
			}
			c.mu.Unlock()
			c.setState(StateDisconnected)
			return
		}
		c.handleFrame(ctx, conn, data)
	}
}

// handleFrame routes one server frame. Parse failures drop the frame
// silently; the stream must survive any payload.
func (c *Consumer) handleFrame(ctx context.Context, conn wsConn, data []byte) {
	if string(data) == event.PongText {
		return
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.dropped.Add(1)
		return
	}
	if event.IsControlType(probe.Type) {
		var ctl event.Control
		if err := json.Unmarshal(data, &ctl); err != nil {
			c.dropped.Add(1)
			return
		}
		if ctl.Type == event.ControlTaskStarted && ctl.TaskID != "" {
			if notify := c.cfg.OnTaskStarted; notify != nil {
				notify(ctl.TaskID)
			}
			if !c.cfg.DisableAutoRegister {
				_ = c.writeJSON(ctx, conn, event.Control{Type: event.ControlRegisterForTask, TaskID: ctl.TaskID})
			}
		}
		return
	}

	var e event.Event
	if err := json.Unmarshal(data, &e); err != nil {
		c.dropped.Add(1)
		return
	}
	if err := event.Validate(e); err != nil {
		c.dropped.Add(1)
		return
	}
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()
	if mode != event.ModeRealtime {
		return
	}
	c.buffer.PushFront(e)
}

// Register subscribes the connection to one task's events. The server never
// assumes interest: a task_started push must be answered with this message
// before events flow (done automatically unless DisableAutoRegister).
func (c *Consumer) Register(ctx context.Context, taskID string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("register: not connected")
	}
	return c.writeJSON(ctx, conn, event.Control{Type: event.ControlRegisterForTask, TaskID: taskID})
}

func (c *Consumer) writeJSON(ctx context.Context, conn wsConn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, payload)
}

// SetFilter replaces the active filter set; Events reflects it immediately.
func (c *Consumer) SetFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// Events returns the filtered view of the display buffer, newest first in
// realtime mode, fetch order in historical mode.
func (c *Consumer) Events() []event.Event {
	c.mu.Lock()
	f := c.filter
	c.mu.Unlock()
	return applyFilter(c.buffer.Snapshot(), f)
}

func (c *Consumer) BufferLen() int {
	return c.buffer.Len()
}

func (c *Consumer) Clear() {
	c.buffer.Clear()
}

func (c *Consumer) Mode() event.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches between realtime and historical viewing. The switch is
// destructive: the buffer is cleared and, in historical mode, repopulated
// only by FetchHistorical — live and historical state never merge. When
// connected, the server is told so relay traffic stops during historical
// viewing.
func (c *Consumer) SetMode(ctx context.Context, mode event.Mode) error {
	if mode != event.ModeRealtime && mode != event.ModeHistorical {
		return fmt.Errorf("unknown mode %q", mode)
	}
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		return nil
	}
	c.mode = mode
	conn := c.conn
	c.mu.Unlock()

	c.buffer.Clear()
	if conn != nil {
		return c.writeJSON(ctx, conn, event.Control{Type: event.ControlSetMode, Mode: mode})
	}
	return nil
}
