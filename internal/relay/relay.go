package relay

import (
	"log/slog"
	"sync"

	"github.com/assessd/crewrelay/internal/event"
)

// Message is one frame delivered to an attached connection: either an
// interaction event for a task the connection registered for, or a
// task-started announcement for the connection's project scope.
type Message struct {
	Event       *event.Event
	TaskStarted string
}

// Relay owns the subscription table. A single goroutine serializes every
// mutation and every delivery, so no lock is held anywhere and per-task
// delivery order equals publish order. Delivery is at-most-once: a
// subscriber whose buffer is full has the frame dropped rather than
// blocking the others.
type Relay struct {
	log     *slog.Logger
	metrics *metrics

	cmds     chan func(*table)
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

type conn struct {
	id        string
	projectID string
	mode      event.Mode
	tasks     map[string]struct{}
	ch        chan Message
}

type table struct {
	conns map[string]*conn
}

const defaultBuffer = 64

func New(log *slog.Logger, opts ...Option) *Relay {
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{
		log:     log,
		metrics: newMetrics(),
		cmds:    make(chan func(*table), 128),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

type Option func(*Relay)

func (r *Relay) run() {
	defer close(r.done)
	tbl := &table{conns: map[string]*conn{}}
	for {
		select {
		case fn := <-r.cmds:
			fn(tbl)
		case <-r.quit:
			for _, c := range tbl.conns {
				close(c.ch)
			}
			tbl.conns = map[string]*conn{}
			return
		}
	}
}

// Close stops the relay and closes every attached connection's channel.
// Safe to call from multiple goroutines.
func (r *Relay) Close() {
	r.quitOnce.Do(func() { close(r.quit) })
	<-r.done
}

func (r *Relay) do(fn func(*table)) {
	select {
	case r.cmds <- fn:
	case <-r.quit:
	}
}

// Attach registers a connection and returns its delivery channel. The
// channel is closed by Unsubscribe or Close. A connection starts in
// realtime mode with no task subscriptions, so it receives only
// task-started announcements for its project scope until it registers.
// An empty projectID attaches globally and sees every announcement.
func (r *Relay) Attach(connID, projectID string, buffer int) <-chan Message {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	reply := make(chan (<-chan Message), 1)
	r.do(func(tbl *table) {
		if existing, ok := tbl.conns[connID]; ok {
			reply <- existing.ch
			return
		}
		c := &conn{
			id:        connID,
			projectID: projectID,
			mode:      event.ModeRealtime,
			tasks:     map[string]struct{}{},
			ch:        make(chan Message, buffer),
		}
		tbl.conns[connID] = c
		r.metrics.connections.Inc()
		reply <- c.ch
	})
	select {
	case ch := <-reply:
		return ch
	case <-r.quit:
		closed := make(chan Message)
		close(closed)
		return closed
	}
}

// Subscribe registers interest in one task. Idempotent: repeating a
// (connection, task) pair is a no-op. Unknown connections are ignored.
func (r *Relay) Subscribe(connID, taskID string) {
	if taskID == "" {
		return
	}
	r.do(func(tbl *table) {
		c, ok := tbl.conns[connID]
		if !ok {
			return
		}
		c.tasks[taskID] = struct{}{}
	})
}

// Unsubscribe removes every subscription the connection holds, detaches it,
// and closes its channel. Called on disconnect; safe to call twice.
func (r *Relay) Unsubscribe(connID string) {
	r.do(func(tbl *table) {
		c, ok := tbl.conns[connID]
		if !ok {
			return
		}
		delete(tbl.conns, connID)
		r.metrics.connections.Dec()
		close(c.ch)
	})
}

// SetMode switches a connection between realtime and historical viewing. A
// historical connection receives no relay traffic at all.
func (r *Relay) SetMode(connID string, mode event.Mode) {
	if mode != event.ModeRealtime && mode != event.ModeHistorical {
		return
	}
	r.do(func(tbl *table) {
		if c, ok := tbl.conns[connID]; ok {
			c.mode = mode
		}
	})
}

// Publish fans an event out to every realtime connection registered for its
// task. No subscribers is not an error; a full subscriber buffer drops the
// frame for that subscriber only.
func (r *Relay) Publish(e event.Event) {
	r.metrics.published.Inc()
	r.do(func(tbl *table) {
		for _, c := range tbl.conns {
			if c.mode == event.ModeHistorical {
				continue
			}
			if _, ok := c.tasks[e.TaskID]; !ok {
				continue
			}
			evt := e
			select {
			case c.ch <- Message{Event: &evt}:
				r.metrics.delivered.Inc()
			default:
				r.metrics.dropped.Inc()
				r.log.Warn("relay delivery dropped", "connection_id", c.id, "task_id", e.TaskID)
			}
		}
	})
}

// AnnounceTask pushes a task-started notice to every realtime connection
// attached for the project (or globally). Connections respond with an
// explicit register message; announcement alone subscribes nothing.
func (r *Relay) AnnounceTask(projectID, taskID string) {
	r.do(func(tbl *table) {
		for _, c := range tbl.conns {
			if c.mode == event.ModeHistorical {
				continue
			}
			if c.projectID != "" && c.projectID != projectID {
				continue
			}
			select {
			case c.ch <- Message{TaskStarted: taskID}:
			default:
				r.metrics.dropped.Inc()
			}
		}
	})
}

// SubscriberCount returns the number of attached connections.
func (r *Relay) SubscriberCount() int {
	reply := make(chan int, 1)
	r.do(func(tbl *table) {
		reply <- len(tbl.conns)
	})
	select {
	case n := <-reply:
		return n
	case <-r.quit:
		return 0
	}
}

// Subscriptions returns the task IDs a connection is registered for.
func (r *Relay) Subscriptions(connID string) []string {
	reply := make(chan []string, 1)
	r.do(func(tbl *table) {
		c, ok := tbl.conns[connID]
		if !ok {
			reply <- nil
			return
		}
		out := make([]string, 0, len(c.tasks))
		for id := range c.tasks {
			out = append(out, id)
		}
		reply <- out
	})
	select {
	case subs := <-reply:
		return subs
	case <-r.quit:
		return nil
	}
}
