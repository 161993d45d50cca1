package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/assessd/crewrelay/internal/event"
	"github.com/assessd/crewrelay/internal/stats"
)

// ErrReconnectExhausted is returned by Run after the reconnection budget is
// spent; recovery requires a fresh Run call (manual refresh).
var ErrReconnectExhausted = errors.New("stats stream: reconnection attempts exhausted")

const (
	defaultPingInterval = 30 * time.Second
	defaultReadTimeout  = 90 * time.Second
	defaultMaxAttempts  = 5
)

// StatsConfig configures a StatsSubscriber. FallbackURL, when set, is
// pulled once for an initial value if the stream cannot establish.
type StatsConfig struct {
	StreamURL   string
	FallbackURL string
	HTTPClient  *http.Client

	// PingInterval is the heartbeat cadence while connected; ReadTimeout is
	// the liveness deadline — a connection with no traffic for this long is
	// treated as dead and recycled through the reconnect path.
	PingInterval time.Duration
	ReadTimeout  time.Duration

	// MaxAttempts bounds consecutive reconnection attempts before the
	// terminal error is surfaced.
	MaxAttempts int

	OnStats       func(stats.ProjectStats)
	OnStateChange func(State)
	OnTerminal    func(error)
}

// StatsSubscriber consumes the aggregate-stats push channel with automatic
// reconnection: exponential backoff from 1s doubling to a 30s cap, and a
// terminal error once the attempt budget is exhausted. A server-initiated
// normal closure ends Run without error.
type StatsSubscriber struct {
	cfg  StatsConfig
	dial dialFunc

	sleep      func(ctx context.Context, d time.Duration) error
	newBackOff func() backoff.BackOff

	mu    sync.Mutex
	state State
}

func NewStatsSubscriber(cfg StatsConfig) *StatsSubscriber {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &StatsSubscriber{
		cfg:        cfg,
		dial:       defaultDial,
		sleep:      sleepCtx,
		newBackOff: newStatsBackOff,
		state:      StateDisconnected,
	}
}

// newStatsBackOff builds the reconnect schedule: 1s, 2s, 4s, 8s, 16s, then
// capped at 30s. Randomization is off so the schedule is exact.
func newStatsBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *StatsSubscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StatsSubscriber) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	notify := s.cfg.OnStateChange
	s.mu.Unlock()
	if notify != nil {
		notify(st)
	}
}

// Run blocks until the context is cancelled, the server closes normally, or
// reconnection is exhausted. Cancellation tears down the socket and any
// pending reconnect timer before returning.
func (s *StatsSubscriber) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)

	bo := s.newBackOff()
	failures := 0
	fallbackDone := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.setState(StateConnecting)
		conn, err := s.dial(ctx, s.cfg.StreamURL)
		if err != nil {
			s.setState(StateDisconnected)
			if !fallbackDone && s.cfg.FallbackURL != "" {
				fallbackDone = true
				s.pullFallback(ctx)
			}
			if next, rerr := s.nextDelay(ctx, bo, &failures); rerr != nil {
				return rerr
			} else if werr := s.sleep(ctx, next); werr != nil {
				return werr
			}
			continue
		}

		s.setState(StateConnected)
		failures = 0
		bo.Reset()

		err = s.consume(ctx, conn)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil
		}
		if next, rerr := s.nextDelay(ctx, bo, &failures); rerr != nil {
			return rerr
		} else if werr := s.sleep(ctx, next); werr != nil {
			return werr
		}
	}
}

func (s *StatsSubscriber) nextDelay(ctx context.Context, bo backoff.BackOff, failures *int) (time.Duration, error) {
	*failures++
	if *failures > s.cfg.MaxAttempts {
		if s.cfg.OnTerminal != nil {
			s.cfg.OnTerminal(ErrReconnectExhausted)
		}
		return 0, ErrReconnectExhausted
	}
	next := bo.NextBackOff()
	if next == backoff.Stop {
		if s.cfg.OnTerminal != nil {
			s.cfg.OnTerminal(ErrReconnectExhausted)
		}
		return 0, ErrReconnectExhausted
	}
	return next, nil
}

// consume reads pushes until the connection dies. The heartbeat goes out
// every PingInterval; each read is armed with the liveness deadline so a
// hung-open connection surfaces as an error here instead of stalling
// forever.
func (s *StatsSubscriber) consume(ctx context.Context, conn wsConn) error {
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			rctx, rcancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
			_, data, err := conn.Read(rctx)
			rcancel()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte(event.PingText)); err != nil {
				return err
			}
		case data := <-frames:
			s.handlePush(data)
		}
	}
}

func (s *StatsSubscriber) handlePush(data []byte) {
	if string(data) == event.PongText {
		return
	}
	var push stats.Push
	if err := json.Unmarshal(data, &push); err != nil {
		return
	}
	switch push.Type {
	case stats.PushInitial, stats.PushUpdate:
		if s.cfg.OnStats != nil {
			s.cfg.OnStats(push.Data)
		}
	}
}

// pullFallback fetches the aggregate over HTTP once so the caller has an
// initial value while the stream is down.
func (s *StatsSubscriber) pullFallback(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.FallbackURL, nil)
	if err != nil {
		return
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	var ps stats.ProjectStats
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return
	}
	if s.cfg.OnStats != nil {
		s.cfg.OnStats(ps)
	}
}
