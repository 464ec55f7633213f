// Package peer is the client side of the relay: it keeps one connection
// open, sends on a fixed interval and hands every inbound event to a handler.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"golang.org/x/exp/slog"
	"manualpilot/relay/internal"

	"nhooyr.io/websocket"
)

var ErrNotConnected = errors.New("not connected")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// Handler receives every event of the session. Broadcasts are delivered from
// the connection's reader, so a handler must return promptly: Shutdown waits
// for the reader to finish before Run returns.
type Handler func(internal.Event)

type Config struct {
	URL          string
	Interval     time.Duration
	Message      string
	WriteTimeout time.Duration

	// OnStateChange, when set, is called on every state transition. It may run
	// with the session lock held and must not call back into the peer.
	OnStateChange func(State)

	// Retry returns a fresh strategy for each run of failed dials. A zero
	// backoff ends the run and Run returns an error.
	Retry func() redislock.RetryStrategy
}

// DefaultRetry allows at most attempts consecutive failed dials, waiting with
// exponential backoff between them.
func DefaultRetry(min, max time.Duration, attempts int) func() redislock.RetryStrategy {
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}

	return func() redislock.RetryStrategy {
		return redislock.LimitRetry(redislock.ExponentialBackoff(min, max), retries)
	}
}

type Peer struct {
	cfg     Config
	logger  *slog.Logger
	handler Handler

	lock  sync.Mutex
	conn  *websocket.Conn
	state atomic.Int32

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func New(cfg Config, logger *slog.Logger, handler Handler) *Peer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	if cfg.Retry == nil {
		cfg.Retry = DefaultRetry(250*time.Millisecond, 10*time.Second, 8)
	}

	if handler == nil {
		handler = func(internal.Event) {}
	}

	return &Peer{
		cfg:      cfg,
		logger:   logger,
		handler:  handler,
		shutdown: make(chan struct{}),
	}
}

func (p *Peer) State() State {
	return State(p.state.Load())
}

func (p *Peer) setState(s State) {
	if State(p.state.Swap(int32(s))) == s {
		return
	}

	if p.cfg.OnStateChange != nil {
		p.cfg.OnStateChange(s)
	}
}

// Shutdown asks Run to close the connection and return. Later calls do nothing.
func (p *Peer) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.logger.Info("shutting down")
		close(p.shutdown)
	})
}

func (p *Peer) stopping() bool {
	select {
	case <-p.shutdown:
		return true
	default:
		return false
	}
}

// Run connects and stays connected until Shutdown is called, ctx ends, or the
// retry strategy gives up.
func (p *Peer) Run(ctx context.Context) error {
	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	finished := make(chan struct{})
	defer close(finished)

	go func() {
		select {
		case <-parent.Done():
			p.Shutdown()
		case <-p.shutdown:
			cancel()
		case <-finished:
		}
	}()

	defer p.setState(StateDisconnected)

	retry := p.cfg.Retry()
	for !p.stopping() {
		p.setState(StateConnecting)

		conn, _, err := websocket.Dial(ctx, p.cfg.URL, nil)
		if err != nil {
			if p.stopping() || ctx.Err() != nil {
				p.setState(StateShuttingDown)
				return nil
			}

			backoff := retry.NextBackoff()
			if backoff < 1 {
				return fmt.Errorf("connect %v: %w", p.cfg.URL, err)
			}

			p.logger.Warn("connect failed",
				slog.String("url", p.cfg.URL),
				slog.String("error", err.Error()),
				slog.Duration("retry-in", backoff),
			)

			select {
			case <-p.shutdown:
				p.setState(StateShuttingDown)
				return nil
			case <-time.After(backoff):
			}
			continue
		}

		retry = p.cfg.Retry()
		p.session(ctx, conn)

		if !p.stopping() {
			p.logger.Warn("connection lost, reconnecting", slog.String("url", p.cfg.URL))
		}
	}

	p.setState(StateShuttingDown)
	return nil
}

func (p *Peer) session(ctx context.Context, conn *websocket.Conn) {
	p.lock.Lock()
	p.conn = conn
	p.setState(StateConnected)
	p.lock.Unlock()

	p.logger.Info("connected", slog.String("url", p.cfg.URL))
	p.handler(internal.Event{Kind: internal.EventConnect})

	readCtx, cancelRead := context.WithCancel(context.Background())
	defer cancelRead()

	lost := make(chan struct{})
	go func() {
		defer close(lost)
		p.read(readCtx, conn)
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-p.shutdown:
			break loop
		case <-lost:
			break loop
		case <-ticker.C:
			if p.stopping() {
				break loop
			}

			data, err := json.Marshal(internal.MessageData{Message: p.cfg.Message})
			if err != nil {
				p.logger.Error("failed to encode message", err)
				continue
			}

			if err := p.Send(ctx, data); err != nil {
				p.logger.Error("failed to send", err)
				continue
			}

			p.logger.Debug("data sent", slog.String("message", p.cfg.Message))
		}
	}

	p.lock.Lock()
	if p.stopping() {
		p.setState(StateShuttingDown)
	} else {
		p.setState(StateConnecting)
	}
	p.conn = nil
	p.lock.Unlock()

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		p.logger.Debug("close", slog.String("error", err.Error()))
	}

	cancelRead()
	<-lost

	p.logger.Info("disconnected", slog.String("url", p.cfg.URL))
	p.handler(internal.Event{Kind: internal.EventDisconnect})
}

func (p *Peer) read(ctx context.Context, conn *websocket.Conn) {
	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			return
		}

		event := internal.Event{}
		if err := json.Unmarshal(b, &event); err != nil {
			p.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}

		switch event.Kind {
		case internal.EventBroadcastData, internal.EventConfirmation:
			p.handler(event)
		case internal.EventConnect, internal.EventDisconnect, internal.EventInboundData:
			p.logger.Warn("ignoring unexpected event", slog.String("event", event.Kind.String()))
		default:
			p.logger.Warn("unknown event kind", slog.Int("kind", int(event.Kind)))
		}
	}
}

// Send emits one send_data event with data as the payload.
func (p *Peer) Send(ctx context.Context, data json.RawMessage) error {
	b, err := json.Marshal(internal.Event{Kind: internal.EventInboundData, Data: data})
	if err != nil {
		return err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.conn == nil || p.State() != StateConnected {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	return p.conn.Write(ctx, websocket.MessageText, b)
}
