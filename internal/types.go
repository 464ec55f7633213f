package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrUnknownEvent = errors.New("unknown event")

type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventInboundData
	EventBroadcastData
	EventConfirmation
)

// String returns the wire name of the event. Connect and disconnect are
// transport level and never framed.
func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventInboundData:
		return "send_data"
	case EventBroadcastData:
		return "broadcast_data"
	case EventConfirmation:
		return "response"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

func ParseEventKind(name string) (EventKind, error) {
	switch name {
	case "send_data":
		return EventInboundData, nil
	case "broadcast_data":
		return EventBroadcastData, nil
	case "response":
		return EventConfirmation, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

// Event is a single named message. Data is never inspected by the relay.
type Event struct {
	Kind EventKind
	Data json.RawMessage
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == EventConnect || e.Kind == EventDisconnect {
		return nil, fmt.Errorf("%v is not a wire event", e.Kind)
	}

	return json.Marshal(frame{Event: e.Kind.String(), Data: e.Data})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	f := frame{}
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}

	kind, err := ParseEventKind(f.Event)
	if err != nil {
		return err
	}

	e.Kind = kind
	e.Data = f.Data
	return nil
}

// MessageData is the payload shape used for confirmations and by the bundled peer.
type MessageData struct {
	Message string `json:"message"`
}

func NewMessageEvent(kind EventKind, message string) (Event, error) {
	b, err := json.Marshal(MessageData{Message: message})
	if err != nil {
		return Event{}, err
	}

	return Event{Kind: kind, Data: b}, nil
}

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one live socket as seen by the relay. Outbound frames are
// queued and written by a single writer so a slow socket only stalls itself.
type Connection struct {
	ID string

	state atomic.Int32
	send  chan []byte
	done  chan struct{}
	once  sync.Once
}

func NewConnection(id string, buffer int) *Connection {
	if buffer < 1 {
		buffer = 1
	}

	return &Connection{
		ID:   id,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Enqueue never blocks. It reports false when the queue is full or the
// connection is already going away.
func (c *Connection) Enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Outbound is drained by the connection's writer.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection starts closing.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// shut marks the connection closing. Only the first call returns true.
func (c *Connection) shut() bool {
	closed := false
	c.once.Do(func() {
		c.setState(StateClosing)
		close(c.done)
		closed = true
	})

	return closed
}

type Options struct {
	InstanceID       string
	EchoSender       bool
	ConfirmBroadcast bool
	SendBuffer       int
	MaxMessageBytes  int64
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	OriginPatterns   []string
	LayoutsFile      string
}
