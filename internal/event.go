package internal

import (
	"context"
	"encoding/json"

	"golang.org/x/exp/slog"
)

const confirmationMessage = "Connected to server"

// Relay fans inbound data out to every other open connection.
type Relay struct {
	logger   *slog.Logger
	registry *Registry
	tracker  Tracker
	opts     Options
}

func NewRelay(logger *slog.Logger, tracker Tracker, opts Options) *Relay {
	if tracker == nil {
		tracker = NopTracker{}
	}

	return &Relay{
		logger:   logger,
		registry: NewRegistry(),
		tracker:  tracker,
		opts:     opts,
	}
}

func (relay *Relay) Registry() *Registry {
	return relay.registry
}

// Dispatch routes one event received from (or about) c.
func (relay *Relay) Dispatch(ctx context.Context, c *Connection, event Event) {
	switch event.Kind {
	case EventConnect:
		relay.OnConnect(ctx, c)
	case EventDisconnect:
		relay.OnDisconnect(ctx, c)
	case EventInboundData:
		relay.OnInboundMessage(ctx, c, event.Data)
	case EventBroadcastData, EventConfirmation:
		relay.logger.Warn("ignoring relay-only event from peer",
			slog.String("id", c.ID), slog.String("event", event.Kind.String()))
	default:
		relay.logger.Warn("unknown event kind", slog.String("id", c.ID), slog.Int("kind", int(event.Kind)))
	}
}

func (relay *Relay) OnConnect(ctx context.Context, c *Connection) {
	relay.registry.Add(c)
	relay.logger.Info("joined", slog.String("id", c.ID), slog.Int("connections", relay.registry.Len()))

	if err := relay.tracker.Join(ctx, c.ID); err != nil {
		relay.logger.Error("failed to track join", err, slog.String("id", c.ID))
	}

	event, err := NewMessageEvent(EventConfirmation, confirmationMessage)
	if err != nil {
		relay.logger.Error("failed to build confirmation", err)
		return
	}

	b, err := json.Marshal(event)
	if err != nil {
		relay.logger.Error("failed to encode confirmation", err)
		return
	}

	if !relay.opts.ConfirmBroadcast {
		if !c.Enqueue(b) {
			relay.evict(ctx, c, "send queue full")
		}
		return
	}

	relay.fanOut(ctx, nil, b)
}

// OnDisconnect is safe to call any number of times and concurrently with a
// fan-out that still holds c in its snapshot.
func (relay *Relay) OnDisconnect(ctx context.Context, c *Connection) {
	relay.evict(ctx, c, "disconnected")
}

// OnInboundMessage forwards data as broadcast_data and returns how many
// connections it was queued for.
func (relay *Relay) OnInboundMessage(ctx context.Context, sender *Connection, data json.RawMessage) int {
	if err := relay.tracker.Received(ctx, sender.ID); err != nil {
		relay.logger.Error("failed to update received messages stats", err, slog.String("id", sender.ID))
	}

	b, err := json.Marshal(Event{Kind: EventBroadcastData, Data: data})
	if err != nil {
		relay.logger.Error("failed to encode broadcast", err, slog.String("id", sender.ID))
		return 0
	}

	skip := sender
	if relay.opts.EchoSender {
		skip = nil
	}

	return relay.fanOut(ctx, skip, b)
}

func (relay *Relay) fanOut(ctx context.Context, skip *Connection, b []byte) int {
	delivered := 0
	for _, c := range relay.registry.Snapshot() {
		if c == skip {
			continue
		}

		if !c.Enqueue(b) {
			relay.evict(ctx, c, "send queue full")
			continue
		}

		delivered++
	}

	return delivered
}

// Evict drops c from the registry after a failed write or ping.
func (relay *Relay) Evict(ctx context.Context, c *Connection, err error) {
	relay.evict(ctx, c, err.Error())
}

func (relay *Relay) evict(ctx context.Context, c *Connection, reason string) {
	removed := relay.registry.Remove(c)
	c.shut()

	if !removed {
		return
	}

	relay.logger.Info("left",
		slog.String("id", c.ID),
		slog.String("reason", reason),
		slog.Int("connections", relay.registry.Len()),
	)

	if err := relay.tracker.Leave(ctx, c.ID); err != nil {
		relay.logger.Error("failed to cleanup", err, slog.String("id", c.ID))
	}
}

// Close evicts every connection; their handlers then close the sockets.
func (relay *Relay) Close(ctx context.Context) {
	for _, c := range relay.registry.Snapshot() {
		relay.evict(ctx, c, "relay closing")
	}
}

// Closed marks c as fully torn down.
func (relay *Relay) Closed(c *Connection) {
	c.setState(StateClosed)
}
