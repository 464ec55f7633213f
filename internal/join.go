package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"

	"nhooyr.io/websocket"
)

func JoinRoute(relay *Relay, logger *slog.Logger) http.HandlerFunc {
	opts := relay.opts

	return func(w http.ResponseWriter, r *http.Request) {
		kid, err := ksuid.NewRandom()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		id := kid.String()
		log := logger.With(slog.String("id", id))

		acceptOpts := &websocket.AcceptOptions{
			OriginPatterns:     opts.OriginPatterns,
			InsecureSkipVerify: len(opts.OriginPatterns) == 0,
		}

		conn, err := websocket.Accept(w, r, acceptOpts)
		if err != nil {
			log.Debug("upgrade failed", slog.String("error", err.Error()))
			return
		}

		if opts.MaxMessageBytes > 0 {
			conn.SetReadLimit(opts.MaxMessageBytes)
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		c := NewConnection(id, opts.SendBuffer)
		relay.Dispatch(ctx, c, Event{Kind: EventConnect})

		defer func() {
			relay.Dispatch(context.Background(), c, Event{Kind: EventDisconnect})
			_ = conn.Close(websocket.StatusGoingAway, "bye")
			relay.Closed(c)
		}()

		go func() {
			defer cancel()
			for {
				_, b, err := conn.Read(ctx)
				if err != nil {
					if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
						log.Debug("read failed", slog.String("error", err.Error()))
					}
					return
				}

				event := Event{}
				if err := json.Unmarshal(b, &event); err != nil {
					log.Warn("dropping malformed frame", slog.String("error", err.Error()), slog.Int("size", len(b)))
					continue
				}

				relay.Dispatch(ctx, c, event)
			}
		}()

		if opts.PingInterval > 0 {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-c.Done():
						return
					case <-time.After(opts.PingInterval):
						if err := conn.Ping(ctx); err != nil {
							if ctx.Err() == nil {
								relay.Evict(ctx, c, fmt.Errorf("ping: %w", err))
							}
							return
						}

						if err := relay.tracker.Touch(ctx, id); err != nil {
							log.Error("failed extend exp", err)
						}
					}
				}
			}()
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case b := <-c.Outbound():
				if err := write(ctx, conn, opts.WriteTimeout, b); err != nil {
					if !errors.Is(err, context.Canceled) {
						log.Error("failed to write message", err)
					}
					relay.Evict(ctx, c, fmt.Errorf("write: %w", err))
					return
				}

				if err := relay.tracker.Sent(ctx, id); err != nil {
					log.Error("failed to update sent messages stats", err)
				}
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, timeout time.Duration, b []byte) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return conn.Write(ctx, websocket.MessageText, b)
}
