package beatsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// LiveFeed is the optional server push channel. The server notifies the
// client when records it holds changed (a manager reassigning a beat, a
// back office confirming an order), and the session reacts by refreshing
// the affected date instead of waiting for the next poll.
//
// The feed is advisory only. Every message translates into an event the
// session already handles; losing the connection degrades to interval
// syncing, never to wrong data.
type LiveFeed struct {
	config LiveFeedConfig
	bus    *EventBus
	logger *slog.Logger
	dialer *websocket.Dialer
}

// feedMessage is the wire form of one push notification.
type feedMessage struct {
	Type string `json:"type"`
	Date string `json:"date,omitempty"`
}

const (
	feedTypeRefresh    = "refresh"
	feedTypeInvalidate = "invalidate"
)

func newLiveFeed(config LiveFeedConfig, bus *EventBus, logger *slog.Logger) *LiveFeed {
	return &LiveFeed{
		config: config,
		bus:    bus,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}
}

// run connects and reconnects until the context ends. Backoff doubles on
// consecutive failures and resets after a successful session.
func (f *LiveFeed) run(ctx context.Context) {
	backoff := f.config.ReconnectBackoff.Std()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := f.dialer.DialContext(ctx, f.config.URL, nil)
		if err != nil {
			f.logger.Debug("live feed dial failed", "url", f.config.URL, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 2*time.Minute {
				backoff = 2 * time.Minute
			}
			continue
		}

		f.logger.Info("live feed connected", "url", f.config.URL)
		backoff = f.config.ReconnectBackoff.Std()
		f.serve(ctx, conn)
	}
}

// serve reads messages until the connection drops or the context ends.
func (f *LiveFeed) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(f.config.PingInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// Unblocks the read loop.
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		var msg feedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				f.logger.Debug("live feed disconnected", "err", err)
			}
			return
		}
		f.dispatch(msg)
	}
}

func (f *LiveFeed) dispatch(msg feedMessage) {
	switch msg.Type {
	case feedTypeRefresh:
		f.bus.Publish(RemoteChangeEvent{Date: msg.Date})
	case feedTypeInvalidate:
		f.bus.Publish(DataInvalidatedEvent{})
	default:
		f.logger.Debug("live feed message ignored", "type", msg.Type)
	}
}
