package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// EventBridge streams notifier events to websocket observers, one
// subscription per connection.
type EventBridge struct {
	notifier *event.Notifier
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewEventBridge(notifier *event.Notifier, log *slog.Logger) *EventBridge {
	return &EventBridge{
		notifier: notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameHost,
		},
		log: log.With("component", "event_bridge"),
	}
}

// Router mounts the bridge on /events. ?topics=a,b narrows the feed.
func (b *EventBridge) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/events", b.ServeHTTP)
	return r
}

func (b *EventBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	var topics []event.Topic
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			topics = append(topics, event.Topic(strings.TrimSpace(t)))
		}
	}

	sub := b.notifier.Subscribe(topics...)
	b.log.Debug("observer connected", "remote", r.RemoteAddr, "topics", topics)

	closed := make(chan struct{})
	go b.readLoop(conn, closed)
	b.writeLoop(r.Context(), conn, sub, closed)
}

// readLoop discards client messages and detects disconnects.
func (b *EventBridge) readLoop(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *EventBridge) writeLoop(ctx context.Context, conn *websocket.Conn, sub *event.Subscription, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
		b.log.Debug("observer disconnected")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					b.log.Debug("event write failed", "error", err)
				}
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sameHost accepts non-browser clients and browser pages served from the
// bridge's own host.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origin = strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	return origin == r.Host
}
