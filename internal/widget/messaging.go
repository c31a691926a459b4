package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

var (
	ErrMessagingStopped = errors.New("widget messaging stopped")
	ErrSendBufferFull   = errors.New("widget send buffer full")
)

// envelope is the JSON frame exchanged with the widget. A frame carrying
// Response is a reply to the request with the same RequestID; everything else
// is a new request.
type envelope struct {
	RequestID string          `json:"request_id"`
	Action    Action          `json:"action,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// Messaging is the request/response channel to one widget instance. The call
// layer depends only on this interface; the WebSocket implementation below is
// wired in by the HTTP layer.
type Messaging interface {
	// Send delivers an action to the widget and waits for its acknowledgment
	// or ctx expiry.
	Send(ctx context.Context, action Action, data any) error
	// OnAction subscribes to inbound requests with the given action name.
	// The transport acknowledges the request after all handlers return.
	OnAction(action Action, fn func(data json.RawMessage)) (unsubscribe func())
	// Ready reports whether the transport can still send.
	Ready() bool
}

// WSMessaging drives the widget protocol over a single WebSocket connection.
type WSMessaging struct {
	conn   *websocket.Conn
	logger *slog.Logger

	send chan envelope

	mu       sync.Mutex
	pending  map[string]chan json.RawMessage
	handlers map[Action]map[int]func(json.RawMessage)
	nextID   int
	closed   bool

	done chan struct{}
}

func NewWSMessaging(conn *websocket.Conn, logger *slog.Logger) *WSMessaging {
	return &WSMessaging{
		conn:     conn,
		logger:   logger,
		send:     make(chan envelope, 32),
		pending:  make(map[string]chan json.RawMessage),
		handlers: make(map[Action]map[int]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
}

// Run pumps the connection until it dies. It blocks; callers run it in the
// connection's handler goroutine and use Done to observe teardown.
func (m *WSMessaging) Run() {
	go m.writePump()
	m.readPump()
	m.stop()
}

// Done closes when the underlying transport is gone.
func (m *WSMessaging) Done() <-chan struct{} {
	return m.done
}

func (m *WSMessaging) Ready() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *WSMessaging) Send(ctx context.Context, action Action, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	id, err := gonanoid.New(16)
	if err != nil {
		return err
	}

	reply := make(chan json.RawMessage, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMessagingStopped
	}
	m.pending[id] = reply
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	if err := m.enqueue(envelope{RequestID: id, Action: action, Data: raw}); err != nil {
		return err
	}

	select {
	case <-reply:
		return nil
	case <-m.done:
		return ErrMessagingStopped
	case <-ctx.Done():
		return fmt.Errorf("no response to %s: %w", action, ctx.Err())
	}
}

func (m *WSMessaging) OnAction(action Action, fn func(data json.RawMessage)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.handlers[action] == nil {
		m.handlers[action] = make(map[int]func(json.RawMessage))
	}
	m.handlers[action][id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		if hs := m.handlers[action]; hs != nil {
			delete(hs, id)
		}
		m.mu.Unlock()
	}
}

func (m *WSMessaging) enqueue(env envelope) error {
	select {
	case m.send <- env:
		return nil
	case <-m.done:
		return ErrMessagingStopped
	default:
		return ErrSendBufferFull
	}
}

func (m *WSMessaging) readPump() {
	_ = m.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	m.conn.SetPongHandler(func(string) error {
		_ = m.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := m.conn.ReadMessage()
		if err != nil {
			m.logger.Debug("widget ws read error", "error", err)
			return
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			m.logger.Debug("widget ws bad json", "error", err)
			continue
		}

		if env.Response != nil {
			m.mu.Lock()
			reply := m.pending[env.RequestID]
			m.mu.Unlock()
			if reply != nil {
				select {
				case reply <- env.Response:
				default:
				}
			}
			continue
		}

		m.dispatch(env)
	}
}

func (m *WSMessaging) dispatch(env envelope) {
	m.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(m.handlers[env.Action]))
	for _, fn := range m.handlers[env.Action] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Debug("widget action", "action", env.Action, "handlers", len(fns))
	for _, fn := range fns {
		fn(env.Data)
	}

	// Ack the widget's request even when nothing handled it.
	ack := envelope{RequestID: env.RequestID, Action: env.Action, Response: json.RawMessage(`{}`)}
	if err := m.enqueue(ack); err != nil {
		m.logger.Debug("widget ack not delivered", "action", env.Action, "error", err)
	}
}

func (m *WSMessaging) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer func() { _ = m.conn.Close() }()

	for {
		select {
		case env := <-m.send:
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			_ = m.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *WSMessaging) stop() {
	m.mu.Lock()
	alreadyClosed := m.closed
	m.closed = true
	m.mu.Unlock()
	if alreadyClosed {
		return
	}
	_ = m.conn.Close()
	close(m.done)
}
