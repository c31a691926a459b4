// Package legacy runs the older 1:1 calls that predate group call widgets.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/roomvoice/groupcall/internal/dispatcher"
	"github.com/roomvoice/groupcall/internal/event"
	"github.com/roomvoice/groupcall/internal/state"
	"github.com/roomvoice/groupcall/internal/turn"
)

// CallState follows the signaling lifecycle of a direct call.
type CallState string

const (
	StateRinging    CallState = "ringing"    // incoming, not yet answered
	StateInviteSent CallState = "invite_sent" // outgoing, awaiting answer
	StateConnected  CallState = "connected"
	StateEnded      CallState = "ended"
)

// CallType distinguishes voice-only from video calls.
type CallType string

const (
	TypeVoice CallType = "voice"
	TypeVideo CallType = "video"
)

var (
	ErrCallExists   = errors.New("legacy: room already has a call")
	ErrCallNotFound = errors.New("legacy: no call in room")
	ErrBadState     = errors.New("legacy: call is not in the required state")
)

// Call is one direct call keyed by room.
type Call struct {
	ID       string
	RoomID   string
	Type     CallType
	State    CallState
	Outbound bool
}

// CallChange is emitted whenever a call appears, transitions or ends.
type CallChange struct {
	Call Call
}

// Handler owns all direct calls and exposes the ICE configuration peers need
// to traverse NAT.
type Handler struct {
	state  *state.Store
	turn   *turn.Server
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string]*Call // roomID -> call

	changed *event.Stream[CallChange]
	unreg   func()
}

func NewHandler(st *state.Store, ts *turn.Server, bus *dispatcher.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		state:   st,
		turn:    ts,
		logger:  logger,
		calls:   make(map[string]*Call),
		changed: event.NewStream[CallChange](),
	}
	if bus != nil {
		h.unreg = bus.Register(h.onAction)
	}
	return h
}

// CallsChanged emits every call state transition.
func (h *Handler) CallsChanged() *event.Stream[CallChange] { return h.changed }

// ICEServers is the WebRTC ICE configuration for the given host, or nil when
// no relay is running.
func (h *Handler) ICEServers(host string) []turn.ICEServer {
	if h.turn == nil {
		return nil
	}
	return h.turn.ICEServers(host)
}

// GetCall returns the room's direct call, or nil.
func (h *Handler) GetCall(roomID string) *Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.calls[roomID]; ok {
		snapshot := *c
		return &snapshot
	}
	return nil
}

// PlaceCall starts an outgoing call in the room. One call per room.
func (h *Handler) PlaceCall(ctx context.Context, roomID string, callType CallType) (*Call, error) {
	room := h.state.Room(roomID)
	if room == nil {
		return nil, ErrCallNotFound
	}
	if room.MyMembership() != state.MembershipJoin {
		return nil, ErrBadState
	}

	id, err := gonanoid.New(16)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if _, ok := h.calls[roomID]; ok {
		h.mu.Unlock()
		return nil, ErrCallExists
	}
	c := &Call{ID: id, RoomID: roomID, Type: callType, State: StateInviteSent, Outbound: true}
	h.calls[roomID] = c
	snapshot := *c
	h.mu.Unlock()

	h.logger.Debug("placing direct call", "room_id", roomID, "call_id", id, "type", callType)
	h.changed.Emit(CallChange{Call: snapshot})
	return &snapshot, nil
}

// HandleIncoming registers a ringing call another device invited us to.
func (h *Handler) HandleIncoming(roomID, callID string, callType CallType) (*Call, error) {
	h.mu.Lock()
	if _, ok := h.calls[roomID]; ok {
		h.mu.Unlock()
		return nil, ErrCallExists
	}
	c := &Call{ID: callID, RoomID: roomID, Type: callType, State: StateRinging}
	h.calls[roomID] = c
	snapshot := *c
	h.mu.Unlock()

	h.logger.Debug("incoming direct call", "room_id", roomID, "call_id", callID, "type", callType)
	h.changed.Emit(CallChange{Call: snapshot})
	return &snapshot, nil
}

// Answer picks up a ringing call.
func (h *Handler) Answer(roomID string) error {
	return h.transition(roomID, func(c *Call) error {
		if c.State != StateRinging {
			return ErrBadState
		}
		c.State = StateConnected
		return nil
	})
}

// MarkConnected confirms an outgoing call the remote side answered.
func (h *Handler) MarkConnected(roomID string) error {
	return h.transition(roomID, func(c *Call) error {
		if c.State != StateInviteSent {
			return ErrBadState
		}
		c.State = StateConnected
		return nil
	})
}

// Hangup ends the room's call in any state.
func (h *Handler) Hangup(roomID string) error {
	h.mu.Lock()
	c, ok := h.calls[roomID]
	if !ok {
		h.mu.Unlock()
		return ErrCallNotFound
	}
	delete(h.calls, roomID)
	c.State = StateEnded
	snapshot := *c
	h.mu.Unlock()

	h.logger.Debug("direct call ended", "room_id", roomID, "call_id", snapshot.ID)
	h.changed.Emit(CallChange{Call: snapshot})
	return nil
}

// HangupAll ends every call, used on shutdown and logout.
func (h *Handler) HangupAll() {
	h.mu.Lock()
	ended := make([]Call, 0, len(h.calls))
	for roomID, c := range h.calls {
		c.State = StateEnded
		ended = append(ended, *c)
		delete(h.calls, roomID)
	}
	h.mu.Unlock()

	for _, c := range ended {
		h.changed.Emit(CallChange{Call: c})
	}
}

func (h *Handler) Close() {
	if h.unreg != nil {
		h.unreg()
	}
	h.HangupAll()
}

func (h *Handler) transition(roomID string, fn func(*Call) error) error {
	h.mu.Lock()
	c, ok := h.calls[roomID]
	if !ok {
		h.mu.Unlock()
		return ErrCallNotFound
	}
	if err := fn(c); err != nil {
		h.mu.Unlock()
		return err
	}
	snapshot := *c
	h.mu.Unlock()
	h.changed.Emit(CallChange{Call: snapshot})
	return nil
}

type placePayload struct {
	Type CallType `json:"type"`
}

func (h *Handler) onAction(a dispatcher.Action) {
	switch a.Type {
	case dispatcher.ActionPlaceCall:
		var p placePayload
		_ = json.Unmarshal(a.Payload, &p)
		if p.Type == "" {
			p.Type = TypeVoice
		}
		if _, err := h.PlaceCall(context.Background(), a.RoomID, p.Type); err != nil {
			h.logger.Warn("failed to place direct call", "room_id", a.RoomID, "error", err)
		}
	case dispatcher.ActionAnswerCall:
		if err := h.Answer(a.RoomID); err != nil {
			h.logger.Warn("failed to answer direct call", "room_id", a.RoomID, "error", err)
		}
	case dispatcher.ActionHangupCall:
		if err := h.Hangup(a.RoomID); err != nil && !errors.Is(err, ErrCallNotFound) {
			h.logger.Warn("failed to hang up direct call", "room_id", a.RoomID, "error", err)
		}
	case dispatcher.ActionHangupAll:
		h.HangupAll()
	}
}
