package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roomvoice/groupcall/internal/dispatcher"
	"github.com/roomvoice/groupcall/internal/event"
	"github.com/roomvoice/groupcall/internal/media"
	"github.com/roomvoice/groupcall/internal/settings"
	"github.com/roomvoice/groupcall/internal/state"
	"github.com/roomvoice/groupcall/internal/widget"
)

// DefaultTimeout bounds widget messaging attachment and handshakes.
const DefaultTimeout = 16 * time.Second

// StuckDeviceTimeout is how long a device entry in call membership state
// stays valid without a refresh.
const StuckDeviceTimeout = time.Hour

type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
)

// IsConnected reports whether the user is on the call from the room's point
// of view: disconnecting still counts until teardown completes.
func (s ConnectionState) IsConnected() bool {
	return s == StateConnected || s == StateDisconnecting
}

// StateChange carries a connection state transition.
type StateChange struct {
	State ConnectionState
	Prev  ConnectionState
}

var (
	ErrNotConnected      = errors.New("call is not connected")
	ErrNotDisconnected   = errors.New("call is not disconnected")
	ErrOperationInFlight = errors.New("another connect or disconnect is in flight")
	ErrDestroyed         = errors.New("call is destroyed")
)

// Deps are the collaborators a call needs. They are passed explicitly so
// tests can run isolated instances.
type Deps struct {
	State     *state.Store
	Settings  *settings.Store
	Messaging *widget.MessagingStore
	Devices   media.DeviceLister
	Bus       *dispatcher.Bus
	Logger    *slog.Logger

	// ElementCallURL is the base URL of the Element Call widget app.
	ElementCallURL string
	// JitsiDomain hosts created Jitsi conferences.
	JitsiDomain string

	// NowFn and Timeout default to time.Now and DefaultTimeout.
	NowFn   func() time.Time
	Timeout time.Duration
}

func (d Deps) now() time.Time {
	if d.NowFn != nil {
		return d.NowFn()
	}
	return time.Now()
}

func (d Deps) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Call is a group call accessed through a widget.
type Call interface {
	Widget() *widget.Widget
	RoomID() string
	ConnectionState() ConnectionState
	Connected() bool
	// Participants is the set of user IDs currently on the call, including
	// the local echo of the user's own state.
	Participants() map[string]struct{}

	// Connect joins the call through the widget. The widget's messaging must
	// attach within the configured timeout.
	Connect(ctx context.Context) error
	// Disconnect leaves the call. It fails unless the call is connected.
	Disconnect(ctx context.Context) error
	// SetDisconnected marks the call disconnected and cleans up, without a
	// widget round-trip. Safe to call repeatedly.
	SetDisconnected()
	// Destroy stops timers and listeners to prepare for release.
	Destroy()
	// Clean repairs the user's own membership state after an unclean
	// disconnection. It never touches other users' state.
	Clean(ctx context.Context) error

	ConnectionStateChanged() *event.Stream[StateChange]
	ParticipantsChanged() *event.Stream[map[string]struct{}]
	Destroyed() *event.Stream[struct{}]
}

// Get returns the call present in the given room, if any.
func Get(room *state.Room, deps Deps) Call {
	if c := GetElementCall(room, deps); c != nil {
		return c
	}
	if c := GetJitsiCall(room, deps); c != nil {
		return c
	}
	return nil
}

// variant hooks the protocol-specific halves into the shared lifecycle.
type variant interface {
	performConnection(ctx context.Context, audioInput, videoInput *media.Device) error
	performDisconnection(ctx context.Context) error
	// teardown removes variant listeners; called from SetDisconnected.
	teardown()
}

// base carries the connection state machine shared by all call variants.
type base struct {
	deps      Deps
	widget    *widget.Widget
	widgetUID string
	room      *state.Room
	impl      variant

	mu           sync.Mutex
	connState    ConnectionState
	participants map[string]struct{}
	messaging    widget.Messaging
	opInFlight   bool
	destroyed    bool

	stateChanged        *event.Stream[StateChange]
	participantsChanged *event.Stream[map[string]struct{}]
	destroyStream       *event.Stream[struct{}]
}

func newBase(w *widget.Widget, room *state.Room, deps Deps) *base {
	return &base{
		deps:                deps,
		widget:              w,
		widgetUID:           w.UID(),
		room:                room,
		connState:           StateDisconnected,
		participants:        make(map[string]struct{}),
		stateChanged:        event.NewStream[StateChange](),
		participantsChanged: event.NewStream[map[string]struct{}](),
		destroyStream:       event.NewStream[struct{}](),
	}
}

func (c *base) Widget() *widget.Widget { return c.widget }
func (c *base) RoomID() string         { return c.widget.RoomID }

func (c *base) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

func (c *base) Connected() bool { return c.ConnectionState().IsConnected() }

func (c *base) Participants() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.participants))
	for id := range c.participants {
		out[id] = struct{}{}
	}
	return out
}

func (c *base) ConnectionStateChanged() *event.Stream[StateChange] { return c.stateChanged }
func (c *base) ParticipantsChanged() *event.Stream[map[string]struct{}] {
	return c.participantsChanged
}
func (c *base) Destroyed() *event.Stream[struct{}] { return c.destroyStream }

// setState is the only way connection state moves. Emits outside the lock.
func (c *base) setState(s ConnectionState) {
	c.mu.Lock()
	prev := c.connState
	c.connState = s
	c.mu.Unlock()
	c.stateChanged.Emit(StateChange{State: s, Prev: prev})
}

func (c *base) setParticipants(p map[string]struct{}) {
	c.mu.Lock()
	c.participants = p
	c.mu.Unlock()
	c.participantsChanged.Emit(p)
}

func (c *base) messagingRef() widget.Messaging {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messaging
}

func (c *base) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// beginOp claims the single transition slot, enforcing that at most one
// connect or disconnect is in flight per call.
func (c *base) beginOp(required ConnectionState, stateErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("call in room %s: %w", c.widget.RoomID, ErrDestroyed)
	}
	if c.opInFlight {
		return fmt.Errorf("call in room %s: %w", c.widget.RoomID, ErrOperationInFlight)
	}
	if c.connState != required {
		return fmt.Errorf("call in room %s: %w", c.widget.RoomID, stateErr)
	}
	c.opInFlight = true
	return nil
}

func (c *base) endOp() {
	c.mu.Lock()
	c.opInFlight = false
	c.mu.Unlock()
}

func (c *base) Connect(ctx context.Context) error {
	if err := c.beginOp(StateDisconnected, ErrNotDisconnected); err != nil {
		return err
	}
	defer c.endOp()

	c.setState(StateConnecting)

	audioInput, videoInput, err := c.chooseDevices(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	msg := c.deps.Messaging.Get(c.widgetUID)
	if msg == nil {
		// The widget might still be initializing, so wait for it.
		bindCtx, cancel := context.WithTimeout(ctx, c.deps.timeout())
		stored, err := event.Wait(bindCtx, c.deps.Messaging.Stored(), func(sm widget.StoredMessaging) bool {
			return sm.UID == c.widgetUID
		})
		cancel()
		if err != nil {
			c.setState(StateDisconnected)
			return fmt.Errorf("failed to bind call widget in room %s: %w", c.widget.RoomID, err)
		}
		msg = stored.Messaging
	}
	c.mu.Lock()
	c.messaging = msg
	c.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, c.deps.timeout())
	defer cancel()
	if err := c.impl.performConnection(connectCtx, audioInput, videoInput); err != nil {
		// SetDisconnected rather than a bare state flip so the messaging
		// reference set above does not outlive the failed attempt.
		c.SetDisconnected()
		return err
	}

	c.setState(StateConnected)
	return nil
}

func (c *base) Disconnect(ctx context.Context) error {
	if err := c.beginOp(StateConnected, ErrNotConnected); err != nil {
		return err
	}
	defer c.endOp()

	c.setState(StateDisconnecting)

	ctx, cancel := context.WithTimeout(ctx, c.deps.timeout())
	defer cancel()

	err := c.impl.performDisconnection(ctx)
	// Tear down even when the hangup exchange failed: the messaging is
	// likely dead and the membership resend loop must stop either way.
	c.SetDisconnected()
	return err
}

func (c *base) SetDisconnected() {
	c.mu.Lock()
	if c.connState == StateDisconnected && c.messaging == nil {
		c.mu.Unlock()
		return
	}
	c.messaging = nil
	c.mu.Unlock()

	c.impl.teardown()
	c.setState(StateDisconnected)
}

// destroy finishes the shared half of Destroy. Variants stop their own
// timers and listeners first.
func (c *base) destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.SetDisconnected()
	c.destroyStream.Emit(struct{}{})
}

func (c *base) chooseDevices(ctx context.Context) (audioInput, videoInput *media.Device, err error) {
	devices, err := c.deps.Devices.Devices(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate devices for room %s: %w", c.widget.RoomID, err)
	}
	s := c.deps.Settings
	audioInput = media.Pick(devices, media.KindAudioInput, s.AudioInputDeviceID(), s.AudioInputMuted())
	videoInput = media.Pick(devices, media.KindVideoInput, s.VideoInputDeviceID(), s.VideoInputMuted())
	return audioInput, videoInput, nil
}
