package call

import (
	"context"
	"sync"

	"github.com/roomvoice/groupcall/internal/dispatcher"
	"github.com/roomvoice/groupcall/internal/event"
	"github.com/roomvoice/groupcall/internal/state"
)

// ChangedCall pairs a room with its current call, which is nil when the room
// lost its call.
type ChangedCall struct {
	RoomID string
	Call   Call
}

// Store tracks the call in each room and which calls this device is connected
// to. The connected set is persisted so an unclean shutdown can be repaired on
// the next start.
type Store struct {
	deps Deps

	mu           sync.Mutex
	calls        map[string]Call            // roomID -> call; nil marks a room known to be call-less
	active       map[string]struct{}        // roomIDs we are connected in
	callUnsubs   map[string][]func()        // per-call listeners
	globalUnsubs []func()
	viewedRoomID string

	callChanged   *event.Stream[ChangedCall]
	activeChanged *event.Stream[map[string]struct{}]
	callEnded     *event.Stream[string]
}

func NewStore(deps Deps) *Store {
	return &Store{
		deps:          deps,
		calls:         make(map[string]Call),
		active:        make(map[string]struct{}),
		callUnsubs:    make(map[string][]func()),
		callChanged:   event.NewStream[ChangedCall](),
		activeChanged: event.NewStream[map[string]struct{}](),
		callEnded:     event.NewStream[string](),
	}
}

// CallChanged emits whenever a room's call is created, replaced or removed.
func (s *Store) CallChanged() *event.Stream[ChangedCall] { return s.callChanged }

// ActiveCallsChanged emits the new set of room IDs with a connected call.
func (s *Store) ActiveCallsChanged() *event.Stream[map[string]struct{}] { return s.activeChanged }

// CallEnded emits a room ID when this device leaves its call.
func (s *Store) CallEnded() *event.Stream[string] { return s.callEnded }

// Ready hooks the store into room state and repairs membership left over from
// an unclean shutdown.
func (s *Store) Ready(ctx context.Context) {
	for _, room := range s.deps.State.Rooms() {
		s.UpdateRoom(room)
	}

	unsubAdded := s.deps.State.RoomAdded().Subscribe(func(room *state.Room) {
		s.UpdateRoom(room)
	})
	unsubState := s.deps.State.StateChanged().Subscribe(func(ch state.StateChange) {
		switch ch.Event.Type {
		case state.EventTypeWidgets, GroupCallEventType:
			s.UpdateRoom(ch.Room)
		}
	})
	s.mu.Lock()
	s.globalUnsubs = append(s.globalUnsubs, unsubAdded, unsubState)
	s.mu.Unlock()

	if s.deps.Bus != nil {
		unreg := s.deps.Bus.Register(func(a dispatcher.Action) {
			if a.Type == dispatcher.ActionViewRoom {
				// Ready's ctx only bounds startup; view switches outlive it.
				s.HandleViewedRoomChange(context.Background(), a.RoomID)
			}
		})
		s.mu.Lock()
		s.globalUnsubs = append(s.globalUnsubs, unreg)
		s.mu.Unlock()
	}

	// Room IDs still marked connected belong to a previous process that went
	// down without disconnecting. Scrub our device from those calls.
	uncleanIDs := s.deps.Settings.ActiveCallRoomIDs()
	for _, roomID := range uncleanIDs {
		c := s.Get(roomID)
		if c == nil {
			continue
		}
		s.deps.logger().Warn("cleaning up stale call membership", "room_id", roomID)
		if err := c.Clean(ctx); err != nil {
			s.deps.logger().Warn("failed to clean up stale call membership", "room_id", roomID, "error", err)
		}
	}
	if len(uncleanIDs) > 0 {
		if err := s.deps.Settings.SetActiveCallRoomIDs(nil); err != nil {
			s.deps.logger().Warn("failed to clear connected call rooms", "error", err)
		}
	}
}

// Close disconnects listeners and destroys every tracked call.
func (s *Store) Close() {
	s.mu.Lock()
	globals := s.globalUnsubs
	s.globalUnsubs = nil
	calls := make([]Call, 0, len(s.calls))
	for roomID, c := range s.calls {
		for _, unsub := range s.callUnsubs[roomID] {
			unsub()
		}
		delete(s.callUnsubs, roomID)
		if c != nil {
			calls = append(calls, c)
		}
	}
	s.calls = make(map[string]Call)
	s.mu.Unlock()

	for _, unsub := range globals {
		unsub()
	}
	for _, c := range calls {
		c.Destroy()
	}
}

// Get returns the room's call, or nil. A room already evaluated as call-less
// answers from the cache without re-deriving.
func (s *Store) Get(roomID string) Call {
	s.mu.Lock()
	c, ok := s.calls[roomID]
	s.mu.Unlock()
	if !ok {
		if room := s.deps.State.Room(roomID); room != nil {
			return s.UpdateRoom(room)
		}
		return nil
	}
	return c
}

// UpdateRoom recomputes the room's call. An already tracked call is left in
// place; a new call event only takes effect once the old call is destroyed.
// Rooms without a call are remembered as such, so a repeat invocation neither
// re-derives nor re-notifies listeners.
func (s *Store) UpdateRoom(room *state.Room) Call {
	s.mu.Lock()
	if c, tracked := s.calls[room.ID]; tracked && c != nil {
		s.mu.Unlock()
		return c
	}

	c := Get(room, s.deps)
	if c == nil {
		s.calls[room.ID] = nil
		s.mu.Unlock()
		return nil
	}

	s.calls[room.ID] = c
	unsubDestroy := c.Destroyed().Once(func(struct{}) {
		s.forget(room.ID)
		// The room may already hold a replacement call event.
		s.UpdateRoom(room)
	})
	unsubConn := c.ConnectionStateChanged().Subscribe(func(ch StateChange) {
		s.trackActive(room.ID, ch.State)
	})
	s.callUnsubs[room.ID] = []func(){unsubDestroy, unsubConn}
	s.mu.Unlock()

	s.callChanged.Emit(ChangedCall{RoomID: room.ID, Call: c})
	return c
}

// HandleViewedRoomChange keeps at most one disconnected call alive across room
// switches. The old room's call is released unless its widget is still live;
// video rooms reconnect on entry.
func (s *Store) HandleViewedRoomChange(ctx context.Context, newRoomID string) {
	s.mu.Lock()
	oldRoomID := s.viewedRoomID
	s.viewedRoomID = newRoomID
	s.mu.Unlock()
	if oldRoomID == newRoomID {
		return
	}

	if oldRoomID != "" {
		if c := s.Get(oldRoomID); c != nil && c.ConnectionState() == StateDisconnected {
			if !s.deps.Messaging.IsLive(c.Widget().UID()) {
				c.Destroy()
			}
		}
	}

	if newRoomID != "" {
		room := s.deps.State.Room(newRoomID)
		if room == nil || !room.IsVideoRoom() {
			return
		}
		if c := s.Get(newRoomID); c != nil && c.ConnectionState() == StateDisconnected {
			// Video rooms auto-join; run it off the caller's goroutine so a
			// slow widget handshake cannot block the view switch.
			go func() {
				if err := c.Connect(ctx); err != nil {
					s.deps.logger().Error("failed to connect to video room call", "room_id", newRoomID, "error", err)
				}
			}()
		}
	}
}

func (s *Store) forget(roomID string) {
	s.mu.Lock()
	for _, unsub := range s.callUnsubs[roomID] {
		unsub()
	}
	delete(s.callUnsubs, roomID)
	delete(s.calls, roomID)
	s.mu.Unlock()
	s.trackActive(roomID, StateDisconnected)
	s.callChanged.Emit(ChangedCall{RoomID: roomID})
}

// trackActive maintains and persists the connected set, which survives the
// process for crash recovery.
func (s *Store) trackActive(roomID string, connState ConnectionState) {
	s.mu.Lock()
	_, was := s.active[roomID]
	is := connState.IsConnected()
	if was == is {
		s.mu.Unlock()
		return
	}
	if is {
		s.active[roomID] = struct{}{}
	} else {
		delete(s.active, roomID)
	}
	snapshot := make(map[string]struct{}, len(s.active))
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		snapshot[id] = struct{}{}
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if err := s.deps.Settings.SetActiveCallRoomIDs(ids); err != nil {
		s.deps.logger().Warn("failed to persist connected call rooms", "error", err)
	}
	s.activeChanged.Emit(snapshot)
	if !is {
		s.callEnded.Emit(roomID)
	}
}
