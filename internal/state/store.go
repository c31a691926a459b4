package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/roomvoice/groupcall/internal/event"
)

// Device is one of the local user's logged-in devices, used when repairing
// stale call membership.
type Device struct {
	ID         string `json:"device_id"`
	LastSeenTS int64  `json:"last_seen_ts"` // milliseconds, zero if never seen
}

// StateChange pairs an applied state event with its room.
type StateChange struct {
	Room  *Room
	Event *StateEvent
}

// Store is the daemon's view of the user's synced rooms. It stands in for the
// homeserver-backed session: the sync bridge feeds events in, call bookkeeping
// reads state and writes its own membership back through SendStateEvent.
type Store struct {
	userID   string
	deviceID string
	nowFn    func() time.Time

	mu      sync.RWMutex
	rooms   map[string]*Room
	devices []Device

	roomAdded    *event.Stream[*Room]
	stateChanged *event.Stream[StateChange]
}

func NewStore(userID, deviceID string) *Store {
	return &Store{
		userID:       userID,
		deviceID:     deviceID,
		nowFn:        time.Now,
		rooms:        make(map[string]*Room),
		roomAdded:    event.NewStream[*Room](),
		stateChanged: event.NewStream[StateChange](),
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// Now is the store's clock, injectable for tests.
func (s *Store) Now() time.Time { return s.nowFn() }

func (s *Store) UserID() string   { return s.userID }
func (s *Store) DeviceID() string { return s.deviceID }

// RoomAdded emits newly known rooms.
func (s *Store) RoomAdded() *event.Stream[*Room] { return s.roomAdded }

// StateChanged emits every applied state event across all rooms.
func (s *Store) StateChanged() *event.Stream[StateChange] { return s.stateChanged }

func (s *Store) Room(id string) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[id]
}

func (s *Store) Rooms() []*Room {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()
	return rooms
}

// Devices returns the local user's device list snapshot.
func (s *Store) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Device(nil), s.devices...)
}

// SetDevices replaces the device list snapshot.
func (s *Store) SetDevices(devices []Device) {
	s.mu.Lock()
	s.devices = append([]Device(nil), devices...)
	s.mu.Unlock()
}

// ApplyEvent ingests one state event for a room, creating the room on first
// sight, and fans it out to subscribers.
func (s *Store) ApplyEvent(roomID string, ev *StateEvent) *Room {
	s.mu.Lock()
	room := s.rooms[roomID]
	added := false
	if room == nil {
		room = newRoom(roomID, s.userID)
		s.rooms[roomID] = room
		added = true
	}
	s.mu.Unlock()

	room.apply(ev)
	if added {
		s.roomAdded.Emit(room)
	}
	s.stateChanged.Emit(StateChange{Room: room, Event: ev})
	return room
}

// SendStateEvent writes a state event on behalf of the local user. Writes are
// optimistic: the event is applied locally right away and reconciled when the
// sync bridge echoes the server's copy back.
func (s *Store) SendStateEvent(ctx context.Context, roomID, evType, stateKey string, content any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal %s state event: %w", evType, err)
	}
	if s.Room(roomID) == nil {
		return fmt.Errorf("send state event: unknown room %s", roomID)
	}

	s.ApplyEvent(roomID, &StateEvent{
		Type:     evType,
		StateKey: stateKey,
		Sender:   s.userID,
		Content:  raw,
		TS:       s.nowFn().UnixMilli(),
	})
	return nil
}
