package widget

import (
	"sync"

	"github.com/roomvoice/groupcall/internal/event"
)

// StoredMessaging pairs a widget UID with its freshly attached transport.
type StoredMessaging struct {
	UID       string
	Messaging Messaging
}

// MessagingStore tracks the messaging transport of every live widget, keyed
// by widget UID, and the set of widgets currently rendered somewhere
// persistent (docked in a room view or floating as a PiP).
type MessagingStore struct {
	mu     sync.Mutex
	byUID  map[string]Messaging
	live   map[string]bool // UID -> docked (true) or PiP (false)
	stored *event.Stream[StoredMessaging]
	stop   *event.Stream[string]
	dock   *event.Stream[string]
	undock *event.Stream[string]
}

func NewMessagingStore() *MessagingStore {
	return &MessagingStore{
		byUID:  make(map[string]Messaging),
		live:   make(map[string]bool),
		stored: event.NewStream[StoredMessaging](),
		stop:   event.NewStream[string](),
		dock:   event.NewStream[string](),
		undock: event.NewStream[string](),
	}
}

// Stored emits whenever a widget's messaging becomes available.
func (s *MessagingStore) Stored() *event.Stream[StoredMessaging] { return s.stored }

// Stopped emits the widget UID when its messaging is torn down.
func (s *MessagingStore) Stopped() *event.Stream[string] { return s.stop }

// Docked and Undocked track the widget moving between the room view and PiP.
func (s *MessagingStore) Docked() *event.Stream[string]   { return s.dock }
func (s *MessagingStore) Undocked() *event.Stream[string] { return s.undock }

func (s *MessagingStore) Get(uid string) Messaging {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byUID[uid]
}

// Store registers the transport for a widget UID, replacing any previous one.
func (s *MessagingStore) Store(uid string, m Messaging) {
	s.mu.Lock()
	s.byUID[uid] = m
	s.live[uid] = true
	s.mu.Unlock()
	s.stored.Emit(StoredMessaging{UID: uid, Messaging: m})
}

// Remove drops the transport for a widget UID and signals StopMessaging.
func (s *MessagingStore) Remove(uid string) {
	s.mu.Lock()
	_, ok := s.byUID[uid]
	delete(s.byUID, uid)
	delete(s.live, uid)
	s.mu.Unlock()
	if ok {
		s.stop.Emit(uid)
	}
}

// IsLive reports whether the widget is currently rendered anywhere.
func (s *MessagingStore) IsLive(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[uid]
	return ok
}

// SetDocked records where the widget is rendered and notifies layout
// listeners on changes.
func (s *MessagingStore) SetDocked(uid string, docked bool) {
	s.mu.Lock()
	prev, known := s.live[uid]
	s.live[uid] = docked
	s.mu.Unlock()

	if known && prev == docked {
		return
	}
	if docked {
		s.dock.Emit(uid)
	} else {
		s.undock.Emit(uid)
	}
}
