package dispatcher

import (
	"encoding/json"
	"sync"
)

// ActionType names a UI intent routed through the bus.
type ActionType string

const (
	ActionPlaceCall  ActionType = "place_call"
	ActionAnswerCall ActionType = "answer"
	ActionHangupCall ActionType = "hangup"
	ActionHangupAll  ActionType = "hangup_all"
	ActionViewRoom   ActionType = "view_room"
)

// Action carries one dispatched intent.
type Action struct {
	Type    ActionType
	RoomID  string
	Payload json.RawMessage
}

// Bus fans dispatched actions out to registered handlers. Dispatch is
// synchronous; handlers must not block.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(Action)
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]func(Action))}
}

// Register adds a handler for every action. The returned function removes it.
func (b *Bus) Register(fn func(Action)) (unregister func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Dispatch(a Action) {
	b.mu.Lock()
	handlers := make([]func(Action), 0, len(b.handlers))
	for _, fn := range b.handlers {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(a)
	}
}
