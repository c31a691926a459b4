package dispatcher

import "testing"

func TestDispatchReachesAllHandlers(t *testing.T) {
	b := NewBus()

	var got []ActionType
	unregA := b.Register(func(a Action) { got = append(got, a.Type) })
	defer unregA()
	unregB := b.Register(func(a Action) { got = append(got, a.Type) })
	defer unregB()

	b.Dispatch(Action{Type: ActionPlaceCall, RoomID: "!r:example.org"})
	if len(got) != 2 {
		t.Fatalf("handled %d times, want 2", len(got))
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := NewBus()

	var count int
	unreg := b.Register(func(Action) { count++ })

	b.Dispatch(Action{Type: ActionHangupCall})
	unreg()
	unreg() // second call is a no-op
	b.Dispatch(Action{Type: ActionHangupCall})

	if count != 1 {
		t.Fatalf("handled %d times, want 1", count)
	}
}
