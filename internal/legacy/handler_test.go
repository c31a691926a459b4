package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/roomvoice/groupcall/internal/dispatcher"
	"github.com/roomvoice/groupcall/internal/state"
)

const (
	testUserID = "@alice:example.org"
	testRoomID = "!direct:example.org"
)

func newTestHandler(t *testing.T) (*Handler, *dispatcher.Bus) {
	t.Helper()
	st := state.NewStore(testUserID, "ALICEDEVICE")
	content, _ := json.Marshal(map[string]string{"membership": state.MembershipJoin})
	st.ApplyEvent(testRoomID, &state.StateEvent{
		Type:     state.EventTypeMember,
		StateKey: testUserID,
		Content:  content,
		TS:       1,
	})
	bus := dispatcher.NewBus()
	h := NewHandler(st, nil, bus, nil)
	t.Cleanup(h.Close)
	return h, bus
}

func TestPlaceCallLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)

	var states []CallState
	unsub := h.CallsChanged().Subscribe(func(ch CallChange) { states = append(states, ch.Call.State) })
	defer unsub()

	c, err := h.PlaceCall(context.Background(), testRoomID, TypeVideo)
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if c.State != StateInviteSent || !c.Outbound {
		t.Fatalf("call = %+v, want an outbound invite", c)
	}

	if err := h.MarkConnected(testRoomID); err != nil {
		t.Fatalf("mark connected failed: %v", err)
	}
	if got := h.GetCall(testRoomID); got.State != StateConnected {
		t.Fatalf("state = %s, want connected", got.State)
	}

	if err := h.Hangup(testRoomID); err != nil {
		t.Fatalf("hangup failed: %v", err)
	}
	if h.GetCall(testRoomID) != nil {
		t.Fatal("expected the call gone after hangup")
	}

	want := []CallState{StateInviteSent, StateConnected, StateEnded}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", states, want)
		}
	}
}

func TestOneCallPerRoom(t *testing.T) {
	h, _ := newTestHandler(t)
	if _, err := h.PlaceCall(context.Background(), testRoomID, TypeVoice); err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if _, err := h.PlaceCall(context.Background(), testRoomID, TypeVoice); !errors.Is(err, ErrCallExists) {
		t.Fatalf("second place err = %v, want ErrCallExists", err)
	}
}

func TestPlaceCallRequiresJoinedRoom(t *testing.T) {
	h, _ := newTestHandler(t)
	if _, err := h.PlaceCall(context.Background(), "!unknown:example.org", TypeVoice); err == nil {
		t.Fatal("expected failure for an unknown room")
	}
}

func TestIncomingCallAnswer(t *testing.T) {
	h, _ := newTestHandler(t)

	c, err := h.HandleIncoming(testRoomID, "call123", TypeVoice)
	if err != nil {
		t.Fatalf("incoming failed: %v", err)
	}
	if c.State != StateRinging || c.Outbound {
		t.Fatalf("call = %+v, want an inbound ringing call", c)
	}

	if err := h.Answer(testRoomID); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if got := h.GetCall(testRoomID); got.State != StateConnected {
		t.Fatalf("state = %s, want connected after answer", got.State)
	}
}

func TestAnswerRequiresRinging(t *testing.T) {
	h, _ := newTestHandler(t)
	if _, err := h.PlaceCall(context.Background(), testRoomID, TypeVoice); err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if err := h.Answer(testRoomID); !errors.Is(err, ErrBadState) {
		t.Fatalf("answer err = %v, want ErrBadState", err)
	}
}

func TestHangupAll(t *testing.T) {
	h, _ := newTestHandler(t)
	if _, err := h.PlaceCall(context.Background(), testRoomID, TypeVoice); err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if _, err := h.HandleIncoming("!other:example.org", "call2", TypeVideo); err != nil {
		t.Fatalf("incoming failed: %v", err)
	}

	h.HangupAll()
	if h.GetCall(testRoomID) != nil || h.GetCall("!other:example.org") != nil {
		t.Fatal("expected every call gone")
	}
}

func TestDispatchedActionsDriveCalls(t *testing.T) {
	h, bus := newTestHandler(t)

	payload, _ := json.Marshal(map[string]string{"type": string(TypeVideo)})
	bus.Dispatch(dispatcher.Action{Type: dispatcher.ActionPlaceCall, RoomID: testRoomID, Payload: payload})

	c := h.GetCall(testRoomID)
	if c == nil || c.Type != TypeVideo {
		t.Fatalf("call = %+v, want a video call placed via the bus", c)
	}

	bus.Dispatch(dispatcher.Action{Type: dispatcher.ActionHangupCall, RoomID: testRoomID})
	if h.GetCall(testRoomID) != nil {
		t.Fatal("expected the call hung up via the bus")
	}
}

func TestICEServersWithoutRelay(t *testing.T) {
	h, _ := newTestHandler(t)
	if servers := h.ICEServers("example.org:8443"); servers != nil {
		t.Fatalf("servers = %v, want nil with no relay running", servers)
	}
}
