package call

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/roomvoice/groupcall/internal/state"
	"github.com/roomvoice/groupcall/internal/widget"
)

// newCallRoomEnv is a native group-call room with one live group call event.
func newCallRoomEnv(t *testing.T) *env {
	t.Helper()
	e := newEnv(t, state.RoomTypeCall)
	if err := e.settings.SetElementCallVideoRoomsEnabled(true); err != nil {
		t.Fatalf("enable element call: %v", err)
	}
	e.applyGroupCall(t, "call1", e.now.UnixMilli(), false)
	return e
}

func (e *env) applyGroupCall(t *testing.T, callID string, ts int64, terminated bool) {
	t.Helper()
	content := map[string]any{
		"m.intent": "m.room",
		"m.type":   "m.video",
	}
	if terminated {
		content["m.terminated"] = "call_ended"
	}
	e.state.ApplyEvent(testRoomID, &state.StateEvent{
		Type:     GroupCallEventType,
		StateKey: callID,
		Sender:   testUserID,
		Content:  mustJSON(t, content),
		TS:       ts,
	})
}

func TestGetElementCallRequiresBothFlags(t *testing.T) {
	e := newEnv(t, state.RoomTypeCall)
	e.applyGroupCall(t, "call1", e.now.UnixMilli(), false)
	if c := GetElementCall(e.room, e.deps); c != nil {
		t.Fatal("expected no call without the element call flag")
	}
}

func TestGetElementCallPicksNewestLiveCall(t *testing.T) {
	e := newCallRoomEnv(t)
	e.applyGroupCall(t, "call2", e.now.Add(time.Minute).UnixMilli(), false)
	e.applyGroupCall(t, "call3", e.now.Add(2*time.Minute).UnixMilli(), true)

	c := GetElementCall(e.room, e.deps)
	if c == nil {
		t.Fatal("expected a call")
	}
	defer c.Destroy()
	if c.GroupCallID() != "call2" {
		t.Fatalf("group call = %s, want the newest unterminated call2", c.GroupCallID())
	}
}

func TestGetElementCallIgnoresTerminated(t *testing.T) {
	e := newEnv(t, state.RoomTypeCall)
	if err := e.settings.SetElementCallVideoRoomsEnabled(true); err != nil {
		t.Fatalf("enable element call: %v", err)
	}
	e.applyGroupCall(t, "call1", e.now.UnixMilli(), true)
	if c := GetElementCall(e.room, e.deps); c != nil {
		t.Fatal("expected no call when every group call is terminated")
	}
}

func TestElementCallWidgetIsVirtual(t *testing.T) {
	e := newCallRoomEnv(t)
	c := GetElementCall(e.room, e.deps)
	defer c.Destroy()

	w := c.Widget()
	if !w.Virtual {
		t.Fatal("element call widgets are synthesized locally")
	}
	if w.Type != widget.TypeCustom {
		t.Fatalf("widget type = %s, want %s", w.Type, widget.TypeCustom)
	}
	if !strings.HasPrefix(w.URL, "https://call.example.org/room#") {
		t.Fatalf("widget url = %s, want the configured frontend with fragment params", w.URL)
	}
	for _, param := range []string{"userId=", "deviceId=", "roomId="} {
		if !strings.Contains(w.URL, param) {
			t.Fatalf("widget url %s missing %s", w.URL, param)
		}
	}
}

func TestElementCallConnectWritesCallMembership(t *testing.T) {
	e := newCallRoomEnv(t)
	c := GetElementCall(e.room, e.deps)
	defer c.Destroy()
	e.messaging.Store(c.Widget().UID(), e.msg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ev := e.room.StateEvent(GroupCallMemberEventType, testUserID)
	if ev == nil {
		t.Fatal("expected a call membership event")
	}
	var content ElementCallMemberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		t.Fatalf("unmarshal membership: %v", err)
	}
	if len(content.Calls) != 1 || content.Calls[0].CallID != c.GroupCallID() {
		t.Fatalf("calls = %+v, want one entry for %s", content.Calls, c.GroupCallID())
	}
	devices := content.Calls[0].Devices
	if len(devices) != 1 || devices[0].DeviceID != testDeviceID {
		t.Fatalf("devices = %+v, want this device", devices)
	}
}

func TestElementCallDisconnectPreservesOtherCalls(t *testing.T) {
	e := newCallRoomEnv(t)
	c := GetElementCall(e.room, e.deps)
	defer c.Destroy()
	e.messaging.Store(c.Widget().UID(), e.msg)

	// Membership already lists another group call from this user.
	future := e.now.Add(time.Hour).UnixMilli()
	e.state.ApplyEvent(testRoomID, &state.StateEvent{
		Type:     GroupCallMemberEventType,
		StateKey: testUserID,
		Sender:   testUserID,
		Content: mustJSON(t, ElementCallMemberContent{
			ExpiresTS: future,
			Calls: []ElementCallInfo{
				{CallID: "othercall", Devices: []ElementCallDevice{{DeviceID: "OTHERDEV"}}},
			},
		}),
		TS: e.now.UnixMilli(),
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	ev := e.room.StateEvent(GroupCallMemberEventType, testUserID)
	var content ElementCallMemberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		t.Fatalf("unmarshal membership: %v", err)
	}
	var other *ElementCallInfo
	for i := range content.Calls {
		if content.Calls[i].CallID == "othercall" {
			other = &content.Calls[i]
		}
		if content.Calls[i].CallID == c.GroupCallID() && len(content.Calls[i].Devices) != 0 {
			t.Fatalf("devices for %s = %+v, want removed", c.GroupCallID(), content.Calls[i].Devices)
		}
	}
	if other == nil || len(other.Devices) != 1 {
		t.Fatalf("calls = %+v, want the other call untouched", content.Calls)
	}
}

func TestElementCallParticipants(t *testing.T) {
	e := newCallRoomEnv(t)
	c := GetElementCall(e.room, e.deps)
	defer c.Destroy()

	future := e.now.Add(time.Hour).UnixMilli()
	e.state.ApplyEvent(testRoomID, &state.StateEvent{
		Type:     state.EventTypeMember,
		StateKey: "@bob:example.org",
		Sender:   "@bob:example.org",
		Content:  mustJSON(t, map[string]string{"membership": state.MembershipJoin}),
		TS:       e.now.UnixMilli(),
	})
	e.state.ApplyEvent(testRoomID, &state.StateEvent{
		Type:     GroupCallMemberEventType,
		StateKey: "@bob:example.org",
		Sender:   "@bob:example.org",
		Content: mustJSON(t, ElementCallMemberContent{
			ExpiresTS: future,
			Calls: []ElementCallInfo{
				{CallID: c.GroupCallID(), Devices: []ElementCallDevice{{DeviceID: "BOBDEV"}}},
			},
		}),
		TS: e.now.UnixMilli(),
	})

	if _, ok := c.Participants()["@bob:example.org"]; !ok {
		t.Fatalf("participants = %v, want bob", c.Participants())
	}
}

func TestElementCallParticipantsIgnoreOtherGroupCalls(t *testing.T) {
	e := newCallRoomEnv(t)
	c := GetElementCall(e.room, e.deps)
	defer c.Destroy()

	future := e.now.Add(time.Hour).UnixMilli()
	e.state.ApplyEvent(testRoomID, &state.StateEvent{
		Type:     state.EventTypeMember,
		StateKey: "@bob:example.org",
		Sender:   "@bob:example.org",
		Content:  mustJSON(t, map[string]string{"membership": state.MembershipJoin}),
		TS:       e.now.UnixMilli(),
	})
	e.state.ApplyEvent(testRoomID, &state.StateEvent{
		Type:     GroupCallMemberEventType,
		StateKey: "@bob:example.org",
		Sender:   "@bob:example.org",
		Content: mustJSON(t, ElementCallMemberContent{
			ExpiresTS: future,
			Calls: []ElementCallInfo{
				{CallID: "someothercall", Devices: []ElementCallDevice{{DeviceID: "BOBDEV"}}},
			},
		}),
		TS: e.now.UnixMilli(),
	})

	if participants := c.Participants(); len(participants) != 0 {
		t.Fatalf("participants = %v, want none from another group call", participants)
	}
}

func TestElementCallHangupFromWidget(t *testing.T) {
	e := newCallRoomEnv(t)
	c := GetElementCall(e.room, e.deps)
	defer c.Destroy()
	e.messaging.Store(c.Widget().UID(), e.msg)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	e.msg.Deliver(widget.ActionHangupCall, nil)
	if got := c.ConnectionState(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s after frontend hangup", got, StateDisconnected)
	}
}

func TestTerminateEndsCallForRoom(t *testing.T) {
	e := newCallRoomEnv(t)
	c := GetElementCall(e.room, e.deps)
	defer c.Destroy()

	if err := c.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if next := GetElementCall(e.room, e.deps); next != nil {
		next.Destroy()
		t.Fatal("expected no call after termination")
	}
}

func TestCreateGroupCall(t *testing.T) {
	e := newEnv(t, state.RoomTypeCall)
	if err := e.settings.SetElementCallVideoRoomsEnabled(true); err != nil {
		t.Fatalf("enable element call: %v", err)
	}
	if c := GetElementCall(e.room, e.deps); c != nil {
		t.Fatal("expected no call before creation")
	}
	if err := CreateGroupCall(context.Background(), e.room, e.deps); err != nil {
		t.Fatalf("create group call failed: %v", err)
	}
	c := GetElementCall(e.room, e.deps)
	if c == nil {
		t.Fatal("expected a call after creation")
	}
	c.Destroy()
}
