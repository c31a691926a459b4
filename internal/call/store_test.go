package call

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/roomvoice/groupcall/internal/dispatcher"
	"github.com/roomvoice/groupcall/internal/state"
	"github.com/roomvoice/groupcall/internal/widget"
)

func TestUpdateRoomIsIdempotent(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)
	defer s.Close()

	first := s.UpdateRoom(e.room)
	if first == nil {
		t.Fatal("expected a call for the video room")
	}
	second := s.UpdateRoom(e.room)
	if first != second {
		t.Fatal("repeated updates must return the same call instance")
	}
}

func TestUpdateRoomEmitsCallChanged(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)
	defer s.Close()

	var changes []ChangedCall
	unsub := s.CallChanged().Subscribe(func(ch ChangedCall) { changes = append(changes, ch) })
	defer unsub()

	s.UpdateRoom(e.room)
	if len(changes) != 1 || changes[0].RoomID != testRoomID || changes[0].Call == nil {
		t.Fatalf("changes = %+v, want one change with a call", changes)
	}
}

func TestGetCreatesCallLazily(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)
	defer s.Close()

	if c := s.Get(testRoomID); c == nil {
		t.Fatal("expected the store to build the call on first access")
	}
	if c := s.Get("!unknown:example.org"); c != nil {
		t.Fatal("expected nil for an unknown room")
	}
}

func TestDestroyedCallIsReplaced(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)
	defer s.Close()

	first := s.UpdateRoom(e.room)
	first.Destroy()

	second := s.Get(testRoomID)
	if second == nil {
		t.Fatal("expected a replacement call after destroy")
	}
	if first == second {
		t.Fatal("destroyed call must not be reused")
	}
}

func TestConnectedCallsArePersisted(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)
	defer s.Close()

	c := s.UpdateRoom(e.room)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ids := e.settings.ActiveCallRoomIDs()
	if len(ids) != 1 || ids[0] != testRoomID {
		t.Fatalf("persisted rooms = %v, want [%s]", ids, testRoomID)
	}

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if ids := e.settings.ActiveCallRoomIDs(); len(ids) != 0 {
		t.Fatalf("persisted rooms = %v, want empty after disconnect", ids)
	}
}

func TestCallEndedEmitsOnDisconnect(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)
	defer s.Close()

	var ended []string
	unsub := s.CallEnded().Subscribe(func(roomID string) { ended = append(ended, roomID) })
	defer unsub()

	c := s.UpdateRoom(e.room)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if len(ended) != 0 {
		t.Fatalf("ended = %v, want none while connected", ended)
	}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if len(ended) != 1 || ended[0] != testRoomID {
		t.Fatalf("ended = %v, want [%s]", ended, testRoomID)
	}
}

func TestActiveCallsChangedEmits(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)
	defer s.Close()

	var snapshots []map[string]struct{}
	unsub := s.ActiveCallsChanged().Subscribe(func(active map[string]struct{}) {
		snapshots = append(snapshots, active)
	})
	defer unsub()

	c := s.UpdateRoom(e.room)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if len(snapshots) == 0 {
		t.Fatal("expected an active-set emission on connect")
	}
	if _, ok := snapshots[len(snapshots)-1][testRoomID]; !ok {
		t.Fatalf("active = %v, want %s present", snapshots[len(snapshots)-1], testRoomID)
	}
}

func TestReadyCleansUncleanShutdown(t *testing.T) {
	e := newVideoRoomEnv(t)

	// A previous process died while connected: membership still lists this
	// device and the room is marked active.
	future := e.now.Add(time.Hour).UnixMilli()
	e.state.ApplyEvent(testRoomID, &state.StateEvent{
		Type:     JitsiMemberEventType,
		StateKey: testUserID,
		Sender:   testUserID,
		Content:  mustJSON(t, JitsiMemberContent{Devices: []string{testDeviceID}, ExpiresTS: future}),
		TS:       e.now.UnixMilli(),
	})
	if err := e.settings.SetActiveCallRoomIDs([]string{testRoomID}); err != nil {
		t.Fatalf("seed active rooms: %v", err)
	}

	s := NewStore(e.deps)
	defer s.Close()
	s.Ready(context.Background())

	ev := e.room.StateEvent(JitsiMemberEventType, testUserID)
	var content JitsiMemberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		t.Fatalf("unmarshal membership: %v", err)
	}
	if len(content.Devices) != 0 {
		t.Fatalf("devices = %v, want scrubbed after recovery", content.Devices)
	}
	if ids := e.settings.ActiveCallRoomIDs(); len(ids) != 0 {
		t.Fatalf("persisted rooms = %v, want cleared after recovery", ids)
	}
}

func TestReadyTracksNewRooms(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)
	defer s.Close()
	s.Ready(context.Background())

	var changes []ChangedCall
	unsub := s.CallChanged().Subscribe(func(ch ChangedCall) { changes = append(changes, ch) })
	defer unsub()

	otherRoom := "!other:example.org"
	e.state.ApplyEvent(otherRoom, &state.StateEvent{
		Type:     state.EventTypeCreate,
		StateKey: "",
		Sender:   testUserID,
		Content:  mustJSON(t, map[string]string{"type": state.RoomTypeVideo}),
		TS:       e.now.UnixMilli(),
	})
	e.state.ApplyEvent(otherRoom, &state.StateEvent{
		Type:     state.EventTypeWidgets,
		StateKey: "otherwidget",
		Sender:   testUserID,
		Content: mustJSON(t, map[string]any{
			"type": widget.TypeJitsi,
			"name": "Group call",
			"url":  "https://meet.example.org/other",
			"data": map[string]any{"isVideoChannel": true},
		}),
		TS: e.now.UnixMilli(),
	})

	found := false
	for _, ch := range changes {
		if ch.RoomID == otherRoom && ch.Call != nil {
			found = true
		}
	}
	if !found {
		t.Fatalf("changes = %+v, want a call for the new room", changes)
	}
}

func TestUpdateRoomQuietForCallLessRoom(t *testing.T) {
	e := newEnv(t, "")
	s := NewStore(e.deps)
	defer s.Close()

	var changes []ChangedCall
	unsub := s.CallChanged().Subscribe(func(ch ChangedCall) { changes = append(changes, ch) })
	defer unsub()

	for i := 0; i < 3; i++ {
		if c := s.UpdateRoom(e.room); c != nil {
			t.Fatalf("update %d returned a call for a plain room", i)
		}
	}
	if len(changes) != 0 {
		t.Fatalf("changes = %+v, want none for a room that never had a call", changes)
	}
}

func TestDestroyEmitsCallRemoval(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)
	defer s.Close()

	first := s.UpdateRoom(e.room)

	var changes []ChangedCall
	unsub := s.CallChanged().Subscribe(func(ch ChangedCall) { changes = append(changes, ch) })
	defer unsub()

	first.Destroy()

	if len(changes) < 1 || changes[0].RoomID != testRoomID || changes[0].Call != nil {
		t.Fatalf("changes = %+v, want a nil-call removal first", changes)
	}
	// The widget event is still in room state, so a replacement follows.
	last := changes[len(changes)-1]
	if last.Call == nil {
		t.Fatalf("changes = %+v, want a replacement call after the removal", changes)
	}
}

func TestDispatchedViewRoomConnectsVideoRoom(t *testing.T) {
	e := newVideoRoomEnv(t)
	bus := dispatcher.NewBus()
	e.deps.Bus = bus
	s := NewStore(e.deps)
	defer s.Close()
	s.Ready(context.Background())

	c := s.Get(testRoomID)
	if c == nil {
		t.Fatal("expected a call for the video room")
	}
	states := make(chan ConnectionState, 8)
	unsub := c.ConnectionStateChanged().Subscribe(func(ch StateChange) { states <- ch.State })
	defer unsub()

	bus.Dispatch(dispatcher.Action{Type: dispatcher.ActionViewRoom, RoomID: testRoomID})
	waitState(t, states, StateConnected)
}

func TestViewedRoomChangeDestroysIdleCall(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)
	defer s.Close()

	s.HandleViewedRoomChange(context.Background(), testRoomID)
	first := s.Get(testRoomID)
	if first == nil {
		t.Fatal("expected a call while viewing the room")
	}
	states := make(chan ConnectionState, 8)
	unsubStates := first.ConnectionStateChanged().Subscribe(func(ch StateChange) { states <- ch.State })
	defer unsubStates()
	waitState(t, states, StateConnected)
	if err := first.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}

	// The widget is gone from the messaging store, so leaving the room should
	// release the disconnected call.
	e.messaging.Remove(testRoomID + "_" + testWidgetID)

	destroyed := false
	unsub := first.Destroyed().Subscribe(func(struct{}) { destroyed = true })
	defer unsub()

	s.HandleViewedRoomChange(context.Background(), "!elsewhere:example.org")
	if !destroyed {
		t.Fatal("expected the idle call to be destroyed on leaving the room")
	}
}

func TestViewedRoomChangeKeepsLiveWidget(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)
	defer s.Close()

	s.HandleViewedRoomChange(context.Background(), testRoomID)
	first := s.Get(testRoomID)
	e.messaging.SetDocked(testRoomID+"_"+testWidgetID, true)

	destroyed := false
	unsub := first.Destroyed().Subscribe(func(struct{}) { destroyed = true })
	defer unsub()

	s.HandleViewedRoomChange(context.Background(), "!elsewhere:example.org")
	if destroyed {
		t.Fatal("a live widget's call must survive the view change")
	}
}

func TestCloseDestroysAllCalls(t *testing.T) {
	e := newVideoRoomEnv(t)
	s := NewStore(e.deps)

	c := s.UpdateRoom(e.room)
	destroyed := false
	unsub := c.Destroyed().Subscribe(func(struct{}) { destroyed = true })
	defer unsub()

	s.Close()
	if !destroyed {
		t.Fatal("expected close to destroy tracked calls")
	}
}
