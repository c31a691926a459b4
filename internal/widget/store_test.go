package widget

import (
	"context"
	"encoding/json"
	"testing"
)

type stubMessaging struct{}

func (stubMessaging) Send(ctx context.Context, action Action, data any) error { return nil }
func (stubMessaging) OnAction(action Action, fn func(json.RawMessage)) func() { return func() {} }
func (stubMessaging) Ready() bool                                             { return true }

func TestStoreAndGet(t *testing.T) {
	s := NewMessagingStore()
	if s.Get("uid") != nil {
		t.Fatal("expected nil for an unknown widget")
	}

	var stored []string
	unsub := s.Stored().Subscribe(func(sm StoredMessaging) { stored = append(stored, sm.UID) })
	defer unsub()

	m := stubMessaging{}
	s.Store("uid", m)
	if s.Get("uid") == nil {
		t.Fatal("expected the stored messaging back")
	}
	if len(stored) != 1 || stored[0] != "uid" {
		t.Fatalf("stored emissions = %v, want [uid]", stored)
	}
	if !s.IsLive("uid") {
		t.Fatal("a stored widget is live")
	}
}

func TestRemoveEmitsStopped(t *testing.T) {
	s := NewMessagingStore()
	s.Store("uid", stubMessaging{})

	var stopped []string
	unsub := s.Stopped().Subscribe(func(uid string) { stopped = append(stopped, uid) })
	defer unsub()

	s.Remove("uid")
	if len(stopped) != 1 || stopped[0] != "uid" {
		t.Fatalf("stopped emissions = %v, want [uid]", stopped)
	}
	if s.IsLive("uid") {
		t.Fatal("a removed widget is not live")
	}

	// Removing again must not re-emit.
	s.Remove("uid")
	if len(stopped) != 1 {
		t.Fatalf("stopped emissions = %v, want no duplicate", stopped)
	}
}

func TestSetDockedEmitsOnTransitions(t *testing.T) {
	s := NewMessagingStore()
	s.Store("uid", stubMessaging{})

	var docks, undocks int
	unsubDock := s.Docked().Subscribe(func(string) { docks++ })
	defer unsubDock()
	unsubUndock := s.Undocked().Subscribe(func(string) { undocks++ })
	defer unsubUndock()

	s.SetDocked("uid", true) // already docked from Store
	if docks != 0 {
		t.Fatalf("docks = %d, want 0 for a no-op", docks)
	}

	s.SetDocked("uid", false)
	if undocks != 1 {
		t.Fatalf("undocks = %d, want 1", undocks)
	}
	s.SetDocked("uid", true)
	if docks != 1 {
		t.Fatalf("docks = %d, want 1", docks)
	}
}
