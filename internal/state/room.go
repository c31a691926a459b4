package state

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/roomvoice/groupcall/internal/event"
	"github.com/roomvoice/groupcall/internal/widget"
)

// Well-known event types and room types carried in room state.
const (
	EventTypeCreate  = "m.room.create"
	EventTypeName    = "m.room.name"
	EventTypeMember  = "m.room.member"
	EventTypeWidgets = "im.vector.modular.widgets"

	RoomTypeVideo = "io.element.video"
	RoomTypeCall  = "org.matrix.msc3417.call"

	MembershipJoin  = "join"
	MembershipLeave = "leave"
)

// StateEvent is a single piece of synced room state, keyed by (Type, StateKey).
type StateEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Sender   string          `json:"sender"`
	Content  json.RawMessage `json:"content"`
	TS       int64           `json:"origin_server_ts"` // milliseconds
}

// Member is a room member as far as call bookkeeping cares.
type Member struct {
	UserID     string `json:"user_id"`
	Membership string `json:"membership"`
}

type memberContent struct {
	Membership string `json:"membership"`
}

type createContent struct {
	Type string `json:"type"`
}

type nameContent struct {
	Name string `json:"name"`
}

type widgetContent struct {
	Type string         `json:"type"`
	Name string         `json:"name"`
	URL  string         `json:"url"`
	Data map[string]any `json:"data"`
}

// Room is the locally synced view of one room's state.
type Room struct {
	ID string

	mu           sync.RWMutex
	name         string
	roomType     string
	members      map[string]*Member
	state        map[string]map[string]*StateEvent
	myMembership string
	myUserID     string

	stateEvents  *event.Stream[*StateEvent]
	myMembers    *event.Stream[string]
}

func newRoom(id, myUserID string) *Room {
	return &Room{
		ID:           id,
		members:      make(map[string]*Member),
		state:        make(map[string]map[string]*StateEvent),
		myMembership: MembershipLeave,
		myUserID:     myUserID,
		stateEvents:  event.NewStream[*StateEvent](),
		myMembers:    event.NewStream[string](),
	}
}

// StateUpdated emits every state event applied to this room.
func (r *Room) StateUpdated() *event.Stream[*StateEvent] { return r.stateEvents }

// MyMembershipChanged emits the local user's new membership.
func (r *Room) MyMembershipChanged() *event.Stream[string] { return r.myMembers }

func (r *Room) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

func (r *Room) Type() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomType
}

// IsVideoRoom reports whether this is an immersive (Jitsi) video room.
func (r *Room) IsVideoRoom() bool { return r.Type() == RoomTypeVideo }

// IsCallRoom reports whether this is a native group-call room.
func (r *Room) IsCallRoom() bool { return r.Type() == RoomTypeCall }

func (r *Room) Member(userID string) *Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[userID]
}

func (r *Room) MyMembership() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.myMembership
}

// StateEvent returns the current state event of the given type and key, or nil.
func (r *Room) StateEvent(evType, stateKey string) *StateEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state[evType][stateKey]
}

// StateEvents returns all current state events of the given type, ordered by
// timestamp then state key for deterministic iteration.
func (r *Room) StateEvents(evType string) []*StateEvent {
	r.mu.RLock()
	evs := make([]*StateEvent, 0, len(r.state[evType]))
	for _, ev := range r.state[evType] {
		evs = append(evs, ev)
	}
	r.mu.RUnlock()

	sort.Slice(evs, func(i, j int) bool {
		if evs[i].TS == evs[j].TS {
			return evs[i].StateKey < evs[j].StateKey
		}
		return evs[i].TS < evs[j].TS
	})
	return evs
}

// Widgets derives the room's widgets from widget state events. Events with an
// empty content mean the widget was removed.
func (r *Room) Widgets() []*widget.Widget {
	var widgets []*widget.Widget
	for _, ev := range r.StateEvents(EventTypeWidgets) {
		var content widgetContent
		if err := json.Unmarshal(ev.Content, &content); err != nil || content.URL == "" {
			continue
		}
		widgets = append(widgets, &widget.Widget{
			ID:      ev.StateKey,
			RoomID:  r.ID,
			Creator: ev.Sender,
			Type:    content.Type,
			Name:    content.Name,
			URL:     content.URL,
			Data:    content.Data,
		})
	}
	return widgets
}

// apply stores the event and maintains the derived member, room type and
// my-membership views. It reports whether the local user's membership changed.
func (r *Room) apply(ev *StateEvent) (myMembershipChanged bool) {
	r.mu.Lock()
	if r.state[ev.Type] == nil {
		r.state[ev.Type] = make(map[string]*StateEvent)
	}
	r.state[ev.Type][ev.StateKey] = ev

	switch ev.Type {
	case EventTypeCreate:
		var content createContent
		if json.Unmarshal(ev.Content, &content) == nil {
			r.roomType = content.Type
		}
	case EventTypeName:
		var content nameContent
		if json.Unmarshal(ev.Content, &content) == nil {
			r.name = content.Name
		}
	case EventTypeMember:
		var content memberContent
		if json.Unmarshal(ev.Content, &content) == nil {
			r.members[ev.StateKey] = &Member{UserID: ev.StateKey, Membership: content.Membership}
			if ev.StateKey == r.myUserID && r.myMembership != content.Membership {
				r.myMembership = content.Membership
				myMembershipChanged = true
			}
		}
	}
	membership := r.myMembership
	r.mu.Unlock()

	r.stateEvents.Emit(ev)
	if myMembershipChanged {
		r.myMembers.Emit(membership)
	}
	return myMembershipChanged
}
