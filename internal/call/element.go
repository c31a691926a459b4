package call

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/roomvoice/groupcall/internal/media"
	"github.com/roomvoice/groupcall/internal/state"
	"github.com/roomvoice/groupcall/internal/widget"
)

// Group call state event types (MSC3401). The call event's state key names the
// call; member events are keyed by user ID.
const (
	GroupCallEventType       = "org.matrix.msc3401.call"
	GroupCallMemberEventType = "org.matrix.msc3401.call.member"
)

// ElementCallMemberContent records which of a user's devices sit on which
// group calls in the room.
type ElementCallMemberContent struct {
	ExpiresTS int64             `json:"m.expires_ts"`
	Calls     []ElementCallInfo `json:"m.calls"`
}

type ElementCallInfo struct {
	CallID  string              `json:"m.call_id"`
	Devices []ElementCallDevice `json:"m.devices"`
}

type ElementCallDevice struct {
	DeviceID string `json:"m.device_id"`
}

// ElementCall is a group call run by an Element Call widget. The widget is
// virtual: it exists only in this process, never in room state.
type ElementCall struct {
	*base

	groupCallID string

	timerMu     sync.Mutex
	expiryTimer *time.Timer
	resendStop  chan struct{}

	unsubRoomState func()
	unsubConnState func()
	unsubHangup    func()
}

// GetElementCall returns the room's group call, or nil. It picks the newest
// group call event that has not been terminated.
func GetElementCall(room *state.Room, deps Deps) *ElementCall {
	if !deps.Settings.VideoRoomsEnabled() || !deps.Settings.ElementCallVideoRoomsEnabled() {
		return nil
	}
	if !room.IsCallRoom() {
		return nil
	}

	var newest *state.StateEvent
	for _, ev := range room.StateEvents(GroupCallEventType) {
		var content map[string]json.RawMessage
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			continue
		}
		if _, terminated := content["m.terminated"]; terminated {
			continue
		}
		if newest == nil || ev.TS > newest.TS {
			newest = ev
		}
	}
	if newest == nil {
		return nil
	}
	return newElementCall(newest.StateKey, room, deps)
}

// CreateGroupCall writes a fresh group call state event into the room.
func CreateGroupCall(ctx context.Context, room *state.Room, deps Deps) error {
	callID, err := gonanoid.New(24)
	if err != nil {
		return err
	}
	content := map[string]any{
		"m.intent": "m.room",
		"m.type":   "m.video",
	}
	return deps.State.SendStateEvent(ctx, room.ID, GroupCallEventType, callID, content)
}

func newElementCall(groupCallID string, room *state.Room, deps Deps) *ElementCall {
	w := elementCallWidget(room.ID, deps)
	e := &ElementCall{
		base:        newBase(w, room, deps),
		groupCallID: groupCallID,
	}
	e.base.impl = e

	e.unsubRoomState = room.StateUpdated().Subscribe(func(*state.StateEvent) {
		e.updateParticipants()
	})
	e.unsubConnState = e.ConnectionStateChanged().Subscribe(e.onConnectionState)
	e.updateParticipants()
	return e
}

// elementCallWidget synthesizes the widget the call frontend loads from.
// Parameters ride in the fragment so they never hit the widget server's logs.
func elementCallWidget(roomID string, deps Deps) *widget.Widget {
	id, err := gonanoid.New(24)
	if err != nil {
		id = roomID
	}
	params := url.Values{}
	params.Set("embed", "")
	params.Set("preload", "")
	params.Set("hideHeader", "")
	params.Set("userId", deps.State.UserID())
	params.Set("deviceId", deps.State.DeviceID())
	params.Set("roomId", roomID)

	u, _ := url.Parse(deps.ElementCallURL)
	u.Path = "/room"
	u.Fragment = "?" + params.Encode()

	return &widget.Widget{
		ID:      id,
		RoomID:  roomID,
		Creator: deps.State.UserID(),
		Type:    widget.TypeCustom,
		Name:    "Element Call",
		URL:     u.String(),
		Virtual: true,
	}
}

func (e *ElementCall) performConnection(ctx context.Context, audioInput, videoInput *media.Device) error {
	msg := e.messagingRef()
	e.unsubHangup = msg.OnAction(widget.ActionHangupCall, e.onHangup)

	// The frontend drives its own devices; only IDs cross the boundary here.
	err := msg.Send(ctx, widget.ActionJoinCall, joinData{
		AudioInput: deviceID(audioInput),
		VideoInput: deviceID(videoInput),
	})
	if err != nil {
		e.teardown()
		return fmt.Errorf("failed to join call in room %s: %w", e.RoomID(), err)
	}

	ctx2, cancel := context.WithTimeout(context.Background(), e.deps.timeout())
	if err := e.addOurDevice(ctx2); err != nil {
		e.deps.logger().Warn("failed to add device to call membership", "room_id", e.RoomID(), "error", err)
	}
	cancel()
	e.startResend()
	return nil
}

func (e *ElementCall) performDisconnection(ctx context.Context) error {
	msg := e.messagingRef()
	if err := msg.Send(ctx, widget.ActionHangupCall, hangupData{}); err != nil {
		return fmt.Errorf("failed to hangup call in room %s: %w", e.RoomID(), err)
	}
	return nil
}

func (e *ElementCall) teardown() {
	if e.unsubHangup != nil {
		e.unsubHangup()
		e.unsubHangup = nil
	}
}

func (e *ElementCall) Destroy() {
	e.unsubRoomState()
	e.unsubConnState()
	e.stopExpiryTimer()
	e.stopResend()
	e.base.destroy()
}

func (e *ElementCall) GroupCallID() string { return e.groupCallID }

// Terminate marks the group call ended for everyone in the room.
func (e *ElementCall) Terminate(ctx context.Context) error {
	content := map[string]any{
		"m.intent":     "m.room",
		"m.type":       "m.video",
		"m.terminated": "call_ended",
	}
	return e.deps.State.SendStateEvent(ctx, e.RoomID(), GroupCallEventType, e.groupCallID, content)
}

func (e *ElementCall) Clean(ctx context.Context) error {
	now := e.deps.now()
	deviceSeen := make(map[string]int64)
	for _, d := range e.deps.State.Devices() {
		deviceSeen[d.ID] = d.LastSeenTS
	}
	myDeviceID := e.deps.State.DeviceID()

	return e.updateDevices(ctx, func(devices []ElementCallDevice) []ElementCallDevice {
		newDevices := devices[:0:0]
		for _, d := range devices {
			lastSeen, known := deviceSeen[d.DeviceID]
			if !known || lastSeen == 0 {
				continue
			}
			if d.DeviceID == myDeviceID && !e.Connected() {
				continue
			}
			if now.Sub(time.UnixMilli(lastSeen)) >= StuckDeviceTimeout {
				continue
			}
			newDevices = append(newDevices, d)
		}
		if len(newDevices) == len(devices) {
			return nil
		}
		return newDevices
	})
}

func (e *ElementCall) onConnectionState(ch StateChange) {
	if ch.State == StateDisconnected && ch.Prev.IsConnected() {
		e.updateParticipants() // local echo
		e.stopResend()
		ctx, cancel := context.WithTimeout(context.Background(), e.deps.timeout())
		if err := e.removeOurDevice(ctx); err != nil {
			e.deps.logger().Warn("failed to remove device from call membership", "room_id", e.RoomID(), "error", err)
		}
		cancel()
	}
	if ch.State == StateConnected && !ch.Prev.IsConnected() {
		e.updateParticipants() // local echo
	}
}

// onHangup handles the frontend leaving the call on its own.
func (e *ElementCall) onHangup(json.RawMessage) {
	e.SetDisconnected()
}

func (e *ElementCall) addOurDevice(ctx context.Context) error {
	myDeviceID := e.deps.State.DeviceID()
	return e.updateDevices(ctx, func(devices []ElementCallDevice) []ElementCallDevice {
		for _, d := range devices {
			if d.DeviceID == myDeviceID {
				return devices // refresh the expiry anyway
			}
		}
		return append(devices, ElementCallDevice{DeviceID: myDeviceID})
	})
}

func (e *ElementCall) removeOurDevice(ctx context.Context) error {
	myDeviceID := e.deps.State.DeviceID()
	return e.updateDevices(ctx, func(devices []ElementCallDevice) []ElementCallDevice {
		out := devices[:0:0]
		for _, d := range devices {
			if d.DeviceID != myDeviceID {
				out = append(out, d)
			}
		}
		return out
	})
}

// updateDevices rewrites this call's entry in the user's membership event,
// leaving entries for other group calls untouched. A nil return skips the
// write.
func (e *ElementCall) updateDevices(ctx context.Context, fn func(devices []ElementCallDevice) []ElementCallDevice) error {
	if e.room.MyMembership() != state.MembershipJoin {
		return nil
	}

	userID := e.deps.State.UserID()
	now := e.deps.now()

	var content ElementCallMemberContent
	if ev := e.room.StateEvent(GroupCallMemberEventType, userID); ev != nil {
		var stored ElementCallMemberContent
		if json.Unmarshal(ev.Content, &stored) == nil && time.UnixMilli(stored.ExpiresTS).After(now) {
			content = stored
		}
	}

	var devices []ElementCallDevice
	callIdx := -1
	for i, c := range content.Calls {
		if c.CallID == e.groupCallID {
			devices = c.Devices
			callIdx = i
			break
		}
	}

	newDevices := fn(devices)
	if newDevices == nil {
		return nil
	}
	if callIdx >= 0 {
		content.Calls[callIdx].Devices = newDevices
	} else {
		content.Calls = append(content.Calls, ElementCallInfo{CallID: e.groupCallID, Devices: newDevices})
	}
	content.ExpiresTS = now.Add(StuckDeviceTimeout).UnixMilli()

	return e.deps.State.SendStateEvent(ctx, e.RoomID(), GroupCallMemberEventType, userID, content)
}

func (e *ElementCall) updateParticipants() {
	e.stopExpiryTimer()

	now := e.deps.now()
	userID := e.deps.State.UserID()
	connected := e.Connected()

	members := make(map[string]struct{})
	var nextExpiry time.Time

	for _, ev := range e.room.StateEvents(GroupCallMemberEventType) {
		member := e.room.Member(ev.StateKey)
		if member == nil || member.Membership != state.MembershipJoin {
			continue
		}
		var content ElementCallMemberContent
		_ = json.Unmarshal(ev.Content, &content)

		expiresAt := time.UnixMilli(content.ExpiresTS)
		if !expiresAt.After(now) {
			continue
		}
		for _, c := range content.Calls {
			if c.CallID != e.groupCallID || len(c.Devices) == 0 {
				continue
			}
			// Local echo for the disconnected case.
			if !connected && member.UserID == userID {
				continue
			}
			members[member.UserID] = struct{}{}
			if nextExpiry.IsZero() || expiresAt.Before(nextExpiry) {
				nextExpiry = expiresAt
			}
		}
	}

	// Local echo for the connected case.
	if connected {
		members[userID] = struct{}{}
	}

	e.setParticipants(members)

	if !nextExpiry.IsZero() {
		e.timerMu.Lock()
		if !e.isDestroyed() {
			e.expiryTimer = time.AfterFunc(nextExpiry.Sub(now), e.updateParticipants)
		}
		e.timerMu.Unlock()
	}
}

func (e *ElementCall) startResend() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.resendStop != nil {
		return
	}
	stop := make(chan struct{})
	e.resendStop = stop

	go func() {
		ticker := time.NewTicker(StuckDeviceTimeout * 3 / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.deps.logger().Debug("resending call membership", "room_id", e.RoomID())
				ctx, cancel := context.WithTimeout(context.Background(), e.deps.timeout())
				if err := e.addOurDevice(ctx); err != nil {
					e.deps.logger().Warn("failed to refresh call membership", "room_id", e.RoomID(), "error", err)
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

func (e *ElementCall) stopResend() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.resendStop != nil {
		close(e.resendStop)
		e.resendStop = nil
	}
}

func (e *ElementCall) stopExpiryTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.expiryTimer != nil {
		e.expiryTimer.Stop()
		e.expiryTimer = nil
	}
}

func deviceID(d *media.Device) *string {
	if d == nil {
		return nil
	}
	return &d.ID
}
