package call

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/roomvoice/groupcall/internal/event"
	"github.com/roomvoice/groupcall/internal/media"
	"github.com/roomvoice/groupcall/internal/state"
	"github.com/roomvoice/groupcall/internal/widget"
)

// JitsiMemberEventType is the state event advertising which of a user's
// devices are on the room's Jitsi call. State key is the user ID.
const JitsiMemberEventType = "io.element.video.member"

// JitsiMemberContent lists connected device IDs with a staleness deadline.
type JitsiMemberContent struct {
	Devices   []string `json:"devices"`
	ExpiresTS int64    `json:"expires_ts"`
}

type joinData struct {
	AudioInput *string `json:"audioInput"`
	VideoInput *string `json:"videoInput"`
}

type hangupData struct {
	Force bool `json:"force,omitempty"`
}

// JitsiCall is a group call backed by a Jitsi conference widget.
type JitsiCall struct {
	*base

	timerMu     sync.Mutex
	expiryTimer *time.Timer
	resendStop  chan struct{}

	unsubRoomState func()
	unsubConnState func()

	// Listeners installed while connected, removed by teardown.
	sessionMu    sync.Mutex
	sessionUnsub []func()
}

// GetJitsiCall returns the room's Jitsi call, or nil. Only immersive video
// rooms carry one; the isVideoChannel flag separates the room's video channel
// from bare conference widgets.
func GetJitsiCall(room *state.Room, deps Deps) *JitsiCall {
	if !deps.Settings.VideoRoomsEnabled() || !room.IsVideoRoom() {
		return nil
	}
	for _, w := range room.Widgets() {
		if w.IsJitsi() && w.IsVideoChannel() {
			return newJitsiCall(w, room, deps)
		}
	}
	return nil
}

// CreateJitsiWidget writes the video-channel Jitsi widget into room state.
func CreateJitsiWidget(ctx context.Context, room *state.Room, deps Deps) error {
	confID, err := gonanoid.New(24)
	if err != nil {
		return err
	}
	u := url.URL{Scheme: "https", Host: deps.JitsiDomain, Path: "/" + confID}
	content := map[string]any{
		"type": widget.TypeJitsi,
		"name": "Group call",
		"url":  u.String(),
		"data": map[string]any{
			"conferenceId":   confID,
			"domain":         deps.JitsiDomain,
			"isVideoChannel": true,
		},
	}
	return deps.State.SendStateEvent(ctx, room.ID, state.EventTypeWidgets, confID, content)
}

func newJitsiCall(w *widget.Widget, room *state.Room, deps Deps) *JitsiCall {
	j := &JitsiCall{base: newBase(w, room, deps)}
	j.base.impl = j

	j.unsubRoomState = room.StateUpdated().Subscribe(func(*state.StateEvent) {
		j.updateParticipants()
	})
	j.unsubConnState = j.ConnectionStateChanged().Subscribe(j.onConnectionState)
	j.updateParticipants()
	return j
}

func (j *JitsiCall) performConnection(ctx context.Context, audioInput, videoInput *media.Device) error {
	msg := j.messagingRef()

	// Watch for the widget dying mid-handshake.
	stopped := make(chan struct{}, 1)
	unsubStop := j.deps.Messaging.Stopped().Subscribe(func(uid string) {
		if uid == j.widgetUID {
			select {
			case stopped <- struct{}{}:
			default:
			}
		}
	})
	defer unsubStop()

	// Jitsi Meet can crash instantly at startup and emit a hangup racing the
	// join ack, so the hangup handler has to be in place already.
	j.addSessionListener(msg.OnAction(widget.ActionHangupCall, j.onHangup))

	joined := make(chan struct{}, 1)
	unsubJoin := msg.OnAction(widget.ActionJoinCall, func(json.RawMessage) {
		select {
		case joined <- struct{}{}:
		default:
		}
	})
	defer unsubJoin()

	err := msg.Send(ctx, widget.ActionJoinCall, joinData{
		AudioInput: deviceLabel(audioInput),
		VideoInput: deviceLabel(videoInput),
	})
	if err == nil {
		select {
		case <-joined:
		case <-stopped:
			err = widget.ErrMessagingStopped
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		j.clearSessionListeners()
		if msg.Ready() {
			// Jitsi might still be coming up in the background; tell it to
			// stop rather than leave a headless conference running.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), j.deps.timeout())
				defer cancel()
				_ = msg.Send(ctx, widget.ActionHangupCall, hangupData{Force: true})
			}()
		}
		return fmt.Errorf("failed to join call in room %s: %w", j.RoomID(), err)
	}

	j.addSessionListener(j.deps.Messaging.Docked().Subscribe(j.onDock))
	j.addSessionListener(j.deps.Messaging.Undocked().Subscribe(j.onUndock))
	j.addSessionListener(j.room.MyMembershipChanged().Subscribe(j.onMyMembership))
	return nil
}

func (j *JitsiCall) performDisconnection(ctx context.Context) error {
	msg := j.messagingRef()

	hungUp := make(chan struct{}, 1)
	unsub := msg.OnAction(widget.ActionHangupCall, func(json.RawMessage) {
		select {
		case hungUp <- struct{}{}:
		default:
		}
	})
	defer unsub()

	if err := msg.Send(ctx, widget.ActionHangupCall, hangupData{}); err != nil {
		return fmt.Errorf("failed to hangup call in room %s: %w", j.RoomID(), err)
	}
	select {
	case <-hungUp:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to hangup call in room %s: %w", j.RoomID(), ctx.Err())
	}
}

func (j *JitsiCall) teardown() {
	j.clearSessionListeners()
}

func (j *JitsiCall) Destroy() {
	j.unsubRoomState()
	j.unsubConnState()
	j.stopExpiryTimer()
	j.stopResend()
	j.base.destroy()
}

func (j *JitsiCall) Clean(ctx context.Context) error {
	now := j.deps.now()
	deviceSeen := make(map[string]int64)
	for _, d := range j.deps.State.Devices() {
		deviceSeen[d.ID] = d.LastSeenTS
	}
	myDeviceID := j.deps.State.DeviceID()

	// Drop logged-out devices, devices idle past the stuck-device window and,
	// unless connected, this device itself.
	return j.updateDevices(ctx, func(devices []string) []string {
		newDevices := devices[:0:0]
		for _, d := range devices {
			lastSeen, known := deviceSeen[d]
			if !known || lastSeen == 0 {
				continue
			}
			if d == myDeviceID && !j.Connected() {
				continue
			}
			if now.Sub(time.UnixMilli(lastSeen)) >= StuckDeviceTimeout {
				continue
			}
			newDevices = append(newDevices, d)
		}
		if len(newDevices) == len(devices) {
			return nil // unchanged, skip the write
		}
		return newDevices
	})
}

func (j *JitsiCall) onConnectionState(ch StateChange) {
	switch {
	case ch.State == StateConnected && !ch.Prev.IsConnected():
		j.updateParticipants() // local echo
		ctx, cancel := context.WithTimeout(context.Background(), j.deps.timeout())
		if err := j.addOurDevice(ctx); err != nil {
			j.deps.logger().Warn("failed to add device to call membership", "room_id", j.RoomID(), "error", err)
		}
		cancel()
		j.startResend()
	case ch.State == StateDisconnected && ch.Prev.IsConnected():
		j.updateParticipants() // local echo
		j.stopResend()
		ctx, cancel := context.WithTimeout(context.Background(), j.deps.timeout())
		if err := j.removeOurDevice(ctx); err != nil {
			j.deps.logger().Warn("failed to remove device from call membership", "room_id", j.RoomID(), "error", err)
		}
		cancel()
	}
}

func (j *JitsiCall) onDock(uid string) {
	if uid != j.widgetUID {
		return
	}
	// Back in the room view, restore the default layout.
	j.sendLayout(widget.ActionTileLayout)
}

func (j *JitsiCall) onUndock(uid string) {
	if uid != j.widgetUID {
		return
	}
	// The widget became a PiP; spotlight the active speaker to save space.
	j.sendLayout(widget.ActionSpotlightLayout)
}

func (j *JitsiCall) sendLayout(action widget.Action) {
	msg := j.messagingRef()
	if msg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.deps.timeout())
	defer cancel()
	if err := msg.Send(ctx, action, struct{}{}); err != nil {
		j.deps.logger().Debug("layout switch not delivered", "room_id", j.RoomID(), "action", action, "error", err)
	}
}

func (j *JitsiCall) onMyMembership(membership string) {
	if membership != state.MembershipJoin {
		j.SetDisconnected()
	}
}

// onHangup handles a hangup the widget initiated.
func (j *JitsiCall) onHangup(json.RawMessage) {
	// A client-initiated disconnection is already in progress.
	if j.ConnectionState() == StateDisconnecting {
		return
	}

	// If Jitsi crashed at startup this hangup races the join handshake; wait
	// for the connection state to settle so the ack is not lost, but no
	// longer than the usual handshake bound.
	if j.ConnectionState() == StateConnecting {
		ctx, cancel := context.WithTimeout(context.Background(), j.deps.timeout())
		_, _ = event.Wait(ctx, j.ConnectionStateChanged(), func(StateChange) bool { return true })
		cancel()
	}

	j.SetDisconnected()
}

func (j *JitsiCall) addOurDevice(ctx context.Context) error {
	myDeviceID := j.deps.State.DeviceID()
	return j.updateDevices(ctx, func(devices []string) []string {
		set := make(map[string]struct{}, len(devices)+1)
		for _, d := range devices {
			set[d] = struct{}{}
		}
		set[myDeviceID] = struct{}{}
		return sortedDevices(set)
	})
}

func (j *JitsiCall) removeOurDevice(ctx context.Context) error {
	myDeviceID := j.deps.State.DeviceID()
	return j.updateDevices(ctx, func(devices []string) []string {
		set := make(map[string]struct{}, len(devices))
		for _, d := range devices {
			set[d] = struct{}{}
		}
		delete(set, myDeviceID)
		return sortedDevices(set)
	})
}

// updateDevices rewrites the user's own membership event with the device list
// returned by fn, refreshing the expiry. A nil return skips the write.
func (j *JitsiCall) updateDevices(ctx context.Context, fn func(devices []string) []string) error {
	if j.room.MyMembership() != state.MembershipJoin {
		return nil
	}

	userID := j.deps.State.UserID()
	now := j.deps.now()

	var devices []string
	if ev := j.room.StateEvent(JitsiMemberEventType, userID); ev != nil {
		var content JitsiMemberContent
		if json.Unmarshal(ev.Content, &content) == nil && time.UnixMilli(content.ExpiresTS).After(now) {
			devices = content.Devices
		}
	}

	newDevices := fn(devices)
	if newDevices == nil {
		return nil
	}

	content := JitsiMemberContent{
		Devices:   newDevices,
		ExpiresTS: now.Add(StuckDeviceTimeout).UnixMilli(),
	}
	return j.deps.State.SendStateEvent(ctx, j.RoomID(), JitsiMemberEventType, userID, content)
}

// updateParticipants recomputes the participant set from membership state and
// reschedules itself for the earliest upcoming expiry.
func (j *JitsiCall) updateParticipants() {
	j.stopExpiryTimer()

	now := j.deps.now()
	userID := j.deps.State.UserID()
	myDeviceID := j.deps.State.DeviceID()
	connected := j.Connected()

	members := make(map[string]struct{})
	var nextExpiry time.Time

	for _, ev := range j.room.StateEvents(JitsiMemberEventType) {
		member := j.room.Member(ev.StateKey)
		var content JitsiMemberContent
		_ = json.Unmarshal(ev.Content, &content)

		expiresAt := time.UnixMilli(content.ExpiresTS)
		var devices []string
		if expiresAt.After(now) {
			devices = content.Devices
		}

		// Local echo for the disconnected case.
		if !connected && member != nil && member.UserID == userID {
			devices = withoutDevice(devices, myDeviceID)
		}
		// Must have a live device and still be joined to the room.
		if len(devices) > 0 && member != nil && member.Membership == state.MembershipJoin {
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

	j.setParticipants(members)

	if !nextExpiry.IsZero() {
		j.timerMu.Lock()
		if !j.isDestroyed() {
			j.expiryTimer = time.AfterFunc(nextExpiry.Sub(now), j.updateParticipants)
		}
		j.timerMu.Unlock()
	}
}

func (j *JitsiCall) startResend() {
	j.timerMu.Lock()
	defer j.timerMu.Unlock()
	if j.resendStop != nil {
		return
	}
	stop := make(chan struct{})
	j.resendStop = stop

	// Refresh our membership before it goes stale while the call runs on.
	go func() {
		ticker := time.NewTicker(StuckDeviceTimeout * 3 / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.deps.logger().Debug("resending call membership", "room_id", j.RoomID())
				ctx, cancel := context.WithTimeout(context.Background(), j.deps.timeout())
				if err := j.addOurDevice(ctx); err != nil {
					j.deps.logger().Warn("failed to refresh call membership", "room_id", j.RoomID(), "error", err)
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

func (j *JitsiCall) stopResend() {
	j.timerMu.Lock()
	defer j.timerMu.Unlock()
	if j.resendStop != nil {
		close(j.resendStop)
		j.resendStop = nil
	}
}

func (j *JitsiCall) stopExpiryTimer() {
	j.timerMu.Lock()
	defer j.timerMu.Unlock()
	if j.expiryTimer != nil {
		j.expiryTimer.Stop()
		j.expiryTimer = nil
	}
}

func (j *JitsiCall) addSessionListener(unsub func()) {
	j.sessionMu.Lock()
	j.sessionUnsub = append(j.sessionUnsub, unsub)
	j.sessionMu.Unlock()
}

func (j *JitsiCall) clearSessionListeners() {
	j.sessionMu.Lock()
	unsubs := j.sessionUnsub
	j.sessionUnsub = nil
	j.sessionMu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

func deviceLabel(d *media.Device) *string {
	if d == nil {
		return nil
	}
	return &d.Label
}

func withoutDevice(devices []string, deviceID string) []string {
	out := devices[:0:0]
	for _, d := range devices {
		if d != deviceID {
			out = append(out, d)
		}
	}
	return out
}

func sortedDevices(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
