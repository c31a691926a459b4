// Package httpapi exposes the call subsystem to the UI over HTTP and hosts
// the widget WebSocket transport.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/roomvoice/groupcall/internal/call"
	"github.com/roomvoice/groupcall/internal/config"
	"github.com/roomvoice/groupcall/internal/dispatcher"
	"github.com/roomvoice/groupcall/internal/legacy"
	"github.com/roomvoice/groupcall/internal/media"
	"github.com/roomvoice/groupcall/internal/notify"
	"github.com/roomvoice/groupcall/internal/settings"
	"github.com/roomvoice/groupcall/internal/state"
	widgetpkg "github.com/roomvoice/groupcall/internal/widget"
)

type Handlers struct {
	cfg       *config.Config
	calls     *call.Store
	legacy    *legacy.Handler
	state     *state.Store
	settings  *settings.Store
	messaging *widgetpkg.MessagingStore
	devices   *media.Registry
	notifier  *notify.Notifier
	bus       *dispatcher.Bus
	logger    *slog.Logger

	wsUpgrader websocket.Upgrader
}

func New(
	cfg *config.Config,
	calls *call.Store,
	legacyHandler *legacy.Handler,
	st *state.Store,
	set *settings.Store,
	messaging *widgetpkg.MessagingStore,
	devices *media.Registry,
	notifier *notify.Notifier,
	bus *dispatcher.Bus,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		cfg:       cfg,
		calls:     calls,
		legacy:    legacyHandler,
		state:     st,
		settings:  set,
		messaging: messaging,
		devices:   devices,
		notifier:  notifier,
		bus:       bus,
		logger:    logger,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

type callStateResponse struct {
	RoomID          string   `json:"room_id"`
	ConnectionState string   `json:"connection_state"`
	Participants    []string `json:"participants"`
	WidgetUID       string   `json:"widget_uid"`
	WidgetURL       string   `json:"widget_url"`
}

// GetRoomCall reports the room's group call, 404 when the room has none.
func (h *Handlers) GetRoomCall(c *gin.Context) {
	roomID := c.Param("room_id")
	groupCall := h.calls.Get(roomID)
	if groupCall == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no call in room"})
		return
	}
	participants := make([]string, 0)
	for userID := range groupCall.Participants() {
		participants = append(participants, userID)
	}
	c.JSON(http.StatusOK, callStateResponse{
		RoomID:          roomID,
		ConnectionState: string(groupCall.ConnectionState()),
		Participants:    participants,
		WidgetUID:       groupCall.Widget().UID(),
		WidgetURL:       groupCall.Widget().URL,
	})
}

// ConnectRoomCall joins the room's call. 409 signals a state conflict the UI
// should surface rather than retry.
func (h *Handlers) ConnectRoomCall(c *gin.Context) {
	roomID := c.Param("room_id")
	groupCall := h.calls.Get(roomID)
	if groupCall == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no call in room"})
		return
	}
	if err := groupCall.Connect(c.Request.Context()); err != nil {
		h.logger.Warn("call connect failed", "room_id", roomID, "error", err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_state": string(groupCall.ConnectionState())})
}

func (h *Handlers) DisconnectRoomCall(c *gin.Context) {
	roomID := c.Param("room_id")
	groupCall := h.calls.Get(roomID)
	if groupCall == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no call in room"})
		return
	}
	if err := groupCall.Disconnect(c.Request.Context()); err != nil {
		h.logger.Warn("call disconnect failed", "room_id", roomID, "error", err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_state": string(groupCall.ConnectionState())})
}

// CreateRoomCall provisions call infrastructure in the room: a Jitsi widget
// for video rooms, a group call event otherwise.
func (h *Handlers) CreateRoomCall(c *gin.Context) {
	roomID := c.Param("room_id")
	room := h.state.Room(roomID)
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown room"})
		return
	}

	deps := call.Deps{
		State:          h.state,
		Settings:       h.settings,
		Messaging:      h.messaging,
		Devices:        h.devices,
		Logger:         h.logger,
		ElementCallURL: h.cfg.ElementCallURL,
		JitsiDomain:    h.cfg.JitsiDomain,
	}
	var err error
	if room.IsVideoRoom() {
		err = call.CreateJitsiWidget(c.Request.Context(), room, deps)
	} else {
		err = call.CreateGroupCall(c.Request.Context(), room, deps)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.notifier != nil {
		h.notifier.NotifyCallStarted(roomID, room.Name())
	}
	c.JSON(http.StatusCreated, gin.H{"room_id": roomID})
}

type viewRoomRequest struct {
	RoomID string `json:"room_id"`
}

// ViewRoom announces which room the UI shows now; the call store reacts
// through the action bus.
func (h *Handlers) ViewRoom(c *gin.Context) {
	var req viewRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.bus.Dispatch(dispatcher.Action{Type: dispatcher.ActionViewRoom, RoomID: req.RoomID})
	c.JSON(http.StatusOK, gin.H{"room_id": req.RoomID})
}

// WidgetToken issues the short-lived token a widget presents on its WebSocket.
func (h *Handlers) WidgetToken(c *gin.Context) {
	uid := c.Query("uid")
	if uid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uid is required"})
		return
	}
	token, err := widgetpkg.NewToken(h.cfg.JWTSecret, uid, h.state.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// WidgetWS upgrades a widget's connection and parks it in the messaging store
// until the socket dies.
func (h *Handlers) WidgetWS(c *gin.Context) {
	token := c.Query("token")
	uid, err := widgetpkg.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("widget ws upgrade failed", "uid", uid, "error", err)
		return
	}

	m := widgetpkg.NewWSMessaging(conn, h.logger)
	h.messaging.Store(uid, m)
	h.logger.Debug("widget ws connected", "uid", uid)

	m.Run()

	h.messaging.Remove(uid)
	h.logger.Debug("widget ws closed", "uid", uid)
}

type dockRequest struct {
	UID    string `json:"uid" binding:"required"`
	Docked bool   `json:"docked"`
}

// WidgetDock records whether a widget renders docked in the room view or as a
// floating picture in picture.
func (h *Handlers) WidgetDock(c *gin.Context) {
	var req dockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.messaging.SetDocked(req.UID, req.Docked)
	c.JSON(http.StatusOK, gin.H{"uid": req.UID, "docked": req.Docked})
}

type syncEventRequest struct {
	RoomID string           `json:"room_id" binding:"required"`
	Event  state.StateEvent `json:"event" binding:"required"`
}

// SyncState ingests one room state event from the sync bridge.
func (h *Handlers) SyncState(c *gin.Context) {
	var req syncEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.state.ApplyEvent(req.RoomID, &req.Event)
	c.JSON(http.StatusOK, gin.H{"room_id": req.RoomID})
}

type syncDevicesRequest struct {
	Devices []state.Device `json:"devices" binding:"required"`
}

// SyncDevices ingests the account's device list from the sync bridge.
func (h *Handlers) SyncDevices(c *gin.Context) {
	var req syncDevicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.state.SetDevices(req.Devices)
	c.JSON(http.StatusOK, gin.H{"count": len(req.Devices)})
}

type mediaDevicesRequest struct {
	Devices []media.Device `json:"devices" binding:"required"`
}

// MediaDevices records the media devices the UI enumerated.
func (h *Handlers) MediaDevices(c *gin.Context) {
	var req mediaDevicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.devices.Update(req.Devices)
	c.JSON(http.StatusOK, gin.H{"count": len(req.Devices)})
}

// GetSettings returns the call-related preferences.
func (h *Handlers) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"video_rooms_enabled":              h.settings.VideoRoomsEnabled(),
		"element_call_video_rooms_enabled": h.settings.ElementCallVideoRoomsEnabled(),
		"audio_input_muted":                h.settings.AudioInputMuted(),
		"video_input_muted":                h.settings.VideoInputMuted(),
		"audio_input_device":               h.settings.AudioInputDeviceID(),
		"video_input_device":               h.settings.VideoInputDeviceID(),
	})
}

type updateSettingsRequest struct {
	VideoRoomsEnabled            *bool   `json:"video_rooms_enabled"`
	ElementCallVideoRoomsEnabled *bool   `json:"element_call_video_rooms_enabled"`
	AudioInputMuted              *bool   `json:"audio_input_muted"`
	VideoInputMuted              *bool   `json:"video_input_muted"`
	AudioInputDevice             *string `json:"audio_input_device"`
	VideoInputDevice             *string `json:"video_input_device"`
}

func (h *Handlers) UpdateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var err error
	if req.VideoRoomsEnabled != nil {
		err = h.settings.SetVideoRoomsEnabled(*req.VideoRoomsEnabled)
	}
	if err == nil && req.ElementCallVideoRoomsEnabled != nil {
		err = h.settings.SetElementCallVideoRoomsEnabled(*req.ElementCallVideoRoomsEnabled)
	}
	if err == nil && req.AudioInputMuted != nil {
		err = h.settings.SetAudioInputMuted(*req.AudioInputMuted)
	}
	if err == nil && req.VideoInputMuted != nil {
		err = h.settings.SetVideoInputMuted(*req.VideoInputMuted)
	}
	if err == nil && req.AudioInputDevice != nil {
		err = h.settings.SetAudioInputDeviceID(*req.AudioInputDevice)
	}
	if err == nil && req.VideoInputDevice != nil {
		err = h.settings.SetVideoInputDeviceID(*req.VideoInputDevice)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.GetSettings(c)
}

// ICEConfig hands the WebRTC ICE servers to legacy call peers.
func (h *Handlers) ICEConfig(c *gin.Context) {
	servers := h.legacy.ICEServers(c.Request.Host)
	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}

type directCallRequest struct {
	Type legacy.CallType `json:"type"`
}

// PlaceDirectCall starts a 1:1 call in the room. The intent goes over the
// action bus; Dispatch is synchronous, so the outcome is visible right after.
func (h *Handlers) PlaceDirectCall(c *gin.Context) {
	roomID := c.Param("room_id")
	var req directCallRequest
	_ = c.ShouldBindJSON(&req)
	if req.Type == "" {
		req.Type = legacy.TypeVoice
	}
	if existing := h.legacy.GetCall(roomID); existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": legacy.ErrCallExists.Error()})
		return
	}

	payload, _ := json.Marshal(map[string]legacy.CallType{"type": req.Type})
	h.bus.Dispatch(dispatcher.Action{Type: dispatcher.ActionPlaceCall, RoomID: roomID, Payload: payload})

	directCall := h.legacy.GetCall(roomID)
	if directCall == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "failed to place call"})
		return
	}
	c.JSON(http.StatusCreated, directCall)
}

func (h *Handlers) AnswerDirectCall(c *gin.Context) {
	roomID := c.Param("room_id")
	if h.legacy.GetCall(roomID) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": legacy.ErrCallNotFound.Error()})
		return
	}

	h.bus.Dispatch(dispatcher.Action{Type: dispatcher.ActionAnswerCall, RoomID: roomID})

	directCall := h.legacy.GetCall(roomID)
	if directCall == nil || directCall.State != legacy.StateConnected {
		c.JSON(http.StatusConflict, gin.H{"error": legacy.ErrBadState.Error()})
		return
	}
	c.JSON(http.StatusOK, directCall)
}

func (h *Handlers) HangupDirectCall(c *gin.Context) {
	roomID := c.Param("room_id")
	if h.legacy.GetCall(roomID) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": legacy.ErrCallNotFound.Error()})
		return
	}
	h.bus.Dispatch(dispatcher.Action{Type: dispatcher.ActionHangupCall, RoomID: roomID})
	c.JSON(http.StatusOK, gin.H{"state": string(legacy.StateEnded)})
}

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256DH string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := h.notifier.Subscribe(req.Endpoint, req.Keys.P256DH, req.Keys.Auth)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create subscription"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.notifier.Unsubscribe(req.Endpoint); err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "unsubscribed"})
}

func (h *Handlers) VAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publicKey": h.notifier.VAPIDPublicKey()})
}
