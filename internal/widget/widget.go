package widget

// Action names exchanged with the embedded call widget.
type Action string

const (
	ActionJoinCall        Action = "io.element.join"
	ActionHangupCall      Action = "io.element.hangup"
	ActionTileLayout      Action = "io.element.tile_layout"
	ActionSpotlightLayout Action = "io.element.spotlight_layout"
)

// Widget types seen in room state. TypeJitsi has a legacy spelling that some
// older clients still write.
const (
	TypeJitsi       = "m.jitsi"
	TypeJitsiLegacy = "jitsi"
	TypeCustom      = "m.custom"
)

// Widget identifies one embedded app in a room. Virtual widgets are
// synthesized locally and have no corresponding room state event.
type Widget struct {
	ID      string         `json:"id"`
	RoomID  string         `json:"room_id"`
	Creator string         `json:"creator"`
	Type    string         `json:"type"`
	Name    string         `json:"name"`
	URL     string         `json:"url"`
	Data    map[string]any `json:"data,omitempty"`
	Virtual bool           `json:"virtual,omitempty"`
}

// UID is the process-wide widget key: widget IDs are only unique per room.
func (w *Widget) UID() string {
	return w.RoomID + "_" + w.ID
}

// IsJitsi reports whether the widget embeds a Jitsi conference.
func (w *Widget) IsJitsi() bool {
	return w.Type == TypeJitsi || w.Type == TypeJitsiLegacy
}

// IsVideoChannel reports whether a Jitsi widget is the room's immersive video
// channel rather than a bare conference widget.
func (w *Widget) IsVideoChannel() bool {
	v, ok := w.Data["isVideoChannel"].(bool)
	return ok && v
}
