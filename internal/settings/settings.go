package settings

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Setting is one persisted key with a JSON-encoded value.
type Setting struct {
	Key       string `gorm:"primaryKey;type:varchar(100)"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

// Store persists device-level client settings. Most entries are simple
// preferences; ActiveCallRoomIDs is the unclean-shutdown marker the call
// store uses to detect connections that never got torn down.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

const (
	keyVideoRooms            = "feature_video_rooms"
	keyElementCallVideoRooms = "feature_element_call_video_rooms"
	keyAudioInputMuted       = "audio_input_muted"
	keyVideoInputMuted       = "video_input_muted"
	keyAudioInputDevice      = "audio_input_device"
	keyVideoInputDevice      = "video_input_device"
	keyActiveCallRoomIDs     = "active_call_room_ids"
)

func (s *Store) get(key string, out any) error {
	var row Setting
	if err := s.db.Where("key = ?", key).First(&row).Error; err != nil {
		return err
	}
	return json.Unmarshal([]byte(row.Value), out)
}

func (s *Store) set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	row := Setting{Key: key, Value: string(raw)}
	return s.db.Save(&row).Error
}

func (s *Store) getBool(key string) bool {
	var v bool
	_ = s.get(key, &v)
	return v
}

func (s *Store) getString(key string) string {
	var v string
	_ = s.get(key, &v)
	return v
}

func (s *Store) VideoRoomsEnabled() bool         { return s.getBool(keyVideoRooms) }
func (s *Store) SetVideoRoomsEnabled(v bool) error { return s.set(keyVideoRooms, v) }

func (s *Store) ElementCallVideoRoomsEnabled() bool { return s.getBool(keyElementCallVideoRooms) }
func (s *Store) SetElementCallVideoRoomsEnabled(v bool) error {
	return s.set(keyElementCallVideoRooms, v)
}

func (s *Store) AudioInputMuted() bool          { return s.getBool(keyAudioInputMuted) }
func (s *Store) SetAudioInputMuted(v bool) error { return s.set(keyAudioInputMuted, v) }

func (s *Store) VideoInputMuted() bool          { return s.getBool(keyVideoInputMuted) }
func (s *Store) SetVideoInputMuted(v bool) error { return s.set(keyVideoInputMuted, v) }

func (s *Store) AudioInputDeviceID() string { return s.getString(keyAudioInputDevice) }
func (s *Store) SetAudioInputDeviceID(id string) error {
	return s.set(keyAudioInputDevice, id)
}

func (s *Store) VideoInputDeviceID() string { return s.getString(keyVideoInputDevice) }
func (s *Store) SetVideoInputDeviceID(id string) error {
	return s.set(keyVideoInputDevice, id)
}

// ActiveCallRoomIDs returns the rooms that were still connected when last
// persisted. A non-empty result at startup means the previous session went
// away without disconnecting cleanly.
func (s *Store) ActiveCallRoomIDs() []string {
	var ids []string
	if err := s.get(keyActiveCallRoomIDs, &ids); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return ids
}

func (s *Store) SetActiveCallRoomIDs(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	return s.set(keyActiveCallRoomIDs, ids)
}
