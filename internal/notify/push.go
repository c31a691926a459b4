package notify

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PushSubscription is one browser push endpoint registered by the UI.
type PushSubscription struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Endpoint  string    `gorm:"type:text;not null;uniqueIndex" json:"endpoint"`
	P256DH    string    `gorm:"type:text;not null" json:"p256dh"`
	Auth      string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// VAPIDKeys identify this server to push services.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	Subject    string `json:"subject"`
}

// Notifier delivers web push notifications about call activity.
type Notifier struct {
	db     *gorm.DB
	keys   VAPIDKeys
	logger *slog.Logger
}

func NewNotifier(db *gorm.DB, keys VAPIDKeys, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{db: db, keys: keys, logger: logger}
}

// VAPIDPublicKey is handed to the UI so it can subscribe.
func (n *Notifier) VAPIDPublicKey() string { return n.keys.PublicKey }

// Subscribe registers a push endpoint, replacing any previous registration of
// the same endpoint.
func (n *Notifier) Subscribe(endpoint, p256dh, auth string) (*PushSubscription, error) {
	if err := n.db.Where("endpoint = ?", endpoint).Delete(&PushSubscription{}).Error; err != nil {
		return nil, err
	}
	sub := &PushSubscription{Endpoint: endpoint, P256DH: p256dh, Auth: auth}
	if err := n.db.Create(sub).Error; err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe drops a push endpoint. Unknown endpoints report
// gorm.ErrRecordNotFound.
func (n *Notifier) Unsubscribe(endpoint string) error {
	var sub PushSubscription
	if err := n.db.Where("endpoint = ?", endpoint).First(&sub).Error; err != nil {
		return err
	}
	return n.db.Delete(&sub).Error
}

type pushPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// NotifyCallStarted pushes a "call started" notification to every registered
// endpoint. Endpoints the push service reports gone are dropped.
func (n *Notifier) NotifyCallStarted(roomID, roomName string) {
	body := "A call has started"
	if roomName != "" {
		body = "A call has started in " + roomName
	}
	n.send(pushPayload{
		Title: "Incoming group call",
		Body:  body,
		Data:  map[string]any{"room_id": roomID},
	})
}

// NotifyCallEnded pushes a "call ended" notification.
func (n *Notifier) NotifyCallEnded(roomID, roomName string) {
	body := "The call has ended"
	if roomName != "" {
		body = "The call in " + roomName + " has ended"
	}
	n.send(pushPayload{
		Title: "Group call ended",
		Body:  body,
		Data:  map[string]any{"room_id": roomID},
	})
}

func (n *Notifier) send(payload pushPayload) {
	var subs []PushSubscription
	if err := n.db.Find(&subs).Error; err != nil {
		n.logger.Warn("failed to load push subscriptions", "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("failed to marshal push payload", "error", err)
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(data, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      n.keys.Subject,
			VAPIDPublicKey:  n.keys.PublicKey,
			VAPIDPrivateKey: n.keys.PrivateKey,
			TTL:             30,
		})
		if err != nil {
			n.logger.Warn("failed to send push notification", "endpoint", sub.Endpoint, "error", err)
			continue
		}
		// 404 and 410 mean the subscription is dead.
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			n.logger.Debug("dropping expired push subscription", "endpoint", sub.Endpoint, "status", resp.StatusCode)
			n.db.Delete(&sub)
		}
		resp.Body.Close()
	}
}
