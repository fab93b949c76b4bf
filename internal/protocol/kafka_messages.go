package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Notification is the queued form of a message waiting for delivery.
type Notification struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // AQI_ALERT, NEARBY_CONDITIONS
	RecipientID string    `json:"recipient_id"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	KindAlert  = "AQI_ALERT"
	KindNearby = "NEARBY_CONDITIONS"
)

// EncodeNotification encodes a Notification to JSON
func EncodeNotification(n *Notification) ([]byte, error) {
	return json.Marshal(n)
}

// DecodeNotification decodes JSON to a Notification and checks it is deliverable.
func DecodeNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	if n.RecipientID == "" || n.Text == "" {
		return nil, fmt.Errorf("notification %q has no recipient or text", n.ID)
	}
	return &n, nil
}
