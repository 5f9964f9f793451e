// Package message defines the point-to-point and broadcast message envelope.
package message

import (
	"encoding/json"
	"sort"
	"time"
)

// Broadcast is the recipient marker for messages addressed to every terminal.
const Broadcast = "broadcast"

// Message is one entry in a terminal's durable inbox. Delivery is
// at-least-once: a message is only marked delivered for a recipient once
// that recipient's poll has returned it.
type Message struct {
	ID          string          `json:"id"`
	From        string          `json:"from"`
	To          string          `json:"to"` // terminal id or Broadcast
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	DeliveredTo []string        `json:"delivered_to,omitempty"`
}

// IsBroadcast reports whether the message is addressed to every terminal.
func (m *Message) IsBroadcast() bool {
	return m.To == Broadcast
}

// DeliveredFor reports whether the message has been delivered to the given
// recipient.
func (m *Message) DeliveredFor(id string) bool {
	for _, d := range m.DeliveredTo {
		if d == id {
			return true
		}
	}
	return false
}

// Sort orders messages chronologically, breaking timestamp ties by ID so
// the order is stable across readers. There is no cross-sender ordering
// guarantee beyond this.
func Sort(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
