package domain

import (
	"strings"
	"time"
)

// DedupTolerance is the timestamp window within which two messages with
// identical body and direction are treated as the same delivery. Absorbs
// at-least-once redelivery from the network when no stable id exists.
const DedupTolerance = 5 * time.Second

// ChatMessage is one immutable text or media event within a chat.
// Maps to entries of the whatsapp_chats.messages JSONB column.
type ChatMessage struct {
	ID             string `json:"id"`
	Body           string `json:"body"`
	From           string `json:"from,omitempty"`
	To             string `json:"to"`
	Timestamp      string `json:"timestamp"` // RFC3339
	FromMe         bool   `json:"fromMe"`
	HasMedia       bool   `json:"hasMedia,omitempty"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	FileSize       int64  `json:"fileSize,omitempty"`
	IsVoiceMessage bool   `json:"isVoiceMessage,omitempty"`
	Duration       int    `json:"duration,omitempty"` // voice note length in seconds
	SenderName     string `json:"senderName,omitempty"`
	IsGroup        bool   `json:"isGroup,omitempty"`
}

// Time parses the message timestamp. Zero time on malformed input.
func (m *ChatMessage) Time() time.Time {
	t, err := time.Parse(time.RFC3339, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SameDelivery reports whether other is a redelivery of m. Messages with
// stable ids match on id alone; otherwise body, direction and a timestamp
// within DedupTolerance identify the pair.
func (m *ChatMessage) SameDelivery(other *ChatMessage) bool {
	if m.ID != "" && other.ID != "" {
		return m.ID == other.ID
	}
	if m.Body != other.Body || m.FromMe != other.FromMe {
		return false
	}
	mt, ot := m.Time(), other.Time()
	if mt.IsZero() || ot.IsZero() {
		return m.Timestamp == other.Timestamp
	}
	d := mt.Sub(ot)
	if d < 0 {
		d = -d
	}
	return d <= DedupTolerance
}

// Chat is the persistent record of all messages exchanged with one
// counterparty address. Maps to one row of the whatsapp_chats table.
type Chat struct {
	ID          string        `json:"id"`
	PhoneNumber string        `json:"phoneNumber"` // network-qualified address, immutable key
	Name        string        `json:"name,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	LastMessage *ChatMessage  `json:"lastMessage,omitempty"`
	UnreadCount int           `json:"unreadCount"`
	Timestamp   string        `json:"timestamp"` // last activity, RFC3339
}

// Clone returns a deep copy so callers never observe later mutations of
// the store's record.
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.Messages = make([]ChatMessage, len(c.Messages))
	copy(cp.Messages, c.Messages)
	if len(cp.Messages) > 0 {
		cp.LastMessage = &cp.Messages[len(cp.Messages)-1]
	} else {
		cp.LastMessage = nil
	}
	return &cp
}

// ChatStore is the snapshot shape pushed to clients: address -> chat.
type ChatStore map[string]*Chat

// DisplayName derives the fallback chat name from a network-qualified
// address by stripping the domain suffix: "77011234567@c.us" -> "77011234567".
func DisplayName(address string) string {
	if i := strings.IndexByte(address, '@'); i >= 0 {
		return address[:i]
	}
	return address
}
