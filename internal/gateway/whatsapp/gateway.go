package whatsapp

import (
	"context"
	"time"
)

// MediaPayload is an inbound attachment with its inline binary content.
type MediaPayload struct {
	Data     []byte
	MimeType string
	FileName string
}

// MessageEvent is a raw message received from the network, text or media.
type MessageEvent struct {
	ID         string
	From       string // counterparty address, set for inbound messages
	To         string // destination address, set for self-authored messages
	Body       string
	FromMe     bool
	Timestamp  time.Time
	IsGroup    bool
	SenderName string
	Kind       string // chat, image, video, audio, ptt, document
	IsVoice    bool   // push-to-talk capture
	Media      *MediaPayload
}

// OutboundMedia is an attachment handed to the network for sending.
type OutboundMedia struct {
	Data            []byte
	MimeType        string
	FileName        string
	Caption         string
	AsVoice         bool
	DurationSeconds int
}

// Receipt acknowledges a network send.
type Receipt struct {
	MessageID string
	Timestamp time.Time
}

// EventHandler receives the session's event stream. Handlers must not
// block; the driver calls them from its own event loop.
type EventHandler interface {
	OnMessage(ev *MessageEvent)
	OnPairingCode(code string)
	OnReady()
	OnDisconnected(reason string)
	OnAuthFailure(reason string)
}

// Gateway is the messaging-network capability the relay consumes. One
// authenticated session exists per deployment; the driver serializes
// concurrent sends internally. The relay core never sees protocol types,
// so tests run against in-memory fakes.
type Gateway interface {
	// SetHandler registers the event sink. Must be called before Start.
	SetHandler(h EventHandler)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, address, body string) (*Receipt, error)
	SendMedia(ctx context.Context, address string, media *OutboundMedia) (*Receipt, error)
}
