package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"chatrelay-backend/internal/domain"
	"chatrelay-backend/internal/gateway/whatsapp"
	"chatrelay-backend/internal/service/chatstore"
	"chatrelay-backend/internal/service/media"
)

var (
	inboundMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_inbound_messages_total",
		Help: "Total number of inbound network messages processed, by kind",
	}, []string{"kind"})

	inboundDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_inbound_dropped_total",
		Help: "Total number of inbound messages dropped after a processing failure",
	})
)

// Broadcaster is the fan-out capability the pipeline publishes into.
// The websocket hub implements it.
type Broadcaster interface {
	Broadcast(event string, data interface{})
	SetConnectivity(state domain.ConnState, detail string)
}

// Service normalizes raw network events into canonical chat messages,
// resolves media through the object store and hands the result to the
// chat store, then fans the update out. It implements
// whatsapp.EventHandler; any per-event failure is logged and the event
// dropped so one bad message never stops the stream.
type Service struct {
	store  *chatstore.Store
	media  media.Store
	events Broadcaster
	log    *zap.Logger
}

// NewService creates the ingestion pipeline.
func NewService(store *chatstore.Store, mediaStore media.Store, events Broadcaster, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:  store,
		media:  mediaStore,
		events: events,
		log:    log,
	}
}

// OnMessage processes one raw message event from the network session.
func (s *Service) OnMessage(ev *whatsapp.MessageEvent) {
	if err := s.ingest(context.Background(), ev); err != nil {
		inboundDroppedTotal.Inc()
		s.log.Error("inbound message dropped",
			zap.String("message_id", ev.ID),
			zap.String("kind", ev.Kind),
			zap.Error(err))
	}
}

func (s *Service) ingest(ctx context.Context, ev *whatsapp.MessageEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := &domain.ChatMessage{
		ID:        ev.ID,
		Body:      ev.Body,
		From:      ev.From,
		To:        ev.To,
		Timestamp: ts.UTC().Format(time.RFC3339),
		FromMe:    ev.FromMe,
		IsGroup:   ev.IsGroup,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if ev.IsGroup {
		msg.SenderName = ev.SenderName
	}

	// Redeliveries carrying a network id are dropped before any media
	// upload so a replayed attachment never produces an orphaned object.
	address := ev.From
	if ev.FromMe {
		address = ev.To
	}
	if ev.ID != "" && s.store.HasMessage(address, ev.ID) {
		return nil
	}

	if ev.Media != nil {
		fileName := ev.Media.FileName
		if fileName == "" {
			fileName = media.DefaultFileName(ev.Kind, ev.Media.MimeType, ts)
		}

		voice := ev.IsVoice || media.IsVoiceCapture(fileName, ev.Media.MimeType)
		duration := 0
		if voice {
			duration = s.media.AudioDuration(ctx, ev.Media.Data)
		}

		res, err := s.media.Upload(ctx, ev.Media.Data, fileName, ev.Media.MimeType)
		if err != nil {
			return fmt.Errorf("failed to store attachment: %w", err)
		}

		msg.HasMedia = true
		msg.MediaURL = res.URL
		msg.MediaType = res.MediaType
		msg.FileName = res.FileName
		msg.FileSize = res.FileSize
		msg.IsVoiceMessage = voice
		msg.Duration = duration
	}

	chat, appended, err := s.store.Append(ctx, msg)
	if err != nil {
		// The cache holds the message; the durable write is reconciled
		// by the next full snapshot. Clients still get the broadcast.
		s.log.Warn("inbound message cached but not persisted",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
	if !appended {
		// Redelivery, already recorded. Absorbed silently.
		return nil
	}

	inboundMessagesTotal.WithLabelValues(kindLabel(ev.Kind)).Inc()
	s.events.Broadcast("whatsapp-message", msg)
	s.events.Broadcast("chat-updated", chat)
	return nil
}

// OnPairingCode forwards a pairing code verbatim to every client.
func (s *Service) OnPairingCode(code string) {
	s.events.SetConnectivity(domain.StateAwaitingPairing, code)
}

// OnReady announces an established session.
func (s *Service) OnReady() {
	s.events.SetConnectivity(domain.StateReady, "")
}

// OnDisconnected announces a dropped session.
func (s *Service) OnDisconnected(reason string) {
	s.events.SetConnectivity(domain.StateDisconnected, reason)
}

// OnAuthFailure announces a rejected session.
func (s *Service) OnAuthFailure(reason string) {
	s.events.SetConnectivity(domain.StateAuthFailed, reason)
}

func kindLabel(kind string) string {
	switch kind {
	case "chat", "image", "video", "audio", "ptt", "document":
		return kind
	default:
		return "other"
	}
}
