package dispatch

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"chatrelay-backend/internal/domain"
	"chatrelay-backend/internal/gateway/whatsapp"
	"chatrelay-backend/internal/service/chatstore"
	"chatrelay-backend/internal/service/media"
	apperrors "chatrelay-backend/pkg/errors"
	"chatrelay-backend/pkg/phone"
)

var dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_dispatch_total",
	Help: "Total number of operator send requests by outcome",
}, []string{"outcome"})

// Broadcaster fans dispatched messages out to connected clients.
type Broadcaster interface {
	Broadcast(event string, data interface{})
}

// Sessioner exposes the current connectivity state of the network session.
type Sessioner interface {
	State() domain.ConnState
}

// SendInput is an operator send request, over the socket or HTTP. The
// attachment, when present, was already uploaded through /upload-media
// and is referenced by its storage URL.
type SendInput struct {
	Address        string `json:"address"`
	Message        string `json:"message"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	FileSize       int64  `json:"fileSize,omitempty"`
	IsVoiceMessage bool   `json:"isVoiceMessage,omitempty"`
	Duration       int    `json:"duration,omitempty"`
}

// SendResult reports a completed dispatch. Recorded is false when the
// network accepted the message but the repository append failed; the
// message is sent and will reappear in history on the next full resync.
type SendResult struct {
	Message  *domain.ChatMessage `json:"message"`
	Recorded bool                `json:"recorded"`
}

// Service relays operator messages to the network and mirrors them into
// the chat store so sent messages are visible without waiting for a
// network echo.
type Service struct {
	store   *chatstore.Store
	media   media.Store
	gateway whatsapp.Gateway
	events  Broadcaster
	session Sessioner
	log     *zap.Logger
}

// NewService creates the dispatch pipeline. session may be nil, in which
// case readiness is left to the gateway to enforce.
func NewService(
	store *chatstore.Store,
	mediaStore media.Store,
	gateway whatsapp.Gateway,
	events Broadcaster,
	session Sessioner,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:   store,
		media:   mediaStore,
		gateway: gateway,
		events:  events,
		session: session,
		log:     log,
	}
}

// Send validates and relays one operator request. Validation failures
// reject before any storage or network call. An attachment failure
// aborts the whole dispatch; a network failure after the attachment was
// fetched leaves the stored object as an acceptable orphan.
func (s *Service) Send(ctx context.Context, input *SendInput) (*SendResult, error) {
	if input.Address == "" {
		dispatchTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.MissingFieldError("address")
	}
	if input.Message == "" && input.MediaURL == "" {
		dispatchTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.ValidationError("message text or attachment required")
	}

	address := phone.Normalize(input.Address)
	if !phone.IsValid(address) {
		dispatchTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.ValidationError("invalid destination address")
	}

	if s.session != nil && s.session.State() != domain.StateReady {
		dispatchTotal.WithLabelValues("not_ready").Inc()
		return nil, apperrors.SessionNotReadyError()
	}

	var receipt *whatsapp.Receipt
	var err error

	if input.MediaURL != "" {
		mediaType := input.MediaType
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}

		data, err := s.media.Download(ctx, input.MediaURL)
		if err != nil {
			dispatchTotal.WithLabelValues("upload_failed").Inc()
			return nil, apperrors.UploadFailedError(err)
		}

		receipt, err = s.gateway.SendMedia(ctx, address, &whatsapp.OutboundMedia{
			Data:            data,
			MimeType:        mediaType,
			FileName:        input.FileName,
			Caption:         input.Message,
			AsVoice:         input.IsVoiceMessage,
			DurationSeconds: input.Duration,
		})
		if err != nil {
			dispatchTotal.WithLabelValues("send_failed").Inc()
			return nil, apperrors.SendFailedError(err)
		}
	} else {
		receipt, err = s.gateway.SendText(ctx, address, input.Message)
		if err != nil {
			dispatchTotal.WithLabelValues("send_failed").Inc()
			return nil, apperrors.SendFailedError(err)
		}
	}

	msg := &domain.ChatMessage{
		ID:             receipt.MessageID,
		Body:           input.Message,
		To:             address,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		FromMe:         true,
		HasMedia:       input.MediaURL != "",
		MediaURL:       input.MediaURL,
		MediaType:      input.MediaType,
		FileName:       input.FileName,
		FileSize:       input.FileSize,
		IsVoiceMessage: input.IsVoiceMessage,
		Duration:       input.Duration,
	}

	result := &SendResult{Message: msg, Recorded: true}

	chat, appended, err := s.store.Append(ctx, msg)
	if err != nil {
		// Never re-send: the network already accepted the message and a
		// retry would deliver it twice. History catches up on resync.
		result.Recorded = false
		s.log.Error("sent message not recorded in history",
			zap.String("message_id", msg.ID),
			zap.String("address", address),
			zap.Error(err))
	}
	if chat != nil && appended {
		s.events.Broadcast("whatsapp-message", msg)
		s.events.Broadcast("chat-updated", chat)
	}

	dispatchTotal.WithLabelValues("sent").Inc()
	return result, nil
}
