package chat

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatrelay-backend/internal/service/chatstore"
	"chatrelay-backend/internal/service/dispatch"
	"chatrelay-backend/internal/service/media"
	apperrors "chatrelay-backend/pkg/errors"
	"chatrelay-backend/pkg/response"
)

// Broadcaster pushes chat updates to connected WebSocket clients.
type Broadcaster interface {
	Broadcast(event string, data interface{})
}

// Dispatcher sends an operator message out to the network.
type Dispatcher interface {
	Send(ctx context.Context, input *dispatch.SendInput) (*dispatch.SendResult, error)
}

// Handler serves the chat REST surface: snapshot reads, unread resets,
// media uploads and the HTTP send fallback.
type Handler struct {
	store      *chatstore.Store
	media      media.Store
	dispatcher Dispatcher
	events     Broadcaster
	log        *zap.Logger
}

// NewHandler creates a new chat handler
func NewHandler(store *chatstore.Store, mediaStore media.Store, dispatcher Dispatcher, events Broadcaster, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:      store,
		media:      mediaStore,
		dispatcher: dispatcher,
		events:     events,
		log:        log,
	}
}

// GetChats returns the full conversation snapshot keyed by address.
// GET /chats
func (h *Handler) GetChats(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.ListAll())
}

// ClearUnread resets the unread counter for one conversation.
// POST /chats/:address/clear-unread
func (h *Handler) ClearUnread(c *gin.Context) {
	address := c.Param("address")
	if address == "" {
		h.respondError(c, apperrors.MissingFieldError("address"))
		return
	}

	chat, err := h.store.ClearUnread(c.Request.Context(), address)
	if err != nil {
		// The counter is reset in memory; the durable write failed.
		h.log.Warn("clear-unread persist failed", zap.String("address", address), zap.Error(err))
	}
	if chat == nil {
		h.respondError(c, apperrors.ChatNotFoundError())
		return
	}

	h.events.Broadcast("chat-updated", chat)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UploadMedia stores an attachment ahead of a send. The client references
// the returned URL in the subsequent send_message.
// POST /upload-media
func (h *Handler) UploadMedia(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.respondError(c, apperrors.MissingFieldError("file"))
		return
	}
	if fileHeader.Size > media.MaxUploadSize {
		response.Error(c, http.StatusRequestEntityTooLarge, string(apperrors.ErrCodeValidation), "File exceeds the upload size limit")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.respondError(c, apperrors.ValidationError("Unreadable file upload"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, media.MaxUploadSize+1))
	if err != nil {
		h.respondError(c, apperrors.ValidationError("Unreadable file upload"))
		return
	}
	if int64(len(data)) > media.MaxUploadSize {
		response.Error(c, http.StatusRequestEntityTooLarge, string(apperrors.ErrCodeValidation), "File exceeds the upload size limit")
		return
	}

	mediaType := fileHeader.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	fileName := fileHeader.Filename
	if fileName == "" {
		fileName = media.DefaultFileName("upload", mediaType, time.Now())
	}

	// Duration is measured for every audio upload, not just voice
	// captures, so plain audio files report a real length too.
	isVoice := media.IsVoiceCapture(fileName, mediaType)
	duration := 0
	if strings.HasPrefix(mediaType, "audio/") {
		duration = h.media.AudioDuration(c.Request.Context(), data)
	}

	result, err := h.media.Upload(c.Request.Context(), data, fileName, mediaType)
	if err != nil {
		h.respondError(c, apperrors.UploadFailedError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":            result.URL,
		"duration":       duration,
		"isVoiceMessage": isVoice,
	})
}

// SendMessage is the HTTP fallback for clients without a socket.
// POST /send-message
func (h *Handler) SendMessage(c *gin.Context) {
	var input dispatch.SendInput
	if err := c.ShouldBindJSON(&input); err != nil {
		h.respondError(c, apperrors.ValidationError(err.Error()))
		return
	}

	result, err := h.dispatcher.Send(c.Request.Context(), &input)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
}
