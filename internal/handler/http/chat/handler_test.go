package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay-backend/internal/domain"
	"chatrelay-backend/internal/service/chatstore"
	"chatrelay-backend/internal/service/dispatch"
	"chatrelay-backend/internal/service/media"
	apperrors "chatrelay-backend/pkg/errors"
)

type fakeMediaStore struct {
	uploadErr error
	duration  int
	lastName  string
	lastType  string
}

func (f *fakeMediaStore) Upload(ctx context.Context, data []byte, fileName, mediaType string) (*media.Result, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.lastName = fileName
	f.lastType = mediaType
	return &media.Result{
		URL:       "http://store/" + media.Category(mediaType) + "/" + fileName,
		FileName:  fileName,
		MediaType: mediaType,
		FileSize:  int64(len(data)),
	}, nil
}

func (f *fakeMediaStore) Download(ctx context.Context, url string) ([]byte, error) {
	return nil, errors.New("not used")
}

func (f *fakeMediaStore) AudioDuration(ctx context.Context, data []byte) int {
	return f.duration
}

type fakeDispatcher struct {
	input  *dispatch.SendInput
	result *dispatch.SendResult
	err    error
}

func (f *fakeDispatcher) Send(ctx context.Context, input *dispatch.SendInput) (*dispatch.SendResult, error) {
	f.input = input
	return f.result, f.err
}

type fakeBroadcaster struct {
	events []string
}

func (f *fakeBroadcaster) Broadcast(event string, data interface{}) {
	f.events = append(f.events, event)
}

func newRouter(store *chatstore.Store, mediaStore media.Store, dispatcher Dispatcher, events Broadcaster) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(store, mediaStore, dispatcher, events, nil)
	router := gin.New()
	router.GET("/chats", handler.GetChats)
	router.POST("/chats/:address/clear-unread", handler.ClearUnread)
	router.POST("/upload-media", handler.UploadMedia)
	router.POST("/send-message", handler.SendMessage)
	return router
}

func seededStore(t *testing.T) *chatstore.Store {
	t.Helper()
	store := chatstore.NewStore(nil, nil, nil)
	_, appended, err := store.Append(context.Background(), &domain.ChatMessage{
		ID:        "m1",
		Body:      "hello",
		From:      "7701@c.us",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	require.True(t, appended)
	return store
}

func TestGetChatsReturnsRawSnapshotMap(t *testing.T) {
	router := newRouter(seededStore(t), &fakeMediaStore{}, &fakeDispatcher{}, &fakeBroadcaster{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var chats map[string]*domain.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chats))
	require.Contains(t, chats, "7701@c.us")
	assert.Equal(t, 1, chats["7701@c.us"].UnreadCount)
	assert.Equal(t, "hello", chats["7701@c.us"].LastMessage.Body)
}

func TestClearUnreadResetsCounterAndBroadcasts(t *testing.T) {
	store := seededStore(t)
	events := &fakeBroadcaster{}
	router := newRouter(store, &fakeMediaStore{}, &fakeDispatcher{}, events)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chats/7701@c.us/clear-unread", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.Equal(t, 0, store.Get("7701@c.us").UnreadCount)
	assert.Equal(t, []string{"chat-updated"}, events.events)
}

func TestClearUnreadUnknownAddressIs404(t *testing.T) {
	events := &fakeBroadcaster{}
	router := newRouter(seededStore(t), &fakeMediaStore{}, &fakeDispatcher{}, events)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chats/nobody@c.us/clear-unread", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, events.events)
}

func multipartUpload(t *testing.T, fieldName, fileName, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+fieldName+`"; filename="`+fileName+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestUploadMediaReturnsPublicURL(t *testing.T) {
	mediaStore := &fakeMediaStore{}
	router := newRouter(seededStore(t), mediaStore, &fakeDispatcher{}, &fakeBroadcaster{})

	body, contentType := multipartUpload(t, "file", "photo.jpg", "image/jpeg", []byte{0xFF, 0xD8, 0xFF})
	req := httptest.NewRequest(http.MethodPost, "/upload-media", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		URL            string `json:"url"`
		Duration       int    `json:"duration"`
		IsVoiceMessage bool   `json:"isVoiceMessage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "http://store/images/photo.jpg", resp.URL)
	assert.False(t, resp.IsVoiceMessage)
	assert.Zero(t, resp.Duration)
}

func TestUploadVoiceNoteIsProbedForDuration(t *testing.T) {
	mediaStore := &fakeMediaStore{duration: 9}
	router := newRouter(seededStore(t), mediaStore, &fakeDispatcher{}, &fakeBroadcaster{})

	body, contentType := multipartUpload(t, "file", "voice_message_1.ogg", "audio/ogg", []byte("opus"))
	req := httptest.NewRequest(http.MethodPost, "/upload-media", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Duration       int  `json:"duration"`
		IsVoiceMessage bool `json:"isVoiceMessage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.IsVoiceMessage)
	assert.Equal(t, 9, resp.Duration)
}

func TestUploadPlainAudioReportsDuration(t *testing.T) {
	mediaStore := &fakeMediaStore{duration: 37}
	router := newRouter(seededStore(t), mediaStore, &fakeDispatcher{}, &fakeBroadcaster{})

	body, contentType := multipartUpload(t, "file", "song.mp3", "audio/mpeg", []byte("id3"))
	req := httptest.NewRequest(http.MethodPost, "/upload-media", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Duration       int  `json:"duration"`
		IsVoiceMessage bool `json:"isVoiceMessage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.IsVoiceMessage, "a plain audio file is not a voice capture")
	assert.Equal(t, 37, resp.Duration, "every audio upload gets a duration")
}

func TestUploadMediaWithoutFileIs400(t *testing.T) {
	router := newRouter(seededStore(t), &fakeMediaStore{}, &fakeDispatcher{}, &fakeBroadcaster{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload-media", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadStorageFailureIs502(t *testing.T) {
	mediaStore := &fakeMediaStore{uploadErr: errors.New("bucket unreachable")}
	router := newRouter(seededStore(t), mediaStore, &fakeDispatcher{}, &fakeBroadcaster{})

	body, contentType := multipartUpload(t, "file", "photo.jpg", "image/jpeg", []byte{1, 2, 3})
	req := httptest.NewRequest(http.MethodPost, "/upload-media", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSendMessageRoutesToDispatcher(t *testing.T) {
	dispatcher := &fakeDispatcher{result: &dispatch.SendResult{Recorded: true}}
	router := newRouter(seededStore(t), &fakeMediaStore{}, dispatcher, &fakeBroadcaster{})

	payload := bytes.NewBufferString(`{"address":"7701@c.us","message":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/send-message", payload)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, dispatcher.input)
	assert.Equal(t, "7701@c.us", dispatcher.input.Address)
}

func TestSendMessageMapsSessionNotReadyTo503(t *testing.T) {
	dispatcher := &fakeDispatcher{err: apperrors.SessionNotReadyError()}
	router := newRouter(seededStore(t), &fakeMediaStore{}, dispatcher, &fakeBroadcaster{})

	payload := bytes.NewBufferString(`{"address":"7701@c.us","message":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/send-message", payload)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
