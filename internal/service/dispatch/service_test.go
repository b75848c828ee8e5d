package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatrelay-backend/internal/domain"
	"chatrelay-backend/internal/gateway/whatsapp"
	"chatrelay-backend/internal/service/chatstore"
	"chatrelay-backend/internal/service/media"
	apperrors "chatrelay-backend/pkg/errors"
)

// Mocks

type MockMediaStore struct {
	mock.Mock
}

func (m *MockMediaStore) Upload(ctx context.Context, data []byte, fileName, mediaType string) (*media.Result, error) {
	args := m.Called(ctx, data, fileName, mediaType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.Result), args.Error(1)
}

func (m *MockMediaStore) Download(ctx context.Context, url string) ([]byte, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockMediaStore) AudioDuration(ctx context.Context, data []byte) int {
	args := m.Called(ctx, data)
	return args.Int(0)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) SetHandler(h whatsapp.EventHandler) { m.Called(h) }

func (m *MockGateway) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockGateway) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockGateway) SendText(ctx context.Context, address, body string) (*whatsapp.Receipt, error) {
	args := m.Called(ctx, address, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*whatsapp.Receipt), args.Error(1)
}

func (m *MockGateway) SendMedia(ctx context.Context, address string, om *whatsapp.OutboundMedia) (*whatsapp.Receipt, error) {
	args := m.Called(ctx, address, om)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*whatsapp.Receipt), args.Error(1)
}

type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) Broadcast(event string, data interface{}) {
	m.Called(event, data)
}

type readySession struct{ state domain.ConnState }

func (s readySession) State() domain.ConnState { return s.state }

type okPersistence struct{}

func (okPersistence) Upsert(ctx context.Context, chat *domain.Chat) error { return nil }

type failPersistence struct{}

func (failPersistence) Upsert(ctx context.Context, chat *domain.Chat) error {
	return errors.New("backend unreachable")
}

func newService(t *testing.T, persist chatstore.Persistence) (*Service, *MockMediaStore, *MockGateway, *MockBroadcaster, *chatstore.Store) {
	t.Helper()
	store := chatstore.NewStore(nil, persist, nil)
	mediaStore := new(MockMediaStore)
	gateway := new(MockGateway)
	events := new(MockBroadcaster)
	svc := NewService(store, mediaStore, gateway, events, readySession{domain.StateReady}, nil)
	return svc, mediaStore, gateway, events, store
}

func TestSendRejectsEmptyRequestBeforeAnyCall(t *testing.T) {
	svc, mediaStore, gateway, events, store := newService(t, okPersistence{})

	_, err := svc.Send(context.Background(), &SendInput{Address: "77011234567", Message: ""})

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetAppError(err).Code)
	mediaStore.AssertNotCalled(t, "Download")
	gateway.AssertNotCalled(t, "SendText")
	gateway.AssertNotCalled(t, "SendMedia")
	events.AssertNotCalled(t, "Broadcast")
	assert.Empty(t, store.ListAll(), "no side effects on rejection")
}

func TestSendRejectsMissingAddress(t *testing.T) {
	svc, _, gateway, _, _ := newService(t, okPersistence{})

	_, err := svc.Send(context.Background(), &SendInput{Message: "hi"})

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeMissingField, apperrors.GetAppError(err).Code)
	gateway.AssertNotCalled(t, "SendText")
}

func TestSendRejectsWhenSessionNotReady(t *testing.T) {
	store := chatstore.NewStore(nil, okPersistence{}, nil)
	gateway := new(MockGateway)
	svc := NewService(store, new(MockMediaStore), gateway, new(MockBroadcaster), readySession{domain.StateDisconnected}, nil)

	_, err := svc.Send(context.Background(), &SendInput{Address: "77011234567", Message: "hi"})

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSessionNotReady, apperrors.GetAppError(err).Code)
	gateway.AssertNotCalled(t, "SendText")
}

func TestSendTextMirrorsIntoHistoryAndBroadcasts(t *testing.T) {
	svc, _, gateway, events, store := newService(t, okPersistence{})
	ctx := context.Background()

	gateway.On("SendText", ctx, "77011234567@c.us", "hello").
		Return(&whatsapp.Receipt{MessageID: "net-1"}, nil)
	events.On("Broadcast", "whatsapp-message", mock.Anything).Return()
	events.On("Broadcast", "chat-updated", mock.Anything).Return()

	result, err := svc.Send(ctx, &SendInput{Address: "77011234567", Message: "hello"})

	require.NoError(t, err)
	assert.True(t, result.Recorded)
	assert.Equal(t, "net-1", result.Message.ID)
	assert.True(t, result.Message.FromMe)

	chat := store.Get("77011234567@c.us")
	require.NotNil(t, chat)
	assert.Len(t, chat.Messages, 1)
	assert.Equal(t, 0, chat.UnreadCount, "own messages never count as unread")

	gateway.AssertExpectations(t)
	events.AssertExpectations(t)
}

func TestSendMediaFetchesAttachmentFirst(t *testing.T) {
	svc, mediaStore, gateway, events, store := newService(t, okPersistence{})
	ctx := context.Background()

	payload := make([]byte, 2*1024*1024)
	mediaStore.On("Download", ctx, "http://store/images/1_photo.jpg").Return(payload, nil)
	gateway.On("SendMedia", ctx, "77011234567@c.us", mock.MatchedBy(func(om *whatsapp.OutboundMedia) bool {
		return len(om.Data) == len(payload) && om.MimeType == "image/jpeg" && !om.AsVoice
	})).Return(&whatsapp.Receipt{MessageID: "net-2"}, nil)
	events.On("Broadcast", mock.Anything, mock.Anything).Return()

	result, err := svc.Send(ctx, &SendInput{
		Address:   "77011234567",
		Message:   "",
		MediaURL:  "http://store/images/1_photo.jpg",
		MediaType: "image/jpeg",
		FileName:  "photo.jpg",
		FileSize:  int64(len(payload)),
	})

	require.NoError(t, err)
	assert.True(t, result.Message.HasMedia)
	assert.Equal(t, "image/jpeg", result.Message.MediaType)

	chat := store.Get("77011234567@c.us")
	require.NotNil(t, chat)
	require.NotNil(t, chat.LastMessage)
	assert.True(t, chat.LastMessage.HasMedia)

	mediaStore.AssertExpectations(t)
	gateway.AssertExpectations(t)
}

func TestSendVoiceNoteFlagsNetworkSend(t *testing.T) {
	svc, mediaStore, gateway, events, _ := newService(t, okPersistence{})
	ctx := context.Background()

	mediaStore.On("Download", ctx, mock.Anything).Return([]byte("opus"), nil)
	gateway.On("SendMedia", ctx, "77011234567@c.us", mock.MatchedBy(func(om *whatsapp.OutboundMedia) bool {
		return om.AsVoice && om.DurationSeconds == 7
	})).Return(&whatsapp.Receipt{MessageID: "net-3"}, nil)
	events.On("Broadcast", mock.Anything, mock.Anything).Return()

	_, err := svc.Send(ctx, &SendInput{
		Address:        "77011234567",
		MediaURL:       "http://store/audio/1_voice_message.webm",
		MediaType:      "audio/webm",
		IsVoiceMessage: true,
		Duration:       7,
	})

	require.NoError(t, err)
	gateway.AssertExpectations(t)
}

func TestAttachmentFetchFailureAbortsBeforeNetwork(t *testing.T) {
	svc, mediaStore, gateway, events, store := newService(t, okPersistence{})
	ctx := context.Background()

	mediaStore.On("Download", ctx, mock.Anything).Return(nil, errors.New("object gone"))

	_, err := svc.Send(ctx, &SendInput{Address: "77011234567", MediaURL: "http://store/x"})

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUploadFailed, apperrors.GetAppError(err).Code)
	gateway.AssertNotCalled(t, "SendMedia")
	events.AssertNotCalled(t, "Broadcast")
	assert.Empty(t, store.ListAll())
}

func TestNetworkFailureLeavesNoHistoryEntry(t *testing.T) {
	svc, _, gateway, events, store := newService(t, okPersistence{})
	ctx := context.Background()

	gateway.On("SendText", ctx, mock.Anything, mock.Anything).
		Return(nil, errors.New("stream closed"))

	_, err := svc.Send(ctx, &SendInput{Address: "77011234567", Message: "hi"})

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSendFailed, apperrors.GetAppError(err).Code)
	events.AssertNotCalled(t, "Broadcast")
	assert.Empty(t, store.ListAll())
}

func TestAppendFailureStillReportsSent(t *testing.T) {
	svc, _, gateway, events, _ := newService(t, failPersistence{})
	ctx := context.Background()

	gateway.On("SendText", ctx, mock.Anything, mock.Anything).
		Return(&whatsapp.Receipt{MessageID: "net-4"}, nil)
	events.On("Broadcast", mock.Anything, mock.Anything).Return()

	result, err := svc.Send(ctx, &SendInput{Address: "77011234567", Message: "hi"})

	require.NoError(t, err, "the network leg succeeded, so the dispatch did")
	assert.False(t, result.Recorded, "durable history write failed")
	gateway.AssertNumberOfCalls(t, "SendText", 1)
}
