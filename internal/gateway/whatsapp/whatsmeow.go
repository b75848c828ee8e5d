package whatsapp

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"chatrelay-backend/pkg/phone"
)

// WhatsmeowGateway binds the whatsmeow client to the Gateway interface.
// Session keys live in a local sqlite store, so a paired session survives
// restarts without a fresh QR scan.
type WhatsmeowGateway struct {
	client  *whatsmeow.Client
	handler EventHandler
	log     *zap.Logger
}

// NewWhatsmeowGateway opens (or creates) the sqlite session store at
// dbPath and prepares an unconnected client.
func NewWhatsmeowGateway(dbPath string, log *zap.Logger) (*WhatsmeowGateway, error) {
	if log == nil {
		log = zap.NewNop()
	}

	container, err := sqlstore.New("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	device, err := container.GetFirstDevice()
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	return &WhatsmeowGateway{
		client: whatsmeow.NewClient(device, waLog.Noop),
		log:    log,
	}, nil
}

// SetHandler registers the event sink. Must be called before Start.
func (g *WhatsmeowGateway) SetHandler(h EventHandler) {
	g.handler = h
}

// Start connects the session. An unpaired device goes through the QR
// pairing flow; codes are relayed verbatim to the handler.
func (g *WhatsmeowGateway) Start(ctx context.Context) error {
	if g.handler == nil {
		return fmt.Errorf("no event handler registered")
	}

	g.client.AddEventHandler(g.handleEvent)

	if g.client.Store.ID == nil {
		qrChan, err := g.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to open pairing channel: %w", err)
		}
		if err := g.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		go func() {
			for item := range qrChan {
				switch item.Event {
				case "code":
					g.handler.OnPairingCode(item.Code)
				case "timeout":
					g.handler.OnDisconnected("pairing timed out")
				}
			}
		}()
		return nil
	}

	if err := g.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Stop disconnects the session.
func (g *WhatsmeowGateway) Stop(ctx context.Context) error {
	g.client.Disconnect()
	return nil
}

// SendText sends a plain text message.
func (g *WhatsmeowGateway) SendText(ctx context.Context, address, body string) (*Receipt, error) {
	jid, err := toJID(address)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send text: %w", err)
	}

	return &Receipt{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// SendMedia uploads the payload to the network's media store and sends
// the matching message kind. Audio flagged AsVoice goes out as a
// push-to-talk voice note.
func (g *WhatsmeowGateway) SendMedia(ctx context.Context, address string, media *OutboundMedia) (*Receipt, error) {
	jid, err := toJID(address)
	if err != nil {
		return nil, err
	}

	uploaded, err := g.client.Upload(ctx, media.Data, uploadKind(media.MimeType))
	if err != nil {
		return nil, fmt.Errorf("failed to upload media to network: %w", err)
	}

	length := uint64(len(media.Data))
	msg := &waE2E.Message{}

	switch {
	case strings.HasPrefix(media.MimeType, "image/"):
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &length,
		}
	case strings.HasPrefix(media.MimeType, "video/"):
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &length,
		}
	case strings.HasPrefix(media.MimeType, "audio/"):
		msg.AudioMessage = &waE2E.AudioMessage{
			PTT:           proto.Bool(media.AsVoice),
			Seconds:       proto.Uint32(uint32(media.DurationSeconds)),
			Mimetype:      proto.String(media.MimeType),
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &length,
		}
	default:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			FileName:      proto.String(media.FileName),
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &length,
		}
	}

	resp, err := g.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send media: %w", err)
	}

	return &Receipt{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (g *WhatsmeowGateway) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		g.handler.OnReady()
	case *events.Disconnected:
		g.handler.OnDisconnected("connection closed")
	case *events.StreamReplaced:
		g.handler.OnDisconnected("stream replaced by another session")
	case *events.LoggedOut:
		g.handler.OnAuthFailure(fmt.Sprintf("logged out: %v", v.Reason))
	case *events.Message:
		g.handleMessage(v)
	}
}

func (g *WhatsmeowGateway) handleMessage(evt *events.Message) {
	counterparty := fromJID(evt.Info.Chat)

	ev := &MessageEvent{
		ID:         evt.Info.ID,
		FromMe:     evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp,
		IsGroup:    evt.Info.IsGroup,
		SenderName: evt.Info.PushName,
		Kind:       "chat",
	}
	if ev.FromMe {
		ev.To = counterparty
	} else {
		ev.From = counterparty
		if g.client.Store.ID != nil {
			ev.To = fromJID(g.client.Store.ID.ToNonAD())
		}
	}

	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		ev.Body = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		ev.Body = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		ev.Kind = "image"
		ev.Body = img.GetCaption()
		ev.Media = g.download(img, img.GetMimetype(), "")
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		ev.Kind = "video"
		ev.Body = vid.GetCaption()
		ev.Media = g.download(vid, vid.GetMimetype(), "")
	case msg.GetAudioMessage() != nil:
		aud := msg.GetAudioMessage()
		ev.Kind = "audio"
		if aud.GetPTT() {
			ev.Kind = "ptt"
			ev.IsVoice = true
		}
		ev.Media = g.download(aud, aud.GetMimetype(), "")
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		ev.Kind = "document"
		ev.Body = doc.GetCaption()
		ev.Media = g.download(doc, doc.GetMimetype(), doc.GetFileName())
	default:
		// Reactions, receipts and protocol messages carry no chat content.
		return
	}

	g.handler.OnMessage(ev)
}

func (g *WhatsmeowGateway) download(msg whatsmeow.DownloadableMessage, mimeType, fileName string) *MediaPayload {
	data, err := g.client.Download(msg)
	if err != nil {
		g.log.Warn("media download failed", zap.Error(err))
		return nil
	}
	return &MediaPayload{Data: data, MimeType: mimeType, FileName: fileName}
}

func uploadKind(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// toJID converts a relay address like "77011234567@c.us" into a network
// JID. Group addresses keep their own server.
func toJID(address string) (types.JID, error) {
	address = phone.Normalize(address)
	if !phone.IsValid(address) {
		return types.JID{}, fmt.Errorf("invalid address %q", address)
	}
	user := address[:strings.IndexByte(address, '@')]
	if strings.HasSuffix(address, "@g.us") {
		return types.NewJID(user, types.GroupServer), nil
	}
	return types.NewJID(user, types.DefaultUserServer), nil
}

// fromJID renders a network JID in the relay's address format.
func fromJID(jid types.JID) string {
	if jid.Server == types.GroupServer {
		return jid.User + "@g.us"
	}
	return jid.User + "@c.us"
}
