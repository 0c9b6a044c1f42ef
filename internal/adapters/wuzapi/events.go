package wuzapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vincent-petithory/dataurl"

	"zapdesk/internal/messages"
	"zapdesk/internal/models"
	"zapdesk/internal/provider"
	"zapdesk/internal/realtime"
)

// EventKind tells which field of Event is set.
type EventKind int

const (
	EventIgnored EventKind = iota
	EventMessage
	EventReceipt
	EventPresence
	EventConnection
)

// Event is a webhook post translated into the engine's vocabulary.
type Event struct {
	Kind     EventKind
	Type     string
	Message  *messages.InboundEvent
	Receipt  *Receipt
	Presence *Presence
	Status   string
	// Token is the instance token the gateway echoes in every post.
	Token string
}

// Chat is the conversation the event belongs to, empty for instance-wide events.
func (e Event) Chat() string {
	switch {
	case e.Message != nil:
		return e.Message.From
	case e.Receipt != nil:
		return e.Receipt.Chat
	case e.Presence != nil:
		return e.Presence.From
	}
	return ""
}

// Receipt confirms delivery or reading of messages we sent.
type Receipt struct {
	Chat       string
	MessageIDs []string
	Ack        models.AckLevel
}

type Presence struct {
	From  string
	State string
}

// Envelope is the JSON body wuzapi posts. Media arrives either inline as base64 or as an
// S3 object, depending on the instance's media delivery setting.
type Envelope struct {
	Type     string          `json:"type"`
	Event    json.RawMessage `json:"event"`
	State    string          `json:"state"`
	Base64   string          `json:"base64"`
	MimeType string          `json:"mimeType"`
	FileName string          `json:"fileName"`
	S3       *struct {
		URL string `json:"url"`
	} `json:"s3"`
	Token string `json:"token"`
}

type messageInfo struct {
	Chat      string    `json:"Chat"`
	Sender    string    `json:"Sender"`
	IsFromMe  bool      `json:"IsFromMe"`
	IsGroup   bool      `json:"IsGroup"`
	ID        string    `json:"ID"`
	PushName  string    `json:"PushName"`
	Timestamp time.Time `json:"Timestamp"`
	Type      string    `json:"Type"`
	MediaType string    `json:"MediaType"`
}

type quoteInfo struct {
	StanzaID string `json:"stanzaID"`
}

type mediaMessage struct {
	Caption     string     `json:"caption"`
	Mimetype    string     `json:"mimetype"`
	FileName    string     `json:"fileName"`
	ContextInfo *quoteInfo `json:"contextInfo"`
}

type messagePayload struct {
	Info    messageInfo `json:"Info"`
	Message struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage *struct {
			Text        string     `json:"text"`
			ContextInfo *quoteInfo `json:"contextInfo"`
		} `json:"extendedTextMessage"`
		ImageMessage    *mediaMessage `json:"imageMessage"`
		VideoMessage    *mediaMessage `json:"videoMessage"`
		AudioMessage    *mediaMessage `json:"audioMessage"`
		DocumentMessage *mediaMessage `json:"documentMessage"`
		StickerMessage  *mediaMessage `json:"stickerMessage"`
		LocationMessage *struct {
			DegreesLatitude  float64 `json:"degreesLatitude"`
			DegreesLongitude float64 `json:"degreesLongitude"`
		} `json:"locationMessage"`
		ContactMessage *struct {
			DisplayName string `json:"displayName"`
			Vcard       string `json:"vcard"`
		} `json:"contactMessage"`
		ReactionMessage *struct {
			Text string `json:"text"`
		} `json:"reactionMessage"`
	} `json:"Message"`
}

type receiptPayload struct {
	MessageIDs []string `json:"MessageIDs"`
	Type       string   `json:"Type"`
	Chat       string   `json:"Chat"`
}

type presencePayload struct {
	Chat   string `json:"Chat"`
	Sender string `json:"Sender"`
	State  string `json:"State"`
	Media  string `json:"Media"`
}

// ParseEvent decodes a webhook body. Event types the engine has no use for come back as
// EventIgnored without error.
func ParseEvent(body []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("invalid wuzapi payload: %w", err)
	}
	ev := Event{Type: env.Type, Token: env.Token}
	switch env.Type {
	case "Message":
		msg, err := parseMessage(env)
		if err != nil {
			return Event{}, err
		}
		ev.Kind, ev.Message = EventMessage, msg
	case "ReadReceipt", "Receipt":
		var p receiptPayload
		if err := json.Unmarshal(env.Event, &p); err != nil {
			return Event{}, fmt.Errorf("invalid receipt event: %w", err)
		}
		ack, ok := receiptAck(p.Type, env.State)
		if !ok || len(p.MessageIDs) == 0 {
			return ev, nil
		}
		ev.Kind, ev.Receipt = EventReceipt, &Receipt{Chat: p.Chat, MessageIDs: p.MessageIDs, Ack: ack}
	case "ChatPresence":
		var p presencePayload
		if err := json.Unmarshal(env.Event, &p); err != nil {
			return Event{}, fmt.Errorf("invalid presence event: %w", err)
		}
		ev.Kind, ev.Presence = EventPresence, &Presence{From: p.Chat, State: presenceState(p.State, p.Media)}
	case "Connected", "PairSuccess":
		ev.Kind, ev.Status = EventConnection, StatusConnected
	case "Disconnected", "LoggedOut", "StreamReplaced", "TemporaryBan":
		ev.Kind, ev.Status = EventConnection, StatusDisconnected
	case "QR", "QRCode":
		ev.Kind, ev.Status = EventConnection, StatusQRCode
	}
	return ev, nil
}

func parseMessage(env Envelope) (*messages.InboundEvent, error) {
	var p messagePayload
	if err := json.Unmarshal(env.Event, &p); err != nil {
		return nil, fmt.Errorf("invalid message event: %w", err)
	}
	info := p.Info
	if info.ID == "" {
		return nil, fmt.Errorf("message event without id")
	}
	in := &messages.InboundEvent{
		ID:        info.ID,
		From:      info.Chat,
		PushName:  info.PushName,
		FromMe:    info.IsFromMe,
		IsGroup:   info.IsGroup || strings.HasSuffix(info.Chat, "@g.us"),
		Timestamp: info.Timestamp,
	}
	if in.FromMe {
		in.Ack = models.AckSent
	}

	m := p.Message
	var media *mediaMessage
	switch {
	case m.ExtendedTextMessage != nil:
		in.Type, in.Body = "chat", m.ExtendedTextMessage.Text
		if ci := m.ExtendedTextMessage.ContextInfo; ci != nil {
			in.QuotedID = ci.StanzaID
		}
	case m.ImageMessage != nil:
		in.Type, media = "image", m.ImageMessage
	case m.StickerMessage != nil:
		in.Type, media = "sticker", m.StickerMessage
	case m.VideoMessage != nil:
		in.Type, media = "video", m.VideoMessage
	case m.AudioMessage != nil:
		in.Type, media = "audio", m.AudioMessage
	case m.DocumentMessage != nil:
		in.Type, media = "document", m.DocumentMessage
	case m.LocationMessage != nil:
		in.Type = "location"
		in.Body = strconv.FormatFloat(m.LocationMessage.DegreesLatitude, 'f', -1, 64) + "," +
			strconv.FormatFloat(m.LocationMessage.DegreesLongitude, 'f', -1, 64)
	case m.ContactMessage != nil:
		in.Type, in.Body = "vcard", m.ContactMessage.Vcard
	case m.ReactionMessage != nil:
		in.Type, in.Body = "reaction", m.ReactionMessage.Text
	default:
		in.Type, in.Body = "chat", m.Conversation
	}
	if media == nil {
		return in, nil
	}

	in.Body = media.Caption
	if media.ContextInfo != nil {
		in.QuotedID = media.ContextInfo.StanzaID
	}
	mimetype := env.MimeType
	if mimetype == "" {
		mimetype = media.Mimetype
	}
	filename := env.FileName
	if filename == "" {
		filename = media.FileName
	}
	if filename == "" {
		filename = info.ID
	}
	switch {
	case env.Base64 != "":
		data, err := decodeBase64(env.Base64)
		if err != nil {
			return nil, fmt.Errorf("invalid media in message %s: %w", info.ID, err)
		}
		in.Media = &provider.Media{Filename: filename, Mimetype: mimetype, Data: data}
	case env.S3 != nil && env.S3.URL != "":
		in.MediaURL = env.S3.URL
	}
	return in, nil
}

func decodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		du, err := dataurl.DecodeString(s)
		if err != nil {
			return nil, err
		}
		return du.Data, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func receiptAck(receiptType, state string) (models.AckLevel, bool) {
	switch strings.ToLower(receiptType) {
	case "read", "read-self", "played", "played-self":
		return models.AckRead, true
	case "", "delivered":
		if strings.EqualFold(state, "Read") {
			return models.AckRead, true
		}
		return models.AckDelivered, true
	}
	return 0, false
}

func presenceState(state, media string) string {
	switch state {
	case "composing":
		if media == "audio" {
			return realtime.PresenceRecording
		}
		return realtime.PresenceComposing
	}
	return realtime.PresenceAvailable
}
