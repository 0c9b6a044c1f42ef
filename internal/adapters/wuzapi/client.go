// Package wuzapi implements the provider port against wuzapi gateway instances and parses
// the events those instances post back to us.
package wuzapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"zapdesk/internal/models"
	"zapdesk/internal/provider"
)

// Channel connection states stored on models.Channel.Status.
const (
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
	StatusQRCode       = "qrcode"
)

// AudioConverter re-encodes audio into the voice note format.
type AudioConverter interface {
	ToOggOpus(ctx context.Context, audio []byte) ([]byte, error)
}

// Client talks to the wuzapi instance configured on each channel. The instance is addressed
// by the channel's BaseURL and authenticated with its Token.
type Client struct {
	httpClient *resty.Client
	converter  AudioConverter
}

func NewClient(timeout time.Duration, converter AudioConverter) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: resty.New().SetTimeout(timeout),
		converter:  converter,
	}
}

// envelope is the body wuzapi wraps every response in.
type envelope struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type contextInfo struct {
	StanzaID    string `json:"StanzaId,omitempty"`
	Participant string `json:"Participant,omitempty"`
}

type textRequest struct {
	Phone       string       `json:"Phone"`
	Body        string       `json:"Body"`
	ID          string       `json:"Id,omitempty"`
	ContextInfo *contextInfo `json:"ContextInfo,omitempty"`
}

type mediaRequest struct {
	Phone    string `json:"Phone"`
	ID       string `json:"Id,omitempty"`
	Caption  string `json:"Caption,omitempty"`
	Image    string `json:"Image,omitempty"`
	Video    string `json:"Video,omitempty"`
	Audio    string `json:"Audio,omitempty"`
	Document string `json:"Document,omitempty"`
	FileName string `json:"FileName,omitempty"`
}

type sendResponse struct {
	Details   string `json:"Details"`
	ID        string `json:"Id"`
	Timestamp int64  `json:"Timestamp"`
}

func endpoint(ch *models.Channel, path string) string {
	return strings.TrimRight(ch.BaseURL, "/") + path
}

// phone is the recipient as wuzapi expects it: the bare number, or the group jid.
func phone(to *models.Contact) string {
	if to.IsGroup && !strings.Contains(to.Number, "@") {
		return to.Number + "@g.us"
	}
	return to.Number
}

func (c *Client) do(ctx context.Context, ch *models.Channel, method, path string, body, out interface{}) error {
	url := endpoint(ch, path)
	var env envelope
	req := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Token", ch.Token).
		SetResult(&env).
		SetError(&env)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, url)
	if err != nil {
		log.Error().Err(err).Str("url", url).Int64("channelID", ch.ID).Msg("wuzapi request failed")
		return fmt.Errorf("wuzapi %s request failed: %w", path, err)
	}
	if resp.IsError() || !env.Success {
		log.Error().Str("url", url).Int64("channelID", ch.ID).Int("statusCode", resp.StatusCode()).
			Str("responseBody", string(resp.Body())).Msg("wuzapi returned an error")
		msg := env.Error
		if msg == "" {
			msg = resp.String()
		}
		return fmt.Errorf("wuzapi %s error: status %d: %s", path, resp.StatusCode(), msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("could not decode wuzapi %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) CheckNumber(ctx context.Context, ch *models.Channel, number string) (bool, error) {
	var out struct {
		Users []struct {
			Query        string `json:"Query"`
			IsInWhatsapp bool   `json:"IsInWhatsapp"`
			JID          string `json:"JID"`
		} `json:"Users"`
	}
	body := map[string]interface{}{"Phone": []string{number}}
	if err := c.do(ctx, ch, resty.MethodPost, "/user/check", body, &out); err != nil {
		return false, err
	}
	for _, u := range out.Users {
		if u.IsInWhatsapp {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) ProfilePicture(ctx context.Context, ch *models.Channel, number string) (string, error) {
	var out struct {
		URL string `json:"URL"`
	}
	body := map[string]interface{}{"Phone": number, "Preview": false}
	if err := c.do(ctx, ch, resty.MethodPost, "/user/avatar", body, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) SendText(ctx context.Context, ch *models.Channel, to *models.Contact, id, body, quotedID string) (string, error) {
	req := textRequest{Phone: phone(to), Body: body, ID: id}
	if quotedID != "" {
		req.ContextInfo = &contextInfo{StanzaID: quotedID, Participant: to.Number + "@s.whatsapp.net"}
	}
	var out sendResponse
	if err := c.do(ctx, ch, resty.MethodPost, "/chat/send/text", req, &out); err != nil {
		return "", err
	}
	return sentID(out, id), nil
}

func (c *Client) SendMedia(ctx context.Context, ch *models.Channel, to *models.Contact, id string, media provider.Media, caption string) (string, error) {
	data, err := c.mediaBytes(ctx, media)
	if err != nil {
		return "", err
	}
	mimetype := baseMimetype(media.Mimetype)
	req := mediaRequest{Phone: phone(to), ID: id}

	var path string
	switch media.Kind() {
	case models.MediaImage:
		path = "/chat/send/image"
		req.Image = encode(data, mimetype, "image/jpeg")
		req.Caption = caption
	case models.MediaVideo:
		path = "/chat/send/video"
		req.Video = encode(data, mimetype, "video/mp4")
		req.Caption = caption
	case models.MediaAudio:
		path = "/chat/send/audio"
		if data, err = c.voiceNote(ctx, data, mimetype); err != nil {
			return "", err
		}
		req.Audio = dataurl.New(data, "audio/ogg", "codecs", "opus").String()
	default:
		path = "/chat/send/document"
		// wuzapi only accepts documents as application/octet-stream
		req.Document = dataurl.New(data, "application/octet-stream").String()
		req.FileName = media.Filename
		req.Caption = caption
	}

	var out sendResponse
	if err := c.do(ctx, ch, resty.MethodPost, path, req, &out); err != nil {
		return "", err
	}
	return sentID(out, id), nil
}

func (c *Client) Edit(ctx context.Context, ch *models.Channel, to *models.Contact, id, body string) error {
	req := textRequest{Phone: phone(to), Body: body, ID: id}
	return c.do(ctx, ch, resty.MethodPost, "/chat/send/edit", req, nil)
}

func (c *Client) Retract(ctx context.Context, ch *models.Channel, to *models.Contact, id string) error {
	body := map[string]string{"Phone": phone(to), "Id": id}
	return c.do(ctx, ch, resty.MethodPost, "/chat/delete", body, nil)
}

func (c *Client) Status(ctx context.Context, ch *models.Channel) (string, error) {
	var out struct {
		Connected bool `json:"Connected"`
		LoggedIn  bool `json:"LoggedIn"`
	}
	if err := c.do(ctx, ch, resty.MethodGet, "/session/status", nil, &out); err != nil {
		return "", err
	}
	switch {
	case out.Connected && out.LoggedIn:
		return StatusConnected, nil
	case out.Connected:
		return StatusQRCode, nil
	}
	return StatusDisconnected, nil
}

// mediaBytes returns the attachment content, downloading it when only a URL is known.
func (c *Client) mediaBytes(ctx context.Context, media provider.Media) ([]byte, error) {
	if len(media.Data) > 0 {
		return media.Data, nil
	}
	if media.URL == "" {
		return nil, fmt.Errorf("media %q has neither data nor url", media.Filename)
	}
	resp, err := c.httpClient.R().SetContext(ctx).Get(media.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download media from %s: %w", media.URL, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to download media from %s: status %d", media.URL, resp.StatusCode())
	}
	return resp.Body(), nil
}

func (c *Client) voiceNote(ctx context.Context, data []byte, mimetype string) ([]byte, error) {
	if mimetype == "audio/ogg" || c.converter == nil {
		return data, nil
	}
	converted, err := c.converter.ToOggOpus(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("could not convert %s to voice note: %w", mimetype, err)
	}
	return converted, nil
}

func encode(data []byte, mimetype, fallback string) string {
	if strings.Count(mimetype, "/") != 1 {
		mimetype = fallback
	}
	return dataurl.New(data, mimetype).String()
}

func baseMimetype(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

func sentID(out sendResponse, requested string) string {
	if out.ID != "" {
		return out.ID
	}
	return requested
}
