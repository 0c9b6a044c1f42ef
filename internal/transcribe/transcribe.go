package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
)

// Unavailable is returned as text when speech recognition gives nothing back.
const Unavailable = "Transcrição não disponível"

// Converter turns arbitrary audio into MP3.
type Converter interface {
	ToMP3(ctx context.Context, audio []byte) ([]byte, error)
}

// Transcriber turns MP3 speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mp3 []byte, filename string) (string, error)
}

// HTTPTranscriber calls an OpenAI-compatible /audio/transcriptions endpoint.
type HTTPTranscriber struct {
	client *resty.Client
	url    string
	model  string
}

func NewHTTPTranscriber(url, apiKey, model string, timeout time.Duration) *HTTPTranscriber {
	if model == "" {
		model = "whisper-1"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := resty.New().SetTimeout(timeout)
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &HTTPTranscriber{client: c, url: url, model: model}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, mp3 []byte, filename string) (string, error) {
	var out transcriptionResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetFileReader("file", filename, bytes.NewReader(mp3)).
		SetFormData(map[string]string{"model": t.model}).
		SetResult(&out).
		Post(t.url)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("transcription service returned %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Text, nil
}

// Service converts then transcribes audio. Conversion failures are errors; a transcription
// that fails or comes back empty yields Unavailable.
type Service struct {
	converter   Converter
	transcriber Transcriber
}

func NewService(c Converter, t Transcriber) *Service {
	return &Service{converter: c, transcriber: t}
}

// Result is the outcome of a transcription.
type Result struct {
	Text      string `json:"transcribedText"`
	Available bool   `json:"available"`
}

func (s *Service) Transcribe(ctx context.Context, audio []byte, filename string) (Result, error) {
	mp3, err := s.converter.ToMP3(ctx, audio)
	if err != nil {
		return Result{}, apperr.Transcoding(err, "failed to convert %s", filename)
	}
	if s.transcriber == nil {
		return Result{Text: Unavailable}, nil
	}
	name := strings.TrimSuffix(filename, "."+extOf(filename)) + ".mp3"
	text, err := s.transcriber.Transcribe(ctx, mp3, name)
	if err != nil {
		log.Warn().Err(err).Str("filename", filename).Msg("Transcription failed")
		return Result{Text: Unavailable}, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Text: Unavailable}, nil
	}
	return Result{Text: text, Available: true}, nil
}

func extOf(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		return filename[i+1:]
	}
	return ""
}
