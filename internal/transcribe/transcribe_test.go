package transcribe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"zapdesk/internal/apperr"
)

type fakeConverter struct {
	err error
}

func (f fakeConverter) ToMP3(_ context.Context, audio []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("mp3:"), audio...), nil
}

type fakeTranscriber struct {
	text     string
	err      error
	filename string
	got      []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, mp3 []byte, filename string) (string, error) {
	f.filename = filename
	f.got = mp3
	return f.text, f.err
}

func TestServiceTranscribe(t *testing.T) {
	tests := []struct {
		name      string
		conv      fakeConverter
		tr        *fakeTranscriber
		wantText  string
		wantAvail bool
		wantErr   bool
	}{
		{"ok", fakeConverter{}, &fakeTranscriber{text: "  olá mundo "}, "olá mundo", true, false},
		{"empty text", fakeConverter{}, &fakeTranscriber{text: "   "}, Unavailable, false, false},
		{"transcriber error", fakeConverter{}, &fakeTranscriber{err: errors.New("boom")}, Unavailable, false, false},
		{"conversion error", fakeConverter{err: errors.New("bad codec")}, &fakeTranscriber{}, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.conv, tt.tr)
			res, err := svc.Transcribe(context.Background(), []byte("audio"), "voice.ogg")
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrTranscoding) {
					t.Fatalf("err = %v, want transcoding error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Text != tt.wantText || res.Available != tt.wantAvail {
				t.Fatalf("got %+v", res)
			}
			if tt.tr.filename != "voice.mp3" || string(tt.tr.got) != "mp3:audio" {
				t.Fatalf("transcriber got %q %q", tt.tr.filename, tt.tr.got)
			}
		})
	}
}

func TestServiceWithoutTranscriber(t *testing.T) {
	res, err := NewService(fakeConverter{}, nil).Transcribe(context.Background(), []byte("a"), "a.ogg")
	if err != nil || res.Text != Unavailable || res.Available {
		t.Fatalf("got %+v %v", res, err)
	}
}

func TestFFmpegMissingBinary(t *testing.T) {
	f := NewFFmpeg(filepath.Join(t.TempDir(), "no-ffmpeg"))
	if _, err := f.ToMP3(context.Background(), []byte("audio")); err == nil {
		t.Fatalf("expected error for missing binary")
	}
	if _, err := f.ToOggOpus(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestHTTPTranscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(f)
		if hdr.Filename != "voice.mp3" || string(body) != "mp3" || r.FormValue("model") != "whisper-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"bom dia"}`))
	}))
	defer srv.Close()

	tr := NewHTTPTranscriber(srv.URL, "secret", "", 0)
	text, err := tr.Transcribe(context.Background(), []byte("mp3"), "voice.mp3")
	if err != nil || text != "bom dia" {
		t.Fatalf("got %q %v", text, err)
	}

	bad := NewHTTPTranscriber(srv.URL, "wrong", "", 0)
	if _, err := bad.Transcribe(context.Background(), []byte("mp3"), "voice.mp3"); err == nil {
		t.Fatalf("expected error on 401")
	}
}
