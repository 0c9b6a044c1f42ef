package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"zapdesk/internal/provider"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStorage) Put(_ context.Context, key, _ string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = data
	return nil
}

func (m *memStorage) URL(key string) string { return "https://cdn.test/" + key }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestGenerateKey(t *testing.T) {
	now := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		mime, filename, prefix, suffix string
	}{
		{"image/jpeg", "", "tenants/7/2024/03/09/images/", ".jpg"},
		{"audio/ogg; codecs=opus", "", "tenants/7/2024/03/09/audio/", ".ogg"},
		{"application/pdf", "Invoice.PDF", "tenants/7/2024/03/09/documents/", ".pdf"},
		{"application/x-unknown", "", "tenants/7/2024/03/09/documents/", ".bin"},
	}
	for _, tt := range tests {
		key := GenerateKey(7, tt.mime, tt.filename, now)
		if !strings.HasPrefix(key, tt.prefix) || !strings.HasSuffix(key, tt.suffix) {
			t.Errorf("GenerateKey(%q, %q) = %q", tt.mime, tt.filename, key)
		}
	}
}

func TestLibrarySaveImageWithThumbnail(t *testing.T) {
	store := &memStorage{}
	lib := NewLibrary(store, 64)
	url, thumb, err := lib.Save(context.Background(), 1, provider.Media{
		Filename: "photo.png", Mimetype: "image/png", Data: pngBytes(t, 400, 200),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasSuffix(url, ".png") || !strings.HasSuffix(thumb, "_thumb.jpg") {
		t.Fatalf("unexpected urls %q %q", url, thumb)
	}
	key := strings.TrimPrefix(thumb, "https://cdn.test/")
	img, _, err := image.Decode(bytes.NewReader(store.objects[key]))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 32 {
		t.Fatalf("thumbnail size = %dx%d, want 64x32", b.Dx(), b.Dy())
	}
}

func TestLibrarySaveSkipsUndecodableImage(t *testing.T) {
	lib := NewLibrary(&memStorage{}, 0)
	url, thumb, err := lib.Save(context.Background(), 1, provider.Media{
		Filename: "broken.jpg", Mimetype: "image/jpeg", Data: []byte("not an image"),
	})
	if err != nil || url == "" || thumb != "" {
		t.Fatalf("got %q %q %v", url, thumb, err)
	}
}

func TestLocalStorage(t *testing.T) {
	dir := t.TempDir()
	ls, err := NewLocalStorage(dir, "http://localhost:8080/public/")
	if err != nil {
		t.Fatalf("new local storage: %v", err)
	}
	if err := ls.Put(context.Background(), "tenants/1/a.txt", "text/plain", []byte("hi")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "tenants", "1", "a.txt"))
	if err != nil || string(got) != "hi" {
		t.Fatalf("read back %q %v", got, err)
	}
	if u := ls.URL("tenants/1/a.txt"); u != "http://localhost:8080/public/tenants/1/a.txt" {
		t.Fatalf("url = %q", u)
	}
	if err := ls.Put(context.Background(), "../escape.txt", "", nil); err == nil {
		t.Fatalf("keys outside the directory must be rejected")
	}
}

func TestS3URL(t *testing.T) {
	tests := []struct {
		cfg       S3Config
		pathStyle bool
		want      string
	}{
		{S3Config{Bucket: "b", Region: "sa-east-1"}, false, "https://b.s3.sa-east-1.amazonaws.com/k"},
		{S3Config{Bucket: "b", Region: "sa-east-1"}, true, "https://s3.sa-east-1.amazonaws.com/b/k"},
		{S3Config{Bucket: "b", Endpoint: "https://minio.local:9000/"}, true, "https://minio.local:9000/b/k"},
		{S3Config{Bucket: "b", Endpoint: "https://storage.example.com"}, false, "https://b.storage.example.com/k"},
		{S3Config{Bucket: "b", PublicURL: "https://cdn.example.com/"}, false, "https://cdn.example.com/b/k"},
	}
	for _, tt := range tests {
		if got := s3URL(tt.cfg, tt.pathStyle, "k"); got != tt.want {
			t.Errorf("s3URL(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}
