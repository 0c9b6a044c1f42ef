package media

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/provider"
)

const defaultThumbSize = 320

// Library stores attachments and, for images, a JPEG thumbnail next to them.
type Library struct {
	storage   Storage
	thumbSize uint
	now       func() time.Time
}

func NewLibrary(s Storage, thumbSize uint) *Library {
	if thumbSize == 0 {
		thumbSize = defaultThumbSize
	}
	return &Library{storage: s, thumbSize: thumbSize, now: time.Now}
}

// Save stores the attachment bytes and returns its URL and, for decodable images, the URL of
// the thumbnail. A thumbnail that cannot be made is skipped.
func (l *Library) Save(ctx context.Context, tenantID int64, m provider.Media) (string, string, error) {
	key := GenerateKey(tenantID, m.Mimetype, m.Filename, l.now())
	if err := l.storage.Put(ctx, key, m.Mimetype, m.Data); err != nil {
		return "", "", err
	}
	url := l.storage.URL(key)
	if !strings.HasPrefix(m.Mimetype, "image/") {
		return url, "", nil
	}

	thumb, err := Thumbnail(m.Data, l.thumbSize)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("No thumbnail for image")
		return url, "", nil
	}
	thumbKey := strings.TrimSuffix(key, extension(m.Mimetype, m.Filename)) + "_thumb.jpg"
	if err := l.storage.Put(ctx, thumbKey, "image/jpeg", thumb); err != nil {
		log.Warn().Err(err).Str("key", thumbKey).Msg("Failed to store thumbnail")
		return url, "", nil
	}
	return url, l.storage.URL(thumbKey), nil
}

// Thumbnail scales the image to fit a size x size box, keeping its aspect ratio, and
// encodes it as JPEG. Images already smaller than the box keep their size.
func Thumbnail(data []byte, size uint) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	small := resize.Thumbnail(size, size, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
