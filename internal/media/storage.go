package media

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Storage keeps attachment bytes under a key and knows the public URL of each key.
type Storage interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	URL(key string) string
}

// folder groups media by kind the same way for every backend.
func folder(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "images"
	case strings.HasPrefix(mimeType, "video/"):
		return "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	}
	return "documents"
}

func extension(mimeType, filename string) string {
	if ext := path.Ext(filename); ext != "" && len(ext) <= 6 {
		return strings.ToLower(ext)
	}
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "mpeg"):
		return ".mp3"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "docx"), strings.Contains(mimeType, "wordprocessingml"):
		return ".docx"
	case strings.Contains(mimeType, "msword"):
		return ".doc"
	}
	return ".bin"
}

// GenerateKey builds the object key of an attachment:
// tenants/<tenant>/<yyyy>/<mm>/<dd>/<kind>/<random><ext>.
func GenerateKey(tenantID int64, mimeType, filename string, now time.Time) string {
	return fmt.Sprintf("tenants/%d/%s/%s/%s%s",
		tenantID,
		now.Format("2006/01/02"),
		folder(mimeType),
		uuid.NewString(),
		extension(mimeType, filename),
	)
}
