package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage writes attachments under a directory served at BaseURL.
type LocalStorage struct {
	dir     string
	baseURL string
}

func NewLocalStorage(dir, baseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create media directory: %w", err)
	}
	return &LocalStorage{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir is the root directory, for serving the files.
func (l *LocalStorage) Dir() string {
	return l.dir
}

func (l *LocalStorage) Put(_ context.Context, key, _ string, data []byte) error {
	full := filepath.Join(l.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(full, filepath.Clean(l.dir)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid media key %q", key)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("could not create media directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("could not write media file: %w", err)
	}
	return nil
}

func (l *LocalStorage) URL(key string) string {
	return l.baseURL + "/" + key
}
