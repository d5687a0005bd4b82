package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store materializes provider output into storage owned by this system.
type Store interface {
	Download(ctx context.Context, url string) (data []byte, contentType string, err error)
	Upload(ctx context.Context, data []byte, contentType string) (storageID string, err error)
	StorageIDFor(existingKey string) string
}

// DiskStore keeps artifacts as content-addressed files under a base
// directory. IDs are sha256(content) plus the extension derived from the
// content type, so re-uploading identical bytes is naturally idempotent.
type DiskStore struct {
	dir        string
	httpClient *http.Client
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir %q: %w", dir, err)
	}
	return &DiskStore{
		dir:        dir,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

var _ Store = (*DiskStore)(nil)

func (s *DiskStore) Download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (s *DiskStore) Upload(_ context.Context, data []byte, contentType string) (string, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:]) + extensionFor(contentType)
	path := filepath.Join(s.dir, id)

	if _, err := os.Stat(path); err == nil {
		return id, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return id, nil
}

func (s *DiskStore) StorageIDFor(existingKey string) string {
	return filepath.Base(existingKey)
}

func extensionFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(contentType, "video/webm"):
		return ".webm"
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	default:
		return ".bin"
	}
}
