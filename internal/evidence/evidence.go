// Package evidence stores report evidence images in object storage.
package evidence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Image is one uploaded evidence file.
type Image struct {
	Data        []byte
	ContentType string
}

// Uploader stores an image under key and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, key string, img Image) (url string, err error)
}

// Key returns the object key for the index-th image of a report:
// evidence/report_<id>_<index>_<unix>.<ext>
func Key(reportID string, index int, at time.Time, contentType string) string {
	return fmt.Sprintf("evidence/report_%s_%d_%d.%s", reportID, index, at.Unix(), extension(contentType))
}

func extension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png":
		return "png"
	case "image/heic":
		return "heic"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}

// MemoryUploader keeps images in memory (demo mode and tests).
type MemoryUploader struct {
	BaseURL string
	// Fail, when set, makes Upload fail for keys it returns true for.
	Fail func(key string) bool

	mu      sync.Mutex
	objects map[string]Image
}

// NewMemoryUploader creates an in-memory uploader serving URLs under baseURL.
func NewMemoryUploader(baseURL string) *MemoryUploader {
	return &MemoryUploader{BaseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string]Image)}
}

func (m *MemoryUploader) Upload(_ context.Context, key string, img Image) (string, error) {
	if m.Fail != nil && m.Fail(key) {
		return "", fmt.Errorf("upload %s: storage unavailable", key)
	}
	m.mu.Lock()
	m.objects[key] = img
	m.mu.Unlock()
	return m.BaseURL + "/" + key, nil
}

// Keys returns the stored object keys.
func (m *MemoryUploader) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

var _ Uploader = (*MemoryUploader)(nil)
