package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUpload_ContentAddressed(t *testing.T) {
	s, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	id, err := s.Upload(context.Background(), []byte("frame data"), "video/mp4")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasSuffix(id, ".mp4") {
		t.Fatalf("expected .mp4 suffix, got %q", id)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, id))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "frame data" {
		t.Fatalf("stored bytes differ: %q", data)
	}
}

func TestUpload_Idempotent(t *testing.T) {
	s, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	first, err := s.Upload(context.Background(), []byte("same bytes"), "image/png")
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := s.Upload(context.Background(), []byte("same bytes"), "image/png")
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if first != second {
		t.Fatalf("identical content must map to one id: %q vs %q", first, second)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one stored file, got %d", len(entries))
	}
}

func TestUpload_UnknownContentType(t *testing.T) {
	s, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	id, err := s.Upload(context.Background(), []byte("??"), "application/octet-stream")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasSuffix(id, ".bin") {
		t.Fatalf("expected .bin fallback, got %q", id)
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4 bytes"))
	}))
	defer srv.Close()

	s, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	data, contentType, err := s.Download(context.Background(), srv.URL+"/out.mp4")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "mp4 bytes" {
		t.Fatalf("wrong bytes: %q", data)
	}
	if contentType != "video/mp4" {
		t.Fatalf("wrong content type: %q", contentType)
	}
}

func TestDownload_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if _, _, err := s.Download(context.Background(), srv.URL+"/gone.mp4"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}
