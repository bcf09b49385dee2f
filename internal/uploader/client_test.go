package uploader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"retrace/internal/config"
)

func newTestClient(serverURL string) *HTTPClient {
	cfg := config.Default()
	cfg.Server.BaseURL = serverURL
	cfg.Server.APIToken = "test-token"
	return NewHTTPClient(&cfg)
}

func TestUploadVideoChunkStreamsFromResumeOffset(t *testing.T) {
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "chunk.mp4")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	var (
		gotMeta   string
		gotResume string
		gotAuth   string
		gotFirst  byte
		gotLen    int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		// A small memory ceiling forces the file part to spill to disk,
		// exercising the streamed body end to end.
		if err := r.ParseMultipartForm(32 << 10); err != nil {
			t.Errorf("parse multipart: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotMeta = r.FormValue("metadata")
		gotResume = r.FormValue("resume_offset")
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file part: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			t.Errorf("read file part: %v", err)
		}
		if len(data) > 0 {
			gotFirst = data[0]
		}
		gotLen = len(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	ok, err := client.UploadVideoChunk(context.Background(), path, map[string]any{"checksum": "sha256:abc"}, 1024)
	if err != nil {
		t.Fatalf("UploadVideoChunk: %v", err)
	}
	if !ok {
		t.Fatal("upload not confirmed")
	}

	if gotAuth != "Bearer test-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if !strings.Contains(gotMeta, "sha256:abc") {
		t.Errorf("metadata field = %q", gotMeta)
	}
	if gotResume != "1024" {
		t.Errorf("resume_offset field = %q, want 1024", gotResume)
	}
	if gotLen != len(payload)-1024 {
		t.Errorf("received %d bytes, want %d after the resume offset", gotLen, len(payload)-1024)
	}
	if gotFirst != payload[1024] {
		t.Errorf("first received byte = %#x, want payload[1024] = %#x", gotFirst, payload[1024])
	}
}

func TestUploadScreenshotServerRejection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shot.webp")
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	ok, err := client.UploadScreenshot(context.Background(), path, nil)
	if err == nil {
		t.Fatal("expected error on server rejection")
	}
	if ok {
		t.Fatal("rejected upload reported confirmed")
	}
}
