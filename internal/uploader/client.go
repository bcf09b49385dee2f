package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"retrace/internal/config"
)

// UploadStatus is the server's view of a previously attempted chunk,
// queried by checksum to resume a partial video upload.
type UploadStatus struct {
	Exists        bool  `json:"exists"`
	BytesReceived int64 `json:"bytes_received"`
}

// Toggles are the runtime switches the server returns with each heartbeat.
type Toggles struct {
	RecordingEnabled bool `json:"recording_enabled"`
	UploadEnabled    bool `json:"upload_enabled"`
}

// HeartbeatPayload is the client health snapshot pushed to the server.
type HeartbeatPayload struct {
	CaptureMode           string    `json:"capture_mode"`
	LastErrorCode         string    `json:"last_error_code,omitempty"`
	LastErrorAt           time.Time `json:"last_error_at,omitzero"`
	Monitors              []string  `json:"monitors,omitempty"`
	BufferDepth           int       `json:"buffer_depth"`
	RestartBudgetExceeded bool      `json:"restart_budget_exceeded"`
	AudioDevices          int       `json:"audio_devices"`
}

// Client is the upload collaborator consumed by the consumer and the
// heartbeat loop.
type Client interface {
	UploadScreenshot(ctx context.Context, path string, metadata map[string]any) (bool, error)
	UploadVideoChunk(ctx context.Context, path string, metadata map[string]any, resumeOffset int64) (bool, error)
	UploadAudioChunk(ctx context.Context, path string, metadata map[string]any) (bool, error)
	Status(ctx context.Context, checksum string) (UploadStatus, error)
	Heartbeat(ctx context.Context, payload HeartbeatPayload) (Toggles, error)
}

// HTTPClient talks to the retrace server over multipart HTTP.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient builds the production client from server configuration.
func NewHTTPClient(cfg *config.Config) *HTTPClient {
	timeout := time.Duration(cfg.Server.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.Server.BaseURL,
		token:   cfg.Server.APIToken,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) UploadScreenshot(ctx context.Context, path string, metadata map[string]any) (bool, error) {
	return c.uploadFile(ctx, "/api/upload/screenshot", path, metadata, 0)
}

func (c *HTTPClient) UploadVideoChunk(ctx context.Context, path string, metadata map[string]any, resumeOffset int64) (bool, error) {
	return c.uploadFile(ctx, "/api/upload/video", path, metadata, resumeOffset)
}

func (c *HTTPClient) UploadAudioChunk(ctx context.Context, path string, metadata map[string]any) (bool, error) {
	return c.uploadFile(ctx, "/api/upload/audio", path, metadata, 0)
}

// uploadFile streams the payload as one multipart request. The body is
// piped so a large chunk never sits in memory whole. A positive resume
// offset skips bytes the server already holds.
func (c *HTTPClient) uploadFile(ctx context.Context, endpoint, path string, metadata map[string]any, resumeOffset int64) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open payload: %w", err)
	}
	defer file.Close()

	if resumeOffset > 0 {
		if _, err := file.Seek(resumeOffset, io.SeekStart); err != nil {
			return false, fmt.Errorf("seek payload: %w", err)
		}
	}

	encodedMeta, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}

	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)
	go func() {
		pipeWriter.CloseWithError(writeMultipartBody(writer, encodedMeta, resumeOffset, file, filepath.Base(path)))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, pipeReader)
	if err != nil {
		pipeReader.Close()
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("upload request: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("upload rejected: %s", resp.Status)
	}
	return true, nil
}

func writeMultipartBody(writer *multipart.Writer, encodedMeta []byte, resumeOffset int64, payload io.Reader, filename string) error {
	if err := writer.WriteField("metadata", string(encodedMeta)); err != nil {
		return fmt.Errorf("write metadata field: %w", err)
	}
	if resumeOffset > 0 {
		if err := writer.WriteField("resume_offset", strconv.FormatInt(resumeOffset, 10)); err != nil {
			return fmt.Errorf("write resume field: %w", err)
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, payload); err != nil {
		return fmt.Errorf("copy payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish multipart body: %w", err)
	}
	return nil
}

func (c *HTTPClient) Status(ctx context.Context, checksum string) (UploadStatus, error) {
	endpoint := c.baseURL + "/api/upload/status?checksum=" + url.QueryEscape(checksum)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return UploadStatus{}, fmt.Errorf("build status request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return UploadStatus{}, fmt.Errorf("status request: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return UploadStatus{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return UploadStatus{}, fmt.Errorf("status rejected: %s", resp.Status)
	}

	var status UploadStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return UploadStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

func (c *HTTPClient) Heartbeat(ctx context.Context, payload HeartbeatPayload) (Toggles, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Toggles{}, fmt.Errorf("encode heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/heartbeat", bytes.NewReader(encoded))
	if err != nil {
		return Toggles{}, fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return Toggles{}, fmt.Errorf("heartbeat request: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Toggles{}, fmt.Errorf("heartbeat rejected: %s", resp.Status)
	}

	toggles := Toggles{RecordingEnabled: true, UploadEnabled: true}
	if err := json.NewDecoder(resp.Body).Decode(&toggles); err != nil {
		return Toggles{}, fmt.Errorf("decode heartbeat response: %w", err)
	}
	return toggles, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
