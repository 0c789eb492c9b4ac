package remote

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
	"strings"
	"time"

	"sitesync/internal/domain"
)

// Client talks to the ingest API with a bearer token.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a client with sane defaults. Adjust HTTPClient.Timeout for
// slower links.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError wraps non-2xx responses. The server's error envelope is
// {"error": "..."}; anything unparsable falls back to the raw body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
}

// AssessmentResponse is the server's view of an uploaded record.
type AssessmentResponse struct {
	ID         string            `json:"id"`
	DeviceID   string            `json:"device_id"`
	Data       domain.Assessment `json:"data"`
	HasPhoto   bool              `json:"has_photo"`
	ReceivedAt string            `json:"received_at"`
}

// Upload submits one queued record as a multipart request: a "payload" JSON
// part plus an optional "photo" part read from the record's local path. The
// record id rides along as the idempotency key, so replaying an ambiguous
// failure cannot create a duplicate server-side.
func (c *Client) Upload(ctx context.Context, rec domain.QueueRecord) (AssessmentResponse, error) {
	var out AssessmentResponse

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return out, err
	}
	part, err := mw.CreateFormField("payload")
	if err != nil {
		return out, err
	}
	if _, err := part.Write(payload); err != nil {
		return out, err
	}
	if rec.PhotoPath != "" {
		photo, err := os.ReadFile(rec.PhotoPath)
		if err != nil {
			return out, fmt.Errorf("read photo %s: %w", rec.PhotoPath, err)
		}
		fw, err := mw.CreateFormFile("photo", filepath.Base(rec.PhotoPath))
		if err != nil {
			return out, err
		}
		if _, err := fw.Write(photo); err != nil {
			return out, err
		}
	}
	if err := mw.Close(); err != nil {
		return out, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/v1/assessments", &buf)
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Idempotency-Key", rec.ID)
	err = c.send(req, &out)
	return out, err
}

// Get fetches a stored assessment by id.
func (c *Client) Get(ctx context.Context, id string) (AssessmentResponse, error) {
	var out AssessmentResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/v1/assessments/"+url.PathEscape(id), nil)
	if err != nil {
		return out, err
	}
	err = c.send(req, &out)
	return out, err
}

// Health probes the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/v1/health", nil)
	if err != nil {
		return err
	}
	return c.send(req, nil)
}

func (c *Client) send(req *http.Request, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func errorMessage(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(body))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
