// Package portal implements the HTTP client for the upstream document
// portal: multipart uploads, document-list fetches, and per-request SSE
// event streams.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	defaultBaseURL = "http://localhost:8000"

	uploadPath    = "/api/v1/parsing/upload-and-parse/"
	documentsPath = "/api/v1/documents"
	eventsPath    = "/api/v1/events/request/"
)

// DocStatus is the portal's server-side document status.
type DocStatus string

const (
	DocStatusParsing   DocStatus = "PARSING"
	DocStatusEmbedding DocStatus = "EMBEDDING"
	DocStatusCompleted DocStatus = "COMPLETED"
	DocStatusFailed    DocStatus = "FAILED"
)

// Active reports whether the portal is still processing the document.
func (s DocStatus) Active() bool {
	return s == DocStatusParsing || s == DocStatusEmbedding
}

// Document is a portal document record.
type Document struct {
	ID               int       `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	Status           DocStatus `json:"status"`
	DepartmentID     int       `json:"dept_id"`
	ProjectID        int       `json:"project_id"`
	UploadedBy       int       `json:"uploaded_by,omitempty"`
	Category         string    `json:"category,omitempty"`
	CreatedAt        string    `json:"created_at,omitempty"`
}

// Config holds configuration for the portal client.
type Config struct {
	BaseURL    string
	Token      string // bearer token for authenticated endpoints
	HTTPClient *http.Client
}

// Client talks to the document portal's REST and SSE endpoints.
type Client struct {
	config Config
}

// NewClient creates a portal client with the given config.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		// No overall timeout: uploads and SSE streams are long-lived.
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{config: cfg}
}

// UploadRequest describes one multipart upload.
type UploadRequest struct {
	Path         string // local file path; the base name becomes the filename field
	DepartmentID int
	ProjectID    int
	UserID       int
	Category     string
}

// apiError is the portal's error envelope.
type apiError struct {
	Detail string `json:"detail"`
}

// Upload performs a multipart upload and blocks until the portal responds
// with the created document record. onProgress, when non-nil, receives the
// transfer percentage (0-100) as request bytes are written.
func (c *Client) Upload(ctx context.Context, ur UploadRequest, onProgress func(float64)) (*Document, error) {
	f, err := os.Open(ur.Path)
	if err != nil {
		return nil, fmt.Errorf("portal: open upload file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(ur.Path))
	if err != nil {
		return nil, fmt.Errorf("portal: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("portal: read upload file: %w", err)
	}
	fields := map[string]string{
		"dept_id":    strconv.Itoa(ur.DepartmentID),
		"project_id": strconv.Itoa(ur.ProjectID),
		"user_id":    strconv.Itoa(ur.UserID),
	}
	if ur.Category != "" {
		fields["category"] = ur.Category
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("portal: write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("portal: finalize multipart body: %w", err)
	}

	pr := &progressReader{r: &body, total: int64(body.Len()), fn: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+uploadPath, pr)
	if err != nil {
		return nil, fmt.Errorf("portal: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.ContentLength = pr.total
	c.setAuth(req)

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal: upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("portal: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Detail != "" {
			return nil, fmt.Errorf("portal: upload rejected: %s", apiErr.Detail)
		}
		return nil, fmt.Errorf("portal: upload failed (status %d): %s", resp.StatusCode, string(data))
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("portal: unmarshal document: %w", err)
	}
	return &doc, nil
}

// FetchDocuments returns the document list for a department/project context.
func (c *Client) FetchDocuments(ctx context.Context, deptID, projectID int) ([]Document, error) {
	url := fmt.Sprintf("%s%s?dept_id=%d&project_id=%d", c.config.BaseURL, documentsPath, deptID, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("portal: create request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal: fetch documents: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("portal: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal: fetch documents (status %d): %s", resp.StatusCode, string(data))
	}

	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("portal: unmarshal documents: %w", err)
	}
	return docs, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
}

// progressReader reports transfer percentage as the request body is consumed.
type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	fn    func(float64)
	last  time.Time
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.sent += int64(n)
	if p.fn != nil && p.total > 0 && n > 0 {
		// Rate-limit callbacks; always report the final byte.
		if p.sent == p.total || time.Since(p.last) >= 50*time.Millisecond {
			p.last = time.Now()
			p.fn(float64(p.sent) / float64(p.total) * 100)
		}
	}
	return n, err
}
