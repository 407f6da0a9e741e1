// Package client talks to the external document-processing service over
// HTTP/1.1: collection management, server-side document listing, multipart
// upload, and asynchronous task polling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config configures the client.
type Config struct {
	// BaseURL of the document service, e.g. "http://localhost:8082".
	BaseURL string
	// ProxyURL routes all requests through an HTTP proxy when set.
	ProxyURL string
	// RequestTimeout bounds the upload request. Default: 5m.
	RequestTimeout time.Duration
	// PollTimeout caps the total wait for one task. Default: 1h.
	PollTimeout time.Duration
	// PollInterval between status requests. Default: 5s.
	PollInterval time.Duration
	// FilesFieldName is the multipart field carrying file parts. The
	// normalized dialect is "documents"; some servers require "files".
	FilesFieldName string
}

func (c *Config) defaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Minute
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.FilesFieldName == "" {
		c.FilesFieldName = "documents"
	}
}

// StatusError is a non-2xx HTTP response, carrying the decoded body.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed [%d]: %s", e.Op, e.Code, e.Body)
}

// TaskError is a task the server reported FAILED or lost (UNKNOWN).
type TaskError struct {
	TaskID string
	State  string
	Detail string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s %s: %s", e.TaskID, strings.ToLower(e.State), e.Detail)
}

// Client is safe for use by a single ingestion run; it holds no state
// beyond the HTTP transport.
type Client struct {
	http   *http.Client
	config Config
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("client: proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &Client{
		http:   &http.Client{Transport: transport},
		config: cfg,
		logger: logger,
	}, nil
}

// CreateCollection creates a collection on the server. A 4xx/5xx response
// is returned as a StatusError; treating "already exists" as benign is the
// caller's policy call.
func (c *Client) CreateCollection(ctx context.Context, name string, embeddingDim int, metadataSchema []map[string]any) error {
	if metadataSchema == nil {
		metadataSchema = []map[string]any{}
	}
	payload := map[string]any{
		"collection_name":     name,
		"embedding_dimension": embeddingDim,
		"metadata_schema":     metadataSchema,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("create collection: encode: %w", err)
	}

	_, err = c.do(ctx, http.MethodPost, "/v1/collection", nil, bytes.NewReader(body),
		"application/json", "create collection", 60*time.Second)
	if err != nil {
		return err
	}
	c.logger.Info("collection_created", "collection", name)
	return nil
}

// DeleteCollections deletes the named collections.
func (c *Client) DeleteCollections(ctx context.Context, names []string) error {
	body, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("delete collections: encode: %w", err)
	}
	_, err = c.do(ctx, http.MethodDelete, "/v1/collections", nil, bytes.NewReader(body),
		"application/json", "delete collections", 60*time.Second)
	if err != nil {
		return err
	}
	c.logger.Info("collections_deleted", "collections", names)
	return nil
}

// ListDocuments returns the set of document filenames the server already
// holds for the collection, keyed for the uploader's dedup pre-filter.
func (c *Client) ListDocuments(ctx context.Context, collection string) (map[string]struct{}, error) {
	query := url.Values{"collection_name": {collection}}
	data, err := c.do(ctx, http.MethodGet, "/v1/documents", query, nil,
		"", "list documents", 60*time.Second)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Documents []struct {
			Metadata struct {
				Filename string `json:"filename"`
			} `json:"metadata"`
			DocumentName string `json:"document_name"`
		} `json:"documents"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("list documents: decode: %w", err)
	}

	names := make(map[string]struct{}, len(parsed.Documents))
	for _, d := range parsed.Documents {
		name := d.Metadata.Filename
		if name == "" {
			name = d.DocumentName
		}
		if name != "" {
			names[name] = struct{}{}
		}
	}
	return names, nil
}

// UploadPayload is the JSON "data" part accompanying the file parts.
type UploadPayload struct {
	CollectionName  string           `json:"collection_name"`
	Blocking        bool             `json:"blocking"`
	SplitOptions    SplitOptions     `json:"split_options"`
	CustomMetadata  []map[string]any `json:"custom_metadata"`
	GenerateSummary bool             `json:"generate_summary"`
}

// SplitOptions controls server-side chunking.
type SplitOptions struct {
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`
}

// UploadResponse is the decoded upload reply. TaskID is empty when the
// server processed synchronously.
type UploadResponse struct {
	TaskID string
	Raw    map[string]any
}

// UploadDocuments posts the files and payload as one multipart request.
// Every file handle opened here is closed before return, success or not.
func (c *Client) UploadDocuments(ctx context.Context, files []string, payload UploadPayload) (*UploadResponse, error) {
	if payload.CustomMetadata == nil {
		payload.CustomMetadata = []map[string]any{}
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := c.writeMultipart(writer, files, payload); err != nil {
		return nil, err
	}

	c.logger.Debug("uploading_documents", "count", len(files))
	data, err := c.do(ctx, http.MethodPost, "/v1/documents", nil, &body,
		writer.FormDataContentType(), "upload", c.config.RequestTimeout)
	if err != nil {
		return nil, err
	}

	resp := &UploadResponse{Raw: map[string]any{}}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp.Raw); err != nil {
			return nil, fmt.Errorf("upload: decode response: %w", err)
		}
	}
	for _, key := range []string{"task_id", "task", "id"} {
		if v, ok := resp.Raw[key].(string); ok && v != "" {
			resp.TaskID = v
			break
		}
	}
	return resp, nil
}

func (c *Client) writeMultipart(writer *multipart.Writer, files []string, payload UploadPayload) error {
	opened := make([]*os.File, 0, len(files))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("upload: open %s: %w", path, err)
		}
		opened = append(opened, f)

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`,
			c.config.FilesFieldName, filepath.Base(path)))
		header.Set("Content-Type", guessContentType(path))
		part, err := writer.CreatePart(header)
		if err != nil {
			return fmt.Errorf("upload: create part: %w", err)
		}
		if _, err := io.Copy(part, f); err != nil {
			return fmt.Errorf("upload: read %s: %w", path, err)
		}
	}

	dataHeader := make(textproto.MIMEHeader)
	dataHeader.Set("Content-Disposition", `form-data; name="data"`)
	dataHeader.Set("Content-Type", "application/json")
	part, err := writer.CreatePart(dataHeader)
	if err != nil {
		return fmt.Errorf("upload: create data part: %w", err)
	}
	if err := json.NewEncoder(part).Encode(payload); err != nil {
		return fmt.Errorf("upload: encode payload: %w", err)
	}
	return writer.Close()
}

// PollTask blocks until the task reaches a terminal state. FINISHED
// returns the response body (including any failed_documents list); FAILED
// and UNKNOWN become TaskErrors. Transient polling errors are retried up
// to ten times; the total wait is capped by PollTimeout.
func (c *Client) PollTask(ctx context.Context, taskID string) (map[string]any, error) {
	c.logger.Info("polling_task", "task_id", taskID)
	start := time.Now()
	retries := 0

	query := url.Values{"task_id": {taskID}}
	for {
		data, err := c.do(ctx, http.MethodGet, "/v1/status", query, nil,
			"", "poll status", 60*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			retries++
			c.logger.Warn("poll_retry", "task_id", taskID, "retry", retries, "error", err)
			if retries > 10 {
				return nil, fmt.Errorf("status polling retries exceeded: %w", err)
			}
			if err := c.sleepPoll(ctx); err != nil {
				return nil, err
			}
			continue
		}

		status := map[string]any{}
		if err := json.Unmarshal(data, &status); err != nil {
			status = map[string]any{"state": "UNKNOWN", "raw": string(data)}
		}
		state, _ := status["state"].(string)

		switch state {
		case "FINISHED":
			c.logger.Info("task_finished", "task_id", taskID,
				"elapsed", time.Since(start).Round(time.Second).String())
			if failed := failedDocuments(status); len(failed) > 0 {
				c.logger.Error("task_failed_documents",
					"task_id", taskID, "count", len(failed), "documents", failed)
			}
			return status, nil
		case "FAILED", "UNKNOWN":
			detail, _ := json.Marshal(status)
			return nil, &TaskError{TaskID: taskID, State: state, Detail: string(detail)}
		}

		if time.Since(start) > c.config.PollTimeout {
			return nil, fmt.Errorf("status polling timed out after %s", c.config.PollTimeout)
		}
		if err := c.sleepPoll(ctx); err != nil {
			return nil, err
		}
	}
}

func (c *Client) sleepPoll(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.config.PollInterval):
		return nil
	}
}

func failedDocuments(status map[string]any) []any {
	result, ok := status["result"].(map[string]any)
	if !ok {
		return nil
	}
	failed, _ := result["failed_documents"].([]any)
	return failed
}

// do performs one request and returns the body, or a StatusError for a
// non-2xx response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType, op string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%s: new request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// guessContentType maps file extensions onto the MIME types the document
// service understands; everything else is an octet stream.
func guessContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".html":
		return "text/html"
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
