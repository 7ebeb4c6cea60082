// Package backend is the HTTP client for the pill-count REST backend.
package backend

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
	"strconv"
	"strings"
	"time"

	"github.com/emilyakhya/MMS/internal/types"
)

// TokenSource supplies the bearer token and forgets it on a 401.
// Implemented by store.TokenStore.
type TokenSource interface {
	Token(ctx context.Context) string
	Clear(ctx context.Context) error
}

// Client talks to the backend. A nil TokenSource sends no Authorization
// header.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets a per-request timeout. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.http
		hc.Timeout = d
		c.http = &hc
	}
}

// New creates a client for baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		tokens:  tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login exchanges credentials for a user and token.
func (c *Client) Login(ctx context.Context, creds types.Credentials) (*types.User, error) {
	var user types.User
	if err := c.doJSON(ctx, http.MethodPost, "/login", creds, nil, &user); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &user, nil
}

// Scan resolves a supplement barcode to its patient.
func (c *Client) Scan(ctx context.Context, barcode string) (*types.ScanResult, error) {
	body, contentType, err := multipartBody(func(w *multipart.Writer) error {
		return w.WriteField("barcode_id", barcode)
	})
	if err != nil {
		return nil, err
	}

	var result types.ScanResult
	if err := c.do(ctx, http.MethodPost, "/scan", body, contentType, nil, &result); err != nil {
		return nil, fmt.Errorf("scan barcode: %w", err)
	}
	return &result, nil
}

// Upload sends a bottle photo for an AI pill count estimate.
func (c *Client) Upload(ctx context.Context, filename, contentType string, image []byte) (*types.PillCountResult, error) {
	body, formType, err := multipartBody(func(w *multipart.Writer) error {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return err
		}
		_, err = part.Write(image)
		return err
	})
	if err != nil {
		return nil, err
	}

	var result types.PillCountResult
	if err := c.do(ctx, http.MethodPost, "/upload", body, formType, nil, &result); err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	return &result, nil
}

// Submit creates a record. A non-empty idempotencyKey is sent as the
// Idempotency-Key header.
func (c *Client) Submit(ctx context.Context, rec types.RecordCreate, idempotencyKey string) (*types.Record, error) {
	var header http.Header
	if idempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}

	var record types.Record
	if err := c.doJSON(ctx, http.MethodPost, "/submit", rec, header, &record); err != nil {
		return nil, fmt.Errorf("submit record: %w", err)
	}
	return &record, nil
}

// RecordFilter narrows GET /records. Zero values are omitted.
type RecordFilter struct {
	PatientID    int64
	SupplementID int64
	StartDate    string
	EndDate      string
}

func (f RecordFilter) query() url.Values {
	q := url.Values{}
	if f.PatientID != 0 {
		q.Set("patient_id", strconv.FormatInt(f.PatientID, 10))
	}
	if f.SupplementID != 0 {
		q.Set("supplement_id", strconv.FormatInt(f.SupplementID, 10))
	}
	if f.StartDate != "" {
		q.Set("start_date", f.StartDate)
	}
	if f.EndDate != "" {
		q.Set("end_date", f.EndDate)
	}
	return q
}

// Records lists server-side records, newest first.
func (c *Client) Records(ctx context.Context, filter RecordFilter) ([]types.Record, error) {
	path := "/records"
	if q := filter.query(); len(q) > 0 {
		path += "?" + q.Encode()
	}

	records := []types.Record{}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &records); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// Patients lists every patient.
func (c *Client) Patients(ctx context.Context) ([]types.Patient, error) {
	patients := []types.Patient{}
	if err := c.doJSON(ctx, http.MethodGet, "/patients", nil, nil, &patients); err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return patients, nil
}

// ExportCSV returns the backend CSV export.
func (c *Client) ExportCSV(ctx context.Context) (string, error) {
	var export types.CSVExport
	if err := c.doJSON(ctx, http.MethodGet, "/export/csv", nil, nil, &export); err != nil {
		return "", fmt.Errorf("export csv: %w", err)
	}
	return export.CSVContent, nil
}

// Health checks backend liveness.
func (c *Client) Health(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, nil, nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// Replay sends a raw JSON request, used for deferred actions queued while
// offline. body may be empty.
func (c *Client) Replay(ctx context.Context, method, path string, body json.RawMessage) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var reader io.Reader
	contentType := ""
	if len(body) > 0 && string(body) != "null" {
		reader = bytes.NewReader(body)
		contentType = "application/json"
	}
	if err := c.do(ctx, strings.ToUpper(method), path, reader, contentType, nil, nil); err != nil {
		return fmt.Errorf("replay %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, header http.Header, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, header, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token := c.tokens.Token(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Detail: parseDetail(data)}
		if resp.StatusCode == http.StatusUnauthorized {
			c.clearSession(ctx)
		}
		return statusErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) clearSession(ctx context.Context) {
	if c.tokens == nil {
		return
	}
	if err := c.tokens.Clear(ctx); err != nil {
		slog.Warn("failed to clear session after 401",
			"component", "backend",
			"error", err,
		)
		return
	}
	slog.Info("session cleared after 401", "component", "backend")
}

func multipartBody(write func(w *multipart.Writer) error) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := write(w); err != nil {
		return nil, "", fmt.Errorf("build form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("build form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
