// Package renderclient calls the render service over HTTP.
package renderclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"resty.dev/v3"

	"invoice-export/internal/domain"
	"invoice-export/internal/http/handlers"
	"invoice-export/internal/infra/logging"
)

// DefaultMaxHTMLBytes matches the service's documented payload cap.
const DefaultMaxHTMLBytes = 10 << 20

// Options configure a Client.
type Options struct {
	BaseURL string
	// APIKey is sent as X-API-Key when set.
	APIKey       string
	Timeout      time.Duration
	MaxHTMLBytes int
}

// Error is a non-2xx answer of the render service.
type Error struct {
	Status  int
	Message string
	Details string
	err     error
}

func (e *Error) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("render service: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("render service: %d %s: %s", e.Status, e.Message, e.Details)
}

// Unwrap maps well-known statuses onto the domain errors.
func (e *Error) Unwrap() error { return e.err }

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
	Code    int    `json:"code"`
}

// Client posts standalone documents to /pdf and /image.
type Client struct {
	rc      *resty.Client
	maxHTML int
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.MaxHTMLBytes <= 0 {
		opts.MaxHTMLBytes = DefaultMaxHTMLBytes
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "invoice-export")
	if opts.APIKey != "" {
		rc.SetHeader("X-API-Key", opts.APIKey)
	}
	return &Client{rc: rc, maxHTML: opts.MaxHTMLBytes}
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.rc.Close()
}

// Render sends job to the endpoint matching its kind. Oversized documents
// are refused locally without a request.
func (c *Client) Render(ctx context.Context, job domain.RenderJob) (domain.RenderResult, error) {
	if len(job.HTML) > c.maxHTML {
		return domain.RenderResult{}, fmt.Errorf("%w: %d bytes", domain.ErrPayloadTooLarge, len(job.HTML))
	}

	path, body := "/pdf", requestFor(job)
	if job.Kind.IsImage() {
		path = "/image"
	}

	var apiErr errorBody
	start := time.Now()
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return domain.RenderResult{}, fmt.Errorf("render service request failed: %w", err)
	}

	if resp.IsError() {
		e := &Error{Status: resp.StatusCode(), Message: apiErr.Error, Details: apiErr.Details, err: sentinel(resp.StatusCode())}
		if e.Message == "" {
			e.Message = http.StatusText(e.Status)
		}
		logging.Warn("Render service returned an error", "status", e.Status, "details", e.Details)
		return domain.RenderResult{}, e
	}

	b := resp.Bytes()
	if !domain.HasSignature(job.Kind, b) {
		return domain.RenderResult{}, fmt.Errorf("render service returned %q without %s data", resp.Header().Get("Content-Type"), job.Kind)
	}
	logging.Debug("Render service answered",
		"kind", job.Kind,
		"bytes", len(b),
		"took_ms", time.Since(start).Milliseconds(),
	)
	return domain.NewRenderResult(job.Kind, b), nil
}

func requestFor(job domain.RenderJob) handlers.RenderRequest {
	margins := job.Margins
	opts := handlers.RenderOptions{
		PageFormat: job.PageFormat.Name,
		Landscape:  job.PageFormat.Width > job.PageFormat.Height,
		Margins:    &margins,
	}
	if job.Kind.IsImage() {
		opts.Encoding = string(job.Kind)
		full := job.FullPage
		opts.FullPage = &full
		if job.Kind == domain.KindJPEG && job.Quality > 0 {
			q := job.Quality
			opts.Quality = &q
		}
	}
	return handlers.RenderRequest{HTML: job.HTML, Options: opts}
}

func sentinel(status int) error {
	switch status {
	case http.StatusGatewayTimeout:
		return domain.ErrRenderTimeout
	case http.StatusServiceUnavailable:
		return domain.ErrBusy
	case http.StatusRequestEntityTooLarge:
		return domain.ErrPayloadTooLarge
	case http.StatusUnauthorized:
		return domain.ErrInvalidAPIKey
	}
	return errors.New(strings.ToLower(http.StatusText(status)))
}
