package tokens_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"invoice-export/internal/config"
	"invoice-export/internal/domain"
	"invoice-export/internal/http/server"
	"invoice-export/internal/infra/ratelimit"
	"invoice-export/internal/render"
	"invoice-export/internal/tokens"
)

// switchRepo serves whatever table or error was set last.
type switchRepo struct {
	mu    sync.Mutex
	table map[string]tokens.Entry
	err   error
	calls atomic.Int32
}

func (r *switchRepo) set(table map[string]tokens.Entry, err error) {
	r.mu.Lock()
	r.table, r.err = table, err
	r.mu.Unlock()
}

func (r *switchRepo) LoadTokens(ctx context.Context) (map[string]tokens.Entry, error) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]tokens.Entry, len(r.table))
	for k, v := range r.table {
		out[k] = v
	}
	return out, nil
}

type pdfRenderer struct{ calls atomic.Int32 }

func (r *pdfRenderer) RenderPDF(ctx context.Context, html string, opts render.PDFOptions) (domain.RenderResult, error) {
	r.calls.Add(1)
	return domain.NewRenderResult(domain.KindPDF, []byte("%PDF-1.7 invoice")), nil
}

func (r *pdfRenderer) RenderImage(ctx context.Context, html string, opts render.ImageOptions) (domain.RenderResult, error) {
	r.calls.Add(1)
	return domain.NewRenderResult(domain.KindPNG, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}), nil
}

func renderApp(cache *tokens.Cache, r *pdfRenderer) *fiber.App {
	var cfg config.Config
	cfg.Render.DefaultPaper = "A4"
	cfg.Render.PaperSizes = map[string]config.PaperSize{"A4": {Width: 8.27, Height: 11.69}}
	cfg.Render.MaxConcurrent = 1
	cfg.Limits.MaxHTMLBytes = 1024
	cfg.RateLimiter.Interval = time.Hour
	return server.New(server.Deps{
		Config:       cfg,
		Renderer:     r,
		Tokens:       cache,
		LimiterStore: ratelimit.NewMemoryStore(),
	})
}

// postPDF sends a small invoice to /pdf and returns the status and, for
// errors, the decoded JSON body.
func postPDF(t *testing.T, app *fiber.App, key string) (int, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, "/pdf", strings.NewReader(`{"html":"<div id=\"invoice\">Invoice 42</div>"}`))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return resp.StatusCode, nil
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("error response is not JSON: %v", err)
	}
	return resp.StatusCode, body
}

func assertErrorBody(t *testing.T, body map[string]any, code int, msg, details string) {
	t.Helper()
	if body["error"] != msg || body["details"] != details || body["code"] != float64(code) {
		t.Fatalf("expected {error:%q details:%q code:%d}, got %v", msg, details, code, body)
	}
}

func TestReloader_FirstLoadOpensPDFToRenderScopedKeys(t *testing.T) {
	repo := &switchRepo{}
	repo.set(map[string]tokens.Entry{
		"render-key":  {RateLimit: 5, Scope: tokens.Scope{tokens.ScopeRender: true}},
		"billing-key": {RateLimit: 5, Scope: tokens.Scope{"billing": true}},
	}, nil)
	cache := tokens.NewCache()
	r := &pdfRenderer{}
	app := renderApp(cache, r)

	status, body := postPDF(t, app, "render-key")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the first load, got %d", status)
	}
	assertErrorBody(t, body, http.StatusServiceUnavailable, "Unauthorized", "token store not ready")
	if status, _ := postPDF(t, app, ""); status != http.StatusOK {
		t.Fatalf("anonymous callers do not wait for the token table, got %d", status)
	}

	if err := tokens.NewReloader(repo, cache, time.Hour).LoadOnce(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	if status, _ := postPDF(t, app, "render-key"); status != http.StatusOK {
		t.Fatalf("expected render-scoped key to pass, got %d", status)
	}
	status, body = postPDF(t, app, "billing-key")
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for a key without render scope, got %d", status)
	}
	assertErrorBody(t, body, http.StatusForbidden, "Forbidden", domain.ErrScopeDenied.Error())
	status, body = postPDF(t, app, "stolen-key")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an unknown key, got %d", status)
	}
	assertErrorBody(t, body, http.StatusUnauthorized, "Unauthorized", "invalid api key")

	if got := r.calls.Load(); got != 2 {
		t.Fatalf("only admitted requests may render, got %d renders", got)
	}
}

func TestReloader_FailedLoadKeepsServingKnownKeys(t *testing.T) {
	repo := &switchRepo{}
	repo.set(map[string]tokens.Entry{"render-key": {RateLimit: 5, Scope: tokens.Scope{tokens.ScopeRender: true}}}, nil)
	cache := tokens.NewCache()
	reloader := tokens.NewReloader(repo, cache, time.Hour)
	if err := reloader.LoadOnce(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	app := renderApp(cache, &pdfRenderer{})

	repo.set(nil, errors.New("control plane unreachable"))
	if err := reloader.LoadOnce(context.Background()); err == nil {
		t.Fatalf("expected the failed load to be reported")
	}
	if status, _ := postPDF(t, app, "render-key"); status != http.StatusOK {
		t.Fatalf("a database outage must not lock out known keys, got %d", status)
	}
}

func TestReloader_StartAppliesRevocationAndScopeChanges(t *testing.T) {
	repo := &switchRepo{}
	repo.set(map[string]tokens.Entry{
		"revoked": {RateLimit: 5, Scope: tokens.Scope{tokens.ScopeRender: true}},
		"granted": {RateLimit: 5},
	}, nil)
	cache := tokens.NewCache()
	reloader := tokens.NewReloader(repo, cache, 20*time.Millisecond)
	if err := reloader.LoadOnce(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	app := renderApp(cache, &pdfRenderer{})
	if status, _ := postPDF(t, app, "granted"); status != http.StatusForbidden {
		t.Fatalf("expected 403 before the grant, got %d", status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloader.Start(ctx)
	repo.set(map[string]tokens.Entry{
		"granted": {RateLimit: 5, Scope: tokens.Scope{tokens.ScopeRender: true}},
	}, nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		revoked, _ := postPDF(t, app, "revoked")
		granted, _ := postPDF(t, app, "granted")
		if revoked == http.StatusUnauthorized && granted == http.StatusOK {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reloader did not apply the new token table (repo calls: %d)", repo.calls.Load())
}
