package middleware

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"

	"invoice-export/internal/config"
	"invoice-export/internal/tokens"
)

func TestRegister_AddsHealthAndRequestID(t *testing.T) {
	app := fiber.New()
	Register(app, config.Config{})
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	healthReq, _ := http.NewRequest(http.MethodGet, "/ops/health", nil)
	healthResp, err := app.Test(healthReq)
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	if healthResp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected health endpoint 200, got %d", healthResp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, "/ping", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("ping request failed: %v", err)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id to be present")
	}
}

func authApp(cache *tokens.Cache) *fiber.App {
	app := fiber.New()
	app.Use(APIKeyAuth(cache, tokens.ScopeRender))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("key=" + APIKey(c))
	})
	return app
}

func TestAPIKeyAuth(t *testing.T) {
	cache := tokens.NewCache()
	cache.Replace(map[string]tokens.Entry{
		"good":     {RateLimit: 10, Scope: tokens.Scope{tokens.ScopeRender: true}},
		"billing":  {RateLimit: 10, Scope: tokens.Scope{"billing": true}},
		"unscoped": {RateLimit: 10},
	})
	app := authApp(cache)

	tests := []struct {
		name string
		key  string
		code int
	}{
		{"anonymous passes", "", fiber.StatusOK},
		{"known key", "good", fiber.StatusOK},
		{"unknown key", "bad", fiber.StatusUnauthorized},
		{"other scope", "billing", fiber.StatusForbidden},
		{"no scope", "unscoped", fiber.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, "/", nil)
			if tc.key != "" {
				req.Header.Set("X-API-Key", tc.key)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			if resp.StatusCode != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, resp.StatusCode)
			}
		})
	}
}

func TestAPIKeyAuth_StoreNotReady(t *testing.T) {
	app := authApp(tokens.NewCache())

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "any")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 while tokens load, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["details"] != "token store not ready" {
		t.Fatalf("unexpected body %v", body)
	}
}
