package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadFrom_DefaultsApplied(t *testing.T) {
	p := writeConfig(t, `server:
  host: "127.0.0.1"
render:
  default_paper: "letter"
  settle_timeout: 2s
`)
	cfg := LoadFrom(p)

	if cfg.Limits.MaxHTMLBytes != 10*1024*1024 {
		t.Fatalf("expected 10MB html cap, got %d", cfg.Limits.MaxHTMLBytes)
	}
	if cfg.Render.DefaultPaper != "LETTER" {
		t.Fatalf("expected default paper to be upper-cased, got %q", cfg.Render.DefaultPaper)
	}
	if cfg.Render.SettleTimeout != 2*time.Second {
		t.Fatalf("expected settle timeout from file, got %v", cfg.Render.SettleTimeout)
	}
	if cfg.Render.DPI != 96 || cfg.Render.PDFScaleFactor != 2 || cfg.Render.ImageScaleFactor != 3 {
		t.Fatalf("unexpected render defaults: %+v", cfg.Render)
	}
	if _, ok := cfg.Render.PaperSizes["A4"]; !ok {
		t.Fatalf("expected built-in A4 paper size")
	}
	if cfg.Server.CORSOrigins != "*" {
		t.Fatalf("expected permissive CORS by default, got %q", cfg.Server.CORSOrigins)
	}
	if cfg.Export.HiddenAttr != "data-export-hidden" {
		t.Fatalf("unexpected hidden attr %q", cfg.Export.HiddenAttr)
	}
}

func TestLoadFrom_CustomPaperSizeMergesWithBuiltins(t *testing.T) {
	p := writeConfig(t, `render:
  default_paper: receipt
  paper_sizes:
    receipt:
      width: 3.15
      height: 8
`)
	cfg := LoadFrom(p)
	if got := cfg.Render.PaperSizes["RECEIPT"]; got.Width != 3.15 {
		t.Fatalf("expected custom paper size, got %+v", got)
	}
	if _, ok := cfg.Render.PaperSizes["LEGAL"]; !ok {
		t.Fatalf("expected built-ins to remain")
	}
}

func TestLoadFrom_PanicsOnInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{name: "unknown default paper", yml: "render:\n  default_paper: B0\n"},
		{name: "negative user limit", yml: "rate_limiter:\n  user_limit: -1\n"},
		{name: "negative concurrency", yml: "render:\n  max_concurrent: -2\n"},
		{name: "zero paper width", yml: "render:\n  paper_sizes:\n    odd:\n      width: 0\n      height: 2\n"},
		{name: "broken yaml", yml: "render: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := writeConfig(t, tc.yml)
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			_ = LoadFrom(p)
		})
	}
}

func TestLoad_UsesConfigPathEnvAndChromeBin(t *testing.T) {
	p := writeConfig(t, "export:\n  free_limit: 7\n")
	t.Setenv("CONFIG_PATH", p)
	t.Setenv("CHROME_BIN", "/usr/bin/chromium")

	cfg := Load()
	if cfg.Export.FreeLimit != 7 {
		t.Fatalf("expected CONFIG_PATH to be used, got free_limit=%d", cfg.Export.FreeLimit)
	}
	if cfg.Render.ChromePath != "/usr/bin/chromium" {
		t.Fatalf("expected CHROME_BIN override, got %q", cfg.Render.ChromePath)
	}
}
