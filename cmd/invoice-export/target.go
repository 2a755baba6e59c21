package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"invoice-export/internal/config"
	"invoice-export/internal/export"
	"invoice-export/internal/infra/chrome"
	"invoice-export/internal/infra/logging"
	"invoice-export/internal/snapshot"
)

// browserTarget opens the invoice page in a throwaway browser and reads the
// subtree under the selector with its computed styles.
type browserTarget struct {
	launcher *chrome.Launcher
	url      string
	file     string
	selector string
	viewport chrome.Viewport
	quiet    time.Duration
	grace    time.Duration
}

func newBrowserTarget(l *chrome.Launcher, cfg config.Config, o options) *browserTarget {
	w, h := int64(1280), int64(1600)
	if pf, err := pageFormat(cfg, o.Paper, o.Landscape); err == nil {
		w, h = pf.PixelSize(cfg.Render.DPI)
	}
	return &browserTarget{
		launcher: l,
		url:      o.URL,
		file:     o.File,
		selector: o.Selector,
		viewport: chrome.Viewport{Width: w, Height: h, Scale: 1},
		quiet:    cfg.Render.NetworkQuiet,
		grace:    cfg.Render.FontGrace,
	}
}

func (t *browserTarget) Resolve(ctx context.Context) (*snapshot.LiveNode, error) {
	s, err := t.launcher.Launch(ctx)
	if err != nil {
		return nil, &export.Error{Kind: export.KindRenderFailed, Err: err}
	}
	defer func() {
		if err := s.Close(); err != nil {
			logging.Warn("Failed to close capture browser", "error", err)
		}
	}()

	if err := s.OpenIsolatedContext(ctx); err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	if err := t.load(ctx, s); err != nil {
		return nil, err
	}
	if err := s.WaitSettled(ctx, t.quiet, t.grace); err != nil {
		logging.Warn("Page did not settle before capture", "error", err)
	}

	pageCtx, cancel := s.PageContext(ctx)
	defer cancel()
	root, err := snapshot.Capture(pageCtx, t.selector)
	if errors.Is(err, snapshot.ErrNotMounted) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	logging.Debug("Invoice captured", "selector", t.selector, "pid", s.PID())
	return root, nil
}

func (t *browserTarget) load(ctx context.Context, s *chrome.Session) error {
	if t.url != "" {
		if err := s.Navigate(ctx, t.url, t.viewport); err != nil {
			return fmt.Errorf("open %s: %w", t.url, err)
		}
		return nil
	}
	raw, err := os.ReadFile(t.file)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(t.file), err)
	}
	return s.Load(ctx, string(raw), t.viewport)
}
