package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"invoice-export/internal/artifact"
	"invoice-export/internal/config"
	"invoice-export/internal/domain"
	"invoice-export/internal/export"
	"invoice-export/internal/history"
	"invoice-export/internal/infra/chrome"
	"invoice-export/internal/infra/logging"
	"invoice-export/internal/infra/postgres"
	"invoice-export/internal/quota"
	"invoice-export/internal/render"
	"invoice-export/internal/renderclient"
	"invoice-export/internal/state"
)

// wiring owns everything a run needs and releases it in Close.
type wiring struct {
	orchestrator *export.Orchestrator
	closers      []func() error
}

func (w *wiring) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			logging.Warn("Failed to release resource", "error", err)
		}
	}
}

func wire(ctx context.Context, cfg config.Config, o options) (*wiring, error) {
	w := &wiring{}
	launcher := chrome.NewLauncher(chrome.OptionsFromConfig(cfg))

	deps := export.Deps{
		Target:   newBrowserTarget(launcher, cfg, o),
		Quota:    newQuotaGate(cfg, w),
		Renderer: newRenderer(cfg, launcher, w),
	}

	out, err := artifact.NewFSStore(o.OutDir)
	if err != nil {
		w.Close()
		return nil, err
	}
	deps.Delivery = fileDelivery{store: out}

	if cfg.Redis.Host != "" {
		store, closeFn := newStateStore(cfg)
		w.closers = append(w.closers, closeFn)
		deps.State = store
	}

	if cfg.Export.ArtifactRoot != "" {
		store, err := artifact.NewFSStore(cfg.Export.ArtifactRoot)
		if err != nil {
			w.Close()
			return nil, err
		}
		deps.Artifacts = store
	}

	if cfg.Export.HistoryPath != "" {
		h, err := openHistory(ctx, cfg.Export.HistoryPath)
		if err != nil {
			logging.Warn("Export history unavailable", "error", err)
		} else {
			w.closers = append(w.closers, h.Close)
			deps.Recorder = h
		}
	}

	w.orchestrator = export.New(deps, exportSettings(cfg))
	return w, nil
}

func exportSettings(cfg config.Config) export.Settings {
	return export.Settings{
		HiddenAttr:       cfg.Export.HiddenAttr,
		PDFScaleFactor:   cfg.Render.PDFScaleFactor,
		ImageScaleFactor: cfg.Render.ImageScaleFactor,
	}
}

// newStateStore connects to the state database on redis.host.
func newStateStore(cfg config.Config) (*state.RedisStore, func() error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Host, DB: cfg.Redis.StateDB})
	return state.NewRedisStore(rdb, cfg.Redis.StateTTL), rdb.Close
}

// newQuotaGate uses the control-plane database when it is configured and an
// in-process allowance otherwise.
func newQuotaGate(cfg config.Config, w *wiring) *quota.Gate {
	dsn, err := postgres.DSN(cfg.Auth.Postgres)
	if err != nil {
		logging.Warn("Quota database not configured, counting exports in memory", "error", err)
		return quota.NewGate(quota.NewMemoryRepository(cfg.Export.FreeLimit))
	}
	db := postgres.NewDB()
	w.closers = append(w.closers, db.Close)
	return quota.NewGate(postgres.NewQuotaRepository(db, dsn, cfg.Export.FreeLimit))
}

// newRenderer calls the render service when export.render_url is set and
// renders in process otherwise.
func newRenderer(cfg config.Config, launcher *chrome.Launcher, w *wiring) export.Renderer {
	if cfg.Export.RenderURL != "" {
		c := renderclient.New(renderclient.Options{
			BaseURL:      cfg.Export.RenderURL,
			APIKey:       cfg.Export.APIKey,
			Timeout:      cfg.Export.RenderTimeout,
			MaxHTMLBytes: cfg.Limits.MaxHTMLBytes,
		})
		w.closers = append(w.closers, c.Close)
		logging.Info("Rendering through the render service", "url", cfg.Export.RenderURL)
		return c
	}
	return render.NewService(render.SettingsFromConfig(cfg), render.ChromeLaunch(launcher), nil)
}

func openHistory(ctx context.Context, path string) (*history.Store, error) {
	return history.Open(ctx, "file:"+path)
}

// fileDelivery writes the artifact into the output directory.
type fileDelivery struct {
	store *artifact.FSStore
}

func (d fileDelivery) Deliver(ctx context.Context, filename string, res domain.RenderResult) error {
	if _, err := d.store.Upload(ctx, res.Bytes, filename); err != nil {
		if errors.Is(err, artifact.ErrEscapesRoot) {
			return fmt.Errorf("invalid file name %q", filename)
		}
		return err
	}
	return nil
}
