// Package render turns standalone HTML documents into PDF or raster artifacts
// with a headless browser. Every job gets its own browser process, which is
// always torn down before the job returns.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"invoice-export/internal/config"
	"invoice-export/internal/domain"
	"invoice-export/internal/infra/chrome"
	"invoice-export/internal/infra/logging"
)

// Session is the browser side of one job.
type Session interface {
	OpenIsolatedContext(ctx context.Context) error
	Load(ctx context.Context, html string, vp chrome.Viewport) error
	WaitSettled(ctx context.Context, quiet, grace time.Duration) error
	PrintPDF(ctx context.Context, p chrome.PDFParams) ([]byte, error)
	Screenshot(ctx context.Context, p chrome.ScreenshotParams) ([]byte, error)
	Close() error
}

// LaunchFunc starts a new browser session.
type LaunchFunc func(ctx context.Context) (Session, error)

// ChromeLaunch adapts a chrome.Launcher.
func ChromeLaunch(l *chrome.Launcher) LaunchFunc {
	return func(ctx context.Context) (Session, error) {
		s, err := l.Launch(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Settings holds the fixed capture parameters.
type Settings struct {
	DPI              float64
	PDFScaleFactor   float64
	ImageScaleFactor float64
	SettleTimeout    time.Duration
	NetworkQuiet     time.Duration
	FontGrace        time.Duration
	JobTimeout       time.Duration
}

// SettingsFromConfig reads Settings from the render section.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		DPI:              cfg.Render.DPI,
		PDFScaleFactor:   cfg.Render.PDFScaleFactor,
		ImageScaleFactor: cfg.Render.ImageScaleFactor,
		SettleTimeout:    cfg.Render.SettleTimeout,
		NetworkQuiet:     cfg.Render.NetworkQuiet,
		FontGrace:        cfg.Render.FontGrace,
		JobTimeout:       cfg.Render.JobTimeout,
	}
}

// PDFOptions are the caller-controlled PDF parameters.
type PDFOptions struct {
	PageFormat domain.PageFormat
	Margins    domain.Margins
}

// ImageOptions are the caller-controlled raster parameters.
type ImageOptions struct {
	Kind       domain.Kind
	Quality    int
	FullPage   bool
	PageFormat domain.PageFormat
}

// Service renders jobs. A nil gate admits everything.
type Service struct {
	settings Settings
	launch   LaunchFunc
	gate     *chrome.Gate
}

// NewService wires a Service.
func NewService(settings Settings, launch LaunchFunc, gate *chrome.Gate) *Service {
	return &Service{settings: settings, launch: launch, gate: gate}
}

// RenderPDF renders html into a PDF paginated at opts.PageFormat.
func (s *Service) RenderPDF(ctx context.Context, html string, opts PDFOptions) (domain.RenderResult, error) {
	return s.Render(ctx, domain.RenderJob{
		HTML:              html,
		Kind:              domain.KindPDF,
		PageFormat:        opts.PageFormat,
		Margins:           opts.Margins,
		DeviceScaleFactor: s.settings.PDFScaleFactor,
	})
}

// RenderImage renders html into a PNG or JPEG screenshot.
func (s *Service) RenderImage(ctx context.Context, html string, opts ImageOptions) (domain.RenderResult, error) {
	return s.Render(ctx, domain.RenderJob{
		HTML:              html,
		Kind:              opts.Kind,
		PageFormat:        opts.PageFormat,
		DeviceScaleFactor: s.settings.ImageScaleFactor,
		Quality:           opts.Quality,
		FullPage:          opts.FullPage,
	})
}

// Render runs one job through
// INIT → LAUNCH_BROWSER → OPEN_ISOLATED_CONTEXT → LOAD_DOCUMENT → WAIT_SETTLED → CAPTURE → TEARDOWN.
// TEARDOWN runs on every path once the browser has been launched.
func (s *Service) Render(ctx context.Context, job domain.RenderJob) (domain.RenderResult, error) {
	p := newProgress(job.Kind)

	if err := validateJob(job); err != nil {
		return domain.RenderResult{}, p.fail(StageInit, err)
	}
	if s.gate != nil {
		release, err := s.gate.Acquire(ctx)
		if err != nil {
			return domain.RenderResult{}, p.fail(StageInit, err)
		}
		defer release()
	}
	if s.settings.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.JobTimeout)
		defer cancel()
	}

	p.enter(StageLaunch)
	sess, err := s.launch(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrBrowserLaunch) {
			err = fmt.Errorf("%w: %v", domain.ErrBrowserLaunch, err)
		}
		return domain.RenderResult{}, p.fail(StageLaunch, err)
	}
	defer func() {
		p.enter(StageTeardown)
		if cerr := sess.Close(); cerr != nil {
			logging.Warn("Browser teardown reported an error", "error", cerr, "kind", job.Kind)
		}
		p.done()
	}()

	p.enter(StageOpenContext)
	if err := sess.OpenIsolatedContext(ctx); err != nil {
		return domain.RenderResult{}, p.fail(StageOpenContext, err)
	}

	settleCtx, cancelSettle := context.WithTimeout(ctx, s.settings.SettleTimeout)
	defer cancelSettle()

	w, h := job.PageFormat.PixelSize(s.settings.DPI)
	vp := chrome.Viewport{Width: w, Height: h, Scale: job.DeviceScaleFactor}

	p.enter(StageLoad)
	if err := sess.Load(settleCtx, job.HTML, vp); err != nil {
		return domain.RenderResult{}, p.fail(StageLoad, classifyTimeout(settleCtx, err))
	}

	p.enter(StageSettle)
	if err := sess.WaitSettled(settleCtx, s.settings.NetworkQuiet, s.settings.FontGrace); err != nil {
		return domain.RenderResult{}, p.fail(StageSettle, classifyTimeout(settleCtx, err))
	}
	cancelSettle()

	p.enter(StageCapture)
	var out []byte
	if job.Kind == domain.KindPDF {
		out, err = sess.PrintPDF(ctx, chrome.PDFParams{
			PaperWidth:  job.PageFormat.Width,
			PaperHeight: job.PageFormat.Height,
			Margins:     job.Margins,
		})
	} else {
		out, err = sess.Screenshot(ctx, chrome.ScreenshotParams{
			Kind:     job.Kind,
			Quality:  job.Quality,
			FullPage: job.FullPage,
			Viewport: vp,
		})
	}
	if err != nil {
		return domain.RenderResult{}, p.fail(StageCapture, classifyTimeout(ctx, err))
	}
	if !domain.HasSignature(job.Kind, out) {
		return domain.RenderResult{}, p.fail(StageCapture, fmt.Errorf("captured %d bytes without a %s signature", len(out), job.Kind))
	}

	return domain.NewRenderResult(job.Kind, out), nil
}

func validateJob(job domain.RenderJob) error {
	if job.HTML == "" {
		return errors.New("html is empty")
	}
	switch job.Kind {
	case domain.KindPDF, domain.KindPNG, domain.KindJPEG:
	default:
		return fmt.Errorf("unsupported kind %q", job.Kind)
	}
	if job.PageFormat.Width <= 0 || job.PageFormat.Height <= 0 {
		return errors.New("page format has no size")
	}
	if job.DeviceScaleFactor <= 0 {
		return errors.New("device scale factor must be positive")
	}
	if job.Kind == domain.KindJPEG && (job.Quality < 1 || job.Quality > 100) {
		return fmt.Errorf("jpeg quality %d out of range 1..100", job.Quality)
	}
	return nil
}

// classifyTimeout marks deadline failures of ctx as render timeouts.
func classifyTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrRenderTimeout, err)
	}
	return err
}
