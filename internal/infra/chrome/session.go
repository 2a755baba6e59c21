package chrome

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"invoice-export/internal/config"
	"invoice-export/internal/domain"
)

// Options controls how browser processes are started.
type Options struct {
	ExecPath    string
	NoSandbox   bool
	UserDataDir string
}

// OptionsFromConfig extracts browser options from the render config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		ExecPath:    cfg.Render.ChromePath,
		NoSandbox:   cfg.Render.ChromeNoSandbox,
		UserDataDir: cfg.Render.UserDataDir,
	}
}

// Viewport is the emulated window in CSS pixels.
type Viewport struct {
	Width  int64
	Height int64
	Scale  float64
}

// PDFParams controls PDF pagination.
type PDFParams struct {
	PaperWidth  float64
	PaperHeight float64
	Margins     domain.Margins
}

// ScreenshotParams controls raster capture.
type ScreenshotParams struct {
	Kind     domain.Kind
	Quality  int
	FullPage bool
	Viewport Viewport
}

// Launcher starts one browser process per call and counts them.
type Launcher struct {
	Options Options

	launched atomic.Int64
	live     atomic.Int64
}

// NewLauncher returns a launcher for opts.
func NewLauncher(opts Options) *Launcher {
	return &Launcher{Options: opts}
}

// Launched is the number of browser processes started so far.
func (l *Launcher) Launched() int64 { return l.launched.Load() }

// Live is the number of sessions not yet closed.
func (l *Launcher) Live() int64 { return l.live.Load() }

// Session is a browser process with a single isolated browsing context and a
// single page. It belongs to exactly one render job.
type Session struct {
	profileDir string

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabCtx        context.Context
	tabCancel     context.CancelFunc

	pid     int
	network *networkTracker

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

// Launch starts a fresh browser process with its own profile directory.
// The returned session must be closed by the caller.
func (l *Launcher) Launch(ctx context.Context) (*Session, error) {
	profileDir, err := createProfileDir(l.Options.UserDataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrowserLaunch, err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		// Force software rendering and avoid Vulkan/ANGLE issues in minimal container environments.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if l.Options.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.Options.ExecPath))
	}
	if l.Options.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	s := &Session{profileDir: profileDir, network: newNetworkTracker()}
	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	s.browserCtx, s.browserCancel = chromedp.NewContext(s.allocCtx)

	l.launched.Add(1)
	l.live.Add(1)
	s.onClose = func() { l.live.Add(-1) }

	// Running with no actions allocates the browser process.
	if err := chromedp.Run(s.browserCtx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrBrowserLaunch, err)
	}
	if c := chromedp.FromContext(s.browserCtx); c != nil && c.Browser != nil {
		if p := c.Browser.Process(); p != nil {
			s.pid = p.Pid
		}
	}
	return s, nil
}

// PID of the browser process, or 0 when unknown.
func (s *Session) PID() int { return s.pid }

// OpenIsolatedContext creates a new browser context (own cookie and cache jar)
// with one page, and starts observing its network activity.
func (s *Session) OpenIsolatedContext(ctx context.Context) error {
	s.tabCtx, s.tabCancel = chromedp.NewContext(s.browserCtx, chromedp.WithNewBrowserContext())
	chromedp.ListenTarget(s.tabCtx, s.network.handle)

	// The first Run on tabCtx creates the target and binds it to tabCtx, so it
	// must not go through a derived, shorter-lived context.
	stop := context.AfterFunc(ctx, s.tabCancel)
	defer stop()
	if err := chromedp.Run(s.tabCtx, network.Enable()); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return err
	}
	return nil
}

// Load replaces the page document with html inside an emulated viewport.
func (s *Session) Load(ctx context.Context, html string, vp Viewport) error {
	if s.tabCtx == nil {
		return errors.New("isolated context not opened")
	}
	return s.run(ctx,
		chromedp.EmulateViewport(vp.Width, vp.Height, chromedp.EmulateScale(vp.Scale)),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frame, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frame.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Navigate opens url in the isolated context and waits for its body.
func (s *Session) Navigate(ctx context.Context, url string, vp Viewport) error {
	if s.tabCtx == nil {
		return errors.New("isolated context not opened")
	}
	return s.run(ctx,
		chromedp.EmulateViewport(vp.Width, vp.Height, chromedp.EmulateScale(vp.Scale)),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// PageContext returns a context bound to the page, for running chromedp
// actions directly. The returned cancel must be called.
func (s *Session) PageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	target := s.tabCtx
	if target == nil {
		target = s.browserCtx
	}
	if target == nil {
		target = ctx
	}
	pageCtx, cancel := context.WithCancel(target)
	stop := context.AfterFunc(ctx, cancel)
	return pageCtx, func() {
		stop()
		cancel()
	}
}

// WaitSettled blocks until no request is in flight for quiet, every web font
// reports loaded, and then a further grace delay has passed.
func (s *Session) WaitSettled(ctx context.Context, quiet, grace time.Duration) error {
	if err := s.network.waitIdle(ctx, quiet, 25*time.Millisecond); err != nil {
		return err
	}
	var status string
	err := s.run(ctx, chromedp.Evaluate(`document.fonts.ready.then(() => document.fonts.status)`, &status,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams { return p.WithAwaitPromise(true) }))
	if err != nil {
		return err
	}
	if status != "loaded" {
		return fmt.Errorf("fonts still %s", status)
	}
	return sleep(ctx, grace)
}

// PrintPDF paginates the page. The document's own @page size wins over the
// requested paper size.
func (s *Session) PrintPDF(ctx context.Context, p PDFParams) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, _, err = page.PrintToPDF().
			WithPrintBackground(true).
			WithPreferCSSPageSize(true).
			WithDisplayHeaderFooter(false).
			WithPaperWidth(p.PaperWidth).
			WithPaperHeight(p.PaperHeight).
			WithMarginTop(p.Margins.Top).
			WithMarginRight(p.Margins.Right).
			WithMarginBottom(p.Margins.Bottom).
			WithMarginLeft(p.Margins.Left).
			Do(ctx)
		return err
	}))
	return buf, err
}

// Screenshot captures the page. With FullPage the clip spans the whole
// rendered content height rather than the initial viewport.
func (s *Session) Screenshot(ctx context.Context, p ScreenshotParams) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		clip := &page.Viewport{Width: float64(p.Viewport.Width), Height: float64(p.Viewport.Height), Scale: 1}
		if p.FullPage {
			_, _, _, _, _, content, err := page.GetLayoutMetrics().Do(ctx)
			if err != nil {
				return err
			}
			clip = &page.Viewport{
				X:      content.X,
				Y:      content.Y,
				Width:  math.Ceil(content.Width),
				Height: math.Ceil(content.Height),
				Scale:  1,
			}
		}

		params := page.CaptureScreenshot().
			WithCaptureBeyondViewport(true).
			WithFromSurface(true).
			WithClip(clip)
		if p.Kind == domain.KindJPEG {
			params = params.WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(int64(p.Quality))
		} else {
			params = params.WithFormat(page.CaptureScreenshotFormatPng)
		}

		var err error
		buf, err = params.Do(ctx)
		return err
	}))
	return buf, err
}

// Close tears the browser down and removes its profile directory. It is safe
// to call more than once; only the first call does any work.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.tabCancel != nil {
			s.tabCancel()
		}
		if s.browserCtx != nil {
			// Cancel closes the browser gracefully and waits for it.
			if err := chromedp.Cancel(s.browserCtx); err != nil && !isClosedErr(err) {
				s.closeErr = err
			}
		}
		if s.browserCancel != nil {
			s.browserCancel()
		}
		if s.allocCancel != nil {
			s.allocCancel()
		}
		if s.profileDir != "" {
			if err := os.RemoveAll(s.profileDir); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.closeErr
}

// run executes actions on the page, bounded by both the session and ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	target := s.tabCtx
	if target == nil {
		target = s.browserCtx
	}
	runCtx, cancel := context.WithCancel(target)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, context.Canceled) || IsSessionInterrupted(err)
}

// IsSessionInterrupted reports errors caused by the browser or its context
// going away mid-operation.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "session closed") ||
		strings.Contains(msg, "websocket") ||
		strings.Contains(msg, "invalid context")
}
