package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"invoice-export/internal/config"
	"invoice-export/internal/domain"
	"invoice-export/internal/export"
	"invoice-export/internal/infra/logging"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitPaywall = 3
)

// options are the parsed command line.
type options struct {
	ConfigPath string

	Action    string
	URL       string
	File      string
	Selector  string
	OutDir    string
	Paper     string
	Landscape bool
	Format    string
	Quality   int

	Identity      string
	ClientID      string
	StatePath     string
	ContextName   string
	InvoiceNumber string
	Filename      string
	Recipient     string

	History      bool
	HistoryLimit int
	ShowState    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	logging.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logging.Debug(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logging.Warn("Failed to set GOMAXPROCS", "error", err)
	}
	defer undo()

	if opts.History {
		return printHistory(ctx, cfg, opts, stdout, stderr)
	}
	if opts.ShowState {
		return printState(ctx, cfg, opts, stdout, stderr)
	}

	req, err := buildRequest(cfg, opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	w, err := wire(ctx, cfg, opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailed
	}
	defer w.Close()

	rep, err := w.orchestrator.Run(ctx, req)
	return report(rep, err, opts.OutDir, stdout, stderr)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("invoice-export", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&o.ConfigPath, "config", "c", "", "config file (default $CONFIG_PATH, then config.yaml when present)")
	fs.StringVarP(&o.Action, "action", "a", string(export.ActionPDF), "export action: pdf, image or email")
	fs.StringVar(&o.URL, "url", "", "page that shows the invoice")
	fs.StringVar(&o.File, "file", "", "local HTML file that shows the invoice")
	fs.StringVarP(&o.Selector, "selector", "s", "#invoice", "CSS selector of the invoice root")
	fs.StringVarP(&o.OutDir, "out", "o", ".", "directory the artifact is written to")
	fs.StringVar(&o.Paper, "paper", "", "paper size (default from config)")
	fs.BoolVar(&o.Landscape, "landscape", false, "rotate the page")
	fs.StringVar(&o.Format, "format", string(domain.KindPNG), "image format for --action image: png or jpeg")
	fs.IntVar(&o.Quality, "quality", 90, "jpeg quality, 1-100")
	fs.StringVar(&o.Identity, "identity", "", "signed-in user; empty exports anonymously")
	fs.StringVar(&o.ClientID, "client-id", "", "key under which the editor state is saved")
	fs.StringVar(&o.StatePath, "state", "", "JSON file with the editor state to save")
	fs.StringVar(&o.ContextName, "context-name", "", "client or company name used in stored paths")
	fs.StringVar(&o.InvoiceNumber, "invoice", "", "invoice number")
	fs.StringVar(&o.Filename, "filename", "", "artifact file name without extension")
	fs.StringVar(&o.Recipient, "to", "", "recipient for --action email")
	fs.BoolVar(&o.History, "history", false, "list recent exports of --identity and exit")
	fs.IntVar(&o.HistoryLimit, "limit", 20, "number of history entries")
	fs.BoolVar(&o.ShowState, "show-state", false, "print the editor state saved for --client-id and exit")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.History {
		return o, nil
	}
	if o.ShowState {
		if o.ClientID == "" {
			return o, errors.New("--show-state requires --client-id")
		}
		return o, nil
	}

	if _, err := export.ParseAction(o.Action); err != nil {
		return o, err
	}
	if (o.URL == "") == (o.File == "") {
		return o, errors.New("exactly one of --url or --file is required")
	}
	if strings.TrimSpace(o.Selector) == "" {
		return o, errors.New("--selector must not be empty")
	}
	if o.Quality < 1 || o.Quality > 100 {
		return o, errors.New("--quality must be between 1 and 100")
	}
	return o, nil
}

// loadConfig reads path, $CONFIG_PATH or ./config.yaml. Without any file the
// defaults apply.
func loadConfig(path string) (cfg config.Config, err error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		if _, statErr := os.Stat("config.yaml"); statErr == nil {
			path = "config.yaml"
		}
	}
	if path == "" {
		config.ApplyDefaults(&cfg)
		return cfg, config.Validate(cfg)
	}

	// LoadFrom panics so that a broken service never starts; a CLI reports instead.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return config.LoadFrom(path), nil
}

func buildRequest(cfg config.Config, o options) (export.Request, error) {
	action, err := export.ParseAction(o.Action)
	if err != nil {
		return export.Request{}, err
	}
	pf, err := pageFormat(cfg, o.Paper, o.Landscape)
	if err != nil {
		return export.Request{}, err
	}
	req := export.Request{
		Action:        action,
		Identity:      o.Identity,
		ClientID:      o.ClientID,
		ContextName:   o.ContextName,
		InvoiceNumber: o.InvoiceNumber,
		Filename:      o.Filename,
		PageFormat:    pf,
		ImageQuality:  o.Quality,
		Recipient:     o.Recipient,
	}
	if req.Recipient == "" {
		req.Recipient = cfg.Export.MailTo
	}
	if action == export.ActionImage {
		if req.ImageKind, err = domain.ParseKind(o.Format); err != nil {
			return export.Request{}, err
		}
	}
	if o.StatePath != "" {
		raw, err := os.ReadFile(o.StatePath)
		if err != nil {
			return export.Request{}, fmt.Errorf("read state: %w", err)
		}
		if !json.Valid(raw) {
			return export.Request{}, fmt.Errorf("state file %s is not valid JSON", o.StatePath)
		}
		req.State = raw
	}
	return req, nil
}

func pageFormat(cfg config.Config, name string, landscape bool) (domain.PageFormat, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		name = cfg.Render.DefaultPaper
	}
	size, ok := cfg.Render.PaperSizes[name]
	if !ok {
		return domain.PageFormat{}, fmt.Errorf("unknown paper size %q", name)
	}
	pf := domain.PageFormat{Name: name, Width: size.Width, Height: size.Height}
	if landscape {
		pf = pf.Landscape()
	}
	return pf, nil
}

func report(rep export.Report, err error, outDir string, stdout, stderr io.Writer) int {
	delivered, counted := true, true
	for _, f := range rep.SoftFailures {
		fmt.Fprintf(stderr, "warning: %s failed: %s\n", f.Step, f.Err)
		switch f.Kind {
		case export.KindDeliveryFailed:
			delivered = false
		case export.KindIncrementFailed:
			counted = false
		}
	}
	if err != nil {
		var ee *export.Error
		switch {
		case errors.As(err, &ee) && ee.Paywall():
			fmt.Fprintf(stderr, "export limit reached: %v\nupgrade to a paid plan to keep exporting\n", ee.Err)
			return exitPaywall
		case errors.As(err, &ee) && ee.Transient():
			fmt.Fprintln(stderr, "invoice is not ready yet, try again in a moment")
			return exitFailed
		}
		fmt.Fprintf(stderr, "export failed: %v\n", err)
		return exitFailed
	}

	if delivered {
		fmt.Fprintf(stdout, "exported %d bytes to %s\n", rep.Bytes, outDir)
	} else {
		fmt.Fprintf(stderr, "rendered %d bytes but could not write them to %s\n", rep.Bytes, outDir)
	}
	if rep.Artifact != "" {
		fmt.Fprintf(stdout, "stored copy: %s\n", rep.Artifact)
	}
	if rep.EmailLink != "" {
		fmt.Fprintln(stdout, rep.EmailLink)
	}
	if rep.ExportsRemaining != domain.Unlimited {
		left := rep.ExportsRemaining
		if counted {
			left--
		}
		if left < 0 {
			left = 0
		}
		fmt.Fprintf(stdout, "free exports left: %d\n", left)
	}
	if !delivered {
		return exitFailed
	}
	return exitOK
}

func printState(ctx context.Context, cfg config.Config, o options, stdout, stderr io.Writer) int {
	if cfg.Redis.Host == "" {
		fmt.Fprintln(stderr, "redis.host is not configured")
		return exitUsage
	}
	store, closeFn := newStateStore(cfg)
	defer closeFn()

	raw, err := store.Load(ctx, o.ClientID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailed
	}
	if raw == nil {
		fmt.Fprintf(stderr, "no saved state for client %q\n", o.ClientID)
		return exitFailed
	}
	fmt.Fprintln(stdout, string(raw))
	return exitOK
}

func printHistory(ctx context.Context, cfg config.Config, o options, stdout, stderr io.Writer) int {
	if cfg.Export.HistoryPath == "" {
		fmt.Fprintln(stderr, "export.history_path is not configured")
		return exitUsage
	}
	h, err := openHistory(ctx, cfg.Export.HistoryPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailed
	}
	defer h.Close()

	entries, err := h.List(ctx, o.Identity, o.HistoryLimit)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailed
	}
	for _, e := range entries {
		status := "ok"
		if !e.Succeeded {
			status = "failed: " + e.Error
		}
		fmt.Fprintf(stdout, "%s  %s  %-5s  %8d B  %s  %s\n",
			e.StartedAt.Local().Format("2006-01-02 15:04:05"), e.ID, e.Action, e.Bytes, e.Artifact, status)
	}
	return exitOK
}
