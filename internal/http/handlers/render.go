package handlers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"invoice-export/internal/config"
	"invoice-export/internal/domain"
	"invoice-export/internal/http/middleware"
	"invoice-export/internal/infra/chrome"
	"invoice-export/internal/infra/logging"
	"invoice-export/internal/render"
)

const (
	defaultFilename    = "invoice"
	defaultJPEGQuality = 90
	maxMargin          = 2.0
)

var filenamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Renderer is the render core as seen by the HTTP layer.
type Renderer interface {
	RenderPDF(ctx context.Context, html string, opts render.PDFOptions) (domain.RenderResult, error)
	RenderImage(ctx context.Context, html string, opts render.ImageOptions) (domain.RenderResult, error)
}

// RenderRequest is the JSON body of POST /pdf and POST /image.
type RenderRequest struct {
	HTML    string        `json:"html"`
	Options RenderOptions `json:"options"`
}

// RenderOptions are shared by both endpoints; each ignores what does not apply.
type RenderOptions struct {
	Filename   string          `json:"filename"`
	PageFormat string          `json:"pageFormat"`
	Landscape  bool            `json:"landscape"`
	Margins    *domain.Margins `json:"margins"`
	Encoding   string          `json:"encoding"`
	Quality    *int            `json:"quality"`
	FullPage   *bool           `json:"fullPage"`
}

// RenderHandler serves the render endpoints.
type RenderHandler struct {
	Config   config.Config
	Renderer Renderer
	Gate     *chrome.Gate
	Launcher *chrome.Launcher
}

// NewRenderHandler wires a handler. gate and launcher only feed the stats endpoint and may be nil.
func NewRenderHandler(cfg config.Config, r Renderer, gate *chrome.Gate, launcher *chrome.Launcher) *RenderHandler {
	return &RenderHandler{Config: cfg, Renderer: r, Gate: gate, Launcher: launcher}
}

// HandlePDF renders the posted document to a PDF attachment.
func (h *RenderHandler) HandlePDF(c *fiber.Ctx) error {
	req, err := h.parse(c)
	if err != nil {
		return err
	}
	format, err := h.pageFormat(req.Options)
	if err != nil {
		return err
	}
	margins, err := validateMargins(req.Options.Margins)
	if err != nil {
		return err
	}
	name, err := validateFilename(req.Options.Filename)
	if err != nil {
		return err
	}

	res, err := h.Renderer.RenderPDF(c.UserContext(), req.HTML, render.PDFOptions{PageFormat: format, Margins: margins})
	if err != nil {
		return renderFailure(c, err)
	}
	return send(c, res, name+"."+domain.KindPDF.Ext())
}

// HandleImage renders the posted document to a PNG or JPEG attachment.
func (h *RenderHandler) HandleImage(c *fiber.Ctx) error {
	req, err := h.parse(c)
	if err != nil {
		return err
	}
	format, err := h.pageFormat(req.Options)
	if err != nil {
		return err
	}
	name, err := validateFilename(req.Options.Filename)
	if err != nil {
		return err
	}

	opts := render.ImageOptions{Kind: domain.KindPNG, FullPage: true, PageFormat: format}
	if enc := req.Options.Encoding; enc != "" {
		kind, err := domain.ParseKind(enc)
		if err != nil || !kind.IsImage() {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid encoding: must be 'png' or 'jpeg'")
		}
		opts.Kind = kind
	}
	if opts.Kind == domain.KindJPEG {
		opts.Quality = defaultJPEGQuality
		if q := req.Options.Quality; q != nil {
			if *q < 1 || *q > 100 {
				return fiber.NewError(fiber.StatusBadRequest, "Invalid quality: must be an integer between 1 and 100")
			}
			opts.Quality = *q
		}
	}
	if req.Options.FullPage != nil {
		opts.FullPage = *req.Options.FullPage
	}

	res, err := h.Renderer.RenderImage(c.UserContext(), req.HTML, opts)
	if err != nil {
		return renderFailure(c, err)
	}
	return send(c, res, name+"."+opts.Kind.Ext())
}

// HandleStats reports admission gate and browser process counters.
func (h *RenderHandler) HandleStats(c *fiber.Ctx) error {
	out := fiber.Map{"gate": chrome.GateStats{}}
	if h.Gate != nil {
		out["gate"] = h.Gate.Stats()
	}
	if h.Launcher != nil {
		out["browsers"] = fiber.Map{
			"launched": h.Launcher.Launched(),
			"live":     h.Launcher.Live(),
		}
	}
	return c.JSON(out)
}

func (h *RenderHandler) parse(c *fiber.Ctx) (*RenderRequest, error) {
	var req RenderRequest
	if err := c.App().Config().JSONDecoder(c.Body(), &req); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid JSON body: "+err.Error())
	}
	if strings.TrimSpace(req.HTML) == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid HTML: missing")
	}
	if limit := h.Config.Limits.MaxHTMLBytes; limit > 0 && len(req.HTML) > limit {
		return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge, fmt.Sprintf("HTML input exceeds %d bytes", limit))
	}
	return &req, nil
}

func (h *RenderHandler) pageFormat(o RenderOptions) (domain.PageFormat, error) {
	name := strings.ToUpper(strings.TrimSpace(o.PageFormat))
	if name == "" {
		name = h.Config.Render.DefaultPaper
	}
	size, ok := h.Config.Render.PaperSizes[name]
	if !ok {
		if o.PageFormat != "" {
			return domain.PageFormat{}, fiber.NewError(fiber.StatusBadRequest, "Invalid pageFormat: not supported")
		}
		return domain.PageFormat{}, fiber.NewError(fiber.StatusInternalServerError, "Default paper size not configured")
	}
	pf := domain.PageFormat{Name: name, Width: size.Width, Height: size.Height}
	if o.Landscape {
		pf = pf.Landscape()
	}
	return pf, nil
}

func validateMargins(m *domain.Margins) (domain.Margins, error) {
	if m == nil {
		return domain.Margins{}, nil
	}
	for _, v := range []float64{m.Top, m.Right, m.Bottom, m.Left} {
		if v < 0 || v > maxMargin {
			return domain.Margins{}, fiber.NewError(fiber.StatusBadRequest,
				"Invalid margins: each side must be between 0 and "+strconv.FormatFloat(maxMargin, 'f', 1, 64)+" inches")
		}
	}
	return *m, nil
}

// validateFilename returns the base name without a known extension.
func validateFilename(name string) (string, error) {
	if name == "" {
		return defaultFilename, nil
	}
	if !filenamePattern.MatchString(name) {
		return "", fiber.NewError(fiber.StatusBadRequest, "Filename contains invalid characters")
	}
	lower := strings.ToLower(name)
	for _, ext := range []string{".pdf", ".png", ".jpeg", ".jpg"} {
		if strings.HasSuffix(lower, ext) {
			name = name[:len(name)-len(ext)]
			break
		}
	}
	if name == "" || strings.Trim(name, ".") == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "Filename is empty")
	}
	return name, nil
}

func send(c *fiber.Ctx, res domain.RenderResult, filename string) error {
	logging.Info("Render delivered",
		"stage", render.StageRespond,
		"filename", filename,
		"bytes", res.Length,
		"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
		"api_key_set", middleware.APIKey(c) != "",
	)
	c.Set(fiber.HeaderContentType, res.MimeType)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	c.Set(fiber.HeaderContentLength, strconv.Itoa(res.Length))
	return c.Status(fiber.StatusOK).Send(res.Bytes)
}

// renderFailure maps a render error to a status and writes the JSON error.
func renderFailure(c *fiber.Ctx, err error) error {
	status, msg := fiber.StatusInternalServerError, "Render failed"
	switch {
	case errors.Is(err, domain.ErrBusy), errors.Is(err, chrome.ErrGateClosed):
		status, msg = fiber.StatusServiceUnavailable, "Render capacity exhausted"
	case errors.Is(err, domain.ErrRenderTimeout):
		status, msg = fiber.StatusGatewayTimeout, "Document did not settle in time"
	case errors.Is(err, domain.ErrBrowserLaunch):
		status, msg = fiber.StatusInternalServerError, "Browser launch failed"
	case errors.Is(err, context.Canceled):
		status, msg = fiber.StatusServiceUnavailable, "Request canceled"
	case render.StageOf(err) == render.StageInit:
		status, msg = fiber.StatusBadRequest, "Invalid render job"
	}
	logging.Error("Render request failed",
		"status", status,
		"stage", render.StageOf(err),
		"error", err,
		"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
	)
	return c.Status(status).JSON(middleware.ErrorBody(status, msg, err.Error()))
}

// ErrorHandler renders every error that reaches fiber as the JSON error body.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	details := err.Error()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		details = fe.Message
	}
	logging.Warn("Request failed", "path", c.Path(), "status", code, "message", details)
	return c.Status(code).JSON(middleware.ErrorBody(code, utils.StatusMessage(code), details))
}
