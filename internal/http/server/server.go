package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"invoice-export/internal/config"
	"invoice-export/internal/http/handlers"
	"invoice-export/internal/http/middleware"
	"invoice-export/internal/infra/chrome"
	"invoice-export/internal/infra/ratelimit"
	"invoice-export/internal/render"
	"invoice-export/internal/tokens"
)

// bodyEnvelope is the JSON overhead allowed on top of the HTML cap.
const bodyEnvelope = 64 * 1024

// Deps are the collaborators of the HTTP app. Missing ones are built from Config.
type Deps struct {
	Config       config.Config
	Renderer     handlers.Renderer
	Gate         *chrome.Gate
	Launcher     *chrome.Launcher
	Tokens       *tokens.Cache
	LimiterStore fiber.Storage
}

func (d *Deps) fill() {
	if d.Launcher == nil {
		d.Launcher = chrome.NewLauncher(chrome.OptionsFromConfig(d.Config))
	}
	if d.Gate == nil {
		d.Gate = chrome.NewGate(d.Config.Render.MaxConcurrent, d.Config.Render.QueueTimeout)
	}
	if d.Renderer == nil {
		d.Renderer = render.NewService(render.SettingsFromConfig(d.Config), render.ChromeLaunch(d.Launcher), d.Gate)
	}
	if d.Tokens == nil {
		d.Tokens = tokens.NewCache()
	}
	if d.LimiterStore == nil {
		d.LimiterStore = ratelimit.NewStore(ratelimit.RedisConfig{SweepInterval: d.Config.RateLimiter.SweepInterval})
	}
}

// New creates the render service app.
func New(deps Deps) *fiber.App {
	deps.fill()
	cfg := deps.Config

	bodyLimit := 0
	if cfg.Limits.MaxHTMLBytes > 0 {
		bodyLimit = cfg.Limits.MaxHTMLBytes + bodyEnvelope
	}
	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		DisableStartupMessage: true,
		BodyLimit:             bodyLimit,
		ErrorHandler:          handlers.ErrorHandler,
	})

	middleware.Register(app, cfg)
	registerRoutes(app, deps)

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

func registerRoutes(app *fiber.App, deps Deps) {
	h := handlers.NewRenderHandler(deps.Config, deps.Renderer, deps.Gate, deps.Launcher)
	rl := middleware.RateLimitConfigFromConfig(deps.Config)
	guard := []fiber.Handler{
		middleware.APIKeyAuth(deps.Tokens, tokens.ScopeRender),
		middleware.TokenRateLimit(rl, deps.Tokens, deps.LimiterStore, middleware.NewLimiterCache()),
		middleware.UserRateLimit(rl, deps.LimiterStore),
	}

	for _, r := range []fiber.Router{app, app.Group("/v1")} {
		r.Post("/pdf", append(guard, h.HandlePDF)...)
		r.Post("/image", append(guard, h.HandleImage)...)
	}

	v1 := app.Group("/v1")
	v1.Get("/chrome/stats", h.HandleStats)
	v1.Get("/monitor", monitor.New())
}
