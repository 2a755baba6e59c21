package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/xid"

	"invoice-export/internal/config"
	"invoice-export/internal/domain"
	"invoice-export/internal/infra/logging"
	"invoice-export/internal/tokens"
)

// APIKeyLocal is the fiber local holding the authenticated API key.
const APIKeyLocal = "api_key"

// ErrorBody is the JSON shape of every error response.
func ErrorBody(status int, msg, details string) fiber.Map {
	return fiber.Map{
		"error":   msg,
		"details": details,
		"code":    status,
	}
}

// Register attaches the global middleware chain: CORS, request ids, health
// probes under /ops and request logging.
func Register(app *fiber.App, cfg config.Config) {
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-API-Key",
	}))

	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return xid.New().String()
		},
	}))

	app.Use(healthcheck.New(healthcheck.Config{
		LivenessEndpoint:  "/ops/health",
		ReadinessEndpoint: "/ops/ready",
	}))

	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		logging.Info("Request handled",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
		)
		return err
	})
}

// APIKeyAuth validates an optional X-API-Key header against cache. A known key
// must also carry scope, unless scope is empty. Requests without a key pass
// through anonymously and are covered by the user limiter.
func APIKeyAuth(cache *tokens.Cache, scope string) fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:X-API-Key",
		ContextKey: APIKeyLocal,
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			if !cache.Ready() {
				return false, domain.ErrTokenStoreNotReady
			}
			e, ok := cache.Lookup(key)
			if !ok {
				return false, domain.ErrInvalidAPIKey
			}
			if scope != "" && !e.Scope.Allows(scope) {
				return false, domain.ErrScopeDenied
			}
			return true, nil
		},
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || c.Get("X-API-Key") == ""
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// keyauth can call ErrorHandler with a nil error.
			status := fiber.StatusUnauthorized
			if err == nil {
				err = fiber.ErrUnauthorized
			}
			msg := "Unauthorized"
			switch {
			case errors.Is(err, domain.ErrTokenStoreNotReady):
				status = fiber.StatusServiceUnavailable
			case errors.Is(err, domain.ErrScopeDenied):
				status, msg = fiber.StatusForbidden, "Forbidden"
			}
			return c.Status(status).JSON(ErrorBody(status, msg, err.Error()))
		},
	})
}

// APIKey returns the authenticated key of the request, or "".
func APIKey(c *fiber.Ctx) string {
	key, _ := c.Locals(APIKeyLocal).(string)
	return key
}
