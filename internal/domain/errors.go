package domain

import "errors"

var (
	// ErrInvalidAPIKey signals that the provided API key is not known.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrTokenStoreNotReady signals that the token store has not been loaded yet.
	// This can happen during startup when the DB isn't ready.
	ErrTokenStoreNotReady = errors.New("token store not ready")
	// ErrScopeDenied signals a known API key whose scope lacks the route's capability.
	ErrScopeDenied = errors.New("api key not allowed for this endpoint")

	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
	// ErrBusy is returned when no render slot frees up within the queue timeout.
	ErrBusy          = errors.New("render capacity exhausted")
	ErrRenderTimeout = errors.New("document did not settle in time")
	ErrBrowserLaunch = errors.New("browser launch failed")

	// ErrQuotaExhausted is returned when an increment would pass the free-plan limit.
	ErrQuotaExhausted = errors.New("export quota exhausted")
)
