package export

import (
	"errors"
	"fmt"
	"time"

	"invoice-export/internal/domain"
)

// ErrorKind classifies why an export did not complete.
type ErrorKind string

const (
	KindTargetNotReady   ErrorKind = "target_not_ready"
	KindQuotaExceeded    ErrorKind = "quota_exceeded"
	KindQuotaUnavailable ErrorKind = "quota_unavailable"
	KindRenderFailed     ErrorKind = "render_failed"

	// Kinds below are soft failures; they are reported but never abort a run.
	// A failed delivery still counts as an export because the render succeeded.
	KindDeliveryFailed  ErrorKind = "delivery_failed"
	KindPersistFailed   ErrorKind = "persist_failed"
	KindIncrementFailed ErrorKind = "increment_failed"
	KindUploadFailed    ErrorKind = "upload_failed"
	KindEmailLinkFailed ErrorKind = "email_link_failed"
)

// NotReadyClearAfter is how long a "not ready" notice stays visible.
const NotReadyClearAfter = 4 * time.Second

// ErrNotMounted is returned by resolvers whose render target is missing.
var ErrNotMounted = errors.New("render target not mounted")

// Error is returned by Orchestrator.Run when a fail-fast step aborts.
type Error struct {
	Kind ErrorKind
	Step string
	Err  error
	// ClearAfter is set for transient conditions the caller may auto-dismiss.
	ClearAfter time.Duration
	// Decision is set for KindQuotaExceeded.
	Decision *domain.QuotaDecision
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("export %s: %s", e.Step, e.Kind)
	}
	return fmt.Sprintf("export %s: %s: %v", e.Step, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same action may succeed on its own.
func (e *Error) Transient() bool {
	return e.Kind == KindTargetNotReady
}

// Paywall reports whether the caller should be sent to the upgrade path.
func (e *Error) Paywall() bool {
	return e.Kind == KindQuotaExceeded
}

// KindOf returns the kind of an export error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}
