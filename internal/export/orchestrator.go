// Package export drives one user export action through target resolution,
// quota check, state persistence, rendering, delivery, quota increment and
// artifact upload.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"

	"invoice-export/internal/domain"
	"invoice-export/internal/infra/logging"
	"invoice-export/internal/snapshot"
)

// Action is the user-facing export action.
type Action string

const (
	ActionPDF   Action = "pdf"
	ActionImage Action = "image"
	// ActionEmail is a PDF export plus a prepared mailto link.
	ActionEmail Action = "email"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionPDF, ActionImage, ActionEmail:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown export action %q", s)
}

// TargetResolver returns the mounted render target. It returns ErrNotMounted
// (or a nil node) while the target is not available.
type TargetResolver interface {
	Resolve(ctx context.Context) (*snapshot.LiveNode, error)
}

// TargetFunc adapts a function to TargetResolver.
type TargetFunc func(ctx context.Context) (*snapshot.LiveNode, error)

func (f TargetFunc) Resolve(ctx context.Context) (*snapshot.LiveNode, error) { return f(ctx) }

// Serializer turns a live tree into a standalone document.
type Serializer func(root *snapshot.LiveNode, opts snapshot.Options) (string, error)

// QuotaGate answers whether an identity may export and records usage.
type QuotaGate interface {
	CanExport(ctx context.Context, identity string) (domain.QuotaDecision, error)
	Increment(ctx context.Context, identity string) error
}

// StateStore persists the caller's editable context. Save is an idempotent upsert.
type StateStore interface {
	Save(ctx context.Context, clientID string, state json.RawMessage) error
}

// Renderer produces an artifact from a standalone document.
type Renderer interface {
	Render(ctx context.Context, job domain.RenderJob) (domain.RenderResult, error)
}

// Delivery hands the artifact to the local user.
type Delivery interface {
	Deliver(ctx context.Context, filename string, res domain.RenderResult) error
}

// ArtifactStore keeps a copy of the artifact for authenticated identities.
type ArtifactStore interface {
	Upload(ctx context.Context, data []byte, path string) (string, error)
}

// Recorder receives the report of every run.
type Recorder interface {
	Record(ctx context.Context, r Report) error
}

// Request is one export action.
type Request struct {
	Action Action
	// Identity is empty for anonymous callers.
	Identity string
	// ClientID keys the persisted state. Empty skips persistence.
	ClientID string
	State    json.RawMessage
	// ContextName is the human-readable name used in the artifact path,
	// usually the client's company name.
	ContextName   string
	InvoiceNumber string
	Filename      string
	PageFormat    domain.PageFormat
	// ImageKind selects png or jpeg for ActionImage.
	ImageKind    domain.Kind
	ImageQuality int
	// Recipient is the address of the mailto link for ActionEmail.
	Recipient string
}

// Settings are the fixed knobs of an orchestrator.
type Settings struct {
	HiddenAttr string
	// PDFScaleFactor and ImageScaleFactor are the device scale factors of
	// the render job, chosen by output kind.
	PDFScaleFactor   float64
	ImageScaleFactor float64
	Title            string
}

// scaleFor returns the device scale factor for kind.
func (s Settings) scaleFor(kind domain.Kind) float64 {
	if kind.IsImage() {
		return s.ImageScaleFactor
	}
	return s.PDFScaleFactor
}

// Deps are the collaborators of an orchestrator. Artifacts and Recorder may be nil.
type Deps struct {
	Target    TargetResolver
	Quota     QuotaGate
	State     StateStore
	Renderer  Renderer
	Delivery  Delivery
	Artifacts ArtifactStore
	Recorder  Recorder
	Serialize Serializer
}

// Orchestrator runs export actions. It holds no per-run state, so overlapping
// runs are independent and nothing deduplicates them.
type Orchestrator struct {
	deps     Deps
	settings Settings
	now      func() time.Time
}

// New builds an orchestrator. A nil Serialize defaults to snapshot.Serialize.
func New(deps Deps, settings Settings) *Orchestrator {
	if deps.Serialize == nil {
		deps.Serialize = snapshot.Serialize
	}
	if settings.PDFScaleFactor <= 0 {
		settings.PDFScaleFactor = 2
	}
	if settings.ImageScaleFactor <= 0 {
		settings.ImageScaleFactor = 3
	}
	return &Orchestrator{deps: deps, settings: settings, now: time.Now}
}

// Run executes req. On abort the returned error is an *Error and the report
// lists the steps that ran. Soft failures are only reported.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Report, error) {
	r := &run{
		o:   o,
		req: req,
		report: Report{
			ID:        xid.New().String(),
			Action:    req.Action,
			Identity:  req.Identity,
			StartedAt: o.now(),
		},
	}

	err := r.execute(ctx, o.pipeline())
	r.report.Duration = o.now().Sub(r.report.StartedAt)
	if err != nil {
		r.report.Error = err.Error()
	}

	if o.deps.Recorder != nil {
		if rerr := o.deps.Recorder.Record(ctx, r.report); rerr != nil {
			logging.Warn("Failed to record export", "export_id", r.report.ID, "error", rerr)
		}
	}
	return r.report, err
}
