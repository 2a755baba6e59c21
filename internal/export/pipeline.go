package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"invoice-export/internal/artifact"
	"invoice-export/internal/domain"
	"invoice-export/internal/infra/logging"
	"invoice-export/internal/snapshot"
)

type mode int

const (
	failFast mode = iota
	failSoft
)

func (m mode) String() string {
	if m == failSoft {
		return "fail_soft"
	}
	return "fail_fast"
}

// Step names.
const (
	StepResolve   = "resolve_target"
	StepQuota     = "check_quota"
	StepPersist   = "persist_state"
	StepRender    = "render"
	StepDeliver   = "deliver"
	StepIncrement = "increment_quota"
	StepUpload    = "upload_artifact"
	StepEmailLink = "email_link"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StatusOK      StepStatus = "ok"
	StatusSkipped StepStatus = "skipped"
	StatusSoft    StepStatus = "soft_failed"
	StatusAborted StepStatus = "aborted"
)

// StepResult is one line of a report.
type StepResult struct {
	Name     string
	Status   StepStatus
	Err      string
	Duration time.Duration
}

// SoftFailure is a step error that was logged and ignored.
type SoftFailure struct {
	Kind ErrorKind
	Step string
	Err  string
}

// Report describes one run.
type Report struct {
	ID               string
	Action           Action
	Identity         string
	StartedAt        time.Time
	Duration         time.Duration
	Steps            []StepResult
	SoftFailures     []SoftFailure
	Artifact         string // stored path after a successful upload
	EmailLink        string
	Bytes            int
	ExportsRemaining int // allowance seen by the quota check, before increment
	Error            string
}

// Succeeded reports whether the run delivered an artifact.
func (r Report) Succeeded() bool {
	return r.Error == ""
}

// errSkip ends a step without effect.
var errSkip = errors.New("skipped")

type step struct {
	name string
	mode mode
	kind ErrorKind
	run  func(r *run, ctx context.Context) error
}

// run is the state of one execution.
type run struct {
	o      *Orchestrator
	req    Request
	report Report

	root     *snapshot.LiveNode
	kind     domain.Kind
	result   domain.RenderResult
	decision domain.QuotaDecision
}

func (o *Orchestrator) pipeline() []step {
	steps := []step{
		{StepResolve, failFast, KindTargetNotReady, (*run).resolve},
		{StepQuota, failFast, KindQuotaUnavailable, (*run).checkQuota},
		{StepPersist, failSoft, KindPersistFailed, (*run).persist},
		{StepRender, failFast, KindRenderFailed, (*run).render},
		{StepDeliver, failSoft, KindDeliveryFailed, (*run).deliver},
		{StepIncrement, failSoft, KindIncrementFailed, (*run).increment},
		{StepUpload, failSoft, KindUploadFailed, (*run).upload},
	}
	return steps
}

func (r *run) execute(ctx context.Context, steps []step) error {
	if r.req.Action == ActionEmail {
		steps = append(steps, step{StepEmailLink, failSoft, KindEmailLinkFailed, (*run).emailLink})
	}
	for _, s := range steps {
		start := r.o.now()
		err := s.run(r, ctx)
		res := StepResult{Name: s.name, Status: StatusOK, Duration: r.o.now().Sub(start)}

		switch {
		case err == nil:
		case errors.Is(err, errSkip):
			res.Status = StatusSkipped
		case s.mode == failSoft:
			res.Status = StatusSoft
			res.Err = err.Error()
			r.report.SoftFailures = append(r.report.SoftFailures, SoftFailure{Kind: s.kind, Step: s.name, Err: err.Error()})
			logging.Warn("Export step failed, continuing",
				"export_id", r.report.ID,
				"step", s.name,
				"mode", s.mode.String(),
				"error", err,
			)
		default:
			res.Status = StatusAborted
			res.Err = err.Error()
			r.report.Steps = append(r.report.Steps, res)
			abort := r.abort(s, err)
			logging.Warn("Export aborted",
				"export_id", r.report.ID,
				"step", s.name,
				"kind", abort.Kind,
				"error", err,
			)
			return abort
		}
		r.report.Steps = append(r.report.Steps, res)
	}
	logging.Info("Export finished",
		"export_id", r.report.ID,
		"action", r.req.Action,
		"bytes", r.report.Bytes,
		"soft_failures", len(r.report.SoftFailures),
	)
	return nil
}

func (r *run) abort(s step, err error) *Error {
	var ee *Error
	if errors.As(err, &ee) {
		ee.Step = s.name
		return ee
	}
	e := &Error{Kind: s.kind, Step: s.name, Err: err}
	if e.Kind == KindTargetNotReady {
		e.ClearAfter = NotReadyClearAfter
	}
	return e
}

func (r *run) resolve(ctx context.Context) error {
	if r.o.deps.Target == nil {
		return ErrNotMounted
	}
	root, err := r.o.deps.Target.Resolve(ctx)
	if err != nil {
		return err
	}
	if root == nil {
		return ErrNotMounted
	}
	r.root = root

	switch r.req.Action {
	case ActionPDF, ActionEmail:
		r.kind = domain.KindPDF
	case ActionImage:
		r.kind = r.req.ImageKind
		if r.kind == "" {
			r.kind = domain.KindPNG
		}
		if !r.kind.IsImage() {
			return &Error{Kind: KindRenderFailed, Err: fmt.Errorf("unsupported image kind %q", r.kind)}
		}
	default:
		return &Error{Kind: KindRenderFailed, Err: fmt.Errorf("unknown export action %q", r.req.Action)}
	}
	return nil
}

func (r *run) checkQuota(ctx context.Context) error {
	d, err := r.o.deps.Quota.CanExport(ctx, r.req.Identity)
	if err != nil {
		return err
	}
	r.decision = d
	r.report.ExportsRemaining = d.ExportsRemaining
	if !d.CanExport {
		reason := d.Reason
		if reason == "" {
			reason = "export quota exhausted"
		}
		return &Error{Kind: KindQuotaExceeded, Err: errors.New(reason), Decision: &d}
	}
	return nil
}

func (r *run) persist(ctx context.Context) error {
	if r.o.deps.State == nil || r.req.ClientID == "" || len(r.req.State) == 0 {
		return errSkip
	}
	return r.o.deps.State.Save(ctx, r.req.ClientID, r.req.State)
}

func (r *run) render(ctx context.Context) error {
	html, err := r.o.deps.Serialize(r.root, snapshot.Options{
		PageFormat: r.req.PageFormat,
		Title:      r.title(),
		HiddenAttr: r.o.settings.HiddenAttr,
	})
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}
	job := domain.RenderJob{
		HTML:              html,
		Kind:              r.kind,
		PageFormat:        r.req.PageFormat,
		DeviceScaleFactor: r.o.settings.scaleFor(r.kind),
		Quality:           r.req.ImageQuality,
		FullPage:          true,
	}
	res, err := r.o.deps.Renderer.Render(ctx, job)
	if err != nil {
		return err
	}
	if !domain.HasSignature(r.kind, res.Bytes) {
		return fmt.Errorf("render returned no %s data", r.kind)
	}
	r.result = res
	r.report.Bytes = res.Length
	return nil
}

func (r *run) deliver(ctx context.Context) error {
	if r.o.deps.Delivery == nil {
		return errSkip
	}
	return r.o.deps.Delivery.Deliver(ctx, r.filename(), r.result)
}

func (r *run) increment(ctx context.Context) error {
	return r.o.deps.Quota.Increment(ctx, r.req.Identity)
}

func (r *run) upload(ctx context.Context) error {
	if r.req.Identity == "" || r.o.deps.Artifacts == nil {
		return errSkip
	}
	path, err := artifact.BuildPath(r.req.Identity, r.contextName(), r.kind.Ext(), r.o.now())
	if err != nil {
		return err
	}
	stored, err := r.o.deps.Artifacts.Upload(ctx, r.result.Bytes, path)
	if err != nil {
		return err
	}
	r.report.Artifact = stored
	return nil
}

func (r *run) emailLink(ctx context.Context) error {
	link, err := MailtoLink(r.req.Recipient, EmailData{
		ClientName:    r.req.ContextName,
		InvoiceNumber: r.req.InvoiceNumber,
		ArtifactPath:  r.report.Artifact,
		Filename:      r.filename(),
	})
	if err != nil {
		return err
	}
	r.report.EmailLink = link
	return nil
}

func (r *run) title() string {
	if r.o.settings.Title != "" {
		return r.o.settings.Title
	}
	if r.req.InvoiceNumber != "" {
		return "Invoice " + r.req.InvoiceNumber
	}
	return "Invoice"
}

func (r *run) filename() string {
	name := r.req.Filename
	if name == "" {
		name = "invoice"
		if r.req.InvoiceNumber != "" {
			name += "-" + artifact.Slug(r.req.InvoiceNumber)
		}
	}
	return name + "." + r.kind.Ext()
}

func (r *run) contextName() string {
	if r.req.ContextName != "" {
		return r.req.ContextName
	}
	return "invoices"
}
