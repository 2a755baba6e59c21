package export

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoice-export/internal/domain"
	"invoice-export/internal/quota"
	"invoice-export/internal/snapshot"
)

// callLog records collaborator calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(s string) int {
	n := 0
	for _, c := range l.list() {
		if c == s {
			n++
		}
	}
	return n
}

type fakeQuota struct {
	log      *callLog
	decision domain.QuotaDecision
	checkErr error
	incErr   error
}

func (q *fakeQuota) CanExport(ctx context.Context, identity string) (domain.QuotaDecision, error) {
	q.log.add("can_export")
	return q.decision, q.checkErr
}

func (q *fakeQuota) Increment(ctx context.Context, identity string) error {
	q.log.add("increment")
	return q.incErr
}

type fakeState struct {
	log *callLog
	err error
}

func (s *fakeState) Save(ctx context.Context, clientID string, state json.RawMessage) error {
	s.log.add("save_state")
	return s.err
}

type fakeRenderer struct {
	log  *callLog
	err  error
	mu   sync.Mutex
	jobs []domain.RenderJob
}

func (r *fakeRenderer) Render(ctx context.Context, job domain.RenderJob) (domain.RenderResult, error) {
	r.log.add("render")
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	n := len(r.jobs)
	r.mu.Unlock()
	if r.err != nil {
		return domain.RenderResult{}, r.err
	}
	switch job.Kind {
	case domain.KindPNG:
		return domain.NewRenderResult(job.Kind, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', byte(n)}), nil
	case domain.KindJPEG:
		return domain.NewRenderResult(job.Kind, []byte{0xff, 0xd8, 0xff, byte(n)}), nil
	}
	return domain.NewRenderResult(job.Kind, []byte("%PDF-1.7 #"+string(rune('0'+n)))), nil
}

type fakeDelivery struct {
	log   *callLog
	err   error
	mu    sync.Mutex
	names []string
}

func (d *fakeDelivery) Deliver(ctx context.Context, filename string, res domain.RenderResult) error {
	d.log.add("deliver")
	d.mu.Lock()
	d.names = append(d.names, filename)
	d.mu.Unlock()
	return d.err
}

type fakeArtifacts struct {
	log   *callLog
	err   error
	mu    sync.Mutex
	paths []string
}

func (a *fakeArtifacts) Upload(ctx context.Context, data []byte, path string) (string, error) {
	a.log.add("upload")
	if a.err != nil {
		return "", a.err
	}
	a.mu.Lock()
	a.paths = append(a.paths, path)
	a.mu.Unlock()
	return path, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	reports []Report
	err     error
}

func (r *fakeRecorder) Record(ctx context.Context, rep Report) error {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
	return r.err
}

type harness struct {
	log       *callLog
	quota     *fakeQuota
	state     *fakeState
	renderer  *fakeRenderer
	delivery  *fakeDelivery
	artifacts *fakeArtifacts
	recorder  *fakeRecorder
	root      *snapshot.LiveNode
}

func newHarness() *harness {
	log := &callLog{}
	return &harness{
		log:       log,
		quota:     &fakeQuota{log: log, decision: domain.QuotaDecision{CanExport: true, ExportsRemaining: 3}},
		state:     &fakeState{log: log},
		renderer:  &fakeRenderer{log: log},
		delivery:  &fakeDelivery{log: log},
		artifacts: &fakeArtifacts{log: log},
		recorder:  &fakeRecorder{},
		root: snapshot.Element("div", map[string]string{"color": "rgb(0, 0, 0)"},
			snapshot.Text("Invoice"),
			snapshot.Element("button", nil, snapshot.Text("Edit")).WithAttr(snapshot.DefaultHiddenAttr, "")),
	}
}

func (h *harness) orchestrator() *Orchestrator {
	return New(Deps{
		Target: TargetFunc(func(ctx context.Context) (*snapshot.LiveNode, error) {
			h.log.add("resolve")
			return h.root, nil
		}),
		Quota:     h.quota,
		State:     h.state,
		Renderer:  h.renderer,
		Delivery:  h.delivery,
		Artifacts: h.artifacts,
		Recorder:  h.recorder,
	}, Settings{})
}

func pdfRequest() Request {
	return Request{
		Action:        ActionPDF,
		Identity:      "user-1",
		ClientID:      "client-7",
		State:         json.RawMessage(`{"number":"42"}`),
		ContextName:   "ACME Corp",
		InvoiceNumber: "42",
		PageFormat:    domain.PageFormat{Name: "A4", Width: 8.27, Height: 11.69},
	}
}

func TestRun_HappyPathOrder(t *testing.T) {
	h := newHarness()
	rep, err := h.orchestrator().Run(context.Background(), pdfRequest())
	require.NoError(t, err)

	assert.Equal(t, []string{"resolve", "can_export", "save_state", "render", "deliver", "increment", "upload"}, h.log.list())
	assert.True(t, rep.Succeeded())
	assert.Empty(t, rep.SoftFailures)
	assert.Equal(t, 3, rep.ExportsRemaining)
	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, []string{"invoice-42.pdf"}, h.delivery.names)
	require.Len(t, h.artifacts.paths, 1)
	assert.Regexp(t, `^user-1-[0-9a-f]{8}/acme-corp/`, h.artifacts.paths[0])
	assert.Equal(t, h.artifacts.paths[0], rep.Artifact)
	require.Len(t, rep.Steps, 7)
	for _, s := range rep.Steps {
		assert.Equal(t, StatusOK, s.Status, s.Name)
	}

	require.Len(t, h.renderer.jobs, 1)
	job := h.renderer.jobs[0]
	assert.Equal(t, domain.KindPDF, job.Kind)
	assert.True(t, strings.HasPrefix(job.HTML, "<!DOCTYPE html>"))
	assert.Contains(t, job.HTML, "<title>Invoice 42</title>")
	assert.NotContains(t, job.HTML, "Edit", "export-hidden controls never reach the renderer")
	assert.Equal(t, 2.0, job.DeviceScaleFactor)

	require.Len(t, h.recorder.reports, 1)
	assert.Equal(t, rep.ID, h.recorder.reports[0].ID)
}

func TestRun_TargetNotReadyStopsEverything(t *testing.T) {
	h := newHarness()
	h.root = nil
	_, err := h.orchestrator().Run(context.Background(), pdfRequest())

	var ee *Error
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, KindTargetNotReady, ee.Kind)
	assert.True(t, ee.Transient())
	assert.Equal(t, NotReadyClearAfter, ee.ClearAfter)
	assert.ErrorIs(t, err, ErrNotMounted)
	assert.Equal(t, []string{"resolve"}, h.log.list())
}

func TestRun_QuotaDeniedHasNoSideEffects(t *testing.T) {
	h := newHarness()
	h.quota.decision = domain.QuotaDecision{CanExport: false, Reason: "free plan limit of 3 exports reached"}
	rep, err := h.orchestrator().Run(context.Background(), pdfRequest())

	var ee *Error
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, KindQuotaExceeded, ee.Kind)
	assert.True(t, ee.Paywall())
	require.NotNil(t, ee.Decision)
	assert.False(t, ee.Decision.CanExport)
	assert.Contains(t, err.Error(), "limit of 3")

	assert.Equal(t, []string{"resolve", "can_export"}, h.log.list())
	assert.Zero(t, h.log.count("render"))
	assert.Zero(t, h.log.count("increment"))
	assert.Zero(t, h.log.count("upload"))
	assert.Zero(t, h.log.count("save_state"))
	assert.False(t, rep.Succeeded())
	require.Len(t, h.recorder.reports, 1, "aborted runs are recorded too")
}

func TestRun_QuotaLookupFailureAborts(t *testing.T) {
	h := newHarness()
	h.quota.checkErr = errors.New("db down")
	_, err := h.orchestrator().Run(context.Background(), pdfRequest())
	assert.Equal(t, KindQuotaUnavailable, KindOf(err))
	assert.Zero(t, h.log.count("render"))
}

func TestRun_RenderFailureNeverIncrements(t *testing.T) {
	h := newHarness()
	h.renderer.err = domain.ErrRenderTimeout
	rep, err := h.orchestrator().Run(context.Background(), pdfRequest())

	assert.Equal(t, KindRenderFailed, KindOf(err))
	assert.ErrorIs(t, err, domain.ErrRenderTimeout)
	assert.Equal(t, []string{"resolve", "can_export", "save_state", "render"}, h.log.list())
	last := rep.Steps[len(rep.Steps)-1]
	assert.Equal(t, StepRender, last.Name)
	assert.Equal(t, StatusAborted, last.Status)
}

func TestRun_RenderOutputWithoutSignatureIsAFailure(t *testing.T) {
	h := newHarness()
	o := h.orchestrator()
	o.deps.Renderer = rendererFunc(func(ctx context.Context, job domain.RenderJob) (domain.RenderResult, error) {
		return domain.NewRenderResult(job.Kind, []byte("<html>oops</html>")), nil
	})
	_, err := o.Run(context.Background(), pdfRequest())
	assert.Equal(t, KindRenderFailed, KindOf(err))
	assert.Zero(t, h.log.count("increment"))
}

type rendererFunc func(ctx context.Context, job domain.RenderJob) (domain.RenderResult, error)

func (f rendererFunc) Render(ctx context.Context, job domain.RenderJob) (domain.RenderResult, error) {
	return f(ctx, job)
}

func TestRun_IncrementHappensOnceAfterRenderResolves(t *testing.T) {
	h := newHarness()
	_, err := h.orchestrator().Run(context.Background(), pdfRequest())
	require.NoError(t, err)

	calls := h.log.list()
	assert.Equal(t, 1, h.log.count("increment"))
	renderAt, incAt := -1, -1
	for i, c := range calls {
		switch c {
		case "render":
			renderAt = i
		case "increment":
			incAt = i
		}
	}
	assert.Greater(t, incAt, renderAt)
}

func TestRun_SoftFailuresDoNotAbort(t *testing.T) {
	h := newHarness()
	h.state.err = errors.New("redis down")
	h.artifacts.err = errors.New("disk full")
	h.quota.incErr = errors.New("db blip")
	rep, err := h.orchestrator().Run(context.Background(), pdfRequest())
	require.NoError(t, err)

	assert.True(t, rep.Succeeded())
	assert.Equal(t, 1, h.log.count("render"))
	assert.Equal(t, 1, h.log.count("deliver"))
	require.Len(t, rep.SoftFailures, 3)
	kinds := []ErrorKind{rep.SoftFailures[0].Kind, rep.SoftFailures[1].Kind, rep.SoftFailures[2].Kind}
	assert.Equal(t, []ErrorKind{KindPersistFailed, KindIncrementFailed, KindUploadFailed}, kinds)
	assert.Empty(t, rep.Artifact)
}

func TestRun_DeliveryFailureStillIncrementsOnce(t *testing.T) {
	h := newHarness()
	h.delivery.err = errors.New("read-only output dir")
	rep, err := h.orchestrator().Run(context.Background(), pdfRequest())
	require.NoError(t, err)

	assert.Equal(t, []string{"resolve", "can_export", "save_state", "render", "deliver", "increment", "upload"}, h.log.list())
	assert.Equal(t, 1, h.log.count("increment"))
	require.Len(t, rep.SoftFailures, 1)
	assert.Equal(t, KindDeliveryFailed, rep.SoftFailures[0].Kind)
	assert.Equal(t, StepDeliver, rep.SoftFailures[0].Step)
	assert.Contains(t, rep.SoftFailures[0].Err, "read-only")
	assert.Equal(t, StatusSoft, rep.Steps[4].Status)
	assert.NotEmpty(t, rep.Artifact, "the stored copy is the only copy left")
}

func TestRun_AnonymousSkipsUpload(t *testing.T) {
	h := newHarness()
	req := pdfRequest()
	req.Identity = ""
	rep, err := h.orchestrator().Run(context.Background(), req)
	require.NoError(t, err)

	assert.Zero(t, h.log.count("upload"))
	assert.Equal(t, 1, h.log.count("increment"))
	last := rep.Steps[len(rep.Steps)-1]
	assert.Equal(t, StepUpload, last.Name)
	assert.Equal(t, StatusSkipped, last.Status)
}

func TestRun_MissingClientStateSkipsPersistence(t *testing.T) {
	h := newHarness()
	req := pdfRequest()
	req.State = nil
	rep, err := h.orchestrator().Run(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, h.log.count("save_state"))
	assert.Equal(t, StatusSkipped, rep.Steps[2].Status)
}

func TestRun_TwoIdenticalRunsRenderTwice(t *testing.T) {
	h := newHarness()
	o := h.orchestrator()
	r1, err := o.Run(context.Background(), pdfRequest())
	require.NoError(t, err)
	r2, err := o.Run(context.Background(), pdfRequest())
	require.NoError(t, err)

	assert.Equal(t, 2, h.log.count("render"))
	assert.Equal(t, 2, h.log.count("increment"))
	assert.NotEqual(t, r1.ID, r2.ID)
	assert.NotEqual(t, h.artifacts.paths[0], h.artifacts.paths[1])
}

func TestRun_ImageAction(t *testing.T) {
	h := newHarness()
	req := pdfRequest()
	req.Action = ActionImage
	req.ImageKind = domain.KindJPEG
	req.ImageQuality = 80
	_, err := h.orchestrator().Run(context.Background(), req)
	require.NoError(t, err)

	job := h.renderer.jobs[0]
	assert.Equal(t, domain.KindJPEG, job.Kind)
	assert.Equal(t, 80, job.Quality)
	assert.True(t, job.FullPage)
	assert.Equal(t, 3.0, job.DeviceScaleFactor)
	assert.Equal(t, []string{"invoice-42.jpg"}, h.delivery.names)
	assert.True(t, strings.HasSuffix(h.artifacts.paths[0], ".jpg"))
}

func TestRun_ScaleFactorFollowsOutputKind(t *testing.T) {
	h := newHarness()
	o := h.orchestrator()
	o.settings = Settings{PDFScaleFactor: 1.5, ImageScaleFactor: 4}

	_, err := o.Run(context.Background(), pdfRequest())
	require.NoError(t, err)
	req := pdfRequest()
	req.Action = ActionImage
	_, err = o.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, h.renderer.jobs, 2)
	assert.Equal(t, 1.5, h.renderer.jobs[0].DeviceScaleFactor)
	assert.Equal(t, domain.KindPNG, h.renderer.jobs[1].Kind)
	assert.Equal(t, 4.0, h.renderer.jobs[1].DeviceScaleFactor)
}

func TestRun_ImageActionRejectsPDFKind(t *testing.T) {
	h := newHarness()
	req := pdfRequest()
	req.Action = ActionImage
	req.ImageKind = domain.KindPDF
	_, err := h.orchestrator().Run(context.Background(), req)
	assert.Equal(t, KindRenderFailed, KindOf(err))
	assert.Zero(t, h.log.count("can_export"))
}

func TestRun_EmailActionBuildsLink(t *testing.T) {
	h := newHarness()
	req := pdfRequest()
	req.Action = ActionEmail
	req.Recipient = "billing@acme.test"
	rep, err := h.orchestrator().Run(context.Background(), req)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(rep.EmailLink, "mailto:billing@acme.test?"))
	u, err := url.Parse(rep.EmailLink)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "Invoice 42 for ACME Corp", q.Get("subject"))
	assert.Contains(t, q.Get("body"), "invoice 42 attached as invoice-42.pdf")
	assert.Contains(t, q.Get("body"), rep.Artifact)
	assert.Equal(t, domain.KindPDF, h.renderer.jobs[0].Kind)
}

func TestRun_EmailWithBadRecipientIsSoft(t *testing.T) {
	h := newHarness()
	req := pdfRequest()
	req.Action = ActionEmail
	req.Recipient = "not an address"
	rep, err := h.orchestrator().Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, rep.SoftFailures, 1)
	assert.Equal(t, KindEmailLinkFailed, rep.SoftFailures[0].Kind)
	assert.Empty(t, rep.EmailLink)
}

func TestRun_RecorderErrorIsIgnored(t *testing.T) {
	h := newHarness()
	h.recorder.err = errors.New("sqlite locked")
	_, err := h.orchestrator().Run(context.Background(), pdfRequest())
	require.NoError(t, err)
}

func TestRun_WithMemoryQuotaReachesPaywall(t *testing.T) {
	h := newHarness()
	o := h.orchestrator()
	o.deps.Quota = quota.NewGate(quota.NewMemoryRepository(2))

	for i := 0; i < 2; i++ {
		_, err := o.Run(context.Background(), pdfRequest())
		require.NoError(t, err)
	}
	_, err := o.Run(context.Background(), pdfRequest())
	assert.Equal(t, KindQuotaExceeded, KindOf(err))
	assert.Equal(t, 2, h.log.count("render"))
}

func TestRun_OverlappingRunsAreIndependent(t *testing.T) {
	h := newHarness()
	o := h.orchestrator()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Run(context.Background(), pdfRequest())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 4, h.log.count("render"))
	assert.Equal(t, 4, h.log.count("increment"))
}

func TestMailtoLink_WithoutRecipientOrPath(t *testing.T) {
	link, err := MailtoLink("", EmailData{Filename: "invoice.pdf"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, "mailto:?subject=Invoice&body="))
	assert.NotContains(t, link, "+")
	assert.Contains(t, link, "%0D%0A")
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("email")
	require.NoError(t, err)
	assert.Equal(t, ActionEmail, a)
	_, err = ParseAction("fax")
	assert.Error(t, err)
}

func TestError_Format(t *testing.T) {
	e := &Error{Kind: KindRenderFailed, Step: StepRender, Err: errors.New("boom")}
	assert.Equal(t, "export render: render_failed: boom", e.Error())
	assert.False(t, e.Transient())
	assert.Equal(t, time.Duration(0), e.ClearAfter)
}
