package render

import (
	"errors"
	"fmt"
	"time"

	"invoice-export/internal/domain"
	"invoice-export/internal/infra/logging"
)

// Stage names a step of the render lifecycle.
type Stage string

const (
	StageInit        Stage = "INIT"
	StageLaunch      Stage = "LAUNCH_BROWSER"
	StageOpenContext Stage = "OPEN_ISOLATED_CONTEXT"
	StageLoad        Stage = "LOAD_DOCUMENT"
	StageSettle      Stage = "WAIT_SETTLED"
	StageCapture     Stage = "CAPTURE"
	StageTeardown    Stage = "TEARDOWN"
	StageRespond     Stage = "RESPOND"
)

// Error reports the stage a job failed in.
type Error struct {
	Stage Stage
	Kind  domain.Kind
	Err   error
}

func (e *Error) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("render failed at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s render failed at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StageOf returns the failing stage of err, or "" when err is not a render error.
func StageOf(err error) Stage {
	var re *Error
	if errors.As(err, &re) {
		return re.Stage
	}
	return ""
}

// progress logs stage transitions of one job.
type progress struct {
	kind    domain.Kind
	started time.Time
	stage   Stage
	entered time.Time
}

func newProgress(kind domain.Kind) *progress {
	now := time.Now()
	return &progress{kind: kind, started: now, stage: StageInit, entered: now}
}

func (p *progress) enter(s Stage) {
	now := time.Now()
	logging.Debug("Render stage finished",
		"kind", p.kind,
		"stage", p.stage,
		"took_ms", now.Sub(p.entered).Milliseconds(),
	)
	p.stage = s
	p.entered = now
}

func (p *progress) fail(s Stage, err error) error {
	logging.Warn("Render failed",
		"kind", p.kind,
		"stage", s,
		"error", err,
		"elapsed_ms", time.Since(p.started).Milliseconds(),
	)
	return &Error{Stage: s, Kind: p.kind, Err: err}
}

func (p *progress) done() {
	logging.Debug("Render job torn down",
		"kind", p.kind,
		"elapsed_ms", time.Since(p.started).Milliseconds(),
	)
}
