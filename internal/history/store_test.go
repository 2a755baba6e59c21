package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"invoice-export/internal/export"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		r := export.Report{
			ID:        fmt.Sprintf("exp-%d", i),
			Action:    export.ActionPDF,
			Identity:  "u1",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Duration:  1500 * time.Millisecond,
			Bytes:     1024,
			Artifact:  fmt.Sprintf("u1/acme/%d.pdf", i),
			Steps: []export.StepResult{
				{Name: export.StepRender, Status: export.StatusOK},
				{Name: export.StepUpload, Status: export.StatusSoft, Err: "disk full"},
			},
			SoftFailures: []export.SoftFailure{{Kind: export.KindUploadFailed, Step: export.StepUpload, Err: "disk full"}},
		}
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if err := s.Record(ctx, export.Report{ID: "other", Action: export.ActionImage, Identity: "u2", StartedAt: base}); err != nil {
		t.Fatalf("record other: %v", err)
	}

	got, err := s.List(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ID != "exp-2" || got[1].ID != "exp-1" {
		t.Fatalf("expected newest first, got %s, %s", got[0].ID, got[1].ID)
	}
	e := got[0]
	if !e.Succeeded || e.Bytes != 1024 || e.Duration != 1500*time.Millisecond || e.Artifact != "u1/acme/2.pdf" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if len(e.Steps) != 2 || e.Steps[1].Status != export.StatusSoft {
		t.Fatalf("steps not restored: %+v", e.Steps)
	}
	if len(e.SoftFailures) != 1 || e.SoftFailures[0].Kind != export.KindUploadFailed {
		t.Fatalf("soft failures not restored: %+v", e.SoftFailures)
	}
}

func TestStore_RecordsFailedRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Record(ctx, export.Report{
		ID:        "failed",
		Action:    export.ActionPDF,
		StartedAt: time.Now(),
		Error:     "export check_quota: quota_exceeded",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Succeeded || got[0].Error == "" {
		t.Fatalf("expected one failed anonymous entry, got %+v", got)
	}
}

func TestStore_DuplicateIDFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := export.Report{ID: "dup", Action: export.ActionPDF, StartedAt: time.Now()}
	if err := s.Record(ctx, r); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Record(ctx, r); err == nil {
		t.Fatalf("expected primary key violation")
	}
}

func TestStore_NilStore(t *testing.T) {
	var s *Store
	if err := s.Record(context.Background(), export.Report{}); err == nil {
		t.Fatalf("expected error from nil store")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close nil: %v", err)
	}
}
