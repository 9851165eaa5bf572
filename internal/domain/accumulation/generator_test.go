package accumulation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maven/billing/internal/platform/blobstore"
	"github.com/maven/billing/internal/platform/retry"
	"github.com/maven/billing/internal/platform/telemetry"
)

type memReportRepo struct {
	mu      sync.Mutex
	reports map[uuid.UUID]*PayerAccumulationReport
}

func newMemReportRepo() *memReportRepo {
	return &memReportRepo{reports: map[uuid.UUID]*PayerAccumulationReport{}}
}

func (r *memReportRepo) Create(_ context.Context, rep *PayerAccumulationReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	if rep.Status == "" {
		rep.Status = ReportStatusNew
	}
	rep.CreatedAt = time.Now()
	rep.UpdatedAt = rep.CreatedAt
	cp := *rep
	r.reports[rep.ID] = &cp
	return nil
}

func (r *memReportRepo) GetByID(_ context.Context, id uuid.UUID) (*PayerAccumulationReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *rep
	return &cp, nil
}

func (r *memReportRepo) GetByFilename(_ context.Context, filename string) (*PayerAccumulationReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.reports {
		if rep.Filename == filename {
			cp := *rep
			return &cp, nil
		}
	}
	return nil, ErrReportNotFound
}

func (r *memReportRepo) ListByStatus(_ context.Context, payerName string, status ReportStatus) ([]*PayerAccumulationReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PayerAccumulationReport
	for _, rep := range r.reports {
		if rep.PayerName == payerName && rep.Status == status {
			cp := *rep
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memReportRepo) UpdateStatus(_ context.Context, id uuid.UUID, status ReportStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[id]
	if !ok {
		return ErrReportNotFound
	}
	rep.Status = status
	rep.UpdatedAt = time.Now()
	return nil
}

type memMappingRepo struct {
	mu        sync.Mutex
	mappings  map[uuid.UUID]*AccumulationTreatmentMapping
	updateErr error
}

func newMemMappingRepo() *memMappingRepo {
	return &memMappingRepo{mappings: map[uuid.UUID]*AccumulationTreatmentMapping{}}
}

func (r *memMappingRepo) Create(_ context.Context, m *AccumulationTreatmentMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = MappingStatusSubmitted
	}
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	cp := *m
	r.mappings[m.ID] = &cp
	return nil
}

func (r *memMappingRepo) GetByUniqueID(_ context.Context, uniqueID string) (*AccumulationTreatmentMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappings {
		if m.AccumulationUniqueID == uniqueID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrMappingNotFound
}

func (r *memMappingRepo) ListByReport(_ context.Context, reportID uuid.UUID) ([]*AccumulationTreatmentMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*AccumulationTreatmentMapping
	for _, m := range r.mappings {
		if m.ReportID != nil && *m.ReportID == reportID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memMappingRepo) UpdateStatus(_ context.Context, id uuid.UUID, status MappingStatus, responseCode, rejectReason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	m, ok := r.mappings[id]
	if !ok {
		return ErrMappingNotFound
	}
	m.Status = status
	if responseCode != nil {
		m.ResponseCode = responseCode
	}
	if rejectReason != nil {
		m.RejectReason = rejectReason
	}
	m.UpdatedAt = time.Now()
	return nil
}

// failingStore rejects every upload with a permanent error so retry loops
// terminate immediately under test.
type failingStore struct{ blobstore.BlobStore }

func (f *failingStore) Upload(context.Context, string, io.Reader) (*blobstore.BlobMetadata, error) {
	return nil, retry.Permanent(errors.New("bucket unavailable"))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestGenerator(store blobstore.BlobStore) (*Generator, *memReportRepo, *memMappingRepo) {
	reports := newMemReportRepo()
	mappings := newMemMappingRepo()
	g := NewGenerator(NewAnthemCodec(), reports, mappings, store,
		telemetry.NewProvider("test"), zerolog.Nop(),
		WithGeneratorClock(fixedClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))))
	return g, reports, mappings
}

func TestGenerate_UploadsFileAndRecordsMappings(t *testing.T) {
	store := blobstore.NewInMemoryBlobStore()
	g, reports, mappings := newTestGenerator(store)

	entries := []ReportEntry{
		{Row: sampleRow(false), TreatmentProcedureID: 101},
		{Row: func() DetailRow { r := sampleRow(true); r.UniqueID = "MVN-2026-000043"; return r }(), TreatmentProcedureID: 102},
	}
	report, err := g.Generate(context.Background(), entries)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if report.Status != ReportStatusNew {
		t.Errorf("report status = %q, want NEW", report.Status)
	}
	if report.RecordCount != 2 {
		t.Errorf("record count = %d, want 2", report.RecordCount)
	}
	if report.Filename != "MAVEN_ANTHEM_20260825120000.TXT" {
		t.Errorf("filename = %q", report.Filename)
	}

	rc, err := store.Download(context.Background(), report.FilePath)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if got := RecordCountFromBuffer(string(body)); got != 2 {
		t.Errorf("uploaded buffer record count = %d, want 2", got)
	}

	stored, err := reports.GetByID(context.Background(), report.ID)
	if err != nil {
		t.Fatalf("report not persisted: %v", err)
	}
	if stored.Status != ReportStatusNew {
		t.Errorf("persisted status = %q, want NEW", stored.Status)
	}

	linked, err := mappings.ListByReport(context.Background(), report.ID)
	if err != nil {
		t.Fatalf("ListByReport: %v", err)
	}
	if len(linked) != 2 {
		t.Fatalf("got %d mappings, want 2", len(linked))
	}
	for _, m := range linked {
		if m.Status != MappingStatusSubmitted {
			t.Errorf("mapping %s status = %q, want SUBMITTED", m.AccumulationUniqueID, m.Status)
		}
	}
}

func TestGenerate_UploadFailureMarksReportFailure(t *testing.T) {
	g, reports, mappings := newTestGenerator(&failingStore{})

	report, err := g.Generate(context.Background(), []ReportEntry{{Row: sampleRow(false), TreatmentProcedureID: 101}})
	if err == nil {
		t.Fatal("expected upload error")
	}
	if report == nil {
		t.Fatal("report row should survive an upload failure")
	}

	stored, err := reports.GetByID(context.Background(), report.ID)
	if err != nil {
		t.Fatalf("report not persisted: %v", err)
	}
	if stored.Status != ReportStatusFailure {
		t.Errorf("report status = %q, want FAILURE", stored.Status)
	}

	linked, _ := mappings.ListByReport(context.Background(), report.ID)
	if len(linked) != 0 {
		t.Errorf("no mappings should exist for an undelivered file, got %d", len(linked))
	}
}

func TestGenerate_EmptyRun(t *testing.T) {
	store := blobstore.NewInMemoryBlobStore()
	g, _, _ := newTestGenerator(store)

	report, err := g.Generate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Generate with no entries: %v", err)
	}
	if report.RecordCount != 0 {
		t.Errorf("record count = %d, want 0", report.RecordCount)
	}
	rc, err := store.Download(context.Background(), report.FilePath)
	if err != nil {
		t.Fatalf("header+trailer file should still upload: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if got := RecordCountFromBuffer(string(body)); got != 0 {
		t.Errorf("empty run buffer count = %d, want 0", got)
	}
}
