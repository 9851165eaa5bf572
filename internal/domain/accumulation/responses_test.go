package accumulation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/maven/billing/internal/platform/blobstore"
	"github.com/maven/billing/internal/platform/telemetry"
)

func newTestProcessor(reports *memReportRepo, mappings *memMappingRepo) *ResponseProcessor {
	return NewResponseProcessor(
		[]Codec{NewAnthemCodec(), NewCredenceCodec(), NewESICodec()},
		mappings, reports, telemetry.NewProvider("test"), zerolog.Nop())
}

// buildResponseFile renders an outbound anthem file and then fills in the
// payer's status and reject fields, the way a real response comes back.
func buildResponseFile(t *testing.T, rows []DetailRow, statuses, rejects []string) string {
	t.Helper()
	c := NewAnthemCodec()
	runDate := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	header, err := c.GenerateHeader(runDate, "0000000002")
	if err != nil {
		t.Fatalf("GenerateHeader: %v", err)
	}
	contents := header + "\r\n"
	for i, row := range rows {
		line, err := c.GenerateDetail(row)
		if err != nil {
			t.Fatalf("GenerateDetail: %v", err)
		}
		line = overlay(t, anthemDetailLayout, line, "status_code", statuses[i])
		if rejects[i] != "" {
			line = overlay(t, anthemDetailLayout, line, "reject_code", rejects[i])
		}
		contents += line + "\r\n"
	}
	trailer, err := c.GenerateTrailer(len(rows), runDate)
	if err != nil {
		t.Fatalf("GenerateTrailer: %v", err)
	}
	return contents + trailer + "\r\n"
}

func TestProcess_UpdatesMappingsAndReport(t *testing.T) {
	store := blobstore.NewInMemoryBlobStore()
	g, reports, mappings := newTestGenerator(store)

	rowA := sampleRow(false)
	rowB := sampleRow(false)
	rowB.UniqueID = "MVN-2026-000043"
	report, err := g.Generate(context.Background(), []ReportEntry{
		{Row: rowA, TreatmentProcedureID: 101},
		{Row: rowB, TreatmentProcedureID: 102},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	contents := buildResponseFile(t, []DetailRow{rowA, rowB},
		[]string{"01", "02"}, []string{"", "002"})

	p := newTestProcessor(reports, mappings)
	stats, err := p.Process(context.Background(), "ANTHEM_MAVEN_RESP_20260826.TXT", contents)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if stats.Accepted != 1 || stats.Rejected != 1 || stats.Skipped != 0 {
		t.Errorf("stats = %+v, want 1 accepted, 1 rejected", *stats)
	}

	a, err := mappings.GetByUniqueID(context.Background(), rowA.UniqueID)
	if err != nil {
		t.Fatalf("mapping A: %v", err)
	}
	if a.Status != MappingStatusAccepted {
		t.Errorf("mapping A status = %q, want ACCEPTED", a.Status)
	}

	b, err := mappings.GetByUniqueID(context.Background(), rowB.UniqueID)
	if err != nil {
		t.Fatalf("mapping B: %v", err)
	}
	if b.Status != MappingStatusRejected {
		t.Errorf("mapping B status = %q, want REJECTED", b.Status)
	}
	if b.RejectReason == nil || *b.RejectReason != "member not found" {
		t.Errorf("mapping B reject reason = %v, want mapped reason", b.RejectReason)
	}

	stored, err := reports.GetByID(context.Background(), report.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if stored.Status != ReportStatusProcessed {
		t.Errorf("report status = %q, want PROCESSED", stored.Status)
	}
}

func TestProcess_UnknownUniqueIDIsSkippedNotFatal(t *testing.T) {
	reports := newMemReportRepo()
	mappings := newMemMappingRepo()

	row := sampleRow(false)
	row.UniqueID = "MVN-NEVER-SEEN"
	contents := buildResponseFile(t, []DetailRow{row}, []string{"02"}, []string{"001"})

	p := newTestProcessor(reports, mappings)
	stats, err := p.Process(context.Background(), "ANTHEM_MAVEN_RESP_20260826.TXT", contents)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if stats.Skipped != 1 || stats.Rejected != 0 {
		t.Errorf("stats = %+v, want the orphan row skipped", *stats)
	}
}

func TestProcess_RowUpdateFailureDoesNotAbortBatch(t *testing.T) {
	store := blobstore.NewInMemoryBlobStore()
	g, reports, mappings := newTestGenerator(store)

	row := sampleRow(false)
	if _, err := g.Generate(context.Background(), []ReportEntry{{Row: row, TreatmentProcedureID: 101}}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	mappings.updateErr = context.DeadlineExceeded

	contents := buildResponseFile(t, []DetailRow{row}, []string{"01"}, []string{""})
	p := newTestProcessor(reports, mappings)
	stats, err := p.Process(context.Background(), "ANTHEM_MAVEN_RESP_20260826.TXT", contents)
	if err != nil {
		t.Fatalf("row-level failure must not fail the batch: %v", err)
	}
	if stats.Skipped != 1 || stats.Accepted != 0 {
		t.Errorf("stats = %+v, want the failing row counted as skipped", *stats)
	}
}

func TestProcess_UnclaimedFilenameIsNormalFlow(t *testing.T) {
	p := newTestProcessor(newMemReportRepo(), newMemMappingRepo())
	stats, err := p.Process(context.Background(), "random_export.csv", "whatever")
	if err != nil {
		t.Fatalf("unclaimed filename must not error: %v", err)
	}
	if stats != nil {
		t.Errorf("stats = %+v, want nil for unclaimed filename", *stats)
	}
}
