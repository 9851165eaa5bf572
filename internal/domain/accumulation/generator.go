package accumulation

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/maven/billing/internal/platform/blobstore"
	"github.com/maven/billing/internal/platform/retry"
	"github.com/maven/billing/internal/platform/telemetry"
)

const crlf = "\r\n"

// ReportEntry pairs one outbound detail row with the procedure whose
// accumulator change it reports. The procedure link lives only in the
// treatment mapping, never in the file itself.
type ReportEntry struct {
	Row                  DetailRow
	TreatmentProcedureID int64
}

// Generator renders accumulation files for one payer, persists the report
// row, and uploads the file to object storage.
type Generator struct {
	codec    Codec
	reports  ReportRepository
	mappings MappingRepository
	store    blobstore.BlobStore
	metrics  *telemetry.Provider
	logger   zerolog.Logger
	now      func() time.Time
}

type GeneratorOption func(*Generator)

func WithGeneratorClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

func NewGenerator(codec Codec, reports ReportRepository, mappings MappingRepository,
	store blobstore.BlobStore, metrics *telemetry.Provider, logger zerolog.Logger,
	opts ...GeneratorOption) *Generator {
	g := &Generator{
		codec:    codec,
		reports:  reports,
		mappings: mappings,
		store:    store,
		metrics:  metrics,
		logger:   logger.With().Str("component", "accumulation_generator").Str("payer", codec.PayerName()).Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate renders header, details, and trailer for entries, verifies the
// trailer's declared count against the rendered body, persists the report
// row, uploads the file, and records one treatment mapping per entry.
// An upload failure marks the report FAILURE; the report row survives so
// the run is auditable.
func (g *Generator) Generate(ctx context.Context, entries []ReportEntry) (*PayerAccumulationReport, error) {
	runDate := g.now().UTC()
	transmissionID := runDate.Format("20060102150405")

	var buf bytes.Buffer
	header, err := g.codec.GenerateHeader(runDate, transmissionID)
	if err != nil {
		return nil, fmt.Errorf("generate header: %w", err)
	}
	buf.WriteString(header)
	buf.WriteString(crlf)
	for i, e := range entries {
		detail, err := g.codec.GenerateDetail(e.Row)
		if err != nil {
			return nil, fmt.Errorf("generate detail %d: %w", i, err)
		}
		buf.WriteString(detail)
		buf.WriteString(crlf)
	}
	trailer, err := g.codec.GenerateTrailer(len(entries), runDate)
	if err != nil {
		return nil, fmt.Errorf("generate trailer: %w", err)
	}
	buf.WriteString(trailer)
	buf.WriteString(crlf)

	// Trailer declares len(entries); the buffer must agree before upload.
	if count := RecordCountFromBuffer(buf.String()); count != len(entries) {
		return nil, fmt.Errorf("record count mismatch: buffer has %d detail rows, trailer declares %d", count, len(entries))
	}

	filename := fmt.Sprintf("MAVEN_%s_%s.TXT", strings.ToUpper(g.codec.PayerName()), transmissionID)
	report := &PayerAccumulationReport{
		PayerName:   g.codec.PayerName(),
		Filename:    filename,
		FilePath:    fmt.Sprintf("outbound/%s/%s", g.codec.PayerName(), filename),
		Status:      ReportStatusNew,
		RecordCount: len(entries),
		ReportDate:  runDate,
	}
	if err := g.reports.Create(ctx, report); err != nil {
		return nil, fmt.Errorf("persist accumulation report: %w", err)
	}

	uploadErr := retry.Do(ctx, func() error {
		_, err := g.store.Upload(ctx, report.FilePath, bytes.NewReader(buf.Bytes()))
		return err
	})
	if uploadErr != nil {
		g.logger.Error().Err(uploadErr).Str("filename", filename).Msg("accumulation file upload failed")
		if err := g.reports.UpdateStatus(ctx, report.ID, ReportStatusFailure); err != nil {
			g.logger.Error().Err(err).Str("filename", filename).Msg("could not mark report as failed")
		}
		report.Status = ReportStatusFailure
		g.metrics.Incr(telemetry.MetricAccumulationFile, g.codec.PayerName(), "failure")
		return report, fmt.Errorf("upload accumulation file %s: %w", filename, uploadErr)
	}

	for _, e := range entries {
		m := &AccumulationTreatmentMapping{
			AccumulationUniqueID: e.Row.UniqueID,
			ReportID:             &report.ID,
			PayerName:            g.codec.PayerName(),
			TreatmentProcedureID: e.TreatmentProcedureID,
			MemberID:             e.Row.MemberID,
			DeductibleApplied:    e.Row.Deductible,
			OOPApplied:           e.Row.OOP,
			IsReversal:           e.Row.Reversal,
			Status:               MappingStatusSubmitted,
		}
		if err := g.mappings.Create(ctx, m); err != nil {
			return report, fmt.Errorf("persist treatment mapping for %s: %w", e.Row.UniqueID, err)
		}
	}

	g.metrics.Incr(telemetry.MetricAccumulationFile, g.codec.PayerName(), "generated")
	g.logger.Info().Str("filename", filename).Int("records", len(entries)).Msg("accumulation file generated")
	return report, nil
}
