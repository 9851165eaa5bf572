package accumulation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maven/billing/internal/platform/telemetry"
)

// ResponseStats summarizes one response file reconciliation.
type ResponseStats struct {
	Total    int
	Accepted int
	Rejected int
	Skipped  int
}

// ResponseProcessor reconciles payer response files against treatment
// mappings. It is payer-agnostic past codec selection: every payer's rows
// reduce to the same DetailMetadata shape.
type ResponseProcessor struct {
	codecs   []Codec
	mappings MappingRepository
	reports  ReportRepository
	metrics  *telemetry.Provider
	logger   zerolog.Logger
}

func NewResponseProcessor(codecs []Codec, mappings MappingRepository, reports ReportRepository,
	metrics *telemetry.Provider, logger zerolog.Logger) *ResponseProcessor {
	return &ResponseProcessor{
		codecs:   codecs,
		mappings: mappings,
		reports:  reports,
		metrics:  metrics,
		logger:   logger.With().Str("component", "accumulation_responses").Logger(),
	}
}

// CodecFor returns the codec whose response filename pattern matches, or
// nil. A nil result is normal control flow, not an error.
func (p *ResponseProcessor) CodecFor(filename string) Codec {
	for _, c := range p.codecs {
		if c.MatchResponseFilename(filename) {
			return c
		}
	}
	return nil
}

// Process parses one response file and updates the matching treatment
// mappings. Each row is handled best-effort: a row that cannot be applied
// is counted and logged, never aborts the batch. Reports whose rows were
// reconciled are marked PROCESSED. A filename no codec claims returns
// (nil, nil).
func (p *ResponseProcessor) Process(ctx context.Context, filename, contents string) (*ResponseStats, error) {
	codec := p.CodecFor(filename)
	if codec == nil {
		p.logger.Debug().Str("filename", filename).Msg("no codec claims response file")
		return nil, nil
	}
	log := p.logger.With().Str("payer", codec.PayerName()).Str("filename", filename).Logger()

	stats := &ResponseStats{}
	touchedReports := map[uuid.UUID]struct{}{}
	for _, row := range codec.DetailRows(contents) {
		stats.Total++
		md := codec.DetailMetadata(row)
		if !md.IsResponse || !md.ShouldUpdate {
			stats.Skipped++
			continue
		}
		m, err := p.mappings.GetByUniqueID(ctx, md.UniqueID)
		if errors.Is(err, ErrMappingNotFound) {
			log.Warn().Str("unique_id", md.UniqueID).Msg("response row has no treatment mapping")
			stats.Skipped++
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("unique_id", md.UniqueID).Msg("treatment mapping lookup failed")
			stats.Skipped++
			continue
		}

		status := MappingStatusAccepted
		var rejectReason *string
		if md.IsRejection {
			status = MappingStatusRejected
			rejectReason = &md.ResponseReason
		}
		responseCode := md.ResponseCode
		if err := p.mappings.UpdateStatus(ctx, m.ID, status, &responseCode, rejectReason); err != nil {
			log.Error().Err(err).Str("unique_id", md.UniqueID).Msg("treatment mapping update failed")
			stats.Skipped++
			continue
		}
		if m.ReportID != nil {
			touchedReports[*m.ReportID] = struct{}{}
		}
		if md.IsRejection {
			stats.Rejected++
			p.metrics.Incr(telemetry.MetricAccumulationResponse, codec.PayerName(), "rejected")
		} else {
			stats.Accepted++
			p.metrics.Incr(telemetry.MetricAccumulationResponse, codec.PayerName(), "accepted")
		}
	}

	for id := range touchedReports {
		if err := p.reports.UpdateStatus(ctx, id, ReportStatusProcessed); err != nil {
			log.Error().Err(err).Str("report_id", id.String()).Msg("could not mark report processed")
		}
	}

	log.Info().Int("total", stats.Total).Int("accepted", stats.Accepted).
		Int("rejected", stats.Rejected).Int("skipped", stats.Skipped).
		Msg("response file reconciled")
	return stats, nil
}
