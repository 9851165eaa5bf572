package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/maven/billing/internal/domain/accumulation"
	"github.com/maven/billing/internal/platform/blobstore"
	"github.com/maven/billing/internal/platform/retry"
	"github.com/maven/billing/internal/platform/telemetry"
)

// YTD spend file: 120-byte records, DQ data rows and DR rejection carriers.
// The same layout tables drive both this parser and any fixture generation
// in tests.

const spendRecordWidth = 120

var spendDataLayout = accumulation.Layout{
	"record_type":        {Start: 1, End: 2},
	"policy_id":          {Start: 3, End: 17},
	"member_id":          {Start: 18, End: 32},
	"plan_year":          {Start: 33, End: 36},
	"transmission_id":    {Start: 37, End: 48},
	"deductible_applied": {Start: 49, End: 58},
	"oop_applied":        {Start: 59, End: 68},
	"source":             {Start: 69, End: 78},
}

var spendRejectLayout = accumulation.Layout{
	"record_type":            {Start: 1, End: 2},
	"accumulation_unique_id": {Start: 3, End: 22},
	"reject_code":            {Start: 23, End: 25},
	"reject_reason":          {Start: 26, End: 65},
}

const decryptedPrefix = "decrypted/"

// spendBatchSize bounds each write transaction during a parse run.
const spendBatchSize = 50

// Decryptor decrypts one PGP payload. Satisfied by pgp.Decryptor.
type Decryptor interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

type ParserParams struct {
	TargetFile string `validate:"required"`
}

// ParseStats summarizes one parse run.
type ParseStats struct {
	Total     int
	Converted int
	Created   int
	Updated   int
	Skipped   int
	Rejected  int
}

// Parser downloads a mirrored raw file, decrypts it, backs up the plaintext,
// and upserts its data rows into the YTD spend table.
type Parser struct {
	store     blobstore.BlobStore
	decryptor Decryptor
	spends    SpendRepository
	mappings  accumulation.MappingRepository
	meta      MetaRepository
	metrics   *telemetry.Provider
	logger    zerolog.Logger
	validate  *validator.Validate
	retryOpts []retry.Option
}

type ParserOption func(*Parser)

// WithParserRetryOptions overrides the retry policy for storage calls.
func WithParserRetryOptions(opts ...retry.Option) ParserOption {
	return func(p *Parser) { p.retryOpts = opts }
}

func NewParser(store blobstore.BlobStore, decryptor Decryptor, spends SpendRepository,
	mappings accumulation.MappingRepository, meta MetaRepository,
	metrics *telemetry.Provider, logger zerolog.Logger, opts ...ParserOption) *Parser {
	p := &Parser{
		store:     store,
		decryptor: decryptor,
		spends:    spends,
		mappings:  mappings,
		meta:      meta,
		metrics:   metrics,
		logger:    logger.With().Str("component", "ingestion_parser").Logger(),
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run parses one raw file end to end. The meta row is written even when the
// run fails. Parse and convert errors are never retried; a malformed record
// is skipped, counted, and logged. The run fails only if the file had DQ
// data rows and none of them converted.
func (p *Parser) Run(ctx context.Context, params ParserParams) (*Meta, *ParseStats, error) {
	if err := p.validate.Struct(params); err != nil {
		return nil, nil, fmt.Errorf("parser params: %w", err)
	}

	meta := &Meta{TaskType: TaskIncremental, TaskStatus: StatusInProgress, JobType: JobParser, TargetFile: &params.TargetFile}
	if err := p.meta.Create(ctx, meta); err != nil {
		return nil, nil, err
	}

	stats, runErr := p.run(ctx, params.TargetFile)

	meta.TaskStatus = StatusSuccess
	if runErr == nil {
		meta.MostRecentParsed = &params.TargetFile
	} else {
		meta.TaskStatus = StatusFailed
	}
	if err := p.meta.Finish(ctx, meta); err != nil {
		p.logger.Error().Err(err).Str("meta_id", meta.ID.String()).Msg("could not persist ingestion meta")
		if runErr == nil {
			runErr = err
		}
	}
	p.metrics.Incr(telemetry.MetricIngestionRun, string(JobParser), string(meta.TaskStatus))
	return meta, stats, runErr
}

func (p *Parser) run(ctx context.Context, filename string) (*ParseStats, error) {
	log := p.logger.With().Str("filename", filename).Logger()

	var raw []byte
	err := retry.Do(ctx, func() error {
		rc, dlErr := p.store.Download(ctx, rawPrefix+filename)
		if dlErr != nil {
			return dlErr
		}
		defer rc.Close()
		raw, dlErr = io.ReadAll(rc)
		return dlErr
	}, p.retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("download raw file %s: %w", filename, err)
	}

	plaintext, err := p.decryptor.Decrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", filename, err)
	}

	backupName := decryptedPrefix + strings.TrimSuffix(filename, ".pgp")
	err = retry.Do(ctx, func() error {
		_, upErr := p.store.Upload(ctx, backupName, bytes.NewReader(plaintext))
		return upErr
	}, p.retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("back up decrypted file %s: %w", filename, err)
	}

	stats := &ParseStats{}
	var converted []*HealthPlanYearToDateSpend
	var dataRows int
	for _, line := range recordLines(string(plaintext)) {
		switch {
		case strings.HasPrefix(line, "DQ"):
			stats.Total++
			dataRows++
			s, convErr := p.convertDataRow(line)
			if convErr != nil {
				log.Warn().Err(convErr).Msg("skipping malformed spend record")
				stats.Skipped++
				p.metrics.Incr(telemetry.MetricIngestionRecord, "skipped")
				continue
			}
			converted = append(converted, s)
			p.metrics.Incr(telemetry.MetricIngestionRecord, "converted")
		case strings.HasPrefix(line, "DR"):
			stats.Total++
			p.applyRejection(ctx, log, line, stats)
		}
	}
	stats.Converted = len(converted)

	for start := 0; start < len(converted); start += spendBatchSize {
		end := start + spendBatchSize
		if end > len(converted) {
			end = len(converted)
		}
		for _, s := range converted[start:end] {
			created, upErr := p.spends.Upsert(ctx, s)
			if errors.Is(upErr, ErrBadRecord) {
				log.Warn().Err(upErr).Str("policy_id", s.PolicyID).Msg("database rejected spend record")
				stats.Skipped++
				continue
			}
			if upErr != nil {
				return stats, upErr
			}
			if created {
				stats.Created++
			} else {
				stats.Updated++
			}
		}
	}

	// Only DQ rows count toward the conversion floor. A file of nothing but
	// DR rejection carriers is a valid payer response.
	if stats.Converted == 0 && dataRows > 0 {
		return stats, fmt.Errorf("no records converted from %s (%d data rows seen)", filename, dataRows)
	}
	log.Info().Int("total", stats.Total).Int("created", stats.Created).
		Int("updated", stats.Updated).Int("skipped", stats.Skipped).
		Int("rejected", stats.Rejected).Msg("parse run complete")
	return stats, nil
}

func (p *Parser) convertDataRow(line string) (*HealthPlanYearToDateSpend, error) {
	policyID, err := accumulation.ExtractField(spendDataLayout, line, "policy_id")
	if err != nil {
		return nil, err
	}
	policyID = strings.TrimSpace(policyID)
	if policyID == "" {
		return nil, errors.New("blank policy id")
	}
	memberID, _ := accumulation.ExtractField(spendDataLayout, line, "member_id")
	yearField, _ := accumulation.ExtractField(spendDataLayout, line, "plan_year")
	planYear, err := strconv.Atoi(strings.TrimSpace(yearField))
	if err != nil {
		return nil, fmt.Errorf("plan year %q: %w", strings.TrimSpace(yearField), err)
	}
	transmissionID, _ := accumulation.ExtractField(spendDataLayout, line, "transmission_id")
	transmissionID = strings.TrimSpace(transmissionID)
	if transmissionID == "" {
		return nil, errors.New("blank transmission id")
	}
	deductibleField, _ := accumulation.ExtractField(spendDataLayout, line, "deductible_applied")
	deductible, err := accumulation.DecodeSignedAmount(deductibleField)
	if err != nil {
		return nil, fmt.Errorf("deductible: %w", err)
	}
	oopField, _ := accumulation.ExtractField(spendDataLayout, line, "oop_applied")
	oop, err := accumulation.DecodeSignedAmount(oopField)
	if err != nil {
		return nil, fmt.Errorf("oop: %w", err)
	}
	source, _ := accumulation.ExtractField(spendDataLayout, line, "source")

	return &HealthPlanYearToDateSpend{
		PolicyID:          policyID,
		MemberID:          strings.TrimSpace(memberID),
		PlanYear:          planYear,
		TransmissionID:    transmissionID,
		DeductibleApplied: deductible,
		OOPApplied:        oop,
		Source:            strings.TrimSpace(source),
	}, nil
}

// applyRejection is best-effort per record. A DR row that cannot be applied
// is logged and skipped; it never aborts the batch.
func (p *Parser) applyRejection(ctx context.Context, log zerolog.Logger, line string, stats *ParseStats) {
	uniqueID, _ := accumulation.ExtractField(spendRejectLayout, line, "accumulation_unique_id")
	rejectCode, _ := accumulation.ExtractField(spendRejectLayout, line, "reject_code")
	rejectReason, _ := accumulation.ExtractField(spendRejectLayout, line, "reject_reason")
	uniqueID = strings.TrimSpace(uniqueID)
	rejectCode = strings.TrimSpace(rejectCode)
	rejectReason = strings.TrimSpace(rejectReason)

	if uniqueID == "" || rejectReason == "" {
		stats.Skipped++
		return
	}
	m, err := p.mappings.GetByUniqueID(ctx, uniqueID)
	if err != nil {
		log.Warn().Err(err).Str("unique_id", uniqueID).Msg("rejection row has no treatment mapping")
		stats.Skipped++
		return
	}
	if err := p.mappings.UpdateStatus(ctx, m.ID, accumulation.MappingStatusRejected, &rejectCode, &rejectReason); err != nil {
		log.Error().Err(err).Str("unique_id", uniqueID).Msg("could not mark treatment mapping rejected")
		stats.Skipped++
		return
	}
	stats.Rejected++
	p.metrics.Incr(telemetry.MetricIngestionRecord, "rejected")
}

func recordLines(contents string) []string {
	raw := strings.Split(strings.ReplaceAll(contents, "\r\n", "\n"), "\n")
	var lines []string
	for _, l := range raw {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
