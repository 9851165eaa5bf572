package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/maven/billing/internal/platform/blobstore"
	"github.com/maven/billing/internal/platform/retry"
	"github.com/maven/billing/internal/platform/sftpx"
	"github.com/maven/billing/internal/platform/telemetry"
)

// ESIFilePattern matches the payer's encrypted YTD spend drops. The captured
// group is the date token the checkpoint comparison runs on.
var ESIFilePattern = regexp.MustCompile(`^ESI_MAVEN_YTD_(\d{8})\.pgp$`)

// epochFloor is the date token used when no prior SUCCESS checkpoint exists.
var epochFloor = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

const rawPrefix = "raw/"

// RawMirrorParams selects the input set for one mirror run.
type RawMirrorParams struct {
	TaskType   TaskType `validate:"required,oneof=INCREMENTAL FIXUP"`
	TargetFile string   `validate:"required_if=TaskType FIXUP"`
}

// RawMirror lists remote payer files, diffs them against the last successful
// checkpoint, and copies new files unmodified into object storage under
// raw/. Destination keys are deterministic from the source filename, so a
// concurrent or repeated run re-uploads idempotently.
type RawMirror struct {
	sftp      sftpx.Client
	store     blobstore.BlobStore
	meta      MetaRepository
	metrics   *telemetry.Provider
	logger    zerolog.Logger
	validate  *validator.Validate
	remoteDir string
	pattern   *regexp.Regexp
	retryOpts []retry.Option
}

type RawMirrorOption func(*RawMirror)

// WithMirrorRetryOptions overrides the retry policy for SFTP and storage
// calls. Tests shorten the backoff intervals.
func WithMirrorRetryOptions(opts ...retry.Option) RawMirrorOption {
	return func(m *RawMirror) { m.retryOpts = opts }
}

func NewRawMirror(sftp sftpx.Client, store blobstore.BlobStore, meta MetaRepository,
	metrics *telemetry.Provider, logger zerolog.Logger, remoteDir string,
	opts ...RawMirrorOption) *RawMirror {
	m := &RawMirror{
		sftp:      sftp,
		store:     store,
		meta:      meta,
		metrics:   metrics,
		logger:    logger.With().Str("component", "ingestion_raw_mirror").Logger(),
		validate:  validator.New(),
		remoteDir: remoteDir,
		pattern:   ESIFilePattern,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// fileDate extracts the embedded date token, or reports false for filenames
// that are not payer drops. The remote server's mtime is never consulted.
func (m *RawMirror) fileDate(filename string) (time.Time, bool) {
	match := m.pattern.FindStringSubmatch(filename)
	if match == nil {
		return time.Time{}, false
	}
	d, err := time.Parse("20060102", match[1])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// checkpoint resolves the floor for the incremental diff: the date token of
// the last successful run's most recent raw file, or the epoch floor. The
// filename is returned alongside the date so a run that mirrors nothing can
// carry the checkpoint forward instead of regressing to the floor.
func (m *RawMirror) checkpoint(ctx context.Context) (time.Time, string, error) {
	last, err := m.meta.LatestSuccess(ctx, TaskIncremental, JobIngestion)
	if errors.Is(err, ErrNoCheckpoint) {
		return epochFloor, "", nil
	}
	if err != nil {
		return time.Time{}, "", err
	}
	if last.MostRecentRaw == nil {
		return epochFloor, "", nil
	}
	d, ok := m.fileDate(*last.MostRecentRaw)
	if !ok {
		return epochFloor, "", nil
	}
	return d, *last.MostRecentRaw, nil
}

// Run executes one mirror pass. The meta row is written unconditionally,
// including on failure, so checkpoint state is never silently lost.
func (m *RawMirror) Run(ctx context.Context, p RawMirrorParams) (*Meta, error) {
	if err := m.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("raw mirror params: %w", err)
	}

	meta := &Meta{TaskType: p.TaskType, TaskStatus: StatusInProgress, JobType: JobIngestion}
	if p.TaskType == TaskFixup {
		meta.TargetFile = &p.TargetFile
	}
	if err := m.meta.Create(ctx, meta); err != nil {
		return nil, err
	}

	runErr := m.run(ctx, p, meta)

	meta.TaskStatus = StatusSuccess
	if runErr != nil {
		meta.TaskStatus = StatusFailed
	}
	if err := m.meta.Finish(ctx, meta); err != nil {
		m.logger.Error().Err(err).Str("meta_id", meta.ID.String()).Msg("could not persist ingestion meta")
		if runErr == nil {
			runErr = err
		}
	}
	m.metrics.Incr(telemetry.MetricIngestionRun, string(JobIngestion), string(meta.TaskStatus))
	return meta, runErr
}

func (m *RawMirror) run(ctx context.Context, p RawMirrorParams, meta *Meta) error {
	var candidates []string
	var latest string
	var latestDate time.Time
	switch p.TaskType {
	case TaskFixup:
		candidates = []string{p.TargetFile}
	case TaskIncremental:
		var names []string
		err := retry.Do(ctx, func() error {
			var listErr error
			names, listErr = m.sftp.ListDir(ctx, m.remoteDir)
			return listErr
		}, m.retryOpts...)
		if err != nil {
			return fmt.Errorf("list remote dir %s: %w", m.remoteDir, err)
		}
		floor, prior, err := m.checkpoint(ctx)
		if err != nil {
			return err
		}
		// A quiet run re-asserts the prior checkpoint so it never moves
		// backward.
		latest, latestDate = prior, floor
		dates := map[string]time.Time{}
		for _, name := range names {
			d, ok := m.fileDate(name)
			if !ok {
				continue
			}
			if d.After(floor) {
				candidates = append(candidates, name)
				dates[name] = d
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return dates[candidates[i]].Before(dates[candidates[j]]) })
	}

	for _, name := range candidates {
		if err := m.mirrorOne(ctx, name); err != nil {
			return err
		}
		if d, ok := m.fileDate(name); ok && d.After(latestDate) {
			latest, latestDate = name, d
		}
	}
	if latest != "" {
		meta.MostRecentRaw = &latest
	}
	m.logger.Info().Int("files", len(candidates)).Str("task_type", string(p.TaskType)).Msg("raw mirror pass complete")
	return nil
}

func (m *RawMirror) mirrorOne(ctx context.Context, name string) error {
	var content []byte
	err := retry.Do(ctx, func() error {
		var fetchErr error
		content, fetchErr = m.sftp.Fetch(ctx, m.remoteDir+"/"+name)
		return fetchErr
	}, m.retryOpts...)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}
	err = retry.Do(ctx, func() error {
		_, upErr := m.store.Upload(ctx, rawPrefix+name, bytes.NewReader(content))
		return upErr
	}, m.retryOpts...)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	m.logger.Info().Str("filename", name).Msg("mirrored raw file")
	return nil
}
