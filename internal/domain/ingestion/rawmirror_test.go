package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maven/billing/internal/platform/blobstore"
	"github.com/maven/billing/internal/platform/retry"
	"github.com/maven/billing/internal/platform/sftpx"
	"github.com/maven/billing/internal/platform/telemetry"
)

type memMetaRepo struct {
	mu   sync.Mutex
	rows []*Meta
}

func newMemMetaRepo() *memMetaRepo { return &memMetaRepo{} }

func (r *memMetaRepo) Create(_ context.Context, m *Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.TaskStatus == "" {
		m.TaskStatus = StatusInProgress
	}
	m.StartedAt = time.Now()
	m.CreatedAt = m.StartedAt
	m.UpdatedAt = m.StartedAt
	cp := *m
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *memMetaRepo) Finish(_ context.Context, m *Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == m.ID {
			now := time.Now()
			row.TaskStatus = m.TaskStatus
			row.MostRecentRaw = m.MostRecentRaw
			row.MostRecentParsed = m.MostRecentParsed
			row.CompletedAt = &now
			row.UpdatedAt = now
			return nil
		}
	}
	return ErrNoCheckpoint
}

func (r *memMetaRepo) LatestSuccess(_ context.Context, taskType TaskType, jobType JobType) (*Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.rows) - 1; i >= 0; i-- {
		row := r.rows[i]
		if row.TaskType == taskType && row.JobType == jobType && row.TaskStatus == StatusSuccess {
			cp := *row
			return &cp, nil
		}
	}
	return nil, ErrNoCheckpoint
}

// seedCheckpoint records a prior successful ingestion run pointing at file.
func seedCheckpoint(t *testing.T, meta *memMetaRepo, file string) {
	t.Helper()
	m := &Meta{TaskType: TaskIncremental, TaskStatus: StatusInProgress, JobType: JobIngestion}
	if err := meta.Create(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	m.TaskStatus = StatusSuccess
	m.MostRecentRaw = &file
	if err := meta.Finish(context.Background(), m); err != nil {
		t.Fatal(err)
	}
}

const remoteDir = "/outbound/esi"

func newTestMirror(sftp sftpx.Client, store blobstore.BlobStore, meta MetaRepository) *RawMirror {
	return NewRawMirror(sftp, store, meta, telemetry.NewProvider("test"), zerolog.Nop(), remoteDir,
		WithMirrorRetryOptions(retry.WithInitialInterval(time.Millisecond), retry.WithMaxInterval(5*time.Millisecond)))
}

func TestRawMirror_IncrementalDiffsAgainstCheckpoint(t *testing.T) {
	sftp := sftpx.NewFakeClient()
	sftp.Put(remoteDir+"/ESI_MAVEN_YTD_20260101.pgp", []byte("jan"))
	sftp.Put(remoteDir+"/ESI_MAVEN_YTD_20260301.pgp", []byte("mar"))
	sftp.Put(remoteDir+"/ESI_MAVEN_YTD_20260401.pgp", []byte("apr"))
	sftp.Put(remoteDir+"/NOT_A_DROP.csv", []byte("noise"))

	store := blobstore.NewInMemoryBlobStore()
	meta := newMemMetaRepo()
	seedCheckpoint(t, meta, "ESI_MAVEN_YTD_20260101.pgp")

	m, err := newTestMirror(sftp, store, meta).Run(context.Background(), RawMirrorParams{TaskType: TaskIncremental})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.TaskStatus != StatusSuccess {
		t.Errorf("task status = %q, want SUCCESS", m.TaskStatus)
	}
	if m.MostRecentRaw == nil || *m.MostRecentRaw != "ESI_MAVEN_YTD_20260401.pgp" {
		t.Errorf("most_recent_raw = %v, want the newest mirrored file", m.MostRecentRaw)
	}

	for _, name := range []string{"ESI_MAVEN_YTD_20260301.pgp", "ESI_MAVEN_YTD_20260401.pgp"} {
		ok, _ := store.Exists(context.Background(), "raw/"+name)
		if !ok {
			t.Errorf("file %s not mirrored", name)
		}
	}
	if ok, _ := store.Exists(context.Background(), "raw/ESI_MAVEN_YTD_20260101.pgp"); ok {
		t.Error("file at or before the checkpoint must not be re-mirrored")
	}
	if ok, _ := store.Exists(context.Background(), "raw/NOT_A_DROP.csv"); ok {
		t.Error("non-matching filenames must be ignored")
	}
}

func TestRawMirror_QuietRunCarriesCheckpointForward(t *testing.T) {
	sftp := sftpx.NewFakeClient()
	sftp.Put(remoteDir+"/ESI_MAVEN_YTD_20260101.pgp", []byte("jan"))
	sftp.Put(remoteDir+"/ESI_MAVEN_YTD_20260301.pgp", []byte("mar"))

	store := blobstore.NewInMemoryBlobStore()
	meta := newMemMetaRepo()
	seedCheckpoint(t, meta, "ESI_MAVEN_YTD_20260301.pgp")

	// Nothing newer than the checkpoint is on the remote, so the pass
	// mirrors nothing but must still re-assert the checkpoint.
	m, err := newTestMirror(sftp, store, meta).Run(context.Background(), RawMirrorParams{TaskType: TaskIncremental})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.TaskStatus != StatusSuccess {
		t.Errorf("task status = %q, want SUCCESS", m.TaskStatus)
	}
	if m.MostRecentRaw == nil || *m.MostRecentRaw != "ESI_MAVEN_YTD_20260301.pgp" {
		t.Fatalf("most_recent_raw = %v, want the prior checkpoint carried forward", m.MostRecentRaw)
	}

	// The next incremental run diffs against the carried checkpoint, not
	// the epoch floor.
	if _, err := newTestMirror(sftp, store, meta).Run(context.Background(), RawMirrorParams{TaskType: TaskIncremental}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := store.UploadCount("raw/ESI_MAVEN_YTD_20260101.pgp"); got != 0 {
		t.Errorf("upload count for stale file = %d, want 0", got)
	}
}

func TestRawMirror_NoCheckpointUsesEpochFloor(t *testing.T) {
	sftp := sftpx.NewFakeClient()
	sftp.Put(remoteDir+"/ESI_MAVEN_YTD_20250601.pgp", []byte("old"))

	store := blobstore.NewInMemoryBlobStore()
	m, err := newTestMirror(sftp, store, newMemMetaRepo()).Run(context.Background(), RawMirrorParams{TaskType: TaskIncremental})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ok, _ := store.Exists(context.Background(), "raw/ESI_MAVEN_YTD_20250601.pgp"); !ok {
		t.Error("first run should mirror every file above the epoch floor")
	}
	if m.MostRecentRaw == nil || *m.MostRecentRaw != "ESI_MAVEN_YTD_20250601.pgp" {
		t.Errorf("most_recent_raw = %v", m.MostRecentRaw)
	}
}

func TestRawMirror_TransientFetchFailuresAreRetried(t *testing.T) {
	sftp := sftpx.NewFakeClient()
	path := remoteDir + "/ESI_MAVEN_YTD_20260501.pgp"
	sftp.Put(path, []byte("may"))
	sftp.FailFetches(path, 2)

	store := blobstore.NewInMemoryBlobStore()
	m, err := newTestMirror(sftp, store, newMemMetaRepo()).Run(context.Background(), RawMirrorParams{TaskType: TaskIncremental})
	if err != nil {
		t.Fatalf("two transient failures should succeed on the third attempt: %v", err)
	}
	if m.TaskStatus != StatusSuccess {
		t.Errorf("task status = %q, want SUCCESS", m.TaskStatus)
	}
	if got := sftp.FetchCalls[path]; got != 3 {
		t.Errorf("fetch calls = %d, want 3", got)
	}
}

func TestRawMirror_ExhaustedRetriesFailTheRun(t *testing.T) {
	sftp := sftpx.NewFakeClient()
	path := remoteDir + "/ESI_MAVEN_YTD_20260501.pgp"
	sftp.Put(path, []byte("may"))
	sftp.FailFetches(path, 3)

	meta := newMemMetaRepo()
	m, err := newTestMirror(sftp, blobstore.NewInMemoryBlobStore(), meta).Run(context.Background(), RawMirrorParams{TaskType: TaskIncremental})
	if err == nil {
		t.Fatal("three transient failures should exhaust the attempt budget")
	}
	if m.TaskStatus != StatusFailed {
		t.Errorf("task status = %q, want FAILED", m.TaskStatus)
	}
	if got := sftp.FetchCalls[path]; got != 3 {
		t.Errorf("fetch calls = %d, want exactly 3", got)
	}

	// The failed run must still be persisted, and must not advance the
	// checkpoint for the next incremental run.
	if _, err := meta.LatestSuccess(context.Background(), TaskIncremental, JobIngestion); err == nil {
		t.Error("a FAILED run must not become the checkpoint")
	}
}

func TestRawMirror_FixupBypassesCheckpoint(t *testing.T) {
	sftp := sftpx.NewFakeClient()
	sftp.Put(remoteDir+"/ESI_MAVEN_YTD_20260101.pgp", []byte("jan"))

	store := blobstore.NewInMemoryBlobStore()
	meta := newMemMetaRepo()
	seedCheckpoint(t, meta, "ESI_MAVEN_YTD_20260401.pgp")

	m, err := newTestMirror(sftp, store, meta).Run(context.Background(), RawMirrorParams{
		TaskType:   TaskFixup,
		TargetFile: "ESI_MAVEN_YTD_20260101.pgp",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.TaskStatus != StatusSuccess {
		t.Errorf("task status = %q, want SUCCESS", m.TaskStatus)
	}
	if ok, _ := store.Exists(context.Background(), "raw/ESI_MAVEN_YTD_20260101.pgp"); !ok {
		t.Error("fixup must mirror the named file even when older than the checkpoint")
	}
}

func TestRawMirror_FixupRequiresTargetFile(t *testing.T) {
	m := newTestMirror(sftpx.NewFakeClient(), blobstore.NewInMemoryBlobStore(), newMemMetaRepo())
	if _, err := m.Run(context.Background(), RawMirrorParams{TaskType: TaskFixup}); err == nil {
		t.Fatal("fixup without a target file should fail validation")
	}
}

func TestRawMirror_ReuploadIsIdempotent(t *testing.T) {
	sftp := sftpx.NewFakeClient()
	sftp.Put(remoteDir+"/ESI_MAVEN_YTD_20260601.pgp", []byte("jun"))

	store := blobstore.NewInMemoryBlobStore()
	meta := newMemMetaRepo()
	mirror := newTestMirror(sftp, store, meta)

	params := RawMirrorParams{TaskType: TaskFixup, TargetFile: "ESI_MAVEN_YTD_20260601.pgp"}
	for i := 0; i < 2; i++ {
		if _, err := mirror.Run(context.Background(), params); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	if got := store.UploadCount("raw/ESI_MAVEN_YTD_20260601.pgp"); got != 2 {
		t.Errorf("upload count = %d, want 2 overwrites of the same key", got)
	}
}
