package ingestion

import (
	"time"

	"github.com/google/uuid"

	"github.com/maven/billing/internal/domain/money"
)

// TaskType selects how a run picks its input files. INCREMENTAL diffs the
// remote directory against the last successful checkpoint; FIXUP bypasses
// the checkpoint and operates on one explicitly named file.
type TaskType string

const (
	TaskIncremental TaskType = "INCREMENTAL"
	TaskFixup       TaskType = "FIXUP"
)

type TaskStatus string

const (
	StatusInProgress TaskStatus = "INPROGRESS"
	StatusSuccess    TaskStatus = "SUCCESS"
	StatusFailed     TaskStatus = "FAILED"
)

type JobType string

const (
	JobIngestion JobType = "INGESTION"
	JobParser    JobType = "PARSER"
)

// Meta is the checkpoint row for one pipeline run. One row is written per
// invocation; the most recent SUCCESS row for a (task_type, job_type) pair
// is the resumption checkpoint for the next run.
type Meta struct {
	ID               uuid.UUID
	TaskType         TaskType
	TaskStatus       TaskStatus
	JobType          JobType
	MostRecentRaw    *string
	MostRecentParsed *string
	TargetFile       *string
	StartedAt        time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HealthPlanYearToDateSpend is one parsed payer detail record. Rows are
// keyed by (policy_id, transmission_id) so re-parsing the same file is
// idempotent.
type HealthPlanYearToDateSpend struct {
	ID                uuid.UUID
	PolicyID          string
	MemberID          string
	PlanYear          int
	TransmissionID    string
	DeductibleApplied money.Cents
	OOPApplied        money.Cents
	Source            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
