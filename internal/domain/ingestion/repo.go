package ingestion

import (
	"context"
	"errors"
)

// ErrNoCheckpoint means no successful run exists yet for a (task, job) pair;
// callers fall back to the epoch floor.
var ErrNoCheckpoint = errors.New("no ingestion checkpoint")

// ErrBadRecord marks a row the database rejected for data reasons. Retrying
// it cannot succeed, so callers skip and count it.
var ErrBadRecord = errors.New("unprocessable spend record")

type MetaRepository interface {
	Create(ctx context.Context, m *Meta) error
	// Finish writes the terminal status and checkpoint fields. It must be
	// callable from a defer path after a failed run.
	Finish(ctx context.Context, m *Meta) error
	LatestSuccess(ctx context.Context, taskType TaskType, jobType JobType) (*Meta, error)
}

type SpendRepository interface {
	// Upsert inserts or refreshes one row keyed by (policy_id,
	// transmission_id). Returns true when a new row was created.
	Upsert(ctx context.Context, s *HealthPlanYearToDateSpend) (bool, error)
	GetByPolicyYear(ctx context.Context, policyID string, planYear int) ([]*HealthPlanYearToDateSpend, error)
}
