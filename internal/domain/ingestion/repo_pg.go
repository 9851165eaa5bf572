package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maven/billing/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

type metaRepoPG struct{ pool *pgxpool.Pool }

func NewMetaRepoPG(pool *pgxpool.Pool) MetaRepository {
	return &metaRepoPG{pool: pool}
}

const metaCols = `id, task_type, task_status, job_type,
	most_recent_raw, most_recent_parsed, target_file,
	started_at, completed_at, created_at, updated_at`

func scanMeta(row pgx.Row) (*Meta, error) {
	var m Meta
	err := row.Scan(&m.ID, &m.TaskType, &m.TaskStatus, &m.JobType,
		&m.MostRecentRaw, &m.MostRecentParsed, &m.TargetFile,
		&m.StartedAt, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func (r *metaRepoPG) Create(ctx context.Context, m *Meta) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.TaskStatus == "" {
		m.TaskStatus = StatusInProgress
	}
	row := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO ingestion_meta
			(id, task_type, task_status, job_type,
			most_recent_raw, most_recent_parsed, target_file, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING started_at, created_at, updated_at`,
		m.ID, m.TaskType, m.TaskStatus, m.JobType,
		m.MostRecentRaw, m.MostRecentParsed, m.TargetFile)
	if err := row.Scan(&m.StartedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return fmt.Errorf("insert ingestion meta: %w", err)
	}
	return nil
}

func (r *metaRepoPG) Finish(ctx context.Context, m *Meta) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE ingestion_meta
		SET task_status = $1,
			most_recent_raw = $2,
			most_recent_parsed = $3,
			completed_at = now(),
			updated_at = now()
		WHERE id = $4`,
		m.TaskStatus, m.MostRecentRaw, m.MostRecentParsed, m.ID)
	if err != nil {
		return fmt.Errorf("finish ingestion meta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ingestion meta %s not found", m.ID)
	}
	return nil
}

func (r *metaRepoPG) LatestSuccess(ctx context.Context, taskType TaskType, jobType JobType) (*Meta, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+metaCols+` FROM ingestion_meta
		WHERE task_type = $1 AND job_type = $2 AND task_status = $3
		ORDER BY completed_at DESC LIMIT 1`,
		taskType, jobType, StatusSuccess)
	m, err := scanMeta(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("latest ingestion checkpoint: %w", err)
	}
	return m, nil
}

type spendRepoPG struct{ pool *pgxpool.Pool }

func NewSpendRepoPG(pool *pgxpool.Pool) SpendRepository {
	return &spendRepoPG{pool: pool}
}

const spendCols = `id, policy_id, member_id, plan_year, transmission_id,
	deductible_applied, oop_applied, source, created_at, updated_at`

func scanSpend(row pgx.Row) (*HealthPlanYearToDateSpend, error) {
	var s HealthPlanYearToDateSpend
	err := row.Scan(&s.ID, &s.PolicyID, &s.MemberID, &s.PlanYear, &s.TransmissionID,
		&s.DeductibleApplied, &s.OOPApplied, &s.Source, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *spendRepoPG) Upsert(ctx context.Context, s *HealthPlanYearToDateSpend) (bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	var inserted bool
	row := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO health_plan_ytd_spend
			(id, policy_id, member_id, plan_year, transmission_id,
			deductible_applied, oop_applied, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (policy_id, transmission_id) DO UPDATE SET
			member_id = EXCLUDED.member_id,
			plan_year = EXCLUDED.plan_year,
			deductible_applied = EXCLUDED.deductible_applied,
			oop_applied = EXCLUDED.oop_applied,
			source = EXCLUDED.source,
			updated_at = now()
		RETURNING (xmax = 0), created_at, updated_at`,
		s.ID, s.PolicyID, s.MemberID, s.PlanYear, s.TransmissionID,
		s.DeductibleApplied, s.OOPApplied, s.Source)
	if err := row.Scan(&inserted, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return false, classifySpendError(err)
	}
	return inserted, nil
}

// classifySpendError separates data-shaped failures, which are permanent per
// record, from infrastructure failures, which the caller may retry or fail
// the whole run on.
func classifySpendError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsDataException(pgErr.Code),
			pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			return fmt.Errorf("%w: %s", ErrBadRecord, pgErr.Message)
		}
	}
	return fmt.Errorf("upsert ytd spend: %w", err)
}

func (r *spendRepoPG) GetByPolicyYear(ctx context.Context, policyID string, planYear int) ([]*HealthPlanYearToDateSpend, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+spendCols+` FROM health_plan_ytd_spend
		WHERE policy_id = $1 AND plan_year = $2
		ORDER BY transmission_id`, policyID, planYear)
	if err != nil {
		return nil, fmt.Errorf("list ytd spend: %w", err)
	}
	defer rows.Close()
	var out []*HealthPlanYearToDateSpend
	for rows.Next() {
		s, err := scanSpend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ytd spend: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ytd spend: %w", err)
	}
	return out, nil
}
