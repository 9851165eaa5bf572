package accumulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
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

type reportRepoPG struct{ pool *pgxpool.Pool }

func NewReportRepoPG(pool *pgxpool.Pool) ReportRepository {
	return &reportRepoPG{pool: pool}
}

const reportCols = `id, payer_name, filename, file_path, status,
	record_count, report_date, created_at, updated_at`

func scanReport(row pgx.Row) (*PayerAccumulationReport, error) {
	var r PayerAccumulationReport
	err := row.Scan(&r.ID, &r.PayerName, &r.Filename, &r.FilePath, &r.Status,
		&r.RecordCount, &r.ReportDate, &r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func (repo *reportRepoPG) Create(ctx context.Context, r *PayerAccumulationReport) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = ReportStatusNew
	}
	row := conn(ctx, repo.pool).QueryRow(ctx, `
		INSERT INTO payer_accumulation_reports
			(id, payer_name, filename, file_path, status, record_count, report_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		r.ID, r.PayerName, r.Filename, r.FilePath, r.Status, r.RecordCount, r.ReportDate)
	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return fmt.Errorf("insert accumulation report: %w", err)
	}
	return nil
}

func (repo *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PayerAccumulationReport, error) {
	row := conn(ctx, repo.pool).QueryRow(ctx,
		`SELECT `+reportCols+` FROM payer_accumulation_reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get accumulation report: %w", err)
	}
	return r, nil
}

func (repo *reportRepoPG) GetByFilename(ctx context.Context, filename string) (*PayerAccumulationReport, error) {
	row := conn(ctx, repo.pool).QueryRow(ctx,
		`SELECT `+reportCols+` FROM payer_accumulation_reports WHERE filename = $1`, filename)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get accumulation report by filename: %w", err)
	}
	return r, nil
}

func (repo *reportRepoPG) ListByStatus(ctx context.Context, payerName string, status ReportStatus) ([]*PayerAccumulationReport, error) {
	rows, err := conn(ctx, repo.pool).Query(ctx,
		`SELECT `+reportCols+` FROM payer_accumulation_reports
		WHERE payer_name = $1 AND status = $2
		ORDER BY report_date, filename`, payerName, status)
	if err != nil {
		return nil, fmt.Errorf("list accumulation reports: %w", err)
	}
	defer rows.Close()
	var out []*PayerAccumulationReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan accumulation report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accumulation reports: %w", err)
	}
	return out, nil
}

func (repo *reportRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status ReportStatus) error {
	tag, err := conn(ctx, repo.pool).Exec(ctx,
		`UPDATE payer_accumulation_reports SET status = $1, updated_at = now() WHERE id = $2`,
		status, id)
	if err != nil {
		return fmt.Errorf("update accumulation report status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReportNotFound
	}
	return nil
}

type mappingRepoPG struct{ pool *pgxpool.Pool }

func NewMappingRepoPG(pool *pgxpool.Pool) MappingRepository {
	return &mappingRepoPG{pool: pool}
}

const mappingCols = `id, accumulation_unique_id, report_id, payer_name,
	treatment_procedure_id, member_id, deductible_applied, oop_applied,
	is_reversal, status, response_code, reject_reason, created_at, updated_at`

func scanMapping(row pgx.Row) (*AccumulationTreatmentMapping, error) {
	var m AccumulationTreatmentMapping
	err := row.Scan(&m.ID, &m.AccumulationUniqueID, &m.ReportID, &m.PayerName,
		&m.TreatmentProcedureID, &m.MemberID, &m.DeductibleApplied, &m.OOPApplied,
		&m.IsReversal, &m.Status, &m.ResponseCode, &m.RejectReason, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func (repo *mappingRepoPG) Create(ctx context.Context, m *AccumulationTreatmentMapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = MappingStatusSubmitted
	}
	row := conn(ctx, repo.pool).QueryRow(ctx, `
		INSERT INTO accumulation_treatment_mapping
			(id, accumulation_unique_id, report_id, payer_name,
			treatment_procedure_id, member_id, deductible_applied, oop_applied,
			is_reversal, status, response_code, reject_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		m.ID, m.AccumulationUniqueID, m.ReportID, m.PayerName,
		m.TreatmentProcedureID, m.MemberID, m.DeductibleApplied, m.OOPApplied,
		m.IsReversal, m.Status, m.ResponseCode, m.RejectReason)
	if err := row.Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
		return fmt.Errorf("insert treatment mapping: %w", err)
	}
	return nil
}

func (repo *mappingRepoPG) GetByUniqueID(ctx context.Context, uniqueID string) (*AccumulationTreatmentMapping, error) {
	row := conn(ctx, repo.pool).QueryRow(ctx,
		`SELECT `+mappingCols+` FROM accumulation_treatment_mapping
		WHERE accumulation_unique_id = $1`, uniqueID)
	m, err := scanMapping(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get treatment mapping: %w", err)
	}
	return m, nil
}

func (repo *mappingRepoPG) ListByReport(ctx context.Context, reportID uuid.UUID) ([]*AccumulationTreatmentMapping, error) {
	rows, err := conn(ctx, repo.pool).Query(ctx,
		`SELECT `+mappingCols+` FROM accumulation_treatment_mapping
		WHERE report_id = $1 ORDER BY accumulation_unique_id`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list treatment mappings: %w", err)
	}
	defer rows.Close()
	var out []*AccumulationTreatmentMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan treatment mapping: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate treatment mappings: %w", err)
	}
	return out, nil
}

func (repo *mappingRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status MappingStatus, responseCode, rejectReason *string) error {
	tag, err := conn(ctx, repo.pool).Exec(ctx, `
		UPDATE accumulation_treatment_mapping
		SET status = $1,
			response_code = COALESCE($2, response_code),
			reject_reason = COALESCE($3, reject_reason),
			updated_at = now()
		WHERE id = $4`,
		status, responseCode, rejectReason, id)
	if err != nil {
		return fmt.Errorf("update treatment mapping status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMappingNotFound
	}
	return nil
}
