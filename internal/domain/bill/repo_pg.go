package bill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

type billRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &billRepoPG{pool: pool}
}

func (r *billRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const billCols = `id, amount, last_calculated_fee, label,
	payor_type, payor_id, procedure_id, cost_breakdown_id,
	payment_method, payment_method_type, card_funding,
	status, error_type, reversed_bill_id, is_ephemeral,
	processing_at, paid_at, refunded_at, failed_at, cancelled_at,
	refund_initiated_at, processing_scheduled_at_or_after,
	version, created_at, updated_at`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.Amount, &b.LastCalculatedFee, &b.Label,
		&b.PayorType, &b.PayorID, &b.ProcedureID, &b.CostBreakdownID,
		&b.PaymentMethod, &b.PaymentMethodType, &b.CardFunding,
		&b.Status, &b.ErrorType, &b.ReversedBillID, &b.IsEphemeral,
		&b.ProcessingAt, &b.PaidAt, &b.RefundedAt, &b.FailedAt, &b.CancelledAt,
		&b.RefundInitiatedAt, &b.ProcessingScheduledAtOrAfter,
		&b.Version, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func collectBills(rows pgx.Rows) ([]*Bill, error) {
	defer rows.Close()
	var bills []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bill: %w", err)
		}
		bills = append(bills, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bills: %w", err)
	}
	return bills, nil
}

func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bill (id, amount, last_calculated_fee, label,
			payor_type, payor_id, procedure_id, cost_breakdown_id,
			payment_method, payment_method_type, card_funding,
			status, error_type, reversed_bill_id, is_ephemeral,
			processing_scheduled_at_or_after)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING version, created_at, updated_at`,
		b.ID, b.Amount, b.LastCalculatedFee, b.Label,
		b.PayorType, b.PayorID, b.ProcedureID, b.CostBreakdownID,
		b.PaymentMethod, b.PaymentMethodType, b.CardFunding,
		b.Status, b.ErrorType, b.ReversedBillID, b.IsEphemeral,
		b.ProcessingScheduledAtOrAfter)
	if err := row.Scan(&b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return fmt.Errorf("insert bill: %w", err)
	}
	return nil
}

func (r *billRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	b, err := scanBill(r.conn(ctx).QueryRow(ctx,
		`SELECT `+billCols+` FROM bill WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bill %s: %w", id, err)
	}
	return b, nil
}

func (r *billRepoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Bill, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+billCols+` FROM bill WHERE id = ANY($1) ORDER BY created_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("get bills by ids: %w", err)
	}
	return collectBills(rows)
}

// buildFilter renders f into WHERE fragments. argn is the next placeholder
// ordinal.
func buildFilter(f Filter, argn int) ([]string, []interface{}, int) {
	var where []string
	var args []interface{}

	if f.OnlyEphemeral {
		where = append(where, "is_ephemeral = TRUE")
	} else if !f.IncludeEphemeral {
		where = append(where, "is_ephemeral = FALSE")
	}
	if f.PayorType != "" {
		where = append(where, fmt.Sprintf("payor_type = $%d", argn))
		args = append(args, f.PayorType)
		argn++
	}
	if f.PayorID != nil {
		where = append(where, fmt.Sprintf("payor_id = $%d", argn))
		args = append(args, *f.PayorID)
		argn++
	}
	if f.ProcedureID != nil {
		where = append(where, fmt.Sprintf("procedure_id = $%d", argn))
		args = append(args, *f.ProcedureID)
		argn++
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, fmt.Sprintf("status = ANY($%d)", argn))
		args = append(args, statuses)
		argn++
	}
	if f.CreatedAfter != nil {
		where = append(where, fmt.Sprintf("created_at > $%d", argn))
		args = append(args, *f.CreatedAfter)
		argn++
	}
	if f.CreatedBefore != nil {
		where = append(where, fmt.Sprintf("created_at < $%d", argn))
		args = append(args, *f.CreatedBefore)
		argn++
	}
	return where, args, argn
}

func (r *billRepoPG) GetByProcedure(ctx context.Context, procedureID int64, f Filter) ([]*Bill, error) {
	where, args, _ := buildFilter(f, 2)
	where = append([]string{"procedure_id = $1"}, where...)
	args = append([]interface{}{procedureID}, args...)

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+billCols+` FROM bill WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("get bills by procedure %d: %w", procedureID, err)
	}
	return collectBills(rows)
}

func (r *billRepoPG) GetByPayor(ctx context.Context, payorType PayorType, payorID int64, f Filter) ([]*Bill, error) {
	where, args, _ := buildFilter(f, 3)
	where = append([]string{"payor_type = $1", "payor_id = $2"}, where...)
	args = append([]interface{}{payorType, payorID}, args...)

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+billCols+` FROM bill WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("get bills by payor %s/%d: %w", payorType, payorID, err)
	}
	return collectBills(rows)
}

func (r *billRepoPG) GetEstimatesByPayor(ctx context.Context, payorType PayorType, payorID int64) ([]*Bill, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+billCols+` FROM bill
		WHERE payor_type = $1 AND payor_id = $2
		  AND is_ephemeral = TRUE AND status = $3
		ORDER BY created_at`, payorType, payorID, StatusNew)
	if err != nil {
		return nil, fmt.Errorf("get estimates by payor %s/%d: %w", payorType, payorID, err)
	}
	return collectBills(rows)
}

func (r *billRepoPG) GetProcessableNewMemberBills(ctx context.Context, threshold time.Time) ([]*Bill, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+billCols+` FROM bill
		WHERE payor_type = $1 AND status = $2
		  AND is_ephemeral = FALSE
		  AND processing_scheduled_at_or_after IS NOT NULL
		  AND processing_scheduled_at_or_after <= $3
		ORDER BY processing_scheduled_at_or_after`,
		PayorTypeMember, StatusNew, threshold)
	if err != nil {
		return nil, fmt.Errorf("get processable member bills: %w", err)
	}
	return collectBills(rows)
}

func (r *billRepoPG) GetMoneyMovementBillsByProcedure(ctx context.Context, procedureID int64, payorType PayorType) ([]*Bill, error) {
	// REFUNDED bills count only when a processing record carries a gateway
	// transaction id; a refund with no transaction id reversed a
	// cancellation internally and moved no money.
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+billCols+` FROM bill
		WHERE procedure_id = $1 AND payor_type = $2
		  AND is_ephemeral = FALSE
		  AND (
		        status = ANY($3)
		     OR (status = $4 AND EXISTS (
		            SELECT 1 FROM bill_processing_record r
		            WHERE r.bill_id = bill.id AND r.transaction_id IS NOT NULL))
		  )
		ORDER BY created_at`,
		procedureID, payorType,
		[]string{string(StatusNew), string(StatusProcessing), string(StatusPaid), string(StatusFailed)},
		StatusRefunded)
	if err != nil {
		return nil, fmt.Errorf("get money movement bills for procedure %d: %w", procedureID, err)
	}
	return collectBills(rows)
}

func (r *billRepoPG) Update(ctx context.Context, b *Bill) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bill SET
			amount = $1, last_calculated_fee = $2, label = $3,
			payment_method = $4, payment_method_type = $5, card_funding = $6,
			status = $7, error_type = $8, reversed_bill_id = $9, is_ephemeral = $10,
			processing_at = $11, paid_at = $12, refunded_at = $13, failed_at = $14,
			cancelled_at = $15, refund_initiated_at = $16,
			processing_scheduled_at_or_after = $17,
			version = version + 1, updated_at = NOW()
		WHERE id = $18 AND version = $19`,
		b.Amount, b.LastCalculatedFee, b.Label,
		b.PaymentMethod, b.PaymentMethodType, b.CardFunding,
		b.Status, b.ErrorType, b.ReversedBillID, b.IsEphemeral,
		b.ProcessingAt, b.PaidAt, b.RefundedAt, b.FailedAt,
		b.CancelledAt, b.RefundInitiatedAt,
		b.ProcessingScheduledAtOrAfter,
		b.ID, b.Version)
	if err != nil {
		return fmt.Errorf("update bill %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	b.Version++
	return nil
}

type processingRecordRepoPG struct{ pool *pgxpool.Pool }

func NewProcessingRecordRepoPG(pool *pgxpool.Pool) ProcessingRecordRepository {
	return &processingRecordRepoPG{pool: pool}
}

func (r *processingRecordRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *processingRecordRepoPG) Create(ctx context.Context, rec *ProcessingRecord) error {
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bill_processing_record
			(bill_id, transaction_id, bill_status, processing_record_type, body)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at`,
		rec.BillID, rec.TransactionID, rec.BillStatus, rec.RecordType, rec.Body)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return fmt.Errorf("insert processing record for bill %s: %w", rec.BillID, err)
	}
	return nil
}

func (r *processingRecordRepoPG) GetByBillID(ctx context.Context, billID uuid.UUID) ([]*ProcessingRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, bill_id, transaction_id, bill_status, processing_record_type, body, created_at
		FROM bill_processing_record
		WHERE bill_id = $1
		ORDER BY created_at`, billID)
	if err != nil {
		return nil, fmt.Errorf("get processing records for bill %s: %w", billID, err)
	}
	defer rows.Close()

	var recs []*ProcessingRecord
	for rows.Next() {
		var rec ProcessingRecord
		if err := rows.Scan(&rec.ID, &rec.BillID, &rec.TransactionID,
			&rec.BillStatus, &rec.RecordType, &rec.Body, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan processing record: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processing records: %w", err)
	}
	return recs, nil
}

func (r *processingRecordRepoPG) LatestTransactionID(ctx context.Context, billID uuid.UUID) (*string, error) {
	var txnID *string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT transaction_id FROM bill_processing_record
		WHERE bill_id = $1 AND transaction_id IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1`, billID).Scan(&txnID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest transaction id for bill %s: %w", billID, err)
	}
	return txnID, nil
}

func (r *processingRecordRepoPG) CountProcessingAttempts(ctx context.Context, billID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM bill_processing_record
		WHERE bill_id = $1 AND bill_status = $2`,
		billID, StatusProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count processing attempts for bill %s: %w", billID, err)
	}
	return n, nil
}
