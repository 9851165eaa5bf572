package bill

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists bills. Update applies an optimistic version check and
// returns ErrStale when the row was modified concurrently.
type Repository interface {
	Create(ctx context.Context, b *Bill) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Bill, error)
	GetByProcedure(ctx context.Context, procedureID int64, f Filter) ([]*Bill, error)
	GetByPayor(ctx context.Context, payorType PayorType, payorID int64, f Filter) ([]*Bill, error)
	GetEstimatesByPayor(ctx context.Context, payorType PayorType, payorID int64) ([]*Bill, error)

	// GetProcessableNewMemberBills returns non-ephemeral NEW member bills
	// whose processing_scheduled_at_or_after is at or before threshold.
	GetProcessableNewMemberBills(ctx context.Context, threshold time.Time) ([]*Bill, error)

	// GetMoneyMovementBillsByProcedure returns the bills representing real
	// money movement for one procedure and payor type: NEW, PROCESSING,
	// PAID, and FAILED bills, plus REFUNDED bills whose processing records
	// carry a gateway transaction id. CANCELLED bills and refunds that never
	// reached the gateway are excluded.
	GetMoneyMovementBillsByProcedure(ctx context.Context, procedureID int64, payorType PayorType) ([]*Bill, error)

	Update(ctx context.Context, b *Bill) error
}

// ProcessingRecordRepository persists the append-only processing audit trail.
type ProcessingRecordRepository interface {
	Create(ctx context.Context, r *ProcessingRecord) error
	GetByBillID(ctx context.Context, billID uuid.UUID) ([]*ProcessingRecord, error)

	// LatestTransactionID returns the most recent non-null gateway
	// transaction id recorded for the bill, or nil if none exists.
	LatestTransactionID(ctx context.Context, billID uuid.UUID) (*string, error)

	// CountProcessingAttempts counts records marking entry into PROCESSING.
	CountProcessingAttempts(ctx context.Context, billID uuid.UUID) (int, error)
}
