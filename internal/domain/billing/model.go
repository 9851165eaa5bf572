package billing

import (
	"github.com/maven/billing/internal/domain/bill"
	"github.com/maven/billing/internal/domain/money"
)

// ProcedureStatus is the treatment procedure state reported by the clinical
// system. Billing only distinguishes scheduled from performed.
type ProcedureStatus string

const (
	ProcedureScheduled          ProcedureStatus = "SCHEDULED"
	ProcedureCompleted          ProcedureStatus = "COMPLETED"
	ProcedurePartiallyCompleted ProcedureStatus = "PARTIALLY_COMPLETED"
	ProcedureCancelled          ProcedureStatus = "CANCELLED"
)

// Performed reports whether the procedure has reached a state where real
// bills (not estimates) are appropriate.
func (s ProcedureStatus) Performed() bool {
	return s == ProcedureCompleted || s == ProcedurePartiallyCompleted
}

// CostBreakdown is the benefit calculation for one procedure, supplied by the
// cost-breakdown collaborator. Responsibilities are total amounts owed, not
// deltas; the orchestration service nets them against prior bills.
type CostBreakdown struct {
	ID          int64
	ProcedureID int64

	MemberID   int64
	EmployerID int64
	ClinicID   int64

	TotalMemberResponsibility   money.Cents
	TotalEmployerResponsibility money.Cents

	DeductibleApplied  money.Cents
	OutOfPocketApplied money.Cents
}

// Result reports what HandleMemberBillingForProcedure decided. ShouldCommit
// tells the caller whether the transaction boundary rests with it; Notify
// tells it whether to dispatch a bill notification after commit. Keeping
// both with the caller lets one commit cover bill and estimate creation
// atomically.
type Result struct {
	// Bill is the row created this invocation, nil when the delta was zero.
	// It is an estimate when EstimateCreated is set.
	Bill            *bill.Bill
	EstimateCreated bool
	PastAmount      money.Cents
	Delta           *money.Cents

	ShouldCommit bool
	ShouldNotify bool
}
