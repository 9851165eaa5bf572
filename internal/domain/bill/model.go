package bill

import (
	"time"

	"github.com/google/uuid"

	"github.com/maven/billing/internal/domain/money"
)

// PayorType identifies who owes the money on a bill.
type PayorType string

const (
	PayorTypeMember   PayorType = "MEMBER"
	PayorTypeEmployer PayorType = "EMPLOYER"
	PayorTypeClinic   PayorType = "CLINIC"
)

func (p PayorType) Valid() bool {
	switch p {
	case PayorTypeMember, PayorTypeEmployer, PayorTypeClinic:
		return true
	}
	return false
}

// Status is the bill lifecycle state.
type Status string

const (
	StatusNew        Status = "NEW"
	StatusProcessing Status = "PROCESSING"
	StatusPaid       Status = "PAID"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
	StatusCancelled  Status = "CANCELLED"
)

// validTransitions is the complete transition table. FAILED bills may go back
// to PROCESSING up to MaxProcessingAttempts total attempts.
var validTransitions = map[Status][]Status{
	StatusNew:        {StatusProcessing, StatusPaid, StatusCancelled},
	StatusProcessing: {StatusPaid, StatusFailed},
	StatusPaid:       {StatusRefunded, StatusCancelled},
	StatusFailed:     {StatusProcessing},
}

// MaxProcessingAttempts bounds how many times a FAILED bill may re-enter
// PROCESSING before it is terminal.
const MaxProcessingAttempts = 3

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func Terminal(s Status) bool {
	return len(validTransitions[s]) == 0
}

type PaymentMethod string

const (
	PaymentMethodPaymentGateway PaymentMethod = "PAYMENT_GATEWAY"
	PaymentMethodWriteOff       PaymentMethod = "WRITE_OFF"
	PaymentMethodOffline        PaymentMethod = "OFFLINE"
)

type PaymentMethodType string

const (
	PaymentMethodTypeCard PaymentMethodType = "card"
	PaymentMethodTypeBank PaymentMethodType = "us_bank_account"
)

type CardFunding string

const (
	CardFundingCredit  CardFunding = "CREDIT"
	CardFundingDebit   CardFunding = "DEBIT"
	CardFundingPrepaid CardFunding = "PREPAID"
	CardFundingUnknown CardFunding = "UNKNOWN"
)

// Bill is one ledger entry of money owed between a payor and Maven for one
// procedure. A negative amount is a refund. An ephemeral bill is an estimate
// that is never charged. Bills are never deleted; cancellation is a status.
type Bill struct {
	ID                uuid.UUID   `db:"id"`
	Amount            money.Cents `db:"amount"`
	LastCalculatedFee money.Cents `db:"last_calculated_fee"`
	Label             *string     `db:"label"`

	PayorType       PayorType `db:"payor_type"`
	PayorID         int64     `db:"payor_id"`
	ProcedureID     int64     `db:"procedure_id"`
	CostBreakdownID int64     `db:"cost_breakdown_id"`

	PaymentMethod     PaymentMethod     `db:"payment_method"`
	PaymentMethodType PaymentMethodType `db:"payment_method_type"`
	CardFunding       *CardFunding      `db:"card_funding"`

	Status    Status  `db:"status"`
	ErrorType *string `db:"error_type"`

	// ReversedBillID links a refund bill back to the bill it reverses.
	// Money movement queries still derive lineage from (procedure, payor);
	// this back-reference exists for auditability.
	ReversedBillID *uuid.UUID `db:"reversed_bill_id"`

	IsEphemeral bool `db:"is_ephemeral"`

	ProcessingAt                 *time.Time `db:"processing_at"`
	PaidAt                       *time.Time `db:"paid_at"`
	RefundedAt                   *time.Time `db:"refunded_at"`
	FailedAt                     *time.Time `db:"failed_at"`
	CancelledAt                  *time.Time `db:"cancelled_at"`
	RefundInitiatedAt            *time.Time `db:"refund_initiated_at"`
	ProcessingScheduledAtOrAfter *time.Time `db:"processing_scheduled_at_or_after"`

	Version   int       `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// IsRefund reports whether the bill represents money flowing back to the payor.
func (b *Bill) IsRefund() bool {
	return b.Amount < 0
}

// Started reports whether processing has begun for this bill. A started bill
// cannot be cancelled.
func (b *Bill) Started() bool {
	return b.ProcessingAt != nil
}

// ProcessingRecordType classifies a BillProcessingRecord entry.
type ProcessingRecordType string

const (
	RecordTypeBillProcessing ProcessingRecordType = "billing_service_workflow"
	RecordTypeRefund         ProcessingRecordType = "payment_gateway_refund"
	RecordTypeTransfer       ProcessingRecordType = "payment_gateway_transfer"
)

// ProcessingRecord is an append-only audit entry for one processing attempt.
// TransactionID is set only once the gateway confirms. Immutable once written.
type ProcessingRecord struct {
	ID            int64                `db:"id"`
	BillID        uuid.UUID            `db:"bill_id"`
	TransactionID *string              `db:"transaction_id"`
	BillStatus    Status               `db:"bill_status"`
	RecordType    ProcessingRecordType `db:"processing_record_type"`
	Body          map[string]any       `db:"body"`
	CreatedAt     time.Time            `db:"created_at"`
}

// Filter narrows bill queries. Zero values mean "no constraint". Ephemeral
// rows are excluded unless IncludeEphemeral is set.
type Filter struct {
	PayorType        PayorType
	PayorID          *int64
	ProcedureID      *int64
	Statuses         []Status
	CreatedBefore    *time.Time
	CreatedAfter     *time.Time
	IncludeEphemeral bool
	OnlyEphemeral    bool
}
