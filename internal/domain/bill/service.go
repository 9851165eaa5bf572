package bill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maven/billing/internal/domain/money"
	"github.com/maven/billing/internal/platform/gateway"
	"github.com/maven/billing/internal/platform/telemetry"
)

// TxRunner runs fn inside one database transaction. Production wiring binds
// this to db.RunInTx; tests pass the identity runner.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// PassthroughTx runs fn on the caller's context with no transaction.
func PassthroughTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Service owns bill lifecycle transitions. Every money-mutating transition
// writes its ProcessingRecord in the same transaction as the status change.
type Service struct {
	bills   Repository
	records ProcessingRecordRepository
	gateway gateway.Client
	inTx    TxRunner
	metrics *telemetry.Provider
	logger  zerolog.Logger
	now     func() time.Time
}

type ServiceOption func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(bills Repository, records ProcessingRecordRepository, gw gateway.Client, inTx TxRunner, metrics *telemetry.Provider, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		bills:   bills,
		records: records,
		gateway: gw,
		inTx:    inTx,
		metrics: metrics,
		logger:  logger.With().Str("component", "bill").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewBillParams are the caller-supplied attributes for a new ledger entry.
type NewBillParams struct {
	PayorType       PayorType
	PayorID         int64
	ProcedureID     int64
	CostBreakdownID int64
	Amount          money.Cents
	LastCalculatedFee money.Cents
	Label           *string
	PaymentMethod   PaymentMethod
	PaymentMethodType PaymentMethodType
	CardFunding     *CardFunding

	// AllowZero permits a zero-amount bill, which auto-resolves to PAID
	// without a gateway call.
	AllowZero bool

	IsEphemeral    bool
	ReversedBillID *uuid.UUID

	// ScheduledAtOrAfter defers processing eligibility. Ignored for
	// ephemeral bills, which are never scheduled.
	ScheduledAtOrAfter *time.Time
}

// Create validates and persists a new bill in state NEW. A zero-amount bill
// resolves directly to PAID with no gateway call.
func (s *Service) Create(ctx context.Context, p NewBillParams) (*Bill, error) {
	if !p.PayorType.Valid() {
		return nil, &ValidationError{Field: "payor_type", Reason: fmt.Sprintf("unsupported payor type %q", p.PayorType)}
	}
	if p.PayorID <= 0 {
		return nil, &ValidationError{Field: "payor_id", Reason: "must be positive"}
	}
	if p.ProcedureID <= 0 {
		return nil, &ValidationError{Field: "procedure_id", Reason: "must be positive"}
	}
	if p.Amount == 0 && !p.AllowZero {
		return nil, &ValidationError{Field: "amount", Reason: "zero-value bill requires explicit opt-in"}
	}
	if p.PaymentMethod == "" {
		p.PaymentMethod = PaymentMethodPaymentGateway
	}

	b := &Bill{
		ID:                uuid.New(),
		Amount:            p.Amount,
		LastCalculatedFee: p.LastCalculatedFee,
		Label:             p.Label,
		PayorType:         p.PayorType,
		PayorID:           p.PayorID,
		ProcedureID:       p.ProcedureID,
		CostBreakdownID:   p.CostBreakdownID,
		PaymentMethod:     p.PaymentMethod,
		PaymentMethodType: p.PaymentMethodType,
		CardFunding:       p.CardFunding,
		Status:            StatusNew,
		IsEphemeral:       p.IsEphemeral,
		ReversedBillID:    p.ReversedBillID,
	}
	if !p.IsEphemeral {
		b.ProcessingScheduledAtOrAfter = p.ScheduledAtOrAfter
	}

	if p.Amount == 0 {
		now := s.now()
		b.Status = StatusPaid
		b.PaidAt = &now
	}

	if err := s.bills.Create(ctx, b); err != nil {
		return nil, err
	}
	s.metrics.Incr(telemetry.MetricBillTransition, "created", string(b.Status))
	s.logger.Info().
		Str("bill_id", b.ID.String()).
		Str("payor_type", string(b.PayorType)).
		Int64("procedure_id", b.ProcedureID).
		Int64("amount_cents", int64(b.Amount)).
		Bool("is_ephemeral", b.IsEphemeral).
		Msg("bill created")
	return b, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return s.bills.GetByID(ctx, id)
}

func (s *Service) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Bill, error) {
	return s.bills.GetByIDs(ctx, ids)
}

func (s *Service) GetByProcedure(ctx context.Context, procedureID int64, f Filter) ([]*Bill, error) {
	return s.bills.GetByProcedure(ctx, procedureID, f)
}

func (s *Service) GetByPayor(ctx context.Context, payorType PayorType, payorID int64, f Filter) ([]*Bill, error) {
	return s.bills.GetByPayor(ctx, payorType, payorID, f)
}

func (s *Service) GetEstimatesByPayor(ctx context.Context, payorType PayorType, payorID int64) ([]*Bill, error) {
	return s.bills.GetEstimatesByPayor(ctx, payorType, payorID)
}

func (s *Service) GetProcessableNewMemberBills(ctx context.Context, threshold time.Time) ([]*Bill, error) {
	return s.bills.GetProcessableNewMemberBills(ctx, threshold)
}

func (s *Service) GetMoneyMovementBillsByProcedure(ctx context.Context, procedureID int64, payorType PayorType) ([]*Bill, error) {
	return s.bills.GetMoneyMovementBillsByProcedure(ctx, procedureID, payorType)
}

// PromoteEstimate converts an ephemeral estimate into a real NEW bill,
// optionally scheduling it for processing. The amount is unchanged; the
// promoted bill enters the normal lifecycle.
func (s *Service) PromoteEstimate(ctx context.Context, b *Bill, scheduledAtOrAfter *time.Time) (*Bill, error) {
	if !b.IsEphemeral {
		s.logger.Info().Str("bill_id", b.ID.String()).Msg("promotion skipped, bill is not an estimate")
		return b, nil
	}
	if b.Status != StatusNew {
		return nil, s.invalidTransition(b, StatusNew, "estimate is not NEW")
	}
	b.IsEphemeral = false
	b.ProcessingScheduledAtOrAfter = scheduledAtOrAfter
	if err := s.bills.Update(ctx, b); err != nil {
		return nil, err
	}
	s.metrics.Incr(telemetry.MetricBillTransition, "estimate", "promoted")
	s.logger.Info().
		Str("bill_id", b.ID.String()).
		Int64("amount_cents", int64(b.Amount)).
		Msg("estimate promoted to bill")
	return b, nil
}

func (s *Service) invalidTransition(b *Bill, to Status, reason string) error {
	s.metrics.Incr(telemetry.MetricBillInvalidTransition, string(b.Status), string(to))
	return &InvalidStateTransitionError{BillID: b.ID, From: b.Status, To: to, Reason: reason}
}

// SetNewBillToProcessing moves a NEW bill to PROCESSING. The ProcessingRecord
// is written before any gateway call so a crash mid-call is detectable.
// FAILED bills re-enter through RetryFailedBill, not here.
func (s *Service) SetNewBillToProcessing(ctx context.Context, b *Bill) (*Bill, error) {
	if b.Status != StatusNew {
		return nil, s.invalidTransition(b, StatusProcessing, "bill is not NEW")
	}
	if b.IsEphemeral {
		return nil, s.invalidTransition(b, StatusProcessing, "ephemeral bills are never processed")
	}

	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.records.Create(ctx, &ProcessingRecord{
			BillID:     b.ID,
			BillStatus: StatusProcessing,
			RecordType: RecordTypeBillProcessing,
			Body:       map[string]any{"amount": int64(b.Amount)},
		}); err != nil {
			return err
		}
		now := s.now()
		b.Status = StatusProcessing
		b.ProcessingAt = &now
		return s.bills.Update(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Incr(telemetry.MetricBillTransition, string(StatusNew), string(StatusProcessing))
	return b, nil
}

// Authorize places a gateway hold for a PROCESSING bill without capturing.
// The transaction id is recorded; a later Capture settles it. Idempotent when
// a hold already exists.
func (s *Service) Authorize(ctx context.Context, b *Bill) (*Bill, error) {
	if b.Status != StatusProcessing {
		return nil, s.invalidTransition(b, StatusProcessing, "authorize requires a PROCESSING bill")
	}
	existing, err := s.records.LatestTransactionID(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Info().Str("bill_id", b.ID.String()).Msg("authorize skipped, hold already placed")
		return b, nil
	}

	txn, err := s.gateway.CreateCharge(ctx, gateway.ChargeRequest{
		Amount:         b.Amount,
		PaymentMethod:  string(b.PaymentMethod),
		IdempotencyKey: b.ID.String(),
	})
	s.metrics.Incr(telemetry.MetricGatewayCall, "authorize")
	if errors.Is(err, gateway.ErrDeclined) {
		return s.markFailed(ctx, b, "payment_declined")
	}
	if err != nil {
		return nil, fmt.Errorf("authorize bill %s: %w", b.ID, err)
	}

	if err := s.records.Create(ctx, &ProcessingRecord{
		BillID:        b.ID,
		TransactionID: &txn.ID,
		BillStatus:    StatusProcessing,
		RecordType:    RecordTypeBillProcessing,
		Body:          map[string]any{"authorized": true},
	}); err != nil {
		s.logger.Error().Err(err).
			Str("bill_id", b.ID.String()).
			Str("transaction_id", txn.ID).
			Msg("gateway confirmed hold but local write failed")
		return nil, err
	}
	return b, nil
}

// StartTransfer moves clinic-owed funds out through the gateway. A bill that
// already has a transfer transaction must not transfer again.
func (s *Service) StartTransfer(ctx context.Context, b *Bill, destination string) (*Bill, error) {
	if b.PayorType != PayorTypeClinic {
		return nil, &ValidationError{Field: "payor_type", Reason: "transfers apply to clinic bills only"}
	}
	if b.Status != StatusProcessing {
		return nil, s.invalidTransition(b, StatusPaid, "transfer requires a PROCESSING bill")
	}
	recs, err := s.records.GetByBillID(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.RecordType == RecordTypeTransfer && rec.TransactionID != nil {
			return nil, s.invalidTransition(b, StatusPaid, "transfer already started")
		}
	}

	txn, err := s.gateway.StartTransfer(ctx, destination, b.Amount)
	s.metrics.Incr(telemetry.MetricGatewayCall, "start_transfer")
	if err != nil {
		return nil, fmt.Errorf("start transfer for bill %s: %w", b.ID, err)
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.records.Create(ctx, &ProcessingRecord{
			BillID:        b.ID,
			TransactionID: &txn.ID,
			BillStatus:    StatusPaid,
			RecordType:    RecordTypeTransfer,
			Body:          map[string]any{"destination": destination},
		}); err != nil {
			return err
		}
		now := s.now()
		b.Status = StatusPaid
		b.PaidAt = &now
		return s.bills.Update(ctx, b)
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("bill_id", b.ID.String()).
			Str("transaction_id", txn.ID).
			Msg("gateway confirmed transfer but local write failed")
		return nil, err
	}
	s.metrics.Incr(telemetry.MetricBillTransition, string(StatusProcessing), string(StatusPaid))
	return b, nil
}

// Capture charges the payor for a PROCESSING bill. A gateway decline moves
// the bill to FAILED; a transport error leaves the bill untouched so the next
// scheduled run retries. Success moves to PAID and records the transaction id.
func (s *Service) Capture(ctx context.Context, b *Bill) (*Bill, error) {
	if b.Status == StatusPaid {
		s.logger.Info().Str("bill_id", b.ID.String()).Msg("capture skipped, bill already paid")
		return b, nil
	}
	if b.Status != StatusProcessing {
		return nil, s.invalidTransition(b, StatusPaid, "bill is not PROCESSING")
	}
	if b.Amount < 0 {
		return s.captureRefund(ctx, b)
	}

	// A prior Authorize leaves a hold to settle; otherwise charge directly.
	var txn *gateway.Transaction
	var err error
	if held, herr := s.records.LatestTransactionID(ctx, b.ID); herr != nil {
		return nil, herr
	} else if held != nil {
		txn, err = s.gateway.CaptureCharge(ctx, *held)
		s.metrics.Incr(telemetry.MetricGatewayCall, "capture_charge")
	} else {
		txn, err = s.gateway.CreateCharge(ctx, gateway.ChargeRequest{
			Amount:         b.Amount,
			PaymentMethod:  string(b.PaymentMethod),
			IdempotencyKey: b.ID.String(),
		})
		s.metrics.Incr(telemetry.MetricGatewayCall, "create_charge")
	}
	if errors.Is(err, gateway.ErrDeclined) {
		return s.markFailed(ctx, b, "payment_declined")
	}
	if err != nil {
		// Pre-call state is preserved; only an external confirmation
		// advances status.
		return nil, fmt.Errorf("create charge for bill %s: %w", b.ID, err)
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.records.Create(ctx, &ProcessingRecord{
			BillID:        b.ID,
			TransactionID: &txn.ID,
			BillStatus:    StatusPaid,
			RecordType:    RecordTypeBillProcessing,
			Body:          map[string]any{"transaction_amount": int64(txn.Amount)},
		}); err != nil {
			return err
		}
		now := s.now()
		b.Status = StatusPaid
		b.PaidAt = &now
		b.ErrorType = nil
		return s.bills.Update(ctx, b)
	})
	if err != nil {
		// The gateway confirmed the charge but the local write failed.
		// Surfacing the error keeps the confirmation visible for manual
		// reconciliation.
		s.logger.Error().Err(err).
			Str("bill_id", b.ID.String()).
			Str("transaction_id", txn.ID).
			Msg("gateway confirmed charge but local write failed")
		return nil, err
	}
	s.metrics.Incr(telemetry.MetricBillTransition, string(StatusProcessing), string(StatusPaid))
	return b, nil
}

// captureRefund settles a negative-amount bill by refunding the reversed
// bill's latest gateway transaction. The gateway never sees a negative
// charge. A reversed bill with no transaction id was a zero-value or
// written-off charge, so the refund completes internal-only.
func (s *Service) captureRefund(ctx context.Context, b *Bill) (*Bill, error) {
	var refundTxnID *string
	if b.ReversedBillID != nil {
		origTxnID, err := s.records.LatestTransactionID(ctx, *b.ReversedBillID)
		if err != nil {
			return nil, err
		}
		if origTxnID != nil {
			txn, err := s.gateway.RefundCharge(ctx, *origTxnID, -b.Amount)
			s.metrics.Incr(telemetry.MetricGatewayCall, "refund_charge")
			if errors.Is(err, gateway.ErrDeclined) {
				return s.markFailed(ctx, b, "refund_declined")
			}
			if err != nil {
				return nil, fmt.Errorf("refund charge for bill %s: %w", b.ID, err)
			}
			refundTxnID = &txn.ID
		}
	}

	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.records.Create(ctx, &ProcessingRecord{
			BillID:        b.ID,
			TransactionID: refundTxnID,
			BillStatus:    StatusPaid,
			RecordType:    RecordTypeRefund,
			Body:          map[string]any{"refunded_amount": int64(-b.Amount)},
		}); err != nil {
			return err
		}
		now := s.now()
		b.Status = StatusPaid
		b.PaidAt = &now
		b.ErrorType = nil
		return s.bills.Update(ctx, b)
	})
	if err != nil {
		if refundTxnID != nil {
			s.logger.Error().Err(err).
				Str("bill_id", b.ID.String()).
				Str("transaction_id", *refundTxnID).
				Msg("gateway confirmed refund but local write failed")
		}
		return nil, err
	}
	s.metrics.Incr(telemetry.MetricBillTransition, string(StatusProcessing), string(StatusPaid))
	return b, nil
}

func (s *Service) markFailed(ctx context.Context, b *Bill, errorType string) (*Bill, error) {
	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.records.Create(ctx, &ProcessingRecord{
			BillID:     b.ID,
			BillStatus: StatusFailed,
			RecordType: RecordTypeBillProcessing,
			Body:       map[string]any{"error_type": errorType},
		}); err != nil {
			return err
		}
		now := s.now()
		b.Status = StatusFailed
		b.FailedAt = &now
		b.ErrorType = &errorType
		return s.bills.Update(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Incr(telemetry.MetricBillTransition, string(StatusProcessing), string(StatusFailed))
	s.logger.Warn().
		Str("bill_id", b.ID.String()).
		Str("error_type", errorType).
		Msg("bill failed")
	return b, nil
}

// RetryFailedBill moves a FAILED bill back to PROCESSING, bounded by
// MaxProcessingAttempts total attempts.
func (s *Service) RetryFailedBill(ctx context.Context, b *Bill) (*Bill, error) {
	if b.Status != StatusFailed {
		return nil, s.invalidTransition(b, StatusProcessing, "bill is not FAILED")
	}
	attempts, err := s.records.CountProcessingAttempts(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if attempts >= MaxProcessingAttempts {
		return nil, s.invalidTransition(b, StatusProcessing,
			fmt.Sprintf("attempt budget exhausted (%d)", attempts))
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.records.Create(ctx, &ProcessingRecord{
			BillID:     b.ID,
			BillStatus: StatusProcessing,
			RecordType: RecordTypeBillProcessing,
			Body:       map[string]any{"retry_attempt": attempts + 1},
		}); err != nil {
			return err
		}
		now := s.now()
		b.Status = StatusProcessing
		b.ProcessingAt = &now
		return s.bills.Update(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Incr(telemetry.MetricBillTransition, string(StatusFailed), string(StatusProcessing))
	return b, nil
}

// SwapForNewCharge retries a FAILED bill on a different payment method.
func (s *Service) SwapForNewCharge(ctx context.Context, b *Bill, method PaymentMethod, methodType PaymentMethodType) (*Bill, error) {
	if b.Status == StatusPaid {
		s.logger.Info().Str("bill_id", b.ID.String()).Msg("swap skipped, bill already paid")
		return b, nil
	}
	if b.Status != StatusFailed {
		return nil, s.invalidTransition(b, StatusProcessing, "swap requires a FAILED bill")
	}
	b.PaymentMethod = method
	b.PaymentMethodType = methodType
	return s.RetryFailedBill(ctx, b)
}

// Cancel marks a bill CANCELLED. Idempotent on already-cancelled bills. A
// bill whose processing has started cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, b *Bill) (*Bill, error) {
	if b.Status == StatusCancelled {
		s.logger.Info().Str("bill_id", b.ID.String()).Msg("cancel skipped, bill already cancelled")
		return b, nil
	}
	if b.Started() && b.Status != StatusPaid {
		return nil, s.invalidTransition(b, StatusCancelled, "processing already started")
	}
	if !CanTransition(b.Status, StatusCancelled) {
		return nil, s.invalidTransition(b, StatusCancelled, "")
	}
	if b.Status == StatusPaid {
		// Cancellation of a PAID bill is only valid before capture, which
		// means no gateway transaction exists.
		txnID, err := s.records.LatestTransactionID(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		if txnID != nil {
			return nil, s.invalidTransition(b, StatusCancelled, "bill was captured, refund instead")
		}
	}

	from := b.Status
	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.records.Create(ctx, &ProcessingRecord{
			BillID:     b.ID,
			BillStatus: StatusCancelled,
			RecordType: RecordTypeBillProcessing,
		}); err != nil {
			return err
		}
		now := s.now()
		b.Status = StatusCancelled
		b.CancelledAt = &now
		return s.bills.Update(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Incr(telemetry.MetricBillTransition, string(from), string(StatusCancelled))
	return b, nil
}

// Refund moves a PAID bill to REFUNDED through the gateway. Idempotent on
// already-refunded bills.
func (s *Service) Refund(ctx context.Context, b *Bill) (*Bill, error) {
	if b.Status == StatusRefunded {
		s.logger.Info().Str("bill_id", b.ID.String()).Msg("refund skipped, bill already refunded")
		return b, nil
	}
	if b.Status != StatusPaid {
		return nil, s.invalidTransition(b, StatusRefunded, "refund requires a PAID bill")
	}

	txnID, err := s.records.LatestTransactionID(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	var refundTxnID *string
	if txnID != nil {
		txn, err := s.gateway.RefundCharge(ctx, *txnID, b.Amount)
		s.metrics.Incr(telemetry.MetricGatewayCall, "refund_charge")
		if err != nil {
			return nil, fmt.Errorf("refund charge for bill %s: %w", b.ID, err)
		}
		refundTxnID = &txn.ID
	}
	// A PAID bill with no transaction id was a zero-value or written-off
	// bill; the refund is internal-only and carries no transaction id.

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.records.Create(ctx, &ProcessingRecord{
			BillID:        b.ID,
			TransactionID: refundTxnID,
			BillStatus:    StatusRefunded,
			RecordType:    RecordTypeRefund,
		}); err != nil {
			return err
		}
		now := s.now()
		b.Status = StatusRefunded
		b.RefundedAt = &now
		if b.RefundInitiatedAt == nil {
			b.RefundInitiatedAt = &now
		}
		return s.bills.Update(ctx, b)
	})
	if err != nil {
		if refundTxnID != nil {
			s.logger.Error().Err(err).
				Str("bill_id", b.ID.String()).
				Str("transaction_id", *refundTxnID).
				Msg("gateway confirmed refund but local write failed")
		}
		return nil, err
	}
	s.metrics.Incr(telemetry.MetricBillTransition, string(StatusPaid), string(StatusRefunded))
	return b, nil
}
