package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/maven/billing/internal/domain/bill"
	"github.com/maven/billing/internal/domain/money"
	"github.com/maven/billing/internal/platform/notification"
)

// Ledger is the slice of the bill service the orchestrator drives.
type Ledger interface {
	Create(ctx context.Context, p bill.NewBillParams) (*bill.Bill, error)
	GetByProcedure(ctx context.Context, procedureID int64, f bill.Filter) ([]*bill.Bill, error)
	PromoteEstimate(ctx context.Context, b *bill.Bill, scheduledAtOrAfter *time.Time) (*bill.Bill, error)
}

// EmployerAutoProcessPolicy decides whether refund bills for an employer may
// be submitted for processing without manual review.
type EmployerAutoProcessPolicy func(ctx context.Context, employerID int64) (bool, error)

// Service nets cost-breakdown responsibilities against the existing ledger
// and decides whether to emit a bill, an estimate, a refund, or nothing.
type Service struct {
	ledger       Ledger
	notifier     *notification.Dispatcher
	employerAuto EmployerAutoProcessPolicy
	logger       zerolog.Logger
	now          func() time.Time

	// memberProcessingDelay is how long after creation a member bill
	// becomes eligible for processing, giving members a dispute window.
	memberProcessingDelay time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMemberProcessingDelay(d time.Duration) Option {
	return func(s *Service) { s.memberProcessingDelay = d }
}

func NewService(ledger Ledger, notifier *notification.Dispatcher, employerAuto EmployerAutoProcessPolicy, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		ledger:                ledger,
		notifier:              notifier,
		employerAuto:          employerAuto,
		logger:                logger.With().Str("component", "billing").Logger(),
		now:                   time.Now,
		memberProcessingDelay: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// pastAmountStatuses are the states counted toward a payor's billed history.
// Cancelled and refunded rows are excluded: a cancellation never moved money
// and a refund is represented by its own negative row.
var pastAmountStatuses = []bill.Status{
	bill.StatusNew, bill.StatusProcessing, bill.StatusPaid, bill.StatusFailed,
}

// CalculateNewAndPastBillAmountFromNewResponsibility nets newResponsibility
// against all prior bills (estimates included) for the procedure and payor.
// The delta is nil exactly when the difference is zero.
func (s *Service) CalculateNewAndPastBillAmountFromNewResponsibility(ctx context.Context, payorID int64, payorType bill.PayorType, procedureID int64, newResponsibility money.Cents) (*money.Cents, money.Cents, error) {
	existing, err := s.ledger.GetByProcedure(ctx, procedureID, bill.Filter{
		PayorType:        payorType,
		PayorID:          &payorID,
		Statuses:         pastAmountStatuses,
		IncludeEphemeral: true,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("load existing bills for procedure %d: %w", procedureID, err)
	}

	var past money.Cents
	for _, b := range existing {
		past += b.Amount
	}

	delta := newResponsibility - past
	if delta == 0 {
		return nil, past, nil
	}
	return &delta, past, nil
}

// MemberBillingParams describes one member billing pass for a procedure.
type MemberBillingParams struct {
	MemberID        int64
	ProcedureID     int64
	ProcedureStatus ProcedureStatus
	Breakdown       *CostBreakdown
}

// HandleMemberBillingForProcedure applies the member's new responsibility to
// the ledger. While the procedure is SCHEDULED the delta becomes an ephemeral
// estimate; once performed, outstanding estimates are promoted and the delta
// becomes a real bill. The returned flags tell the caller whether commit and
// notification responsibility rest with it.
func (s *Service) HandleMemberBillingForProcedure(ctx context.Context, p MemberBillingParams) (*Result, error) {
	if p.Breakdown == nil {
		return nil, fmt.Errorf("cost breakdown is required for procedure %d", p.ProcedureID)
	}

	res := &Result{ShouldCommit: true}

	if p.ProcedureStatus.Performed() {
		// Promote any outstanding estimates so the history below is
		// non-ephemeral before the delta recomputes against it.
		estimates, err := s.ledger.GetByProcedure(ctx, p.ProcedureID, bill.Filter{
			PayorType:     bill.PayorTypeMember,
			PayorID:       &p.MemberID,
			OnlyEphemeral: true,
			Statuses:      []bill.Status{bill.StatusNew},
		})
		if err != nil {
			return nil, err
		}
		scheduled := s.now().Add(s.memberProcessingDelay)
		for _, est := range estimates {
			if _, err := s.ledger.PromoteEstimate(ctx, est, &scheduled); err != nil {
				return nil, fmt.Errorf("promote estimate %s: %w", est.ID, err)
			}
		}
	}

	delta, past, err := s.CalculateNewAndPastBillAmountFromNewResponsibility(
		ctx, p.MemberID, bill.PayorTypeMember, p.ProcedureID, p.Breakdown.TotalMemberResponsibility)
	if err != nil {
		return nil, err
	}
	res.PastAmount = past
	res.Delta = delta

	if delta == nil {
		s.logger.Info().
			Int64("procedure_id", p.ProcedureID).
			Int64("member_id", p.MemberID).
			Msg("responsibility unchanged, no bill emitted")
		return res, nil
	}

	params := bill.NewBillParams{
		PayorType:       bill.PayorTypeMember,
		PayorID:         p.MemberID,
		ProcedureID:     p.ProcedureID,
		CostBreakdownID: p.Breakdown.ID,
		Amount:          *delta,
	}

	switch {
	case p.ProcedureStatus == ProcedureScheduled:
		params.IsEphemeral = true
		b, err := s.ledger.Create(ctx, params)
		if err != nil {
			return nil, err
		}
		res.Bill = b
		res.EstimateCreated = true
	case p.ProcedureStatus.Performed():
		scheduled := s.now().Add(s.memberProcessingDelay)
		params.ScheduledAtOrAfter = &scheduled
		b, err := s.ledger.Create(ctx, params)
		if err != nil {
			return nil, err
		}
		res.Bill = b
		res.ShouldNotify = true
	default:
		s.logger.Info().
			Int64("procedure_id", p.ProcedureID).
			Str("procedure_status", string(p.ProcedureStatus)).
			Msg("procedure not billable in this state")
	}
	return res, nil
}

// NotifyOfBill dispatches the member-facing bill notification. Best effort:
// failures are logged by the dispatcher and never affect the ledger.
func (s *Service) NotifyOfBill(ctx context.Context, b *bill.Bill) {
	s.notifier.Dispatch(ctx, notification.Event{
		UserID:            b.PayorID,
		UserIDType:        "PAYOR_ID",
		UserType:          string(b.PayorType),
		EventSourceSystem: "billing",
		EventName:         "mmb_billing_event",
		EventProperties: map[string]string{
			"bill_uuid":    b.ID.String(),
			"amount":       money.FormatUSD(b.Amount),
			"procedure_id": fmt.Sprintf("%d", b.ProcedureID),
		},
	})
}

// CreateFullRefundBillFromBill emits the mirror bill reversing original in
// full. The refund is linked by a back-reference and shares the procedure and
// payor of the original; money-movement queries still derive lineage from
// (procedure, payor).
func (s *Service) CreateFullRefundBillFromBill(ctx context.Context, original *bill.Bill) (*bill.Bill, error) {
	if original.Amount <= 0 {
		return nil, fmt.Errorf("bill %s is not refundable: amount %d", original.ID, original.Amount)
	}
	if original.Status == bill.StatusCancelled {
		return nil, fmt.Errorf("bill %s is cancelled, nothing to refund", original.ID)
	}

	// Member refunds are always queued for processing. Employer refunds
	// queue only when the employer's policy allows skipping manual review.
	autoProcess := original.PayorType == bill.PayorTypeMember
	if original.PayorType == bill.PayorTypeEmployer && s.employerAuto != nil {
		ok, err := s.employerAuto(ctx, original.PayorID)
		if err != nil {
			s.logger.Warn().Err(err).
				Int64("employer_id", original.PayorID).
				Msg("employer auto-process policy failed, leaving refund unscheduled")
		} else {
			autoProcess = ok
		}
	}

	params := bill.NewBillParams{
		PayorType:       original.PayorType,
		PayorID:         original.PayorID,
		ProcedureID:     original.ProcedureID,
		CostBreakdownID: original.CostBreakdownID,
		Amount:          -original.Amount,
		PaymentMethod:   original.PaymentMethod,
		ReversedBillID:  &original.ID,
	}
	if autoProcess {
		now := s.now()
		params.ScheduledAtOrAfter = &now
	}
	refund, err := s.ledger.Create(ctx, params)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("bill_id", refund.ID.String()).
		Str("reversed_bill_id", original.ID.String()).
		Int64("amount_cents", int64(refund.Amount)).
		Bool("auto_processed", autoProcess).
		Msg("refund bill created")
	return refund, nil
}

// CreateFullRefundBillsForPayor reverses every refundable bill for the
// procedure and payor. Bills already negative (prior refunds) and cancelled
// bills are skipped.
func (s *Service) CreateFullRefundBillsForPayor(ctx context.Context, procedureID int64, payorType bill.PayorType, payorID int64) ([]*bill.Bill, error) {
	existing, err := s.ledger.GetByProcedure(ctx, procedureID, bill.Filter{
		PayorType: payorType,
		PayorID:   &payorID,
		Statuses:  pastAmountStatuses,
	})
	if err != nil {
		return nil, err
	}

	var refunds []*bill.Bill
	for _, b := range existing {
		if b.Amount <= 0 {
			continue
		}
		refund, err := s.CreateFullRefundBillFromBill(ctx, b)
		if err != nil {
			return refunds, fmt.Errorf("refund bill %s: %w", b.ID, err)
		}
		refunds = append(refunds, refund)
	}
	return refunds, nil
}
