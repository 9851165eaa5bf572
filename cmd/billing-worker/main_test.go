package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maven/billing/internal/domain/bill"
)

type fakeBillProcessor struct {
	due         []*bill.Bill
	failStart   map[uuid.UUID]error
	failCapture map[uuid.UUID]error
	startedIDs  []uuid.UUID
	capturedIDs []uuid.UUID
}

func (f *fakeBillProcessor) GetProcessableNewMemberBills(_ context.Context, _ time.Time) ([]*bill.Bill, error) {
	return f.due, nil
}

func (f *fakeBillProcessor) SetNewBillToProcessing(_ context.Context, b *bill.Bill) (*bill.Bill, error) {
	if err := f.failStart[b.ID]; err != nil {
		return nil, err
	}
	f.startedIDs = append(f.startedIDs, b.ID)
	cp := *b
	cp.Status = bill.StatusProcessing
	return &cp, nil
}

func (f *fakeBillProcessor) Capture(_ context.Context, b *bill.Bill) (*bill.Bill, error) {
	if err := f.failCapture[b.ID]; err != nil {
		return nil, err
	}
	f.capturedIDs = append(f.capturedIDs, b.ID)
	cp := *b
	cp.Status = bill.StatusPaid
	return &cp, nil
}

func newDueBill() *bill.Bill {
	return &bill.Bill{
		ID:        uuid.New(),
		PayorType: bill.PayorTypeMember,
		Status:    bill.StatusNew,
	}
}

func TestProcessDueBills_StartFailureSkipsToNextBill(t *testing.T) {
	stale := newDueBill()
	healthy := newDueBill()
	proc := &fakeBillProcessor{
		due: []*bill.Bill{stale, healthy},
		failStart: map[uuid.UUID]error{
			stale.ID: bill.ErrStale,
		},
	}

	// A failed transition returns a nil bill; the run must keep going and
	// capture the remaining bills.
	if err := processDueBills(context.Background(), proc, zerolog.Nop()); err != nil {
		t.Fatalf("processDueBills: %v", err)
	}
	if len(proc.capturedIDs) != 1 || proc.capturedIDs[0] != healthy.ID {
		t.Errorf("captured = %v, want only the healthy bill %s", proc.capturedIDs, healthy.ID)
	}
}

func TestProcessDueBills_CaptureFailureDoesNotAbortBatch(t *testing.T) {
	declined := newDueBill()
	healthy := newDueBill()
	proc := &fakeBillProcessor{
		due: []*bill.Bill{declined, healthy},
		failCapture: map[uuid.UUID]error{
			declined.ID: errors.New("gateway unreachable"),
		},
	}

	if err := processDueBills(context.Background(), proc, zerolog.Nop()); err != nil {
		t.Fatalf("processDueBills: %v", err)
	}
	if len(proc.startedIDs) != 2 {
		t.Errorf("started = %v, want both bills started", proc.startedIDs)
	}
	if len(proc.capturedIDs) != 1 || proc.capturedIDs[0] != healthy.ID {
		t.Errorf("captured = %v, want only the healthy bill", proc.capturedIDs)
	}
}
