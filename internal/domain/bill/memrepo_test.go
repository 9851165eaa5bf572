package bill

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memBillRepo is an in-memory Repository used across the bill and billing
// service tests. It mirrors the SQL semantics of repo_pg.go, including the
// money-movement union, so service behavior can be asserted without a
// database.
type memBillRepo struct {
	mu      sync.Mutex
	bills   map[uuid.UUID]*Bill
	records *memRecordRepo
	nowSeq  int
}

func newMemBillRepo(records *memRecordRepo) *memBillRepo {
	return &memBillRepo{bills: make(map[uuid.UUID]*Bill), records: records}
}

func (r *memBillRepo) Create(_ context.Context, b *Bill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Version = 1
	r.nowSeq++
	b.CreatedAt = time.Unix(int64(r.nowSeq), 0)
	b.UpdatedAt = b.CreatedAt
	cp := *b
	r.bills[b.ID] = &cp
	return nil
}

func (r *memBillRepo) GetByID(_ context.Context, id uuid.UUID) (*Bill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bills[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *memBillRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Bill, error) {
	var out []*Bill
	for _, id := range ids {
		b, err := r.GetByID(ctx, id)
		if err == nil {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memBillRepo) all() []*Bill {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Bill, 0, len(r.bills))
	for _, b := range r.bills {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func matchesFilter(b *Bill, f Filter) bool {
	if f.OnlyEphemeral && !b.IsEphemeral {
		return false
	}
	if !f.OnlyEphemeral && !f.IncludeEphemeral && b.IsEphemeral {
		return false
	}
	if f.PayorType != "" && b.PayorType != f.PayorType {
		return false
	}
	if f.PayorID != nil && b.PayorID != *f.PayorID {
		return false
	}
	if f.ProcedureID != nil && b.ProcedureID != *f.ProcedureID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if b.Status == s {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *memBillRepo) GetByProcedure(_ context.Context, procedureID int64, f Filter) ([]*Bill, error) {
	var out []*Bill
	for _, b := range r.all() {
		if b.ProcedureID == procedureID && matchesFilter(b, f) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memBillRepo) GetByPayor(_ context.Context, payorType PayorType, payorID int64, f Filter) ([]*Bill, error) {
	var out []*Bill
	for _, b := range r.all() {
		if b.PayorType == payorType && b.PayorID == payorID && matchesFilter(b, f) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memBillRepo) GetEstimatesByPayor(_ context.Context, payorType PayorType, payorID int64) ([]*Bill, error) {
	var out []*Bill
	for _, b := range r.all() {
		if b.PayorType == payorType && b.PayorID == payorID && b.IsEphemeral && b.Status == StatusNew {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memBillRepo) GetProcessableNewMemberBills(_ context.Context, threshold time.Time) ([]*Bill, error) {
	var out []*Bill
	for _, b := range r.all() {
		if b.PayorType == PayorTypeMember && b.Status == StatusNew && !b.IsEphemeral &&
			b.ProcessingScheduledAtOrAfter != nil && !b.ProcessingScheduledAtOrAfter.After(threshold) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memBillRepo) GetMoneyMovementBillsByProcedure(ctx context.Context, procedureID int64, payorType PayorType) ([]*Bill, error) {
	var out []*Bill
	for _, b := range r.all() {
		if b.ProcedureID != procedureID || b.PayorType != payorType || b.IsEphemeral {
			continue
		}
		switch b.Status {
		case StatusNew, StatusProcessing, StatusPaid, StatusFailed:
			out = append(out, b)
		case StatusRefunded:
			txn, _ := r.records.LatestTransactionID(ctx, b.ID)
			if txn != nil {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

func (r *memBillRepo) Update(_ context.Context, b *Bill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.bills[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != b.Version {
		return ErrStale
	}
	b.Version++
	b.UpdatedAt = time.Now()
	cp := *b
	cp.CreatedAt = cur.CreatedAt
	r.bills[b.ID] = &cp
	return nil
}

type memRecordRepo struct {
	mu      sync.Mutex
	records []*ProcessingRecord
	nextID  int64
}

func newMemRecordRepo() *memRecordRepo { return &memRecordRepo{} }

func (r *memRecordRepo) Create(_ context.Context, rec *ProcessingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	rec.ID = r.nextID
	rec.CreatedAt = time.Now()
	cp := *rec
	r.records = append(r.records, &cp)
	return nil
}

func (r *memRecordRepo) GetByBillID(_ context.Context, billID uuid.UUID) ([]*ProcessingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ProcessingRecord
	for _, rec := range r.records {
		if rec.BillID == billID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRecordRepo) LatestTransactionID(_ context.Context, billID uuid.UUID) (*string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].BillID == billID && r.records[i].TransactionID != nil {
			id := *r.records[i].TransactionID
			return &id, nil
		}
	}
	return nil, nil
}

func (r *memRecordRepo) CountProcessingAttempts(_ context.Context, billID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.BillID == billID && rec.BillStatus == StatusProcessing {
			n++
		}
	}
	return n, nil
}
