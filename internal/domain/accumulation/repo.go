package accumulation

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrReportNotFound = errors.New("accumulation report not found")

var ErrMappingNotFound = errors.New("accumulation treatment mapping not found")

type ReportRepository interface {
	Create(ctx context.Context, r *PayerAccumulationReport) error
	GetByID(ctx context.Context, id uuid.UUID) (*PayerAccumulationReport, error)
	GetByFilename(ctx context.Context, filename string) (*PayerAccumulationReport, error)
	ListByStatus(ctx context.Context, payerName string, status ReportStatus) ([]*PayerAccumulationReport, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status ReportStatus) error
}

type MappingRepository interface {
	Create(ctx context.Context, m *AccumulationTreatmentMapping) error
	GetByUniqueID(ctx context.Context, uniqueID string) (*AccumulationTreatmentMapping, error)
	ListByReport(ctx context.Context, reportID uuid.UUID) ([]*AccumulationTreatmentMapping, error)
	// UpdateStatus records the payer's disposition for one mapping.
	// responseCode and rejectReason may be nil for internally-driven updates.
	UpdateStatus(ctx context.Context, id uuid.UUID, status MappingStatus, responseCode, rejectReason *string) error
}
