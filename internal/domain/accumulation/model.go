package accumulation

import (
	"time"

	"github.com/google/uuid"

	"github.com/maven/billing/internal/domain/money"
)

// ReportStatus tracks an outbound accumulation file through its life.
// Generated files stay NEW until the payer's response is reconciled.
type ReportStatus string

const (
	ReportStatusNew       ReportStatus = "NEW"
	ReportStatusFailure   ReportStatus = "FAILURE"
	ReportStatusProcessed ReportStatus = "PROCESSED"
)

// PayerAccumulationReport is one generated outbound file for one payer run.
type PayerAccumulationReport struct {
	ID          uuid.UUID
	PayerName   string
	Filename    string
	FilePath    string
	Status      ReportStatus
	RecordCount int
	ReportDate  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type MappingStatus string

const (
	MappingStatusSubmitted MappingStatus = "SUBMITTED"
	MappingStatusAccepted  MappingStatus = "ACCEPTED"
	MappingStatusRejected  MappingStatus = "REJECTED"
)

// AccumulationTreatmentMapping links one detail row of an outbound file to
// the procedure whose accumulator change it reported. The unique id written
// into the row is the join key the payer echoes back in its response file.
type AccumulationTreatmentMapping struct {
	ID                   uuid.UUID
	AccumulationUniqueID string
	ReportID             *uuid.UUID
	PayerName            string
	TreatmentProcedureID int64
	MemberID             string
	DeductibleApplied    money.Cents
	OOPApplied           money.Cents
	IsReversal           bool
	Status               MappingStatus
	ResponseCode         *string
	RejectReason         *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
