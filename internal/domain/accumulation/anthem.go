package accumulation

import (
	"regexp"
	"strings"
	"time"

	"github.com/maven/billing/internal/domain/money"
)

// Anthem accumulation format: 300-byte records, header "HD", detail "DT",
// trailer "TR". Three balance slots of 15 bytes each (type 2, network 1,
// overpunch amount 12).

const anthemRecordWidth = 300

var anthemHeaderLayout = Layout{
	"record_type":     {1, 2},
	"sender_id":       {3, 17},
	"receiver_id":     {18, 32},
	"file_type":       {33, 36},
	"run_date":        {37, 44},
	"transmission_id": {45, 54},
}

var anthemDetailLayout = Layout{
	"record_type":   {1, 2},
	"unique_id":     {3, 22},
	"member_id":     {23, 37},
	"policy_id":     {38, 52},
	"last_name":     {53, 77},
	"first_name":    {78, 92},
	"date_of_birth": {93, 100},
	"service_date":  {101, 108},
	"action_code":   {109, 110},
	"action_marker": {111, 111},
	"balances":      {112, 156},
	"status_code":   {157, 158},
	"reject_code":   {159, 161},
}

var anthemTrailerLayout = Layout{
	"record_type":  {1, 2},
	"record_count": {3, 12},
	"run_date":     {13, 20},
}

var anthemTypeCodes = map[AccumulatorType]string{
	AccumulatorDeductible:  "DE",
	AccumulatorOOP:         "OP",
	AccumulatorCoinsurance: "CO",
}

// anthemRejectReasons maps Anthem reject codes to operator-readable reasons.
// Unmapped codes pass through literally.
var anthemRejectReasons = map[string]string{
	"001": "duplicate record",
	"002": "member not found",
	"003": "invalid accumulator amount",
	"004": "coverage terminated",
}

var anthemResponsePattern = regexp.MustCompile(`^ANTHEM_MAVEN_RESP_(\d{8})\.TXT$`)

type AnthemCodec struct{}

func NewAnthemCodec() *AnthemCodec { return &AnthemCodec{} }

func (c *AnthemCodec) PayerName() string { return "anthem" }

func (c *AnthemCodec) GenerateHeader(runDate time.Time, transmissionID string) (string, error) {
	b := newRecordBuilder(anthemHeaderLayout, anthemRecordWidth)
	if err := b.put("record_type", "HD"); err != nil {
		return "", err
	}
	b.put("sender_id", "MAVEN")
	b.put("receiver_id", "ANTHEM")
	b.put("file_type", "ACCM")
	b.put("run_date", runDate.Format("20060102"))
	if err := b.put("transmission_id", transmissionID); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *AnthemCodec) GenerateDetail(row DetailRow) (string, error) {
	b := newRecordBuilder(anthemDetailLayout, anthemRecordWidth)
	b.put("record_type", "DT")
	if err := b.put("unique_id", row.UniqueID); err != nil {
		return "", err
	}
	if err := b.put("member_id", row.MemberID); err != nil {
		return "", err
	}
	b.put("policy_id", row.PolicyID)
	b.put("last_name", strings.ToUpper(row.LastName))
	b.put("first_name", strings.ToUpper(row.FirstName))
	b.put("date_of_birth", row.DateOfBirth.Format("20060102"))
	b.put("service_date", row.ServiceDate.Format("20060102"))
	b.put("action_code", rowActionCode(row))
	b.put("action_marker", actionMarker(row.Reversal))

	balances, err := encodeBalanceSlots(balanceSlotsFromRow(row), 3, 12, anthemTypeCodes)
	if err != nil {
		return "", err
	}
	if err := b.put("balances", balances); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *AnthemCodec) GenerateTrailer(recordCount int, runDate time.Time) (string, error) {
	b := newRecordBuilder(anthemTrailerLayout, anthemRecordWidth)
	b.put("record_type", "TR")
	if err := b.putRight("record_count", intString(recordCount)); err != nil {
		return "", err
	}
	b.put("run_date", runDate.Format("20060102"))
	return b.String(), nil
}

func (c *AnthemCodec) DetailRows(fileContents string) []string {
	var rows []string
	for _, line := range splitRecords(fileContents) {
		if strings.HasPrefix(line, "DT") {
			rows = append(rows, line)
		}
	}
	return rows
}

func (c *AnthemCodec) DetailMetadata(row string) DetailMetadata {
	md := DetailMetadata{}
	if !strings.HasPrefix(row, "DT") {
		return md
	}
	uniqueID, _ := ExtractField(anthemDetailLayout, row, "unique_id")
	memberID, _ := ExtractField(anthemDetailLayout, row, "member_id")
	status, _ := ExtractField(anthemDetailLayout, row, "status_code")
	reject, _ := ExtractField(anthemDetailLayout, row, "reject_code")

	md.UniqueID = strings.TrimSpace(uniqueID)
	md.MemberID = strings.TrimSpace(memberID)
	status = strings.TrimSpace(status)
	reject = strings.TrimSpace(reject)

	if status == "" {
		return md
	}
	md.IsResponse = true
	md.ResponseCode = status
	md.IsRejection = status == "02"
	md.ShouldUpdate = md.UniqueID != ""
	if md.IsRejection {
		if reason, ok := anthemRejectReasons[reject]; ok {
			md.ResponseReason = reason
		} else {
			md.ResponseReason = reject
		}
	}
	return md
}

func (c *AnthemCodec) DOBFromRow(row string) (time.Time, error) {
	field, err := ExtractField(anthemDetailLayout, row, "date_of_birth")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse("20060102", strings.TrimSpace(field))
}

func (c *AnthemCodec) DeductibleFromRow(row string) (money.Cents, error) {
	return balanceAmountFromRow(anthemDetailLayout, row, anthemTypeCodes[AccumulatorDeductible], 3, 12)
}

func (c *AnthemCodec) OOPFromRow(row string) (money.Cents, error) {
	return balanceAmountFromRow(anthemDetailLayout, row, anthemTypeCodes[AccumulatorOOP], 3, 12)
}

func (c *AnthemCodec) MatchResponseFilename(filename string) bool {
	return anthemResponsePattern.MatchString(filename)
}

func (c *AnthemCodec) ResponseFileDate(filename string) time.Time {
	m := anthemResponsePattern.FindStringSubmatch(filename)
	if m == nil {
		return time.Time{}
	}
	d, err := time.Parse("20060102", m[1])
	if err != nil {
		return time.Time{}
	}
	return d
}
