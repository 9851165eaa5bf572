package accumulation

import (
	"regexp"
	"strings"
	"time"

	"github.com/maven/billing/internal/domain/money"
)

// Credence accumulation format: 250-byte records, header "HEADER", detail
// "01", trailer "TRAILER". Two balance slots of 13 bytes each (type 2,
// network 1, overpunch amount 10). Numeric accumulator type codes.

const credenceRecordWidth = 250

var credenceHeaderLayout = Layout{
	"record_type": {1, 6},
	"sender_id":   {7, 21},
	"run_date":    {22, 29},
	"run_time":    {30, 35},
	"version":     {36, 40},
}

var credenceDetailLayout = Layout{
	"record_type":   {1, 2},
	"sequence":      {3, 9},
	"unique_id":     {10, 29},
	"member_id":     {30, 44},
	"policy_id":     {45, 59},
	"date_of_birth": {60, 67},
	"last_name":     {68, 92},
	"first_name":    {93, 107},
	"service_date":  {108, 115},
	"action_code":   {116, 117},
	"action_marker": {118, 118},
	"balances":      {119, 144},
	"status_code":   {145, 145},
	"reject_code":   {146, 148},
}

var credenceTrailerLayout = Layout{
	"record_type":  {1, 7},
	"record_count": {8, 15},
	"run_date":     {16, 23},
}

var credenceTypeCodes = map[AccumulatorType]string{
	AccumulatorDeductible:  "04",
	AccumulatorOOP:         "05",
	AccumulatorCoinsurance: "06",
}

var credenceRejectReasons = map[string]string{
	"R01": "subscriber not on file",
	"R02": "accumulator period closed",
	"R03": "amount exceeds plan maximum",
}

var credenceResponsePattern = regexp.MustCompile(`^CREDENCE_ACK_MAVEN_(\d{8})_\d{4}\.txt$`)

type CredenceCodec struct{}

func NewCredenceCodec() *CredenceCodec { return &CredenceCodec{} }

func (c *CredenceCodec) PayerName() string { return "credence" }

func (c *CredenceCodec) GenerateHeader(runDate time.Time, transmissionID string) (string, error) {
	b := newRecordBuilder(credenceHeaderLayout, credenceRecordWidth)
	if err := b.put("record_type", "HEADER"); err != nil {
		return "", err
	}
	b.put("sender_id", "MAVENCLINIC")
	b.put("run_date", runDate.Format("20060102"))
	b.put("run_time", runDate.Format("150405"))
	b.put("version", "01.00")
	return b.String(), nil
}

func (c *CredenceCodec) GenerateDetail(row DetailRow) (string, error) {
	b := newRecordBuilder(credenceDetailLayout, credenceRecordWidth)
	b.put("record_type", "01")
	if err := b.put("unique_id", row.UniqueID); err != nil {
		return "", err
	}
	if err := b.put("member_id", row.MemberID); err != nil {
		return "", err
	}
	b.put("policy_id", row.PolicyID)
	b.put("date_of_birth", row.DateOfBirth.Format("20060102"))
	b.put("last_name", strings.ToUpper(row.LastName))
	b.put("first_name", strings.ToUpper(row.FirstName))
	b.put("service_date", row.ServiceDate.Format("20060102"))
	b.put("action_code", rowActionCode(row))
	b.put("action_marker", actionMarker(row.Reversal))

	balances, err := encodeBalanceSlots(balanceSlotsFromRow(row), 2, 10, credenceTypeCodes)
	if err != nil {
		return "", err
	}
	if err := b.put("balances", balances); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *CredenceCodec) GenerateTrailer(recordCount int, runDate time.Time) (string, error) {
	b := newRecordBuilder(credenceTrailerLayout, credenceRecordWidth)
	b.put("record_type", "TRAILER")
	if err := b.putRight("record_count", intString(recordCount)); err != nil {
		return "", err
	}
	b.put("run_date", runDate.Format("20060102"))
	return b.String(), nil
}

func (c *CredenceCodec) DetailRows(fileContents string) []string {
	var rows []string
	for _, line := range splitRecords(fileContents) {
		if strings.HasPrefix(line, "01") {
			rows = append(rows, line)
		}
	}
	return rows
}

func (c *CredenceCodec) DetailMetadata(row string) DetailMetadata {
	md := DetailMetadata{}
	if !strings.HasPrefix(row, "01") {
		return md
	}
	uniqueID, _ := ExtractField(credenceDetailLayout, row, "unique_id")
	memberID, _ := ExtractField(credenceDetailLayout, row, "member_id")
	status, _ := ExtractField(credenceDetailLayout, row, "status_code")
	reject, _ := ExtractField(credenceDetailLayout, row, "reject_code")

	md.UniqueID = strings.TrimSpace(uniqueID)
	md.MemberID = strings.TrimSpace(memberID)
	status = strings.TrimSpace(status)
	reject = strings.TrimSpace(reject)

	if status == "" {
		return md
	}
	md.IsResponse = true
	md.ResponseCode = status
	// Credence uses a single-character disposition: A accepted, R rejected.
	md.IsRejection = status == "R"
	md.ShouldUpdate = md.UniqueID != ""
	if md.IsRejection {
		if reason, ok := credenceRejectReasons[reject]; ok {
			md.ResponseReason = reason
		} else {
			md.ResponseReason = reject
		}
	}
	return md
}

func (c *CredenceCodec) DOBFromRow(row string) (time.Time, error) {
	field, err := ExtractField(credenceDetailLayout, row, "date_of_birth")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse("20060102", strings.TrimSpace(field))
}

func (c *CredenceCodec) DeductibleFromRow(row string) (money.Cents, error) {
	return balanceAmountFromRow(credenceDetailLayout, row, credenceTypeCodes[AccumulatorDeductible], 2, 10)
}

func (c *CredenceCodec) OOPFromRow(row string) (money.Cents, error) {
	return balanceAmountFromRow(credenceDetailLayout, row, credenceTypeCodes[AccumulatorOOP], 2, 10)
}

func (c *CredenceCodec) MatchResponseFilename(filename string) bool {
	return credenceResponsePattern.MatchString(filename)
}

func (c *CredenceCodec) ResponseFileDate(filename string) time.Time {
	m := credenceResponsePattern.FindStringSubmatch(filename)
	if m == nil {
		return time.Time{}
	}
	d, err := time.Parse("20060102", m[1])
	if err != nil {
		return time.Time{}
	}
	return d
}
