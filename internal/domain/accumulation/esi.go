package accumulation

import (
	"regexp"
	"strings"
	"time"

	"github.com/maven/billing/internal/domain/money"
)

// ESI accumulation format: 350-byte records, header "H0", detail "D0",
// trailer "T0". Three balance slots of 14 bytes each (type 2, network 1,
// overpunch amount 11).

const esiRecordWidth = 350

var esiHeaderLayout = Layout{
	"record_type":     {1, 2},
	"sender_id":       {3, 22},
	"receiver_id":     {23, 42},
	"run_date":        {43, 50},
	"transmission_id": {51, 62},
}

var esiDetailLayout = Layout{
	"record_type":   {1, 2},
	"unique_id":     {3, 22},
	"member_id":     {23, 40},
	"policy_id":     {41, 55},
	"first_name":    {56, 70},
	"last_name":     {71, 95},
	"date_of_birth": {96, 103},
	"service_date":  {104, 111},
	"action_code":   {112, 113},
	"action_marker": {114, 114},
	"balances":      {115, 156},
	"status_code":   {157, 158},
	"reject_code":   {159, 160},
}

var esiTrailerLayout = Layout{
	"record_type":  {1, 2},
	"record_count": {3, 11},
	"run_date":     {12, 19},
}

var esiTypeCodes = map[AccumulatorType]string{
	AccumulatorDeductible:  "DD",
	AccumulatorOOP:         "OP",
	AccumulatorCoinsurance: "CI",
}

var esiRejectReasons = map[string]string{
	"10": "member not found",
	"20": "duplicate transaction",
	"30": "amount out of range",
	"40": "plan not active on service date",
}

var esiResponsePattern = regexp.MustCompile(`^ESI_RESP_MAVEN_(\d{8})\.TXT$`)

type ESICodec struct{}

func NewESICodec() *ESICodec { return &ESICodec{} }

func (c *ESICodec) PayerName() string { return "esi" }

func (c *ESICodec) GenerateHeader(runDate time.Time, transmissionID string) (string, error) {
	b := newRecordBuilder(esiHeaderLayout, esiRecordWidth)
	if err := b.put("record_type", "H0"); err != nil {
		return "", err
	}
	b.put("sender_id", "MAVENCLINIC")
	b.put("receiver_id", "ESI")
	b.put("run_date", runDate.Format("20060102"))
	if err := b.put("transmission_id", transmissionID); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *ESICodec) GenerateDetail(row DetailRow) (string, error) {
	b := newRecordBuilder(esiDetailLayout, esiRecordWidth)
	b.put("record_type", "D0")
	if err := b.put("unique_id", row.UniqueID); err != nil {
		return "", err
	}
	if err := b.put("member_id", row.MemberID); err != nil {
		return "", err
	}
	b.put("policy_id", row.PolicyID)
	b.put("first_name", strings.ToUpper(row.FirstName))
	b.put("last_name", strings.ToUpper(row.LastName))
	b.put("date_of_birth", row.DateOfBirth.Format("20060102"))
	b.put("service_date", row.ServiceDate.Format("20060102"))
	b.put("action_code", rowActionCode(row))
	b.put("action_marker", actionMarker(row.Reversal))

	balances, err := encodeBalanceSlots(balanceSlotsFromRow(row), 3, 11, esiTypeCodes)
	if err != nil {
		return "", err
	}
	if err := b.put("balances", balances); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *ESICodec) GenerateTrailer(recordCount int, runDate time.Time) (string, error) {
	b := newRecordBuilder(esiTrailerLayout, esiRecordWidth)
	b.put("record_type", "T0")
	if err := b.putRight("record_count", intString(recordCount)); err != nil {
		return "", err
	}
	b.put("run_date", runDate.Format("20060102"))
	return b.String(), nil
}

func (c *ESICodec) DetailRows(fileContents string) []string {
	var rows []string
	for _, line := range splitRecords(fileContents) {
		if strings.HasPrefix(line, "D0") {
			rows = append(rows, line)
		}
	}
	return rows
}

func (c *ESICodec) DetailMetadata(row string) DetailMetadata {
	md := DetailMetadata{}
	if !strings.HasPrefix(row, "D0") {
		return md
	}
	uniqueID, _ := ExtractField(esiDetailLayout, row, "unique_id")
	memberID, _ := ExtractField(esiDetailLayout, row, "member_id")
	status, _ := ExtractField(esiDetailLayout, row, "status_code")
	reject, _ := ExtractField(esiDetailLayout, row, "reject_code")

	md.UniqueID = strings.TrimSpace(uniqueID)
	md.MemberID = strings.TrimSpace(memberID)
	status = strings.TrimSpace(status)
	reject = strings.TrimSpace(reject)

	if status == "" {
		return md
	}
	md.IsResponse = true
	md.ResponseCode = status
	// "00" accepted, "99" rejected.
	md.IsRejection = status == "99"
	md.ShouldUpdate = md.UniqueID != ""
	if md.IsRejection {
		if reason, ok := esiRejectReasons[reject]; ok {
			md.ResponseReason = reason
		} else {
			md.ResponseReason = reject
		}
	}
	return md
}

func (c *ESICodec) DOBFromRow(row string) (time.Time, error) {
	field, err := ExtractField(esiDetailLayout, row, "date_of_birth")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse("20060102", strings.TrimSpace(field))
}

func (c *ESICodec) DeductibleFromRow(row string) (money.Cents, error) {
	return balanceAmountFromRow(esiDetailLayout, row, esiTypeCodes[AccumulatorDeductible], 3, 11)
}

func (c *ESICodec) OOPFromRow(row string) (money.Cents, error) {
	return balanceAmountFromRow(esiDetailLayout, row, esiTypeCodes[AccumulatorOOP], 3, 11)
}

func (c *ESICodec) MatchResponseFilename(filename string) bool {
	return esiResponsePattern.MatchString(filename)
}

func (c *ESICodec) ResponseFileDate(filename string) time.Time {
	m := esiResponsePattern.FindStringSubmatch(filename)
	if m == nil {
		return time.Time{}
	}
	d, err := time.Parse("20060102", m[1])
	if err != nil {
		return time.Time{}
	}
	return d
}
