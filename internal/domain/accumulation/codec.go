// Package accumulation renders ledger activity into payer-specific
// fixed-width accumulation files and parses the payer response files back
// into uniform metadata for reconciliation.
package accumulation

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/maven/billing/internal/domain/money"
)

// AccumulatorType labels one balance bucket reported to a payer.
type AccumulatorType string

const (
	AccumulatorDeductible  AccumulatorType = "DEDUCTIBLE"
	AccumulatorOOP         AccumulatorType = "OOP"
	AccumulatorCoinsurance AccumulatorType = "COINSURANCE"
)

// BalanceSlot is one packed accumulator balance on a detail record: a type
// code, a network indicator, and a signed amount.
type BalanceSlot struct {
	Type    AccumulatorType
	Network string // "1" in network, "2" out of network
	Amount  money.Cents
}

// DetailRow is the payer-agnostic input for one outbound detail record.
type DetailRow struct {
	UniqueID     string // treatment mapping key, echoed back by the payer
	MemberID     string
	PolicyID     string
	FirstName    string
	LastName     string
	DateOfBirth  time.Time
	ServiceDate  time.Time
	Deductible   money.Cents
	OOP          money.Cents
	// Reversal marks a negative (takeback) record: amounts are sent with
	// negative overpunch, action code "11", and '-' action markers.
	Reversal bool
}

// DetailMetadata is the uniform classification of one response detail row.
// The reconciliation step downstream is payer-agnostic over this record.
type DetailMetadata struct {
	IsResponse     bool
	IsRejection    bool
	ShouldUpdate   bool
	UniqueID       string
	MemberID       string
	ResponseCode   string
	ResponseReason string
}

// Codec is the per-payer capability set. Layout tables are associated static
// data: encode and decode consult the same table instance.
type Codec interface {
	PayerName() string

	GenerateHeader(runDate time.Time, transmissionID string) (string, error)
	GenerateDetail(row DetailRow) (string, error)
	GenerateTrailer(recordCount int, runDate time.Time) (string, error)

	// DetailRows returns the detail lines of a response file body,
	// excluding header and trailer.
	DetailRows(fileContents string) []string

	// DetailMetadata classifies one response detail row. Unmapped response
	// codes pass through literally as the reason.
	DetailMetadata(row string) DetailMetadata

	DOBFromRow(row string) (time.Time, error)
	DeductibleFromRow(row string) (money.Cents, error)
	OOPFromRow(row string) (money.Cents, error)

	// MatchResponseFilename reports whether filename is a response file
	// for this payer. A non-match is normal control flow, never an error.
	MatchResponseFilename(filename string) bool

	// ResponseFileDate extracts the embedded date token from a response
	// filename, or zero time when the filename does not match.
	ResponseFileDate(filename string) time.Time
}

// Accumulator action codes. Reversal records use "11" instead of the
// default "00".
const (
	actionCodeDefault  = "00"
	actionCodeReversal = "11"
)

// actionMarker returns the record-level action marker: '+' for submissions,
// '-' for reversals.
func actionMarker(reversal bool) string {
	if reversal {
		return "-"
	}
	return "+"
}

// encodeBalanceSlots packs slots into fixed-width text, slotWidth characters
// per slot: type code (2), network indicator (1), overpunch amount. Unused
// slots are all blank.
func encodeBalanceSlots(slots []BalanceSlot, maxSlots, amountWidth int, typeCodes map[AccumulatorType]string) (string, error) {
	if len(slots) > maxSlots {
		return "", fmt.Errorf("%d balance slots exceed the %d-slot record capacity", len(slots), maxSlots)
	}
	slotWidth := 2 + 1 + amountWidth

	var sb strings.Builder
	for _, slot := range slots {
		code, ok := typeCodes[slot.Type]
		if !ok {
			return "", fmt.Errorf("accumulator type %q has no code for this payer", slot.Type)
		}
		amount, err := EncodeSignedAmount(slot.Amount, amountWidth)
		if err != nil {
			return "", err
		}
		network := slot.Network
		if network == "" {
			network = "1"
		}
		sb.WriteString(code)
		sb.WriteString(network)
		sb.WriteString(amount)
	}
	for i := len(slots); i < maxSlots; i++ {
		sb.WriteString(strings.Repeat(" ", slotWidth))
	}
	return sb.String(), nil
}

// balanceSlotsFromRow is the standard deductible/OOP packing shared by the
// payer codecs: deductible first, OOP second, both in network.
func balanceSlotsFromRow(row DetailRow) []BalanceSlot {
	deductible := row.Deductible
	oop := row.OOP
	if row.Reversal {
		deductible = -deductible
		oop = -oop
	}
	return []BalanceSlot{
		{Type: AccumulatorDeductible, Network: "1", Amount: deductible},
		{Type: AccumulatorOOP, Network: "1", Amount: oop},
	}
}

func rowActionCode(row DetailRow) string {
	if row.Reversal {
		return actionCodeReversal
	}
	return actionCodeDefault
}

// splitRecords breaks file contents into CRLF-terminated records, dropping
// empty trailing lines.
func splitRecords(contents string) []string {
	raw := strings.Split(strings.ReplaceAll(contents, "\r\n", "\n"), "\n")
	var lines []string
	for _, l := range raw {
		if strings.TrimRight(l, " ") != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func intString(n int) string {
	return fmt.Sprintf("%d", n)
}

// balanceAmountFromRow scans the packed balance slots of a detail row for the
// slot carrying typeCode and decodes its amount. A missing slot is zero.
func balanceAmountFromRow(layout Layout, row, typeCode string, maxSlots, amountWidth int) (money.Cents, error) {
	balances, err := ExtractField(layout, row, "balances")
	if err != nil {
		return 0, err
	}
	slotWidth := 2 + 1 + amountWidth
	for i := 0; i < maxSlots; i++ {
		slot := balances[i*slotWidth : (i+1)*slotWidth]
		if strings.TrimSpace(slot) == "" {
			continue
		}
		if slot[:2] == typeCode {
			return DecodeSignedAmount(slot[3:])
		}
	}
	return 0, nil
}

// RecordCountFromBuffer counts the body lines of a generated file, excluding
// the header and trailer. The result must equal the trailer's declared count
// before the file is eligible for upload.
func RecordCountFromBuffer(contents string) int {
	scanner := bufio.NewScanner(strings.NewReader(contents))
	n := 0
	for scanner.Scan() {
		if strings.TrimRight(scanner.Text(), " ") != "" {
			n++
		}
	}
	if n < 2 {
		return 0
	}
	return n - 2
}
