package accumulation

import (
	"fmt"
	"strings"
)

// FieldSpec locates one field in a fixed-width record. Positions are
// 1-indexed and inclusive, matching the payer contract documents.
type FieldSpec struct {
	Start int
	End   int
}

// Width returns the field's character count.
func (f FieldSpec) Width() int { return f.End - f.Start + 1 }

// Layout is the declarative field table for one record type. Both encode and
// decode consult the same table, so a field added to one direction cannot
// silently drift from the other.
type Layout map[string]FieldSpec

// recordBuilder assembles one fixed-width line from a Layout.
type recordBuilder struct {
	layout Layout
	line   []byte
}

func newRecordBuilder(layout Layout, width int) *recordBuilder {
	line := make([]byte, width)
	for i := range line {
		line[i] = ' '
	}
	return &recordBuilder{layout: layout, line: line}
}

// put writes value left-justified into the named field, space padded. Values
// longer than the field are an error, not a silent truncation.
func (b *recordBuilder) put(field, value string) error {
	spec, ok := b.layout[field]
	if !ok {
		return fmt.Errorf("field %q not in layout", field)
	}
	if spec.Start < 1 || spec.End > len(b.line) {
		return fmt.Errorf("field %q spec %d-%d outside record width %d", field, spec.Start, spec.End, len(b.line))
	}
	if len(value) > spec.Width() {
		return fmt.Errorf("value %q overflows field %q (width %d)", value, field, spec.Width())
	}
	copy(b.line[spec.Start-1:], value)
	return nil
}

// putRight writes value right-justified, zero padded. Used for numeric fields.
func (b *recordBuilder) putRight(field, value string) error {
	spec, ok := b.layout[field]
	if !ok {
		return fmt.Errorf("field %q not in layout", field)
	}
	if len(value) > spec.Width() {
		return fmt.Errorf("value %q overflows field %q (width %d)", value, field, spec.Width())
	}
	padded := strings.Repeat("0", spec.Width()-len(value)) + value
	copy(b.line[spec.Start-1:], padded)
	return nil
}

func (b *recordBuilder) String() string { return string(b.line) }

// ExtractField pulls the named field out of a fixed-width line using the same
// layout that produced it. Lines shorter than the field yield what is there,
// space padded, so truncated trailing blanks do not error.
func ExtractField(layout Layout, line, field string) (string, error) {
	spec, ok := layout[field]
	if !ok {
		return "", fmt.Errorf("field %q not in layout", field)
	}
	if spec.Start > len(line) {
		return strings.Repeat(" ", spec.Width()), nil
	}
	end := spec.End
	if end > len(line) {
		end = len(line)
	}
	out := line[spec.Start-1 : end]
	if len(out) < spec.Width() {
		out += strings.Repeat(" ", spec.Width()-len(out))
	}
	return out, nil
}
