// Package extract turns kept drawing pages into structured roof-plan records.
//
// Extraction is driven by a declarative detector registry: every extractable
// field owns one or more pattern detectors, evaluated in priority order.
// Detectors never fail; a non-matching detector abstains. Confidence is a
// pure function of how many distinct detectors agree on the same normalized
// value. Adding a field means adding registry entries, not touching the
// extraction control flow.
package extract

import "regexp"

// Field identifies an extractable roof-plan field.
type Field string

const (
	FieldDrains       Field = "drains"
	FieldScuppers     Field = "scuppers"
	FieldCurbs        Field = "curbs" // RTU / mechanical curbs
	FieldPenetrations Field = "penetrations"
	FieldDetailNumber Field = "detail_number"
	FieldScale        Field = "scale"
)

// Kind is the detector evaluation strategy.
type Kind string

const (
	// KindCapture yields the first capture group of the pattern.
	KindCapture Kind = "capture"
	// KindTally yields the number of pattern occurrences on the page.
	// Used for symbol tags ("RD-1", "OD-2") that are drawn once per feature.
	KindTally Kind = "tally"
)

// Detector is one declarative registry entry.
type Detector struct {
	Field    Field
	Name     string // stable identifier, unique within the field
	Kind     Kind
	Priority int // higher wins on conflict
	Pattern  *regexp.Regexp
}

// registry holds every detector, grouped at init. The schedule-style
// detectors ("ROOF DRAIN (4)") outrank tallies of plan symbols, which
// undercount when a legend repeats the tag.
var registry = []Detector{
	// --- drains ---
	{FieldDrains, "drain_labeled_count", KindCapture, 30,
		regexp.MustCompile(`(?i)roof\s+drains?\s*[:\-]?\s*\((\d{1,3})\)`)},
	{FieldDrains, "drain_paren_count", KindCapture, 20,
		regexp.MustCompile(`(?i)\bdrains?\b[^0-9\n]{0,10}\((\d{1,3})\)`)},
	{FieldDrains, "drain_loose_count", KindCapture, 10,
		regexp.MustCompile(`(?i)\b(?:roof\s+)?drains?\b[^0-9\n]{0,12}(\d{1,3})\b`)},
	// Prefix forms stay on one line so a "(4)" ending the previous
	// schedule row is never claimed as this field's count.
	{FieldDrains, "drain_qty_prefix", KindCapture, 15,
		regexp.MustCompile(`(?i)\((\d{1,3})\)[ \t]*(?:roof\s+)?drains?\b`)},
	{FieldDrains, "drain_symbol_tally", KindTally, 5,
		regexp.MustCompile(`\bRD-?\d+\b`)},

	// --- scuppers ---
	{FieldScuppers, "scupper_labeled_count", KindCapture, 30,
		regexp.MustCompile(`(?i)\bscuppers?\s*[:\-]?\s*\((\d{1,3})\)`)},
	{FieldScuppers, "scupper_loose_count", KindCapture, 10,
		regexp.MustCompile(`(?i)\bscuppers?\b[^0-9\n]{0,12}(\d{1,3})\b`)},
	{FieldScuppers, "scupper_qty_prefix", KindCapture, 15,
		regexp.MustCompile(`(?i)\((\d{1,3})\)[ \t]*(?:overflow\s+)?scuppers?\b`)},
	{FieldScuppers, "scupper_symbol_tally", KindTally, 5,
		regexp.MustCompile(`\bOS-?\d+\b`)},

	// --- RTU / mechanical curbs ---
	{FieldCurbs, "rtu_labeled_count", KindCapture, 30,
		regexp.MustCompile(`(?i)\b(?:rtu|rooftop\s+units?)\s*[:\-]?\s*\((\d{1,3})\)`)},
	{FieldCurbs, "curb_labeled_count", KindCapture, 25,
		regexp.MustCompile(`(?i)\b(?:mech(?:anical)?\s+)?curbs?\s*[:\-]?\s*\((\d{1,3})\)`)},
	// Hyphen excluded from the separator run so the "1" in a symbol tag
	// like "RTU-1" is never read as a count.
	{FieldCurbs, "rtu_loose_count", KindCapture, 10,
		regexp.MustCompile(`(?i)\b(?:rtu|curb)s?\b[^0-9\n\-]{0,12}(\d{1,3})\b`)},
	{FieldCurbs, "rtu_symbol_tally", KindTally, 5,
		regexp.MustCompile(`\bRTU-?\d+\b`)},

	// --- penetrations ---
	{FieldPenetrations, "pen_labeled_count", KindCapture, 30,
		regexp.MustCompile(`(?i)\bpenetrations?\s*[:\-]?\s*\((\d{1,3})\)`)},
	{FieldPenetrations, "pen_loose_count", KindCapture, 10,
		regexp.MustCompile(`(?i)\bpenetrations?\b[^0-9\n]{0,12}(\d{1,3})\b`)},
	{FieldPenetrations, "vent_pipe_tally", KindTally, 5,
		regexp.MustCompile(`(?i)\b(?:vent|pipe)\s+penetration\b`)},

	// --- detail number (sheet identifier) ---
	{FieldDetailNumber, "titleblock_sheet_no", KindCapture, 30,
		regexp.MustCompile(`(?i)sheet\s*(?:no\.?|number)?\s*[:=]?\s*([A-Z]{1,2}-?\d{1,3}(?:\.\d{1,2})?)`)},
	{FieldDetailNumber, "bare_sheet_id", KindCapture, 10,
		regexp.MustCompile(`\b([A-Z]{1,2}-\d{2,3}(?:\.\d{1,2})?)\b`)},

	// --- scale ---
	{FieldScale, "labeled_scale", KindCapture, 30,
		regexp.MustCompile(`(?i)scale\s*[:=]?\s*(\d+(?:/\d+)?"\s*=\s*\d+'(?:-\d+")?)`)},
	{FieldScale, "bare_scale", KindCapture, 10,
		regexp.MustCompile(`(\d+/\d+"\s*=\s*1'-0")`)},
	{FieldScale, "nts_scale", KindCapture, 20,
		regexp.MustCompile(`(?i)scale\s*[:=]?\s*(N\.?T\.?S\.?|not\s+to\s+scale)`)},
}

// Registry returns all registered detectors.
func Registry() []Detector {
	return registry
}

// detectorsFor returns the detectors for a field, highest priority first.
func detectorsFor(reg []Detector, f Field) []Detector {
	var out []Detector
	for _, d := range reg {
		if d.Field == f {
			out = append(out, d)
		}
	}
	// Insertion sort: registries are small and mostly ordered already.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
