package extract

import "fmt"

// Confidence rates how well a field's detectors agree. It is backed by an
// integer so ordering comparisons are meaningful; it serializes as a string.
type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

// confidenceFromAgreement maps the count of distinct agreeing detectors to a
// Confidence. Monotonic: more agreement never lowers the rating.
func confidenceFromAgreement(agreeing int) Confidence {
	switch {
	case agreeing <= 0:
		return ConfidenceNone
	case agreeing == 1:
		return ConfidenceLow
	case agreeing == 2:
		return ConfidenceMedium
	default:
		return ConfidenceHigh
	}
}

func (c Confidence) String() string {
	switch c {
	case ConfidenceNone:
		return "none"
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return fmt.Sprintf("confidence(%d)", int(c))
	}
}

// MarshalJSON emits the string form.
func (c Confidence) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON parses the string form.
func (c *Confidence) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"none"`:
		*c = ConfidenceNone
	case `"low"`:
		*c = ConfidenceLow
	case `"medium"`:
		*c = ConfidenceMedium
	case `"high"`:
		*c = ConfidenceHigh
	default:
		return fmt.Errorf("unknown confidence %s", b)
	}
	return nil
}
