package extract

import (
	"log/slog"
	"strconv"
	"strings"
)

// Quantity is one extracted count with its detector-agreement confidence.
// Conflict records that detectors disagreed, a fact for human review, not
// an error.
type Quantity struct {
	Count      int        `json:"count"`
	Confidence Confidence `json:"confidence"`
	Conflict   bool       `json:"conflict,omitempty"`
}

// TextValue is an extracted text field. Absent values are "unspecified" with
// confidence none, never an error.
type TextValue struct {
	Value      string     `json:"value"`
	Confidence Confidence `json:"confidence"`
	Conflict   bool       `json:"conflict,omitempty"`
}

// Unspecified is the value reported for text fields no detector matched.
const Unspecified = "unspecified"

// RoofPlanSheet is the structured record for one kept drawing page.
// Quantity fields are immutable after extraction; review state lives in the
// workflow store, keyed by (DocumentID, PageIndex).
type RoofPlanSheet struct {
	DocumentID   string    `json:"document_id"`
	PageIndex    int       `json:"page_index"`
	SheetType    string    `json:"sheet_type"` // roof_plan, detail, unknown
	DetailNumber TextValue `json:"detail_number"`
	Scale        TextValue `json:"scale"`
	Drains       Quantity  `json:"drains"`
	Scuppers     Quantity  `json:"scuppers"`
	Curbs        Quantity  `json:"curbs"`
	Penetrations Quantity  `json:"penetrations"`
}

// Config configures an Extractor.
type Config struct {
	// Registry overrides the built-in detector registry. Default: Registry().
	Registry []Detector

	// Logger for debug messages.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Registry == nil {
		c.Registry = Registry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Extractor runs the detector registry over kept pages.
type Extractor struct {
	cfg Config
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	cfg.defaults()
	return &Extractor{cfg: cfg}
}

// Page extracts a RoofPlanSheet from one kept page.
func (e *Extractor) Page(documentID string, pageIndex int, text string) *RoofPlanSheet {
	sheet := &RoofPlanSheet{
		DocumentID:   documentID,
		PageIndex:    pageIndex,
		SheetType:    sheetType(text),
		DetailNumber: e.textField(FieldDetailNumber, text),
		Scale:        e.textField(FieldScale, text),
		Drains:       e.quantity(FieldDrains, text),
		Scuppers:     e.quantity(FieldScuppers, text),
		Curbs:        e.quantity(FieldCurbs, text),
		Penetrations: e.quantity(FieldPenetrations, text),
	}
	e.cfg.Logger.Debug("extract: page done",
		"document_id", documentID, "page", pageIndex,
		"drains", sheet.Drains.Count, "drains_confidence", sheet.Drains.Confidence.String())
	return sheet
}

// hit is one detector's yielded value.
type hit struct {
	detector string
	priority int
	raw      string // as captured
	value    string // normalized, used for agreement
}

// quantity evaluates every detector for a count field. The chosen value is
// the one from the highest-priority detector; confidence counts the distinct
// detectors agreeing with that value and is capped at low on disagreement.
func (e *Extractor) quantity(f Field, text string) Quantity {
	hits := e.run(f, text, normalizeCount)
	if len(hits) == 0 {
		return Quantity{Confidence: ConfidenceNone}
	}
	best, conflict, agreeing := resolve(hits)
	n, err := strconv.Atoi(best.value)
	if err != nil {
		// A count detector with a non-numeric capture is a registry bug;
		// abstain rather than emit garbage.
		return Quantity{Confidence: ConfidenceNone}
	}
	conf := confidenceFromAgreement(agreeing)
	if conflict && conf > ConfidenceLow {
		conf = ConfidenceLow
	}
	return Quantity{Count: n, Confidence: conf, Conflict: conflict}
}

// textField evaluates detectors for a text field (detail number, scale).
func (e *Extractor) textField(f Field, text string) TextValue {
	hits := e.run(f, text, normalizeText)
	if len(hits) == 0 {
		return TextValue{Value: Unspecified, Confidence: ConfidenceNone}
	}
	best, conflict, agreeing := resolve(hits)
	conf := confidenceFromAgreement(agreeing)
	if conflict && conf > ConfidenceLow {
		conf = ConfidenceLow
	}
	// Report the winning detector's raw capture, not the normalized form.
	return TextValue{Value: best.raw, Confidence: conf, Conflict: conflict}
}

// run evaluates each registered detector for a field. Detectors abstain by
// returning no hit; they never error.
func (e *Extractor) run(f Field, text string, normalize func(string) string) []hit {
	var hits []hit
	for _, d := range detectorsFor(e.cfg.Registry, f) {
		switch d.Kind {
		case KindCapture:
			m := d.Pattern.FindStringSubmatch(text)
			if len(m) < 2 || m[1] == "" {
				continue
			}
			hits = append(hits, hit{d.Name, d.Priority, m[1], normalize(m[1])})
		case KindTally:
			n := len(d.Pattern.FindAllString(text, -1))
			if n == 0 {
				continue
			}
			tally := strconv.Itoa(n)
			hits = append(hits, hit{d.Name, d.Priority, tally, normalize(tally)})
		}
	}
	return hits
}

// resolve picks the highest-priority hit and counts distinct detectors that
// agree with it. conflict is true when any detector yielded another value.
func resolve(hits []hit) (best hit, conflict bool, agreeing int) {
	best = hits[0]
	for _, h := range hits[1:] {
		if h.priority > best.priority {
			best = h
		}
	}
	seen := map[string]bool{}
	for _, h := range hits {
		if seen[h.detector] {
			continue
		}
		seen[h.detector] = true
		if h.value == best.value {
			agreeing++
		} else {
			conflict = true
		}
	}
	return best, conflict, agreeing
}

// normalizeCount strips leading zeros so "04" and "4" agree.
func normalizeCount(s string) string {
	s = strings.TrimLeft(strings.TrimSpace(s), "0")
	if s == "" {
		return "0"
	}
	return s
}

// normalizeText collapses case and whitespace so detectors that capture the
// same value with different surroundings agree.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// sheetType is a coarse page-kind heuristic used downstream for display
// grouping only.
func sheetType(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "roof plan"):
		return "roof_plan"
	case strings.Contains(lower, "detail"):
		return "detail"
	default:
		return "unknown"
	}
}
