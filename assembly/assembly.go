// Package assembly parses manufacturer submittal text into an ordered
// layered-system model.
//
// A submittal is segmented on known structural markers (system description,
// layer/component schedule, attachment schedule). Lines inside the layer
// schedule become AssemblyLayer entries, in source order, top of assembly
// (usually the membrane) first, deck last. A document with no recognizable
// layer schedule still yields a System, with an empty layer list and a
// structure_not_recognized note; the parser never hard-fails.
package assembly

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// NoteStructureNotRecognized is recorded when no layer schedule was found.
const NoteStructureNotRecognized = "structure_not_recognized"

// LayerType is the coarse kind of one assembly layer.
type LayerType string

const (
	LayerMembrane   LayerType = "membrane"
	LayerInsulation LayerType = "insulation"
	LayerCoverBoard LayerType = "cover_board"
	LayerBarrier    LayerType = "barrier" // vapor barrier / retarder
	LayerDeck       LayerType = "deck"
	LayerOther      LayerType = "other"
)

// Layer is one layer of a roofing system, as listed in the schedule.
type Layer struct {
	Type        LayerType `json:"type"`
	Product     string    `json:"product"`
	ThicknessIn float64   `json:"thickness_in,omitempty"` // 0 = unspecified
	Attachment  string    `json:"attachment,omitempty"`
}

// System is one parsed manufacturer system. Immutable once parsed.
type System struct {
	DocumentID   string   `json:"document_id"`
	Manufacturer string   `json:"manufacturer"`
	SystemName   string   `json:"system_name"`
	Layers       []Layer  `json:"layers"`
	Notes        []string `json:"notes,omitempty"`
}

// Config configures a Parser.
type Config struct {
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Parser segments submittal text into a System.
type Parser struct {
	cfg Config
}

// New creates a Parser.
func New(cfg Config) *Parser {
	cfg.defaults()
	return &Parser{cfg: cfg}
}

// Section header markers. Matching is line-anchored and case-insensitive;
// submittals set these as all-caps headings but scanned text often loses case.
var (
	descHeaderRe   = regexp.MustCompile(`(?i)^\s*(system\s+description|roof\s+system|system\s+overview|product\s+description)\b`)
	layerHeaderRe  = regexp.MustCompile(`(?i)^\s*(layer|component|assembly)\s*(schedule|list|table)?\s*:?\s*$|(?i)^\s*(roof\s+assembly\s+components|system\s+components)\s*:?\s*$`)
	attachHeaderRe = regexp.MustCompile(`(?i)^\s*(attachment|fastening)\s*(schedule|method|requirements)?\s*:?\s*$`)
)

// layerKeywords maps a leading keyword to its layer type. Checked in order;
// first match wins.
var layerKeywords = []struct {
	keyword string
	typ     LayerType
}{
	{"membrane", LayerMembrane},
	{"tpo", LayerMembrane},
	{"epdm", LayerMembrane},
	{"pvc", LayerMembrane},
	{"cap sheet", LayerMembrane},
	{"base sheet", LayerMembrane},
	{"cover board", LayerCoverBoard},
	{"coverboard", LayerCoverBoard},
	{"gypsum", LayerCoverBoard},
	{"densdeck", LayerCoverBoard},
	{"insulation", LayerInsulation},
	{"polyiso", LayerInsulation},
	{"polyisocyanurate", LayerInsulation},
	{"tapered", LayerInsulation},
	{"vapor barrier", LayerBarrier},
	{"vapor retarder", LayerBarrier},
	{"air barrier", LayerBarrier},
	{"deck", LayerDeck},
	{"substrate", LayerDeck},
}

// attachmentKeywords are recognized attachment methods, matched anywhere in
// the layer line.
var attachmentKeywords = []string{
	"mechanically attached", "mechanically fastened", "fully adhered",
	"adhered", "ballasted", "heat welded", "torch applied", "self-adhered",
	"loose laid",
}

// thicknessRe matches a trailing thickness token: 2.6", 1/2 in, 60 mil.
var thicknessRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?|\d+/\d+)\s*(?:"|in\.?\b|inch(?:es)?\b|mil\b)`)

// Parse segments one assembly document's full text into a System.
func (p *Parser) Parse(documentID, text string) *System {
	sys := &System{
		DocumentID:   documentID,
		Manufacturer: "unknown",
		SystemName:   "unknown",
	}

	desc, schedule, attach := segment(text)

	if desc != "" {
		manufacturer, name := parseDescription(desc)
		if manufacturer != "" {
			sys.Manufacturer = manufacturer
		}
		if name != "" {
			sys.SystemName = name
		}
	}

	if schedule == "" {
		sys.Notes = append(sys.Notes, NoteStructureNotRecognized)
		p.cfg.Logger.Debug("assembly: no layer schedule", "document_id", documentID)
		return sys
	}

	defaultAttach := ""
	if attach != "" {
		defaultAttach = findAttachment(attach)
	}

	for _, line := range strings.Split(schedule, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-•*0123456789. \t"))
		if line == "" {
			continue
		}
		layer := parseLayerLine(line)
		if layer == nil {
			continue
		}
		if layer.Attachment == "" {
			layer.Attachment = defaultAttach
		}
		sys.Layers = append(sys.Layers, *layer)
	}

	if len(sys.Layers) == 0 {
		sys.Notes = append(sys.Notes, NoteStructureNotRecognized)
	}
	return sys
}

// segment splits text into description, layer-schedule, and attachment
// sections. A section runs from its header to the next recognized header.
func segment(text string) (desc, schedule, attach string) {
	lines := strings.Split(text, "\n")
	current := ""
	var parts = map[string]*strings.Builder{
		"desc":     {},
		"schedule": {},
		"attach":   {},
	}

	for _, line := range lines {
		switch {
		case descHeaderRe.MatchString(line):
			current = "desc"
			continue
		case layerHeaderRe.MatchString(line):
			current = "schedule"
			continue
		case attachHeaderRe.MatchString(line):
			current = "attach"
			continue
		}
		if current == "" {
			continue
		}
		parts[current].WriteString(line)
		parts[current].WriteByte('\n')
	}

	return strings.TrimSpace(parts["desc"].String()),
		strings.TrimSpace(parts["schedule"].String()),
		strings.TrimSpace(parts["attach"].String())
}

// parseDescription pulls manufacturer and system name from the description
// section. Convention: "Manufacturer: X" / "System: Y" key-value lines, else
// the first line is treated as "<Manufacturer> <System ...>".
func parseDescription(desc string) (manufacturer, name string) {
	for _, line := range strings.Split(desc, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "manufacturer:"):
			manufacturer = strings.TrimSpace(line[len("manufacturer:"):])
		case strings.HasPrefix(lower, "system:"), strings.HasPrefix(lower, "system name:"):
			name = strings.TrimSpace(line[strings.Index(line, ":")+1:])
		}
	}
	if manufacturer == "" && name == "" {
		for _, line := range strings.Split(desc, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				manufacturer = fields[0]
				name = strings.Join(fields[1:], " ")
			}
			break
		}
	}
	return manufacturer, name
}

// parseLayerLine parses one schedule line into a Layer. Lines with no
// recognizable layer keyword are skipped (they are usually prose carryover).
func parseLayerLine(line string) *Layer {
	lower := strings.ToLower(line)
	typ := LayerOther
	matched := false
	for _, lk := range layerKeywords {
		if strings.Contains(lower, lk.keyword) {
			typ = lk.typ
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	layer := &Layer{Type: typ, Attachment: findAttachment(lower)}

	// Trailing thickness token, if present.
	if m := thicknessRe.FindStringSubmatch(line); m != nil {
		layer.ThicknessIn = parseThickness(m[0], m[1])
	}

	// Product name: the line minus the thickness token and attachment phrase,
	// key-value split on ":" or "-" when present.
	product := line
	if i := strings.Index(product, ":"); i >= 0 {
		product = product[i+1:]
	}
	if m := thicknessRe.FindStringIndex(product); m != nil {
		product = product[:m[0]] + product[m[1]:]
	}
	for _, ak := range attachmentKeywords {
		if i := strings.Index(strings.ToLower(product), ak); i >= 0 {
			product = product[:i] + product[i+len(ak):]
		}
	}
	product = strings.Trim(strings.TrimSpace(product), ",;-– ")
	if product == "" {
		product = string(typ)
	}
	layer.Product = product
	return layer
}

func findAttachment(lower string) string {
	lower = strings.ToLower(lower)
	for _, ak := range attachmentKeywords {
		if strings.Contains(lower, ak) {
			return ak
		}
	}
	return ""
}

// parseThickness converts a thickness token to inches. Mil tokens convert at
// 1 mil = 0.001 in; fractional tokens like 1/2 are evaluated.
func parseThickness(token, number string) float64 {
	var val float64
	if num, den, ok := strings.Cut(number, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		val = n / d
	} else {
		f, err := strconv.ParseFloat(number, 64)
		if err != nil {
			return 0
		}
		val = f
	}
	if strings.Contains(strings.ToLower(token), "mil") {
		val *= 0.001
	}
	return val
}
