// Package classify implements the cost-aware page pre-filter.
//
// Every page of a submitted document gets a keep/discard verdict before any
// expensive structured extraction runs. The verdict is based on the set of
// distinct lexicon categories matched on the page, not raw keyword counts,
// so a page that repeats "DRAIN" fifty times scores the same as one that
// mentions it once.
//
// Usage:
//
//	c := classify.New(classify.Config{})
//	pc := c.Page(0, pageText)
//	if pc.Kept { ... }
package classify

import (
	"log/slog"
	"math"
	"strings"
	"unicode"
)

// Reason explains why a page was discarded.
type Reason string

const (
	// ReasonEmptyPage marks a page with no extractable text. Not an error;
	// blank divider sheets are common in drawing sets.
	ReasonEmptyPage Reason = "empty_page"
	// ReasonGarbled marks a page whose text is mostly non-printable garbage,
	// typically a failed upstream extraction.
	ReasonGarbled Reason = "garbled"
	// ReasonNoMatch marks a page with readable text but no roofing-related
	// lexicon hits and no detail callout.
	ReasonNoMatch Reason = "no_match"
)

// PageClassification is the verdict for one page. Exactly one of the two
// arms is populated: Kept=true carries Categories and Score, Kept=false
// carries Reason. It is created once and never mutated.
type PageClassification struct {
	PageIndex  int        `json:"page_index"`
	Kept       bool       `json:"kept"`
	Categories []Category `json:"categories,omitempty"`
	Score      int        `json:"score,omitempty"`
	Reason     Reason     `json:"reason,omitempty"`
}

// Config configures a Classifier.
type Config struct {
	// MinPrintableRatio below which a non-empty page is discarded as garbled.
	// Default: 0.5.
	MinPrintableRatio float64

	// Logger for debug messages.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MinPrintableRatio <= 0 {
		c.MinPrintableRatio = 0.5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Classifier decides which pages are worth extracting.
type Classifier struct {
	cfg Config
}

// New creates a Classifier.
func New(cfg Config) *Classifier {
	cfg.defaults()
	return &Classifier{cfg: cfg}
}

// Page classifies a single page of text.
func (c *Classifier) Page(pageIndex int, text string) PageClassification {
	if strings.TrimSpace(text) == "" {
		return PageClassification{PageIndex: pageIndex, Reason: ReasonEmptyPage}
	}
	if printableRatio(text) < c.cfg.MinPrintableRatio {
		return PageClassification{PageIndex: pageIndex, Reason: ReasonGarbled}
	}

	cats := matchCategories(text)
	if len(cats) == 0 {
		return PageClassification{PageIndex: pageIndex, Reason: ReasonNoMatch}
	}

	c.cfg.Logger.Debug("classify: page kept", "page", pageIndex, "score", len(cats))
	return PageClassification{
		PageIndex:  pageIndex,
		Kept:       true,
		Categories: cats,
		Score:      len(cats),
	}
}

// Pages classifies every page of a document in order.
func (c *Classifier) Pages(pages []string) []PageClassification {
	out := make([]PageClassification, len(pages))
	for i, p := range pages {
		out[i] = c.Page(i, p)
	}
	return out
}

// SavingsPercent reports the filtering savings for a session:
// round(100 * (1 - kept/total)), clamped to [0,100]. A batch with zero pages
// reports zero savings.
func SavingsPercent(kept, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(100 * (1 - float64(kept)/float64(total))))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// printableRatio is the fraction of printable runes in text. Replacement
// characters, Private Use Area, and control runes count against it.
func printableRatio(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		total++
		if r == 0xFFFD || (r >= 0xE000 && r <= 0xF8FF) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(printable) / float64(total)
}
