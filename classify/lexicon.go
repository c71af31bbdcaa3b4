package classify

import (
	"regexp"
	"strings"
)

// Category is a lexicon group a page can match.
type Category string

const (
	CategoryRoofSystem    Category = "roof_system"    // membrane systems, roof assemblies
	CategoryMaterial      Category = "material"       // insulation, boards, fasteners
	CategoryQuantity      Category = "quantity"       // countable roof features
	CategorySpecSection   Category = "spec_section"   // CSI division 07 section codes
	CategoryDetailCallout Category = "detail_callout" // X/A-101 style references
)

// lexicon maps each keyword category to its term list. Matching is
// case-insensitive whole-word. Adding a term here is the only change needed
// to widen the filter.
var lexicon = map[Category][]string{
	CategoryRoofSystem: {
		"roof plan", "roof system", "roofing", "membrane", "tpo", "epdm",
		"pvc", "built-up roof", "modified bitumen", "mod bit", "ballast",
		"single ply", "single-ply", "low slope", "tapered system",
		"roof assembly", "re-roof", "reroof",
	},
	CategoryMaterial: {
		"insulation", "polyiso", "polyisocyanurate", "cover board",
		"coverboard", "gypsum board", "densdeck", "vapor barrier",
		"vapor retarder", "base sheet", "cap sheet", "fastener", "adhesive",
		"flashing", "coping", "metal deck", "wood deck", "concrete deck",
	},
	CategoryQuantity: {
		"drain", "scupper", "rtu", "rooftop unit", "curb", "penetration",
		"vent", "pipe boot", "pitch pocket", "expansion joint", "walkway pad",
		"hatch", "skylight",
	},
}

// specSectionRe matches CSI division 07 section codes: "07 52 16",
// "075216", "07-54-23". Thermal & moisture protection.
var specSectionRe = regexp.MustCompile(`\b07[\s.-]?\d{2}[\s.-]?\d{2}\b`)

// calloutRe matches architectural detail callouts: "3/A-101", "12/R5.1".
var calloutRe = regexp.MustCompile(`\b\d{1,2}/[A-Z]{1,2}-?\d{1,3}(?:\.\d{1,2})?\b`)

// matchCategories returns the distinct categories matched on a page,
// in stable order.
func matchCategories(text string) []Category {
	lower := strings.ToLower(text)

	var cats []Category
	for _, cat := range []Category{CategoryRoofSystem, CategoryMaterial, CategoryQuantity} {
		for _, term := range lexicon[cat] {
			if containsWord(lower, term) {
				cats = append(cats, cat)
				break
			}
		}
	}
	if specSectionRe.MatchString(text) {
		cats = append(cats, CategorySpecSection)
	}
	if calloutRe.MatchString(text) {
		cats = append(cats, CategoryDetailCallout)
	}
	return cats
}

// HasDetailCallout reports whether the page contains a detail callout.
// A callout alone keeps a page even when no lexicon term matches.
func HasDetailCallout(text string) bool {
	return calloutRe.MatchString(text)
}

// containsWord reports a whole-word, case-normalized substring match.
// Multi-word terms match as phrases.
func containsWord(lowerText, term string) bool {
	idx := 0
	for {
		i := strings.Index(lowerText[idx:], term)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(term)
		beforeOK := start == 0 || !isWordRune(rune(lowerText[start-1]))
		afterOK := end == len(lowerText) || !isWordRune(rune(lowerText[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
