package textsource

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTML extracts a scope letter or emailed submittal delivered as HTML.
// The document is sanitized, converted to structured markdown (tables
// preserved), and returned as a single page.
type HTML []byte

// hiddenStyleRe flags CSS techniques that hide text from humans but not
// from extraction, an injection vector for uploaded documents.
var hiddenStyleRe = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)font-size\s*:\s*0(?:[^0-9.]|$)`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0(?:[^0-9.]|$)`),
}

// Pages converts the HTML to one page of markdown text.
func (h HTML) Pages(ctx context.Context) ([]string, error) {
	stripped, err := dropHiddenNodes(h)
	if err != nil {
		return nil, fmt.Errorf("html parse: %w", err)
	}

	sanitized := bluemonday.UGCPolicy().SanitizeBytes(stripped)

	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	md, err := conv.ConvertString(string(sanitized))
	if err != nil || strings.TrimSpace(md) == "" {
		// Conversion failure falls back to the sanitizer's plain text.
		md = string(bluemonday.StrictPolicy().SanitizeBytes(stripped))
	}
	return []string{strings.TrimSpace(md)}, nil
}

// dropHiddenNodes re-renders the document without hidden elements and
// non-content tags.
func dropHiddenNodes(data []byte) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	prune(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func prune(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if shouldDrop(c) {
			n.RemoveChild(c)
			continue
		}
		prune(c)
	}
}

func shouldDrop(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Iframe:
		return true
	}
	for _, a := range n.Attr {
		if a.Key != "style" {
			continue
		}
		for _, pat := range hiddenStyleRe {
			if pat.MatchString(a.Val) {
				return true
			}
		}
	}
	return false
}

// Title returns the document's <title> text, or "".
func (h HTML) Title() string {
	doc, err := html.Parse(bytes.NewReader(h))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}
