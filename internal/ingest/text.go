package ingest

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// normalizeSpace collapses runs of whitespace into one space and trims the string.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeText is the comparison form of free text: markup removed,
// lower-cased, whitespace collapsed.
func normalizeText(s string) string {
	return strings.ToLower(HTMLToText(s))
}

// HTMLToText converts HTML to plain text, collapsing whitespace.
// Plain text passes through with only whitespace normalization.
func HTMLToText(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return normalizeSpace(html)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return normalizeSpace(html)
	}
	return normalizeSpace(doc.Text())
}

var descriptionPolicy = bluemonday.UGCPolicy()

// sanitizeDescription strips unsafe markup and invalid UTF-8 before a
// description is stored on a canonical record.
func sanitizeDescription(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.TrimSpace(descriptionPolicy.Sanitize(s))
}
