package normalize

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Field bounds, counted in runes.
const (
	MaxTitleLength       = 300
	MaxDescriptionLength = 1000
	MaxAuthorLength      = 120
)

// blockSelector lists elements whose boundaries should separate words once markup is gone.
const blockSelector = "br, p, div, li, h1, h2, h3, h4, h5, h6, tr, td, blockquote, figcaption"

// StripMarkup returns the visible text of an HTML fragment with entities decoded
// and whitespace collapsed to single spaces.
func StripMarkup(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	if !strings.ContainsAny(s, "<&") {
		return CollapseWhitespace(s)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return CollapseWhitespace(s)
	}
	doc.Find("script, style, noscript, iframe").Remove()
	doc.Find(blockSelector).AfterHtml(" ")

	return CollapseWhitespace(doc.Text())
}

// CollapseWhitespace trims s and folds every whitespace run into one space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate bounds s to max runes without splitting a multi-byte character.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}

	n := 0
	for i := range s {
		if n == max {
			return strings.TrimRight(s[:i], " ")
		}
		n++
	}
	return s
}
