package images

import (
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".avif": true, ".bmp": true, ".svg": true,
}

// Path fragments image CDNs and CMSes commonly serve pictures under.
var imagePathKeywords = []string{
	"/image", "/img", "/photo", "/picture", "/media/", "/uploads/", "/wp-content/", "thumbnail", "/thumb",
}

// ResolveURL makes candidate absolute against base. Protocol-relative and
// root-relative forms use base's origin; other relative forms use base itself.
// Only http(s) results with a host are returned.
func ResolveURL(candidate, base string) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || strings.HasPrefix(strings.ToLower(candidate), "data:") {
		return "", false
	}

	ref, err := url.Parse(candidate)
	if err != nil {
		return "", false
	}

	if !ref.IsAbs() {
		baseURL, err := url.Parse(strings.TrimSpace(base))
		if err != nil || !baseURL.IsAbs() || baseURL.Host == "" {
			return "", false
		}
		ref = baseURL.ResolveReference(ref)
	}

	if (ref.Scheme != "http" && ref.Scheme != "https") || ref.Host == "" {
		return "", false
	}
	return ref.String(), true
}

// LooksLikeImage is the fallback check used when an origin refuses HEAD requests.
func LooksLikeImage(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	p := strings.ToLower(parsed.Path)
	if imageExtensions[path.Ext(p)] {
		return true
	}
	for _, kw := range imagePathKeywords {
		if strings.Contains(p, kw) {
			return true
		}
	}
	return false
}

// firstImgSrc returns the first <img> source in an HTML fragment.
func firstImgSrc(fragment string) string {
	if !strings.Contains(strings.ToLower(fragment), "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}

	var src string
	doc.Find("img").EachWithBreak(func(i int, s *goquery.Selection) bool {
		for _, attr := range []string{"src", "data-src"} {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				src = strings.TrimSpace(v)
				return false
			}
		}
		return true
	})
	return src
}

// metaImage reads the social preview image declared by a page.
func metaImage(doc *goquery.Document) string {
	selectors := []string{
		`meta[property="og:image"]`,
		`meta[property="og:image:url"]`,
		`meta[name="twitter:image"]`,
		`meta[name="twitter:image:src"]`,
		`meta[property="twitter:image"]`,
	}
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
