package browser

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ComputeHash returns the first 16 hex characters of the SHA-256 digest of
// the cleaned HTML. Two captures with equal hashes are treated as the same
// page state.
func ComputeHash(html string) string {
	sum := sha256.Sum256([]byte(html))
	return hex.EncodeToString(sum[:])[:16]
}

// CleanHTML strips scripts, styles, noscript blocks, stylesheet links, and
// hidden elements from raw page HTML. The result is what detection,
// extraction, and the AI see; raw HTML never leaves this choke point.
func CleanHTML(raw string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, link[rel=stylesheet]").Remove()
	doc.Find("[hidden]").Remove()
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		compact := strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(compact, "display:none") {
			s.Remove()
		}
	})
	return doc.Html()
}

// NewSnapshot cleans raw HTML and builds the snapshot with its hash.
func NewSnapshot(rawHTML, url, title string) (*Snapshot, error) {
	cleaned, err := CleanHTML(rawHTML)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		HTML:    cleaned,
		URL:     url,
		Title:   title,
		DOMHash: ComputeHash(cleaned),
	}, nil
}
