package web

import (
	"bytes"
	"errors"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var ErrNoPageImage = errors.New("web: page declares no image")

// Selectors tried in order when a URL points at an HTML page instead of an image.
var pageImageSelectors = []struct {
	sel  string
	attr string
}{
	{`meta[property="og:image:secure_url"]`, "content"},
	{`meta[property="og:image"]`, "content"},
	{`meta[name="twitter:image"]`, "content"},
	{`meta[name="twitter:image:src"]`, "content"},
	{`link[rel="image_src"]`, "href"},
}

// ResolvePageImage returns the absolute URL of the preview image an HTML
// document advertises, resolved against pageURL.
func ResolvePageImage(html []byte, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}

	for _, s := range pageImageSelectors {
		ref := strings.TrimSpace(doc.Find(s.sel).First().AttrOr(s.attr, ""))
		if ref == "" {
			continue
		}
		u, err := url.Parse(ref)
		if err != nil {
			continue
		}
		if !u.IsAbs() {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		u.Fragment = ""
		return u.String(), nil
	}
	return "", ErrNoPageImage
}
