package lazyload

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const lazyClass = "lazyload"

// IsMarkup reports whether an image parameter carries HTML instead of a single reference.
func IsMarkup(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "<")
}

// Endpoint builds public transform URLs.
type Endpoint struct {
	// BaseURL is the public origin of the service, e.g. https://img.example.com.
	BaseURL string
	// CDNURL replaces BaseURL when set, so lazy images load through the CDN.
	CDNURL string
	// Path is the transform route. Defaults to /transform.
	Path string
}

// URL returns the transform URL for req.
func (e Endpoint) URL(req TransformRequest) string {
	base := e.CDNURL
	if base == "" {
		base = e.BaseURL
	}
	p := e.Path
	if p == "" {
		p = "/transform"
	}
	return strings.TrimSuffix(base, "/") + p + "?" + req.Query().Encode()
}

// MarkupRewriter turns every <img> in an HTML fragment into a lazy-loading image
// whose real source is served by the transform endpoint.
type MarkupRewriter struct {
	endpoint     Endpoint
	placeholders *Placeholders
}

// NewMarkupRewriter creates a MarkupRewriter.
func NewMarkupRewriter(endpoint Endpoint, placeholders *Placeholders) *MarkupRewriter {
	return &MarkupRewriter{endpoint: endpoint, placeholders: placeholders}
}

// Rewrite rewrites each <img src> in markup. The image's src becomes the
// placeholder for req's aspect; data-src points at the endpoint with req's
// strategy, aspect, width and preserve settings applied to the original src.
// Images without a src are left alone.
func (m *MarkupRewriter) Rewrite(markup string, req TransformRequest) (string, error) {
	container := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(markup), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return "", fmt.Errorf("%w: markup: %v", ErrInvalidSource, err)
	}
	for _, n := range nodes {
		container.AppendChild(n)
	}

	placeholder, err := m.placeholders.PlaceholderDataURI(req.Aspect)
	if err != nil {
		return "", err
	}

	doc := goquery.NewDocumentFromNode(container)
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		src = strings.TrimSpace(src)
		if !ok || src == "" || strings.HasPrefix(src, "data:") {
			return
		}

		child := req
		child.Source = src
		child.Inline = false

		img.SetAttr("data-src", m.endpoint.URL(child))
		img.SetAttr("src", placeholder)
		if srcset, ok := img.Attr("srcset"); ok {
			img.SetAttr("data-srcset", m.rewriteSrcset(srcset, req))
			img.RemoveAttr("srcset")
		}
		if !img.HasClass(lazyClass) {
			img.AddClass(lazyClass)
		}
	})

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render markup: %w", err)
	}
	return out, nil
}

// rewriteSrcset points every srcset candidate at the endpoint, keeping its
// width or density descriptor. data: candidates are left as they are.
func (m *MarkupRewriter) rewriteSrcset(srcset string, req TransformRequest) string {
	candidates := parseSrcset(srcset)
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ref := c.url
		if !strings.HasPrefix(ref, "data:") {
			child := req
			child.Source = ref
			child.Inline = false
			ref = m.endpoint.URL(child)
		}
		if c.descriptor != "" {
			ref += " " + c.descriptor
		}
		out = append(out, ref)
	}
	return strings.Join(out, ", ")
}

type srcsetCandidate struct {
	url        string
	descriptor string
}

// parseSrcset splits a srcset attribute into candidates. A URL runs to the
// next whitespace; commas inside URLs are kept unless they end the URL.
func parseSrcset(s string) []srcsetCandidate {
	var out []srcsetCandidate
	isSpace := func(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' }

	i := 0
	for i < len(s) {
		for i < len(s) && (isSpace(s[i]) || s[i] == ',') {
			i++
		}
		if i >= len(s) {
			break
		}

		start := i
		for i < len(s) && !isSpace(s[i]) {
			i++
		}
		ref := s[start:i]
		if trimmed := strings.TrimRight(ref, ","); trimmed != ref {
			out = append(out, srcsetCandidate{url: trimmed})
			continue
		}

		start = i
		depth := 0
	descriptor:
		for ; i < len(s); i++ {
			switch {
			case s[i] == '(':
				depth++
			case s[i] == ')' && depth > 0:
				depth--
			case s[i] == ',' && depth == 0:
				break descriptor
			}
		}
		out = append(out, srcsetCandidate{url: ref, descriptor: strings.TrimSpace(s[start:i])})
	}
	return out
}
