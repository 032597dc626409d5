// Package sanitize rewrites untrusted mail HTML before it reaches storage.
// A structural pass drops active content and presentation attributes, replaces
// images with their alt text and marks anchors; a bluemonday allow-list pass
// is the final gate.
package sanitize

import (
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var dropElements = map[string]bool{
	"script": true,
	"style":  true,
	"meta":   true,
	"base":   true,
	"link":   true,
	"title":  true,
}

var dropAttributes = map[string]bool{
	"style":       true,
	"class":       true,
	"color":       true,
	"bgcolor":     true,
	"background":  true,
	"bordercolor": true,
}

var voidElements = map[string]bool{
	"area": true, "br": true, "col": true, "embed": true, "hr": true,
	"img": true, "input": true, "source": true, "track": true, "wbr": true,
}

var policy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "hr", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("b", "i", "u", "s", "strong", "em", "code", "pre", "small", "sub", "sup")
	p.AllowElements("ul", "ol", "li", "blockquote", "a")
	p.AllowElements("table", "thead", "tbody", "tr", "th", "td")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	return p
}()

// Clean sanitizes an HTML body. Images without meaningful alt text are removed
// entirely, images with alt text become bracketed text, anchors get a visible
// "*" marker so plain rendering still signals a link.
func Clean(source string) (string, error) {
	nodes, err := parseFragment(source)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var b strings.Builder
	for _, node := range nodes {
		renderClean(&b, node)
	}
	return policy.Sanitize(b.String()), nil
}

// Wrap turns a plain-text body into a preformatted block, preserving line
// structure.
func Wrap(text string) string {
	return "<pre>" + html.EscapeString(text) + "</pre>"
}

func parseFragment(source string) ([]*html.Node, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	return html.ParseFragment(strings.NewReader(source), body)
}

func renderClean(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(html.EscapeString(n.Data))
		return
	case html.CommentNode:
		return
	case html.ElementNode:
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderClean(b, c)
		}
		return
	}

	name := n.Data
	if dropElements[name] {
		return
	}
	if name == "img" {
		alt := strings.TrimSpace(attr(n, "alt"))
		if alt != "" {
			b.WriteString(html.EscapeString("[" + alt + "]"))
		}
		return
	}
	if name == "a" {
		b.WriteString("*")
	}

	b.WriteString("<" + name)
	for _, a := range n.Attr {
		if dropAttributes[strings.ToLower(a.Key)] {
			continue
		}
		b.WriteString(" " + a.Key + `="` + html.EscapeString(a.Val) + `"`)
	}
	b.WriteString(">")
	if voidElements[name] {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderClean(b, c)
	}
	b.WriteString("</" + name + ">")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
