package sanitize

import (
	"strings"

	"golang.org/x/net/html"
)

var blockElements = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "div": true, "blockquote": true, "pre": true, "br": true,
}

// ToText derives the text/plain alternative part for an outbound HTML body.
func ToText(source string) string {
	nodes, err := parseFragment(source)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, node := range nodes {
		renderText(&b, node)
	}

	lines := strings.Split(b.String(), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func renderText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	case html.ElementNode:
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderText(b, c)
		}
		return
	}

	name := n.Data
	if dropElements[name] {
		return
	}
	switch {
	case name == "a":
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderText(b, c)
		}
		if href := attr(n, "href"); href != "" {
			b.WriteString(" [" + href + "]")
		}
	case name == "li":
		b.WriteString("* ")
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderText(b, c)
		}
		b.WriteString("\n")
	case blockElements[name]:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderText(b, c)
		}
		b.WriteString("\n")
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			renderText(b, c)
		}
	}
}
