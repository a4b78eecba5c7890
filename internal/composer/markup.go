package composer

import (
	"strings"

	"golang.org/x/net/html"
)

// MaxSummaryLength is the longest summary sent to Google, in characters.
const MaxSummaryLength = 1499

// inertBrackets keeps entity-escaped markup from turning back into tags once
// the text has been decoded.
var inertBrackets = strings.NewReplacer("<", "&lt;", ">", "&gt;")

// StripTags returns the visible text of an HTML fragment with runs of
// whitespace collapsed to single spaces. Escaped angle brackets stay escaped.
func StripTags(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}

	node, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}

	var b strings.Builder
	var walker func(*html.Node)
	walker = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch strings.ToLower(n.Data) {
			case "script", "style", "noscript", "template":
				return
			case "br", "p", "div", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "section", "article":
				b.WriteByte(' ')
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(inertBrackets.Replace(n.Data))
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walker(child)
		}
	}
	walker(node)

	return strings.Join(strings.Fields(b.String()), " ")
}

// Summarize strips markup and truncates to MaxSummaryLength characters.
func Summarize(s string) string {
	return truncate(StripTags(s))
}
