package rodworker

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var sanitizer = bluemonday.UGCPolicy()

// frontmatter renders the provenance header carried at the top of every
// scraped markdown document.
func frontmatter(title, source string) string {
	return fmt.Sprintf("---\nTitle: %s\nSource: %s\n---\n\n", title, source)
}

// stripFrontmatter returns the body of a markdown document, without the
// provenance header.
func stripFrontmatter(md string) string {
	if !strings.HasPrefix(md, "---\n") {
		return md
	}
	rest := md[len("---\n"):]
	if i := strings.Index(rest, "\n---\n"); i >= 0 {
		return strings.TrimSpace(rest[i+len("\n---\n"):])
	}
	return md
}

// toMarkdown sanitizes raw page HTML and converts it to markdown with the
// provenance frontmatter attached.
func toMarkdown(rawHTML, title, source string) (string, error) {
	clean := sanitizer.Sanitize(rawHTML)
	md, err := htmltomarkdown.ConvertString(clean)
	if err != nil {
		return "", err
	}
	return frontmatter(title, source) + strings.TrimSpace(md), nil
}

// pageTitle extracts the document <title>, or "" when absent.
func pageTitle(rawHTML string) string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	var title string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			title = strings.TrimSpace(nodeText(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

const (
	fallbackMinParagraph = 100
	fallbackMinCount     = 3
	fallbackMaxCount     = 20
)

// paragraphFallback extracts substantial text paragraphs straight from the
// DOM when markdown conversion produced nothing usable. It returns "" unless
// at least 3 paragraphs of 100+ characters exist; at most 20 are kept.
func paragraphFallback(rawHTML string) string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}

	var paras []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "p" {
			if t := nodeText(n); len(t) >= fallbackMinParagraph {
				paras = append(paras, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(paras) < fallbackMinCount {
		return ""
	}
	if len(paras) > fallbackMaxCount {
		paras = paras[:fallbackMaxCount]
	}
	return strings.Join(paras, "\n\n")
}
