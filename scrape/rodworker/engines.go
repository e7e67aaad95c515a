package rodworker

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// engine describes how to query one search provider and how to recognize
// organic result links in its HTML.
type engine struct {
	name string
	// searchURL builds the request URL for a query.
	searchURL func(query string, limit int) string
	// extract pulls metadata candidates out of the parsed document.
	extract func(doc *html.Node) []anchor
}

// anchor is a candidate result link with its visible text and surrounding
// block text.
type anchor struct {
	href    string
	text    string
	snippet string
}

var engines = map[string]engine{
	"google": {
		name: "google",
		searchURL: func(q string, limit int) string {
			return fmt.Sprintf("https://www.google.com/search?q=%s&num=%d&hl=pt-BR",
				url.QueryEscape(q), limit)
		},
		extract: func(doc *html.Node) []anchor {
			var out []anchor
			for _, a := range collectAnchors(doc) {
				// Organic results come wrapped as /url?q=<target>.
				if !strings.HasPrefix(a.href, "/url?") {
					continue
				}
				if target := queryParam(a.href, "q"); strings.HasPrefix(target, "http") {
					a.href = target
					out = append(out, a)
				}
			}
			return out
		},
	},
	"bing": {
		name: "bing",
		searchURL: func(q string, limit int) string {
			return fmt.Sprintf("https://www.bing.com/search?q=%s&count=%d",
				url.QueryEscape(q), limit)
		},
		extract: func(doc *html.Node) []anchor {
			return directAnchors(doc, "bing.com")
		},
	},
	"yahoo": {
		name: "yahoo",
		searchURL: func(q string, limit int) string {
			return fmt.Sprintf("https://search.yahoo.com/search?p=%s&n=%d",
				url.QueryEscape(q), limit)
		},
		extract: func(doc *html.Node) []anchor {
			var out []anchor
			for _, a := range collectAnchors(doc) {
				if strings.Contains(a.href, "r.search.yahoo.com") {
					// Redirect URLs embed the target as /RU=<escaped>/.
					if target := yahooRedirect(a.href); target != "" {
						a.href = target
						out = append(out, a)
						continue
					}
				}
				if strings.HasPrefix(a.href, "http") && !strings.Contains(a.href, "yahoo.com") {
					out = append(out, a)
				}
			}
			return out
		},
	},
	"duckduckgo": {
		name: "duckduckgo",
		searchURL: func(q string, limit int) string {
			return "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(q)
		},
		extract: func(doc *html.Node) []anchor {
			var out []anchor
			for _, a := range collectAnchors(doc) {
				// The HTML endpoint wraps results as /l/?uddg=<target>.
				if strings.Contains(a.href, "uddg=") {
					if target := queryParam(a.href, "uddg"); strings.HasPrefix(target, "http") {
						a.href = target
						out = append(out, a)
					}
					continue
				}
				if strings.HasPrefix(a.href, "http") && !strings.Contains(a.href, "duckduckgo.com") {
					out = append(out, a)
				}
			}
			return out
		},
	},
	"startpage": {
		name: "startpage",
		searchURL: func(q string, limit int) string {
			return "https://www.startpage.com/sp/search?query=" + url.QueryEscape(q)
		},
		extract: func(doc *html.Node) []anchor {
			return directAnchors(doc, "startpage.com")
		},
	},
}

// directAnchors keeps absolute external links, dropping the provider's own
// navigation.
func directAnchors(doc *html.Node, ownDomain string) []anchor {
	var out []anchor
	for _, a := range collectAnchors(doc) {
		if strings.HasPrefix(a.href, "http") && !strings.Contains(a.href, ownDomain) {
			out = append(out, a)
		}
	}
	return out
}

// adHosts and adPaths mark sponsored or tracking links that must never reach
// the results.
var adHosts = []string{
	"doubleclick.net",
	"googleadservices.com",
	"googlesyndication.com",
	"amazon-adsystem.com",
	"adclick",
}

var adPaths = []string{"/y.js", "/aclick", "ad_domain="}

func isAdURL(raw string) bool {
	lower := strings.ToLower(raw)
	for _, h := range adHosts {
		if strings.Contains(lower, h) {
			return true
		}
	}
	for _, p := range adPaths {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// cleanURL normalizes a result URL: strips fragments and well-known tracking
// parameters, and rejects anything that is not public http(s).
func cleanURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	if privateHost(u.Hostname()) {
		return ""
	}
	u.Fragment = ""
	q := u.Query()
	for param := range q {
		if strings.HasPrefix(param, "utm_") || param == "fbclid" || param == "gclid" {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// privateHost rejects loopback, link-local, and private-range targets so an
// engine result page can never steer the scraper at internal services.
func privateHost(host string) bool {
	host = strings.ToLower(host)
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
	}
	return false
}

func queryParam(href, key string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return u.Query().Get(key)
}

// yahooRedirect unwraps r.search.yahoo.com links of the form .../RU=<url>/RK=...
func yahooRedirect(href string) string {
	i := strings.Index(href, "/RU=")
	if i < 0 {
		return ""
	}
	rest := href[i+len("/RU="):]
	if j := strings.Index(rest, "/R"); j > 0 {
		rest = rest[:j]
	}
	target, err := url.QueryUnescape(rest)
	if err != nil || !strings.HasPrefix(target, "http") {
		return ""
	}
	return target
}

// collectAnchors walks the document and returns every href anchor with its
// text and the text of its nearest block ancestor as a snippet source.
func collectAnchors(doc *html.Node) []anchor {
	var out []anchor
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attr(n, "href")
			if href != "" {
				out = append(out, anchor{
					href:    href,
					text:    strings.TrimSpace(nodeText(n)),
					snippet: blockText(n),
				})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

var blockTags = map[string]bool{
	"div": true, "li": true, "article": true, "section": true, "td": true, "p": true,
}

// blockText returns the text of the anchor's nearest block-level ancestor,
// bounded so a page-wide container cannot flood the snippet.
func blockText(n *html.Node) string {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && blockTags[p.Data] {
			t := nodeText(p)
			if len(t) > 400 {
				cut := 400
				for cut > 0 && !utf8.RuneStart(t[cut]) {
					cut--
				}
				t = t[:cut]
			}
			return t
		}
	}
	return ""
}
