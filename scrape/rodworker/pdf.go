package rodworker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/recherche/scrape"
)

// maxPDFBytes bounds a PDF download.
const maxPDFBytes = 20 << 20

func isPDF(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

// scrapePDF downloads a PDF and extracts its text page by page. The browser
// is never involved: PDFs render nothing useful in a DOM.
func (w *Worker) scrapePDF(ctx context.Context, rawURL string) (*scrape.Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", w.nextUserAgent())

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download pdf: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download pdf: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return nil, fmt.Errorf("download pdf: %w", err)
	}

	text, err := pdfText(data)
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}
	if len(text) < minContentChars {
		return nil, fmt.Errorf("pdf text too short (%d chars)", len(text))
	}

	title := path.Base(rawURL)
	return &scrape.Content{
		Title:    title,
		URL:      rawURL,
		Content:  text,
		Markdown: frontmatter(title, rawURL) + text,
	}, nil
}

// pdfText pulls text-showing operators out of every page's content stream.
func pdfText(data []byte) (string, error) {
	conf := model.NewDefaultConfiguration()
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for page := 1; page <= pctx.PageCount; page++ {
		r, err := pdfcpu.ExtractPageContent(pctx, page)
		if err != nil || r == nil {
			continue
		}
		stream, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		if t := textFromContentStream(stream); t != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(t)
		}
	}
	return b.String(), nil
}

// textFromContentStream collects the literal strings fed to Tj/TJ operators.
// Crude but serviceable: layout and encoding subtleties are out of scope.
func textFromContentStream(stream []byte) string {
	var b strings.Builder
	depth := 0
	escaped := false
	for _, c := range stream {
		switch {
		case escaped:
			if depth > 0 {
				switch c {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				case '(', ')', '\\':
					b.WriteByte(c)
				}
			}
			escaped = false
		case c == '\\':
			escaped = true
		case c == '(':
			if depth > 0 {
				b.WriteByte(c)
			}
			depth++
		case c == ')':
			depth--
			if depth > 0 {
				b.WriteByte(c)
			} else if depth == 0 {
				b.WriteByte(' ')
			}
		case depth > 0:
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(strings.Join(strings.Fields(b.String()), " "))
}
