// Package condense compresses an accumulated knowledge base into a
// token-budgeted context for generation. It chunks markdown along heading and
// paragraph boundaries, scores each chunk against the query, and greedily
// selects chunks under the budget, degrading to per-source summarization when
// selection cannot produce a usable context.
package condense

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Chunk is a bounded slice of one source document. Scores are computed per
// query and never reused across queries.
type Chunk struct {
	Content     string  `json:"content"`
	Score       float64 `json:"score"`
	SourceIndex int     `json:"source_index"`
	StartIndex  int     `json:"start_index"`
	EndIndex    int     `json:"end_index"`
	SourceURL   string  `json:"source_url"`
	SourceTitle string  `json:"source_title"`
}

// DefaultMaxChunkSize bounds a single chunk in characters.
const DefaultMaxChunkSize = 2000

var headingRe = regexp.MustCompile(`^(#{1,3})\s+(.+)$`)

// ChunkBySections splits markdown into chunks no larger than maxSize
// characters. Splitting prefers heading boundaries (levels 1-3); oversized
// sections are sub-split on paragraph boundaries with the owning heading
// re-attached to each continuation chunk. Markdown without headings is split
// on paragraphs only.
func ChunkBySections(markdown string, maxSize int) []Chunk {
	if maxSize <= 0 {
		maxSize = DefaultMaxChunkSize
	}
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return nil
	}

	sections := splitSections(markdown)

	var chunks []Chunk
	offset := 0
	for _, sec := range sections {
		start := strings.Index(markdown[offset:], sec.body)
		if start < 0 {
			start = 0
		}
		start += offset
		offset = start + len(sec.body)

		if len(sec.body) <= maxSize {
			chunks = append(chunks, Chunk{
				Content:    sec.body,
				StartIndex: start,
				EndIndex:   start + len(sec.body),
			})
			continue
		}

		// Oversized section: paragraph sub-split, heading carried over.
		// Offsets for continuation chunks are approximate since the heading
		// is duplicated into them.
		pos := start
		for _, part := range splitBySize(sec.body, sec.heading, maxSize) {
			end := pos + len(part)
			if end > start+len(sec.body) {
				end = start + len(sec.body)
			}
			chunks = append(chunks, Chunk{Content: part, StartIndex: pos, EndIndex: end})
			pos = end
		}
	}
	return chunks
}

type section struct {
	heading string // full heading line, "" when the document has none
	level   int
	body    string // heading line + content
}

// splitSections cuts markdown at heading lines (levels 1-3).
func splitSections(markdown string) []section {
	lines := strings.Split(markdown, "\n")

	var sections []section
	var cur []string
	curHeading := ""
	curLevel := 0

	flush := func() {
		body := strings.TrimSpace(strings.Join(cur, "\n"))
		if body != "" {
			sections = append(sections, section{heading: curHeading, level: curLevel, body: body})
		}
		cur = cur[:0]
	}

	for _, line := range lines {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			curHeading = line
			curLevel = len(m[1])
		}
		cur = append(cur, line)
	}
	flush()
	return sections
}

// splitBySize splits body on paragraph boundaries into parts of at most
// maxSize characters, prefixing continuation parts with the heading so a
// chunk never loses its section context.
func splitBySize(body, heading string, maxSize int) []string {
	paras := strings.Split(body, "\n\n")
	var parts []string
	var buf strings.Builder

	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			parts = append(parts, s)
		}
		buf.Reset()
	}

	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		// A single paragraph beyond maxSize is hard-cut.
		for len(p) > maxSize {
			flush()
			head := safeCut(p, maxSize)
			if head == "" {
				_, size := utf8.DecodeRuneInString(p)
				head = p[:size]
			}
			parts = append(parts, head)
			p = p[len(head):]
		}
		if buf.Len() > 0 && buf.Len()+len(p)+2 > maxSize {
			flush()
			if heading != "" {
				buf.WriteString(heading)
				buf.WriteString("\n\n")
			}
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
	}
	flush()
	return parts
}

// SummarizeMarkdown truncates markdown to at most maxLen characters, keeping
// whole sections in document order and preferring to cut at a section
// boundary. The last included section is truncated with an ellipsis marker
// when it does not fit whole.
func SummarizeMarkdown(content string, maxLen int) string {
	content = strings.TrimSpace(content)
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}

	const marker = "\n[...]"
	var b strings.Builder
	for _, sec := range splitSections(content) {
		if b.Len() == 0 && len(sec.body) > maxLen {
			// Nothing fits whole: hard-truncate the first section.
			cut := maxLen - len(marker)
			if cut < 0 {
				cut = 0
			}
			return safeCut(sec.body, cut) + marker
		}
		sep := 0
		if b.Len() > 0 {
			sep = 2
		}
		if b.Len()+sep+len(sec.body) > maxLen {
			remaining := maxLen - b.Len() - sep - len(marker)
			if remaining > 100 {
				if sep > 0 {
					b.WriteString("\n\n")
				}
				b.WriteString(safeCut(sec.body, remaining))
				b.WriteString(marker)
			}
			break
		}
		if sep > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sec.body)
	}
	return b.String()
}

// EstimateTokens approximates token count with the fixed 4-characters-per-
// token ratio used across the pipeline. Exact counting is a non-goal.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// safeCut truncates s to at most n bytes, backing the cut up so it never
// lands inside a multi-byte rune.
func safeCut(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n < 0 {
		n = 0
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
