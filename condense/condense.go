package condense

import (
	"fmt"
	"log/slog"
	"strings"
)

// Document is one deduplicated knowledge-base source offered for condensation.
type Document struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Condensation methods.
const (
	MethodChunks     = "chunks"
	MethodSummarized = "summarized"
	MethodFallback   = "fallback"
)

// SourceUsage reports how much of one source survived condensation.
type SourceUsage struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	ChunksUsed int    `json:"chunks_used"`
	Tokens     int    `json:"tokens"`
}

// Result is the outcome of a condensation pass.
type Result struct {
	Context          string        `json:"context"`
	TotalTokens      int           `json:"total_tokens"`
	OriginalTokens   int           `json:"original_tokens"`
	CompressionRatio float64       `json:"compression_ratio"`
	ChunksUsed       int           `json:"chunks_used"`
	ChunksTotal      int           `json:"chunks_total"`
	Method           string        `json:"method"`
	Sources          []SourceUsage `json:"sources"`
}

// Options configures a condensation pass.
type Options struct {
	MaxTokens    int     // token budget for the produced context. Default: 4000.
	MaxChunkSize int     // chunk bound in characters. Default: 2000.
	MinScore     float64 // optional relevance floor, 0 disables.
	// NoSummaryFallback disables per-source summarization when chunk
	// selection produces nothing usable, leaving an empty fallback result.
	NoSummaryFallback bool
	Logger            *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4000
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// budgetMargin reserves 20% of the token budget as assembly headroom:
// selection operates against 0.8 * MaxTokens.
const budgetMargin = 0.8

// Condense compresses the knowledge base into a context under opts.MaxTokens.
// Entries sharing a source URL are deduplicated (first wins). When chunk
// selection yields nothing, or the assembled context still exceeds the
// budget, the whole knowledge base is summarized per source instead.
func Condense(docs []Document, query string, opts Options, qctx *QueryContext) *Result {
	opts.defaults()

	docs = dedupeByURL(docs)
	if len(docs) == 0 {
		return &Result{Method: MethodFallback}
	}

	originalTokens := 0
	var all []Chunk
	for i, doc := range docs {
		originalTokens += EstimateTokens(doc.Content)
		for _, c := range ChunkBySections(doc.Content, opts.MaxChunkSize) {
			c.SourceIndex = i
			c.SourceURL = doc.URL
			c.SourceTitle = doc.Title
			all = append(all, c)
		}
	}

	budget := int(float64(opts.MaxTokens) * budgetMargin)
	selected := ScoreAndSelect(all, query, budget, opts.MinScore, qctx)

	if len(selected) == 0 {
		opts.Logger.Warn("condense: no chunks selected, summarizing",
			"chunks_total", len(all), "query", query)
		return summarizeAll(docs, originalTokens, len(all), opts)
	}

	context := assemble(selected)
	totalTokens := EstimateTokens(context)
	if totalTokens > opts.MaxTokens {
		opts.Logger.Warn("condense: assembled context over budget, summarizing",
			"tokens", totalTokens, "max_tokens", opts.MaxTokens)
		return summarizeAll(docs, originalTokens, len(all), opts)
	}

	res := &Result{
		Context:        context,
		TotalTokens:    totalTokens,
		OriginalTokens: originalTokens,
		ChunksUsed:     len(selected),
		ChunksTotal:    len(all),
		Method:         MethodChunks,
		Sources:        usageBySource(selected),
	}
	if originalTokens > 0 {
		res.CompressionRatio = float64(totalTokens) / float64(originalTokens)
	}
	return res
}

func dedupeByURL(docs []Document) []Document {
	seen := make(map[string]bool, len(docs))
	out := docs[:0:0]
	for _, d := range docs {
		if d.URL != "" && seen[d.URL] {
			continue
		}
		seen[d.URL] = true
		out = append(out, d)
	}
	return out
}

// assemble joins selected chunks grouped under per-source headers, keeping
// the selection (score) order within the document order of first appearance.
func assemble(chunks []Chunk) string {
	var b strings.Builder
	lastURL := ""
	for _, c := range chunks {
		if c.SourceURL != lastURL {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "## %s\nFonte: %s\n\n", c.SourceTitle, c.SourceURL)
			lastURL = c.SourceURL
		} else {
			b.WriteString("\n\n")
		}
		b.WriteString(c.Content)
	}
	return b.String()
}

func usageBySource(chunks []Chunk) []SourceUsage {
	index := make(map[string]int)
	var usage []SourceUsage
	for _, c := range chunks {
		i, ok := index[c.SourceURL]
		if !ok {
			i = len(usage)
			index[c.SourceURL] = i
			usage = append(usage, SourceUsage{URL: c.SourceURL, Title: c.SourceTitle})
		}
		usage[i].ChunksUsed++
		usage[i].Tokens += EstimateTokens(c.Content)
	}
	return usage
}

// summarizeAll produces the summarization fallback: every source is truncated
// heading-aware into an equal share of the character budget.
func summarizeAll(docs []Document, originalTokens, chunksTotal int, opts Options) *Result {
	method := MethodSummarized
	if opts.NoSummaryFallback {
		method = MethodFallback
	}

	var b strings.Builder
	var usage []SourceUsage
	if !opts.NoSummaryFallback {
		perSource := opts.MaxTokens * 4 / len(docs)
		for _, doc := range docs {
			summary := SummarizeMarkdown(doc.Content, perSource)
			if summary == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "## %s\nFonte: %s\n\n%s", doc.Title, doc.URL, summary)
			usage = append(usage, SourceUsage{
				URL: doc.URL, Title: doc.Title, Tokens: EstimateTokens(summary),
			})
		}
	}

	context := b.String()
	totalTokens := EstimateTokens(context)
	res := &Result{
		Context:        context,
		TotalTokens:    totalTokens,
		OriginalTokens: originalTokens,
		ChunksTotal:    chunksTotal,
		Method:         method,
		Sources:        usage,
	}
	if originalTokens > 0 {
		res.CompressionRatio = float64(totalTokens) / float64(originalTokens)
	}
	return res
}

// ValidationReport carries non-fatal quality warnings about a condensation.
type ValidationReport struct {
	IsValid  bool     `json:"is_valid"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validate inspects a condensation result for quality problems. Only a
// near-empty context marks the result invalid; everything else is a warning.
func Validate(res *Result, query string) *ValidationReport {
	report := &ValidationReport{IsValid: true}

	if len(res.Context) < 100 {
		report.IsValid = false
		report.Warnings = append(report.Warnings, "context is near-empty (<100 chars)")
	}
	if res.ChunksUsed == 0 && res.Method != MethodSummarized && res.Method != MethodFallback {
		report.Warnings = append(report.Warnings, "no chunks used outside the fallback path")
	}
	if res.CompressionRatio > 0.5 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("weak compression: ratio %.2f exceeds 0.5", res.CompressionRatio))
	}
	if res.ChunksTotal > 0 && float64(res.ChunksUsed) < 0.3*float64(res.ChunksTotal) {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("only %d of %d chunks used (<30%%)", res.ChunksUsed, res.ChunksTotal))
	}

	lower := strings.ToLower(res.Context)
	significant := significantWords(query)
	if len(significant) > 0 {
		found := 0
		for _, w := range significant {
			if strings.Contains(lower, w) {
				found++
			}
		}
		if found*2 < len(significant) {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("context covers %d of %d query terms", found, len(significant)))
		}
	}
	return report
}

// significantWords returns the query's lowercase words longer than 3 chars.
func significantWords(query string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:'\"-()[]{}¿¡")
		if len(w) > 3 {
			words = append(words, w)
		}
	}
	return words
}
