package condense

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func weatherDoc(url string) Document {
	return Document{
		URL:   url,
		Title: "Clima em Garuva",
		Content: "# Clima em Garuva\n\nO clima em Garuva hoje é úmido, com chuvas frequentes. " +
			"A temperatura fica entre 18 e 24 graus.\n\n## Previsão\n\n" +
			"A previsão para Garuva indica instabilidade à tarde, com possibilidade de trovoadas.",
	}
}

func TestCondenseSelectsChunks(t *testing.T) {
	docs := []Document{weatherDoc("https://a.example"), weatherDoc("https://b.example")}
	res := Condense(docs, "clima em garuva hoje", testOptions(), nil)

	if res.Method != MethodChunks {
		t.Fatalf("Method = %q, want chunks", res.Method)
	}
	if res.Context == "" || res.TotalTokens == 0 {
		t.Fatal("empty context from usable documents")
	}
	if res.TotalTokens > 4000 {
		t.Fatalf("TotalTokens = %d, over default budget", res.TotalTokens)
	}
	if res.ChunksUsed > res.ChunksTotal {
		t.Fatalf("ChunksUsed %d > ChunksTotal %d", res.ChunksUsed, res.ChunksTotal)
	}
	if !strings.Contains(res.Context, "Fonte: https://a.example") {
		t.Fatal("context lost source attribution")
	}
	if len(res.Sources) == 0 {
		t.Fatal("no source usage reported")
	}
}

func TestCondenseDedupesByURL(t *testing.T) {
	docs := []Document{weatherDoc("https://a.example"), weatherDoc("https://a.example")}
	res := Condense(docs, "clima garuva", testOptions(), nil)

	if n := strings.Count(res.Context, "Fonte: https://a.example"); n != 1 {
		t.Fatalf("duplicate URL appears %d times in context", n)
	}
}

func TestCondenseEmptyKnowledgeBase(t *testing.T) {
	res := Condense(nil, "clima garuva", testOptions(), nil)
	if res.Method != MethodFallback || res.Context != "" {
		t.Fatalf("got method=%q context=%q, want empty fallback", res.Method, res.Context)
	}
}

func TestCondenseSummarizationFallback(t *testing.T) {
	// A tight budget with a single huge low-relevance document: selection
	// still produces a truncated chunk, so force the over-budget path with
	// MinScore filtering everything out.
	doc := Document{
		URL:     "https://a.example",
		Title:   "Culinária",
		Content: "# Receitas\n\n" + strings.Repeat("bolo de cenoura com chocolate ", 100),
	}
	opts := testOptions()
	opts.MinScore = 0.5
	res := Condense([]Document{doc}, "clima em garuva", opts, nil)

	if res.Method != MethodSummarized {
		t.Fatalf("Method = %q, want summarized", res.Method)
	}
	if res.Context == "" {
		t.Fatal("summarization fallback produced no context")
	}
	if res.ChunksUsed != 0 {
		t.Fatalf("ChunksUsed = %d in summarization fallback", res.ChunksUsed)
	}
}

func TestCondenseFallbackDisabled(t *testing.T) {
	doc := Document{URL: "https://a.example", Title: "t", Content: "irrelevante"}
	opts := testOptions()
	opts.MinScore = 0.9
	opts.NoSummaryFallback = true

	res := Condense([]Document{doc}, "clima em garuva", opts, nil)
	if res.Method != MethodFallback || res.Context != "" {
		t.Fatalf("got method=%q context len=%d, want empty fallback", res.Method, len(res.Context))
	}
}

func TestCondenseCompressionRatio(t *testing.T) {
	big := Document{
		URL:   "https://a.example",
		Title: "Clima",
		Content: "# Clima em Garuva\n\n" +
			strings.Repeat("O clima em Garuva hoje é chuvoso e úmido. ", 400),
	}
	opts := testOptions()
	opts.MaxTokens = 500
	res := Condense([]Document{big}, "clima garuva hoje", opts, nil)

	if res.TotalTokens > 500 {
		t.Fatalf("TotalTokens = %d, budget 500", res.TotalTokens)
	}
	if res.CompressionRatio <= 0 || res.CompressionRatio > 0.5 {
		t.Fatalf("CompressionRatio = %.3f, want strong compression", res.CompressionRatio)
	}
}

func TestValidate(t *testing.T) {
	long := strings.Repeat("clima garuva chuva hoje ", 10)

	tests := []struct {
		name      string
		res       *Result
		query     string
		wantValid bool
		warnings  int
	}{
		{
			name: "healthy result",
			res: &Result{
				Context: long, Method: MethodChunks,
				ChunksUsed: 5, ChunksTotal: 10, CompressionRatio: 0.2,
			},
			query:     "clima em garuva hoje",
			wantValid: true,
			warnings:  0,
		},
		{
			name:      "near-empty context",
			res:       &Result{Context: "curto", Method: MethodChunks, ChunksUsed: 1, ChunksTotal: 1},
			query:     "clima garuva",
			wantValid: false,
		},
		{
			name: "weak compression",
			res: &Result{
				Context: long, Method: MethodChunks,
				ChunksUsed: 5, ChunksTotal: 10, CompressionRatio: 0.8,
			},
			query:     "clima garuva",
			wantValid: true,
			warnings:  1,
		},
		{
			name: "few chunks used",
			res: &Result{
				Context: long, Method: MethodChunks,
				ChunksUsed: 1, ChunksTotal: 10, CompressionRatio: 0.2,
			},
			query:     "clima garuva",
			wantValid: true,
			warnings:  1,
		},
		{
			name: "query terms missing",
			res: &Result{
				Context: long, Method: MethodChunks,
				ChunksUsed: 5, ChunksTotal: 10, CompressionRatio: 0.2,
			},
			query:     "eleições municipais resultado",
			wantValid: true,
			warnings:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := Validate(tt.res, tt.query)
			if rep.IsValid != tt.wantValid {
				t.Fatalf("IsValid = %v, want %v (warnings: %v)", rep.IsValid, tt.wantValid, rep.Warnings)
			}
			if tt.wantValid && len(rep.Warnings) != tt.warnings {
				t.Fatalf("warnings = %v, want %d", rep.Warnings, tt.warnings)
			}
		})
	}
}
