package research

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/recherche/condense"
	llmmock "github.com/hazyhaar/recherche/llm/mock"
	"github.com/hazyhaar/recherche/scrape"
	"github.com/hazyhaar/recherche/search"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSearcher returns a fixed response for every sub-query, or delegates to
// respFn when set. It records every query and round it was asked for.
type stubSearcher struct {
	resp    *search.Response
	err     error
	respFn  func(query string, round int) (*search.Response, error)
	queries []string
	rounds  []int
}

func (s *stubSearcher) SmartSearchRAG(ctx context.Context, query string, limit, fetchTop, round int) (*search.Response, error) {
	s.queries = append(s.queries, query)
	s.rounds = append(s.rounds, round)
	if s.respFn != nil {
		return s.respFn(query, round)
	}
	if s.err != nil {
		return nil, s.err
	}
	r := *s.resp
	r.Query = query
	return &r, nil
}

func longPage(topic string) string {
	return "# " + topic + "\n\n" +
		"Garuva é um município de Santa Catarina, na divisa com o Paraná. " +
		"O clima em Garuva hoje é úmido, com temperatura amena e chuvas frequentes " +
		"por causa da Serra do Mar. A previsão indica instabilidade durante a tarde.\n\n" +
		"## Detalhes\n\nA cidade fica próxima de Joinville e do litoral norte catarinense."
}

func TestRunCompletesPipeline(t *testing.T) {
	gen := llmmock.New(
		`["clima garuva hoje", "previsão garuva"]`,
		`{"sufficient": true}`,
		"Em Garuva o clima hoje é úmido, com chuvas à tarde.",
	)
	searcher := &stubSearcher{resp: &search.Response{
		Results: []scrape.Metadata{{Title: "Clima Garuva", URL: "https://clima.example/garuva"}},
		Contents: []scrape.Content{
			{Title: "Clima Garuva", URL: "https://clima.example/garuva", Markdown: longPage("Clima em Garuva")},
		},
	}}

	o := New(searcher, gen, Config{}, WithLogger(discard()))
	state, err := o.Run(context.Background(), "Clima em Garuva hoje")
	require.NoError(t, err)

	assert.Equal(t, StepComplete, state.Step)
	assert.Equal(t, []string{"clima garuva hoje", "previsão garuva"}, state.SubQueries)
	assert.Len(t, searcher.queries, 2)
	assert.Len(t, state.Entries, 1, "same URL from both sub-queries must dedupe")
	assert.Contains(t, state.Answer, "Garuva")
	assert.NotEmpty(t, state.Context)
	require.NotNil(t, state.Validation)
	assert.True(t, state.Validation.Sufficient)
	assert.False(t, state.FinishedAt.IsZero())
}

func TestRunInsufficientContext(t *testing.T) {
	// Only the plan is scripted: validation must refuse before synthesis.
	gen := llmmock.New(`["clima garuva"]`)
	searcher := &stubSearcher{resp: &search.Response{Degraded: true, FailureReason: "all engines down"}}

	o := New(searcher, gen, Config{}, WithLogger(discard()))
	state, err := o.Run(context.Background(), "Clima em Garuva hoje")
	require.NoError(t, err)

	assert.Equal(t, StepComplete, state.Step)
	assert.Equal(t, InsufficientContext, state.Answer)
	assert.Len(t, gen.Calls(), 1, "no validation or synthesis call on an empty context")
	require.NotNil(t, state.Validation)
	assert.False(t, state.Validation.Sufficient)
}

func TestRunModelValidationInsufficiency(t *testing.T) {
	gen := llmmock.New(
		`["clima garuva"]`,
		`{"sufficient": false, "missing": ["previsão para hoje"]}`,
	)
	searcher := &stubSearcher{resp: &search.Response{
		Contents: []scrape.Content{
			{Title: "Clima Garuva", URL: "https://clima.example/garuva", Markdown: longPage("Clima em Garuva")},
		},
	}}

	o := New(searcher, gen, Config{}, WithLogger(discard()))
	state, err := o.Run(context.Background(), "Clima em Garuva hoje")
	require.NoError(t, err)

	assert.Equal(t, StepComplete, state.Step)
	assert.Equal(t, InsufficientContext, state.Answer)
	require.NotNil(t, state.Validation)
	assert.False(t, state.Validation.Sufficient)
	assert.Contains(t, state.Validation.Missing, "previsão para hoje")
	assert.Len(t, gen.Calls(), 2, "no synthesis after an insufficient verdict")
}

func TestRunModelValidationFailureIsNonFatal(t *testing.T) {
	gen := llmmock.New(`["clima garuva"]`).
		Script(llmmock.Response{Err: errors.New("model offline")}).
		Script(llmmock.Response{Text: "Chove em Garuva."})
	searcher := &stubSearcher{resp: &search.Response{
		Contents: []scrape.Content{
			{Title: "Clima Garuva", URL: "https://clima.example/garuva", Markdown: longPage("Clima em Garuva")},
		},
	}}

	o := New(searcher, gen, Config{}, WithLogger(discard()))
	state, err := o.Run(context.Background(), "Clima em Garuva hoje")
	require.NoError(t, err)

	assert.Equal(t, StepComplete, state.Step)
	assert.Equal(t, "Chove em Garuva.", state.Answer)
	require.NotNil(t, state.Validation)
	assert.True(t, state.Validation.Sufficient, "heuristic verdict stands when the model check fails")
}

func TestRunEscalatesRoundWithOriginalQuery(t *testing.T) {
	gen := llmmock.New(
		`["tempo garuva", "chuva garuva"]`,
		`{"sufficient": true}`,
		"Chove em Garuva hoje.",
	)
	searcher := &stubSearcher{respFn: func(query string, round int) (*search.Response, error) {
		if round == 1 {
			return &search.Response{Degraded: true, FailureReason: "all engines down"}, nil
		}
		return &search.Response{Contents: []scrape.Content{
			{Title: "Clima Garuva", URL: "https://clima.example/garuva", Markdown: longPage("Clima em Garuva")},
		}}, nil
	}}

	o := New(searcher, gen, Config{}, WithLogger(discard()))
	state, err := o.Run(context.Background(), "Clima em Garuva hoje")
	require.NoError(t, err)

	assert.Equal(t, StepComplete, state.Step)
	assert.Equal(t, []int{1, 1, 2}, searcher.rounds, "fruitless first pass escalates once")
	assert.Equal(t, "Clima em Garuva hoje", searcher.queries[2], "escalation retries the original query")
	assert.Len(t, state.Entries, 1)
	assert.Equal(t, "Chove em Garuva hoje.", state.Answer)
}

func TestRunSearcherErrorFailsSession(t *testing.T) {
	gen := llmmock.New(`["clima garuva"]`)
	searcher := &stubSearcher{err: errors.New("orchestrator misconfigured")}

	o := New(searcher, gen, Config{}, WithLogger(discard()))
	state, err := o.Run(context.Background(), "Clima em Garuva hoje")
	require.Error(t, err)
	assert.Equal(t, StepError, state.Step)
	assert.Contains(t, state.Error, "orchestrator misconfigured")
}

func TestRunMetadataOnlyDegradation(t *testing.T) {
	// Scrapes failed; snippets alone must still feed the knowledge base.
	snippet := strings.Repeat("O clima em Garuva hoje é úmido e chuvoso. ", 4)
	gen := llmmock.New(
		`["clima garuva"]`,
		`{"sufficient": true}`,
		"Chove em Garuva.",
	)
	searcher := &stubSearcher{resp: &search.Response{
		Degraded: true,
		Results: []scrape.Metadata{
			{Title: "Clima", URL: "https://a.example", Snippet: snippet},
			{Title: "Tempo", URL: "https://b.example", Snippet: snippet},
		},
	}}

	o := New(searcher, gen, Config{}, WithLogger(discard()))
	state, err := o.Run(context.Background(), "Clima em Garuva hoje")
	require.NoError(t, err)
	assert.Equal(t, StepComplete, state.Step)
	assert.Len(t, state.Entries, 2)
	assert.Equal(t, "Chove em Garuva.", state.Answer)
}

func TestReset(t *testing.T) {
	gen := llmmock.New(`["clima garuva"]`, `{"sufficient": true}`, "resposta")
	searcher := &stubSearcher{resp: &search.Response{
		Contents: []scrape.Content{{Title: "t", URL: "https://a.example", Markdown: longPage("Clima")}},
	}}
	o := New(searcher, gen, Config{}, WithLogger(discard()))

	_, err := o.Run(context.Background(), "Clima em Garuva hoje")
	require.NoError(t, err)
	o.Reset()

	state := o.State()
	assert.Equal(t, StepIdle, state.Step)
	assert.Empty(t, state.Entries)
	assert.Empty(t, state.Answer)
}

// threeEngineWorker scripts the canonical degraded-engines scenario: alpha
// and beta time out, gamma serves five results.
type threeEngineWorker struct{}

func (threeEngineWorker) SearchMetadata(ctx context.Context, query string, limit int, engines []string, cfg scrape.Config) (*scrape.MetadataResult, error) {
	res := &scrape.MetadataResult{
		Attempts: []scrape.EngineAttempt{
			{Engine: "alpha", Success: false, LatencyMs: 2000, Error: "timeout"},
			{Engine: "beta", Success: false, LatencyMs: 2000, Error: "timeout"},
			{Engine: "gamma", Success: true, Results: 5, LatencyMs: 300},
		},
	}
	for _, u := range []string{
		"https://clima.example/garuva",
		"https://tempo.example/garuva",
		"https://previsao.example/garuva",
		"https://noticias.example/garuva",
		"https://wiki.example/garuva",
	} {
		res.Results = append(res.Results, scrape.Metadata{
			Title: "Clima em Garuva", URL: u, Snippet: "previsão do tempo",
		})
	}
	return res, nil
}

func (threeEngineWorker) ScrapeURLs(ctx context.Context, urls []string) ([]scrape.Content, error) {
	out := make([]scrape.Content, len(urls))
	for i, u := range urls {
		out[i] = scrape.Content{Title: "Clima em Garuva", URL: u, Markdown: longPage("Clima em Garuva")}
	}
	return out, nil
}

func TestEndToEndThreeEngines(t *testing.T) {
	so := search.NewOrchestrator(threeEngineWorker{}, search.Config{
		Engines:     []string{"alpha", "beta", "gamma"},
		MinInterval: 1,
	},
		search.WithLogger(discard()),
		search.WithSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)

	gen := llmmock.New(
		`["clima em garuva hoje"]`,
		`{"sufficient": true}`,
		"Hoje em Garuva o tempo está úmido, com chuva prevista para a tarde.",
	)
	o := New(so, gen, Config{
		FetchPerQuery: 3,
		Condense:      condense.Options{MaxTokens: 2000, Logger: discard()},
	}, WithLogger(discard()))

	state, err := o.Run(context.Background(), "clima em Garuva hoje")
	require.NoError(t, err)

	assert.Equal(t, StepComplete, state.Step)
	assert.NotEmpty(t, state.Answer)
	assert.NotEqual(t, InsufficientContext, state.Answer)
	assert.Len(t, state.Entries, 3, "top 3 scraped pages become knowledge-base entries")
	assert.NotEmpty(t, state.Context)
	assert.LessOrEqual(t, state.Condensed.TotalTokens, 2000)

	alpha := so.Health().Health("alpha")
	beta := so.Health().Health("beta")
	gamma := so.Health().Health("gamma")
	require.NotNil(t, alpha)
	require.NotNil(t, beta)
	require.NotNil(t, gamma)
	assert.Equal(t, 1, alpha.FailureCount)
	assert.Equal(t, 1, beta.FailureCount)
	assert.Equal(t, 1, gamma.SuccessCount)
}
