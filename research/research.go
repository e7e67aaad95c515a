// Package research drives the deep-research pipeline: plan a query into
// sub-queries, search and scrape for each, aggregate the findings into a
// condensed context, validate it, and formulate a final answer.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/recherche/condense"
	"github.com/hazyhaar/recherche/llm"
	"github.com/hazyhaar/recherche/search"
)

// Pipeline steps, in order of progression.
const (
	StepIdle        = "idle"
	StepPlanning    = "planning"
	StepSearching   = "searching"
	StepAggregating = "aggregating"
	StepValidating  = "validating"
	StepFormulating = "formulating"
	StepComplete    = "complete"
	StepError       = "error"
)

// InsufficientContext is the answer given when the consulted sources did not
// yield enough usable context.
const InsufficientContext = "Não há informações suficientes nas fontes consultadas para responder a esta pergunta."

// Entry is one knowledge-base item gathered during the searching step.
type Entry struct {
	Query   string `json:"query"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// State is a snapshot of one research session's progress.
type State struct {
	SessionID  string            `json:"session_id,omitempty"`
	Step       string            `json:"step"`
	Query      string            `json:"query"`
	SubQueries []string          `json:"sub_queries,omitempty"`
	Entries    []Entry           `json:"entries,omitempty"`
	Context    string            `json:"context,omitempty"`
	Condensed  *condense.Result  `json:"condensed,omitempty"`
	Validation *ValidationReport `json:"validation,omitempty"`
	Answer     string            `json:"answer,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
}

// Searcher is the slice of the search orchestrator the pipeline needs.
// Satisfied by *search.Orchestrator.
type Searcher interface {
	SmartSearchRAG(ctx context.Context, query string, limit, fetchTop, round int) (*search.Response, error)
}

// Config tunes the research pipeline. Zero values take defaults.
type Config struct {
	// MaxSubQueries caps the plan size.
	MaxSubQueries int `yaml:"max_sub_queries"`
	// ResultsPerQuery is the metadata limit per sub-query.
	ResultsPerQuery int `yaml:"results_per_query"`
	// FetchPerQuery is how many top results get scraped per sub-query.
	FetchPerQuery int `yaml:"fetch_per_query"`
	// MinContextChars is the validation floor for a usable context.
	MinContextChars int `yaml:"min_context_chars"`
	// MaxSearchRounds caps the escalation loop: when a pass over the plan
	// gathers nothing, the original query is retried with a higher round
	// number (and so tighter search timeouts) up to this many rounds.
	MaxSearchRounds int `yaml:"max_search_rounds"`
	// Condense carries the chunk-selection options.
	Condense condense.Options `yaml:"-"`
	// ContextualAnalysis toggles the LLM query-analysis step. Best effort:
	// failures never stop the pipeline.
	ContextualAnalysis bool `yaml:"contextual_analysis"`
}

func (c *Config) defaults() {
	if c.MaxSubQueries <= 0 {
		c.MaxSubQueries = 5
	}
	if c.ResultsPerQuery <= 0 {
		c.ResultsPerQuery = 10
	}
	if c.FetchPerQuery <= 0 {
		c.FetchPerQuery = 3
	}
	if c.MinContextChars <= 0 {
		c.MinContextChars = 100
	}
	if c.MaxSearchRounds <= 0 {
		c.MaxSearchRounds = 2
	}
}

// Orchestrator runs research sessions. One session at a time; Run resets the
// previous session's state. Thread-safe.
type Orchestrator struct {
	searcher Searcher
	gen      llm.Generator
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	mu    sync.Mutex
	state State
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.now = fn }
}

// WithIDGenerator sets a custom session-ID generator (for testing).
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// New wires a research orchestrator.
func New(searcher Searcher, gen llm.Generator, cfg Config, opts ...Option) *Orchestrator {
	cfg.defaults()
	o := &Orchestrator{
		searcher: searcher,
		gen:      gen,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		state:    State{Step: StepIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns a snapshot of the current session.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	s.SubQueries = append([]string(nil), s.SubQueries...)
	s.Entries = append([]Entry(nil), s.Entries...)
	return s
}

// Reset discards the current session and returns to idle.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = State{Step: StepIdle}
}

func (o *Orchestrator) entryCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.state.Entries)
}

func (o *Orchestrator) setStep(step string) {
	o.mu.Lock()
	o.state.Step = step
	o.mu.Unlock()
	o.logger.Info("research step", "step", step)
}

func (o *Orchestrator) fail(err error) (State, error) {
	o.mu.Lock()
	o.state.Step = StepError
	o.state.Error = err.Error()
	o.state.FinishedAt = o.now()
	s := o.state
	o.mu.Unlock()
	o.logger.Error("research failed", "query", s.Query, "error", err)
	return s, err
}

// Run executes the full pipeline for query and returns the final state. The
// returned error is non-nil only for pipeline-level failures (cancellation,
// generation errors); exhausted searches degrade the answer instead.
func (o *Orchestrator) Run(ctx context.Context, query string) (State, error) {
	o.mu.Lock()
	o.state = State{
		SessionID: o.newID(),
		Step:      StepPlanning,
		Query:     query,
		StartedAt: o.now(),
	}
	o.mu.Unlock()

	// Planning: decompose plus optional contextual analysis.
	plan, err := o.Decompose(ctx, query)
	if err != nil {
		return o.fail(fmt.Errorf("planning: %w", err))
	}
	o.mu.Lock()
	o.state.SubQueries = plan.Queries
	o.mu.Unlock()
	o.logger.Info("research plan ready",
		"query", query, "sub_queries", len(plan.Queries), "parser", plan.Parser)

	var qctx *condense.QueryContext
	if o.cfg.ContextualAnalysis {
		// Best effort: analysis failures never stop the pipeline.
		if qc, err := o.AnalyzeQuery(ctx, query); err != nil {
			o.logger.Warn("contextual analysis failed, continuing without it",
				"query", query, "error", err)
		} else {
			qctx = qc
		}
	}

	// Searching: run every sub-query, accumulate the knowledge base.
	o.setStep(StepSearching)
	for _, sq := range plan.Queries {
		if err := ctx.Err(); err != nil {
			return o.fail(err)
		}
		resp, err := o.searcher.SmartSearchRAG(ctx, sq, o.cfg.ResultsPerQuery, o.cfg.FetchPerQuery, 1)
		if err != nil {
			return o.fail(fmt.Errorf("search %q: %w", sq, err))
		}
		o.AddToKnowledgeBase(sq, resp)
	}

	// Escalation rounds: a pass that gathered nothing gets retried with the
	// original query under tighter timeouts before the session gives up.
	for round := 2; round <= o.cfg.MaxSearchRounds && o.entryCount() == 0; round++ {
		if err := ctx.Err(); err != nil {
			return o.fail(err)
		}
		o.logger.Warn("search round gathered nothing, escalating",
			"query", query, "round", round)
		resp, err := o.searcher.SmartSearchRAG(ctx, query, o.cfg.ResultsPerQuery, o.cfg.FetchPerQuery, round)
		if err != nil {
			return o.fail(fmt.Errorf("search %q: %w", query, err))
		}
		o.AddToKnowledgeBase(query, resp)
	}

	// Aggregating: condense the knowledge base into a bounded context.
	o.setStep(StepAggregating)
	o.mu.Lock()
	entries := append([]Entry(nil), o.state.Entries...)
	o.mu.Unlock()

	docs := make([]condense.Document, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, condense.Document{URL: e.URL, Title: e.Title, Content: e.Content})
	}
	condensed := condense.Condense(docs, query, o.cfg.Condense, qctx)
	o.mu.Lock()
	o.state.Condensed = condensed
	o.state.Context = condensed.Context
	o.mu.Unlock()

	// Validating: refuse to formulate when the context is near-empty or the
	// model judges it insufficient.
	o.setStep(StepValidating)
	report := o.Validate(ctx, query, condensed)
	o.mu.Lock()
	o.state.Validation = report
	o.mu.Unlock()
	if !report.Sufficient {
		o.logger.Warn("context failed validation",
			"query", query, "chars", len(condensed.Context), "missing", report.Missing)
		return o.finish(InsufficientContext), nil
	}

	// Formulating: synthesize the final answer from the context.
	o.setStep(StepFormulating)
	answer, err := o.Formulate(ctx, query, condensed.Context)
	if err != nil {
		return o.fail(fmt.Errorf("formulating: %w", err))
	}
	return o.finish(answer), nil
}

func (o *Orchestrator) finish(answer string) State {
	o.mu.Lock()
	o.state.Step = StepComplete
	o.state.Answer = answer
	o.state.FinishedAt = o.now()
	s := o.state
	o.mu.Unlock()
	return s
}

// AddToKnowledgeBase folds one search response into the session's entries.
// Scraped contents are preferred; metadata-only results contribute their
// snippets so a degraded search still leaves a trace. Duplicate URLs are
// dropped.
func (o *Orchestrator) AddToKnowledgeBase(query string, resp *search.Response) {
	if resp == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	seen := make(map[string]bool, len(o.state.Entries))
	for _, e := range o.state.Entries {
		seen[e.URL] = true
	}
	add := func(e Entry) {
		if e.URL == "" || seen[e.URL] || e.Content == "" {
			return
		}
		seen[e.URL] = true
		o.state.Entries = append(o.state.Entries, e)
	}

	for _, c := range resp.Contents {
		body := c.Markdown
		if body == "" {
			body = c.Content
		}
		add(Entry{Query: query, URL: c.URL, Title: c.Title, Content: body})
	}
	if len(resp.Contents) == 0 {
		for _, m := range resp.Results {
			add(Entry{Query: query, URL: m.URL, Title: m.Title, Content: m.Snippet})
		}
	}
}
