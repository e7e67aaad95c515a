package research

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/recherche/llm"
	llmmock "github.com/hazyhaar/recherche/llm/mock"
)

func planOrchestrator(gen llm.Generator) *Orchestrator {
	return New(nil, gen, Config{},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestParsePlanFallbackChain(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		queries []string
		parser  string
	}{
		{
			name:    "bare array",
			reply:   `["clima garuva hoje", "previsão garuva"]`,
			queries: []string{"clima garuva hoje", "previsão garuva"},
			parser:  "array",
		},
		{
			name:    "array embedded in prose",
			reply:   "Here is the plan:\n```json\n[\"clima garuva\"]\n```\nGood luck!",
			queries: []string{"clima garuva"},
			parser:  "embedded",
		},
		{
			name:    "queries key",
			reply:   `{"queries": ["clima garuva", "garuva temperatura"]}`,
			queries: []string{"clima garuva", "garuva temperatura"},
			parser:  "keyed:queries",
		},
		{
			name:    "plan key",
			reply:   `{"plan": ["clima garuva"]}`,
			queries: []string{"clima garuva"},
			parser:  "keyed:plan",
		},
		{
			name:    "search_queries key",
			reply:   `{"search_queries": ["clima garuva"]}`,
			queries: []string{"clima garuva"},
			parser:  "keyed:search_queries",
		},
		{
			name:    "questions key",
			reply:   `{"questions": ["clima garuva"]}`,
			queries: []string{"clima garuva"},
			parser:  "keyed:questions",
		},
		{
			name:    "unknown key with array value",
			reply:   `{"steps": ["clima garuva"]}`,
			queries: []string{"clima garuva"},
			parser:  "first-array",
		},
		{
			name:    "array of query objects",
			reply:   `[{"query": "clima garuva"}, {"query": "garuva previsão"}]`,
			queries: []string{"clima garuva", "garuva previsão"},
			parser:  "array",
		},
		{
			name:  "no JSON at all",
			reply: "I cannot help with that.",
		},
		{
			name:  "object without arrays",
			reply: `{"answer": "Garuva is in Santa Catarina"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := parsePlan(tt.reply)
			if tt.queries == nil {
				assert.Nil(t, plan)
				return
			}
			require.NotNil(t, plan)
			assert.Equal(t, tt.queries, plan.Queries)
			assert.Equal(t, tt.parser, plan.Parser)
		})
	}
}

func TestDecomposeSafetyCheckFallsBackToOriginal(t *testing.T) {
	// The model drifts off-topic: none of the sub-queries mention the
	// question's significant words, so the plan is discarded wholesale.
	gen := llmmock.New(`["capitais do brasil", "cidades do sul", "geografia regional"]`)
	o := planOrchestrator(gen)

	plan, err := o.Decompose(context.Background(), "Onde fica Garuva?")
	require.NoError(t, err)
	assert.Equal(t, []string{"Onde fica Garuva?"}, plan.Queries)
	assert.Equal(t, "fallback", plan.Parser)
}

func TestDecomposeKeepsOnTopicDropsOffTopic(t *testing.T) {
	gen := llmmock.New(`["onde fica garuva", "mapa do brasil", "garuva santa catarina"]`)
	o := planOrchestrator(gen)

	plan, err := o.Decompose(context.Background(), "Onde fica Garuva?")
	require.NoError(t, err)
	assert.Equal(t, []string{"onde fica garuva", "garuva santa catarina"}, plan.Queries)
}

func TestDecomposeGenerationErrorFallsBack(t *testing.T) {
	gen := (&llmmock.Generator{}).Script(llmmock.Response{Err: errors.New("model offline")})
	o := planOrchestrator(gen)

	plan, err := o.Decompose(context.Background(), "Onde fica Garuva?")
	require.NoError(t, err)
	assert.Equal(t, []string{"Onde fica Garuva?"}, plan.Queries)
	assert.Equal(t, "fallback", plan.Parser)
}

func TestDecomposeCapsAndDedupes(t *testing.T) {
	gen := llmmock.New(`["garuva 1", "garuva 1", "garuva 2", "garuva 3", "garuva 4", "garuva 5", "garuva 6"]`)
	o := New(nil, gen, Config{MaxSubQueries: 3},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	plan, err := o.Decompose(context.Background(), "noticias de garuva")
	require.NoError(t, err)
	assert.Equal(t, []string{"garuva 1", "garuva 2", "garuva 3"}, plan.Queries)
}

func TestExpandQuery(t *testing.T) {
	terms := ExpandQuery("Clima em Garuva hoje")
	assert.Contains(t, terms, "previsão")
	assert.Contains(t, terms, "temperatura")

	assert.Empty(t, ExpandQuery("xyzzy plugh"))
}
