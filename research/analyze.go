package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/recherche/condense"
	"github.com/hazyhaar/recherche/llm"
)

const analyzePrompt = `Analyze this search query and return ONLY a JSON object:
{
  "keywords": ["main content words"],
  "entities": [{"name": "...", "type": "place|person|org|other", "confidence": 0.9}],
  "topics": ["broader topics"],
  "synonyms": ["alternative phrasings of the keywords"],
  "temporal_terms": ["time references, if any"],
  "geographic_terms": ["place references, if any"],
  "intent": "factual|howto|news|opinion",
  "language": "two-letter code"
}

Query: %s`

// AnalyzeQuery asks the model for a structured reading of the query to drive
// semantic chunk scoring. Failures are returned to the caller, who treats the
// whole step as best effort.
func (o *Orchestrator) AnalyzeQuery(ctx context.Context, query string) (*condense.QueryContext, error) {
	out, err := o.gen.Generate(ctx, llm.Request{
		Prompt:      fmt.Sprintf(analyzePrompt, query),
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}

	payload := extractJSON(strings.TrimSpace(out))
	if payload == "" {
		return nil, fmt.Errorf("no JSON in analysis reply")
	}
	var qc condense.QueryContext
	if err := json.Unmarshal([]byte(payload), &qc); err != nil {
		return nil, fmt.Errorf("decode analysis reply: %w", err)
	}

	// Always fold in the lexical keywords so a thin model reply still scores.
	qc.Keywords = mergeUnique(qc.Keywords, condense.ExtractKeywords(query))
	qc.Synonyms = mergeUnique(qc.Synonyms, ExpandQuery(query))
	return &qc, nil
}

func mergeUnique(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[strings.ToLower(s)] = true
	}
	for _, s := range extra {
		if k := strings.ToLower(s); !seen[k] {
			seen[k] = true
			base = append(base, s)
		}
	}
	return base
}

// Static synonym table for query expansion. Covers the question vocabulary of
// the client's three languages; anything fancier belongs to the LLM analysis.
var synonyms = map[string][]string{
	// pt
	"clima":    {"tempo", "previsão", "temperatura"},
	"preço":    {"valor", "custo", "quanto custa"},
	"melhor":   {"top", "recomendado"},
	"como":     {"tutorial", "passo a passo"},
	"onde":     {"localização", "endereço"},
	"quando":   {"data", "horário"},
	"notícias": {"últimas", "atualidades"},
	// en
	"weather": {"forecast", "temperature"},
	"price":   {"cost", "how much"},
	"best":    {"top", "recommended"},
	"how":     {"tutorial", "guide"},
	"where":   {"location", "address"},
	"news":    {"latest", "updates"},
	// es
	"tiempo":   {"clima", "pronóstico"},
	"precio":   {"costo", "cuánto cuesta"},
	"mejor":    {"top", "recomendado"},
	"dónde":    {"ubicación", "dirección"},
	"noticias": {"últimas", "actualidad"},
}

// ExpandQuery returns synonym-based expansion terms for a query. The terms
// supplement scoring; they never replace the query sent to the engines.
func ExpandQuery(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:'\"-()[]{}¿¡")
		for _, syn := range synonyms[w] {
			if !seen[syn] {
				seen[syn] = true
				out = append(out, syn)
			}
		}
	}
	return out
}
