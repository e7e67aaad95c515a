package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/recherche/llm"
)

// Plan is a decomposed query plus the parser that recovered it, for
// diagnostics on how tolerant the parsing had to be.
type Plan struct {
	Queries []string `json:"queries"`
	// Parser names which stage of the fallback chain produced the queries:
	// "array", "embedded", "keyed:<field>", "first-array", or "fallback".
	Parser string `json:"parser"`
}

const planPrompt = `Break the user's question into focused web search queries.
Return ONLY a JSON array of query strings, most important first. Use the
question's own language. At most %d queries.

Question: %s`

// Decompose asks the model to split query into sub-queries and parses the
// reply tolerantly. Any parsing or generation failure, and any plan that does
// not survive the relevance safety check, falls back to searching the
// original query verbatim.
func (o *Orchestrator) Decompose(ctx context.Context, query string) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fallback := &Plan{Queries: []string{query}, Parser: "fallback"}

	out, err := o.gen.Generate(ctx, llm.Request{
		Prompt:      fmt.Sprintf(planPrompt, o.cfg.MaxSubQueries, query),
		Temperature: 0.3,
		JSON:        true,
	})
	if err != nil {
		o.logger.Warn("plan generation failed, searching the query verbatim",
			"query", query, "error", err)
		return fallback, nil
	}

	plan := parsePlan(out)
	if plan == nil {
		o.logger.Warn("plan reply unparseable, searching the query verbatim",
			"query", query, "reply_len", len(out))
		return fallback, nil
	}

	plan.Queries = o.sanitizeQueries(query, plan.Queries)
	if len(plan.Queries) == 0 {
		o.logger.Warn("plan failed the relevance check, searching the query verbatim",
			"query", query)
		return fallback, nil
	}
	return plan, nil
}

// parsePlan recovers a query list from a model reply, trying progressively
// more tolerant strategies: a bare JSON array, a JSON payload embedded in
// prose, well-known object keys, then any array-valued field.
func parsePlan(out string) *Plan {
	out = strings.TrimSpace(out)

	if qs := parseStringArray([]byte(out)); qs != nil {
		return &Plan{Queries: qs, Parser: "array"}
	}

	payload := extractJSON(out)
	if payload == "" {
		return nil
	}
	if payload != out {
		if qs := parseStringArray([]byte(payload)); qs != nil {
			return &Plan{Queries: qs, Parser: "embedded"}
		}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return nil
	}
	for _, key := range []string{"queries", "plan", "searches", "search_queries", "questions"} {
		if raw, ok := obj[key]; ok {
			if qs := parseStringArray(raw); qs != nil {
				return &Plan{Queries: qs, Parser: "keyed:" + key}
			}
		}
	}
	for _, raw := range obj {
		if qs := parseStringArray(raw); qs != nil {
			return &Plan{Queries: qs, Parser: "first-array"}
		}
	}
	return nil
}

// parseStringArray decodes a JSON array of strings, tolerating arrays of
// objects that carry a "query" or "q" field.
func parseStringArray(raw []byte) []string {
	var qs []string
	if err := json.Unmarshal(raw, &qs); err == nil {
		return dropEmpty(qs)
	}

	var objs []map[string]any
	if err := json.Unmarshal(raw, &objs); err == nil {
		for _, m := range objs {
			for _, key := range []string{"query", "q"} {
				if s, ok := m[key].(string); ok {
					qs = append(qs, s)
					break
				}
			}
		}
		return dropEmpty(qs)
	}
	return nil
}

func dropEmpty(qs []string) []string {
	out := qs[:0:0]
	for _, q := range qs {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// extractJSON returns the first JSON array or object embedded in prose, or
// "" when none is found. Fences and chatter around the payload are common
// with local models.
func extractJSON(s string) string {
	for _, pair := range [][2]byte{{'[', ']'}, {'{', '}'}} {
		start := strings.IndexByte(s, pair[0])
		if start < 0 {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == pair[0]:
				depth++
			case c == pair[1]:
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// sanitizeQueries trims, dedupes, caps, and relevance-checks a plan. A
// sub-query survives only if it shares a significant word (longer than 3
// characters) with the original query, so a model that drifted off-topic
// cannot send the pipeline searching for something unrelated.
func (o *Orchestrator) sanitizeQueries(original string, queries []string) []string {
	significant := significantWords(original)

	var out []string
	seen := make(map[string]bool)
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if seen[key] {
			continue
		}
		if len(significant) > 0 && !sharesWord(key, significant) {
			o.logger.Warn("dropping off-topic sub-query", "sub_query", q)
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) >= o.cfg.MaxSubQueries {
			break
		}
	}
	return out
}

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

func sharesWord(lower string, words []string) bool {
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
