package condense

import (
	"sort"
	"strings"
)

// Stop words filtered from queries before keyword matching. The chat client
// ships in Portuguese, English, and Spanish, so all three sets apply.
var stopWords = map[string]bool{
	// en
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "is": true, "are": true, "was": true, "what": true,
	"when": true, "where": true, "which": true, "how": true, "who": true,
	// pt
	"o": true, "os": true, "as": true, "um": true, "uma": true, "de": true,
	"do": true, "da": true, "dos": true, "das": true, "em": true, "no": true,
	"na": true, "nos": true, "nas": true, "para": true, "por": true, "com": true,
	"sem": true, "que": true, "qual": true, "quais": true, "onde": true,
	"quando": true, "como": true, "quem": true, "fica": true, "ser": true,
	// es
	"el": true, "la": true, "los": true, "las": true, "del": true, "una": true,
	"donde": true, "cual": true,
}

// ExtractKeywords lowercases, strips punctuation, and drops stop words and
// words shorter than 3 characters.
func ExtractKeywords(query string) []string {
	var kws []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:'\"-()[]{}¿¡")
		if len(w) >= 3 && !stopWords[w] {
			kws = append(kws, w)
		}
	}
	return kws
}

// Similarity scores a chunk against a query lexically, in [0,1]:
// 60% keyword coverage, 30% keyword frequency (capped at 2x, normalized),
// 10% size normalization favouring compact chunks.
func Similarity(query, text string) float64 {
	keywords := ExtractKeywords(query)
	if len(keywords) == 0 || text == "" {
		return 0
	}
	lower := strings.ToLower(text)

	matched := 0
	occurrences := 0
	for _, kw := range keywords {
		n := strings.Count(lower, kw)
		if n > 0 {
			matched++
			occurrences += n
		}
	}

	coverage := float64(matched) / float64(len(keywords))

	freq := float64(occurrences) / float64(len(keywords))
	if freq > 2 {
		freq = 2
	}
	freq /= 2

	size := 1000.0 / float64(len(text))
	if size > 1 {
		size = 1
	}

	score := 0.6*coverage + 0.3*freq + 0.1*size
	return clamp01(score)
}

// Entity is a named entity recognised during contextual query analysis.
type Entity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type,omitempty"`
	Confidence float64 `json:"confidence"`
}

// QueryContext is the optional analyzed-query context produced by the LLM
// contextual analysis step. Empty fields simply drop out of scoring rather
// than penalising a chunk.
type QueryContext struct {
	Keywords        []string `json:"keywords"`
	Entities        []Entity `json:"entities"`
	Topics          []string `json:"topics"`
	Synonyms        []string `json:"synonyms"`
	TemporalTerms   []string `json:"temporal_terms"`
	GeographicTerms []string `json:"geographic_terms"`
	Intent          string   `json:"intent,omitempty"`
	Language        string   `json:"language,omitempty"`
}

// SemanticSimilarity scores a chunk against an analyzed query context.
// Component weights: keywords 0.3, entities 0.3 (confidence-weighted),
// topics 0.2 (partial match, at least half of a topic's words), synonyms 0.1
// (contribution capped at 0.5), temporal/geographic terms 0.1. The score is
// normalized by the weights of the components actually present in ctx.
func SemanticSimilarity(ctx *QueryContext, text string) float64 {
	if ctx == nil || text == "" {
		return 0
	}
	lower := strings.ToLower(text)

	var score, applied float64

	if len(ctx.Keywords) > 0 {
		matched := 0
		for _, kw := range ctx.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				matched++
			}
		}
		score += 0.3 * float64(matched) / float64(len(ctx.Keywords))
		applied += 0.3
	}

	if len(ctx.Entities) > 0 {
		var got, total float64
		for _, e := range ctx.Entities {
			conf := e.Confidence
			if conf <= 0 {
				conf = 0.5
			}
			total += conf
			if strings.Contains(lower, strings.ToLower(e.Name)) {
				got += conf
			}
		}
		if total > 0 {
			score += 0.3 * got / total
		}
		applied += 0.3
	}

	if len(ctx.Topics) > 0 {
		matched := 0
		for _, topic := range ctx.Topics {
			words := strings.Fields(strings.ToLower(topic))
			if len(words) == 0 {
				continue
			}
			hit := 0
			for _, w := range words {
				if strings.Contains(lower, w) {
					hit++
				}
			}
			if hit*2 >= len(words) {
				matched++
			}
		}
		score += 0.2 * float64(matched) / float64(len(ctx.Topics))
		applied += 0.2
	}

	if len(ctx.Synonyms) > 0 {
		matched := 0
		for _, syn := range ctx.Synonyms {
			if strings.Contains(lower, strings.ToLower(syn)) {
				matched++
			}
		}
		part := float64(matched) / float64(len(ctx.Synonyms))
		if part > 0.5 {
			part = 0.5
		}
		score += 0.1 * part
		applied += 0.1
	}

	contextual := append(append([]string{}, ctx.TemporalTerms...), ctx.GeographicTerms...)
	if len(contextual) > 0 {
		matched := 0
		for _, term := range contextual {
			if strings.Contains(lower, strings.ToLower(term)) {
				matched++
			}
		}
		score += 0.1 * float64(matched) / float64(len(contextual))
		applied += 0.1
	}

	if applied == 0 {
		return 0
	}
	return clamp01(score / applied)
}

// CombinedSimilarity blends lexical and semantic scores (60/40) when a query
// context is available, and falls back to pure lexical scoring otherwise.
func CombinedSimilarity(query, text string, ctx *QueryContext) float64 {
	lex := Similarity(query, text)
	if ctx == nil {
		return lex
	}
	return clamp01(0.6*lex + 0.4*SemanticSimilarity(ctx, text))
}

// minPartialRoom is the smallest leftover character budget worth filling with
// a truncated chunk during selection.
const minPartialRoom = 200

// ScoreAndSelect scores every chunk against the query, filters by minScore
// (when > 0), sorts by score descending, and greedily accepts chunks while
// the running len/4 token estimate stays under maxTokens. If the top chunk
// alone busts the budget and nothing was accepted yet, a truncated version is
// accepted instead of returning empty-handed. Selection stops once a chunk
// would overflow and fewer than 200 characters of room remain.
func ScoreAndSelect(chunks []Chunk, query string, maxTokens int, minScore float64, ctx *QueryContext) []Chunk {
	if len(chunks) == 0 || maxTokens <= 0 {
		return nil
	}

	scored := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		c.Score = CombinedSimilarity(query, c.Content, ctx)
		if minScore > 0 && c.Score < minScore {
			continue
		}
		scored = append(scored, c)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	var selected []Chunk
	used := 0
	for _, c := range scored {
		tokens := EstimateTokens(c.Content)
		if used+tokens <= maxTokens {
			selected = append(selected, c)
			used += tokens
			continue
		}

		room := (maxTokens - used) * 4
		if len(selected) == 0 {
			// Never return empty-handed: truncate the best chunk to fit.
			c.Content = safeCut(c.Content, maxTokens*4)
			c.EndIndex = c.StartIndex + len(c.Content)
			selected = append(selected, c)
			used += EstimateTokens(c.Content)
			continue
		}
		if room > minPartialRoom {
			c.Content = safeCut(c.Content, room)
			c.EndIndex = c.StartIndex + len(c.Content)
			selected = append(selected, c)
			used = maxTokens
		}
		break
	}
	return selected
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
