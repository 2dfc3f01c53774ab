// Package scoring ranks catalog products against described objects.
//
// The engine is pure: the same descriptions, catalog and user tags always
// produce the same matches in the same order.
package scoring

import (
	"sort"
	"strings"

	"github.com/lokalhq/lokal/internal/catalog"
	"github.com/lokalhq/lokal/internal/config"
	"github.com/lokalhq/lokal/internal/vision"
)

// Default weights.
const (
	ExactUserTagWeight   = 20.0
	ExactTermWeight      = 15.0
	PartialUserTagWeight = 8.0
	PartialTermWeight    = 5.0
	CategoryWeight       = 3.0
	HighRatingBonus      = 2.0
	HighRatingThreshold  = 4.5
	MinScore             = 5.0
	MinPartialLength     = 4
	TopNPerObject        = 3
	TopNOverall          = 10

	UserTagBlend    = 0.4
	SearchTermBlend = 0.3
	DetectorBlend   = 0.3
)

// Weights holds every tunable of the engine.
type Weights struct {
	ExactUserTag        float64
	ExactTerm           float64
	PartialUserTag      float64
	PartialTerm         float64
	Category            float64
	HighRatingBonus     float64
	HighRatingThreshold float64
	MinScore            float64
	MinPartialLength    int
	TopNPerObject       int
	TopNOverall         int

	UserTagBlend    float64
	SearchTermBlend float64
	DetectorBlend   float64
}

// DefaultWeights returns the production weights.
func DefaultWeights() Weights {
	return Weights{
		ExactUserTag:        ExactUserTagWeight,
		ExactTerm:           ExactTermWeight,
		PartialUserTag:      PartialUserTagWeight,
		PartialTerm:         PartialTermWeight,
		Category:            CategoryWeight,
		HighRatingBonus:     HighRatingBonus,
		HighRatingThreshold: HighRatingThreshold,
		MinScore:            MinScore,
		MinPartialLength:    MinPartialLength,
		TopNPerObject:       TopNPerObject,
		TopNOverall:         TopNOverall,
		UserTagBlend:        UserTagBlend,
		SearchTermBlend:     SearchTermBlend,
		DetectorBlend:       DetectorBlend,
	}
}

// WeightsFromConfig applies the configured overrides to the defaults. Fields
// left unset in config keep their default; an explicit zero is honored.
func WeightsFromConfig(c config.ScoringConfig) Weights {
	w := DefaultWeights()
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setI := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setF(&w.ExactUserTag, c.ExactUserTagWeight)
	setF(&w.ExactTerm, c.ExactTermWeight)
	setF(&w.PartialUserTag, c.PartialUserTagWeight)
	setF(&w.PartialTerm, c.PartialTermWeight)
	setF(&w.Category, c.CategoryWeight)
	setF(&w.HighRatingBonus, c.HighRatingBonus)
	setF(&w.HighRatingThreshold, c.HighRatingThreshold)
	setF(&w.MinScore, c.MinScore)
	setI(&w.MinPartialLength, c.MinPartialLength)
	setI(&w.TopNPerObject, c.TopNPerObject)
	setI(&w.TopNOverall, c.TopNOverall)
	setF(&w.UserTagBlend, c.UserTagBlend)
	setF(&w.SearchTermBlend, c.SearchTermBlend)
	setF(&w.DetectorBlend, c.DetectorBlend)
	return w
}

// Input is one described object offered to the matcher.
type Input struct {
	TrackID          int
	ClassName        string
	ObjectConfidence float64
	Description      vision.Description
}

// Match pairs an object with a catalog product.
type Match struct {
	TrackID            int             `json:"track_id"`
	ClassName          string          `json:"class_name"`
	Product            catalog.Product `json:"product"`
	Score              float64         `json:"score"`
	UserTagScore       float64         `json:"user_tag_score"`
	SearchTermScore    float64         `json:"search_term_score"`
	EnhancedConfidence float64         `json:"enhanced_confidence"`
	MatchedTags        []string        `json:"matched_tags"`
	Retailers          []string        `json:"retailers,omitempty"`
}

// Result is the output of Engine.Match.
type Result struct {
	PerObject       map[int][]Match `json:"per_object"`
	Recommendations []Match         `json:"recommendations"`
}

// Engine scores descriptions against a catalog.
type Engine struct {
	w Weights
}

// NewEngine returns an engine using w.
func NewEngine(w Weights) *Engine {
	return &Engine{w: w}
}

// Weights returns the engine's weights.
func (e *Engine) Weights() Weights { return e.w }

// Match scores every (input, product) pair and ranks the survivors.
func (e *Engine) Match(inputs []Input, products []catalog.Product, userTags []string) Result {
	tags := normalizeTags(userTags)
	expanded := make([][]string, len(tags))
	for i, t := range tags {
		expanded[i] = ExpandTag(t)
	}

	res := Result{PerObject: make(map[int][]Match)}
	var pool []Match
	for _, in := range inputs {
		terms := withoutTags(DetectorTerms(in), expanded)
		retailers := vision.AffiliateSuggestions(in.Description)
		var matches []Match
		for _, p := range products {
			m, ok := e.score(in, terms, tags, expanded, p)
			if !ok {
				continue
			}
			m.Retailers = retailers
			matches = append(matches, m)
		}
		Rank(matches)
		if n := e.w.TopNPerObject; n > 0 && len(matches) > n {
			matches = matches[:n]
		}
		if len(matches) > 0 {
			res.PerObject[in.TrackID] = matches
			pool = append(pool, matches...)
		}
	}

	res.Recommendations = e.overall(pool)
	return res
}

// overall keeps the best match per product across all objects.
func (e *Engine) overall(pool []Match) []Match {
	Rank(pool)
	seen := make(map[string]bool, len(pool))
	out := make([]Match, 0, len(pool))
	for _, m := range pool {
		if seen[m.Product.ID] {
			continue
		}
		seen[m.Product.ID] = true
		out = append(out, m)
		if e.w.TopNOverall > 0 && len(out) == e.w.TopNOverall {
			break
		}
	}
	return out
}

func (e *Engine) score(in Input, terms, tags []string, expanded [][]string, p catalog.Product) (Match, bool) {
	pf := newProductFields(p)
	matched := make(map[string]bool)

	var termPoints float64
	for _, t := range terms {
		switch {
		case pf.exact(t):
			termPoints += e.w.ExactTerm
			matched[t] = true
		case pf.partial(t, e.w.MinPartialLength):
			termPoints += e.w.PartialTerm
			matched[t] = true
		}
		if pf.inCategory(t, e.w.MinPartialLength) {
			termPoints += e.w.Category
		}
	}

	var tagPoints float64
	for i, tag := range tags {
		variants := expanded[i]
		switch {
		case anyOf(variants, pf.exact):
			tagPoints += e.w.ExactUserTag
			matched[tag] = true
		case anyOf(variants, func(v string) bool { return pf.partial(v, e.w.MinPartialLength) }):
			tagPoints += e.w.PartialUserTag
			matched[tag] = true
		}
		if anyOf(variants, func(v string) bool { return pf.inCategory(v, e.w.MinPartialLength) }) {
			tagPoints += e.w.Category
		}
	}

	score := termPoints + tagPoints
	if p.Rating >= e.w.HighRatingThreshold {
		score += e.w.HighRatingBonus
	}
	if score <= e.w.MinScore {
		return Match{}, false
	}

	var userTagScore float64
	if len(tags) > 0 && e.w.ExactUserTag > 0 {
		userTagScore = min(1, tagPoints/(float64(len(tags))*e.w.ExactUserTag))
	}
	var searchTermScore float64
	if e.w.ExactTerm > 0 {
		searchTermScore = min(1, termPoints/(e.w.ExactTerm*float64(max(1, len(terms)))))
	}
	detector := clamp01(in.Description.Confidence * in.ObjectConfidence)

	return Match{
		TrackID:            in.TrackID,
		ClassName:          in.ClassName,
		Product:            p,
		Score:              score,
		UserTagScore:       userTagScore,
		SearchTermScore:    searchTermScore,
		EnhancedConfidence: e.w.UserTagBlend*userTagScore + e.w.SearchTermBlend*searchTermScore + e.w.DetectorBlend*detector,
		MatchedTags:        sortedKeys(matched),
	}, true
}

// Rank sorts matches by score desc, rating desc, product id asc, track id asc.
func Rank(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Product.Rating != b.Product.Rating {
			return a.Product.Rating > b.Product.Rating
		}
		if a.Product.ID != b.Product.ID {
			return a.Product.ID < b.Product.ID
		}
		return a.TrackID < b.TrackID
	})
}

// productFields is a lower-cased view of the searchable product fields.
type productFields struct {
	title    string
	brand    string
	category string
	keywords []string
}

func newProductFields(p catalog.Product) productFields {
	pf := productFields{
		title:    strings.ToLower(p.Title),
		brand:    strings.ToLower(strings.TrimSpace(p.Brand)),
		category: strings.ToLower(strings.TrimSpace(p.Category)),
	}
	for _, k := range p.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			pf.keywords = append(pf.keywords, k)
		}
	}
	return pf
}

// exact: term appears in the title, in a keyword, or equals the brand.
func (pf productFields) exact(term string) bool {
	if strings.Contains(pf.title, term) {
		return true
	}
	if pf.brand != "" && pf.brand == term {
		return true
	}
	for _, k := range pf.keywords {
		if strings.Contains(k, term) {
			return true
		}
	}
	return false
}

// partial: term and keyword overlap without the keyword containing the term.
// Both must reach minLen.
func (pf productFields) partial(term string, minLen int) bool {
	if len(term) < minLen {
		return false
	}
	for _, k := range pf.keywords {
		if len(k) >= minLen && k != term && strings.Contains(term, k) {
			return true
		}
	}
	return false
}

func (pf productFields) inCategory(term string, minLen int) bool {
	if pf.category == "" {
		return false
	}
	if term == pf.category {
		return true
	}
	if len(term) < minLen || len(pf.category) < minLen {
		return false
	}
	return strings.Contains(term, pf.category) || strings.Contains(pf.category, term)
}

// withoutTags drops terms already covered by a user tag so each member of
// the combined term set scores once, at user-tag weight.
func withoutTags(terms []string, expanded [][]string) []string {
	if len(expanded) == 0 {
		return terms
	}
	covered := make(map[string]bool)
	for _, variants := range expanded {
		for _, v := range variants {
			covered[v] = true
		}
	}
	out := terms[:0:0]
	for _, t := range terms {
		if !covered[t] {
			out = append(out, t)
		}
	}
	return out
}

// DetectorTerms builds the machine-derived search terms for an input.
func DetectorTerms(in Input) []string {
	d := in.Description
	raw := []string{in.ClassName, d.ProductName, d.Category, d.Brand}
	raw = append(raw, d.Keywords...)
	return normalizeTags(raw)
}

// normalizeTags lower-cases, trims and dedupes, dropping empties and
// "unknown", preserving first-seen order.
func normalizeTags(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || s == "unknown" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func anyOf(vs []string, pred func(string) bool) bool {
	for _, v := range vs {
		if pred(v) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
