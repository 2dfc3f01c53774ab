package scoring

import (
	"fmt"
	"sort"
	"strings"
)

// SuggestionThreshold is the similarity above which a vocabulary entry is
// offered as a correction.
const SuggestionThreshold = 0.7

// Tag length bounds accepted by ValidateTags.
const (
	MinTagLength = 2
	MaxTagLength = 40
)

// synonymGroups lists interchangeable product words.
var synonymGroups = [][]string{
	{"sneakers", "shoes", "trainers"},
	{"tee", "t-shirt", "shirt"},
	{"phone", "smartphone", "iphone"},
	{"bag", "handbag", "purse"},
	{"laptop", "notebook", "computer"},
	{"sofa", "couch"},
	{"glasses", "sunglasses", "eyewear"},
	{"watch", "smartwatch"},
	{"hoodie", "sweatshirt"},
	{"headphones", "earbuds", "headset"},
}

var synonyms = buildSynonyms(synonymGroups)

func buildSynonyms(groups [][]string) map[string][]string {
	m := make(map[string][]string)
	for _, g := range groups {
		for _, w := range g {
			for _, o := range g {
				if o != w {
					m[w] = append(m[w], o)
				}
			}
		}
	}
	return m
}

// ExpandTag returns the tag followed by its singular/plural forms and known
// synonyms, lower-cased and deduped.
func ExpandTag(tag string) []string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return nil
	}
	forms := []string{tag}
	if s := singular(tag); s != tag {
		forms = append(forms, s)
	} else {
		forms = append(forms, plural(tag))
	}

	out := append([]string{}, forms...)
	for _, f := range forms {
		out = append(out, synonyms[f]...)
	}
	return normalizeTags(out)
}

func singular(w string) string {
	switch {
	case len(w) > 3 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "ches"), strings.HasSuffix(w, "shes"),
		strings.HasSuffix(w, "xes"), strings.HasSuffix(w, "sses"):
		return w[:len(w)-2]
	case len(w) > 2 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}

func plural(w string) string {
	switch {
	case strings.HasSuffix(w, "ch"), strings.HasSuffix(w, "sh"),
		strings.HasSuffix(w, "x"), strings.HasSuffix(w, "ss"):
		return w + "es"
	case len(w) > 1 && strings.HasSuffix(w, "y") && !strings.ContainsRune("aeiou", rune(w[len(w)-2])):
		return w[:len(w)-1] + "ies"
	}
	return w + "s"
}

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)), in [0, 1].
// Two empty strings are identical.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Suggestion is a candidate correction for a user tag.
type Suggestion struct {
	Tag        string  `json:"tag"`
	Similarity float64 `json:"similarity"`
}

// SuggestTags returns vocabulary entries whose similarity to tag exceeds
// SuggestionThreshold, best first. An exact match yields no suggestions.
func SuggestTags(tag string, vocabulary []string) []Suggestion {
	tag = strings.ToLower(strings.TrimSpace(tag))
	var out []Suggestion
	seen := make(map[string]bool)
	for _, v := range vocabulary {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		if v == tag {
			return nil
		}
		if s := Similarity(tag, v); s > SuggestionThreshold {
			out = append(out, Suggestion{Tag: v, Similarity: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}

// Vocabulary collects the distinct lower-cased words of the synonym table and
// the given catalog keywords, sorted.
func Vocabulary(extra ...[]string) []string {
	set := make(map[string]bool)
	for _, g := range synonymGroups {
		for _, w := range g {
			set[w] = true
		}
	}
	for _, list := range extra {
		for _, w := range list {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				set[w] = true
			}
		}
	}
	return sortedKeys(set)
}

// InvalidTag reports a rejected user tag.
type InvalidTag struct {
	Tag    string `json:"tag"`
	Reason string `json:"reason"`
}

func (e InvalidTag) Error() string {
	return fmt.Sprintf("scoring: invalid tag %q: %s", e.Tag, e.Reason)
}

// ValidateTags normalizes user tags and separates out the unusable ones.
func ValidateTags(tags []string) (valid []string, invalid []InvalidTag) {
	seen := make(map[string]bool)
	for _, raw := range tags {
		t := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
		switch {
		case t == "":
			continue
		case len([]rune(t)) < MinTagLength:
			invalid = append(invalid, InvalidTag{Tag: raw, Reason: "too short"})
		case len([]rune(t)) > MaxTagLength:
			invalid = append(invalid, InvalidTag{Tag: raw, Reason: "too long"})
		case seen[t]:
		default:
			seen[t] = true
			valid = append(valid, t)
		}
	}
	return valid, invalid
}
