package vision

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// fallbackConfidence is assigned to answers recovered by keyword scanning.
const fallbackConfidence = 0.5

// brandHints maps a substring of a free-text answer to a product name.
var brandHints = []struct{ needle, name, brand string }{
	{"nike", "Nike Product", "Nike"},
	{"adidas", "Adidas Product", "Adidas"},
	{"iphone", "iPhone", "Apple"},
	{"samsung", "Samsung Product", "Samsung"},
}

// flexFloat accepts both 0.8 and "0.8".
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// rawAnswer is the JSON shape requested from the model.
type rawAnswer struct {
	ProductName      string    `json:"product_name"`
	Category         string    `json:"category"`
	Confidence       flexFloat `json:"confidence"`
	Description      string    `json:"description"`
	Brand            string    `json:"brand"`
	Color            string    `json:"color"`
	Keywords         []string  `json:"keywords"`
	SuggestedQueries []string  `json:"suggested_queries"`
}

// ParseDescription extracts the first JSON object from a model answer. When no
// valid object is present it falls back to keyword scanning, so an answer is
// only rejected when the text is empty.
func ParseDescription(text string) (Description, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Description{}, fmt.Errorf("vision: empty answer")
	}

	if obj, ok := extractObject(text); ok {
		var raw rawAnswer
		if err := json.Unmarshal([]byte(obj), &raw); err == nil {
			return fromRaw(raw), nil
		}
	}
	return scanKeywords(text), nil
}

// extractObject returns the span from the first '{' to the last '}'.
func extractObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func fromRaw(raw rawAnswer) Description {
	d := Description{
		ProductName: strings.TrimSpace(raw.ProductName),
		Category:    strings.ToLower(strings.TrimSpace(raw.Category)),
		Brand:       strings.TrimSpace(raw.Brand),
		Color:       strings.TrimSpace(raw.Color),
		Summary:     strings.TrimSpace(raw.Description),
		Confidence:  clamp01(float64(raw.Confidence)),
	}
	if d.ProductName == "" {
		d.ProductName = "Unknown"
	}
	if d.Category == "" {
		d.Category = "unknown"
	}
	d.Keywords = dedupeLower(append(append([]string{}, raw.Keywords...), raw.SuggestedQueries...))
	return d
}

// scanKeywords recovers a coarse description from free text.
func scanKeywords(text string) Description {
	lower := strings.ToLower(text)
	d := Description{ProductName: "Unknown", Category: "unknown", Confidence: fallbackConfidence}
	for _, h := range brandHints {
		if strings.Contains(lower, h.needle) {
			d.ProductName = h.name
			d.Brand = h.brand
			break
		}
	}
	for _, c := range Categories {
		if strings.Contains(lower, c) {
			d.Category = c
			break
		}
	}
	if len(text) > 200 {
		d.Summary = text[:200] + "..."
	} else {
		d.Summary = text
	}
	d.Keywords = dedupeLower([]string{d.ProductName, d.Category})
	return d
}

func dedupeLower(in []string) []string {
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

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
