package vision

import (
	"sort"
	"strings"
)

// AffiliateSuggestions returns retailers likely to stock the described
// product, sorted for stable output.
func AffiliateSuggestions(d Description) []string {
	set := make(map[string]bool)
	switch strings.ToLower(d.Category) {
	case "clothing", "shoes", "accessories":
		for _, s := range []string{"Amazon", "Zara", "H&M", "Nike", "Adidas"} {
			set[s] = true
		}
	case "electronics":
		for _, s := range []string{"Amazon", "Best Buy", "Apple Store", "Samsung"} {
			set[s] = true
		}
	case "beauty":
		for _, s := range []string{"Sephora", "Ulta", "Amazon"} {
			set[s] = true
		}
	case "home", "furniture":
		for _, s := range []string{"IKEA", "Amazon", "Wayfair"} {
			set[s] = true
		}
	}

	brand := strings.ToLower(d.Brand)
	switch {
	case strings.Contains(brand, "nike"):
		set["Nike Store"] = true
	case strings.Contains(brand, "adidas"):
		set["Adidas Store"] = true
	case strings.Contains(brand, "apple"):
		set["Apple Store"] = true
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
