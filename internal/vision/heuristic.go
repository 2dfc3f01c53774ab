package vision

import (
	"context"
	"strings"
)

// heuristicConfidence is the confidence reported for class-name descriptions.
const heuristicConfidence = 0.3

var classCategories = map[string]string{
	"sneakers": "shoes", "shoe": "shoes", "shoes": "shoes", "boot": "shoes", "boots": "shoes", "sandal": "shoes",
	"handbag": "bags", "backpack": "bags", "suitcase": "bags", "bag": "bags", "purse": "bags",
	"cell phone": "electronics", "phone": "electronics", "laptop": "electronics", "tv": "electronics",
	"keyboard": "electronics", "mouse": "electronics", "remote": "electronics", "headphones": "electronics",
	"camera": "electronics",
	"chair": "furniture", "couch": "furniture", "bed": "furniture", "dining table": "furniture", "bench": "furniture",
	"cup": "kitchen", "bowl": "kitchen", "bottle": "kitchen", "wine glass": "kitchen", "fork": "kitchen",
	"knife": "kitchen", "spoon": "kitchen", "microwave": "kitchen", "oven": "kitchen", "toaster": "kitchen",
	"refrigerator": "kitchen",
	"tie": "accessories", "umbrella": "accessories", "sunglasses": "accessories", "hat": "accessories",
	"watch": "watches", "clock": "home",
	"sports ball": "sports", "skateboard": "sports", "surfboard": "sports", "tennis racket": "sports",
	"skis": "sports", "snowboard": "sports", "baseball bat": "sports", "baseball glove": "sports",
	"frisbee": "sports", "bicycle": "sports",
	"book": "home", "vase": "home", "potted plant": "home", "teddy bear": "home", "lamp": "home",
	"shirt": "clothing", "t-shirt": "clothing", "jacket": "clothing", "dress": "clothing", "hoodie": "clothing",
	"jeans": "clothing", "pants": "clothing",
	"necklace": "jewelry", "ring": "jewelry", "earrings": "jewelry", "bracelet": "jewelry",
	"lipstick": "beauty", "perfume": "beauty", "hair drier": "beauty", "toothbrush": "beauty",
}

// Heuristic builds degraded descriptions from the detector class name alone.
// It satisfies Describer so it can stand in for the real service.
type Heuristic struct{}

// Describe ignores the image and derives a description from prompt.ClassName.
func (Heuristic) Describe(_ context.Context, _ []byte, prompt Prompt) (Description, error) {
	return FromClassName(prompt.ClassName), nil
}

// FromClassName returns a fallback-tagged description for a detector label.
func FromClassName(className string) Description {
	class := strings.ToLower(strings.TrimSpace(className))
	category, ok := classCategories[class]
	if !ok {
		category = "unknown"
	}
	name := "Unknown"
	if class != "" {
		name = titleCase(class)
	}
	keywords := []string{class}
	if category != "unknown" && category != class {
		keywords = append(keywords, category)
	}
	return Description{
		ProductName: name,
		Category:    category,
		Keywords:    dedupeLower(keywords),
		Confidence:  heuristicConfidence,
		Fallback:    true,
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
