// Package vision describes cropped product images with a vision-language
// model and parses the structured answer.
package vision

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrTransport means the service could not be reached or rejected the call.
	// The describe stage treats it as a stage-level failure.
	ErrTransport = errors.New("vision: transport failure")
	// ErrNoProduct means the service answered but identified no product.
	ErrNoProduct = errors.New("vision: no product identified")
)

// NoProductConfidence is the confidence below which an "Unknown" answer is
// reported as ErrNoProduct.
const NoProductConfidence = 0.2

// Categories is the closed set of product categories offered to the model.
var Categories = []string{
	"clothing", "shoes", "accessories", "electronics", "home", "beauty",
	"sports", "jewelry", "bags", "watches", "furniture", "kitchen",
}

// Description is the structured answer for one cropped object.
type Description struct {
	ProductName string   `json:"product_name"`
	Category    string   `json:"category"`
	Brand       string   `json:"brand,omitempty"`
	Color       string   `json:"color,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Confidence  float64  `json:"confidence"`

	Cached   bool `json:"cached"`
	Fallback bool `json:"fallback"`
}

// Unknown reports whether the description names no product.
func (d Description) Unknown() bool {
	name := strings.TrimSpace(strings.ToLower(d.ProductName))
	return name == "" || name == "unknown"
}

// Prompt carries the per-call context for a description request.
type Prompt struct {
	ClassName string
	Context   string
	LowDetail bool
}

// Describer identifies the product in an image crop.
type Describer interface {
	Describe(ctx context.Context, image []byte, prompt Prompt) (Description, error)
}

// checkAnswer converts a low-confidence unknown answer into ErrNoProduct.
func checkAnswer(d Description) (Description, error) {
	if d.Unknown() && d.Confidence < NoProductConfidence {
		return d, ErrNoProduct
	}
	return d, nil
}
