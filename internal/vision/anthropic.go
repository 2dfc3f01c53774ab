package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	systemPrompt = "You are a product identification expert. Analyze the image and provide detailed product information."
	// lowDetailMaxTokens caps the answer length in low-detail mode.
	lowDetailMaxTokens = 200
)

// messagesAPI is the subset of the Anthropic client used here.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicOpts configures an AnthropicDescriber.
type AnthropicOpts struct {
	APIKey    string
	Model     string
	MaxTokens int
	// For testing: inject a fake messages API.
	API messagesAPI
}

// AnthropicDescriber identifies products with the Anthropic Messages API.
type AnthropicDescriber struct {
	api       messagesAPI
	model     string
	maxTokens int64
}

// NewAnthropic creates a describer backed by the Anthropic API.
func NewAnthropic(opts AnthropicOpts) (*AnthropicDescriber, error) {
	if opts.API == nil && opts.APIKey == "" {
		return nil, fmt.Errorf("vision: api key is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("vision: model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 500
	}
	d := &AnthropicDescriber{
		api:       opts.API,
		model:     opts.Model,
		maxTokens: int64(opts.MaxTokens),
	}
	if d.api == nil {
		client := anthropic.NewClient(option.WithAPIKey(opts.APIKey))
		d.api = &client.Messages
	}
	return d, nil
}

// Describe sends the crop and returns the parsed description. Call failures
// wrap ErrTransport; answers that name no product return ErrNoProduct.
func (d *AnthropicDescriber) Describe(ctx context.Context, image []byte, prompt Prompt) (Description, error) {
	if len(image) == 0 {
		return Description{}, fmt.Errorf("vision: empty image")
	}

	maxTokens := d.maxTokens
	if prompt.LowDetail && maxTokens > lowDetailMaxTokens {
		maxTokens = lowDetailMaxTokens
	}

	mediaType := http.DetectContentType(image)
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = "image/jpeg"
	}

	msg, err := d.api.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(d.model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(0.1),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(image)),
				anthropic.NewTextBlock(BuildPrompt(prompt)),
			),
		},
	})
	if err != nil {
		return Description{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	desc, err := ParseDescription(text.String())
	if err != nil {
		return Description{}, fmt.Errorf("%w: %v", ErrNoProduct, err)
	}
	return checkAnswer(desc)
}

// BuildPrompt renders the instruction text for a description request.
func BuildPrompt(p Prompt) string {
	var b strings.Builder
	if p.LowDetail {
		b.WriteString("Identify the product in this image. Reply with JSON only: ")
		b.WriteString(`{"product_name": "", "category": "", "brand": "", "keywords": [], "confidence": 0.0}`)
		fmt.Fprintf(&b, "\nCategory must be one of: %s.", strings.Join(Categories, ", "))
	} else {
		b.WriteString("Analyze this product image and provide the following information in JSON format:\n")
		b.WriteString("{\n")
		b.WriteString(`  "product_name": "Specific product name (e.g., 'Nike Air Max 90', 'iPhone 15 Pro')",` + "\n")
		fmt.Fprintf(&b, `  "category": "Product category from: %s",`+"\n", strings.Join(Categories, ", "))
		b.WriteString(`  "confidence": "Confidence score 0.0-1.0",` + "\n")
		b.WriteString(`  "description": "Brief description of the product",` + "\n")
		b.WriteString(`  "brand": "Brand name if identifiable",` + "\n")
		b.WriteString(`  "color": "Primary color if visible",` + "\n")
		b.WriteString(`  "keywords": ["search terms for finding this product online"]` + "\n")
		b.WriteString("}\n")
		b.WriteString("Be specific and accurate. If you're not confident about the product, use a lower confidence score.")
	}
	if p.ClassName != "" {
		fmt.Fprintf(&b, "\nThe object detector labelled this crop %q.", p.ClassName)
	}
	if p.Context != "" {
		fmt.Fprintf(&b, "\nAdditional context: %s", p.Context)
	}
	return b.String()
}
