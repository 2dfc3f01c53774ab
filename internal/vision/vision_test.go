package vision

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

func TestParseDescription_JSON(t *testing.T) {
	answer := "Here you go:\n```json\n" + `{
  "product_name": "Nike Air Max 270",
  "category": "Shoes",
  "confidence": "0.85",
  "brand": "Nike",
  "color": "white",
  "keywords": ["Sneakers", "running"],
  "suggested_queries": ["nike air max", "running"]
}` + "\n```"

	d, err := ParseDescription(answer)
	if err != nil {
		t.Fatalf("ParseDescription: %v", err)
	}
	if d.ProductName != "Nike Air Max 270" {
		t.Errorf("ProductName = %q", d.ProductName)
	}
	if d.Category != "shoes" {
		t.Errorf("Category = %q, want lower-cased shoes", d.Category)
	}
	if d.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85 from a string value", d.Confidence)
	}
	want := []string{"sneakers", "running", "nike air max"}
	if !reflect.DeepEqual(d.Keywords, want) {
		t.Errorf("Keywords = %v, want %v", d.Keywords, want)
	}
}

func TestParseDescription_FallbackScan(t *testing.T) {
	d, err := ParseDescription("This looks like a pair of Adidas running shoes.")
	if err != nil {
		t.Fatalf("ParseDescription: %v", err)
	}
	if d.ProductName != "Adidas Product" || d.Brand != "Adidas" {
		t.Errorf("got name=%q brand=%q", d.ProductName, d.Brand)
	}
	if d.Category != "shoes" {
		t.Errorf("Category = %q, want shoes", d.Category)
	}
	if d.Confidence != fallbackConfidence {
		t.Errorf("Confidence = %v, want %v", d.Confidence, fallbackConfidence)
	}
}

func TestParseDescription_BrokenJSONFallsBack(t *testing.T) {
	d, err := ParseDescription(`{"product_name": "iPhone 15", "category": electronics}`)
	if err != nil {
		t.Fatalf("ParseDescription: %v", err)
	}
	if d.ProductName != "iPhone" {
		t.Errorf("ProductName = %q, want keyword fallback iPhone", d.ProductName)
	}
	if d.Category != "electronics" {
		t.Errorf("Category = %q, want electronics", d.Category)
	}
}

func TestParseDescription_Empty(t *testing.T) {
	if _, err := ParseDescription("   "); err == nil {
		t.Error("expected error for empty answer")
	}
}

func TestFromClassName(t *testing.T) {
	d := FromClassName("Sneakers")
	if !d.Fallback {
		t.Error("heuristic description must be tagged Fallback")
	}
	if d.Category != "shoes" {
		t.Errorf("Category = %q, want shoes", d.Category)
	}
	if d.ProductName != "Sneakers" {
		t.Errorf("ProductName = %q, want Sneakers", d.ProductName)
	}
	if !reflect.DeepEqual(d.Keywords, []string{"sneakers", "shoes"}) {
		t.Errorf("Keywords = %v", d.Keywords)
	}

	unknown := FromClassName("zeppelin")
	if unknown.Category != "unknown" {
		t.Errorf("Category = %q, want unknown", unknown.Category)
	}
	if FromClassName("cell phone").ProductName != "Cell Phone" {
		t.Errorf("multi-word title case failed: %q", FromClassName("cell phone").ProductName)
	}
}

func TestAffiliateSuggestions(t *testing.T) {
	got := AffiliateSuggestions(Description{Category: "shoes", Brand: "Nike"})
	want := []string{"Adidas", "Amazon", "H&M", "Nike", "Nike Store", "Zara"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AffiliateSuggestions = %v, want %v", got, want)
	}
	if len(AffiliateSuggestions(Description{Category: "unknown"})) != 0 {
		t.Error("unknown category should yield no suggestions")
	}
}

type fakeMessages struct {
	reply  string
	err    error
	params anthropic.MessageNewParams
	calls  int
}

func (f *fakeMessages) New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	f.calls++
	f.params = body
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.reply}}}, nil
}

var jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F', 0}

func TestAnthropicDescriber_Describe(t *testing.T) {
	api := &fakeMessages{reply: `{"product_name":"Nike Air Max 270","category":"shoes","brand":"Nike","keywords":["sneakers"],"confidence":0.9}`}
	d, err := NewAnthropic(AnthropicOpts{Model: "test-model", MaxTokens: 500, API: api})
	if err != nil {
		t.Fatal(err)
	}

	desc, err := d.Describe(context.Background(), jpegMagic, Prompt{ClassName: "sneakers", LowDetail: true})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if desc.ProductName != "Nike Air Max 270" || desc.Confidence != 0.9 {
		t.Errorf("got %+v", desc)
	}
	if api.params.MaxTokens != lowDetailMaxTokens {
		t.Errorf("MaxTokens = %d, want %d in low-detail mode", api.params.MaxTokens, lowDetailMaxTokens)
	}
	if string(api.params.Model) != "test-model" {
		t.Errorf("Model = %q", api.params.Model)
	}
}

func TestAnthropicDescriber_TransportError(t *testing.T) {
	api := &fakeMessages{err: errors.New("connection reset by peer")}
	d, _ := NewAnthropic(AnthropicOpts{Model: "m", API: api})

	_, err := d.Describe(context.Background(), jpegMagic, Prompt{})
	if !errors.Is(err, ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

func TestAnthropicDescriber_NoProduct(t *testing.T) {
	api := &fakeMessages{reply: `{"product_name":"Unknown","category":"unknown","confidence":0.05}`}
	d, _ := NewAnthropic(AnthropicOpts{Model: "m", API: api})

	_, err := d.Describe(context.Background(), jpegMagic, Prompt{})
	if !errors.Is(err, ErrNoProduct) {
		t.Errorf("err = %v, want ErrNoProduct", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Error("no-product answer must be distinguishable from a transport failure")
	}
}

func TestAnthropicDescriber_EmptyImage(t *testing.T) {
	api := &fakeMessages{}
	d, _ := NewAnthropic(AnthropicOpts{Model: "m", API: api})
	if _, err := d.Describe(context.Background(), nil, Prompt{}); err == nil {
		t.Error("expected error for empty image")
	}
	if api.calls != 0 {
		t.Errorf("api called %d times for an empty image", api.calls)
	}
}

func TestNewAnthropic_Validation(t *testing.T) {
	if _, err := NewAnthropic(AnthropicOpts{Model: "m"}); err == nil {
		t.Error("expected error without api key")
	}
	if _, err := NewAnthropic(AnthropicOpts{APIKey: "k"}); err == nil {
		t.Error("expected error without model")
	}
}

func TestBuildPrompt(t *testing.T) {
	full := BuildPrompt(Prompt{ClassName: "handbag", Context: "fashion haul"})
	for _, want := range []string{"product_name", "Primary color", `labelled this crop "handbag"`, "Additional context: fashion haul"} {
		if !strings.Contains(full, want) {
			t.Errorf("full prompt missing %q", want)
		}
	}
	low := BuildPrompt(Prompt{LowDetail: true})
	if strings.Contains(low, "Primary color") {
		t.Error("low-detail prompt should be compact")
	}
	if len(low) >= len(full) {
		t.Error("low-detail prompt should be shorter than the full prompt")
	}
}
