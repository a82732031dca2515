package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dmaraist/newsgather/internal/pipeline"
)

// completer abstracts the language-model backend so tests can fake it.
type completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Generative asks a language model to fill the article schema from the
// page text. Most expensive strategy, last in the chain.
type Generative struct {
	backend completer
	cleaner *cleaner
}

// NewGenerative builds the strategy against the Anthropic API.
func NewGenerative(apiKey, model string) *Generative {
	return &Generative{
		backend: &anthropicBackend{
			client: anthropic.NewClient(option.WithAPIKey(apiKey)),
			model:  anthropic.Model(model),
		},
		cleaner: newCleaner(),
	}
}

// newGenerativeWithBackend is the test seam.
func newGenerativeWithBackend(backend completer) *Generative {
	return &Generative{backend: backend, cleaner: newCleaner()}
}

// Name implements Strategy.
func (g *Generative) Name() pipeline.StrategyName { return pipeline.StrategyGenerative }

// generativeSchema is the JSON shape the model is asked to produce.
type generativeSchema struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	PublishedAt string `json:"published_at"`
	Body        string `json:"body_markdown"`
	ImageURL    string `json:"image_url"`
	Categories  []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"categories"`
}

const generativePromptPrefix = `Extract the news article from the following page content.
Respond with only a JSON object matching this schema, no prose:
{"title": string, "author": string, "published_at": string (ISO 8601 or empty),
 "body_markdown": string (the full article body as markdown),
 "image_url": string, "categories": [{"name": string, "url": string}]}

Page URL: %s
Page content:
%s`

// Cap on how much page text goes into the prompt.
const maxPromptChars = 24000

// Extract implements Strategy.
func (g *Generative) Extract(ctx context.Context, page *Page) (*pipeline.ExtractResult, error) {
	text := pageTextForPrompt(page)
	prompt := fmt.Sprintf(generativePromptPrefix, page.URL, text)

	raw, err := g.backend.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generative backend: %w", err)
	}

	var parsed generativeSchema
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil {
		return nil, &pipeline.ParseError{Source: "generative response", Err: err}
	}

	title := strings.TrimSpace(parsed.Title)
	markdown := strings.TrimSpace(parsed.Body)
	if title == "" || markdown == "" {
		return nil, fmt.Errorf("model returned empty title or body")
	}

	result := &pipeline.ExtractResult{
		Title:       title,
		Author:      strings.TrimSpace(parsed.Author),
		PublishedAt: parseDate(parsed.PublishedAt),
		RawHTML:     page.HTML,
		Markdown:    markdown,
		ImageURL:    strings.TrimSpace(parsed.ImageURL),
		Strategy:    pipeline.StrategyGenerative,
	}
	for _, cat := range parsed.Categories {
		name := strings.TrimSpace(cat.Name)
		if name == "" {
			continue
		}
		result.Categories = append(result.Categories, pipeline.CategoryRef{
			Name: name,
			URL:  strings.TrimSpace(cat.URL),
		})
	}
	return result, nil
}

// pageTextForPrompt reduces the document to visible text, bounded for
// the prompt budget.
func pageTextForPrompt(page *Page) string {
	clone := page.Doc.Clone()
	clone.Find("script, style, noscript, svg").Remove()
	text := strings.Join(strings.Fields(clone.Text()), " ")
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}
	return text
}

func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	return strings.TrimSpace(raw)
}

type anthropicBackend struct {
	client anthropic.Client
	model  anthropic.Model
}

func (b *anthropicBackend) Complete(ctx context.Context, prompt string) (string, error) {
	message, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	var out strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}
