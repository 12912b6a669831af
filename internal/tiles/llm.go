package tiles

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/fitscope/internal/ollama"
	"github.com/kalambet/fitscope/internal/proxy"
)

const defaultLLMTimeout = 20 * time.Second

// Chatter is an LLM backend that answers with a single JSON object.
type Chatter interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// LLMAdapter asks an LLM for one tile's analysis.
type LLMAdapter struct {
	tile    Type
	source  string
	chat    Chatter
	timeout time.Duration
}

// NewLLMAdapter builds an adapter for tile. timeout bounds a single call
// (default 20s); hitting it counts as an upstream failure.
func NewLLMAdapter(tile Type, source string, chat Chatter, timeout time.Duration) *LLMAdapter {
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}
	return &LLMAdapter{tile: tile, source: source, chat: chat, timeout: timeout}
}

func (a *LLMAdapter) Tile() Type { return a.tile }

func (a *LLMAdapter) Source() string { return a.source }

func (a *LLMAdapter) Endpoint() string { return "analyze/" + string(a.tile) }

// Fetch returns the model's JSON document for idea.
func (a *LLMAdapter) Fetch(ctx context.Context, idea string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.chat.CompleteJSON(ctx, systemPrompt(a.tile), userPrompt(idea))
	if err != nil {
		return nil, fmt.Errorf("%s via %s: %w", a.tile, a.source, err)
	}
	out = stripFences(out)
	if !json.Valid([]byte(out)) {
		return nil, fmt.Errorf("%w: %s via %s returned non-JSON output", ErrMalformedPayload, a.tile, a.source)
	}
	return json.RawMessage(out), nil
}

// stripFences removes a ```json ... ``` wrapper some models add anyway.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

const systemPromptTemplate = `You are a market-fit analyst. Analyze the business idea the user describes and produce the %s tile of a market analysis dashboard. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Focus: %s

Rules:
- metrics: 2 to 5 headline numbers with a short name, a value, an optional unit and a trend of up, down or flat.
- explanation: two or three sentences a founder can act on.
- confidence: a number between 0 and 1 reflecting how well-grounded the analysis is.
- citations: the evidence you relied on; leave empty rather than invent URLs.
- charts: optional labelled points for a small chart.`

var tileFocus = map[Type]string{
	Sentiment:    "public sentiment toward products like this, as seen in reviews, forums and social media.",
	MarketTrends: "search interest and adoption trends for the problem space over the last few years.",
	Competitors:  "the main existing competitors, their positioning and how crowded the space is.",
	MarketSize:   "total addressable, serviceable and obtainable market size in USD.",
	Engagement:   "how actively the target audience discusses and engages with this problem online.",
	Financial:    "plausible pricing, unit economics and time to break-even.",
}

func systemPrompt(tile Type) string {
	focus, ok := tileFocus[tile]
	if !ok {
		focus = "the " + tile.Title() + " aspect of the idea."
	}
	return fmt.Sprintf(systemPromptTemplate, tile.Title(), focus)
}

func userPrompt(idea string) string {
	return "Business idea: " + strings.TrimSpace(idea)
}

// tileSchema is the structured-output schema for backends that accept one.
func tileSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"metrics": {
				Type:        "array",
				Description: "Headline numbers",
				Items: &ollama.SchemaProperty{
					Type: "object",
					Properties: map[string]ollama.SchemaProperty{
						"name":  {Type: "string"},
						"value": {Type: "number"},
						"unit":  {Type: "string"},
						"trend": {Type: "string", Enum: []string{"up", "down", "flat"}},
					},
				},
			},
			"explanation": {Type: "string", Description: "Short actionable explanation"},
			"confidence":  {Type: "number", Description: "0 to 1"},
			"citations": {
				Type: "array",
				Items: &ollama.SchemaProperty{
					Type: "object",
					Properties: map[string]ollama.SchemaProperty{
						"title":  {Type: "string"},
						"url":    {Type: "string"},
						"source": {Type: "string"},
					},
				},
			},
			"charts": {
				Type: "array",
				Items: &ollama.SchemaProperty{
					Type: "object",
					Properties: map[string]ollama.SchemaProperty{
						"label":  {Type: "string"},
						"value":  {Type: "number"},
						"series": {Type: "string"},
					},
				},
			},
		},
		Required: []string{"metrics", "explanation", "confidence"},
	}
}

// OllamaChatter runs tile prompts on a local Ollama model with the tile
// schema as structured output.
type OllamaChatter struct {
	Client *ollama.Client
	Model  string
}

// Tile analyses run at a low temperature so repeated fetches for one idea
// stay comparable.
var tileTemperature = 0.2

func (o OllamaChatter) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	res, err := o.Client.Chat(ctx, ollama.ChatRequest{
		Model: o.Model,
		Messages: []ollama.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Format:      tileSchema(),
		Temperature: &tileTemperature,
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// OpenRouterChatter runs tile prompts through OpenRouter in JSON mode.
type OpenRouterChatter struct {
	Client *proxy.Client
	Model  string
}

func (o OpenRouterChatter) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	return o.Client.Complete(ctx, o.Model, []proxy.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, true)
}
