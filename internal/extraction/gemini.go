package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"kgraph/internal/config"
	"kgraph/internal/logging"
)

// GeminiExtractor implements Extractor against the Gemini API.
type GeminiExtractor struct {
	client  *genai.Client
	cfg     config.LLMConfig
	limiter *rate.Limiter
}

// NewGeminiExtractor creates a Gemini-backed extractor. The limiter is
// shared across workers so total request rate stays under the provider
// quota regardless of job concurrency; nil disables client-side limiting.
func NewGeminiExtractor(cfg config.LLMConfig, limiter *rate.Limiter) (*GeminiExtractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiExtractor{
		client:  client,
		cfg:     cfg,
		limiter: limiter,
	}, nil
}

// Extract runs one chunk through the model and returns the validated
// result. Retries follow the policy in retry.go.
func (g *GeminiExtractor) Extract(ctx context.Context, chunkText string, known []KnownConcept, profile Profile) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryExtraction, "Extract")
	defer timer.StopWithThreshold(10 * time.Second)

	return withRetry(ctx, defaultRetryPolicy, func(ctx context.Context, strict bool) (*Result, error) {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		raw, err := g.generate(ctx, chunkText, known, profile, strict)
		if err != nil {
			return nil, err
		}
		return Parse(raw, chunkText)
	})
}

func (g *GeminiExtractor) generate(ctx context.Context, chunkText string, known []KnownConcept, profile Profile, strict bool) ([]byte, error) {
	model := profile.Model
	if model == "" {
		model = g.cfg.Model
	}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt(known, strict), genai.RoleUser),
		Temperature:       genai.Ptr(profile.Temperature),
		TopP:              genai.Ptr(profile.TopP),
		ResponseMIMEType:  "application/json",
	}
	if g.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(g.cfg.MaxTokens)
	}
	if profile.ThinkingMode {
		genCfg.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: false,
		}
	}

	callCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	contents := []*genai.Content{
		genai.NewContentFromText("Text to analyze:\n\n"+chunkText, genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(callCtx, model, contents, genCfg)
	if err != nil {
		return nil, classifyAPIError(err, ctx)
	}

	text := resp.Text()
	if text == "" {
		return nil, invalidOutputErr(fmt.Errorf("model returned no text"))
	}
	return []byte(text), nil
}

// classifyAPIError maps provider failures onto the retry taxonomy.
func classifyAPIError(err error, parent context.Context) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transientErr(err)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return rateLimitedErr(err, 0)
		case apiErr.Code >= 500:
			return transientErr(err)
		default:
			return permanentErr(err)
		}
	}
	// Network-level failures without an HTTP status.
	return transientErr(err)
}

// maxKnownConcepts caps the context list so the prompt stays well under
// the model's input limit.
const maxKnownConcepts = 50

func systemPrompt(known []KnownConcept, strict bool) string {
	var b strings.Builder
	b.WriteString(`You are a knowledge graph extraction agent. Analyze the text and extract:

1. Concepts: key ideas, entities, or topics mentioned in the text
2. Instances: exact quotes that evidence each concept
3. Relationships: how the extracted concepts relate to each other

Rules:
- concept_id is kebab-case ASCII derived from the label (e.g. "linear-scanning-system")
- every concept carries a confidence in [0,1] and a search_terms list of alternative phrasings
- every instance quote must be copied verbatim from the text
- relationship types are one of IMPLIES, CONTRADICTS, SUPPORTS, PART_OF
- instances and relationships may only reference concept_ids present in your concepts list;
  when reusing a known concept, restate it in the concepts list with its existing id
`)

	if len(known) > 0 {
		b.WriteString("\nConcepts already known to the graph (reuse their ids where the text refers to them):\n")
		limit := len(known)
		if limit > maxKnownConcepts {
			limit = maxKnownConcepts
		}
		for _, k := range known[:limit] {
			fmt.Fprintf(&b, "- %s: %s", k.ID, k.Label)
			if len(k.SearchTerms) > 0 {
				fmt.Fprintf(&b, " (also: %s)", strings.Join(k.SearchTerms, ", "))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString(`
Return a single JSON object with exactly this structure and nothing else:
{
  "concepts": [
    {"concept_id": "concept-name", "label": "Concept Name", "confidence": 0.9, "search_terms": ["term1", "term2"]}
  ],
  "instances": [
    {"concept_id": "concept-name", "quote": "Exact quote from text"}
  ],
  "relationships": [
    {"from_concept_id": "concept-name", "to_concept_id": "other-concept", "type": "IMPLIES", "confidence": 0.9}
  ]
}
`)

	if strict {
		b.WriteString(`
STRICT REMINDER: your previous response violated the schema. Output ONLY the JSON object.
All three keys (concepts, instances, relationships) must be present, all ids kebab-case,
all confidences between 0 and 1, and every quote copied character-for-character from the text.
`)
	}

	return b.String()
}

// EstimateTokens approximates the token count of text for cost
// projection. Uses the common 4-characters-per-token heuristic.
func EstimateTokens(text string) int64 {
	return int64(len(text)+3) / 4
}

// PromptOverheadTokens approximates the fixed per-call token cost of the
// system prompt plus the known-concepts context.
const PromptOverheadTokens int64 = 600
