package worker

import (
	"kgraph/internal/chunker"
	"kgraph/internal/config"
	"kgraph/internal/extraction"
	"kgraph/internal/jobs"
)

// Expected per-chunk yield, used only for pre-approval cost projection.
// Measured against typical prose: the extractor returns on the order of
// a dozen concepts per thousand-word chunk.
const (
	estOutputTokensPerChunk = 900
	estConceptsPerChunk     = 12
	estTokensPerEmbedding   = 16
)

// EstimateCost projects extraction and embedding spend for the given
// content without calling any provider. The projection is stored on the
// job and gates approval.
func EstimateCost(text string, opts jobs.Options, cfg config.IngestConfig, llm config.LLMConfig, embed config.EmbeddingConfig) jobs.CostEstimate {
	chunks := chunker.Split(text, chunkConfig(opts, cfg))

	var tokensIn int64
	for _, c := range chunks {
		tokensIn += extraction.EstimateTokens(c.Text) + extraction.PromptOverheadTokens
	}
	tokensOut := int64(len(chunks)) * estOutputTokensPerChunk
	embedTokens := int64(len(chunks)) * estConceptsPerChunk * estTokensPerEmbedding

	usdExtraction := float64(tokensIn)*llm.CostPerMTokIn/1e6 + float64(tokensOut)*llm.CostPerMTokOut/1e6
	usdEmbedding := float64(embedTokens) * embed.CostPerMTok / 1e6

	var embedModel string
	switch embed.Provider {
	case "genai":
		embedModel = embed.GenAIModel
	default:
		embedModel = embed.OllamaModel
		usdEmbedding = 0 // local models are free
	}

	return jobs.CostEstimate{
		TokensIn:        tokensIn,
		TokensOut:       tokensOut,
		USDExtraction:   usdExtraction,
		USDEmbedding:    usdEmbedding,
		USDTotal:        usdExtraction + usdEmbedding,
		ExtractionModel: llm.Model,
		EmbeddingModel:  embedModel,
	}
}
