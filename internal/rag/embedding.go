package rag

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"storyloom/server/internal/config"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// EmbeddingService turns text into vectors via the OpenAI-compatible
// embeddings endpoint.
type EmbeddingService struct {
	api   *openai.Client
	model string
}

func NewEmbeddingService(narratorCfg config.NarratorConfig, cfg config.EmbeddingConfig) *EmbeddingService {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = narratorCfg.APIKey
	}
	apiCfg := openai.DefaultConfig(apiKey)
	if narratorCfg.BaseURL != "" {
		apiCfg.BaseURL = narratorCfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultEmbeddingModel
	}

	return &EmbeddingService{
		api:   openai.NewClientWithConfig(apiCfg),
		model: model,
	}
}

// Embed returns the vector for a single text.
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := s.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(s.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned for model %s", s.model)
	}
	return resp.Data[0].Embedding, nil
}
