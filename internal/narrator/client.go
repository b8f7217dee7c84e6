package narrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"storyloom/server/internal/config"
	"storyloom/server/internal/interfaces"
	"storyloom/server/internal/models"
	"storyloom/server/internal/prompts"
	"storyloom/server/internal/state"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultTimeout   = 120 * time.Second
	defaultMaxTokens = 1200
)

// Client talks to an OpenAI-compatible chat completion API and turns its
// responses into the structured deltas the engine merges. It implements
// interfaces.Collaborator. There is no retry here: a failed call surfaces as
// an error and the engine falls back locally.
type Client struct {
	api          *openai.Client
	model        string
	maxTokens    int
	costIn       float64
	costOut      float64
	promptEngine *prompts.TemplateEngine
}

// NewClient creates a collaborator client from config.
func NewClient(cfg config.NarratorConfig) (*Client, error) {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	} else {
		apiCfg.BaseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	apiCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	promptEngine := prompts.NewTemplateEngine()
	if err := promptEngine.InitializeDefaultTemplates(); err != nil {
		return nil, fmt.Errorf("failed to initialize templates: %w", err)
	}

	return &Client{
		api:          openai.NewClientWithConfig(apiCfg),
		model:        model,
		maxTokens:    maxTokens,
		costIn:       cfg.CostPer1KInput,
		costOut:      cfg.CostPer1KOut,
		promptEngine: promptEngine,
	}, nil
}

// OpeningScene generates the first narrator turn from story and character
// context alone.
func (c *Client) OpeningScene(ctx context.Context, req interfaces.TurnRequest) (state.Delta, error) {
	prompt, err := c.renderPrompt("story_opening", req)
	if err != nil {
		return state.Delta{}, err
	}
	content, usage, err := c.chat(ctx, prompt, req.Creativity)
	if err != nil {
		return state.Delta{}, err
	}
	return ParseDelta(content, usage), nil
}

// NextTurn continues the story from the transcript plus the user's utterance.
func (c *Client) NextTurn(ctx context.Context, req interfaces.TurnRequest) (state.Delta, error) {
	prompt, err := c.renderPrompt("story_turn", req)
	if err != nil {
		return state.Delta{}, err
	}
	content, usage, err := c.chat(ctx, prompt, req.Creativity)
	if err != nil {
		return state.Delta{}, err
	}
	return ParseDelta(content, usage), nil
}

// Summary produces the closing summary for a completed session.
func (c *Client) Summary(ctx context.Context, req interfaces.TurnRequest) (string, state.UsageReport, error) {
	prompt, err := c.renderPrompt("session_summary", req)
	if err != nil {
		return "", state.UsageReport{}, err
	}
	return c.chat(ctx, prompt, req.Creativity)
}

func (c *Client) renderPrompt(template string, req interfaces.TurnRequest) (string, error) {
	turnCtx := prompts.BuildTurnContext(req.Story, req.Character, req.Creativity, req.Turns, req.Aggregate, req.RecalledMemories, req.UserText)
	prompt, err := c.promptEngine.Render(template, turnCtx)
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return prompt, nil
}

func (c *Client) chat(ctx context.Context, prompt, creativity string) (string, state.UsageReport, error) {
	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: temperatureFor(creativity),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	latency := time.Since(start)
	if err != nil {
		return "", state.UsageReport{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", state.UsageReport{}, fmt.Errorf("no choices returned from model %s", c.model)
	}

	usage := state.UsageReport{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Latency:          latency,
		Model:            c.model,
	}
	usage.CostUSD = float64(usage.PromptTokens)/1000*c.costIn + float64(usage.CompletionTokens)/1000*c.costOut

	return resp.Choices[0].Message.Content, usage, nil
}

// temperatureFor maps the session's creativity level to a sampling
// temperature.
func temperatureFor(creativity string) float32 {
	switch creativity {
	case models.CreativityFaithful:
		return 0.3
	case models.CreativityCreative:
		return 1.0
	default:
		return 0.7
	}
}
