package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// OpenAIConfig configures the chat completions backend.
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string
	Organization  string
	ModelFast     string
	ModelBalanced string
	Timeout       time.Duration
	MaxRetries    int
}

type openAIGenerator struct {
	client        oai.Client
	modelFast     string
	modelBalanced string
}

// NewOpenAIGenerator returns a Generator backed by chat completions. Tiers map
// onto the fast and balanced model names, falling back to gpt-4o-mini.
func NewOpenAIGenerator(cfg OpenAIConfig) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai llm: api key must not be empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		opts = append(opts, option.WithOrganization(cfg.Organization))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	return &openAIGenerator{
		client:        oai.NewClient(opts...),
		modelFast:     cfg.ModelFast,
		modelBalanced: cfg.ModelBalanced,
	}, nil
}

func (g *openAIGenerator) model(tier string) string {
	if tier == "fast" && g.modelFast != "" {
		return g.modelFast
	}
	if g.modelBalanced != "" {
		return g.modelBalanced
	}
	if g.modelFast != "" {
		return g.modelFast
	}
	return string(shared.ChatModelGPT4oMini)
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	messages = append(messages, oai.UserMessage(req.Prompt))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.model(req.Tier)),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	if req.JSON {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("openai chat completion: empty choices")
	}
	return consumer(Chunk{
		Content:          resp.Choices[0].Message.Content,
		Done:             true,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	})
}
