package llm

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-tutor/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	Prompt      string
	System      string
	Tier        string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend to constrain output to a JSON document, used when
	// generating lessons.
	JSON bool
}

// Chunk is a piece of model output. Content is a delta; the chunk with Done
// set ends the stream and carries token usage when the backend reports it.
type Chunk struct {
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds defaults from config.
func OptionsFromConfig(cfg config.LLMConfig, reqTier string) (Request, error) {
	req := Request{Tier: cfg.DefaultTier, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if reqTier != "" {
		req.Tier = reqTier
	}
	return req, nil
}

// Complete runs req to completion and returns the concatenated output.
func Complete(ctx context.Context, gen Generator, req Request) (string, error) {
	var sb strings.Builder
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		sb.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
