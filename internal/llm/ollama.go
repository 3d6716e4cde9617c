package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOllamaModel = "llama3.2:latest"

type ollamaGenerator struct {
	endpoint string
	models   map[string]string
	client   *http.Client
}

// NewOllamaGenerator talks to a local ollama server's streaming generate
// endpoint. Unknown tiers fall back to the balanced model.
func NewOllamaGenerator(endpoint, fastModel, balancedModel string) Generator {
	if balancedModel == "" {
		balancedModel = fastModel
	}
	if balancedModel == "" {
		balancedModel = defaultOllamaModel
	}
	if fastModel == "" {
		fastModel = balancedModel
	}
	return &ollamaGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		models:   map[string]string{"fast": fastModel, "balanced": balancedModel},
		client:   &http.Client{},
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Format  string        `json:"format,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChunk struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

func (g *ollamaGenerator) model(tier string) string {
	if m, ok := g.models[tier]; ok {
		return m
	}
	return g.models["balanced"]
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	payload := ollamaRequest{
		Model:  g.model(req.Tier),
		Prompt: req.Prompt,
		System: req.System,
		Stream: true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	if req.JSON {
		payload.Format = "json"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	// The stream is newline-delimited JSON objects.
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode ollama stream: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s", chunk.Error)
		}
		if err := consumer(Chunk{
			Content:          chunk.Response,
			Done:             chunk.Done,
			PromptTokens:     chunk.PromptEvalCount,
			CompletionTokens: chunk.EvalCount,
		}); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
}
