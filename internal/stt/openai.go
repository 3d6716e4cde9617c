package stt

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

// OpenAIConfig configures the hosted transcription endpoint.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

type openAIRecognizer struct {
	client oai.Client
	model  string
}

// NewOpenAIRecognizer returns a whisper-backed recognizer.
func NewOpenAIRecognizer(cfg OpenAIConfig) (Recognizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai stt: api key must not be empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	model := cfg.Model
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}
	return &openAIRecognizer{client: oai.NewClient(opts...), model: model}, nil
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, rec audio.Recording, language string) (TranscriptResult, error) {
	if rec.Empty() {
		return TranscriptResult{}, ErrEmptyRecording
	}
	wav, err := rec.WAV()
	if err != nil {
		return TranscriptResult{}, err
	}
	resp, err := r.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:     oai.File(bytes.NewReader(wav), "attempt.wav", audio.ContentTypeWAV),
		Model:    oai.AudioModel(r.model),
		Language: oai.String(LanguageCode(language)),
	})
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("openai transcription: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text)}, nil
}
