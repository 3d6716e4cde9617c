package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

// OpenAIConfig configures the hosted speech endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// MaxRetries overrides the client's retry count when non-negative.
	MaxRetries int
}

type openAISynth struct {
	client oai.Client
	model  string
}

// NewOpenAISynth returns a synthesizer backed by the OpenAI speech API. The
// whole MP3 arrives as a single final chunk.
func NewOpenAISynth(cfg OpenAIConfig) (Synthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai tts: api key must not be empty")
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
		model = string(oai.SpeechModelTTS1)
	}
	return &openAISynth{client: oai.NewClient(opts...), model: model}, nil
}

func (o *openAISynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		voice := req.Voice
		if voice == "" {
			voice = VoiceForLanguage(req.Language)
		}
		resp, err := o.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
			Input:          req.Text,
			Model:          oai.SpeechModel(o.model),
			Voice:          oai.AudioSpeechNewParamsVoice(voice),
			ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
		})
		if err != nil {
			errs <- fmt.Errorf("openai tts: %w", err)
			return
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			errs <- fmt.Errorf("openai tts: read body: %w", err)
			return
		}
		chunks <- SynthChunk{
			SessionID:   req.SessionID,
			ContentType: audio.ContentTypeMPEG,
			PCM:         data,
			Final:       true,
		}
	}()
	return chunks, errs
}
