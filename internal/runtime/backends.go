package runtime

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/capture"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/lesson"
	"github.com/loqalabs/loqa-tutor/internal/llm"
	"github.com/loqalabs/loqa-tutor/internal/stt"
	"github.com/loqalabs/loqa-tutor/internal/tts"
	"github.com/loqalabs/loqa-tutor/internal/verify"
)

// openAIRetries leaves the client's retry policy untouched.
const openAIRetries = -1

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func newSynthesizer(cfg config.Config) (tts.Synthesizer, error) {
	switch strings.ToLower(cfg.TTS.Mode) {
	case "", "mock":
		return tts.NewMockSynth(cfg.TTS.SampleRate, cfg.TTS.Channels), nil
	case "exec":
		return tts.NewExecSynth(cfg.TTS.Command, cfg.TTS.SampleRate, cfg.TTS.Channels)
	case "openai":
		timeout := millis(cfg.TTS.TimeoutMS)
		if timeout <= 0 {
			timeout = millis(cfg.OpenAI.TimeoutMS)
		}
		return tts.NewOpenAISynth(tts.OpenAIConfig{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			Model:      cfg.TTS.Model,
			Timeout:    timeout,
			MaxRetries: openAIRetries,
		})
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.TTS.Mode)
	}
}

func newRecognizer(cfg config.Config) (stt.Recognizer, error) {
	switch strings.ToLower(cfg.STT.Mode) {
	case "", "mock":
		return stt.NewMockRecognizer(), nil
	case "exec":
		return stt.NewExecRecognizer(cfg.STT)
	case "openai":
		return stt.NewOpenAIRecognizer(stt.OpenAIConfig{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			Model:      cfg.STT.Model,
			Timeout:    millis(cfg.OpenAI.TimeoutMS),
			MaxRetries: openAIRetries,
		})
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.STT.Mode)
	}
}

func newGenerator(cfg config.Config) (llm.Generator, error) {
	switch strings.ToLower(cfg.LLM.Mode) {
	case "", "mock":
		return llm.NewMockGenerator(), nil
	case "ollama":
		return llm.NewOllamaGenerator(cfg.LLM.Endpoint, cfg.LLM.ModelFast, cfg.LLM.ModelBalanced), nil
	case "exec":
		return llm.NewExecGenerator(cfg.LLM.Command)
	case "openai":
		return llm.NewOpenAIGenerator(llm.OpenAIConfig{
			APIKey:        cfg.OpenAI.APIKey,
			BaseURL:       cfg.OpenAI.BaseURL,
			Organization:  cfg.OpenAI.Organization,
			ModelFast:     cfg.LLM.ModelFast,
			ModelBalanced: cfg.LLM.ModelBalanced,
			Timeout:       millis(cfg.OpenAI.TimeoutMS),
			MaxRetries:    openAIRetries,
		})
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.LLM.Mode)
	}
}

// newVerifier builds the attempt pipeline. Server mode asks either a remote
// service or the language model to judge the recognizer's transcript.
func newVerifier(cfg config.Config, logger *slog.Logger) (*verify.Pipeline, error) {
	recognizer, err := newRecognizer(cfg)
	if err != nil {
		return nil, err
	}
	vcfg := verify.Config{
		Mode:              verify.Mode(strings.ToLower(cfg.Verification.Mode)),
		Threshold:         cfg.Verification.Threshold,
		Timeout:           millis(cfg.Verification.TimeoutMS),
		AffirmativeMarker: cfg.Verification.AffirmativeMarker,
	}
	if vcfg.Mode != verify.ModeServer {
		return verify.New(vcfg, recognizer, nil, logger)
	}

	var judge stt.Judge
	switch strings.ToLower(cfg.Verification.Judge) {
	case "remote":
		judge, err = stt.NewRemoteJudge(cfg.Verification.Endpoint, vcfg.Timeout)
	case "", "llm":
		var gen llm.Generator
		if gen, err = newGenerator(cfg); err != nil {
			return nil, err
		}
		var defaults llm.Request
		if defaults, err = llm.OptionsFromConfig(cfg.LLM, ""); err != nil {
			return nil, err
		}
		judge = stt.NewLLMJudge(recognizer, gen, defaults, cfg.Verification.AffirmativeMarker)
	default:
		err = fmt.Errorf("unknown verification judge %q", cfg.Verification.Judge)
	}
	if err != nil {
		return nil, err
	}
	return verify.New(vcfg, recognizer, judge, logger)
}

func newLessonProvider(cfg config.Config, logger *slog.Logger) (lesson.Provider, error) {
	switch strings.ToLower(cfg.Lessons.Mode) {
	case "", "file":
		return lesson.NewFileProvider(cfg.Lessons.Directory, logger), nil
	case "generated":
		if !cfg.LLM.Enabled {
			return nil, fmt.Errorf("generated lessons require llm.enabled")
		}
		gen, err := newGenerator(cfg)
		if err != nil {
			return nil, err
		}
		defaults, err := llm.OptionsFromConfig(cfg.LLM, "")
		if err != nil {
			return nil, err
		}
		return lesson.NewGeneratedProvider(gen, defaults, logger), nil
	default:
		return nil, fmt.Errorf("unknown lessons mode %q", cfg.Lessons.Mode)
	}
}

func newCaptureDevice(cfg config.CaptureConfig) (capture.Device, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		// Half a second of silence per attempt.
		frame := make([]byte, cfg.SampleRate*cfg.Channels)
		return &capture.MockDevice{Frames: [][]byte{frame}}, nil
	case "ffmpeg":
		return capture.NewFFmpegDevice(cfg.Command, cfg.InputFormat, cfg.InputDevice)
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

func newPlayer(cfg config.Config) (audio.Player, error) {
	if !cfg.Narration.Enabled {
		return audio.DiscardPlayer{}, nil
	}
	switch strings.ToLower(cfg.Playback.Mode) {
	case "", "discard":
		return audio.DiscardPlayer{}, nil
	case "exec":
		return audio.NewExecPlayer(cfg.Playback.Command)
	default:
		return nil, fmt.Errorf("unknown playback mode %q", cfg.Playback.Mode)
	}
}
