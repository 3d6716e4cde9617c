package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/llm"
)

const judgeSystemPrompt = "You are a pronunciation coach grading a language learner's spoken attempt."

type llmJudge struct {
	recognizer Recognizer
	generator  llm.Generator
	defaults   llm.Request
	marker     string
}

// NewLLMJudge transcribes with recognizer and asks generator for a verdict
// that begins with marker when the attempt matches.
func NewLLMJudge(recognizer Recognizer, generator llm.Generator, defaults llm.Request, marker string) Judge {
	return &llmJudge{recognizer: recognizer, generator: generator, defaults: defaults, marker: marker}
}

func (j *llmJudge) TranscribeAndJudge(ctx context.Context, rec audio.Recording, language, expected string) (Judgment, error) {
	transcript, err := j.recognizer.Transcribe(ctx, rec, language)
	if err != nil {
		return Judgment{}, err
	}
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		return Judgment{Text: ""}, nil
	}

	req := j.defaults
	req.System = judgeSystemPrompt
	req.Prompt = judgePrompt(expected, text, LanguageCode(language), j.marker)
	verdict, err := llm.Complete(ctx, j.generator, req)
	if err != nil {
		return Judgment{}, fmt.Errorf("judge attempt: %w", err)
	}
	return Judgment{Text: text, Verdict: strings.TrimSpace(verdict)}, nil
}

func judgePrompt(expected, transcript, language, marker string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The learner was asked to say %q (language: %s).\n", expected, language)
	fmt.Fprintf(&sb, "Speech recognition heard: %q.\n", transcript)
	fmt.Fprintf(&sb, "If the attempt matches the phrase, ignoring case and punctuation, reply starting with %q.\n", marker+"!")
	sb.WriteString("Otherwise reply with one short sentence explaining what to fix. Do not start that reply with the word ")
	fmt.Fprintf(&sb, "%q.", marker)
	return sb.String()
}
