package stt

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes the audio it was given
// instead of transcribing it.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, rec audio.Recording, language string) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if rec.Empty() {
		return TranscriptResult{}, ErrEmptyRecording
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript length=%d]", LanguageCode(language), len(rec.PCM)),
		Confidence: 0,
	}, nil
}

// ScriptStep is one canned recognizer answer.
type ScriptStep struct {
	Text string
	Err  error
}

// ScriptedRecognizer replays canned answers in order and repeats the last one
// once the script runs out.
type ScriptedRecognizer struct {
	mu        sync.Mutex
	steps     []ScriptStep
	calls     int
	languages []string
}

func NewScriptedRecognizer(steps ...ScriptStep) *ScriptedRecognizer {
	return &ScriptedRecognizer{steps: steps}
}

func (s *ScriptedRecognizer) Transcribe(ctx context.Context, rec audio.Recording, language string) (TranscriptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.languages = append(s.languages, language)
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if len(s.steps) == 0 {
		return TranscriptResult{}, nil
	}
	idx := s.calls
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	s.calls++
	step := s.steps[idx]
	if step.Err != nil {
		return TranscriptResult{}, step.Err
	}
	return TranscriptResult{Text: step.Text, Confidence: 1}, nil
}

// Calls reports how many transcriptions were requested.
func (s *ScriptedRecognizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Languages returns the language tags seen so far.
func (s *ScriptedRecognizer) Languages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.languages...)
}
