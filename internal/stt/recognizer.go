package stt

import (
	"context"
	"errors"
	"strings"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

// ErrEmptyRecording is returned when a recognizer is handed no audio.
var ErrEmptyRecording = errors.New("recording is empty")

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, rec audio.Recording, language string) (TranscriptResult, error)
}

// Judgment is a transcript plus a natural-language verdict on it.
type Judgment struct {
	Text    string
	Verdict string
}

// Judge transcribes an attempt and judges it against the expected phrase in
// one round trip.
type Judge interface {
	TranscribeAndJudge(ctx context.Context, rec audio.Recording, language, expected string) (Judgment, error)
}

// RecognizerFunc adapts a function to Recognizer.
type RecognizerFunc func(ctx context.Context, rec audio.Recording, language string) (TranscriptResult, error)

func (f RecognizerFunc) Transcribe(ctx context.Context, rec audio.Recording, language string) (TranscriptResult, error) {
	return f(ctx, rec, language)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, rec audio.Recording, language, expected string) (Judgment, error)

func (f JudgeFunc) TranscribeAndJudge(ctx context.Context, rec audio.Recording, language, expected string) (Judgment, error) {
	return f(ctx, rec, language, expected)
}

var languageCodes = map[string]string{
	"english":    "en",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"russian":    "ru",
	"japanese":   "ja",
	"korean":     "ko",
	"chinese":    "zh",
}

// LanguageCode maps a language name or tag to the ISO-639-1 code the
// transcription backends expect. Unknown names fall back to "en".
func LanguageCode(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		return "en"
	}
	if code, ok := languageCodes[lang]; ok {
		return code
	}
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if len(lang) == 2 {
		return lang
	}
	return "en"
}
