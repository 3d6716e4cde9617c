// Package lesson holds practice content and the providers that produce it.
package lesson

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/similarity"
)

const (
	TypeListenAndRepeat = "listen_and_repeat"
	TypeSpeakAndCheck   = "speak_and_check"
)

var (
	// ErrMalformedContent marks content that failed schema validation. It is
	// fatal for the session that tried to load it.
	ErrMalformedContent = errors.New("malformed lesson content")
	ErrNotFound         = errors.New("lesson not found")
)

// Exercise is one phrase-practice unit.
type Exercise struct {
	Type        string `yaml:"type" json:"type"`
	Prompt      string `yaml:"prompt" json:"prompt"`
	Phrase      string `yaml:"phrase" json:"phrase"`
	Translation string `yaml:"translation,omitempty" json:"translation,omitempty"`
	// CorrectResponse replaces Phrase as the expected answer for
	// speak_and_check exercises.
	CorrectResponse    string `yaml:"correct_response,omitempty" json:"correct_response,omitempty"`
	ReferenceAudioPath string `yaml:"reference_audio,omitempty" json:"reference_audio,omitempty"`

	ReferenceAudio *audio.Clip `yaml:"-" json:"-"`
}

// Expected returns the phrase an attempt is judged against.
func (e Exercise) Expected() string {
	if e.Type == TypeSpeakAndCheck && strings.TrimSpace(e.CorrectResponse) != "" {
		return strings.TrimSpace(e.CorrectResponse)
	}
	return strings.TrimSpace(e.Phrase)
}

// Metadata identifies a lesson.
type Metadata struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Language    string `yaml:"language" json:"language"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Content is an ordered list of exercises plus an introduction.
type Content struct {
	Metadata     Metadata   `yaml:"metadata" json:"metadata"`
	Introduction string     `yaml:"introduction" json:"introduction"`
	Exercises    []Exercise `yaml:"exercises" json:"exercises"`
}

// Summary is one entry of a curriculum.
type Summary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

// Provider supplies lessons by ID and lists the lessons for a language.
type Provider interface {
	GetLessonContent(ctx context.Context, lessonID string) (Content, error)
	ListLessons(ctx context.Context, language string) ([]Summary, error)
}

// Validate checks the shape every session relies on.
func Validate(c Content) error {
	if len(c.Exercises) == 0 {
		return fmt.Errorf("%w: exercises must contain at least one entry", ErrMalformedContent)
	}
	for i, ex := range c.Exercises {
		switch ex.Type {
		case TypeListenAndRepeat, TypeSpeakAndCheck:
		default:
			return fmt.Errorf("%w: exercise %d has unsupported type %q", ErrMalformedContent, i, ex.Type)
		}
		if similarity.Normalize(ex.Expected()) == "" {
			return fmt.Errorf("%w: exercise %d has no phrase", ErrMalformedContent, i)
		}
	}
	return nil
}

// normalize fills defaults that content authors and generators routinely omit.
func normalize(c *Content) {
	c.Introduction = strings.TrimSpace(c.Introduction)
	for i := range c.Exercises {
		ex := &c.Exercises[i]
		ex.Type = strings.TrimSpace(strings.ToLower(ex.Type))
		if ex.Type == "" {
			ex.Type = TypeListenAndRepeat
		}
		ex.Phrase = strings.TrimSpace(ex.Phrase)
		ex.Prompt = strings.TrimSpace(ex.Prompt)
		if ex.Prompt == "" {
			ex.Prompt = "Listen and repeat the following phrase"
		}
	}
}
