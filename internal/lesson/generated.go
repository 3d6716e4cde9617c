package lesson

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-tutor/internal/llm"
)

const generatorSystemPrompt = "You are a helpful assistant that creates interactive language learning content. Respond with valid JSON only, no additional text."

// GeneratedProvider asks a language model for curricula and lessons. Lesson
// IDs have the form "<language>/<topic-slug>"; generated lessons are kept for
// the provider's lifetime so a resumed session sees the same exercises.
type GeneratedProvider struct {
	gen      llm.Generator
	defaults llm.Request
	logger   *slog.Logger

	mu        sync.Mutex
	summaries map[string]Summary
	lessons   map[string]Content
}

func NewGeneratedProvider(gen llm.Generator, defaults llm.Request, logger *slog.Logger) *GeneratedProvider {
	return &GeneratedProvider{
		gen:       gen,
		defaults:  defaults,
		logger:    logger.With(slog.String("component", "lesson-generator")),
		summaries: make(map[string]Summary),
		lessons:   make(map[string]Content),
	}
}

// LessonID builds the ID the provider understands for a topic.
func LessonID(language, title string) string {
	slug := strings.Join(strings.Fields(strings.ToLower(title)), "-")
	return strings.ToLower(strings.TrimSpace(language)) + "/" + slug
}

func splitLessonID(id string) (language, title string, ok bool) {
	language, slug, found := strings.Cut(id, "/")
	if !found || language == "" || slug == "" {
		return "", "", false
	}
	return language, strings.ReplaceAll(slug, "-", " "), true
}

func (p *GeneratedProvider) ListLessons(ctx context.Context, language string) ([]Summary, error) {
	if strings.TrimSpace(language) == "" {
		return nil, fmt.Errorf("language is required to generate a curriculum")
	}
	req := p.defaults
	req.System = "You are a helpful assistant that creates language learning curricula. Respond with valid JSON only, no additional text."
	req.Prompt = fmt.Sprintf("Create a curriculum for learning %s. Provide a JSON array of 5 lessons, each with an 'id', 'title', and 'description'. Focus on speaking and listening skills. Respond with the JSON array only, no additional text or formatting.", language)
	raw, err := llm.Complete(ctx, p.gen, req)
	if err != nil {
		return nil, fmt.Errorf("generate curriculum: %w", err)
	}
	items, err := ParseCurriculum(raw)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range items {
		items[i].Language = language
		items[i].ID = LessonID(language, items[i].Title)
		p.summaries[items[i].ID] = items[i]
	}
	return items, nil
}

func (p *GeneratedProvider) GetLessonContent(ctx context.Context, lessonID string) (Content, error) {
	p.mu.Lock()
	if c, ok := p.lessons[lessonID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	summary, known := p.summaries[lessonID]
	p.mu.Unlock()

	language, title := summary.Language, summary.Title
	if !known {
		var ok bool
		if language, title, ok = splitLessonID(lessonID); !ok {
			return Content{}, fmt.Errorf("%w: %q is not <language>/<topic>", ErrNotFound, lessonID)
		}
	}

	req := p.defaults
	req.System = generatorSystemPrompt
	req.Prompt = lessonPrompt(language, title)
	req.JSON = true
	raw, err := llm.Complete(ctx, p.gen, req)
	if err != nil {
		return Content{}, fmt.Errorf("generate lesson %s: %w", lessonID, err)
	}
	c, err := Parse(raw)
	if err != nil {
		p.logger.Warn("generated lesson rejected", slog.String("lesson_id", lessonID), slogError(err))
		return Content{}, err
	}
	c.Metadata = Metadata{ID: lessonID, Title: title, Language: language, Description: summary.Description}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.lessons[lessonID]; ok {
		return existing, nil
	}
	p.lessons[lessonID] = c
	return c, nil
}

func lessonPrompt(language, title string) string {
	return fmt.Sprintf(`Create an interactive lesson for learning %[1]s on the topic %[2]q. All exercises should be "listen and repeat" type. Provide a JSON object with the following structure:
{
  "introduction": "Brief introduction to the lesson",
  "exercises": [
    {
      "type": "listen_and_repeat",
      "prompt": "Listen and repeat the following phrase",
      "phrase": "Phrase in %[1]s",
      "translation": "English translation of the phrase"
    }
  ]
}
Provide 5 exercises, all of "listen_and_repeat" type. Each exercise should introduce a new phrase related to the lesson topic. Ensure the phrases progress in complexity throughout the lesson. Respond with the JSON object only, no additional text or formatting.`, language, title)
}
