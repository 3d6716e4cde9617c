package lesson

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

// Load reads one lesson file (YAML or JSON) and any reference audio it
// points at. Relative audio paths resolve against the lesson file.
func Load(path string) (Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Content{}, err
	}
	var c Content
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Content{}, fmt.Errorf("%w: %s: %v", ErrMalformedContent, path, err)
	}
	if c.Metadata.ID == "" {
		c.Metadata.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	normalize(&c)
	if err := Validate(c); err != nil {
		return Content{}, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range c.Exercises {
		ex := &c.Exercises[i]
		if ex.ReferenceAudioPath == "" {
			continue
		}
		audioPath := ex.ReferenceAudioPath
		if !filepath.IsAbs(audioPath) {
			audioPath = filepath.Join(dir, audioPath)
		}
		clip, err := os.ReadFile(audioPath)
		if err != nil {
			return Content{}, fmt.Errorf("exercise %d reference audio: %w", i, err)
		}
		ex.ReferenceAudio = &audio.Clip{Data: clip, ContentType: contentTypeFor(audioPath)}
	}
	return c, nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return audio.ContentTypeWAV
	case ".pcm", ".raw":
		return audio.ContentTypePCM
	default:
		return audio.ContentTypeMPEG
	}
}

// FileProvider serves lessons from a directory of lesson files.
type FileProvider struct {
	dir    string
	logger *slog.Logger
}

func NewFileProvider(dir string, logger *slog.Logger) *FileProvider {
	return &FileProvider{dir: dir, logger: logger.With(slog.String("component", "lesson-files"))}
}

func (p *FileProvider) GetLessonContent(ctx context.Context, lessonID string) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	if lessonID == "" || strings.ContainsAny(lessonID, `/\`) || strings.Contains(lessonID, "..") {
		return Content{}, fmt.Errorf("%w: invalid id %q", ErrNotFound, lessonID)
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(p.dir, lessonID+ext)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	// fall back to files whose metadata id differs from the file name
	paths, err := p.files()
	if err != nil {
		return Content{}, err
	}
	for _, path := range paths {
		c, err := Load(path)
		if err != nil {
			continue
		}
		if c.Metadata.ID == lessonID {
			return c, nil
		}
	}
	return Content{}, fmt.Errorf("%w: %s", ErrNotFound, lessonID)
}

// ListLessons returns every valid lesson whose language matches. An empty
// language lists everything. Invalid files are logged and skipped.
func (p *FileProvider) ListLessons(ctx context.Context, language string) ([]Summary, error) {
	paths, err := p.files()
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := Load(path)
		if err != nil {
			p.logger.Warn("skipping lesson file", slog.String("path", path), slogError(err))
			continue
		}
		if language != "" && !strings.EqualFold(c.Metadata.Language, language) {
			continue
		}
		out = append(out, Summary{
			ID:          c.Metadata.ID,
			Title:       c.Metadata.Title,
			Description: c.Metadata.Description,
			Language:    c.Metadata.Language,
		})
	}
	return out, nil
}

func (p *FileProvider) files() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read lesson directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, filepath.Join(p.dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
