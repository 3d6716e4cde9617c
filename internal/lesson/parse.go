package lesson

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	codeFence     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	controlChars  = regexp.MustCompile(`[\x00-\x1F\x7F]`)
	trailingComma = regexp.MustCompile(`,\s*([\]}])`)
)

// Clean strips the noise generators wrap around JSON: code fences, control
// characters and trailing commas.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	if m := codeFence.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	if start := strings.IndexAny(s, "{["); start > 0 {
		s = s[start:]
	}
	s = controlChars.ReplaceAllString(s, "")
	return trailingComma.ReplaceAllString(s, "$1")
}

// Parse leniently decodes generated lesson JSON and then validates it
// strictly.
func Parse(raw string) (Content, error) {
	var c Content
	if err := json.Unmarshal([]byte(Clean(raw)), &c); err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	normalize(&c)
	if err := Validate(c); err != nil {
		return Content{}, err
	}
	return c, nil
}

// generated IDs are as often numbers as strings
type rawSummary struct {
	ID          any    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ParseCurriculum decodes a generated JSON array of lesson summaries.
func ParseCurriculum(raw string) ([]Summary, error) {
	var items []rawSummary
	if err := json.Unmarshal([]byte(Clean(raw)), &items); err != nil {
		return nil, fmt.Errorf("%w: curriculum: %v", ErrMalformedContent, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: curriculum is empty", ErrMalformedContent)
	}
	out := make([]Summary, 0, len(items))
	for i, item := range items {
		title := strings.TrimSpace(item.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: curriculum entry %d has no title", ErrMalformedContent, i)
		}
		id := ""
		if item.ID != nil {
			id = strings.TrimSpace(fmt.Sprint(item.ID))
		}
		out = append(out, Summary{ID: id, Title: title, Description: strings.TrimSpace(item.Description)})
	}
	return out, nil
}
