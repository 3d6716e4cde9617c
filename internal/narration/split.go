package narration

import (
	"regexp"
	"strings"
)

var quoted = regexp.MustCompile(`"([^"]*)"|“([^”]*)”`)

// Segment is one contiguous run of narration in a single language.
type Segment struct {
	Text     string
	Language string
	// Quoted segments are target-language phrases.
	Quoted bool
}

// Split breaks message into narrator and quoted target-language segments,
// preserving order. Blank runs are dropped.
func Split(message, targetLanguage, narratorLanguage string) []Segment {
	var out []Segment
	add := func(text, lang string, q bool) {
		if text = strings.TrimSpace(text); text != "" {
			out = append(out, Segment{Text: text, Language: lang, Quoted: q})
		}
	}
	pos := 0
	for _, m := range quoted.FindAllStringSubmatchIndex(message, -1) {
		add(message[pos:m[0]], narratorLanguage, false)
		start, end := m[2], m[3]
		if start < 0 {
			start, end = m[4], m[5]
		}
		add(message[start:end], targetLanguage, true)
		pos = m[1]
	}
	add(message[pos:], narratorLanguage, false)
	return out
}

// Quote wraps phrase so Split classifies it as target-language speech.
func Quote(phrase string) string {
	return `"` + strings.ReplaceAll(phrase, `"`, "") + `"`
}
