package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoAudio is returned by Collect when a synthesizer finishes without audio.
var ErrNoAudio = errors.New("synthesizer produced no audio")

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Language  string
	Voice     string
}

// SynthChunk contains encoded audio.
type SynthChunk struct {
	SessionID   string
	Sequence    int
	SampleRate  int
	Channels    int
	ContentType string
	PCM         []byte
	Final       bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Collect drains a synthesis stream into one payload and returns it with the
// content type reported by the first chunk.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) ([]byte, string, error) {
	chunks, errs := synth.Synthesize(ctx, req)
	var (
		out         []byte
		contentType string
		synthErr    error
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if contentType == "" {
				contentType = chunk.ContentType
			}
			out = append(out, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && synthErr == nil {
				synthErr = err
			}
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if synthErr != nil {
		return nil, "", fmt.Errorf("synthesize %q: %w", req.Text, synthErr)
	}
	if len(out) == 0 {
		return nil, "", ErrNoAudio
	}
	return out, contentType, nil
}

// VoiceForLanguage picks the default voice for a language tag.
func VoiceForLanguage(language string) string {
	tag := strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	if tag == "" || tag == "en" {
		return "alloy"
	}
	return "nova"
}
