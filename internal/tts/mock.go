package tts

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer whose audio is the request's language
// and text, which keeps tests able to tell clips apart.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(5 * time.Millisecond):
		}
		chunks <- SynthChunk{
			SessionID:   req.SessionID,
			Sequence:    0,
			SampleRate:  m.sampleRate,
			Channels:    m.channels,
			ContentType: audio.ContentTypePCM,
			PCM:         []byte(req.Language + ":" + req.Text),
			Final:       true,
		}
	}()
	return chunks, errs
}
