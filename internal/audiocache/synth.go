package audiocache

import (
	"context"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/tts"
)

// Synthesize returns a FillFunc that renders req through synth.
func Synthesize(synth tts.Synthesizer, req tts.SynthRequest) FillFunc {
	return func(ctx context.Context) (Payload, error) {
		data, contentType, err := tts.Collect(ctx, synth, req)
		if err != nil {
			return Payload{}, err
		}
		return Payload{
			Clip:   audio.Clip{Data: data, ContentType: contentType},
			Source: "synthesized",
		}, nil
	}
}
