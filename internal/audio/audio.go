// Package audio holds the payload types shared by playback, capture and
// transcription, plus WAV encoding and the playback port.
package audio

import (
	"context"
	"errors"
)

// Content types used across the pipeline.
const (
	ContentTypeMPEG = "audio/mpeg"
	ContentTypeWAV  = "audio/wav"
	ContentTypePCM  = "audio/pcm"
)

// ErrEmptyClip is returned when a clip without audio is handed to a player.
var ErrEmptyClip = errors.New("audio clip is empty")

// Format describes raw 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Recording is a finalized microphone capture.
type Recording struct {
	Format Format
	PCM    []byte
}

// Empty reports whether no frames were captured.
func (r Recording) Empty() bool { return len(r.PCM) == 0 }

// Clip is a decodable audio payload ready for playback.
type Clip struct {
	Data        []byte
	ContentType string
}

// Empty reports whether the clip carries no audio.
func (c Clip) Empty() bool { return len(c.Data) == 0 }

// Player plays a clip on one output channel. Play blocks until playback has
// ended, ctx is cancelled or the player fails.
type Player interface {
	Play(ctx context.Context, clip Clip) error
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, clip Clip) error

func (f PlayerFunc) Play(ctx context.Context, clip Clip) error { return f(ctx, clip) }

// DiscardPlayer accepts every clip and returns immediately.
type DiscardPlayer struct{}

func (DiscardPlayer) Play(ctx context.Context, clip Clip) error {
	if clip.Empty() {
		return ErrEmptyClip
	}
	return ctx.Err()
}
