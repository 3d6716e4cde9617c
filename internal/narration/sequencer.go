// Package narration plays mixed-language guidance one segment at a time.
package narration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/audiocache"
	"github.com/loqalabs/loqa-tutor/internal/tts"
)

var (
	ErrSynthesis = errors.New("narration synthesis failed")
	ErrPlayback  = errors.New("narration playback failed")
)

// Status reports what happened to a Narrate call.
type Status int

const (
	StatusPlayed Status = iota
	// StatusSkipped means another narration was already in progress and this
	// one was dropped without playing anything.
	StatusSkipped
)

func (s Status) String() string {
	if s == StatusSkipped {
		return "skipped"
	}
	return "played"
}

// Result describes a finished Narrate call.
type Result struct {
	Status   Status
	Segments int
}

// Config tunes a Sequencer.
type Config struct {
	NarratorLanguage string
	Voice            string
	SessionID        string
}

// Sequencer is single-flight: at most one Narrate runs at a time and calls
// arriving meanwhile are skipped, not queued.
type Sequencer struct {
	cfg    Config
	cache  *audiocache.Cache
	synth  tts.Synthesizer
	player audio.Player
	logger *slog.Logger
	busy   atomic.Bool

	skipped  metric.Int64Counter
	segments metric.Int64Counter
}

func New(cfg Config, cache *audiocache.Cache, synth tts.Synthesizer, player audio.Player, logger *slog.Logger) *Sequencer {
	if cfg.NarratorLanguage == "" {
		cfg.NarratorLanguage = "en"
	}
	s := &Sequencer{
		cfg:    cfg,
		cache:  cache,
		synth:  synth,
		player: player,
		logger: logger.With(slog.String("component", "narration")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-tutor/narration")
	var err error
	if s.skipped, err = meter.Int64Counter("loqa.narration.skipped", metric.WithDescription("Narration requests dropped while another was playing")); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if s.segments, err = meter.Int64Counter("loqa.narration.segments", metric.WithDescription("Narration segments played")); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

// Busy reports whether a narration is playing.
func (s *Sequencer) Busy() bool {
	return s.busy.Load()
}

// NarratorLanguage is the language unquoted text is spoken in.
func (s *Sequencer) NarratorLanguage() string {
	return s.cfg.NarratorLanguage
}

// Narrate speaks message, with quoted phrases in targetLanguage. It returns
// once the last segment finished playing. A synthesis or playback failure
// aborts the remaining segments.
func (s *Sequencer) Narrate(ctx context.Context, message, targetLanguage string) (Result, error) {
	if !s.busy.CompareAndSwap(false, true) {
		if s.skipped != nil {
			s.skipped.Add(ctx, 1)
		}
		s.logger.Debug("narration skipped; another narration in progress")
		return Result{Status: StatusSkipped}, nil
	}
	defer s.busy.Store(false)

	segments := Split(message, targetLanguage, s.cfg.NarratorLanguage)
	played := 0
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusPlayed, Segments: played}, err
		}
		if err := s.playSegment(ctx, seg); err != nil {
			s.logger.Warn("narration aborted",
				slog.Int("segment", i),
				slog.Int("segments", len(segments)),
				slog.String("language", seg.Language),
				slogError(err))
			return Result{Status: StatusPlayed, Segments: played}, err
		}
		played++
		if s.segments != nil {
			s.segments.Add(ctx, 1, metric.WithAttributes(attribute.Bool("quoted", seg.Quoted)))
		}
	}
	return Result{Status: StatusPlayed, Segments: played}, nil
}

func (s *Sequencer) playSegment(ctx context.Context, seg Segment) error {
	payload, release, err := s.cache.Resolve(ctx, seg.Text, seg.Language, s.fill(seg))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %q (%s): %v", ErrSynthesis, seg.Text, seg.Language, err)
	}
	defer release()
	if err := s.player.Play(ctx, payload.Clip); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %q: %v", ErrPlayback, seg.Text, err)
	}
	return nil
}

func (s *Sequencer) fill(seg Segment) audiocache.FillFunc {
	return audiocache.Synthesize(s.synth, tts.SynthRequest{
		SessionID: s.cfg.SessionID,
		Text:      seg.Text,
		Language:  seg.Language,
		Voice:     s.cfg.Voice,
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
