package practice

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/audiocache"
	"github.com/loqalabs/loqa-tutor/internal/capture"
	"github.com/loqalabs/loqa-tutor/internal/narration"
	"github.com/loqalabs/loqa-tutor/internal/progress"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/session"
	"github.com/loqalabs/loqa-tutor/internal/tts"
)

// Builder assembles a session for a start request.
type Builder interface {
	NewSession(req protocol.SessionStart, events session.EventSink) (*session.Session, error)
}

// Components are the process-wide collaborators every session is built
// from. Each session gets its own cache, narrator and capture controller.
type Components struct {
	Synth               tts.Synthesizer
	Player              audio.Player
	Device              capture.Device
	Verifier            session.Verifier
	Progress            progress.Saver
	Capture             capture.Config
	NarratorLanguage    string
	Voice               string
	PrefetchConcurrency int
	Logger              *slog.Logger
}

func (c Components) NewSession(req protocol.SessionStart, events session.EventSink) (*session.Session, error) {
	id := uuid.NewString()
	narrator := strings.TrimSpace(req.NativeLanguage)
	if narrator == "" {
		narrator = c.NarratorLanguage
	}
	cache := audiocache.New(c.Logger)
	seq := narration.New(narration.Config{
		NarratorLanguage: narrator,
		Voice:            c.Voice,
		SessionID:        id,
	}, cache, c.Synth, c.Player, c.Logger)

	return session.New(session.Config{
		ID:                  id,
		LearnerID:           req.LearnerID,
		Language:            req.Language,
		Voice:               c.Voice,
		PrefetchConcurrency: c.PrefetchConcurrency,
	}, session.Deps{
		Cache:    cache,
		Narrator: seq,
		Recorder: capture.NewController(c.Device, c.Capture, c.Logger),
		Verifier: c.Verifier,
		Synth:    c.Synth,
		Progress: c.Progress,
		Events:   events,
		Logger:   c.Logger,
	})
}
