package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/verify"
)

// Phase of a lesson session.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseReady
	PhaseIdle
	PhaseNarratingGuidance
	PhaseListening
	PhaseTranscribing
	PhaseFeedback
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseIdle:
		return "idle"
	case PhaseNarratingGuidance:
		return "narrating_guidance"
	case PhaseListening:
		return "listening"
	case PhaseTranscribing:
		return "transcribing"
	case PhaseFeedback:
		return "feedback"
	case PhaseCompleted:
		return "completed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// FailureKind classifies a collaborator failure.
type FailureKind string

const (
	FailurePermission    FailureKind = "permission"
	FailureSynthesis     FailureKind = "synthesis"
	FailureTranscription FailureKind = "transcription"
	FailureContent       FailureKind = "content"
	FailureProgress      FailureKind = "progress"
	FailureRejected      FailureKind = "rejected"
)

var (
	ErrClosed    = errors.New("session closed")
	ErrNotLoaded = errors.New("no lesson loaded")
)

// Failure is returned by session operations and kept on the snapshot until
// the next successful action. Only content failures are fatal.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(kind FailureKind, message string, err error) *Failure {
	return &Failure{Kind: kind, Message: message, Err: err}
}

// State is a point-in-time copy of a session.
type State struct {
	ID             string
	LessonID       string
	Language       string
	Phase          Phase
	CurrentIndex   int
	TotalExercises int
	// Unlocked is sorted ascending.
	Unlocked     []int
	CorrectCount int
	Feedback     *verify.Feedback
	Transcript   string
	Recording    bool
	Narrating    bool
	Err          *Failure
}

// IsUnlocked reports whether index may be opened.
func (s State) IsUnlocked(index int) bool {
	for _, u := range s.Unlocked {
		if u == index {
			return true
		}
	}
	return false
}

// EventType names a session event.
type EventType string

const (
	EventPhaseChanged     EventType = "phase_changed"
	EventFeedback         EventType = "feedback"
	EventNarrationSkipped EventType = "narration_skipped"
	EventWarning          EventType = "warning"
	EventError            EventType = "error"
	EventLessonCompleted  EventType = "lesson_completed"
)

// Event is emitted to the host as the session moves.
type Event struct {
	SessionID string
	Type      EventType
	Phase     Phase
	Index     int
	Message   string
	Time      time.Time
}

// EventSink receives events. Emit must not call back into the session.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

type discardSink struct{}

func (discardSink) Emit(Event) {}
