// Package session drives one learner through one lesson: guidance
// narration, listen, speak, verification and progress-gated advancing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/audiocache"
	"github.com/loqalabs/loqa-tutor/internal/capture"
	"github.com/loqalabs/loqa-tutor/internal/lesson"
	"github.com/loqalabs/loqa-tutor/internal/narration"
	"github.com/loqalabs/loqa-tutor/internal/progress"
	"github.com/loqalabs/loqa-tutor/internal/tts"
	"github.com/loqalabs/loqa-tutor/internal/verify"
)

// Narrated and user-facing messages.
const (
	WelcomeMessage       = "Welcome! Let's practice."
	RepeatInstruction    = "Now, repeat after me."
	CompletionMessage    = "You completed the lesson. Great work!"
	RejectAdvanceMessage = "complete the current exercise correctly first"
	ProgressWarning      = "progress may not be recorded"
)

// Narrator plays guidance. narration.Sequencer implements it.
type Narrator interface {
	Narrate(ctx context.Context, message, targetLanguage string) (narration.Result, error)
	Busy() bool
}

// Recorder owns the microphone. capture.Controller implements it.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (audio.Recording, bool, error)
	Close()
}

// Verifier judges an attempt. verify.Pipeline implements it.
type Verifier interface {
	Verify(ctx context.Context, rec audio.Recording, expected, language string) (verify.Result, error)
}

// Config identifies the session and its learner.
type Config struct {
	ID        string
	LearnerID string
	// Language is the target language tag. Loaded content with a language
	// in its metadata overrides it.
	Language            string
	Voice               string
	PrefetchConcurrency int
	ProgressTimeout     time.Duration
}

// Deps are the collaborators of a session. Cache must be the same cache the
// Narrator resolves audio through, and must not be shared with other sessions.
type Deps struct {
	Cache    *audiocache.Cache
	Narrator Narrator
	Recorder Recorder
	Verifier Verifier
	// Synth warms the cache at load time. Optional.
	Synth tts.Synthesizer
	// Progress receives fire-and-forget saves. Optional.
	Progress progress.Saver
	Events   EventSink
	Logger   *slog.Logger
	Clock    func() time.Time
}

// LoadOptions resume a lesson part-way through.
type LoadOptions struct {
	StartIndex int
	Unlocked   []int
}

// Session is safe for concurrent use. Operations block until the action they
// start has finished, including any narration it triggers.
type Session struct {
	id     string
	cfg    Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer

	mu         sync.Mutex
	closed     bool
	loading    bool
	lessonID   string
	language   string
	content    *lesson.Content
	phase      Phase
	current    int
	unlocked   map[int]bool
	correct    map[int]bool
	feedback   *verify.Feedback
	transcript string
	recording  bool
	resume     Phase
	err        *Failure
	pending    []Event

	saves sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Cache == nil || deps.Narrator == nil || deps.Recorder == nil || deps.Verifier == nil {
		return nil, errors.New("session requires cache, narrator, recorder and verifier")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.ProgressTimeout <= 0 {
		cfg.ProgressTimeout = 10 * time.Second
	}
	if deps.Events == nil {
		deps.Events = discardSink{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Session{
		id:       cfg.ID,
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With(slog.String("component", "session"), slog.String("session_id", cfg.ID)),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-tutor/session"),
		language: normalizeLanguage(cfg.Language),
		phase:    PhaseLoading,
		unlocked: map[int]bool{0: true},
		correct:  map[int]bool{},
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// LoadLesson validates content, prepares its audio and narrates the
// introduction. Malformed content leaves the session in PhaseLoading.
func (s *Session) LoadLesson(ctx context.Context, lessonID string, content lesson.Content, opts LoadOptions) error {
	ctx, span := s.tracer.Start(ctx, "session.load_lesson", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("lesson.id", lessonID),
	))
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.unlock()
		return ErrClosed
	}
	if s.loading || s.recording || s.phase == PhaseTranscribing {
		f := s.rejectLocked("finish the current action before changing lessons")
		s.unlock()
		return f
	}
	s.loading = true
	s.err = nil
	s.content = nil
	s.lessonID = lessonID
	s.feedback = nil
	s.transcript = ""
	s.setPhaseLocked(PhaseLoading)
	if lang := normalizeLanguage(content.Metadata.Language); lang != "" {
		s.language = lang
	}
	language := s.language
	s.unlock()

	if err := lesson.Validate(content); err != nil {
		f := fail(FailureContent, "lesson content is malformed", err)
		s.mu.Lock()
		s.loading = false
		s.failLocked(f)
		s.unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("lesson rejected", slog.String("lesson_id", lessonID), slogError(err))
		return f
	}

	total := len(content.Exercises)
	start := opts.StartIndex
	if start < 0 || start >= total {
		s.logger.Warn("start index out of range; starting from the first exercise",
			slog.Int("start_index", start), slog.Int("exercises", total))
		start = 0
	}

	s.deps.Cache.Clear()
	s.prepareAudio(ctx, content, language)

	s.mu.Lock()
	s.loading = false
	s.content = &content
	s.current = start
	s.unlocked = map[int]bool{0: true, start: true}
	for _, idx := range opts.Unlocked {
		if idx >= 0 && idx < total {
			s.unlocked[idx] = true
		}
	}
	// An unlocked exercise implies the one before it was answered correctly.
	s.correct = map[int]bool{}
	for idx := range s.unlocked {
		if idx > 0 {
			s.correct[idx-1] = true
		}
	}
	s.setPhaseLocked(PhaseReady)
	intro := strings.TrimSpace(content.Introduction)
	s.unlock()

	s.logger.Info("lesson loaded",
		slog.String("lesson_id", lessonID),
		slog.String("language", language),
		slog.Int("exercises", total),
		slog.Int("start_index", start))

	if intro == "" {
		intro = WelcomeMessage
	}
	s.guide(ctx, intro)
	return nil
}

// prepareAudio seeds the cache with reference recordings and synthesizes the
// rest. Synthesis failures are left to on-demand fill.
func (s *Session) prepareAudio(ctx context.Context, content lesson.Content, language string) {
	seed := content.Metadata.Language == "" || normalizeLanguage(content.Metadata.Language) == language
	var items []audiocache.Item
	for _, ex := range content.Exercises {
		if seed && ex.ReferenceAudio != nil && len(ex.ReferenceAudio.Data) > 0 {
			s.deps.Cache.Put(ex.Phrase, language, audiocache.Payload{Clip: *ex.ReferenceAudio, Source: "reference"})
			continue
		}
		if s.deps.Synth == nil {
			continue
		}
		items = append(items, audiocache.Item{
			Text:     ex.Phrase,
			Language: language,
			Fill: audiocache.Synthesize(s.deps.Synth, tts.SynthRequest{
				SessionID: s.id,
				Text:      ex.Phrase,
				Language:  language,
				Voice:     s.cfg.Voice,
			}),
		})
	}
	if len(items) == 0 {
		return
	}
	if err := s.deps.Cache.Prefetch(ctx, items, s.cfg.PrefetchConcurrency); err != nil {
		s.logger.Warn("audio prefetch incomplete; phrases will be synthesized on demand", slogError(err))
	}
}

// Listen plays the current phrase followed by the repeat instruction. A
// narration already in progress makes this a skipped no-op.
func (s *Session) Listen(ctx context.Context) (narration.Result, error) {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.unlock()
		return narration.Result{}, err
	}
	from := s.phase
	switch from {
	case PhaseReady, PhaseIdle, PhaseFeedback, PhaseNarratingGuidance:
	default:
		f := s.rejectLocked("wait for the current action to finish")
		s.unlock()
		return narration.Result{}, f
	}
	s.err = nil
	phrase := s.content.Exercises[s.current].Phrase
	language := s.language
	if from != PhaseNarratingGuidance {
		s.setPhaseLocked(PhaseListening)
	}
	s.unlock()

	res, f := s.narrate(ctx, narration.Quote(phrase)+" "+RepeatInstruction, language)

	s.mu.Lock()
	if from != PhaseNarratingGuidance && s.phase == PhaseListening && !s.recording {
		s.setPhaseLocked(settled(from))
	}
	s.unlock()
	if f != nil {
		return res, f
	}
	return res, nil
}

// Speak starts recording an attempt at the current exercise.
func (s *Session) Speak(ctx context.Context) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.unlock()
		return err
	}
	switch s.phase {
	case PhaseReady, PhaseIdle, PhaseFeedback:
	default:
		f := s.rejectLocked("wait for the current action to finish")
		s.unlock()
		return f
	}
	s.err = nil
	s.resume = settled(s.phase)
	s.recording = true
	s.setPhaseLocked(PhaseListening)
	s.unlock()

	if err := s.deps.Recorder.Start(ctx); err != nil {
		if errors.Is(err, capture.ErrClosed) {
			return ErrClosed
		}
		f := fail(FailurePermission, "microphone access was not granted", err)
		if errors.Is(err, capture.ErrAlreadyRecording) {
			f = fail(FailureRejected, "a recording is already in progress", err)
		}
		s.mu.Lock()
		s.recording = false
		s.setPhaseLocked(s.resume)
		s.failLocked(f)
		s.unlock()
		return f
	}
	return nil
}

// StopSpeaking finalizes the recording, verifies it and narrates the
// feedback. It returns nil, nil when nothing was being recorded. Errors are
// never a wrong answer: the feedback and unlocked set stay as they were.
func (s *Session) StopSpeaking(ctx context.Context) (*verify.Result, error) {
	s.mu.Lock()
	if s.closed {
		s.unlock()
		return nil, ErrClosed
	}
	if !s.recording {
		s.unlock()
		return nil, nil
	}
	index := s.current
	exercise := s.content.Exercises[index]
	total := len(s.content.Exercises)
	language := s.language
	resume := s.resume
	s.unlock()

	rec, ok, err := s.deps.Recorder.Stop(ctx)
	if err != nil || !ok {
		s.mu.Lock()
		s.recording = false
		s.setPhaseLocked(resume)
		var f *Failure
		if err != nil {
			f = fail(FailurePermission, "recording failed, please try again", err)
			s.failLocked(f)
		}
		s.unlock()
		if f != nil {
			return nil, f
		}
		return nil, nil
	}

	s.mu.Lock()
	s.recording = false
	s.setPhaseLocked(PhaseTranscribing)
	s.unlock()

	ctx, span := s.tracer.Start(ctx, "session.verify", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.Int("exercise.index", index),
	))
	defer span.End()

	res, err := s.deps.Verifier.Verify(ctx, rec, exercise.Expected(), language)
	if err != nil {
		f := classifyVerifyError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.mu.Lock()
		if s.phase == PhaseTranscribing {
			s.setPhaseLocked(resume)
		}
		s.failLocked(f)
		s.unlock()
		return nil, f
	}

	fb := res.Feedback
	s.mu.Lock()
	s.feedback = &fb
	s.transcript = res.Transcript
	if fb.Kind == verify.Correct {
		s.correct[index] = true
		if index+1 < total {
			s.unlocked[index+1] = true
		}
	}
	s.setPhaseLocked(PhaseFeedback)
	s.pending = append(s.pending, s.eventLocked(EventFeedback, fb.Message))
	s.unlock()
	span.SetAttributes(attribute.String("verify.outcome", fb.Kind.String()))

	s.narrate(ctx, fb.Message, language)
	return &res, nil
}

func classifyVerifyError(err error) *Failure {
	switch {
	case errors.Is(err, verify.ErrEmptyTranscript):
		return fail(FailureTranscription, "no speech was recognized, please try again", err)
	case errors.Is(err, verify.ErrEmptyRecording):
		return fail(FailureTranscription, "nothing was recorded, please try again", err)
	case errors.Is(err, verify.ErrEmptyExpected):
		return fail(FailureContent, "this exercise has no phrase to check", err)
	case errors.Is(err, verify.ErrTimeout):
		return fail(FailureTranscription, "checking your answer took too long, please try again", err)
	default:
		return fail(FailureTranscription, "could not check your answer, please try again", err)
	}
}

// Advance moves to the next exercise, or completes the lesson from the last
// one. It is rejected unless the current exercise was judged correct.
func (s *Session) Advance(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.advance", trace.WithAttributes(attribute.String("session.id", s.id)))
	defer span.End()

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.unlock()
		return err
	}
	if s.phase == PhaseCompleted {
		f := s.rejectLocked("the lesson is already completed")
		s.unlock()
		return f
	}
	if s.phase != PhaseFeedback || s.feedback == nil || s.feedback.Kind != verify.Correct {
		f := s.rejectLocked(RejectAdvanceMessage)
		s.unlock()
		return f
	}
	index := s.current
	total := len(s.content.Exercises)
	language := s.language
	s.err = nil

	if index == total-1 {
		s.setPhaseLocked(PhaseCompleted)
		completed := len(s.correct) == total
		s.pending = append(s.pending, s.eventLocked(EventLessonCompleted, CompletionMessage))
		rec := s.recordLocked(index, completed)
		s.unlock()
		span.SetAttributes(attribute.Bool("lesson.completed", completed))
		s.logger.Info("lesson completed", slog.String("lesson_id", rec.LessonID), slog.Bool("all_correct", completed))
		s.saveProgress(rec)
		s.narrate(ctx, CompletionMessage, language)
		return nil
	}

	if !s.unlocked[index+1] {
		f := s.rejectLocked(RejectAdvanceMessage)
		s.unlock()
		return f
	}
	s.current = index + 1
	s.feedback = nil
	s.transcript = ""
	next := s.content.Exercises[s.current]
	rec := s.recordLocked(s.current, false)
	s.unlock()

	s.saveProgress(rec)
	s.guide(ctx, transitionMessage(next))
	return nil
}

// Select opens an unlocked exercise, typically to review an earlier one.
func (s *Session) Select(ctx context.Context, index int) error {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.unlock()
		return err
	}
	switch s.phase {
	case PhaseReady, PhaseIdle, PhaseFeedback:
	default:
		f := s.rejectLocked("wait for the current action to finish")
		s.unlock()
		return f
	}
	if !s.unlocked[index] {
		f := s.rejectLocked("that exercise is still locked")
		s.unlock()
		return f
	}
	s.err = nil
	if index == s.current {
		s.unlock()
		return nil
	}
	s.current = index
	s.feedback = nil
	s.transcript = ""
	next := s.content.Exercises[index]
	s.unlock()

	s.guide(ctx, transitionMessage(next))
	return nil
}

// SetTargetLanguage switches the language phrases are spoken and judged in.
// Cached audio is dropped since pronunciation differs per language.
func (s *Session) SetTargetLanguage(ctx context.Context, language string) error {
	language = normalizeLanguage(language)
	if language == "" {
		return errors.New("language is required")
	}
	s.mu.Lock()
	if s.closed {
		s.unlock()
		return ErrClosed
	}
	if s.loading || s.recording || s.phase == PhaseTranscribing || s.phase == PhaseListening {
		f := s.rejectLocked("finish the current action before changing language")
		s.unlock()
		return f
	}
	if language == s.language {
		s.unlock()
		return nil
	}
	s.language = language
	content := s.content
	s.unlock()

	s.deps.Cache.Clear()
	s.logger.Info("target language changed", slog.String("language", language))
	if content != nil {
		s.prepareAudio(ctx, *content, language)
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		ID:           s.id,
		LessonID:     s.lessonID,
		Language:     s.language,
		Phase:        s.phase,
		CurrentIndex: s.current,
		CorrectCount: len(s.correct),
		Transcript:   s.transcript,
		Recording:    s.recording,
		Narrating:    s.deps.Narrator.Busy(),
		Err:          s.err,
	}
	if s.content != nil {
		st.TotalExercises = len(s.content.Exercises)
	}
	for idx := range s.unlocked {
		st.Unlocked = append(st.Unlocked, idx)
	}
	sort.Ints(st.Unlocked)
	if s.feedback != nil {
		fb := *s.feedback
		st.Feedback = &fb
	}
	return st
}

// Exercise returns the current exercise.
func (s *Session) Exercise() (lesson.Exercise, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.content == nil {
		return lesson.Exercise{}, false
	}
	return s.content.Exercises[s.current], true
}

// Close releases the microphone and cached audio and waits for pending
// progress saves. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.recording = false
	s.mu.Unlock()

	s.deps.Recorder.Close()
	s.deps.Cache.Clear()
	s.saves.Wait()
}

// guide narrates in PhaseNarratingGuidance and settles to Idle.
func (s *Session) guide(ctx context.Context, message string) {
	s.mu.Lock()
	if s.closed {
		s.unlock()
		return
	}
	s.setPhaseLocked(PhaseNarratingGuidance)
	language := s.language
	s.unlock()

	s.narrate(ctx, message, language)

	s.mu.Lock()
	if s.phase == PhaseNarratingGuidance {
		s.setPhaseLocked(PhaseIdle)
	}
	s.unlock()
}

// narrate records synthesis failures on the session instead of propagating
// them past the caller.
func (s *Session) narrate(ctx context.Context, message, language string) (narration.Result, *Failure) {
	res, err := s.deps.Narrator.Narrate(ctx, message, language)
	if err != nil {
		f := fail(FailureSynthesis, "audio playback failed, please try again", err)
		s.mu.Lock()
		s.failLocked(f)
		s.unlock()
		return res, f
	}
	if res.Status == narration.StatusSkipped {
		s.mu.Lock()
		s.pending = append(s.pending, s.eventLocked(EventNarrationSkipped, message))
		s.unlock()
	}
	return res, nil
}

func (s *Session) recordLocked(index int, completed bool) progress.Record {
	return progress.Record{
		LearnerID:     s.cfg.LearnerID,
		Language:      s.language,
		LessonID:      s.lessonID,
		ExerciseIndex: index,
		Completed:     completed,
		UpdatedAt:     s.deps.Clock().UTC(),
	}
}

// saveProgress never blocks the caller; failures become warnings.
func (s *Session) saveProgress(rec progress.Record) {
	if s.deps.Progress == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Add under mu so it never races Close's Wait
	s.saves.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProgressTimeout)
		defer cancel()
		if err := s.deps.Progress.SaveProgress(ctx, rec); err != nil {
			s.logger.Warn("progress save failed",
				slog.String("lesson_id", rec.LessonID),
				slog.Int("exercise_index", rec.ExerciseIndex),
				slogError(err))
			s.mu.Lock()
			s.pending = append(s.pending, s.eventLocked(EventWarning, ProgressWarning))
			s.unlock()
		}
	}()
}

func (s *Session) usableLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.content == nil {
		return ErrNotLoaded
	}
	return nil
}

func (s *Session) rejectLocked(message string) *Failure {
	f := fail(FailureRejected, message, nil)
	s.err = f
	return f
}

func (s *Session) failLocked(f *Failure) {
	s.err = f
	s.pending = append(s.pending, s.eventLocked(EventError, f.Message))
}

func (s *Session) setPhaseLocked(p Phase) {
	if s.phase == p {
		return
	}
	s.phase = p
	s.pending = append(s.pending, s.eventLocked(EventPhaseChanged, ""))
}

func (s *Session) eventLocked(t EventType, message string) Event {
	return Event{
		SessionID: s.id,
		Type:      t,
		Phase:     s.phase,
		Index:     s.current,
		Message:   message,
		Time:      s.deps.Clock().UTC(),
	}
}

// unlock releases the mutex and emits events queued while it was held.
func (s *Session) unlock() {
	evs := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, e := range evs {
		s.deps.Events.Emit(e)
	}
}

// settled is the phase an action returns to once it is over.
func settled(p Phase) Phase {
	if p == PhaseFeedback {
		return PhaseFeedback
	}
	return PhaseIdle
}

func transitionMessage(ex lesson.Exercise) string {
	prompt := strings.TrimRight(strings.TrimSpace(ex.Prompt), ":.")
	if prompt == "" {
		prompt = "Next phrase"
	}
	return fmt.Sprintf("%s: %s", prompt, narration.Quote(ex.Phrase))
}

func normalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
