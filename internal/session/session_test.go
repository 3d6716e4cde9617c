package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/audiocache"
	"github.com/loqalabs/loqa-tutor/internal/capture"
	"github.com/loqalabs/loqa-tutor/internal/lesson"
	"github.com/loqalabs/loqa-tutor/internal/narration"
	"github.com/loqalabs/loqa-tutor/internal/progress"
	"github.com/loqalabs/loqa-tutor/internal/stt"
	"github.com/loqalabs/loqa-tutor/internal/tts"
	"github.com/loqalabs/loqa-tutor/internal/verify"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPlayer struct {
	mu      sync.Mutex
	played  []string
	gate    chan struct{}
	started chan struct{}
}

func (p *recordingPlayer) Play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	p.played = append(p.played, string(clip.Data))
	p.mu.Unlock()
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *recordingPlayer) Played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

func (p *recordingPlayer) Reset() {
	p.mu.Lock()
	p.played = nil
	p.mu.Unlock()
}

type recordingSaver struct {
	mu      sync.Mutex
	records []progress.Record
	err     error
}

func (s *recordingSaver) SaveProgress(_ context.Context, rec progress.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSaver) Records() []progress.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Record(nil), s.records...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Emit(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) Count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	sess       *Session
	cache      *audiocache.Cache
	player     *recordingPlayer
	device     *capture.MockDevice
	recognizer *stt.ScriptedRecognizer
	saver      *recordingSaver
	events     *eventLog
}

func newHarness(t *testing.T, player *recordingPlayer, steps ...stt.ScriptStep) *harness {
	t.Helper()
	log := newLogger()
	if player == nil {
		player = &recordingPlayer{}
	}
	h := &harness{
		cache:      audiocache.New(log),
		player:     player,
		device:     &capture.MockDevice{Frames: [][]byte{{1, 0, 2, 0, 3, 0, 4, 0}}},
		recognizer: stt.NewScriptedRecognizer(steps...),
		saver:      &recordingSaver{},
		events:     &eventLog{},
	}
	synth := tts.NewMockSynth(16000, 1)
	seq := narration.New(narration.Config{NarratorLanguage: "en"}, h.cache, synth, player, log)
	ctrl := capture.NewController(h.device, capture.Config{
		Format:            audio.Format{SampleRate: 16000, Channels: 1},
		PermissionTimeout: time.Second,
	}, log)
	pipeline, err := verify.New(verify.Config{Mode: verify.ModeClient, Threshold: 0.97, Timeout: time.Second}, h.recognizer, nil, log)
	if err != nil {
		t.Fatalf("verify pipeline: %v", err)
	}
	h.sess, err = New(Config{LearnerID: "learner-1", Language: "es"}, Deps{
		Cache:    h.cache,
		Narrator: seq,
		Recorder: ctrl,
		Verifier: pipeline,
		Synth:    synth,
		Progress: h.saver,
		Events:   h.events,
		Logger:   log,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(h.sess.Close)
	return h
}

func holaAdios() lesson.Content {
	return lesson.Content{
		Metadata:     lesson.Metadata{ID: "greetings", Language: "es"},
		Introduction: "Let's learn greetings.",
		Exercises: []lesson.Exercise{
			{Type: lesson.TypeListenAndRepeat, Prompt: "Say hello", Phrase: "Hola"},
			{Type: lesson.TypeListenAndRepeat, Prompt: "Say goodbye", Phrase: "Adiós"},
		},
	}
}

func (h *harness) attempt(t *testing.T) (*verify.Result, error) {
	t.Helper()
	ctx := context.Background()
	if err := h.sess.Speak(ctx); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if st := h.sess.Snapshot(); st.Phase != PhaseListening || !st.Recording {
		t.Fatalf("expected listening while recording, got %s", st.Phase)
	}
	return h.sess.StopSpeaking(ctx)
}

func assertInvariants(t *testing.T, st State) {
	t.Helper()
	if !st.IsUnlocked(st.CurrentIndex) {
		t.Fatalf("current index %d not unlocked %v", st.CurrentIndex, st.Unlocked)
	}
	if !st.IsUnlocked(0) {
		t.Fatalf("index 0 must stay unlocked, got %v", st.Unlocked)
	}
}

func TestHolaAdiosScenario(t *testing.T) {
	h := newHarness(t, nil,
		stt.ScriptStep{Text: "hola"},
		stt.ScriptStep{Text: "buenas"},
		stt.ScriptStep{Text: "adiós"},
	)
	ctx := context.Background()
	if err := h.sess.LoadLesson(ctx, "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := h.sess.Snapshot()
	if st.Phase != PhaseIdle || !reflect.DeepEqual(st.Unlocked, []int{0}) {
		t.Fatalf("unexpected state after load %+v", st)
	}

	res, err := h.attempt(t)
	if err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	if res.Feedback.Kind != verify.Correct || res.Score != 1 {
		t.Fatalf("expected correct with score 1, got %+v", res)
	}
	st = h.sess.Snapshot()
	if st.Phase != PhaseFeedback || !reflect.DeepEqual(st.Unlocked, []int{0, 1}) {
		t.Fatalf("unexpected state after correct attempt %+v", st)
	}
	assertInvariants(t, st)

	if err := h.sess.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	st = h.sess.Snapshot()
	if st.CurrentIndex != 1 || st.Feedback != nil || st.Phase != PhaseIdle {
		t.Fatalf("unexpected state after advance %+v", st)
	}
	assertInvariants(t, st)

	res, err = h.attempt(t)
	if err != nil {
		t.Fatalf("attempt 2: %v", err)
	}
	if res.Feedback.Kind != verify.Incorrect || res.Feedback.CorrectPhrase != "Adiós" {
		t.Fatalf("expected incorrect feedback, got %+v", res.Feedback)
	}
	if want := `Not quite. The correct phrase is: "Adiós"`; res.Feedback.Message != want {
		t.Fatalf("unexpected feedback message %q", res.Feedback.Message)
	}
	if got := h.sess.Snapshot().Unlocked; !reflect.DeepEqual(got, []int{0, 1}) {
		t.Fatalf("incorrect attempt changed unlocked set: %v", got)
	}

	err = h.sess.Advance(ctx)
	var f *Failure
	if !errors.As(err, &f) || f.Kind != FailureRejected || f.Message != RejectAdvanceMessage {
		t.Fatalf("expected rejected advance, got %v", err)
	}
	if h.sess.Snapshot().CurrentIndex != 1 {
		t.Fatal("rejected advance moved the index")
	}

	if res, err = h.attempt(t); err != nil || res.Feedback.Kind != verify.Correct {
		t.Fatalf("retry: res=%+v err=%v", res, err)
	}
	if err := h.sess.Advance(ctx); err != nil {
		t.Fatalf("final advance: %v", err)
	}
	st = h.sess.Snapshot()
	if st.Phase != PhaseCompleted || st.CorrectCount != 2 {
		t.Fatalf("expected completed with 2 correct, got %+v", st)
	}
	if h.events.Count(EventLessonCompleted) != 1 {
		t.Fatal("expected lesson completed event")
	}

	h.sess.Close()
	records := h.saver.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 progress saves, got %+v", records)
	}
	var final, moved progress.Record
	for _, rec := range records {
		if rec.Completed {
			final = rec
		} else {
			moved = rec
		}
	}
	if final.LessonID != "greetings" || final.ExerciseIndex != 1 || final.LearnerID != "learner-1" || final.Language != "es" {
		t.Fatalf("unexpected final save %+v", records)
	}
	if moved.LessonID != "greetings" || moved.ExerciseIndex != 1 {
		t.Fatalf("unexpected advance save %+v", records)
	}
	if got := h.recognizer.Languages(); got[0] != "es" {
		t.Fatalf("transcription language %v", got)
	}
}

func TestAdvanceRejectedWithoutFeedback(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.sess.LoadLesson(ctx, "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := h.sess.Advance(ctx)
	var f *Failure
	if !errors.As(err, &f) || f.Kind != FailureRejected {
		t.Fatalf("expected rejection, got %v", err)
	}
	st := h.sess.Snapshot()
	if st.CurrentIndex != 0 || st.Err == nil || st.Err.Message != RejectAdvanceMessage {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestMalformedLessonIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	err := h.sess.LoadLesson(context.Background(), "empty", lesson.Content{Introduction: "hi"}, LoadOptions{})
	var f *Failure
	if !errors.As(err, &f) || f.Kind != FailureContent || !errors.Is(err, lesson.ErrMalformedContent) {
		t.Fatalf("expected content failure, got %v", err)
	}
	if st := h.sess.Snapshot(); st.Phase != PhaseLoading {
		t.Fatalf("session must not become ready, got %s", st.Phase)
	}
	if _, err := h.sess.Listen(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestResumeRestoresUnlocked(t *testing.T) {
	h := newHarness(t, nil, stt.ScriptStep{Text: "adiós"})
	ctx := context.Background()
	err := h.sess.LoadLesson(ctx, "greetings", holaAdios(), LoadOptions{StartIndex: 1, Unlocked: []int{0, 1, 7}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	st := h.sess.Snapshot()
	if st.CurrentIndex != 1 || !reflect.DeepEqual(st.Unlocked, []int{0, 1}) || st.CorrectCount != 1 {
		t.Fatalf("unexpected resumed state %+v", st)
	}
	if _, err := h.attempt(t); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if err := h.sess.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	h.sess.Close()
	records := h.saver.Records()
	if len(records) != 1 || !records[0].Completed {
		t.Fatalf("resumed completion should count earlier exercises, got %+v", records)
	}
}

func TestTranscriptionFailureIsNotIncorrect(t *testing.T) {
	h := newHarness(t, nil,
		stt.ScriptStep{Err: errors.New("connection reset")},
		stt.ScriptStep{Text: ""},
		stt.ScriptStep{Text: "hola"},
	)
	ctx := context.Background()
	if err := h.sess.LoadLesson(ctx, "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}

	for i := 0; i < 2; i++ {
		res, err := h.attempt(t)
		var f *Failure
		if !errors.As(err, &f) || f.Kind != FailureTranscription || res != nil {
			t.Fatalf("attempt %d: expected transcription failure, got res=%v err=%v", i, res, err)
		}
		st := h.sess.Snapshot()
		if st.Feedback != nil || st.Phase != PhaseIdle || !reflect.DeepEqual(st.Unlocked, []int{0}) {
			t.Fatalf("attempt %d: failure leaked into state %+v", i, st)
		}
	}
	if !errors.Is(h.sess.Snapshot().Err, verify.ErrEmptyTranscript) {
		t.Fatalf("expected empty transcript cause, got %v", h.sess.Snapshot().Err)
	}

	if res, err := h.attempt(t); err != nil || res.Feedback.Kind != verify.Correct {
		t.Fatalf("retry after failures: res=%+v err=%v", res, err)
	}
	if h.sess.Snapshot().Err != nil {
		t.Fatal("successful attempt should clear the failure")
	}
}

func TestPermissionDeniedIsRetryable(t *testing.T) {
	h := newHarness(t, nil, stt.ScriptStep{Text: "hola"})
	ctx := context.Background()
	if err := h.sess.LoadLesson(ctx, "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.device.Err = capture.ErrPermissionDenied
	err := h.sess.Speak(ctx)
	var f *Failure
	if !errors.As(err, &f) || f.Kind != FailurePermission || !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("expected permission failure, got %v", err)
	}
	if st := h.sess.Snapshot(); st.Phase != PhaseIdle || st.Recording {
		t.Fatalf("unexpected state after denial %+v", st)
	}

	h.device.Err = nil
	if res, err := h.attempt(t); err != nil || res.Feedback.Kind != verify.Correct {
		t.Fatalf("retry: res=%+v err=%v", res, err)
	}
}

func TestStopSpeakingWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.sess.LoadLesson(context.Background(), "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	res, err := h.sess.StopSpeaking(context.Background())
	if res != nil || err != nil {
		t.Fatalf("expected no-op, got res=%v err=%v", res, err)
	}
	if h.recognizer.Calls() != 0 {
		t.Fatal("no-op stop must not transcribe")
	}
}

func TestListenPlaysPhraseThenInstruction(t *testing.T) {
	h := newHarness(t, nil)
	content := holaAdios()
	content.Exercises[0].ReferenceAudio = &audio.Clip{Data: []byte("reference-hola"), ContentType: audio.ContentTypeMPEG}
	if err := h.sess.LoadLesson(context.Background(), "greetings", content, LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.player.Reset()

	res, err := h.sess.Listen(context.Background())
	if err != nil || res.Status != narration.StatusPlayed {
		t.Fatalf("listen: res=%+v err=%v", res, err)
	}
	want := []string{"reference-hola", "en:" + RepeatInstruction}
	if got := h.player.Played(); !reflect.DeepEqual(got, want) {
		t.Fatalf("played %q, want %q", got, want)
	}
	if st := h.sess.Snapshot(); st.Phase != PhaseIdle {
		t.Fatalf("expected idle after listen, got %s", st.Phase)
	}
}

func TestLoadPrefetchesPhrases(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.sess.LoadLesson(context.Background(), "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, phrase := range []string{"Hola", "Adiós"} {
		p, ok := h.cache.Get(phrase, "es")
		if !ok || p.Source != "synthesized" {
			t.Fatalf("expected %q prefetched, got %+v ok=%v", phrase, p, ok)
		}
	}
}

func TestSetTargetLanguageClearsCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.sess.LoadLesson(ctx, "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.sess.SetTargetLanguage(ctx, "PT"); err != nil {
		t.Fatalf("set language: %v", err)
	}
	if _, ok := h.cache.Get("Hola", "es"); ok {
		t.Fatal("audio for the previous language survived the switch")
	}
	h.player.Reset()
	if _, err := h.sess.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if got := h.player.Played(); len(got) == 0 || got[0] != "pt:Hola" {
		t.Fatalf("expected phrase in the new language, got %q", got)
	}
	if h.sess.Snapshot().Language != "pt" {
		t.Fatal("language not updated")
	}
}

func TestProgressFailureIsWarning(t *testing.T) {
	h := newHarness(t, nil, stt.ScriptStep{Text: "hola"})
	h.saver.err = errors.New("store offline")
	ctx := context.Background()
	if err := h.sess.LoadLesson(ctx, "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := h.attempt(t); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if err := h.sess.Advance(ctx); err != nil {
		t.Fatalf("advance must not fail on progress errors: %v", err)
	}
	h.sess.Close()
	if h.events.Count(EventWarning) != 1 {
		t.Fatal("expected a progress warning event")
	}
	if h.sess.Snapshot().CurrentIndex != 1 {
		t.Fatal("progress failure blocked advancing")
	}
}

func TestListenDuringGuidanceIsSkipped(t *testing.T) {
	player := &recordingPlayer{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	h := newHarness(t, player)

	loaded := make(chan error, 1)
	go func() {
		loaded <- h.sess.LoadLesson(context.Background(), "greetings", holaAdios(), LoadOptions{})
	}()
	select {
	case <-player.started:
	case <-time.After(2 * time.Second):
		t.Fatal("welcome narration never started")
	}
	if st := h.sess.Snapshot(); st.Phase != PhaseNarratingGuidance || !st.Narrating {
		t.Fatalf("expected guidance narration, got %+v", st)
	}

	res, err := h.sess.Listen(context.Background())
	if err != nil || res.Status != narration.StatusSkipped {
		t.Fatalf("expected skipped listen, got res=%+v err=%v", res, err)
	}
	if h.events.Count(EventNarrationSkipped) != 1 {
		t.Fatal("skipped narration not reported")
	}

	close(player.gate)
	if err := <-loaded; err != nil {
		t.Fatalf("load: %v", err)
	}
	if st := h.sess.Snapshot(); st.Phase != PhaseIdle {
		t.Fatalf("expected idle after guidance, got %s", st.Phase)
	}
}

func TestSelectOnlyUnlocked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.sess.LoadLesson(ctx, "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := h.sess.Select(ctx, 1)
	var f *Failure
	if !errors.As(err, &f) || f.Kind != FailureRejected {
		t.Fatalf("expected locked exercise rejection, got %v", err)
	}
	assertInvariants(t, h.sess.Snapshot())
}

func TestCloseReleasesMicrophone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.sess.LoadLesson(ctx, "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.sess.Speak(ctx); err != nil {
		t.Fatalf("speak: %v", err)
	}
	h.sess.Close()
	if h.device.Live() != 0 {
		t.Fatal("microphone stream still open after close")
	}
	if h.cache.Len() != 0 {
		t.Fatal("cache not cleared on close")
	}
	if err := h.sess.Speak(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseWhilePermissionPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.sess.LoadLesson(ctx, "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.device.Delay = 100 * time.Millisecond

	errc := make(chan error, 1)
	go func() { errc <- h.sess.Speak(ctx) }()
	time.Sleep(20 * time.Millisecond)
	h.sess.Close()

	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if h.device.Live() != 0 {
		t.Fatalf("microphone still live after close: %d", h.device.Live())
	}
}

func TestNoProgressSavedAfterClose(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.sess.LoadLesson(ctx, "greetings", holaAdios(), LoadOptions{}); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.sess.Close()
	h.sess.saveProgress(progress.Record{LearnerID: "learner-1", Language: "es", LessonID: "greetings"})
	h.sess.saves.Wait()
	if got := h.saver.Records(); len(got) != 0 {
		t.Fatalf("expected no saves after close, got %+v", got)
	}
}
