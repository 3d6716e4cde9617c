package verify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func attempt() audio.Recording {
	return audio.Recording{Format: audio.Format{SampleRate: 16000, Channels: 1}, PCM: []byte{1, 0}}
}

func clientPipeline(t *testing.T, steps ...stt.ScriptStep) *Pipeline {
	t.Helper()
	p, err := New(Config{Mode: ModeClient, Threshold: 0.97}, stt.NewScriptedRecognizer(steps...), nil, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return p
}

func TestClientModeCorrect(t *testing.T) {
	p := clientPipeline(t, stt.ScriptStep{Text: "hola"})
	res, err := p.Verify(context.Background(), attempt(), "Hola", "es")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Feedback.Kind != Correct || res.Score != 1 || res.Feedback.Message != "Correct!" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestClientModeIncorrect(t *testing.T) {
	p := clientPipeline(t, stt.ScriptStep{Text: "buenas"})
	res, err := p.Verify(context.Background(), attempt(), "Adiós", "es")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Feedback.Kind != Incorrect || res.Feedback.CorrectPhrase != "Adiós" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Feedback.Message != `Not quite. The correct phrase is: "Adiós"` {
		t.Fatalf("unexpected message %q", res.Feedback.Message)
	}
}

func TestThresholdDecidesAccentedAttempt(t *testing.T) {
	// "adios" vs "adiós" scores 0.8
	p := clientPipeline(t, stt.ScriptStep{Text: "adios"})
	res, err := p.Verify(context.Background(), attempt(), "Adiós", "es")
	if err != nil || res.Feedback.Kind != Incorrect {
		t.Fatalf("expected incorrect at 0.97, got %+v %v", res, err)
	}
	lenient, err := New(Config{Mode: ModeClient, Threshold: 0.75}, stt.NewScriptedRecognizer(stt.ScriptStep{Text: "adios"}), nil, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err = lenient.Verify(context.Background(), attempt(), "Adiós", "es")
	if err != nil || res.Feedback.Kind != Correct {
		t.Fatalf("expected correct at 0.75, got %+v %v", res, err)
	}
}

func TestTransportErrorIsNotIncorrect(t *testing.T) {
	p := clientPipeline(t, stt.ScriptStep{Err: errors.New("connection refused")})
	res, err := p.Verify(context.Background(), attempt(), "Hola", "es")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if res.Feedback.Message != "" {
		t.Fatalf("transport failure must not produce feedback, got %+v", res.Feedback)
	}
}

func TestEmptyTranscript(t *testing.T) {
	p := clientPipeline(t, stt.ScriptStep{Text: "   "})
	if _, err := p.Verify(context.Background(), attempt(), "Hola", "es"); !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("expected ErrEmptyTranscript, got %v", err)
	}
}

func TestEmptyExpectedAndRecording(t *testing.T) {
	p := clientPipeline(t, stt.ScriptStep{Text: "hola"})
	for _, expected := range []string{" ", "...", "(!)"} {
		if _, err := p.Verify(context.Background(), attempt(), expected, "es"); !errors.Is(err, ErrEmptyExpected) {
			t.Fatalf("expected ErrEmptyExpected for %q, got %v", expected, err)
		}
	}
	if _, err := p.Verify(context.Background(), audio.Recording{}, "Hola", "es"); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("expected ErrEmptyRecording, got %v", err)
	}
}

func TestTimeoutMapsToTransport(t *testing.T) {
	slow := stt.RecognizerFunc(func(ctx context.Context, _ audio.Recording, _ string) (stt.TranscriptResult, error) {
		<-ctx.Done()
		return stt.TranscriptResult{}, ctx.Err()
	})
	p, err := New(Config{Mode: ModeClient, Timeout: 20 * time.Millisecond}, slow, nil, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = p.Verify(context.Background(), attempt(), "Hola", "es")
	if !errors.Is(err, ErrTransport) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected transport timeout, got %v", err)
	}
}

func TestServerModeTrustsJudgment(t *testing.T) {
	judge := stt.JudgeFunc(func(_ context.Context, _ audio.Recording, _, expected string) (stt.Judgment, error) {
		switch expected {
		case "Hola":
			return stt.Judgment{Text: "ola", Verdict: "Correct! Lovely."}, nil
		case "Hello":
			return stt.Judgment{Text: "ello", Verdict: "Correction: you dropped the h."}, nil
		case "Gracias":
			return stt.Judgment{Text: "gracias", Verdict: "correct"}, nil
		}
		return stt.Judgment{Text: "adio", Verdict: "Incorrect, stress the last syllable."}, nil
	})
	p, err := New(Config{Mode: ModeServer, AffirmativeMarker: "Correct"}, nil, judge, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	res, err := p.Verify(context.Background(), attempt(), "Hola", "es")
	if err != nil || res.Feedback.Kind != Correct || res.Feedback.Message != "Correct! Lovely." {
		t.Fatalf("expected judge to be authoritative, got %+v %v", res, err)
	}

	res, err = p.Verify(context.Background(), attempt(), "Adiós", "es")
	if err != nil || res.Feedback.Kind != Incorrect {
		t.Fatalf("expected incorrect, got %+v %v", res, err)
	}
	if !strings.Contains(res.Feedback.Message, `"Adiós"`) {
		t.Fatalf("expected quoted correct phrase, got %q", res.Feedback.Message)
	}

	res, err = p.Verify(context.Background(), attempt(), "Hello", "en")
	if err != nil || res.Feedback.Kind != Incorrect {
		t.Fatalf("a verdict opening with a longer word is not affirmative, got %+v %v", res, err)
	}

	res, err = p.Verify(context.Background(), attempt(), "Gracias", "es")
	if err != nil || res.Feedback.Kind != Correct {
		t.Fatalf("expected bare marker to be affirmative, got %+v %v", res, err)
	}
}

func TestAffirmativeNeedsWordBoundary(t *testing.T) {
	cases := map[string]bool{
		"Correct!":             true,
		"correct, well done":   true,
		"CORRECT":              true,
		"Correct":              true,
		"Correction: drop it.": false,
		"Correctly stressed?":  false,
		"Correcting the vowel": false,
		"Incorrect":            false,
		"Corr":                 false,
	}
	for verdict, want := range cases {
		if got := affirmative(verdict, "Correct"); got != want {
			t.Errorf("affirmative(%q) = %v, want %v", verdict, got, want)
		}
	}
}

func TestServerModeStatusErrorIsTransport(t *testing.T) {
	judge := stt.JudgeFunc(func(context.Context, audio.Recording, string, string) (stt.Judgment, error) {
		return stt.Judgment{}, &stt.StatusError{StatusCode: 502}
	})
	p, err := New(Config{Mode: ModeServer}, nil, judge, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = p.Verify(context.Background(), attempt(), "Hola", "es")
	var statusErr *stt.StatusError
	if !errors.Is(err, ErrTransport) || !errors.As(err, &statusErr) {
		t.Fatalf("expected wrapped status error, got %v", err)
	}
}

func TestNewRejectsMissingBackends(t *testing.T) {
	if _, err := New(Config{Mode: ModeClient}, nil, nil, newLogger()); err == nil {
		t.Fatal("expected error without recognizer")
	}
	if _, err := New(Config{Mode: ModeServer}, nil, nil, newLogger()); err == nil {
		t.Fatal("expected error without judge")
	}
	if _, err := New(Config{Mode: "other"}, nil, nil, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
