// Package verify turns a recorded attempt into a correctness judgment.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/similarity"
	"github.com/loqalabs/loqa-tutor/internal/stt"
)

// Errors from Verify. None of them is a wrong answer: the attempt produced
// no Feedback and may be retried.
var (
	ErrTransport       = errors.New("transcription service failed")
	ErrTimeout         = errors.New("transcription timed out")
	ErrEmptyTranscript = errors.New("no speech recognized")
	ErrEmptyExpected   = errors.New("exercise has no expected phrase")
	ErrEmptyRecording  = errors.New("recording is empty")
)

// Mode selects where the correctness decision is made.
type Mode string

const (
	// ModeClient transcribes remotely and scores locally.
	ModeClient Mode = "client"
	// ModeServer trusts a remote judgment.
	ModeServer Mode = "server"
)

// Kind of feedback.
type Kind int

const (
	Incorrect Kind = iota
	Correct
)

func (k Kind) String() string {
	if k == Correct {
		return "correct"
	}
	return "incorrect"
}

// Feedback is the judgment shown and narrated to the learner.
type Feedback struct {
	Kind          Kind
	Message       string
	CorrectPhrase string
}

// Result of a successful verification.
type Result struct {
	Transcript string
	Feedback   Feedback
	// Score is the similarity in client mode and -1 when a judge decided.
	Score float64
}

// Config tunes a Pipeline.
type Config struct {
	Mode              Mode
	Threshold         float64
	Timeout           time.Duration
	AffirmativeMarker string
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	cfg        Config
	recognizer stt.Recognizer
	judge      stt.Judge
	logger     *slog.Logger
	tracer     trace.Tracer

	latency  metric.Float64Histogram
	outcomes metric.Int64Counter
}

// New builds a pipeline. Client mode needs recognizer, server mode needs judge.
func New(cfg Config, recognizer stt.Recognizer, judge stt.Judge, logger *slog.Logger) (*Pipeline, error) {
	switch cfg.Mode {
	case ModeClient:
		if recognizer == nil {
			return nil, errors.New("client verification requires a recognizer")
		}
	case ModeServer:
		if judge == nil {
			return nil, errors.New("server verification requires a judge")
		}
	default:
		return nil, fmt.Errorf("unknown verification mode %q", cfg.Mode)
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = similarity.DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.AffirmativeMarker) == "" {
		cfg.AffirmativeMarker = "Correct"
	}
	p := &Pipeline{
		cfg:        cfg,
		recognizer: recognizer,
		judge:      judge,
		logger:     logger.With(slog.String("component", "verify")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-tutor/verify"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-tutor/verify")
	var err error
	if p.latency, err = meter.Float64Histogram("loqa.verify.latency", metric.WithUnit("ms"), metric.WithDescription("Verification round-trip latency")); err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if p.outcomes, err = meter.Int64Counter("loqa.verify.outcomes", metric.WithDescription("Verification outcomes by kind")); err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return p, nil
}

// Threshold returns the acceptance threshold in effect.
func (p *Pipeline) Threshold() float64 {
	return p.cfg.Threshold
}

// Verify judges rec against expected.
func (p *Pipeline) Verify(ctx context.Context, rec audio.Recording, expected, language string) (Result, error) {
	expected = strings.TrimSpace(expected)
	if similarity.Normalize(expected) == "" {
		return Result{}, ErrEmptyExpected
	}
	if rec.Empty() {
		return Result{}, ErrEmptyRecording
	}

	ctx, span := p.tracer.Start(ctx, "verify.attempt", trace.WithAttributes(
		attribute.String("verify.mode", string(p.cfg.Mode)),
		attribute.String("verify.language", language),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var (
		res Result
		err error
	)
	if p.cfg.Mode == ModeServer {
		res, err = p.verifyServer(callCtx, rec, expected, language)
	} else {
		res, err = p.verifyClient(callCtx, rec, expected, language)
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	outcome := res.Feedback.Kind.String()
	if err != nil {
		err = p.classify(ctx, callCtx, err)
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("verification failed", slog.String("language", language), slogError(err))
	} else {
		span.SetAttributes(attribute.String("verify.outcome", outcome), attribute.Float64("verify.score", res.Score))
	}
	attrs := metric.WithAttributes(attribute.String("mode", string(p.cfg.Mode)), attribute.String("outcome", outcome))
	if p.latency != nil {
		p.latency.Record(ctx, elapsed, attrs)
	}
	if p.outcomes != nil {
		p.outcomes.Add(ctx, 1, attrs)
	}
	return res, err
}

// classify maps backend failures onto the package errors.
func (p *Pipeline) classify(parent, call context.Context, err error) error {
	switch {
	case errors.Is(err, ErrEmptyTranscript):
		return err
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(call.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTransport, ErrTimeout)
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

func (p *Pipeline) verifyClient(ctx context.Context, rec audio.Recording, expected, language string) (Result, error) {
	transcript, err := p.recognizer.Transcribe(ctx, rec, language)
	if err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		return Result{}, ErrEmptyTranscript
	}
	score := similarity.Score(text, expected)
	fb := IncorrectFeedback(expected)
	if similarity.Accept(score, p.cfg.Threshold) {
		fb = CorrectFeedback("")
	}
	return Result{Transcript: text, Feedback: fb, Score: score}, nil
}

func (p *Pipeline) verifyServer(ctx context.Context, rec audio.Recording, expected, language string) (Result, error) {
	j, err := p.judge.TranscribeAndJudge(ctx, rec, language, expected)
	if err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(j.Text)
	if text == "" {
		return Result{}, ErrEmptyTranscript
	}
	verdict := strings.TrimSpace(j.Verdict)
	if verdict == "" {
		return Result{}, errors.New("judge returned no verdict")
	}
	fb := IncorrectFeedback(expected)
	if affirmative(verdict, p.cfg.AffirmativeMarker) {
		fb = CorrectFeedback(verdict)
	} else {
		fb.Message = verdict + " " + fb.Message
	}
	return Result{Transcript: text, Feedback: fb, Score: -1}, nil
}

// affirmative reports whether verdict opens with marker as a whole word, so
// "Correct!" matches and "Correction: ..." does not.
func affirmative(verdict, marker string) bool {
	marker = strings.TrimSpace(marker)
	if marker == "" || len(verdict) < len(marker) || !strings.EqualFold(verdict[:len(marker)], marker) {
		return false
	}
	next, _ := utf8.DecodeRuneInString(verdict[len(marker):])
	return next == utf8.RuneError || !(unicode.IsLetter(next) || unicode.IsDigit(next))
}

// CorrectFeedback praises the attempt; an empty message means "Correct!".
func CorrectFeedback(message string) Feedback {
	if message == "" {
		message = "Correct!"
	}
	return Feedback{Kind: Correct, Message: message}
}

// IncorrectFeedback quotes the expected phrase so narration speaks it in the
// target language.
func IncorrectFeedback(expected string) Feedback {
	return Feedback{
		Kind:          Incorrect,
		Message:       fmt.Sprintf("Not quite. The correct phrase is: \"%s\"", expected),
		CorrectPhrase: expected,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
