// Package practice exposes lesson sessions over NATS request/reply.
package practice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/lesson"
	"github.com/loqalabs/loqa-tutor/internal/progress"
	"github.com/loqalabs/loqa-tutor/internal/protocol"
	"github.com/loqalabs/loqa-tutor/internal/session"
)

var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrTooManySessions = errors.New("too many active sessions")
)

type Service struct {
	cfg      config.PracticeConfig
	conn     *nats.Conn
	lessons  lesson.Provider
	progress progress.Reader
	builder  Builder
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	metrics metric.Registration

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewService wires the practice handlers. progressReader may be nil, in
// which case sessions never resume.
func NewService(parent context.Context, cfg config.PracticeConfig, conn *nats.Conn, lessons lesson.Provider, progressReader progress.Reader, builder Builder, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		conn:     conn,
		lessons:  lessons,
		progress: progressReader,
		builder:  builder,
		logger:   logger.With(slog.String("component", "practice")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.Session),
	}
}

type handlerFunc func(ctx context.Context, data []byte) protocol.Reply

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	routes := map[string]handlerFunc{
		protocol.SubjectSessionStart:    s.handleStart,
		protocol.SubjectSessionListen:   s.command(s.listen),
		protocol.SubjectSessionSpeak:    s.command(s.speak),
		protocol.SubjectSessionStop:     s.command(s.stop),
		protocol.SubjectSessionAdvance:  s.command(s.advance),
		protocol.SubjectSessionLanguage: s.command(s.language),
		protocol.SubjectSessionSelect:   s.command(s.selectExercise),
		protocol.SubjectSessionState:    s.command(nil),
		protocol.SubjectSessionClose:    s.handleClose,
		protocol.SubjectLessonList:      s.handleLessons,
		protocol.SubjectProgressList:    s.handleProgress,
	}
	for subject, h := range routes {
		sub, err := s.conn.Subscribe(subject, s.dispatch(subject, h))
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	s.logger.Info("practice service listening", slog.Int("subjects", len(s.subs)))
	return nil
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tutor/practice")
	gauge, err := meter.Int64ObservableGauge("loqa.practice.sessions", metric.WithDescription("Open practice sessions"))
	if err != nil {
		return err
	}
	s.metrics, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(s.Sessions()))
		return nil
	}, gauge)
	return err
}

// Close stops accepting requests, waits for in-flight ones and closes every
// open session.
func (s *Service) Close() {
	s.unsubscribe()
	if s.metrics != nil {
		_ = s.metrics.Unregister()
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) > 0
}

// Sessions reports the number of open sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

// dispatch runs each request on its own goroutine; speak, stop and listen
// block for as long as the audio they drive.
func (s *Service) dispatch(subject string, h handlerFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			reply := h(s.ctx, msg.Data)
			if msg.Reply == "" {
				return
			}
			data, err := json.Marshal(reply)
			if err != nil {
				s.logger.Warn("practice failed to encode reply", slog.String("subject", subject), slogError(err))
				return
			}
			if err := msg.Respond(data); err != nil {
				s.logger.Warn("practice failed to respond", slog.String("subject", subject), slogError(err))
			}
		}()
	}
}

func (s *Service) handleStart(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.SessionStart
	if err := json.Unmarshal(data, &req); err != nil {
		return errorReply(fmt.Errorf("decode start request: %w", err))
	}
	req.LearnerID = strings.TrimSpace(req.LearnerID)
	req.LessonID = strings.TrimSpace(req.LessonID)
	if req.LearnerID == "" || req.LessonID == "" {
		return errorReply(errors.New("learner_id and lesson_id are required"))
	}
	if req.Language == "" {
		req.Language = s.cfg.DefaultLanguage
	}

	s.mu.Lock()
	full := s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions
	s.mu.Unlock()
	if full {
		return errorReply(ErrTooManySessions)
	}

	content, err := s.lessons.GetLessonContent(ctx, req.LessonID)
	if err != nil {
		s.logger.Warn("lesson unavailable", slog.String("lesson_id", req.LessonID), slogError(err))
		return errorReply(fmt.Errorf("load lesson %s: %w", req.LessonID, err))
	}
	if content.Metadata.Language == "" {
		content.Metadata.Language = req.Language
	}

	opts := s.resumeOptions(ctx, req, len(content.Exercises))

	sess, err := s.builder.NewSession(req, s.sink())
	if err != nil {
		return errorReply(fmt.Errorf("create session: %w", err))
	}
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	if err := sess.LoadLesson(ctx, req.LessonID, content, opts); err != nil {
		s.remove(sess.ID())
		sess.Close()
		return errorReply(err)
	}
	s.logger.Info("practice session started",
		slog.String("session_id", sess.ID()),
		slog.String("learner_id", req.LearnerID),
		slog.String("lesson_id", req.LessonID))
	return stateReply(sess, nil)
}

func (s *Service) resumeOptions(ctx context.Context, req protocol.SessionStart, total int) session.LoadOptions {
	if !req.Resume || s.progress == nil {
		return session.LoadOptions{}
	}
	rec, ok, err := s.progress.Load(ctx, req.LearnerID, req.Language, req.LessonID)
	if err != nil {
		s.logger.Warn("progress unavailable; starting from the beginning", slogError(err))
		return session.LoadOptions{}
	}
	if !ok {
		return session.LoadOptions{}
	}
	opts := session.LoadOptions{StartIndex: rec.ExerciseIndex, Unlocked: rec.Unlocked(total)}
	if rec.Completed {
		opts.StartIndex = 0
	}
	return opts
}

// command adapts a session operation to a handler. A nil op only reports
// state.
func (s *Service) command(op func(ctx context.Context, sess *session.Session, cmd protocol.SessionCommand) error) handlerFunc {
	return func(ctx context.Context, data []byte) protocol.Reply {
		var cmd protocol.SessionCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return errorReply(fmt.Errorf("decode command: %w", err))
		}
		sess, ok := s.lookup(cmd.SessionID)
		if !ok {
			return errorReply(fmt.Errorf("%w: %s", ErrUnknownSession, cmd.SessionID))
		}
		if op == nil {
			return stateReply(sess, nil)
		}
		return stateReply(sess, op(ctx, sess, cmd))
	}
}

func (s *Service) listen(ctx context.Context, sess *session.Session, _ protocol.SessionCommand) error {
	_, err := sess.Listen(ctx)
	return err
}

func (s *Service) speak(ctx context.Context, sess *session.Session, _ protocol.SessionCommand) error {
	return sess.Speak(ctx)
}

func (s *Service) stop(ctx context.Context, sess *session.Session, _ protocol.SessionCommand) error {
	_, err := sess.StopSpeaking(ctx)
	return err
}

func (s *Service) advance(ctx context.Context, sess *session.Session, _ protocol.SessionCommand) error {
	return sess.Advance(ctx)
}

func (s *Service) language(ctx context.Context, sess *session.Session, cmd protocol.SessionCommand) error {
	return sess.SetTargetLanguage(ctx, cmd.Language)
}

func (s *Service) selectExercise(ctx context.Context, sess *session.Session, cmd protocol.SessionCommand) error {
	return sess.Select(ctx, cmd.Index)
}

func (s *Service) handleClose(_ context.Context, data []byte) protocol.Reply {
	var cmd protocol.SessionCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return errorReply(fmt.Errorf("decode command: %w", err))
	}
	sess, ok := s.remove(cmd.SessionID)
	if !ok {
		return errorReply(fmt.Errorf("%w: %s", ErrUnknownSession, cmd.SessionID))
	}
	sess.Close()
	return stateReply(sess, nil)
}

func (s *Service) handleLessons(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.LessonList
	if err := json.Unmarshal(data, &req); err != nil {
		return errorReply(fmt.Errorf("decode lesson list: %w", err))
	}
	if req.Language == "" {
		req.Language = s.cfg.DefaultLanguage
	}
	summaries, err := s.lessons.ListLessons(ctx, req.Language)
	if err != nil {
		return errorReply(err)
	}
	reply := protocol.Reply{OK: true}
	for _, sum := range summaries {
		reply.Lessons = append(reply.Lessons, protocol.Lesson{
			ID:          sum.ID,
			Title:       sum.Title,
			Description: sum.Description,
			Language:    sum.Language,
		})
	}
	return reply
}

func (s *Service) handleProgress(ctx context.Context, data []byte) protocol.Reply {
	var req protocol.ProgressQuery
	if err := json.Unmarshal(data, &req); err != nil {
		return errorReply(fmt.Errorf("decode progress query: %w", err))
	}
	if s.progress == nil {
		return protocol.Reply{OK: true}
	}
	records, err := s.progress.List(ctx, req.LearnerID, req.Language)
	if err != nil {
		return errorReply(err)
	}
	reply := protocol.Reply{OK: true}
	for _, rec := range records {
		reply.Records = append(reply.Records, progress.ToMessage(rec))
	}
	return reply
}

func (s *Service) lookup(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Service) remove(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	return sess, ok
}

// sink publishes session events on practice.session.event.<id>.
func (s *Service) sink() session.EventSink {
	return session.EventSinkFunc(func(e session.Event) {
		data, err := json.Marshal(protocol.SessionEvent{
			SessionID: e.SessionID,
			Type:      string(e.Type),
			Phase:     e.Phase.String(),
			Message:   e.Message,
			Index:     e.Index,
			Timestamp: e.Time,
		})
		if err != nil {
			return
		}
		subject := protocol.SubjectSessionEventPrefix + "." + e.SessionID
		if err := s.conn.Publish(subject, data); err != nil {
			s.logger.Warn("practice failed to publish event", slog.String("type", string(e.Type)), slogError(err))
		}
	})
}

func stateReply(sess *session.Session, opErr error) protocol.Reply {
	st := ToMessage(sess.Snapshot())
	if ex, ok := sess.Exercise(); ok {
		st.Prompt = ex.Prompt
		st.Phrase = ex.Phrase
		st.Translation = ex.Translation
	}
	reply := protocol.Reply{OK: opErr == nil, State: &st}
	if opErr != nil {
		reply.Error = opErr.Error()
		var f *session.Failure
		if errors.As(opErr, &f) {
			reply.Error = f.Message
		}
	}
	return reply
}

// ToMessage converts a snapshot to its wire form.
func ToMessage(st session.State) protocol.SessionState {
	msg := protocol.SessionState{
		SessionID:      st.ID,
		LessonID:       st.LessonID,
		Language:       st.Language,
		Phase:          st.Phase.String(),
		CurrentIndex:   st.CurrentIndex,
		TotalExercises: st.TotalExercises,
		Unlocked:       st.Unlocked,
		CorrectCount:   st.CorrectCount,
		Narrating:      st.Narrating,
		Transcript:     st.Transcript,
	}
	if st.Feedback != nil {
		msg.Feedback = &protocol.Feedback{
			Kind:          st.Feedback.Kind.String(),
			Message:       st.Feedback.Message,
			CorrectPhrase: st.Feedback.CorrectPhrase,
		}
	}
	if st.Err != nil {
		msg.Error = &protocol.Failure{Kind: string(st.Err.Kind), Message: st.Err.Message}
	}
	return msg
}

func errorReply(err error) protocol.Reply {
	return protocol.Reply{OK: false, Error: err.Error()}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
