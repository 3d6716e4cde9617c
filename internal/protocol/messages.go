package protocol

import "time"

// SessionStart asks the practice service to open a lesson for a learner.
type SessionStart struct {
	LearnerID      string `json:"learner_id"`
	LessonID       string `json:"lesson_id"`
	Language       string `json:"language"`
	NativeLanguage string `json:"native_language,omitempty"`
	// Resume restores saved progress for the lesson when present.
	Resume bool `json:"resume"`
}

// SessionCommand targets an open session.
type SessionCommand struct {
	SessionID string `json:"session_id"`
	// Language is used by the language command only.
	Language string `json:"language,omitempty"`
	// Index is the exercise the select command opens.
	Index int `json:"index,omitempty"`
}

// Feedback mirrors the learner-facing judgment.
type Feedback struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrectPhrase string `json:"correct_phrase,omitempty"`
}

// Failure reports a recoverable or fatal session error.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SessionState is the reply to every session command.
type SessionState struct {
	SessionID      string    `json:"session_id"`
	LessonID       string    `json:"lesson_id"`
	Language       string    `json:"language"`
	Phase          string    `json:"phase"`
	CurrentIndex   int       `json:"current_index"`
	TotalExercises int       `json:"total_exercises"`
	Unlocked       []int     `json:"unlocked"`
	CorrectCount   int       `json:"correct_count"`
	Narrating      bool      `json:"narrating"`
	Prompt         string    `json:"prompt,omitempty"`
	Phrase         string    `json:"phrase,omitempty"`
	Translation    string    `json:"translation,omitempty"`
	Transcript     string    `json:"transcript,omitempty"`
	Feedback       *Feedback `json:"feedback,omitempty"`
	Error          *Failure  `json:"error,omitempty"`
}

// Reply wraps every request/reply response.
type Reply struct {
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	State   *SessionState `json:"state,omitempty"`
	Lessons []Lesson      `json:"lessons,omitempty"`
	Records []Progress    `json:"progress,omitempty"`
}

// LessonList asks for the curriculum of one language.
type LessonList struct {
	Language string `json:"language"`
}

// Lesson is one curriculum entry.
type Lesson struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language"`
}

// ProgressQuery lists saved progress.
type ProgressQuery struct {
	LearnerID string `json:"learner_id"`
	Language  string `json:"language"`
}

// Progress is broadcast after every progress save.
type Progress struct {
	LearnerID     string    `json:"learner_id"`
	Language      string    `json:"language"`
	LessonID      string    `json:"lesson_id"`
	ExerciseIndex int       `json:"exercise_index"`
	Completed     bool      `json:"completed"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SessionEvent is published on SubjectSessionEventPrefix.<session_id>.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Phase     string    `json:"phase,omitempty"`
	Message   string    `json:"message,omitempty"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSessionStart       = "practice.session.start"
	SubjectSessionListen      = "practice.session.listen"
	SubjectSessionSpeak       = "practice.session.speak"
	SubjectSessionStop        = "practice.session.stop"
	SubjectSessionAdvance     = "practice.session.advance"
	SubjectSessionLanguage    = "practice.session.language"
	SubjectSessionSelect      = "practice.session.select"
	SubjectSessionState       = "practice.session.state"
	SubjectSessionClose       = "practice.session.close"
	SubjectSessionEventPrefix = "practice.session.event"
	SubjectLessonList         = "practice.lessons.list"
	SubjectProgressList       = "practice.progress.list"
	SubjectProgressSaved      = "practice.progress.saved"
)
