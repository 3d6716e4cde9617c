// Package progress records how far a learner got through each lesson.
package progress

import (
	"context"
	"errors"
	"time"
)

// Record is the saved position of one learner in one lesson.
type Record struct {
	LearnerID     string    `json:"learner_id"`
	Language      string    `json:"language"`
	LessonID      string    `json:"lesson_id"`
	ExerciseIndex int       `json:"exercise_index"`
	Completed     bool      `json:"completed"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Unlocked returns the exercise indices a resumed session may open. Every
// exercise up to the saved index was reached, and a completed lesson unlocks
// all of them.
func (r Record) Unlocked(total int) []int {
	last := r.ExerciseIndex
	if r.Completed {
		last = total - 1
	}
	if last >= total {
		last = total - 1
	}
	var out []int
	for i := 0; i <= last; i++ {
		out = append(out, i)
	}
	return out
}

// Saver persists progress. Saves are fire-and-forget from the session's
// point of view; callers log failures and move on.
type Saver interface {
	SaveProgress(ctx context.Context, rec Record) error
}

// Reader loads saved progress for resume and listing.
type Reader interface {
	Load(ctx context.Context, learnerID, language, lessonID string) (Record, bool, error)
	List(ctx context.Context, learnerID, language string) ([]Record, error)
}

// Store is the full progress backend.
type Store interface {
	Saver
	Reader
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, rec Record) error

func (f SaverFunc) SaveProgress(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Multi fans a save out to every saver and joins their errors.
type Multi []Saver

func (m Multi) SaveProgress(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.SaveProgress(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
