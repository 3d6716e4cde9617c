package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/config"
	_ "modernc.org/sqlite"
)

// Fixed-width so updated_at sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrInvalidRecord is returned for records missing a learner or lesson.
var ErrInvalidRecord = errors.New("progress record requires learner and lesson")

// SQLiteStore keeps progress in a local SQLite file. In ephemeral mode it
// keeps nothing.
type SQLiteStore struct {
	db    *sql.DB
	cfg   config.ProgressStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the progress store according to config.
func Open(ctx context.Context, cfg config.ProgressStoreConfig, log *slog.Logger) (*SQLiteStore, error) {
	log = log.With(slog.String("component", "progress-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &SQLiteStore{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init progress schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("progress store vacuum failed", slogError(err))
		}
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS progress (
    learner_id TEXT NOT NULL,
    language TEXT NOT NULL,
    lesson_id TEXT NOT NULL,
    exercise_index INTEGER NOT NULL,
    completed INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (learner_id, language, lesson_id)
);
CREATE INDEX IF NOT EXISTS idx_progress_learner_language ON progress(learner_id, language);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ephemeral reports whether the store drops everything it is given.
func (s *SQLiteStore) Ephemeral() bool {
	return s.db == nil
}

// SaveProgress upserts the record. A lesson once completed stays completed.
func (s *SQLiteStore) SaveProgress(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.LearnerID) == "" || strings.TrimSpace(rec.LessonID) == "" {
		return ErrInvalidRecord
	}
	if s.db == nil {
		return nil
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO progress(learner_id, language, lesson_id, exercise_index, completed, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(learner_id, language, lesson_id) DO UPDATE SET
		   exercise_index=excluded.exercise_index,
		   completed=MAX(progress.completed, excluded.completed),
		   updated_at=excluded.updated_at`,
		rec.LearnerID, rec.Language, rec.LessonID, rec.ExerciseIndex, boolToInt(rec.Completed),
		rec.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// Load returns the saved record for one lesson.
func (s *SQLiteStore) Load(ctx context.Context, learnerID, language, lessonID string) (Record, bool, error) {
	if s.db == nil {
		return Record{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT learner_id, language, lesson_id, exercise_index, completed, updated_at
		 FROM progress WHERE learner_id = ? AND language = ? AND lesson_id = ?`,
		learnerID, language, lessonID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load progress: %w", err)
	}
	return rec, true, nil
}

// List returns every lesson record for a learner in one language, most
// recently updated first.
func (s *SQLiteStore) List(ctx context.Context, learnerID, language string) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT learner_id, language, lesson_id, exercise_index, completed, updated_at
		 FROM progress WHERE learner_id = ? AND language = ? ORDER BY updated_at DESC, lesson_id ASC`,
		learnerID, language)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec       Record
		completed int
		updated   string
	)
	if err := row.Scan(&rec.LearnerID, &rec.Language, &rec.LessonID, &rec.ExerciseIndex, &completed, &updated); err != nil {
		return Record{}, err
	}
	rec.Completed = completed != 0
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
