package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-tutor/internal/protocol"
)

// Conn is the slice of a NATS connection the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher broadcasts saved progress on the bus so other services can
// mirror it.
type Publisher struct {
	conn    Conn
	subject string
}

func NewPublisher(conn Conn) *Publisher {
	return &Publisher{conn: conn, subject: protocol.SubjectProgressSaved}
}

func (p *Publisher) SaveProgress(_ context.Context, rec Record) error {
	data, err := json.Marshal(ToMessage(rec))
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}

// ToMessage converts a record to its wire form.
func ToMessage(rec Record) protocol.Progress {
	return protocol.Progress{
		LearnerID:     rec.LearnerID,
		Language:      rec.Language,
		LessonID:      rec.LessonID,
		ExerciseIndex: rec.ExerciseIndex,
		Completed:     rec.Completed,
		UpdatedAt:     rec.UpdatedAt,
	}
}
