package practice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tutor/internal/protocol"
)

// Client issues practice requests over NATS.
type Client struct {
	conn *nats.Conn
}

func NewClient(conn *nats.Conn) *Client {
	return &Client{conn: conn}
}

// Request sends payload to subject and decodes the reply. A reply with
// OK=false is returned together with an error carrying its message.
func (c *Client) Request(ctx context.Context, subject string, payload any) (protocol.Reply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return protocol.Reply{}, err
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("request %s: %w", subject, err)
	}
	var reply protocol.Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return protocol.Reply{}, fmt.Errorf("decode %s reply: %w", subject, err)
	}
	if !reply.OK {
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}

// Lessons lists the curriculum for language.
func (c *Client) Lessons(ctx context.Context, language string) ([]protocol.Lesson, error) {
	reply, err := c.Request(ctx, protocol.SubjectLessonList, protocol.LessonList{Language: language})
	return reply.Lessons, err
}

// Progress lists saved progress for a learner.
func (c *Client) Progress(ctx context.Context, learnerID, language string) ([]protocol.Progress, error) {
	reply, err := c.Request(ctx, protocol.SubjectProgressList, protocol.ProgressQuery{LearnerID: learnerID, Language: language})
	return reply.Records, err
}
