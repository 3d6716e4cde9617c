package llm

import (
	"context"
	"strings"
	"sync"
)

// MockGenerator replays Replies in order, wrapping around, and streams each
// reply word by word. Without replies it echoes the prompt.
type MockGenerator struct {
	Replies []string

	mu    sync.Mutex
	next  int
	calls []Request
}

func NewMockGenerator(replies ...string) *MockGenerator {
	return &MockGenerator{Replies: replies}
}

func (m *MockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	reply := "[mock completion for " + strings.TrimSpace(req.Prompt) + "]"
	if len(m.Replies) > 0 {
		reply = m.Replies[m.next%len(m.Replies)]
		m.next++
	}
	m.mu.Unlock()

	words := strings.SplitAfter(reply, " ")
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := consumer(Chunk{Content: w, Done: i == len(words)-1}); err != nil {
			return err
		}
	}
	return nil
}

// Calls returns the requests seen so far.
func (m *MockGenerator) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}
