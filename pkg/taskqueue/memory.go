package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process queue for tests and dry runs.
type Memory struct {
	mu    sync.Mutex
	tasks []Task

	// FailWith, when set, makes every Enqueue fail without recording the
	// task. Used to exercise enqueue-failure paths.
	FailWith error
}

var _ Queue = (*Memory)(nil)

// NewMemory returns an empty in-process queue.
func NewMemory() *Memory { return &Memory{} }

// Enqueue records the task in memory.
func (m *Memory) Enqueue(ctx context.Context, conversationKey, text, sourceJobID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return "", m.FailWith
	}
	t := Task{
		ID:              uuid.New().String(),
		ConversationKey: conversationKey,
		Text:            text,
		SourceJobID:     sourceJobID,
		EnqueuedAt:      time.Now().UTC(),
	}
	m.tasks = append(m.tasks, t)
	return t.ID, nil
}

// Tasks returns a copy of everything enqueued so far.
func (m *Memory) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}
