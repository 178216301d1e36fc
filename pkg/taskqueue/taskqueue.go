// Package taskqueue delivers follow-up tasks to a conversation runner.
//
// The watcher does not execute follow-up analysis itself; it hands the task
// text to a queue keyed by conversation. The durable implementation appends
// to a JSONL file that the conversation runner tails. Delivery is
// at-least-once from the runner's point of view; the exactly-once guarantee
// for a job's callback lives in the lifecycle store, not here.
package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is one enqueued follow-up.
type Task struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversationKey"`
	Text            string    `json:"text"`
	SourceJobID     string    `json:"sourceJobId"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
}

// Queue accepts follow-up tasks for a conversation.
type Queue interface {
	Enqueue(ctx context.Context, conversationKey, text, sourceJobID string) (taskID string, err error)
}

// FileQueue appends tasks to a JSONL file, one task per line. Appends are
// serialized; a task line is either fully present or absent.
type FileQueue struct {
	path string
	mu   sync.Mutex
}

var _ Queue = (*FileQueue)(nil)

// NewFileQueue returns a queue backed by the given file. The parent
// directory is created on first enqueue.
func NewFileQueue(path string) *FileQueue {
	return &FileQueue{path: path}
}

// Path returns the backing file path.
func (q *FileQueue) Path() string { return q.path }

// Enqueue appends one task and returns its id.
func (q *FileQueue) Enqueue(ctx context.Context, conversationKey, text, sourceJobID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t := Task{
		ID:              uuid.New().String(),
		ConversationKey: conversationKey,
		Text:            text,
		SourceJobID:     sourceJobID,
		EnqueuedAt:      time.Now().UTC(),
	}
	line, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return "", fmt.Errorf("create task queue dir: %w", err)
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open task queue: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("append task: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync task queue: %w", err)
	}
	return t.ID, nil
}

// List returns every task in the queue file, oldest first. A missing file is
// an empty queue.
func (q *FileQueue) List() ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task queue: %w", err)
	}

	var tasks []Task
	dec := json.NewDecoder(bytes.NewReader(b))
	for dec.More() {
		var t Task
		if err := dec.Decode(&t); err != nil {
			return nil, fmt.Errorf("decode task queue: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
