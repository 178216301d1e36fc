package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists and loads JobRecords from an on-disk directory and owns the
// per-job locks that enforce single-writer transitions.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/output.log
//
// Root is expected to be under the app data dir. The store is injected into
// every component that mutates job state; there are no ambient globals.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{
		root:  strings.TrimSpace(root),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) OutputPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "output.log")
}

// jobLock returns the mutex serializing all writes for one job.
func (s *Store) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("lifecycle store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Create registers a new job record. The record must be in queued state with
// a single queued history entry; callers build it via NewRecord.
func (s *Store) Create(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if _, err := os.Stat(s.JobPath(jobID)); err == nil {
		return fmt.Errorf("job %s already exists", jobID)
	}

	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()
	return s.write(record)
}

// write persists a record atomically (temp file + rename). Callers must hold
// the job lock.
func (s *Store) write(record *JobRecord) error {
	if err := s.ensureRoot(); err != nil {
		return err
	}
	jobDir := s.JobDir(record.JobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(record.JobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads one record. It does not take the job lock; readers see the last
// atomically-renamed snapshot.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

// List returns all job records, newest first.
func (s *Store) List() ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return jobSortTime(out[i]).After(jobSortTime(out[j]))
	})

	return out, nil
}

func jobSortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// Update applies fn to the record inside the per-job critical section and
// persists the result. fn must not transition the primary state; use
// Transition for that.
func (s *Store) Update(jobID string, fn func(*JobRecord) error) (*JobRecord, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	before := rec.State
	if err := fn(rec); err != nil {
		return nil, err
	}
	if rec.State != before {
		return nil, fmt.Errorf("job %s: Update must not change state (%s -> %s)", jobID, before, rec.State)
	}
	if err := s.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Transition moves the job to a new state, appending a history entry. The
// optional mutate hook runs inside the same critical section, after the edge
// is validated, so side effects (exit code, tail, pid) land atomically with
// the state change.
func (s *Store) Transition(jobID string, to State, reason string, details map[string]any, mutate func(*JobRecord)) (*JobRecord, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(rec.State, to) {
		return nil, &InvalidTransitionError{JobID: jobID, From: rec.State, To: to}
	}

	now := time.Now().UTC()
	if mutate != nil {
		mutate(rec)
	}

	// pid is owned by the launcher/watcher pair only while running; it is
	// retained in history via the details the watcher records.
	if rec.State == StateRunning && to != StateRunning {
		rec.PID = 0
	}
	if to == StateRunning {
		rec.StartedAt = &now
	}
	if to.IsTerminal() {
		rec.EndedAt = &now
	}

	rec.State = to
	rec.History = append(rec.History, StateChange{
		State:   to,
		TS:      now,
		Reason:  reason,
		Details: details,
	})

	if err := s.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// EnqueueCallbackOnce invokes enqueue for the job's thenTask at most once for
// the life of the job, in the same critical section as the transition to
// callback_queued. Duplicate watcher ticks and restart re-evaluation see
// CallbackEnqueued already set and no-op.
//
// Returns the (possibly unchanged) record and whether this call did the
// enqueue.
func (s *Store) EnqueueCallbackOnce(jobID, text string, enqueue func(conversationKey, text, sourceJobID string) (string, error)) (*JobRecord, bool, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.Get(jobID)
	if err != nil {
		return nil, false, err
	}
	if rec.CallbackEnqueued {
		return rec, false, nil
	}
	if !CanTransition(rec.State, StateCallbackQueued) {
		return nil, false, &InvalidTransitionError{JobID: jobID, From: rec.State, To: StateCallbackQueued}
	}

	taskID, err := enqueue(rec.ConversationKey, text, rec.JobID)
	if err != nil {
		return rec, false, fmt.Errorf("enqueue callback: %w", err)
	}

	now := time.Now().UTC()
	if rec.State == StateRunning {
		rec.PID = 0
	}
	rec.CallbackEnqueued = true
	rec.CallbackTaskID = taskID
	rec.State = StateCallbackQueued
	rec.History = append(rec.History, StateChange{
		State:   StateCallbackQueued,
		TS:      now,
		Details: map[string]any{"task_id": taskID},
	})

	if err := s.write(rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// GC deletes terminal job records older than maxAge. Running jobs are never
// touched. Returns the number of deleted records.
func (s *Store) GC(maxAge time.Duration, dryRun bool) (int, error) {
	jobs, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	deleted := 0
	for _, j := range jobs {
		if !j.State.IsTerminal() || j.EndedAt == nil || j.EndedAt.After(cutoff) {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(s.JobDir(j.JobID)); err != nil {
				return deleted, fmt.Errorf("remove job %s: %w", j.JobID, err)
			}
		}
		deleted++
	}
	return deleted, nil
}

// ResolveID resolves a possibly-shortened job id. Exact match wins; otherwise
// a unique prefix match (allows table-friendly short ids).
func (s *Store) ResolveID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	if _, err := s.Get(input); err == nil {
		return input, nil
	}

	jobs, err := s.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job_id", len(matches))
	}
	return matches[0], nil
}
