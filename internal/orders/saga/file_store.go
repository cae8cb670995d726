package saga

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

type journalEntry struct {
	Op       string             `json:"op"`
	Task     *CompensationTask  `json:"task,omitempty"`
	ID       string             `json:"id,omitempty"`
	Status   CompensationStatus `json:"status,omitempty"`
	Attempts int                `json:"attempts,omitempty"`
	Detail   string             `json:"detail,omitempty"`
	At       time.Time          `json:"at"`
}

// FileCompensationStore appends compensation events to a JSON-lines file and
// keeps the latest state of each task in memory. Reopening the file replays it.
type FileCompensationStore struct {
	mu    sync.Mutex
	f     *os.File
	tasks map[string]*CompensationTask
	order []string
	now   func() time.Time
}

// OpenFileCompensationStore replays path (if present) and opens it for appending.
func OpenFileCompensationStore(path string) (*FileCompensationStore, error) {
	s := &FileCompensationStore{
		tasks: make(map[string]*CompensationTask),
		now:   time.Now,
	}
	if err := s.replay(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

// Record appends a new task.
func (s *FileCompensationStore) Record(ctx context.Context, task CompensationTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if err := s.append(journalEntry{Op: "record", Task: &task, At: s.now()}); err != nil {
		return err
	}
	s.apply(journalEntry{Op: "record", Task: &task})
	return nil
}

// Resolve appends a status change for an existing task.
func (s *FileCompensationStore) Resolve(ctx context.Context, id string, status CompensationStatus, attempts int, detail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	entry := journalEntry{Op: "resolve", ID: id, Status: status, Attempts: attempts, Detail: detail, At: s.now()}
	if err := s.append(entry); err != nil {
		return err
	}
	s.apply(entry)
	return nil
}

// ListByStatus returns tasks in the given status, oldest first.
func (s *FileCompensationStore) ListByStatus(ctx context.Context, status CompensationStatus) ([]CompensationTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CompensationTask
	for _, id := range s.order {
		if task := s.tasks[id]; task.Status == status {
			out = append(out, *task)
		}
	}
	return out, nil
}

// Close releases the underlying file handle.
func (s *FileCompensationStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func (s *FileCompensationStore) append(entry journalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	n, err := s.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}
	return s.f.Sync()
}

func (s *FileCompensationStore) apply(entry journalEntry) {
	switch entry.Op {
	case "record":
		if entry.Task == nil {
			return
		}
		task := *entry.Task
		if _, ok := s.tasks[task.ID]; !ok {
			s.order = append(s.order, task.ID)
		}
		s.tasks[task.ID] = &task
	case "resolve":
		task, ok := s.tasks[entry.ID]
		if !ok {
			return
		}
		task.Status = entry.Status
		task.Attempts = entry.Attempts
		task.LastError = entry.Detail
		task.UpdatedAt = entry.At
	}
}

func (s *FileCompensationStore) replay(path string) (err error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return err
		}
		s.apply(entry)
	}
	return scanner.Err()
}
