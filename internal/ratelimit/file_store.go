package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/countryballcards/signup/internal/pkg/logger"
)

// FileStore keeps every client's window in a single JSON document:
//
//	{"<md5 of client>": ["2026-01-02T15:04:05.123Z", ...], ...}
//
// A missing or unreadable file is treated as an empty state. Writes go to a
// temp file that is renamed over the original.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore creates a store backed by path. The parent directory is
// created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

type fileState map[string][]time.Time

// Load implements WindowStore.
func (s *FileStore) Load(_ context.Context, key string) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil {
		return nil, err
	}
	return state[key], nil
}

// Save implements WindowStore. Keys whose newest stamp has aged out of the
// window are dropped on every write so the file does not grow without bound.
func (s *FileStore) Save(_ context.Context, key string, stamps []time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.read()
	if err != nil {
		return err
	}

	if len(stamps) == 0 {
		delete(state, key)
	} else {
		state[key] = stamps
	}

	cutoff := s.now().Add(-ttl)
	for k, v := range state {
		if k == key {
			continue
		}
		if len(v) == 0 || !newest(v).After(cutoff) {
			delete(state, k)
		}
	}

	return s.write(state)
}

func (s *FileStore) read() (fileState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileState{}, nil
		}
		return nil, fmt.Errorf("read rate limit file: %w", err)
	}
	state := fileState{}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		// A torn or hand-edited file resets the limiter rather than
		// blocking every request.
		logger.Warn("ratelimit: corrupt state file, starting empty", "path", s.path, "error", err)
		return fileState{}, nil
	}
	return state, nil
}

func (s *FileStore) write(state fileState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode rate limit state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create rate limit dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ratelimit-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace rate limit file: %w", err)
	}
	return nil
}

func newest(stamps []time.Time) time.Time {
	n := stamps[0]
	for _, t := range stamps[1:] {
		if t.After(n) {
			n = t
		}
	}
	return n
}
