package chatsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// lastSuccessKey holds the start time of the last successful catch-up run.
const lastSuccessKey = "inbox.last_success"

// SyncState persists the catch-up cursor between runs.
type SyncState interface {
	// LastSuccess returns the recorded time, or ok=false on a cold start.
	LastSuccess(ctx context.Context) (t time.Time, ok bool, err error)
	SetLastSuccess(ctx context.Context, t time.Time) error
	Close() error
}

// ── In-memory ─────────────────────────────────────────────

// MemoryState keeps the cursor in memory. It is lost on restart, which
// makes every process start a cold start.
type MemoryState struct {
	mu sync.Mutex
	t  time.Time
	ok bool
}

// NewMemoryState returns an empty in-memory state.
func NewMemoryState() *MemoryState { return &MemoryState{} }

func (s *MemoryState) LastSuccess(context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t, s.ok, nil
}

func (s *MemoryState) SetLastSuccess(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t, s.ok = t, true
	return nil
}

func (s *MemoryState) Close() error { return nil }

// ── Pebble ────────────────────────────────────────────────

// PebbleState keeps the cursor in a pebble database so it survives restarts.
type PebbleState struct {
	db *pebble.DB
}

// OpenPebbleState opens (creating if needed) the pebble database at dir.
func OpenPebbleState(dir string) (*PebbleState, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return &PebbleState{db: db}, nil
}

func (s *PebbleState) LastSuccess(context.Context) (time.Time, bool, error) {
	v, closer, err := s.db.Get([]byte(lastSuccessKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read %s: %w", lastSuccessKey, err)
	}
	defer closer.Close()
	t, err := time.Parse(time.RFC3339Nano, string(v))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s: %w", lastSuccessKey, err)
	}
	return t, true, nil
}

func (s *PebbleState) SetLastSuccess(_ context.Context, t time.Time) error {
	v := []byte(t.UTC().Format(time.RFC3339Nano))
	if err := s.db.Set([]byte(lastSuccessKey), v, pebble.Sync); err != nil {
		return fmt.Errorf("write %s: %w", lastSuccessKey, err)
	}
	return nil
}

// Reset removes the cursor so the next run is a cold start.
func (s *PebbleState) Reset() error {
	return s.db.Delete([]byte(lastSuccessKey), pebble.Sync)
}

func (s *PebbleState) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
