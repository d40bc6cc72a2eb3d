package resiliency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DeadLetter is a venue call that used up its retries. Payload holds the call
// inputs as JSON so the call can be inspected and replayed after a restart.
type DeadLetter struct {
	ID            string          `json:"id"`
	Venue         string          `json:"venue"`
	Method        string          `json:"method"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	Errors        []string        `json:"errors"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastFailedAt  time.Time       `json:"last_failed_at"`
	ReplayCount   int             `json:"replay_count"`
}

// DecodePayload unmarshals the stored call inputs into v
func (d DeadLetter) DecodePayload(v interface{}) error {
	if len(d.Payload) == 0 {
		return fmt.Errorf("dead letter %s has no payload", d.ID)
	}
	return json.Unmarshal(d.Payload, v)
}

// ErrDeadLetterNotFound is returned for unknown ids
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetterStore persists dead letters. Put replaces a letter with the same id.
type DeadLetterStore interface {
	Put(ctx context.Context, letter DeadLetter) error
	Get(ctx context.Context, id string) (DeadLetter, error)
	List(ctx context.Context) ([]DeadLetter, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// MemoryDeadLetterStore keeps dead letters for the lifetime of the process
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters map[string]DeadLetter
}

// NewMemoryDeadLetterStore creates an empty in-memory store
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{letters: make(map[string]DeadLetter)}
}

func (s *MemoryDeadLetterStore) Put(_ context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter.Errors = append([]string(nil), letter.Errors...)
	s.letters[letter.ID] = letter
	return nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, id string) (DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	letter, ok := s.letters[id]
	if !ok {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return letter, nil
}

// List returns letters oldest first
func (s *MemoryDeadLetterStore) List(_ context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	out := make([]DeadLetter, 0, len(s.letters))
	for _, l := range s.letters {
		out = append(out, l)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstFailedAt.Equal(out[j].FirstFailedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstFailedAt.Before(out[j].FirstFailedAt)
	})
	return out, nil
}

func (s *MemoryDeadLetterStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.letters[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	delete(s.letters, id)
	return nil
}

func (s *MemoryDeadLetterStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.letters), nil
}

func (s *MemoryDeadLetterStore) Close() error {
	return nil
}
