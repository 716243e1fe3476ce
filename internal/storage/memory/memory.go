package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JAG-UK/rkh-frontend/internal/domain/intent"
	"github.com/JAG-UK/rkh-frontend/internal/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu      sync.RWMutex
	intents map[string]intent.Intent
}

var _ storage.IntentStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		intents: make(map[string]intent.Intent),
	}
}

// IntentStore implementation -------------------------------------------------

func (s *Store) CreateIntent(_ context.Context, in intent.Intent) (intent.Intent, error) {
	if err := in.Validate(); err != nil {
		return intent.Intent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[in.ID]; exists {
		return intent.Intent{}, fmt.Errorf("intent %s already exists", in.ID)
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	in.Payload = clonePayload(in.Payload)
	s.intents[in.ID] = in
	return cloneIntent(in), nil
}

func (s *Store) UpdateIntent(_ context.Context, in intent.Intent) (intent.Intent, error) {
	if err := in.Validate(); err != nil {
		return intent.Intent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.intents[in.ID]
	if !ok {
		return intent.Intent{}, storage.ErrNotFound
	}
	in.CreatedAt = existing.CreatedAt
	in.UpdatedAt = time.Now().UTC()
	in.Payload = clonePayload(in.Payload)
	s.intents[in.ID] = in
	return cloneIntent(in), nil
}

func (s *Store) GetIntent(_ context.Context, id string) (intent.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.intents[id]
	if !ok {
		return intent.Intent{}, storage.ErrNotFound
	}
	return cloneIntent(in), nil
}

func (s *Store) ListIntents(_ context.Context, filter intent.Filter) ([]intent.Intent, error) {
	s.mu.RLock()
	result := make([]intent.Intent, 0, len(s.intents))
	for _, in := range s.intents {
		if filter.Matches(in) {
			result = append(result, cloneIntent(in))
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func cloneIntent(in intent.Intent) intent.Intent {
	in.Payload = clonePayload(in.Payload)
	return in
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
