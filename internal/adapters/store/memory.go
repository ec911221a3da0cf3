package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/Collab/internal/domain"
)

type memAssessment struct {
	fields  json.RawMessage
	version int64
}

// MemoryStore keeps assessments in process. With AutoCreate set, an update
// to an unknown assessment creates it instead of being rejected.
type MemoryStore struct {
	mu         sync.Mutex
	items      map[string]*memAssessment
	AutoCreate bool
}

func NewMemoryStore(autoCreate bool) *MemoryStore {
	return &MemoryStore{items: make(map[string]*memAssessment), AutoCreate: autoCreate}
}

func (s *MemoryStore) CreateAssessment(ctx context.Context, id string, fields json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(fields) == 0 {
		fields = json.RawMessage(`{}`)
	}
	if _, err := decodeObject(fields); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; ok {
		return fmt.Errorf("%w: %w", domain.ErrStoreRejected, ErrExists)
	}
	s.items[id] = &memAssessment{fields: fields}
	return nil
}

func (s *MemoryStore) Fields(ctx context.Context, id string) (json.RawMessage, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %w", domain.ErrStoreRejected, domain.ErrAssessmentNotFound)
	}
	return a.fields, a.version, nil
}

func (s *MemoryStore) ApplyUpdate(ctx context.Context, assessmentID string, updates json.RawMessage, _ domain.UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	patch, err := decodeObject(updates)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[assessmentID]
	if !ok {
		if !s.AutoCreate {
			return fmt.Errorf("%w: %w", domain.ErrStoreRejected, domain.ErrAssessmentNotFound)
		}
		a = &memAssessment{}
	}
	merged, err := merge(a.fields, patch)
	if err != nil {
		return err
	}
	s.items[assessmentID] = a
	a.fields = merged
	a.version++
	return nil
}
