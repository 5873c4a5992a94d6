package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"mednote/pkg/domain"
)

// MemoryStore keeps transcripts in-process. Used by tests and the memory backend.
type MemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string]domain.Transcript
	now         func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transcripts: make(map[string]domain.Transcript),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateTranscript stores t under a fresh id.
func (m *MemoryStore) CreateTranscript(_ context.Context, t domain.Transcript) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	m.transcripts[t.ID] = t
	return t.ID, nil
}

// ListTranscriptsByOwner returns the subject's transcripts, newest first.
func (m *MemoryStore) ListTranscriptsByOwner(_ context.Context, subject string) ([]domain.Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Transcript, 0)
	for _, t := range m.transcripts {
		if t.OwnerSubject == subject {
			res = append(res, t)
		}
	}
	sortNewestFirst(res)
	return res, nil
}

func (m *MemoryStore) GetTranscript(_ context.Context, id, subject string) (domain.Transcript, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transcripts[id]
	if !ok || t.OwnerSubject != subject {
		return domain.Transcript{}, false, nil
	}
	return t, true, nil
}

func (m *MemoryStore) UpdateTranscriptFields(_ context.Context, id, subject string, patch domain.TranscriptPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[id]
	if !ok || t.OwnerSubject != subject {
		return false, nil
	}
	patch.Apply(&t)
	t.UpdatedAt = m.now()
	m.transcripts[id] = t
	return true, nil
}

func (m *MemoryStore) DeleteTranscript(_ context.Context, id, subject string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[id]
	if !ok || t.OwnerSubject != subject {
		return false, nil
	}
	delete(m.transcripts, id)
	return true, nil
}

// Close is a no-op.
func (m *MemoryStore) Close(context.Context) error { return nil }
