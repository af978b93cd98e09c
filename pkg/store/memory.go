package store

import (
	"context"
	"sync"
)

// MemoryStorage is an in-process Storage, mainly for tests. LoadErr and
// SaveErr, when set, are returned instead of touching the stored document.
type MemoryStorage struct {
	mu  sync.Mutex
	doc Document

	LoadErr error
	SaveErr error

	saves int
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{doc: Empty()}
}

func (m *MemoryStorage) Load(ctx context.Context) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return Document{}, m.LoadErr
	}
	doc := m.doc.Clone()
	doc.normalize()
	return doc, nil
}

func (m *MemoryStorage) Save(ctx context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.doc = doc.Clone()
	m.saves++
	return nil
}

// Snapshot returns the currently stored document.
func (m *MemoryStorage) Snapshot() Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Clone()
}

// Saves returns how many successful saves have happened.
func (m *MemoryStorage) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
