// Package memoryStore stores artifacts in memory. Used only for testing.
package memoryStore

import (
	"sync"

	"depvet/store"
)

// MemoryStore implements the store interface using in-memory storage.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string][]byte
}

// New creates a new memory-based store
func New() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string][]byte),
	}
}

// StoreArtifact stores an artifact in memory under its checksum
func (s *MemoryStore) StoreArtifact(checksum string, content []byte) error {
	// Copy to prevent external modifications
	stored := make([]byte, len(content))
	copy(stored, content)

	s.mu.Lock()
	s.artifacts[checksum] = stored
	s.mu.Unlock()

	return nil
}

// GetArtifact retrieves an artifact by checksum
func (s *MemoryStore) GetArtifact(checksum string) ([]byte, error) {
	s.mu.RLock()
	content, exists := s.artifacts[checksum]
	s.mu.RUnlock()

	if !exists {
		return nil, store.ErrArtifactNotFound
	}

	// Return a copy to prevent external modifications
	result := make([]byte, len(content))
	copy(result, content)

	return result, nil
}

// HasArtifact reports whether an artifact exists
func (s *MemoryStore) HasArtifact(checksum string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.artifacts[checksum]

	return exists, nil
}

// DeleteArtifact deletes an artifact by checksum
func (s *MemoryStore) DeleteArtifact(checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.artifacts[checksum]; !exists {
		return store.ErrArtifactNotFound
	}

	delete(s.artifacts, checksum)

	return nil
}

// Clear removes all artifacts from memory (useful for testing)
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.artifacts = make(map[string][]byte)
	s.mu.Unlock()
}

// Count returns the number of artifacts stored (useful for testing)
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}
