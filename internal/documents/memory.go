package documents

import (
	"context"
	"sort"
	"sync"

	"github.com/stewardhq/steward/internal/storage"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu         sync.RWMutex
	docs       map[string]*Document
	embeddings map[string][]Embedding
	nextID     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:       map[string]*Document{},
		embeddings: map[string][]Embedding{},
		nextID:     1,
	}
}

func (s *MemoryStore) Insert(_ context.Context, doc *Document, embeddings []Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return storage.ErrAlreadyExists
	}
	s.docs[doc.ID] = cloneDocument(doc)

	rows := make([]Embedding, 0, len(embeddings))
	for _, e := range embeddings {
		row := cloneEmbedding(e)
		row.ID = s.nextID
		row.DocumentID = doc.ID
		s.nextID++
		rows = append(rows, row)
	}
	s.embeddings[doc.ID] = rows
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, cloneDocument(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.docs, id)
	delete(s.embeddings, id)
	return nil
}

func (s *MemoryStore) Embeddings(_ context.Context, documentID string) ([]Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.embeddings[documentID]
	out := make([]Embedding, 0, len(rows))
	for _, e := range rows {
		out = append(out, cloneEmbedding(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *MemoryStore) AllEmbeddings(_ context.Context) ([]Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Embedding
	for _, rows := range s.embeddings {
		for _, e := range rows {
			out = append(out, cloneEmbedding(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
