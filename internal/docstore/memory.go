package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in memory and, when opened with a path,
// rewrites a JSON snapshot after every change.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[uuid.UUID]Document
	order []uuid.UUID
	path  string
}

// NewMemoryStore returns an empty, non-persistent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[uuid.UUID]Document{}}
}

// OpenFile loads the snapshot at path (missing files start empty) and
// persists subsequent writes there.
func OpenFile(path string) (*MemoryStore, error) {
	s := NewMemoryStore()
	s.path = path
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("docstore: read %s: %w", path, err)
	}
	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("docstore: decode %s: %w", path, err)
	}
	for _, doc := range docs {
		s.docs[doc.ID] = doc
		s.order = append(s.order, doc.ID)
	}
	return s, nil
}

// Insert implements Store.
func (s *MemoryStore) Insert(ctx context.Context, doc *Document) error {
	if err := prepare(ctx, s, doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("%w: id %s", ErrDuplicate, doc.ID)
	}
	s.docs[doc.ID] = clone(*doc)
	s.order = append(s.order, doc.ID)
	return s.persistLocked()
}

// Update implements Store. Type and parent are immutable.
func (s *MemoryStore) Update(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.docs[doc.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Type != doc.Type || existing.Parent != doc.Parent {
		return fmt.Errorf("docstore: type and parent of %s cannot change", doc.ID)
	}
	s.docs[doc.ID] = clone(doc)
	return s.persistLocked()
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return clone(doc), nil
}

// FindOne implements Store.
func (s *MemoryStore) FindOne(ctx context.Context, q Query) (Document, error) {
	docs, err := s.Find(ctx, q)
	if err != nil {
		return Document{}, err
	}
	if len(docs) == 0 {
		return Document{}, ErrNotFound
	}
	return docs[0], nil
}

// Find implements Store. Results keep insertion order.
func (s *MemoryStore) Find(ctx context.Context, q Query) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	for _, id := range s.order {
		doc := s.docs[id]
		if q.Matches(doc) {
			out = append(out, clone(doc))
		}
	}
	return out, nil
}

// LatestVersion implements Store.
func (s *MemoryStore) LatestVersion(ctx context.Context, subsetID uuid.UUID) (Document, error) {
	versions, err := s.Find(ctx, Query{Type: TypeVersion, Parent: subsetID})
	if err != nil {
		return Document{}, err
	}
	return latest(versions)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	docs := make([]Document, 0, len(s.order))
	for _, id := range s.order {
		docs = append(docs, s.docs[id])
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("docstore: encode: %w", err)
	}
	return os.WriteFile(s.path, append(encoded, '\n'), 0o644)
}

func clone(doc Document) Document {
	out := doc
	if doc.Data != nil {
		out.Data = make(map[string]any, len(doc.Data))
		for key, value := range doc.Data {
			out.Data[key] = value
		}
	}
	return out
}
