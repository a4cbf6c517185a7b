package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"github.com/eleven-am/hypernode/internal/xjson"
)

// Store keeps encoded records so callers never share memory with the store,
// matching the copy semantics of the durable backend.
type Store[T any] struct {
	entity  string
	records map[string][]byte
	mu      sync.RWMutex
	logger  *slog.Logger
}

var _ ports.Repository[domain.Node] = (*Store[domain.Node])(nil)

func NewStore[T any](entity string, logger *slog.Logger) *Store[T] {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store[T]{
		entity:  entity,
		records: make(map[string][]byte),
		logger:  logger.With("component", "store", "type", "memory", "entity", entity),
	}
}

func (s *Store[T]) Create(ctx context.Context, id string, value *T) error {
	if id == "" || value == nil {
		return domain.NewError(domain.KindInvalidInput, s.entity+" id and value are required")
	}

	data, err := xjson.Marshal(value)
	if err != nil {
		return domain.NewStorageError("encode", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; exists {
		s.logger.Warn("record already exists", "id", id)
		return domain.NewErrorf(domain.KindConflict, "%s %s already exists", s.entity, id)
	}

	s.records[id] = data
	return nil
}

func (s *Store[T]) Get(ctx context.Context, id string) (*T, error) {
	s.mu.RLock()
	data, exists := s.records[id]
	s.mu.RUnlock()

	if !exists {
		return nil, domain.NewNotFoundError(s.entity, id)
	}
	return s.decode(id, data)
}

func (s *Store[T]) Update(ctx context.Context, id string, fn func(*T) error) (*T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, exists := s.records[id]
	if !exists {
		return nil, domain.NewNotFoundError(s.entity, id)
	}

	value, err := s.decode(id, data)
	if err != nil {
		return nil, err
	}

	if err := fn(value); err != nil {
		return nil, err
	}

	updated, err := xjson.Marshal(value)
	if err != nil {
		return nil, domain.NewStorageError("encode", id, err)
	}
	s.records[id] = updated

	return value, nil
}

func (s *Store[T]) DeleteIf(ctx context.Context, id string, pred func(*T) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, exists := s.records[id]
	if !exists {
		return false, nil
	}

	if pred != nil {
		value, err := s.decode(id, data)
		if err != nil {
			return false, err
		}
		if !pred(value) {
			return false, nil
		}
	}

	delete(s.records, id)
	return true, nil
}

func (s *Store[T]) List(ctx context.Context) ([]*T, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	snapshot := make(map[string][]byte, len(s.records))
	for id, data := range s.records {
		snapshot[id] = data
	}
	s.mu.RUnlock()

	sort.Strings(ids)

	values := make([]*T, 0, len(ids))
	for _, id := range ids {
		value, err := s.decode(id, snapshot[id])
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store[T]) decode(id string, data []byte) (*T, error) {
	value := new(T)
	if err := xjson.Unmarshal(data, value); err != nil {
		return nil, domain.NewStorageError("decode", id, err)
	}
	return value, nil
}
