package storage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"github.com/eleven-am/hypernode/internal/xjson"
)

// Store persists one record type under a key prefix. Every mutation runs in
// a single badger transaction; optimistic conflicts are retried.
type Store[T any] struct {
	db         *badger.DB
	entity     string
	prefix     string
	maxRetries int
	logger     *slog.Logger
}

var _ ports.Repository[domain.Job] = (*Store[domain.Job])(nil)

func NewStore[T any](db *badger.DB, entity, prefix string, maxRetries int, logger *slog.Logger) *Store[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}

	return &Store[T]{
		db:         db,
		entity:     entity,
		prefix:     prefix,
		maxRetries: maxRetries,
		logger:     logger.With("component", "store", "type", "badger", "entity", entity),
	}
}

func (s *Store[T]) key(id string) []byte {
	return []byte(s.prefix + id)
}

func (s *Store[T]) Create(ctx context.Context, id string, value *T) error {
	if id == "" || value == nil {
		return domain.NewError(domain.KindInvalidInput, s.entity+" id and value are required")
	}

	data, err := xjson.Marshal(value)
	if err != nil {
		return domain.NewStorageError("encode", id, err)
	}

	return s.withRetry(ctx, id, func(txn *badger.Txn) error {
		_, err := txn.Get(s.key(id))
		if err == nil {
			return domain.NewErrorf(domain.KindConflict, "%s %s already exists", s.entity, id)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(s.key(id), data)
	})
}

func (s *Store[T]) Get(ctx context.Context, id string) (*T, error) {
	var value *T
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		value, err = s.read(txn, id)
		return err
	})
	if err != nil {
		return nil, s.wrap("get", id, err)
	}
	return value, nil
}

func (s *Store[T]) Update(ctx context.Context, id string, fn func(*T) error) (*T, error) {
	var value *T
	err := s.withRetry(ctx, id, func(txn *badger.Txn) error {
		current, err := s.read(txn, id)
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}

		data, err := xjson.Marshal(current)
		if err != nil {
			return domain.NewStorageError("encode", id, err)
		}
		if err := txn.Set(s.key(id), data); err != nil {
			return err
		}
		value = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store[T]) DeleteIf(ctx context.Context, id string, pred func(*T) bool) (bool, error) {
	deleted := false
	err := s.withRetry(ctx, id, func(txn *badger.Txn) error {
		deleted = false
		current, err := s.read(txn, id)
		if err != nil {
			if domain.IsNotFound(err) {
				return nil
			}
			return err
		}
		if pred != nil && !pred(current) {
			return nil
		}
		if err := txn.Delete(s.key(id)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *Store[T]) List(ctx context.Context) ([]*T, error) {
	var values []*T
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(s.prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			value := new(T)
			if err := xjson.Unmarshal(data, value); err != nil {
				return domain.NewStorageError("decode", string(item.Key()), err)
			}
			values = append(values, value)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("list", s.prefix, err)
	}
	return values, nil
}

func (s *Store[T]) read(txn *badger.Txn, id string) (*T, error) {
	item, err := txn.Get(s.key(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, domain.NewNotFoundError(s.entity, id)
		}
		return nil, err
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}

	value := new(T)
	if err := xjson.Unmarshal(data, value); err != nil {
		return nil, domain.NewStorageError("decode", id, err)
	}
	return value, nil
}

func (s *Store[T]) withRetry(ctx context.Context, id string, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Error{Kind: domain.KindTimeout, Message: "storage operation cancelled", Err: ctxErr}
		}

		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return s.wrap("update", id, err)
		}
		s.logger.Debug("transaction conflict, retrying", "id", id, "attempt", attempt+1)
	}
	return domain.Error{Kind: domain.KindConflict, Message: "storage transaction kept conflicting", Err: err}
}

// wrap leaves domain errors produced inside a transaction untouched and marks
// everything else as a storage failure.
func (s *Store[T]) wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var derr domain.Error
	if errors.As(err, &derr) {
		return err
	}
	return domain.NewStorageError(op, id, err)
}
