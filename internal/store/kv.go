package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/database/prefixdb"
	"github.com/wnt/subledger/internal/metrics"
)

var namespace = []byte("subledger:")

// KV stores entities as JSON in a luxfi/database key-value store, keyed "{type}:{id}"
type KV struct {
	db      database.Database
	base    database.Database
	backend string

	mu     sync.RWMutex
	closed bool
}

// NewMemory creates an in-memory store
func NewMemory() *KV {
	base := memdb.New()
	return &KV{
		db:      prefixdb.New(namespace, base),
		base:    base,
		backend: "memory",
	}
}

// Open opens a BadgerDB-backed store at path
func Open(path string) (*KV, error) {
	db, err := badgerdb.New(path, nil, "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open badgerdb: %w", err)
	}
	return &KV{
		db:      prefixdb.New(namespace, db),
		base:    db,
		backend: "badger",
	}, nil
}

// Key builds the storage key of an entity
func Key(entityType, id string) []byte {
	key := make([]byte, 0, len(entityType)+len(id)+1)
	key = append(key, entityType...)
	key = append(key, ':')
	key = append(key, id...)
	return key
}

// Load implements Store
func (s *KV) Load(_ context.Context, id string, dst Entity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	raw, err := s.db.Get(Key(dst.EntityType(), id))
	if errors.Is(err, database.ErrNotFound) {
		metrics.RecordStoreOperation(s.backend, "load", "miss")
		return false, nil
	}
	if err != nil {
		metrics.RecordStoreOperation(s.backend, "load", "failed")
		return false, fmt.Errorf("failed to load %s %s: %w", dst.EntityType(), id, err)
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("failed to decode %s %s: %w", dst.EntityType(), id, err)
	}
	metrics.RecordStoreOperation(s.backend, "load", "hit")
	return true, nil
}

// Save implements Store
func (s *KV) Save(_ context.Context, e Entity) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", e.EntityType(), e.EntityID(), err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.db.Put(Key(e.EntityType(), e.EntityID()), raw); err != nil {
		metrics.RecordStoreOperation(s.backend, "save", "failed")
		return fmt.Errorf("failed to save %s %s: %w", e.EntityType(), e.EntityID(), err)
	}
	metrics.RecordStoreOperation(s.backend, "save", "success")
	return nil
}

// Remove implements Store
func (s *KV) Remove(_ context.Context, entityType, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.db.Delete(Key(entityType, id)); err != nil {
		metrics.RecordStoreOperation(s.backend, "remove", "failed")
		return fmt.Errorf("failed to remove %s %s: %w", entityType, id, err)
	}
	metrics.RecordStoreOperation(s.backend, "remove", "success")
	return nil
}

// Transaction buffers every write made by fn and commits them in a single batch
func (s *KV) Transaction(ctx context.Context, fn func(Store) error) error {
	unit := &kvUnit{parent: s, pending: make(map[string]pendingWrite)}
	if err := fn(unit); err != nil {
		return err
	}
	return unit.commit()
}

// HealthCheck reports whether the underlying database is usable
func (s *KV) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.HealthCheck(ctx)
	return err
}

// Close closes the underlying database
func (s *KV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.base.Close()
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// kvUnit is a read-your-writes overlay over a KV store
type kvUnit struct {
	parent  *KV
	pending map[string]pendingWrite
	order   []string
}

func (u *kvUnit) Load(ctx context.Context, id string, dst Entity) (bool, error) {
	if w, ok := u.pending[string(Key(dst.EntityType(), id))]; ok {
		if w.deleted {
			return false, nil
		}
		if err := json.Unmarshal(w.value, dst); err != nil {
			return false, fmt.Errorf("failed to decode %s %s: %w", dst.EntityType(), id, err)
		}
		return true, nil
	}
	return u.parent.Load(ctx, id, dst)
}

func (u *kvUnit) Save(_ context.Context, e Entity) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", e.EntityType(), e.EntityID(), err)
	}
	u.put(string(Key(e.EntityType(), e.EntityID())), pendingWrite{value: raw})
	return nil
}

func (u *kvUnit) Remove(_ context.Context, entityType, id string) error {
	u.put(string(Key(entityType, id)), pendingWrite{deleted: true})
	return nil
}

func (u *kvUnit) Transaction(ctx context.Context, fn func(Store) error) error {
	return fn(u)
}

func (u *kvUnit) put(key string, w pendingWrite) {
	if _, seen := u.pending[key]; !seen {
		u.order = append(u.order, key)
	}
	u.pending[key] = w
}

func (u *kvUnit) commit() error {
	if len(u.order) == 0 {
		return nil
	}

	u.parent.mu.RLock()
	defer u.parent.mu.RUnlock()
	if u.parent.closed {
		return ErrClosed
	}

	batch := u.parent.db.NewBatch()
	for _, key := range u.order {
		w := u.pending[key]
		var err error
		if w.deleted {
			err = batch.Delete([]byte(key))
		} else {
			err = batch.Put([]byte(key), w.value)
		}
		if err != nil {
			return fmt.Errorf("failed to stage %s: %w", key, err)
		}
	}

	if err := batch.Write(); err != nil {
		metrics.RecordStoreOperation(u.parent.backend, "commit", "failed")
		return fmt.Errorf("failed to commit %d writes: %w", len(u.order), err)
	}
	metrics.RecordStoreOperation(u.parent.backend, "commit", "success")
	return nil
}
