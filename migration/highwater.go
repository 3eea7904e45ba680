package migration

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// HighWater remembers the largest migration version ever applied. It
// rejects attempts to lower the mark.
type HighWater interface {
	HighWater() int
	SetHighWater(v int) error
}

// MemoryHighWater keeps the mark in memory.
type MemoryHighWater struct {
	mu sync.Mutex
	v  int
}

func (m *MemoryHighWater) HighWater() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v
}

func (m *MemoryHighWater) SetHighWater(v int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v < m.v {
		return ErrRollbackDetected
	}
	m.v = v
	return nil
}

var (
	highWaterBucket = []byte("__migration_high_water")
	highWaterKey    = []byte("version")
)

// BoltHighWater persists the mark in its own bbolt file, apart from the
// data it guards.
type BoltHighWater struct {
	db *bbolt.DB
	mu sync.Mutex
	v  int
}

// NewBoltHighWater loads the mark from db.
func NewBoltHighWater(db *bbolt.DB) (*BoltHighWater, error) {
	h := &BoltHighWater{db: db}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(highWaterBucket)
		if err != nil {
			return err
		}
		if raw := b.Get(highWaterKey); len(raw) == 8 {
			h.v = int(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// OpenBoltHighWater opens (or creates) the bbolt file at path.
func OpenBoltHighWater(path string, options *bbolt.Options) (*BoltHighWater, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening high-water db: %w", err)
	}
	h, err := NewBoltHighWater(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *BoltHighWater) HighWater() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.v
}

func (h *BoltHighWater) SetHighWater(v int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v < h.v {
		return ErrRollbackDetected
	}
	err := h.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(highWaterBucket)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		return b.Put(highWaterKey, buf[:])
	})
	if err != nil {
		return err
	}
	h.v = v
	return nil
}

// Close closes the underlying database.
func (h *BoltHighWater) Close() error {
	return h.db.Close()
}
