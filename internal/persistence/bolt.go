package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	leaseBucket = "lease"
	leaseKey    = "primary"

	// leaseTTL bounds how long a crashed client's lease blocks others.
	leaseTTL = 30 * time.Second
)

// lease records which logical client owns the durable store.
type lease struct {
	Owner     string    `json:"owner"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BoltStore is the durable Store backed by a single bbolt file, one bucket
// per table. Exactly one logical client may own it at a time.
type BoltStore struct {
	db      *bolt.DB
	ownerID string
}

// OpenBolt opens (or creates) the database at path and takes the primary
// lease. A fresh lease held by another client yields ErrStoreInUse.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BoltStore{db: db, ownerID: uuid.NewString()}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, t := range AllTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucketIfNotExists([]byte(leaseBucket))
		if err != nil {
			return err
		}
		return s.acquireLease(b)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("Durable store opened", "path", path, "owner", s.ownerID)
	return s, nil
}

func (s *BoltStore) acquireLease(b *bolt.Bucket) error {
	if raw := b.Get([]byte(leaseKey)); raw != nil {
		var current lease
		if err := json.Unmarshal(raw, &current); err == nil &&
			current.Owner != s.ownerID &&
			time.Since(current.UpdatedAt) < leaseTTL {
			return fmt.Errorf("%w (held by %s)", ErrStoreInUse, current.Owner)
		}
	}
	raw, err := json.Marshal(lease{Owner: s.ownerID, UpdatedAt: time.Now()})
	if err != nil {
		return err
	}
	return b.Put([]byte(leaseKey), raw)
}

// Run implements Store. The lease timestamp refreshes on every write
// transaction, keeping it fresh while the client is alive.
func (s *BoltStore) Run(name string, fn func(Tx) error) error {
	err := s.db.Update(func(btx *bolt.Tx) error {
		if err := s.acquireLease(btx.Bucket([]byte(leaseBucket))); err != nil {
			return err
		}
		return fn(&boltTx{tx: btx})
	})
	if err != nil {
		return fmt.Errorf("transaction %q failed: %w", name, err)
	}
	return nil
}

// View implements Store.
func (s *BoltStore) View(name string, fn func(Tx) error) error {
	err := s.db.View(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
	if err != nil {
		return fmt.Errorf("transaction %q failed: %w", name, err)
	}
	return nil
}

// TableSize implements Store.
func (s *BoltStore) TableSize(table Table) (int64, error) {
	var size int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(table)).ForEach(func(k, v []byte) error {
			size += int64(len(k) + len(v))
			return nil
		})
	})
	return size, err
}

// Close releases the lease and closes the database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(leaseBucket))
		if raw := b.Get([]byte(leaseKey)); raw != nil {
			var current lease
			if json.Unmarshal(raw, &current) == nil && current.Owner == s.ownerID {
				return b.Delete([]byte(leaseKey))
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("Failed to release lease", "error", err)
	}
	return s.db.Close()
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) Get(table Table, key string) ([]byte, bool, error) {
	v := t.tx.Bucket([]byte(table)).Get([]byte(key))
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t *boltTx) Put(table Table, key string, value []byte) error {
	return t.tx.Bucket([]byte(table)).Put([]byte(key), value)
}

func (t *boltTx) Delete(table Table, key string) error {
	return t.tx.Bucket([]byte(table)).Delete([]byte(key))
}

func (t *boltTx) Scan(table Table, prefix string, fn func(key string, value []byte) bool) error {
	c := t.tx.Bucket([]byte(table)).Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if !fn(string(k), append([]byte(nil), v...)) {
			break
		}
	}
	return nil
}
