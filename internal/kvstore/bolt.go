package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const bucketName = "records"

// boltRecord is the stored envelope; bbolt has no modification time of its own
type boltRecord struct {
	Value    []byte    `json:"value"`
	Modified time.Time `json:"modified"`
}

// BoltStore implements the Store interface using BoltDB. bbolt holds an
// exclusive file lock, so locks here only coordinate goroutines of one process.
type BoltStore struct {
	db          *bbolt.DB
	locks       *keyedMutex
	lockTimeout time.Duration
	now         func() time.Time
}

// NewBoltStore opens (or creates) the database file
func NewBoltStore(path string, lockTimeout time.Duration) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}

	return &BoltStore{
		db:          db,
		locks:       newKeyedMutex(),
		lockTimeout: lockTimeout,
		now:         time.Now,
	}, nil
}

// Get retrieves a record by key
func (b *BoltStore) Get(_ context.Context, key string) (Record, error) {
	var rec boltRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	return Record{Value: rec.Value, Modified: rec.Modified}, nil
}

// Put saves a record
func (b *BoltStore) Put(_ context.Context, key string, value []byte) error {
	data, err := json.Marshal(boltRecord{Value: value, Modified: b.now()})
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), data)
	})
}

// Delete removes a record
func (b *BoltStore) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
}

// WithLock runs fn while holding the in-process lock for key
func (b *BoltStore) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := b.locks.acquire(ctx, key, b.lockTimeout)
	if err != nil {
		return fmt.Errorf("locking %s: %w", key, err)
	}
	defer release()
	return fn(ctx)
}

// Sweep deletes records under prefix older than olderThan
func (b *BoltStore) Sweep(_ context.Context, prefix string, olderThan time.Duration) (int, error) {
	cutoff := b.now().Add(-olderThan)
	removed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))

		// Deleting under a live cursor skips entries, so collect first
		var stale [][]byte
		c := bucket.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = c.Next() {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil || rec.Modified.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweeping %s: %w", prefix, err)
	}
	return removed, nil
}

// Close closes the database connection
func (b *BoltStore) Close() error {
	return b.db.Close()
}
