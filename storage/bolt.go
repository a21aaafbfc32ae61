package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/boltdb/bolt"
)

// BoltStorage persists buckets in a single BoltDB file.
// Every cache bucket maps onto a top level bolt bucket with the same name
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens or creates the database file at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database '%s': %w", path, err)
	}

	return &BoltStorage{db: db}, nil
}

func (storage *BoltStorage) Open(ctx context.Context, name string) (Bucket, error) {
	err := storage.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket '%s': %w", name, err)
	}

	return &boltBucket{db: storage.db, name: name}, nil
}

func (storage *BoltStorage) Has(ctx context.Context, name string) (bool, error) {
	found := false

	err := storage.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(name)) != nil
		return nil
	})

	return found, err
}

func (storage *BoltStorage) Delete(ctx context.Context, name string) (bool, error) {
	deleted := false

	err := storage.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(name))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete bucket '%s': %w", name, err)
	}

	return deleted, nil
}

func (storage *BoltStorage) Keys(ctx context.Context) ([]string, error) {
	names := []string{}

	err := storage.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(names)

	return names, nil
}

func (storage *BoltStorage) Close() error {
	return storage.db.Close()
}

type boltBucket struct {
	db   *bolt.DB
	name string
}

func (bucket *boltBucket) Name() string {
	return bucket.name
}

func (bucket *boltBucket) Match(ctx context.Context, key string) (io.ReadCloser, error) {
	var data []byte

	err := bucket.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket.name))
		if b == nil {
			return nil
		}

		//Values are only valid for the life of the transaction so we copy them
		if value := b.Get([]byte(key)); value != nil {
			data = append([]byte{}, value...)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, nil
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (bucket *boltBucket) Put(ctx context.Context, key string, entry io.Reader) error {
	data, err := io.ReadAll(entry)
	if err != nil {
		return err
	}

	return bucket.db.Update(func(tx *bolt.Tx) error {
		//A bucket deleted by a concurrent clear is recreated, same as reopening it
		b, err := tx.CreateBucketIfNotExists([]byte(bucket.name))
		if err != nil {
			return err
		}

		return b.Put([]byte(key), data)
	})
}

func (bucket *boltBucket) Delete(ctx context.Context, key string) (bool, error) {
	found := false

	err := bucket.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket.name))
		if b == nil {
			return nil
		}

		if b.Get([]byte(key)) == nil {
			return nil
		}

		found = true
		return b.Delete([]byte(key))
	})

	return found, err
}

func (bucket *boltBucket) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}

	err := bucket.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket.name))
		if b == nil {
			return nil
		}

		return b.ForEach(func(key, _ []byte) error {
			keys = append(keys, string(key))
			return nil
		})
	})

	return keys, err
}
