package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"
)

// The InMemoryStorage stores buckets in memory
// Buckets are lost when the process exits, this storage is meant for a single worker generation or for tests
type InMemoryStorage struct {
	//Maximum size of a single bucket in bytes
	MaxBucketSize int

	buckets map[string]*InMemoryBucket

	lock sync.RWMutex
}

// NewInMemoryStorage creates a new in-memory storage where every bucket holds at most maxBucketSize bytes
func NewInMemoryStorage(maxBucketSize int) *InMemoryStorage {
	return &InMemoryStorage{
		MaxBucketSize: maxBucketSize,
		buckets:       make(map[string]*InMemoryBucket, 4),
	}
}

func (storage *InMemoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	storage.lock.Lock()
	defer storage.lock.Unlock()

	if bucket, found := storage.buckets[name]; found {
		return bucket, nil
	}

	bucket := newInMemoryBucket(name, storage.MaxBucketSize)
	storage.buckets[name] = bucket

	return bucket, nil
}

func (storage *InMemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	storage.lock.RLock()
	defer storage.lock.RUnlock()

	_, found := storage.buckets[name]
	return found, nil
}

func (storage *InMemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	storage.lock.Lock()
	defer storage.lock.Unlock()

	bucket, found := storage.buckets[name]
	if !found {
		return false, nil
	}

	delete(storage.buckets, name)

	//Anybody still holding the bucket sees it empty
	bucket.clear()

	return true, nil
}

func (storage *InMemoryStorage) Keys(ctx context.Context) ([]string, error) {
	storage.lock.RLock()
	defer storage.lock.RUnlock()

	names := make([]string, 0, len(storage.buckets))
	for name := range storage.buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (storage *InMemoryStorage) Close() error {
	return nil
}

// InMemoryBucket is a single bucket of the InMemoryStorage
type InMemoryBucket struct {
	name string

	//Maximum size of the bucket in bytes
	maxSize int

	entityStore map[string]inMemoryEntity

	currentSize int

	lock sync.RWMutex
}

type inMemoryEntity struct {
	Data     []byte
	StoredAt time.Time
}

func newInMemoryBucket(name string, maxSize int) *InMemoryBucket {
	return &InMemoryBucket{
		name:        name,
		maxSize:     maxSize,
		entityStore: make(map[string]inMemoryEntity, 500),
	}
}

func (bucket *InMemoryBucket) Name() string {
	return bucket.name
}

func (bucket *InMemoryBucket) Match(ctx context.Context, key string) (io.ReadCloser, error) {
	bucket.lock.RLock()
	defer bucket.lock.RUnlock()

	if entity, found := bucket.entityStore[key]; found {
		return io.NopCloser(bytes.NewReader(entity.Data)), nil
	}

	return nil, nil
}

func (bucket *InMemoryBucket) Put(ctx context.Context, key string, entry io.Reader) error {
	entryBytes, err := io.ReadAll(entry)
	if err != nil {
		return err
	}

	bucket.lock.Lock()
	defer bucket.lock.Unlock()

	//The old value of the key doesn't count against the room we need
	availableRoom := bucket.maxSize - bucket.currentSize
	if existing, found := bucket.entityStore[key]; found {
		availableRoom += len(existing.Data)
	}

	//If the entry is bigger than the available room we have to make room
	if len(entryBytes) > availableRoom {
		err := bucket.replaceCache(key, len(entryBytes)-availableRoom)
		if err != nil {
			return err
		}
	}

	bucket.set(key, inMemoryEntity{
		Data:     entryBytes,
		StoredAt: time.Now(),
	})

	return nil
}

func (bucket *InMemoryBucket) Delete(ctx context.Context, key string) (bool, error) {
	bucket.lock.Lock()
	defer bucket.lock.Unlock()

	_, found := bucket.entityStore[key]
	bucket.delete(key)

	return found, nil
}

func (bucket *InMemoryBucket) Keys(ctx context.Context) ([]string, error) {
	bucket.lock.RLock()
	defer bucket.lock.RUnlock()

	keys := make([]string, 0, len(bucket.entityStore))
	for key := range bucket.entityStore {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys, nil
}

// replaceCache removes the oldest entries until neededSize bytes are freed.
// The key which is about to be written is never evicted
//
// WARNING call this function only when the bucket is already write locked
func (bucket *InMemoryBucket) replaceCache(keep string, neededSize int) error {
	if neededSize > bucket.maxSize {
		return errors.New("Can't make enough room")
	}

	keys := make([]string, 0, len(bucket.entityStore))
	for key := range bucket.entityStore {
		if key != keep {
			keys = append(keys, key)
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		return bucket.entityStore[keys[i]].StoredAt.Before(bucket.entityStore[keys[j]].StoredAt)
	})

	for _, key := range keys {
		neededSize -= bucket.delete(key)

		//If we have enough space we return
		if neededSize <= 0 {
			return nil
		}
	}

	return errors.New("Can't make enough room")
}

func (bucket *InMemoryBucket) delete(key string) int {
	if entry, found := bucket.entityStore[key]; found {
		size := len(entry.Data)

		delete(bucket.entityStore, key)

		bucket.currentSize -= size

		return size
	}

	return 0
}

func (bucket *InMemoryBucket) set(key string, entry inMemoryEntity) {
	//Delete the key first so the current size is updated
	bucket.delete(key)

	bucket.currentSize += len(entry.Data)
	bucket.entityStore[key] = entry
}

func (bucket *InMemoryBucket) clear() {
	bucket.lock.Lock()
	bucket.entityStore = make(map[string]inMemoryEntity)
	bucket.currentSize = 0
	bucket.lock.Unlock()
}
