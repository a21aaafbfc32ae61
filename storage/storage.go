// Package storage contains the named cache buckets the worker stores responses in.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrBucketNotFound is returned by operations which require an existing bucket
var ErrBucketNotFound = errors.New("bucket not found")

// A CacheStorage holds any number of named buckets.
// Only one of them is current at a time, the rest are stale generations waiting to be purged.
//
// All actions of a cache storage must be safe for concurrent use by multiple goroutines.
type CacheStorage interface {

	//Open returns the bucket with the given name, creating it if it doesn't exist
	Open(ctx context.Context, name string) (Bucket, error)

	//Has reports if a bucket with the given name exists
	Has(ctx context.Context, name string) (bool, error)

	//Delete removes a bucket and all its entries.
	// The returned bool is false if the bucket didn't exist
	Delete(ctx context.Context, name string) (bool, error)

	//Keys returns the names of all buckets in sorted order
	Keys(ctx context.Context) ([]string, error)

	//Close releases the resources of the storage backend
	Close() error
}

// A Bucket stores entries by key. Writing a key which is already in use overwrites it, the last writer wins.
type Bucket interface {
	Name() string

	//Match requests a stored entry with the key 'key'.
	// If there is no entry with that key a nil reader and nil error are returned
	// Error should only be returned in case of a error while getting the data like a connection error to a storage backend
	Match(ctx context.Context, key string) (io.ReadCloser, error)

	//Put stores a new entry. if a key is already in use it is overwritten.
	Put(ctx context.Context, key string, entry io.Reader) error

	//Delete removes the entry with the given key, the returned bool is false if there was no such entry
	Delete(ctx context.Context, key string) (bool, error)

	//Keys returns all keys in the bucket
	Keys(ctx context.Context) ([]string, error)
}
