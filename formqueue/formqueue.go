// Package formqueue persists form submissions which could not be sent while the origin was unreachable
package formqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/dylandreimerink/swcache"
)

// keyPrefix namespaces the forms in the database
var keyPrefix = []byte("form/")

// ErrFormNotFound is returned when removing a form which is not queued
var ErrFormNotFound = errors.New("pending form not found")

// LevelDBQueue is a FormQueue backed by LevelDB.
// Form ids are UUIDv7 so the key order of the database is the submission order
type LevelDBQueue struct {
	db  *leveldb.DB
	now func() time.Time
}

// Open opens or creates a queue at the given path
func Open(path string) (*LevelDBQueue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open form queue '%s': %w", path, err)
	}

	return &LevelDBQueue{db: db, now: time.Now}, nil
}

// OpenInMemory creates a queue which is lost when closed
func OpenInMemory() (*LevelDBQueue, error) {
	db, err := leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}

	return &LevelDBQueue{db: db, now: time.Now}, nil
}

func formKey(id string) []byte {
	return append(append([]byte(nil), keyPrefix...), id...)
}

// AddPendingForm stores the form under a new id and returns the id
func (queue *LevelDBQueue) AddPendingForm(ctx context.Context, form swcache.PendingForm) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	form.ID = id.String()
	if form.QueuedAt.IsZero() {
		form.QueuedAt = queue.now()
	}

	value, err := json.Marshal(form)
	if err != nil {
		return "", err
	}

	if err := queue.db.Put(formKey(form.ID), value, &opt.WriteOptions{Sync: true}); err != nil {
		return "", fmt.Errorf("failed to store form: %w", err)
	}

	return form.ID, nil
}

// GetPendingForms returns all queued forms, oldest first
func (queue *LevelDBQueue) GetPendingForms(ctx context.Context) ([]swcache.PendingForm, error) {
	iter := queue.db.NewIterator(util.BytesPrefix(keyPrefix), nil)
	defer iter.Release()

	var forms []swcache.PendingForm
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var form swcache.PendingForm
		if err := json.Unmarshal(iter.Value(), &form); err != nil {
			return nil, fmt.Errorf("failed to decode form '%s': %w", iter.Key()[len(keyPrefix):], err)
		}

		forms = append(forms, form)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return forms, nil
}

// RemovePendingForm deletes a form from the queue
func (queue *LevelDBQueue) RemovePendingForm(ctx context.Context, id string) error {
	key := formKey(id)

	found, err := queue.db.Has(key, nil)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%w: %s", ErrFormNotFound, id)
	}

	return queue.db.Delete(key, &opt.WriteOptions{Sync: true})
}

// Len returns the amount of queued forms
func (queue *LevelDBQueue) Len() (int, error) {
	iter := queue.db.NewIterator(util.BytesPrefix(keyPrefix), nil)
	defer iter.Release()

	count := 0
	for iter.Next() {
		count++
	}

	return count, iter.Error()
}

func (queue *LevelDBQueue) Close() error {
	return queue.db.Close()
}
