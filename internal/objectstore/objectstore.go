// Package objectstore defines the Task Engine's storage contract (spec
// §4.D): Put, Copy, Delete, Presign over a path convention of
// input/{accountId}/{taskType}/{taskId}/{filename},
// output/{accountId}/{taskType}/{taskId}/{filename} and
// temp/{accountId}/{uploadId}/{filename}.
package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/beammedia/control-plane/internal/store"
)

// Store is implemented once per storage backend. Errors returned here are
// surfaced to callers as retryable StorageError per spec §4.D: the store is
// considered reliable internally, so any error reaching the caller is a
// transient condition worth retrying.
type Store interface {
	// Put writes content to key, returning the durable URL.
	Put(ctx context.Context, key string, content io.Reader) (url string, err error)
	// Copy duplicates srcKey to dstKey, returning the destination's URL.
	Copy(ctx context.Context, srcKey, dstKey string) (url string, err error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Presign returns a time-limited, publicly-fetchable URL for key —
	// needed so provider adapters (which run outside this process) can read
	// input objects.
	Presign(ctx context.Context, key string) (url string, err error)
}

// InputKey builds the input/{accountId}/{taskType}/{taskId}/{filename} key.
func InputKey(accountID string, taskType store.TaskType, taskID, filename string) string {
	return fmt.Sprintf("input/%s/%s/%s/%s", accountID, taskType, taskID, filename)
}

// OutputKey builds the output/{accountId}/{taskType}/{taskId}/{filename} key.
func OutputKey(accountID string, taskType store.TaskType, taskID, filename string) string {
	return fmt.Sprintf("output/%s/%s/%s/%s", accountID, taskType, taskID, filename)
}

// TempKey builds the temp/{accountId}/{uploadId}/{filename} key used for
// pre-task uploads before a task (and thus its taskId) exists.
func TempKey(accountID, uploadID, filename string) string {
	return fmt.Sprintf("temp/%s/%s/%s", accountID, uploadID, filename)
}

// StorageError wraps a backend failure; every error returned by a Store
// implementation should be one of these so callers can treat it uniformly
// as retryable.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("objectstore %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
