// Package kvstore implements the watchable, strongly consistent key-value
// store that is the sole durable coordination medium between the API
// Facade, Manager and cluster Drivers: prefix watch, prefix range-read,
// put, delete and lease/heartbeat keys.
//
// Two backends are provided: an in-memory backend (tests, single-process
// demos) and a Postgres backend (durable, multi-process) whose watch
// delivery reuses the LISTEN/NOTIFY dispatch shape of a Postgres event bus:
// Put and Delete publish on one shared channel with pg_notify, and each
// watch filters events by key prefix in-process. No database triggers are
// used.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing key. Point-lookup callers in
// the Dispatcher must tolerate this.
var ErrNotFound = errors.New("kvstore: key not found")

// EventType distinguishes a Put from a Delete delivered to a watcher.
type EventType string

const (
	EventPut    EventType = "PUT"
	EventDelete EventType = "DELETE"
)

// Event is one change delivered to a prefix watch.
type Event struct {
	Type      EventType
	Key       string
	Value     []byte
	UpdatedBy string
	Revision  int64
}

// Handler processes one watch Event. Handlers must not block for long: the
// dispatch loop drains a bounded per-watch queue in a dedicated goroutine so
// a slow handler never backpressures the store.
type Handler func(ctx context.Context, ev Event) error

// WatchHandle cancels a prefix watch.
type WatchHandle interface {
	Close() error
}

// Store is the coordination KV store contract. Implementations must
// linearize writes to the same key: last writer wins on non-append fields.
type Store interface {
	// Put writes value at key, stamping the writer token used by watch
	// filters.
	Put(ctx context.Context, key string, value []byte, updatedBy string) error

	// Get reads the current value at key, returning ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is a no-op success, so
	// cascade deletes are idempotent.
	Delete(ctx context.Context, key string) error

	// List returns every key/value pair whose key starts with prefix, used
	// for both crash-recovery hydration and Grafana-style scans.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Watch delivers Put/Delete events for keys under prefix to handler
	// until the returned WatchHandle is closed or ctx is cancelled.
	Watch(ctx context.Context, prefix string, handler Handler) (WatchHandle, error)

	// Close releases backend resources.
	Close() error
}

// Lease is a convenience wrapper around Put used for heartbeat keys: the
// value is the current unix-second timestamp.
func Lease(ctx context.Context, s Store, key string, updatedBy string, at time.Time) error {
	return s.Put(ctx, key, []byte(formatUnixSeconds(at)), updatedBy)
}
