package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// notifyPayload is the envelope published over the kv_changes channel. Its
// shape mirrors a table-change event, but keyed by the kv_entries key
// rather than a row id, since every entity in this store shares one table.
type notifyPayload struct {
	Type      string `json:"type"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedBy string `json:"updated_by"`
	Revision  int64  `json:"revision"`
}

// PostgresStore is a durable Store backed by a single kv_entries table,
// with watch delivery over LISTEN/NOTIFY. This generalizes the
// per-table-trigger event bus pattern to a single shared table carrying a
// prefix-bearing key column, since every orchestrator entity already
// encodes its own identity in its key.
type PostgresStore struct {
	db       *sqlx.DB
	listener *pq.Listener
	dsn      string

	watchMu sync.Mutex
	watches map[*pgWatch]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

const kvChannel = "kv_changes"

// NewPostgresStore opens db and starts the LISTEN/NOTIFY dispatch loop. The
// caller is expected to have already applied the kv_entries migration
// (see internal/kvstore/migrations).
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("kvstore: connect: %w", err)
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(kvChannel); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		db:       db,
		listener: listener,
		dsn:      dsn,
		watches:  make(map[*pgWatch]struct{}),
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.dispatch(ctx)

	return s, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, updatedBy string) error {
	var revision int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv_entries (key, value, updated_by, revision, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_by = EXCLUDED.updated_by,
			revision = kv_entries.revision + 1,
			updated_at = now()
		RETURNING revision
	`, key, value, updatedBy).Scan(&revision)
	if err != nil {
		return fmt.Errorf("kvstore: put %s: %w", key, err)
	}

	payload := notifyPayload{Type: string(EventPut), Key: key, Value: string(value), UpdatedBy: updatedBy, Revision: revision}
	return s.notify(ctx, payload)
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	var revision int64
	err := s.db.QueryRowContext(ctx, `DELETE FROM kv_entries WHERE key = $1 RETURNING revision`, key).Scan(&revision)
	if err == sql.ErrNoRows {
		return nil // deleting an absent key is a no-op success.
	}
	if err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}

	payload := notifyPayload{Type: string(EventDelete), Key: key, Revision: revision}
	return s.notify(ctx, payload)
}

func (s *PostgresStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT key, value FROM kv_entries WHERE key LIKE $1`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("kvstore: list %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

type pgWatch struct {
	prefix  string
	queue   chan Event
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

func (w *pgWatch) Close() error {
	w.cancel()
	<-w.done
	return nil
}

func (s *PostgresStore) Watch(ctx context.Context, prefix string, handler Handler) (WatchHandle, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	w := &pgWatch{
		prefix:  prefix,
		queue:   make(chan Event, watchQueueCapacity),
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.watchMu.Lock()
	s.watches[w] = struct{}{}
	s.watchMu.Unlock()

	go func() {
		defer close(w.done)
		defer func() {
			s.watchMu.Lock()
			delete(s.watches, w)
			s.watchMu.Unlock()
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev := <-w.queue:
				hctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_ = w.handler(hctx, ev)
				cancel()
			}
		}
	}()

	return w, nil
}

func (s *PostgresStore) notify(ctx context.Context, payload notifyPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, kvChannel, string(data))
	return err
}

func (s *PostgresStore) dispatch(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.listener.Notify:
			if n == nil {
				continue
			}
			var payload notifyPayload
			if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
				continue
			}
			s.route(payload)
		case <-time.After(90 * time.Second):
			go s.listener.Ping()
		}
	}
}

func (s *PostgresStore) route(payload notifyPayload) {
	ev := Event{
		Type:      EventType(payload.Type),
		Key:       payload.Key,
		Value:     []byte(payload.Value),
		UpdatedBy: payload.UpdatedBy,
		Revision:  payload.Revision,
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for w := range s.watches {
		if !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.queue <- ev:
		default:
		}
	}
}

func (s *PostgresStore) Close() error {
	s.cancel()
	s.wg.Wait()
	if err := s.listener.Close(); err != nil {
		return err
	}
	return s.db.Close()
}
