package kvstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGet_RoundTrips(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/clusters/cluster/c-1", []byte("payload"), "api"))

	got, err := s.Get(ctx, "/clusters/cluster/c-1")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestMemoryStore_Get_MissingKeyReturnsErrNotFound(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Get(context.Background(), "/does/not/exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Delete_IsIdempotentOnMissingKey(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Delete(context.Background(), "/never/put"))
}

func TestMemoryStore_List_FiltersByPrefix(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/bundles/bundle/b-1", []byte("1"), "manager"))
	require.NoError(t, s.Put(ctx, "/bundles/bundle/b-2", []byte("2"), "manager"))
	require.NoError(t, s.Put(ctx, "/kernels/kernel/k-1", []byte("3"), "manager"))

	got, err := s.List(ctx, "/bundles/bundle/")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []byte("1"), got["/bundles/bundle/b-1"])
}

func TestMemoryStore_Watch_DeliversOnlyMatchingPrefixEvents(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []Event
	handle, err := s.Watch(ctx, "/bundles/bundle/", func(ctx context.Context, ev Event) error {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer handle.Close()

	require.NoError(t, s.Put(ctx, "/bundles/bundle/b-1", []byte("1"), "manager"))
	require.NoError(t, s.Put(ctx, "/kernels/kernel/k-1", []byte("ignored"), "manager"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/bundles/bundle/b-1", seen[0].Key)
	require.Equal(t, EventPut, seen[0].Type)
}

func TestMemoryStore_Watch_DeliversDeleteEventsForExistingKeysOnly(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/kernels/kernel/k-1", []byte("1"), "manager"))

	var mu sync.Mutex
	var deletes int
	handle, err := s.Watch(ctx, "/kernels/", func(ctx context.Context, ev Event) error {
		mu.Lock()
		if ev.Type == EventDelete {
			deletes++
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer handle.Close()

	require.NoError(t, s.Delete(ctx, "/kernels/kernel/never-existed"))
	require.NoError(t, s.Delete(ctx, "/kernels/kernel/k-1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deletes == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryStore_Watch_StopsDeliveringAfterClose(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	handle, err := s.Watch(ctx, "/bundles/", func(ctx context.Context, ev Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, handle.Close())

	require.NoError(t, s.Put(ctx, "/bundles/bundle/b-1", []byte("1"), "manager"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, count)
}

func TestMemoryStore_Put_OverwritesPreviousValue(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/k", []byte("first"), "api"))
	require.NoError(t, s.Put(ctx, "/k", []byte("second"), "api"))

	got, err := s.Get(ctx, "/k")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
}

func TestLease_WritesUnixSecondsTimestamp(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	require.NoError(t, Lease(ctx, s, "/health/clusters/c-1", "driver", at))

	got, err := s.Get(ctx, "/health/clusters/c-1")
	require.NoError(t, err)
	require.Equal(t, "1700000000", string(got))
}
