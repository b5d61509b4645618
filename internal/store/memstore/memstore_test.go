package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/store"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]store.Snapshot
	errs    []error
}

func (r *recorder) onBatch(b []store.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches), len(r.errs)
}

func TestSubscribeDeliversSnapshotThenChanges(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Set(ctx, "buses", "1", store.Document{"studentCount": 3}, store.SetOptions{}))

	rec := &recorder{}
	unsub, err := s.Subscribe(ctx, "buses", rec.onBatch, rec.onError)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.Set(ctx, "buses", "2", store.Document{"eta": 5}, store.SetOptions{Merge: true}))
	require.NoError(t, s.Set(ctx, "other", "9", store.Document{"x": 1}, store.SetOptions{}))

	require.Eventually(t, func() bool { n, _ := rec.counts(); return n == 2 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.batches[0], 1)
	assert.Equal(t, "1", rec.batches[0][0].ID)
	assert.Equal(t, 3.0, rec.batches[0][0].Data["studentCount"])
	assert.Equal(t, "2", rec.batches[1][0].ID)
	assert.Equal(t, 5.0, rec.batches[1][0].Data["eta"])
}

func TestDropSubscriptionsReportsError(t *testing.T) {
	s := New()
	rec := &recorder{}
	_, err := s.Subscribe(context.Background(), "buses", rec.onBatch, rec.onError)
	require.NoError(t, err)

	boom := store.NewError(store.Unavailable, "subscribe", errors.New("connection reset"))
	s.DropSubscriptions(boom)

	require.Eventually(t, func() bool { _, n := rec.counts(); return n == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Subscribers())
	rec.mu.Lock()
	assert.ErrorIs(t, rec.errs[0], boom)
	rec.mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := &recorder{}
	unsub, err := s.Subscribe(ctx, "buses", rec.onBatch, rec.onError)
	require.NoError(t, err)
	require.Eventually(t, func() bool { n, _ := rec.counts(); return n == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub()
	require.NoError(t, s.Set(ctx, "buses", "1", store.Document{"eta": 1}, store.SetOptions{}))
	time.Sleep(20 * time.Millisecond)

	n, _ := rec.counts()
	assert.Equal(t, 1, n)
	assert.Zero(t, s.Subscribers())
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	s := New()
	quota := store.NewError(store.ResourceExhausted, "set", nil)
	s.FailNext("set", quota)

	err := s.Set(ctx, "buses", "1", store.Document{"eta": 1}, store.SetOptions{})
	assert.ErrorIs(t, err, quota)
	assert.Empty(t, s.Writes())

	require.NoError(t, s.Set(ctx, "buses", "1", store.Document{"eta": 1}, store.SetOptions{}))
	doc, ok, err := s.Get(ctx, "buses", "1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.0, doc["eta"])

	_, ok, err = s.Get(ctx, "buses", "404")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetNormalizesValues(t *testing.T) {
	ctx := context.Background()
	s := New()
	at := time.Date(2026, 3, 2, 8, 15, 0, 0, time.UTC)
	require.NoError(t, s.Set(ctx, "buses", "4", store.Document{"eta": nil, "lastUpdated": at, "studentCount": 7}, store.SetOptions{Merge: true}))

	doc, ok := s.Doc("buses", "4")
	require.True(t, ok)
	assert.Nil(t, doc["eta"])
	assert.Contains(t, doc, "eta")
	assert.Equal(t, "2026-03-02T08:15:00Z", doc["lastUpdated"])
	assert.Equal(t, 7.0, doc["studentCount"])
}
