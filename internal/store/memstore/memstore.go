// Package memstore is an in-process document store. It backs local
// development (STORE_BACKEND=memory) and tests, and can inject failures.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"bus-tracker/internal/store"
)

// Write records one Set call that reached the store.
type Write struct {
	Collection string
	ID         string
	Partial    store.Document
	Opts       store.SetOptions
}

type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]store.Document
	subs        map[int]*subscription
	nextSub     int
	faults      map[string][]error
	writes      []Write
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]store.Document),
		subs:        make(map[int]*subscription),
		faults:      make(map[string][]error),
	}
}

var _ store.Store = (*Store)(nil)

// FailNext makes the next call of op ("subscribe", "get" or "set") return err.
// Calls queue up: FailNext twice fails the next two calls.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

func (s *Store) takeFault(op string) error {
	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}
	s.faults[op] = q[1:]
	return q[0]
}

// DropSubscriptions kills every live subscription with err, as a lost
// connection would.
func (s *Store) DropSubscriptions(err error) {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[int]*subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fail(err)
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Writes returns the Set calls applied so far, oldest first.
func (s *Store) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// Doc returns a copy of a stored document.
func (s *Store) Doc(collection, id string) (store.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.collections[collection][id]
	if !ok {
		return nil, false
	}
	return copyDoc(d), true
}

func (s *Store) Subscribe(ctx context.Context, collection string, onBatch store.BatchFunc, onError store.ErrorFunc) (func(), error) {
	s.mu.Lock()
	if err := s.takeFault("subscribe"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := &subscription{
		collection: collection,
		onBatch:    onBatch,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	sub.push(s.snapshotLocked(collection))
	s.mu.Unlock()

	go sub.run(ctx)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.close()
	}, nil
}

func (s *Store) Get(_ context.Context, collection, id string) (store.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault("get"); err != nil {
		return nil, false, err
	}
	d, ok := s.collections[collection][id]
	if !ok {
		return nil, false, nil
	}
	return copyDoc(d), true, nil
}

func (s *Store) Set(_ context.Context, collection, id string, partial store.Document, opts store.SetOptions) error {
	norm, err := normalize(partial)
	if err != nil {
		return store.NewError(store.Unknown, "set", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault("set"); err != nil {
		return err
	}
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]store.Document)
		s.collections[collection] = docs
	}
	merged := store.Merge(docs[id], norm, opts)
	docs[id] = merged
	s.writes = append(s.writes, Write{Collection: collection, ID: id, Partial: norm, Opts: opts})

	batch := []store.Snapshot{{ID: id, Data: copyDoc(merged)}}
	for _, sub := range s.subs {
		if sub.collection == collection {
			sub.push(batch)
		}
	}
	return nil
}

func (s *Store) snapshotLocked(collection string) []store.Snapshot {
	docs := s.collections[collection]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]store.Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, store.Snapshot{ID: id, Data: copyDoc(docs[id])})
	}
	return out
}

// normalize round-trips through JSON so stored values look exactly like
// values read back from a JSON-backed store.
func normalize(d store.Document) (store.Document, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out store.Document
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

func copyDoc(d store.Document) store.Document {
	out := make(store.Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

type subscription struct {
	collection string
	onBatch    store.BatchFunc
	onError    store.ErrorFunc

	mu      sync.Mutex
	pending [][]store.Snapshot
	err     error
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func (s *subscription) push(batch []store.Snapshot) {
	s.mu.Lock()
	s.pending = append(s.pending, batch)
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// run delivers batches in order on one goroutine per subscription.
func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		batches, err := s.pending, s.err
		s.pending = nil
		s.mu.Unlock()

		for _, b := range batches {
			if s.isClosed() {
				return
			}
			s.onBatch(b)
		}
		if err != nil {
			if !s.isClosed() {
				s.onError(err)
			}
			return
		}
	}
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
