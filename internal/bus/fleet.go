package bus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrAlreadySeeded = errors.New("fleet already seeded")
	ErrUnknownBus    = errors.New("unknown bus")
)

type Source string

const (
	Local  Source = "local"
	Remote Source = "remote"
)

// Change describes one state transition of the fleet.
type Change struct {
	Version uint64
	BusIDs  []int
	Source  Source
}

// Fleet is the local set of bus views. Every mutation runs as one
// transaction, and each transaction that touches at least one bus is one
// version bump and one Change to watchers.
type Fleet struct {
	mu      sync.RWMutex
	views   map[int]*View
	ids     []int
	version uint64
	seeded  bool
	ready   chan struct{}

	// notifyMu keeps watcher calls in version order.
	notifyMu    sync.Mutex
	watchMu     sync.Mutex
	watchers    map[int]func(Change)
	nextWatcher int
}

func NewFleet() *Fleet {
	return &Fleet{
		views:    make(map[int]*View),
		ready:    make(chan struct{}),
		watchers: make(map[int]func(Change)),
	}
}

// Seed installs the configured routes, every bus at its first stop. It may
// be called once.
func (f *Fleet) Seed(routes []Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seeded {
		return ErrAlreadySeeded
	}
	views := make(map[int]*View, len(routes))
	for _, r := range routes {
		if _, dup := views[r.BusID]; dup {
			return fmt.Errorf("duplicate bus %d", r.BusID)
		}
		if len(r.Stops) == 0 {
			return fmt.Errorf("bus %d has no stops", r.BusID)
		}
		v := NewView(r)
		views[r.BusID] = &v
	}
	f.views = views
	f.ids = f.ids[:0]
	for id := range views {
		f.ids = append(f.ids, id)
	}
	sort.Ints(f.ids)
	f.seeded = true
	close(f.ready)
	return nil
}

// Ready is closed once the fleet has been seeded.
func (f *Fleet) Ready() <-chan struct{} { return f.ready }

func (f *Fleet) IDs() []int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]int, len(f.ids))
	copy(out, f.ids)
	return out
}

func (f *Fleet) View(id int) (View, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.views[id]
	if !ok {
		return View{}, false
	}
	return v.Clone(), true
}

// Views returns copies of all views ordered by bus id.
func (f *Fleet) Views() []View {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]View, 0, len(f.ids))
	for _, id := range f.ids {
		out = append(out, f.views[id].Clone())
	}
	return out
}

func (f *Fleet) Version() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version
}

// Watch registers fn for every Change. fn runs after the transaction has
// committed and must not start another transaction synchronously.
func (f *Fleet) Watch(fn func(Change)) (unwatch func()) {
	f.watchMu.Lock()
	id := f.nextWatcher
	f.nextWatcher++
	f.watchers[id] = fn
	f.watchMu.Unlock()
	return func() {
		f.watchMu.Lock()
		delete(f.watchers, id)
		f.watchMu.Unlock()
	}
}

// Tx is a fleet transaction. Views obtained from it may be modified in
// place; Touch marks them as changed.
type Tx struct {
	f       *Fleet
	touched map[int]bool
}

func (tx *Tx) View(id int) (*View, bool) {
	v, ok := tx.f.views[id]
	return v, ok
}

func (tx *Tx) Touch(id int) { tx.touched[id] = true }

// Update runs fn under the fleet's write lock. It returns the resulting
// Change; a transaction that touched nothing returns a zero Change and
// notifies nobody.
func (f *Fleet) Update(source Source, fn func(tx *Tx)) Change {
	f.mu.Lock()
	tx := &Tx{f: f, touched: make(map[int]bool)}
	fn(tx)
	if len(tx.touched) == 0 {
		f.mu.Unlock()
		return Change{}
	}
	f.version++
	ch := Change{Version: f.version, Source: source}
	for id := range tx.touched {
		ch.BusIDs = append(ch.BusIDs, id)
	}
	sort.Ints(ch.BusIDs)
	f.notifyMu.Lock()
	f.mu.Unlock()

	f.watchMu.Lock()
	fns := make([]func(Change), 0, len(f.watchers))
	for _, w := range f.watchers {
		fns = append(fns, w)
	}
	f.watchMu.Unlock()
	for _, w := range fns {
		w(ch)
	}
	f.notifyMu.Unlock()
	return ch
}
