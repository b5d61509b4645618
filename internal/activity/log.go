// Package activity is the append-only log of gate entries, exits and driver
// actions. Readers subscribe instead of polling.
package activity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/clock"
	"bus-tracker/internal/metrics"
)

type Kind string

const (
	KindEntry  Kind = "entry"
	KindExit   Kind = "exit"
	KindDriver Kind = "driver"
)

var ErrInvalidEntry = errors.New("invalid activity entry")

type Entry struct {
	ID     string    `json:"id"`
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Kind   Kind      `json:"kind"`
	BusID  int       `json:"busId,omitempty"`
	Gate   string    `json:"gate,omitempty"`
	Action string    `json:"action,omitempty"`
	Note   string    `json:"note,omitempty"`
	Actor  string    `json:"actor,omitempty"`
}

// Forwarder ships appended entries to other instances.
type Forwarder interface {
	PublishActivity(e Entry) error
}

type Config struct {
	// Capacity bounds the retained history; older entries are evicted.
	Capacity  int
	Clock     clock.Clock
	Log       logrus.FieldLogger
	Metrics   *metrics.Collector
	Forwarder Forwarder
}

type Log struct {
	capacity  int
	clock     clock.Clock
	log       logrus.FieldLogger
	metrics   *metrics.Collector
	forwarder Forwarder

	mu      sync.Mutex
	entries []Entry
	seen    map[string]bool
	seq     uint64

	subMu   sync.Mutex
	subs    map[int]func(Entry)
	nextSub int
}

func New(cfg Config) *Log {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Log{
		capacity:  cfg.Capacity,
		clock:     cfg.Clock,
		log:       cfg.Log.WithField("component", "activity"),
		metrics:   cfg.Metrics,
		forwarder: cfg.Forwarder,
		seen:      make(map[string]bool),
		subs:      make(map[int]func(Entry)),
	}
}

func validate(e Entry) error {
	switch e.Kind {
	case KindEntry, KindExit:
		if e.Gate == "" && e.BusID == 0 {
			return fmt.Errorf("%w: %s needs a gate or a bus", ErrInvalidEntry, e.Kind)
		}
	case KindDriver:
		if e.Action == "" || e.BusID == 0 {
			return fmt.Errorf("%w: driver entry needs a bus and an action", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	return nil
}

// Append records a new entry, assigning its id, sequence and time, and
// forwards it.
func (l *Log) Append(e Entry) (Entry, error) {
	if err := validate(e); err != nil {
		return Entry{}, err
	}
	e.ID = uuid.NewString()
	e.Time = l.clock.Now().UTC()
	e, _ = l.add(e)

	if l.forwarder != nil {
		if err := l.forwarder.PublishActivity(e); err != nil {
			l.log.WithError(err).WithField("entry", e.ID).Warn("forward activity failed")
		}
	}
	return e, nil
}

// Ingest records an entry appended by another instance. Entries already
// in the log are ignored.
func (l *Log) Ingest(e Entry) bool {
	if e.ID == "" || validate(e) != nil {
		return false
	}
	if e.Time.IsZero() {
		e.Time = l.clock.Now().UTC()
	}
	_, added := l.add(e)
	return added
}

func (l *Log) add(e Entry) (Entry, bool) {
	l.mu.Lock()
	if l.seen[e.ID] {
		l.mu.Unlock()
		return e, false
	}
	l.seq++
	e.Seq = l.seq
	l.entries = append(l.entries, e)
	l.seen[e.ID] = true
	if over := len(l.entries) - l.capacity; over > 0 {
		for _, old := range l.entries[:over] {
			delete(l.seen, old.ID)
		}
		l.entries = append([]Entry(nil), l.entries[over:]...)
	}
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.ActivityEntries.Inc()
	}
	l.publish(e)
	return e, true
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Since returns entries with a sequence number above seq, oldest first.
func (l *Log) Since(seq uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe calls fn for every entry added after it returns.
func (l *Log) Subscribe(fn func(Entry)) (unsubscribe func()) {
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.subMu.Unlock()
	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

func (l *Log) publish(e Entry) {
	l.subMu.Lock()
	fns := make([]func(Entry), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.subMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}
