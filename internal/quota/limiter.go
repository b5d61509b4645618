// Package quota paces durable writes to the shared store so a burst of
// driver actions never exceeds the store's write budget.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bus-tracker/internal/clock"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/store"
)

var (
	ErrDropped = errors.New("write dropped from queue")
	ErrClosed  = errors.New("write queue closed")
)

// Op is one durable write.
type Op func(ctx context.Context) error

// Ticket resolves when its write has run, was dropped, or the limiter closed.
type Ticket struct {
	Name string
	done chan struct{}
	err  error
}

func newTicket(name string) *Ticket {
	return &Ticket{Name: name, done: make(chan struct{})}
}

func (t *Ticket) resolve(err error) {
	t.err = err
	close(t.done)
}

func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err is the write's outcome. Only valid once Done is closed.
func (t *Ticket) Err() error { return t.err }

func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Config struct {
	MinInterval time.Duration
	Clock       clock.Clock
	Log         logrus.FieldLogger
	Metrics     *metrics.Collector
}

type job struct {
	op     Op
	ticket *Ticket
}

// Limiter runs submitted writes one at a time, in submission order, with at
// least MinInterval between the end of one write and the start of the next.
type Limiter struct {
	minInterval time.Duration
	clock       clock.Clock
	log         logrus.FieldLogger
	metrics     *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []job
	draining bool
	closed   bool
	lastDone time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{
		minInterval: cfg.MinInterval,
		clock:       cfg.Clock,
		log:         cfg.Log.WithField("component", "quota"),
		metrics:     cfg.Metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Submit queues op and starts the drain loop if it is idle. After an idle
// period of at least MinInterval the write runs without delay.
func (l *Limiter) Submit(name string, op Op) *Ticket {
	t := newTicket(name)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		t.resolve(ErrClosed)
		return t
	}
	l.queue = append(l.queue, job{op: op, ticket: t})
	l.observeDepthLocked()
	if !l.draining {
		l.draining = true
		l.wg.Add(1)
		go l.drain()
	}
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.WritesSubmitted.Inc()
	}
	return t
}

// Clear drops every queued write that has not started. Their tickets
// resolve with ErrDropped. It returns how many were dropped.
func (l *Limiter) Clear() int {
	l.mu.Lock()
	dropped := l.queue
	l.queue = nil
	l.observeDepthLocked()
	l.mu.Unlock()

	for _, j := range dropped {
		j.ticket.resolve(ErrDropped)
	}
	if n := len(dropped); n > 0 {
		l.log.WithField("dropped", n).Warn("write queue cleared")
		if l.metrics != nil {
			l.metrics.WritesDropped.Add(float64(n))
		}
	}
	return len(dropped)
}

// Pending is the number of queued writes not yet started.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops the drain loop, cancels a running write and resolves queued
// tickets with ErrClosed.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pending := l.queue
	l.queue = nil
	l.observeDepthLocked()
	l.mu.Unlock()

	l.cancel()
	for _, j := range pending {
		j.ticket.resolve(ErrClosed)
	}
	l.wg.Wait()
}

func (l *Limiter) drain() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(l.queue) == 0 || l.closed {
			l.draining = false
			l.mu.Unlock()
			return
		}
		wait := l.minInterval - l.clock.Now().Sub(l.lastDone)
		if wait > 0 {
			l.mu.Unlock()
			select {
			case <-l.clock.After(wait):
			case <-l.ctx.Done():
			}
			// Re-check: the queue may have been cleared while waiting.
			continue
		}
		j := l.queue[0]
		l.queue = l.queue[1:]
		l.observeDepthLocked()
		l.mu.Unlock()

		err := l.run(j)

		l.mu.Lock()
		l.lastDone = l.clock.Now()
		l.mu.Unlock()
		j.ticket.resolve(err)
	}
}

func (l *Limiter) run(j job) error {
	start := time.Now()
	err := j.op(l.ctx)
	if l.metrics != nil {
		l.metrics.WriteDuration.Observe(time.Since(start).Seconds())
		l.metrics.WritesExecuted.Inc()
		if err != nil {
			l.metrics.WriteErrors.WithLabelValues(string(store.CodeOf(err))).Inc()
		}
	}
	if err != nil {
		l.log.WithError(err).WithField("write", j.ticket.Name).Warn("write failed, continuing with queue")
	}
	return err
}

func (l *Limiter) observeDepthLocked() {
	if l.metrics != nil {
		l.metrics.QueueDepth.Set(float64(len(l.queue)))
	}
}
