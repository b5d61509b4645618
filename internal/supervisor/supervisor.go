// Package supervisor keeps exactly one live subscription to the bus
// collection and restarts it with exponential backoff when it fails.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bus-tracker/internal/clock"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/store"
)

type State string

const (
	Idle       State = "idle"
	Connecting State = "connecting"
	Connected  State = "connected"
	Failed     State = "failed"
)

// Status is what the UI shows in its connection indicator.
type Status struct {
	State     State  `json:"state"`
	Connected bool   `json:"connected"`
	LastError string `json:"lastError,omitempty"`
	Failures  int    `json:"failures"`
}

// Sink consumes remote batches.
type Sink interface {
	Apply(batch []store.Snapshot) int
}

type Config struct {
	Collection       string
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	LivenessInterval time.Duration // zero disables the liveness check
	Clock            clock.Clock
	Log              logrus.FieldLogger
	Metrics          *metrics.Collector
}

type Supervisor struct {
	store store.Store
	sink  Sink
	cfg   Config
	clock clock.Clock
	log   logrus.FieldLogger

	mu       sync.Mutex
	ctx      context.Context
	gen      uint64
	unsub    func()
	retry    *clock.Timer
	state    State
	lastErr  string
	failures int
	stopped  bool
	liveness context.CancelFunc
	wg       sync.WaitGroup

	obsMu     sync.Mutex
	observers map[int]func(Status)
	nextObs   int
}

func New(st store.Store, sink Sink, cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Supervisor{
		store:     st,
		sink:      sink,
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       cfg.Log.WithField("component", "supervisor").WithField("collection", cfg.Collection),
		state:     Idle,
		observers: make(map[int]func(Status)),
	}
}

// Backoff returns the delay before the retry that follows the n-th
// consecutive failure: base doubled n-1 times, capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Start opens the subscription, replacing any existing one and any
// pending retry. The liveness loop starts on the first call.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	if s.liveness == nil && s.cfg.LivenessInterval > 0 {
		lctx, cancel := context.WithCancel(ctx)
		s.liveness = cancel
		s.wg.Add(1)
		go s.livenessLoop(lctx)
	}
	s.mu.Unlock()
	s.subscribe()
}

func (s *Supervisor) subscribe() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	old := s.unsub
	s.unsub = nil
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	ctx := s.ctx
	s.state = Connecting
	status := s.statusLocked()
	s.mu.Unlock()

	if old != nil {
		old()
	}
	s.notify(status)
	if m := s.cfg.Metrics; m != nil {
		m.Reconnects.Inc()
	}

	unsub, err := s.store.Subscribe(ctx, s.cfg.Collection,
		func(batch []store.Snapshot) { s.onBatch(gen, batch) },
		func(err error) { s.onError(gen, err) },
	)
	if err != nil {
		s.onError(gen, err)
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.stopped {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsub = unsub
	s.mu.Unlock()
}

func (s *Supervisor) onBatch(gen uint64, batch []store.Snapshot) {
	s.mu.Lock()
	if s.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	var status *Status
	if s.state != Connected {
		if s.failures > 0 {
			s.log.WithField("failures", s.failures).Info("subscription restored")
		}
		s.state = Connected
		s.failures = 0
		s.lastErr = ""
		st := s.statusLocked()
		status = &st
	}
	s.mu.Unlock()

	if status != nil {
		s.notify(*status)
		if m := s.cfg.Metrics; m != nil {
			m.Connected.Set(1)
			m.BackoffSeconds.Set(0)
		}
	}
	s.sink.Apply(batch)
}

func (s *Supervisor) onError(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.failures++
	s.state = Failed
	s.lastErr = err.Error()
	// Permission errors are not retried on the backoff schedule; only the
	// liveness check tries them again.
	code := store.CodeOf(err)
	var delay time.Duration
	unsub := s.unsub
	s.unsub = nil
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if code != store.PermissionDenied {
		delay = Backoff(s.failures, s.cfg.BaseDelay, s.cfg.MaxDelay)
		s.retry = s.clock.AfterFunc(delay, func() { s.retryFire(gen) })
	}
	status := s.statusLocked()
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	entry := s.log.WithError(err).WithFields(logrus.Fields{
		"failures": status.Failures,
		"code":     code,
	})
	if delay > 0 {
		entry.WithField("retry_in", delay.String()).Warn("subscription failed")
	} else {
		entry.Warn("subscription denied, waiting for liveness check")
	}
	if m := s.cfg.Metrics; m != nil {
		m.Connected.Set(0)
		m.SubscriptionErrors.Inc()
		m.BackoffSeconds.Set(delay.Seconds())
	}
	s.notify(status)
}

func (s *Supervisor) retryFire(gen uint64) {
	s.mu.Lock()
	current := s.gen == gen && !s.stopped
	s.mu.Unlock()
	if current {
		s.subscribe()
	}
}

// livenessLoop restarts a failed connection on a fixed period, covering
// failures that never reached an error callback.
func (s *Supervisor) livenessLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			failed := s.state == Failed && !s.stopped
			s.mu.Unlock()
			if failed {
				s.log.Info("liveness check found failed subscription, restarting")
				s.subscribe()
			}
		}
	}
}

// Stop releases the subscription, the pending retry and the liveness loop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.gen++
	unsub := s.unsub
	s.unsub = nil
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.liveness != nil {
		s.liveness()
	}
	s.state = Idle
	status := s.statusLocked()
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.wg.Wait()
	if m := s.cfg.Metrics; m != nil {
		m.Connected.Set(0)
	}
	s.notify(status)
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	return Status{
		State:     s.state,
		Connected: s.state == Connected,
		LastError: s.lastErr,
		Failures:  s.failures,
	}
}

// OnStatus registers fn for every status change.
func (s *Supervisor) OnStatus(fn func(Status)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Supervisor) notify(st Status) {
	s.obsMu.Lock()
	fns := make([]func(Status), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
