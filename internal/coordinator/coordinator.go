// Package coordinator is the mutation API used by drivers. Every mutation
// updates the local fleet at once and then persists the changed fields
// through the write queue.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/clock"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/quota"
	"bus-tracker/internal/store"
)

var ErrUnknownBus = bus.ErrUnknownBus

type Action string

const (
	ActionAdvance  Action = "advance"
	ActionRetreat  Action = "retreat"
	ActionSetETA   Action = "set-eta"
	ActionReset    Action = "reset"
	ActionStudents Action = "set-student-count"
)

// Notice is the transient message shown to the driver once a durable
// write has finished.
type Notice struct {
	BusID   int
	Action  Action
	OK      bool
	Code    store.Code
	Message string
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Queue is the write queue the coordinator persists through.
type Queue interface {
	Submit(name string, op quota.Op) *quota.Ticket
	Clear() int
}

type Config struct {
	Collection string
	Clock      clock.Clock
	Log        logrus.FieldLogger
	Metrics    *metrics.Collector
	Notifier   Notifier
}

type Coordinator struct {
	fleet      *bus.Fleet
	store      store.Store
	queue      Queue
	collection string
	clock      clock.Clock
	log        logrus.FieldLogger
	metrics    *metrics.Collector
	notifier   Notifier
}

func New(fleet *bus.Fleet, st store.Store, q Queue, cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFunc(func(Notice) {})
	}
	return &Coordinator{
		fleet:      fleet,
		store:      st,
		queue:      q,
		collection: cfg.Collection,
		clock:      cfg.Clock,
		log:        cfg.Log.WithField("component", "coordinator"),
		metrics:    cfg.Metrics,
		notifier:   cfg.Notifier,
	}
}

// Advance moves the bus to its next stop, stamping the stop it leaves.
// At the final stop it does nothing.
func (c *Coordinator) Advance(busID int) (*quota.Ticket, error) {
	return c.mutate(ActionAdvance, busID, func(v *bus.View, now time.Time) {
		if v.CurrentStopIndex >= v.Len()-1 {
			return
		}
		at := now
		v.Route[v.CurrentStopIndex].Completed = true
		v.Route[v.CurrentStopIndex].ActualTime = &at
		v.CurrentStopIndex++
		v.ETA = nil
		v.RouteCompleted = v.CurrentStopIndex == v.Len()-1
	})
}

// Retreat moves the bus back one stop. At the first stop it does nothing.
func (c *Coordinator) Retreat(busID int) (*quota.Ticket, error) {
	return c.mutate(ActionRetreat, busID, func(v *bus.View, _ time.Time) {
		if v.CurrentStopIndex <= 0 {
			return
		}
		v.CurrentStopIndex--
		v.Route[v.CurrentStopIndex].Completed = false
		v.Route[v.CurrentStopIndex].ActualTime = nil
		v.ETA = nil
		v.RouteCompleted = false
	})
}

// SetETA accepts any value, negative included.
func (c *Coordinator) SetETA(busID, minutes int) (*quota.Ticket, error) {
	return c.mutate(ActionSetETA, busID, func(v *bus.View, _ time.Time) {
		m := minutes
		v.ETA = &m
	})
}

// Reset returns the bus to its first stop. The student count is kept.
func (c *Coordinator) Reset(busID int) (*quota.Ticket, error) {
	return c.mutate(ActionReset, busID, func(v *bus.View, _ time.Time) {
		v.CurrentStopIndex = 0
		v.ETA = nil
		v.RouteCompleted = false
		for i := range v.Route {
			v.Route[i].Completed = false
			v.Route[i].ActualTime = nil
		}
	})
}

// SetStudentCount stores n, floored at zero.
func (c *Coordinator) SetStudentCount(busID, n int) (*quota.Ticket, error) {
	if n < 0 {
		n = 0
	}
	return c.mutate(ActionStudents, busID, func(v *bus.View, _ time.Time) {
		v.StudentCount = n
	})
}

// ResetAll resets every bus and returns the tickets of the writes it queued.
func (c *Coordinator) ResetAll() []*quota.Ticket {
	var tickets []*quota.Ticket
	for _, id := range c.fleet.IDs() {
		tk, err := c.Reset(id)
		if err != nil {
			c.log.WithError(err).WithField("bus", id).Warn("reset failed")
			continue
		}
		if tk != nil {
			tickets = append(tickets, tk)
		}
	}
	return tickets
}

// mutate applies fn to the bus in one fleet transaction and queues a merge
// write of the scalar fields that changed. A nil ticket with a nil error
// means the mutation changed nothing.
func (c *Coordinator) mutate(action Action, busID int, fn func(v *bus.View, now time.Time)) (*quota.Ticket, error) {
	now := c.clock.Now().UTC()
	known := false
	var partial store.Document

	c.fleet.Update(bus.Local, func(tx *bus.Tx) {
		v, ok := tx.View(busID)
		if !ok {
			return
		}
		known = true
		before := v.Clone()
		fn(v, now)
		partial = changedFields(before.State, v.State)
		if len(partial) == 0 {
			return
		}
		v.LastUpdated = now
		v.SyncCompletion()
		tx.Touch(busID)
	})

	if !known {
		c.count(action, "unknown")
		return nil, fmt.Errorf("%s bus %d: %w", action, busID, ErrUnknownBus)
	}
	if len(partial) == 0 {
		c.count(action, "noop")
		return nil, nil
	}
	c.count(action, "applied")
	partial[bus.FieldLastUpdated] = now

	name := fmt.Sprintf("%s bus %d", action, busID)
	return c.queue.Submit(name, func(ctx context.Context) error {
		err := c.store.Set(ctx, c.collection, bus.DocID(busID), partial, store.SetOptions{Merge: true})
		c.finish(action, busID, err)
		return err
	}), nil
}

// finish runs on the write queue after the store answered.
func (c *Coordinator) finish(action Action, busID int, err error) {
	n := Notice{BusID: busID, Action: action, OK: err == nil}
	if err == nil {
		n.Message = successMessage(action, busID)
		c.notifier.Notify(n)
		return
	}
	n.Code = store.CodeOf(err)
	n.Message = Describe(err)
	entry := c.log.WithError(err).WithFields(logrus.Fields{"bus": busID, "action": action, "code": n.Code})
	if n.Code == store.ResourceExhausted {
		dropped := c.queue.Clear()
		entry.WithField("dropped", dropped).Warn("write quota exhausted, queue cleared")
	} else {
		entry.Warn("write failed")
	}
	c.notifier.Notify(n)
}

func (c *Coordinator) count(action Action, result string) {
	if c.metrics != nil {
		c.metrics.Mutations.WithLabelValues(string(action), result).Inc()
	}
}

// changedFields returns the document fields whose values differ.
func changedFields(before, after bus.State) store.Document {
	d := store.Document{}
	if before.CurrentStopIndex != after.CurrentStopIndex {
		d[bus.FieldCurrentStopIndex] = after.CurrentStopIndex
	}
	if !bus.ETAEqual(before.ETA, after.ETA) {
		if after.ETA == nil {
			d[bus.FieldETA] = nil
		} else {
			d[bus.FieldETA] = *after.ETA
		}
	}
	if before.RouteCompleted != after.RouteCompleted {
		d[bus.FieldRouteCompleted] = after.RouteCompleted
	}
	if before.StudentCount != after.StudentCount {
		d[bus.FieldStudentCount] = after.StudentCount
	}
	return d
}

func successMessage(action Action, busID int) string {
	switch action {
	case ActionAdvance:
		return fmt.Sprintf("Bus %d moved to the next stop.", busID)
	case ActionRetreat:
		return fmt.Sprintf("Bus %d moved back one stop.", busID)
	case ActionSetETA:
		return fmt.Sprintf("ETA updated for bus %d.", busID)
	case ActionReset:
		return fmt.Sprintf("Route reset for bus %d.", busID)
	case ActionStudents:
		return fmt.Sprintf("Student count updated for bus %d.", busID)
	}
	return fmt.Sprintf("Bus %d updated.", busID)
}
