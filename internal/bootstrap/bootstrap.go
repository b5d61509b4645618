// Package bootstrap creates the remote document of every configured bus
// that does not have one yet.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/store"
)

var ErrAlreadyRan = errors.New("bootstrap already ran")

// Report lists what happened to each bus.
type Report struct {
	Created  []int
	Existing []int
	Failed   map[int]error
}

type Bootstrapper struct {
	fleet      *bus.Fleet
	store      store.Store
	collection string
	log        logrus.FieldLogger
	metrics    *metrics.Collector

	once sync.Once
}

func New(fleet *bus.Fleet, st store.Store, collection string, log logrus.FieldLogger, m *metrics.Collector) *Bootstrapper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bootstrapper{
		fleet:      fleet,
		store:      st,
		collection: collection,
		log:        log.WithField("component", "bootstrap"),
		metrics:    m,
	}
}

// Run waits for the fleet to be seeded, then checks each bus and creates
// missing documents from local state. The create only fills fields that
// are still unset, so a document another client wrote in the meantime
// keeps its values. A failing bus does not stop the others; the returned
// error joins every failure. Run does its work once per Bootstrapper.
func (b *Bootstrapper) Run(ctx context.Context) (Report, error) {
	ran := false
	var rep Report
	var err error
	b.once.Do(func() {
		ran = true
		rep, err = b.run(ctx)
	})
	if !ran {
		return Report{}, ErrAlreadyRan
	}
	return rep, err
}

func (b *Bootstrapper) run(ctx context.Context) (Report, error) {
	rep := Report{Failed: make(map[int]error)}
	select {
	case <-b.fleet.Ready():
	case <-ctx.Done():
		return rep, fmt.Errorf("waiting for fleet: %w", ctx.Err())
	}

	var errs []error
	for _, view := range b.fleet.Views() {
		created, err := b.ensure(ctx, view)
		switch {
		case err != nil:
			rep.Failed[view.ID] = err
			errs = append(errs, fmt.Errorf("bus %d: %w", view.ID, err))
			b.log.WithError(err).WithField("bus", view.ID).Warn("bootstrap failed")
			if b.metrics != nil {
				b.metrics.BootstrapFailed.Inc()
			}
		case created:
			rep.Created = append(rep.Created, view.ID)
			if b.metrics != nil {
				b.metrics.BootstrapCreated.Inc()
			}
		default:
			rep.Existing = append(rep.Existing, view.ID)
		}
	}

	b.log.WithFields(logrus.Fields{
		"created":  len(rep.Created),
		"existing": len(rep.Existing),
		"failed":   len(rep.Failed),
	}).Info("bootstrap finished")
	return rep, errors.Join(errs...)
}

func (b *Bootstrapper) ensure(ctx context.Context, view bus.View) (bool, error) {
	id := bus.DocID(view.ID)
	_, ok, err := b.store.Get(ctx, b.collection, id)
	if err != nil {
		return false, fmt.Errorf("check document: %w", err)
	}
	if ok {
		return false, nil
	}
	err = b.store.Set(ctx, b.collection, id, view.State.Document(), store.SetOptions{Merge: true, KeepExisting: true})
	if err != nil {
		return false, fmt.Errorf("create document: %w", err)
	}
	return true, nil
}
