// Package reconcile merges remote bus documents into the local fleet.
package reconcile

import (
	"time"

	"github.com/sirupsen/logrus"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/store"
)

type Reconciler struct {
	fleet   *bus.Fleet
	log     logrus.FieldLogger
	metrics *metrics.Collector
}

func New(fleet *bus.Fleet, log logrus.FieldLogger, m *metrics.Collector) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{fleet: fleet, log: log.WithField("component", "reconcile"), metrics: m}
}

// Apply diffs the batch against the fleet and applies every differing bus
// in a single transaction. Unknown bus ids are ignored. It returns the
// number of buses changed; a batch identical to local state changes none.
func (r *Reconciler) Apply(batch []store.Snapshot) int {
	start := time.Now()

	staged := make(map[int]bus.State, len(batch))
	for _, snap := range batch {
		st, err := bus.DecodeState(snap.ID, snap.Data)
		if err != nil {
			r.log.WithError(err).WithField("doc", snap.ID).Warn("skipping undecodable bus document")
			continue
		}
		staged[st.ID] = st
	}

	updated := 0
	if len(staged) > 0 {
		ch := r.fleet.Update(bus.Remote, func(tx *bus.Tx) {
			for id, remote := range staged {
				v, ok := tx.View(id)
				if !ok {
					continue
				}
				remote.CurrentStopIndex = clamp(remote.CurrentStopIndex, v.Len())
				if !differs(v.State, remote) {
					continue
				}
				v.CurrentStopIndex = remote.CurrentStopIndex
				v.ETA = remote.ETA
				v.RouteCompleted = remote.RouteCompleted
				v.StudentCount = remote.StudentCount
				if !remote.LastUpdated.IsZero() {
					v.LastUpdated = remote.LastUpdated
				}
				v.SyncCompletion()
				tx.Touch(id)
			}
		})
		updated = len(ch.BusIDs)
	}

	if r.metrics != nil {
		r.metrics.ReconcileBatches.Inc()
		r.metrics.ReconcileUpdates.Add(float64(updated))
		r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}
	if updated > 0 {
		r.log.WithFields(logrus.Fields{"docs": len(batch), "updated": updated}).Debug("applied remote batch")
	}
	return updated
}

// differs compares the four fields a driver can change. LastUpdated is
// carried along but never triggers an update on its own.
func differs(local, remote bus.State) bool {
	return local.CurrentStopIndex != remote.CurrentStopIndex ||
		!bus.ETAEqual(local.ETA, remote.ETA) ||
		local.RouteCompleted != remote.RouteCompleted ||
		local.StudentCount != remote.StudentCount
}

func clamp(idx, n int) int {
	if idx < 0 {
		return 0
	}
	if n > 0 && idx > n-1 {
		return n - 1
	}
	return idx
}
