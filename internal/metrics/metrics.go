package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	WritesSubmitted prometheus.Counter
	WritesExecuted  prometheus.Counter
	WriteErrors     *prometheus.CounterVec // code label: store error code
	WritesDropped   prometheus.Counter
	QueueDepth      prometheus.Gauge
	WriteDuration   prometheus.Histogram

	Connected          prometheus.Gauge
	SubscriptionErrors prometheus.Counter
	Reconnects         prometheus.Counter
	BackoffSeconds     prometheus.Gauge

	ReconcileBatches  prometheus.Counter
	ReconcileUpdates  prometheus.Counter
	ReconcileDuration prometheus.Histogram

	Mutations *prometheus.CounterVec // action, result: applied|noop

	BootstrapCreated prometheus.Counter
	BootstrapFailed  prometheus.Counter

	SignIns *prometheus.CounterVec // result: ok|invalid|throttled|error

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	ActivityEntries prometheus.Counter

	WriteMinInterval prometheus.Gauge // seconds
	ReconnectBase    prometheus.Gauge // seconds
	ReconnectMax     prometheus.Gauge // seconds
}

func NewCollector(writeMinInterval, reconnectBase, reconnectMax time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		WritesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_writes_submitted_total",
			Help: "Total durable writes submitted to the write queue.",
		}),
		WritesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_writes_executed_total",
			Help: "Total durable writes executed against the store.",
		}),
		WriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_write_errors_total",
			Help: "Total failed durable writes by store error code.",
		}, []string{"code"}),
		WritesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_writes_dropped_total",
			Help: "Total queued writes dropped by a queue clear.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_write_queue_depth",
			Help: "Writes waiting in the queue.",
		}),
		WriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustracker_write_duration_seconds",
			Help:    "Duration of a single store write.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_store_connected",
			Help: "1 if the store subscription is live, 0 otherwise.",
		}),
		SubscriptionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_subscription_errors_total",
			Help: "Total store subscription failures.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_reconnects_total",
			Help: "Total subscription (re)starts.",
		}),
		BackoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_reconnect_backoff_seconds",
			Help: "Delay before the pending reconnect attempt.",
		}),
		ReconcileBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_reconcile_batches_total",
			Help: "Total remote batches reconciled.",
		}),
		ReconcileUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_reconcile_updates_total",
			Help: "Total bus views changed by reconciliation.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustracker_reconcile_duration_seconds",
			Help:    "Duration of reconciling one remote batch.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_mutations_total",
			Help: "Driver mutations by action and result.",
		}, []string{"action", "result"}),
		BootstrapCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_bootstrap_created_total",
			Help: "Bus documents created by bootstrap.",
		}),
		BootstrapFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_bootstrap_failed_total",
			Help: "Buses whose bootstrap failed.",
		}),
		SignIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_sign_ins_total",
			Help: "Sign-in attempts by result.",
		}, []string{"result"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		ActivityEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_activity_entries_total",
			Help: "Total activity log entries appended.",
		}),
		WriteMinInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_write_min_interval_seconds",
			Help: "Minimum interval between durable writes.",
		}),
		ReconnectBase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_reconnect_base_seconds",
			Help: "Initial reconnect backoff.",
		}),
		ReconnectMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_reconnect_max_seconds",
			Help: "Reconnect backoff ceiling.",
		}),
	}

	reg.MustRegister(
		c.WritesSubmitted, c.WritesExecuted, c.WriteErrors, c.WritesDropped, c.QueueDepth, c.WriteDuration,
		c.Connected, c.SubscriptionErrors, c.Reconnects, c.BackoffSeconds,
		c.ReconcileBatches, c.ReconcileUpdates, c.ReconcileDuration,
		c.Mutations, c.BootstrapCreated, c.BootstrapFailed, c.SignIns,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.ActivityEntries, c.WriteMinInterval, c.ReconnectBase, c.ReconnectMax,
	)

	c.WriteMinInterval.Set(writeMinInterval.Seconds())
	c.ReconnectBase.Set(reconnectBase.Seconds())
	c.ReconnectMax.Set(reconnectMax.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server error")
		}
	}()
	log.WithField("addr", addr).Info("metrics listening")
	return srv
}

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}
