// Package metrics exports connection, reconciliation and delivery metrics to
// a Prometheus registry. It does not serve them; expose the registry with
// whatever HTTP stack the application already runs.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitkit/internal/broker"
	"github.com/glimte/rabbitkit/internal/rabbitmq"
)

const (
	labelCategory = "category"
	labelResult   = "result"
	labelKey      = "key"
	labelSuccess  = "success"

	resultDeclared = "declared"
	resultFailed   = "failed"
)

// handlerDurationBuckets are finer than the default buckets because most
// handlers finish in well under a second.
var handlerDurationBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// Collector holds the collectors. It is a ConnectionListener and a report
// hook, so one value is subscribed to the manager and the reconciler.
type Collector struct {
	connected         prometheus.Gauge
	connects          prometheus.Counter
	disconnects       prometheus.Counter
	reconnectAttempts prometheus.Counter
	channelReopens    prometheus.Counter
	reconcileItems    *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	handled           *prometheus.CounterVec
	handleDuration    *prometheus.HistogramVec
}

// Builder registers collectors under a namespace and subsystem.
type Builder struct {
	// Registry may be a pre-existing registry; nil uses a fresh one.
	Registry *prometheus.Registry

	Namespace string
	Subsystem string
}

// NewBuilder returns a Builder for registry.
func NewBuilder(registry *prometheus.Registry, namespace, subsystem string) Builder {
	return Builder{
		Registry:  registry,
		Namespace: namespace,
		Subsystem: subsystem,
	}
}

// Build creates and registers the collectors. Collectors that are already
// registered under the same name are reused.
func (b Builder) Build() (*Collector, error) {
	if b.Registry == nil {
		b.Registry = prometheus.NewRegistry()
	}

	var (
		c   Collector
		err error
	)

	if c.connected, err = b.registerGauge(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: b.Namespace,
		Subsystem: b.Subsystem,
		Name:      "connected",
		Help:      "1 while the broker connection is established, 0 otherwise",
	})); err != nil {
		return nil, fmt.Errorf("could not register connected metric: %w", err)
	}

	if c.connects, err = b.registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: b.Namespace,
		Subsystem: b.Subsystem,
		Name:      "connects_total",
		Help:      "The total number of successful connects",
	})); err != nil {
		return nil, fmt.Errorf("could not register connects metric: %w", err)
	}

	if c.disconnects, err = b.registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: b.Namespace,
		Subsystem: b.Subsystem,
		Name:      "disconnects_total",
		Help:      "The total number of failed connects and broker-side connection closes",
	})); err != nil {
		return nil, fmt.Errorf("could not register disconnects metric: %w", err)
	}

	if c.reconnectAttempts, err = b.registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: b.Namespace,
		Subsystem: b.Subsystem,
		Name:      "reconnect_attempts_total",
		Help:      "The total number of scheduled reconnect attempts",
	})); err != nil {
		return nil, fmt.Errorf("could not register reconnect attempts metric: %w", err)
	}

	if c.channelReopens, err = b.registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: b.Namespace,
		Subsystem: b.Subsystem,
		Name:      "channel_reopens_total",
		Help:      "The total number of channels reopened after a failed declaration",
	})); err != nil {
		return nil, fmt.Errorf("could not register channel reopens metric: %w", err)
	}

	if c.reconcileItems, err = b.registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: b.Namespace,
		Subsystem: b.Subsystem,
		Name:      "reconcile_items_total",
		Help:      "The total number of topology declarations applied, by category and result",
	}, []string{labelCategory, labelResult})); err != nil {
		return nil, fmt.Errorf("could not register reconcile items metric: %w", err)
	}

	if c.reconcileDuration, err = b.registerHistogram(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: b.Namespace,
		Subsystem: b.Subsystem,
		Name:      "reconcile_duration_seconds",
		Help:      "The time a reconciliation pass took in seconds",
	})); err != nil {
		return nil, fmt.Errorf("could not register reconcile duration metric: %w", err)
	}

	if c.handled, err = b.registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: b.Namespace,
		Subsystem: b.Subsystem,
		Name:      "deliveries_handled_total",
		Help:      "The total number of deliveries handled, by handler key and outcome",
	}, []string{labelKey, labelSuccess})); err != nil {
		return nil, fmt.Errorf("could not register deliveries handled metric: %w", err)
	}

	if c.handleDuration, err = b.registerHistogramVec(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: b.Namespace,
		Subsystem: b.Subsystem,
		Name:      "handler_execution_time_seconds",
		Help:      "The total time elapsed while executing the handler function in seconds",
		Buckets:   handlerDurationBuckets,
	}, []string{labelKey, labelSuccess})); err != nil {
		return nil, fmt.Errorf("could not register handler duration metric: %w", err)
	}

	return &c, nil
}

func (b Builder) register(c prometheus.Collector) (prometheus.Collector, error) {
	err := b.Registry.Register(c)
	if err == nil {
		return c, nil
	}

	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		return are.ExistingCollector, nil
	}

	return nil, err
}

func (b Builder) registerGauge(g prometheus.Gauge) (prometheus.Gauge, error) {
	col, err := b.register(g)
	if err != nil {
		return nil, err
	}
	return col.(prometheus.Gauge), nil
}

func (b Builder) registerCounter(c prometheus.Counter) (prometheus.Counter, error) {
	col, err := b.register(c)
	if err != nil {
		return nil, err
	}
	return col.(prometheus.Counter), nil
}

func (b Builder) registerCounterVec(c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	col, err := b.register(c)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.CounterVec), nil
}

func (b Builder) registerHistogram(h prometheus.Histogram) (prometheus.Histogram, error) {
	col, err := b.register(h)
	if err != nil {
		return nil, err
	}
	return col.(prometheus.Histogram), nil
}

func (b Builder) registerHistogramVec(h *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	col, err := b.register(h)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.HistogramVec), nil
}

func (c *Collector) OnConnected(context.Context, broker.Channel) {
	c.connected.Set(1)
	c.connects.Inc()
}

func (c *Collector) OnDisconnected(error) {
	c.connected.Set(0)
	c.disconnects.Inc()
}

func (c *Collector) OnReconnecting(int) {
	c.connected.Set(0)
	c.reconnectAttempts.Inc()
}

// ObserveReport records a reconciliation report. Pass it to
// rabbitmq.WithReportHook.
func (c *Collector) ObserveReport(report rabbitmq.Report) {
	for _, category := range rabbitmq.Categories {
		if n := len(report.Declared[category]); n > 0 {
			c.reconcileItems.WithLabelValues(category.String(), resultDeclared).Add(float64(n))
		}
		if n := len(report.Failed[category]); n > 0 {
			c.reconcileItems.WithLabelValues(category.String(), resultFailed).Add(float64(n))
		}
	}
	c.channelReopens.Add(float64(report.Reopened))
	c.reconcileDuration.Observe(report.Duration.Seconds())
}

// WrapHandler counts and times every invocation of h under key.
func (c *Collector) WrapHandler(key string, h rabbitmq.Handler) rabbitmq.Handler {
	return func(ctx context.Context, d amqp.Delivery) (err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in handler: %v", r)
			}
			success := fmt.Sprint(err == nil)
			c.handled.WithLabelValues(key, success).Inc()
			c.handleDuration.WithLabelValues(key, success).Observe(time.Since(start).Seconds())
		}()
		return h(ctx, d)
	}
}
