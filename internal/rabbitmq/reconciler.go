package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/glimte/rabbitkit/internal/broker"
	"github.com/glimte/rabbitkit/logging"
)

// Instance is the live client that spec functions are evaluated against.
type Instance interface {
	// Handler returns the delivery handler registered under key.
	Handler(key string) (Handler, bool)
	// StoreDeclaration records the result of an exchange or queue assertion
	// under its registry key.
	StoreDeclaration(key string, value any)
}

// ChannelSource reopens the channel after a failed declaration closed it.
// *ConnectionManager implements it.
type ChannelSource interface {
	ReopenChannel(ctx context.Context) (broker.Channel, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	Kind     string
	Declared map[Category][]string // keys applied successfully
	Failed   map[Category][]string // keys whose declaration failed
	Reopened int                   // channels reopened after a failure
	Duration time.Duration
	Err      error // *multierror.Error of *TopologyError, nil when clean
}

// OK reports whether every declaration succeeded.
func (r Report) OK() bool {
	return r.Err == nil
}

// Reconciler applies the resolved topology of a kind every time a connection
// is established. A failing item is logged and reported; the remaining items
// are still applied.
type Reconciler struct {
	registry *Registry
	kind     *Kind
	instance Instance
	consumer *Consumer
	channels ChannelSource
	logger   logging.Logger
	hooks    []func(Report)
}

// ReconcilerOption configures the Reconciler
type ReconcilerOption func(*Reconciler)

// WithChannelSource sets where a replacement channel comes from when a
// failure closes the current one.
func WithChannelSource(source ChannelSource) ReconcilerOption {
	return func(r *Reconciler) {
		r.channels = source
	}
}

// WithReconcilerLogger sets the logger
func WithReconcilerLogger(logger logging.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithReportHook registers fn to receive the report of every pass.
func WithReportHook(fn func(Report)) ReconcilerOption {
	return func(r *Reconciler) {
		r.hooks = append(r.hooks, fn)
	}
}

// NewReconciler creates a reconciler for kind.
func NewReconciler(registry *Registry, kind *Kind, instance Instance, consumer *Consumer, options ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		registry: registry,
		kind:     kind,
		instance: instance,
		consumer: consumer,
		logger:   logging.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// OnConnected reconciles on the fresh channel.
func (r *Reconciler) OnConnected(ctx context.Context, ch broker.Channel) {
	r.Reconcile(ctx, ch)
}

func (r *Reconciler) OnDisconnected(error) {}

func (r *Reconciler) OnReconnecting(int) {}

// Reconcile declares exchanges, then queues, then bindings, then consumers.
func (r *Reconciler) Reconcile(ctx context.Context, ch broker.Channel) Report {
	start := time.Now()
	p := &pass{
		Reconciler: r,
		ctx:        ctx,
		ch:         ch,
		report: Report{
			Kind:     r.kind.Name(),
			Declared: make(map[Category][]string),
			Failed:   make(map[Category][]string),
		},
	}

	p.exchanges()
	p.queues()
	bound := p.bindings()
	p.consumers(bound)
	p.settle()

	p.report.Duration = time.Since(start)
	p.report.Err = p.errs.ErrorOrNil()

	if p.report.OK() {
		r.logger.Log("topology reconciled",
			"kind", p.report.Kind,
			"exchanges", len(p.report.Declared[CategoryExchange]),
			"queues", len(p.report.Declared[CategoryQueue]),
			"bindings", len(p.report.Declared[CategoryBinding]),
			"consumers", len(p.report.Declared[CategoryConsumer]),
			"duration", p.report.Duration,
		)
	} else {
		r.logger.Error("topology reconciled with failures",
			"kind", p.report.Kind,
			"failures", len(p.errs.Errors),
			"error", p.report.Err,
		)
	}

	for _, hook := range r.hooks {
		hook(p.report)
	}
	return p.report
}

// pass is the state of one reconciliation.
type pass struct {
	*Reconciler
	ctx    context.Context
	ch     broker.Channel
	report Report
	errs   *multierror.Error
	live   []*liveItem
}

// liveItem is a declared item whose consumer runs on ch. Consumers die with
// their channel, so the item is applied again when the channel is replaced.
type liveItem struct {
	category Category
	key      string
	ch       broker.Channel
	fn       func() (string, string, error)
}

func (p *pass) exchanges() {
	for _, e := range p.registry.Resolve(p.kind, CategoryExchange) {
		fn := e.Fn.(ExchangeFunc)
		p.apply(CategoryExchange, e.Key, func() (string, string, error) {
			spec := fn(p.instance)
			if spec.DeleteBeforeAssert {
				p.deleteExchange(e.Key, spec.Name)
			}
			if err := declareExchange(p.ch, spec.Name, spec.Type, spec.Options); err != nil {
				return spec.Name, "declare", err
			}
			p.instance.StoreDeclaration(e.Key, DeclaredExchange{Name: spec.Name, Type: spec.Type})
			return spec.Name, "", nil
		})
	}
}

func (p *pass) queues() {
	for _, e := range p.registry.Resolve(p.kind, CategoryQueue) {
		fn := e.Fn.(QueueFunc)
		p.apply(CategoryQueue, e.Key, func() (string, string, error) {
			spec := fn(p.instance)
			q, err := declareQueue(p.ch, spec)
			if err != nil {
				return spec.Name, "declare", err
			}
			p.instance.StoreDeclaration(e.Key, q)
			return q.Name, "", nil
		})
	}
}

// bindings applies every binding and returns the resolved binding keys.
func (p *pass) bindings() map[string]bool {
	bound := make(map[string]bool)
	for _, e := range p.registry.Resolve(p.kind, CategoryBinding) {
		bound[e.Key] = true
		fn := e.Fn.(BindingFunc)
		key := e.Key
		var subscribed bool
		item := func() (string, string, error) {
			spec := fn(p.instance)
			if a := spec.AssertExchange; a != nil {
				if a.DeleteBeforeAssert {
					p.deleteExchange(key, spec.Exchange)
				}
				if err := declareExchange(p.ch, spec.Exchange, a.Type, a.Options); err != nil {
					return spec.Exchange, "declare exchange", err
				}
			}

			handler, consume := p.instance.Handler(key)
			consumed := make(map[string]bool)
			for _, routingKey := range spec.routingKeys() {
				q, err := declareQueue(p.ch, spec.Queue)
				if err != nil {
					return spec.Queue.Name, "declare queue", err
				}
				if err := bindQueue(p.ch, q.Name, routingKey, spec.Exchange, spec.Arguments); err != nil {
					return q.Name, "bind", err
				}
				if consume && !consumed[q.Name] {
					if _, err := p.consumer.Subscribe(p.ctx, p.ch, key, q.Name, spec.Queue.Options.Exclusive, handler); err != nil {
						return q.Name, "consume", err
					}
					consumed[q.Name] = true
					subscribed = true
				}
			}
			return spec.Exchange, "", nil
		}
		if p.apply(CategoryBinding, key, item) && subscribed {
			p.track(CategoryBinding, key, item)
		}
	}
	return bound
}

func (p *pass) consumers(bound map[string]bool) {
	for _, e := range p.registry.Resolve(p.kind, CategoryConsumer) {
		if bound[e.Key] {
			continue
		}
		fn := e.Fn.(ConsumerFunc)
		key := e.Key
		item := func() (string, string, error) {
			spec := fn(p.instance)
			queue := spec.Queue
			if spec.AssertQueue != nil {
				q, err := declareQueue(p.ch, QueueSpec{Name: spec.Queue, Options: *spec.AssertQueue})
				if err != nil {
					return spec.Queue, "declare queue", err
				}
				queue = q.Name
			}
			if queue == "" {
				return "", "consume", fmt.Errorf("%w: consumer queue is required", ErrInvalidTopology)
			}

			handler, ok := p.instance.Handler(key)
			if !ok {
				return queue, "consume", &ConsumerError{
					Key:       key,
					Queue:     queue,
					Op:        "lookup handler",
					Err:       ErrHandlerNotFound,
					Timestamp: time.Now(),
				}
			}
			if _, err := p.consumer.Subscribe(p.ctx, p.ch, key, queue, spec.Exclusive, handler); err != nil {
				return queue, "consume", err
			}
			return queue, "", nil
		}
		if p.apply(CategoryConsumer, key, item) {
			p.track(CategoryConsumer, key, item)
		}
	}
}

// apply runs one item. A failure, including a panic in a spec function, is
// logged with the item key and recorded; the pass continues.
func (p *pass) apply(category Category, key string, fn func() (name, op string, err error)) bool {
	name, op, err := p.run(fn)
	if err == nil {
		p.report.Declared[category] = append(p.report.Declared[category], key)
		return true
	}
	p.fail(category, key, name, op, err)
	p.recoverChannel()
	return false
}

func (p *pass) fail(category Category, key, name, op string, err error) {
	terr := &TopologyError{
		Category:  category,
		Key:       key,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
	p.errs = multierror.Append(p.errs, terr)
	p.report.Failed[category] = append(p.report.Failed[category], key)
	p.logger.Error("failed to apply topology",
		"category", category.String(),
		"key", key,
		"name", name,
		"error", err,
	)
}

func (p *pass) track(category Category, key string, fn func() (string, string, error)) {
	p.live = append(p.live, &liveItem{category: category, key: key, ch: p.ch, fn: fn})
}

func (p *pass) run(fn func() (string, string, error)) (name, op string, err error) {
	defer func() {
		if r := recover(); r != nil {
			op = "evaluate"
			err = fmt.Errorf("%w: spec function panicked: %v", ErrInvalidTopology, r)
		}
	}()
	return fn()
}

// deleteExchange deletes before an assertion. Failures are logged only.
func (p *pass) deleteExchange(key, name string) {
	if err := deleteExchange(p.ch, name); err != nil {
		p.logger.Error("failed to delete exchange before assert",
			"key", key,
			"exchange", name,
			"error", err,
		)
		p.recoverChannel()
	}
}

// recoverChannel swaps in a new channel when a failure closed the current
// one and restarts the consumers that died with it. If the connection is
// gone as well, later items fail fast and the next connect reconciles again.
func (p *pass) recoverChannel() {
	if p.channels == nil {
		return
	}
	// Each failed restart drops an item, which bounds the loop.
	for attempts := len(p.live) + 1; attempts > 0 && p.ch.IsClosed(); attempts-- {
		ch, err := p.channels.ReopenChannel(p.ctx)
		if err != nil {
			p.logger.Error("failed to reopen channel", "error", err)
			return
		}
		p.ch = ch
		p.report.Reopened++
		p.restartConsumers()
	}
}

// restartConsumers applies the live items whose channel closed again on the
// current channel. An item that fails moves from Declared to Failed.
func (p *pass) restartConsumers() {
	kept := p.live[:0]
	for _, item := range p.live {
		if item.ch == p.ch || !item.ch.IsClosed() {
			kept = append(kept, item)
			continue
		}
		if p.ch.IsClosed() {
			kept = append(kept, item)
			continue
		}
		name, op, err := p.run(item.fn)
		if err != nil {
			p.undeclare(item.category, item.key)
			p.fail(item.category, item.key, name, op, err)
			continue
		}
		p.logger.Log("consumer restarted on reopened channel",
			"category", item.category.String(),
			"key", item.key,
		)
		item.ch = p.ch
		kept = append(kept, item)
	}
	p.live = kept
}

// settle reports live items whose consumers could not be restarted as
// failed, so Declared only lists consumers that are running.
func (p *pass) settle() {
	for _, item := range p.live {
		if !item.ch.IsClosed() {
			continue
		}
		p.undeclare(item.category, item.key)
		p.fail(item.category, item.key, "", "consume", ErrChannelClosed)
	}
	p.live = nil
}

func (p *pass) undeclare(category Category, key string) {
	declared := p.report.Declared[category]
	for i, k := range declared {
		if k == key {
			p.report.Declared[category] = append(declared[:i:i], declared[i+1:]...)
			return
		}
	}
}
