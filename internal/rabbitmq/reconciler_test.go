package rabbitmq

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitkit/internal/broker/brokertest"
	"github.com/glimte/rabbitkit/logging"
)

type reconcileFixture struct {
	b        *brokertest.Broker
	cm       *ConnectionManager
	clock    *manualClock
	registry *Registry
	kind     *Kind
	inst     *testInstance
	consumer *Consumer

	mu      sync.Mutex
	reports []Report
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	b := brokertest.New()
	cm, clock := newTestManager(t, b)
	return &reconcileFixture{
		b:        b,
		cm:       cm,
		clock:    clock,
		registry: NewRegistry(),
		kind:     NewKind("service", nil),
		inst:     newTestInstance(),
		consumer: NewConsumer(WithConsumerLogger(logging.Nop{})),
	}
}

// start subscribes a reconciler and performs the first connect.
func (f *reconcileFixture) start(t *testing.T) {
	t.Helper()
	r := NewReconciler(f.registry, f.kind, f.inst, f.consumer,
		WithChannelSource(f.cm),
		WithReconcilerLogger(logging.Nop{}),
		WithReportHook(func(report Report) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.reports = append(f.reports, report)
		}),
	)
	f.cm.AddListener(r)
	f.cm.Connect(context.Background())
	require.Equal(t, StateConnected, f.cm.State())
}

func (f *reconcileFixture) lastReport(t *testing.T) Report {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.reports)
	return f.reports[len(f.reports)-1]
}

// dropAndReconnect forces a broker-side close and fires the reconnect.
func (f *reconcileFixture) dropAndReconnect(t *testing.T) {
	t.Helper()
	f.b.LastConnection().Drop()
	waitPending(t, f.clock, 1)
	f.clock.FireNext(t)
	require.Equal(t, StateConnected, f.cm.State())
}

func (f *reconcileFixture) consumerQueues(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.consumer.ActiveConsumers()) == n
	}, waitFor, time.Millisecond)
	var queues []string
	for _, c := range f.consumer.ActiveConsumers() {
		queues = append(queues, c.Queue)
	}
	return queues
}

func topologyOps(ops []string) []string {
	var out []string
	for _, op := range ops {
		for _, prefix := range []string{
			brokertest.OpExchangeDelete,
			brokertest.OpExchangeDeclare,
			brokertest.OpQueueDeclare,
			brokertest.OpQueueBind,
			brokertest.OpConsume,
		} {
			if strings.HasPrefix(op, prefix+" ") {
				out = append(out, op)
			}
		}
	}
	return out
}

func sortedBindings(b *brokertest.Broker) []brokertest.Binding {
	bindings := b.Bindings()
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].Queue+bindings[i].Key < bindings[j].Queue+bindings[j].Key
	})
	return bindings
}

func TestReconciler_Order(t *testing.T) {
	f := newReconcileFixture(t)
	noop := func(context.Context, amqp.Delivery) error { return nil }
	f.inst.handle("work", noop)
	f.inst.handle("handle", noop)

	// Registered in reverse to show that category order is fixed.
	require.NoError(t, f.registry.RegisterConsumer(f.kind, "work", func(Instance) ConsumerSpec {
		return ConsumerSpec{Queue: "work-q", AssertQueue: &QueueOptions{}}
	}))
	require.NoError(t, f.registry.RegisterBinding(f.kind, "handle", func(Instance) BindingSpec {
		return BindingSpec{Exchange: "events", Queue: QueueSpec{Name: "bound-q"}, RoutingKeys: []string{"a"}}
	}))
	require.NoError(t, f.registry.RegisterQueue(f.kind, "standalone", func(Instance) QueueSpec {
		return QueueSpec{Name: "standalone"}
	}))
	require.NoError(t, f.registry.RegisterExchange(f.kind, "events", exchangeNamed("events", ExchangeTopic)))

	f.start(t)

	assert.Equal(t, []string{
		"exchange.declare events",
		"queue.declare standalone",
		"queue.declare bound-q",
		"queue.bind bound-q",
		"basic.consume bound-q",
		"queue.declare work-q",
		"basic.consume work-q",
	}, topologyOps(f.b.Ops()))

	report := f.lastReport(t)
	assert.True(t, report.OK())
	assert.Equal(t, "service", report.Kind)
	assert.Equal(t, []string{"events"}, report.Declared[CategoryExchange])
	assert.Equal(t, []string{"standalone"}, report.Declared[CategoryQueue])
	assert.Equal(t, []string{"handle"}, report.Declared[CategoryBinding])
	assert.Equal(t, []string{"work"}, report.Declared[CategoryConsumer])
}

func TestReconciler_ReconnectScenario(t *testing.T) {
	f := newReconcileFixture(t)

	received := make(chan string, 4)
	f.inst.handle("handle", func(_ context.Context, d amqp.Delivery) error {
		received <- string(d.Body)
		return nil
	})
	require.NoError(t, f.registry.RegisterExchange(f.kind, "orders", exchangeNamed("orders", ExchangeTopic)))
	require.NoError(t, f.registry.RegisterBinding(f.kind, "handle", func(Instance) BindingSpec {
		return BindingSpec{
			Exchange:    "orders",
			Queue:       QueueSpec{Options: QueueOptions{AutoDelete: true}},
			RoutingKeys: []string{"#"},
		}
	}))

	f.start(t)

	ex, ok := f.b.Exchange("orders")
	require.True(t, ok)
	assert.Equal(t, amqp.ExchangeTopic, ex.Kind)

	first := f.consumerQueues(t, 1)
	require.Len(t, first, 1)
	q1 := first[0]
	assert.True(t, strings.HasPrefix(q1, "amq.gen-"))
	assert.Equal(t, []brokertest.Binding{{Queue: q1, Exchange: "orders", Key: "#"}}, f.b.Bindings())

	require.Equal(t, 1, f.b.Publish("orders", "order.created", []byte("before")))
	assert.Equal(t, "before", <-received)

	f.dropAndReconnect(t)

	second := f.consumerQueues(t, 1)
	q2 := second[0]
	assert.NotEqual(t, q1, q2)
	_, stillThere := f.b.Queue(q1)
	assert.False(t, stillThere, "auto-delete queue should go with its consumer")
	assert.Equal(t, []brokertest.Binding{{Queue: q2, Exchange: "orders", Key: "#"}}, f.b.Bindings())

	require.Equal(t, 1, f.b.Publish("orders", "order.shipped", []byte("after")))
	assert.Equal(t, "after", <-received)
	assert.Len(t, f.reports, 2)
}

func TestReconciler_Idempotent(t *testing.T) {
	f := newReconcileFixture(t)
	f.inst.handle("handle", func(context.Context, amqp.Delivery) error { return nil })
	require.NoError(t, f.registry.RegisterExchange(f.kind, "orders", exchangeNamed("orders", ExchangeTopic)))
	require.NoError(t, f.registry.RegisterQueue(f.kind, "dead", func(Instance) QueueSpec {
		return QueueSpec{Name: "orders.dead", Options: QueueOptions{Durable: true}}
	}))
	require.NoError(t, f.registry.RegisterBinding(f.kind, "handle", func(Instance) BindingSpec {
		return BindingSpec{
			Exchange:    "orders",
			Queue:       QueueSpec{Name: "orders.work", Options: QueueOptions{Durable: true, DeadLetterExchange: "orders.dlx"}},
			RoutingKeys: []string{"order.created", "order.updated"},
		}
	}))

	f.start(t)
	wantBindings := sortedBindings(f.b)
	wantQueues := f.consumerQueues(t, 1)
	require.Len(t, wantBindings, 2)

	for i := 0; i < 3; i++ {
		f.dropAndReconnect(t)
		assert.Equal(t, wantBindings, sortedBindings(f.b))
		assert.Equal(t, wantQueues, f.consumerQueues(t, 1))
		assert.Len(t, f.b.Consumers(), 1)
		assert.True(t, f.lastReport(t).OK())
	}
}

func TestReconciler_PartialFailure(t *testing.T) {
	t.Run("conflicting exchange does not stop later declarations", func(t *testing.T) {
		f := newReconcileFixture(t)
		seed := openTestChannel(t, f.b)
		require.NoError(t, seed.ExchangeDeclare("A", amqp.ExchangeDirect, false, false, false, false, nil))

		f.inst.handle("c", func(context.Context, amqp.Delivery) error { return nil })
		require.NoError(t, f.registry.RegisterExchange(f.kind, "a", exchangeNamed("A", ExchangeTopic)))
		require.NoError(t, f.registry.RegisterQueue(f.kind, "b", func(Instance) QueueSpec {
			return QueueSpec{Name: "B"}
		}))
		require.NoError(t, f.registry.RegisterConsumer(f.kind, "c", func(Instance) ConsumerSpec {
			return ConsumerSpec{Queue: "B"}
		}))

		f.start(t)

		report := f.lastReport(t)
		assert.False(t, report.OK())
		assert.Equal(t, []string{"a"}, report.Failed[CategoryExchange])
		assert.Equal(t, []string{"b"}, report.Declared[CategoryQueue])
		assert.Equal(t, []string{"c"}, report.Declared[CategoryConsumer])
		assert.Equal(t, 1, report.Reopened)

		var topologyErr *TopologyError
		require.ErrorAs(t, report.Err, &topologyErr)
		assert.Equal(t, "a", topologyErr.Key)
		assert.Equal(t, "A", topologyErr.Name)
		var amqpErr *amqp.Error
		require.ErrorAs(t, report.Err, &amqpErr)
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)

		_, ok := f.b.Queue("B")
		assert.True(t, ok)
		assert.Equal(t, []string{"B"}, f.consumerQueues(t, 1))
		assert.Equal(t, StateConnected, f.cm.State())
	})

	t.Run("failed binding leaves other bindings intact", func(t *testing.T) {
		f := newReconcileFixture(t)
		f.b.FailOn(brokertest.OpQueueBind, "broken", preconditionFailed("PRECONDITION_FAILED"))
		require.NoError(t, f.registry.RegisterExchange(f.kind, "orders", exchangeNamed("orders", ExchangeTopic)))
		require.NoError(t, f.registry.RegisterBinding(f.kind, "broken", func(Instance) BindingSpec {
			return BindingSpec{Exchange: "orders", Queue: QueueSpec{Name: "broken"}}
		}))
		require.NoError(t, f.registry.RegisterBinding(f.kind, "fine", func(Instance) BindingSpec {
			return BindingSpec{Exchange: "orders", Queue: QueueSpec{Name: "fine"}, RoutingKeys: []string{"x"}}
		}))

		f.start(t)

		report := f.lastReport(t)
		assert.Equal(t, []string{"broken"}, report.Failed[CategoryBinding])
		assert.Equal(t, []string{"fine"}, report.Declared[CategoryBinding])
		assert.Equal(t, []brokertest.Binding{{Queue: "fine", Exchange: "orders", Key: "x"}}, f.b.Bindings())
	})

	t.Run("panicking spec function is isolated", func(t *testing.T) {
		f := newReconcileFixture(t)
		require.NoError(t, f.registry.RegisterExchange(f.kind, "bad", func(Instance) ExchangeSpec {
			panic("missing configuration")
		}))
		require.NoError(t, f.registry.RegisterExchange(f.kind, "good", exchangeNamed("good", ExchangeFanout)))

		f.start(t)

		report := f.lastReport(t)
		assert.Equal(t, []string{"bad"}, report.Failed[CategoryExchange])
		assert.Equal(t, []string{"good"}, report.Declared[CategoryExchange])
		assert.ErrorIs(t, report.Err, ErrInvalidTopology)
	})

	t.Run("invalid exchange type is reported", func(t *testing.T) {
		f := newReconcileFixture(t)
		require.NoError(t, f.registry.RegisterExchange(f.kind, "weird", exchangeNamed("weird", ExchangeType("x-delayed"))))

		f.start(t)

		assert.ErrorIs(t, f.lastReport(t).Err, ErrInvalidTopology)
		_, ok := f.b.Exchange("weird")
		assert.False(t, ok)
	})

	t.Run("without a channel source later items hit the closed channel", func(t *testing.T) {
		b := brokertest.New()
		ch := openTestChannel(t, b)
		b.FailOn(brokertest.OpExchangeDeclare, "first", preconditionFailed("PRECONDITION_FAILED"))

		registry := NewRegistry()
		kind := NewKind("service", nil)
		require.NoError(t, registry.RegisterExchange(kind, "first", exchangeNamed("first", ExchangeTopic)))
		require.NoError(t, registry.RegisterExchange(kind, "second", exchangeNamed("second", ExchangeTopic)))

		r := NewReconciler(registry, kind, newTestInstance(), NewConsumer(), WithReconcilerLogger(logging.Nop{}))
		report := r.Reconcile(context.Background(), ch)

		assert.Equal(t, []string{"first", "second"}, report.Failed[CategoryExchange])
		assert.ErrorIs(t, report.Err, amqp.ErrClosed)
		assert.Zero(t, report.Reopened)
	})
}

func TestReconciler_Exchanges(t *testing.T) {
	t.Run("stores the declaration on the instance", func(t *testing.T) {
		f := newReconcileFixture(t)
		require.NoError(t, f.registry.RegisterExchange(f.kind, "orders", exchangeNamed("orders", ExchangeTopic)))

		f.start(t)

		v, ok := f.inst.Declaration("orders")
		require.True(t, ok)
		assert.Equal(t, DeclaredExchange{Name: "orders", Type: ExchangeTopic}, v)
	})

	t.Run("delete before assert replaces a changed exchange", func(t *testing.T) {
		f := newReconcileFixture(t)
		seed := openTestChannel(t, f.b)
		require.NoError(t, seed.ExchangeDeclare("legacy", amqp.ExchangeDirect, false, false, false, false, nil))

		require.NoError(t, f.registry.RegisterExchange(f.kind, "legacy", func(Instance) ExchangeSpec {
			return ExchangeSpec{Name: "legacy", Type: ExchangeFanout, DeleteBeforeAssert: true}
		}))

		f.start(t)

		assert.True(t, f.lastReport(t).OK())
		ex, ok := f.b.Exchange("legacy")
		require.True(t, ok)
		assert.Equal(t, amqp.ExchangeFanout, ex.Kind)
		assert.Equal(t, []string{
			"exchange.delete legacy",
			"exchange.declare legacy",
		}, topologyOps(f.b.Ops())[1:])
	})

	t.Run("failed delete is not fatal", func(t *testing.T) {
		f := newReconcileFixture(t)
		f.b.FailOn(brokertest.OpExchangeDelete, "orders", &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED", Server: true})
		require.NoError(t, f.registry.RegisterExchange(f.kind, "orders", func(Instance) ExchangeSpec {
			return ExchangeSpec{Name: "orders", Type: ExchangeTopic, DeleteBeforeAssert: true}
		}))

		f.start(t)

		report := f.lastReport(t)
		assert.True(t, report.OK())
		assert.Equal(t, 1, report.Reopened)
		_, ok := f.b.Exchange("orders")
		assert.True(t, ok)
	})

	t.Run("spec functions read instance state at declaration time", func(t *testing.T) {
		f := newReconcileFixture(t)
		require.NoError(t, f.registry.RegisterExchange(f.kind, "orders", func(inst Instance) ExchangeSpec {
			return ExchangeSpec{Name: inst.(*testInstance).exchange, Type: ExchangeTopic}
		}))

		f.start(t)
		f.inst.exchange = "orders.v2"
		f.dropAndReconnect(t)

		_, ok := f.b.Exchange("orders")
		assert.True(t, ok)
		_, ok = f.b.Exchange("orders.v2")
		assert.True(t, ok)
	})
}

func TestReconciler_Queues(t *testing.T) {
	f := newReconcileFixture(t)
	require.NoError(t, f.registry.RegisterQueue(f.kind, "replies", func(Instance) QueueSpec {
		return QueueSpec{Options: QueueOptions{Exclusive: true, AutoDelete: true, MessageTTL: 60000}}
	}))

	f.start(t)

	v, ok := f.inst.Declaration("replies")
	require.True(t, ok)
	q := v.(amqp.Queue)
	assert.True(t, strings.HasPrefix(q.Name, "amq.gen-"))

	declared, ok := f.b.Queue(q.Name)
	require.True(t, ok)
	assert.True(t, declared.Exclusive)
	assert.Equal(t, amqp.Table{"x-message-ttl": int32(60000)}, declared.Args)
}

func TestReconciler_Bindings(t *testing.T) {
	noop := func(context.Context, amqp.Delivery) error { return nil }

	t.Run("named queue gets one consumer for all routing keys", func(t *testing.T) {
		f := newReconcileFixture(t)
		f.inst.handle("handle", noop)
		require.NoError(t, f.registry.RegisterBinding(f.kind, "handle", func(Instance) BindingSpec {
			return BindingSpec{
				Exchange:       "orders",
				Queue:          QueueSpec{Name: "work"},
				RoutingKeys:    []string{"a", "b"},
				AssertExchange: &ExchangeAssertion{Type: ExchangeTopic},
			}
		}))

		f.start(t)

		assert.Len(t, f.b.Bindings(), 2)
		assert.Equal(t, []string{"work"}, f.consumerQueues(t, 1))
	})

	t.Run("generated queue is asserted per routing key", func(t *testing.T) {
		f := newReconcileFixture(t)
		f.inst.handle("handle", noop)
		require.NoError(t, f.registry.RegisterBinding(f.kind, "handle", func(Instance) BindingSpec {
			return BindingSpec{
				Exchange:       "orders",
				Queue:          QueueSpec{Options: QueueOptions{AutoDelete: true}},
				RoutingKeys:    []string{"a", "b"},
				AssertExchange: &ExchangeAssertion{Type: ExchangeTopic},
			}
		}))

		f.start(t)

		assert.Len(t, f.b.Bindings(), 2)
		queues := f.consumerQueues(t, 2)
		assert.NotEqual(t, queues[0], queues[1])
	})

	t.Run("binding without a handler is not consumed", func(t *testing.T) {
		f := newReconcileFixture(t)
		require.NoError(t, f.registry.RegisterExchange(f.kind, "orders", exchangeNamed("orders", ExchangeTopic)))
		require.NoError(t, f.registry.RegisterBinding(f.kind, "archive", func(Instance) BindingSpec {
			return BindingSpec{Exchange: "orders", Queue: QueueSpec{Name: "archive"}}
		}))

		f.start(t)

		assert.True(t, f.lastReport(t).OK())
		assert.Equal(t, []brokertest.Binding{{Queue: "archive", Exchange: "orders", Key: ""}}, f.b.Bindings())
		assert.Empty(t, f.b.Consumers())
	})

	t.Run("binding to a missing exchange fails", func(t *testing.T) {
		f := newReconcileFixture(t)
		f.inst.handle("handle", noop)
		require.NoError(t, f.registry.RegisterBinding(f.kind, "handle", func(Instance) BindingSpec {
			return BindingSpec{Exchange: "nowhere", Queue: QueueSpec{Name: "work"}}
		}))

		f.start(t)

		report := f.lastReport(t)
		assert.Equal(t, []string{"handle"}, report.Failed[CategoryBinding])
		assert.Empty(t, f.consumer.ActiveConsumers())
	})

	t.Run("derived kind overrides the bound exchange", func(t *testing.T) {
		f := newReconcileFixture(t)
		derived := NewKind("derived", f.kind)
		f.inst.handle("handle", noop)
		require.NoError(t, f.registry.RegisterBinding(f.kind, "handle", func(Instance) BindingSpec {
			return BindingSpec{Exchange: "orders", Queue: QueueSpec{Name: "work"}, AssertExchange: &ExchangeAssertion{Type: ExchangeTopic}}
		}))
		require.NoError(t, f.registry.RegisterBinding(derived, "handle", func(Instance) BindingSpec {
			return BindingSpec{Exchange: "orders.v2", Queue: QueueSpec{Name: "work"}, AssertExchange: &ExchangeAssertion{Type: ExchangeTopic}}
		}))
		f.kind = derived

		f.start(t)

		assert.Equal(t, []brokertest.Binding{{Queue: "work", Exchange: "orders.v2", Key: ""}}, f.b.Bindings())
		assert.Equal(t, "derived", f.lastReport(t).Kind)
	})
}

func TestReconciler_Consumers(t *testing.T) {
	noop := func(context.Context, amqp.Delivery) error { return nil }

	t.Run("consumer covered by a binding is skipped", func(t *testing.T) {
		f := newReconcileFixture(t)
		f.inst.handle("handle", noop)
		require.NoError(t, f.registry.RegisterBinding(f.kind, "handle", func(Instance) BindingSpec {
			return BindingSpec{Exchange: "orders", Queue: QueueSpec{Name: "work"}, AssertExchange: &ExchangeAssertion{Type: ExchangeFanout}}
		}))
		require.NoError(t, f.registry.RegisterConsumer(f.kind, "handle", func(Instance) ConsumerSpec {
			return ConsumerSpec{Queue: "work"}
		}))

		f.start(t)

		assert.Equal(t, []string{"work"}, f.consumerQueues(t, 1))
		assert.Empty(t, f.lastReport(t).Declared[CategoryConsumer])
	})

	t.Run("missing handler is reported", func(t *testing.T) {
		f := newReconcileFixture(t)
		require.NoError(t, f.registry.RegisterConsumer(f.kind, "orphan", func(Instance) ConsumerSpec {
			return ConsumerSpec{Queue: "work", AssertQueue: &QueueOptions{}}
		}))

		f.start(t)

		report := f.lastReport(t)
		assert.Equal(t, []string{"orphan"}, report.Failed[CategoryConsumer])
		assert.ErrorIs(t, report.Err, ErrHandlerNotFound)
		var consumerErr *ConsumerError
		require.ErrorAs(t, report.Err, &consumerErr)
		assert.Equal(t, "orphan", consumerErr.Key)
	})

	t.Run("consumer needs a queue", func(t *testing.T) {
		f := newReconcileFixture(t)
		f.inst.handle("handle", noop)
		require.NoError(t, f.registry.RegisterConsumer(f.kind, "handle", func(Instance) ConsumerSpec {
			return ConsumerSpec{}
		}))

		f.start(t)

		assert.ErrorIs(t, f.lastReport(t).Err, ErrInvalidTopology)
	})

	t.Run("consume failure is retried on the next connect", func(t *testing.T) {
		f := newReconcileFixture(t)
		f.inst.handle("handle", noop)
		f.b.FailOn(brokertest.OpConsume, "work", errors.New("consume refused"))
		require.NoError(t, f.registry.RegisterConsumer(f.kind, "handle", func(Instance) ConsumerSpec {
			return ConsumerSpec{Queue: "work", AssertQueue: &QueueOptions{Durable: true}}
		}))

		f.start(t)
		assert.Equal(t, []string{"handle"}, f.lastReport(t).Failed[CategoryConsumer])
		assert.Empty(t, f.consumer.ActiveConsumers())

		f.b.ClearFailures()
		f.dropAndReconnect(t)
		assert.Equal(t, []string{"work"}, f.consumerQueues(t, 1))
	})
}

func TestReconciler_RestartsConsumersOnReopenedChannel(t *testing.T) {
	noop := func(context.Context, amqp.Delivery) error { return nil }

	t.Run("consumer started before a channel failure keeps running", func(t *testing.T) {
		f := newReconcileFixture(t)
		f.inst.handle("first", noop)
		require.NoError(t, f.registry.RegisterExchange(f.kind, "orders", exchangeNamed("orders", ExchangeTopic)))
		require.NoError(t, f.registry.RegisterBinding(f.kind, "first", func(Instance) BindingSpec {
			return BindingSpec{
				Exchange:    "orders",
				Queue:       QueueSpec{Options: QueueOptions{AutoDelete: true}},
				RoutingKeys: []string{"#"},
			}
		}))
		require.NoError(t, f.registry.RegisterBinding(f.kind, "second", func(Instance) BindingSpec {
			return BindingSpec{Exchange: "nowhere", Queue: QueueSpec{Name: "lost"}}
		}))

		f.start(t)

		report := f.lastReport(t)
		assert.Equal(t, []string{"first"}, report.Declared[CategoryBinding])
		assert.Equal(t, []string{"second"}, report.Failed[CategoryBinding])
		assert.Equal(t, 1, report.Reopened)

		queues := f.consumerQueues(t, 1)
		require.Len(t, f.b.Consumers(), 1)
		assert.Equal(t, queues[0], f.b.Consumers()[0].Queue)
		assert.Contains(t, f.b.Bindings(), brokertest.Binding{Queue: queues[0], Exchange: "orders", Key: "#"})
		assert.Equal(t, 1, f.b.Publish("orders", "order.created", []byte("ok")))
	})

	t.Run("consumer that cannot be restarted is reported failed", func(t *testing.T) {
		f := newReconcileFixture(t)
		f.inst.handle("first", noop)
		require.NoError(t, f.registry.RegisterExchange(f.kind, "orders", exchangeNamed("orders", ExchangeTopic)))
		require.NoError(t, f.registry.RegisterBinding(f.kind, "first", func(Instance) BindingSpec {
			return BindingSpec{Exchange: "orders", Queue: QueueSpec{Name: "work"}}
		}))
		require.NoError(t, f.registry.RegisterBinding(f.kind, "second", func(Instance) BindingSpec {
			// Binding "work" fails from here on, so the restart of "first" fails too.
			f.b.FailOn(brokertest.OpQueueBind, "work", preconditionFailed("PRECONDITION_FAILED"))
			return BindingSpec{Exchange: "nowhere", Queue: QueueSpec{Name: "lost"}}
		}))

		f.start(t)

		report := f.lastReport(t)
		assert.Empty(t, report.Declared[CategoryBinding])
		assert.Equal(t, []string{"second", "first"}, report.Failed[CategoryBinding])
		assert.Equal(t, 2, report.Reopened)
		require.Eventually(t, func() bool { return len(f.consumer.ActiveConsumers()) == 0 }, waitFor, time.Millisecond)
		assert.Equal(t, StateConnected, f.cm.State())
	})

	t.Run("without a channel source dead consumers are reported failed", func(t *testing.T) {
		b := brokertest.New()
		ch := openTestChannel(t, b, "work")

		registry := NewRegistry()
		kind := NewKind("service", nil)
		inst := newTestInstance()
		inst.handle("alive", noop)
		inst.handle("broken", noop)
		require.NoError(t, registry.RegisterConsumer(kind, "alive", func(Instance) ConsumerSpec {
			return ConsumerSpec{Queue: "work"}
		}))
		require.NoError(t, registry.RegisterConsumer(kind, "broken", func(Instance) ConsumerSpec {
			return ConsumerSpec{Queue: "nowhere"}
		}))

		consumer := NewConsumer(WithConsumerLogger(logging.Nop{}))
		r := NewReconciler(registry, kind, inst, consumer, WithReconcilerLogger(logging.Nop{}))
		report := r.Reconcile(context.Background(), ch)

		assert.Empty(t, report.Declared[CategoryConsumer])
		assert.Equal(t, []string{"broken", "alive"}, report.Failed[CategoryConsumer])
		assert.ErrorIs(t, report.Err, ErrChannelClosed)
	})
}

func TestReconciler_ListenerMethods(t *testing.T) {
	r := NewReconciler(NewRegistry(), NewKind("service", nil), newTestInstance(), NewConsumer())

	var _ ConnectionListener = r
	assert.NotPanics(t, func() {
		r.OnDisconnected(errors.New("gone"))
		r.OnReconnecting(3)
	})
}

func TestReconciler_OnConnectedUsesGivenChannel(t *testing.T) {
	b := brokertest.New()
	ch := openTestChannel(t, b)
	registry := NewRegistry()
	kind := NewKind("service", nil)
	require.NoError(t, registry.RegisterExchange(kind, "orders", exchangeNamed("orders", ExchangeTopic)))

	var reports []Report
	r := NewReconciler(registry, kind, newTestInstance(), NewConsumer(),
		WithReconcilerLogger(logging.Nop{}),
		WithReportHook(func(report Report) { reports = append(reports, report) }),
	)
	r.OnConnected(context.Background(), ch)

	require.Len(t, reports, 1)
	assert.True(t, reports[0].OK())
	_, ok := b.Exchange("orders")
	assert.True(t, ok)
}
