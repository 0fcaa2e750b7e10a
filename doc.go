/*
Package rabbitkit keeps a single RabbitMQ connection alive and declares a
typed topology on it every time it connects.

A service describes its exchanges, queues, bindings and consumers once, per
kind, in a Registry:

	var orders = rabbitkit.NewKind("orders", nil)

	registry := rabbitkit.NewRegistry()
	registry.RegisterExchange(orders, "orders", func(rabbitkit.Instance) rabbitkit.ExchangeSpec {
		return rabbitkit.ExchangeSpec{Name: "orders", Type: rabbitkit.ExchangeTopic}
	})
	registry.RegisterBinding(orders, "handleOrder", func(rabbitkit.Instance) rabbitkit.BindingSpec {
		return rabbitkit.BindingSpec{
			Exchange:    "orders",
			Queue:       rabbitkit.QueueSpec{Options: rabbitkit.QueueOptions{AutoDelete: true}},
			RoutingKeys: []string{"#"},
		}
	})

	client, err := rabbitkit.New(ctx, config.Static(config.Default()), logging.Default(), orders, registry,
		rabbitkit.WithHandler("handleOrder", handleOrder),
	)
	defer client.Dispose()

A derived kind, created with NewKind(name, base), inherits every declaration
of its base and may replace any of them by registering the same key.

Connection failures never surface as errors. The client logs them and
reconnects after a fixed delay, then declares the topology again and restarts
its consumers. A declaration that fails is logged and reported through
LastReport; the others are still applied.
*/
package rabbitkit
