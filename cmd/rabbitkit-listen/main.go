package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/glimte/rabbitkit"
	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/health"
	"github.com/glimte/rabbitkit/logging"
	"github.com/glimte/rabbitkit/metrics"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var listener = rabbitkit.NewKind("listener", nil)

func main() {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:   "rabbitkit-listen",
		Short: "Listen to a RabbitMQ exchange and log every delivery",
		Long: `rabbitkit-listen declares an exchange and a private auto-deleted queue bound to it,
then logs each delivery. The topology is declared again after every reconnect.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	var (
		configFile string
		loggerName string
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file")
	flags.StringVar(&loggerName, "logger", "slog", "Logger to use: slog, zap or logrus")
	flags.String("host", "localhost", "RabbitMQ host")
	flags.Int("port", 5672, "RabbitMQ port")
	flags.String("user", "guest", "RabbitMQ user")
	flags.String("password", "guest", "RabbitMQ password")
	flags.String("vhost", "/", "RabbitMQ virtual host")
	flags.Int("prefetch", 1, "Unacknowledged deliveries per consumer")
	for _, name := range []string{"host", "port", "user", "password", "vhost", "prefetch"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			log.Fatal(err)
		}
	}

	loadConfig := func() (config.Config, error) {
		if configFile != "" {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return config.Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
		return config.Load(v)
	}

	// Listen command
	var (
		exchange       string
		exchangeType   string
		routingKeys    []string
		healthInterval time.Duration
	)
	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Declare the topology and log deliveries until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, closeLogger, err := newLogger(loggerName)
			if err != nil {
				return err
			}
			defer closeLogger()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Handle signals
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			registry, err := listenTopology(exchange, rabbitkit.ExchangeType(exchangeType), routingKeys)
			if err != nil {
				return err
			}

			promRegistry := prometheus.NewRegistry()
			collector, err := metrics.NewBuilder(promRegistry, "rabbitkit", "listen").Build()
			if err != nil {
				return fmt.Errorf("failed to build metrics: %w", err)
			}
			checks := health.NewRegistry()

			client, err := rabbitkit.New(ctx, config.Static(cfg), logger, listener, registry,
				rabbitkit.WithHandler("log", logDelivery(logger)),
				rabbitkit.WithMetrics(collector),
				rabbitkit.WithHealth(checks),
				rabbitkit.WithOnConnected(func(ctx context.Context, ch rabbitkit.Channel) {
					fmt.Printf("Connected, topology declared on %q\n", exchange)
				}),
			)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Dispose()

			fmt.Printf("Listening on %s (%s)... Press Ctrl+C to stop\n", cfg.Redacted(), exchange)
			for _, c := range client.ActiveConsumers() {
				fmt.Printf("  queue %s, consumer %s\n", c.Queue, c.ConsumerTag)
			}
			fmt.Println(strings.Repeat("-", 80))

			ticker := time.NewTicker(healthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					client.Dispose()
					printMetrics(promRegistry)
					return nil
				case <-ticker.C:
					printHealth(checks.Check(ctx))
				}
			}
		},
	}
	listenCmd.Flags().StringVarP(&exchange, "exchange", "e", "orders", "Exchange to listen to")
	listenCmd.Flags().StringVarP(&exchangeType, "type", "t", string(rabbitkit.ExchangeTopic), "Exchange type")
	listenCmd.Flags().StringSliceVarP(&routingKeys, "routing-key", "k", []string{"#"}, "Binding routing keys")
	listenCmd.Flags().DurationVar(&healthInterval, "health-interval", 30*time.Second, "Interval between health reports")

	// Health command
	var timeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Connect once and report connection health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, closeLogger, err := newLogger(loggerName)
			if err != nil {
				return err
			}
			defer closeLogger()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			checks := health.NewRegistry()
			client, err := rabbitkit.New(ctx, config.Static(cfg), logger, listener, rabbitkit.NewRegistry(),
				rabbitkit.WithHealth(checks),
			)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Dispose()

			overall := checks.Check(ctx)
			printHealth(overall)
			if overall.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is %s", overall.Status)
			}
			return nil
		},
	}
	healthCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Connect timeout")

	rootCmd.AddCommand(listenCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// listenTopology declares exchange and a broker-named, auto-deleted queue
// bound with keys, delivering to the "log" handler.
func listenTopology(exchange string, typ rabbitkit.ExchangeType, keys []string) (*rabbitkit.Registry, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown exchange type %q", typ)
	}

	registry := rabbitkit.NewRegistry()
	if err := registry.RegisterExchange(listener, "exchange", func(rabbitkit.Instance) rabbitkit.ExchangeSpec {
		return rabbitkit.ExchangeSpec{Name: exchange, Type: typ}
	}); err != nil {
		return nil, err
	}
	if err := registry.RegisterBinding(listener, "log", func(rabbitkit.Instance) rabbitkit.BindingSpec {
		return rabbitkit.BindingSpec{
			Exchange:    exchange,
			Queue:       rabbitkit.QueueSpec{Options: rabbitkit.QueueOptions{AutoDelete: true, Exclusive: true}},
			RoutingKeys: keys,
		}
	}); err != nil {
		return nil, err
	}
	return registry, nil
}

func logDelivery(logger logging.Logger) rabbitkit.Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		info, _ := rabbitkit.DeliveryInfoFrom(ctx)
		logger.Log("Delivery received",
			"requestId", rabbitkit.RequestID(ctx),
			"exchange", info.Exchange,
			"routingKey", info.RoutingKey,
			"queue", info.Queue,
			"redelivered", info.Redelivered,
			"body", truncate(string(d.Body), 200),
		)
		return nil
	}
}

func newLogger(name string) (logging.Logger, func(), error) {
	switch name {
	case "slog":
		return logging.NewSlog(slog.New(slog.NewTextHandler(os.Stderr, nil))), func() {}, nil
	case "zap":
		z, err := zap.NewProduction()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zap logger: %w", err)
		}
		l := logging.NewZap(z)
		return l, func() { _ = l.Sync() }, nil
	case "logrus":
		l := logrus.New()
		l.SetOutput(os.Stderr)
		return logging.NewLogrus(l), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown logger %q", name)
}

// Output formatting functions

func printHealth(overall health.OverallHealth) {
	fmt.Printf("Health: %s (%s)\n", overall.Status, overall.Duration.Truncate(time.Microsecond))
	fmt.Printf("Connection: %s, consumers: %d", overall.Connection, overall.Consumers)
	if !overall.ReconciledAt.IsZero() {
		fmt.Printf(", reconciled: %s", overall.ReconciledAt.Format(time.RFC3339))
	}
	fmt.Println()
	for _, failed := range overall.Failed {
		fmt.Printf("  failed declaration: %s\n", failed)
	}

	names := make([]string, 0, len(overall.Checks))
	for name := range overall.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-12s %-10s %-40s\n", "Check", "Status", "Message")
	fmt.Println(strings.Repeat("-", 64))
	for _, name := range names {
		check := overall.Checks[name]
		fmt.Printf("%-12s %-10s %-40s\n", name, check.Status, truncate(check.Message, 40))
		if check.Error != "" {
			fmt.Printf("  error: %s\n", check.Error)
		}
	}
}

func printMetrics(gatherer prometheus.Gatherer) {
	families, err := gatherer.Gather()
	if err != nil {
		fmt.Printf("failed to gather metrics: %v\n", err)
		return
	}

	fmt.Println(strings.Repeat("-", 80))
	for _, f := range families {
		for _, m := range f.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Printf("%-50s %-30s %.0f\n", f.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Printf("%-50s %-30s %.0f\n", f.GetName(), strings.Join(labels, ","), m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				fmt.Printf("%-50s %-30s count=%d\n", f.GetName(), strings.Join(labels, ","), m.GetHistogram().GetSampleCount())
			}
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
