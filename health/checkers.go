package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/rabbitkit/internal/broker"
	"github.com/glimte/rabbitkit/internal/rabbitmq"
)

// ConnectionSource is the view of a ConnectionManager the checker needs.
type ConnectionSource interface {
	State() rabbitmq.State
	Attempt() int
	Channel() (broker.Channel, error)
}

// ConnectionChecker checks RabbitMQ connection health
type ConnectionChecker struct {
	source ConnectionSource
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(source ConnectionSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":   state.String(),
			"attempt": c.source.Attempt(),
		},
	}

	if state != rabbitmq.StateConnected {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Connection is %s", state)
		result.Duration = time.Since(start)
		return result
	}

	// A channel closed by a failed declaration leaves the connection usable.
	if _, err := c.source.Channel(); err != nil {
		result.Status = StatusDegraded
		result.Message = "Channel is not usable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	return result
}

func (c *ConnectionChecker) summarize(result CheckResult, overall *OverallHealth) {
	overall.Connection, _ = result.Details["state"].(string)
}

// TopologyChecker reports the outcome of the latest reconciliation. Register
// Observe as a report hook.
type TopologyChecker struct {
	mu     sync.RWMutex
	last   rabbitmq.Report
	seen   bool
	seenAt time.Time
}

// NewTopologyChecker creates a new topology health checker
func NewTopologyChecker() *TopologyChecker {
	return &TopologyChecker{}
}

// Observe records a reconciliation report.
func (c *TopologyChecker) Observe(report rabbitmq.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = report
	c.seen = true
	c.seenAt = time.Now()
}

func (c *TopologyChecker) Name() string {
	return "topology"
}

func (c *TopologyChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	c.mu.RLock()
	report, seen, seenAt := c.last, c.seen, c.seenAt
	c.mu.RUnlock()

	if !seen {
		result.Status = StatusDegraded
		result.Message = "Topology has not been reconciled yet"
		result.Duration = time.Since(start)
		return result
	}

	result.Details["reconciled_at"] = seenAt
	for _, category := range rabbitmq.Categories {
		result.Details[category.String()+"_declared"] = len(report.Declared[category])
		if failed := report.Failed[category]; len(failed) > 0 {
			result.Details[category.String()+"_failed"] = failed
		}
	}

	if report.OK() {
		result.Status = StatusHealthy
		result.Message = "Topology is declared"
	} else {
		result.Status = StatusDegraded
		result.Message = "Some declarations failed"
		result.Error = report.Err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

func (c *TopologyChecker) summarize(result CheckResult, overall *OverallHealth) {
	overall.ReconciledAt, _ = result.Details["reconciled_at"].(time.Time)
	for _, category := range rabbitmq.Categories {
		failed, _ := result.Details[category.String()+"_failed"].([]string)
		for _, key := range failed {
			overall.Failed = append(overall.Failed, category.String()+"/"+key)
		}
	}
}

// ConsumerSource lists running consumers. *rabbitmq.Consumer implements it.
type ConsumerSource interface {
	ActiveConsumers() []rabbitmq.ConsumerInfo
}

// ConsumerChecker checks that at least a minimum number of consumers run
type ConsumerChecker struct {
	source  ConsumerSource
	minimum int
}

// NewConsumerChecker creates a new consumer health checker
func NewConsumerChecker(source ConsumerSource, minimum int) *ConsumerChecker {
	return &ConsumerChecker{source: source, minimum: minimum}
}

func (c *ConsumerChecker) Name() string {
	return "consumers"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	active := c.source.ActiveConsumers()

	keys := make([]string, 0, len(active))
	for _, info := range active {
		keys = append(keys, info.Key)
	}

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"active":  len(active),
			"minimum": c.minimum,
			"keys":    keys,
		},
	}

	if len(active) < c.minimum {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d of %d consumers running", len(active), c.minimum)
	} else {
		result.Status = StatusHealthy
		result.Message = "Consumers are running"
	}
	result.Duration = time.Since(start)
	return result
}

func (c *ConsumerChecker) summarize(result CheckResult, overall *OverallHealth) {
	overall.Consumers, _ = result.Details["active"].(int)
}

// RegisterClient registers the connection, topology and consumer checks of
// one client. The returned TopologyChecker must be fed every reconciliation
// report through Observe.
func (r *Registry) RegisterClient(conn ConnectionSource, consumers ConsumerSource, minimumConsumers int) *TopologyChecker {
	topology := NewTopologyChecker()
	r.Register(NewConnectionChecker(conn))
	r.Register(topology)
	r.Register(NewConsumerChecker(consumers, minimumConsumers))
	return topology
}
