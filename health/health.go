// Package health reports whether the broker connection, the declared
// topology and the consumers are in the state the client expects.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// OverallHealth combines every check with a summary of the client it
// watches. The summary fields stay empty when the matching checker is not
// registered or did not finish.
type OverallHealth struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`

	Connection   string    `json:"connection,omitempty"`
	ReconciledAt time.Time `json:"reconciledAt,omitempty"`
	Failed       []string  `json:"failed,omitempty"` // "category/key" of failed declarations
	Consumers    int       `json:"consumers"`

	Checks map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// summarizer is implemented by the client checkers to fill the summary
// fields of OverallHealth from their own result.
type summarizer interface {
	summarize(result CheckResult, overall *OverallHealth)
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// CheckFunc adapts fn to a Checker named name.
func CheckFunc(name string, fn func(ctx context.Context) CheckResult) Checker {
	return funcChecker{name: name, fn: fn}
}

func (c funcChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }
func (c funcChecker) Name() string                         { return c.name }

// Registry runs a set of checkers
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
	}
}

// Register adds a health checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a health checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

func (r *Registry) sorted() []Checker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Check runs every checker concurrently. Checks that do not finish before
// ctx is done are reported unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()
	checkers := r.sorted()

	type indexed struct {
		i      int
		result CheckResult
	}
	done := make(chan indexed, len(checkers))
	for i, checker := range checkers {
		go func(i int, checker Checker) {
			done <- indexed{i: i, result: checker.Check(ctx)}
		}(i, checker)
	}

	results := make([]CheckResult, len(checkers))
	finished := make([]bool, len(checkers))
wait:
	for pending := len(checkers); pending > 0; pending-- {
		select {
		case res := <-done:
			results[res.i] = res.result
			finished[res.i] = true
		case <-ctx.Done():
			break wait
		}
	}

	overall := OverallHealth{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult, len(checkers)),
	}
	for i, checker := range checkers {
		result := results[i]
		if !finished[i] {
			result = timedOut(checker.Name(), start, ctx.Err())
		} else if s, ok := checker.(summarizer); ok {
			s.summarize(result, &overall)
		}
		overall.Checks[checker.Name()] = result
		overall.Status = worse(overall.Status, result.Status)
	}
	overall.Timestamp = time.Now()
	overall.Duration = time.Since(start)
	return overall
}

func timedOut(name string, start time.Time, err error) CheckResult {
	result := CheckResult{
		Name:      name,
		Status:    StatusUnhealthy,
		Message:   "Check timed out",
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func worse(current, next Status) Status {
	switch next {
	case StatusUnhealthy:
		return StatusUnhealthy
	case StatusDegraded:
		if current == StatusHealthy {
			return StatusDegraded
		}
	}
	return current
}
