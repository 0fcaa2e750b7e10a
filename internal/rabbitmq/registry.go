package rabbitmq

import (
	"fmt"
	"sync"
)

// Category is the class of a topology declaration. Reconciliation processes
// categories in their declared order.
type Category int

const (
	CategoryExchange Category = iota
	CategoryQueue
	CategoryBinding
	CategoryConsumer
)

// Categories lists every category in reconciliation order.
var Categories = []Category{CategoryExchange, CategoryQueue, CategoryBinding, CategoryConsumer}

func (c Category) String() string {
	switch c {
	case CategoryExchange:
		return "exchange"
	case CategoryQueue:
		return "queue"
	case CategoryBinding:
		return "binding"
	case CategoryConsumer:
		return "consumer"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Spec functions are evaluated against the live instance on every reconcile,
// so they may read configuration at declaration time.
type (
	ExchangeFunc = func(Instance) ExchangeSpec
	QueueFunc    = func(Instance) QueueSpec
	BindingFunc  = func(Instance) BindingSpec
	ConsumerFunc = func(Instance) ConsumerSpec
)

// Kind identifies a concrete client type. A kind inherits the declarations of
// its base kind and may override them key by key.
type Kind struct {
	name string
	base *Kind
}

// NewKind returns a kind named name specializing base. base may be nil.
func NewKind(name string, base *Kind) *Kind {
	return &Kind{name: name, base: base}
}

func (k *Kind) Name() string {
	return k.name
}

func (k *Kind) Base() *Kind {
	return k.base
}

// Lineage returns k followed by its base kinds, most specific first.
func (k *Kind) Lineage() []*Kind {
	var out []*Kind
	for cur := k; cur != nil; cur = cur.base {
		out = append(out, cur)
	}
	return out
}

func (k *Kind) String() string {
	return k.name
}

// Entry is one resolved declaration.
type Entry struct {
	Key  string
	Kind *Kind // kind that supplied the effective spec function
	Fn   any   // one of ExchangeFunc, QueueFunc, BindingFunc, ConsumerFunc
}

type entryTable struct {
	order []string
	fns   map[string]any
}

// Registry stores declarations per kind. Registries are owned by the caller
// and injected into clients; nothing is shared process-wide.
type Registry struct {
	mu      sync.RWMutex
	entries map[*Kind]map[Category]*entryTable
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[*Kind]map[Category]*entryTable),
	}
}

// Register attaches fn under (kind, category, key). Registering the same
// triple again replaces the function and keeps the key's position. fn must
// be the function type matching category.
func (r *Registry) Register(kind *Kind, category Category, key string, fn any) error {
	if kind == nil {
		return fmt.Errorf("%w: kind is required", ErrInvalidTopology)
	}
	if key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidTopology)
	}
	if !fnMatches(category, fn) {
		return fmt.Errorf("%w: %T is not a %s spec function", ErrInvalidTopology, fn, category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byCategory, ok := r.entries[kind]
	if !ok {
		byCategory = make(map[Category]*entryTable)
		r.entries[kind] = byCategory
	}
	table, ok := byCategory[category]
	if !ok {
		table = &entryTable{fns: make(map[string]any)}
		byCategory[category] = table
	}
	if _, exists := table.fns[key]; !exists {
		table.order = append(table.order, key)
	}
	table.fns[key] = fn
	return nil
}

// RegisterExchange registers an exchange declaration.
func (r *Registry) RegisterExchange(kind *Kind, key string, fn ExchangeFunc) error {
	return r.Register(kind, CategoryExchange, key, fn)
}

// RegisterQueue registers a queue declaration.
func (r *Registry) RegisterQueue(kind *Kind, key string, fn QueueFunc) error {
	return r.Register(kind, CategoryQueue, key, fn)
}

// RegisterBinding registers a binding; the handler with the same key is
// consumed from the bound queue.
func (r *Registry) RegisterBinding(kind *Kind, key string, fn BindingFunc) error {
	return r.Register(kind, CategoryBinding, key, fn)
}

// RegisterConsumer registers a consumer for the handler with the same key.
func (r *Registry) RegisterConsumer(kind *Kind, key string, fn ConsumerFunc) error {
	return r.Register(kind, CategoryConsumer, key, fn)
}

// Resolve returns the effective entries of category for kind. The walk
// starts at the root base kind: keys appear in the order they were first
// registered along the lineage, and a more specific kind's function replaces
// a base function with the same key in place. The result is a snapshot.
func (r *Registry) Resolve(kind *Kind, category Category) []Entry {
	if kind == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	lineage := kind.Lineage()
	var out []Entry
	index := make(map[string]int)

	for i := len(lineage) - 1; i >= 0; i-- {
		k := lineage[i]
		table, ok := r.entries[k][category]
		if !ok {
			continue
		}
		for _, key := range table.order {
			e := Entry{Key: key, Kind: k, Fn: table.fns[key]}
			if pos, seen := index[key]; seen {
				out[pos] = e
				continue
			}
			index[key] = len(out)
			out = append(out, e)
		}
	}
	return out
}

// Keys returns the resolved keys of category for kind.
func (r *Registry) Keys(kind *Kind, category Category) []string {
	entries := r.Resolve(kind, category)
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

func fnMatches(category Category, fn any) bool {
	switch f := fn.(type) {
	case ExchangeFunc:
		return category == CategoryExchange && f != nil
	case QueueFunc:
		return category == CategoryQueue && f != nil
	case BindingFunc:
		return category == CategoryBinding && f != nil
	case ConsumerFunc:
		return category == CategoryConsumer && f != nil
	}
	return false
}
