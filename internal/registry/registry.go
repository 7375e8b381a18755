// ============================================================================
// Queue-Descriptor Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Named queue configurations and category-to-queue resolution
//
// Contributions are keyed by queue id and accepted until Activate; after
// activation the registry is read-only while pools exist. Resolution
// policy for a category: explicit binding -> the "default" queue -> fail
// if no default exists.
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/crestforge/workmanager/pkg/types"
)

var log = slog.Default()

var (
	// ErrUnknownQueue indicates a lookup for a queue id that was never
	// contributed, or a category with no binding and no default queue.
	ErrUnknownQueue = errors.New("unknown work queue")

	// ErrActivated indicates a contribution after activation.
	ErrActivated = errors.New("registry already activated")

	// ErrDuplicateQueue indicates two contributions with the same id.
	ErrDuplicateQueue = errors.New("queue already registered")
)

// Registry holds the queue descriptors and the category bindings derived
// from them.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]types.QueueDescriptor
	categories  map[string]string // category -> queue id
	activated   bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		descriptors: make(map[string]types.QueueDescriptor),
		categories:  make(map[string]string),
	}
}

// RegisterContribution adds a queue descriptor. Contributions are
// rejected once the registry is activated. A priority descriptor that
// also declares a capacity keeps the priority queue and ignores the
// capacity; a warning is emitted at registration.
func (r *Registry) RegisterContribution(d types.QueueDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activated {
		return ErrActivated
	}
	if d.ID == "" {
		return fmt.Errorf("queue descriptor without id")
	}
	if _, exists := r.descriptors[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateQueue, d.ID)
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.UsePriority && d.Capacity > 0 {
		log.Warn("priority queues are unbounded, ignoring capacity",
			"queue", d.ID, "capacity", d.Capacity)
		d.Capacity = 0
	}

	r.descriptors[d.ID] = d
	for _, cat := range d.Categories {
		if prev, bound := r.categories[cat]; bound && prev != d.ID {
			log.Warn("category rebound to another queue",
				"category", cat, "from", prev, "to", d.ID)
		}
		r.categories[cat] = d.ID
	}
	return nil
}

// Activate freezes the registry. Descriptors are immutable while their
// pools exist.
func (r *Registry) Activate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activated = true
}

// Activated reports whether the registry has been frozen.
func (r *Registry) Activated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activated
}

// QueueIDForCategory resolves the queue a category is bound to. Unbound
// categories fall through to the default queue; the lookup fails when no
// default queue exists.
func (r *Registry) QueueIDForCategory(category string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id, ok := r.categories[category]; ok {
		return id, nil
	}
	if _, ok := r.descriptors[types.DefaultQueueID]; ok {
		return types.DefaultQueueID, nil
	}
	return "", fmt.Errorf("%w: no binding for category %q and no default queue", ErrUnknownQueue, category)
}

// Descriptor returns the descriptor registered under id.
func (r *Registry) Descriptor(id string) (types.QueueDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[id]
	if !ok {
		return types.QueueDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownQueue, id)
	}
	return d, nil
}

// IDs returns the registered queue ids in stable order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.descriptors))
	for id := range r.descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// queuesFile is the YAML shape of a descriptor contribution file.
type queuesFile struct {
	Queues []types.QueueDescriptor `yaml:"queues"`
}

// Load registers every descriptor in a YAML document of the form
//
//	queues:
//	  - id: default
//	    max_threads: 4
func (r *Registry) Load(data []byte) error {
	var f queuesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse queue descriptors: %w", err)
	}
	for _, d := range f.Queues {
		if err := r.RegisterContribution(d); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile registers every descriptor in the YAML file at path.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read queue descriptor file: %w", err)
	}
	return r.Load(data)
}
