// Package variant buckets visitors into an experiment variant and remembers
// the choice in client-side storage.
package variant

import (
	"math/rand"
	"sync"
	"time"

	"github.com/davanti/abtrack/internal/experiment"
)

// StorageKey is the fixed key the assigned variant is stored under. The
// browser script uses the same key in localStorage.
const StorageKey = "davanti_ab_variant"

// TrackedSuffix marks that the first-assignment notification was sent.
const TrackedSuffix = "_tracked"

// AssignedEvent is the analytics event name fired on first assignment.
const AssignedEvent = "ab_test_variant_assigned"

// Storage is a string key/value store scoped to one visitor, such as a
// browser profile's localStorage.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// MemoryStorage is an in-process Storage.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (m *MemoryStorage) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryStorage) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Notifier receives the first-assignment analytics event.
type Notifier func(event string, v experiment.Variant)

// Assigner returns the stored variant for a visitor or draws a new one.
type Assigner struct {
	mu      sync.Mutex
	storage Storage
	rng     *rand.Rand
	notify  Notifier
}

// Option configures an Assigner.
type Option func(*Assigner)

// WithRand sets the random source used for new draws.
func WithRand(r *rand.Rand) Option {
	return func(a *Assigner) { a.rng = r }
}

// WithNotifier sets the callback fired on a visitor's first assignment.
func WithNotifier(n Notifier) Option {
	return func(a *Assigner) { a.notify = n }
}

func NewAssigner(storage Storage, opts ...Option) *Assigner {
	a := &Assigner{
		storage: storage,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetOrAssign returns the visitor's variant, drawing and persisting one with
// probability 0.5 each when storage holds no valid value. Concurrent calls
// on the same Assigner observe a single draw.
func (a *Assigner) GetOrAssign() experiment.Variant {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, ok := a.stored()
	if !ok {
		v = a.draw()
		a.storage.Set(StorageKey, string(v))
	}

	a.notifyOnce(v)
	return v
}

func (a *Assigner) stored() (experiment.Variant, bool) {
	raw, ok := a.storage.Get(StorageKey)
	if !ok {
		return "", false
	}
	v := experiment.Variant(raw)
	return v, v.Valid()
}

func (a *Assigner) draw() experiment.Variant {
	if a.rng.Float64() < 0.5 {
		return experiment.VariantWhatsApp
	}
	return experiment.VariantForm
}

func (a *Assigner) notifyOnce(v experiment.Variant) {
	flag := StorageKey + TrackedSuffix
	if _, sent := a.storage.Get(flag); sent {
		return
	}
	a.storage.Set(flag, "true")
	if a.notify != nil {
		a.notify(AssignedEvent, v)
	}
}
