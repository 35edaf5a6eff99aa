package variant_test

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/davanti/abtrack/internal/experiment"
	"github.com/davanti/abtrack/internal/stats"
	"github.com/davanti/abtrack/internal/variant"
)

// countingStorage records writes so tests can assert draws happened once.
type countingStorage struct {
	*variant.MemoryStorage
	mu     sync.Mutex
	writes map[string]int
}

func newCountingStorage() *countingStorage {
	return &countingStorage{MemoryStorage: variant.NewMemoryStorage(), writes: make(map[string]int)}
}

func (c *countingStorage) Set(key, value string) {
	c.mu.Lock()
	c.writes[key]++
	c.mu.Unlock()
	c.MemoryStorage.Set(key, value)
}

func TestGetOrAssign_Idempotent(t *testing.T) {
	storage := newCountingStorage()
	storage.MemoryStorage.Set(variant.StorageKey, "form")

	a := variant.NewAssigner(storage)
	for i := 0; i < 100; i++ {
		if got := a.GetOrAssign(); got != experiment.VariantForm {
			t.Fatalf("call %d: expected form, got %s", i, got)
		}
	}

	if storage.writes[variant.StorageKey] != 0 {
		t.Errorf("expected no variant writes, got %d", storage.writes[variant.StorageKey])
	}
}

func TestGetOrAssign_PersistsFirstDraw(t *testing.T) {
	storage := newCountingStorage()
	a := variant.NewAssigner(storage, variant.WithRand(rand.New(rand.NewSource(7))))

	first := a.GetOrAssign()
	for i := 0; i < 20; i++ {
		if got := a.GetOrAssign(); got != first {
			t.Fatalf("expected %s on repeat call, got %s", first, got)
		}
	}

	stored, _ := storage.Get(variant.StorageKey)
	if stored != string(first) {
		t.Errorf("expected stored %s, got %q", first, stored)
	}
	if storage.writes[variant.StorageKey] != 1 {
		t.Errorf("expected exactly one write, got %d", storage.writes[variant.StorageKey])
	}
}

func TestGetOrAssign_ReassignsInvalidValue(t *testing.T) {
	storage := variant.NewMemoryStorage()
	storage.Set(variant.StorageKey, "email")

	got := variant.NewAssigner(storage).GetOrAssign()
	if !got.Valid() {
		t.Fatalf("expected valid variant, got %q", got)
	}
	stored, _ := storage.Get(variant.StorageKey)
	if stored != string(got) {
		t.Errorf("expected invalid value replaced with %s, got %q", got, stored)
	}
}

func TestGetOrAssign_ConcurrentSingleDraw(t *testing.T) {
	storage := newCountingStorage()
	a := variant.NewAssigner(storage)

	results := make([]experiment.Variant, 64)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.GetOrAssign()
		}(i)
	}
	wg.Wait()

	for i, v := range results {
		if v != results[0] {
			t.Fatalf("goroutine %d got %s, goroutine 0 got %s", i, v, results[0])
		}
	}
	if storage.writes[variant.StorageKey] != 1 {
		t.Errorf("expected one write, got %d", storage.writes[variant.StorageKey])
	}
}

func TestGetOrAssign_NotifiesOnlyOnFirstAssignment(t *testing.T) {
	storage := variant.NewMemoryStorage()
	var events []string
	notify := func(event string, v experiment.Variant) {
		events = append(events, event+":"+string(v))
	}

	first := variant.NewAssigner(storage, variant.WithNotifier(notify)).GetOrAssign()

	// A later page load builds a new Assigner over the same storage.
	variant.NewAssigner(storage, variant.WithNotifier(notify)).GetOrAssign()
	variant.NewAssigner(storage, variant.WithNotifier(notify)).GetOrAssign()

	if len(events) != 1 {
		t.Fatalf("expected 1 notification, got %d: %v", len(events), events)
	}
	if events[0] != variant.AssignedEvent+":"+string(first) {
		t.Errorf("unexpected notification %q", events[0])
	}
}

func TestGetOrAssign_UniformBucketing(t *testing.T) {
	const visitors = 20000
	rng := rand.New(rand.NewSource(42))

	whatsapp := 0
	for i := 0; i < visitors; i++ {
		a := variant.NewAssigner(variant.NewMemoryStorage(), variant.WithRand(rng))
		if a.GetOrAssign() == experiment.VariantWhatsApp {
			whatsapp++
		}
	}

	// 0.02 is more than five standard errors at this sample size.
	share := float64(whatsapp) / visitors
	if math.Abs(share-0.5) > 0.02 {
		lower, upper := stats.WilsonInterval(whatsapp, visitors, 0.99)
		t.Errorf("whatsapp share %.4f (99%% CI [%.4f, %.4f]) too far from 0.5", share, lower, upper)
	}
}
