package viewer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/watchparty/internal/store"
)

var testEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

func newMemoryStore(t *testing.T, clock *fakeClock) *store.Memory {
	t.Helper()
	memory, err := store.NewMemory(context.Background(), store.MemoryConfig{Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create memory store: %v", err)
	}
	return memory
}

var errInjectedWrite = errors.New("injected write failure")

// flakyStore fails writes while failing is set.
type flakyStore struct {
	store.Store
	mu      sync.Mutex
	failing bool
}

func (f *flakyStore) setFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *flakyStore) Set(ctx context.Context, path string, value any) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errInjectedWrite
	}
	return f.Store.Set(ctx, path, value)
}

func readLock(t *testing.T, source store.Store, ticket string) (LockRecord, bool) {
	t.Helper()
	raw, err := source.Get(context.Background(), store.SessionPath(ticket))
	if err != nil {
		t.Fatalf("failed to read lock: %v", err)
	}
	return DecodeLockRecord(raw)
}

func itoa(value int64) string {
	return strconv.FormatInt(value, 10)
}
