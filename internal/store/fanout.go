package store

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// fanout delivers change events to path subscribers. Sends never block;
// a full subscriber buffer drops the event.
type fanout struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type subscriber struct {
	path   string
	stream chan Event
}

func newFanout(bufferSize int, logger *zap.Logger) *fanout {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &fanout{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// add registers a subscriber for path and its descendants. It is removed
// when ctx ends or the returned cancel func runs.
func (f *fanout) add(ctx context.Context, path string) (<-chan Event, func()) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	entry := &subscriber{path: path, stream: make(chan Event, f.bufferSize)}
	f.subscribers[id] = entry
	f.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			f.remove(id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return entry.stream, cancel
}

func (f *fanout) remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.subscribers[id]; ok {
		delete(f.subscribers, id)
		close(entry.stream)
	}
}

func (f *fanout) publish(event Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, entry := range f.subscribers {
		if !matchesPath(entry.path, event.Path) {
			continue
		}
		select {
		case entry.stream <- event:
		default:
			f.logger.Warn("store subscriber buffer full", zap.String("path", event.Path))
		}
	}
}

// closeAll ends every subscription.
func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, entry := range f.subscribers {
		delete(f.subscribers, id)
		close(entry.stream)
	}
}
