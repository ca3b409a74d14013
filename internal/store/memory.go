package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 64

// Persistence stores durable paths across restarts.
type Persistence interface {
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	Save(ctx context.Context, path string, value json.RawMessage) error
	Delete(ctx context.Context, path string) error
}

// MemoryConfig configures an in-process store.
type MemoryConfig struct {
	Clock       func() time.Time
	Persistence Persistence
	BufferSize  int
	Logger      *zap.Logger
}

// Memory is an in-process Store. Durable paths are written through to the
// configured Persistence before they become visible.
type Memory struct {
	mu       sync.RWMutex
	nodes    map[string]json.RawMessage
	cleanups map[string]map[string]struct{}

	events *fanout

	clock       func() time.Time
	persistence Persistence
	logger      *zap.Logger
}

// NewMemory builds a Memory store and loads any persisted nodes.
func NewMemory(ctx context.Context, cfg MemoryConfig) (*Memory, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	memory := &Memory{
		nodes:       make(map[string]json.RawMessage),
		cleanups:    make(map[string]map[string]struct{}),
		events:      newFanout(cfg.BufferSize, logger),
		clock:       clock,
		persistence: cfg.Persistence,
		logger:      logger,
	}
	if cfg.Persistence != nil {
		persisted, err := cfg.Persistence.Load(ctx)
		if err != nil {
			return nil, err
		}
		for path, value := range persisted {
			memory.nodes[path] = value
		}
		logger.Info("store nodes restored", zap.Int("count", len(persisted)))
	}
	return memory, nil
}

func (m *Memory) Get(_ context.Context, path string) (json.RawMessage, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.nodes[path]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), value...), nil
}

func (m *Memory) Set(ctx context.Context, path string, value any) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistence != nil && IsDurable(path) {
		if err := m.persistence.Save(ctx, path, encoded); err != nil {
			m.logger.Error("store persistence save failed", zap.String("path", path), zap.Error(err))
			return err
		}
	}
	m.nodes[path] = encoded
	m.events.publish(Event{Path: path, Value: encoded})
	return nil
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistence != nil && IsDurable(path) {
		if err := m.persistence.Delete(ctx, path); err != nil {
			m.logger.Error("store persistence delete failed", zap.String("path", path), zap.Error(err))
			return err
		}
	}
	if _, existed := m.nodes[path]; existed {
		delete(m.nodes, path)
		m.events.publish(Event{Path: path, Deleted: true})
	}
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) (map[string]json.RawMessage, error) {
	if err := ValidatePath(prefix); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	children := make(map[string]json.RawMessage)
	for path, value := range m.nodes {
		if key, ok := childKey(prefix, path); ok {
			children[key] = append(json.RawMessage(nil), value...)
		}
	}
	return children, nil
}

// ListLast returns the children of prefix with the limit greatest keys.
func (m *Memory) ListLast(_ context.Context, prefix string, limit int) (map[string]json.RawMessage, error) {
	if err := ValidatePath(prefix); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for path := range m.nodes {
		if key, ok := childKey(prefix, path); ok {
			keys = append(keys, key)
		}
	}
	children := make(map[string]json.RawMessage)
	for _, key := range lastKeys(keys, limit) {
		children[key] = append(json.RawMessage(nil), m.nodes[prefix+pathSeparator+key]...)
	}
	return children, nil
}

// Subscribe streams changes to path and its descendants until ctx ends or
// the returned cancel func runs. Slow consumers drop events.
func (m *Memory) Subscribe(ctx context.Context, path string) (<-chan Event, func(), error) {
	if path != "" {
		if err := ValidatePath(path); err != nil {
			return nil, nil, err
		}
	}
	stream, cancel := m.events.add(ctx, path)
	return stream, cancel, nil
}

func (m *Memory) ServerTime(context.Context) (time.Time, error) {
	return m.clock().UTC(), nil
}

func (m *Memory) RemoveOnDisconnect(_ context.Context, connectionID, path string) error {
	if connectionID == "" {
		return ErrMissingConnectionID
	}
	if err := ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cleanups[connectionID]; !ok {
		m.cleanups[connectionID] = make(map[string]struct{})
	}
	m.cleanups[connectionID][path] = struct{}{}
	return nil
}

func (m *Memory) CancelOnDisconnect(_ context.Context, connectionID, path string) error {
	if connectionID == "" {
		return ErrMissingConnectionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if paths, ok := m.cleanups[connectionID]; ok {
		delete(paths, path)
		if len(paths) == 0 {
			delete(m.cleanups, connectionID)
		}
	}
	return nil
}

func (m *Memory) Disconnect(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return ErrMissingConnectionID
	}
	m.mu.Lock()
	paths := m.cleanups[connectionID]
	delete(m.cleanups, connectionID)
	m.mu.Unlock()
	for path := range paths {
		if err := m.Remove(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}
