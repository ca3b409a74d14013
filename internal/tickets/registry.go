package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/watchparty/internal/store"
	"go.uber.org/zap"
)

// Kind classifies a ticket code.
type Kind string

const (
	// KindExclusive authorizes one concurrent session.
	KindExclusive Kind = "exclusive"
	// KindPublic authorizes any number of concurrent sessions.
	KindPublic Kind = "public"
)

var (
	// ErrEmptyCode indicates a blank ticket code.
	ErrEmptyCode = errors.New("tickets: empty code")
	// ErrNotLoaded indicates the ticket pools have not been observed yet.
	ErrNotLoaded = errors.New("tickets: pools not loaded")
	// ErrUnknownKind indicates an unsupported ticket kind.
	ErrUnknownKind = errors.New("tickets: unknown kind")
)

// ParseKind maps a raw kind name onto a Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindExclusive:
		return KindExclusive, nil
	case KindPublic:
		return KindPublic, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// PoolPath returns the store path of the pool for a kind.
func PoolPath(kind Kind) string {
	if kind == KindPublic {
		return store.PublicTicketsPath
	}
	return store.TicketsPath
}

// Validation is the outcome of checking a ticket code.
type Validation struct {
	Code  string
	Valid bool
	Kind  Kind
}

// Registry holds cached copies of both ticket pools.
type Registry struct {
	mu              sync.RWMutex
	exclusive       map[string]struct{}
	public          map[string]struct{}
	exclusiveLoaded bool
	publicLoaded    bool
	logger          *zap.Logger
}

// NewRegistry returns an empty, unloaded registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		exclusive: make(map[string]struct{}),
		public:    make(map[string]struct{}),
		logger:    logger,
	}
}

// Validate reports whether code belongs to either pool. Membership is case
// sensitive and a code listed in both pools is treated as public.
func (r *Registry) Validate(code string) (Validation, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return Validation{}, ErrEmptyCode
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.exclusiveLoaded || !r.publicLoaded {
		return Validation{Code: trimmed}, ErrNotLoaded
	}
	if _, ok := r.public[trimmed]; ok {
		return Validation{Code: trimmed, Valid: true, Kind: KindPublic}, nil
	}
	if _, ok := r.exclusive[trimmed]; ok {
		return Validation{Code: trimmed, Valid: true, Kind: KindExclusive}, nil
	}
	return Validation{Code: trimmed}, nil
}

// Loaded reports whether both pools have been observed.
func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exclusiveLoaded && r.publicLoaded
}

// Replace swaps the cached pool for kind and marks it loaded.
func (r *Registry) Replace(kind Kind, codes []string) {
	pool := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if trimmed := strings.TrimSpace(code); trimmed != "" {
			pool[trimmed] = struct{}{}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case KindPublic:
		r.public = pool
		r.publicLoaded = true
	default:
		r.exclusive = pool
		r.exclusiveLoaded = true
	}
}

// Apply folds a store change event into the registry. It returns false for
// paths that are not ticket pools.
func (r *Registry) Apply(event store.Event) bool {
	kind, ok := kindForPath(event.Path)
	if !ok {
		return false
	}
	if event.Deleted {
		r.Replace(kind, nil)
		return true
	}
	r.Replace(kind, DecodeCodes(event.Value, r.logger))
	return true
}

// Load reads both pools from the store. Absent pools load as empty.
func (r *Registry) Load(ctx context.Context, source store.Store) error {
	for _, kind := range []Kind{KindExclusive, KindPublic} {
		raw, err := source.Get(ctx, PoolPath(kind))
		if err != nil {
			return fmt.Errorf("tickets: load %s pool: %w", kind, err)
		}
		r.Replace(kind, DecodeCodes(raw, r.logger))
	}
	return nil
}

// Sync subscribes to both pools, loads them and keeps the registry fresh
// until ctx ends.
func (r *Registry) Sync(ctx context.Context, source store.Store) error {
	exclusiveEvents, cancelExclusive, err := source.Subscribe(ctx, store.TicketsPath)
	if err != nil {
		return err
	}
	publicEvents, cancelPublic, err := source.Subscribe(ctx, store.PublicTicketsPath)
	if err != nil {
		cancelExclusive()
		return err
	}
	if err := r.Load(ctx, source); err != nil {
		cancelExclusive()
		cancelPublic()
		return err
	}
	go func() {
		defer cancelExclusive()
		defer cancelPublic()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-exclusiveEvents:
				if !ok {
					return
				}
				r.Apply(event)
			case event, ok := <-publicEvents:
				if !ok {
					return
				}
				r.Apply(event)
			}
		}
	}()
	return nil
}

// DecodeCodes decodes a pool value. Anything other than a JSON array of
// strings yields an empty pool.
func DecodeCodes(raw json.RawMessage, logger *zap.Logger) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var values []any
	if err := json.Unmarshal(raw, &values); err != nil {
		if logger != nil {
			logger.Warn("ticket pool is not an array", zap.Error(err))
		}
		return []string{}
	}
	codes := make([]string, 0, len(values))
	for _, value := range values {
		if code, ok := value.(string); ok && strings.TrimSpace(code) != "" {
			codes = append(codes, strings.TrimSpace(code))
		}
	}
	return codes
}

func kindForPath(path string) (Kind, bool) {
	switch path {
	case store.TicketsPath:
		return KindExclusive, true
	case store.PublicTicketsPath:
		return KindPublic, true
	default:
		return "", false
	}
}
