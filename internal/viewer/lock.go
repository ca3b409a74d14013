package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/watchparty/internal/store"
	"go.uber.org/zap"
)

// LockState is the position of a session in the exclusive ticket lock
// state machine.
type LockState int

const (
	// LockUnauthorized means no ticket has been accepted.
	LockUnauthorized LockState = iota
	// LockAuthorized means the ticket was accepted but no lock is held yet.
	LockAuthorized
	// LockLocked means this session holds the lock and heartbeats it.
	LockLocked
	// LockConflicted means another session holds a fresh lock. Only a forced
	// takeover leaves this state.
	LockConflicted
)

func (s LockState) String() string {
	switch s {
	case LockUnauthorized:
		return "unauthorized"
	case LockAuthorized:
		return "authorized"
	case LockLocked:
		return "locked"
	case LockConflicted:
		return "conflicted"
	default:
		return fmt.Sprintf("lock_state(%d)", int(s))
	}
}

var (
	// ErrInvalidTransition indicates an operation not allowed in the current state.
	ErrInvalidTransition = errors.New("viewer: invalid lock transition")
	errMissingStore      = errors.New("store is required")
	errMissingIdentity   = errors.New("ticket and session id are required")
)

// LockRecord is the value stored at sessions/{ticket}.
type LockRecord struct {
	Owner     string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// DecodeLockRecord reads a lock record. Records without an owner are ignored.
func DecodeLockRecord(raw json.RawMessage) (LockRecord, bool) {
	if len(raw) == 0 {
		return LockRecord{}, false
	}
	var record LockRecord
	if err := json.Unmarshal(raw, &record); err != nil || record.Owner == "" {
		return LockRecord{}, false
	}
	return record, true
}

// Fresh reports whether the record's last heartbeat is inside the lease.
func (r LockRecord) Fresh(now time.Time, lease time.Duration) bool {
	return now.Sub(time.UnixMilli(r.Timestamp)) < lease
}

// LockManagerConfig describes one session's lock on one exclusive ticket.
type LockManagerConfig struct {
	Store        store.Store
	Ticket       string
	SessionID    string
	ConnectionID string
	Policy       Policy
	Clock        *ServerClock
	Logger       *zap.Logger
}

// LockManager drives the lock state machine for one session. It is not
// safe for concurrent use; the owning session loop serializes calls.
type LockManager struct {
	store        store.Store
	ticket       string
	sessionID    string
	connectionID string
	path         string
	policy       Policy
	clock        *ServerClock
	logger       *zap.Logger
	state        LockState
}

// NewLockManager validates cfg and returns a manager in LockUnauthorized.
func NewLockManager(cfg LockManagerConfig) (*LockManager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Ticket == "" || cfg.SessionID == "" {
		return nil, errMissingIdentity
	}
	if err := store.ValidateKey(cfg.Ticket); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewServerClock(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	connectionID := cfg.ConnectionID
	if connectionID == "" {
		connectionID = cfg.SessionID
	}
	return &LockManager{
		store:        cfg.Store,
		ticket:       cfg.Ticket,
		sessionID:    cfg.SessionID,
		connectionID: connectionID,
		path:         store.SessionPath(cfg.Ticket),
		policy:       cfg.Policy.withDefaults(),
		clock:        clock,
		logger:       logger.With(zap.String("ticket", cfg.Ticket), zap.String("session_id", cfg.SessionID)),
	}, nil
}

// State returns the current state.
func (m *LockManager) State() LockState {
	return m.state
}

// Path returns the store path of the lock record.
func (m *LockManager) Path() string {
	return m.path
}

// Authorize records that the ticket was accepted.
func (m *LockManager) Authorize() error {
	if m.state != LockUnauthorized {
		return fmt.Errorf("%w: authorize from %s", ErrInvalidTransition, m.state)
	}
	m.state = LockAuthorized
	return nil
}

// Acquire claims the lock. A fresh lock held by another session moves the
// manager to LockConflicted without writing; a stale or absent one is
// overwritten.
func (m *LockManager) Acquire(ctx context.Context) (LockState, error) {
	if m.state != LockAuthorized {
		return m.state, fmt.Errorf("%w: acquire from %s", ErrInvalidTransition, m.state)
	}
	current, held, err := m.read(ctx)
	if err != nil {
		return m.state, err
	}
	if held && current.Owner != m.sessionID && current.Fresh(m.clock.Now(), m.policy.LeaseWindow) {
		m.state = LockConflicted
		m.logger.Info("lock held by another session", zap.String("owner", current.Owner))
		return m.state, nil
	}
	if err := m.claim(ctx); err != nil {
		return m.state, err
	}
	m.state = LockLocked
	return m.state, nil
}

// Heartbeat refreshes a held lock. If another session has taken a fresh
// lock meanwhile, the manager becomes conflicted and stops writing. Write
// failures are logged and left for the next tick.
func (m *LockManager) Heartbeat(ctx context.Context) (LockState, error) {
	if m.state != LockLocked {
		return m.state, nil
	}
	current, held, err := m.read(ctx)
	if err != nil {
		m.logError("heartbeat", "read_failed", err)
		return m.state, err
	}
	if held && current.Owner != m.sessionID && current.Fresh(m.clock.Now(), m.policy.LeaseWindow) {
		m.enterConflict(ctx, current.Owner)
		return m.state, nil
	}
	if err := m.write(ctx); err != nil {
		m.logError("heartbeat", "write_failed", err)
		return m.state, err
	}
	return m.state, nil
}

// Observe applies a change notification for the lock path. Deletions are
// left for the next heartbeat to repair.
func (m *LockManager) Observe(ctx context.Context, event store.Event) (LockState, error) {
	if m.state != LockLocked || event.Path != m.path || event.Deleted {
		return m.state, nil
	}
	record, ok := DecodeLockRecord(event.Value)
	if !ok || record.Owner == m.sessionID {
		return m.state, nil
	}
	if record.Fresh(m.clock.Now(), m.policy.LeaseWindow) {
		m.enterConflict(ctx, record.Owner)
		return m.state, nil
	}
	m.logger.Info("reclaiming abandoned lock", zap.String("previous_owner", record.Owner))
	if err := m.write(ctx); err != nil {
		m.logError("reclaim", "write_failed", err)
		return m.state, err
	}
	return m.state, nil
}

// ForceTakeover overwrites the lock unconditionally. The previous holder
// notices on its next heartbeat or change notification.
func (m *LockManager) ForceTakeover(ctx context.Context) (LockState, error) {
	if m.state != LockConflicted && m.state != LockAuthorized {
		return m.state, fmt.Errorf("%w: takeover from %s", ErrInvalidTransition, m.state)
	}
	if err := m.claim(ctx); err != nil {
		return m.state, err
	}
	m.logger.Warn("forced lock takeover")
	m.state = LockLocked
	return m.state, nil
}

// Release removes the lock when this session owns it and drops the
// disconnect hook. The manager returns to LockUnauthorized.
func (m *LockManager) Release(ctx context.Context) error {
	previous := m.state
	m.state = LockUnauthorized
	if previous != LockLocked {
		return nil
	}
	if err := m.store.CancelOnDisconnect(ctx, m.connectionID, m.path); err != nil {
		m.logError("release", "cancel_hook_failed", err)
	}
	current, held, err := m.read(ctx)
	if err != nil {
		return err
	}
	if !held || current.Owner != m.sessionID {
		return nil
	}
	return m.store.Remove(ctx, m.path)
}

func (m *LockManager) claim(ctx context.Context) error {
	if err := m.write(ctx); err != nil {
		return err
	}
	return m.store.RemoveOnDisconnect(ctx, m.connectionID, m.path)
}

func (m *LockManager) enterConflict(ctx context.Context, owner string) {
	m.state = LockConflicted
	m.logger.Info("lock taken by another session", zap.String("owner", owner))
	if err := m.store.CancelOnDisconnect(ctx, m.connectionID, m.path); err != nil {
		m.logError("conflict", "cancel_hook_failed", err)
	}
}

func (m *LockManager) read(ctx context.Context) (LockRecord, bool, error) {
	raw, err := m.store.Get(ctx, m.path)
	if err != nil {
		return LockRecord{}, false, err
	}
	record, ok := DecodeLockRecord(raw)
	return record, ok, nil
}

func (m *LockManager) write(ctx context.Context) error {
	serverTime, err := m.store.ServerTime(ctx)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, m.path, LockRecord{Owner: m.sessionID, Timestamp: serverTime.UnixMilli()})
}

func (m *LockManager) logError(operation, reason string, err error) {
	m.logger.Warn("lock operation failed",
		zap.String("operation", "viewer.lock."+operation),
		zap.String("reason", reason),
		zap.Error(err))
}
