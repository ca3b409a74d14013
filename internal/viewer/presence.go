package viewer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/watchparty/internal/store"
	"go.uber.org/zap"
)

// PresenceEntry is the value stored at presence/{ticket}_{sessionId}.
type PresenceEntry struct {
	SessionID string `json:"sessionId"`
	Ticket    string `json:"ticket"`
	LastSeen  int64  `json:"lastSeen"`
}

// DecodePresenceEntry reads one presence value. Entries without a session
// id are ignored.
func DecodePresenceEntry(raw json.RawMessage) (PresenceEntry, bool) {
	if len(raw) == 0 {
		return PresenceEntry{}, false
	}
	var entry PresenceEntry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.SessionID == "" {
		return PresenceEntry{}, false
	}
	return entry, true
}

// CountLive returns the number of distinct sessions whose entry is younger
// than window. An empty ticket counts across every ticket.
func CountLive(entries []PresenceEntry, ticket string, now time.Time, window time.Duration) int {
	sessions := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if ticket != "" && entry.Ticket != ticket {
			continue
		}
		if now.Sub(time.UnixMilli(entry.LastSeen)) >= window {
			continue
		}
		sessions[entry.SessionID] = struct{}{}
	}
	return len(sessions)
}

// PresenceCounterConfig describes one session's presence entry.
type PresenceCounterConfig struct {
	Store        store.Store
	Ticket       string
	SessionID    string
	ConnectionID string
	Logger       *zap.Logger
}

// PresenceCounter writes and refreshes one presence entry.
type PresenceCounter struct {
	store        store.Store
	ticket       string
	sessionID    string
	connectionID string
	path         string
	logger       *zap.Logger
	announced    bool
}

// NewPresenceCounter validates cfg.
func NewPresenceCounter(cfg PresenceCounterConfig) (*PresenceCounter, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Ticket == "" || cfg.SessionID == "" {
		return nil, errMissingIdentity
	}
	path := store.PresencePath(cfg.Ticket, cfg.SessionID)
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	connectionID := cfg.ConnectionID
	if connectionID == "" {
		connectionID = cfg.SessionID
	}
	return &PresenceCounter{
		store:        cfg.Store,
		ticket:       cfg.Ticket,
		sessionID:    cfg.SessionID,
		connectionID: connectionID,
		path:         path,
		logger:       logger,
	}, nil
}

// Path returns the store path of the entry.
func (p *PresenceCounter) Path() string {
	return p.path
}

// Announce writes the entry and registers its disconnect cleanup.
func (p *PresenceCounter) Announce(ctx context.Context) error {
	if err := p.write(ctx); err != nil {
		return err
	}
	if err := p.store.RemoveOnDisconnect(ctx, p.connectionID, p.path); err != nil {
		return err
	}
	p.announced = true
	return nil
}

// Heartbeat refreshes lastSeen. Failures are logged and left for the next tick.
func (p *PresenceCounter) Heartbeat(ctx context.Context) error {
	if !p.announced {
		return nil
	}
	if err := p.write(ctx); err != nil {
		p.logger.Warn("presence heartbeat failed",
			zap.String("operation", "viewer.presence.heartbeat"),
			zap.String("ticket", p.ticket),
			zap.Error(err))
		return err
	}
	return nil
}

// Withdraw removes the entry and its disconnect cleanup.
func (p *PresenceCounter) Withdraw(ctx context.Context) error {
	if !p.announced {
		return nil
	}
	p.announced = false
	if err := p.store.CancelOnDisconnect(ctx, p.connectionID, p.path); err != nil {
		p.logger.Warn("presence cleanup cancel failed", zap.Error(err))
	}
	return p.store.Remove(ctx, p.path)
}

func (p *PresenceCounter) write(ctx context.Context) error {
	serverTime, err := p.store.ServerTime(ctx)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, p.path, PresenceEntry{
		SessionID: p.sessionID,
		Ticket:    p.ticket,
		LastSeen:  serverTime.UnixMilli(),
	})
}

// presenceView caches the presence collection from change notifications.
type presenceView struct {
	entries map[string]PresenceEntry
}

func newPresenceView(children map[string]json.RawMessage) *presenceView {
	view := &presenceView{entries: make(map[string]PresenceEntry, len(children))}
	for key, raw := range children {
		if entry, ok := DecodePresenceEntry(raw); ok {
			view.entries[store.PresenceRoot+"/"+key] = entry
		}
	}
	return view
}

func (v *presenceView) apply(event store.Event) {
	if event.Deleted {
		delete(v.entries, event.Path)
		return
	}
	entry, ok := DecodePresenceEntry(event.Value)
	if !ok {
		delete(v.entries, event.Path)
		return
	}
	v.entries[event.Path] = entry
}

func (v *presenceView) count(ticket string, now time.Time, window time.Duration) int {
	entries := make([]PresenceEntry, 0, len(v.entries))
	for _, entry := range v.entries {
		entries = append(entries, entry)
	}
	return CountLive(entries, ticket, now, window)
}
