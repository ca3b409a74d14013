package viewer

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultLeaseWindow is how long a lock stays valid after its last heartbeat.
	DefaultLeaseWindow = 40 * time.Second
	// DefaultHeartbeatInterval is the lock and presence refresh cadence.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultLivenessWindow is how long a presence entry counts as a viewer.
	DefaultLivenessWindow = 60 * time.Second
)

// ErrInvalidPolicy indicates timing values that would cause lock flapping.
var ErrInvalidPolicy = errors.New("viewer: invalid timing policy")

// Policy holds the lease, heartbeat and liveness timings.
type Policy struct {
	LeaseWindow       time.Duration
	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
}

// DefaultPolicy returns the 40s lease, 15s heartbeat, 60s liveness policy.
func DefaultPolicy() Policy {
	return Policy{
		LeaseWindow:       DefaultLeaseWindow,
		HeartbeatInterval: DefaultHeartbeatInterval,
		LivenessWindow:    DefaultLivenessWindow,
	}
}

// Validate requires the lease to exceed two heartbeats and the liveness
// window to exceed one.
func (p Policy) Validate() error {
	if p.LeaseWindow <= 0 || p.HeartbeatInterval <= 0 || p.LivenessWindow <= 0 {
		return fmt.Errorf("%w: durations must be positive", ErrInvalidPolicy)
	}
	if p.LeaseWindow <= 2*p.HeartbeatInterval {
		return fmt.Errorf("%w: lease window %s must exceed twice the heartbeat interval %s", ErrInvalidPolicy, p.LeaseWindow, p.HeartbeatInterval)
	}
	if p.LivenessWindow <= p.HeartbeatInterval {
		return fmt.Errorf("%w: liveness window %s must exceed the heartbeat interval %s", ErrInvalidPolicy, p.LivenessWindow, p.HeartbeatInterval)
	}
	return nil
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.LeaseWindow <= 0 {
		p.LeaseWindow = defaults.LeaseWindow
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if p.LivenessWindow <= 0 {
		p.LivenessWindow = defaults.LivenessWindow
	}
	return p
}

// PresenceScope selects which presence entries a viewer count includes.
type PresenceScope string

const (
	// ScopeTicket counts viewers of the same ticket.
	ScopeTicket PresenceScope = "ticket"
	// ScopeGlobal counts viewers across every ticket.
	ScopeGlobal PresenceScope = "global"
)

// ErrUnknownScope indicates an unsupported presence scope.
var ErrUnknownScope = errors.New("viewer: unknown presence scope")

// ParsePresenceScope maps a configuration value onto a PresenceScope.
func ParsePresenceScope(raw string) (PresenceScope, error) {
	switch PresenceScope(strings.ToLower(strings.TrimSpace(raw))) {
	case ScopeTicket, "":
		return ScopeTicket, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, raw)
	}
}
