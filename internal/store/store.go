package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// SettingsPath holds the show settings singleton.
	SettingsPath = "settings"
	// LineupPath holds the ordered member identifiers.
	LineupPath = "lineup"
	// TicketsPath holds the exclusive ticket pool.
	TicketsPath = "tickets"
	// PublicTicketsPath holds the shared ticket pool.
	PublicTicketsPath = "publicTickets"
	// SessionsRoot parents one lock record per exclusive ticket.
	SessionsRoot = "sessions"
	// PresenceRoot parents one presence entry per (ticket, session) pair.
	PresenceRoot = "presence"
	// ChatsRoot parents the chat log.
	ChatsRoot = "chats"

	pathSeparator   = "/"
	invalidKeyChars = ".#$[]*?"
)

var (
	// ErrInvalidPath indicates that a path or one of its segments is malformed.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrInvalidValue indicates that a value could not be encoded as JSON.
	ErrInvalidValue = errors.New("store: invalid value")
	// ErrMissingConnectionID indicates an empty connection identifier.
	ErrMissingConnectionID = errors.New("store: connection id required")
)

// Event is a change notification for a single path.
type Event struct {
	Path    string
	Value   json.RawMessage
	Deleted bool
}

// Store is the shared key-value tree every client reads and writes.
type Store interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Set(ctx context.Context, path string, value any) error
	Remove(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
	ListLast(ctx context.Context, prefix string, limit int) (map[string]json.RawMessage, error)
	Subscribe(ctx context.Context, path string) (<-chan Event, func(), error)
	ServerTime(ctx context.Context) (time.Time, error)
	RemoveOnDisconnect(ctx context.Context, connectionID, path string) error
	CancelOnDisconnect(ctx context.Context, connectionID, path string) error
	Disconnect(ctx context.Context, connectionID string) error
	Ping(ctx context.Context) error
}

// ValidateKey checks a single path segment.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidPath)
	}
	if strings.ContainsAny(key, invalidKeyChars+pathSeparator) {
		return fmt.Errorf("%w: key %q contains a reserved character", ErrInvalidPath, key)
	}
	return nil
}

// ValidatePath checks every segment of a slash separated path.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, segment := range strings.Split(path, pathSeparator) {
		if err := ValidateKey(segment); err != nil {
			return err
		}
	}
	return nil
}

// SessionPath returns the lock record path for a ticket.
func SessionPath(ticket string) string {
	return SessionsRoot + pathSeparator + ticket
}

// PresencePath returns the presence entry path for a ticket and session.
func PresencePath(ticket, sessionID string) string {
	return PresenceRoot + pathSeparator + ticket + "_" + sessionID
}

// ChatPath returns the path of a single chat message.
func ChatPath(messageID string) string {
	return ChatsRoot + pathSeparator + messageID
}

// IsDurable reports whether a path outlives the process that wrote it.
// Lock and presence records are ephemeral.
func IsDurable(path string) bool {
	switch path {
	case SettingsPath, LineupPath, TicketsPath, PublicTicketsPath:
		return true
	}
	return strings.HasPrefix(path, ChatsRoot+pathSeparator)
}

func matchesPath(subscribed, changed string) bool {
	if subscribed == "" || subscribed == changed {
		return true
	}
	return strings.HasPrefix(changed, subscribed+pathSeparator)
}

func childKey(prefix, path string) (string, bool) {
	if !strings.HasPrefix(path, prefix+pathSeparator) {
		return "", false
	}
	return strings.TrimPrefix(path, prefix+pathSeparator), true
}

// lastKeys returns the limit greatest keys in ascending order. A limit of
// zero or less keeps every key.
func lastKeys(keys []string, limit int) []string {
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		return keys[len(keys)-limit:]
	}
	return keys
}

func encodeValue(value any) (json.RawMessage, error) {
	switch typed := value.(type) {
	case json.RawMessage:
		if !json.Valid(typed) {
			return nil, fmt.Errorf("%w: raw message is not valid json", ErrInvalidValue)
		}
		return append(json.RawMessage(nil), typed...), nil
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidValue)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return encoded, nil
}
