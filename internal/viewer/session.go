package viewer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchparty/internal/show"
	"github.com/MarcoPoloResearchLab/watchparty/internal/store"
	"github.com/MarcoPoloResearchLab/watchparty/internal/tickets"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultUpdateBuffer   = 32
	defaultReleaseTimeout = 5 * time.Second
)

// UpdateKind names a message sent from a session to its viewer.
type UpdateKind string

const (
	UpdateAuthorized    UpdateKind = "authorized"
	UpdateInvalidTicket UpdateKind = "invalid_ticket"
	UpdateConflict      UpdateKind = "conflict"
	UpdateLocked        UpdateKind = "locked"
	UpdateViewerCount   UpdateKind = "viewer_count"
	UpdateOffset        UpdateKind = "offset"
	UpdateSettings      UpdateKind = "settings"
	UpdateChat          UpdateKind = "chat"
	UpdateRevoked       UpdateKind = "revoked"
	UpdateError         UpdateKind = "error"
)

// Update is one message for the viewer.
type Update struct {
	Kind UpdateKind
	Data any
}

// AuthorizedData accompanies UpdateAuthorized.
type AuthorizedData struct {
	Ticket    string       `json:"ticket"`
	Kind      tickets.Kind `json:"kind"`
	SessionID string       `json:"sessionId"`
}

// TicketData accompanies UpdateInvalidTicket, UpdateConflict, UpdateLocked
// and UpdateRevoked.
type TicketData struct {
	Ticket string `json:"ticket"`
}

// ViewerCountData accompanies UpdateViewerCount.
type ViewerCountData struct {
	Count int `json:"count"`
}

// OffsetData accompanies UpdateOffset. Seeking the player to OffsetSeconds
// approximates the live point; it is not a synchronized clock.
type OffsetData struct {
	OffsetSeconds int64  `json:"offsetSeconds"`
	ShowStart     string `json:"showStart,omitempty"`
	EmbedURL      string `json:"embedUrl,omitempty"`
}

// ErrorData accompanies UpdateError.
type ErrorData struct {
	Code string `json:"code"`
}

// CommandKind names a request from the viewer.
type CommandKind string

const (
	CommandTakeover      CommandKind = "takeover"
	CommandRefreshOffset CommandKind = "refresh_offset"
	CommandChat          CommandKind = "chat"
)

// Command is one request from the viewer.
type Command struct {
	Kind CommandKind
	User string
	Text string
}

// Ticker starts a periodic tick source and returns its stop func.
type Ticker func(interval time.Duration) (<-chan time.Time, func())

func realTicker(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

var (
	errMissingShow  = errors.New("show service is required")
	errStreamClosed = errors.New("viewer: store subscription closed")
)

// SessionConfig describes one viewer connection.
type SessionConfig struct {
	Store          store.Store
	Show           *show.Service
	Ticket         string
	SessionID      string
	ConnectionID   string
	Policy         Policy
	Scope          PresenceScope
	LocalClock     func() time.Time
	Ticker         Ticker
	UpdateBuffer   int
	ReleaseTimeout time.Duration
	Logger         *zap.Logger
}

// Session runs the ticket gate, lock, presence and playback logic for one
// viewer connection on a single goroutine.
type Session struct {
	store          store.Store
	show           *show.Service
	ticket         string
	sessionID      string
	connectionID   string
	policy         Policy
	scope          PresenceScope
	clock          *ServerClock
	ticker         Ticker
	releaseTimeout time.Duration
	logger         *zap.Logger
	updates        chan Update

	registry  *tickets.Registry
	kind      tickets.Kind
	lock      *LockManager
	presence  *PresenceCounter
	view      *presenceView
	settings  show.Settings
	lastCount int
	sentChats map[string]struct{}
}

// NewSession validates cfg. Missing session and connection identifiers are
// generated.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Show == nil {
		return nil, errMissingShow
	}
	policy := cfg.Policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	scope := cfg.Scope
	if scope == "" {
		scope = ScopeTicket
	}
	sessionID := strings.TrimSpace(cfg.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := store.ValidateKey(sessionID); err != nil {
		return nil, fmt.Errorf("viewer: session id: %w", err)
	}
	connectionID := cfg.ConnectionID
	if connectionID == "" {
		connectionID = uuid.NewString()
	}
	ticker := cfg.Ticker
	if ticker == nil {
		ticker = realTicker
	}
	bufferSize := cfg.UpdateBuffer
	if bufferSize <= 0 {
		bufferSize = defaultUpdateBuffer
	}
	releaseTimeout := cfg.ReleaseTimeout
	if releaseTimeout <= 0 {
		releaseTimeout = defaultReleaseTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		store:          cfg.Store,
		show:           cfg.Show,
		ticket:         strings.TrimSpace(cfg.Ticket),
		sessionID:      sessionID,
		connectionID:   connectionID,
		policy:         policy,
		scope:          scope,
		clock:          NewServerClock(cfg.LocalClock),
		ticker:         ticker,
		releaseTimeout: releaseTimeout,
		logger:         logger.With(zap.String("session_id", sessionID), zap.String("connection_id", connectionID)),
		updates:        make(chan Update, bufferSize),
		lastCount:      -1,
	}, nil
}

// SessionID returns the viewer's session identity.
func (s *Session) SessionID() string {
	return s.sessionID
}

// ConnectionID returns the store connection that owns the disconnect hooks.
func (s *Session) ConnectionID() string {
	return s.connectionID
}

// Updates streams messages for the viewer. It closes when Run returns.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

type sessionStreams struct {
	exclusive <-chan store.Event
	public    <-chan store.Event
	lock      <-chan store.Event
	presence  <-chan store.Event
	settings  <-chan store.Event
	chats     <-chan store.Event
	cancels   []func()

	cancelLock func()
}

func (st *sessionStreams) add(ctx context.Context, source store.Store, path string) (<-chan store.Event, error) {
	events, cancel, err := source.Subscribe(ctx, path)
	if err != nil {
		return nil, err
	}
	st.cancels = append(st.cancels, cancel)
	return events, nil
}

func (st *sessionStreams) openLock(ctx context.Context, source store.Store, ticket string) error {
	events, cancel, err := source.Subscribe(ctx, store.SessionPath(ticket))
	if err != nil {
		return err
	}
	st.lock = events
	st.cancelLock = cancel
	return nil
}

// closeLock stops the lock stream. The nil channel is never selected again.
func (st *sessionStreams) closeLock() {
	if st.cancelLock != nil {
		st.cancelLock()
	}
	st.lock = nil
	st.cancelLock = nil
}

func (st *sessionStreams) close() {
	st.closeLock()
	for _, cancel := range st.cancels {
		cancel()
	}
}

// Run drives the session until ctx ends, commands closes, or the ticket is
// rejected or revoked. Held lock and presence records are released on exit.
func (s *Session) Run(ctx context.Context, commands <-chan Command) error {
	defer close(s.updates)

	streams := &sessionStreams{}
	defer streams.close()
	var err error
	if streams.exclusive, err = streams.add(ctx, s.store, store.TicketsPath); err != nil {
		return err
	}
	if streams.public, err = streams.add(ctx, s.store, store.PublicTicketsPath); err != nil {
		return err
	}

	s.registry = tickets.NewRegistry(s.logger)
	if err := s.registry.Load(ctx, s.store); err != nil {
		s.emit(ctx, Update{Kind: UpdateError, Data: ErrorData{Code: "store_unavailable"}})
		return err
	}
	validation, validationErr := s.registry.Validate(s.ticket)
	if validationErr != nil || !validation.Valid || store.ValidateKey(validation.Code) != nil {
		s.logger.Info("ticket rejected", zap.String("ticket", s.ticket))
		s.emit(ctx, Update{Kind: UpdateInvalidTicket, Data: TicketData{Ticket: s.ticket}})
		return nil
	}
	s.kind = validation.Kind

	if err := s.clock.Sample(ctx, s.store); err != nil {
		s.logger.Warn("server clock sample failed", zap.Error(err))
	}
	if err := s.openStreams(ctx, streams); err != nil {
		return err
	}
	if err := s.authorize(); err != nil {
		return err
	}
	defer s.release(ctx)

	if !s.emit(ctx, Update{Kind: UpdateAuthorized, Data: AuthorizedData{Ticket: s.ticket, Kind: s.kind, SessionID: s.sessionID}}) {
		return nil
	}
	if err := s.start(ctx); err != nil {
		return err
	}

	ticks, stopTicks := s.ticker(s.policy.HeartbeatInterval)
	defer stopTicks()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			s.onTick(ctx)
		case command, ok := <-commands:
			if !ok {
				return nil
			}
			s.onCommand(ctx, command)
		case event, ok := <-streams.exclusive:
			if !ok {
				return streamClosed(ctx)
			}
			if done, err := s.onTicketsChanged(ctx, streams, event); done || err != nil {
				return err
			}
		case event, ok := <-streams.public:
			if !ok {
				return streamClosed(ctx)
			}
			if done, err := s.onTicketsChanged(ctx, streams, event); done || err != nil {
				return err
			}
		case event, ok := <-streams.lock:
			if !ok {
				return streamClosed(ctx)
			}
			s.onLockChanged(ctx, event)
		case event, ok := <-streams.presence:
			if !ok {
				return streamClosed(ctx)
			}
			s.view.apply(event)
			s.emitCount(ctx)
		case event, ok := <-streams.settings:
			if !ok {
				return streamClosed(ctx)
			}
			s.settings = show.DecodeSettings(event.Value)
			s.emit(ctx, Update{Kind: UpdateSettings, Data: s.settings})
			s.emit(ctx, Update{Kind: UpdateOffset, Data: s.offset()})
		case event, ok := <-streams.chats:
			if !ok {
				return streamClosed(ctx)
			}
			if event.Deleted {
				continue
			}
			message, decoded := show.DecodeChatMessage(strings.TrimPrefix(event.Path, store.ChatsRoot+"/"), event.Value)
			if !decoded {
				continue
			}
			if _, sent := s.sentChats[message.ID]; sent {
				delete(s.sentChats, message.ID)
				continue
			}
			s.emit(ctx, Update{Kind: UpdateChat, Data: message})
		}
	}
}

func streamClosed(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	return errStreamClosed
}

func (s *Session) openStreams(ctx context.Context, streams *sessionStreams) error {
	var err error
	if s.kind == tickets.KindExclusive {
		if err = streams.openLock(ctx, s.store, s.ticket); err != nil {
			return err
		}
	}
	if streams.presence, err = streams.add(ctx, s.store, store.PresenceRoot); err != nil {
		return err
	}
	if streams.settings, err = streams.add(ctx, s.store, store.SettingsPath); err != nil {
		return err
	}
	if streams.chats, err = streams.add(ctx, s.store, store.ChatsRoot); err != nil {
		return err
	}
	return nil
}

func (s *Session) authorize() error {
	presence, err := NewPresenceCounter(PresenceCounterConfig{
		Store:        s.store,
		Ticket:       s.ticket,
		SessionID:    s.sessionID,
		ConnectionID: s.connectionID,
		Logger:       s.logger,
	})
	if err != nil {
		return err
	}
	s.presence = presence
	if s.kind != tickets.KindExclusive {
		return nil
	}
	lock, err := s.newLock()
	if err != nil {
		return err
	}
	s.lock = lock
	return nil
}

func (s *Session) newLock() (*LockManager, error) {
	lock, err := NewLockManager(LockManagerConfig{
		Store:        s.store,
		Ticket:       s.ticket,
		SessionID:    s.sessionID,
		ConnectionID: s.connectionID,
		Policy:       s.policy,
		Clock:        s.clock,
		Logger:       s.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := lock.Authorize(); err != nil {
		return nil, err
	}
	return lock, nil
}

func (s *Session) start(ctx context.Context) error {
	if s.lock != nil {
		state, err := s.lock.Acquire(ctx)
		if err != nil {
			s.emit(ctx, Update{Kind: UpdateError, Data: ErrorData{Code: "lock_failed"}})
			return err
		}
		s.emitLockState(ctx, state)
	}
	if !s.conflicted() {
		if err := s.presence.Announce(ctx); err != nil {
			s.logger.Warn("presence announce failed", zap.Error(err))
		}
	}

	raw, err := s.store.Get(ctx, store.SettingsPath)
	if err != nil {
		s.logger.Warn("settings read failed", zap.Error(err))
	}
	s.settings = show.DecodeSettings(raw)
	s.emit(ctx, Update{Kind: UpdateSettings, Data: s.settings})
	s.emit(ctx, Update{Kind: UpdateOffset, Data: s.offset()})

	children, err := s.store.List(ctx, store.PresenceRoot)
	if err != nil {
		s.logger.Warn("presence read failed", zap.Error(err))
	}
	s.view = newPresenceView(children)
	s.emitCount(ctx)

	history, err := s.show.RecentChats(ctx)
	if err != nil {
		s.logger.Warn("chat history read failed", zap.Error(err))
	}
	// The chat stream is already open, so messages written around the
	// history read arrive twice. Remember what history sent.
	s.sentChats = make(map[string]struct{}, len(history))
	for _, message := range history {
		s.sentChats[message.ID] = struct{}{}
		s.emit(ctx, Update{Kind: UpdateChat, Data: message})
	}
	return nil
}

func (s *Session) onTick(ctx context.Context) {
	if s.lock != nil {
		previous := s.lock.State()
		state, _ := s.lock.Heartbeat(ctx)
		if state != previous {
			s.emitLockState(ctx, state)
		}
	}
	if !s.conflicted() {
		_ = s.presence.Heartbeat(ctx)
	}
	s.emitCount(ctx)
}

func (s *Session) onLockChanged(ctx context.Context, event store.Event) {
	if s.lock == nil {
		return
	}
	previous := s.lock.State()
	state, _ := s.lock.Observe(ctx, event)
	if state != previous {
		s.emitLockState(ctx, state)
	}
}

// onTicketsChanged applies a pool change and reports whether the session
// ends. A ticket that left both pools is revoked; one that moved to the
// other pool is re-authorized under its new kind.
func (s *Session) onTicketsChanged(ctx context.Context, streams *sessionStreams, event store.Event) (bool, error) {
	s.registry.Apply(event)
	validation, err := s.registry.Validate(s.ticket)
	if err != nil || !validation.Valid {
		s.applyQueuedPools(streams)
		validation, err = s.registry.Validate(s.ticket)
	}
	if err != nil || !validation.Valid {
		s.logger.Info("ticket revoked", zap.String("ticket", s.ticket))
		s.emit(ctx, Update{Kind: UpdateRevoked, Data: TicketData{Ticket: s.ticket}})
		return true, nil
	}
	if validation.Kind == s.kind {
		return false, nil
	}
	s.logger.Info("ticket kind changed",
		zap.String("ticket", s.ticket),
		zap.String("from", string(s.kind)),
		zap.String("to", string(validation.Kind)))
	s.kind = validation.Kind
	if s.kind == tickets.KindExclusive {
		return false, s.becomeExclusive(ctx, streams)
	}
	s.becomePublic(ctx, streams)
	return false, nil
}

// applyQueuedPools applies pool events that are already waiting. The two
// pool streams are read in no fixed order, so a move written to both pools
// is judged on both writes.
func (s *Session) applyQueuedPools(streams *sessionStreams) {
	for {
		select {
		case event, ok := <-streams.exclusive:
			if !ok {
				return
			}
			s.registry.Apply(event)
		case event, ok := <-streams.public:
			if !ok {
				return
			}
			s.registry.Apply(event)
		default:
			return
		}
	}
}

func (s *Session) becomeExclusive(ctx context.Context, streams *sessionStreams) error {
	if err := streams.openLock(ctx, s.store, s.ticket); err != nil {
		return err
	}
	lock, err := s.newLock()
	if err != nil {
		return err
	}
	s.lock = lock
	s.emit(ctx, Update{Kind: UpdateAuthorized, Data: AuthorizedData{Ticket: s.ticket, Kind: s.kind, SessionID: s.sessionID}})
	state, err := lock.Acquire(ctx)
	if err != nil {
		s.emit(ctx, Update{Kind: UpdateError, Data: ErrorData{Code: "lock_failed"}})
		return err
	}
	s.emitLockState(ctx, state)
	return nil
}

func (s *Session) becomePublic(ctx context.Context, streams *sessionStreams) {
	streams.closeLock()
	wasConflicted := s.conflicted()
	if s.lock != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.releaseTimeout)
		if err := s.lock.Release(releaseCtx); err != nil {
			s.logger.Warn("lock release failed", zap.Error(err))
		}
		cancel()
		s.lock = nil
	}
	s.emit(ctx, Update{Kind: UpdateAuthorized, Data: AuthorizedData{Ticket: s.ticket, Kind: s.kind, SessionID: s.sessionID}})
	if wasConflicted {
		if err := s.presence.Announce(ctx); err != nil {
			s.logger.Warn("presence announce failed", zap.Error(err))
		}
	}
}

func (s *Session) onCommand(ctx context.Context, command Command) {
	switch command.Kind {
	case CommandTakeover:
		if s.lock == nil || s.lock.State() != LockConflicted {
			s.emit(ctx, Update{Kind: UpdateError, Data: ErrorData{Code: "takeover_not_allowed"}})
			return
		}
		state, err := s.lock.ForceTakeover(ctx)
		if err != nil {
			s.logger.Warn("forced takeover failed", zap.Error(err))
			s.emit(ctx, Update{Kind: UpdateError, Data: ErrorData{Code: "takeover_failed"}})
			return
		}
		if err := s.presence.Announce(ctx); err != nil {
			s.logger.Warn("presence announce failed", zap.Error(err))
		}
		s.emitLockState(ctx, state)
	case CommandRefreshOffset:
		s.emit(ctx, Update{Kind: UpdateOffset, Data: s.offset()})
	case CommandChat:
		if s.conflicted() {
			s.emit(ctx, Update{Kind: UpdateError, Data: ErrorData{Code: "conflicted"}})
			return
		}
		if _, err := s.show.PostChat(ctx, command.User, command.Text); err != nil {
			code := "chat_failed"
			if errors.Is(err, show.ErrInvalidChatText) || errors.Is(err, show.ErrInvalidDisplayName) {
				code = "invalid_chat"
			}
			s.emit(ctx, Update{Kind: UpdateError, Data: ErrorData{Code: code}})
		}
	default:
		s.logger.Debug("unknown command", zap.String("kind", string(command.Kind)))
		s.emit(ctx, Update{Kind: UpdateError, Data: ErrorData{Code: "unknown_command"}})
	}
}

func (s *Session) release(ctx context.Context) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.releaseTimeout)
	defer cancel()
	if s.lock != nil {
		if err := s.lock.Release(releaseCtx); err != nil {
			s.logger.Warn("lock release failed", zap.Error(err))
		}
	}
	if s.presence != nil {
		if err := s.presence.Withdraw(releaseCtx); err != nil {
			s.logger.Warn("presence withdraw failed", zap.Error(err))
		}
	}
}

func (s *Session) conflicted() bool {
	return s.lock != nil && s.lock.State() == LockConflicted
}

func (s *Session) offset() OffsetData {
	data := OffsetData{}
	if start, ok := s.settings.StartTime(s.show.Location()); ok {
		data.ShowStart = start.UTC().Format(time.RFC3339)
		data.OffsetSeconds = show.ComputeOffset(start, s.clock.Now())
	}
	if embed, ok := show.EmbedURL(s.settings.StreamURL, data.OffsetSeconds); ok {
		data.EmbedURL = embed
	}
	return data
}

func (s *Session) emitCount(ctx context.Context) {
	if s.view == nil {
		return
	}
	ticket := s.ticket
	if s.scope == ScopeGlobal {
		ticket = ""
	}
	count := s.view.count(ticket, s.clock.Now(), s.policy.LivenessWindow)
	if count == s.lastCount {
		return
	}
	s.lastCount = count
	s.emit(ctx, Update{Kind: UpdateViewerCount, Data: ViewerCountData{Count: count}})
}

func (s *Session) emitLockState(ctx context.Context, state LockState) {
	switch state {
	case LockConflicted:
		s.emit(ctx, Update{Kind: UpdateConflict, Data: TicketData{Ticket: s.ticket}})
	case LockLocked:
		s.emit(ctx, Update{Kind: UpdateLocked, Data: TicketData{Ticket: s.ticket}})
	}
}

func (s *Session) emit(ctx context.Context, update Update) bool {
	select {
	case s.updates <- update:
		return true
	case <-ctx.Done():
		return false
	}
}
