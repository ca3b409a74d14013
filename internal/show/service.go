package show

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/watchparty/internal/store"
	"github.com/MarcoPoloResearchLab/watchparty/internal/tickets"
	"go.uber.org/zap"
)

const (
	defaultSaveTimeout   = 10 * time.Second
	defaultHistoryLimit  = 50
	maxChatTextLength    = 500
	maxDisplayNameLength = 40
	defaultDisplayName   = "Guest"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew    = "show.service.new"
	opLoadState     = "show.load_state"
	opSaveState     = "show.save_state"
	opAddTicket     = "show.add_ticket"
	opRemoveTicket  = "show.remove_ticket"
	opToggleMember  = "show.toggle_member"
	opPostChat      = "show.post_chat"
	opRecentChats   = "show.recent_chats"
	opCurrentOffset = "show.current_offset"
	opSnapshot      = "show.snapshot"

	reasonMissingStore      = "missing_store"
	reasonMissingIDProvider = "missing_id_provider"
	reasonReadFailed        = "read_failed"
	reasonWriteFailed       = "write_failed"
	reasonInvalidInput      = "invalid_input"
	reasonSaveTimeout       = "save_timeout"
	reasonIDFailed          = "id_generation_failed"
	reasonClockFailed       = "server_time_failed"
)

// ServiceError carries a stable code alongside the underlying error.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the show service.
type ServiceConfig struct {
	Store        store.Store
	Clock        func() time.Time
	IDProvider   IDProvider
	Location     *time.Location
	SaveTimeout  time.Duration
	HistoryLimit int
	Logger       *zap.Logger
}

// Service reads and edits the shared show configuration and chat log.
type Service struct {
	store        store.Store
	clock        func() time.Time
	idProvider   IDProvider
	location     *time.Location
	saveTimeout  time.Duration
	historyLimit int
	logger       *zap.Logger
}

// NewService validates cfg and applies defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	saveTimeout := cfg.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:        cfg.Store,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		location:     location,
		saveTimeout:  saveTimeout,
		historyLimit: historyLimit,
		logger:       logger,
	}, nil
}

// Location returns the zone used for dates without an explicit offset.
func (s *Service) Location() *time.Location {
	return s.location
}

// LoadState reads settings, lineup and both ticket pools, defaulting any
// absent or malformed node.
func (s *Service) LoadState(ctx context.Context) (State, error) {
	if s.store == nil {
		return State{}, newServiceError(opLoadState, reasonMissingStore, errMissingStore)
	}
	nodes := make(map[string]json.RawMessage, 4)
	for _, path := range []string{store.SettingsPath, store.LineupPath, store.TicketsPath, store.PublicTicketsPath} {
		raw, err := s.store.Get(ctx, path)
		if err != nil {
			s.logError(opLoadState, reasonReadFailed, err, zap.String("path", path))
			return State{}, newServiceError(opLoadState, reasonReadFailed, err)
		}
		nodes[path] = raw
	}
	return State{
		Settings:      DecodeSettings(nodes[store.SettingsPath]),
		Lineup:        DecodeLineup(nodes[store.LineupPath]),
		Tickets:       tickets.DecodeCodes(nodes[store.TicketsPath], s.logger),
		PublicTickets: tickets.DecodeCodes(nodes[store.PublicTicketsPath], s.logger),
	}, nil
}

// SaveState writes the whole admin state. The caller is told about a
// timeout after the configured wait even if the writes finish later.
func (s *Service) SaveState(ctx context.Context, state State) error {
	if s.store == nil {
		return newServiceError(opSaveState, reasonMissingStore, errMissingStore)
	}
	normalized, err := normalizeState(state)
	if err != nil {
		return newServiceError(opSaveState, reasonInvalidInput, err)
	}

	done := make(chan error, 1)
	writeCtx := context.WithoutCancel(ctx)
	go func() {
		done <- s.writeState(writeCtx, normalized)
	}()

	timer := time.NewTimer(s.saveTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			s.logError(opSaveState, reasonWriteFailed, err)
			return newServiceError(opSaveState, reasonWriteFailed, err)
		}
		s.logger.Info("show state saved",
			zap.Int("tickets", len(normalized.Tickets)),
			zap.Int("public_tickets", len(normalized.PublicTickets)),
			zap.Int("lineup", len(normalized.Lineup)))
		return nil
	case <-timer.C:
		s.logError(opSaveState, reasonSaveTimeout, ErrSaveTimeout, zap.Duration("timeout", s.saveTimeout))
		return newServiceError(opSaveState, reasonSaveTimeout, ErrSaveTimeout)
	case <-ctx.Done():
		return newServiceError(opSaveState, reasonSaveTimeout, ctx.Err())
	}
}

// writeState writes the exclusive pool twice. The first write also holds
// every public code, so a code moving between pools stays valid in every
// intermediate state; public wins while it sits in both.
func (s *Service) writeState(ctx context.Context, state State) error {
	writes := []struct {
		path  string
		value any
	}{
		{path: store.SettingsPath, value: state.Settings},
		{path: store.LineupPath, value: state.Lineup},
		{path: store.TicketsPath, value: mergeCodes(state.Tickets, state.PublicTickets)},
		{path: store.PublicTicketsPath, value: state.PublicTickets},
		{path: store.TicketsPath, value: state.Tickets},
	}
	for _, write := range writes {
		if err := s.store.Set(ctx, write.path, write.value); err != nil {
			return fmt.Errorf("write %s: %w", write.path, err)
		}
	}
	return nil
}

func mergeCodes(first, second []string) []string {
	merged := make([]string, 0, len(first)+len(second))
	seen := make(map[string]struct{}, len(first)+len(second))
	for _, codes := range [][]string{first, second} {
		for _, code := range codes {
			if _, ok := seen[code]; ok {
				continue
			}
			seen[code] = struct{}{}
			merged = append(merged, code)
		}
	}
	return merged
}

// AddTicket appends code to the pool of kind.
func (s *Service) AddTicket(ctx context.Context, kind tickets.Kind, code string) error {
	trimmed := strings.TrimSpace(code)
	if err := store.ValidateKey(trimmed); err != nil {
		return newServiceError(opAddTicket, reasonInvalidInput, fmt.Errorf("%w: %v", ErrInvalidTicketCode, err))
	}
	state, err := s.LoadState(ctx)
	if err != nil {
		return newServiceError(opAddTicket, reasonReadFailed, err)
	}
	if containsCode(state.Tickets, trimmed) || containsCode(state.PublicTickets, trimmed) {
		return newServiceError(opAddTicket, reasonInvalidInput, fmt.Errorf("%w: %s", ErrDuplicateTicket, trimmed))
	}
	pool := state.Tickets
	if kind == tickets.KindPublic {
		pool = state.PublicTickets
	}
	pool = append(pool, trimmed)
	if err := s.store.Set(ctx, tickets.PoolPath(kind), pool); err != nil {
		s.logError(opAddTicket, reasonWriteFailed, err, zap.String("kind", string(kind)))
		return newServiceError(opAddTicket, reasonWriteFailed, err)
	}
	return nil
}

// RemoveTicket drops code from the pool of kind. Viewers holding it lose
// access on their next registry update.
func (s *Service) RemoveTicket(ctx context.Context, kind tickets.Kind, code string) error {
	trimmed := strings.TrimSpace(code)
	raw, err := s.store.Get(ctx, tickets.PoolPath(kind))
	if err != nil {
		s.logError(opRemoveTicket, reasonReadFailed, err)
		return newServiceError(opRemoveTicket, reasonReadFailed, err)
	}
	pool := tickets.DecodeCodes(raw, s.logger)
	remaining := make([]string, 0, len(pool))
	for _, existing := range pool {
		if existing != trimmed {
			remaining = append(remaining, existing)
		}
	}
	if len(remaining) == len(pool) {
		return newServiceError(opRemoveTicket, reasonInvalidInput, fmt.Errorf("%w: %s", ErrTicketNotFound, trimmed))
	}
	if err := s.store.Set(ctx, tickets.PoolPath(kind), remaining); err != nil {
		s.logError(opRemoveTicket, reasonWriteFailed, err, zap.String("kind", string(kind)))
		return newServiceError(opRemoveTicket, reasonWriteFailed, err)
	}
	return nil
}

// ToggleMember flips membership of memberID in the lineup and returns the
// new lineup.
func (s *Service) ToggleMember(ctx context.Context, memberID int) ([]int, error) {
	raw, err := s.store.Get(ctx, store.LineupPath)
	if err != nil {
		s.logError(opToggleMember, reasonReadFailed, err)
		return nil, newServiceError(opToggleMember, reasonReadFailed, err)
	}
	lineup := ToggleMember(DecodeLineup(raw), memberID)
	if err := s.store.Set(ctx, store.LineupPath, lineup); err != nil {
		s.logError(opToggleMember, reasonWriteFailed, err)
		return nil, newServiceError(opToggleMember, reasonWriteFailed, err)
	}
	return lineup, nil
}

// PostChat appends a message to the chat log.
func (s *Service) PostChat(ctx context.Context, user, text string) (ChatMessage, error) {
	message, err := newChatMessage(user, text)
	if err != nil {
		return ChatMessage{}, newServiceError(opPostChat, reasonInvalidInput, err)
	}
	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPostChat, reasonIDFailed, err)
		return ChatMessage{}, newServiceError(opPostChat, reasonIDFailed, err)
	}
	serverTime, err := s.store.ServerTime(ctx)
	if err != nil {
		s.logError(opPostChat, reasonClockFailed, err)
		return ChatMessage{}, newServiceError(opPostChat, reasonClockFailed, err)
	}
	message.ID = messageID
	message.Timestamp = serverTime.UnixMilli()
	if err := s.store.Set(ctx, store.ChatPath(messageID), message); err != nil {
		s.logError(opPostChat, reasonWriteFailed, err)
		return ChatMessage{}, newServiceError(opPostChat, reasonWriteFailed, err)
	}
	return message, nil
}

// RecentChats returns the newest messages, oldest first. Only the last
// historyLimit chat keys are read; ids sort in creation order.
func (s *Service) RecentChats(ctx context.Context) ([]ChatMessage, error) {
	children, err := s.store.ListLast(ctx, store.ChatsRoot, s.historyLimit)
	if err != nil {
		s.logError(opRecentChats, reasonReadFailed, err)
		return nil, newServiceError(opRecentChats, reasonReadFailed, err)
	}
	messages := make([]ChatMessage, 0, len(children))
	for key, raw := range children {
		message, ok := DecodeChatMessage(key, raw)
		if ok {
			messages = append(messages, message)
		}
	}
	SortChats(messages)
	if len(messages) > s.historyLimit {
		messages = messages[len(messages)-s.historyLimit:]
	}
	return messages, nil
}

// HistoryLimit is the number of messages RecentChats returns at most.
func (s *Service) HistoryLimit() int {
	return s.historyLimit
}

// CurrentOffset returns the playback offset for the configured show start.
// A missing or unparsable date yields zero.
func (s *Service) CurrentOffset(ctx context.Context) (int64, Settings, error) {
	raw, err := s.store.Get(ctx, store.SettingsPath)
	if err != nil {
		s.logError(opCurrentOffset, reasonReadFailed, err)
		return 0, Settings{}, newServiceError(opCurrentOffset, reasonReadFailed, err)
	}
	settings := DecodeSettings(raw)
	start, ok := settings.StartTime(s.location)
	if !ok {
		return 0, settings, nil
	}
	return ComputeOffset(start, s.clock()), settings, nil
}

// EventSnapshot is the public view of the show: settings, lineup, the
// countdown before start and the playback offset after it.
type EventSnapshot struct {
	Settings      Settings   `json:"settings"`
	Lineup        []int      `json:"lineup"`
	Countdown     *Countdown `json:"countdown,omitempty"`
	ShowStart     string     `json:"showStart,omitempty"`
	OffsetSeconds int64      `json:"offsetSeconds"`
	EmbedURL      string     `json:"embedUrl,omitempty"`
}

// Snapshot assembles the public event view at the current time.
func (s *Service) Snapshot(ctx context.Context) (EventSnapshot, error) {
	offset, settings, err := s.CurrentOffset(ctx)
	if err != nil {
		return EventSnapshot{}, newServiceError(opSnapshot, reasonReadFailed, err)
	}
	raw, err := s.store.Get(ctx, store.LineupPath)
	if err != nil {
		s.logError(opSnapshot, reasonReadFailed, err, zap.String("path", store.LineupPath))
		return EventSnapshot{}, newServiceError(opSnapshot, reasonReadFailed, err)
	}
	snapshot := EventSnapshot{
		Settings:      settings,
		Lineup:        DecodeLineup(raw),
		OffsetSeconds: offset,
	}
	if start, ok := settings.StartTime(s.location); ok {
		snapshot.ShowStart = start.UTC().Format(time.RFC3339)
		countdown := ComputeCountdown(start, s.clock())
		snapshot.Countdown = &countdown
	}
	if embed, ok := EmbedURL(settings.StreamURL, offset); ok {
		snapshot.EmbedURL = embed
	}
	return snapshot, nil
}

// DecodeChatMessage reads a stored chat message; key backfills a missing id.
func DecodeChatMessage(key string, raw json.RawMessage) (ChatMessage, bool) {
	var message ChatMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return ChatMessage{}, false
	}
	if strings.TrimSpace(message.Text) == "" {
		return ChatMessage{}, false
	}
	if message.ID == "" {
		message.ID = key
	}
	return message, true
}

// SortChats orders messages by timestamp, then id.
func SortChats(messages []ChatMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].ID < messages[j].ID
	})
}

func newChatMessage(user, text string) (ChatMessage, error) {
	trimmedText := strings.TrimSpace(text)
	if trimmedText == "" {
		return ChatMessage{}, fmt.Errorf("%w: empty", ErrInvalidChatText)
	}
	if utf8.RuneCountInString(trimmedText) > maxChatTextLength {
		return ChatMessage{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidChatText, maxChatTextLength)
	}
	trimmedUser := strings.TrimSpace(user)
	if trimmedUser == "" {
		trimmedUser = defaultDisplayName
	}
	if utf8.RuneCountInString(trimmedUser) > maxDisplayNameLength {
		return ChatMessage{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidDisplayName, maxDisplayNameLength)
	}
	return ChatMessage{User: trimmedUser, Text: trimmedText}, nil
}

func normalizeState(state State) (State, error) {
	exclusive, err := normalizeCodes(state.Tickets)
	if err != nil {
		return State{}, err
	}
	public, err := normalizeCodes(state.PublicTickets)
	if err != nil {
		return State{}, err
	}
	for _, code := range exclusive {
		if containsCode(public, code) {
			return State{}, fmt.Errorf("%w: %s", ErrTicketInBothPools, code)
		}
	}
	lineup := state.Lineup
	if lineup == nil {
		lineup = []int{}
	}
	return State{
		Settings: Settings{
			Title:     strings.TrimSpace(state.Settings.Title),
			Subtitle:  strings.TrimSpace(state.Settings.Subtitle),
			Date:      strings.TrimSpace(state.Settings.Date),
			StreamURL: strings.TrimSpace(state.Settings.StreamURL),
		},
		Lineup:        lineup,
		Tickets:       exclusive,
		PublicTickets: public,
	}, nil
}

func normalizeCodes(codes []string) ([]string, error) {
	normalized := make([]string, 0, len(codes))
	for _, code := range codes {
		trimmed := strings.TrimSpace(code)
		if err := store.ValidateKey(trimmed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTicketCode, err)
		}
		if containsCode(normalized, trimmed) {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	return normalized, nil
}

func containsCode(codes []string, code string) bool {
	for _, existing := range codes {
		if existing == code {
			return true
		}
	}
	return false
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := s.logger
	if logger == nil {
		logger = noOpLogger
	}
	logger.Error("show service error", attrs...)
}
