package show

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/watchparty/internal/store"
	"github.com/MarcoPoloResearchLab/watchparty/internal/tickets"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("msg-%03d", p.next), nil
}

// blockingStore holds every Set until release is closed.
type blockingStore struct {
	store.Store
	release chan struct{}
}

func (b *blockingStore) Set(ctx context.Context, path string, value any) error {
	<-b.release
	return b.Store.Set(ctx, path, value)
}

// countingStore records how chat history is read.
type countingStore struct {
	store.Store
	mu        sync.Mutex
	fullReads int
	limits    []int
}

func (c *countingStore) List(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	c.mu.Lock()
	c.fullReads++
	c.mu.Unlock()
	return c.Store.List(ctx, prefix)
}

func (c *countingStore) ListLast(ctx context.Context, prefix string, limit int) (map[string]json.RawMessage, error) {
	c.mu.Lock()
	c.limits = append(c.limits, limit)
	c.mu.Unlock()
	return c.Store.ListLast(ctx, prefix, limit)
}

func newTestService(t *testing.T, source store.Store, now time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Store:        source,
		Clock:        func() time.Time { return now },
		IDProvider:   &sequenceIDProvider{},
		SaveTimeout:  50 * time.Millisecond,
		HistoryLimit: 3,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func newTestMemory(t *testing.T, now time.Time) *store.Memory {
	t.Helper()
	memory, err := store.NewMemory(context.Background(), store.MemoryConfig{Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("failed to create memory store: %v", err)
	}
	return memory
}

func serviceCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()}); serviceCode(err) != "show.service.new.missing_store" {
		t.Fatalf("expected missing store error, got %v", err)
	}
	memory := newTestMemory(t, time.Now())
	if _, err := NewService(ServiceConfig{Store: memory}); serviceCode(err) != "show.service.new.missing_id_provider" {
		t.Fatalf("expected missing id provider error, got %v", err)
	}
}

func TestSaveAndLoadState(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, newTestMemory(t, now), now)

	state := State{
		Settings:      Settings{Title: " Theater ", Date: "2026-03-01T19:00:00+07:00"},
		Lineup:        []int{4, 8},
		Tickets:       []string{" X1 ", "X2", "X1"},
		PublicTickets: []string{"OPEN"},
	}
	if err := service.SaveState(ctx, state); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := service.LoadState(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Settings.Title != "Theater" {
		t.Fatalf("expected trimmed title, got %q", loaded.Settings.Title)
	}
	if !reflect.DeepEqual(loaded.Tickets, []string{"X1", "X2"}) {
		t.Fatalf("expected deduplicated tickets, got %v", loaded.Tickets)
	}
	if !reflect.DeepEqual(loaded.Lineup, []int{4, 8}) || !reflect.DeepEqual(loaded.PublicTickets, []string{"OPEN"}) {
		t.Fatalf("unexpected state %+v", loaded)
	}
}

func TestLoadStateDefaultsAbsentNodes(t *testing.T) {
	now := time.Now()
	service := newTestService(t, newTestMemory(t, now), now)
	loaded, err := service.LoadState(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Settings != (Settings{}) || len(loaded.Lineup) != 0 || len(loaded.Tickets) != 0 || len(loaded.PublicTickets) != 0 {
		t.Fatalf("expected neutral state, got %+v", loaded)
	}
}

func TestSaveStateRejectsInvalidPools(t *testing.T) {
	now := time.Now()
	service := newTestService(t, newTestMemory(t, now), now)
	testCases := []struct {
		name    string
		state   State
		wantErr error
	}{
		{name: "both-pools", state: State{Tickets: []string{"X1"}, PublicTickets: []string{"X1"}}, wantErr: ErrTicketInBothPools},
		{name: "reserved-character", state: State{Tickets: []string{"a.b"}}, wantErr: ErrInvalidTicketCode},
		{name: "blank-code", state: State{PublicTickets: []string{" "}}, wantErr: ErrInvalidTicketCode},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := service.SaveState(context.Background(), testCase.state)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if serviceCode(err) != "show.save_state.invalid_input" {
				t.Fatalf("unexpected code %q", serviceCode(err))
			}
		})
	}
}

// poolWatcher validates codes against the stored pools after every pool write.
type poolWatcher struct {
	store.Store
	codes   []string
	invalid []string
}

func (w *poolWatcher) Set(ctx context.Context, path string, value any) error {
	if err := w.Store.Set(ctx, path, value); err != nil {
		return err
	}
	if path != store.TicketsPath && path != store.PublicTicketsPath {
		return nil
	}
	registry := tickets.NewRegistry(nil)
	if err := registry.Load(ctx, w.Store); err != nil {
		return err
	}
	for _, code := range w.codes {
		validation, err := registry.Validate(code)
		if err != nil || !validation.Valid {
			w.invalid = append(w.invalid, fmt.Sprintf("%s after %s", code, path))
		}
	}
	return nil
}

func TestSaveStateKeepsMovedTicketsValid(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	memory := newTestMemory(t, now)
	service := newTestService(t, memory, now)
	if err := service.SaveState(ctx, State{Tickets: []string{"TO-PUBLIC"}, PublicTickets: []string{"TO-EXCLUSIVE"}}); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}

	watcher := &poolWatcher{Store: memory, codes: []string{"TO-PUBLIC", "TO-EXCLUSIVE"}}
	service = newTestService(t, watcher, now)
	if err := service.SaveState(ctx, State{Tickets: []string{"TO-EXCLUSIVE"}, PublicTickets: []string{"TO-PUBLIC"}}); err != nil {
		t.Fatalf("move save failed: %v", err)
	}
	if len(watcher.invalid) != 0 {
		t.Fatalf("expected moved codes to stay valid, lost %v", watcher.invalid)
	}

	state, err := service.LoadState(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !reflect.DeepEqual(state.Tickets, []string{"TO-EXCLUSIVE"}) || !reflect.DeepEqual(state.PublicTickets, []string{"TO-PUBLIC"}) {
		t.Fatalf("unexpected pools after move %+v / %+v", state.Tickets, state.PublicTickets)
	}
}

func TestSaveStateReportsTimeout(t *testing.T) {
	now := time.Now()
	memory := newTestMemory(t, now)
	blocking := &blockingStore{Store: memory, release: make(chan struct{})}
	service := newTestService(t, blocking, now)

	err := service.SaveState(context.Background(), State{Settings: Settings{Title: "Late"}})
	if !errors.Is(err, ErrSaveTimeout) {
		t.Fatalf("expected ErrSaveTimeout, got %v", err)
	}
	if serviceCode(err) != "show.save_state.save_timeout" {
		t.Fatalf("unexpected code %q", serviceCode(err))
	}

	close(blocking.release)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		raw, _ := memory.Get(context.Background(), store.PublicTicketsPath)
		if raw != nil {
			settings, _ := memory.Get(context.Background(), store.SettingsPath)
			if DecodeSettings(settings).Title != "Late" {
				t.Fatalf("expected late write to land, got %s", settings)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the save to complete after the timeout was reported")
}

func TestAddAndRemoveTickets(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	memory := newTestMemory(t, now)
	service := newTestService(t, memory, now)

	if err := service.AddTicket(ctx, tickets.KindExclusive, "X1"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := service.AddTicket(ctx, tickets.KindPublic, "X1"); !errors.Is(err, ErrDuplicateTicket) {
		t.Fatalf("expected ErrDuplicateTicket across pools, got %v", err)
	}
	if err := service.AddTicket(ctx, tickets.KindPublic, "OPEN"); err != nil {
		t.Fatalf("add public failed: %v", err)
	}
	if err := service.AddTicket(ctx, tickets.KindPublic, "bad$code"); !errors.Is(err, ErrInvalidTicketCode) {
		t.Fatalf("expected ErrInvalidTicketCode, got %v", err)
	}

	if err := service.RemoveTicket(ctx, tickets.KindExclusive, "X1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := service.RemoveTicket(ctx, tickets.KindExclusive, "X1"); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}

	state, err := service.LoadState(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(state.Tickets) != 0 || !reflect.DeepEqual(state.PublicTickets, []string{"OPEN"}) {
		t.Fatalf("unexpected pools %+v", state)
	}
}

func TestToggleMemberPersists(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	service := newTestService(t, newTestMemory(t, now), now)
	if _, err := service.ToggleMember(ctx, 5); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	lineup, err := service.ToggleMember(ctx, 7)
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if !reflect.DeepEqual(lineup, []int{5, 7}) {
		t.Fatalf("unexpected lineup %v", lineup)
	}
	lineup, _ = service.ToggleMember(ctx, 5)
	if !reflect.DeepEqual(lineup, []int{7}) {
		t.Fatalf("expected 5 removed, got %v", lineup)
	}
}

func TestPostChatAndRecentChats(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, newTestMemory(t, now), now)

	for index := 0; index < 5; index++ {
		message, err := service.PostChat(ctx, "", fmt.Sprintf(" message %d ", index))
		if err != nil {
			t.Fatalf("post failed: %v", err)
		}
		if message.User != defaultDisplayName || message.Timestamp != now.UnixMilli() {
			t.Fatalf("unexpected message %+v", message)
		}
	}
	if _, err := service.PostChat(ctx, "Ayu", "   "); !errors.Is(err, ErrInvalidChatText) {
		t.Fatalf("expected ErrInvalidChatText, got %v", err)
	}

	recent, err := service.RecentChats(ctx)
	if err != nil {
		t.Fatalf("recent chats failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected history limit of 3, got %d", len(recent))
	}
	if recent[0].Text != "message 2" || recent[2].Text != "message 4" {
		t.Fatalf("expected the newest messages oldest first, got %+v", recent)
	}
}

func TestRecentChatsReadsOnlyHistoryWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	counting := &countingStore{Store: newTestMemory(t, now)}
	service := newTestService(t, counting, now)

	for index := 0; index < 40; index++ {
		if _, err := service.PostChat(ctx, "Ayu", fmt.Sprintf("message %d", index)); err != nil {
			t.Fatalf("post failed: %v", err)
		}
	}
	recent, err := service.RecentChats(ctx)
	if err != nil {
		t.Fatalf("recent chats failed: %v", err)
	}
	if len(recent) != 3 || recent[0].ID != "msg-038" || recent[2].ID != "msg-040" {
		t.Fatalf("expected the last three messages, got %+v", recent)
	}
	counting.mu.Lock()
	defer counting.mu.Unlock()
	if counting.fullReads != 0 {
		t.Fatalf("expected no full chat listing, got %d", counting.fullReads)
	}
	if !reflect.DeepEqual(counting.limits, []int{3}) {
		t.Fatalf("expected one bounded read of 3, got %v", counting.limits)
	}
}

func TestCurrentOffset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 2, 5, 0, time.UTC)
	memory := newTestMemory(t, now)
	service := newTestService(t, memory, now)

	offset, _, err := service.CurrentOffset(ctx)
	if err != nil || offset != 0 {
		t.Fatalf("expected zero offset without settings, got %d %v", offset, err)
	}
	if err := memory.Set(ctx, store.SettingsPath, Settings{Date: "2026-03-01T12:00:00Z"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	offset, settings, err := service.CurrentOffset(ctx)
	if err != nil {
		t.Fatalf("offset failed: %v", err)
	}
	if offset != 125 || settings.Date != "2026-03-01T12:00:00Z" {
		t.Fatalf("expected 125s offset, got %d (%+v)", offset, settings)
	}
}

func TestSnapshotBeforeAndAfterStart(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	memory := newTestMemory(t, start)
	if err := memory.Set(ctx, store.SettingsPath, Settings{Title: "Theater", Date: "2026-03-01T12:00:00Z", StreamURL: "https://youtu.be/dQw4w9WgXcQ"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := memory.Set(ctx, store.LineupPath, []int{2, 4}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	before, err := newTestService(t, memory, start.Add(-90*time.Second)).Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if before.Countdown == nil || before.Countdown.Minutes != 1 || before.Countdown.Seconds != 30 || before.OffsetSeconds != 0 {
		t.Fatalf("unexpected pre-show snapshot %+v", before)
	}

	after, err := newTestService(t, memory, start.Add(125*time.Second)).Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if after.Countdown == nil || !after.Countdown.Started || after.OffsetSeconds != 125 {
		t.Fatalf("unexpected live snapshot %+v", after)
	}
	if after.EmbedURL != "https://www.youtube.com/embed/dQw4w9WgXcQ?autoplay=1&start=125" {
		t.Fatalf("unexpected embed url %s", after.EmbedURL)
	}
	if !reflect.DeepEqual(after.Lineup, []int{2, 4}) {
		t.Fatalf("unexpected lineup %v", after.Lineup)
	}
}
