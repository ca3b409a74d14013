package show

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"
)

var (
	// ErrInvalidChatText indicates an empty or oversized chat message.
	ErrInvalidChatText = errors.New("show: invalid chat text")
	// ErrInvalidDisplayName indicates an oversized display name.
	ErrInvalidDisplayName = errors.New("show: invalid display name")
	// ErrInvalidTicketCode indicates a ticket code that cannot be stored.
	ErrInvalidTicketCode = errors.New("show: invalid ticket code")
	// ErrDuplicateTicket indicates a code that already exists in a pool.
	ErrDuplicateTicket = errors.New("show: duplicate ticket code")
	// ErrTicketInBothPools indicates a code listed as exclusive and public.
	ErrTicketInBothPools = errors.New("show: ticket code in both pools")
	// ErrTicketNotFound indicates removal of an absent code.
	ErrTicketNotFound = errors.New("show: ticket code not found")
	// ErrSaveTimeout indicates a save that did not complete in time.
	ErrSaveTimeout = errors.New("show: save timed out")
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Settings is the show settings singleton.
type Settings struct {
	Title     string `json:"title"`
	Subtitle  string `json:"subtitle"`
	Date      string `json:"date"`
	StreamURL string `json:"streamUrl"`
}

// StartTime parses Date. Dates without a zone are read in location.
func (s Settings) StartTime(location *time.Location) (time.Time, bool) {
	raw := strings.TrimSpace(s.Date)
	if raw == "" {
		return time.Time{}, false
	}
	if location == nil {
		location = time.UTC
	}
	for _, layout := range dateLayouts {
		parsed, err := time.ParseInLocation(layout, raw, location)
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// DecodeSettings reads settings field by field so a malformed node still
// renders. Non-string fields are dropped.
func DecodeSettings(raw json.RawMessage) Settings {
	var fields map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil {
		return Settings{}
	}
	text := func(key string) string {
		value, _ := fields[key].(string)
		return value
	}
	return Settings{
		Title:     text("title"),
		Subtitle:  text("subtitle"),
		Date:      text("date"),
		StreamURL: text("streamUrl"),
	}
}

// DecodeLineup reads an ordered list of member identifiers. Non-array data
// yields an empty lineup; non-integral entries are skipped.
func DecodeLineup(raw json.RawMessage) []int {
	var values []any
	if len(raw) == 0 || json.Unmarshal(raw, &values) != nil {
		return []int{}
	}
	lineup := make([]int, 0, len(values))
	for _, value := range values {
		number, ok := value.(float64)
		if !ok || number != math.Trunc(number) {
			continue
		}
		lineup = append(lineup, int(number))
	}
	return lineup
}

// ToggleMember adds memberID to the lineup or removes it when present.
func ToggleMember(lineup []int, memberID int) []int {
	toggled := make([]int, 0, len(lineup)+1)
	removed := false
	for _, id := range lineup {
		if id == memberID {
			removed = true
			continue
		}
		toggled = append(toggled, id)
	}
	if !removed {
		toggled = append(toggled, memberID)
	}
	return toggled
}

// Countdown is the time left until the show starts.
type Countdown struct {
	Days    int64 `json:"days"`
	Hours   int64 `json:"hours"`
	Minutes int64 `json:"minutes"`
	Seconds int64 `json:"seconds"`
	Started bool  `json:"started"`
}

// ComputeCountdown splits the remaining time into days, hours, minutes and
// seconds. Once start has passed only Started is set.
func ComputeCountdown(start, now time.Time) Countdown {
	remaining := start.Sub(now)
	if remaining <= 0 {
		return Countdown{Started: true}
	}
	totalSeconds := int64(remaining / time.Second)
	return Countdown{
		Days:    totalSeconds / 86400,
		Hours:   (totalSeconds / 3600) % 24,
		Minutes: (totalSeconds / 60) % 60,
		Seconds: totalSeconds % 60,
	}
}

// ChatMessage is one entry of the chat log.
type ChatMessage struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// State is everything the admin console edits.
type State struct {
	Settings      Settings `json:"settings"`
	Lineup        []int    `json:"lineup"`
	Tickets       []string `json:"tickets"`
	PublicTickets []string `json:"publicTickets"`
}
