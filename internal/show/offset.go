package show

import (
	"net/url"
	"regexp"
	"strconv"
	"time"
)

const (
	youtubeIDLength  = 11
	youtubeEmbedBase = "https://www.youtube.com/embed/"
)

var youtubeIDPattern = regexp.MustCompile(`^.*(youtu\.be/|v/|u/\w/|embed/|watch\?v=|&v=|live/)([^#&?]*).*`)

// ComputeOffset returns the whole seconds elapsed since showStart, never
// negative. Seeking an embedded player to this position only approximates
// the live point: the player's own buffering and the skew between this
// clock and whoever set showStart both show up as error.
func ComputeOffset(showStart, now time.Time) int64 {
	if !now.After(showStart) {
		return 0
	}
	return int64(now.Sub(showStart) / time.Second)
}

// VideoID extracts an 11 character YouTube video id from the common URL
// shapes (watch, youtu.be, embed, live).
func VideoID(streamURL string) (string, bool) {
	match := youtubeIDPattern.FindStringSubmatch(streamURL)
	if len(match) < 3 || len(match[2]) != youtubeIDLength {
		return "", false
	}
	return match[2], true
}

// EmbedURL builds an autoplaying embed URL seeded to offsetSeconds. URLs that
// are not recognised as YouTube are returned unchanged with false.
func EmbedURL(streamURL string, offsetSeconds int64) (string, bool) {
	videoID, ok := VideoID(streamURL)
	if !ok {
		return streamURL, false
	}
	if offsetSeconds < 0 {
		offsetSeconds = 0
	}
	query := url.Values{}
	query.Set("autoplay", "1")
	query.Set("start", strconv.FormatInt(offsetSeconds, 10))
	return youtubeEmbedBase + videoID + "?" + query.Encode(), true
}
