// Package metadata resolves per-video metadata and classifies the video's
// broadcast lifecycle. Classification is a pure function over a narrow
// projection of the upstream record; the resolver is the only part that
// touches the network.
package metadata

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// State is a video's position in the broadcast lifecycle.
type State string

const (
	StateLive              State = "live"
	StateUpcomingLaunched  State = "upcoming_launched"
	StateUpcomingScheduled State = "upcoming_scheduled"
	StateUpcomingPreLaunch State = "upcoming_pre_launch"
	StateLiveVOD           State = "live_vod"
	StateVOD               State = "vod"
)

// Format is one downloadable representation of a video. Only the source URLs
// matter here; the broadcast markers live in them.
type Format struct {
	URL         string `json:"url"`
	ManifestURL string `json:"manifest_url"`
}

// Record projects the upstream metadata onto the fields classification needs.
// Every field may be absent upstream; the zero value is the safe default.
type Record struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	IsLive     bool         `json:"is_live"`
	WasLive    bool         `json:"was_live"`
	LiveStatus string       `json:"live_status"`
	ReleaseTS  EpochSeconds `json:"release_timestamp"`
	Duration   *float64     `json:"duration"`
	Formats    []Format     `json:"formats"`
}

// EpochSeconds decodes the upstream release timestamp defensively: a number,
// a numeric string, the literal string "null", or JSON null all parse, with
// everything absent collapsing to 0.
type EpochSeconds int64

func (e *EpochSeconds) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*e = 0
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			*e = 0
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" || s == "null" {
			*e = 0
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*e = 0
			return nil
		}
		*e = EpochSeconds(parsed)
		return nil
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		*e = 0
		return nil
	}
	*e = EpochSeconds(f)
	return nil
}

// WatchURL builds the canonical watch page URL for a video ID.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func (r Record) hasSource(marker string) bool {
	for _, f := range r.Formats {
		if strings.Contains(f.URL, marker) || strings.Contains(f.ManifestURL, marker) {
			return true
		}
	}
	return false
}

// Classify maps a metadata record to its broadcast state. Rules are ordered;
// the first match wins and anything unmatched is an ordinary VOD. now is the
// current epoch in seconds.
func Classify(rec Record, now int64) State {
	release := int64(rec.ReleaseTS)

	switch {
	case rec.hasSource("yt_live_broadcast") &&
		rec.IsLive &&
		rec.LiveStatus == "is_live" &&
		!rec.WasLive &&
		rec.Duration == nil:
		return StateLive

	case rec.hasSource("yt_premiere_broadcast") &&
		rec.LiveStatus == "is_live" &&
		release > 0 &&
		!rec.WasLive &&
		rec.Duration != nil:
		return StateUpcomingLaunched

	case rec.LiveStatus == "is_upcoming" &&
		release >= now &&
		!rec.WasLive &&
		len(rec.Formats) == 0:
		return StateUpcomingScheduled

	case (rec.LiveStatus == "post_live" || rec.LiveStatus == "was_live") &&
		release > 0:
		return StateLiveVOD

	case rec.LiveStatus == "not_live" &&
		!rec.WasLive &&
		release > 0:
		return StateVOD

	default:
		return StateVOD
	}
}
