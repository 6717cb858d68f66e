// Package channels loads the JSON channel configuration consumed by the
// monitor: a stable integer key plus the list of channel URLs that alias it.
package channels

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// Channel pairs a stable channel key with the URLs discovery unions across.
type Channel struct {
	ID   int      `json:"id"`
	URLs []string `json:"urls"`
}

type channelsFile struct {
	Channels []json.RawMessage `json:"channels"`
}

type channelEntry struct {
	ID   int             `json:"id"`
	URLs json.RawMessage `json:"urls"`
}

// Load reads the configuration file once and returns the declared channels.
// Entries whose "urls" field is not a list are skipped with a warning, per
// the file contract. A missing or malformed file is an error; startup treats
// it as fatal.
func Load(path string, logger *slog.Logger) ([]Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}

	var file channelsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse channels file %s: %w", path, err)
	}

	out := make([]Channel, 0, len(file.Channels))
	for i, entry := range file.Channels {
		var parsed channelEntry
		if err := json.Unmarshal(entry, &parsed); err != nil {
			logger.Warn("skipping malformed channel entry", "index", i, "error", err)
			continue
		}
		var urls []string
		if err := json.Unmarshal(parsed.URLs, &urls); err != nil {
			logger.Warn("skipping channel with non-list urls", "index", i, "channel_id", parsed.ID)
			continue
		}
		out = append(out, Channel{ID: parsed.ID, URLs: urls})
	}
	return out, nil
}

// Find returns the channel with the given ID, or false when it is not
// configured.
func Find(list []Channel, id int) (Channel, bool) {
	for _, ch := range list {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}
