package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config stores every tunable the monitor, queue, ingest client, and pipeline
// consume. Values come from LIVEBOT_* environment variables with flag
// overrides applied by the command entry point.
type Config struct {
	// Discovery
	PollInterval     time.Duration
	ProbeConcurrency int64
	ProbeChunkSize   int
	ChunkPause       time.Duration
	ProbeTimeout     time.Duration

	// Metadata resolution
	MetadataTimeout time.Duration
	MetadataRate    float64
	MetadataBurst   int

	// Persistence
	StoreDir     string
	ChannelsFile string

	// Ingest control API
	IngestAPIBase  string
	IngestUsername string
	IngestPassword string
	CredentialDir  string
	LoginTimeout   time.Duration
	StatusTimeout  time.Duration
	BusyWait       time.Duration

	// Pipeline
	RTMPPath      string
	MaxRetries    int
	ShutdownGrace time.Duration
	ExtractorBin  string
	RemuxerBin    string
	ProbeBin      string

	// Operational status endpoint; empty disables serving.
	StatusAddr string

	// Logging
	LogLevel  string
	LogFormat string
}

// FromEnv initialises a Config from environment variables, applying defaults
// for anything unset.
func FromEnv() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".livebot")

	cfg := Config{
		PollInterval:     5 * time.Minute,
		ProbeConcurrency: 5,
		ProbeChunkSize:   3,
		ChunkPause:       500 * time.Millisecond,
		ProbeTimeout:     30 * time.Second,
		MetadataTimeout:  30 * time.Second,
		MetadataRate:     1,
		MetadataBurst:    2,
		StoreDir:         filepath.Join(base, "db"),
		ChannelsFile:     filepath.Join(base, "channels.json"),
		IngestAPIBase:    "http://127.0.0.1:8787",
		IngestUsername:   "admin",
		IngestPassword:   "admin",
		CredentialDir:    filepath.Join(base, "tokens"),
		LoginTimeout:     10 * time.Second,
		StatusTimeout:    10 * time.Second,
		BusyWait:         30 * time.Second,
		RTMPPath:         "/live/test",
		MaxRetries:       3,
		ShutdownGrace:    5 * time.Second,
		ExtractorBin:     "streamlink",
		RemuxerBin:       "ffmpeg",
		ProbeBin:         "yt-dlp",
		LogLevel:         "info",
		LogFormat:        "json",
	}

	if v := strings.TrimSpace(os.Getenv("LIVEBOT_STORE_DIR")); v != "" {
		cfg.StoreDir = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_CHANNELS_FILE")); v != "" {
		cfg.ChannelsFile = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_CREDENTIAL_DIR")); v != "" {
		cfg.CredentialDir = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_INGEST_API")); v != "" {
		cfg.IngestAPIBase = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_INGEST_USERNAME")); v != "" {
		cfg.IngestUsername = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_INGEST_PASSWORD")); v != "" {
		cfg.IngestPassword = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_RTMP_PATH")); v != "" {
		cfg.RTMPPath = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_EXTRACTOR_BIN")); v != "" {
		cfg.ExtractorBin = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_REMUXER_BIN")); v != "" {
		cfg.RemuxerBin = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_PROBE_BIN")); v != "" {
		cfg.ProbeBin = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_STATUS_ADDR")); v != "" {
		cfg.StatusAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_LOG_FORMAT")); v != "" {
		cfg.LogFormat = v
	}

	durations := []struct {
		env    string
		target *time.Duration
	}{
		{"LIVEBOT_POLL_INTERVAL", &cfg.PollInterval},
		{"LIVEBOT_PROBE_CHUNK_PAUSE", &cfg.ChunkPause},
		{"LIVEBOT_PROBE_TIMEOUT", &cfg.ProbeTimeout},
		{"LIVEBOT_METADATA_TIMEOUT", &cfg.MetadataTimeout},
		{"LIVEBOT_LOGIN_TIMEOUT", &cfg.LoginTimeout},
		{"LIVEBOT_STATUS_TIMEOUT", &cfg.StatusTimeout},
		{"LIVEBOT_BUSY_WAIT", &cfg.BusyWait},
		{"LIVEBOT_SHUTDOWN_GRACE", &cfg.ShutdownGrace},
	}
	for _, d := range durations {
		if v := strings.TrimSpace(os.Getenv(d.env)); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", d.env, err)
			}
			*d.target = parsed
		}
	}

	ints := []struct {
		env    string
		target *int
	}{
		{"LIVEBOT_PROBE_CHUNK_SIZE", &cfg.ProbeChunkSize},
		{"LIVEBOT_MAX_RETRIES", &cfg.MaxRetries},
		{"LIVEBOT_METADATA_BURST", &cfg.MetadataBurst},
	}
	for _, i := range ints {
		if v := strings.TrimSpace(os.Getenv(i.env)); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", i.env, err)
			}
			*i.target = parsed
		}
	}

	if v := strings.TrimSpace(os.Getenv("LIVEBOT_PROBE_CONCURRENCY")); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse LIVEBOT_PROBE_CONCURRENCY: %w", err)
		}
		cfg.ProbeConcurrency = parsed
	}
	if v := strings.TrimSpace(os.Getenv("LIVEBOT_METADATA_RATE")); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse LIVEBOT_METADATA_RATE: %w", err)
		}
		cfg.MetadataRate = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that would wedge the tick loop or the queue before
// any of them start.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.ProbeConcurrency <= 0 {
		return fmt.Errorf("probe concurrency must be positive, got %d", c.ProbeConcurrency)
	}
	if c.ProbeChunkSize <= 0 {
		return fmt.Errorf("probe chunk size must be positive, got %d", c.ProbeChunkSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.BusyWait <= 0 {
		return fmt.Errorf("busy wait must be positive, got %s", c.BusyWait)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown grace must be positive, got %s", c.ShutdownGrace)
	}
	if c.MetadataRate <= 0 {
		return fmt.Errorf("metadata rate must be positive, got %f", c.MetadataRate)
	}
	if strings.TrimSpace(c.StoreDir) == "" {
		return fmt.Errorf("store directory is required")
	}
	if strings.TrimSpace(c.CredentialDir) == "" {
		return fmt.Errorf("credential directory is required")
	}
	if strings.TrimSpace(c.IngestAPIBase) == "" {
		return fmt.Errorf("ingest API base URL is required")
	}
	if !strings.HasPrefix(c.RTMPPath, "/") {
		return fmt.Errorf("rtmp path must begin with '/', got %q", c.RTMPPath)
	}
	return nil
}
