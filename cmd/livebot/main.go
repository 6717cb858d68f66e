// Command livebot monitors video channels for new live broadcasts and drives
// each capture through the streamlink → ffmpeg ingest pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"livebot/internal/channels"
	"livebot/internal/config"
	"livebot/internal/discovery"
	"livebot/internal/ingestapi"
	"livebot/internal/metadata"
	"livebot/internal/monitor"
	"livebot/internal/observability/logging"
	"livebot/internal/observability/metrics"
	"livebot/internal/pipeline"
	"livebot/internal/queue"
	"livebot/internal/server"
	"livebot/internal/serverutil"
	"livebot/internal/store"
)

type cliOptions struct {
	channelID      int
	channelName    string
	manualChannels string
	executeURL     string
	list           string
	debug          bool
	rtmpDetails    string
	statusAddr     string
	logLevel       string
	logFormat      string
	storeDir       string
	channelsFile   string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	var opts cliOptions
	flags := flag.NewFlagSet("livebot", flag.ContinueOnError)
	flags.SetOutput(out)
	flags.IntVar(&opts.channelID, "channel-id", 0, "monitor the configured channel with this ID")
	flags.StringVar(&opts.channelName, "channel-name", "", "label used in log lines for this channel")
	flags.StringVar(&opts.manualChannels, "manual-channels", "", "comma or space separated channel URLs to monitor without persistence")
	flags.StringVar(&opts.executeURL, "execute-url", "", "run the capture pipeline once for this URL and exit")
	flags.StringVar(&opts.list, "list", "", "dump stored video IDs: 'all' or a channel ID")
	flags.BoolVar(&opts.debug, "debug", false, "force debug logging")
	flags.StringVar(&opts.rtmpDetails, "rtmp-details", "", "RTMP sink path, e.g. /live/test")
	flags.StringVar(&opts.statusAddr, "status-addr", "", "bind address for the operational status endpoint")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: json or text")
	flags.StringVar(&opts.storeDir, "store-dir", "", "directory holding per-channel stores")
	flags.StringVar(&opts.channelsFile, "channels-file", "", "path to the channel configuration file")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(out, "configuration error: %v\n", err)
		return 1
	}
	applyOverrides(&cfg, opts)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "configuration error: %v\n", err)
		return 1
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	switch {
	case opts.list != "":
		return runList(opts.list, cfg, out)
	case opts.executeURL != "":
		return runExecute(opts.executeURL, cfg, logger)
	case opts.manualChannels != "":
		return runMonitor(cfg, opts, nil, logger)
	case opts.channelID > 0:
		list, err := channels.Load(cfg.ChannelsFile, logger)
		if err != nil {
			logger.Error("channel configuration unavailable", "error", err)
			return 1
		}
		ch, ok := channels.Find(list, opts.channelID)
		if !ok {
			logger.Error("channel not configured", "channel_id", opts.channelID)
			return 1
		}
		return runMonitor(cfg, opts, ch.URLs, logger)
	default:
		fmt.Fprintln(out, "one of --channel-id, --manual-channels, --execute-url, or --list is required")
		flags.Usage()
		return 2
	}
}

func applyOverrides(cfg *config.Config, opts cliOptions) {
	if opts.storeDir != "" {
		cfg.StoreDir = opts.storeDir
	}
	if opts.channelsFile != "" {
		cfg.ChannelsFile = opts.channelsFile
	}
	if opts.statusAddr != "" {
		cfg.StatusAddr = opts.statusAddr
	}
	if opts.rtmpDetails != "" {
		cfg.RTMPPath = opts.rtmpDetails
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	if opts.debug {
		cfg.LogLevel = "debug"
	}
}

// runMonitor wires the full service for one channel. urls == nil means the
// configured channel's URLs were already resolved; manual mode passes its own
// and binds an in-memory store.
func runMonitor(cfg config.Config, opts cliOptions, urls []string, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manual := opts.manualChannels != ""
	if manual {
		urls = splitURLList(opts.manualChannels)
	}
	valid := discovery.ValidateURLs(urls, logger)
	if len(valid) == 0 {
		logger.Error("no valid channel URLs to monitor")
		return 1
	}
	if opts.channelName != "" {
		logger = logger.With("channel", opts.channelName)
	}

	recorder := metrics.Default()

	var st store.Store
	if manual {
		st = store.NewMemoryStore()
	} else {
		sqliteStore, err := store.OpenSQLite(cfg.StoreDir, opts.channelID)
		if err != nil {
			logger.Error("store unavailable", "error", err)
			return 1
		}
		st = sqliteStore
	}
	defer st.Close()

	prober := discovery.NewCommandProber(cfg.ProbeBin, cfg.ProbeTimeout,
		logging.WithComponent(logger, "discovery"), recorder)
	scheduler := discovery.NewScheduler(prober, cfg.ProbeChunkSize, cfg.ProbeConcurrency,
		cfg.ChunkPause, logging.WithComponent(logger, "discovery"))
	resolver := metadata.NewCommandResolver(cfg.ProbeBin, cfg.MetadataTimeout,
		cfg.MetadataRate, cfg.MetadataBurst, logging.WithComponent(logger, "metadata"))
	statusClient := ingestapi.New(ingestapi.Options{
		BaseURL:       cfg.IngestAPIBase,
		Username:      cfg.IngestUsername,
		Password:      cfg.IngestPassword,
		ChannelID:     opts.channelID,
		CredentialDir: cfg.CredentialDir,
		LoginTimeout:  cfg.LoginTimeout,
		StatusTimeout: cfg.StatusTimeout,
		Logger:        logging.WithComponent(logger, "ingestapi"),
		Metrics:       recorder,
	})
	supervisor := pipeline.NewSupervisor(cfg.ExtractorBin, cfg.RemuxerBin,
		cfg.MaxRetries, cfg.ShutdownGrace,
		logging.WithComponent(logger, "pipeline"), recorder)
	captureQueue := queue.New(statusClient, supervisor, cfg.BusyWait,
		logging.WithComponent(logger, "queue"), recorder)

	svc, err := monitor.New(ctx, monitor.Options{
		ChannelID:    opts.channelID,
		ChannelName:  opts.channelName,
		URLs:         valid,
		PollInterval: cfg.PollInterval,
		RTMPPath:     cfg.RTMPPath,
		Discoverer:   scheduler,
		Resolver:     resolver,
		Store:        st,
		Queue:        captureQueue,
		Logger:       logging.WithComponent(logger, "monitor"),
		Metrics:      recorder,
	})
	if err != nil {
		logger.Error("monitor setup failed", "error", err)
		return 1
	}

	serverErr := make(chan error, 1)
	if cfg.StatusAddr != "" {
		handler := server.NewHandler(server.Options{
			ChannelID:   opts.channelID,
			ChannelName: opts.channelName,
			Queue:       captureQueue,
			Store:       st,
			Logger:      logging.WithComponent(logger, "server"),
			Metrics:     recorder,
		})
		httpServer := &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			serverErr <- serverutil.Run(ctx, serverutil.Config{Server: httpServer})
		}()
		logger.Info("status endpoint listening", "addr", cfg.StatusAddr)
	}

	err = svc.Run(ctx)
	// Let the in-flight capture terminate before closing the store.
	captureQueue.Wait()

	if cfg.StatusAddr != "" {
		if srvErr := <-serverErr; srvErr != nil {
			logger.Error("status endpoint error", "error", srvErr)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("monitor exited", "error", err)
		return 1
	}
	return 0
}

// runExecute performs a one-shot capture of the given URL.
func runExecute(videoURL string, cfg config.Config, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor := pipeline.NewSupervisor(cfg.ExtractorBin, cfg.RemuxerBin,
		cfg.MaxRetries, cfg.ShutdownGrace,
		logging.WithComponent(logger, "pipeline"), metrics.Default())
	res, err := supervisor.Run(ctx, pipeline.Job{VideoURL: videoURL, RTMPPath: cfg.RTMPPath})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		logger.Error("capture failed",
			"attempts", res.Attempts,
			"extractor_exit", res.ExtractorExit,
			"remuxer_exit", res.RemuxerExit)
		return 1
	}
	logger.Info("capture complete", "attempts", res.Attempts)
	return 0
}

// runList dumps the seen and notified sets of one channel store, or all of
// them, newest notifications first.
func runList(target string, cfg config.Config, out io.Writer) int {
	var ids []int
	if target == "all" {
		found, err := store.ListDBFiles(cfg.StoreDir)
		if err != nil {
			fmt.Fprintf(out, "list stores: %v\n", err)
			return 1
		}
		if len(found) == 0 {
			fmt.Fprintln(out, "no channel stores found")
			return 0
		}
		ids = found
	} else {
		id, err := strconv.Atoi(target)
		if err != nil {
			fmt.Fprintf(out, "--list expects 'all' or a channel ID, got %q\n", target)
			return 2
		}
		ids = []int{id}
	}

	for _, id := range ids {
		s, err := store.OpenSQLite(cfg.StoreDir, id)
		if err != nil {
			fmt.Fprintf(out, "open store for channel %d: %v\n", id, err)
			return 1
		}
		snap, err := s.Snapshot(context.Background())
		s.Close()
		if err != nil {
			fmt.Fprintf(out, "read store for channel %d: %v\n", id, err)
			return 1
		}
		printSnapshot(out, id, snap)
	}
	return 0
}

func printSnapshot(out io.Writer, channelID int, snap store.Snapshot) {
	fmt.Fprintf(out, "channel %d: %d seen, %d notified\n", channelID, len(snap.Seen), len(snap.Notified))
	for _, id := range snap.Seen {
		fmt.Fprintf(out, "  seen %s\n", id)
	}
	for _, entry := range sortNotified(snap.Notified) {
		fmt.Fprintf(out, "  notified %s at %s\n", entry.id,
			time.Unix(entry.ts, 0).UTC().Format("2006-01-02 15:04:05"))
	}
}

type notifiedEntry struct {
	id string
	ts int64
}

// sortNotified orders notifications newest first, breaking ties by ID.
func sortNotified(m map[string]int64) []notifiedEntry {
	entries := make([]notifiedEntry, 0, len(m))
	for id, ts := range m {
		entries = append(entries, notifiedEntry{id: id, ts: ts})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ts != entries[j].ts {
			return entries[i].ts > entries[j].ts
		}
		return entries[i].id < entries[j].id
	})
	return entries
}

// splitURLList accepts comma or whitespace separated URL lists.
func splitURLList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
