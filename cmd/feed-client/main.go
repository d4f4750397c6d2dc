// Command feed-client connects to an exchange-server instance, decodes its
// message stream into a local symbol cache, and reports latency statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/kyber-systems/marketfeed/cache"
	"github.com/kyber-systems/marketfeed/eventbus"
	"github.com/kyber-systems/marketfeed/feed"
	"github.com/kyber-systems/marketfeed/latency"
)

func main() {
	var (
		host        = flag.String("host", "localhost", "exchange host")
		port        = flag.Uint("port", 9876, "exchange port")
		numSymbols  = flag.Int("symbols", cache.MaxSymbols, "size of the symbol universe, for sizing the local cache")
		timeoutMs   = flag.Uint("timeout", 5000, "connect timeout in milliseconds")
		subscribe   = flag.String("subscribe", "", "comma-separated symbol IDs; empty subscribes to all")
		noReconnect = flag.Bool("no-reconnect", false, "disable automatic reconnection")
		dumpFile    = flag.String("dump-file", "", "path to mirror every decoded frame to")
		logFile     = flag.String("log-file", "", "path to a rotating log file; stderr if unset")
		configPath  = flag.String("config", "", "optional yaml config file overlaying the flags above")
	)
	flag.Bool("no-visual", false, "accepted for compatibility; this client has no visualization layer")
	flag.Parse()

	cfg := feed.DefaultConfig()
	cfg.Host = *host
	cfg.Port = uint16(*port)
	cfg.ConnectTimeout = time.Duration(*timeoutMs) * time.Millisecond
	cfg.AutoReconnect = !*noReconnect
	cfg.DumpFile = *dumpFile
	if syms, err := parseSymbolList(*subscribe); err != nil {
		fmt.Fprintf(os.Stderr, "feed-client: %v\n", err)
		os.Exit(1)
	} else {
		cfg.SubscribeSymbols = syms
	}
	resolvedLogFile := *logFile

	if *configPath != "" {
		fc, err := loadFileConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "feed-client: %v\n", err)
			os.Exit(1)
		}
		cfg = fc.Merge(cfg)
		if fc.LogFile != "" && resolvedLogFile == "" {
			resolvedLogFile = fc.LogFile
		}
	}

	logger := newLogger(resolvedLogFile)
	feed.SetLogger(logger)
	slog.SetDefault(logger)

	// The cache indexes entries directly by symbol ID (not by subscription
	// rank), so it must cover the whole symbol universe, not just the count
	// of symbols subscribed to — otherwise UpdateQuote/UpdateTrade for any
	// subscribed ID at or beyond the cache's size silently no-ops.
	cacheSize := *numSymbols
	for _, id := range cfg.SubscribeSymbols {
		if int(id)+1 > cacheSize {
			cacheSize = int(id) + 1
		}
	}
	c := cache.New(cacheSize)
	lat := latency.New()
	bus := eventbus.NewRingBuffer(4096, eventbus.SlogHandler{Log: func(kind eventbus.Kind, fields map[string]any) {
		args := make([]any, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		logger.Info(kind.String(), args...)
	}})
	bus.Start()

	var dump feed.DumpSink
	if cfg.DumpFile != "" {
		fileSink, err := feed.NewFileDumpSink(cfg.DumpFile)
		if err != nil {
			logger.Error("failed to open dump file", "error", err)
			os.Exit(1)
		}
		dump = fileSink
	}

	handler := feed.New(cfg, c, lat, bus, dump)

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		close(stop)
	}()

	go reportStats(stop, handler, lat)

	if err := handler.Run(stop); err != nil {
		logger.Error("feed handler exited with error", "error", err)
		if shutdownErr := bus.Shutdown(context.Background()); shutdownErr != nil {
			logger.Warn("event bus did not drain cleanly", "error", shutdownErr)
		}
		os.Exit(1)
	}
}

func reportStats(stop <-chan struct{}, h *feed.Handler, lat *latency.Histogram) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			stats := lat.Stats()
			slog.Info("feed stats",
				"state", h.State().String(),
				"messages", h.MessagesReceived(),
				"bytes", h.BytesReceived(),
				"sequence_gaps", h.SequenceGaps(),
				"latency_p50_ns", stats.P50,
				"latency_p99_ns", stats.P99,
			)
		}
	}
}

func parseSymbolList(s string) ([]uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]uint16, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid symbol id %q: %w", p, err)
		}
		ids = append(ids, uint16(v))
	}
	return ids, nil
}

func loadFileConfig(path string) (feed.FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return feed.FileConfig{}, fmt.Errorf("read config: %w", err)
	}
	var fc feed.FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return feed.FileConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return fc, nil
}

func newLogger(path string) *slog.Logger {
	var w io.Writer = os.Stderr
	if path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
	}
	return slog.New(slog.NewJSONHandler(w, nil))
}
