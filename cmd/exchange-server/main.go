// Command exchange-server runs the TCP exchange simulator: it accepts
// client connections, broadcasts a synthesized quote/trade stream, and
// degrades slow consumers instead of blocking on them.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/kyber-systems/marketfeed/eventbus"
	"github.com/kyber-systems/marketfeed/generator"
	"github.com/kyber-systems/marketfeed/server"
)

func main() {
	var (
		port            = flag.Uint("port", 9876, "TCP port to listen on")
		numSymbols      = flag.Int("symbols", 100, "number of symbols to simulate")
		tickRate        = flag.Uint("rate", 100000, "ticks per second to generate")
		marketCondition = flag.String("market", "neutral", "neutral, bull, or bear")
		fault           = flag.Bool("fault", false, "inject a sequence gap every 100th tick")
		slowThreshold   = flag.Int("slow-threshold", 0, "slow-consumer pending-bytes threshold (0 = default)")
		logFile         = flag.String("log-file", "", "path to a rotating log file; stderr if unset")
		configPath      = flag.String("config", "", "optional yaml config file overlaying the flags above")
	)
	flag.Parse()

	cfg := server.Config{
		Port:            uint16(*port),
		NumSymbols:      *numSymbols,
		TickRate:        uint32(*tickRate),
		MarketCondition: server.ParseMarketCondition(*marketCondition),
		FaultInjection:  *fault,
		SlowThreshold:   *slowThreshold,
	}
	resolvedLogFile := *logFile

	if *configPath != "" {
		fc, err := loadFileConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "exchange-server: %v\n", err)
			os.Exit(1)
		}
		cfg = fc.Merge(cfg)
		if fc.LogFile != "" && resolvedLogFile == "" {
			resolvedLogFile = fc.LogFile
		}
	}

	logger := newLogger(resolvedLogFile)
	server.SetLogger(logger)
	slog.SetDefault(logger)

	gen := generator.New(cfg.NumSymbols, rand.NewSource(1))
	bus := eventbus.NewRingBuffer(4096, eventbus.SlogHandler{Log: func(kind eventbus.Kind, fields map[string]any) {
		args := make([]any, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		logger.Info(kind.String(), args...)
	}})
	bus.Start()

	exchange := server.New(cfg, gen, bus)
	if err := exchange.Start(); err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		exchange.Stop()
	}()

	if err := exchange.Run(); err != nil {
		logger.Error("exchange loop exited with error", "error", err)
		os.Exit(1)
	}
}

func loadFileConfig(path string) (server.FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return server.FileConfig{}, fmt.Errorf("read config: %w", err)
	}
	var fc server.FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return server.FileConfig{}, fmt.Errorf("parse config: %w", err)
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
