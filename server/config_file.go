package server

import "github.com/kyber-systems/marketfeed/generator"

// FileConfig is the yaml-file representation of a Config, one field per
// flag the exchange-server binary also accepts on the command line. Zero
// values mean "not set" so a loaded file only overrides what it mentions.
type FileConfig struct {
	Port            uint16 `yaml:"port"`
	NumSymbols      int    `yaml:"num_symbols"`
	TickRate        uint32 `yaml:"tick_rate"`
	MarketCondition string `yaml:"market_condition"`
	FaultInjection  bool   `yaml:"fault_injection"`
	SlowThreshold   int    `yaml:"slow_threshold_bytes"`
	LogFile         string `yaml:"log_file"`
}

// Merge applies any non-zero fields of f onto cfg and returns the result.
func (f FileConfig) Merge(cfg Config) Config {
	if f.Port != 0 {
		cfg.Port = f.Port
	}
	if f.NumSymbols != 0 {
		cfg.NumSymbols = f.NumSymbols
	}
	if f.TickRate != 0 {
		cfg.TickRate = f.TickRate
	}
	if f.SlowThreshold != 0 {
		cfg.SlowThreshold = f.SlowThreshold
	}
	if f.MarketCondition != "" {
		cfg.MarketCondition = ParseMarketCondition(f.MarketCondition)
	}
	cfg.FaultInjection = cfg.FaultInjection || f.FaultInjection
	return cfg
}

// ParseMarketCondition maps a config/flag string onto a generator.MarketCondition,
// defaulting to Neutral for anything unrecognized.
func ParseMarketCondition(s string) generator.MarketCondition {
	switch s {
	case "bull", "bullish":
		return generator.Bullish
	case "bear", "bearish":
		return generator.Bearish
	default:
		return generator.Neutral
	}
}
