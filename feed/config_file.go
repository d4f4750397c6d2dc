package feed

import "time"

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// FileConfig is the yaml-file representation of a Config.
type FileConfig struct {
	Host             string   `yaml:"host"`
	Port             uint16   `yaml:"port"`
	ConnectTimeoutMs int      `yaml:"connect_timeout_ms"`
	SubscribeSymbols []uint16 `yaml:"subscribe_symbols"`
	AutoReconnect    *bool    `yaml:"auto_reconnect"`
	DumpFile         string   `yaml:"dump_file"`
	LogFile          string   `yaml:"log_file"`
}

// Merge applies any non-zero fields of f onto cfg and returns the result.
func (f FileConfig) Merge(cfg Config) Config {
	if f.Host != "" {
		cfg.Host = f.Host
	}
	if f.Port != 0 {
		cfg.Port = f.Port
	}
	if f.ConnectTimeoutMs != 0 {
		cfg.ConnectTimeout = msToDuration(f.ConnectTimeoutMs)
	}
	if len(f.SubscribeSymbols) > 0 {
		cfg.SubscribeSymbols = f.SubscribeSymbols
	}
	if f.AutoReconnect != nil {
		cfg.AutoReconnect = *f.AutoReconnect
	}
	if f.DumpFile != "" {
		cfg.DumpFile = f.DumpFile
	}
	return cfg
}
