package feed

import "time"

// Config mirrors the original feed handler's configuration surface,
// including the dump_file option the distilled spec left unmentioned.
type Config struct {
	Host             string
	Port             uint16
	ConnectTimeout   time.Duration
	SubscribeSymbols []uint16
	AutoReconnect    bool
	DumpFile         string
}

// DefaultConfig returns the feed handler's out-of-the-box settings.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           9876,
		ConnectTimeout: 5 * time.Second,
		AutoReconnect:  true,
	}
}
