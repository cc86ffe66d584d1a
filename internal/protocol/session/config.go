package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-connection engine behavior.
type Config struct {
	// HandshakeTimeout bounds the websocket upgrade, not bus requests.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// SubscribeSettle is how long the engine waits for the places
	// acknowledgement before subscribing to devices anyway. Zero waits for the
	// acknowledgement only.
	SubscribeSettle time.Duration
	ReadLimit       int64
	TLS             TLSConfig
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		SubscribeSettle:  time.Second,
		ReadLimit:        4 << 20,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig. SubscribeSettle is
// left alone because zero is meaningful.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SubscribeSettle < 0 {
		c.SubscribeSettle = def.SubscribeSettle
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
